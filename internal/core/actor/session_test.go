package actor

import (
	"sync"
	"testing"
	"time"

	"github.com/berfenger/powershades2mqtt/internal/core/domain"
	"github.com/berfenger/powershades2mqtt/internal/util/actorutil"
	"github.com/berfenger/powershades2mqtt/pkg/powershades"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sessionFixture struct {
	t         *testing.T
	as        *actor.ActorSystem
	pid       *actor.PID
	transport *powershades.TestTransport
	shade     domain.Shade

	mu     sync.Mutex
	events []domain.Event
}

func newSessionFixture(t *testing.T, handler func(powershades.Target, powershades.Frame, int) (*powershades.Reply, error),
	exchange powershades.ExchangeOptions, opts SessionOptions) *sessionFixture {
	logger := zap.Must(zap.NewDevelopment())
	f := &sessionFixture{
		t:         t,
		as:        actorutil.NewActorSystemWithZapLogger(logger),
		transport: &powershades.TestTransport{Handler: handler},
		shade: domain.Shade{
			Id:      "living_room",
			Name:    "Living Room",
			Address: domain.NewDeviceAddress("192.168.1.10", 0, 1),
			Options: exchange,
		},
	}
	es := &eventstream.EventStream{}
	es.Subscribe(func(evt interface{}) {
		if e, ok := evt.(domain.Event); ok {
			f.mu.Lock()
			f.events = append(f.events, e)
			f.mu.Unlock()
		}
	})
	props := actor.PropsFromProducer(func() actor.Actor {
		return NewShadeSessionActor(f.shade, f.transport, es, opts, logger)
	})
	f.pid = f.as.Root.Spawn(props)
	t.Cleanup(func() {
		f.as.Root.Stop(f.pid)
		f.as.Shutdown()
	})
	return f
}

func (f *sessionFixture) executeAsync(cmd domain.Command) *actor.Future {
	return f.as.Root.RequestFuture(f.pid, domain.ExecuteCommandRequest{Command: cmd}, 5*time.Second)
}

func (f *sessionFixture) wait(future *actor.Future) domain.ExecuteCommandResponse {
	f.t.Helper()
	result, err := future.Result()
	require.NoError(f.t, err)
	resp, ok := result.(domain.ExecuteCommandResponse)
	require.True(f.t, ok, "unexpected %T", result)
	return resp
}

func (f *sessionFixture) execute(cmd domain.Command) domain.ExecuteCommandResponse {
	return f.wait(f.executeAsync(cmd))
}

func (f *sessionFixture) snapshot() domain.Snapshot {
	f.t.Helper()
	result, err := f.as.Root.RequestFuture(f.pid, domain.GetSnapshotRequest{}, time.Second).Result()
	require.NoError(f.t, err)
	return result.(domain.GetSnapshotResponse).Snapshot
}

func (f *sessionFixture) cancel(ref string) domain.CancelCommandResponse {
	f.t.Helper()
	result, err := f.as.Root.RequestFuture(f.pid, domain.CancelCommandRequest{Ref: ref}, time.Second).Result()
	require.NoError(f.t, err)
	return result.(domain.CancelCommandResponse)
}

func (f *sessionFixture) countEvents(match func(domain.Event) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if match(e) {
			n++
		}
	}
	return n
}

func ackAll(_ powershades.Target, frame powershades.Frame, _ int) (*powershades.Reply, error) {
	return powershades.AckFor(frame), nil
}

// blockingHandler holds every frame with opcode op until the test ends and
// acks everything else.
func blockingHandler(t *testing.T, op powershades.Opcode) func(powershades.Target, powershades.Frame, int) (*powershades.Reply, error) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	return func(_ powershades.Target, frame powershades.Frame, _ int) (*powershades.Reply, error) {
		if frame.Op == op {
			<-release
			return nil, nil
		}
		return powershades.AckFor(frame), nil
	}
}

var slowExchange = powershades.ExchangeOptions{Timeout: 3 * time.Second, Retries: 0}

func TestSessionSetPosition(t *testing.T) {
	f := newSessionFixture(t, ackAll, slowExchange, SessionOptions{})

	resp := f.execute(domain.SetPosition(42).WithRef("r1"))
	require.NoError(t, resp.GetResponseError())
	assert.Equal(t, domain.OutcomeSuccess, resp.Outcome.Status)
	assert.Equal(t, "r1", resp.Outcome.Ref)
	assert.Equal(t, 1, resp.Outcome.Attempts)
	assert.True(t, resp.Outcome.Position.Known())
	assert.Equal(t, 42, resp.Outcome.Position.Percent)

	sent := f.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, powershades.OpSetPosition, sent[0].Frame.Op)
	assert.Equal(t, uint8(1), sent[0].Frame.Channel)
	assert.Equal(t, f.shade.Address.Target(), sent[0].Target)

	snap := f.snapshot()
	assert.Equal(t, domain.SessionIdle, snap.State)
	assert.Equal(t, domain.ConnectivityConnected, snap.Connectivity)
	assert.Empty(t, snap.InFlight)
}

func TestSessionRefreshReadsStatus(t *testing.T) {
	report := powershades.StatusReport{Percent: 30, BatteryMillivolt: 3600, Temperature: 215}
	f := newSessionFixture(t, func(_ powershades.Target, frame powershades.Frame, _ int) (*powershades.Reply, error) {
		return powershades.StatusFor(frame, report), nil
	}, slowExchange, SessionOptions{})

	resp := f.execute(domain.Refresh())
	assert.Equal(t, domain.OutcomeSuccess, resp.Outcome.Status)

	snap := f.snapshot()
	assert.Equal(t, 30, snap.Position.Percent)
	assert.True(t, snap.Position.Known())
	require.NotNil(t, snap.Diagnostics)
	assert.Equal(t, 50, snap.Diagnostics.BatteryPercent)
	assert.InDelta(t, 21.5, snap.Diagnostics.TemperatureCelsius, 0.001)
	assert.Equal(t, 1, f.countEvents(func(e domain.Event) bool {
		_, ok := e.(domain.DiagnosticsUpdatedEvent)
		return ok
	}))
}

func TestSessionMovementFromTarget(t *testing.T) {
	report := powershades.StatusReport{Percent: 10}
	f := newSessionFixture(t, func(_ powershades.Target, frame powershades.Frame, _ int) (*powershades.Reply, error) {
		if frame.Op == powershades.OpGetStatus {
			return powershades.StatusFor(frame, report), nil
		}
		return powershades.AckFor(frame), nil
	}, slowExchange, SessionOptions{})

	f.execute(domain.Refresh())
	f.execute(domain.Open())
	snap := f.snapshot()
	assert.Equal(t, domain.MovementOpening, snap.Movement)
	require.NotNil(t, snap.TargetPercent)
	assert.Equal(t, 100, *snap.TargetPercent)

	f.as.Root.Send(f.pid, domain.StatusReported{Report: powershades.StatusReport{Percent: 99}})
	snap = f.snapshot()
	assert.Equal(t, domain.MovementStopped, snap.Movement)
	assert.Nil(t, snap.TargetPercent)
	assert.Equal(t, 99, snap.Position.Percent)
}

func TestSessionBusyWhilePending(t *testing.T) {
	f := newSessionFixture(t, blockingHandler(t, powershades.OpSetPosition), slowExchange, SessionOptions{})

	first := f.executeAsync(domain.SetPosition(10))
	resp := f.execute(domain.Close())
	assert.ErrorIs(t, resp.GetResponseError(), domain.ErrBusy)
	assert.Equal(t, domain.OutcomeBusy, resp.Outcome.Status)

	snap := f.snapshot()
	assert.Equal(t, domain.SessionPending, snap.State)
	assert.Equal(t, domain.CommandSetPosition, snap.InFlight)
	require.Eventually(t, func() bool { return len(f.transport.Sent()) == 1 }, time.Second, 10*time.Millisecond)

	f.cancel("")
	assert.Equal(t, domain.OutcomeCancelled, f.wait(first).Outcome.Status)
}

func TestSessionStopSupersedes(t *testing.T) {
	f := newSessionFixture(t, blockingHandler(t, powershades.OpSetPosition), slowExchange, SessionOptions{})

	first := f.executeAsync(domain.SetPosition(80))
	require.Eventually(t, func() bool { return len(f.transport.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	stop := f.execute(domain.Stop())
	assert.Equal(t, domain.OutcomeSuccess, stop.Outcome.Status)

	superseded := f.wait(first)
	assert.ErrorIs(t, superseded.GetResponseError(), domain.ErrSuperseded)
	assert.Equal(t, domain.OutcomeSuperseded, superseded.Outcome.Status)
	assert.Equal(t, domain.ConfidenceStale, superseded.Outcome.Position.Confidence)

	snap := f.snapshot()
	assert.Equal(t, domain.SessionIdle, snap.State)
	assert.Equal(t, domain.MovementStopped, snap.Movement)

	sent := f.transport.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, powershades.OpSetPosition, sent[0].Frame.Op)
	assert.Equal(t, powershades.OpJogStop, sent[1].Frame.Op)
	assert.NotEqual(t, sent[0].Frame.Seq, sent[1].Frame.Seq)
}

func TestSessionStopImmediatelyIsLastSent(t *testing.T) {
	f := newSessionFixture(t, blockingHandler(t, powershades.OpSetPosition), slowExchange, SessionOptions{})

	first := f.executeAsync(domain.SetPosition(80))
	stop := f.execute(domain.Stop())
	assert.Equal(t, domain.OutcomeSuccess, stop.Outcome.Status)
	assert.Equal(t, domain.OutcomeSuperseded, f.wait(first).Outcome.Status)

	time.Sleep(20 * time.Millisecond)
	sent := f.transport.Sent()
	require.NotEmpty(t, sent)
	assert.Equal(t, powershades.OpJogStop, sent[len(sent)-1].Frame.Op)
}

// A superseded SetPosition must never reach the controller after the
// JogStop that replaced it.
func TestSessionStopOrderOnWire(t *testing.T) {
	logger := zap.NewNop()
	ctrl, err := powershades.NewTestController(func(req powershades.Frame) [][]byte {
		if req.Op == powershades.OpSetPosition {
			return nil
		}
		return [][]byte{powershades.MustEncode(powershades.Frame{Op: req.Op, Seq: req.Seq, Channel: req.Channel})}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })
	transport, err := powershades.NewUDPTransport(powershades.Config{BindAddress: "127.0.0.1:0"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })

	target := ctrl.Target(0)
	shade := domain.Shade{
		Id:      "living_room",
		Address: domain.NewDeviceAddress(target.Host, target.Port, target.Channel),
		Options: slowExchange,
	}
	as := actorutil.NewActorSystemWithZapLogger(logger)
	pid := as.Root.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewShadeSessionActor(shade, transport, &eventstream.EventStream{}, SessionOptions{}, logger)
	}))
	t.Cleanup(func() {
		as.Root.Stop(pid)
		as.Shutdown()
	})

	for i := 0; i < 50; i++ {
		first := as.Root.RequestFuture(pid, domain.ExecuteCommandRequest{Command: domain.SetPosition(80)}, 5*time.Second)
		res, err := as.Root.RequestFuture(pid, domain.ExecuteCommandRequest{Command: domain.Stop()}, 5*time.Second).Result()
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeSuccess, res.(domain.ExecuteCommandResponse).Outcome.Status)
		_, err = first.Result()
		require.NoError(t, err)
	}
	time.Sleep(50 * time.Millisecond)

	received := ctrl.Received()
	require.NotEmpty(t, received)
	assert.Equal(t, powershades.OpJogStop, received[len(received)-1].Op)
	for i, frame := range received {
		if frame.Op != powershades.OpSetPosition {
			continue
		}
		require.Less(t, i+1, len(received), "set_position %d is the last frame", frame.Seq)
		next := received[i+1]
		assert.Equal(t, powershades.OpJogStop, next.Op, "set_position %d followed by %s", frame.Seq, next.Op)
		assert.Equal(t, frame.Seq+1, next.Seq)
	}
}

func TestSessionCancelLeavesStale(t *testing.T) {
	f := newSessionFixture(t, blockingHandler(t, powershades.OpSetPosition), slowExchange, SessionOptions{})

	first := f.executeAsync(domain.SetPosition(80).WithRef("abc"))

	assert.False(t, f.cancel("other").Cancelled)
	resp := f.cancel("abc")
	assert.True(t, resp.Cancelled)
	assert.Equal(t, "abc", resp.Ref)

	cancelled := f.wait(first)
	assert.ErrorIs(t, cancelled.GetResponseError(), domain.ErrCancelled)
	assert.Equal(t, domain.OutcomeCancelled, cancelled.Outcome.Status)

	snap := f.snapshot()
	assert.Equal(t, domain.SessionIdle, snap.State)
	assert.Equal(t, domain.ConfidenceStale, snap.Position.Confidence)
	assert.False(t, f.cancel("").Cancelled)
}

func TestSessionNackLeavesStale(t *testing.T) {
	f := newSessionFixture(t, func(_ powershades.Target, frame powershades.Frame, _ int) (*powershades.Reply, error) {
		return powershades.NackFor(frame, 3), nil
	}, slowExchange, SessionOptions{})

	resp := f.execute(domain.SetPosition(50))
	var nack domain.NackError
	require.ErrorAs(t, resp.GetResponseError(), &nack)
	assert.Equal(t, uint8(3), nack.Code)
	assert.Equal(t, domain.OutcomeNack, resp.Outcome.Status)
	assert.Equal(t, uint8(3), resp.Outcome.NackCode)

	snap := f.snapshot()
	assert.Equal(t, domain.SessionIdle, snap.State)
	assert.Equal(t, domain.ConnectivityConnected, snap.Connectivity)
	assert.False(t, snap.Position.Known())
	assert.NotEmpty(t, snap.LastError)
}

func TestSessionUnreachableOnce(t *testing.T) {
	f := newSessionFixture(t, func(powershades.Target, powershades.Frame, int) (*powershades.Reply, error) {
		return nil, nil
	}, powershades.ExchangeOptions{Timeout: 30 * time.Millisecond, Retries: 1}, SessionOptions{})

	for i := 0; i < 2; i++ {
		resp := f.execute(domain.Open())
		assert.ErrorIs(t, resp.GetResponseError(), powershades.ErrTimeout)
		assert.Equal(t, domain.OutcomeTimeout, resp.Outcome.Status)
		assert.Equal(t, 2, resp.Outcome.Attempts)
	}

	snap := f.snapshot()
	assert.Equal(t, domain.SessionUnreachable, snap.State)
	assert.Equal(t, domain.ConnectivityUnreachable, snap.Connectivity)
	assert.Len(t, f.transport.Sent(), 4)
	assert.Equal(t, 1, f.countEvents(func(e domain.Event) bool {
		c, ok := e.(domain.ConnectivityChangedEvent)
		return ok && c.To == domain.ConnectivityUnreachable
	}))
}

func TestSessionUnsolicitedStatus(t *testing.T) {
	f := newSessionFixture(t, ackAll, slowExchange, SessionOptions{})

	f.as.Root.Send(f.pid, domain.StatusReported{Report: powershades.StatusReport{Percent: 64, BatteryMillivolt: 4200}})
	snap := f.snapshot()
	assert.Equal(t, domain.SessionIdle, snap.State)
	assert.Equal(t, domain.ConnectivityUnknown, snap.Connectivity)
	assert.True(t, snap.Position.Known())
	assert.Equal(t, 64, snap.Position.Percent)
	assert.Empty(t, f.transport.Sent())
	assert.Equal(t, 0, f.countEvents(func(e domain.Event) bool {
		_, ok := e.(domain.SessionStateChangedEvent)
		return ok
	}))
}

func TestSessionIgnoresStaleResult(t *testing.T) {
	f := newSessionFixture(t, blockingHandler(t, powershades.OpSetPosition), slowExchange, SessionOptions{})

	first := f.executeAsync(domain.SetPosition(20))
	f.as.Root.Send(f.pid, exchangeResult{token: 99, resp: powershades.Response{Attempts: 1}})

	snap := f.snapshot()
	assert.Equal(t, domain.SessionPending, snap.State)
	assert.Equal(t, domain.CommandSetPosition, snap.InFlight)

	f.cancel("")
	f.wait(first)
}

func TestSessionPollYieldsToCommand(t *testing.T) {
	f := newSessionFixture(t, blockingHandler(t, powershades.OpGetStatus), slowExchange, SessionOptions{RefreshOnStart: true})

	require.Eventually(t, func() bool { return len(f.transport.Sent()) == 1 }, time.Second, 10*time.Millisecond)
	resp := f.execute(domain.SetPosition(75))
	assert.Equal(t, domain.OutcomeSuccess, resp.Outcome.Status)
	assert.Equal(t, 75, f.snapshot().Position.Percent)
	assert.Equal(t, 1, f.countEvents(func(e domain.Event) bool {
		_, ok := e.(domain.CommandCompletedEvent)
		return ok
	}))
}

func TestSessionPollDue(t *testing.T) {
	report := powershades.StatusReport{Percent: 5}
	f := newSessionFixture(t, func(_ powershades.Target, frame powershades.Frame, _ int) (*powershades.Reply, error) {
		return powershades.StatusFor(frame, report), nil
	}, slowExchange, SessionOptions{PollInterval: time.Hour, UnknownInterval: time.Millisecond})

	// position unknown: the fast interval applies
	f.as.Root.Send(f.pid, domain.PollRequest{})
	require.Eventually(t, func() bool { return f.snapshot().Position.Known() }, time.Second, 10*time.Millisecond)

	// known and refreshed just now: not due for an hour
	f.as.Root.Send(f.pid, domain.PollRequest{})
	f.snapshot()
	assert.Len(t, f.transport.Sent(), 1)
}

func TestSessionRejectsInvalid(t *testing.T) {
	f := newSessionFixture(t, ackAll, slowExchange, SessionOptions{})

	resp := f.execute(domain.SetPosition(150))
	assert.ErrorIs(t, resp.GetResponseError(), domain.ErrValidation)
	assert.Equal(t, domain.OutcomeRejected, resp.Outcome.Status)

	resp = f.execute(domain.RunPreset("unknown"))
	assert.ErrorIs(t, resp.GetResponseError(), domain.ErrUnknownPreset)
	assert.Empty(t, f.transport.Sent())
	assert.Equal(t, domain.SessionIdle, f.snapshot().State)
}

func TestSessionHealth(t *testing.T) {
	f := newSessionFixture(t, ackAll, slowExchange, SessionOptions{})

	result, err := f.as.Root.RequestFuture(f.pid, domain.ActorHealthRequest{}, time.Second).Result()
	require.NoError(t, err)
	resp, ok := result.(domain.ActorHealthResponse)
	require.True(t, ok)
	assert.True(t, resp.Healthy)
	assert.Equal(t, "living_room", resp.Id)
	assert.Equal(t, "idle", resp.State)
}
