package service

import (
	"context"
	"math"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	coreactor "github.com/berfenger/powershades2mqtt/internal/core/actor"
	"github.com/berfenger/powershades2mqtt/internal/core/domain"
	"github.com/berfenger/powershades2mqtt/internal/util/actorutil"
	"github.com/berfenger/powershades2mqtt/pkg/powershades"

	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	addrA = domain.NewDeviceAddress("10.0.0.1", 0, 0)
	addrB = domain.NewDeviceAddress("10.0.0.2", 0, 0)
)

type handlerFunc = func(powershades.Target, powershades.Frame, int) (*powershades.Reply, error)

func newTestService(t *testing.T, handler handlerFunc) (*ShadeService, *powershades.TestTransport) {
	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	transport := &powershades.TestTransport{Handler: handler}
	poller := NewPoller(as.Root, 0, 0, logger)

	srv := NewShadeService(as.Root, transport, &eventstream.EventStream{}, poller, ShadeServiceConfig{
		Presets: map[string]int{"half": 50, "morning": 80},
		Session: coreactor.SessionOptions{},
	}, logger)

	opts := powershades.ExchangeOptions{Timeout: 40 * time.Millisecond, Retries: 1}
	require.NoError(t, srv.AddDevice(domain.Shade{Id: "a", Name: "A", Address: addrA, Options: opts,
		Presets: map[string]int{"morning": 65}}))
	require.NoError(t, srv.AddDevice(domain.Shade{Id: "b", Name: "B", Address: addrB, Options: opts}))

	t.Cleanup(func() {
		srv.Close()
		as.Shutdown()
	})
	return srv, transport
}

func ackAll(_ powershades.Target, frame powershades.Frame, _ int) (*powershades.Reply, error) {
	return powershades.AckFor(frame), nil
}

func sentPercent(t *testing.T, sent powershades.SentFrame) int {
	t.Helper()
	require.Equal(t, powershades.OpSetPosition, sent.Frame.Op)
	percent, err := powershades.DecodeSetPosition(sent.Frame.Payload)
	require.NoError(t, err)
	return percent
}

func pushStatus(transport *powershades.TestTransport, addr domain.DeviceAddress, percent int) {
	req := powershades.NewRequest(powershades.OpGetStatus, addr.Channel, 200)
	transport.Push(addr.Target(), powershades.StatusFor(req, powershades.StatusReport{Percent: percent}))
}

func TestExecuteUnknownDevice(t *testing.T) {
	srv, transport := newTestService(t, ackAll)

	outcome, err := srv.Execute(context.Background(), domain.NewDeviceAddress("10.9.9.9", 0, 0), domain.Open())
	assert.ErrorIs(t, err, domain.ErrUnknownDevice)
	assert.Equal(t, domain.OutcomeFailed, outcome.Status)
	assert.Empty(t, transport.Sent())
}

func TestExecuteAssignsRef(t *testing.T) {
	srv, _ := newTestService(t, ackAll)

	outcome, err := srv.Execute(context.Background(), addrA, domain.SetPosition(30))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, outcome.Status)
	assert.NotEmpty(t, outcome.Ref)
	assert.Equal(t, "a", outcome.DeviceId)
}

func TestPresetResolution(t *testing.T) {
	srv, transport := newTestService(t, ackAll)
	ctx := context.Background()

	_, err := srv.Execute(ctx, addrA, domain.RunPreset("morning"))
	require.NoError(t, err)
	_, err = srv.Execute(ctx, addrB, domain.RunPreset("morning"))
	require.NoError(t, err)
	_, err = srv.Execute(ctx, addrA, domain.RunPreset("half"))
	require.NoError(t, err)

	sent := transport.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, 65, sentPercent(t, sent[0]))
	assert.Equal(t, 80, sentPercent(t, sent[1]))
	assert.Equal(t, 50, sentPercent(t, sent[2]))

	outcome, err := srv.Execute(ctx, addrA, domain.RunPreset("night"))
	assert.ErrorIs(t, err, domain.ErrUnknownPreset)
	assert.Equal(t, domain.OutcomeRejected, outcome.Status)
	assert.Len(t, transport.Sent(), 3)
}

func TestToggleResolution(t *testing.T) {
	srv, transport := newTestService(t, ackAll)
	ctx := context.Background()
	toggle := domain.Command{Kind: domain.CommandToggle}

	_, err := srv.Execute(ctx, addrA, toggle)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, transport.Sent())

	pushStatus(transport, addrA, 80)
	require.Eventually(t, func() bool {
		p, err := srv.GetPosition(ctx, addrA)
		return err == nil && p.Known()
	}, time.Second, 10*time.Millisecond)

	outcome, err := srv.Execute(ctx, addrA, toggle)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandClose, outcome.Kind)
	assert.Equal(t, 0, sentPercent(t, transport.Sent()[0]))

	// closing towards 0 from 80: toggle stops it
	outcome, err = srv.Execute(ctx, addrA, toggle)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandStop, outcome.Kind)
	assert.Equal(t, powershades.OpJogStop, transport.Sent()[1].Frame.Op)

	// stopped near closed: the next toggle opens
	outcome, err = srv.Execute(ctx, addrA, toggle)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandOpen, outcome.Kind)
	assert.Equal(t, 100, sentPercent(t, transport.Sent()[2]))
}

func TestToggleKind(t *testing.T) {
	known := func(p int) domain.Position {
		return domain.Position{Percent: p, Valid: true, Confidence: domain.ConfidenceKnown}
	}
	tests := []struct {
		name string
		snap domain.Snapshot
		want domain.CommandKind
	}{
		{"moving", domain.Snapshot{Movement: domain.MovementClosing, Position: known(40)}, domain.CommandStop},
		{"mostly open", domain.Snapshot{Movement: domain.MovementStopped, Position: known(51)}, domain.CommandClose},
		{"half open", domain.Snapshot{Movement: domain.MovementStopped, Position: known(50)}, domain.CommandOpen},
		{"stale still counts", domain.Snapshot{Movement: domain.MovementStopped,
			Position: domain.Position{Percent: 90, Valid: true, Confidence: domain.ConfidenceStale}}, domain.CommandClose},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, err := toggleKind(tt.snap)
			require.NoError(t, err)
			assert.Equal(t, tt.want, kind)
		})
	}

	_, err := toggleKind(domain.Snapshot{Movement: domain.MovementStopped})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestGroupPartialFailure(t *testing.T) {
	srv, transport := newTestService(t, func(target powershades.Target, frame powershades.Frame, _ int) (*powershades.Reply, error) {
		if target.Host == addrB.Host {
			return nil, nil
		}
		return powershades.AckFor(frame), nil
	})

	results := srv.ExecuteGroup(context.Background(), []domain.DeviceAddress{addrA, addrB, addrA}, domain.Close())
	require.Len(t, results, 2)

	assert.NoError(t, results[addrA].Err)
	assert.Equal(t, domain.OutcomeSuccess, results[addrA].Outcome.Status)
	assert.ErrorIs(t, results[addrB].Err, powershades.ErrTimeout)
	assert.Equal(t, domain.OutcomeTimeout, results[addrB].Outcome.Status)
	assert.Equal(t, 2, results[addrB].Outcome.Attempts)

	// one frame to A, two attempts to B
	assert.Len(t, transport.Sent(), 3)
}

func TestGroupValidationSendsNothing(t *testing.T) {
	srv, transport := newTestService(t, ackAll)

	results := srv.ExecuteGroup(context.Background(), []domain.DeviceAddress{addrA, addrB}, domain.SetPosition(120))
	require.Len(t, results, 2)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, domain.ErrValidation)
		assert.Equal(t, domain.OutcomeRejected, r.Outcome.Status)
	}
	assert.Empty(t, transport.Sent())
}

func TestGroupWithoutTargets(t *testing.T) {
	srv, transport := newTestService(t, ackAll)

	outcome, err := srv.Execute(context.Background(), domain.DeviceAddress{}, domain.Group(domain.Close()))
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, domain.OutcomeRejected, outcome.Status)
	assert.Equal(t, domain.CommandGroup, outcome.Kind)

	assert.Empty(t, srv.ExecuteGroup(context.Background(), nil, domain.Close()))
	assert.Empty(t, transport.Sent())
}

func TestExecuteRejectsOutOfRange(t *testing.T) {
	for _, percent := range []int{-1, 101, math.MaxInt} {
		t.Run(strconv.Itoa(percent), func(t *testing.T) {
			srv, transport := newTestService(t, ackAll)

			outcome, err := srv.Execute(context.Background(), addrA, domain.SetPosition(percent))
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.Equal(t, domain.OutcomeRejected, outcome.Status)
			assert.Empty(t, transport.Sent())
		})
	}
}

func TestExecuteGroupCommand(t *testing.T) {
	srv, transport := newTestService(t, ackAll)

	outcome, err := srv.Execute(context.Background(), domain.DeviceAddress{}, domain.Group(domain.RunPreset("morning"), addrA, addrB))
	require.NoError(t, err)
	assert.Equal(t, domain.CommandGroup, outcome.Kind)
	assert.Equal(t, domain.OutcomeSuccess, outcome.Status)
	assert.Equal(t, 2, outcome.Attempts)

	percents := []int{sentPercent(t, transport.Sent()[0]), sentPercent(t, transport.Sent()[1])}
	assert.ElementsMatch(t, []int{65, 80}, percents)
}

func TestUnsolicitedRouting(t *testing.T) {
	srv, transport := newTestService(t, ackAll)
	ctx := context.Background()

	pushStatus(transport, addrB, 33)
	// unknown device and non-status replies are dropped
	transport.Push(powershades.Target{Host: "10.9.9.9"}, powershades.StatusFor(powershades.NewRequest(powershades.OpGetStatus, 0, 1), powershades.StatusReport{}))
	transport.Push(addrA.Target(), powershades.AckFor(powershades.NewRequest(powershades.OpJogStop, 0, 1)))

	require.Eventually(t, func() bool {
		p, err := srv.GetPosition(ctx, addrB)
		return err == nil && p.Known() && p.Percent == 33
	}, time.Second, 10*time.Millisecond)

	p, err := srv.GetPosition(ctx, addrA)
	require.NoError(t, err)
	assert.False(t, p.Valid)
}

func TestExecuteContextCancel(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	srv, _ := newTestService(t, func(_ powershades.Target, frame powershades.Frame, _ int) (*powershades.Reply, error) {
		<-release
		return powershades.AckFor(frame), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	outcome, err := srv.Execute(ctx, addrA, domain.Open())
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Equal(t, domain.OutcomeCancelled, outcome.Status)

	require.Eventually(t, func() bool {
		snap, err := srv.Snapshot(context.Background(), addrA)
		return err == nil && snap.State == domain.SessionIdle
	}, time.Second, 10*time.Millisecond)
}

func TestDeviceRegistry(t *testing.T) {
	srv, _ := newTestService(t, ackAll)

	assert.ErrorIs(t, srv.AddDevice(domain.Shade{Id: "c", Address: addrA}), domain.ErrDuplicateDevice)
	assert.ErrorIs(t, srv.AddDevice(domain.Shade{Id: "a", Address: domain.NewDeviceAddress("10.0.0.3", 0, 0)}), domain.ErrDuplicateDevice)
	assert.ErrorIs(t, srv.AddDevice(domain.Shade{Address: domain.NewDeviceAddress("10.0.0.3", 0, 0)}), domain.ErrValidation)

	shade, ok := srv.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, addrB, shade.Address)
	assert.Len(t, srv.ListDevices(), 2)

	require.NoError(t, srv.RemoveDevice(addrB))
	_, ok = srv.Lookup("b")
	assert.False(t, ok)
	assert.ErrorIs(t, srv.RemoveDevice(addrB), domain.ErrUnknownDevice)

	// the id can be reused once removed
	require.NoError(t, srv.AddDevice(domain.Shade{Id: "b", Address: addrB}))
}

func TestSubscribe(t *testing.T) {
	srv, _ := newTestService(t, ackAll)

	var completed atomic.Int32
	unsubscribe := srv.Subscribe(func(e domain.Event) {
		if _, ok := e.(domain.CommandCompletedEvent); ok {
			completed.Add(1)
		}
	})

	_, err := srv.Execute(context.Background(), addrA, domain.Open())
	require.NoError(t, err)
	assert.Equal(t, int32(1), completed.Load())

	unsubscribe()
	_, err = srv.Execute(context.Background(), addrA, domain.Close())
	require.NoError(t, err)
	assert.Equal(t, int32(1), completed.Load())
}
