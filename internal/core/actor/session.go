package actor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/berfenger/powershades2mqtt/internal/core/codec"
	"github.com/berfenger/powershades2mqtt/internal/core/domain"
	. "github.com/berfenger/powershades2mqtt/internal/util/actorutil"
	"github.com/berfenger/powershades2mqtt/pkg/powershades"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

type SessionOptions struct {
	// PollInterval is the status refresh period; 0 disables polling.
	PollInterval time.Duration
	// UnknownInterval replaces PollInterval while the position is unknown.
	UnknownInterval time.Duration
	// RefreshOnStart issues a status refresh as soon as the session starts.
	RefreshOnStart bool
}

// ShadeSessionActor owns the protocol state of one shade. Every command and
// exchange result for the shade is handled here in mailbox order, so at
// most one exchange is in flight per device.
type ShadeSessionActor struct {
	ActorWithStates
	shade       domain.Shade
	transport   powershades.Transport
	eventStream *eventstream.EventStream
	opts        SessionOptions
	logger      *zap.Logger

	token        uint64
	state        domain.SessionState
	position     domain.Position
	movement     domain.Movement
	target       *int
	connectivity domain.Connectivity
	diagnostics  *domain.Diagnostics
	lastStatus   time.Time
	lastError    string
	inflight     *inflightCommand

	publishedRevision uint64
	publishedMovement domain.Movement
}

type inflightCommand struct {
	token   uint64
	cmd     domain.Command
	replyTo *actor.PID
	cancel  context.CancelFunc
	started time.Time
}

type exchangeResult struct {
	token uint64
	resp  powershades.Response
	err   error
}

func NewShadeSessionActor(shade domain.Shade, transport powershades.Transport, eventStream *eventstream.EventStream, opts SessionOptions, logger *zap.Logger) *ShadeSessionActor {
	act := &ShadeSessionActor{
		shade:        shade,
		transport:    transport,
		eventStream:  eventStream,
		opts:         opts,
		logger:       ActorLogger(domain.ACTOR_ID_SHADE_PREFIX+shade.Id, logger),
		state:        domain.SessionIdle,
		position:     domain.Position{Confidence: domain.ConfidenceStale},
		movement:     domain.MovementStopped,
		connectivity: domain.ConnectivityUnknown,

		publishedMovement: domain.MovementStopped,
		ActorWithStates: ActorWithStates{
			Behavior: actor.NewBehavior(),
		},
	}
	act.Become(SessionIdleState{actor: act})
	return act
}

func (a *ShadeSessionActor) Receive(context actor.Context) {
	a.Behavior.Receive(context)
}

// Idle state

type SessionIdleState struct {
	ActorState
	actor *ShadeSessionActor
}

func (state SessionIdleState) Name() string {
	return string(domain.SessionIdle)
}

func (state SessionIdleState) Receive(ctx actor.Context) {
	if state.actor.receiveCommon(ctx, state) {
		return
	}
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.actor.logger.Debug("session@idle started", zap.Stringer("address", state.actor.shade.Address))
		if state.actor.opts.RefreshOnStart {
			state.actor.submit(ctx, domain.Command{Kind: domain.CommandRefresh, Poll: true}, nil)
		}
	default:
		state.actor.receiveResting(ctx, state.Name(), msg)
	}
}

// Unreachable state

type SessionUnreachableState struct {
	ActorState
	actor *ShadeSessionActor
}

func (state SessionUnreachableState) Name() string {
	return string(domain.SessionUnreachable)
}

func (state SessionUnreachableState) Receive(ctx actor.Context) {
	if state.actor.receiveCommon(ctx, state) {
		return
	}
	state.actor.receiveResting(ctx, state.Name(), ctx.Message())
}

// receiveResting handles a message in a state with nothing in flight.
func (a *ShadeSessionActor) receiveResting(ctx actor.Context, stateName string, message any) {
	switch msg := message.(type) {
	case domain.ExecuteCommandRequest:
		a.logger.Debug(fmt.Sprintf("session@%s ExecuteCommandRequest", stateName), zap.Stringer("command", msg.Command))
		a.submit(ctx, msg.Command, ForRequest(msg).ReplyTo(ctx))
	case domain.CancelCommandRequest:
		ForRequest(msg).Respond(ctx, domain.CancelCommandResponse{Ref: msg.Ref})
	case domain.PollRequest:
		if a.pollDue(time.Now()) {
			a.logger.Debug(fmt.Sprintf("session@%s poll", stateName))
			a.submit(ctx, domain.Command{Kind: domain.CommandRefresh, Poll: true}, nil)
		}
	case exchangeResult:
		a.logger.Debug(fmt.Sprintf("session@%s stale exchange result", stateName), zap.Uint64("token", msg.token))
	default:
		a.logger.Debug(fmt.Sprintf("session@%s recv", stateName), zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// Pending state

type SessionPendingState struct {
	ActorState
	actor *ShadeSessionActor
}

func (state SessionPendingState) Name() string {
	return string(domain.SessionPending)
}

func (state SessionPendingState) Receive(ctx actor.Context) {
	a := state.actor
	if a.receiveCommon(ctx, state) {
		return
	}
	if a.inflight == nil {
		// aborted while stopping
		a.receiveResting(ctx, state.Name(), ctx.Message())
		return
	}
	switch msg := ctx.Message().(type) {
	case domain.ExecuteCommandRequest:
		a.logger.Debug("session@pending ExecuteCommandRequest", zap.Stringer("command", msg.Command),
			zap.Stringer("inflight", a.inflight.cmd))
		replyTo := ForRequest(msg).ReplyTo(ctx)
		if _, err := codec.Encode(msg.Command, a.shade.Address.Channel, 0); err != nil {
			Reply(ctx, replyTo, domain.ExecuteCommandResponse{
				ActorResponseMixIn: domain.ErrorResponse(err),
				Outcome:            a.rejectedOutcome(msg.Command, err),
			})
			return
		}
		switch {
		case msg.Command.Kind == domain.CommandStop:
			a.abortInflight(ctx, domain.ErrSuperseded)
			a.submit(ctx, msg.Command, replyTo)
		case a.inflight.cmd.Poll:
			a.abortInflight(ctx, nil)
			a.submit(ctx, msg.Command, replyTo)
		default:
			outcome := a.rejectedOutcome(msg.Command, domain.ErrBusy)
			Reply(ctx, replyTo, domain.ExecuteCommandResponse{
				ActorResponseMixIn: domain.ErrorResponse(domain.ErrBusy),
				Outcome:            outcome,
			})
		}
	case domain.CancelCommandRequest:
		if msg.Ref != "" && msg.Ref != a.inflight.cmd.Ref {
			ForRequest(msg).Respond(ctx, domain.CancelCommandResponse{Ref: msg.Ref})
			return
		}
		ref := a.inflight.cmd.Ref
		a.logger.Debug("session@pending cancel", zap.String("ref", ref))
		a.abortInflight(ctx, domain.ErrCancelled)
		a.transition(ctx, domain.SessionIdle)
		ForRequest(msg).Respond(ctx, domain.CancelCommandResponse{Cancelled: true, Ref: ref})
	case domain.PollRequest:
	case exchangeResult:
		if msg.token != a.inflight.token {
			a.logger.Debug("session@pending stale exchange result", zap.Uint64("token", msg.token),
				zap.Uint64("inflight", a.inflight.token))
			return
		}
		a.complete(ctx, msg)
	default:
		a.logger.Debug("session@pending recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// receiveCommon handles the messages every state answers the same way.
func (a *ShadeSessionActor) receiveCommon(ctx actor.Context, state ActorState) bool {
	switch msg := ctx.Message().(type) {
	case domain.GetSnapshotRequest:
		ForRequest(msg).Respond(ctx, domain.GetSnapshotResponse{Snapshot: a.snapshot()})
	case domain.ActorHealthRequest:
		a.logger.Debug(fmt.Sprintf("session@%s ActorHealthRequest", state.Name()))
		ctx.Respond(domain.ActorHealthResponse{
			Id:      a.shade.Id,
			Healthy: true,
			State:   state.Name(),
		})
	case domain.StatusReported:
		a.logger.Debug(fmt.Sprintf("session@%s unsolicited status", state.Name()), zap.Int("percent", msg.Report.Percent))
		a.applyStatus(msg.Report, time.Now())
	case *actor.Stopping:
		a.abortInflight(ctx, domain.ErrCancelled)
	case *actor.Restarting:
		a.abortInflight(ctx, domain.ErrCancelled)
	default:
		return false
	}
	return true
}

// submit encodes cmd and starts its exchange in the background.
func (a *ShadeSessionActor) submit(ctx actor.Context, cmd domain.Command, replyTo *actor.PID) {
	token := a.token + 1
	frame, err := codec.Encode(cmd, a.shade.Address.Channel, uint8(token))
	if err != nil {
		a.logger.Warn("session: command rejected", zap.Stringer("command", cmd), zap.Error(err))
		Reply(ctx, replyTo, domain.ExecuteCommandResponse{
			ActorResponseMixIn: domain.ErrorResponse(err),
			Outcome:            a.rejectedOutcome(cmd, err),
		})
		return
	}
	a.token = token

	exCtx, cancel := context.WithCancel(context.Background())
	a.inflight = &inflightCommand{
		token:   token,
		cmd:     cmd,
		replyTo: replyTo,
		cancel:  cancel,
		started: time.Now(),
	}

	transport, target, opts := a.transport, a.shade.Address.Target(), a.shade.Options
	NewBackgroundTask(ctx, func() (*exchangeResult, error) {
		resp, err := transport.Exchange(exCtx, target, frame, opts)
		return &exchangeResult{token: token, resp: resp, err: err}, nil
	}).Recover(func(err error) exchangeResult {
		return exchangeResult{token: token, err: err}
	}).PipeTo(ctx.Self())

	a.transition(ctx, domain.SessionPending)
}

// abortInflight cancels the in-flight exchange. A nil reason drops it
// without answering its caller.
func (a *ShadeSessionActor) abortInflight(ctx actor.Context, reason error) {
	in := a.inflight
	if in == nil {
		return
	}
	a.inflight = nil
	in.cancel()
	if reason == nil {
		return
	}
	a.markStale(time.Now())
	a.publishPosition()
	a.finish(ctx, in, powershades.Response{}, reason)
}

// complete applies the result of the in-flight exchange.
func (a *ShadeSessionActor) complete(ctx actor.Context, r exchangeResult) {
	in := a.inflight
	a.inflight = nil
	in.cancel()
	now := time.Now()

	err := r.err
	if err == nil && r.resp.Reply != nil && r.resp.Reply.Kind == powershades.ReplyNack {
		err = domain.NackError{Code: r.resp.Reply.NackCode()}
	}

	next := domain.SessionIdle
	switch {
	case err == nil:
		a.lastError = ""
		a.setConnectivity(domain.ConnectivityConnected)
		a.applySuccess(in.cmd, r.resp, now)
	case errors.As(err, new(domain.NackError)):
		a.lastError = err.Error()
		a.setConnectivity(domain.ConnectivityConnected)
		a.markStale(now)
	case errors.Is(err, powershades.ErrTimeout), errors.Is(err, powershades.ErrAddressUnreachable):
		a.lastError = err.Error()
		a.setConnectivity(domain.ConnectivityUnreachable)
		a.markStale(now)
		next = domain.SessionUnreachable
	default:
		a.lastError = err.Error()
		a.markStale(now)
	}
	if err != nil {
		a.logger.Info("session: command failed", zap.Stringer("command", in.cmd), zap.Int("attempts", r.resp.Attempts), zap.Error(err))
	} else {
		a.logger.Debug("session: command done", zap.Stringer("command", in.cmd), zap.Int("attempts", r.resp.Attempts),
			zap.Duration("elapsed", r.resp.Elapsed))
	}

	a.publishPosition()
	a.transition(ctx, next)
	a.finish(ctx, in, r.resp, err)
}

// applySuccess updates the position for an acknowledged command.
func (a *ShadeSessionActor) applySuccess(cmd domain.Command, resp powershades.Response, now time.Time) {
	switch cmd.Kind {
	case domain.CommandRefresh:
		if resp.Reply != nil && resp.Reply.Status != nil {
			a.applyStatus(*resp.Reply.Status, now)
		}
	case domain.CommandOpen, domain.CommandClose, domain.CommandSetPosition, domain.CommandRunPreset:
		target, _ := cmd.TargetPercent()
		a.movement = domain.MovementStopped
		a.target = nil
		if a.position.Valid && !withinTolerance(a.position.Percent, target) {
			if target > a.position.Percent {
				a.movement = domain.MovementOpening
			} else {
				a.movement = domain.MovementClosing
			}
			a.target = &target
		}
		a.setPosition(target, domain.ConfidenceKnown, now)
	case domain.CommandStop:
		a.movement = domain.MovementStopped
		a.target = nil
		a.markStale(now)
	case domain.CommandJogUp:
		a.movement = domain.MovementOpening
		a.target = nil
		a.markStale(now)
	case domain.CommandJogDown:
		a.movement = domain.MovementClosing
		a.target = nil
		a.markStale(now)
	default:
		a.markStale(now)
	}
}

// applyStatus records a status report, solicited or not.
func (a *ShadeSessionActor) applyStatus(report powershades.StatusReport, now time.Time) {
	a.lastStatus = now
	percent := clampPercent(report.Percent)
	if a.target != nil && withinTolerance(percent, *a.target) {
		a.movement = domain.MovementStopped
		a.target = nil
	}
	a.setPosition(percent, domain.ConfidenceKnown, now)
	diag := domain.DiagnosticsFromReport(report, now)
	a.diagnostics = &diag
	a.publishPosition()
	a.publish(domain.DiagnosticsUpdatedEvent{ShadeEventMixIn: a.eventMixIn(now), Diagnostics: diag})
}

func (a *ShadeSessionActor) finish(ctx actor.Context, in *inflightCommand, resp powershades.Response, err error) {
	outcome := domain.Outcome{
		DeviceId: a.shade.Id,
		Address:  a.shade.Address,
		Kind:     in.cmd.Kind,
		Ref:      in.cmd.Ref,
		Token:    in.token,
		Status:   domain.StatusFromError(err),
		Position: a.position,
		Attempts: resp.Attempts,
		Duration: time.Since(in.started),
	}
	var nack domain.NackError
	if errors.As(err, &nack) {
		outcome.NackCode = nack.Code
	}
	if err != nil {
		outcome.Error = err.Error()
	}
	if !in.cmd.Poll {
		a.publish(domain.CommandCompletedEvent{ShadeEventMixIn: a.eventMixIn(time.Now()), Outcome: outcome})
	}
	Reply(ctx, in.replyTo, domain.ExecuteCommandResponse{
		ActorResponseMixIn: domain.ErrorResponse(err),
		Outcome:            outcome,
	})
}

func (a *ShadeSessionActor) rejectedOutcome(cmd domain.Command, err error) domain.Outcome {
	return domain.Outcome{
		DeviceId: a.shade.Id,
		Address:  a.shade.Address,
		Kind:     cmd.Kind,
		Ref:      cmd.Ref,
		Status:   domain.StatusFromError(err),
		Position: a.position,
		Error:    err.Error(),
	}
}

func (a *ShadeSessionActor) transition(ctx actor.Context, to domain.SessionState) {
	switch to {
	case domain.SessionIdle:
		a.Become(SessionIdleState{actor: a})
	case domain.SessionPending:
		a.Become(SessionPendingState{actor: a})
	case domain.SessionUnreachable:
		a.Become(SessionUnreachableState{actor: a})
	}
	if a.state == to {
		return
	}
	from := a.state
	a.state = to
	a.publish(domain.SessionStateChangedEvent{
		ShadeEventMixIn: a.eventMixIn(time.Now()),
		From:            from,
		To:              to,
		Connectivity:    a.connectivity,
	})
}

func (a *ShadeSessionActor) setConnectivity(to domain.Connectivity) {
	if a.connectivity == to {
		return
	}
	from := a.connectivity
	a.connectivity = to
	a.publish(domain.ConnectivityChangedEvent{ShadeEventMixIn: a.eventMixIn(time.Now()), From: from, To: to})
}

func (a *ShadeSessionActor) setPosition(percent int, confidence domain.Confidence, now time.Time) {
	p := a.position
	if !p.Valid || p.Percent != percent || p.Confidence != confidence {
		p.Revision++
	}
	p.Percent = percent
	p.Valid = true
	p.Confidence = confidence
	p.UpdatedAt = now
	a.position = p
}

func (a *ShadeSessionActor) markStale(now time.Time) {
	if a.position.Confidence == domain.ConfidenceStale {
		return
	}
	a.position.Confidence = domain.ConfidenceStale
	a.position.Revision++
	a.position.UpdatedAt = now
}

// publishPosition publishes the position when its revision or the movement
// changed since the last event.
func (a *ShadeSessionActor) publishPosition() {
	if a.position.Revision == a.publishedRevision && a.movement == a.publishedMovement {
		return
	}
	a.publishedRevision = a.position.Revision
	a.publishedMovement = a.movement
	a.publish(domain.PositionChangedEvent{
		ShadeEventMixIn: a.eventMixIn(a.position.UpdatedAt),
		Position:        a.position,
		Movement:        a.movement,
		TargetPercent:   a.target,
	})
}

func (a *ShadeSessionActor) pollDue(now time.Time) bool {
	interval := a.opts.PollInterval
	if !a.position.Valid && a.opts.UnknownInterval > 0 {
		interval = a.opts.UnknownInterval
	}
	if interval <= 0 {
		return false
	}
	// ticks are not exact, accept one a tenth of the interval early
	return now.Sub(a.lastStatus) >= interval-interval/10
}

func (a *ShadeSessionActor) snapshot() domain.Snapshot {
	snap := domain.Snapshot{
		Id:           a.shade.Id,
		Name:         a.shade.Name,
		Address:      a.shade.Address,
		State:        a.state,
		Connectivity: a.connectivity,
		Position:     a.position,
		Movement:     a.movement,
		LastError:    a.lastError,
	}
	if a.target != nil {
		target := *a.target
		snap.TargetPercent = &target
	}
	if a.inflight != nil {
		snap.InFlight = a.inflight.cmd.Kind
	}
	if a.diagnostics != nil {
		diag := *a.diagnostics
		snap.Diagnostics = &diag
	}
	return snap
}

func (a *ShadeSessionActor) eventMixIn(at time.Time) domain.ShadeEventMixIn {
	return domain.ShadeEventMixIn{DeviceId: a.shade.Id, Address: a.shade.Address, At: at}
}

func (a *ShadeSessionActor) publish(event domain.Event) {
	if a.eventStream != nil {
		a.eventStream.Publish(event)
	}
}

func withinTolerance(percent, target int) bool {
	diff := percent - target
	if diff < 0 {
		diff = -diff
	}
	return diff <= domain.MovementTolerance
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
