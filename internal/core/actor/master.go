package actor

import (
	"context"
	"fmt"
	"time"

	adactor "github.com/berfenger/powershades2mqtt/internal/adapter/actor"
	"github.com/berfenger/powershades2mqtt/internal/config"
	"github.com/berfenger/powershades2mqtt/internal/core/domain"
	"github.com/berfenger/powershades2mqtt/internal/core/port"
	. "github.com/berfenger/powershades2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

const (
	healthCheckTimeout = 1 * time.Second
	mqttCommandTimeout = 30 * time.Second
)

type MQTTActorProvider func(*eventstream.EventStream) *adactor.MQTTActor

// MasterOfPuppetsActor supervises the MQTT side of the bridge and routes
// MQTT commands to the shade controller.
type MasterOfPuppetsActor struct {
	config   config.Config
	behavior actor.Behavior
	stash    *Stash

	currentHealthCheck healthCheckResult
	eventStream        *eventstream.EventStream
	controller         port.ShadeController
	mqttActor          *actor.PID
	haDiscoveryActor   *actor.PID
	mqttActorProvider  MQTTActorProvider
	logger             *zap.Logger
}

type healthCheckResult struct {
	expected   int
	components []domain.ActorHealthResponse
	respondTo  *actor.PID
}

// commandDone is the result of a command received over MQTT.
type commandDone struct {
	DeviceId string
	Outcome  domain.Outcome
	Err      error
}

func NewMasterOfPuppetsActor(config config.Config, controller port.ShadeController, eventStream *eventstream.EventStream,
	mqttActorProvider MQTTActorProvider, logger *zap.Logger) *MasterOfPuppetsActor {
	act := &MasterOfPuppetsActor{
		config:            config,
		behavior:          actor.NewBehavior(),
		stash:             &Stash{},
		logger:            ActorLogger(domain.ACTOR_ID_MASTER, logger),
		eventStream:       eventStream,
		controller:        controller,
		mqttActorProvider: mqttActorProvider,
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MasterOfPuppetsActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MasterOfPuppetsActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("master@starting started")

		state.currentHealthCheck = healthCheckResult{}

		if state.config.MQTT.Enable && state.mqttActorProvider != nil {
			// start MQTT child
			mqttActorPID, err := state.startMQTTActor(ctx)
			if err != nil {
				panic(err)
			}
			state.mqttActor = mqttActorPID

			// start HA Discovery
			if state.config.MQTT.HADiscoveryEnable {
				haDiscPID, err := state.startHADiscoveryActor(ctx)
				if err != nil {
					panic(err)
				}
				state.haDiscoveryActor = haDiscPID
			}
		}

		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("master@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("master@default ActorHealthRequest")
		state.currentHealthCheck.reset()
		state.currentHealthCheck.respondTo = ctx.Sender()

		if state.mqttActor != nil {
			state.requestChildHealth(ctx, state.mqttActor, domain.ACTOR_ID_MQTT)
		}
		if state.haDiscoveryActor != nil {
			state.requestChildHealth(ctx, state.haDiscoveryActor, domain.ACTOR_ID_HA_DISCOVERY)
		}
		for _, shade := range state.controller.ListDevices() {
			state.requestShadeHealth(ctx, shade)
		}

		if state.currentHealthCheck.expected == 0 {
			state.currentHealthCheck.respond(ctx)
			return
		}
		ctx.SetReceiveTimeout(healthCheckTimeout)
		state.behavior.BecomeStacked(state.HealthCheckReceive)
	case adactor.ParsedCommand:
		// run the command on the controller, off the actor goroutine
		state.logger.Debug("master@default parsedCommand", zap.Any("command", msg.Command))
		if msg.Command != nil {
			state.executeCommand(ctx, msg.Command.DeviceId, msg.Command.Command)
		}
	case commandDone:
		if msg.Err != nil {
			state.logger.Warn("master@default command failed", zap.String("device", msg.DeviceId),
				zap.String("status", string(msg.Outcome.Status)), zap.Error(msg.Err))
		} else {
			state.logger.Info("master@default command done", zap.String("device", msg.DeviceId),
				zap.String("kind", string(msg.Outcome.Kind)), zap.Stringer("position", msg.Outcome.Position))
		}
	case domain.ActorHealthResponse:
		// late answer to a finished health check
	case *actor.ReceiveTimeout:
	case *actor.Terminated:
		state.logger.Warn("master@default child terminated", zap.String("who", msg.Who.Id))
	default:
		state.logger.Debug("master@default stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) HealthCheckReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		// if some actor does not respond to healthCheck, assume not healthy
		state.finishHealthCheck(ctx)
	case domain.ActorHealthResponse:
		state.logger.Debug("master@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.currentHealthCheck.components = append(state.currentHealthCheck.components, msg)
		if state.currentHealthCheck.allReceived() {
			state.finishHealthCheck(ctx)
		} else {
			ctx.SetReceiveTimeout(healthCheckTimeout)
		}
	default:
		state.logger.Debug("master@healthcheck stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) finishHealthCheck(ctx actor.Context) {
	ctx.CancelReceiveTimeout()
	state.currentHealthCheck.respond(ctx)
	state.behavior.UnbecomeStacked()
	state.stash.UnstashAll(ctx)
}

func (state *MasterOfPuppetsActor) requestChildHealth(ctx actor.Context, pid *actor.PID, id string) {
	state.currentHealthCheck.expected++
	PipeToSelfWithRecover(ctx, ctx.RequestFuture(pid, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
		return domain.ActorHealthResponse{
			Id:      id,
			Healthy: false,
		}
	})
}

// requestShadeHealth treats a shade as healthy while its session answers,
// whether or not the controller is reachable.
func (state *MasterOfPuppetsActor) requestShadeHealth(ctx actor.Context, shade domain.Shade) {
	state.currentHealthCheck.expected++
	controller := state.controller
	id := domain.ACTOR_ID_SHADE_PREFIX + shade.Id
	NewBackgroundTask(ctx, func() (*domain.ActorHealthResponse, error) {
		c, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		snap, err := controller.Snapshot(c, shade.Address)
		if err != nil {
			return nil, err
		}
		return &domain.ActorHealthResponse{Id: id, Healthy: true, State: string(snap.State)}, nil
	}).Recover(func(err error) domain.ActorHealthResponse {
		return domain.ActorHealthResponse{Id: id, Healthy: false}
	}).PipeTo(ctx.Self())
}

func (state *MasterOfPuppetsActor) executeCommand(ctx actor.Context, deviceId string, cmd domain.Command) {
	shade, ok := state.controller.Lookup(deviceId)
	if !ok {
		state.logger.Warn("master@default command for unknown device", zap.String("device", deviceId))
		return
	}
	controller := state.controller
	NewBackgroundTaskNoError(ctx, func() *commandDone {
		c, cancel := context.WithTimeout(context.Background(), mqttCommandTimeout)
		defer cancel()
		outcome, err := controller.Execute(c, shade.Address, cmd)
		return &commandDone{DeviceId: deviceId, Outcome: outcome, Err: err}
	}).PipeTo(ctx.Self())
}

func (state *MasterOfPuppetsActor) startHADiscoveryActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewOneForOneStrategy(1, 10*time.Second, RestartDecider(state.logger))

	haDiscProps := actor.PropsFromProducer(func() actor.Actor {
		return NewHADiscoveryActor(&state.config, state.controller, state.mqttActor, state.eventStream, state.logger)
	}, actor.WithSupervisor(supervisor))
	haDiscPID, err := ctx.SpawnNamed(haDiscProps, domain.ACTOR_ID_HA_DISCOVERY)
	if err != nil {
		return nil, err
	}

	return haDiscPID, nil
}

func (state *MasterOfPuppetsActor) startMQTTActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	mqttProps := actor.PropsFromProducer(func() actor.Actor {
		return state.mqttActorProvider(state.eventStream)
	}, actor.WithSupervisor(supervisor))
	mqttActorPID, err := ctx.SpawnNamed(mqttProps, domain.ACTOR_ID_MQTT)
	if err != nil {
		return nil, err
	}

	return mqttActorPID, nil
}

func (state *healthCheckResult) reset() {
	state.expected = 0
	state.components = nil
	state.respondTo = nil
}

func (state *healthCheckResult) allReceived() bool {
	return len(state.components) >= state.expected
}

func (state *healthCheckResult) allHealthy() bool {
	if len(state.components) < state.expected {
		return false
	}
	for _, c := range state.components {
		if !c.Healthy {
			return false
		}
	}
	return true
}

func (state *healthCheckResult) respond(ctx actor.Context) {
	resp := domain.ActorHealthResponse{
		Id:         domain.ACTOR_ID_MASTER,
		Healthy:    state.allHealthy(),
		Components: state.components,
	}
	if state.respondTo != nil {
		ctx.Send(state.respondTo, resp)
	}
}
