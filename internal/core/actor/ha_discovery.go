package actor

import (
	"errors"
	"fmt"
	"time"

	"github.com/berfenger/powershades2mqtt/internal/config"
	"github.com/berfenger/powershades2mqtt/internal/core/domain"
	"github.com/berfenger/powershades2mqtt/internal/core/port"
	"github.com/berfenger/powershades2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

// deviceChanged carries a registration or removal into the mailbox.
type deviceChanged struct {
	Shade   domain.Shade
	Removed bool
}

type HADiscoveryActor struct {
	config       *config.Config
	behavior     actor.Behavior
	stash        *actorutil.Stash
	controller   port.ShadeController
	mqttActor    *actor.PID
	eventStream  *eventstream.EventStream
	subscription *eventstream.Subscription
	bridge       domain.Device

	logger *zap.Logger
}

func NewHADiscoveryActor(config *config.Config, controller port.ShadeController, mqttActor *actor.PID,
	eventStream *eventstream.EventStream, logger *zap.Logger) *HADiscoveryActor {
	act := &HADiscoveryActor{
		config:      config,
		controller:  controller,
		mqttActor:   mqttActor,
		eventStream: eventStream,
		bridge:      domain.BridgeDevice(config.MQTT.BaseTopic),
		behavior:    actor.NewBehavior(),
		stash:       &actorutil.Stash{},
		logger:      actorutil.ActorLogger(domain.ACTOR_ID_HA_DISCOVERY, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *HADiscoveryActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *HADiscoveryActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("hadiscovery@starting started")

		// Check MQTT actor healthy
		actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.mqttActor, domain.ActorHealthRequest{}, 2*time.Second), func(err error) any {
			return domain.ActorHealthResponse{
				Id:      domain.ACTOR_ID_MQTT,
				Healthy: false,
			}
		})
		state.behavior.Become(state.WaitingHealthyReceive)
	case *actor.Restarting:
		state.unsubscribe()
	default:
		state.logger.Debug("hadiscovery@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HADiscoveryActor) WaitingHealthyReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthResponse:
		state.logger.Debug("hadiscovery@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		if !msg.Healthy {
			panic(errors.New("MQTT Actor is not healthy"))
		}

		shades := state.controller.ListDevices()
		ctx.Send(state.mqttActor, DiscoveryRequest(state.bridge, shades))
		state.logger.Info("hadiscovery@healthcheck discovery published", zap.Int("shades", len(shades)))

		state.subscribe(ctx)
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case *actor.Restarting:
		state.unsubscribe()
	default:
		state.logger.Debug("hadiscovery@healthcheck: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HADiscoveryActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case deviceChanged:
		state.logger.Debug("hadiscovery@default deviceChanged", zap.String("device", msg.Shade.Id), zap.Bool("removed", msg.Removed))
		req := ShadeDiscoveryRequest(state.bridge, msg.Shade)
		req.Remove = msg.Removed
		ctx.Send(state.mqttActor, req)
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_HA_DISCOVERY,
			Healthy: true,
			State:   "idle",
		})
	case domain.PublishDiscoveryResponse:
	case *actor.Stopping, *actor.Restarting:
		state.unsubscribe()
	default:
		state.logger.Debug("hadiscovery@default: ignored", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *HADiscoveryActor) subscribe(ctx actor.Context) {
	if state.eventStream == nil || state.subscription != nil {
		return
	}
	root, self := ctx.ActorSystem().Root, ctx.Self()
	state.subscription = state.eventStream.Subscribe(func(evt interface{}) {
		switch e := evt.(type) {
		case domain.DeviceRegisteredEvent:
			root.Send(self, deviceChanged{Shade: e.Shade})
		case domain.DeviceRemovedEvent:
			root.Send(self, deviceChanged{Shade: e.Shade, Removed: true})
		}
	})
}

func (state *HADiscoveryActor) unsubscribe() {
	if state.subscription != nil {
		state.eventStream.Unsubscribe(state.subscription)
		state.subscription = nil
	}
}

// DiscoveryRequest announces the bridge and every shade.
func DiscoveryRequest(bridge domain.Device, shades []domain.Shade) domain.PublishDiscoveryRequest {
	req := domain.PublishDiscoveryRequest{
		Sensors: domain.BridgeSensors(bridge),
	}
	for _, shade := range shades {
		r := ShadeDiscoveryRequest(domain.IdDevice(bridge), shade)
		req.Covers = append(req.Covers, r.Covers...)
		req.Sensors = append(req.Sensors, r.Sensors...)
		req.Buttons = append(req.Buttons, r.Buttons...)
	}
	return req
}

// ShadeDiscoveryRequest announces one shade. Only the cover carries the
// full device block; the other entities reference it by id.
func ShadeDiscoveryRequest(bridge domain.Device, shade domain.Shade) domain.PublishDiscoveryRequest {
	dev := domain.ShadeDevice(shade, bridge)
	ref := domain.IdDevice(dev)
	return domain.PublishDiscoveryRequest{
		Covers:  []domain.GenericCover{domain.ShadeCover(dev, shade)},
		Sensors: domain.ShadeSensors(ref, shade),
		Buttons: domain.ShadeButtons(ref, shade),
	}
}
