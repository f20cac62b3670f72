package actor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/berfenger/powershades2mqtt/internal/config"
	"github.com/berfenger/powershades2mqtt/internal/core/domain"
	"github.com/berfenger/powershades2mqtt/internal/mqtt"
	"github.com/berfenger/powershades2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type MQTTActor struct {
	config       *config.Config
	eventStream  *eventstream.EventStream
	subscription *eventstream.Subscription
	behavior     actor.Behavior
	stash        *actorutil.Stash
	client       *mqtt.MQTTClient
	pending      int
	logger       *zap.Logger
}

type MQTTConnected struct {
}

type MQTTSubscribed struct {
}

type MQTTConnectionLost struct {
	Error error
}

type publishResult struct {
	ReplyTo *actor.PID
	Error   error
}

// ParsedCommand is sent to the parent for every valid command message.
type ParsedCommand struct {
	Command *mqtt.ParsedMQTTCommand
}

// publishEvent carries an event stream event into the actor mailbox.
type publishEvent struct {
	Event domain.Event
}

type rawMessage struct {
	topic   string
	message string
	retain  bool
}

func NewMQTTActor(config *config.Config, eventStream *eventstream.EventStream, logger *zap.Logger) *MQTTActor {
	act := &MQTTActor{
		config:      config,
		eventStream: eventStream,
		behavior:    actor.NewBehavior(),
		stash:       &actorutil.Stash{},
		logger:      actorutil.ActorLogger(domain.ACTOR_ID_MQTT, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MQTTActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MQTTActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("mqtt@starting started")
		root, self := ctx.ActorSystem().Root, ctx.Self()

		// create MQTT client
		state.client = mqtt.CreateMQTTClient(state.config, mqtt.OptsFromConfig(state.config), func(_ pahomqtt.Client) {
		}, func(_ pahomqtt.Client, err error) {
			root.Send(self, MQTTConnectionLost{Error: err})
		})

		// connect to MQTT server
		state.client.Connect(func(err error) {
			if err != nil {
				root.Send(self, MQTTConnectionLost{Error: err})
			} else {
				root.Send(self, MQTTConnected{})
			}
		}, 10*time.Second)

	case MQTTConnected:
		state.logger.Debug("mqtt@starting connected")
		root, self := ctx.ActorSystem().Root, ctx.Self()

		state.client.Publish(state.client.BridgeStateTopic(), mqtt.MQTT_PAYLOAD_ONLINE, 0, true, func(error) {}, 500*time.Millisecond)

		// subscribe to MQTT command topic
		state.client.SubscribeToCommandTopic(func(c pahomqtt.Client, m pahomqtt.Message) {
			cmd, err := state.client.ParseMQTTCommand(m)
			if err == nil && cmd != nil {
				root.Send(self, ParsedCommand{Command: cmd})
			} else if err != nil && !errors.Is(err, mqtt.ErrInvalidCommand) {
				state.logger.Warn("mqtt@default invalid command", zap.String("topic", m.Topic()), zap.Error(err))
			}
		}, func(err error) {
			if err != nil {
				root.Send(self, MQTTConnectionLost{Error: err})
			} else {
				root.Send(self, MQTTSubscribed{})
			}
		}, 1*time.Second)
	case MQTTSubscribed:
		// init completed, transition to default state
		state.logger.Debug("mqtt@starting subscribed")
		state.subscribeEvents(ctx)
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case MQTTConnectionLost:
		// if connection lost, stop actor and let supervisor decide
		state.logger.Error("mqtt@starting connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	case *actor.Restarting:
		state.stop()
	case *actor.Stopping:
		state.stop()
	default:
		state.logger.Debug("mqtt@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MQTTActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Restarting:
		state.stop()
	case *actor.Stopping:
		state.stop()
	case domain.ActorHealthRequest:
		state.logger.Debug("mqtt@default ActorHealthRequest")
		// respond health check request
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_MQTT,
			Healthy: true,
			State:   "idle",
		})
	case ParsedCommand:
		// route command to parent
		state.logger.Debug("mqtt@default parsedCommand", zap.Any("command", msg.Command))
		ctx.Send(ctx.Parent(), msg)
	case domain.PublishMessageRequest:
		state.logger.Debug("mqtt@default PublishMessageRequest", zap.Any("message", msg))
		state.publishMessage(ctx, msg.Topic, msg.Payload, msg.Retain, actorutil.ForRequest(msg).ReplyTo(ctx))
	case publishEvent:
		// receive message from event bus and publish to MQTT if needed
		state.logger.Debug("mqtt@default publishEvent", zap.String("event", domain.EventString(msg.Event)))
		state.publishEventMessages(ctx, msg.Event)
	case domain.PublishDiscoveryRequest:
		state.logger.Debug("mqtt@default PublishHADiscovery")
		err := state.PublishHomeAssistantDiscovery(msg)
		if err != nil {
			state.logger.Error("mqtt@default PublishHADiscovery error", zap.Error(err))
		}
		actorutil.ForRequest(msg).Respond(ctx, domain.PublishDiscoveryResponse{ActorResponseMixIn: domain.ErrorResponse(err)})
	case MQTTConnectionLost:
		// if connection lost, stop actor and let supervisor decide
		state.logger.Error("mqtt@default connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	default:
		state.logger.Debug("mqtt@default ignored", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *MQTTActor) subscribeEvents(ctx actor.Context) {
	if state.eventStream == nil || state.subscription != nil {
		return
	}
	root, self := ctx.ActorSystem().Root, ctx.Self()
	state.subscription = state.eventStream.Subscribe(func(evt interface{}) {
		if e, ok := evt.(domain.Event); ok {
			root.Send(self, publishEvent{Event: e})
		}
	})
}

// event2MQTTMessages maps a device event to the state topics it updates.
func event2MQTTMessages(client *mqtt.MQTTClient, event domain.Event) []rawMessage {
	switch msg := event.(type) {
	case domain.PositionChangedEvent:
		messages := []rawMessage{{
			topic:   client.CoverStateTopic(msg.DeviceId),
			message: mqtt.CoverState(msg.Movement, msg.Position),
			retain:  true,
		}}
		if msg.Position.Valid {
			messages = append(messages, rawMessage{
				topic:   client.CoverPositionTopic(msg.DeviceId),
				message: strconv.Itoa(msg.Position.Percent),
				retain:  true,
			})
		}
		return messages
	case domain.DiagnosticsUpdatedEvent:
		return []rawMessage{
			{
				topic:   client.SensorStateTopic(domain.ShadeSensorId(msg.DeviceId, domain.SENSOR_SUFFIX_BATTERY)),
				message: strconv.Itoa(msg.Diagnostics.BatteryPercent),
			},
			{
				topic:   client.SensorStateTopic(domain.ShadeSensorId(msg.DeviceId, domain.SENSOR_SUFFIX_BATTERY_VOLT)),
				message: fmt.Sprintf("%.2f", msg.Diagnostics.BatteryVoltage),
			},
			{
				topic:   client.SensorStateTopic(domain.ShadeSensorId(msg.DeviceId, domain.SENSOR_SUFFIX_TEMPERATURE)),
				message: fmt.Sprintf("%.1f", msg.Diagnostics.TemperatureCelsius),
			},
		}
	case domain.ConnectivityChangedEvent:
		return []rawMessage{{
			topic:   client.BinarySensorStateTopic(domain.ShadeSensorId(msg.DeviceId, domain.SENSOR_SUFFIX_CONNECTIVITY)),
			message: bool2MQTTPayload(msg.To == domain.ConnectivityConnected),
			retain:  true,
		}}
	case domain.BridgeStateUpdateEvent:
		var stringMessage string
		if msg.Online {
			stringMessage = mqtt.MQTT_PAYLOAD_ONLINE
		} else {
			stringMessage = mqtt.MQTT_PAYLOAD_OFFLINE
		}
		return []rawMessage{{
			topic:   client.BridgeStateTopic(),
			message: stringMessage,
			retain:  true,
		}}
	default:
		return nil
	}
}

func (state *MQTTActor) publishEventMessages(ctx actor.Context, event domain.Event) {
	messages := event2MQTTMessages(state.client, event)
	if len(messages) == 0 {
		return
	}
	root, self := ctx.ActorSystem().Root, ctx.Self()
	state.pending = len(messages)
	for _, msg := range messages {
		state.logger.Sugar().Debugf("mqtt@publish: state publish %s => %s", msg.topic, msg.message)
		state.client.Publish(msg.topic, msg.message, 1, msg.retain, func(err error) {
			root.Send(self, publishResult{Error: err})
		}, 5*time.Second)
	}
	state.behavior.BecomeStacked(state.EventPublishResultReceive)
}

func (state *MQTTActor) publishMessage(ctx actor.Context, topic, payload string, retain bool, replyTo *actor.PID) {
	state.logger.Sugar().Debugf("mqtt@publish: message publish %s => %s", topic, payload)
	root, self := ctx.ActorSystem().Root, ctx.Self()
	state.client.Publish(topic, payload, 1, retain, func(err error) {
		root.Send(self, publishResult{ReplyTo: replyTo, Error: err})
	}, 5*time.Second)
	state.behavior.BecomeStacked(state.MessagePublishResultReceive)
}

func (state *MQTTActor) MessagePublishResultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case publishResult:
		// log error and return to default state
		if msg.Error != nil {
			state.logger.Error("mqtt@publishing could not publish a message", zap.Error(msg.Error))
		}
		actorutil.Reply(ctx, msg.ReplyTo, domain.PublishMessageResponse{
			ActorResponseMixIn: domain.ErrorResponse(msg.Error),
		})
		state.behavior.UnbecomeStacked()
		state.stash.UnstashOldest(ctx)
	case *actor.Stopping:
		state.stop()
	default:
		state.logger.Debug("mqtt@publishing stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MQTTActor) EventPublishResultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case publishResult:
		// log error and return to default state once every message is out
		if msg.Error != nil {
			state.logger.Error("mqtt@publishing could not publish a message", zap.Error(msg.Error))
		}
		state.pending--
		if state.pending > 0 {
			return
		}
		state.behavior.UnbecomeStacked()
		state.stash.UnstashOldest(ctx)
	case *actor.Stopping:
		state.stop()
	default:
		state.logger.Debug("mqtt@publishing stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

// PublishHomeAssistantDiscovery publishes retained discovery configs. With
// Remove set the configs are cleared instead, which makes HA drop the entities.
func (state *MQTTActor) PublishHomeAssistantDiscovery(req domain.PublishDiscoveryRequest) error {
	messages, err := discoveryMessages(state.client, req)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		state.client.Publish(msg.topic, msg.message, 0, true, func(error) {}, 1*time.Second)
	}
	return nil
}

func discoveryMessages(client *mqtt.MQTTClient, req domain.PublishDiscoveryRequest) ([]rawMessage, error) {
	var messages []rawMessage
	add := func(topic string, config mqtt.HADiscoveryConfig) error {
		if req.Remove {
			messages = append(messages, rawMessage{topic: topic, retain: true})
			return nil
		}
		payload, err := json.Marshal(config)
		if err != nil {
			return err
		}
		messages = append(messages, rawMessage{topic: topic, message: string(payload), retain: true})
		return nil
	}
	for i := range req.Sensors {
		msg := mqtt.GenericSensorToHADiscoveryMessage(client, req.Sensors[i])
		if err := add(mqtt.HADiscoverySensorTopic(client, req.Sensors[i]), msg); err != nil {
			return nil, err
		}
	}
	for i := range req.Covers {
		msg := mqtt.GenericCoverToHADiscoveryMessage(client, req.Covers[i])
		if err := add(mqtt.HADiscoveryCoverTopic(client, req.Covers[i]), msg); err != nil {
			return nil, err
		}
	}
	for i := range req.Buttons {
		msg := mqtt.GenericButtonToHADiscoveryMessage(client, req.Buttons[i])
		if err := add(mqtt.HADiscoveryButtonTopic(client, req.Buttons[i]), msg); err != nil {
			return nil, err
		}
	}
	return messages, nil
}

func (state *MQTTActor) stop() {
	state.logger.Debug("mqtt: disconnect")
	if state.subscription != nil {
		state.eventStream.Unsubscribe(state.subscription)
		state.subscription = nil
	}
	if state.client != nil {
		state.client.Publish(state.client.BridgeStateTopic(), mqtt.MQTT_PAYLOAD_OFFLINE, 0, true, func(error) {}, 500*time.Millisecond)
		state.client.Disconnect(500 * time.Millisecond)
	}
}

func bool2MQTTPayload(value bool) string {
	if value {
		return mqtt.MQTT_PAYLOAD_ON
	} else {
		return mqtt.MQTT_PAYLOAD_OFF
	}
}

// Dummy actor
func NewTestMQTTActor(config *config.Config, eventStream *eventstream.EventStream, logger *zap.Logger) *MQTTActor {
	act := &MQTTActor{
		config:      config,
		eventStream: eventStream,
		behavior:    actor.NewBehavior(),
		stash:       &actorutil.Stash{},
		logger:      actorutil.ActorLogger("mqtt", logger),
	}
	act.behavior.Become(act.DummyReceive)
	return act
}

// DummyReceive never connects; it turns events into messages and logs them.
func (state *MQTTActor) DummyReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.client = mqtt.CreateMQTTClient(state.config, mqtt.OptsFromConfig(state.config), nil, nil)
		state.subscribeEvents(ctx)
	case *actor.Stopping:
		if state.subscription != nil {
			state.eventStream.Unsubscribe(state.subscription)
			state.subscription = nil
		}
	case domain.ActorHealthRequest:
		state.logger.Debug("mqtt@default ActorHealthRequest")
		// respond health check request
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_MQTT,
			Healthy: true,
			State:   "idle",
		})
	case publishEvent:
		for _, m := range event2MQTTMessages(state.client, msg.Event) {
			state.logger.Sugar().Debugf("mqtt@dummy: publish %s => %s", m.topic, m.message)
		}
	case ParsedCommand:
		ctx.Send(ctx.Parent(), msg)
	case domain.PublishMessageRequest:
		actorutil.ForRequest(msg).Respond(ctx, domain.PublishMessageResponse{})
	case domain.PublishDiscoveryRequest:
		_, err := discoveryMessages(state.client, msg)
		actorutil.ForRequest(msg).Respond(ctx, domain.PublishDiscoveryResponse{ActorResponseMixIn: domain.ErrorResponse(err)})
	}
}
