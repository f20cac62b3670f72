package mqtt

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/berfenger/powershades2mqtt/internal/config"
	"github.com/berfenger/powershades2mqtt/internal/core/domain"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	MQTT_PAYLOAD_ONLINE  = "online"
	MQTT_PAYLOAD_OFFLINE = "offline"
	MQTT_PAYLOAD_ON      = "on"
	MQTT_PAYLOAD_OFF     = "off"
	MQTT_PAYLOAD_OPEN    = "OPEN"
	MQTT_PAYLOAD_CLOSE   = "CLOSE"
	MQTT_PAYLOAD_STOP    = "STOP"
	MQTT_PAYLOAD_PRESS   = "PRESS"

	COVER_STATE_OPEN    = "open"
	COVER_STATE_CLOSED  = "closed"
	COVER_STATE_OPENING = "opening"
	COVER_STATE_CLOSING = "closing"
	COVER_STATE_STOPPED = "stopped"
)

var ErrInvalidCommand = errors.New("invalid command")

func OptsFromConfig(cfg *config.Config) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port))
	opts.SetClientID(fmt.Sprintf("powershades_%d", rand.IntN(1000)))
	if cfg.MQTT.Username != "" && cfg.MQTT.Password != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}
	opts.WillEnabled = true
	opts.WillPayload = []byte(MQTT_PAYLOAD_OFFLINE)
	opts.WillRetained = true
	opts.WillTopic = bridgeStateTopic(cfg.MQTT.BaseTopic)
	opts.WillQos = 0

	return opts
}

func CreateMQTTClient(cfg *config.Config, opts *mqtt.ClientOptions, onConnectHandler func(client mqtt.Client),
	onConnectionLostHandler func(mqtt.Client, error)) *MQTTClient {
	if onConnectHandler != nil {
		opts.OnConnect = onConnectHandler
	}
	if onConnectionLostHandler != nil {
		opts.OnConnectionLost = onConnectionLostHandler
	}
	return &MQTTClient{
		client:              mqtt.NewClient(opts),
		cfg:                 cfg.MQTT,
		coverCommandRegexp:  coverCommandExtractor(cfg.MQTT.BaseTopic),
		coverPositionRegexp: coverPositionExtractor(cfg.MQTT.BaseTopic),
		buttonCommandRegexp: buttonCommandExtractor(cfg.MQTT.BaseTopic),
	}
}

type MQTTClient struct {
	client              mqtt.Client
	cfg                 config.MQTTConfig
	coverCommandRegexp  *regexp.Regexp
	coverPositionRegexp *regexp.Regexp
	buttonCommandRegexp *regexp.Regexp
}

// ParsedMQTTCommand is a shade command received on a command topic.
// DeviceId is the shade id, not yet resolved to an address.
type ParsedMQTTCommand struct {
	DeviceId string
	Command  domain.Command
	Payload  string
}

func (c *MQTTClient) baseTopic() string {
	return c.cfg.BaseTopic
}

func (c *MQTTClient) BridgeStateTopic() string {
	return bridgeStateTopic(c.baseTopic())
}

func (c *MQTTClient) CoverStateTopic(coverId string) string {
	return fmt.Sprintf("%s/cover/%s/state", c.baseTopic(), coverId)
}

func (c *MQTTClient) CoverPositionTopic(coverId string) string {
	return fmt.Sprintf("%s/cover/%s/position", c.baseTopic(), coverId)
}

func (c *MQTTClient) CoverCommandTopic(coverId string) string {
	return fmt.Sprintf("%s/cover/%s/set", c.baseTopic(), coverId)
}

func (c *MQTTClient) CoverSetPositionTopic(coverId string) string {
	return fmt.Sprintf("%s/cover/%s/position/set", c.baseTopic(), coverId)
}

func (c *MQTTClient) SensorStateTopic(sensorId string) string {
	return fmt.Sprintf("%s/sensor/%s/state", c.baseTopic(), sensorId)
}

func (c *MQTTClient) BinarySensorStateTopic(sensorId string) string {
	return fmt.Sprintf("%s/binary_sensor/%s/state", c.baseTopic(), sensorId)
}

func (c *MQTTClient) ButtonCommandTopic(buttonId string) string {
	return fmt.Sprintf("%s/button/%s/command", c.baseTopic(), buttonId)
}

// HADiscoveryTopic is where the discovery config of an entity is retained.
func (c *MQTTClient) HADiscoveryTopic(component, deviceId, entityId string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", c.cfg.HADiscoveryTopic, component, deviceId, entityId)
}

func (c *MQTTClient) ParseMQTTCommand(msg mqtt.Message) (*ParsedMQTTCommand, error) {
	return c.parseCommand(msg.Topic(), string(msg.Payload()))
}

func (c *MQTTClient) parseCommand(topic, payload string) (*ParsedMQTTCommand, error) {
	if cmd, err := c.parseCoverCommand(topic, payload); !errors.Is(err, ErrInvalidCommand) {
		return cmd, err
	}
	if cmd, err := c.parseCoverPositionCommand(topic, payload); !errors.Is(err, ErrInvalidCommand) {
		return cmd, err
	}
	return c.parseButtonCommand(topic, payload)
}

func (c *MQTTClient) parseCoverCommand(topic, payload string) (*ParsedMQTTCommand, error) {
	deviceId, ok := extractId(c.coverCommandRegexp, topic)
	if !ok {
		return nil, ErrInvalidCommand
	}
	var cmd domain.Command
	switch strings.ToUpper(strings.TrimSpace(payload)) {
	case MQTT_PAYLOAD_OPEN:
		cmd = domain.Open()
	case MQTT_PAYLOAD_CLOSE:
		cmd = domain.Close()
	case MQTT_PAYLOAD_STOP:
		cmd = domain.Stop()
	default:
		return nil, fmt.Errorf("%w: unknown cover payload %q", domain.ErrValidation, payload)
	}
	return &ParsedMQTTCommand{DeviceId: deviceId, Command: cmd, Payload: payload}, nil
}

func (c *MQTTClient) parseCoverPositionCommand(topic, payload string) (*ParsedMQTTCommand, error) {
	deviceId, ok := extractId(c.coverPositionRegexp, topic)
	if !ok {
		return nil, ErrInvalidCommand
	}

	// try to parse a valid number
	value, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: position %q is not a number", domain.ErrValidation, payload)
	}
	cmd := domain.SetPosition(int(value + 0.5))
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return &ParsedMQTTCommand{DeviceId: deviceId, Command: cmd, Payload: payload}, nil
}

func (c *MQTTClient) parseButtonCommand(topic, payload string) (*ParsedMQTTCommand, error) {
	buttonId, ok := extractId(c.buttonCommandRegexp, topic)
	if !ok {
		return nil, ErrInvalidCommand
	}
	for _, action := range domain.ButtonActions {
		suffix := "_" + string(action)
		if deviceId, found := strings.CutSuffix(buttonId, suffix); found && deviceId != "" {
			return &ParsedMQTTCommand{
				DeviceId: deviceId,
				Command:  domain.Command{Kind: action},
				Payload:  payload,
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown button %q", domain.ErrValidation, buttonId)
}

func (c *MQTTClient) Publish(topic string, payload any, qos byte, retain bool, continuation func(error), timeout time.Duration) {
	token := c.client.Publish(topic, qos, retain, payload)
	go func() {
		didTO := token.WaitTimeout(timeout)
		if !didTO {
			continuation(errors.New("MQTT publish timed out"))
		} else {
			continuation(token.Error())
		}
	}()
}

func (c *MQTTClient) Subscribe(topic string, qos byte, handler mqtt.MessageHandler, continuation func(error), timeout time.Duration) {
	token := c.client.Subscribe(topic, qos, handler)
	go func() {
		didTO := token.WaitTimeout(timeout)
		if !didTO {
			continuation(errors.New("MQTT subscribe timed out"))
		} else {
			continuation(token.Error())
		}
	}()
}

func (c *MQTTClient) SubscribeToCommandTopic(handler mqtt.MessageHandler, continuation func(error), timeout time.Duration) {
	c.Subscribe(c.commandTopic(), 1, handler, continuation, timeout)
}

func (c *MQTTClient) Connect(continuation func(error), timeout time.Duration) {
	token := c.client.Connect()
	go func() {
		didTO := token.WaitTimeout(timeout)
		if !didTO {
			continuation(errors.New("MQTT connect timed out"))
		} else {
			continuation(token.Error())
		}
	}()
}

func (c *MQTTClient) Disconnect(timeout time.Duration) {
	c.client.Disconnect(uint(timeout.Milliseconds()))
}

func (c *MQTTClient) commandTopic() string {
	return fmt.Sprintf("%s/#", c.baseTopic())
}

// CoverState maps a shade movement and position to the HA cover state.
func CoverState(movement domain.Movement, position domain.Position) string {
	switch {
	case movement == domain.MovementOpening:
		return COVER_STATE_OPENING
	case movement == domain.MovementClosing:
		return COVER_STATE_CLOSING
	case !position.Valid:
		return COVER_STATE_STOPPED
	case position.Percent == 0:
		return COVER_STATE_CLOSED
	case position.Percent == 100:
		return COVER_STATE_OPEN
	default:
		return COVER_STATE_STOPPED
	}
}

func extractId(r *regexp.Regexp, topic string) (string, bool) {
	matches := r.FindStringSubmatch(topic)
	if len(matches) != 2 {
		return "", false
	}
	return matches[1], true
}

func coverCommandExtractor(baseTopic string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf("^%s/cover/([a-zA-Z0-9_]+)/set$", regexp.QuoteMeta(baseTopic)))
}

func coverPositionExtractor(baseTopic string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf("^%s/cover/([a-zA-Z0-9_]+)/position/set$", regexp.QuoteMeta(baseTopic)))
}

func buttonCommandExtractor(baseTopic string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf("^%s/button/([a-zA-Z0-9_]+)/command$", regexp.QuoteMeta(baseTopic)))
}

func bridgeStateTopic(baseTopic string) string {
	return fmt.Sprintf("%s/bridge/state", baseTopic)
}
