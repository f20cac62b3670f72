package mqtt

import (
	"encoding/json"
	"testing"

	"github.com/berfenger/powershades2mqtt/internal/core/domain"
	"github.com/berfenger/powershades2mqtt/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient() *MQTTClient {
	cfg := util.LoadTestConfig()
	return CreateMQTTClient(&cfg, OptsFromConfig(&cfg), nil, nil)
}

func TestCoverCommandParse(t *testing.T) {

	assert := assert.New(t)

	baseTopic := "loremTopic"
	topic := "loremTopic/cover/my_shade/set"
	r := coverCommandExtractor(baseTopic)
	id, ok := extractId(r, topic)

	assert.True(ok)
	assert.Equal("my_shade", id, "device extract")
}

func TestCoverCommandParseFail(t *testing.T) {

	assert := assert.New(t)

	baseTopic := "loremTopic"
	r := coverCommandExtractor(baseTopic)

	_, ok := extractId(r, "loremTopic/cover/my_shade/state")
	assert.False(ok, "state topic")
	_, ok = extractId(r, "loremTopic/cover/my_shade/position/set")
	assert.False(ok, "position topic")
	_, ok = extractId(r, "other/loremTopic/cover/my_shade/set")
	assert.False(ok, "foreign base topic")
}

func TestCoverPositionParse(t *testing.T) {

	assert := assert.New(t)

	r := coverPositionExtractor("loremTopic")
	id, ok := extractId(r, "loremTopic/cover/shade_1/position/set")

	assert.True(ok)
	assert.Equal("shade_1", id, "device extract")
}

func TestParseMQTTCommand(t *testing.T) {
	client := testClient()
	pct := func(p int) *int { return &p }

	tests := []struct {
		name     string
		topic    string
		payload  string
		deviceId string
		want     domain.Command
	}{
		{"open", "powershades/cover/living_room/set", "OPEN", "living_room", domain.Open()},
		{"close lower case", "powershades/cover/living_room/set", "close", "living_room", domain.Close()},
		{"stop", "powershades/cover/bedroom/set", "STOP", "bedroom", domain.Stop()},
		{"position", "powershades/cover/bedroom/position/set", "42", "bedroom",
			domain.Command{Kind: domain.CommandSetPosition, Position: pct(42)}},
		{"position decimal", "powershades/cover/bedroom/position/set", "41.6", "bedroom",
			domain.Command{Kind: domain.CommandSetPosition, Position: pct(42)}},
		{"toggle button", "powershades/button/living_room_toggle/command", "PRESS", "living_room",
			domain.Command{Kind: domain.CommandToggle}},
		{"step button", "powershades/button/bedroom_step_down/command", "PRESS", "bedroom",
			domain.Command{Kind: domain.CommandStepDown}},
		{"limit button", "powershades/button/living_room_set_upper_limit/command", "PRESS", "living_room",
			domain.Command{Kind: domain.CommandSetUpperLimit}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := client.parseCommand(tt.topic, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.deviceId, cmd.DeviceId)
			assert.Equal(t, tt.want, cmd.Command)
		})
	}
}

func TestParseMQTTCommandRejects(t *testing.T) {
	client := testClient()

	_, err := client.parseCommand("powershades/cover/living_room/set", "HALF")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = client.parseCommand("powershades/cover/living_room/position/set", "150")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = client.parseCommand("powershades/cover/living_room/position/set", "up")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = client.parseCommand("powershades/button/living_room_dance/command", "PRESS")
	assert.ErrorIs(t, err, domain.ErrValidation)

	// state topics published by the bridge itself are not commands
	_, err = client.parseCommand("powershades/cover/living_room/state", "open")
	assert.ErrorIs(t, err, ErrInvalidCommand)
	_, err = client.parseCommand("powershades/bridge/state", "online")
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestCoverState(t *testing.T) {
	known := func(p int) domain.Position { return domain.Position{Percent: p, Valid: true, Confidence: domain.ConfidenceKnown} }

	assert.Equal(t, COVER_STATE_OPENING, CoverState(domain.MovementOpening, known(20)))
	assert.Equal(t, COVER_STATE_CLOSING, CoverState(domain.MovementClosing, known(20)))
	assert.Equal(t, COVER_STATE_CLOSED, CoverState(domain.MovementStopped, known(0)))
	assert.Equal(t, COVER_STATE_OPEN, CoverState(domain.MovementStopped, known(100)))
	assert.Equal(t, COVER_STATE_STOPPED, CoverState(domain.MovementStopped, known(40)))
	assert.Equal(t, COVER_STATE_STOPPED, CoverState(domain.MovementStopped, domain.Position{}))
}

func TestHADiscoveryMessages(t *testing.T) {
	client := testClient()
	shade := domain.Shade{Id: "living_room", Name: "Living Room", Address: domain.NewDeviceAddress("10.0.0.1", 0, 0)}
	bridge := domain.BridgeDevice("powershades")
	dev := domain.ShadeDevice(shade, bridge)

	cover := domain.ShadeCover(dev, shade)
	assert.Equal(t, "homeassistant/cover/"+dev.Id+"/living_room/config", HADiscoveryCoverTopic(client, cover))
	coverMsg := GenericCoverToHADiscoveryMessage(client, cover)
	assert.Equal(t, "powershades/cover/living_room/set", coverMsg.CommandTopic)
	assert.Equal(t, "powershades/cover/living_room/position/set", coverMsg.SetPositionTopic)
	assert.Equal(t, "powershades/bridge/state", coverMsg.AvTopic)

	payload, err := json.Marshal(coverMsg)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, 0.0, decoded["position_closed"])
	assert.Equal(t, "shade", decoded["device_class"])
	assert.NotContains(t, decoded, "payload_press")

	sensors := domain.ShadeSensors(dev, shade)
	battery := GenericSensorToHADiscoveryMessage(client, sensors[0])
	assert.Equal(t, "powershades/sensor/living_room_battery/state", battery.StateTopic)
	assert.Equal(t, "homeassistant/sensor/"+dev.Id+"/living_room_battery/config", HADiscoverySensorTopic(client, sensors[0]))

	connectivity := GenericSensorToHADiscoveryMessage(client, sensors[len(sensors)-1])
	assert.Equal(t, "powershades/binary_sensor/living_room_connectivity/state", connectivity.StateTopic)
	assert.Equal(t, MQTT_PAYLOAD_ON, connectivity.PayloadOn)

	bridgeMsg := GenericSensorToHADiscoveryMessage(client, domain.BridgeSensors(bridge)[0])
	assert.Equal(t, "powershades/bridge/state", bridgeMsg.StateTopic)
	assert.Equal(t, MQTT_PAYLOAD_ONLINE, bridgeMsg.PayloadOn)
	assert.Empty(t, bridgeMsg.AvTopic)

	button := domain.ShadeButtons(dev, shade)[0]
	buttonMsg := GenericButtonToHADiscoveryMessage(client, button)
	assert.Equal(t, "powershades/button/living_room_toggle/command", buttonMsg.CommandTopic)
	assert.Equal(t, MQTT_PAYLOAD_PRESS, buttonMsg.PayloadPress)
	assert.Empty(t, buttonMsg.StateTopic)

	// the button topic round-trips through the command parser
	cmd, err := client.parseCommand(buttonMsg.CommandTopic, buttonMsg.PayloadPress)
	require.NoError(t, err)
	assert.Equal(t, "living_room", cmd.DeviceId)
	assert.Equal(t, domain.CommandToggle, cmd.Command.Kind)
}
