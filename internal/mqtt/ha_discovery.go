package mqtt

import (
	"github.com/berfenger/powershades2mqtt/internal/core/domain"
)

const (
	HA_COMPONENT_COVER  = "cover"
	HA_COMPONENT_BUTTON = "button"
)

type HADiscoveryConfig struct {
	Device            HADiscoveryDevice `json:"device"`
	StateTopic        string            `json:"state_topic,omitempty"`
	CommandTopic      string            `json:"command_topic,omitempty"`
	PositionTopic     string            `json:"position_topic,omitempty"`
	SetPositionTopic  string            `json:"set_position_topic,omitempty"`
	StateClass        string            `json:"state_class,omitempty"`
	DeviceClass       string            `json:"device_class,omitempty"`
	UnitOfMeasurement string            `json:"unit_of_measurement,omitempty"`
	AvTopic           string            `json:"availability_topic,omitempty"`
	EntityCategory    string            `json:"entity_category,omitempty"`
	Name              string            `json:"name"`
	UniqueId          string            `json:"unique_id"`
	Platform          string            `json:"platform"`
	EnabledByDefault  *bool             `json:"enabled_by_default,omitempty"`
	PayloadOn         string            `json:"payload_on,omitempty"`
	PayloadOff        string            `json:"payload_off,omitempty"`
	PayloadOpen       string            `json:"payload_open,omitempty"`
	PayloadClose      string            `json:"payload_close,omitempty"`
	PayloadStop       string            `json:"payload_stop,omitempty"`
	PayloadPress      string            `json:"payload_press,omitempty"`
	StateOpen         string            `json:"state_open,omitempty"`
	StateOpening      string            `json:"state_opening,omitempty"`
	StateClosed       string            `json:"state_closed,omitempty"`
	StateClosing      string            `json:"state_closing,omitempty"`
	StateStopped      string            `json:"state_stopped,omitempty"`
	PositionOpen      *int              `json:"position_open,omitempty"`
	PositionClosed    *int              `json:"position_closed,omitempty"`
	Icon              string            `json:"icon,omitempty"`
}

type HADiscoveryDevice struct {
	Id           []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Version      string   `json:"sw_version,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

func HADiscoverySensorTopic(client *MQTTClient, sensor domain.GenericSensor) string {
	return client.HADiscoveryTopic(sensor.SensorType, sensor.Device.Id, sensor.Id)
}

func HADiscoveryCoverTopic(client *MQTTClient, cover domain.GenericCover) string {
	return client.HADiscoveryTopic(HA_COMPONENT_COVER, cover.Device.Id, cover.Id)
}

func HADiscoveryButtonTopic(client *MQTTClient, button domain.GenericButton) string {
	return client.HADiscoveryTopic(HA_COMPONENT_BUTTON, button.Device.Id, button.Id)
}

func GenericSensorToHADiscoveryMessage(client *MQTTClient, sensor domain.GenericSensor) HADiscoveryConfig {
	dev := device(sensor.Device)
	var topic string
	switch {
	case sensor.Id == domain.SENSOR_ID_BRIDGE_STATE:
		topic = client.BridgeStateTopic()
	case sensor.SensorType == domain.SENSOR_TYPE_SENSOR:
		topic = client.SensorStateTopic(sensor.Id)
	case sensor.SensorType == domain.SENSOR_TYPE_BINARY:
		topic = client.BinarySensorStateTopic(sensor.Id)
	}
	disConfig := HADiscoveryConfig{
		Device:            dev,
		StateTopic:        topic,
		StateClass:        sensor.StateClass,
		DeviceClass:       sensor.DeviceClass,
		UnitOfMeasurement: sensor.UnitOfMeasurement,
		EntityCategory:    sensor.EntityCategory,
		Name:              sensor.Name,
		UniqueId:          sensor.UniqueId,
		Icon:              sensor.Icon,
		EnabledByDefault:  sensor.EnabledByDefault,
		Platform:          "mqtt",
	}
	if sensor.Id == domain.SENSOR_ID_BRIDGE_STATE {
		disConfig.PayloadOn = MQTT_PAYLOAD_ONLINE
		disConfig.PayloadOff = MQTT_PAYLOAD_OFFLINE
	} else {
		disConfig.AvTopic = client.BridgeStateTopic()
		if sensor.SensorType == domain.SENSOR_TYPE_BINARY {
			disConfig.PayloadOn = MQTT_PAYLOAD_ON
			disConfig.PayloadOff = MQTT_PAYLOAD_OFF
		}
	}
	return disConfig
}

func GenericCoverToHADiscoveryMessage(client *MQTTClient, cover domain.GenericCover) HADiscoveryConfig {
	open, closed := 100, 0
	return HADiscoveryConfig{
		Device:           device(cover.Device),
		StateTopic:       client.CoverStateTopic(cover.Id),
		CommandTopic:     client.CoverCommandTopic(cover.Id),
		PositionTopic:    client.CoverPositionTopic(cover.Id),
		SetPositionTopic: client.CoverSetPositionTopic(cover.Id),
		DeviceClass:      cover.DeviceClass,
		AvTopic:          client.BridgeStateTopic(),
		Name:             cover.Name,
		UniqueId:         cover.UniqueId,
		Platform:         "mqtt",
		PayloadOpen:      MQTT_PAYLOAD_OPEN,
		PayloadClose:     MQTT_PAYLOAD_CLOSE,
		PayloadStop:      MQTT_PAYLOAD_STOP,
		StateOpen:        COVER_STATE_OPEN,
		StateOpening:     COVER_STATE_OPENING,
		StateClosed:      COVER_STATE_CLOSED,
		StateClosing:     COVER_STATE_CLOSING,
		StateStopped:     COVER_STATE_STOPPED,
		PositionOpen:     &open,
		PositionClosed:   &closed,
	}
}

func GenericButtonToHADiscoveryMessage(client *MQTTClient, button domain.GenericButton) HADiscoveryConfig {
	return HADiscoveryConfig{
		Device:         device(button.Device),
		CommandTopic:   client.ButtonCommandTopic(button.Id),
		AvTopic:        client.BridgeStateTopic(),
		EntityCategory: button.EntityCategory,
		Name:           button.Name,
		UniqueId:       button.UniqueId,
		Icon:           button.Icon,
		Platform:       "mqtt",
		PayloadPress:   MQTT_PAYLOAD_PRESS,
	}
}

func device(d domain.Device) HADiscoveryDevice {
	return HADiscoveryDevice{
		Id:           []string{d.Id},
		Manufacturer: d.Manufacturer,
		Version:      d.Version,
		Model:        d.Model,
		Name:         d.Name,
		ViaDevice:    d.ViaDevice,
	}
}
