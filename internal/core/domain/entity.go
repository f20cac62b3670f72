package domain

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/carlmjohnson/versioninfo"
)

const (
	SENSOR_ID_BRIDGE_STATE       = "bridge"
	SENSOR_SUFFIX_BATTERY        = "battery"
	SENSOR_SUFFIX_BATTERY_VOLT   = "battery_voltage"
	SENSOR_SUFFIX_TEMPERATURE    = "temperature"
	SENSOR_SUFFIX_CONNECTIVITY   = "connectivity"
	STATE_CLASS_MEASUREMENT      = "measurement"
	STATE_CLASS_TOTAL_INCREASING = "total_increasing"
	DEVICE_CLASS_BATTERY         = "battery"
	DEVICE_CLASS_VOLTAGE         = "voltage"
	DEVICE_CLASS_TEMPERATURE     = "temperature"
	DEVICE_CLASS_CONNECTIVITY    = "connectivity"
	DEVICE_CLASS_SHADE           = "shade"
	ENTITY_CLASS_DIAGNOSTIC      = "diagnostic"
	ENTITY_CLASS_CONFIG          = "config"
	SENSOR_TYPE_SENSOR           = "sensor"
	SENSOR_TYPE_BINARY           = "binary_sensor"
	MANUFACTURER_POWERSHADES     = "PowerShades"
)

// ButtonActions are the commands exposed as buttons next to each cover.
var ButtonActions = []CommandKind{
	CommandToggle,
	CommandStepUp,
	CommandStepDown,
	CommandSetUpperLimit,
	CommandSetLowerLimit,
	CommandClearLimits,
}

func BridgeDevice(baseTopic string) Device {
	return Device{
		Id:           fmt.Sprintf("powershades_bridge_%s", md5HashShort(baseTopic)),
		Manufacturer: "ACasal",
		Model:        "PowerShades2MQTT",
		Version:      versioninfo.Short(),
		Name:         fmt.Sprintf("PowerShades bridge %s", md5HashShort(baseTopic)),
	}
}

func ShadeDevice(shade Shade, bridge Device) Device {
	return Device{
		Id:           fmt.Sprintf("pws_shade_%s", md5HashShort(shade.Address.String())),
		Manufacturer: MANUFACTURER_POWERSHADES,
		Model:        "Shade",
		Name:         shade.Name,
		ViaDevice:    bridge.Id,
	}
}

// IdDevice references an already announced device by id and name only.
func IdDevice(device Device) Device {
	return Device{
		Id:   device.Id,
		Name: device.Name,
	}
}

func BridgeSensors(bridge Device) []GenericSensor {
	return []GenericSensor{{
		Device:         bridge,
		Id:             SENSOR_ID_BRIDGE_STATE,
		SensorType:     SENSOR_TYPE_BINARY,
		Name:           "Bridge state",
		DeviceClass:    DEVICE_CLASS_CONNECTIVITY,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:       uniqueId(bridge.Id, SENSOR_ID_BRIDGE_STATE),
	}}
}

func ShadeCover(device Device, shade Shade) GenericCover {
	return GenericCover{
		Device:      device,
		Id:          shade.Id,
		Name:        shade.Name,
		DeviceClass: DEVICE_CLASS_SHADE,
		UniqueId:    uniqueId(device.Id, "cover"),
	}
}

func ShadeSensors(device Device, shade Shade) []GenericSensor {
	var sensors []GenericSensor

	// Battery level
	sensors = append(sensors, GenericSensor{
		Device:            device,
		Id:                ShadeSensorId(shade.Id, SENSOR_SUFFIX_BATTERY),
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Battery",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_BATTERY,
		UnitOfMeasurement: "%",
		EntityCategory:    ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:          uniqueId(device.Id, SENSOR_SUFFIX_BATTERY),
	})

	// Battery voltage
	sensors = append(sensors, GenericSensor{
		Device:            device,
		Id:                ShadeSensorId(shade.Id, SENSOR_SUFFIX_BATTERY_VOLT),
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Battery voltage",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_VOLTAGE,
		UnitOfMeasurement: "V",
		EntityCategory:    ENTITY_CLASS_DIAGNOSTIC,
		EnabledByDefault:  optionalBool(false),
		UniqueId:          uniqueId(device.Id, SENSOR_SUFFIX_BATTERY_VOLT),
	})

	// Motor temperature
	sensors = append(sensors, GenericSensor{
		Device:            device,
		Id:                ShadeSensorId(shade.Id, SENSOR_SUFFIX_TEMPERATURE),
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Temperature",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_TEMPERATURE,
		UnitOfMeasurement: "°C",
		EntityCategory:    ENTITY_CLASS_DIAGNOSTIC,
		EnabledByDefault:  optionalBool(false),
		UniqueId:          uniqueId(device.Id, SENSOR_SUFFIX_TEMPERATURE),
	})

	// Connectivity
	sensors = append(sensors, GenericSensor{
		Device:         device,
		Id:             ShadeSensorId(shade.Id, SENSOR_SUFFIX_CONNECTIVITY),
		SensorType:     SENSOR_TYPE_BINARY,
		Name:           "Connectivity",
		DeviceClass:    DEVICE_CLASS_CONNECTIVITY,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:       uniqueId(device.Id, SENSOR_SUFFIX_CONNECTIVITY),
	})

	return sensors
}

func ShadeButtons(device Device, shade Shade) []GenericButton {
	buttons := make([]GenericButton, 0, len(ButtonActions))
	for _, action := range ButtonActions {
		b := GenericButton{
			Device:   device,
			Id:       ShadeButtonId(shade.Id, action),
			Name:     buttonName(action),
			Action:   action,
			UniqueId: uniqueId(device.Id, string(action)),
		}
		switch action {
		case CommandSetUpperLimit, CommandSetLowerLimit, CommandClearLimits:
			b.EntityCategory = ENTITY_CLASS_CONFIG
		case CommandToggle:
			b.Icon = "mdi:swap-vertical"
		}
		buttons = append(buttons, b)
	}
	return buttons
}

func ShadeSensorId(shadeId, suffix string) string {
	return fmt.Sprintf("%s_%s", shadeId, suffix)
}

func ShadeButtonId(shadeId string, action CommandKind) string {
	return fmt.Sprintf("%s_%s", shadeId, action)
}

func buttonName(action CommandKind) string {
	switch action {
	case CommandToggle:
		return "Toggle"
	case CommandStepUp:
		return "Step up"
	case CommandStepDown:
		return "Step down"
	case CommandSetUpperLimit:
		return "Set upper limit"
	case CommandSetLowerLimit:
		return "Set lower limit"
	case CommandClearLimits:
		return "Clear limits"
	}
	return string(action)
}

func uniqueId(baseId, id string) string {
	return fmt.Sprintf("uid_%s_%s", baseId, id)
}

func md5Hash(text string) string {
	hash := md5.Sum([]byte(text))
	return hex.EncodeToString(hash[:])
}

func md5HashShort(text string) string {
	hash := md5Hash(text)
	return hash[0:8]
}

func optionalBool(value bool) *bool {
	return &value
}
