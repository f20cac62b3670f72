package util

import (
	"github.com/berfenger/powershades2mqtt/internal/config"

	"go.uber.org/zap"
)

func LoadTestConfig() config.Config {
	return config.Config{
		LogLevel: zap.DebugLevel,
		Transport: config.TransportConfig{
			BindAddress:          "127.0.0.1:0",
			TimeoutMillis:        50,
			Retries:              2,
			RecentTokenTTLMillis: 2000,
		},
		Devices: []config.DeviceConfig{
			{Id: "living_room", Name: "Living Room", Host: "127.0.0.1", Channel: 0},
			{Id: "bedroom", Name: "Bedroom", Host: "127.0.0.1", Channel: 1},
		},
		Presets: map[string]int{
			"half": 50,
		},
		Poll: config.PollConfig{
			IntervalMillis:        0,
			UnknownIntervalMillis: 0,
		},
		MQTT: config.MQTTConfig{
			Host:             "localhost",
			Port:             1883,
			BaseTopic:        "powershades",
			HADiscoveryTopic: "homeassistant",
		},
		Port: 8080,
	}
}
