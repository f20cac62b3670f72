package config

import (
	"testing"
	"time"

	"github.com/berfenger/powershades2mqtt/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Transport: TransportConfig{TimeoutMillis: 500, Retries: 3},
		Devices: []DeviceConfig{
			{Id: "living_room", Name: "Living Room", Host: "192.168.1.10"},
			{Name: "Bed Room", Host: "192.168.1.10", Channel: 1},
		},
		Presets: map[string]int{"half": 50},
		Poll:    PollConfig{IntervalMillis: 10000, UnknownIntervalMillis: 5000},
		MQTT:    MQTTConfig{BaseTopic: "PowerShades", HADiscoveryTopic: "homeassistant"},
	}
}

func TestCheckMQTTTopic(t *testing.T) {
	topic, err := CheckMQTTTopic("Power_Shades2")
	require.NoError(t, err)
	assert.Equal(t, "power_shades2", topic)

	_, err = CheckMQTTTopic("power/shades")
	assert.Error(t, err)
	_, err = CheckMQTTTopic("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "powershades", cfg.MQTT.BaseTopic)

	shades, err := cfg.Shades()
	require.NoError(t, err)
	require.Len(t, shades, 2)
	assert.Equal(t, "living_room", shades[0].Id)
	assert.Equal(t, "bed_room", shades[1].Id)
	assert.Equal(t, domain.NewDeviceAddress("192.168.1.10", 42, 1), shades[1].Address)
	assert.Equal(t, 500*time.Millisecond, shades[0].Options.Timeout)
	assert.Equal(t, 3, shades[0].Options.Retries)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad base topic", func(c *Config) { c.MQTT.BaseTopic = "a/b" }},
		{"bad discovery topic", func(c *Config) { c.MQTT.HADiscoveryTopic = "" }},
		{"too many retries", func(c *Config) { c.Transport.Retries = 11 }},
		{"negative retries", func(c *Config) { c.Transport.Retries = -1 }},
		{"short timeout", func(c *Config) { c.Transport.TimeoutMillis = 20 }},
		{"short device timeout", func(c *Config) { c.Devices[0].TimeoutMillis = 10 }},
		{"device retries", func(c *Config) { r := 40; c.Devices[0].Retries = &r }},
		{"fast poll", func(c *Config) { c.Poll.IntervalMillis = 200 }},
		{"duplicate id", func(c *Config) { c.Devices[1].Id = "living_room" }},
		{"duplicate address", func(c *Config) { c.Devices[1].Channel = 0 }},
		{"missing host", func(c *Config) { c.Devices[0].Host = "" }},
		{"bad device id", func(c *Config) { c.Devices[0].Id = "living room" }},
		{"preset range", func(c *Config) { c.Presets["half"] = 150 }},
		{"device preset range", func(c *Config) { c.Devices[0].Presets = map[string]int{"x": -1} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDeviceOverrides(t *testing.T) {
	retries := 0
	d := DeviceConfig{Host: "10.0.0.5", Port: 4242, TimeoutMillis: 120, Retries: &retries}
	shade, err := d.Shade(TransportConfig{TimeoutMillis: 500, Retries: 3})
	require.NoError(t, err)
	assert.Equal(t, 120*time.Millisecond, shade.Options.Timeout)
	assert.Equal(t, 0, shade.Options.Retries)
	assert.Equal(t, "10_0_0_5_4242_ch0", shade.Id)
	assert.Equal(t, shade.Id, shade.Name)
}
