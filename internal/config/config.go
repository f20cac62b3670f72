package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/berfenger/powershades2mqtt/internal/core/domain"
	"github.com/berfenger/powershades2mqtt/pkg/powershades"

	"github.com/gosimple/slug"
	"go.uber.org/zap/zapcore"
)

const (
	MaxRetries       = 10
	MinTimeoutMillis = 50
)

type Config struct {
	LogLevel  zapcore.Level
	Port      uint            `mapstructure:"port"`
	HttpLog   bool            `mapstructure:"http_log"`
	Transport TransportConfig `mapstructure:"transport"`
	Devices   []DeviceConfig  `mapstructure:"devices"`
	// Presets are shared by every device; a device preset with the same id wins.
	Presets   map[string]int  `mapstructure:"presets"`
	Poll      PollConfig      `mapstructure:"poll"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
}

type TransportConfig struct {
	BindAddress          string `mapstructure:"bind_address"`
	TimeoutMillis        uint32 `mapstructure:"timeout_millis"`
	Retries              int    `mapstructure:"retries"`
	RecentTokenTTLMillis uint32 `mapstructure:"recent_token_ttl_millis"`
}

type DeviceConfig struct {
	Id            string
	Name          string
	Host          string
	Port          int
	Channel       uint8
	TimeoutMillis uint32         `mapstructure:"timeout_millis"`
	Retries       *int           `mapstructure:"retries"`
	Presets       map[string]int `mapstructure:"presets"`
}

type PollConfig struct {
	IntervalMillis        uint32 `mapstructure:"interval_millis"`
	UnknownIntervalMillis uint32 `mapstructure:"unknown_interval_millis"`
}

type DiscoveryConfig struct {
	Enable           bool
	TimeoutMillis    uint32 `mapstructure:"timeout_millis"`
	BroadcastAddress string `mapstructure:"broadcast_address"`
}

type MQTTConfig struct {
	Enable            bool
	Host              string
	Port              int
	Username          string
	Password          string
	BaseTopic         string `mapstructure:"base_topic"`
	HADiscoveryEnable bool   `mapstructure:"ha_discovery_enable"`
	HADiscoveryTopic  string `mapstructure:"ha_discovery_topic"`
}

func CheckMQTTTopic(baseTopic string) (string, error) {
	// check and fix base topic
	lowerBaseTopic := strings.ToLower(baseTopic)
	baseTopicRegexp := regexp.MustCompile("^[a-z0-9_]+$")
	matches := baseTopicRegexp.FindAllStringSubmatch(lowerBaseTopic, 1)
	if len(matches) <= 0 {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}

// Options returns the default exchange options.
func (c TransportConfig) Options() powershades.ExchangeOptions {
	return powershades.ExchangeOptions{
		Timeout: time.Duration(c.TimeoutMillis) * time.Millisecond,
		Retries: c.Retries,
	}
}

func (c TransportConfig) RecentTTL() time.Duration {
	return time.Duration(c.RecentTokenTTLMillis) * time.Millisecond
}

func (c PollConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMillis) * time.Millisecond
}

func (c PollConfig) UnknownInterval() time.Duration {
	return time.Duration(c.UnknownIntervalMillis) * time.Millisecond
}

func (c DiscoveryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

// Shade builds the device, taking unset options from the transport defaults.
func (d DeviceConfig) Shade(transport TransportConfig) (domain.Shade, error) {
	if d.Host == "" {
		return domain.Shade{}, fmt.Errorf("device %q: host is required", d.Id)
	}
	opts := transport.Options()
	if d.TimeoutMillis > 0 {
		opts.Timeout = time.Duration(d.TimeoutMillis) * time.Millisecond
	}
	if d.Retries != nil {
		opts.Retries = *d.Retries
	}
	addr := domain.NewDeviceAddress(d.Host, d.Port, d.Channel)
	id := d.Id
	if id == "" {
		id = DeviceId(d.Name, addr)
	}
	name := d.Name
	if name == "" {
		name = id
	}
	return domain.Shade{
		Id:      id,
		Name:    name,
		Address: addr,
		Options: opts,
		Presets: d.Presets,
	}, nil
}

// DeviceId derives a topic-safe id from a name, or from the address when the
// name is empty.
func DeviceId(name string, addr domain.DeviceAddress) string {
	if name == "" {
		return addr.Slug()
	}
	return strings.Replace(slug.Make(name), "-", "_", -1)
}

// Shades builds every configured device.
func (c Config) Shades() ([]domain.Shade, error) {
	shades := make([]domain.Shade, 0, len(c.Devices))
	for _, d := range c.Devices {
		shade, err := d.Shade(c.Transport)
		if err != nil {
			return nil, err
		}
		shades = append(shades, shade)
	}
	return shades, nil
}

// Validate checks bounds and normalizes the MQTT topics.
func (c *Config) Validate() error {
	// check and fix base topic
	baseTopic, err := CheckMQTTTopic(c.MQTT.BaseTopic)
	if err != nil {
		return errors.New("invalid base topic. can only contain letters, numbers and underscores")
	}
	c.MQTT.BaseTopic = baseTopic

	// check and fix homeassistant discovery topic
	hadBaseTopic, err := CheckMQTTTopic(c.MQTT.HADiscoveryTopic)
	if err != nil {
		return errors.New("invalid homeassistant discovery topic. can only contain letters, numbers and underscores")
	}
	c.MQTT.HADiscoveryTopic = hadBaseTopic

	// check bounds
	if err := checkExchange("transport", c.Transport.TimeoutMillis, c.Transport.Retries); err != nil {
		return err
	}
	if c.Poll.IntervalMillis > 0 && c.Poll.IntervalMillis < 1000 {
		return errors.New("config param poll.interval_millis should be 0 or >= 1000")
	}
	if c.Poll.UnknownIntervalMillis > 0 && c.Poll.UnknownIntervalMillis < 1000 {
		return errors.New("config param poll.unknown_interval_millis should be 0 or >= 1000")
	}
	for id, pct := range c.Presets {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("config param presets.%s should be within 0-100", id)
		}
	}

	ids := map[string]bool{}
	addrs := map[domain.DeviceAddress]bool{}
	shades, err := c.Shades()
	if err != nil {
		return err
	}
	for i, shade := range shades {
		d := c.Devices[i]
		if d.TimeoutMillis > 0 || d.Retries != nil {
			retries := c.Transport.Retries
			if d.Retries != nil {
				retries = *d.Retries
			}
			timeout := c.Transport.TimeoutMillis
			if d.TimeoutMillis > 0 {
				timeout = d.TimeoutMillis
			}
			if err := checkExchange(fmt.Sprintf("devices[%s]", shade.Id), timeout, retries); err != nil {
				return err
			}
		}
		if _, err := CheckMQTTTopic(shade.Id); err != nil {
			return fmt.Errorf("device id %q can only contain letters, numbers and underscores", shade.Id)
		}
		if ids[shade.Id] {
			return fmt.Errorf("duplicate device id %q", shade.Id)
		}
		if addrs[shade.Address] {
			return fmt.Errorf("duplicate device address %s", shade.Address)
		}
		for id, pct := range shade.Presets {
			if pct < 0 || pct > 100 {
				return fmt.Errorf("config param devices[%s].presets.%s should be within 0-100", shade.Id, id)
			}
		}
		ids[shade.Id] = true
		addrs[shade.Address] = true
	}
	return nil
}

func checkExchange(prefix string, timeoutMillis uint32, retries int) error {
	if timeoutMillis < MinTimeoutMillis {
		return fmt.Errorf("config param %s.timeout_millis should be >= %d", prefix, MinTimeoutMillis)
	}
	if retries < 0 || retries > MaxRetries {
		return fmt.Errorf("config param %s.retries should be within 0-%d", prefix, MaxRetries)
	}
	return nil
}
