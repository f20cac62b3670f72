package domain

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/berfenger/powershades2mqtt/pkg/powershades"
	"github.com/gosimple/slug"
)

// DeviceAddress identifies one controller channel. It is comparable and
// used as a map key, so it is always kept normalized.
type DeviceAddress struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Channel uint8  `json:"channel"`
}

// NewDeviceAddress returns a normalized address; port 0 means the default port.
func NewDeviceAddress(host string, port int, channel uint8) DeviceAddress {
	if port == 0 {
		port = powershades.Port
	}
	return DeviceAddress{Host: strings.ToLower(strings.TrimSpace(host)), Port: port, Channel: channel}
}

// ParseDeviceAddress parses host[:port][/channel].
func ParseDeviceAddress(s string) (DeviceAddress, error) {
	hostPort, channelPart, hasChannel := strings.Cut(s, "/")
	var channel uint64
	if hasChannel {
		var err error
		channel, err = strconv.ParseUint(channelPart, 10, 8)
		if err != nil {
			return DeviceAddress{}, fmt.Errorf("%w: invalid channel %q", ErrValidation, channelPart)
		}
	}
	host, port := hostPort, 0
	if h, p, err := net.SplitHostPort(hostPort); err == nil {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return DeviceAddress{}, fmt.Errorf("%w: invalid port %q", ErrValidation, p)
		}
		host = h
	}
	if host == "" {
		return DeviceAddress{}, fmt.Errorf("%w: empty host in %q", ErrValidation, s)
	}
	return NewDeviceAddress(host, port, uint8(channel)), nil
}

func (a DeviceAddress) Target() powershades.Target {
	return powershades.Target{Host: a.Host, Port: a.Port, Channel: a.Channel}
}

func (a DeviceAddress) String() string {
	return a.Target().String()
}

// Slug is an identifier derived from the address, usable in MQTT topics.
func (a DeviceAddress) Slug() string {
	return strings.Replace(slug.Make(fmt.Sprintf("%s %d ch%d", a.Host, a.Port, a.Channel)), "-", "_", -1)
}
