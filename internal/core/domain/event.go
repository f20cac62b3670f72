package domain

import (
	"fmt"
	"time"
)

type ShadeEventMixIn struct {
	DeviceId string        `json:"device_id"`
	Address  DeviceAddress `json:"address"`
	At       time.Time     `json:"at"`
}

// Event is published on the event stream by device sessions.
type Event interface {
	EventType() string
	EventDeviceId() string
}

func (e ShadeEventMixIn) EventDeviceId() string {
	return e.DeviceId
}

type PositionChangedEvent struct {
	ShadeEventMixIn
	Position      Position `json:"position"`
	Movement      Movement `json:"movement"`
	TargetPercent *int     `json:"target,omitempty"`
}

func (PositionChangedEvent) EventType() string { return "position_changed" }

type SessionStateChangedEvent struct {
	ShadeEventMixIn
	From         SessionState `json:"from"`
	To           SessionState `json:"to"`
	Connectivity Connectivity `json:"connectivity"`
}

func (SessionStateChangedEvent) EventType() string { return "state_changed" }

// ConnectivityChangedEvent is published only when connectivity actually
// changes, unlike SessionStateChangedEvent which follows every exchange.
type ConnectivityChangedEvent struct {
	ShadeEventMixIn
	From Connectivity `json:"from"`
	To   Connectivity `json:"to"`
}

func (ConnectivityChangedEvent) EventType() string { return "connectivity_changed" }

type DiagnosticsUpdatedEvent struct {
	ShadeEventMixIn
	Diagnostics Diagnostics `json:"diagnostics"`
}

func (DiagnosticsUpdatedEvent) EventType() string { return "diagnostics_updated" }

type CommandCompletedEvent struct {
	ShadeEventMixIn
	Outcome Outcome `json:"outcome"`
}

func (CommandCompletedEvent) EventType() string { return "command_completed" }

// DeviceRegisteredEvent is published when a shade session starts.
type DeviceRegisteredEvent struct {
	ShadeEventMixIn
	Shade Shade `json:"-"`
}

func (DeviceRegisteredEvent) EventType() string { return "device_registered" }

type DeviceRemovedEvent struct {
	ShadeEventMixIn
	Shade Shade `json:"-"`
}

func (DeviceRemovedEvent) EventType() string { return "device_removed" }

// BridgeStateUpdateEvent reports the bridge itself going on or offline.
type BridgeStateUpdateEvent struct {
	Online bool `json:"online"`
}

func (BridgeStateUpdateEvent) EventType() string     { return "bridge_state" }
func (BridgeStateUpdateEvent) EventDeviceId() string { return "" }

func EventString(e Event) string {
	return fmt.Sprintf("%s[%s]", e.EventType(), e.EventDeviceId())
}

var (
	_ Event = PositionChangedEvent{}
	_ Event = SessionStateChangedEvent{}
	_ Event = ConnectivityChangedEvent{}
	_ Event = DiagnosticsUpdatedEvent{}
	_ Event = CommandCompletedEvent{}
	_ Event = DeviceRegisteredEvent{}
	_ Event = DeviceRemovedEvent{}
	_ Event = BridgeStateUpdateEvent{}
)
