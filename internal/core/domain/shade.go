package domain

import (
	"fmt"
	"time"

	"github.com/berfenger/powershades2mqtt/pkg/powershades"
)

type Confidence string

const (
	ConfidenceKnown Confidence = "known"
	ConfidenceStale Confidence = "stale"
)

// Position is the last known shade position: 0 is fully closed, 100 fully
// open. Valid is false until the first reply.
type Position struct {
	Percent    int        `json:"percent"`
	Valid      bool       `json:"valid"`
	Confidence Confidence `json:"confidence"`
	Revision   uint64     `json:"revision"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (p Position) Known() bool {
	return p.Valid && p.Confidence == ConfidenceKnown
}

func (p Position) String() string {
	if !p.Valid {
		return "unknown"
	}
	return fmt.Sprintf("%d%% (%s)", p.Percent, p.Confidence)
}

type SessionState string

const (
	SessionIdle        SessionState = "idle"
	SessionPending     SessionState = "pending"
	SessionUnreachable SessionState = "unreachable"
)

type Connectivity string

const (
	ConnectivityUnknown     Connectivity = "unknown"
	ConnectivityConnected   Connectivity = "connected"
	ConnectivityUnreachable Connectivity = "unreachable"
)

type Movement string

const (
	MovementStopped Movement = "stopped"
	MovementOpening Movement = "opening"
	MovementClosing Movement = "closing"
)

// MovementTolerance is how close, in percent, a shade must be to its target
// to count as arrived.
const MovementTolerance = 2

// Diagnostics holds the non-positional fields of the last status report.
type Diagnostics struct {
	BatteryVoltage     float64   `json:"battery_voltage"`
	BatteryPercent     int       `json:"battery_percent"`
	Tilt               int       `json:"tilt"`
	Cycles             uint32    `json:"cycles"`
	Stalls             uint32    `json:"stalls"`
	TemperatureCelsius float64   `json:"temperature"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func DiagnosticsFromReport(r powershades.StatusReport, at time.Time) Diagnostics {
	return Diagnostics{
		BatteryVoltage:     r.BatteryVoltage(),
		BatteryPercent:     r.BatteryPercent(),
		Tilt:               r.Tilt,
		Cycles:             r.Cycles,
		Stalls:             r.Stalls,
		TemperatureCelsius: r.TemperatureCelsius(),
		UpdatedAt:          at,
	}
}

// Shade is a configured device.
type Shade struct {
	Id      string
	Name    string
	Address DeviceAddress
	Options powershades.ExchangeOptions
	// Presets override the global presets for this device.
	Presets map[string]int
}

// Snapshot is a point-in-time copy of a device session.
type Snapshot struct {
	Id            string        `json:"id"`
	Name          string        `json:"name"`
	Address       DeviceAddress `json:"address"`
	State         SessionState  `json:"state"`
	Connectivity  Connectivity  `json:"connectivity"`
	Position      Position      `json:"position"`
	Movement      Movement      `json:"movement"`
	TargetPercent *int          `json:"target,omitempty"`
	InFlight      CommandKind   `json:"in_flight,omitempty"`
	Diagnostics   *Diagnostics  `json:"diagnostics,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
}

type OutcomeStatus string

const (
	OutcomeSuccess    OutcomeStatus = "success"
	OutcomeNack       OutcomeStatus = "nack"
	OutcomeTimeout    OutcomeStatus = "timeout"
	OutcomeCancelled  OutcomeStatus = "cancelled"
	OutcomeSuperseded OutcomeStatus = "superseded"
	OutcomeBusy       OutcomeStatus = "busy"
	OutcomeRejected   OutcomeStatus = "rejected"
	OutcomeFailed     OutcomeStatus = "failed"
)

// Outcome is the result of one command on one device.
type Outcome struct {
	DeviceId string        `json:"device_id,omitempty"`
	Address  DeviceAddress `json:"address"`
	Kind     CommandKind   `json:"kind"`
	Ref      string        `json:"ref,omitempty"`
	Token    uint64        `json:"token,omitempty"`
	Status   OutcomeStatus `json:"status"`
	Position Position      `json:"position"`
	NackCode uint8         `json:"nack_code,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
	Error    string        `json:"error,omitempty"`
}
