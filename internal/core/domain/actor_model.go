package domain

import (
	"github.com/berfenger/powershades2mqtt/pkg/powershades"
)

const (
	ACTOR_ID_MASTER       = "master"
	ACTOR_ID_MQTT         = "mqtt"
	ACTOR_ID_HA_DISCOVERY = "hadiscovery"
	ACTOR_ID_SHADE_PREFIX = "shade_"
)

type ExecuteCommandRequest struct {
	ActorRequestMixIn
	Command Command
}

type ExecuteCommandResponse struct {
	ActorResponseMixIn
	Outcome Outcome
}

type GetSnapshotRequest struct {
	ActorRequestMixIn
}

type GetSnapshotResponse struct {
	ActorResponseMixIn
	Snapshot Snapshot
}

// CancelCommandRequest cancels the in-flight command. A non-empty Ref only
// cancels a command carrying that ref.
type CancelCommandRequest struct {
	ActorRequestMixIn
	Ref string
}

type CancelCommandResponse struct {
	ActorResponseMixIn
	Cancelled bool
	Ref       string
}

// StatusReported delivers an unsolicited status report to a session.
type StatusReported struct {
	Report powershades.StatusReport
}

// PollRequest asks a session to refresh its status if it is due.
type PollRequest struct{}

type PublishMessageRequest struct {
	ActorRequestMixIn
	Topic   string
	Payload string
	Retain  bool
}

type PublishMessageResponse struct {
	ActorResponseMixIn
}

// PublishDiscoveryRequest announces entities to Home Assistant. Remove
// clears their retained configs instead.
type PublishDiscoveryRequest struct {
	ActorRequestMixIn
	Covers  []GenericCover
	Sensors []GenericSensor
	Buttons []GenericButton
	Remove  bool
}

type PublishDiscoveryResponse struct {
	ActorResponseMixIn
}

type ActorHealthRequest struct {
	ActorRequestMixIn
}

type ActorHealthResponse struct {
	ActorResponseMixIn
	Id         string                `json:"id"`
	Healthy    bool                  `json:"healthy"`
	State      string                `json:"state,omitempty"`
	Components []ActorHealthResponse `json:"components,omitempty"`
}
