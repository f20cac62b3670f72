package port

import (
	"context"

	"github.com/berfenger/powershades2mqtt/internal/core/domain"
	"github.com/berfenger/powershades2mqtt/pkg/powershades"
)

// GroupResult is the result of a group command on one member device.
type GroupResult struct {
	Outcome domain.Outcome
	Err     error
}

// ShadeController is the upstream interface to the shade sessions.
type ShadeController interface {
	ListDevices() []domain.Shade
	Lookup(id string) (domain.Shade, bool)
	Snapshot(ctx context.Context, addr domain.DeviceAddress) (domain.Snapshot, error)
	GetPosition(ctx context.Context, addr domain.DeviceAddress) (domain.Position, error)
	Execute(ctx context.Context, addr domain.DeviceAddress, cmd domain.Command) (domain.Outcome, error)
	// ExecuteGroup returns one result per distinct address. An empty addrs
	// yields an empty map and sends nothing; a group command must go through
	// Execute, which rejects it with ErrValidation.
	ExecuteGroup(ctx context.Context, addrs []domain.DeviceAddress, cmd domain.Command) map[domain.DeviceAddress]GroupResult
	Cancel(ctx context.Context, addr domain.DeviceAddress) (bool, error)
	Subscribe(fn func(domain.Event)) (unsubscribe func())
	AddDevice(shade domain.Shade) error
	RemoveDevice(addr domain.DeviceAddress) error
	Discover(ctx context.Context, register bool) ([]powershades.Controller, error)
}
