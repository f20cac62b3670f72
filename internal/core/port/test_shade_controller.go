package port

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/berfenger/powershades2mqtt/internal/core/domain"
	"github.com/berfenger/powershades2mqtt/pkg/powershades"
)

// TestShadeController is an in-memory ShadeController. Commands succeed
// unless ExecuteFn is set; snapshots come from SnapshotFn or default to Idle.
type TestShadeController struct {
	ExecuteFn  func(addr domain.DeviceAddress, cmd domain.Command) (domain.Outcome, error)
	SnapshotFn func(addr domain.DeviceAddress) (domain.Snapshot, error)
	Found      []powershades.Controller

	mu          sync.Mutex
	shades      map[domain.DeviceAddress]domain.Shade
	executed    []ExecutedCommand
	subscribers map[int]func(domain.Event)
	nextSub     int
}

type ExecutedCommand struct {
	Address domain.DeviceAddress
	Command domain.Command
}

var _ ShadeController = (*TestShadeController)(nil)

func NewTestShadeController(shades ...domain.Shade) *TestShadeController {
	c := &TestShadeController{
		shades:      map[domain.DeviceAddress]domain.Shade{},
		subscribers: map[int]func(domain.Event){},
	}
	for _, s := range shades {
		c.shades[s.Address] = s
	}
	return c
}

func (c *TestShadeController) ListDevices() []domain.Shade {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Shade, 0, len(c.shades))
	for _, s := range c.shades {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

func (c *TestShadeController) Lookup(id string) (domain.Shade, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.shades {
		if s.Id == id {
			return s, true
		}
	}
	return domain.Shade{}, false
}

func (c *TestShadeController) shade(addr domain.DeviceAddress) (domain.Shade, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.shades[addr]
	if !ok {
		return s, fmt.Errorf("%w: %s", domain.ErrUnknownDevice, addr)
	}
	return s, nil
}

func (c *TestShadeController) Snapshot(_ context.Context, addr domain.DeviceAddress) (domain.Snapshot, error) {
	s, err := c.shade(addr)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if c.SnapshotFn != nil {
		return c.SnapshotFn(addr)
	}
	return domain.Snapshot{
		Id:           s.Id,
		Name:         s.Name,
		Address:      s.Address,
		State:        domain.SessionIdle,
		Connectivity: domain.ConnectivityUnknown,
		Movement:     domain.MovementStopped,
		Position:     domain.Position{Confidence: domain.ConfidenceStale},
	}, nil
}

func (c *TestShadeController) GetPosition(ctx context.Context, addr domain.DeviceAddress) (domain.Position, error) {
	snap, err := c.Snapshot(ctx, addr)
	return snap.Position, err
}

func (c *TestShadeController) Execute(_ context.Context, addr domain.DeviceAddress, cmd domain.Command) (domain.Outcome, error) {
	cmd = cmd.EnsureRef()
	if err := cmd.Validate(); err != nil {
		return domain.Outcome{Address: addr, Kind: cmd.Kind, Ref: cmd.Ref, Status: domain.StatusFromError(err), Error: err.Error()}, err
	}
	if cmd.Kind == domain.CommandGroup {
		outcome := domain.Outcome{Kind: cmd.Kind, Ref: cmd.Ref, Status: domain.OutcomeSuccess}
		for _, r := range c.ExecuteGroup(context.Background(), cmd.Targets, cmd.Inner.WithRef(cmd.Ref)) {
			if r.Err != nil {
				outcome.Status, outcome.Error = r.Outcome.Status, r.Err.Error()
				return outcome, r.Err
			}
		}
		return outcome, nil
	}
	s, err := c.shade(addr)
	if err != nil {
		return domain.Outcome{Address: addr, Kind: cmd.Kind, Ref: cmd.Ref, Status: domain.StatusFromError(err), Error: err.Error()}, err
	}
	c.mu.Lock()
	c.executed = append(c.executed, ExecutedCommand{Address: addr, Command: cmd})
	c.mu.Unlock()
	if c.ExecuteFn != nil {
		return c.ExecuteFn(addr, cmd)
	}
	return domain.Outcome{DeviceId: s.Id, Address: addr, Kind: cmd.Kind, Ref: cmd.Ref, Status: domain.OutcomeSuccess, Attempts: 1}, nil
}

func (c *TestShadeController) ExecuteGroup(ctx context.Context, addrs []domain.DeviceAddress, cmd domain.Command) map[domain.DeviceAddress]GroupResult {
	results := map[domain.DeviceAddress]GroupResult{}
	for _, addr := range addrs {
		outcome, err := c.Execute(ctx, addr, cmd)
		results[addr] = GroupResult{Outcome: outcome, Err: err}
	}
	return results
}

func (c *TestShadeController) Cancel(_ context.Context, addr domain.DeviceAddress) (bool, error) {
	_, err := c.shade(addr)
	return false, err
}

// Executed returns every command passed to Execute, in order.
func (c *TestShadeController) Executed() []ExecutedCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ExecutedCommand, len(c.executed))
	copy(out, c.executed)
	return out
}

func (c *TestShadeController) Subscribe(fn func(domain.Event)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

func (c *TestShadeController) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

// Publish delivers e to every subscriber synchronously.
func (c *TestShadeController) Publish(e domain.Event) {
	c.mu.Lock()
	subs := make([]func(domain.Event), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

func (c *TestShadeController) AddDevice(shade domain.Shade) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.shades[shade.Address]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateDevice, shade.Address)
	}
	c.shades[shade.Address] = shade
	return nil
}

func (c *TestShadeController) RemoveDevice(addr domain.DeviceAddress) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.shades[addr]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownDevice, addr)
	}
	delete(c.shades, addr)
	return nil
}

func (c *TestShadeController) Discover(_ context.Context, register bool) ([]powershades.Controller, error) {
	if register {
		for _, found := range c.Found {
			addr := domain.NewDeviceAddress(found.IP.String(), found.Port, 0)
			_ = c.AddDevice(domain.Shade{Id: addr.Slug(), Name: found.Name, Address: addr})
		}
	}
	return c.Found, nil
}
