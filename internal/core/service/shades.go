package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	coreactor "github.com/berfenger/powershades2mqtt/internal/core/actor"
	"github.com/berfenger/powershades2mqtt/internal/core/domain"
	"github.com/berfenger/powershades2mqtt/internal/core/port"
	"github.com/berfenger/powershades2mqtt/pkg/powershades"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/gosimple/slug"
	"go.uber.org/zap"
)

var errSessionUnavailable = errors.New("device session did not answer")

const snapshotTimeout = 2 * time.Second

type ShadeServiceConfig struct {
	// Presets are shared by every device; device presets win.
	Presets   map[string]int
	Session   coreactor.SessionOptions
	Discovery powershades.DiscoverOptions
	// Defaults are the exchange options of devices added by discovery.
	Defaults powershades.ExchangeOptions
}

// ShadeService spawns one session actor per device and routes commands,
// queries and unsolicited reports to it.
type ShadeService struct {
	root        *actor.RootContext
	transport   powershades.Transport
	eventStream *eventstream.EventStream
	poller      *Poller
	cfg         ShadeServiceConfig
	logger      *zap.Logger

	mu      sync.RWMutex
	devices map[domain.DeviceAddress]*device
	ids     map[string]domain.DeviceAddress
	byHost  map[string]domain.DeviceAddress
}

type device struct {
	shade   domain.Shade
	pid     *actor.PID
	hostKey string
}

var _ port.ShadeController = (*ShadeService)(nil)

func NewShadeService(root *actor.RootContext, transport powershades.Transport, eventStream *eventstream.EventStream,
	poller *Poller, cfg ShadeServiceConfig, logger *zap.Logger) *ShadeService {
	s := &ShadeService{
		root:        root,
		transport:   transport,
		eventStream: eventStream,
		poller:      poller,
		cfg:         cfg,
		logger:      logger.With(zap.String("service", "shades")),
		devices:     map[domain.DeviceAddress]*device{},
		ids:         map[string]domain.DeviceAddress{},
		byHost:      map[string]domain.DeviceAddress{},
	}
	transport.SetOnUnsolicited(s.routeUnsolicited)
	return s
}

func (s *ShadeService) ListDevices() []domain.Shade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	shades := make([]domain.Shade, 0, len(s.devices))
	for _, d := range s.devices {
		shades = append(shades, d.shade)
	}
	sort.Slice(shades, func(i, j int) bool { return shades[i].Id < shades[j].Id })
	return shades
}

func (s *ShadeService) Lookup(id string) (domain.Shade, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.ids[id]
	if !ok {
		return domain.Shade{}, false
	}
	return s.devices[addr].shade, true
}

func (s *ShadeService) device(addr domain.DeviceAddress) (*device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownDevice, addr)
	}
	return d, nil
}

// AddDevice registers a shade and starts its session.
func (s *ShadeService) AddDevice(shade domain.Shade) error {
	shade.Address = domain.NewDeviceAddress(shade.Address.Host, shade.Address.Port, shade.Address.Channel)
	if shade.Id == "" {
		return fmt.Errorf("%w: device id is required", domain.ErrValidation)
	}
	key := hostKey(resolveHost(shade.Address.Host), shade.Address.Channel)

	if err := s.register(shade, key); err != nil {
		return err
	}
	s.logger.Info("shades: device added", zap.String("id", shade.Id), zap.Stringer("address", shade.Address))
	s.eventStream.Publish(domain.DeviceRegisteredEvent{ShadeEventMixIn: shadeMixIn(shade), Shade: shade})
	return nil
}

func (s *ShadeService) register(shade domain.Shade, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[shade.Address]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateDevice, shade.Address)
	}
	if _, ok := s.ids[shade.Id]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateDevice, shade.Id)
	}

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)
	transport, es, opts, logger := s.transport, s.eventStream, s.cfg.Session, s.logger
	props := actor.PropsFromProducer(func() actor.Actor {
		return coreactor.NewShadeSessionActor(shade, transport, es, opts, logger)
	}, actor.WithSupervisor(supervisor))
	pid, err := s.root.SpawnNamed(props, domain.ACTOR_ID_SHADE_PREFIX+shade.Id)
	if err != nil {
		return err
	}
	if s.poller != nil {
		if err := s.poller.Add(shade.Id, pid); err != nil {
			s.root.Stop(pid)
			return err
		}
	}

	d := &device{shade: shade, pid: pid, hostKey: key}
	s.devices[shade.Address] = d
	s.ids[shade.Id] = shade.Address
	s.byHost[d.hostKey] = shade.Address
	return nil
}

// RemoveDevice stops the session of a shade, cancelling its in-flight command.
func (s *ShadeService) RemoveDevice(addr domain.DeviceAddress) error {
	s.mu.Lock()
	d, ok := s.devices[addr]
	if ok {
		delete(s.devices, addr)
		delete(s.ids, d.shade.Id)
		delete(s.byHost, d.hostKey)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownDevice, addr)
	}
	if s.poller != nil {
		if err := s.poller.Remove(d.shade.Id); err != nil {
			s.logger.Warn("shades: could not remove poll job", zap.String("id", d.shade.Id), zap.Error(err))
		}
	}
	err := s.root.StopFuture(d.pid).Wait()
	s.eventStream.Publish(domain.DeviceRemovedEvent{ShadeEventMixIn: shadeMixIn(d.shade), Shade: d.shade})
	return err
}

func (s *ShadeService) Snapshot(ctx context.Context, addr domain.DeviceAddress) (domain.Snapshot, error) {
	d, err := s.device(addr)
	if err != nil {
		return domain.Snapshot{}, err
	}
	result, err := s.request(ctx, d.pid, domain.GetSnapshotRequest{}, snapshotTimeout)
	if err != nil {
		return domain.Snapshot{}, err
	}
	resp, ok := result.(domain.GetSnapshotResponse)
	if !ok {
		return domain.Snapshot{}, fmt.Errorf("%w: unexpected %T", errSessionUnavailable, result)
	}
	return resp.Snapshot, nil
}

func (s *ShadeService) GetPosition(ctx context.Context, addr domain.DeviceAddress) (domain.Position, error) {
	snap, err := s.Snapshot(ctx, addr)
	return snap.Position, err
}

// Cancel cancels the in-flight command of a device, if any.
func (s *ShadeService) Cancel(ctx context.Context, addr domain.DeviceAddress) (bool, error) {
	return s.cancel(ctx, addr, "")
}

func (s *ShadeService) cancel(ctx context.Context, addr domain.DeviceAddress, ref string) (bool, error) {
	d, err := s.device(addr)
	if err != nil {
		return false, err
	}
	result, err := s.request(ctx, d.pid, domain.CancelCommandRequest{Ref: ref}, snapshotTimeout)
	if err != nil {
		return false, err
	}
	resp, ok := result.(domain.CancelCommandResponse)
	return ok && resp.Cancelled, nil
}

// Subscribe registers fn for every device event. The returned function
// removes the subscription.
func (s *ShadeService) Subscribe(fn func(domain.Event)) func() {
	sub := s.eventStream.Subscribe(func(evt interface{}) {
		if e, ok := evt.(domain.Event); ok {
			fn(e)
		}
	})
	return func() {
		s.eventStream.Unsubscribe(sub)
	}
}

// Discover broadcasts for controllers. With register set, controllers not
// yet known are added as channel 0 devices named after the controller.
func (s *ShadeService) Discover(ctx context.Context, register bool) ([]powershades.Controller, error) {
	found, err := powershades.Discover(ctx, s.cfg.Discovery, s.logger)
	if err != nil {
		return found, err
	}
	if !register {
		return found, nil
	}
	for _, c := range found {
		addr := domain.NewDeviceAddress(c.IP.String(), c.Port, 0)
		if _, err := s.device(addr); err == nil {
			continue
		}
		shade := domain.Shade{
			Id:      discoveredId(c, addr),
			Name:    c.Name,
			Address: addr,
			Options: s.cfg.Defaults,
		}
		if shade.Name == "" {
			shade.Name = shade.Id
		}
		if err := s.AddDevice(shade); err != nil {
			s.logger.Warn("shades: could not add discovered controller", zap.Stringer("address", addr), zap.Error(err))
		}
	}
	return found, nil
}

// Close stops every session.
func (s *ShadeService) Close() {
	for _, shade := range s.ListDevices() {
		if err := s.RemoveDevice(shade.Address); err != nil {
			s.logger.Warn("shades: remove failed", zap.String("id", shade.Id), zap.Error(err))
		}
	}
}

func (s *ShadeService) routeUnsolicited(from powershades.Target, reply *powershades.Reply) {
	if reply.Kind != powershades.ReplyStatus || reply.Status == nil {
		s.logger.Debug("shades: unsolicited reply ignored", zap.Stringer("from", from), zap.Stringer("kind", reply.Kind))
		return
	}
	s.mu.RLock()
	var pid *actor.PID
	if addr, ok := s.byHost[hostKey(from.Host, from.Channel)]; ok {
		pid = s.devices[addr].pid
	}
	s.mu.RUnlock()
	if pid == nil {
		s.logger.Debug("shades: status from unknown device", zap.Stringer("from", from))
		return
	}
	s.root.Send(pid, domain.StatusReported{Report: *reply.Status})
}

// request sends msg to pid and waits for the reply or ctx.
func (s *ShadeService) request(ctx context.Context, pid *actor.PID, msg any, timeout time.Duration) (any, error) {
	future := s.root.RequestFuture(pid, msg, timeout)
	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := future.Result()
		done <- result{value: value, err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %w", errSessionUnavailable, r.err)
		}
		return r.value, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", domain.ErrCancelled, ctx.Err())
	}
}

func discoveredId(c powershades.Controller, addr domain.DeviceAddress) string {
	if c.Name != "" {
		if id := strings.Replace(slug.Make(c.Name), "-", "_", -1); id != "" {
			return id
		}
	}
	return addr.Slug()
}

func shadeMixIn(shade domain.Shade) domain.ShadeEventMixIn {
	return domain.ShadeEventMixIn{DeviceId: shade.Id, Address: shade.Address, At: time.Now()}
}

func hostKey(host string, channel uint8) string {
	return fmt.Sprintf("%s/%d", host, channel)
}

// resolveHost returns the IPv4 address replies from host arrive from.
func resolveHost(host string) string {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, "0"))
	if err != nil {
		return host
	}
	return addr.IP.String()
}
