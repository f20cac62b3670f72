package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/berfenger/powershades2mqtt/internal/core/domain"

	"go.uber.org/zap"
)

// sessionGrace is added to the retry budget when waiting on a session.
const sessionGrace = 1 * time.Second

// Execute validates cmd, resolves presets and toggles against the device,
// and runs it on the device session. Group commands fan out to their targets
// and addr is ignored.
func (s *ShadeService) Execute(ctx context.Context, addr domain.DeviceAddress, cmd domain.Command) (domain.Outcome, error) {
	cmd = cmd.EnsureRef()
	if err := cmd.Validate(); err != nil {
		return rejected(addr, "", cmd, err), err
	}
	if cmd.Kind == domain.CommandGroup {
		return s.executeGroupCommand(ctx, cmd)
	}

	d, err := s.device(addr)
	if err != nil {
		return rejected(addr, "", cmd, err), err
	}
	resolved, err := s.resolve(ctx, d, cmd)
	if err != nil {
		return rejected(addr, d.shade.Id, cmd, err), err
	}
	return s.run(ctx, d, resolved)
}

// resolve turns toggles and presets into commands the session can encode.
func (s *ShadeService) resolve(ctx context.Context, d *device, cmd domain.Command) (domain.Command, error) {
	switch cmd.Kind {
	case domain.CommandToggle:
		snap, err := s.Snapshot(ctx, d.shade.Address)
		if err != nil {
			return cmd, err
		}
		kind, err := toggleKind(snap)
		if err != nil {
			return cmd, err
		}
		s.logger.Debug("dispatcher: toggle resolved", zap.String("device", d.shade.Id), zap.String("kind", string(kind)))
		return domain.Command{Kind: kind, Ref: cmd.Ref}, nil
	case domain.CommandRunPreset:
		percent, ok := s.presetPercent(d.shade, cmd.Preset)
		if !ok {
			return cmd, fmt.Errorf("%w: %q", domain.ErrUnknownPreset, cmd.Preset)
		}
		cmd.Position = &percent
		return cmd, cmd.Validate()
	}
	return cmd, nil
}

// toggleKind stops a moving shade, closes one more than half open and
// opens any other.
func toggleKind(snap domain.Snapshot) (domain.CommandKind, error) {
	switch {
	case snap.Movement != domain.MovementStopped:
		return domain.CommandStop, nil
	case !snap.Position.Valid:
		return "", fmt.Errorf("%w: toggle needs a known position", domain.ErrValidation)
	case snap.Position.Percent > 50:
		return domain.CommandClose, nil
	default:
		return domain.CommandOpen, nil
	}
}

func (s *ShadeService) presetPercent(shade domain.Shade, id string) (int, bool) {
	if p, ok := shade.Presets[id]; ok {
		return p, true
	}
	p, ok := s.cfg.Presets[id]
	return p, ok
}

// run sends cmd to the session and waits for its outcome. If ctx ends first
// the command is cancelled on the session.
func (s *ShadeService) run(ctx context.Context, d *device, cmd domain.Command) (domain.Outcome, error) {
	timeout := d.shade.Options.Budget() + sessionGrace
	result, err := s.request(ctx, d.pid, domain.ExecuteCommandRequest{Command: cmd}, timeout)
	if err != nil {
		if errors.Is(err, domain.ErrCancelled) {
			if _, cerr := s.cancel(context.Background(), d.shade.Address, cmd.Ref); cerr != nil {
				s.logger.Warn("dispatcher: cancel failed", zap.String("device", d.shade.Id), zap.Error(cerr))
			}
		}
		return rejected(d.shade.Address, d.shade.Id, cmd, err), err
	}
	resp, ok := result.(domain.ExecuteCommandResponse)
	if !ok {
		err := fmt.Errorf("%w: unexpected %T", errSessionUnavailable, result)
		return rejected(d.shade.Address, d.shade.Id, cmd, err), err
	}
	return resp.Outcome, resp.GetResponseError()
}

func rejected(addr domain.DeviceAddress, id string, cmd domain.Command, err error) domain.Outcome {
	return domain.Outcome{
		DeviceId: id,
		Address:  addr,
		Kind:     cmd.Kind,
		Ref:      cmd.Ref,
		Status:   domain.StatusFromError(err),
		Error:    err.Error(),
	}
}
