// Package codec maps device commands to protocol frames.
package codec

import (
	"fmt"

	"github.com/berfenger/powershades2mqtt/internal/core/domain"
	"github.com/berfenger/powershades2mqtt/pkg/powershades"
)

// Encode builds the frame for cmd. Open, Close and presets become a
// SetPosition frame. Presets must be resolved, and Toggle and Group
// commands must be expanded by the caller.
func Encode(cmd domain.Command, channel, seq uint8) (powershades.Frame, error) {
	if err := cmd.Validate(); err != nil {
		return powershades.Frame{}, err
	}
	switch cmd.Kind {
	case domain.CommandOpen, domain.CommandClose, domain.CommandSetPosition:
		percent, _ := cmd.TargetPercent()
		return setPosition(channel, seq, percent)
	case domain.CommandRunPreset:
		percent, ok := cmd.TargetPercent()
		if !ok {
			return powershades.Frame{}, fmt.Errorf("%w: preset %q is not resolved", domain.ErrUnknownPreset, cmd.Preset)
		}
		return setPosition(channel, seq, percent)
	case domain.CommandStop:
		return powershades.NewRequest(powershades.OpJogStop, channel, seq), nil
	case domain.CommandRefresh:
		return powershades.NewRequest(powershades.OpGetStatus, channel, seq), nil
	case domain.CommandJogUp:
		return powershades.NewRequest(powershades.OpJogUp, channel, seq), nil
	case domain.CommandJogDown:
		return powershades.NewRequest(powershades.OpJogDown, channel, seq), nil
	case domain.CommandStepUp:
		return powershades.NewRequest(powershades.OpStepUp, channel, seq), nil
	case domain.CommandStepDown:
		return powershades.NewRequest(powershades.OpStepDown, channel, seq), nil
	case domain.CommandSetUpperLimit:
		return powershades.NewSetLimit(channel, seq, powershades.LimitUpper), nil
	case domain.CommandSetLowerLimit:
		return powershades.NewSetLimit(channel, seq, powershades.LimitLower), nil
	case domain.CommandClearLimits:
		return powershades.NewRequest(powershades.OpClearLimits, channel, seq), nil
	}
	return powershades.Frame{}, fmt.Errorf("%w: %s", domain.ErrUnsupported, cmd.Kind)
}

func setPosition(channel, seq uint8, percent int) (powershades.Frame, error) {
	frame, err := powershades.NewSetPosition(channel, seq, percent)
	if err != nil {
		return frame, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	return frame, nil
}

// Opcode returns the opcode a command is sent with.
func Opcode(kind domain.CommandKind) (powershades.Opcode, bool) {
	switch kind {
	case domain.CommandOpen, domain.CommandClose, domain.CommandSetPosition, domain.CommandRunPreset:
		return powershades.OpSetPosition, true
	case domain.CommandStop:
		return powershades.OpJogStop, true
	case domain.CommandRefresh:
		return powershades.OpGetStatus, true
	case domain.CommandJogUp:
		return powershades.OpJogUp, true
	case domain.CommandJogDown:
		return powershades.OpJogDown, true
	case domain.CommandStepUp:
		return powershades.OpStepUp, true
	case domain.CommandStepDown:
		return powershades.OpStepDown, true
	case domain.CommandSetUpperLimit, domain.CommandSetLowerLimit:
		return powershades.OpSetLimit, true
	case domain.CommandClearLimits:
		return powershades.OpClearLimits, true
	}
	return 0, false
}
