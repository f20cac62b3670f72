package domain

import (
	"fmt"

	"github.com/google/uuid"
)

type CommandKind string

const (
	CommandOpen          CommandKind = "open"
	CommandClose         CommandKind = "close"
	CommandStop          CommandKind = "stop"
	CommandSetPosition   CommandKind = "set_position"
	CommandRunPreset     CommandKind = "run_preset"
	CommandGroup         CommandKind = "group"
	CommandRefresh       CommandKind = "refresh"
	CommandToggle        CommandKind = "toggle"
	CommandJogUp         CommandKind = "jog_up"
	CommandJogDown       CommandKind = "jog_down"
	CommandStepUp        CommandKind = "step_up"
	CommandStepDown      CommandKind = "step_down"
	CommandSetUpperLimit CommandKind = "set_upper_limit"
	CommandSetLowerLimit CommandKind = "set_lower_limit"
	CommandClearLimits   CommandKind = "clear_limits"
)

var commandKinds = map[CommandKind]bool{
	CommandOpen: true, CommandClose: true, CommandStop: true, CommandSetPosition: true,
	CommandRunPreset: true, CommandGroup: true, CommandRefresh: true, CommandToggle: true,
	CommandJogUp: true, CommandJogDown: true, CommandStepUp: true, CommandStepDown: true,
	CommandSetUpperLimit: true, CommandSetLowerLimit: true, CommandClearLimits: true,
}

// ParseCommandKind accepts the lower case name of a command kind.
func ParseCommandKind(s string) (CommandKind, error) {
	kind := CommandKind(s)
	if !commandKinds[kind] {
		return "", fmt.Errorf("%w: unknown command %q", ErrValidation, s)
	}
	return kind, nil
}

// Command is a request to a device. Position is set for SetPosition, and
// for RunPreset once the preset has been resolved. Group commands carry the
// member command in Inner.
type Command struct {
	Kind     CommandKind     `json:"kind"`
	Position *int            `json:"position,omitempty"`
	Preset   string          `json:"preset,omitempty"`
	Inner    *Command        `json:"command,omitempty"`
	Targets  []DeviceAddress `json:"targets,omitempty"`
	Ref      string          `json:"ref,omitempty"`

	// Poll marks status refreshes issued by the poller, which yield to any
	// user command.
	Poll bool `json:"-"`
}

func Open() Command  { return Command{Kind: CommandOpen} }
func Close() Command { return Command{Kind: CommandClose} }
func Stop() Command  { return Command{Kind: CommandStop} }

func Refresh() Command { return Command{Kind: CommandRefresh} }

func SetPosition(percent int) Command {
	return Command{Kind: CommandSetPosition, Position: &percent}
}

func RunPreset(id string) Command {
	return Command{Kind: CommandRunPreset, Preset: id}
}

func Group(cmd Command, targets ...DeviceAddress) Command {
	return Command{Kind: CommandGroup, Inner: &cmd, Targets: targets}
}

// WithRef returns a copy of the command carrying ref.
func (c Command) WithRef(ref string) Command {
	c.Ref = ref
	return c
}

// EnsureRef assigns a random correlation reference if none was supplied.
func (c Command) EnsureRef() Command {
	if c.Ref == "" {
		c.Ref = uuid.NewString()
	}
	return c
}

// TargetPercent returns the position a successful command leaves the shade at.
func (c Command) TargetPercent() (int, bool) {
	switch c.Kind {
	case CommandOpen:
		return 100, true
	case CommandClose:
		return 0, true
	case CommandSetPosition, CommandRunPreset:
		if c.Position != nil {
			return *c.Position, true
		}
	}
	return 0, false
}

// Validate checks the fields required by the command kind.
func (c Command) Validate() error {
	if !commandKinds[c.Kind] {
		return fmt.Errorf("%w: unknown command %q", ErrValidation, c.Kind)
	}
	switch c.Kind {
	case CommandSetPosition:
		if c.Position == nil {
			return fmt.Errorf("%w: set_position needs a position", ErrValidation)
		}
		if *c.Position < 0 || *c.Position > 100 {
			return fmt.Errorf("%w: position %d out of range 0-100", ErrValidation, *c.Position)
		}
	case CommandRunPreset:
		if c.Preset == "" {
			return fmt.Errorf("%w: run_preset needs a preset id", ErrValidation)
		}
		if c.Position != nil && (*c.Position < 0 || *c.Position > 100) {
			return fmt.Errorf("%w: preset %q position %d out of range 0-100", ErrValidation, c.Preset, *c.Position)
		}
	case CommandGroup:
		if c.Inner == nil {
			return fmt.Errorf("%w: group needs a command", ErrValidation)
		}
		if c.Inner.Kind == CommandGroup {
			return fmt.Errorf("%w: groups cannot be nested", ErrValidation)
		}
		if len(c.Targets) == 0 {
			return fmt.Errorf("%w: group needs at least one target", ErrValidation)
		}
		return c.Inner.Validate()
	}
	return nil
}

func (c Command) String() string {
	switch c.Kind {
	case CommandSetPosition, CommandRunPreset:
		if c.Position != nil {
			return fmt.Sprintf("%s(%s%d)", c.Kind, presetPrefix(c.Preset), *c.Position)
		}
		return fmt.Sprintf("%s(%s)", c.Kind, c.Preset)
	case CommandGroup:
		if c.Inner != nil {
			return fmt.Sprintf("group(%s x%d)", c.Inner, len(c.Targets))
		}
	}
	return string(c.Kind)
}

func presetPrefix(preset string) string {
	if preset == "" {
		return ""
	}
	return preset + "="
}
