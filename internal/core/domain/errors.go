package domain

import (
	"errors"
	"fmt"

	"github.com/berfenger/powershades2mqtt/pkg/powershades"
)

var (
	// ErrValidation marks commands rejected before anything is sent.
	ErrValidation = errors.New("validation error")

	ErrUnknownPreset = fmt.Errorf("%w: unknown preset", ErrValidation)

	// ErrUnsupported is returned for commands that have no wire encoding.
	ErrUnsupported = fmt.Errorf("%w: command cannot be sent to a device", ErrValidation)

	// ErrBusy is returned when a device already has a command in flight.
	ErrBusy = errors.New("device busy")

	ErrUnknownDevice = errors.New("unknown device")

	ErrDuplicateDevice = errors.New("device already registered")

	// ErrCancelled is returned to the caller of a cancelled command.
	ErrCancelled = errors.New("command cancelled")

	// ErrSuperseded is returned to the caller of a command replaced by Stop.
	ErrSuperseded = errors.New("command superseded by stop")
)

// NackError is a negative acknowledgement from the controller.
type NackError struct {
	Code uint8
}

func (e NackError) Error() string {
	return fmt.Sprintf("controller rejected command (code %d)", e.Code)
}

// IsTransportError reports whether err came from the transport layer.
func IsTransportError(err error) bool {
	return errors.Is(err, powershades.ErrTimeout) ||
		errors.Is(err, powershades.ErrSocket) ||
		errors.Is(err, powershades.ErrAddressUnreachable)
}

// StatusFromError maps a command error to its outcome status.
func StatusFromError(err error) OutcomeStatus {
	var nack NackError
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.As(err, &nack):
		return OutcomeNack
	case errors.Is(err, ErrSuperseded):
		return OutcomeSuperseded
	case errors.Is(err, ErrCancelled), errors.Is(err, powershades.ErrCancelled):
		return OutcomeCancelled
	case errors.Is(err, powershades.ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrBusy):
		return OutcomeBusy
	case errors.Is(err, ErrValidation):
		return OutcomeRejected
	default:
		return OutcomeFailed
	}
}
