package powershades

import "errors"

// Protocol and transport errors.
var (
	// ErrTruncated is returned when a datagram is shorter than a frame header
	// or shorter than its declared payload length.
	ErrTruncated = errors.New("powershades: truncated frame")

	// ErrChecksum is returned when the header CRC does not match the frame body.
	ErrChecksum = errors.New("powershades: checksum mismatch")

	// ErrShortPayload is returned when a reply payload is too small for its opcode.
	ErrShortPayload = errors.New("powershades: payload too short")

	// ErrPayloadTooLarge is returned when encoding a payload over 65535 bytes.
	ErrPayloadTooLarge = errors.New("powershades: payload too large")

	// ErrPositionRange is returned when a target percentage is outside [0,100].
	ErrPositionRange = errors.New("powershades: position out of range")

	// ErrTimeout is returned when every attempt of an exchange timed out.
	ErrTimeout = errors.New("powershades: exchange timed out")

	// ErrSocket is returned on an underlying socket I/O failure.
	ErrSocket = errors.New("powershades: socket error")

	// ErrAddressUnreachable is returned when the controller address cannot be
	// resolved or the network reports it unreachable.
	ErrAddressUnreachable = errors.New("powershades: address unreachable")

	// ErrCancelled is returned when the caller cancels an exchange before it completes.
	ErrCancelled = errors.New("powershades: exchange cancelled")

	// ErrSequenceInUse is returned when an exchange is started with a
	// sequence number that is still awaiting a reply for the same target.
	ErrSequenceInUse = errors.New("powershades: sequence already in flight")

	// ErrClosed is returned when the transport has been closed.
	ErrClosed = errors.New("powershades: transport closed")
)
