package powershades

import (
	"encoding/binary"
	"fmt"
)

// Port is the UDP port PowerShades controllers listen on.
const Port = 42

// HeaderSize is the fixed frame header size in bytes.
const HeaderSize = 8

// Opcode identifies the frame operation. Replies echo the request opcode.
type Opcode uint8

const (
	OpGetSerial     Opcode = 0x00
	OpSetLimit      Opcode = 0x01
	OpJogUp         Opcode = 0x03
	OpJogDown       Opcode = 0x04
	OpJogStop       Opcode = 0x05
	OpSetPosition   Opcode = 0x1A
	OpGetStatus     Opcode = 0x1D
	OpClearLimits   Opcode = 0x1E
	OpStepUp        Opcode = 0x23
	OpStepDown      Opcode = 0x24
	OpGetShadeName  Opcode = 0x34
	OpGetDeviceName Opcode = 0x3A
)

var opcodeNames = map[Opcode]string{
	OpGetSerial:     "get_serial",
	OpSetLimit:      "set_limit",
	OpJogUp:         "jog_up",
	OpJogDown:       "jog_down",
	OpJogStop:       "jog_stop",
	OpSetPosition:   "set_position",
	OpGetStatus:     "get_status",
	OpClearLimits:   "clear_limits",
	OpStepUp:        "step_up",
	OpStepDown:      "step_down",
	OpGetShadeName:  "get_shade_name",
	OpGetDeviceName: "get_device_name",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op_0x%02x", uint8(op))
}

// Frame is a single protocol datagram.
//
// Wire layout (little endian):
//
//	0  u16 payload length
//	2  u16 CRC16/XMODEM over bytes 4..end
//	4  u8  opcode
//	5  u8  sequence
//	6  u8  channel
//	7  u8  status (0 in requests, non-zero in a reply is a nack reason)
//	8  payload
type Frame struct {
	Op      Opcode
	Seq     uint8
	Channel uint8
	Status  uint8
	Payload []byte
	// Trailing counts bytes received past the declared payload. They are
	// not covered by the checksum and are discarded.
	Trailing int
}

// Encode returns the datagram bytes for the frame.
func (f Frame) Encode() ([]byte, error) {
	if len(f.Payload) > 0xFFFF {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(f.Payload)))
	buf[4] = byte(f.Op)
	buf[5] = f.Seq
	buf[6] = f.Channel
	buf[7] = f.Status
	copy(buf[HeaderSize:], f.Payload)
	binary.LittleEndian.PutUint16(buf[2:4], CRC16(buf[4:]))
	return buf, nil
}

// DecodeFrame parses a datagram. It never panics; malformed input yields an
// error wrapping ErrTruncated or ErrChecksum. Bytes past the declared
// payload are ignored.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes, header needs %d", ErrTruncated, len(data), HeaderSize)
	}
	length := int(binary.LittleEndian.Uint16(data[0:2]))
	if len(data) < HeaderSize+length {
		return Frame{}, fmt.Errorf("%w: declared payload %d, got %d", ErrTruncated, length, len(data)-HeaderSize)
	}
	end := HeaderSize + length
	want := binary.LittleEndian.Uint16(data[2:4])
	if got := CRC16(data[4:end]); got != want {
		return Frame{}, fmt.Errorf("%w: header 0x%04x, computed 0x%04x", ErrChecksum, want, got)
	}
	payload := make([]byte, length)
	copy(payload, data[HeaderSize:end])
	return Frame{
		Op:       Opcode(data[4]),
		Seq:      data[5],
		Channel:  data[6],
		Status:   data[7],
		Payload:  payload,
		Trailing: len(data) - end,
	}, nil
}

func (f Frame) String() string {
	return fmt.Sprintf("%s seq=%d ch=%d status=%d len=%d", f.Op, f.Seq, f.Channel, f.Status, len(f.Payload))
}
