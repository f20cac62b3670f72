package powershades

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

const (
	setPositionPayloadSize = 10
	statusPayloadSize      = 30
	serialPayloadSize      = 20
	nameSize               = 50

	positionMask = 0x0001
)

// LimitType selects which travel limit SetLimit stores.
type LimitType uint16

const (
	LimitUpper LimitType = 0
	LimitLower LimitType = 1
)

func (l LimitType) String() string {
	if l == LimitLower {
		return "lower"
	}
	return "upper"
}

// NewSetPosition builds a SetPosition request for an absolute percentage
// (0 closed, 100 open). Tilt and the channel mask are left at zero.
func NewSetPosition(channel, seq uint8, percent int) (Frame, error) {
	if percent < 0 || percent > 100 {
		return Frame{}, fmt.Errorf("%w: %d", ErrPositionRange, percent)
	}
	payload := make([]byte, setPositionPayloadSize)
	binary.LittleEndian.PutUint16(payload[0:2], positionMask)
	binary.LittleEndian.PutUint16(payload[2:4], uint16(int16(percent)))
	return Frame{Op: OpSetPosition, Seq: seq, Channel: channel, Payload: payload}, nil
}

// DecodeSetPosition extracts the target percentage from a SetPosition payload.
func DecodeSetPosition(payload []byte) (int, error) {
	if len(payload) < setPositionPayloadSize {
		return 0, fmt.Errorf("%w: set_position needs %d bytes, got %d", ErrShortPayload, setPositionPayloadSize, len(payload))
	}
	return int(int16(binary.LittleEndian.Uint16(payload[2:4]))), nil
}

// NewSetLimit builds a SetLimit request storing the current motor position
// as the upper or lower travel limit.
func NewSetLimit(channel, seq uint8, limit LimitType) Frame {
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, uint16(limit))
	return Frame{Op: OpSetLimit, Seq: seq, Channel: channel, Payload: payload}
}

// NewShadeNameQuery builds a GetShadeName request in "get" mode.
func NewShadeNameQuery(channel, seq uint8) Frame {
	return Frame{Op: OpGetShadeName, Seq: seq, Channel: channel, Payload: []byte{0}}
}

// NewRequest builds a request that carries no payload (status, serial,
// device name, jog, step and clear-limits operations).
func NewRequest(op Opcode, channel, seq uint8) Frame {
	return Frame{Op: op, Seq: seq, Channel: channel}
}

// StatusReport is the decoded GetStatus reply payload.
type StatusReport struct {
	Percent          int
	Tilt             int
	Memory           uint16
	BatteryMillivolt uint16
	Time             uint32
	Cycles           uint32
	Stalls           uint32
	Temperature      int16
	RawPercent       uint32
	RawTilt          uint32
}

// BatteryVoltage returns the battery voltage in volts.
func (s StatusReport) BatteryVoltage() float64 {
	return float64(s.BatteryMillivolt) / 1000
}

// BatteryPercent maps the battery voltage linearly from 3.0 V (0%) to
// 4.2 V (100%), clamped.
func (s StatusReport) BatteryPercent() int {
	const empty, full = 3000, 4200
	mv := int(s.BatteryMillivolt)
	switch {
	case mv <= empty:
		return 0
	case mv >= full:
		return 100
	}
	return (mv - empty) * 100 / (full - empty)
}

// TemperatureCelsius returns the motor temperature; the controller reports
// tenths of a degree.
func (s StatusReport) TemperatureCelsius() float64 {
	return float64(s.Temperature) / 10
}

func decodeStatus(payload []byte) (*StatusReport, error) {
	if len(payload) < statusPayloadSize {
		return nil, fmt.Errorf("%w: status needs %d bytes, got %d", ErrShortPayload, statusPayloadSize, len(payload))
	}
	le := binary.LittleEndian
	return &StatusReport{
		Percent:          int(int16(le.Uint16(payload[0:2]))),
		Tilt:             int(int16(le.Uint16(payload[2:4]))),
		Memory:           le.Uint16(payload[4:6]),
		BatteryMillivolt: le.Uint16(payload[6:8]),
		Time:             le.Uint32(payload[8:12]),
		Cycles:           le.Uint32(payload[12:16]),
		Stalls:           le.Uint32(payload[16:20]),
		Temperature:      int16(le.Uint16(payload[20:22])),
		RawPercent:       le.Uint32(payload[22:26]),
		RawTilt:          le.Uint32(payload[26:30]),
	}, nil
}

// EncodeStatus is the inverse of the status decoder. Controllers produce
// this payload; it is exported for fakes and tests.
func EncodeStatus(s StatusReport) []byte {
	payload := make([]byte, statusPayloadSize)
	le := binary.LittleEndian
	le.PutUint16(payload[0:2], uint16(int16(s.Percent)))
	le.PutUint16(payload[2:4], uint16(int16(s.Tilt)))
	le.PutUint16(payload[4:6], s.Memory)
	le.PutUint16(payload[6:8], s.BatteryMillivolt)
	le.PutUint32(payload[8:12], s.Time)
	le.PutUint32(payload[12:16], s.Cycles)
	le.PutUint32(payload[16:20], s.Stalls)
	le.PutUint16(payload[20:22], uint16(s.Temperature))
	le.PutUint32(payload[22:26], s.RawPercent)
	le.PutUint32(payload[26:30], s.RawTilt)
	return payload
}

// SerialInfo is the decoded GetSerial reply payload.
type SerialInfo struct {
	Model  uint8
	Serial uint64
	IP     net.IP
}

func decodeSerial(payload []byte) (*SerialInfo, error) {
	if len(payload) < serialPayloadSize {
		return nil, fmt.Errorf("%w: serial needs %d bytes, got %d", ErrShortPayload, serialPayloadSize, len(payload))
	}
	le := binary.LittleEndian
	lo := le.Uint32(payload[4:8])
	hi := le.Uint32(payload[8:12])
	// the address is stored least significant byte first
	ip := net.IPv4(payload[19], payload[18], payload[17], payload[16]).To4()
	return &SerialInfo{
		Model:  payload[0],
		Serial: uint64(hi)<<32 | uint64(lo),
		IP:     ip,
	}, nil
}

// EncodeSerial is the inverse of the serial decoder, for fakes and tests.
func EncodeSerial(info SerialInfo) []byte {
	payload := make([]byte, serialPayloadSize)
	le := binary.LittleEndian
	payload[0] = info.Model
	le.PutUint32(payload[4:8], uint32(info.Serial))
	le.PutUint32(payload[8:12], uint32(info.Serial>>32))
	if ip := info.IP.To4(); ip != nil {
		payload[16], payload[17], payload[18], payload[19] = ip[3], ip[2], ip[1], ip[0]
	}
	return payload
}

func decodeName(payload []byte, offset int) (string, error) {
	if len(payload) < offset+nameSize {
		return "", fmt.Errorf("%w: name needs %d bytes, got %d", ErrShortPayload, offset+nameSize, len(payload))
	}
	raw := payload[offset : offset+nameSize]
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(bytes.TrimSpace(raw)), nil
}

// EncodeName builds a name reply payload: shade-name replies carry a
// leading get/set flag byte, device-name replies do not.
func EncodeName(op Opcode, name string) []byte {
	offset := 0
	if op == OpGetShadeName {
		offset = 1
	}
	payload := make([]byte, offset+nameSize)
	copy(payload[offset:], name)
	return payload
}
