package powershades

import "fmt"

// ReplyKind classifies a decoded controller datagram.
type ReplyKind int

const (
	// ReplyAck acknowledges a command that carries no reply payload.
	ReplyAck ReplyKind = iota
	// ReplyStatus carries a StatusReport. Controllers also push these
	// unsolicited when a shade is moved from a remote.
	ReplyStatus
	// ReplyNack carries a non-zero status byte.
	ReplyNack
	// ReplySerial carries the controller serial and IP.
	ReplySerial
	// ReplyName carries a shade or device name.
	ReplyName
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyAck:
		return "ack"
	case ReplyStatus:
		return "status"
	case ReplyNack:
		return "nack"
	case ReplySerial:
		return "serial"
	case ReplyName:
		return "name"
	}
	return fmt.Sprintf("kind_%d", int(k))
}

// Reply is a fully decoded datagram. Exactly one of Status, Serial or Name
// is set, matching Kind; Ack and Nack replies carry none.
type Reply struct {
	Frame
	Kind   ReplyKind
	Status *StatusReport
	Serial *SerialInfo
	Name   string
}

// NackCode returns the controller reason code of a nack reply.
func (r *Reply) NackCode() uint8 {
	return r.Frame.Status
}

// DecodeReply decodes a controller datagram. Malformed datagrams return an
// error and no Reply.
func DecodeReply(data []byte) (*Reply, error) {
	frame, err := DecodeFrame(data)
	if err != nil {
		return nil, err
	}
	reply := &Reply{Frame: frame, Kind: ReplyAck}
	if frame.Status != 0 {
		reply.Kind = ReplyNack
		return reply, nil
	}

	switch frame.Op {
	case OpGetStatus:
		status, err := decodeStatus(frame.Payload)
		if err != nil {
			return nil, err
		}
		reply.Kind = ReplyStatus
		reply.Status = status
	case OpGetSerial:
		serial, err := decodeSerial(frame.Payload)
		if err != nil {
			return nil, err
		}
		reply.Kind = ReplySerial
		reply.Serial = serial
	case OpGetShadeName:
		name, err := decodeName(frame.Payload, 1)
		if err != nil {
			return nil, err
		}
		reply.Kind = ReplyName
		reply.Name = name
	case OpGetDeviceName:
		name, err := decodeName(frame.Payload, 0)
		if err != nil {
			return nil, err
		}
		reply.Kind = ReplyName
		reply.Name = name
	}
	return reply, nil
}
