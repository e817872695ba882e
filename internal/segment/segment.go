// Package segment implements the wire codec for the transfer protocol: a
// fixed 12-byte header followed by up to config.MaxDataSize bytes of
// payload, little-endian throughout.
package segment

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ventosilenzioso/udpft/internal/config"
)

// ErrMalformed is returned by Parse when a datagram is too short or its
// length field is inconsistent with the remaining bytes.
var ErrMalformed = errors.New("segment: malformed datagram")

// Segment is the atomic protocol unit. Payload is owned by the Segment once
// constructed; callers must not mutate a slice handed to New after the call.
type Segment struct {
	Seq     uint32
	Ack     uint32
	AckFlag bool
	FinFlag bool
	Payload []byte
}

// Length reports the number of payload bytes, matching the wire length field.
func (s *Segment) Length() uint16 {
	return uint16(len(s.Payload))
}

// NewAck builds a pure cumulative-ACK segment: seq=0, length=0, ack_flag set.
func NewAck(ack uint32) *Segment {
	return &Segment{Ack: ack, AckFlag: true}
}

// NewData builds a data segment covering payload starting at seq.
func NewData(seq uint32, payload []byte, fin bool) *Segment {
	return &Segment{Seq: seq, Payload: payload, FinFlag: fin}
}

// Serialize writes the segment to a config.MaxPacketSize datagram. Trailing
// bytes beyond the header+payload are left zeroed; receivers must honor the
// length field rather than the datagram size.
func Serialize(s *Segment) ([]byte, error) {
	if len(s.Payload) > config.MaxDataSize {
		return nil, fmt.Errorf("segment: payload length %d exceeds max data size %d", len(s.Payload), config.MaxDataSize)
	}

	buf := make([]byte, config.MaxPacketSize)
	binary.LittleEndian.PutUint32(buf[0:4], s.Seq)
	binary.LittleEndian.PutUint32(buf[4:8], s.Ack)
	if s.AckFlag {
		buf[8] = 1
	}
	if s.FinFlag {
		buf[9] = 1
	}
	binary.LittleEndian.PutUint16(buf[10:12], s.Length())
	copy(buf[config.HeaderSize:], s.Payload)

	return buf, nil
}

// Parse reads a segment out of a received datagram. The returned Segment's
// Payload is a copy, independent of the input buffer.
func Parse(datagram []byte) (*Segment, error) {
	if len(datagram) < config.HeaderSize {
		return nil, fmt.Errorf("%w: datagram shorter than header (%d bytes)", ErrMalformed, len(datagram))
	}

	length := binary.LittleEndian.Uint16(datagram[10:12])
	if int(length) > len(datagram)-config.HeaderSize {
		return nil, fmt.Errorf("%w: length field %d exceeds remaining %d bytes", ErrMalformed, length, len(datagram)-config.HeaderSize)
	}

	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		copy(payload, datagram[config.HeaderSize:config.HeaderSize+int(length)])
	}

	return &Segment{
		Seq:     binary.LittleEndian.Uint32(datagram[0:4]),
		Ack:     binary.LittleEndian.Uint32(datagram[4:8]),
		AckFlag: datagram[8] != 0,
		FinFlag: datagram[9] != 0,
		Payload: payload,
	}, nil
}
