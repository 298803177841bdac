package osc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

var bundleTag = []byte("#bundle\x00")

// Bundle is a set of messages that share one absolute NTP timetag. The
// server is required to act on all of them atomically at that instant.
type Bundle struct {
	Timetag  Timetag
	Messages []*Message
}

// NewBundle creates a bundle scheduled for the given timetag.
func NewBundle(tt Timetag, messages ...*Message) *Bundle {
	return &Bundle{Timetag: tt, Messages: append([]*Message{}, messages...)}
}

// Append adds a message to the bundle.
func (b *Bundle) Append(m *Message) {
	b.Messages = append(b.Messages, m)
}

// MarshalBinary encodes the bundle to its OSC 1.0 wire representation:
// "#bundle\0", the 8-byte timetag, then each inner message length-prefixed.
func (b *Bundle) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(bundleTag)
	if err := binary.Write(&buf, binary.BigEndian, b.Timetag.Uint64()); err != nil {
		return nil, err
	}
	for _, m := range b.Messages {
		data, err := m.MarshalBinary()
		if err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.BigEndian, int32(len(data))); err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// UnmarshalBundle decodes a wire-format OSC bundle. Nested bundles are
// not supported since the engine never emits or expects them.
func UnmarshalBundle(data []byte) (*Bundle, error) {
	if len(data) < 16 || !bytes.Equal(data[:8], bundleTag) {
		return nil, fmt.Errorf("osc: not a bundle")
	}
	tt := TimetagFromUint64(binary.BigEndian.Uint64(data[8:16]))
	b := &Bundle{Timetag: tt}
	rest := data[16:]
	for len(rest) >= 4 {
		size := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint32(len(rest)) < size {
			return nil, fmt.Errorf("osc: truncated bundle element")
		}
		msg, err := UnmarshalMessage(rest[:size])
		if err != nil {
			return nil, err
		}
		b.Messages = append(b.Messages, msg)
		rest = rest[size:]
	}
	return b, nil
}

// IsBundle reports whether data looks like an OSC bundle rather than a
// bare message, by checking for the "#bundle\0" tag.
func IsBundle(data []byte) bool {
	return len(data) >= 8 && bytes.Equal(data[:8], bundleTag)
}
