// Package osc implements the subset of OSC 1.0 this engine actually
// uses: messages with int32/float32/string/blob/timetag arguments, and
// bundles carrying one absolute NTP timetag over inner messages. Spec §1
// explicitly scopes out a general-purpose, wire-compatible OSC library —
// this hand-rolled subset is the sanctioned exception, kept deliberately
// small. The message/bundle shape (NewMessage, Append) mirrors
// github.com/hypebeast/go-osc, which the teacher depends on, so callers
// familiar with that library feel at home here; the wire codec itself is
// ours because we need exact control over the NTP timetag bytes
// (including the reserved "immediately" value 1) that a general client
// does not expose.
package osc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Message is an OSC address plus a typed argument list. Supported
// argument Go types: int32, float32, string, []byte, Timetag.
type Message struct {
	Address string
	Args    []interface{}
}

// NewMessage creates a Message, optionally seeded with arguments.
func NewMessage(address string, args ...interface{}) *Message {
	return &Message{Address: address, Args: append([]interface{}{}, args...)}
}

// Append adds one or more arguments to the message.
func (m *Message) Append(args ...interface{}) {
	m.Args = append(m.Args, args...)
}

// typeTag returns the OSC type tag string for the message's arguments,
// e.g. ",ifs".
func (m *Message) typeTag() (string, error) {
	tags := make([]byte, 0, len(m.Args)+1)
	tags = append(tags, ',')
	for _, a := range m.Args {
		switch a.(type) {
		case int32:
			tags = append(tags, 'i')
		case float32:
			tags = append(tags, 'f')
		case string:
			tags = append(tags, 's')
		case []byte:
			tags = append(tags, 'b')
		case Timetag:
			tags = append(tags, 't')
		default:
			return "", fmt.Errorf("osc: unsupported argument type %T", a)
		}
	}
	return string(tags), nil
}

// MarshalBinary encodes the message to its OSC 1.0 wire representation.
func (m *Message) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeString(&buf, m.Address); err != nil {
		return nil, err
	}
	tag, err := m.typeTag()
	if err != nil {
		return nil, err
	}
	if err := writeString(&buf, tag); err != nil {
		return nil, err
	}
	for _, a := range m.Args {
		if err := writeArg(&buf, a); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writeArg(buf *bytes.Buffer, a interface{}) error {
	switch v := a.(type) {
	case int32:
		return binary.Write(buf, binary.BigEndian, v)
	case float32:
		return binary.Write(buf, binary.BigEndian, math.Float32bits(v))
	case string:
		return writeString(buf, v)
	case []byte:
		if err := binary.Write(buf, binary.BigEndian, int32(len(v))); err != nil {
			return err
		}
		buf.Write(v)
		return writePad(buf, len(v))
	case Timetag:
		return binary.Write(buf, binary.BigEndian, v.Uint64())
	default:
		return fmt.Errorf("osc: unsupported argument type %T", a)
	}
}

func writeString(buf *bytes.Buffer, s string) error {
	buf.WriteString(s)
	buf.WriteByte(0)
	return writePad(buf, len(s)+1)
}

// writePad pads buf out to the next 4-byte boundary given n bytes were
// just written (the null terminator for strings/the byte count for
// blobs is already included in n).
func writePad(buf *bytes.Buffer, n int) error {
	pad := (4 - n%4) % 4
	for i := 0; i < pad; i++ {
		buf.WriteByte(0)
	}
	return nil
}

// UnmarshalMessage decodes a wire-format OSC message. Malformed input
// returns an error; callers (the transport's reply poller) are expected
// to drop the packet rather than propagate the error upward, per spec
// §4.A failure semantics.
func UnmarshalMessage(data []byte) (*Message, error) {
	r := bytes.NewReader(data)
	address, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("osc: reading address: %w", err)
	}
	tag, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("osc: reading type tag: %w", err)
	}
	if len(tag) == 0 || tag[0] != ',' {
		return nil, fmt.Errorf("osc: malformed type tag %q", tag)
	}
	msg := &Message{Address: address}
	for _, t := range tag[1:] {
		switch t {
		case 'i':
			var v int32
			if err := binary.Read(r, binary.BigEndian, &v); err != nil {
				return nil, err
			}
			msg.Args = append(msg.Args, v)
		case 'f':
			var bits uint32
			if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
				return nil, err
			}
			msg.Args = append(msg.Args, math.Float32frombits(bits))
		case 's':
			s, err := readString(r)
			if err != nil {
				return nil, err
			}
			msg.Args = append(msg.Args, s)
		case 'b':
			var n int32
			if err := binary.Read(r, binary.BigEndian, &n); err != nil {
				return nil, err
			}
			data := make([]byte, n)
			if _, err := r.Read(data); err != nil {
				return nil, err
			}
			if err := skipPad(r, int(n)); err != nil {
				return nil, err
			}
			msg.Args = append(msg.Args, data)
		case 't':
			var v uint64
			if err := binary.Read(r, binary.BigEndian, &v); err != nil {
				return nil, err
			}
			msg.Args = append(msg.Args, TimetagFromUint64(v))
		default:
			return nil, fmt.Errorf("osc: unsupported type tag byte %q", t)
		}
	}
	return msg, nil
}

func readString(r *bytes.Reader) (string, error) {
	start := r.Len()
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}
		buf.WriteByte(b)
	}
	consumed := start - r.Len()
	return buf.String(), skipPad(r, consumed)
}

func skipPad(r *bytes.Reader, n int) error {
	pad := (4 - n%4) % 4
	for i := 0; i < pad; i++ {
		if _, err := r.ReadByte(); err != nil {
			return err
		}
	}
	return nil
}
