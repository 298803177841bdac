package osc

import (
	"fmt"
	"log"
	"net"
	"time"
)

// Transport sends OSC over a UDP socket to the DSP server and polls for
// replies without blocking the caller beyond a bounded timeout. It is
// owned exclusively by the audio thread (spec §5) — the UI thread never
// touches the socket.
type Transport struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

// Dial opens the UDP socket used to talk to the DSP server at host:port.
func Dial(host string, port int) (*Transport, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("osc: resolving %s:%d: %w", host, port, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("osc: dialing %s:%d: %w", host, port, err)
	}
	return &Transport{conn: conn, addr: addr}, nil
}

// Close releases the socket.
func (t *Transport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

// SendMessage fire-and-forgets a single OSC message. Send failures are
// logged and returned to the caller (which is expected to report them
// as a non-fatal TransportError, per spec §4.A) — they never panic the
// audio thread.
func (t *Transport) SendMessage(address string, args ...interface{}) error {
	msg := NewMessage(address, args...)
	data, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("osc: encoding message %s: %w", address, err)
	}
	if _, err := t.conn.Write(data); err != nil {
		log.Printf("osc: send failed for %s: %v", address, err)
		return fmt.Errorf("osc: send %s: %w", address, err)
	}
	return nil
}

// SendBundle sends a set of messages sharing one absolute NTP timetag.
func (t *Transport) SendBundle(tt Timetag, messages ...*Message) error {
	b := NewBundle(tt, messages...)
	data, err := b.MarshalBinary()
	if err != nil {
		return fmt.Errorf("osc: encoding bundle: %w", err)
	}
	if _, err := t.conn.Write(data); err != nil {
		log.Printf("osc: bundle send failed (%d messages): %v", len(messages), err)
		return fmt.Errorf("osc: send bundle: %w", err)
	}
	return nil
}

// SetParamsBundled emits a single /n_set bundle for node_id with the
// given key/value pairs, scheduled at tt. This is the convenience the
// routing graph manager uses for every incremental parameter update.
func (t *Transport) SetParamsBundled(tt Timetag, nodeID int32, kv map[string]float32) error {
	msg := NewMessage("/n_set", nodeID)
	for k, v := range kv {
		msg.Append(k, v)
	}
	return t.SendBundle(tt, msg)
}

// PollReply waits up to timeout for one incoming packet and decodes it
// as a message (bundles wrapping a single reply are unwrapped). On
// timeout it returns (nil, nil) — this is not an error condition.
// Malformed replies are dropped (logged, nil returned) rather than
// propagated, per spec §4.A.
func (t *Transport) PollReply(timeout time.Duration) (*Message, error) {
	buf := make([]byte, 65536)
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("osc: setting read deadline: %w", err)
	}
	n, err := t.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, fmt.Errorf("osc: read: %w", err)
	}

	data := buf[:n]
	if IsBundle(data) {
		b, err := UnmarshalBundle(data)
		if err != nil {
			log.Printf("osc: dropping malformed bundle reply: %v", err)
			return nil, nil
		}
		if len(b.Messages) == 0 {
			return nil, nil
		}
		return b.Messages[0], nil
	}

	msg, err := UnmarshalMessage(data)
	if err != nil {
		log.Printf("osc: dropping malformed message reply: %v", err)
		return nil, nil
	}
	return msg, nil
}
