// Package midiclock bridges the transport's own tick clock to external
// MIDI gear: realtime clock pulses and start/stop/continue messages keep
// a connected drum machine or sequencer locked to this engine's tempo,
// and a CC listener feeds inbound controller moves back in as candidate
// automation targets ("MIDI learn"). Both halves sit on top of the
// teacher's midiconnector device abstraction and gitlab.com/gomidi/midi.
package midiclock

import (
	"fmt"
	"log"

	"github.com/schollz/collidertracker/internal/domain"
	"github.com/schollz/collidertracker/internal/midiconnector"
	"gitlab.com/gomidi/midi/v2"
)

const pulsesPerQuarterNote = 24

// Realtime system message bytes (MIDI 1.0 spec).
const (
	byteClock    byte = 0xF8
	byteStart    byte = 0xFA
	byteContinue byte = 0xFB
	byteStop     byte = 0xFC
)

// sender is the subset of *midiconnector.Device the clock bridge needs;
// an interface so tests can exercise the pulse-gating logic without a
// real MIDI output port.
type sender interface {
	Send([]byte) error
}

// Bridge emits MIDI realtime clock messages in step with the transport.
type Bridge struct {
	device        sender
	closer        func() error
	ticksPerPulse int
	running       bool
}

// NewBridge opens a MIDI output device by (partial, case-insensitive)
// name for clock output.
func NewBridge(deviceName string) (*Bridge, error) {
	d, err := midiconnector.New(deviceName)
	if err != nil {
		return nil, fmt.Errorf("midiclock: opening device %q: %w", deviceName, err)
	}
	if err := d.Open(); err != nil {
		return nil, fmt.Errorf("midiclock: opening device %q: %w", deviceName, err)
	}
	return &Bridge{
		device:        d,
		closer:        d.Close,
		ticksPerPulse: domain.TicksPerBeat / pulsesPerQuarterNote,
	}, nil
}

// Close releases the underlying MIDI device.
func (b *Bridge) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}

// OnPlay sends MIDI Start if the transport was stopped at tick 0, or
// Continue otherwise (spec §4.D "external transport sync" is carried
// from the original's MIDI output feature, not present in the core
// spec but a natural companion to a clock bridge).
func (b *Bridge) OnPlay(playheadTick int) {
	b.running = true
	msg := byteContinue
	if playheadTick == 0 {
		msg = byteStart
	}
	if err := b.device.Send([]byte{msg}); err != nil {
		log.Printf("midiclock: transport start/continue send failed: %v", err)
	}
}

// OnStop sends MIDI Stop.
func (b *Bridge) OnStop() {
	b.running = false
	if err := b.device.Send([]byte{byteStop}); err != nil {
		log.Printf("midiclock: transport stop send failed: %v", err)
	}
}

// OnTick is called once per engine tick. It emits a clock pulse every
// ticksPerPulse ticks, converting the engine's 480-ticks-per-beat grid
// down to MIDI's 24-pulses-per-quarter-note standard.
func (b *Bridge) OnTick(tick int) {
	if !b.running || b.ticksPerPulse <= 0 {
		return
	}
	if tick%b.ticksPerPulse != 0 {
		return
	}
	if err := b.device.Send([]byte{byteClock}); err != nil {
		log.Printf("midiclock: clock pulse send failed: %v", err)
	}
}

// LearnedParam is one inbound MIDI CC event, a candidate mapping for
// automation learn mode.
type LearnedParam struct {
	Channel    uint8
	Controller uint8
	Value      uint8
}

// Learn listens on a MIDI input port and reports every control-change
// message it sees. Learn mode is a UI-driven capture, not a persistent
// routing: the caller decides what, if anything, to do with each event.
type Learn struct {
	stop func()
}

// StartLearn opens deviceName for input and calls onParam for every CC
// message received, until Stop is called.
func StartLearn(deviceName string, onParam func(LearnedParam)) (*Learn, error) {
	in, err := midi.FindInPort(deviceName)
	if err != nil {
		return nil, fmt.Errorf("midiclock: finding input port %q: %w", deviceName, err)
	}

	stop, err := midi.ListenTo(in, func(msg midi.Message, timestampms int32) {
		var ch, controller, value uint8
		if msg.GetControlChange(&ch, &controller, &value) {
			onParam(LearnedParam{Channel: ch, Controller: controller, Value: value})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("midiclock: listening on %q: %w", deviceName, err)
	}

	return &Learn{stop: stop}, nil
}

// Stop ends the listen session.
func (l *Learn) Stop() {
	if l.stop != nil {
		l.stop()
	}
}
