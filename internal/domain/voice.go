package domain

import "time"

// VoiceState tracks where a Voice is in its lifecycle.
type VoiceState int

const (
	VoiceActive VoiceState = iota
	VoiceReleasing
)

// ControlBuses is the pooled triple of control-rate buses a voice's MIDI
// control node writes and its source node reads.
type ControlBuses struct {
	Freq int
	Gate int
	Vel  int
}

// Voice is a transient realization of a note for a polyphonic
// instrument. See spec §3 "Voice" for the invariants this must satisfy.
type Voice struct {
	ID             int64
	InstrumentID   int
	Pitch          float32
	Velocity       float32
	SpawnedAt      time.Time // monotonic spawn timestamp
	State          VoiceState
	GroupID        int32 // server group id for this voice's node chain
	MidiControlID  int32 // the MIDI control node id
	SourceNodeID   int32 // the source node id, addressable for per-voice automation
	Buses          ControlBuses
}
