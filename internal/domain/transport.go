package domain

// TransportState is the playback clock state mutated once per scheduler
// tick. Acc is the fractional tick accumulator described in spec §4.D;
// it is the field responsible for drift-free tick production.
type TransportState struct {
	Playing     bool
	PlayheadTick int
	BPM         float32
	LoopStart   int
	LoopEnd     int
	LoopEnabled bool
	Acc         float64
}

// TicksPerSecond converts the current BPM to a tick rate.
func (t *TransportState) TicksPerSecond() float64 {
	return (float64(t.BPM) / 60.0) * float64(TicksPerBeat)
}

// StripNodes holds the live server node identities for one instrument's
// signal chain, keyed by named slot so automation and mixer updates
// never rely on positional indexing into the effect chain.
type StripNodes struct {
	InstrumentID int
	SourceNodeID int32 // 0 when not persistent / not yet built
	LFONodeID    int32
	FilterNodeID int32
	EffectNodeIDs []int32 // enabled effects only, in declarative order
	OutputNodeID int32
	HasSource    bool
	HasLFO       bool
	HasFilter    bool
}
