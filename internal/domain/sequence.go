package domain

import "github.com/schollz/collidertracker/internal/modulation"

// Note is a single entry in a Sequence's piano roll.
type Note struct {
	StartTick int
	Duration  int // in ticks
	Pitch     float32
	Velocity  float32
}

// SwingSettings applies a per-sequence timing offset to off-beat notes.
type SwingSettings struct {
	Amount float32 // 0.0 = none, 1.0 = full swing to the next subdivision
	Division int // ticks per subdivision swing is measured against
}

// HumanizeSettings jitters note timing and velocity slightly.
type HumanizeSettings struct {
	TimingTicks  int     // max absolute tick jitter
	VelocityJitter float32 // max fractional velocity jitter
}

// ProbabilitySettings gates whether a note fires at all.
type ProbabilitySettings struct {
	Percent int // 0-100, 100 = always fires
}

// Sequence is a per-instrument ordered list of notes plus optional loop
// bounds and per-sequence timing humanization.
type Sequence struct {
	InstrumentID int
	Notes        []Note // must stay sorted by StartTick for scan efficiency
	LoopStart    int
	LoopEnd      int // 0 means "no loop" when LoopEnabled is false
	LoopEnabled  bool
	Swing        SwingSettings
	Humanize     HumanizeSettings
	Probability  ProbabilitySettings
	Modulation   modulation.ModulateSettings // pitch randomization, scale quantization, increment walk
}
