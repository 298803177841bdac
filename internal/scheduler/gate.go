package scheduler

import (
	"math/rand"

	"github.com/schollz/collidertracker/internal/domain"
)

// swingOffsetTicks delays the off-beat half of every subdivision pair by
// swing.Amount of the subdivision interval (spec §4.D step 5, §3 "Swing").
// A division of 0 or an amount of 0 is "no swing".
func swingOffsetTicks(tick int, swing domain.SwingSettings) float64 {
	if swing.Division <= 0 || swing.Amount == 0 {
		return 0
	}
	interval := swing.Division
	pos := tick % (interval * 2)
	if pos >= interval {
		return float64(interval) * float64(swing.Amount)
	}
	return 0
}

// humanizeOffsetTicks returns a symmetric random timing jitter in
// [-TimingTicks, +TimingTicks].
func humanizeOffsetTicks(h domain.HumanizeSettings, rng *rand.Rand) float64 {
	if h.TimingTicks <= 0 {
		return 0
	}
	return float64(rng.Intn(2*h.TimingTicks+1) - h.TimingTicks)
}

// humanizeVelocity jitters velocity by up to +/- VelocityJitter, clamped to
// the valid MIDI velocity range.
func humanizeVelocity(v float32, h domain.HumanizeSettings, rng *rand.Rand) float32 {
	if h.VelocityJitter <= 0 {
		return v
	}
	jitter := (rng.Float32()*2 - 1) * h.VelocityJitter
	out := v + jitter
	if out < 0 {
		out = 0
	}
	if out > 127 {
		out = 127
	}
	return out
}

// probabilityGate reports whether a note at this position should sound at
// all, per sequence.Probability (spec §3 "Probability", §4.D step 4).
func probabilityGate(p domain.ProbabilitySettings, rng *rand.Rand) bool {
	if p.Percent >= 100 {
		return true
	}
	if p.Percent <= 0 {
		return false
	}
	roll := rng.Intn(100) + 1
	return roll <= p.Percent
}
