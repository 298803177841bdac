// Package automation implements the time-varying parameter curve
// interpolation applied during each scheduler tick (spec §4.I). The
// bracketing-point search and curve math is new, but the defensive
// style (explicit guards, no panics on bad input) follows the teacher's
// modulation package.
package automation

import (
	"math"

	"github.com/schollz/collidertracker/internal/domain"
)

// ValueAt locates the points bracketing tick t and applies the
// appropriate curve. If the lane is empty, 0 is returned. If only a
// preceding point exists, its value holds steady.
func ValueAt(lane *domain.AutomationLane, t int) float32 {
	if lane == nil || len(lane.Points) == 0 {
		return 0
	}

	var p0, p1 *domain.AutomationPoint
	for i := range lane.Points {
		p := &lane.Points[i]
		if p.Tick <= t {
			p0 = p
		}
		if p.Tick > t && p1 == nil {
			p1 = p
			break
		}
	}

	if p0 == nil {
		// t is before every point; hold the first point's value.
		return lane.Points[0].Value
	}
	if p1 == nil {
		return p0.Value
	}

	u := float32(t-p0.Tick) / float32(p1.Tick-p0.Tick)
	switch p0.Curve {
	case domain.CurveStep:
		return p0.Value
	case domain.CurveLinear:
		return lerp(p0.Value, p1.Value, u)
	case domain.CurveExponential:
		return exponential(p0.Value, p1.Value, u)
	case domain.CurveLogarithmic:
		return logarithmic(p0.Value, p1.Value, u)
	default:
		return lerp(p0.Value, p1.Value, u)
	}
}

func lerp(a, b, u float32) float32 {
	return a + (b-a)*u
}

// exponential guards against a zero or negative base (undefined for a
// real exponent) by falling back to linear, per spec §4.I.
func exponential(a, b, u float32) float32 {
	if a <= 0 || b <= 0 {
		return lerp(a, b, u)
	}
	ratio := float64(b) / float64(a)
	return a * float32(math.Pow(ratio, float64(u)))
}

// logarithmic is the inverse shape of exponential: fast movement early,
// flattening as it approaches b.
func logarithmic(a, b, u float32) float32 {
	if a <= 0 || b <= 0 {
		return lerp(a, b, u)
	}
	return a + b - exponential(a, b, 1-u)
}
