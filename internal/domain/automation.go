package domain

// CurveKind selects the interpolation shape between two automation
// points. See spec §4.I.
type CurveKind int

const (
	CurveStep CurveKind = iota
	CurveLinear
	CurveExponential
	CurveLogarithmic
)

// AutomationTarget names the parameter an automation lane drives, by
// named slot rather than positional index (spec §9). EffectIndex is the
// position within the instrument's *enabled* effect chain, i.e. the same
// ordering Instrument.EnabledEffects() produces — the routing graph
// manager resolves it directly against StripNodes.EffectNodeIDs, never
// by counting positions in the full declarative (including disabled)
// effect list.
type AutomationTarget struct {
	InstrumentID int
	Component    string // "filter", "lfo", "effect", "mixer"
	EffectIndex  int    // meaningful when Component == "effect"
	Param        string
}

// AutomationPoint is one knot in a lane's curve.
type AutomationPoint struct {
	Tick  int
	Value float32
	Curve CurveKind
}

// AutomationLane is an ordered set of points driving one target. Points
// must be kept sorted by Tick; InsertPoint enforces the documented
// last-write-wins-on-duplicate-tick behavior.
type AutomationLane struct {
	Target AutomationTarget
	Points []AutomationPoint
	Active bool
}

// InsertPoint inserts p in tick order. If a point with the same tick
// already exists, p replaces it and is ordered after any other point
// that shares the tick (last-write-wins insertion order, spec §3).
func (l *AutomationLane) InsertPoint(p AutomationPoint) {
	for i, existing := range l.Points {
		if existing.Tick == p.Tick {
			l.Points[i] = p
			return
		}
		if existing.Tick > p.Tick {
			l.Points = append(l.Points, AutomationPoint{})
			copy(l.Points[i+1:], l.Points[i:])
			l.Points[i] = p
			return
		}
	}
	l.Points = append(l.Points, p)
}
