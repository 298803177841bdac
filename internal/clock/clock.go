// Package clock derives absolute NTP timetags from a monotonic clock
// anchored once at process start, so OSC scheduling is immune to
// wall-clock adjustments (NTP sync, DST, user changes) during a session.
// See spec §4.C and §9 "Clock monotonicity."
package clock

import (
	"time"

	"github.com/schollz/collidertracker/internal/osc"
)

// ntpEpochOffset is the number of seconds between the NTP epoch
// (1900-01-01 UTC) and the Unix epoch (1970-01-01 UTC).
const ntpEpochOffset = 2208988800

// Clock anchors monotonic time to a wall-clock instant exactly once.
type Clock struct {
	monotonicInstant0 time.Time // captured with time.Now(), carries the monotonic reading
	wallSeconds0      float64
}

// New captures the anchor. Call this once at process start.
func New() *Clock {
	now := time.Now()
	return &Clock{
		monotonicInstant0: now,
		wallSeconds0:      float64(now.UnixNano()) / 1e9,
	}
}

// nowWallSeconds computes the current wall-clock second count by adding
// elapsed monotonic time to the anchor, rather than re-reading the wall
// clock — this is what makes timetags immune to mid-session clock jumps.
func (c *Clock) nowWallSeconds() float64 {
	elapsed := time.Since(c.monotonicInstant0).Seconds()
	return c.wallSeconds0 + elapsed
}

// OSCTimeFromNow returns an NTP (sec, frac) timetag for "now + offset".
func (c *Clock) OSCTimeFromNow(offsetSecs float64) osc.Timetag {
	wall := c.nowWallSeconds() + offsetSecs
	return toTimetag(wall)
}

func toTimetag(wallSeconds float64) osc.Timetag {
	ntpSeconds := wallSeconds + ntpEpochOffset
	sec := uint32(ntpSeconds)
	frac := uint32((ntpSeconds - float64(sec)) * 4294967296.0) // 2^32
	return osc.Timetag{Sec: sec, Frac: frac}
}

// TicksPerSecond converts a BPM to a tick rate given the global
// ticks-per-beat constant.
func TicksPerSecond(bpm float64, ticksPerBeat int) float64 {
	return (bpm / 60.0) * float64(ticksPerBeat)
}
