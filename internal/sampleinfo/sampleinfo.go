// Package sampleinfo extracts duration and tempo metadata from sample
// files, used to seed sensible envelope defaults for sample-backed
// instruments — in particular the release margin a voice needs so its
// deferred free (spec §4.E) doesn't truncate a sample's natural tail.
// The analysis itself is the teacher's getbpm package; this package
// only adds the domain-facing defaulting policy on top.
package sampleinfo

import (
	"fmt"

	"github.com/schollz/collidertracker/internal/domain"
	"github.com/schollz/collidertracker/internal/getbpm"
)

// Info is everything known about one sample file after analysis.
type Info struct {
	Path           string
	DurationSeconds float64
	SampleRate     int64
	TotalFrames    int64
	EstimatedBPM   float64
	EstimatedBeats float64
}

// Analyze reads a WAV file's PCM header and estimates its tempo. Tempo
// estimation is best-effort — getbpm falls back to a duration-based
// guess when the filename carries no usable bpm/beats hint — so a
// caller should treat EstimatedBPM as a starting point, not ground
// truth.
func Analyze(path string) (Info, error) {
	seconds, sampleRate, frames, err := getbpm.Length(path)
	if err != nil {
		return Info{}, fmt.Errorf("sampleinfo: reading %s: %w", path, err)
	}

	beats, bpm, err := getbpm.GetBPM(path)
	if err != nil {
		// A failed tempo guess still leaves duration/frame data usable.
		return Info{Path: path, DurationSeconds: seconds, SampleRate: sampleRate, TotalFrames: frames}, nil
	}

	return Info{
		Path:            path,
		DurationSeconds: seconds,
		SampleRate:      sampleRate,
		TotalFrames:     frames,
		EstimatedBPM:    bpm,
		EstimatedBeats:  beats,
	}, nil
}

// Tuning constants for DefaultReleaseMargin: a fraction of the sample's
// own length, clamped so a one-shot gunshot sample doesn't get a
// multi-second tail and a ten-minute ambient pad doesn't get clipped to
// a fraction of a second.
const (
	releaseMarginFraction = 0.1
	minReleaseMargin      = 0.05
	maxReleaseMargin      = 2.0
)

// DefaultReleaseMargin derives a release margin in seconds from a
// sample's duration, for seeding domain.Envelope.Release on a new
// sample-backed instrument. Instruments without sample-derived info
// fall back to the engine-wide default (spec §3 "ReleaseMarginSeconds").
func DefaultReleaseMargin(info Info) float32 {
	if info.DurationSeconds <= 0 {
		return domain.ReleaseMarginSeconds
	}
	margin := info.DurationSeconds * releaseMarginFraction
	if margin < minReleaseMargin {
		margin = minReleaseMargin
	}
	if margin > maxReleaseMargin {
		margin = maxReleaseMargin
	}
	return float32(margin)
}
