// Package scheduler implements the audio-thread tick loop: the single
// place in the engine that advances the transport, scans sequences for
// note-on/note-off events, applies automation, and drives the voice
// allocator and routing manager (spec §4.D). It owns no goroutine of its
// own — a caller (the engine's audio-thread loop) drives Tick at a fixed
// cadence, matching the teacher's pattern of an externally driven,
// explicitly cancellable worker rather than a self-ticking goroutine.
package scheduler

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/schollz/collidertracker/internal/automation"
	"github.com/schollz/collidertracker/internal/domain"
	"github.com/schollz/collidertracker/internal/modulation"
	"github.com/schollz/collidertracker/internal/osc"
	"github.com/schollz/collidertracker/internal/routing"
	"github.com/schollz/collidertracker/internal/voice"
)

// FeedbackKind distinguishes the variants of Feedback (spec §6 "Feedback
// channel").
type FeedbackKind int

const (
	FeedbackPlayhead FeedbackKind = iota
	FeedbackServerReply
	FeedbackTransportError
)

// Feedback is emitted synchronously from Tick. The caller is responsible
// for getting it onto the bounded outbound channel described in spec
// §5 "Command/Feedback boundary", including its backpressure rule (the
// engine drops an incoming non-critical event when the channel is full,
// and evicts the oldest queued event for a critical one) — this package
// only produces events.
type Feedback struct {
	Kind  FeedbackKind
	Tick  int
	Reply *osc.Message
	Err   error
}

type pendingOff struct {
	tick         int
	instrumentID int
	voiceID      int64
}

// Scheduler holds the declarative model needed to drive playback and the
// components that realize it on the server.
type Scheduler struct {
	transport *osc.Transport
	voices    *voice.Allocator
	routing   *routing.Manager

	transportState domain.TransportState

	sequences   map[int]*domain.Sequence
	instruments map[int]*domain.Instrument
	automation  map[int][]*domain.AutomationLane

	pendingOffs []pendingOff
	lastValue   map[string]float32
	incCounters map[int]int // per-instrument modulation increment-walk state

	rng        *rand.Rand
	onFeedback func(Feedback)
}

// New creates a Scheduler. onFeedback may be nil, in which case feedback
// is dropped (useful for tests that only care about voice/routing side
// effects). The clock itself is not needed here directly — it is already
// owned by voices and rm, which stamp their own OSC timetags.
func New(transport *osc.Transport, voices *voice.Allocator, rm *routing.Manager, onFeedback func(Feedback)) *Scheduler {
	return &Scheduler{
		transport: transport,
		voices:      voices,
		routing:     rm,
		sequences:   map[int]*domain.Sequence{},
		instruments: map[int]*domain.Instrument{},
		automation:  map[int][]*domain.AutomationLane{},
		lastValue:   map[string]float32{},
		incCounters: map[int]int{},
		rng:         rand.New(rand.NewSource(1)),
		onFeedback:  onFeedback,
		transportState: domain.TransportState{
			BPM: 120,
		},
	}
}

func (s *Scheduler) emit(f Feedback) {
	if s.onFeedback != nil {
		s.onFeedback(f)
	}
}

// SetSequence replaces the whole sequence for an instrument (spec §5
// "shadow state is replaced wholesale, never mutated incrementally").
func (s *Scheduler) SetSequence(instrumentID int, seq *domain.Sequence) {
	s.sequences[instrumentID] = seq
}

// SetInstrument replaces the declarative instrument used for voice
// spawning and automation resolution.
func (s *Scheduler) SetInstrument(inst *domain.Instrument) {
	if inst == nil {
		return
	}
	s.instruments[inst.ID] = inst
}

// SetAutomationLanes replaces every automation lane for an instrument.
func (s *Scheduler) SetAutomationLanes(instrumentID int, lanes []*domain.AutomationLane) {
	s.automation[instrumentID] = lanes
}

// ReplaceShadowState swaps the entire declarative model in one step —
// the wholesale-replacement path used for structural edits, as opposed
// to SetInstrument/SetSequence/SetAutomationLanes which patch one entry
// at a time (spec §5 "shadow state is replaced wholesale, never mutated
// incrementally"). A nil map argument leaves that part of the state
// untouched.
func (s *Scheduler) ReplaceShadowState(instruments map[int]*domain.Instrument, sequences map[int]*domain.Sequence, automation map[int][]*domain.AutomationLane) {
	if instruments != nil {
		s.instruments = instruments
	}
	if sequences != nil {
		s.sequences = sequences
	}
	if automation != nil {
		s.automation = automation
	}
}

// Instrument looks up the live declarative instrument by id, or nil.
func (s *Scheduler) Instrument(id int) *domain.Instrument {
	return s.instruments[id]
}

// AllInstruments returns every currently known instrument, in no
// particular order. Used by mixer-parameter updates, which must
// revisit every instrument on every call because solo and master-mute
// are global (spec §4.F).
func (s *Scheduler) AllInstruments() []*domain.Instrument {
	out := make([]*domain.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		out = append(out, inst)
	}
	return out
}

// Snapshot returns the scheduler's whole declarative model, for
// diagnostic dumps (spec §4.H "introspection, not persistence" — the
// maps returned are the live ones, so callers must treat them as
// read-only).
func (s *Scheduler) Snapshot() (map[int]*domain.Instrument, map[int]*domain.Sequence, map[int][]*domain.AutomationLane) {
	return s.instruments, s.sequences, s.automation
}

// Play starts the transport from its current playhead.
func (s *Scheduler) Play() { s.transportState.Playing = true }

// Stop halts the transport; the playhead is left where it stopped.
func (s *Scheduler) Stop() { s.transportState.Playing = false }

// SetBPM updates tempo. Changing BPM does not reset the fractional
// accumulator, so tempo changes never introduce a timing glitch on the
// next tick (spec §4.C "drift-free accumulation").
func (s *Scheduler) SetBPM(bpm float32) {
	if bpm > 0 {
		s.transportState.BPM = bpm
	}
}

// SeekTo jumps the playhead directly, clearing any pending note-offs
// scheduled for ticks that can no longer arrive in order. Voices already
// sounding are left alone; the next ReleaseAll (or their own natural
// release) cleans them up.
func (s *Scheduler) SeekTo(tick int) {
	s.transportState.PlayheadTick = tick
	s.transportState.Acc = 0
	s.pendingOffs = s.pendingOffs[:0]
}

// SetLoop configures loop bounds and whether looping is active.
func (s *Scheduler) SetLoop(start, end int, enabled bool) {
	s.transportState.LoopStart = start
	s.transportState.LoopEnd = end
	s.transportState.LoopEnabled = enabled
}

// Transport returns a copy of the current transport state, suitable for
// publishing as PlayheadPosition feedback or UI display.
func (s *Scheduler) Transport() domain.TransportState {
	return s.transportState
}

// Tick advances the transport by the elapsed wall time since the
// previous call and processes every tick boundary crossed, in order
// (spec §4.D). It is meant to be called at a fixed ~1ms cadence by the
// owning audio-thread loop; elapsed is computed by the caller so tests
// can drive it deterministically.
func (s *Scheduler) Tick(elapsed time.Duration) {
	s.pollReplies()
	s.voices.Prune(time.Now())

	if !s.transportState.Playing {
		return
	}

	ticksPerSecond := s.transportState.TicksPerSecond()
	s.transportState.Acc += elapsed.Seconds() * ticksPerSecond
	ticksElapsed := int(math.Floor(s.transportState.Acc))
	if ticksElapsed <= 0 {
		return
	}
	s.transportState.Acc -= float64(ticksElapsed)

	s.advanceAndScan(ticksElapsed)
	s.emit(Feedback{Kind: FeedbackPlayhead, Tick: s.transportState.PlayheadTick})
}

// advanceAndScan moves the playhead forward by ticksElapsed, splitting
// the scan into two ranges when it crosses the loop boundary: [old,
// loopEnd) then [loopStart, new) (spec §4.D step 3 "two-range loop-wrap
// scan"). Tick new itself is scanned by the next call, so every tick is
// scanned exactly once. Notes in the post-wrap range are timed as if the
// loop continued past loopEnd.
func (s *Scheduler) advanceAndScan(ticksElapsed int) {
	old := s.transportState.PlayheadTick
	next := old + ticksElapsed

	if s.transportState.LoopEnabled && s.transportState.LoopEnd > s.transportState.LoopStart {
		loopLen := s.transportState.LoopEnd - s.transportState.LoopStart
		if next >= s.transportState.LoopEnd {
			s.scanRange(old, s.transportState.LoopEnd, old)
			wrapped := (next - s.transportState.LoopEnd) % loopLen
			next = s.transportState.LoopStart + wrapped
			s.scanRange(s.transportState.LoopStart, next, old-loopLen)
			s.transportState.PlayheadTick = next
			return
		}
	}

	s.scanRange(old, next, old)
	s.transportState.PlayheadTick = next
}

// scanRange processes every tick in [from, to). baseTick is the playhead
// position at the start of the whole Tick() call (not this range alone),
// so notes scanned well past the first tick this call advanced through
// still get a correctly future-dated timetag (spec §4.D step 6).
func (s *Scheduler) scanRange(from, to, baseTick int) {
	for t := from; t < to; t++ {
		s.processNoteOffs(t)
		s.processAutomation(t)
		s.processNoteOns(t, baseTick)
	}
}

func (s *Scheduler) processNoteOffs(t int) {
	kept := s.pendingOffs[:0]
	for _, p := range s.pendingOffs {
		if p.tick == t {
			var releaseTime float32
			if inst := s.instruments[p.instrumentID]; inst != nil {
				releaseTime = inst.Envelope.Release
			}
			s.voices.Release(p.instrumentID, p.voiceID, releaseTime)
			continue
		}
		kept = append(kept, p)
	}
	s.pendingOffs = kept
}

func (s *Scheduler) processNoteOns(t, baseTick int) {
	ticksPerSecond := s.transportState.TicksPerSecond()
	for instID, seq := range s.sequences {
		if seq == nil {
			continue
		}
		inst := s.instruments[instID]
		if inst == nil {
			continue
		}
		for _, note := range seq.Notes {
			if note.StartTick != t {
				continue
			}
			if !probabilityGate(seq.Probability, s.rng) {
				continue
			}

			// baseline is how far in the future this tick actually is
			// relative to the playhead at the start of this Tick() call —
			// mandatory even for the very first tick scanned, and the
			// only thing that keeps multi-tick catch-up scans (loop-wrap,
			// a stalled audio thread) from bunching every note onto the
			// same timetag (spec §4.D step 6).
			baseline := float64(t-baseTick) / ticksPerSecond
			offsetTicks := swingOffsetTicks(t, seq.Swing) + humanizeOffsetTicks(seq.Humanize, s.rng)
			offsetSecs := baseline + offsetTicks/ticksPerSecond
			if offsetSecs < 0 {
				offsetSecs = 0
			}
			vel := humanizeVelocity(note.Velocity, seq.Humanize, s.rng)
			pitch := s.modulatePitch(instID, note.Pitch, seq.Modulation)

			v, err := s.voices.Spawn(inst, pitch, vel, offsetSecs)
			if err != nil {
				log.Printf("scheduler: spawn failed for instrument %d at tick %d: %v", instID, t, err)
				s.emit(Feedback{Kind: FeedbackTransportError, Tick: t, Err: err})
				continue
			}
			s.pendingOffs = append(s.pendingOffs, pendingOff{
				tick:         t + note.Duration,
				instrumentID: instID,
				voiceID:      v.ID,
			})
		}
	}
}

// modulatePitch runs a sequence's pitch through the increment walk and
// randomization/scale-quantization chain (spec §9 supplemented feature,
// from the original's per-track modulation). incCounters advances once
// per note fired, independent of which tick it landed on.
func (s *Scheduler) modulatePitch(instID int, pitch float32, settings modulation.ModulateSettings) float32 {
	counter := s.incCounters[instID]
	note := modulation.ApplyIncrement(int(pitch), counter, settings.Increment, settings.Wrap)
	note = modulation.ApplyModulation(note, settings, s.rng)
	s.incCounters[instID] = counter + 1
	return float32(note)
}

// processAutomation applies every active lane's value at tick t, only
// sending an /n_set when the value actually moved — redundant writes at
// a 1ms cadence would otherwise flood the transport for a held value
// (spec §4.D step 7, §4.I).
func (s *Scheduler) processAutomation(t int) {
	const epsilon = 1e-4
	for instID, lanes := range s.automation {
		for _, lane := range lanes {
			if lane == nil || !lane.Active {
				continue
			}
			value := automation.ValueAt(lane, t)
			key := automationKey(instID, lane.Target)
			if prev, ok := s.lastValue[key]; ok && math.Abs(float64(prev-value)) < epsilon {
				continue
			}
			s.lastValue[key] = value
			if err := s.routing.ApplyAutomationValue(lane.Target, value); err != nil {
				log.Printf("scheduler: automation apply failed for instrument %d: %v", instID, err)
			}
		}
	}
}

func automationKey(instID int, target domain.AutomationTarget) string {
	return fmt.Sprintf("%d:%s:%d:%s", instID, target.Component, target.EffectIndex, target.Param)
}

func (s *Scheduler) pollReplies() {
	for {
		reply, err := s.transport.PollReply(0)
		if err != nil {
			s.emit(Feedback{Kind: FeedbackTransportError, Err: err})
			return
		}
		if reply == nil {
			return
		}
		s.emit(Feedback{Kind: FeedbackServerReply, Reply: reply})
	}
}
