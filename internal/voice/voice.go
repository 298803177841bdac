// Package voice implements the per-instrument polyphonic voice pool and
// stealing policy described in spec §4.E, §3 "Voice" and §8 invariant 2.
package voice

import (
	"fmt"
	"log"
	"time"

	"github.com/schollz/collidertracker/internal/bus"
	"github.com/schollz/collidertracker/internal/clock"
	"github.com/schollz/collidertracker/internal/domain"
	"github.com/schollz/collidertracker/internal/midiplayer"
	"github.com/schollz/collidertracker/internal/music"
	"github.com/schollz/collidertracker/internal/osc"
)

// midiNoteSafetyNetSeconds bounds how long a SourceMIDI note-on's
// built-in duration timer is allowed to run before Release arrives, so a
// dropped Release command can't leave a stuck note ringing forever.
const midiNoteSafetyNetSeconds = 30.0

// SourcesGroupID is the well-known server group new voices are spawned
// under (spec §4.F, §6).
const SourcesGroupID int32 = 100

const (
	addToTail int32 = 1 // OSC /g_new, /s_new action: add to tail of group
)

type entry struct {
	voice           domain.Voice
	releaseDeadline time.Time // zero until Release is called

	isMIDI      bool
	midiDevice  string
	midiChannel int
}

// Allocator owns every instrument's live voice ring, the node/bus ids
// backing them, and the OSC transport used to realize spawn/steal/release
// as server bundles.
type Allocator struct {
	transport *osc.Transport
	clk       *clock.Clock
	buses     *bus.Allocator

	maxVoices map[int]int // per-instrument override; falls back to domain.MaxVoices
	live      map[int][]*entry
	nextID    int64
	nextNode  int32 // fake node-id generator; a real server assigns these, but the audio thread must track what it asked for
}

// New creates a voice allocator bound to the given transport, clock and
// bus allocator. All three are owned by the audio thread.
func New(transport *osc.Transport, clk *clock.Clock, buses *bus.Allocator) *Allocator {
	return &Allocator{
		transport: transport,
		clk:       clk,
		buses:     buses,
		maxVoices: map[int]int{},
		live:      map[int][]*entry{},
		nextNode:  1000,
	}
}

// SetMaxVoices overrides the polyphony ceiling for one instrument.
func (a *Allocator) SetMaxVoices(instrumentID, max int) {
	a.maxVoices[instrumentID] = max
}

func (a *Allocator) maxFor(instrumentID int) int {
	if n, ok := a.maxVoices[instrumentID]; ok && n > 0 {
		return n
	}
	return domain.MaxVoices
}

// LiveCount returns the number of voices (active + releasing) currently
// tracked for instrumentID.
func (a *Allocator) LiveCount(instrumentID int) int {
	return len(a.live[instrumentID])
}

// ActiveVoices returns a snapshot of every currently-sounding (non-
// releasing) voice across all instruments, for the audio thread's own use
// in deriving monitor meter levels (spec §4.D step 9) — this engine never
// sees scsynth's rendered samples, so voice velocity/pitch is the only
// audio-thread-local proxy for what the server is actually producing.
func (a *Allocator) ActiveVoices() []domain.Voice {
	var out []domain.Voice
	for _, pool := range a.live {
		for _, e := range pool {
			if e.voice.State != domain.VoiceReleasing {
				out = append(out, e.voice)
			}
		}
	}
	return out
}

func (a *Allocator) allocNodeID() int32 {
	a.nextNode++
	return a.nextNode
}

// Spawn realizes a note-on: stealing a voice if the instrument is at
// capacity, then emitting the group/control/source creation bundle with
// an absolute timetag offsetSecs in the future.
func (a *Allocator) Spawn(inst *domain.Instrument, pitch, velocity float32, offsetSecs float64) (*domain.Voice, error) {
	if inst == nil {
		return nil, fmt.Errorf("voice: spawn for nonexistent instrument")
	}

	pool := a.live[inst.ID]
	if len(pool) >= a.maxFor(inst.ID) {
		stolen := a.pickSteal(pool)
		if stolen != nil {
			log.Printf("voice: stealing voice %d (pitch %s) on instrument %d to make room for pitch %s",
				stolen.voice.ID, music.MidiToNoteName(int(stolen.voice.Pitch)), inst.ID, music.MidiToNoteName(int(pitch)))
			a.freeNow(stolen)
			a.live[inst.ID] = removeEntry(a.live[inst.ID], stolen)
		}
	}

	a.nextID++
	v := domain.Voice{
		ID:           a.nextID,
		InstrumentID: inst.ID,
		Pitch:        pitch,
		Velocity:     velocity,
		SpawnedAt:    time.Now(),
		State:        domain.VoiceActive,
	}

	if inst.Source == domain.SourceMIDI {
		if err := midiplayer.NoteOn(inst.MidiDevice, float64(pitch), float64(velocity), midiNoteSafetyNetSeconds, inst.MidiChannel); err != nil {
			log.Printf("voice: midi note-on failed for instrument %d: %v", inst.ID, err)
		}
		a.live[inst.ID] = append(a.live[inst.ID], &entry{
			voice:       v,
			isMIDI:      true,
			midiDevice:  inst.MidiDevice,
			midiChannel: inst.MidiChannel,
		})
		return &v, nil
	}

	v.GroupID = a.allocNodeID()
	sourceBus := a.buses.GetOrAllocAudio(bus.Key{Usage: "source", Owner: int64(inst.ID)})
	v.Buses.Freq = a.buses.AllocControl(bus.Key{Usage: fmt.Sprintf("voice-freq-%d", v.ID), Owner: v.ID})
	v.Buses.Gate = a.buses.AllocControl(bus.Key{Usage: fmt.Sprintf("voice-gate-%d", v.ID), Owner: v.ID})
	v.Buses.Vel = a.buses.AllocControl(bus.Key{Usage: fmt.Sprintf("voice-vel-%d", v.ID), Owner: v.ID})
	v.MidiControlID = a.allocNodeID()
	v.SourceNodeID = a.allocNodeID()

	tt := a.clk.OSCTimeFromNow(offsetSecs)
	groupMsg := osc.NewMessage("/g_new", v.GroupID, addToTail, SourcesGroupID)
	controlMsg := osc.NewMessage("/s_new", "midiControl", v.MidiControlID, addToTail, v.GroupID,
		"freqBus", int32(v.Buses.Freq), "gateBus", int32(v.Buses.Gate), "velBus", int32(v.Buses.Vel),
		"freq", pitch, "gate", float32(1), "vel", velocity)
	sourceMsg := osc.NewMessage("/s_new", sourceSynthName(inst), v.SourceNodeID, addToTail, v.GroupID,
		"freqBus", int32(v.Buses.Freq), "gateBus", int32(v.Buses.Gate), "velBus", int32(v.Buses.Vel),
		"outBus", int32(sourceBus))

	if err := a.transport.SendBundle(tt, groupMsg, controlMsg, sourceMsg); err != nil {
		log.Printf("voice: spawn bundle send failed for instrument %d: %v", inst.ID, err)
	}

	a.live[inst.ID] = append(a.live[inst.ID], &entry{voice: v})
	return &v, nil
}

func sourceSynthName(inst *domain.Instrument) string {
	switch inst.Source {
	case domain.SourceSample:
		return "sampler"
	case domain.SourceVST:
		return "vstVoice"
	case domain.SourceExternalInput:
		return "externalInput"
	default:
		return "synthVoice"
	}
}

// ReleaseByPitch releases the oldest still-active voice sounding pitch on
// instrumentID, looked up by the declarative (instrument, pitch) pair
// rather than a server-side voice id — this is the contract spec §4.H
// gives the UI thread (`ReleaseVoice(instrument_id, pitch)`), since the UI
// never learns a spawned voice's internal id (spec §9 "the UI only ever
// sees the declarative model plus feedback, never server-side ids"). A
// pitch with no live voice on that instrument is a no-op, not an error.
func (a *Allocator) ReleaseByPitch(instrumentID int, pitch float32, releaseTime float32) {
	pool := a.live[instrumentID]
	var e *entry
	for _, cand := range pool {
		if cand.voice.Pitch == pitch && cand.voice.State != domain.VoiceReleasing {
			if e == nil || cand.voice.SpawnedAt.Before(e.voice.SpawnedAt) {
				e = cand
			}
		}
	}
	if e == nil {
		return
	}
	a.release(e, releaseTime)
}

// Release releases a single voice by its server-side id, used internally
// by the scheduler's own pending-note-off tracking (it always knows the
// id of the voice it just spawned). A release for a voice whose
// instrument no longer exists (or whose voice id is already gone) is a
// no-op, not an error.
func (a *Allocator) Release(instrumentID int, voiceID int64, releaseTime float32) {
	pool := a.live[instrumentID]
	var e *entry
	for _, cand := range pool {
		if cand.voice.ID == voiceID {
			e = cand
			break
		}
	}
	if e == nil {
		return
	}
	a.release(e, releaseTime)
}

func (a *Allocator) release(e *entry, releaseTime float32) {
	e.voice.State = domain.VoiceReleasing

	if e.isMIDI {
		if err := midiplayer.NoteOff(e.midiDevice, int(e.voice.Pitch), e.midiChannel); err != nil {
			log.Printf("voice: midi note-off failed for voice %d: %v", e.voice.ID, err)
		}
		e.releaseDeadline = time.Now()
		return
	}

	gateOff := osc.NewMessage("/n_set", e.voice.MidiControlID, "gate", float32(0))
	if err := a.transport.SendBundle(a.clk.OSCTimeFromNow(0), gateOff); err != nil {
		log.Printf("voice: gate-off send failed for voice %d: %v", e.voice.ID, err)
	}

	margin := float64(releaseTime) + domain.ReleaseMarginSeconds
	freeTT := a.clk.OSCTimeFromNow(margin)
	freeMsg := osc.NewMessage("/n_free", e.voice.GroupID)
	if err := a.transport.SendBundle(freeTT, freeMsg); err != nil {
		log.Printf("voice: deferred free send failed for voice %d: %v", e.voice.ID, err)
	}
	e.releaseDeadline = time.Now().Add(time.Duration(margin * float64(time.Second)))
}

// ReleaseAll immediately tears down every live voice across every
// instrument — the cancellation primitive for "stop all sound" (spec §5).
func (a *Allocator) ReleaseAll() {
	for instrumentID, pool := range a.live {
		for _, e := range pool {
			a.freeNow(e)
		}
		a.live[instrumentID] = nil
	}
}

// Prune removes voices whose deferred free deadline has passed,
// releasing their bus allocations back to the pool. Call this once per
// scheduler tick.
func (a *Allocator) Prune(now time.Time) {
	for instrumentID, pool := range a.live {
		kept := pool[:0]
		for _, e := range pool {
			if !e.releaseDeadline.IsZero() && !now.Before(e.releaseDeadline) {
				a.buses.Free(e.voice.ID)
				continue
			}
			kept = append(kept, e)
		}
		a.live[instrumentID] = kept
	}
}

// freeNow frees a voice's server group synchronously (immediate
// timetag) and releases its bus allocations right away. Used when
// stealing (spec §4.E step 3) and for ReleaseAll.
func (a *Allocator) freeNow(e *entry) {
	if e.isMIDI {
		if err := midiplayer.NoteOff(e.midiDevice, int(e.voice.Pitch), e.midiChannel); err != nil {
			log.Printf("voice: midi note-off failed for voice %d: %v", e.voice.ID, err)
		}
		return
	}
	freeMsg := osc.NewMessage("/n_free", e.voice.GroupID)
	if err := a.transport.SendBundle(osc.Immediate, freeMsg); err != nil {
		log.Printf("voice: synchronous free failed for voice %d: %v", e.voice.ID, err)
	}
	a.buses.Free(e.voice.ID)
}

// pickSteal implements the stealing preference order from spec §4.E:
// releasing voices first (quietest, approximated as oldest), then the
// oldest non-releasing voice.
func (a *Allocator) pickSteal(pool []*entry) *entry {
	var oldestReleasing, oldestActive *entry
	for _, e := range pool {
		if e.voice.State == domain.VoiceReleasing {
			if oldestReleasing == nil || e.voice.SpawnedAt.Before(oldestReleasing.voice.SpawnedAt) {
				oldestReleasing = e
			}
		} else {
			if oldestActive == nil || e.voice.SpawnedAt.Before(oldestActive.voice.SpawnedAt) {
				oldestActive = e
			}
		}
	}
	if oldestReleasing != nil {
		return oldestReleasing
	}
	return oldestActive
}

func removeEntry(pool []*entry, target *entry) []*entry {
	out := pool[:0]
	for _, e := range pool {
		if e != target {
			out = append(out, e)
		}
	}
	return out
}
