// Package routing mirrors the declarative instrument model into a
// group-ordered node graph on the DSP server (spec §4.F). It is the only
// place in the engine allowed to translate between the two — nothing
// else should ever read or infer server node ids from the declarative
// model (spec §9 "Declarative-to-imperative mirroring").
package routing

import (
	"fmt"
	"log"

	"github.com/schollz/collidertracker/internal/bus"
	"github.com/schollz/collidertracker/internal/clock"
	"github.com/schollz/collidertracker/internal/domain"
	"github.com/schollz/collidertracker/internal/osc"
)

// Well-known server groups, pre-allocated at connect time (spec §4.F, §6).
const (
	GroupSources    int32 = 100
	GroupProcessing int32 = 200
	GroupOutput     int32 = 300
	GroupRecord     int32 = 400
	GroupSafety     int32 = 999
)

const addToTail int32 = 1

// Manager owns the live Strip Nodes for every instrument and the
// transport used to keep the server graph in sync with the declarative
// model.
type Manager struct {
	transport *osc.Transport
	clk       *clock.Clock
	buses     *bus.Allocator

	strips   map[int]*domain.StripNodes
	nextNode int32
}

// New creates a routing manager. nodeIDSeed should be past any id the
// voice allocator or server itself might hand out, to keep ids visually
// distinguishable during debugging (the server does not actually require
// disjoint ranges).
func New(transport *osc.Transport, clk *clock.Clock, buses *bus.Allocator, nodeIDSeed int32) *Manager {
	return &Manager{
		transport: transport,
		clk:       clk,
		buses:     buses,
		strips:    map[int]*domain.StripNodes{},
		nextNode:  nodeIDSeed,
	}
}

func (m *Manager) allocNode() int32 {
	m.nextNode++
	return m.nextNode
}

// Strip returns the live Strip Nodes for an instrument, or nil if it has
// never been built.
func (m *Manager) Strip(instrumentID int) *domain.StripNodes {
	return m.strips[instrumentID]
}

// CreateGroups sets up the five well-known server groups in execution
// order. Call this once per connection (spec §4.F, §6).
func (m *Manager) CreateGroups() error {
	groups := []int32{GroupSources, GroupProcessing, GroupOutput, GroupRecord, GroupSafety}
	var firstErr error
	for _, g := range groups {
		msg := osc.NewMessage("/g_new", g, addToTail, int32(0))
		if err := m.transport.SendMessage(msg.Address, msg.Args...); err != nil {
			log.Printf("routing: failed to create group %d: %v", g, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RebuildInstrumentRouting tears down any existing node set for inst and
// builds a fresh one from its current declarative state. This is the
// full-rebuild path used for every topology-changing operation (spec
// §4.F). Failures mid-rebuild are reported, not fatal — the instrument is
// left in whatever partial state was reached and a subsequent rebuild is
// the documented recovery (spec §4.F "Failure semantics").
func (m *Manager) RebuildInstrumentRouting(inst *domain.Instrument) error {
	if existing := m.strips[inst.ID]; existing != nil {
		m.teardown(existing)
	}

	if inst.Source == domain.SourceMIDI {
		// An external MIDI instrument has no server-side signal chain at
		// all; voice.Allocator drives it directly over MIDI instead of
		// through the routing graph (spec §9 supplemented feature).
		delete(m.strips, inst.ID)
		return nil
	}

	strip := &domain.StripNodes{InstrumentID: inst.ID}
	var errs []error

	// Persistent sources: instruments that aren't triggered per-voice
	// (monophonic drones, external input passthrough, standing VST
	// instances) get a standing source node under Sources. Polyphonic
	// instruments are realized per-note by the voice allocator instead.
	if !inst.Polyphonic {
		nodeID := m.allocNode()
		msg := osc.NewMessage("/s_new", sourceSynthName(inst), nodeID, addToTail, GroupSources)
		if err := m.send(msg); err != nil {
			errs = append(errs, err)
		}
		strip.SourceNodeID = nodeID
		strip.HasSource = true
	}

	if inst.LFO.Present {
		nodeID := m.allocNode()
		msg := osc.NewMessage("/s_new", "lfo", nodeID, addToTail, GroupProcessing,
			"rate", inst.LFO.Rate, "depth", inst.LFO.Depth)
		if err := m.send(msg); err != nil {
			errs = append(errs, err)
		}
		strip.LFONodeID = nodeID
		strip.HasLFO = true
	}

	if inst.Filter.Present {
		nodeID := m.allocNode()
		msg := osc.NewMessage("/s_new", filterSynthName(inst), nodeID, addToTail, GroupProcessing,
			"cutoff", inst.Filter.Cutoff, "resonance", inst.Filter.Resonance)
		if err := m.send(msg); err != nil {
			errs = append(errs, err)
		}
		strip.FilterNodeID = nodeID
		strip.HasFilter = true
	}

	// Only enabled effects get a node, in declarative order, which is
	// exactly what Instrument.EnabledEffects() returns — this is what
	// keeps automation's named-slot lookups from accidentally pointing
	// at a disabled effect (spec §9).
	for _, eff := range inst.EnabledEffects() {
		nodeID := m.allocNode()
		msg := osc.NewMessage("/s_new", effectSynthName(eff.Kind), nodeID, addToTail, GroupProcessing)
		for k, v := range eff.Params {
			msg.Append(k, v)
		}
		if err := m.send(msg); err != nil {
			errs = append(errs, err)
		}
		strip.EffectNodeIDs = append(strip.EffectNodeIDs, nodeID)
	}

	// Output is mandatory and always present whenever the instrument
	// exists (spec §3 "Strip Nodes" invariant).
	outputNodeID := m.allocNode()
	outMsg := osc.NewMessage("/s_new", "outputStrip", outputNodeID, addToTail, GroupOutput,
		"level", inst.Mixer.Level, "pan", inst.Mixer.Pan, "mute", muteFloat(inst.Mixer.Mute))
	if err := m.send(outMsg); err != nil {
		errs = append(errs, err)
	}
	strip.OutputNodeID = outputNodeID

	for _, send := range inst.Sends {
		sendMsg := osc.NewMessage("/n_set", outputNodeID, fmt.Sprintf("send%d", send.BusID), send.Level)
		if err := m.send(sendMsg); err != nil {
			errs = append(errs, err)
		}
	}

	m.strips[inst.ID] = strip
	if len(errs) > 0 {
		return fmt.Errorf("routing: rebuild instrument %d had %d error(s): %w", inst.ID, len(errs), errs[0])
	}
	return nil
}

func (m *Manager) teardown(strip *domain.StripNodes) {
	ids := []int32{}
	if strip.HasSource {
		ids = append(ids, strip.SourceNodeID)
	}
	if strip.HasLFO {
		ids = append(ids, strip.LFONodeID)
	}
	if strip.HasFilter {
		ids = append(ids, strip.FilterNodeID)
	}
	ids = append(ids, strip.EffectNodeIDs...)
	ids = append(ids, strip.OutputNodeID)

	for _, id := range ids {
		if err := m.transport.SendMessage("/n_free", id); err != nil {
			log.Printf("routing: free failed for node %d: %v", id, err)
		}
	}
}

// RemoveInstrument tears down an instrument's entire node set and drops
// its Strip Nodes entry.
func (m *Manager) RemoveInstrument(instrumentID int) {
	if strip := m.strips[instrumentID]; strip != nil {
		m.teardown(strip)
		delete(m.strips, instrumentID)
	}
}

// UpdateAllInstrumentMixerParams applies level/pan/mute/solo/master-mute
// to every instrument's output node with one bundled /n_set per
// instrument, with no node creation or teardown (spec §4.F incremental
// path). Solo and master-mute are global, so every instrument must be
// revisited on every call, even if only one instrument's fader moved.
func (m *Manager) UpdateAllInstrumentMixerParams(instruments []*domain.Instrument, masterMute bool) error {
	soloActive := false
	for _, inst := range instruments {
		if inst.Mixer.Solo {
			soloActive = true
			break
		}
	}

	var firstErr error
	for _, inst := range instruments {
		strip := m.strips[inst.ID]
		if strip == nil {
			continue // instrument exists in the model but has no graph yet
		}
		effectiveMute := inst.Mixer.Mute || masterMute || (soloActive && !inst.Mixer.Solo)
		kv := map[string]float32{
			"level": inst.Mixer.Level,
			"pan":   inst.Mixer.Pan,
			"mute":  muteFloat(effectiveMute),
		}
		if err := m.transport.SetParamsBundled(m.clk.OSCTimeFromNow(0), strip.OutputNodeID, kv); err != nil {
			log.Printf("routing: mixer update failed for instrument %d: %v", inst.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ResolveAutomationTarget finds the live node id and parameter name an
// automation point should write to, resolved through named Strip Nodes
// slots rather than positional indexing into the declarative effect
// list (spec §9). EffectIndex addresses position within the *enabled*
// effect chain, i.e. StripNodes.EffectNodeIDs.
func (m *Manager) ResolveAutomationTarget(target domain.AutomationTarget) (nodeID int32, ok bool) {
	strip := m.strips[target.InstrumentID]
	if strip == nil {
		return 0, false
	}
	switch target.Component {
	case "filter":
		if !strip.HasFilter {
			return 0, false
		}
		return strip.FilterNodeID, true
	case "lfo":
		if !strip.HasLFO {
			return 0, false
		}
		return strip.LFONodeID, true
	case "effect":
		if target.EffectIndex < 0 || target.EffectIndex >= len(strip.EffectNodeIDs) {
			return 0, false
		}
		return strip.EffectNodeIDs[target.EffectIndex], true
	case "mixer":
		return strip.OutputNodeID, true
	default:
		return 0, false
	}
}

// ApplyAutomationValue sends a bundled /n_set for the resolved target,
// scheduled immediately (automation is applied once per tick, at the
// tick's own time base — spec §4.D step 7).
func (m *Manager) ApplyAutomationValue(target domain.AutomationTarget, value float32) error {
	nodeID, ok := m.ResolveAutomationTarget(target)
	if !ok {
		return fmt.Errorf("routing: automation target unresolved: instrument=%d component=%s", target.InstrumentID, target.Component)
	}
	return m.transport.SetParamsBundled(m.clk.OSCTimeFromNow(0), nodeID, map[string]float32{target.Param: value})
}

func (m *Manager) send(msg *osc.Message) error {
	return m.transport.SendMessage(msg.Address, msg.Args...)
}

func muteFloat(b bool) float32 {
	if b {
		return 1
	}
	return 0
}

func sourceSynthName(inst *domain.Instrument) string {
	switch inst.Source {
	case domain.SourceSample:
		return "sampler"
	case domain.SourceExternalInput:
		return "externalInput"
	case domain.SourceVST:
		return "vstSource"
	default:
		return "synthSource"
	}
}

func filterSynthName(inst *domain.Instrument) string {
	if inst.Filter.LowPass {
		return "lowPassFilter"
	}
	return "highPassFilter"
}

func effectSynthName(kind domain.EffectKind) string {
	switch kind {
	case domain.EffectDelay:
		return "delay"
	case domain.EffectReverb:
		return "reverb"
	case domain.EffectGate:
		return "gate"
	case domain.EffectComb:
		return "comb"
	case domain.EffectDistortion:
		return "distortion"
	default:
		return "passthrough"
	}
}
