// Package engine implements the command/feedback boundary between the
// UI thread and the audio thread (spec §4.H, §5): bounded channels in
// both directions, wholesale shadow-state replacement, and the
// backpressure rules that keep neither side able to stall the other.
package engine

import (
	"fmt"
	"log"
	"math"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/schollz/collidertracker/internal/bus"
	"github.com/schollz/collidertracker/internal/clock"
	"github.com/schollz/collidertracker/internal/domain"
	"github.com/schollz/collidertracker/internal/midiclock"
	"github.com/schollz/collidertracker/internal/monitor"
	"github.com/schollz/collidertracker/internal/osc"
	"github.com/schollz/collidertracker/internal/routing"
	"github.com/schollz/collidertracker/internal/sampleinfo"
	"github.com/schollz/collidertracker/internal/scheduler"
	"github.com/schollz/collidertracker/internal/voice"
)

var diagJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// CmdKind enumerates every command the UI thread may send to the audio
// thread (spec §4.H).
type CmdKind int

const (
	CmdUpdateShadowState CmdKind = iota
	CmdSpawnVoice
	CmdReleaseVoice
	CmdReleaseAllVoices
	CmdSetBPM
	CmdSetTransport
	CmdSeekTo
	CmdSetInstrumentParam
	CmdRebuildInstrumentRouting
	CmdConnectServer
	CmdDisconnectServer
	CmdLoadSample
	CmdAttachMidiClock
	CmdDetachMidiClock
)

// ShadowState is the whole declarative model mirrored onto the audio
// thread. UpdateShadowState always carries a full replacement, never a
// delta (spec §5).
type ShadowState struct {
	Instruments map[int]*domain.Instrument
	Sequences   map[int]*domain.Sequence
	Automation  map[int][]*domain.AutomationLane
}

// AudioCmd is a single command handed to the audio thread. Only the
// fields relevant to Kind are read.
type AudioCmd struct {
	Kind CmdKind

	Shadow *ShadowState

	InstrumentID int
	Pitch        float32
	Velocity     float32

	BPM float32

	Playing     bool
	PlayheadTick int
	LoopStart   int
	LoopEnd     int
	LoopEnabled bool

	Param string
	Value float32

	Host string
	Port int

	SamplePath     string
	MidiDeviceName string
}

// FeedbackKind enumerates every event the audio thread may publish back
// to the UI thread (spec §4.H).
type FeedbackKind int

const (
	FeedbackPlayheadPosition FeedbackKind = iota
	FeedbackServerStatus
	FeedbackRecordingState
	FeedbackTransportError
	FeedbackVstParamsDiscovered
	FeedbackSampleAnalyzed
)

// AudioFeedback is a single event published from the audio thread.
type AudioFeedback struct {
	Kind FeedbackKind

	Tick int

	Connected bool
	Recording bool

	Err error

	VstParams map[string]float32
	Sample    sampleinfo.Info
}

// critical reports whether a feedback kind may never be dropped under
// backpressure (spec §5 "status/error are never dropped").
func (f FeedbackKind) critical() bool {
	switch f {
	case FeedbackServerStatus, FeedbackRecordingState, FeedbackTransportError, FeedbackVstParamsDiscovered, FeedbackSampleAnalyzed:
		return true
	default:
		return false
	}
}

const (
	inboundCapacity  = 64
	outboundCapacity = 256

	// monitorSilenceLUFS is published when no voice is sounding; real
	// digital silence is -infinity LUFS, but a finite floor is friendlier
	// to a UI meter than NaN or -Inf.
	monitorSilenceLUFS = -96.0
)

// Engine owns the audio-thread side of the boundary: the transport,
// bus/voice/routing components, the scheduler tick loop, the monitor,
// and the two channels UI code talks through.
type Engine struct {
	clk     *clock.Clock
	buses   *bus.Allocator
	monitor *monitor.Monitor

	transport  *osc.Transport
	voices     *voice.Allocator
	routingMgr *routing.Manager
	sched      *scheduler.Scheduler
	connected  bool
	masterMute bool

	midiBridge *midiclock.Bridge

	inbound  chan *AudioCmd
	outbound chan *AudioFeedback
}

// New creates an Engine with no server connection yet. Send a
// CmdConnectServer command before starting playback.
func New() *Engine {
	return &Engine{
		clk:      clock.New(),
		buses:    bus.New(1024, 4096), // audio/control region base sizes, spec §3
		monitor:  monitor.New(),
		inbound:  make(chan *AudioCmd, inboundCapacity),
		outbound: make(chan *AudioFeedback, outboundCapacity),
	}
}

// Monitor exposes the read side of the audio monitor (spec §4.G);
// reading it never touches the command channels.
func (e *Engine) Monitor() *monitor.Monitor {
	return e.monitor
}

// shadowStateDump is the wire shape for DumpShadowStateJSON: a plain
// snapshot for logging/introspection tooling, not a save format (spec
// §1 Non-goals excludes persistence).
type shadowStateDump struct {
	Instruments map[int]*domain.Instrument       `json:"instruments"`
	Sequences   map[int]*domain.Sequence         `json:"sequences"`
	Automation  map[int][]*domain.AutomationLane `json:"automation"`
	Transport   domain.TransportState             `json:"transport"`
}

// DumpShadowStateJSON marshals the scheduler's current declarative
// model for diagnostics — e.g. a debug log line or an operator-facing
// dump endpoint. It is read-only and has no bearing on playback.
func (e *Engine) DumpShadowStateJSON() ([]byte, error) {
	if e.sched == nil {
		return diagJSON.Marshal(shadowStateDump{})
	}
	instruments, sequences, automation := e.sched.Snapshot()
	return diagJSON.Marshal(shadowStateDump{
		Instruments: instruments,
		Sequences:   sequences,
		Automation:  automation,
		Transport:   e.sched.Transport(),
	})
}

// SendCommand hands a command to the audio thread. The inbound channel
// is bounded, so this blocks briefly if the audio thread has fallen
// behind — by design: commands must never be silently dropped, only
// the feedback direction is allowed to shed load (spec §5).
func (e *Engine) SendCommand(cmd *AudioCmd) {
	e.inbound <- cmd
}

// Feedback returns the channel the UI thread should range over to
// receive published events.
func (e *Engine) Feedback() <-chan *AudioFeedback {
	return e.outbound
}

// Shutdown closes the inbound channel, signalling the audio thread to
// free every outstanding voice and exit (spec §5 "graceful shutdown").
// It does not wait for the audio thread to finish; callers that need to
// block until it has should wait on the channel returned by Feedback
// closing.
func (e *Engine) Shutdown() {
	close(e.inbound)
}

// publish delivers feedback with the documented backpressure rule:
// non-critical events (playhead position) are dropped when the
// outbound channel is full, and no queued event is evicted for them;
// critical ones evict the oldest queued event to make room rather than
// being lost (spec §5).
func (e *Engine) publish(fb *AudioFeedback) {
	select {
	case e.outbound <- fb:
		return
	default:
	}

	if !fb.Kind.critical() {
		log.Printf("engine: outbound feedback full, dropping non-critical %v", fb.Kind)
		return
	}

	select {
	case <-e.outbound:
	default:
	}
	select {
	case e.outbound <- fb:
	default:
		log.Printf("engine: outbound feedback full even after eviction, dropping critical %v", fb.Kind)
	}
}

// Run drives the audio thread: a fixed ~1ms cadence tick interleaved
// with draining the inbound command queue. It returns when Shutdown has
// closed the inbound channel and every outstanding voice has been
// freed. Call this in its own goroutine.
func (e *Engine) Run() {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case cmd, ok := <-e.inbound:
			if !ok {
				if e.voices != nil {
					e.voices.ReleaseAll()
				}
				if e.midiBridge != nil {
					e.midiBridge.Close()
				}
				close(e.outbound)
				return
			}
			e.handle(cmd)

		case now := <-ticker.C:
			if !e.connected {
				continue
			}
			elapsed := now.Sub(last)
			last = now
			e.sched.Tick(elapsed)
			if e.midiBridge != nil {
				e.midiBridge.OnTick(e.sched.Transport().PlayheadTick)
			}
			e.publishMonitor()
		}
	}
}

// publishMonitor updates the audio monitor's meters once per tick (spec
// §4.D step 9, §4.G). This process never sees scsynth's rendered audio,
// so it derives its levels from what the audio thread itself knows: the
// set of currently-sounding voices and their velocities/pitches. That's a
// coarse proxy for the real output level, not a substitute for it, but it
// keeps the UI's meters and scope alive with audio disabled or with a
// remote scsynth this process can't introspect.
func (e *Engine) publishMonitor() {
	if e.voices == nil {
		return
	}
	active := e.voices.ActiveVoices()
	if len(active) == 0 {
		e.monitor.PublishPeaks(0, 0, monitorSilenceLUFS)
		return
	}

	var sumSq float32
	var peak float32
	var spectrum [monitor.SpectrumBands]float32
	scope := make([]float32, monitor.ScopeSamples)

	for i, v := range active {
		level := v.Velocity / 127
		sumSq += level * level
		if level > peak {
			peak = level
		}
		band := int(v.Pitch) % monitor.SpectrumBands
		if band < 0 {
			band += monitor.SpectrumBands
		}
		spectrum[band] += level
		scope[i%len(scope)] += level
	}
	rms := float32(math.Sqrt(float64(sumSq / float32(len(active)))))
	var lufs float32 = monitorSilenceLUFS
	if rms > 0 {
		lufs = 20*float32(math.Log10(float64(rms))) - 0.691
	}

	e.monitor.PublishPeaks(peak, peak, lufs)
	e.monitor.PublishSpectrum(spectrum[:])
	e.monitor.PublishScope(scope)
}

func (e *Engine) handle(cmd *AudioCmd) {
	switch cmd.Kind {
	case CmdUpdateShadowState:
		e.handleUpdateShadowState(cmd)
	case CmdSpawnVoice:
		e.handleSpawnVoice(cmd)
	case CmdReleaseVoice:
		if e.voices != nil {
			var releaseTime float32
			if e.sched != nil {
				if inst := e.sched.Instrument(cmd.InstrumentID); inst != nil {
					releaseTime = inst.Envelope.Release
				}
			}
			e.voices.ReleaseByPitch(cmd.InstrumentID, cmd.Pitch, releaseTime)
		}
	case CmdReleaseAllVoices:
		if e.voices != nil {
			e.voices.ReleaseAll()
		}
	case CmdSetBPM:
		if e.sched != nil {
			e.sched.SetBPM(cmd.BPM)
		}
	case CmdSetTransport:
		e.handleSetTransport(cmd)
	case CmdSeekTo:
		if e.sched != nil {
			e.sched.SeekTo(cmd.PlayheadTick)
		}
	case CmdSetInstrumentParam:
		e.handleSetInstrumentParam(cmd)
	case CmdRebuildInstrumentRouting:
		e.handleRebuildRouting(cmd)
	case CmdConnectServer:
		e.handleConnect(cmd)
	case CmdDisconnectServer:
		e.handleDisconnect()
	case CmdLoadSample:
		e.handleLoadSample(cmd)
	case CmdAttachMidiClock:
		e.handleAttachMidiClock(cmd)
	case CmdDetachMidiClock:
		e.handleDetachMidiClock()
	}
}

// handleLoadSample analyzes a sample file and, when the target
// instrument exists, seeds its envelope release from the sample's own
// duration (spec §4.E "release margin"). The analysis result is always
// published so a UI can show duration/tempo metadata even for
// instruments not yet declared.
func (e *Engine) handleLoadSample(cmd *AudioCmd) {
	info, err := sampleinfo.Analyze(cmd.SamplePath)
	if err != nil {
		e.publish(&AudioFeedback{Kind: FeedbackTransportError, Err: err})
		return
	}
	if e.sched != nil {
		if inst := e.sched.Instrument(cmd.InstrumentID); inst != nil {
			inst.SamplePath = cmd.SamplePath
			inst.Envelope.Release = sampleinfo.DefaultReleaseMargin(info)
		}
	}
	e.publish(&AudioFeedback{Kind: FeedbackSampleAnalyzed, Sample: info})
}

// handleAttachMidiClock opens a MIDI output device and starts mirroring
// the transport's start/stop/clock onto it (spec §4.D external sync,
// supplemented from the original's MIDI output feature).
func (e *Engine) handleAttachMidiClock(cmd *AudioCmd) {
	if e.midiBridge != nil {
		e.midiBridge.Close()
	}
	bridge, err := midiclock.NewBridge(cmd.MidiDeviceName)
	if err != nil {
		e.publish(&AudioFeedback{Kind: FeedbackTransportError, Err: err})
		return
	}
	e.midiBridge = bridge
}

func (e *Engine) handleDetachMidiClock() {
	if e.midiBridge == nil {
		return
	}
	e.midiBridge.Close()
	e.midiBridge = nil
}

func (e *Engine) handleUpdateShadowState(cmd *AudioCmd) {
	if cmd.Shadow == nil || e.sched == nil {
		return
	}
	e.sched.ReplaceShadowState(cmd.Shadow.Instruments, cmd.Shadow.Sequences, cmd.Shadow.Automation)
}

func (e *Engine) handleSpawnVoice(cmd *AudioCmd) {
	if e.voices == nil || e.sched == nil {
		return
	}
	inst := e.sched.Instrument(cmd.InstrumentID)
	if inst == nil {
		e.publish(&AudioFeedback{Kind: FeedbackTransportError, Err: fmt.Errorf("engine: spawn for unknown instrument %d", cmd.InstrumentID)})
		return
	}
	if _, err := e.voices.Spawn(inst, cmd.Pitch, cmd.Velocity, 0); err != nil {
		e.publish(&AudioFeedback{Kind: FeedbackTransportError, Err: err})
	}
}

func (e *Engine) handleSetTransport(cmd *AudioCmd) {
	if e.sched == nil {
		return
	}
	if cmd.Playing {
		e.sched.Play()
		if e.midiBridge != nil {
			e.midiBridge.OnPlay(e.sched.Transport().PlayheadTick)
		}
	} else {
		e.sched.Stop()
		if e.midiBridge != nil {
			e.midiBridge.OnStop()
		}
	}
	e.sched.SetLoop(cmd.LoopStart, cmd.LoopEnd, cmd.LoopEnabled)
}

func (e *Engine) handleSetInstrumentParam(cmd *AudioCmd) {
	if e.sched == nil {
		return
	}
	if cmd.InstrumentID == 0 && cmd.Param == "masterMute" {
		e.masterMute = cmd.Value != 0
	} else if inst := e.sched.Instrument(cmd.InstrumentID); inst != nil {
		switch cmd.Param {
		case "level":
			inst.Mixer.Level = cmd.Value
		case "pan":
			inst.Mixer.Pan = cmd.Value
		case "mute":
			inst.Mixer.Mute = cmd.Value != 0
		case "solo":
			inst.Mixer.Solo = cmd.Value != 0
		}
	}
	if e.routingMgr != nil {
		if err := e.routingMgr.UpdateAllInstrumentMixerParams(e.sched.AllInstruments(), e.masterMute); err != nil {
			e.publish(&AudioFeedback{Kind: FeedbackTransportError, Err: err})
		}
	}
}

func (e *Engine) handleRebuildRouting(cmd *AudioCmd) {
	if e.sched == nil || e.routingMgr == nil {
		return
	}
	inst := e.sched.Instrument(cmd.InstrumentID)
	if inst == nil {
		return
	}
	if err := e.routingMgr.RebuildInstrumentRouting(inst); err != nil {
		// Rebuild failures are reported, not fatal: the instrument is left
		// in whatever partial state was reached, and another rebuild is
		// the documented recovery (spec §4.F).
		e.publish(&AudioFeedback{Kind: FeedbackTransportError, Err: err})
	}
}

func (e *Engine) handleConnect(cmd *AudioCmd) {
	transport, err := osc.Dial(cmd.Host, cmd.Port)
	if err != nil {
		e.publish(&AudioFeedback{Kind: FeedbackServerStatus, Connected: false})
		e.publish(&AudioFeedback{Kind: FeedbackTransportError, Err: err})
		return
	}
	if e.transport != nil {
		e.transport.Close()
	}

	e.transport = transport
	e.voices = voice.New(transport, e.clk, e.buses)
	e.routingMgr = routing.New(transport, e.clk, e.buses, 5000)
	e.sched = scheduler.New(transport, e.voices, e.routingMgr, e.onSchedulerFeedback)
	if err := e.routingMgr.CreateGroups(); err != nil {
		e.publish(&AudioFeedback{Kind: FeedbackTransportError, Err: err})
	}
	e.connected = true
	e.publish(&AudioFeedback{Kind: FeedbackServerStatus, Connected: true})
}

// onSchedulerFeedback adapts the scheduler's own feedback vocabulary
// onto the boundary's published AudioFeedback variants.
func (e *Engine) onSchedulerFeedback(f scheduler.Feedback) {
	switch f.Kind {
	case scheduler.FeedbackPlayhead:
		e.publish(&AudioFeedback{Kind: FeedbackPlayheadPosition, Tick: f.Tick})
	case scheduler.FeedbackTransportError:
		e.publish(&AudioFeedback{Kind: FeedbackTransportError, Err: f.Err})
	case scheduler.FeedbackServerReply:
		if f.Reply != nil && f.Reply.Address == "/fail" {
			e.publish(&AudioFeedback{Kind: FeedbackTransportError, Err: fmt.Errorf("scsynth reported failure: %v", f.Reply.Args)})
		}
	}
}

func (e *Engine) handleDisconnect() {
	if !e.connected {
		return
	}
	if e.voices != nil {
		e.voices.ReleaseAll()
	}
	if e.transport != nil {
		e.transport.Close()
	}
	e.connected = false
	e.publish(&AudioFeedback{Kind: FeedbackServerStatus, Connected: false})
}
