package engine

import (
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/schollz/collidertracker/internal/domain"
	"github.com/stretchr/testify/require"
)

// writeTestWAV writes a minimal canonical 16-bit PCM mono WAV file of
// silence, enough for sampleinfo.Analyze to decode.
func writeTestWAV(t *testing.T, sampleRate, numFrames int) string {
	t.Helper()
	const bitsPerSample = 16
	const numChannels = 1
	byteRate := sampleRate * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8
	dataSize := numFrames * blockAlign

	path := filepath.Join(t.TempDir(), "test.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	write := func(v interface{}) {
		require.NoError(t, binary.Write(f, binary.LittleEndian, v))
	}

	f.WriteString("RIFF")
	write(uint32(36 + dataSize))
	f.WriteString("WAVE")
	f.WriteString("fmt ")
	write(uint32(16))
	write(uint16(1))
	write(uint16(numChannels))
	write(uint32(sampleRate))
	write(uint32(byteRate))
	write(uint16(blockAlign))
	write(uint16(bitsPerSample))
	f.WriteString("data")
	write(uint32(dataSize))
	f.Write(make([]byte, dataSize))

	return path
}

// fakeServer opens a UDP socket to dial against so Connect has somewhere
// to send to; it does not need to understand the wire format.
func fakeServer(t *testing.T) (host string, port int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return "127.0.0.1", conn.LocalAddr().(*net.UDPAddr).Port
}

func TestConnectPublishesServerStatus(t *testing.T) {
	e := New()
	host, port := fakeServer(t)
	go e.Run()
	defer e.Shutdown()

	e.SendCommand(&AudioCmd{Kind: CmdConnectServer, Host: host, Port: port})

	select {
	case fb := <-e.Feedback():
		require.Equal(t, FeedbackServerStatus, fb.Kind)
		require.True(t, fb.Connected)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connect feedback")
	}
}

func TestShadowStateReplacementThenSpawnVoice(t *testing.T) {
	e := New()
	host, port := fakeServer(t)
	go e.Run()
	defer e.Shutdown()

	e.SendCommand(&AudioCmd{Kind: CmdConnectServer, Host: host, Port: port})
	require.Equal(t, FeedbackServerStatus, (<-e.Feedback()).Kind)

	e.SendCommand(&AudioCmd{
		Kind: CmdUpdateShadowState,
		Shadow: &ShadowState{
			Instruments: map[int]*domain.Instrument{
				1: {ID: 1, Source: domain.SourceSynth, Polyphonic: true},
			},
		},
	})
	e.SendCommand(&AudioCmd{Kind: CmdSpawnVoice, InstrumentID: 1, Pitch: 60, Velocity: 100})

	// Give the audio thread a tick to process both commands; a
	// deterministic handshake isn't needed since SendCommand already
	// blocks until the bounded channel accepts the command.
	time.Sleep(20 * time.Millisecond)
}

func TestSpawnVoiceForUnknownInstrumentPublishesError(t *testing.T) {
	e := New()
	host, port := fakeServer(t)
	go e.Run()
	defer e.Shutdown()

	e.SendCommand(&AudioCmd{Kind: CmdConnectServer, Host: host, Port: port})
	require.Equal(t, FeedbackServerStatus, (<-e.Feedback()).Kind)

	e.SendCommand(&AudioCmd{Kind: CmdSpawnVoice, InstrumentID: 404, Pitch: 60, Velocity: 100})

	select {
	case fb := <-e.Feedback():
		require.Equal(t, FeedbackTransportError, fb.Kind)
		require.Error(t, fb.Err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error feedback")
	}
}

func TestReleaseVoiceByPitchDoesNotPanicWithoutAMatch(t *testing.T) {
	e := New()
	host, port := fakeServer(t)
	go e.Run()
	defer e.Shutdown()

	e.SendCommand(&AudioCmd{Kind: CmdConnectServer, Host: host, Port: port})
	require.Equal(t, FeedbackServerStatus, (<-e.Feedback()).Kind)

	e.SendCommand(&AudioCmd{
		Kind: CmdUpdateShadowState,
		Shadow: &ShadowState{
			Instruments: map[int]*domain.Instrument{
				1: {ID: 1, Source: domain.SourceSynth, Polyphonic: true},
			},
		},
	})
	e.SendCommand(&AudioCmd{Kind: CmdSpawnVoice, InstrumentID: 1, Pitch: 60, Velocity: 100})
	// CmdReleaseVoice never carries a server-side voice id (the UI thread
	// never learns one); it must resolve by (instrument, pitch) instead.
	e.SendCommand(&AudioCmd{Kind: CmdReleaseVoice, InstrumentID: 1, Pitch: 60})
	e.SendCommand(&AudioCmd{Kind: CmdReleaseVoice, InstrumentID: 1, Pitch: 99}) // no matching voice, must not panic

	time.Sleep(20 * time.Millisecond)
}

func TestTickPublishesMonitorPeaksFromActiveVoices(t *testing.T) {
	e := New()
	host, port := fakeServer(t)
	go e.Run()
	defer e.Shutdown()

	e.SendCommand(&AudioCmd{Kind: CmdConnectServer, Host: host, Port: port})
	require.Equal(t, FeedbackServerStatus, (<-e.Feedback()).Kind)

	e.SendCommand(&AudioCmd{
		Kind: CmdUpdateShadowState,
		Shadow: &ShadowState{
			Instruments: map[int]*domain.Instrument{
				1: {ID: 1, Source: domain.SourceSynth, Polyphonic: true},
			},
		},
	})
	e.SendCommand(&AudioCmd{Kind: CmdSpawnVoice, InstrumentID: 1, Pitch: 60, Velocity: 127})

	require.Eventually(t, func() bool {
		snap := e.Monitor().Read()
		return snap.PeakLeft > 0
	}, time.Second, 5*time.Millisecond, "a sounding voice should raise the monitor's peak meter")
}

func TestTickPublishesSilenceWithNoActiveVoices(t *testing.T) {
	e := New()
	host, port := fakeServer(t)
	go e.Run()
	defer e.Shutdown()

	e.SendCommand(&AudioCmd{Kind: CmdConnectServer, Host: host, Port: port})
	require.Equal(t, FeedbackServerStatus, (<-e.Feedback()).Kind)

	time.Sleep(20 * time.Millisecond)
	snap := e.Monitor().Read()
	require.Equal(t, float32(0), snap.PeakLeft)
}

func TestShutdownClosesFeedbackChannel(t *testing.T) {
	e := New()
	go e.Run()
	e.Shutdown()

	_, ok := <-e.Feedback()
	require.False(t, ok)
}

func TestFeedbackKindCriticality(t *testing.T) {
	require.False(t, FeedbackPlayheadPosition.critical())
	require.True(t, FeedbackServerStatus.critical())
	require.True(t, FeedbackTransportError.critical())
	require.True(t, FeedbackRecordingState.critical())
	require.True(t, FeedbackVstParamsDiscovered.critical())
}

func TestPublishDropsIncomingNonCriticalWhenFull(t *testing.T) {
	e := &Engine{
		inbound:  make(chan *AudioCmd, 1),
		outbound: make(chan *AudioFeedback, 1),
	}
	e.publish(&AudioFeedback{Kind: FeedbackPlayheadPosition, Tick: 1})
	e.publish(&AudioFeedback{Kind: FeedbackPlayheadPosition, Tick: 2}) // dropped, channel full

	fb := <-e.outbound
	require.Equal(t, 1, fb.Tick)
}

func TestDumpShadowStateJSONBeforeConnectIsEmptyObject(t *testing.T) {
	e := New()
	raw, err := e.DumpShadowStateJSON()
	require.NoError(t, err)
	require.JSONEq(t, `{"instruments":null,"sequences":null,"automation":null,"transport":{"BPM":0,"Playing":false,"PlayheadTick":0,"Acc":0,"LoopStart":0,"LoopEnd":0,"LoopEnabled":false}}`, string(raw))
}

func TestDumpShadowStateJSONAfterConnectReflectsInstruments(t *testing.T) {
	e := New()
	host, port := fakeServer(t)
	go e.Run()
	defer e.Shutdown()

	e.SendCommand(&AudioCmd{Kind: CmdConnectServer, Host: host, Port: port})
	require.Equal(t, FeedbackServerStatus, (<-e.Feedback()).Kind)

	e.SendCommand(&AudioCmd{
		Kind: CmdUpdateShadowState,
		Shadow: &ShadowState{
			Instruments: map[int]*domain.Instrument{
				1: {ID: 1, Source: domain.SourceSynth, Polyphonic: true},
			},
		},
	})
	time.Sleep(20 * time.Millisecond)

	raw, err := e.DumpShadowStateJSON()
	require.NoError(t, err)
	require.Contains(t, string(raw), `"instruments":{"1":`)
}

func TestLoadSampleSeedsReleaseFromDuration(t *testing.T) {
	e := New()
	host, port := fakeServer(t)
	go e.Run()
	defer e.Shutdown()

	e.SendCommand(&AudioCmd{Kind: CmdConnectServer, Host: host, Port: port})
	require.Equal(t, FeedbackServerStatus, (<-e.Feedback()).Kind)

	e.SendCommand(&AudioCmd{
		Kind: CmdUpdateShadowState,
		Shadow: &ShadowState{
			Instruments: map[int]*domain.Instrument{
				1: {ID: 1, Source: domain.SourceSample},
			},
		},
	})

	path := writeTestWAV(t, 44100, 44100)
	e.SendCommand(&AudioCmd{Kind: CmdLoadSample, InstrumentID: 1, SamplePath: path})

	select {
	case fb := <-e.Feedback():
		require.Equal(t, FeedbackSampleAnalyzed, fb.Kind)
		require.InDelta(t, 1.0, fb.Sample.DurationSeconds, 0.001)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sample-analyzed feedback")
	}

	raw, err := e.DumpShadowStateJSON()
	require.NoError(t, err)
	require.Contains(t, string(raw), `"SamplePath":"`+path+`"`)
	require.Contains(t, string(raw), `"Release":0.1`)
}

func TestLoadSampleForMissingFilePublishesError(t *testing.T) {
	e := New()
	go e.Run()
	defer e.Shutdown()

	e.SendCommand(&AudioCmd{Kind: CmdLoadSample, SamplePath: "/nonexistent/path/to/sample.wav"})

	select {
	case fb := <-e.Feedback():
		require.Equal(t, FeedbackTransportError, fb.Kind)
		require.Error(t, fb.Err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error feedback")
	}
}

func TestAttachMidiClockWithUnknownDevicePublishesError(t *testing.T) {
	e := New()
	go e.Run()
	defer e.Shutdown()

	e.SendCommand(&AudioCmd{Kind: CmdAttachMidiClock, MidiDeviceName: "no such device exists"})

	select {
	case fb := <-e.Feedback():
		require.Equal(t, FeedbackTransportError, fb.Kind)
		require.Error(t, fb.Err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error feedback")
	}
}

func TestDetachMidiClockWithoutAttachIsNoop(t *testing.T) {
	e := New()
	go e.Run()
	defer e.Shutdown()

	e.SendCommand(&AudioCmd{Kind: CmdDetachMidiClock})
	time.Sleep(10 * time.Millisecond)
}

func TestPublishNeverDropsCriticalEvenWhenFull(t *testing.T) {
	e := &Engine{
		inbound:  make(chan *AudioCmd, 1),
		outbound: make(chan *AudioFeedback, 1),
	}
	e.publish(&AudioFeedback{Kind: FeedbackPlayheadPosition, Tick: 1})
	e.publish(&AudioFeedback{Kind: FeedbackTransportError})

	fb := <-e.outbound
	require.Equal(t, FeedbackTransportError, fb.Kind, "critical feedback evicts the queued non-critical event")
}
