package voice

import (
	"net"
	"testing"
	"time"

	"github.com/schollz/collidertracker/internal/bus"
	"github.com/schollz/collidertracker/internal/clock"
	"github.com/schollz/collidertracker/internal/domain"
	"github.com/schollz/collidertracker/internal/osc"
	"github.com/stretchr/testify/require"
)

// loopbackTransport spins up a real UDP listener on localhost so the
// allocator's transport.SendBundle calls have somewhere to land.
func loopbackTransport(t *testing.T) *osc.Transport {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	tp, err := osc.Dial("127.0.0.1", conn.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, err)
	t.Cleanup(func() { tp.Close() })
	return tp
}

func newTestAllocator(t *testing.T) *Allocator {
	return New(loopbackTransport(t), clock.New(), bus.New(16, 0))
}

func testInstrument(id int) *domain.Instrument {
	return &domain.Instrument{ID: id, Source: domain.SourceSynth, Polyphonic: true}
}

func TestSpawnWithinCapacity(t *testing.T) {
	a := newTestAllocator(t)
	a.SetMaxVoices(1, 2)
	inst := testInstrument(1)

	v1, err := a.Spawn(inst, 60, 100, 0)
	require.NoError(t, err)
	v2, err := a.Spawn(inst, 62, 100, 0.01)
	require.NoError(t, err)

	require.Equal(t, 2, a.LiveCount(1))
	require.NotEqual(t, v1.ID, v2.ID)
}

func TestSpawnStealsOldestWhenFull(t *testing.T) {
	a := newTestAllocator(t)
	a.SetMaxVoices(1, 2)
	inst := testInstrument(1)

	a.Spawn(inst, 60, 100, 0)
	time.Sleep(time.Millisecond)
	a.Spawn(inst, 62, 100, 0)
	time.Sleep(time.Millisecond)
	a.Spawn(inst, 64, 100, 0) // should steal pitch 60

	require.Equal(t, 2, a.LiveCount(1))
	pitches := map[float32]bool{}
	for _, e := range a.live[1] {
		pitches[e.voice.Pitch] = true
	}
	require.True(t, pitches[62])
	require.True(t, pitches[64])
	require.False(t, pitches[60])
}

func TestSpawnNonexistentInstrumentErrors(t *testing.T) {
	a := newTestAllocator(t)
	_, err := a.Spawn(nil, 60, 100, 0)
	require.Error(t, err)
}

func TestReleaseThenPruneFreesVoice(t *testing.T) {
	a := newTestAllocator(t)
	inst := testInstrument(1)
	v, _ := a.Spawn(inst, 60, 100, 0)

	a.Release(1, v.ID, 0) // releaseTime 0 -> deadline ~= ReleaseMarginSeconds from now
	require.Equal(t, 1, a.LiveCount(1), "voice stays tracked through its release tail")

	a.Prune(time.Now().Add(2 * time.Second))
	require.Equal(t, 0, a.LiveCount(1))
}

func TestReleaseUnknownVoiceIsNoop(t *testing.T) {
	a := newTestAllocator(t)
	inst := testInstrument(1)
	a.Spawn(inst, 60, 100, 0)

	require.NotPanics(t, func() {
		a.Release(1, 99999, 0)
	})
}

func TestSpawnAndReleaseMIDIInstrumentDoesNotTouchServerGraph(t *testing.T) {
	a := newTestAllocator(t)
	inst := &domain.Instrument{ID: 1, Source: domain.SourceMIDI, MidiDevice: "no such hardware", MidiChannel: 0}

	var v *domain.Voice
	var err error
	require.NotPanics(t, func() { v, err = a.Spawn(inst, 60, 100, 0) })
	require.NoError(t, err, "spawn itself never fails even when the MIDI device can't be found")
	require.Equal(t, 1, a.LiveCount(1))
	require.Equal(t, int32(0), v.GroupID, "a MIDI voice allocates no server node")

	require.NotPanics(t, func() { a.Release(1, v.ID, 0) })
	a.Prune(time.Now().Add(2 * time.Second))
	require.Equal(t, 0, a.LiveCount(1))
}

func TestReleaseByPitchReleasesOldestMatchingVoice(t *testing.T) {
	a := newTestAllocator(t)
	a.SetMaxVoices(1, 8)
	inst := testInstrument(1)

	a.Spawn(inst, 60, 100, 0)
	time.Sleep(time.Millisecond)
	a.Spawn(inst, 60, 100, 0) // a second voice at the same pitch, spawned later
	time.Sleep(time.Millisecond)
	a.Spawn(inst, 62, 100, 0)

	a.ReleaseByPitch(1, 60, 0)
	require.Equal(t, 3, a.LiveCount(1), "release only marks a voice releasing, it doesn't remove it until Prune")

	releasing := 0
	for _, e := range a.live[1] {
		if e.voice.State == domain.VoiceReleasing {
			releasing++
		}
	}
	require.Equal(t, 1, releasing, "only the oldest pitch-60 voice is released, not both")
}

func TestReleaseByPitchWithNoMatchIsNoop(t *testing.T) {
	a := newTestAllocator(t)
	inst := testInstrument(1)
	a.Spawn(inst, 60, 100, 0)

	require.NotPanics(t, func() {
		a.ReleaseByPitch(1, 99, 0)
	})
	require.Equal(t, 1, a.LiveCount(1))
}

func TestReleaseAllClearsEveryInstrument(t *testing.T) {
	a := newTestAllocator(t)
	a.Spawn(testInstrument(1), 60, 100, 0)
	a.Spawn(testInstrument(2), 62, 100, 0)

	a.ReleaseAll()

	require.Equal(t, 0, a.LiveCount(1))
	require.Equal(t, 0, a.LiveCount(2))
}
