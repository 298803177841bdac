package sampleinfo

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/schollz/collidertracker/internal/domain"
	"github.com/stretchr/testify/require"
)

// writeTestWAV writes a minimal canonical 16-bit PCM mono WAV file with
// numFrames of silence, so Analyze has something real to decode without
// any audio-library dependency in the test itself.
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
	write(uint16(1)) // PCM
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

func TestAnalyzeReadsDurationAndSampleRate(t *testing.T) {
	path := writeTestWAV(t, 44100, 44100) // exactly 1 second of silence

	info, err := Analyze(path)
	require.NoError(t, err)
	require.InDelta(t, 1.0, info.DurationSeconds, 0.001)
	require.Equal(t, int64(44100), info.SampleRate)
	require.Equal(t, int64(44100), info.TotalFrames)
}

func TestAnalyzeNonexistentFileErrors(t *testing.T) {
	_, err := Analyze("/nonexistent/path/to/sample.wav")
	require.Error(t, err)
}

func TestDefaultReleaseMarginScalesWithDuration(t *testing.T) {
	short := DefaultReleaseMargin(Info{DurationSeconds: 0.1})
	require.Equal(t, float32(minReleaseMargin), short, "clamped to the minimum for a very short one-shot")

	long := DefaultReleaseMargin(Info{DurationSeconds: 120})
	require.Equal(t, float32(maxReleaseMargin), long, "clamped to the maximum for a long pad")

	mid := DefaultReleaseMargin(Info{DurationSeconds: 1})
	require.InDelta(t, 0.1, mid, 0.001)
}

func TestDefaultReleaseMarginFallsBackWithoutDuration(t *testing.T) {
	require.Equal(t, domain.ReleaseMarginSeconds, DefaultReleaseMargin(Info{}))
}
