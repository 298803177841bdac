package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocFreeAllocLIFO(t *testing.T) {
	a := New(16, 0)
	key := Key{Usage: "source", Owner: 1}

	first := a.AllocAudio(key)
	a.Free(1)
	second := a.AllocAudio(key)

	require.Equal(t, first, second, "alloc-free-alloc for the same owner must return the same bus index")
}

func TestGetOrAllocIdempotent(t *testing.T) {
	a := New(16, 0)
	key := Key{Usage: "source", Owner: 5}

	idx1 := a.GetOrAllocAudio(key)
	idx2 := a.GetOrAllocAudio(key)

	require.Equal(t, idx1, idx2)
}

func TestNoCollisionWithinRegion(t *testing.T) {
	a := New(16, 0)
	seen := map[int]bool{}
	for i := int64(0); i < 50; i++ {
		idx := a.AllocAudio(Key{Usage: "source", Owner: i})
		require.False(t, seen[idx], "bus index %d reused while still live", idx)
		seen[idx] = true
	}
	require.NoError(t, a.Validate())
}

func TestMixerOwnerNeverCollidesWithInstruments(t *testing.T) {
	a := New(16, 0)
	for i := int64(0); i < 1000; i++ {
		a.AllocAudio(Key{Usage: "source", Owner: i})
	}
	mixerKey := Key{Usage: "output", Owner: MixerOwner(0)}
	idx := a.AllocAudio(mixerKey)

	for i := int64(0); i < 1000; i++ {
		require.NotEqual(t, idx, a.allocated[Audio][Key{Usage: "source", Owner: i}])
	}
}

func TestFreeReleasesAllRegionsForOwner(t *testing.T) {
	a := New(16, 0)
	owner := int64(9)
	a.AllocAudio(Key{Usage: "source", Owner: owner})
	a.AllocControl(Key{Usage: "freq", Owner: owner})
	a.AllocControl(Key{Usage: "gate", Owner: owner})

	a.Free(owner)

	require.NoError(t, a.Validate())
	require.Empty(t, a.byOwner[owner])
}

func TestResetReinitializes(t *testing.T) {
	a := New(16, 0)
	a.AllocAudio(Key{Usage: "source", Owner: 1})
	a.Reset()

	idx := a.AllocAudio(Key{Usage: "source", Owner: 1})
	require.Equal(t, 16, idx, "after reset, allocation should restart at the base index")
}
