package zone

import (
	"testing"

	"github.com/mjp41/isoalloc/internal/isoconf"
	"github.com/mjp41/isoalloc/internal/rng"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestZone(t *testing.T, requestedSize uint64) *Zone {
	t.Helper()
	z, err := New(0, requestedSize, false, rng.New(), -1, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = z.Unmap() })
	return z
}

func TestRoundChunkSize(t *testing.T) {
	cases := []struct {
		name string
		in   uint64
		want uint64
	}{
		{"below floor", 1, 16},
		{"exact power of two", 64, 64},
		{"rounds up", 65, 128},
		{"clamped to max", 1 << 20, 8192},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, RoundChunkSize(tc.in))
		})
	}
}

func TestNewZoneLayout(t *testing.T) {
	z := newTestZone(t, 64)
	assert.Equal(t, uint64(64), z.ChunkSize)
	assert.Equal(t, uint64(isoconf.ZoneUserSize)/64, z.ChunkCount())
	assert.NotZero(t, z.UserPagesStart())
	assert.NotZero(t, z.BitmapStart())
	assert.True(t, z.VerifyNoDuplicates())
}

func TestAllocFreeRoundTrip(t *testing.T) {
	z := newTestZone(t, 32)

	ptr, err := z.Alloc()
	require.NoError(t, err)
	assert.True(t, z.Contains(ptr))

	_, aligned := z.ChunkOffset(ptr)
	assert.True(t, aligned)

	slot, err := z.Free(ptr)
	require.NoError(t, err)
	z.CommitFree(slot)
	z.ReleaseBitSlot(slot)

	ptr2, err := z.Alloc()
	require.NoError(t, err)
	assert.Equal(t, ptr, ptr2, "freed chunk should be reused before new chunks are handed out")
}

func TestFreeLeavesBitmapUntouchedUntilCommitted(t *testing.T) {
	z := newTestZone(t, 32)
	ptr, err := z.Alloc()
	require.NoError(t, err)

	slot, err := z.Free(ptr)
	require.NoError(t, err)
	assert.Equal(t, StateInUse, z.stateAt(z.bitmapWords(), slot), "a quarantined free must not mutate the bitmap yet")

	_, err = z.Free(ptr)
	assert.Error(t, err, "a pointer still sitting in quarantine must keep failing Free")

	z.CommitFree(slot)
	assert.Equal(t, StateFreeUsed, z.stateAt(z.bitmapWords(), slot))
}

func TestDoubleFreeDetected(t *testing.T) {
	z := newTestZone(t, 32)
	ptr, err := z.Alloc()
	require.NoError(t, err)

	slot, err := z.Free(ptr)
	require.NoError(t, err)
	z.CommitFree(slot)

	_, err = z.Free(ptr)
	assert.Error(t, err)
}

func TestFreeOutOfBounds(t *testing.T) {
	z := newTestZone(t, 32)
	_, err := z.Free(z.UserPagesStart() + uintptr(isoconf.ZoneUserSize) + 64)
	assert.Error(t, err)
}

func TestFreeUnaligned(t *testing.T) {
	z := newTestZone(t, 32)
	ptr, err := z.Alloc()
	require.NoError(t, err)
	_, err = z.Free(ptr + 1)
	assert.Error(t, err)
}

func TestCanaryTamperDetected(t *testing.T) {
	z := newTestZone(t, 32)
	ptr, err := z.Alloc()
	require.NoError(t, err)
	slot, err := z.Free(ptr)
	require.NoError(t, err)
	z.CommitFree(slot)
	z.ReleaseBitSlot(slot)

	// Corrupt the leading canary bytes directly.
	b := z.userBytes()
	off, _ := z.ChunkOffset(ptr)
	b[off] ^= 0xFF

	// The freed slot is queued behind the entries already in the
	// free-slot cache; allocate through them until it comes up.
	for i := 0; i < isoconf.BitSlotCacheSize; i++ {
		if _, err = z.Alloc(); err != nil {
			break
		}
	}
	assert.Error(t, err, "allocating a chunk with a tampered canary must fail")
}

func TestCanaryChunksNeverAllocated(t *testing.T) {
	z := newTestZone(t, 16)
	words := z.bitmapWords()
	canaryCount := 0
	for idx := uint64(0); idx < z.ChunkCount(); idx++ {
		if z.stateAt(words, bitSlotForChunk(idx)) == StateCanary {
			canaryCount++
		}
	}
	assert.Greater(t, canaryCount, 0)

	for i := uint64(0); i < z.ChunkCount(); i++ {
		ptr, err := z.Alloc()
		if err != nil {
			break
		}
		_, aligned := z.ChunkOffset(ptr)
		require.True(t, aligned)
	}
	canaryCountAfter := 0
	for idx := uint64(0); idx < z.ChunkCount(); idx++ {
		if z.stateAt(words, bitSlotForChunk(idx)) == StateCanary {
			canaryCountAfter++
		}
	}
	assert.Equal(t, canaryCount, canaryCountAfter, "no canary chunk may be handed out")
	_, ok := z.VerifyCanaries()
	assert.True(t, ok)
}

func TestFreeCanaryChunkRejected(t *testing.T) {
	z := newTestZone(t, 16)
	words := z.bitmapWords()
	var canaryPtr uintptr
	for idx := uint64(0); idx < z.ChunkCount(); idx++ {
		slot := bitSlotForChunk(idx)
		if z.stateAt(words, slot) == StateCanary {
			canaryPtr = z.UserPagesStart() + uintptr(idx*z.ChunkSize)
			break
		}
	}
	require.NotZero(t, canaryPtr)
	_, err := z.Free(canaryPtr)
	assert.Error(t, err)
}

func TestShouldRetire(t *testing.T) {
	z := newTestZone(t, 16)
	assert.False(t, z.ShouldRetire(), "fresh zone is never a retirement candidate")

	z.AllocCount = z.ChunkCount()*isoconf.ZoneAllocRetire + 1
	z.AFCount = 0
	assert.True(t, z.ShouldRetire())
}
