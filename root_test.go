package isoalloc

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjp41/isoalloc/internal/tcache"
)

func newTestAllocator(t *testing.T, opts ...Option) *Allocator {
	t.Helper()
	a, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(t)

	ptr, err := a.Alloc(48)
	require.NoError(t, err)
	require.NotZero(t, ptr)

	size, err := a.ChunkSize(ptr)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), size, "48 bytes rounds up to the 64-byte size class")

	require.NoError(t, a.Free(ptr))
}

func TestAllocZeroSizeUsesSmallestClass(t *testing.T) {
	a := newTestAllocator(t)
	ptr, err := a.Alloc(0)
	require.NoError(t, err)
	size, err := a.ChunkSize(ptr)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), size)
}

func TestFreeForeignPointerReturnsError(t *testing.T) {
	a := newTestAllocator(t)
	err := a.Free(0xDEADBEEF)
	assert.Error(t, err)
}

func TestCallocAfterFreeReturnsChunk(t *testing.T) {
	a := newTestAllocator(t)
	ptr, err := a.Alloc(256)
	require.NoError(t, err)
	require.NoError(t, a.Free(ptr))
	a.FlushCaches()

	cptr, err := a.Calloc(16, 16)
	require.NoError(t, err)
	require.NotZero(t, cptr)
}

func TestBigAllocationPath(t *testing.T) {
	a := newTestAllocator(t)
	ptr, err := a.Alloc(1 << 20)
	require.NoError(t, err)

	size, err := a.ChunkSize(ptr)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), size)

	require.NoError(t, a.Free(ptr))
}

func TestBigAllocationReuseAfterFree(t *testing.T) {
	a := newTestAllocator(t)
	ptr1, err := a.Alloc(1 << 20)
	require.NoError(t, err)
	require.NoError(t, a.Free(ptr1))

	ptr2, err := a.Alloc(1 << 19)
	require.NoError(t, err)
	assert.Equal(t, ptr1, ptr2, "a freed big zone large enough for the new request should be reused")
}

func TestFreePermanentPreventsReuse(t *testing.T) {
	a := newTestAllocator(t)
	ptr, err := a.Alloc(32)
	require.NoError(t, err)
	require.NoError(t, a.FreePermanent(ptr))

	// Allocate enough chunks of the same size class to exhaust
	// everything the zone could have handed back, and confirm the
	// permanently-freed address never reappears.
	seen := map[uintptr]bool{}
	for i := 0; i < 4096; i++ {
		p, err := a.Alloc(32)
		if err != nil {
			break
		}
		seen[p] = true
	}
	assert.False(t, seen[ptr])
}

func TestVerifyAllZonesCleanAllocator(t *testing.T) {
	a := newTestAllocator(t)
	for i := 0; i < 16; i++ {
		_, err := a.Alloc(uint64(16 << (i % 6)))
		require.NoError(t, err)
	}
	assert.NoError(t, a.VerifyAllZones())
}

func TestVerifyZoneUnknownIndex(t *testing.T) {
	a := newTestAllocator(t)
	assert.Error(t, a.VerifyZone(999))
}

func TestProtectRootBlocksNewZones(t *testing.T) {
	a := newTestAllocator(t)
	a.ProtectRoot()
	_, err := a.Alloc(16)
	assert.Error(t, err, "the very first allocation must create a zone, which is blocked while protected")
	a.UnprotectRoot()
	_, err = a.Alloc(16)
	assert.NoError(t, err)
}

func TestPrivateZoneIsolatedFromMainAllocator(t *testing.T) {
	a := newTestAllocator(t)
	pz, err := a.NewPrivateZone(64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pz.Close() })

	ptr, err := pz.Alloc()
	require.NoError(t, err)

	_, chunkSizeErr := a.ChunkSize(ptr)
	assert.Error(t, chunkSizeErr, "a private zone's chunks are never registered in the main address table")

	require.NoError(t, pz.Free(ptr))
	assert.True(t, pz.VerifyCanaries())
}

func TestCloseIsIdempotentGuard(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	_, err = a.Alloc(32)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.Error(t, a.Close(), "closing twice must report an error rather than double-unmap")
}

func TestMappedZoneCacheModeShared(t *testing.T) {
	a := newTestAllocator(t, WithZoneCacheMode(tcache.ModeMapped))
	ptr, err := a.Alloc(32)
	require.NoError(t, err)
	require.NoError(t, a.Free(ptr))
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := newTestAllocator(t, WithMetrics(reg))

	_, err := a.Alloc(32)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestUAFHookFiresWhenConfigured(t *testing.T) {
	fired := make(chan uintptr, 1)
	a := newTestAllocator(t,
		WithUAFSweepProbability(1),
		WithUAFHook(func(ptr uintptr) { fired <- ptr }),
	)

	ptr, err := a.Alloc(32)
	require.NoError(t, err)
	require.NoError(t, a.Free(ptr))

	select {
	case got := <-fired:
		assert.Equal(t, ptr, got)
	default:
		t.Fatal("expected the use-after-free hook to fire with 1-in-1 odds")
	}
}
