package bigzone

import (
	"testing"

	"github.com/mjp41/isoalloc/internal/isoconf"
	"github.com/mjp41/isoalloc/internal/rng"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBelongsOnBigPath(t *testing.T) {
	assert.False(t, BelongsOnBigPath(isoconf.MaxDefaultZoneSize))
	assert.True(t, BelongsOnBigPath(isoconf.MaxDefaultZoneSize+1))
}

func TestNewTooLarge(t *testing.T) {
	_, err := New(isoconf.BigSzMax+1, rng.New())
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestNewAndVerifyCanary(t *testing.T) {
	src := rng.New()
	z, err := New(1<<20, src)
	require.NoError(t, err)
	t.Cleanup(func() { _ = z.Unmap() })

	assert.True(t, z.VerifyCanary())
	assert.Equal(t, uint64(1<<20), z.Size())
}

func TestReuseRestampsCanary(t *testing.T) {
	src := rng.New()
	z, err := New(1<<20, src)
	require.NoError(t, err)
	t.Cleanup(func() { _ = z.Unmap() })

	z.Release()
	assert.False(t, z.InUse())

	require.NoError(t, z.Reuse(1<<19, src))
	assert.True(t, z.InUse())
	assert.True(t, z.VerifyCanary())
}

func TestReuseRejectsOversizedRequest(t *testing.T) {
	src := rng.New()
	z, err := New(4096, src)
	require.NoError(t, err)
	t.Cleanup(func() { _ = z.Unmap() })
	z.Release()

	err = z.Reuse(z.Capacity()+1, src)
	assert.Error(t, err)
}

func TestListFindFitSkipsWastefulReuse(t *testing.T) {
	src := rng.New()
	big, err := New(1<<24, src) // 16 MiB
	require.NoError(t, err)
	t.Cleanup(func() { _ = big.Unmap() })
	big.Release()

	var l List
	l.Push(big)

	// Requesting far less than 1/16th of the zone's capacity should
	// not reuse it (anti-waste rule).
	assert.Nil(t, l.FindFit(1))
	assert.Same(t, big, l.FindFit(1<<20))
}

func TestListRemove(t *testing.T) {
	src := rng.New()
	a, err := New(4096, src)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Unmap() })
	b, err := New(4096, src)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Unmap() })

	var l List
	l.Push(a)
	l.Push(b)

	l.Remove(a)
	var seen []*Zone
	l.Each(func(z *Zone) { seen = append(seen, z) })
	assert.Equal(t, []*Zone{b}, seen)
}
