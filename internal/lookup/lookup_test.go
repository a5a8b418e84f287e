package lookup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSizeTable(t *testing.T) *SizeTable {
	t.Helper()
	st, err := NewSizeTable()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSizeTableDefaultsToNoZone(t *testing.T) {
	st := newTestSizeTable(t)
	assert.Equal(t, NoZone, st.Head(16))
	assert.Equal(t, NoZone, st.Head(8192))
}

func TestSizeTableSetAndGet(t *testing.T) {
	st := newTestSizeTable(t)
	st.SetHead(64, 3)
	assert.EqualValues(t, 3, st.Head(64))
	assert.Equal(t, NoZone, st.Head(128), "unrelated size class must be untouched")
}

func TestSizeTableOutOfRangeIsSafe(t *testing.T) {
	st := newTestSizeTable(t)
	assert.NotPanics(t, func() { st.SetHead(1<<30, 1) })
	assert.Equal(t, NoZone, st.Head(1<<30))
}

func TestAddrTableRegisterLookupUnregister(t *testing.T) {
	at := NewAddrTable(4096)
	base := uintptr(0x1000_0000)
	length := uintptr(4096 * 4)

	_, ok := at.Lookup(base)
	assert.False(t, ok)

	at.Register(7, base, length)
	idx, ok := at.Lookup(base)
	require := assert.New(t)
	require.True(ok)
	require.EqualValues(7, idx)

	idx, ok = at.Lookup(base + length - 1)
	require.True(ok)
	require.EqualValues(7, idx)

	at.Unregister(base, length)
	_, ok = at.Lookup(base)
	assert.False(t, ok)
}

func TestAddrTableMissOutsideRange(t *testing.T) {
	at := NewAddrTable(4096)
	at.Register(1, 0x2000_0000, 4096)
	_, ok := at.Lookup(0x3000_0000)
	assert.False(t, ok)
}
