package tcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushQuarantineEvictsOldest(t *testing.T) {
	c := newCache()
	n := len(c.quarantine)
	for i := 0; i < n; i++ {
		_, hadEvicted := c.PushQuarantine(Entry{Ptr: uintptr(i)})
		assert.False(t, hadEvicted)
	}
	evicted, hadEvicted := c.PushQuarantine(Entry{Ptr: uintptr(999)})
	require.True(t, hadEvicted)
	assert.EqualValues(t, 0, evicted.Ptr, "the oldest entry (index 0) must be evicted first")
}

func TestDrainVisitsEveryEntryOnce(t *testing.T) {
	c := newCache()
	for i := 0; i < 5; i++ {
		c.PushQuarantine(Entry{Ptr: uintptr(i)})
	}
	var seen []uintptr
	c.Drain(func(e Entry) { seen = append(seen, e.Ptr) })
	assert.Equal(t, []uintptr{0, 1, 2, 3, 4}, seen)

	var seenAgain []uintptr
	c.Drain(func(e Entry) { seenAgain = append(seenAgain, e.Ptr) })
	assert.Empty(t, seenAgain, "a drained cache must not replay old entries")
}

func TestTouchZoneMovesToFront(t *testing.T) {
	c := newCache()
	c.TouchZone(1)
	c.TouchZone(2)
	c.TouchZone(3)
	assert.EqualValues(t, 3, c.MRUZones()[0])

	c.TouchZone(1)
	assert.EqualValues(t, 1, c.MRUZones()[0])
}

func TestManagerPooledAcquireRelease(t *testing.T) {
	m, err := NewManager(ModePooled)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	c := m.Acquire()
	require.NotNil(t, c)
	m.Release(c)
}

func TestManagerMappedSharesOneCache(t *testing.T) {
	m, err := NewManager(ModeMapped)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	a := m.Acquire()
	b := m.Acquire()
	assert.Same(t, a, b)
}
