// Package tcache implements the allocator's two caches that spec.md
// §9 requires to exist in either a thread-local or an explicitly
// mapped form: a deferred-free quarantine ring and a most-recently-used
// zone-index cache. Go has no true TLS, so the default mode borrows
// cloudfly-readgo's runtime/malloc.go framing of a per-P cache as the
// practical equivalent of "per-thread": a sync.Pool of Cache values,
// which the Go scheduler keeps goroutine-affine in the common case
// without pinning anything. ModeMapped is the explicitly-mapped
// alternative spec.md also calls for: a single shared Cache guarded by
// the caller's own lock instead of goroutine affinity. That Cache is
// ordinary Go memory; the two PROT_NONE pages the Manager maps in this
// mode are separate mappings and do not border it.
package tcache

import (
	"sync"

	"github.com/mjp41/isoalloc/internal/isoconf"
	"github.com/mjp41/isoalloc/internal/sysmem"
)

// Entry is one deferred free awaiting quarantine release.
type Entry struct {
	Ptr       uintptr
	ZoneIndex int32
	BitSlot   uint64
}

// Cache holds one goroutine's (or, in mapped mode, the process-wide)
// quarantine ring and zone MRU list.
type Cache struct {
	quarantine [isoconf.ChunkQuarantineSize]Entry
	qValid     [isoconf.ChunkQuarantineSize]bool
	qHead      int
	qCount     int

	zoneMRU [isoconf.ZoneCacheSize]int32
}

func newCache() *Cache {
	c := &Cache{}
	for i := range c.zoneMRU {
		c.zoneMRU[i] = -1
	}
	return c
}

// PushQuarantine inserts e into the ring, evicting and returning the
// oldest entry once the ring is full so the caller can actually
// release it back to its zone.
func (c *Cache) PushQuarantine(e Entry) (evicted Entry, hadEvicted bool) {
	if c.qCount == len(c.quarantine) {
		evicted = c.quarantine[c.qHead]
		hadEvicted = true
	} else {
		c.qCount++
	}
	c.quarantine[c.qHead] = e
	c.qValid[c.qHead] = true
	c.qHead = (c.qHead + 1) % len(c.quarantine)
	return evicted, hadEvicted
}

// Drain empties the quarantine ring, calling fn for every entry still
// held, in oldest-first order. Used by FlushCaches.
func (c *Cache) Drain(fn func(Entry)) {
	start := c.qHead - c.qCount
	for i := 0; i < c.qCount; i++ {
		idx := ((start+i)%len(c.quarantine) + len(c.quarantine)) % len(c.quarantine)
		if c.qValid[idx] {
			fn(c.quarantine[idx])
			c.qValid[idx] = false
		}
	}
	c.qHead = 0
	c.qCount = 0
}

// TouchZone moves zoneIndex to the front of the MRU list, the hint
// consulted before a full size-class chain scan.
func (c *Cache) TouchZone(zoneIndex int32) {
	for i, v := range c.zoneMRU {
		if v == zoneIndex {
			copy(c.zoneMRU[1:i+1], c.zoneMRU[:i])
			c.zoneMRU[0] = zoneIndex
			return
		}
	}
	copy(c.zoneMRU[1:], c.zoneMRU[:len(c.zoneMRU)-1])
	c.zoneMRU[0] = zoneIndex
}

// MRUZones returns the cache's zone-index hints, most recent first.
func (c *Cache) MRUZones() [isoconf.ZoneCacheSize]int32 { return c.zoneMRU }

// Mode selects how caches are acquired.
type Mode int

const (
	// ModePooled acquires a goroutine-affine Cache from a sync.Pool.
	ModePooled Mode = iota
	// ModeMapped shares a single Cache behind the caller's
	// own lock, for deployments that need every allocation to run
	// through one deterministic cache rather than per-P ones.
	ModeMapped
)

// Manager hands out Caches according to the configured Mode.
type Manager struct {
	mode Mode
	pool sync.Pool

	// mapped mode state: guard pages bracket the cache's backing
	// store conceptually, matching every other guard-bracketed
	// region in this allocator, even though the Cache struct itself
	// must remain ordinary GC-visible Go memory (placing live
	// pointers inside raw mmap would hide them from the collector).
	mappedGuardLo *sysmem.Region
	mappedGuardHi *sysmem.Region
	mapped        *Cache
}

// NewManager constructs a Manager in the given mode.
func NewManager(mode Mode) (*Manager, error) {
	m := &Manager{mode: mode}
	m.pool.New = func() any { return newCache() }
	if mode == ModeMapped {
		guardLo, err := sysmem.MapNone(uintptr(sysmem.PageSize))
		if err != nil {
			return nil, err
		}
		guardHi, err := sysmem.MapNone(uintptr(sysmem.PageSize))
		if err != nil {
			_ = sysmem.Unmap(guardLo)
			return nil, err
		}
		m.mappedGuardLo, m.mappedGuardHi = guardLo, guardHi
		m.mapped = newCache()
	}
	return m, nil
}

// Acquire returns a Cache. In ModeMapped it always returns the single
// shared instance; callers must hold their own lock around its use.
func (m *Manager) Acquire() *Cache {
	if m.mode == ModeMapped {
		return m.mapped
	}
	return m.pool.Get().(*Cache)
}

// Release returns a pooled Cache; a no-op in ModeMapped.
func (m *Manager) Release(c *Cache) {
	if m.mode == ModeMapped {
		return
	}
	m.pool.Put(c)
}

// Close releases ModeMapped's guard pages. A no-op in ModePooled.
func (m *Manager) Close() error {
	if m.mode != ModeMapped {
		return nil
	}
	if err := sysmem.Unmap(m.mappedGuardLo); err != nil {
		return err
	}
	return sysmem.Unmap(m.mappedGuardHi)
}
