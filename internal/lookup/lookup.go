// Package lookup provides the allocator's two O(1)-ish lookup tables:
// size class to zone chain head, and address to owning zone. It
// generalizes achilleasa/gopher-os's bitmapIndex-style direct-indexed
// array lookups (fixed small arrays addressed by a derived integer
// key) to the allocator's two different key shapes.
package lookup

import (
	"math/bits"
	"sync"
	"unsafe"

	"github.com/mjp41/isoalloc/internal/isoconf"
	"github.com/mjp41/isoalloc/internal/sysmem"
)

// NoZone is the sentinel stored for an empty size-class chain head.
const NoZone int32 = -1

// sizeClassIndex maps a power-of-two chunk size to a small dense
// index (16 -> 0, 32 -> 1, ..., 8192 -> 9).
func sizeClassIndex(chunkSize uint64) int {
	return bits.TrailingZeros64(chunkSize) - bits.TrailingZeros64(isoconf.SmallestChunkSize)
}

const numSizeClasses = 1 + (13 - 4) // log2(8192) - log2(16) + 1

// SizeTable maps each size class to the index of the first zone in
// its chain; NextSzIndex links on Zone continue the chain from there.
// It is backed by its own mmap'd, mlock'd region rather than an
// ordinary Go array: spec.md §5 requires the lookup tables be
// memory-locked so this hot-path table is never soft-faulted back in
// from a swapped-out page.
type SizeTable struct {
	region *sysmem.Region
	heads  []int32
}

// NewSizeTable returns a table with every size class pointing at
// NoZone.
func NewSizeTable() (*SizeTable, error) {
	r, err := sysmem.Map(numSizeClasses*unsafe.Sizeof(int32(0)), false)
	if err != nil {
		return nil, err
	}
	if err := sysmem.Lock(r); err != nil {
		_ = sysmem.Unmap(r)
		return nil, err
	}
	b := r.Bytes()
	heads := unsafe.Slice((*int32)(unsafe.Pointer(&b[0])), numSizeClasses)
	t := &SizeTable{region: r, heads: heads}
	for i := range t.heads {
		t.heads[i] = NoZone
	}
	return t, nil
}

// Close releases the table's mapping. Callers must not use the table
// afterward.
func (t *SizeTable) Close() error { return sysmem.Unmap(t.region) }

// Head returns the head zone index for chunkSize's size class.
func (t *SizeTable) Head(chunkSize uint64) int32 {
	i := sizeClassIndex(chunkSize)
	if i < 0 || i >= len(t.heads) {
		return NoZone
	}
	return t.heads[i]
}

// SetHead sets the head zone index for chunkSize's size class.
func (t *SizeTable) SetHead(chunkSize uint64, zoneIndex int32) {
	i := sizeClassIndex(chunkSize)
	if i < 0 || i >= len(t.heads) {
		return
	}
	t.heads[i] = zoneIndex
}

// AddrTable resolves an arbitrary pointer to the index of the zone
// that owns the page it falls in. Unlike the original's array
// addressed directly by (addr-arena_base)>>page_shift -- which relies
// on every zone being carved out of one reserved arena -- this
// implementation maps independently-mmapped regions, so the table is
// a page-address-keyed map instead of a flat array. Callers still get
// an O(1) amortized lookup; what's given up is the original's
// guarantee of a single cache line per lookup, and -- unlike
// SizeTable -- the ability to mlock it: a Go map's backing arrays are
// GC-managed and can be resized or moved by the runtime at any time,
// so there is no stable mapping for sysmem.Lock to pin.
type AddrTable struct {
	mu        sync.RWMutex
	byPage    map[uintptr]int32
	pageShift uint
}

// NewAddrTable returns an empty address table keyed by page number.
func NewAddrTable(pageSize int) *AddrTable {
	return &AddrTable{
		byPage:    make(map[uintptr]int32),
		pageShift: uint(bits.TrailingZeros(uint(pageSize))),
	}
}

func (t *AddrTable) page(addr uintptr) uintptr { return addr >> t.pageShift }

// Register records that every page in [base, base+length) belongs to
// zoneIndex.
func (t *AddrTable) Register(zoneIndex int32, base, length uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	start := t.page(base)
	end := t.page(base + length - 1)
	for p := start; p <= end; p++ {
		t.byPage[p] = zoneIndex
	}
}

// Unregister removes every page in [base, base+length) from the
// table, used when a zone is retired and its mapping torn down.
func (t *AddrTable) Unregister(base, length uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	start := t.page(base)
	end := t.page(base + length - 1)
	for p := start; p <= end; p++ {
		delete(t.byPage, p)
	}
}

// Lookup resolves addr to a zone index. A miss is not itself an error:
// a foreign pointer (never issued by this allocator) naturally misses
// here, and the root package decides what that means for the calling
// operation (e.g. Free on a foreign pointer is a contract violation).
func (t *AddrTable) Lookup(addr uintptr) (zoneIndex int32, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byPage[t.page(addr)]
	return idx, ok
}
