// Package bigzone implements the big-allocation path for requests
// larger than isoconf.MaxDefaultZoneSize, grounded on
// original_source/src/iso_alloc.c's _iso_big_alloc / iso_free_big_zone
// / check_big_canary. Unlike the zone engine, big allocations are
// each their own mapping; this package maintains the singly linked
// list of live and free big zones the root package scans for reuse.
package bigzone

import (
	"encoding/binary"
	"errors"

	"github.com/mjp41/isoalloc/internal/isoconf"
	"github.com/mjp41/isoalloc/internal/isoerr"
	"github.com/mjp41/isoalloc/internal/rng"
	"github.com/mjp41/isoalloc/internal/sysmem"
)

// ErrTooLarge is returned when a request exceeds isoconf.BigSzMax.
var ErrTooLarge = errors.New("bigzone: requested size exceeds maximum")

// Zone is one big allocation: a guard-bracketed data mapping sized to
// the caller's request (rounded up to a page), paired with a second,
// separately guard-bracketed mapping holding its own metadata record
// (a redundant canary pair) rather than storing it inline in the data,
// since big zones are not chunked.
type Zone struct {
	Next *Zone

	size   uint64 // caller-requested size
	inUse  bool
	secret uint64

	guardLo *sysmem.Region
	data    *sysmem.Region
	guardHi *sysmem.Region

	// meta holds this zone's own metadata record (the canary pair) in
	// a separate, guard-bracketed mapping: a leading guard page, a
	// middle page the record sits at a random offset within, and a
	// trailing guard page, matching BigZoneMetaDataPageCount. Keeping
	// the record out of the data mapping means an overflow from the
	// user region can't reach it, and out of ordinary Go heap memory
	// means it can't be scanned or relocated by the GC.
	meta    *sysmem.Region
	metaOff uintptr
}

const canaryRecordSize = 16 // canary_a, canary_b: two uint64 words

// Size returns the originally requested size (not the page-rounded
// mapping size).
func (z *Zone) Size() uint64 { return z.size }

// Addr returns the base address of the usable data region.
func (z *Zone) Addr() uintptr { return z.data.Addr() }

// InUse reports whether this zone currently holds a live allocation.
func (z *Zone) InUse() bool { return z.inUse }

// Capacity returns the page-rounded size of the usable data region,
// i.e. the largest request this zone could satisfy without remapping.
func (z *Zone) Capacity() uint64 { return uint64(len(z.data.Bytes())) }

// Zero overwrites the first n bytes of the zone's data region with
// zeroes (used by Calloc on a reused big zone; a freshly mapped one is
// already zero courtesy of mmap).
func (z *Zone) Zero(n uint64) {
	b := z.data.Bytes()
	if n > uint64(len(b)) {
		n = uint64(len(b))
	}
	for i := uint64(0); i < n; i++ {
		b[i] = 0
	}
}

// Contains reports whether ptr falls inside this zone's data region.
func (z *Zone) Contains(ptr uintptr) bool {
	start := z.Addr()
	return ptr >= start && ptr < start+uintptr(z.Capacity())
}

func bswap64(v uint64) uint64 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return binary.LittleEndian.Uint64(b[:])
}

// metaAddr returns the address of this zone's metadata record itself
// (the random offset within its own guard-bracketed mapping), as
// distinct from Addr(), the separate data region the record describes.
func (z *Zone) metaAddr() uintptr { return z.meta.Addr() + z.metaOff }

func (z *Zone) canaryRecord() []byte {
	b := z.meta.Bytes()
	return b[z.metaOff : z.metaOff+canaryRecordSize]
}

// stampCanary computes and records the redundant canary pair for a
// freshly mapped or reused zone, following check_big_canary's
// construction: canary = meta_addr XOR bswap64(user_pages_start) XOR
// secret. meta_addr and user_pages_start are two distinct mappings, so
// an attacker who can only write into the data region can't recompute
// a consistent canary for the separate metadata record.
func (z *Zone) stampCanary() {
	v := uint64(z.metaAddr()) ^ bswap64(uint64(z.Addr())) ^ z.secret
	rec := z.canaryRecord()
	binary.LittleEndian.PutUint64(rec[0:8], v)
	binary.LittleEndian.PutUint64(rec[8:16], v)
}

// VerifyCanary reports whether the zone's redundant canary pair is
// still intact and internally consistent.
func (z *Zone) VerifyCanary() bool {
	want := uint64(z.metaAddr()) ^ bswap64(uint64(z.Addr())) ^ z.secret
	rec := z.canaryRecord()
	canaryA := binary.LittleEndian.Uint64(rec[0:8])
	canaryB := binary.LittleEndian.Uint64(rec[8:16])
	return canaryA == want && canaryB == want
}

// New maps a fresh big zone sized to hold size bytes, bracketed by
// guard pages on both sides.
func New(size uint64, source *rng.Source) (*Zone, error) {
	if size > isoconf.BigSzMax {
		return nil, ErrTooLarge
	}
	mapSize := uintptr(sysmem.RoundUpPage(uintptr(size)))
	if mapSize == 0 {
		mapSize = uintptr(sysmem.PageSize)
	}

	guardLo, err := sysmem.MapNone(uintptr(sysmem.PageSize))
	if err != nil {
		return nil, err
	}
	data, err := sysmem.Map(mapSize, false)
	if err != nil {
		return nil, err
	}
	guardHi, err := sysmem.MapNone(uintptr(sysmem.PageSize))
	if err != nil {
		return nil, err
	}

	meta, err := sysmem.Map(uintptr(isoconf.BigZoneMetaDataPageCount*sysmem.PageSize), false)
	if err != nil {
		return nil, err
	}
	pageSize := uintptr(sysmem.PageSize)
	if err := sysmem.ProtectRange(meta, 0, pageSize, false); err != nil {
		return nil, err
	}
	if err := sysmem.ProtectRange(meta, 2*pageSize, pageSize, false); err != nil {
		return nil, err
	}

	z := &Zone{
		size:    size,
		inUse:   true,
		secret:  source.Uint64(),
		guardLo: guardLo,
		data:    data,
		guardHi: guardHi,
		meta:    meta,
		metaOff: pageSize + uintptr(source.Intn(uint64(pageSize-canaryRecordSize))),
	}
	z.stampCanary()
	return z, nil
}

// Reuse reclaims a free zone for a new request of size bytes, which
// must not exceed the zone's mapped capacity. It re-stamps the canary
// with a fresh secret so a reused big zone never carries forward a
// prior allocation's canary value.
func (z *Zone) Reuse(size uint64, source *rng.Source) error {
	if size > z.Capacity() {
		return isoerr.New("bigzone", "Reuse", "requested size exceeds zone capacity")
	}
	z.size = size
	z.inUse = true
	z.secret = source.Uint64()
	z.stampCanary()
	return nil
}

// Release marks the zone free for reuse without unmapping it, the
// common case: the root package keeps freed big zones on the list so
// a similarly sized future request can skip a fresh mmap.
func (z *Zone) Release() {
	z.inUse = false
	z.size = 0
}

// Unmap releases every mapping owned by this zone. The root package
// calls it from Allocator.Close; freed zones stay mapped on the list
// until then.
func (z *Zone) Unmap() error {
	for _, r := range []*sysmem.Region{z.guardLo, z.data, z.guardHi, z.meta} {
		if err := sysmem.Unmap(r); err != nil {
			return err
		}
	}
	return nil
}

// List is the root's singly linked chain of big zones, ordered
// newest-first.
type List struct {
	head *Zone
}

// FindFit does a first-fit scan for a free zone whose capacity can
// hold size bytes without excessive waste: like the zone engine's
// anti-waste rule, a free zone more than 16x larger than the request
// is skipped rather than reused, so a single huge prior allocation
// doesn't get handed out for every small big-alloc thereafter.
func (l *List) FindFit(size uint64) *Zone {
	for z := l.head; z != nil; z = z.Next {
		if z.inUse {
			continue
		}
		cap := z.Capacity()
		if cap < size {
			continue
		}
		if size > 0 && cap > size<<isoconf.WastedSizeMultiplierShift {
			continue
		}
		return z
	}
	return nil
}

// Push links a new zone at the head of the list.
func (l *List) Push(z *Zone) {
	z.Next = l.head
	l.head = z
}

// Remove unlinks z from the list. The root package never calls it: it
// keeps freed zones on the list for reuse.
func (l *List) Remove(z *Zone) {
	if l.head == z {
		l.head = z.Next
		return
	}
	for cur := l.head; cur != nil; cur = cur.Next {
		if cur.Next == z {
			cur.Next = z.Next
			return
		}
	}
}

// Each calls fn for every zone on the list, in order.
func (l *List) Each(fn func(*Zone)) {
	for z := l.head; z != nil; z = z.Next {
		fn(z)
	}
}

// BelongsOnBigPath reports whether size should be served by the
// big-allocation path rather than a size-class zone.
func BelongsOnBigPath(size uint64) bool {
	return size > isoconf.MaxDefaultZoneSize
}
