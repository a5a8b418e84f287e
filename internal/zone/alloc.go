package zone

import (
	"errors"

	"github.com/mjp41/isoalloc/internal/isoconf"
	"github.com/mjp41/isoalloc/internal/isoerr"
)

// ErrZoneFull is returned by Alloc when the zone has no free chunks
// left; the root package treats it as a routine signal to try the
// next zone in the size chain, not a corruption.
var ErrZoneFull = errors.New("zone: full")

// Contains reports whether ptr falls inside this zone's user-page
// region.
func (z *Zone) Contains(ptr uintptr) bool {
	start := z.UserPagesStart()
	end := start + uintptr(isoconf.ZoneUserSize)
	return ptr >= start && ptr < end
}

// ChunkOffset returns the chunk-aligned offset of ptr within the user
// region and whether ptr is chunk-aligned at all (a misaligned ptr is
// itself a contract violation the caller should abort on).
func (z *Zone) ChunkOffset(ptr uintptr) (offset uint64, aligned bool) {
	rel := uint64(ptr - z.UserPagesStart())
	offset = (rel / z.ChunkSize) * z.ChunkSize
	return offset, rel%z.ChunkSize == 0
}

// Alloc hands out the next available chunk, verifying and erasing any
// history canary first, and returns its address. It returns
// ErrZoneFull when the zone has no free chunks left, or an
// *isoerr.Error when a history canary no longer matches — the caller
// decides whether that is fatal, since only the root package knows
// the configured integrity policy.
func (z *Zone) Alloc() (ptr uintptr, err error) {
	bitSlot, ok := z.NextFreeBitSlot()
	if !ok {
		return 0, ErrZoneFull
	}
	words := z.bitmapWords()
	idx := ChunkIndexFromBitSlot(bitSlot)
	off := idx * z.ChunkSize
	ptr = z.pointerFromBitSlot(bitSlot)

	if z.stateAt(words, bitSlot) == StateFreeUsed {
		if !z.checkCanary(off, ptr) {
			return 0, isoerr.NewZone("zone", "Alloc", z.Index, "canary mismatch on reused chunk")
		}
		b := z.userBytes()
		for i := off; i < off+8; i++ {
			b[i] = 0
		}
	}
	z.setState(words, bitSlot, StateInUse)
	z.AllocCount++
	z.AFCount++
	return ptr, nil
}

// Free validates that ptr is a live, in-bounds, chunk-aligned pointer
// that has not already been freed, and returns its bit-slot for
// insertion into the caller's quarantine ring. It deliberately leaves
// the bitmap at StateInUse and the canary unwritten: a chunk is only
// committed back to the free state once it is evicted from
// quarantine (CommitFree), so a pointer still sitting in the ring
// keeps failing this same validation rather than silently succeeding
// on a second free. It returns a *isoerr.Error describing a double
// free or an unaligned/foreign pointer instead of panicking: integrity
// decisions (abort vs. return) belong to the root package, which knows
// the configured policy.
func (z *Zone) Free(ptr uintptr) (bitSlot uint64, err error) {
	if !z.Contains(ptr) {
		return 0, isoerr.NewZone("zone", "Free", z.Index, "pointer outside zone bounds")
	}
	off, aligned := z.ChunkOffset(ptr)
	if !aligned {
		return 0, isoerr.NewZone("zone", "Free", z.Index, "pointer is not chunk-aligned")
	}
	idx := off / z.ChunkSize
	slot := bitSlotForChunk(idx)
	words := z.bitmapWords()

	switch z.stateAt(words, slot) {
	case StateFreeNeverUsed, StateFreeUsed:
		return 0, isoerr.NewZone("zone", "Free", z.Index, "double free")
	case StateCanary:
		return 0, isoerr.NewZone("zone", "Free", z.Index, "attempt to free a canary chunk")
	}

	return slot, nil
}

// CommitFree performs the actual, delayed mutation a quarantined free
// defers: flip the chunk at bitSlot to StateFreeUsed, stamp its
// canary and account the release in AFCount. It is called exactly
// once per free, when the chunk is evicted from quarantine rather
// than when Free was first called, so a chunk remains indistinguishable
// from a live one (and a repeat Free of it keeps failing) for as long
// as it sits in the ring.
func (z *Zone) CommitFree(bitSlot uint64) {
	words := z.bitmapWords()
	idx := ChunkIndexFromBitSlot(bitSlot)
	off := idx * z.ChunkSize
	chunkPtr := z.UserPagesStart() + uintptr(off)
	z.setState(words, bitSlot, StateFreeUsed)
	z.writeCanary(off, chunkPtr)
	z.AFCount--
}

// Poison overwrites a freed chunk's user-visible region (excluding the
// leading/trailing 8 bytes the canary occupies) with isoconf.PoisonByte.
func (z *Zone) Poison(ptr uintptr) {
	if z.ChunkSize <= 16 {
		return
	}
	off, aligned := z.ChunkOffset(ptr)
	if !aligned {
		return
	}
	b := z.userBytes()
	for i := off + 8; i < off+z.ChunkSize-8; i++ {
		b[i] = isoconf.PoisonByte
	}
}

// FreePermanent transitions the chunk at ptr to StateCanary instead of
// StateFreeUsed, so it is never handed out again: the Go analogue of
// freeing a chunk "with a permanent canary" in spec.md §4.3.
func (z *Zone) FreePermanent(ptr uintptr) error {
	if !z.Contains(ptr) {
		return isoerr.NewZone("zone", "FreePermanent", z.Index, "pointer outside zone bounds")
	}
	off, aligned := z.ChunkOffset(ptr)
	if !aligned {
		return isoerr.NewZone("zone", "FreePermanent", z.Index, "pointer is not chunk-aligned")
	}
	idx := off / z.ChunkSize
	slot := bitSlotForChunk(idx)
	words := z.bitmapWords()

	switch z.stateAt(words, slot) {
	case StateFreeNeverUsed, StateFreeUsed:
		return isoerr.NewZone("zone", "FreePermanent", z.Index, "double free")
	case StateCanary:
		return isoerr.NewZone("zone", "FreePermanent", z.Index, "attempt to free a canary chunk")
	}

	z.setState(words, slot, StateCanary)
	chunkPtr := z.UserPagesStart() + uintptr(off)
	z.writeCanary(off, chunkPtr)
	z.AFCount--
	return nil
}

// ZeroChunk overwrites the whole chunk at ptr with zeroes, used by
// Calloc to re-zero a chunk that mmap's own zero-fill no longer covers
// because it has been allocated before. The chunk is live, so its
// first and last 8 bytes hold no canary and are zeroed as well.
func (z *Zone) ZeroChunk(ptr uintptr) {
	off, aligned := z.ChunkOffset(ptr)
	if !aligned {
		return
	}
	b := z.userBytes()
	for i := off; i < off+z.ChunkSize; i++ {
		b[i] = 0
	}
}

// IsEmpty reports whether the zone currently holds no live
// allocations, the retirement precondition in spec.md §4.1.
func (z *Zone) IsEmpty() bool { return z.AFCount == 0 }

// ShouldRetire applies the ZoneAllocRetire/ZoneRetireSizeCeiling rule:
// a zone becomes a retirement candidate once it has cycled through
// enough allocations and its chunk size falls under the ceiling, and
// it currently holds nothing live.
func (z *Zone) ShouldRetire() bool {
	if !z.IsEmpty() {
		return false
	}
	if z.ChunkSize >= isoconf.ZoneRetireSizeCeiling {
		return false
	}
	return z.AllocCount > z.chunkCount*isoconf.ZoneAllocRetire
}
