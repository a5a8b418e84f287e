// Package zone implements the size-class zone engine: zone creation
// and layout, the two-bit-per-chunk bitmap, the canary protocol and
// the per-zone free-slot cache. It is the allocator's core component
// (spec.md §4.1-§4.3), generalizing achilleasa/gopher-os's
// buddyAllocator bitmap bookkeeping from a single page-order buddy
// structure to an array of independently-sized, guard-bracketed zones.
//
// Every exported method here assumes the caller already holds the
// root lock; Zone itself performs no locking.
package zone

import (
	"unsafe"

	"github.com/mjp41/isoalloc/internal/isoconf"
	"github.com/mjp41/isoalloc/internal/rng"
	"github.com/mjp41/isoalloc/internal/sysmem"
)

// BitPair is the two-bit chunk state described in spec.md §3.
type BitPair uint8

const (
	// StateFreeNeverUsed: 00, never allocated.
	StateFreeNeverUsed BitPair = 0b00
	// StateFreeUsed: 01, free but previously allocated; bears a canary.
	StateFreeUsed BitPair = 0b01
	// StateInUse: 10, currently allocated.
	StateInUse BitPair = 0b10
	// StateCanary: 11, permanent tripwire chunk; bears a canary.
	StateCanary BitPair = 0b11
)

// Zone owns one size class's memory: a user-page region, a bitmap
// region and the guard pages bracketing both.
type Zone struct {
	Index       int32
	NextSzIndex int32
	ChunkSize   uint64
	Internal    bool
	IsFull      bool
	PinnedCPU   int // -1 when not CPU-pinned
	Tag         string // caller-assigned region tag; "" when untagged

	AFCount    uint64
	AllocCount uint64

	CanarySecret uint64
	pointerMask  uint64

	chunkCount uint64

	userRegion    *sysmem.Region
	userGuardLo   *sysmem.Region
	userGuardHi   *sysmem.Region
	bitmapRegion  *sysmem.Region
	bitmapGuardLo *sysmem.Region
	bitmapGuardHi *sysmem.Region

	// masked region bases; the only form in which these addresses
	// exist outside of the Region handles above. All chunk address
	// arithmetic goes through unmask(), never through userRegion
	// directly, per spec.md's "masked forms are never dereferenced"
	// invariant.
	userPagesStartMasked uint64
	bitmapStartMasked    uint64

	cache freeSlotCache
	rng   *rng.Source
}

// ChunkCount returns the number of chunks this zone manages.
func (z *Zone) ChunkCount() uint64 { return z.chunkCount }

// UserPagesStart returns the (unmasked) base address of the zone's
// user-page region.
func (z *Zone) UserPagesStart() uintptr {
	return uintptr(z.userPagesStartMasked ^ z.pointerMask)
}

// BitmapStart returns the (unmasked) base address of the zone's
// bitmap region.
func (z *Zone) BitmapStart() uintptr {
	return uintptr(z.bitmapStartMasked ^ z.pointerMask)
}

func (z *Zone) mask(addr uintptr) uint64 { return uint64(addr) ^ z.pointerMask }

// bitmapWords reinterprets the zone's bitmap byte region as a slice
// of uint64 words, the same reflect.SliceHeader-overlay technique
// achilleasa/gopher-os uses for its freeBitmap slices, expressed with
// the modern unsafe.Slice helper instead of a manual SliceHeader.
func (z *Zone) bitmapWords() []uint64 {
	b := z.bitmapRegion.Bytes()
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), len(b)/8)
}

// userBytes returns the zone's user-page region as a byte slice.
func (z *Zone) userBytes() []byte { return z.userRegion.Bytes() }

// roundUpPow2 rounds size up to the next power of two, clamped to
// [isoconf.SmallestChunkSize, isoconf.MaxDefaultZoneSize].
func roundUpPow2(size uint64) uint64 {
	if size < isoconf.SmallestChunkSize {
		size = isoconf.SmallestChunkSize
	}
	v := size - 1
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	if v > isoconf.MaxDefaultZoneSize {
		v = isoconf.MaxDefaultZoneSize
	}
	return v
}

// RoundChunkSize is exported so the root package can decide, before
// calling New, whether an existing zone of the rounded size already
// exists.
func RoundChunkSize(requested uint64) uint64 { return roundUpPow2(requested) }

// New creates and fully initializes a zone for the given requested
// chunk size (rounded to a power of two internally), following
// spec.md §4.1 steps 3-9. The returned zone is not yet linked into
// any lookup table or size chain; callers (the root package) own
// that step, since it requires access to root-wide state.
func New(index int32, requestedSize uint64, internal bool, source *rng.Source, pinnedCPU int, shuffleFreeSlotCache bool) (*Zone, error) {
	chunkSize := roundUpPow2(requestedSize)
	chunkCount := uint64(isoconf.ZoneUserSize) / chunkSize

	bitmapBytes := (chunkCount * isoconf.BitsPerChunk) / 8
	if bitmapBytes < 8 {
		bitmapBytes = 8
	}
	bitmapBytes = roundUpPow2Generic(bitmapBytes)

	z := &Zone{
		Index:        index,
		ChunkSize:    chunkSize,
		Internal:     internal,
		PinnedCPU:    pinnedCPU,
		CanarySecret: source.Uint64(),
		pointerMask:  source.Uint64(),
		chunkCount:   chunkCount,
		rng:          source,
	}

	bitmapGuardLo, err := sysmem.MapNone(uintptr(sysmem.PageSize))
	if err != nil {
		return nil, err
	}
	bitmapRegion, err := sysmem.Map(uintptr(bitmapBytes), false)
	if err != nil {
		return nil, err
	}
	if err := sysmem.AdviseSequential(bitmapRegion); err != nil {
		return nil, err
	}
	bitmapGuardHi, err := sysmem.MapNone(uintptr(sysmem.PageSize))
	if err != nil {
		return nil, err
	}

	userGuardLo, err := sysmem.MapNone(uintptr(sysmem.PageSize))
	if err != nil {
		return nil, err
	}
	userRegion, err := sysmem.Map(isoconf.ZoneUserSize, false)
	if err != nil {
		return nil, err
	}
	userGuardHi, err := sysmem.MapNone(uintptr(sysmem.PageSize))
	if err != nil {
		return nil, err
	}

	z.bitmapGuardLo, z.bitmapRegion, z.bitmapGuardHi = bitmapGuardLo, bitmapRegion, bitmapGuardHi
	z.userGuardLo, z.userRegion, z.userGuardHi = userGuardLo, userRegion, userGuardHi
	z.userPagesStartMasked = z.mask(userRegion.Addr())
	z.bitmapStartMasked = z.mask(bitmapRegion.Addr())

	z.createCanaryChunks()
	z.cache.fill(z, shuffleFreeSlotCache)

	return z, nil
}

// roundUpPow2Generic rounds an arbitrary uint64 up to the next power
// of two, used for bitmap sizing (spec.md: "bitmap_size is a power of
// two >= sizeof(bitmap word)").
func roundUpPow2Generic(v uint64) uint64 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return v
}

// Unmap releases every mapping owned by this zone (used by retirement
// and by private-zone destruction).
func (z *Zone) Unmap() error {
	for _, r := range []*sysmem.Region{z.userGuardLo, z.userRegion, z.userGuardHi, z.bitmapGuardLo, z.bitmapRegion, z.bitmapGuardHi} {
		if err := sysmem.Unmap(r); err != nil {
			return err
		}
	}
	return nil
}

// bitSlotForChunk returns the bitmap bit-slot (the index of the first
// of a chunk's two bits) for a given chunk index.
func bitSlotForChunk(chunkIdx uint64) uint64 { return chunkIdx << 1 }

func wordIndex(bitSlot uint64) uint64 { return bitSlot >> 6 }
func bitOffset(bitSlot uint64) uint64 { return bitSlot & 63 }

// ChunkIndexFromBitSlot is the inverse of bitSlotForChunk.
func ChunkIndexFromBitSlot(bitSlot uint64) uint64 { return bitSlot >> 1 }

// pointerFromBitSlot returns the address of the chunk identified by
// bitSlot.
func (z *Zone) pointerFromBitSlot(bitSlot uint64) uintptr {
	chunkIdx := ChunkIndexFromBitSlot(bitSlot)
	return z.UserPagesStart() + uintptr(chunkIdx*z.ChunkSize)
}

// stateAt returns the current bit-pair state for bitSlot.
func (z *Zone) stateAt(words []uint64, bitSlot uint64) BitPair {
	w := words[wordIndex(bitSlot)]
	off := bitOffset(bitSlot)
	inUse := (w >> off) & 1
	hist := (w >> (off + 1)) & 1
	return BitPair(inUse | (hist << 1))
}

func (z *Zone) setState(words []uint64, bitSlot uint64, s BitPair) {
	off := bitOffset(bitSlot)
	idx := wordIndex(bitSlot)
	clearMask := ^(uint64(0b11) << off)
	words[idx] = (words[idx] & clearMask) | (uint64(s) << off)
}
