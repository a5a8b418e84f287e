package zone

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/mjp41/isoalloc/internal/isoconf"
)

// freeSlotCache is the per-zone cache of ready-to-hand-out bit-slots,
// grounded on the fill/insert/get_next triad in the original
// implementation's iso_alloc.c. It is a plain ring buffer; entries are
// consumed from the read end and freed slots are pushed at the write
// end. It is filled by a bitmap scan only when the zone is created and
// is not refilled afterwards: once it is empty, NextFreeBitSlot takes
// each slot from scanSlow instead.
type freeSlotCache struct {
	slots [isoconf.BitSlotCacheSize]uint64
	next  uint64 // next never-used chunk index to hand out once the cache runs dry
	read  int
	write int
}

// fill performs fill_free_bit_slot_cache's bitmap scan: pick a random
// starting bitmap word, scan forward collecting free bit-slots until
// the cache is full or the bitmap is exhausted, then (when shuffle is
// set) Fisher-Yates shuffle the collected entries so consecutive
// allocations don't hand out consecutive chunk addresses. capacity is
// len(c.slots)-1, one slot short of the cache's full size, preserving
// the ring buffer's read==write-means-empty invariant.
func (c *freeSlotCache) fill(z *Zone, shuffle bool) {
	c.next = 0
	c.read, c.write = 0, 0
	for i := range c.slots {
		c.slots[i] = isoconf.BadBitSlot
	}

	words := z.bitmapWords()
	if len(words) == 0 {
		return
	}
	capacity := len(c.slots) - 1
	maxWordIdx := uint64(len(words))
	start := z.rng.Intn(maxWordIdx)

	n := 0
	scan := func(wordIdx uint64) bool {
		base := wordIdx << 6
		for bit := uint64(0); bit < 64 && n < capacity; bit += isoconf.BitsPerChunk {
			slot := base + bit
			idx := ChunkIndexFromBitSlot(slot)
			if idx >= z.chunkCount {
				break
			}
			switch z.stateAt(words, slot) {
			case StateFreeNeverUsed, StateFreeUsed:
				c.slots[n] = slot
				n++
			}
		}
		return n >= capacity
	}
	for wordIdx := start; wordIdx < maxWordIdx; wordIdx++ {
		if scan(wordIdx) {
			break
		}
	}
	if n < capacity {
		for wordIdx := uint64(0); wordIdx < start; wordIdx++ {
			if scan(wordIdx) {
				break
			}
		}
	}

	if shuffle {
		for i := n - 1; i > 0; i-- {
			j := int(z.rng.Intn(uint64(i + 1)))
			c.slots[i], c.slots[j] = c.slots[j], c.slots[i]
		}
	}
	c.write = n % len(c.slots)
}

// insert pushes a newly freed bit-slot onto the cache, dropping it
// silently if the cache is full (the slot remains discoverable by the
// next slow bitmap scan).
func (c *freeSlotCache) insert(bitSlot uint64) {
	nextWrite := (c.write + 1) % len(c.slots)
	if nextWrite == c.read {
		return
	}
	c.slots[c.write] = bitSlot
	c.write = nextWrite
}

// getNext returns a ready bit-slot without touching the bitmap, and
// true, or (0, false) if the cache is empty.
func (c *freeSlotCache) getNext() (uint64, bool) {
	if c.read == c.write {
		return 0, false
	}
	v := c.slots[c.read]
	c.slots[c.read] = isoconf.BadBitSlot
	c.read = (c.read + 1) % len(c.slots)
	if v == isoconf.BadBitSlot {
		return 0, false
	}
	return v, true
}

// scanSlow walks the bitmap from the last known never-used chunk
// index forward, looking for the next StateFreeNeverUsed or
// StateFreeUsed chunk. It is the fallback used once both the fast
// cache and the lazy next-cursor are exhausted.
func (z *Zone) scanSlow() (uint64, bool) {
	words := z.bitmapWords()
	for idx := z.cache.next; idx < z.chunkCount; idx++ {
		slot := bitSlotForChunk(idx)
		switch z.stateAt(words, slot) {
		case StateFreeNeverUsed, StateFreeUsed:
			z.cache.next = idx + 1
			return slot, true
		}
	}
	// wrap and scan from the start in case earlier chunks were freed.
	for idx := uint64(0); idx < z.cache.next; idx++ {
		slot := bitSlotForChunk(idx)
		switch z.stateAt(words, slot) {
		case StateFreeNeverUsed, StateFreeUsed:
			return slot, true
		}
	}
	return 0, false
}

// NextFreeBitSlot returns a bit-slot ready for allocation: the fast
// cache first, then a full bitmap scan. ok is false when the zone is
// full.
func (z *Zone) NextFreeBitSlot() (uint64, bool) {
	if slot, ok := z.cache.getNext(); ok {
		return slot, true
	}
	slot, ok := z.scanSlow()
	if !ok {
		z.IsFull = true
	}
	return slot, ok
}

// ReleaseBitSlot returns a freed bit-slot to the cache so a subsequent
// allocation can find it without a bitmap scan.
func (z *Zone) ReleaseBitSlot(bitSlot uint64) {
	z.cache.insert(bitSlot)
	z.IsFull = false
}

// VerifyNoDuplicates uses a bitset to confirm the free-slot cache
// holds no bit-slot twice, the Go equivalent of the original's
// VERIFY_BIT_SLOT_CACHE debug check. It is O(cache size) and intended
// for use in tests and the optional strict-verification Config mode,
// not on the hot allocation path.
func (z *Zone) VerifyNoDuplicates() bool {
	seen := bitset.New(uint(z.chunkCount))
	for _, s := range z.cache.slots {
		if s == isoconf.BadBitSlot {
			continue
		}
		idx := uint(ChunkIndexFromBitSlot(s))
		if seen.Test(idx) {
			return false
		}
		seen.Set(idx)
	}
	return true
}
