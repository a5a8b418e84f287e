package isoalloc

import (
	"go.uber.org/zap"

	"github.com/mjp41/isoalloc/internal/bigzone"
	"github.com/mjp41/isoalloc/internal/isoconf"
	"github.com/mjp41/isoalloc/internal/isoerr"
	"github.com/mjp41/isoalloc/internal/lookup"
	"github.com/mjp41/isoalloc/internal/sysmem"
	"github.com/mjp41/isoalloc/internal/tcache"
	"github.com/mjp41/isoalloc/internal/zone"
)

// zoneFits reports whether z is a usable candidate for a request of
// size bytes tagged tag, following iso_does_zone_fit's tie-break
// policy: a zone pinned to a different CPU core is skipped, a zone
// far larger than ZONE_128 is never handed to a request that small
// (spatial separation by size), and -- symmetrically, above
// ZONE_1024 -- a zone at least 2^WastedSizeMultiplierShift times
// larger than the request is skipped as too wasteful to reuse.
func zoneFits(z *zone.Zone, size uint64, tag string, cpuPin bool) bool {
	if z.Tag != tag || z.IsFull {
		return false
	}
	if cpuPin && z.PinnedCPU >= 0 && z.PinnedCPU != sysmem.CurrentCPU() {
		return false
	}
	if z.ChunkSize >= isoconf.Zone1024 && size <= isoconf.Zone128 {
		return false
	}
	if z.ChunkSize < size {
		return false
	}
	if size > isoconf.Zone1024 && z.ChunkSize >= size<<isoconf.WastedSizeMultiplierShift {
		return false
	}
	return true
}

// Alloc returns a pointer to a freshly allocated chunk of at least
// size bytes. A size of 0 is rounded up to the smallest size class.
// The returned error is a *isoerr.Error describing resource
// exhaustion (no more zones can be created, or the big-allocation
// path's limit is exceeded); a torn canary discovered while reusing a
// chunk aborts the process instead, since that indicates corruption
// rather than exhaustion.
func (a *Allocator) Alloc(size uint64) (uintptr, error) {
	if size == 0 {
		size = isoconf.SmallestChunkSize
	}

	if bigzone.BelongsOnBigPath(size) {
		return a.allocBig(size)
	}
	return a.allocSmall(size, "")
}

// Calloc is Alloc for n elements of elemSize bytes each, with the
// resulting chunk zero-filled (mmap already hands back zero pages, so
// this only needs to re-zero a chunk that is being reused after a
// prior allocation).
func (a *Allocator) Calloc(n, elemSize uint64) (uintptr, error) {
	size := n * elemSize
	if elemSize != 0 && size/elemSize != n {
		return 0, isoerr.New("isoalloc", "Calloc", "n*elemSize overflows")
	}
	ptr, err := a.Alloc(size)
	if err != nil {
		return 0, err
	}
	a.zeroChunk(ptr, size)
	return ptr, nil
}

func (a *Allocator) zeroChunk(ptr uintptr, size uint64) {
	a.rootLock.Lock()
	defer a.rootLock.Unlock()
	if idx, ok := a.addrTable.Lookup(ptr); ok && a.zones[idx] != nil {
		a.zones[idx].ZeroChunk(ptr)
		return
	}
	a.bigList.Each(func(bz *bigzone.Zone) {
		if bz.Contains(ptr) {
			bz.Zero(size)
		}
	})
}

func (a *Allocator) allocSmall(size uint64, tag string) (uintptr, error) {
	chunkSize := zone.RoundChunkSize(size)

	a.rootLock.Lock()
	defer a.rootLock.Unlock()

	cache := a.tcacheMgr.Acquire()
	defer a.tcacheMgr.Release(cache)

	for _, idx := range cache.MRUZones() {
		if idx < 0 || int(idx) >= len(a.zones) || a.zones[idx] == nil {
			continue
		}
		z := a.zones[idx]
		if !zoneFits(z, size, tag, a.cfg.cpuPin) {
			continue
		}
		if ptr, err := a.tryAllocFromZone(z); err == nil {
			cache.TouchZone(z.Index)
			return ptr, nil
		} else if err != zone.ErrZoneFull {
			return 0, err
		}
	}

	for idx := a.sizeTable.Head(chunkSize); idx != lookup.NoZone; {
		z := a.zones[idx]
		if z == nil {
			break
		}
		if !zoneFits(z, size, tag, a.cfg.cpuPin) {
			idx = z.NextSzIndex
			continue
		}
		if ptr, err := a.tryAllocFromZone(z); err == nil {
			cache.TouchZone(z.Index)
			return ptr, nil
		} else if err != zone.ErrZoneFull {
			return 0, err
		}
		idx = z.NextSzIndex
	}

	z, err := a.newZoneLocked(chunkSize, false)
	if err != nil {
		return 0, err
	}
	z.Tag = tag
	ptr, err := a.tryAllocFromZone(z)
	if err != nil {
		return 0, err
	}
	cache.TouchZone(z.Index)
	return ptr, nil
}

// tryAllocFromZone calls z.Alloc, aborting on a canary mismatch (which
// indicates a corrupted chunk, not a full zone) and otherwise
// forwarding the result.
func (a *Allocator) tryAllocFromZone(z *zone.Zone) (uintptr, error) {
	ptr, err := z.Alloc()
	if err == nil {
		if a.metrics != nil {
			a.metrics.Allocations.Inc()
		}
		return ptr, nil
	}
	if err == zone.ErrZoneFull {
		z.IsFull = true
		return 0, err
	}
	if a.metrics != nil {
		a.metrics.CanaryFailures.Inc()
	}
	a.abort("Alloc", "canary mismatch while reusing chunk", zap.Int32("zone", z.Index))
	return 0, err // unreachable: abort terminates the process
}

func (a *Allocator) allocBig(size uint64) (uintptr, error) {
	a.rootLock.Lock()
	a.bigLock.Lock()
	defer a.bigLock.Unlock()
	defer a.rootLock.Unlock()

	if fit := a.bigList.FindFit(size); fit != nil {
		if err := fit.Reuse(size, a.rngSrc); err != nil {
			return 0, isoerr.New("isoalloc", "Alloc", err.Error())
		}
		if a.metrics != nil {
			a.metrics.Allocations.Inc()
		}
		return fit.Addr(), nil
	}

	bz, err := bigzone.New(size, a.rngSrc)
	if err != nil {
		return 0, isoerr.New("isoalloc", "Alloc", err.Error())
	}
	a.bigList.Push(bz)
	if a.metrics != nil {
		a.metrics.Allocations.Inc()
		a.metrics.LiveBigZones.Inc()
	}
	return bz.Addr(), nil
}

// Free releases ptr, which must be a live pointer previously returned
// by Alloc/Calloc on this Allocator. The chunk is placed in the
// calling goroutine's quarantine ring rather than made immediately
// reusable, delaying use-after-free exploitation. Integrity violations
// (double free, a corrupted canary) abort the process; a pointer this
// allocator never issued returns a *isoerr.Error instead, since that
// is a caller contract bug rather than discovered memory corruption.
func (a *Allocator) Free(ptr uintptr) error {
	a.rootLock.Lock()
	defer a.rootLock.Unlock()
	return a.freeLocked(ptr)
}

func (a *Allocator) freeLocked(ptr uintptr) error {
	if idx, ok := a.addrTable.Lookup(ptr); ok {
		z := a.zones[idx]
		if z == nil {
			return isoerr.New("isoalloc", "Free", "pointer belongs to an already-retired zone")
		}
		slot, err := z.Free(ptr)
		if err != nil {
			if a.metrics != nil {
				a.metrics.DoubleFrees.Inc()
			}
			a.abort("Free", err.Error(), zap.Int32("zone", z.Index))
			return err // unreachable
		}
		if a.metrics != nil {
			a.metrics.Frees.Inc()
		}
		a.maybeSweepUAF(ptr)

		cache := a.tcacheMgr.Acquire()
		evicted, hadEvicted := cache.PushQuarantine(tcache.Entry{Ptr: ptr, ZoneIndex: z.Index, BitSlot: slot})
		a.tcacheMgr.Release(cache)
		if hadEvicted {
			a.releaseQuarantineEntryLocked(evicted)
		}
		return nil
	}

	a.bigLock.Lock()
	defer a.bigLock.Unlock()
	var found *bigzone.Zone
	a.bigList.Each(func(bz *bigzone.Zone) {
		if found == nil && bz.InUse() && bz.Contains(ptr) {
			found = bz
		}
	})
	if found == nil {
		return isoerr.New("isoalloc", "Free", "pointer was not allocated by this allocator")
	}
	if !found.VerifyCanary() {
		a.abort("Free", "big-zone canary mismatch")
	}
	found.Release()
	if a.metrics != nil {
		a.metrics.Frees.Inc()
	}
	return nil
}

// releaseQuarantineEntryLocked returns a chunk's bit-slot to its
// zone's free-slot cache, poisoning the chunk body first. Caller must
// hold rootLock.
func (a *Allocator) releaseQuarantineEntryLocked(e tcache.Entry) {
	if int(e.ZoneIndex) >= len(a.zones) || a.zones[e.ZoneIndex] == nil {
		return
	}
	z := a.zones[e.ZoneIndex]
	z.CommitFree(e.BitSlot)
	z.Poison(e.Ptr)
	z.ReleaseBitSlot(e.BitSlot)
	if a.cfg.verifyFreeSlotCache && !z.VerifyNoDuplicates() {
		a.abort("releaseQuarantineEntry", "free-slot cache holds a duplicate bit slot", zap.Int32("zone", z.Index))
	}

	if z.Internal {
		return
	}
	if z.ShouldRetire() {
		if a.checkUnprotected("retireZone") != nil {
			return
		}
		if err := a.retireZoneLocked(z); err != nil {
			a.abort("retireZone", err.Error(), zap.Int32("zone", z.Index))
		}
	}
}

// FreeWithSize is Free with an additional defensive check: size must
// match the chunk's actual size class, the Go analogue of the
// original's iso_free_size. A mismatch aborts, since it means the
// caller's own bookkeeping has already diverged from reality.
func (a *Allocator) FreeWithSize(ptr uintptr, size uint64) error {
	a.rootLock.Lock()
	defer a.rootLock.Unlock()

	if idx, ok := a.addrTable.Lookup(ptr); ok {
		z := a.zones[idx]
		if z != nil && z.ChunkSize != zone.RoundChunkSize(size) {
			a.abort("FreeWithSize", "caller-supplied size does not match chunk's size class", zap.Int32("zone", z.Index))
		}
	}
	return a.freeLocked(ptr)
}

// FreePermanent frees ptr such that it can never be reallocated,
// converting its chunk into an additional canary tripwire. It has no
// effect on the big-allocation path beyond an ordinary Free, since big
// zones are never subdivided into reusable chunks.
func (a *Allocator) FreePermanent(ptr uintptr) error {
	a.rootLock.Lock()
	defer a.rootLock.Unlock()

	idx, ok := a.addrTable.Lookup(ptr)
	if !ok {
		return a.freeLocked(ptr)
	}
	z := a.zones[idx]
	if z == nil {
		return isoerr.New("isoalloc", "FreePermanent", "pointer belongs to an already-retired zone")
	}
	if err := z.FreePermanent(ptr); err != nil {
		a.abort("FreePermanent", err.Error(), zap.Int32("zone", z.Index))
		return err // unreachable
	}
	if a.metrics != nil {
		a.metrics.Frees.Inc()
	}
	return nil
}

// ChunkSize returns the usable size of the chunk backing ptr.
func (a *Allocator) ChunkSize(ptr uintptr) (uint64, error) {
	a.rootLock.Lock()
	defer a.rootLock.Unlock()

	if idx, ok := a.addrTable.Lookup(ptr); ok {
		if z := a.zones[idx]; z != nil {
			return z.ChunkSize, nil
		}
	}
	var size uint64
	var found bool
	a.bigList.Each(func(bz *bigzone.Zone) {
		if !found && bz.InUse() && bz.Contains(ptr) {
			size = bz.Size()
			found = true
		}
	})
	if found {
		return size, nil
	}
	return 0, isoerr.New("isoalloc", "ChunkSize", "pointer was not allocated by this allocator")
}

// maybeSweepUAF rolls the configured 1-in-N odds and, on a hit, calls
// the registered use-after-free hook with the just-freed pointer. It
// is a supplemented diagnostic feature, not part of the allocation
// contract: the default configuration disables it entirely.
func (a *Allocator) maybeSweepUAF(ptr uintptr) {
	if a.cfg.uafSweepOdds == 0 || a.cfg.onUAFDetected == nil {
		return
	}
	if a.rngSrc.Intn(a.cfg.uafSweepOdds) == 0 {
		a.cfg.onUAFDetected(ptr)
	}
}
