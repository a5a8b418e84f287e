package isoalloc

import "github.com/mjp41/isoalloc/internal/bigzone"

// AllocTagged is Alloc for a chunk attributed to a named region: zones
// created to serve a tagged request are only ever reused by later
// requests carrying the same tag, so a stray pointer later resolved
// with TagRegion can be attributed back to the subsystem that
// allocated it (SPEC_FULL.md's memory-tagging supplement). It requires
// WithMemoryTagging(true) at construction; without it, every
// allocation is untagged and AllocTagged behaves exactly like Alloc.
func (a *Allocator) AllocTagged(size uint64, tag string) (uintptr, error) {
	if !a.cfg.memoryTagging || tag == "" {
		return a.Alloc(size)
	}
	if bigzone.BelongsOnBigPath(size) {
		// Big allocations are never chunk-shared, so tagging them
		// would add bookkeeping with no reuse benefit; fall back to
		// the ordinary big-alloc path.
		return a.allocBig(size)
	}
	return a.allocSmall(size, tag)
}

// TagRegion returns the region tag recorded for the zone that owns
// ptr, or ("", false) if ptr is untagged, belongs to the
// big-allocation path, or was not issued by this allocator.
func (a *Allocator) TagRegion(ptr uintptr) (string, bool) {
	a.rootLock.Lock()
	defer a.rootLock.Unlock()

	idx, ok := a.addrTable.Lookup(ptr)
	if !ok || a.zones[idx] == nil {
		return "", false
	}
	z := a.zones[idx]
	if z.Tag == "" {
		return "", false
	}
	return z.Tag, true
}
