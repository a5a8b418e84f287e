package isoalloc

import "github.com/mjp41/isoalloc/internal/isoerr"

// ProtectRoot marks the allocator's own metadata read-only to user
// code, refusing any further zone creation or retirement until
// UnprotectRoot is called. Unlike the original, which mprotects the
// root structure's own mapping, a Go Allocator's bookkeeping lives in
// ordinary GC-managed memory that cannot be hardware write-protected
// without defeating the collector; this is therefore a logical lock
// enforced by every mutating method, not a hardware one. Existing
// zones, their bitmaps and canaries remain exactly as
// hardware-protected as they always are -- only the root-level
// metadata's mutability changes.
func (a *Allocator) ProtectRoot() {
	a.protected.Store(true)
}

// UnprotectRoot reverses ProtectRoot.
func (a *Allocator) UnprotectRoot() {
	a.protected.Store(false)
}

// checkUnprotected returns an error if the root is currently
// protected, for use by every method that mutates root-level
// metadata (zone creation/retirement).
func (a *Allocator) checkUnprotected(op string) error {
	if a.protected.Load() {
		return isoerr.New("isoalloc", op, "root is protected; call UnprotectRoot first")
	}
	return nil
}
