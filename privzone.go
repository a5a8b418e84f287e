package isoalloc

import (
	"sync"

	"github.com/mjp41/isoalloc/internal/isoerr"
	"github.com/mjp41/isoalloc/internal/zone"
)

// PrivateZone is an allocation pool independent of the Allocator it
// was created from: it is never linked into any size-class chain or
// address table, so it is never reached by Alloc/Free and must be
// driven through its own methods. It is intended for a caller that
// wants a dedicated, isolated arena for a single data structure
// (spec.md's NewPrivateZone/PrivateZone).
type PrivateZone struct {
	mu sync.Mutex
	z  *zone.Zone
}

// NewPrivateZone maps a new private zone sized for requestedSize
// chunks.
func (a *Allocator) NewPrivateZone(requestedSize uint64) (*PrivateZone, error) {
	z, err := zone.New(-1, requestedSize, true, a.rngSrc, -1, a.cfg.shuffleFreeSlotCache)
	if err != nil {
		return nil, isoerr.New("isoalloc", "NewPrivateZone", err.Error())
	}
	return &PrivateZone{z: z}, nil
}

// Alloc returns a chunk from the private zone.
func (p *PrivateZone) Alloc() (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ptr, err := p.z.Alloc()
	if err != nil {
		return 0, isoerr.New("privatezone", "Alloc", err.Error())
	}
	return ptr, nil
}

// Free releases ptr back to the private zone.
func (p *PrivateZone) Free(ptr uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, err := p.z.Free(ptr)
	if err != nil {
		return isoerr.New("privatezone", "Free", err.Error())
	}
	// A private zone has no quarantine ring of its own, so the
	// deferred commit happens immediately rather than on eviction.
	p.z.CommitFree(slot)
	p.z.ReleaseBitSlot(slot)
	return nil
}

// ChunkSize returns the private zone's fixed chunk size.
func (p *PrivateZone) ChunkSize() uint64 { return p.z.ChunkSize }

// VerifyCanaries checks every history-bearing chunk in the private
// zone and reports whether all canaries are intact.
func (p *PrivateZone) VerifyCanaries() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.z.VerifyCanaries()
	return ok
}

// Close unmaps the private zone. The PrivateZone must not be used
// afterward.
func (p *PrivateZone) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.z.Unmap()
}
