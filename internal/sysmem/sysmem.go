// Package sysmem wraps the OS page-mapping primitives the allocator
// builds on: map, unmap, protect, advise and page-lock. It is the Go
// analogue of iso_alloc_util.c's mmap_pages/mprotect_pages/madvise
// helpers, backed by golang.org/x/sys/unix instead of cgo.
package sysmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize is the process page size, read once at package init.
var PageSize = unix.Getpagesize()

// RoundUpPage rounds size up to a multiple of PageSize.
func RoundUpPage(size uintptr) uintptr {
	ps := uintptr(PageSize)
	return (size + ps - 1) &^ (ps - 1)
}

// Region is a single anonymous mapping returned by Map.
type Region struct {
	data []byte
}

// Addr returns the base address of the mapping as a bare uintptr
// (never retained as unsafe.Pointer so the Go GC never treats mapped
// memory as a live reference).
func (r *Region) Addr() uintptr {
	if len(r.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.data[0]))
}

// Bytes exposes the mapping as a byte slice for callers that need
// bounds-checked access (tests, bitmap scans).
func (r *Region) Bytes() []byte { return r.data }

// Map creates a new anonymous, private R/W mapping of size bytes
// (rounded up to a page), optionally pre-populated (MAP_POPULATE).
func Map(size uintptr, populate bool) (*Region, error) {
	size = RoundUpPage(size)
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if populate {
		flags |= unix.MAP_POPULATE
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("sysmem: mmap %d bytes: %w", size, err)
	}
	return &Region{data: data}, nil
}

// MapNone creates a PROT_NONE mapping, used for guard pages.
func MapNone(size uintptr) (*Region, error) {
	size = RoundUpPage(size)
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("sysmem: mmap(PROT_NONE) %d bytes: %w", size, err)
	}
	return &Region{data: data}, nil
}

// Unmap releases a mapping. It is idempotent against an already-empty
// Region so zone teardown can call it defensively.
func Unmap(r *Region) error {
	if r == nil || len(r.data) == 0 {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if err != nil {
		return fmt.Errorf("sysmem: munmap: %w", err)
	}
	return nil
}

// Protect changes the protection bits on a mapping.
func Protect(r *Region, readWrite bool) error {
	prot := unix.PROT_NONE
	if readWrite {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	if err := unix.Mprotect(r.data, prot); err != nil {
		return fmt.Errorf("sysmem: mprotect: %w", err)
	}
	return nil
}

// ProtectRange changes the protection bits on the page-aligned
// [offset, offset+length) sub-range of an existing mapping, used to
// carve guard pages out of a single combined mapping instead of
// mmap'ing each guard separately (the big-zone metadata mapping).
func ProtectRange(r *Region, offset, length uintptr, readWrite bool) error {
	prot := unix.PROT_NONE
	if readWrite {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	if err := unix.Mprotect(r.data[offset:offset+length], prot); err != nil {
		return fmt.Errorf("sysmem: mprotect range: %w", err)
	}
	return nil
}

// CurrentCPU returns the OS CPU core the calling goroutine's thread is
// currently running on, or -1 if the kernel can't report it. Best
// effort: a goroutine can migrate to another OS thread (and core)
// between this call and the memory access it's meant to inform, the
// same caveat the original's sched_getcpu()-based CPU_PIN feature
// carries under preemptive scheduling.
func CurrentCPU() int {
	cpu, err := unix.SchedGetcpu()
	if err != nil {
		return -1
	}
	return cpu
}

// AdviseSequential hints the kernel that the region will be scanned
// sequentially (used for bitmap regions).
func AdviseSequential(r *Region) error {
	return advise(r, unix.MADV_SEQUENTIAL)
}

// AdviseWillNeed hints the kernel the region will be accessed soon.
func AdviseWillNeed(r *Region) error {
	return advise(r, unix.MADV_WILLNEED)
}

// AdviseDontNeed tells the kernel the region's contents may be
// discarded, used during zone retirement.
func AdviseDontNeed(r *Region) error {
	return advise(r, unix.MADV_DONTNEED)
}

func advise(r *Region, advice int) error {
	if r == nil || len(r.data) == 0 {
		return nil
	}
	if err := unix.Madvise(r.data, advice); err != nil {
		return fmt.Errorf("sysmem: madvise: %w", err)
	}
	return nil
}

// Lock pins a region's pages so they are never soft-faulted, used for
// the allocator's lookup tables (spec.md §5: "lookup tables must be
// memory-locked").
func Lock(r *Region) error {
	if r == nil || len(r.data) == 0 {
		return nil
	}
	if err := unix.Mlock(r.data); err != nil {
		return fmt.Errorf("sysmem: mlock: %w", err)
	}
	return nil
}
