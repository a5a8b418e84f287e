package isoalloc

import (
	"runtime"
	"sync/atomic"
)

// spinLock is a CAS-based sync.Locker, the WithSpinLock alternative to
// the default sync.Mutex root lock. It never parks the calling
// goroutine; callers that hold it across a blocking operation will
// burn CPU on every other contender, so it is only appropriate for the
// allocator's short, bounded critical sections.
type spinLock struct {
	held atomic.Bool
}

func (s *spinLock) Lock() {
	for !s.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (s *spinLock) Unlock() {
	s.held.Store(false)
}
