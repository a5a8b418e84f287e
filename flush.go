package isoalloc

import (
	"runtime"

	"github.com/mjp41/isoalloc/internal/tcache"
)

// FlushCaches drains every pending quarantine entry, returning each
// chunk's bit-slot to its zone's free-slot cache. In ModeMapped this
// is exact, since there is exactly one shared cache. In the default
// ModePooled, it is best-effort: a sync.Pool does not support
// enumerating every value ever put into it, so this sweeps the pool
// the same way the Go runtime sweeps its per-P mcaches at a GC
// boundary -- repeatedly enough to catch every cache actually idle
// right now, while accepting that a cache currently held by another
// goroutine's in-flight Alloc/Free call is missed until it is next
// released.
func (a *Allocator) FlushCaches() {
	a.rootLock.Lock()
	defer a.rootLock.Unlock()

	sweeps := runtime.GOMAXPROCS(0) * 2
	if sweeps < 2 {
		sweeps = 2
	}
	for i := 0; i < sweeps; i++ {
		cache := a.tcacheMgr.Acquire()
		cache.Drain(func(e tcache.Entry) { a.releaseQuarantineEntryLocked(e) })
		a.tcacheMgr.Release(cache)
	}
}
