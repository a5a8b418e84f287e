// Package isoalloc implements a hardened, isolated size-class
// allocator: every size class lives in its own guard-paged zone with a
// canary-checked bitmap, oversized requests take a separately mapped
// big-allocation path, and frees are quarantined before their bit-slot
// is returned to circulation. It sits underneath a new/delete bridge;
// this package exposes only the allocation primitives described in
// SPEC_FULL.md, not language-level construction/destruction.
package isoalloc

import (
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mjp41/isoalloc/internal/bigzone"
	"github.com/mjp41/isoalloc/internal/isoconf"
	"github.com/mjp41/isoalloc/internal/isoerr"
	"github.com/mjp41/isoalloc/internal/lookup"
	"github.com/mjp41/isoalloc/internal/metrics"
	"github.com/mjp41/isoalloc/internal/rng"
	"github.com/mjp41/isoalloc/internal/sysmem"
	"github.com/mjp41/isoalloc/internal/tcache"
	"github.com/mjp41/isoalloc/internal/zone"
)

// Allocator is one independent allocator instance. A process may run
// more than one, each with its own zones, locks and entropy.
type Allocator struct {
	rootLock sync.Locker
	bigLock  sync.Mutex

	zones     []*zone.Zone
	sizeTable *lookup.SizeTable
	addrTable *lookup.AddrTable
	bigList   bigzone.List

	rngSrc    *rng.Source
	tcacheMgr *tcache.Manager
	metrics   *metrics.Collectors
	log       *zap.Logger
	cfg       Config

	protected atomic.Bool
	closed    atomic.Bool
}

// New constructs an Allocator. The returned error is always a
// *isoerr.Error describing a resource-exhaustion condition (e.g. the
// caller's chosen metrics registry already holds a colliding
// collector); anything discovered after construction that indicates
// memory corruption aborts the process instead of returning an error.
func New(opts ...Option) (*Allocator, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	tcacheMgr, err := tcache.NewManager(cfg.zoneCacheMode)
	if err != nil {
		return nil, isoerr.New("isoalloc", "New", err.Error())
	}

	sizeTable, err := lookup.NewSizeTable()
	if err != nil {
		return nil, isoerr.New("isoalloc", "New", "mapping size table: "+err.Error())
	}

	a := &Allocator{
		sizeTable: sizeTable,
		addrTable: lookup.NewAddrTable(sysmem.PageSize),
		rngSrc:    rng.New(),
		tcacheMgr: tcacheMgr,
		log:       cfg.logger,
		cfg:       cfg,
	}
	if cfg.useSpinLock {
		a.rootLock = &spinLock{}
	} else {
		a.rootLock = &sync.Mutex{}
	}

	if cfg.registerer != nil {
		a.metrics = metrics.New()
		if err := a.metrics.Register(cfg.registerer); err != nil {
			return nil, isoerr.New("isoalloc", "New", "registering metrics: "+err.Error())
		}
	}

	return a, nil
}

// abort logs the given integrity violation with structured context and
// terminates the process, the Go analogue of LOG_AND_ABORT. It is the
// only path by which this package ever calls os.Exit.
func (a *Allocator) abort(op, reason string, fields ...zap.Field) {
	allFields := append([]zap.Field{zap.String("op", op)}, fields...)
	a.log.Fatal(reason, allFields...)
}

// newZoneLocked maps and links a fresh zone for chunkSize, appending
// it to the head of that size class's chain. Caller must hold rootLock.
func (a *Allocator) newZoneLocked(requestedSize uint64, internal bool) (*zone.Zone, error) {
	if err := a.checkUnprotected("newZone"); err != nil {
		return nil, err
	}
	if len(a.zones) >= isoconf.MaxZones {
		return nil, isoerr.New("isoalloc", "newZone", "maximum zone count reached")
	}
	chunkSize := zone.RoundChunkSize(requestedSize)
	index := int32(len(a.zones))

	pinnedCPU := -1
	if a.cfg.cpuPin {
		pinnedCPU = sysmem.CurrentCPU()
	}
	z, err := zone.New(index, chunkSize, internal, a.rngSrc, pinnedCPU, a.cfg.shuffleFreeSlotCache)
	if err != nil {
		return nil, isoerr.New("isoalloc", "newZone", err.Error())
	}
	z.NextSzIndex = a.sizeTable.Head(chunkSize)
	a.sizeTable.SetHead(chunkSize, index)
	a.zones = append(a.zones, z)
	a.addrTable.Register(index, z.UserPagesStart(), isoconf.ZoneUserSize)

	if a.metrics != nil {
		a.metrics.ZonesCreated.Inc()
		a.metrics.LiveZones.Inc()
	}
	return z, nil
}

// retireZoneLocked unmaps an empty zone and unlinks it from its size
// chain and the address table. Caller must hold rootLock. The zones
// slice slot itself is left nil'd rather than compacted, since zone
// index is load-bearing (size chains and addrTable entries reference
// it by value) and compaction would require rewriting every reference.
func (a *Allocator) retireZoneLocked(z *zone.Zone) error {
	a.addrTable.Unregister(z.UserPagesStart(), isoconf.ZoneUserSize)

	head := a.sizeTable.Head(z.ChunkSize)
	if head == z.Index {
		a.sizeTable.SetHead(z.ChunkSize, z.NextSzIndex)
	} else {
		for cur := head; cur != lookup.NoZone; cur = a.zones[cur].NextSzIndex {
			if a.zones[cur].NextSzIndex == z.Index {
				a.zones[cur].NextSzIndex = z.NextSzIndex
				break
			}
		}
	}

	a.zones[z.Index] = nil
	if a.metrics != nil {
		a.metrics.ZonesRetired.Inc()
		a.metrics.LiveZones.Dec()
	}
	return z.Unmap()
}

// Close releases every mapping this allocator owns: every zone, every
// big zone and any mapped-mode cache region. Errors from individual
// unmaps are aggregated with multierr rather than stopping at the
// first failure, so a single stuck region doesn't hide others.
func (a *Allocator) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return isoerr.New("isoalloc", "Close", "allocator already closed")
	}
	a.rootLock.Lock()
	defer a.rootLock.Unlock()

	var err error
	for _, z := range a.zones {
		if z == nil {
			continue
		}
		err = multierr.Append(err, z.Unmap())
	}
	a.bigList.Each(func(bz *bigzone.Zone) {
		err = multierr.Append(err, bz.Unmap())
	})
	err = multierr.Append(err, a.tcacheMgr.Close())
	err = multierr.Append(err, a.sizeTable.Close())
	return err
}
