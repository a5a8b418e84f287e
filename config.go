package isoalloc

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mjp41/isoalloc/internal/isoconf"
	"github.com/mjp41/isoalloc/internal/tcache"
)

// Config holds every tunable this allocator exposes, the Go analogue
// of original_source/include/conf.h's compile-time #defines -- here
// resolved per Allocator instance via functional options instead of
// per build.
type Config struct {
	zoneCacheMode        tcache.Mode
	uafSweepOdds         uint64
	memoryTagging        bool
	useSpinLock          bool
	cpuPin               bool
	shuffleFreeSlotCache bool
	verifyFreeSlotCache  bool
	logger               *zap.Logger
	registerer           prometheus.Registerer
	onUAFDetected        func(ptr uintptr)
}

// Option configures an Allocator at construction time.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		zoneCacheMode: tcache.ModePooled,
		uafSweepOdds:  isoconf.UAFSweepDefaultOdds,
		logger:        zap.NewNop(),
	}
}

// WithZoneCacheMode selects how per-goroutine quarantine/MRU caches
// are acquired. ModePooled (the default) uses a sync.Pool of
// goroutine-affine caches; ModeMapped shares one cache behind the
// root lock.
func WithZoneCacheMode(mode tcache.Mode) Option {
	return func(c *Config) { c.zoneCacheMode = mode }
}

// WithLogger sets the zap.Logger used for structured abort
// diagnostics. The default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics registers this allocator's Prometheus collectors against
// reg. If never called, no collectors are created and nothing is
// tracked.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Config) { c.registerer = reg }
}

// WithUAFSweepProbability sets the 1-in-N odds that freeing a chunk
// triggers the use-after-free sweep hook (SPEC_FULL.md supplemented
// feature, grounded on original_source's UAF_PTR_PAGE sweep). 0
// disables the hook entirely, which is the default.
func WithUAFSweepProbability(oneInN uint64) Option {
	return func(c *Config) { c.uafSweepOdds = oneInN }
}

// WithUAFHook registers the callback invoked when the sweep fires.
// Without one, the sweep never runs, not even the probability roll.
func WithUAFHook(fn func(ptr uintptr)) Option {
	return func(c *Config) { c.onUAFDetected = fn }
}

// WithMemoryTagging enables AllocTagged's per-zone region tags, so a
// later TagRegion lookup can attribute a stray pointer to the
// subsystem that allocated it (SPEC_FULL.md supplemented feature).
// Canary secrets are not affected.
func WithMemoryTagging(enabled bool) Option {
	return func(c *Config) { c.memoryTagging = enabled }
}

// WithSpinLock swaps the root lock's sync.Mutex for an atomic
// CAS-based spinlock, trading fairness for lower latency under short,
// uncontended critical sections.
func WithSpinLock(enabled bool) Option {
	return func(c *Config) { c.useSpinLock = enabled }
}

// WithCPUPinning makes every newly created zone remember the CPU core
// it was created on, and rejects that zone as a fit for a future
// allocation made from a different core (the Go analogue of the
// original's compile-time CPU_PIN feature). Best effort: a goroutine
// can migrate between OS threads between allocations, so this trades
// a little cache locality for correctness, never the reverse.
func WithCPUPinning(enabled bool) Option {
	return func(c *Config) { c.cpuPin = enabled }
}

// WithShuffleFreeSlotCache Fisher-Yates shuffles a zone's free-slot
// cache after the fill scan made when the zone is created (the cache
// is not refilled later), so consecutive allocations don't hand
// out consecutive chunk addresses -- the Go analogue of the original's
// SHUFFLE_BIT_SLOT_CACHE build option.
func WithShuffleFreeSlotCache(enabled bool) Option {
	return func(c *Config) { c.shuffleFreeSlotCache = enabled }
}

// WithVerifyFreeSlotCache checks a zone's free-slot cache for a
// duplicate bit-slot every time a quarantined free is committed back
// into it, aborting the process if one is found. It is the Go
// analogue of the original's VERIFY_BIT_SLOT_CACHE debug build option:
// an expensive consistency check meant for testing, not production
// use.
func WithVerifyFreeSlotCache(enabled bool) Option {
	return func(c *Config) { c.verifyFreeSlotCache = enabled }
}
