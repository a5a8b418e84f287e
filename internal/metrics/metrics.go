// Package metrics exposes the allocator's health signals as
// Prometheus collectors, grounded in the pack's prometheus/client_golang
// conventions (e.g. intel-cri-resource-manager's resource-manager
// metrics, Voskan-arena-cache's arena gauges): counters for events that
// only accumulate, gauges for values that move in both directions.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors groups every metric this allocator instance registers.
// Each Allocator owns its own Collectors so multiple allocators in one
// process don't collide on metric names when registered against
// distinct registries. The root package never sets QuarantineSize or
// BytesMapped, so both always report zero.
type Collectors struct {
	ZonesCreated   prometheus.Counter
	ZonesRetired   prometheus.Counter
	LiveZones      prometheus.Gauge
	LiveBigZones   prometheus.Gauge
	CanaryFailures prometheus.Counter
	DoubleFrees    prometheus.Counter
	Allocations    prometheus.Counter
	Frees          prometheus.Counter
	QuarantineSize prometheus.Gauge
	BytesMapped    prometheus.Gauge
}

// New constructs a fresh Collectors set. It does not register them;
// call Register to attach them to a prometheus.Registerer.
func New() *Collectors {
	return &Collectors{
		ZonesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isoalloc",
			Name:      "zones_created_total",
			Help:      "Number of size-class zones mapped since startup.",
		}),
		ZonesRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isoalloc",
			Name:      "zones_retired_total",
			Help:      "Number of size-class zones unmapped after retirement.",
		}),
		LiveZones: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "isoalloc",
			Name:      "live_zones",
			Help:      "Number of currently mapped size-class zones.",
		}),
		LiveBigZones: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "isoalloc",
			Name:      "live_big_zones",
			Help:      "Number of currently mapped big-allocation zones.",
		}),
		CanaryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isoalloc",
			Name:      "canary_failures_total",
			Help:      "Number of canary mismatches detected across all zones.",
		}),
		DoubleFrees: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isoalloc",
			Name:      "double_frees_total",
			Help:      "Number of double-free attempts rejected.",
		}),
		Allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isoalloc",
			Name:      "allocations_total",
			Help:      "Number of successful allocation requests.",
		}),
		Frees: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isoalloc",
			Name:      "frees_total",
			Help:      "Number of successful free requests.",
		}),
		QuarantineSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "isoalloc",
			Name:      "quarantine_entries",
			Help:      "Total chunks currently held in per-goroutine quarantine rings.",
		}),
		BytesMapped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "isoalloc",
			Name:      "bytes_mapped",
			Help:      "Total bytes currently mapped by the allocator, including guard pages.",
		}),
	}
}

// Register attaches every collector to reg. Safe to call with a
// prometheus.Registry or the default global registerer.
func (c *Collectors) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		c.ZonesCreated, c.ZonesRetired, c.LiveZones, c.LiveBigZones,
		c.CanaryFailures, c.DoubleFrees, c.Allocations, c.Frees,
		c.QuarantineSize, c.BytesMapped,
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}
