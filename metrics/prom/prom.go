// Package prom exports fetchcache hook events as Prometheus metrics.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/unkn0wn-root/fetchcache"
)

// Adapter implements fetchcache.Hooks and exports Prometheus counters and a
// retry delay histogram. Safe for concurrent use; all Prometheus metric types
// are goroutine-safe.
type Adapter struct {
	hits       prometheus.Counter
	misses     prometheus.Counter
	retries    prometheus.Counter
	retryDelay prometheus.Histogram
	exhausted  prometheus.Counter
	discarded  prometheus.Counter
	storeErrs  *prometheus.CounterVec
	selfHeals  *prometheus.CounterVec
}

// New constructs a Prometheus hooks adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}
	a := &Adapter{
		hits:      counter("cache_hits_total", "Queries served from the cache"),
		misses:    counter("cache_misses_total", "Queries that found no usable entry"),
		retries:   counter("retries_scheduled_total", "Retries scheduled after a failed fetch"),
		exhausted: counter("fetch_failures_total", "Fetches that failed after all retries"),
		discarded: counter("results_discarded_total", "Producer results dropped after the query closed"),
		retryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "retry_delay_seconds",
			Help:        "Delay before a scheduled retry",
			Buckets:     prometheus.ExponentialBuckets(0.1, 2, 10),
			ConstLabels: constLabels,
		}),
		storeErrs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "store_errors_total",
				Help:        "Store operation failures by operation",
				ConstLabels: constLabels,
			},
			[]string{"op"},
		),
		selfHeals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "self_heals_total",
				Help:        "Stored entries deleted on read by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
	}
	reg.MustRegister(a.hits, a.misses, a.retries, a.retryDelay, a.exhausted, a.discarded, a.storeErrs, a.selfHeals)
	return a
}

func (a *Adapter) CacheHit(string)  { a.hits.Inc() }
func (a *Adapter) CacheMiss(string) { a.misses.Inc() }

func (a *Adapter) RetryScheduled(_ string, _ int, delay time.Duration, _ error) {
	a.retries.Inc()
	a.retryDelay.Observe(delay.Seconds())
}

func (a *Adapter) RetriesExhausted(string, int, error) { a.exhausted.Inc() }
func (a *Adapter) ResultDiscarded(string)              { a.discarded.Inc() }

func (a *Adapter) StoreError(_, op string, _ error) {
	a.storeErrs.WithLabelValues(op).Inc()
}

func (a *Adapter) SelfHeal(_, reason string) {
	a.selfHeals.WithLabelValues(reason).Inc()
}

// Compile-time check: ensure Adapter implements fetchcache.Hooks.
var _ fetchcache.Hooks = (*Adapter)(nil)
