// Package asynchook moves hook delivery off the fetch path.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{CacheHitEvery: 100})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	client := fetchcache.NewClient(fetchcache.ClientOptions{Hooks: hooks})
//
// Events are dropped, not queued, when the buffer is full.
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/fetchcache"
)

type Hooks struct {
	inner   fetchcache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex // guards sends against Close
	closed  bool
	dropped atomic.Uint64
}

var _ fetchcache.Hooks = (*Hooks)(nil)

func New(inner fetchcache.Hooks, workers, qlen int) *Hooks {
	if inner == nil {
		inner = fetchcache.NopHooks{}
	}
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close stops accepting events and waits for queued ones to be delivered.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped returns the number of events lost to a full queue or a closed hook.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) CacheHit(k string)        { h.try(func() { h.inner.CacheHit(k) }) }
func (h *Hooks) CacheMiss(k string)       { h.try(func() { h.inner.CacheMiss(k) }) }
func (h *Hooks) ResultDiscarded(k string) { h.try(func() { h.inner.ResultDiscarded(k) }) }
func (h *Hooks) SelfHeal(k, r string)     { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) StoreError(k, op string, err error) {
	h.try(func() { h.inner.StoreError(k, op, err) })
}
func (h *Hooks) RetryScheduled(k string, attempt int, d time.Duration, err error) {
	h.try(func() { h.inner.RetryScheduled(k, attempt, d, err) })
}
func (h *Hooks) RetriesExhausted(k string, attempts int, err error) {
	h.try(func() { h.inner.RetriesExhausted(k, attempts, err) })
}
