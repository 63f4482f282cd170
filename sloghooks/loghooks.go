package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/fetchcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	CacheHitEvery  uint64
	CacheMissEvery uint64
	SelfHealEvery  uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	hitCtr      atomic.Uint64
	missCtr     atomic.Uint64
	selfHealCtr atomic.Uint64
}

var _ fetchcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) CacheHit(key string) {
	if h.l == nil || !sample(h.opts.CacheHitEvery, &h.hitCtr) {
		return
	}
	h.l.Debug("fetchcache.cache_hit", "key", h.redact(key))
}

func (h *Hooks) CacheMiss(key string) {
	if h.l == nil || !sample(h.opts.CacheMissEvery, &h.missCtr) {
		return
	}
	h.l.Debug("fetchcache.cache_miss", "key", h.redact(key))
}

func (h *Hooks) RetryScheduled(key string, attempt int, delay time.Duration, err error) {
	if h.l == nil {
		return
	}
	h.l.Info("fetchcache.retry_scheduled",
		"key", h.redact(key),
		"attempt", attempt,
		"delay", delay,
		"err", err)
}

func (h *Hooks) RetriesExhausted(key string, attempts int, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("fetchcache.retries_exhausted",
		"key", h.redact(key),
		"attempts", attempts,
		"err", err)
}

func (h *Hooks) ResultDiscarded(key string) {
	if h.l == nil {
		return
	}
	h.l.Debug("fetchcache.result_discarded", "key", h.redact(key))
}

func (h *Hooks) StoreError(key, op string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("fetchcache.store_error",
		"key", h.redact(key),
		"op", op,
		"err", err)
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("fetchcache.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}
