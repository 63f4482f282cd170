package fetchcache

import "time"

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// They are called on the fetch path, outside the query lock.
type Hooks interface {
	// A query served a fresh value from the store without calling the producer.
	CacheHit(key string)
	// A non-forced start found no usable entry.
	CacheMiss(key string)

	// A transient failure scheduled retry number attempt (1-based) after delay.
	RetryScheduled(key string, attempt int, delay time.Duration, err error)
	// The producer failed and no retries remain.
	RetriesExhausted(key string, attempts int, err error)

	// A producer call settled after the query's scope was canceled.
	ResultDiscarded(key string)

	// A store operation failed. op ∈ {"get", "put", "invalidate"}
	StoreError(key, op string, err error)

	// A provider-backed store deleted an entry on read.
	// reason ∈ {"corrupt", "gen_mismatch", "value_decode"}
	SelfHeal(storageKey, reason string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) CacheHit(string)                                  {}
func (NopHooks) CacheMiss(string)                                 {}
func (NopHooks) RetryScheduled(string, int, time.Duration, error) {}
func (NopHooks) RetriesExhausted(string, int, error)              {}
func (NopHooks) ResultDiscarded(string)                           {}
func (NopHooks) StoreError(string, string, error)                 {}
func (NopHooks) SelfHeal(string, string)                          {}

type multiHooks []Hooks

// MultiHooks fans every event out to hs in order. Nil entries are skipped.
func MultiHooks(hs ...Hooks) Hooks {
	out := make(multiHooks, 0, len(hs))
	for _, h := range hs {
		if h != nil {
			out = append(out, h)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (m multiHooks) CacheHit(k string) {
	for _, h := range m {
		h.CacheHit(k)
	}
}

func (m multiHooks) CacheMiss(k string) {
	for _, h := range m {
		h.CacheMiss(k)
	}
}

func (m multiHooks) RetryScheduled(k string, attempt int, d time.Duration, err error) {
	for _, h := range m {
		h.RetryScheduled(k, attempt, d, err)
	}
}

func (m multiHooks) RetriesExhausted(k string, attempts int, err error) {
	for _, h := range m {
		h.RetriesExhausted(k, attempts, err)
	}
}

func (m multiHooks) ResultDiscarded(k string) {
	for _, h := range m {
		h.ResultDiscarded(k)
	}
}

func (m multiHooks) StoreError(k, op string, err error) {
	for _, h := range m {
		h.StoreError(k, op, err)
	}
}

func (m multiHooks) SelfHeal(k, reason string) {
	for _, h := range m {
		h.SelfHeal(k, reason)
	}
}
