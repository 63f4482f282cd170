package fetchcache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Query drives one consumer's view of a cached resource. It is created by New,
// starts fetching immediately, and lives until Close or until the parent context
// passed to New ends. All methods are safe for concurrent use.
type Query[V any] struct {
	id       string
	key      string
	client   *Client
	producer Producer[V]
	opts     Options[V]
	retry    RetryConfig
	scope    *Scope

	mu      sync.Mutex
	state   Result[V]
	changed chan struct{} // closed and replaced on every state write
	timer   Timer         // pending retry, nil when none
	epoch   uint64        // bumped by Refetch; older attempts lose their retry budget
}

// startMode selects how a lifecycle step reaches the producer.
type startMode int

const (
	startCached  startMode = iota // serve a valid cached entry when there is one
	startRetry                    // bypass the cache
	startRefetch                  // bypass the cache and any shared in-flight call
)

// errFlightCanceled marks a coalesced call canceled because all of its waiters left.
var errFlightCanceled = errors.New("fetchcache: shared call canceled")

// New creates a Query and runs its first start synchronously up to the producer call.
// On a cache hit the returned query is already in StatusSuccess.
// Only configuration errors are returned; fetch failures land in the query's state.
func New[V any](ctx context.Context, client *Client, producer Producer[V], opts Options[V]) (*Query[V], error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if producer == nil {
		return nil, ErrNilProducer
	}
	if opts.Key == "" {
		return nil, ErrKeyRequired
	}

	opts.CacheDuration = coalesce(opts.CacheDuration, DefaultCacheDuration)
	opts.BaseRetryDelay = coalesce(opts.BaseRetryDelay, DefaultBaseRetryDelay)
	opts.MaxRetries = coalesce(opts.MaxRetries, DefaultMaxRetries)
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	q := &Query[V]{
		id:       uuid.NewString(),
		key:      opts.Key,
		client:   client,
		producer: producer,
		opts:     opts,
		retry: RetryConfig{
			MaxRetries:  opts.MaxRetries,
			BaseDelay:   opts.BaseRetryDelay,
			Exponential: !opts.ConstantBackoff,
			Jitter:      client.jitter,
		},
		scope:   NewScope(ctx),
		changed: make(chan struct{}),
	}
	q.start(startCached, 0)
	return q, nil
}

// Key returns the cache key of the query.
func (q *Query[V]) Key() string { return q.key }

// State returns a snapshot of the query's current state.
func (q *Query[V]) State() Result[V] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Changed returns a channel that is closed on the next state change.
func (q *Query[V]) Changed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changed
}

// Wait blocks until the query holds a value or has failed terminally.
// It returns ctx.Err() if ctx ends first and ErrClosed once the query is closed.
func (q *Query[V]) Wait(ctx context.Context) (Result[V], error) {
	for {
		q.mu.Lock()
		s, ch := q.state, q.changed
		q.mu.Unlock()
		if s.settled() {
			return s, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return s, ctx.Err()
		case <-q.scope.Done():
			return s, ErrClosed
		}
	}
}

// Refetch resets the retry counter and fetches again, bypassing the cache.
// A pending retry is canceled. Refetch blocks until this attempt's producer call
// settles; the outcome is in State. Only ctx errors are returned.
func (q *Query[V]) Refetch(ctx context.Context) error {
	q.mu.Lock()
	q.epoch++
	epoch := q.epoch
	q.stopTimerLocked()
	q.state.RetryAttempt = 0
	q.mu.Unlock()

	select {
	case <-q.start(startRefetch, epoch):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearCache removes the query's key from the store. It does not fetch.
func (q *Query[V]) ClearCache() {
	if err := q.client.store.Invalidate(q.storeCtx(), q.key); err != nil {
		q.client.log.Warn("store invalidate failed", q.fields(Fields{"err": err}))
		q.client.hooks.StoreError(q.key, "invalidate", err)
	}
}

// Close detaches the consumer: pending retries are stopped and results of
// in-flight producer calls are discarded. Safe to call more than once.
func (q *Query[V]) Close() {
	q.scope.Cancel()
	q.mu.Lock()
	q.stopTimerLocked()
	q.mu.Unlock()
}

// start runs one lifecycle step. The returned channel is closed once the step is
// over: immediately on a cache hit or when detached, otherwise when the producer settles.
func (q *Query[V]) start(mode startMode, epoch uint64) <-chan struct{} {
	done := make(chan struct{})
	if !q.scope.Active() {
		close(done)
		return done
	}

	if mode == startCached {
		if v, ok := q.lookup(); ok {
			q.client.hooks.CacheHit(q.key)
			q.client.log.Debug("cache hit", q.fields(nil))
			if q.update(func(s *Result[V]) {
				s.Status = StatusSuccess
				s.Data, s.HasData = v, true
				s.Err = nil
			}) && q.opts.OnSuccess != nil {
				q.opts.OnSuccess(v)
			}
			close(done)
			return done
		}
		q.client.hooks.CacheMiss(q.key)
	}

	if !q.update(func(s *Result[V]) { s.Status = StatusLoading }) {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		v, err := q.invoke(mode != startRefetch)
		if err != nil {
			q.fail(err, epoch)
			return
		}
		q.succeed(v)
	}()
	return done
}

func (q *Query[V]) lookup() (V, bool) {
	var zero V
	e, ok, err := q.client.store.Get(q.storeCtx(), q.key)
	if err != nil {
		q.client.log.Warn("store get failed; treating as miss", q.fields(Fields{"err": err}))
		q.client.hooks.StoreError(q.key, "get", err)
		return zero, false
	}
	if !ok || !e.Valid(q.client.clock.Now()) {
		return zero, false
	}
	v, ok := e.Value.(V)
	if !ok {
		q.client.log.Warn("cached value has unexpected type; treating as miss",
			q.fields(Fields{"type": fmt.Sprintf("%T", e.Value)}))
		return zero, false
	}
	return v, true
}

// invoke calls the producer, through the client's shared call when the query
// coalesces and shareable is set.
func (q *Query[V]) invoke(shareable bool) (V, error) {
	if !q.opts.Coalesce || !shareable {
		return q.call(q.scope.Context())
	}
	var zero V
	for {
		f := q.client.join(q.scope.Context(), q.key)
		stop := context.AfterFunc(q.scope.Context(), func() { q.client.leave(q.key, f) })
		res, err, shared := q.client.group.Do(q.key, func() (any, error) {
			v, err := q.call(f.ctx)
			if err != nil && f.ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", errFlightCanceled, err)
			}
			return v, err
		})
		if stop() {
			q.client.leave(q.key, f)
		}
		if shared {
			q.client.log.Debug("joined in-flight call", q.fields(nil))
		}
		if errors.Is(err, errFlightCanceled) && q.scope.Active() {
			// the call was owned by queries that have all closed; this one has not
			q.client.log.Debug("shared call canceled by its waiters; reissuing", q.fields(nil))
			continue
		}
		if err != nil {
			return zero, err
		}
		v, ok := res.(V)
		if !ok {
			return zero, fmt.Errorf("%w: coalesced result is %T", ErrValueType, res)
		}
		return v, nil
	}
}

// call runs the producer, turning panics into *PanicError.
func (q *Query[V]) call(ctx context.Context) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return q.producer(ctx)
}

func (q *Query[V]) succeed(v V) {
	now := q.client.clock.Now()
	var putErr error
	// Put and the scope check share the state lock: a discarded result is never stored
	ok := q.update(func(s *Result[V]) {
		putErr = q.client.store.Put(q.storeCtx(), q.key, v, q.opts.CacheDuration, now)
		s.Status = StatusSuccess
		s.Data, s.HasData = v, true
		s.Err = nil
		s.RetryAttempt = 0
	})
	if !ok {
		q.discard()
		return
	}
	if putErr != nil {
		q.client.log.Warn("store put failed", q.fields(Fields{"err": putErr}))
		q.client.hooks.StoreError(q.key, "put", putErr)
	}
	q.client.log.Debug("fetch succeeded", q.fields(nil))
	if q.opts.OnSuccess != nil {
		q.opts.OnSuccess(v)
	}
}

func (q *Query[V]) fail(err error, epoch uint64) {
	q.mu.Lock()
	if !q.scope.Active() {
		q.mu.Unlock()
		q.discard()
		return
	}
	if epoch != q.epoch {
		// a Refetch superseded this attempt; its failure no longer owns the retry budget
		q.mu.Unlock()
		q.client.log.Debug("superseded attempt failed", q.fields(Fields{"err": err}))
		return
	}

	if attempt := q.state.RetryAttempt; attempt < q.retry.MaxRetries {
		delay := q.retry.NextDelay(attempt)
		q.state.RetryAttempt++
		q.state.Status = StatusLoading
		q.state.Err = err
		q.timer = q.client.clock.AfterFunc(delay, func() { q.retryFire(epoch) })
		q.notifyLocked()
		q.mu.Unlock()

		q.client.hooks.RetryScheduled(q.key, attempt+1, delay, err)
		q.client.log.Warn("fetch failed; retry scheduled", q.fields(Fields{
			"attempt": attempt + 1, "delay": delay.String(), "err": err,
		}))
		return
	}

	attempts := q.state.RetryAttempt + 1
	ferr := &FetchError{Key: q.key, Attempts: attempts, Err: err}
	q.state.Status = StatusError
	q.state.Err = ferr
	q.notifyLocked()
	q.mu.Unlock()

	q.client.hooks.RetriesExhausted(q.key, attempts, err)
	q.client.log.Error("fetch failed; retries exhausted", q.fields(Fields{"attempts": attempts, "err": err}))
	if q.opts.OnError != nil {
		q.opts.OnError(ferr)
	}
}

func (q *Query[V]) retryFire(epoch uint64) {
	q.mu.Lock()
	if epoch != q.epoch || !q.scope.Active() {
		q.mu.Unlock()
		return
	}
	q.timer = nil
	q.mu.Unlock()
	q.start(startRetry, epoch)
}

func (q *Query[V]) discard() {
	q.client.hooks.ResultDiscarded(q.key)
	q.client.log.Debug("result discarded after close", q.fields(nil))
}

// update applies fn under the lock unless the scope is no longer active.
// It reports whether the write happened.
func (q *Query[V]) update(fn func(*Result[V])) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.scope.Active() {
		return false
	}
	fn(&q.state)
	q.notifyLocked()
	return true
}

func (q *Query[V]) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Query[V]) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// storeCtx keeps the scope's values but not its cancellation, so cache
// writes and invalidations still reach the store after Close.
func (q *Query[V]) storeCtx() context.Context {
	return context.WithoutCancel(q.scope.Context())
}

func (q *Query[V]) fields(f Fields) Fields {
	out := Fields{"key": q.key, "query": q.id}
	for k, v := range f {
		out[k] = v
	}
	return out
}
