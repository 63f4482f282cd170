package fetchcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// ==============================
// Test doubles
// ==============================

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clk     *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clk: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fireNext advances time by the delay of the oldest pending timer and runs it.
func (c *fakeClock) fireNext() bool {
	c.mu.Lock()
	var next *fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next == nil {
		c.mu.Unlock()
		return false
	}
	next.fired = true
	c.now = c.now.Add(next.d)
	c.mu.Unlock()
	next.f()
	return true
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (c *fakeClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, t.d)
	}
	return out
}

type eventHooks struct {
	NopHooks
	hits, misses, retries, exhausted, discarded, storeErrs atomic.Int32
}

func (h *eventHooks) CacheHit(string)                                  { h.hits.Add(1) }
func (h *eventHooks) CacheMiss(string)                                 { h.misses.Add(1) }
func (h *eventHooks) RetryScheduled(string, int, time.Duration, error) { h.retries.Add(1) }
func (h *eventHooks) RetriesExhausted(string, int, error)              { h.exhausted.Add(1) }
func (h *eventHooks) ResultDiscarded(string)                           { h.discarded.Add(1) }
func (h *eventHooks) StoreError(string, string, error)                 { h.storeErrs.Add(1) }

type payload struct{ V int }

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitSettled[V any](t *testing.T, q *Query[V]) Result[V] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := q.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v (state %+v)", err, res)
	}
	return res
}

func newTestClient(clk *fakeClock, hooks Hooks) *Client {
	return NewClient(ClientOptions{
		Clock:  clk,
		Hooks:  hooks,
		Jitter: func() time.Duration { return 0 },
	})
}

// ==============================
// Construction
// ==============================

func TestNewValidatesConfig(t *testing.T) {
	ctx := context.Background()
	client := NewClient(ClientOptions{})
	ok := func(context.Context) (int, error) { return 1, nil }

	if _, err := New(ctx, nil, ok, Options[int]{Key: "k"}); !errors.Is(err, ErrNilClient) {
		t.Fatalf("nil client: %v", err)
	}
	if _, err := New[int](ctx, client, nil, Options[int]{Key: "k"}); !errors.Is(err, ErrNilProducer) {
		t.Fatalf("nil producer: %v", err)
	}
	if _, err := New(ctx, client, ok, Options[int]{}); !errors.Is(err, ErrKeyRequired) {
		t.Fatalf("empty key: %v", err)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	client := NewClient(ClientOptions{Clock: newFakeClock()})
	q, err := New(context.Background(), client, func(context.Context) (int, error) { return 1, nil }, Options[int]{Key: "k"})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	if q.opts.CacheDuration != DefaultCacheDuration || q.retry.MaxRetries != DefaultMaxRetries ||
		q.retry.BaseDelay != DefaultBaseRetryDelay || !q.retry.Exponential {
		t.Fatalf("defaults not applied: opts=%+v retry=%+v", q.opts, q.retry)
	}
}

// ==============================
// Cache behavior
// ==============================

func TestCacheHitIdempotence(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	hooks := &eventHooks{}
	client := newTestClient(clk, hooks)

	var calls atomic.Int32
	producer := func(context.Context) (payload, error) {
		calls.Add(1)
		return payload{V: 1}, nil
	}

	q1, _ := New(ctx, client, producer, Options[payload]{Key: "k"})
	defer q1.Close()
	first := waitSettled(t, q1)

	var hit payload
	q2, _ := New(ctx, client, producer, Options[payload]{
		Key:       "k",
		OnSuccess: func(v payload) { hit = v },
	})
	defer q2.Close()

	// no waiting: a cache hit completes inside New
	st := q2.State()
	if !st.IsSuccess() || !st.HasData || st.Data != first.Data {
		t.Fatalf("second query should be served from cache, got %+v", st)
	}
	if hit != first.Data {
		t.Fatalf("OnSuccess must fire on cache hits, got %+v", hit)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("producer calls=%d want 1", n)
	}
	if hooks.hits.Load() != 1 || hooks.misses.Load() != 1 {
		t.Fatalf("hits=%d misses=%d", hooks.hits.Load(), hooks.misses.Load())
	}
}

func TestExpiredEntryIsRefetched(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	client := newTestClient(clk, nil)

	var calls atomic.Int32
	producer := func(context.Context) (int, error) { return int(calls.Add(1)), nil }
	opts := Options[int]{Key: "k", CacheDuration: 10 * time.Second}

	q1, _ := New(ctx, client, producer, opts)
	defer q1.Close()
	waitSettled(t, q1)

	clk.add(10*time.Second + time.Millisecond)

	q2, _ := New(ctx, client, producer, opts)
	defer q2.Close()
	if q2.State().IsSuccess() {
		t.Fatalf("expired entry must not be served")
	}
	res := waitSettled(t, q2)
	if res.Data != 2 || calls.Load() != 2 {
		t.Fatalf("data=%d calls=%d want 2,2", res.Data, calls.Load())
	}
}

func TestRefetchBypassesCache(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(newFakeClock(), nil)

	var calls atomic.Int32
	producer := func(context.Context) (int, error) { return int(calls.Add(1)), nil }

	q, _ := New(ctx, client, producer, Options[int]{Key: "k"})
	defer q.Close()
	waitSettled(t, q)

	if err := q.Refetch(ctx); err != nil {
		t.Fatal(err)
	}
	if st := q.State(); st.Data != 2 || calls.Load() != 2 {
		t.Fatalf("refetch must call the producer: data=%d calls=%d", st.Data, calls.Load())
	}
	// the refreshed value is what the store serves next
	e, ok, _ := client.Store().Get(ctx, "k")
	if !ok || e.Value != 2 {
		t.Fatalf("store=%v ok=%v want 2", e.Value, ok)
	}
}

// producer resolves {v:1} then {v:2}; default options.
func TestRefetchScenario(t *testing.T) {
	ctx := context.Background()
	client := NewClient(ClientOptions{})

	var calls atomic.Int32
	f := func(context.Context) (payload, error) {
		return payload{V: int(calls.Add(1))}, nil
	}

	q, err := New(ctx, client, f, Options[payload]{Key: "k"})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	if res := waitSettled(t, q); res.Data != (payload{V: 1}) {
		t.Fatalf("first data=%+v", res.Data)
	}
	if err := q.Refetch(ctx); err != nil {
		t.Fatal(err)
	}
	if st := q.State(); st.Data != (payload{V: 2}) || !st.IsSuccess() {
		t.Fatalf("after refetch %+v", st)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("calls=%d want 2", n)
	}
}

func TestClearCacheDoesNotFetch(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(newFakeClock(), nil)

	var calls atomic.Int32
	producer := func(context.Context) (int, error) { return int(calls.Add(1)), nil }

	q, _ := New(ctx, client, producer, Options[int]{Key: "k"})
	defer q.Close()
	waitSettled(t, q)

	q.ClearCache()
	if _, ok, _ := client.Store().Get(ctx, "k"); ok {
		t.Fatal("entry must be gone after ClearCache")
	}
	if st := q.State(); st.Data != 1 || !st.IsSuccess() {
		t.Fatalf("ClearCache must not touch state, got %+v", st)
	}
	if calls.Load() != 1 {
		t.Fatalf("ClearCache must not fetch, calls=%d", calls.Load())
	}

	q2, _ := New(ctx, client, producer, Options[int]{Key: "k"})
	defer q2.Close()
	if res := waitSettled(t, q2); res.Data != 2 {
		t.Fatalf("next query must refetch, got %d", res.Data)
	}
}

// ==============================
// Retry behavior
// ==============================

func TestRetryCountBound(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	hooks := &eventHooks{}
	client := newTestClient(clk, hooks)

	boom := errors.New("boom")
	var calls atomic.Int32
	producer := func(context.Context) (int, error) {
		calls.Add(1)
		return 0, boom
	}

	var onErr []error
	var mu sync.Mutex
	const n = 3
	q, _ := New(ctx, client, producer, Options[int]{
		Key:        "k",
		MaxRetries: n,
		OnError: func(err error) {
			mu.Lock()
			onErr = append(onErr, err)
			mu.Unlock()
		},
	})
	defer q.Close()

	for i := 1; i <= n; i++ {
		eventually(t, "retry timer", func() bool { return clk.pending() == 1 })
		st := q.State()
		if st.IsError() || !st.IsLoading() || !errors.Is(st.Err, boom) || st.RetryAttempt != i {
			t.Fatalf("retry window %d: want transient loading state, got %+v", i, st)
		}
		clk.fireNext()
	}

	res := waitSettled(t, q)
	if !res.IsError() {
		t.Fatalf("want terminal error, got %+v", res)
	}
	if got := calls.Load(); got != n+1 {
		t.Fatalf("producer calls=%d want %d", got, n+1)
	}
	var fe *FetchError
	if !errors.As(res.Err, &fe) || fe.Attempts != n+1 || fe.Key != "k" || !errors.Is(res.Err, boom) {
		t.Fatalf("want FetchError wrapping boom, got %v", res.Err)
	}
	if clk.pending() != 0 {
		t.Fatal("no retry may be scheduled after exhaustion")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(onErr) != 1 || !errors.Is(onErr[0], boom) {
		t.Fatalf("OnError calls=%v", onErr)
	}
	if hooks.retries.Load() != n || hooks.exhausted.Load() != 1 {
		t.Fatalf("retries=%d exhausted=%d", hooks.retries.Load(), hooks.exhausted.Load())
	}
}

func TestRetryDelaysExponential(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	client := NewClient(ClientOptions{
		Clock:  clk,
		Jitter: func() time.Duration { return 300 * time.Millisecond },
	})

	q, _ := New(ctx, client, func(context.Context) (int, error) { return 0, errors.New("x") }, Options[int]{
		Key:            "k",
		BaseRetryDelay: 100 * time.Millisecond,
	})
	defer q.Close()

	for i := 0; i < DefaultMaxRetries; i++ {
		eventually(t, "retry timer", func() bool { return clk.pending() == 1 })
		clk.fireNext()
	}
	waitSettled(t, q)

	want := []time.Duration{400 * time.Millisecond, 500 * time.Millisecond, 700 * time.Millisecond}
	got := clk.delays()
	if len(got) != len(want) {
		t.Fatalf("delays=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delays=%v want %v", got, want)
		}
	}
}

func TestRetryDelaysConstant(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	client := newTestClient(clk, nil)

	q, _ := New(ctx, client, func(context.Context) (int, error) { return 0, errors.New("x") }, Options[int]{
		Key:             "k",
		MaxRetries:      4,
		BaseRetryDelay:  250 * time.Millisecond,
		ConstantBackoff: true,
	})
	defer q.Close()

	for i := 0; i < 4; i++ {
		eventually(t, "retry timer", func() bool { return clk.pending() == 1 })
		clk.fireNext()
	}
	waitSettled(t, q)
	for i, d := range clk.delays() {
		if d != 250*time.Millisecond {
			t.Fatalf("delay %d = %v want 250ms", i, d)
		}
	}
}

func TestRetryRecovers(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	client := newTestClient(clk, nil)

	var calls atomic.Int32
	producer := func(context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	}
	q, _ := New(ctx, client, producer, Options[string]{Key: "k"})
	defer q.Close()

	for i := 0; i < 2; i++ {
		eventually(t, "retry timer", func() bool { return clk.pending() == 1 })
		clk.fireNext()
	}
	res := waitSettled(t, q)
	if !res.IsSuccess() || res.Data != "ok" || res.Err != nil || res.RetryAttempt != 0 {
		t.Fatalf("want clean success, got %+v", res)
	}
}

func TestNoRetries(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	client := newTestClient(clk, nil)

	var calls atomic.Int32
	q, _ := New(ctx, client, func(context.Context) (int, error) {
		calls.Add(1)
		return 0, errors.New("x")
	}, Options[int]{Key: "k", MaxRetries: NoRetries})
	defer q.Close()

	if res := waitSettled(t, q); !res.IsError() {
		t.Fatalf("want error, got %+v", res)
	}
	if calls.Load() != 1 || clk.pending() != 0 {
		t.Fatalf("calls=%d pending=%d", calls.Load(), clk.pending())
	}
}

func TestRefetchResetsRetries(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	client := newTestClient(clk, nil)

	var fail atomic.Bool
	fail.Store(true)
	q, _ := New(ctx, client, func(context.Context) (int, error) {
		if fail.Load() {
			return 0, errors.New("down")
		}
		return 42, nil
	}, Options[int]{Key: "k"})
	defer q.Close()

	eventually(t, "retry timer", func() bool { return clk.pending() == 1 })
	if q.State().RetryAttempt != 1 {
		t.Fatalf("attempt=%d", q.State().RetryAttempt)
	}

	fail.Store(false)
	if err := q.Refetch(ctx); err != nil {
		t.Fatal(err)
	}
	if clk.pending() != 0 {
		t.Fatal("refetch must cancel the pending retry")
	}
	if st := q.State(); !st.IsSuccess() || st.Data != 42 || st.RetryAttempt != 0 {
		t.Fatalf("after refetch %+v", st)
	}
}

func TestPanicIsCaptured(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(newFakeClock(), nil)

	q, _ := New(ctx, client, func(context.Context) (int, error) { panic("kaboom") }, Options[int]{
		Key:        "k",
		MaxRetries: NoRetries,
	})
	defer q.Close()

	res := waitSettled(t, q)
	var pe *PanicError
	if !errors.As(res.Err, &pe) || pe.Error() != "producer panic: kaboom" {
		t.Fatalf("want PanicError, got %v", res.Err)
	}
}

// ==============================
// Lifecycle guard
// ==============================

func TestNoStateChangeAfterClose(t *testing.T) {
	ctx := context.Background()
	hooks := &eventHooks{}
	client := newTestClient(newFakeClock(), hooks)

	release := make(chan struct{})
	var succeeded atomic.Bool
	q, _ := New(ctx, client, func(context.Context) (int, error) {
		<-release
		return 1, nil
	}, Options[int]{Key: "k", OnSuccess: func(int) { succeeded.Store(true) }})

	before := q.State()
	changed := q.Changed()
	q.Close()
	close(release)

	eventually(t, "discard", func() bool { return hooks.discarded.Load() == 1 })
	if st := q.State(); st != before {
		t.Fatalf("state changed after close: %+v -> %+v", before, st)
	}
	select {
	case <-changed:
		t.Fatal("no change notification expected after close")
	default:
	}
	if succeeded.Load() {
		t.Fatal("OnSuccess must not fire after close")
	}
	if _, ok, _ := client.Store().Get(ctx, "k"); ok {
		t.Fatal("discarded result must not reach the store")
	}
}

func TestNoCallbackAfterCloseOnFailure(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	hooks := &eventHooks{}
	client := newTestClient(clk, hooks)

	release := make(chan struct{})
	var failed atomic.Bool
	q, _ := New(ctx, client, func(context.Context) (int, error) {
		<-release
		return 0, errors.New("late")
	}, Options[int]{Key: "k", MaxRetries: NoRetries, OnError: func(error) { failed.Store(true) }})

	q.Close()
	close(release)

	eventually(t, "discard", func() bool { return hooks.discarded.Load() == 1 })
	if failed.Load() || q.State().Err != nil || clk.pending() != 0 {
		t.Fatalf("failure after close must be silent: state=%+v", q.State())
	}
}

// closingClock runs onNow before reading the time. The first clock read of a
// fetch that missed the cache happens when its result is recorded.
type closingClock struct {
	*fakeClock
	onNow func()
}

func (c *closingClock) Now() time.Time {
	if c.onNow != nil {
		c.onNow()
	}
	return c.fakeClock.Now()
}

func TestCloseWhileRecordingResultSkipsStore(t *testing.T) {
	ctx := context.Background()
	clk := &closingClock{fakeClock: newFakeClock()}
	hooks := &eventHooks{}
	client := NewClient(ClientOptions{Clock: clk, Hooks: hooks})

	release := make(chan struct{})
	q, _ := New(ctx, client, func(context.Context) (int, error) {
		<-release
		return 1, nil
	}, Options[int]{Key: "k"})
	clk.onNow = q.Close
	close(release)

	eventually(t, "discard", func() bool { return hooks.discarded.Load() == 1 })
	if st := q.State(); st.HasData {
		t.Fatalf("state written after close: %+v", st)
	}
	if _, ok, _ := client.Store().Get(ctx, "k"); ok {
		t.Fatal("result discarded by close must not reach the store")
	}
}

func TestCloseStopsPendingRetry(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	client := newTestClient(clk, nil)

	var calls atomic.Int32
	q, _ := New(ctx, client, func(context.Context) (int, error) {
		calls.Add(1)
		return 0, errors.New("x")
	}, Options[int]{Key: "k"})

	eventually(t, "retry timer", func() bool { return clk.pending() == 1 })
	q.Close()
	if clk.pending() != 0 {
		t.Fatal("Close must stop the retry timer")
	}
	if clk.fireNext() {
		t.Fatal("no timer should remain")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d want 1", calls.Load())
	}
	if _, err := q.Wait(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Wait after close: %v", err)
	}
}

func TestParentContextDetaches(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	client := newTestClient(newFakeClock(), nil)

	started := make(chan struct{})
	q, _ := New(parent, client, func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	}, Options[int]{Key: "k"})

	<-started
	cancel()
	if _, err := q.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
	if q.State().IsError() {
		t.Fatal("cancellation must not surface as a fetch error")
	}
}

// ==============================
// Store failures
// ==============================

type brokenStore struct{ *MemoryStore }

func (brokenStore) Get(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errors.New("get down")
}

func (brokenStore) Put(context.Context, string, any, time.Duration, time.Time) error {
	return errors.New("put down")
}

func TestStoreErrorsDoNotFailQueries(t *testing.T) {
	ctx := context.Background()
	hooks := &eventHooks{}
	client := NewClient(ClientOptions{Store: brokenStore{NewMemoryStore()}, Hooks: hooks, Clock: newFakeClock()})

	q, _ := New(ctx, client, func(context.Context) (int, error) { return 5, nil }, Options[int]{Key: "k"})
	defer q.Close()

	if res := waitSettled(t, q); !res.IsSuccess() || res.Data != 5 {
		t.Fatalf("store errors must not fail the query: %+v", res)
	}
	if hooks.storeErrs.Load() != 2 {
		t.Fatalf("storeErrs=%d want 2 (get, put)", hooks.storeErrs.Load())
	}
}

func TestCachedValueOfOtherTypeIsMiss(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(newFakeClock(), nil)
	_ = client.Store().Put(ctx, "k", "a string", time.Hour, client.clock.Now())

	q, _ := New(ctx, client, func(context.Context) (int, error) { return 9, nil }, Options[int]{Key: "k"})
	defer q.Close()
	if res := waitSettled(t, q); res.Data != 9 {
		t.Fatalf("got %+v", res)
	}
}

// ==============================
// Concurrency
// ==============================

// Without coalescing, queries sharing a key each call their own producer.
func TestConcurrentQueriesDuplicateCalls(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(newFakeClock(), nil)

	gate := make(chan struct{})
	var calls atomic.Int32
	producer := func(context.Context) (int, error) {
		calls.Add(1)
		<-gate
		return 1, nil
	}

	q1, _ := New(ctx, client, producer, Options[int]{Key: "k"})
	defer q1.Close()
	q2, _ := New(ctx, client, producer, Options[int]{Key: "k"})
	defer q2.Close()
	eventually(t, "both producers", func() bool { return calls.Load() == 2 })
	close(gate)
	waitSettled(t, q1)
	waitSettled(t, q2)
}

func TestCoalescedQueriesShareOneCall(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(newFakeClock(), nil)

	gate := make(chan struct{})
	var calls atomic.Int32
	producer := func(context.Context) (int, error) {
		calls.Add(1)
		<-gate
		return 11, nil
	}

	const n = 8
	qs := make([]*Query[int], n)
	for i := range qs {
		q, err := New(ctx, client, producer, Options[int]{Key: "k", Coalesce: true})
		if err != nil {
			t.Fatal(err)
		}
		defer q.Close()
		qs[i] = q
	}
	eventually(t, "leader call", func() bool { return calls.Load() == 1 })
	// let followers join the flight before releasing the leader
	time.Sleep(20 * time.Millisecond)
	close(gate)

	var g errgroup.Group
	for _, q := range qs {
		g.Go(func() error {
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			res, err := q.Wait(wctx)
			if err != nil {
				return err
			}
			if res.Data != 11 {
				return errors.New("wrong data")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if c := calls.Load(); c != 1 {
		t.Fatalf("producer calls=%d want 1", c)
	}
}

// Closing one coalescing query must not cancel the call another one waits on.
func TestCoalescedLeaderCloseKeepsFollower(t *testing.T) {
	ctx := context.Background()
	hooks := &eventHooks{}
	client := newTestClient(newFakeClock(), hooks)

	gate := make(chan struct{})
	canceled := make(chan struct{})
	var calls atomic.Int32
	producer := func(pctx context.Context) (int, error) {
		calls.Add(1)
		select {
		case <-gate:
			return 5, nil
		case <-pctx.Done():
			close(canceled)
			return 0, pctx.Err()
		}
	}
	opts := Options[int]{Key: "k", Coalesce: true, MaxRetries: NoRetries}

	leader, _ := New(ctx, client, producer, opts)
	eventually(t, "leader call", func() bool { return calls.Load() == 1 })
	follower, _ := New(ctx, client, producer, opts)
	defer follower.Close()
	time.Sleep(20 * time.Millisecond)

	leader.Close()
	select {
	case <-canceled:
		t.Fatal("shared call canceled while a query still waits on it")
	case <-time.After(20 * time.Millisecond):
	}
	close(gate)

	res := waitSettled(t, follower)
	if !res.IsSuccess() || res.Data != 5 {
		t.Fatalf("follower should get the shared value, got %+v", res)
	}
	if calls.Load() != 1 {
		t.Fatalf("producer calls=%d want 1", calls.Load())
	}
	eventually(t, "leader discard", func() bool { return hooks.discarded.Load() == 1 })
	if st := leader.State(); st.HasData {
		t.Fatalf("closed leader state written: %+v", st)
	}
}

func TestCoalescedCallCanceledWhenAllClose(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(newFakeClock(), nil)

	started := make(chan struct{}, 2)
	canceled := make(chan struct{}, 2)
	producer := func(pctx context.Context) (int, error) {
		started <- struct{}{}
		<-pctx.Done()
		canceled <- struct{}{}
		return 0, pctx.Err()
	}
	opts := Options[int]{Key: "k", Coalesce: true}

	a, _ := New(ctx, client, producer, opts)
	<-started
	b, _ := New(ctx, client, producer, opts)
	time.Sleep(20 * time.Millisecond)

	a.Close()
	b.Close()
	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("shared call not canceled after every query closed")
	}
}

// Refetch always calls the producer, even while a coalesced call is in flight.
func TestCoalescedRefetchCallsProducer(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(newFakeClock(), nil)

	gate := make(chan struct{})
	var calls atomic.Int32
	producer := func(context.Context) (int, error) {
		n := calls.Add(1)
		<-gate
		return int(n), nil
	}
	opts := Options[int]{Key: "k", Coalesce: true}

	a, _ := New(ctx, client, producer, opts)
	defer a.Close()
	b, _ := New(ctx, client, producer, opts)
	defer b.Close()
	eventually(t, "shared call", func() bool { return calls.Load() == 1 })

	done := make(chan error, 1)
	go func() { done <- b.Refetch(ctx) }()
	eventually(t, "refetch call", func() bool { return calls.Load() == 2 })
	close(gate)

	if err := <-done; err != nil {
		t.Fatalf("Refetch: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("producer calls=%d want 2", calls.Load())
	}
	waitSettled(t, a)
	waitSettled(t, b)
}

func TestConcurrentRefetchAndState(t *testing.T) {
	ctx := context.Background()
	client := NewClient(ClientOptions{})

	var calls atomic.Int32
	q, _ := New(ctx, client, func(context.Context) (int, error) { return int(calls.Add(1)), nil }, Options[int]{Key: "k"})
	defer q.Close()
	waitSettled(t, q)

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error { return q.Refetch(ctx) })
		g.Go(func() error { _ = q.State(); return nil })
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 17 {
		t.Fatalf("calls=%d want 17", calls.Load())
	}
	if st := q.State(); !st.IsSuccess() {
		t.Fatalf("final state %+v", st)
	}
}
