package fetchcache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Client holds the services shared by many queries: the cache store, logging,
// hooks, the clock, and the in-flight group used by coalescing queries.
// A Client is safe for concurrent use.
type Client struct {
	store  Store
	log    Logger
	hooks  Hooks
	clock  Clock
	jitter func() time.Duration

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the context shared by the queries waiting on one coalesced call.
// It is canceled when the last waiter leaves.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func NewClient(opts ClientOptions) *Client {
	c := &Client{jitter: opts.Jitter, flights: make(map[string]*flight)}
	if opts.Store != nil {
		c.store = opts.Store
	} else {
		c.store = NewMemoryStore()
	}
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.clock = coalesce[Clock](opts.Clock, systemClock{})
	return c
}

// Store returns the client's cache store.
func (c *Client) Store() Store { return c.store }

// Invalidate drops the cached entry for key; queries already holding the value keep it.
func (c *Client) Invalidate(ctx context.Context, key string) error {
	if err := c.store.Invalidate(ctx, key); err != nil {
		c.hooks.StoreError(key, "invalidate", err)
		return err
	}
	return nil
}

// Close releases the store.
func (c *Client) Close(ctx context.Context) error {
	return c.store.Close(ctx)
}

// join registers a waiter on key's flight, creating it with a context derived
// from parent's values but not its cancellation.
func (c *Client) join(parent context.Context, key string) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flights[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
		f = &flight{ctx: ctx, cancel: cancel}
		c.flights[key] = f
	}
	f.waiters++
	return f
}

func (c *Client) leave(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
}
