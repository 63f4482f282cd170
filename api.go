package fetchcache

import (
	"context"
	"time"
)

// Producer is the async operation whose result is cached and retried.
// ctx is the query's scope context; it is canceled when the query is closed.
type Producer[V any] func(ctx context.Context) (V, error)

// Options configure one Query. Only Key is required; others have sensible defaults.
type Options[V any] struct {
	// Required
	Key string // identity of the cached resource, shared by every query that uses it

	CacheDuration time.Duration // TTL of successful results; 0 => 5m

	// MaxRetries bounds automatic retries: a failing producer is called at most
	// MaxRetries+1 times. The zero value means DefaultMaxRetries (3), not zero
	// retries; use NoRetries to fail after the first attempt.
	MaxRetries int

	BaseRetryDelay  time.Duration // 0 => 1s
	ConstantBackoff bool          // default false => exponential backoff with jitter

	// OnSuccess runs on every successful resolution, cache hits included.
	OnSuccess func(V)
	// OnError runs once retries are exhausted, with the terminal *FetchError.
	OnError func(error)

	// Coalesce shares one in-flight producer call among all coalescing queries of
	// the same Client and Key. Off by default: every query calls its own producer.
	// The shared call is canceled only once every waiting query has closed, and
	// Refetch never joins a shared call.
	Coalesce bool
}

// ClientOptions tune the shared services behind a set of queries.
// All fields are optional.
type ClientOptions struct {
	Store  Store  // nil => NewMemoryStore()
	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => NopHooks
	Clock  Clock  // nil => system clock

	// Jitter overrides the backoff jitter draw for every query of the client.
	Jitter func() time.Duration
}

// Status is the lifecycle state of a Query.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is a snapshot of what one consumer currently sees.
//
// While retries are pending Status stays StatusLoading, Err holds the last
// transient failure and RetryAttempt counts the retries scheduled so far.
// Only after exhaustion does Status settle on StatusError.
type Result[V any] struct {
	Status       Status
	Data         V
	HasData      bool // false until the first success; Data is the zero value until then
	Err          error
	RetryAttempt int
}

func (r Result[V]) IsLoading() bool { return r.Status == StatusLoading }
func (r Result[V]) IsSuccess() bool { return r.Status == StatusSuccess }
func (r Result[V]) IsError() bool   { return r.Status == StatusError }

// settled reports whether r is a resting state: a value or a terminal error.
func (r Result[V]) settled() bool { return r.Status == StatusSuccess || r.Status == StatusError }
