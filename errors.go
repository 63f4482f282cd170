package fetchcache

import (
	"errors"
	"fmt"
)

var (
	ErrNilClient   = errors.New("fetchcache: client is required")
	ErrNilProducer = errors.New("fetchcache: producer is required")
	ErrKeyRequired = errors.New("fetchcache: cache key is required")

	// ErrValueType is returned when a value of the wrong type is written to a typed
	// store, or a coalesced call yields a value the waiting query cannot use.
	ErrValueType = errors.New("fetchcache: unexpected value type")

	// ErrClosed is returned by Query.Wait once the query's scope is canceled.
	ErrClosed = errors.New("fetchcache: query closed")
)

// FetchError is the terminal failure of a Query: the producer failed on the first
// attempt and on every retry.
type FetchError struct {
	Key      string
	Attempts int // producer invocations, initial call included
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %q failed after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// PanicError carries a value recovered from a panicking producer.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("producer panic: %v", e.Value)
}

// Unwrap returns the recovered value when it is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

type InvalidateError struct {
	Key     string
	BumpErr error
	DelErr  error
}

func (e *InvalidateError) Error() string {
	switch {
	case e.BumpErr != nil && e.DelErr != nil:
		return fmt.Sprintf("invalidate %q failed: gen bump and delete failed: bump=%v; delete=%v",
			e.Key, e.BumpErr, e.DelErr)
	case e.BumpErr != nil:
		return fmt.Sprintf("invalidate %q: gen bump failed: %v", e.Key, e.BumpErr)
	case e.DelErr != nil:
		return fmt.Sprintf("invalidate %q: delete failed: %v", e.Key, e.DelErr)
	default:
		return fmt.Sprintf("invalidate %q: unknown error", e.Key)
	}
}

func (e *InvalidateError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.BumpErr != nil {
		errs = append(errs, e.BumpErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}
