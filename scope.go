package fetchcache

import "context"

// Scope is the lifecycle guard of a Query. It starts active and becomes inactive
// exactly once, when Cancel is called or the parent context ends. It never resets.
//
// The producer receives Context(), so producers that honor cancellation stop early;
// those that don't still run to completion and their results are discarded.
type Scope struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScope derives a scope from parent. A nil parent means context.Background().
func NewScope(parent context.Context) *Scope {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Scope{ctx: ctx, cancel: cancel}
}

// Active reports whether the owner is still attached.
func (s *Scope) Active() bool { return s.ctx.Err() == nil }

// Cancel detaches the owner. Safe to call more than once.
func (s *Scope) Cancel() { s.cancel() }

func (s *Scope) Context() context.Context { return s.ctx }

func (s *Scope) Done() <-chan struct{} { return s.ctx.Done() }
