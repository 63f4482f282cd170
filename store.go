package fetchcache

import (
	"context"
	"sync"
	"time"
)

// Entry is one cached result. Entries are never mutated; a refresh writes a new one.
type Entry struct {
	Value     any
	FetchedAt time.Time
	ExpiresAt time.Time
}

// Valid reports whether e is still fresh at now.
func (e Entry) Valid(now time.Time) bool { return now.Before(e.ExpiresAt) }

// Store is the shared key -> Entry table queries consult before calling a producer.
// A key maps to at most one entry; concurrent writes are last-writer-wins.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry for key. It never deletes or refreshes anything;
	// expiry is judged by the caller via Entry.Valid.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Put stores Entry{value, now, now+ttl}, replacing any entry for key.
	Put(ctx context.Context, key string, value any, ttl time.Duration, now time.Time) error

	// Invalidate removes the entry for key. Missing keys are not an error.
	Invalidate(ctx context.Context, key string) error

	Close(ctx context.Context) error
}

// MemoryStore is the process-local Store. All operations are total; the zero value
// is not usable, construct with NewMemoryStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	return e, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value any, ttl time.Duration, now time.Time) error {
	e := Entry{Value: value, FetchedAt: now, ExpiresAt: now.Add(ttl)}
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Invalidate(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of entries held, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Purge drops every entry that is no longer valid at now and returns how many were removed.
// Queries never call it; long-lived processes may run it periodically.
func (s *MemoryStore) Purge(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if !e.Valid(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) Close(context.Context) error { return nil }
