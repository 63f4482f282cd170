// Package genstore keeps per-key generation counters for provider-backed stores.
// A store stamps every entry with the generation current at write time and bumps it
// on invalidation, so entries written before an invalidation are rejected on read
// even if the delete never reached the provider (or reached only one replica).
package genstore

import (
	"context"
	"time"
)

// GenStore abstracts where generations live.
// Use Local (default) for in-process gens, or Redis for generations shared across replicas.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, storageKey string) (uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, storageKey string) (uint64, error)
	// Cleanup prunes metadata untouched for longer than retention (no-op for Redis).
	Cleanup(retention time.Duration)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
