// Package genstore keeps monotonic per-key generation counters.
//
// cachesync uses generations in two places: render-cache entries record the
// generation of their path and tags at write time (a bump invalidates every
// entry that recorded the old value), and the optimistic tracker uses them as
// per-key change sequences.
package genstore

import (
	"context"
	"time"
)

// GenStore abstracts where generations live.
// Use LocalGenStore for in-process gens, or RedisGenStore to share them across processes.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, key string) (uint64, error)
	// SnapshotMany returns gens for many keys; missing => 0.
	SnapshotMany(ctx context.Context, keys []string) (map[string]uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, key string) (uint64, error)
	// BumpMany increments every key and returns the new generations.
	BumpMany(ctx context.Context, keys []string) (map[string]uint64, error)
	// Cleanup prunes old metadata if applicable (no-op for Redis).
	Cleanup(retention time.Duration)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
