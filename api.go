package cachesync

import (
	"context"
	"time"
)

// KeyValueStore is the distributed key/value cache the coordinator prunes.
// Patterns use Redis glob syntax.
type KeyValueStore interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	// DeleteMany removes keys in one batch and returns how many existed.
	// Missing keys are not an error.
	DeleteMany(ctx context.Context, keys []string) (int64, error)
}

// RenderCache is the server-side computed-output cache.
type RenderCache interface {
	InvalidateTag(ctx context.Context, tag string) error
	InvalidatePath(ctx context.Context, path string) error
}

// QueryKey is a hierarchical client query key, e.g. ["admin", "users"].
// Invalidating a key affects every key it prefixes.
type QueryKey []string

// QueryCache is the client-held cache of query results.
type QueryCache interface {
	Invalidate(ctx context.Context, key QueryKey) error
	// RefetchActive re-runs active queries under key instead of only marking them stale.
	RefetchActive(ctx context.Context, key QueryKey) error
	SetValue(ctx context.Context, key QueryKey, value any) error
	GetValue(ctx context.Context, key QueryKey) (any, bool, error)
}

// Invalidator is what mutation paths depend on.
type Invalidator interface {
	Invalidate(ctx context.Context, req Request)
}

// Options configure a Coordinator. Every layer is optional; missing layers are skipped.
type Options struct {
	Render     RenderCache
	KV         KeyValueStore
	QueryCache QueryCache // client runtime only; can also be supplied per call via WithQueryCache

	Runtime      Runtime       // RuntimeAuto by default
	LayerTimeout time.Duration // bound for each layer step; 0 => 5s
	ScanWorkers  int           // concurrent pattern scans; 0 => 4

	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => NopHooks
}

// New builds a Coordinator. It never fails on missing layers; the error is
// reserved for invalid option values.
func New(opts Options) (*Coordinator, error) {
	return newCoordinator(opts)
}
