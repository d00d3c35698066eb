// Package cachesync coordinates invalidation across three cache layers after an
// entity mutation commits:
//
//   - RenderCache: server computed-output cache addressed by tag and path.
//   - KeyValueStore: distributed key/value cache (Redis, in-process stores).
//   - QueryCache: client-held query results addressed by hierarchical keys.
//
// The Coordinator is a stateless fan-out dispatcher. Each layer runs in a fixed
// order (render, key/value, query), each is guarded on its own, and failures are
// logged and reported to Hooks but never returned to the caller: the primary
// mutation has already committed and stale caches heal on TTL or on the next
// successful invalidation.
//
// Render and key/value layers only run in server runtime; the query layer only
// runs in client runtime:
//
//	coord, _ := cachesync.New(cachesync.Options{
//	    Render:  renderCache,
//	    KV:      kv,
//	    Logger:  zaplog.ZapLogger{L: zl},
//	})
//	coord.Invalidate(ctx, cachesync.Request{
//	    EntityType: "tenant",
//	    EntityID:   "42",
//	    Operation:  cachesync.OpUpdate,
//	})
//
// Optimistic client updates go through ApplyOptimisticUpdate or, when several
// optimistic updates for the same key can be in flight, an OptimisticTracker.
package cachesync
