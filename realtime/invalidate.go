package realtime

import (
	"context"

	"github.com/itellico/cachesync"
)

// InvalidateOnChange returns a handler that drops the subscriber's local
// query cache for the entity named by CHANGE_COMMITTED and CHANGE_REJECTED
// events. inv is usually a client-runtime Coordinator; qc, when non-nil, is
// passed through WithQueryCache. Other event types are ignored.
func InvalidateOnChange(inv cachesync.Invalidator, qc cachesync.QueryCache) Handler {
	return func(ctx context.Context, msg Message) {
		if msg.Type != ChangeCommitted && msg.Type != ChangeRejected {
			return
		}
		op := cachesync.OpUpdate
		if parsed, err := cachesync.ParseOperation(msg.Data.Operation); err == nil {
			op = parsed
		}
		ctx = cachesync.WithRuntime(ctx, cachesync.RuntimeClient)
		if qc != nil {
			ctx = cachesync.WithQueryCache(ctx, qc)
		}
		inv.Invalidate(ctx, cachesync.Request{
			EntityType: msg.Data.EntityType,
			EntityID:   msg.Data.EntityID,
			TenantID:   msg.Data.TenantID,
			Operation:  op,
		})
	}
}
