package cachesync

import "time"

// Layer names one cache layer.
type Layer string

const (
	LayerRender Layer = "render"
	LayerKV     Layer = "kv"
	LayerQuery  Layer = "query"
)

// Hooks are lightweight callbacks for layer-level outcomes of Invalidate.
// Implementations MUST be cheap and non-blocking; wrap slow sinks with hooks/async.
type Hooks interface {
	// A layer finished. touched is the number of tags+paths, deleted keys or
	// query keys handled.
	LayerInvalidated(layer Layer, entityType string, touched int, d time.Duration)

	// A layer failed (fully or partially). err is usually a *LayerError.
	LayerFailed(layer Layer, entityType string, err error, d time.Duration)

	// A layer was not run. reason ∈ {"runtime", "not_configured", "no_query_cache"}
	LayerSkipped(layer Layer, entityType string, reason string)

	// An out-of-order optimistic rollback was refused and the key invalidated instead.
	RollbackRejected(key QueryKey)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) LayerInvalidated(Layer, string, int, time.Duration) {}
func (NopHooks) LayerFailed(Layer, string, error, time.Duration)    {}
func (NopHooks) LayerSkipped(Layer, string, string)                 {}
func (NopHooks) RollbackRejected(QueryKey)                          {}
