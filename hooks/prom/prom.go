// Package prom exports coordinator layer outcomes as Prometheus metrics.
package prom

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/itellico/cachesync"
)

type Hooks struct {
	invalidated *prometheus.CounterVec
	touched     *prometheus.CounterVec
	failed      *prometheus.CounterVec
	skipped     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	rejected    prometheus.Counter
}

var _ cachesync.Hooks = (*Hooks)(nil)

// New builds the collectors under namespace (default "cachesync") and
// registers them on reg (default registerer when nil). Registering twice on
// the same registry reuses the existing collectors.
func New(namespace string, reg prometheus.Registerer) (*Hooks, error) {
	if namespace == "" {
		namespace = "cachesync"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	h := &Hooks{
		invalidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "layer_invalidations_total",
			Help:      "Completed layer invalidations.",
		}, []string{"layer", "entity_type"}),
		touched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "layer_touched_total",
			Help:      "Tags, paths, keys or query keys handled by layer invalidations.",
		}, []string{"layer", "entity_type"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "layer_failures_total",
			Help:      "Layer invalidations that failed fully or partially.",
		}, []string{"layer", "entity_type"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "layer_skips_total",
			Help:      "Layers not run, by reason.",
		}, []string{"layer", "reason"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "layer_duration_seconds",
			Help:      "Time spent per layer invalidation.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"layer"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_rollbacks_rejected_total",
			Help:      "Out-of-order optimistic rollbacks turned into invalidations.",
		}),
	}
	var err error
	h.invalidated = register(reg, h.invalidated, &err)
	h.touched = register(reg, h.touched, &err)
	h.failed = register(reg, h.failed, &err)
	h.skipped = register(reg, h.skipped, &err)
	h.duration = register(reg, h.duration, &err)
	h.rejected = register(reg, h.rejected, &err)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C, errp *error) C {
	if *errp != nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		*errp = err
	}
	return c
}

func (h *Hooks) LayerInvalidated(layer cachesync.Layer, entityType string, touched int, d time.Duration) {
	h.invalidated.WithLabelValues(string(layer), entityType).Inc()
	h.touched.WithLabelValues(string(layer), entityType).Add(float64(touched))
	h.duration.WithLabelValues(string(layer)).Observe(d.Seconds())
}

func (h *Hooks) LayerFailed(layer cachesync.Layer, entityType string, _ error, d time.Duration) {
	h.failed.WithLabelValues(string(layer), entityType).Inc()
	h.duration.WithLabelValues(string(layer)).Observe(d.Seconds())
}

func (h *Hooks) LayerSkipped(layer cachesync.Layer, _ string, reason string) {
	h.skipped.WithLabelValues(string(layer), reason).Inc()
}

func (h *Hooks) RollbackRejected(cachesync.QueryKey) { h.rejected.Inc() }
