// Package sloghooks logs coordinator layer outcomes through log/slog.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/itellico/cachesync"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	InvalidatedEvery uint64
	SkippedEvery     uint64
	// Optional query key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	invalidatedCtr atomic.Uint64
	skippedCtr     atomic.Uint64
}

var _ cachesync.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) LayerInvalidated(layer cachesync.Layer, entityType string, touched int, d time.Duration) {
	if h.l == nil || !sample(h.opts.InvalidatedEvery, &h.invalidatedCtr) {
		return
	}
	h.l.Debug("cachesync.layer_invalidated",
		"layer", string(layer),
		"entity_type", entityType,
		"touched", touched,
		"took", d)
}

func (h *Hooks) LayerFailed(layer cachesync.Layer, entityType string, err error, d time.Duration) {
	if h.l == nil {
		return
	}
	h.l.Warn("cachesync.layer_failed",
		"layer", string(layer),
		"entity_type", entityType,
		"err", err,
		"took", d)
}

func (h *Hooks) LayerSkipped(layer cachesync.Layer, entityType, reason string) {
	if h.l == nil || !sample(h.opts.SkippedEvery, &h.skippedCtr) {
		return
	}
	h.l.Debug("cachesync.layer_skipped",
		"layer", string(layer),
		"entity_type", entityType,
		"reason", reason)
}

func (h *Hooks) RollbackRejected(key cachesync.QueryKey) {
	if h.l == nil {
		return
	}
	h.l.Info("cachesync.rollback_rejected",
		"key", h.redact(key.String()))
}
