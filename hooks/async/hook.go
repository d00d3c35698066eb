// Package asynchook moves hook delivery off the invalidation path. Events go
// through a bounded queue to a fixed set of workers; when the queue is full
// the event is dropped and counted.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{InvalidatedEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000)
//	defer hooks.Close()
//
//	coord, _ := cachesync.New(cachesync.Options{Render: rc, KV: kv, Hooks: hooks})
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/itellico/cachesync"
)

type Hooks struct {
	inner   cachesync.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Uint64
}

var _ cachesync.Hooks = (*Hooks)(nil)

func New(inner cachesync.Hooks, workers, qlen int) *Hooks {
	if inner == nil {
		inner = cachesync.NopHooks{}
	}
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events after Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.closed.Store(true)
		close(h.q)
		h.wg.Wait()
	})
}

// Dropped is the number of events lost to a full queue or a closed hook.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	if h.closed.Load() {
		h.dropped.Add(1)
		return
	}
	defer func() {
		// lost the race with Close
		if recover() != nil {
			h.dropped.Add(1)
		}
	}()
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) LayerInvalidated(l cachesync.Layer, et string, n int, d time.Duration) {
	h.try(func() { h.inner.LayerInvalidated(l, et, n, d) })
}

func (h *Hooks) LayerFailed(l cachesync.Layer, et string, err error, d time.Duration) {
	h.try(func() { h.inner.LayerFailed(l, et, err, d) })
}

func (h *Hooks) LayerSkipped(l cachesync.Layer, et, reason string) {
	h.try(func() { h.inner.LayerSkipped(l, et, reason) })
}

func (h *Hooks) RollbackRejected(key cachesync.QueryKey) {
	k := append(cachesync.QueryKey(nil), key...)
	h.try(func() { h.inner.RollbackRejected(k) })
}
