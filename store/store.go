// Package store defines the relational store the change-set pipeline commits
// to. Every entity carries a version; Patch only succeeds against the current
// version, which is the sole concurrency control between writers.
package store

import (
	"context"
	"time"
)

// Entity is one versioned record. Data values are JSON-compatible.
type Entity struct {
	Type      string         `json:"entityType"`
	ID        string         `json:"entityId"`
	TenantID  string         `json:"tenantId,omitempty"`
	Version   int64          `json:"version"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Clone copies e and its top-level data map.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	out.Data = CopyData(e.Data)
	return &out
}

// PatchResult is a committed patch. Previous holds the pre-patch value of
// every patched field; fields that did not exist map to nil.
type PatchResult struct {
	Entity   *Entity
	Previous map[string]any
}

// Store is the relational collaborator.
//
// FindByKey returns a *cachesync.NotFoundError for a missing entity.
// Patch returns a *cachesync.ConflictError carrying the current version and
// data when expectedVersion is stale; a nil value in changes removes the field.
// Create stores a new entity at version 1 and returns a *cachesync.ConflictError
// if it already exists.
type Store interface {
	FindByKey(ctx context.Context, entityType, id string) (*Entity, error)
	Patch(ctx context.Context, entityType, id string, changes map[string]any, expectedVersion int64) (*PatchResult, error)
	Create(ctx context.Context, e Entity) (*Entity, error)
}

// ApplyPatch returns data with changes applied and the previous values of
// the patched fields. data is not modified.
func ApplyPatch(data, changes map[string]any) (next, previous map[string]any) {
	next = CopyData(data)
	previous = make(map[string]any, len(changes))
	for k, v := range changes {
		previous[k] = data[k]
		if v == nil {
			delete(next, k)
			continue
		}
		next[k] = v
	}
	return next, previous
}

func CopyData(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
