package changeset

import (
	"time"

	"github.com/itellico/cachesync"
)

// Level is how far a change set has travelled towards the store.
type Level string

const (
	LevelOptimistic Level = "OPTIMISTIC"
	LevelProcessing Level = "PROCESSING"
	LevelCommitted  Level = "COMMITTED"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusApproved   Status = "APPROVED"
	StatusRejected   Status = "REJECTED"
	StatusApplied    Status = "APPLIED"
	StatusRolledBack Status = "ROLLED_BACK"
	StatusConflicted Status = "CONFLICTED"
)

// Terminal reports whether no further transition is allowed, except
// APPLIED => ROLLED_BACK.
func (s Status) Terminal() bool {
	switch s {
	case StatusApplied, StatusRejected, StatusRolledBack:
		return true
	}
	return false
}

// Metadata keys written by the manager.
const (
	MetaVersion         = "_version"
	MetaRequireApproval = "requireApproval"
	MetaResolution      = "resolution"
	MetaIncoming        = "incoming" // proposed changes replaced by a conflict resolution
	MetaLastError       = "lastError"
)

// ConflictInfo is the store state seen when a commit was refused.
type ConflictInfo struct {
	CurrentVersion int64          `json:"currentVersion"`
	Current        map[string]any `json:"current,omitempty"`
	DetectedAt     time.Time      `json:"detectedAt"`
}

// ChangeSet is one proposed mutation of one entity.
type ChangeSet struct {
	ID               string              `json:"id"`
	EntityType       string              `json:"entityType"`
	EntityID         string              `json:"entityId"`
	TenantID         string              `json:"tenantId,omitempty"`
	Operation        cachesync.Operation `json:"operation"`
	Level            Level               `json:"level"`
	Status           Status              `json:"status"`
	Changes          map[string]any      `json:"changes"`
	OldValues        map[string]any      `json:"oldValues,omitempty"`
	NewValues        map[string]any      `json:"newValues,omitempty"`
	Metadata         map[string]any      `json:"metadata,omitempty"`
	Version          int64               `json:"version"`
	CommittedVersion int64               `json:"committedVersion,omitempty"`
	AffectedRoutes   []string            `json:"affectedRoutes,omitempty"`
	CreatedAt        time.Time           `json:"createdAt"`
	AppliedAt        *time.Time          `json:"appliedAt,omitempty"`
	ParentID         string              `json:"parentId,omitempty"`
	RollbackOf       string              `json:"rollbackOf,omitempty"`
	Conflict         *ConflictInfo       `json:"conflict,omitempty"`
	Reason           string              `json:"reason,omitempty"`
}

func (c *ChangeSet) key() string { return c.EntityType + "/" + c.EntityID }

func (c *ChangeSet) requiresApproval() bool {
	v, _ := c.Metadata[MetaRequireApproval].(bool)
	return v
}

// Clone deep-copies the top-level maps so callers cannot alias stored state.
func (c *ChangeSet) Clone() *ChangeSet {
	if c == nil {
		return nil
	}
	out := *c
	out.Changes = copyMap(c.Changes)
	out.OldValues = copyMap(c.OldValues)
	out.NewValues = copyMap(c.NewValues)
	out.Metadata = copyMap(c.Metadata)
	if c.AffectedRoutes != nil {
		out.AffectedRoutes = append([]string(nil), c.AffectedRoutes...)
	}
	if c.AppliedAt != nil {
		t := *c.AppliedAt
		out.AppliedAt = &t
	}
	if c.Conflict != nil {
		ci := *c.Conflict
		ci.Current = copyMap(c.Conflict.Current)
		out.Conflict = &ci
	}
	return &out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
