package cachesync

import (
	"fmt"
	"strings"
)

// Operation is the kind of mutation that triggered an invalidation.
type Operation string

const (
	OpCreate     Operation = "create"
	OpUpdate     Operation = "update"
	OpDelete     Operation = "delete"
	OpBulkUpdate Operation = "bulk_update"
	OpBulkDelete Operation = "bulk_delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete, OpBulkUpdate, OpBulkDelete:
		return true
	}
	return false
}

// forcesRefetch reports whether active client queries must be refetched, not
// only marked stale. Bulk and delete operations leave no single entity to
// reconcile an optimistic view against.
func (op Operation) forcesRefetch() bool {
	switch op {
	case OpDelete, OpBulkUpdate, OpBulkDelete:
		return true
	}
	return false
}

// ParseOperation accepts the lower-case wire names.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(s)))
	if !op.Valid() {
		return "", fmt.Errorf("cachesync: unknown operation %q", s)
	}
	return op, nil
}

// Request describes one completed mutation. It is built right after the
// relational write succeeds, consumed once by Invalidate and never stored.
type Request struct {
	EntityType     string    `json:"entityType"`
	EntityID       string    `json:"entityId,omitempty"`
	Operation      Operation `json:"operation"`
	TenantID       string    `json:"tenantId,omitempty"`
	AffectedRoutes []string  `json:"affectedRoutes,omitempty"`
}

func (r Request) validate() error {
	if strings.TrimSpace(r.EntityType) == "" {
		return &ValidationError{Field: "entityType", Reason: "required"}
	}
	if !r.Operation.Valid() {
		return &ValidationError{Field: "operation", Reason: fmt.Sprintf("unknown operation %q", r.Operation)}
	}
	return nil
}

func (r Request) fields() Fields {
	f := Fields{"entity_type": r.EntityType, "operation": string(r.Operation)}
	if r.EntityID != "" {
		f["entity_id"] = r.EntityID
	}
	if r.TenantID != "" {
		f["tenant_id"] = r.TenantID
	}
	return f
}
