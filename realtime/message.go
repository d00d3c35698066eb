package realtime

import "fmt"

// EventType is the closed set of change-lifecycle events.
type EventType string

const (
	EntityUpdated    EventType = "ENTITY_UPDATED"
	ChangeCommitted  EventType = "CHANGE_COMMITTED"
	ChangeRejected   EventType = "CHANGE_REJECTED"
	ConflictDetected EventType = "CONFLICT_DETECTED"
)

func (t EventType) Valid() bool {
	switch t {
	case EntityUpdated, ChangeCommitted, ChangeRejected, ConflictDetected:
		return true
	}
	return false
}

// ChangesChannel carries every change event.
const ChangesChannel = "changes"

// EntityChannel is the per-entity channel, entity:{type}:{id}.
func EntityChannel(entityType, entityID string) string {
	return "entity:" + entityType + ":" + entityID
}

// Event is the payload of every message. Which optional fields are set
// depends on the type: Version for ENTITY_UPDATED and CHANGE_COMMITTED,
// Reason for CHANGE_REJECTED, CurrentVersion and Current for CONFLICT_DETECTED.
type Event struct {
	ChangeSetID    string         `json:"changeSetId"`
	EntityType     string         `json:"entityType"`
	EntityID       string         `json:"entityId"`
	TenantID       string         `json:"tenantId,omitempty"`
	Operation      string         `json:"operation,omitempty"`
	Version        int64          `json:"version,omitempty"`
	Changes        map[string]any `json:"changes,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	CurrentVersion int64          `json:"currentVersion,omitempty"`
	Current        map[string]any `json:"current,omitempty"`
}

// Message is the tagged envelope {type, data}.
type Message struct {
	Type EventType `json:"type"`
	Data Event     `json:"data"`
}

func (m Message) validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("realtime: unknown message type %q", m.Type)
	}
	if m.Data.EntityType == "" {
		return fmt.Errorf("realtime: %s without entityType", m.Type)
	}
	return nil
}
