package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation carried by a queue entry or notification.
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// QueueStatus is the lifecycle state of a change queue entry.
type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusDead    QueueStatus = "dead"
)

// ChangeQueueEntry is a local mutation not yet acknowledged by the remote store.
type ChangeQueueEntry struct {
	ID            string          `json:"id"`
	EntityType    EntityType      `json:"entityType"`
	EntityID      string          `json:"entityId"`
	ProjectID     string          `json:"projectId"`
	Operation     Operation       `json:"operation"`
	Payload       json.RawMessage `json:"payload,omitempty"` // Entity snapshot
	UpdatedAt     time.Time       `json:"updatedAt"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	Status        QueueStatus     `json:"status"`
	LastError     string          `json:"lastError,omitempty"`
}

// Key returns the identity of the entity the entry mutates.
func (e *ChangeQueueEntry) Key() EntityKey {
	return EntityKey{Type: e.EntityType, ID: e.EntityID}
}

// Entity decodes the payload snapshot. DELETE entries may carry no payload,
// in which case a bare entity with identity and timestamp is returned.
func (e *ChangeQueueEntry) Entity() (*Entity, error) {
	if len(e.Payload) == 0 {
		return &Entity{
			ID:        e.EntityID,
			ProjectID: e.ProjectID,
			Type:      e.EntityType,
			UpdatedAt: e.UpdatedAt,
		}, nil
	}
	var ent Entity
	if err := json.Unmarshal(e.Payload, &ent); err != nil {
		return nil, err
	}
	return &ent, nil
}

// NewChangeQueueEntry snapshots ent into a queue entry for op.
func NewChangeQueueEntry(op Operation, ent *Entity) (*ChangeQueueEntry, error) {
	payload, err := json.Marshal(ent)
	if err != nil {
		return nil, err
	}
	return &ChangeQueueEntry{
		EntityType: ent.Type,
		EntityID:   ent.ID,
		ProjectID:  ent.ProjectID,
		Operation:  op,
		Payload:    payload,
		UpdatedAt:  Stamp(ent.UpdatedAt),
	}, nil
}

// DeadLetter describes an entry that exhausted its push attempts.
type DeadLetter struct {
	Entry  ChangeQueueEntry `json:"entry"`
	Reason string           `json:"reason"`
}
