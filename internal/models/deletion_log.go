package models

import "time"

// DeletionLogEntry is a tombstone for a locally or remotely deleted entity.
type DeletionLogEntry struct {
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	ProjectID  string     `json:"projectId"`
	DeletedAt  time.Time  `json:"deletedAt"`
}

// Key returns the identity of the deleted entity.
func (d *DeletionLogEntry) Key() EntityKey {
	return EntityKey{Type: d.EntityType, ID: d.EntityID}
}
