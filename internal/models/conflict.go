package models

import (
	"fmt"
	"time"
)

// ConflictKind distinguishes edit/edit conflicts from edit-after-delete ones.
type ConflictKind string

const (
	ConflictKindUpdate ConflictKind = "update"
	ConflictKindDelete ConflictKind = "delete"
)

// ConflictRecord is a detected divergence between a queued local change and a
// remote change for the same entity. It is never persisted.
type ConflictRecord struct {
	EntityType      EntityType   `json:"entityType"`
	EntityID        string       `json:"entityId"`
	ProjectID       string       `json:"projectId"`
	EntityName      string       `json:"entityName"`
	Kind            ConflictKind `json:"kind"`
	RemoteChange    Operation    `json:"remoteChange"`
	LocalUpdatedAt  time.Time    `json:"localUpdatedAt"`
	RemoteUpdatedAt time.Time    `json:"remoteUpdatedAt"`
	DetectedAt      time.Time    `json:"detectedAt"`
}

// Key returns the identity of the conflicting entity.
func (c *ConflictRecord) Key() EntityKey {
	return EntityKey{Type: c.EntityType, ID: c.EntityID}
}

// Resolution is the user's choice for a pending conflict.
type Resolution string

const (
	ResolutionAcceptRemote Resolution = "accept-remote"
	ResolutionKeepLocal    Resolution = "keep-local"
)

// ParseResolution validates a resolution string.
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case ResolutionAcceptRemote, ResolutionKeepLocal:
		return r, nil
	}
	return "", fmt.Errorf("unknown resolution %q", s)
}
