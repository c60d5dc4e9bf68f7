// Package models provides data model definitions for Storyforge sync.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies a kind of synchronizable entity.
type EntityType string

const (
	EntityProject      EntityType = "project"
	EntityChapter      EntityType = "chapter"
	EntityCharacter    EntityType = "character"
	EntityLocation     EntityType = "location"
	EntityOrganization EntityType = "organization"
	EntityScrapNote    EntityType = "scrapNote"
	EntityImage        EntityType = "image"
	EntityBGM          EntityType = "bgm"
	EntityPlaylist     EntityType = "playlist"
	EntityTimeline     EntityType = "timeline"
	EntityEvent        EntityType = "event"
)

// EntityTypes lists every synchronizable entity type.
var EntityTypes = []EntityType{
	EntityProject, EntityChapter, EntityCharacter, EntityLocation, EntityOrganization,
	EntityScrapNote, EntityImage, EntityBGM, EntityPlaylist, EntityTimeline, EntityEvent,
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseEntityType converts a string to an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

// EntityKey identifies a single entity regardless of project.
type EntityKey struct {
	Type EntityType
	ID   string
}

// String returns "type/id".
func (k EntityKey) String() string {
	return string(k.Type) + "/" + k.ID
}

// Entity is a synchronizable domain object together with its sync metadata.
// Payload holds the entity's field set and is always overwritten wholesale.
type Entity struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	Type      EntityType      `json:"type"`
	Name      string          `json:"name,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`

	// Local-only metadata, never shipped to the remote store.
	Version  int64 `json:"-"`
	Dirty    bool  `json:"-"`
	Unsynced bool  `json:"-"`
}

// Key returns the entity's identity.
func (e *Entity) Key() EntityKey {
	return EntityKey{Type: e.Type, ID: e.ID}
}

// Validate checks the fields every persisted or transported entity must carry.
func (e *Entity) Validate() error {
	if e == nil {
		return fmt.Errorf("entity is nil")
	}
	if e.ID == "" {
		return fmt.Errorf("entity id is required")
	}
	if e.ProjectID == "" {
		return fmt.Errorf("entity %s: projectId is required", e.ID)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("entity %s: unknown type %q", e.ID, e.Type)
	}
	if e.UpdatedAt.IsZero() {
		return fmt.Errorf("entity %s: updatedAt is required", e.ID)
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("entity %s: payload is not valid JSON", e.ID)
	}
	return nil
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &c
}

// Touch re-stamps UpdatedAt to now.
func (e *Entity) Touch() {
	e.UpdatedAt = Now()
}
