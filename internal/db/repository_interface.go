// Package db provides repository interfaces for Storyforge sync data.
package db

import (
	"context"
	"time"

	"github.com/kimhsiao/storyforge/backend/internal/models"
)

// EntityRepository persists entities with their sync metadata.
type EntityRepository interface {
	// GetEntity returns nil, nil when the entity does not exist.
	GetEntity(ctx context.Context, typ models.EntityType, id string) (*models.Entity, error)
	PutEntity(ctx context.Context, ent *models.Entity) error
	DeleteEntity(ctx context.Context, typ models.EntityType, id string) error
	ListDirty(ctx context.Context, projectID string) ([]*models.Entity, error)
	ListByProject(ctx context.Context, projectID string, typ models.EntityType) ([]*models.Entity, error)
	MarkClean(ctx context.Context, typ models.EntityType, id string, version int64) (bool, error)
	MarkUnsynced(ctx context.Context, typ models.EntityType, id, reason string) error
	ListProjectIDs(ctx context.Context) ([]string, error)
}

// ChangeQueueRepository persists change queue entries.
type ChangeQueueRepository interface {
	LoadQueue(ctx context.Context) ([]*models.ChangeQueueEntry, error)
	SaveQueueEntry(ctx context.Context, e *models.ChangeQueueEntry) error
	DeleteQueueEntries(ctx context.Context, ids []string) error
}

// DeletionLogRepository persists tombstones.
type DeletionLogRepository interface {
	SaveDeletion(ctx context.Context, d *models.DeletionLogEntry) error
	GetDeletion(ctx context.Context, typ models.EntityType, id string) (*models.DeletionLogEntry, error)
	DeleteDeletion(ctx context.Context, typ models.EntityType, id string) error
	PruneDeletions(ctx context.Context, cutoff time.Time) (int, error)
}

// SyncRepository groups the repositories the sync engine needs.
type SyncRepository interface {
	EntityRepository
	ChangeQueueRepository
	DeletionLogRepository
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ EntityRepository      = (*Repository)(nil)
	_ ChangeQueueRepository = (*Repository)(nil)
	_ DeletionLogRepository = (*Repository)(nil)
	_ SyncRepository        = (*Repository)(nil)
)
