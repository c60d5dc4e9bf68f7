// Package sync provides the offline-first synchronization engine.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/storyforge/backend/internal/models"
	"github.com/kimhsiao/storyforge/backend/internal/sync/queue"
)

// RemoteStore is the remote side of synchronization.
type RemoteStore interface {
	// Push ships a batch of queued changes. A returned error means the batch
	// did not reach the remote; per-entry refusals are reported in the result.
	Push(ctx context.Context, entries []*models.ChangeQueueEntry) (models.PushResult, error)

	// Fetch returns the current remote entity, or nil when it is absent or
	// deleted.
	Fetch(ctx context.Context, projectID string, typ models.EntityType, id string) (*models.Entity, error)

	// List returns one notification per remote entity of the project.
	List(ctx context.Context, projectID string) ([]models.ChangeNotification, error)

	// Subscribe delivers remote changes for the project until ctx is done.
	Subscribe(ctx context.Context, projectID string, onChange func(models.ChangeNotification)) error
}

// EntityStore is the local persistence the engine reconciles.
type EntityStore interface {
	GetEntity(ctx context.Context, typ models.EntityType, id string) (*models.Entity, error)
	PutEntity(ctx context.Context, ent *models.Entity) error
	DeleteEntity(ctx context.Context, typ models.EntityType, id string) error
	ListDirty(ctx context.Context, projectID string) ([]*models.Entity, error)
	ListByProject(ctx context.Context, projectID string, typ models.EntityType) ([]*models.Entity, error)
	MarkClean(ctx context.Context, typ models.EntityType, id string, version int64) (bool, error)
	MarkUnsynced(ctx context.Context, typ models.EntityType, id, reason string) error
}

// SyncEngineInterface defines the engine operations used by the scheduler
// and the desktop API. This interface allows mocking in tests.
type SyncEngineInterface interface {
	// Sync pushes queued changes, then pulls delivered notifications.
	Sync(ctx context.Context) (*SyncResult, error)

	// Deliver hands remote notifications to the next cycle.
	Deliver(notes []models.ChangeNotification)

	// PendingNotifications returns the number of undelivered notifications.
	PendingNotifications() int

	// Resync pulls the full remote state of a project.
	Resync(ctx context.Context, projectID string) (*SyncResult, error)

	// SetOnline records a connectivity transition.
	SetOnline(online bool)

	// Snapshot returns the current engine status.
	Snapshot() Snapshot
}

// Snapshot is a point-in-time view of the engine.
type Snapshot struct {
	State        models.SyncState `json:"state"`
	Online       bool             `json:"online"`
	LastSyncedAt *time.Time       `json:"lastSyncedAt,omitempty"`
	LastError    string           `json:"lastError,omitempty"`
	Queue        queue.Stats      `json:"queue"`
	Conflicts    int              `json:"conflicts"`
	Inbox        int              `json:"inbox"`
}

// SyncResult summarizes one push/pull cycle.
type SyncResult struct {
	StartTime    time.Time     `json:"startTime"`
	EndTime      time.Time     `json:"endTime"`
	Duration     time.Duration `json:"duration"`
	Pushed       int           `json:"pushed"`
	Rejected     int           `json:"rejected"`
	DeadLettered int           `json:"deadLettered"`
	Pulled       int           `json:"pulled"`
	Suppressed   int           `json:"suppressed"`
	Conflicts    int           `json:"conflicts"`
	Error        string        `json:"error,omitempty"`
}

func (r *SyncResult) add(o *SyncResult) {
	r.Pushed += o.Pushed
	r.Rejected += o.Rejected
	r.DeadLettered += o.DeadLettered
	r.Pulled += o.Pulled
	r.Suppressed += o.Suppressed
	r.Conflicts += o.Conflicts
}

// Ensure *Engine implements the interface at compile time.
var _ SyncEngineInterface = (*Engine)(nil)
