// Package tombstone keeps the deletion log: a record of locally known
// deletions used to tell a stale remote update from a resurrection attempt.
package tombstone

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/storyforge/backend/internal/logging"
	"github.com/kimhsiao/storyforge/backend/internal/models"
)

// DefaultRetention is how long tombstones are kept before pruning.
const DefaultRetention = 30 * 24 * time.Hour

// Backend persists tombstones. GetDeletion returns nil, nil when absent.
type Backend interface {
	SaveDeletion(ctx context.Context, d *models.DeletionLogEntry) error
	GetDeletion(ctx context.Context, typ models.EntityType, id string) (*models.DeletionLogEntry, error)
	DeleteDeletion(ctx context.Context, typ models.EntityType, id string) error
	PruneDeletions(ctx context.Context, cutoff time.Time) (int, error)
}

// Log is the deletion log.
type Log struct {
	backend Backend
}

// New creates a deletion log over backend. A nil backend keeps tombstones
// in memory.
func New(backend Backend) *Log {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Log{backend: backend}
}

// Record marks an entity deleted at deletedAt. Recording again moves the
// deletion time.
func (l *Log) Record(ctx context.Context, typ models.EntityType, id, projectID string, deletedAt time.Time) error {
	return l.backend.SaveDeletion(ctx, &models.DeletionLogEntry{
		EntityType: typ,
		EntityID:   id,
		ProjectID:  projectID,
		DeletedAt:  models.Stamp(deletedAt),
	})
}

// Lookup returns the tombstone for an entity.
func (l *Log) Lookup(ctx context.Context, typ models.EntityType, id string) (*models.DeletionLogEntry, bool, error) {
	d, err := l.backend.GetDeletion(ctx, typ, id)
	if err != nil {
		return nil, false, err
	}
	return d, d != nil, nil
}

// IsDeleted reports whether the entity has a tombstone. Lookup errors are
// logged and reported as not deleted.
func (l *Log) IsDeleted(ctx context.Context, typ models.EntityType, id string) bool {
	_, ok, err := l.Lookup(ctx, typ, id)
	if err != nil {
		logging.Error("Deletion log lookup failed", err, map[string]interface{}{
			"entity": models.EntityKey{Type: typ, ID: id}.String(),
		})
		return false
	}
	return ok
}

// Forget removes the tombstone for an entity.
func (l *Log) Forget(ctx context.Context, typ models.EntityType, id string) error {
	return l.backend.DeleteDeletion(ctx, typ, id)
}

// Prune removes tombstones older than olderThan, relative to now.
func (l *Log) Prune(ctx context.Context, olderThan time.Duration, now time.Time) (int, error) {
	cutoff := models.Stamp(now.Add(-olderThan))
	n, err := l.backend.PruneDeletions(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Deletion log pruned", map[string]interface{}{
			"removed": n,
			"cutoff":  models.FormatTime(cutoff),
		})
	}
	return n, nil
}

// MemoryBackend is an in-memory Backend.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[models.EntityKey]models.DeletionLogEntry
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[models.EntityKey]models.DeletionLogEntry)}
}

func (m *MemoryBackend) SaveDeletion(_ context.Context, d *models.DeletionLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[d.Key()] = *d
	return nil
}

func (m *MemoryBackend) GetDeletion(_ context.Context, typ models.EntityType, id string) (*models.DeletionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.entries[models.EntityKey{Type: typ, ID: id}]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (m *MemoryBackend) DeleteDeletion(_ context.Context, typ models.EntityType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, models.EntityKey{Type: typ, ID: id})
	return nil
}

func (m *MemoryBackend) PruneDeletions(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, d := range m.entries {
		if d.DeletedAt.Before(cutoff) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}
