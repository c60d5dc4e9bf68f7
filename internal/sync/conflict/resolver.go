// Package conflict decides how a remote change relates to local state and
// keeps the set of conflicts awaiting a user decision.
//
// Detection is timestamp based: updatedAt is the only signal compared. A
// queued local change that is at least as recent as the remote one wins
// automatically; an older queued change produces a ConflictRecord.
package conflict

import (
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/storyforge/backend/internal/logging"
	"github.com/kimhsiao/storyforge/backend/internal/models"
)

// Decision is the outcome of comparing a remote change with local state.
type Decision int

const (
	// DecisionApply writes the remote change to the local store.
	DecisionApply Decision = iota
	// DecisionSkip ignores a change that is not newer than the stored entity.
	DecisionSkip
	// DecisionSuppress keeps a queued local change that is at least as recent.
	DecisionSuppress
	// DecisionDiscardStale drops a change that predates a local deletion.
	DecisionDiscardStale
	// DecisionConflict holds both sides until the user resolves the conflict.
	DecisionConflict
)

func (d Decision) String() string {
	switch d {
	case DecisionApply:
		return "apply"
	case DecisionSkip:
		return "skip"
	case DecisionSuppress:
		return "suppress"
	case DecisionDiscardStale:
		return "discard_stale"
	case DecisionConflict:
		return "conflict"
	}
	return "unknown"
}

// Input is the local state observed for one remote notification.
// Queued, Tombstone and Stored are nil when absent.
type Input struct {
	Notification *models.ChangeNotification
	Queued       *models.ChangeQueueEntry
	Tombstone    *models.DeletionLogEntry
	Stored       *models.Entity
}

// Outcome is a detection result. Conflict is set for DecisionConflict.
type Outcome struct {
	Decision Decision
	Conflict *models.ConflictRecord
}

// Detector applies the detection rules.
type Detector struct {
	now func() time.Time
}

// NewDetector creates a Detector. A nil now uses the wall clock.
func NewDetector(now func() time.Time) *Detector {
	if now == nil {
		now = models.Now
	}
	return &Detector{now: now}
}

// Detect classifies a remote change against local state.
func (d *Detector) Detect(in Input) Outcome {
	n := in.Notification
	tr := models.Stamp(n.UpdatedAt)

	if q := in.Queued; q != nil {
		tl := models.Stamp(q.UpdatedAt)
		if !tl.Before(tr) {
			return Outcome{Decision: DecisionSuppress}
		}
		kind := models.ConflictKindUpdate
		if q.Operation == models.OperationDelete {
			kind = models.ConflictKindDelete
		}
		return Outcome{Decision: DecisionConflict, Conflict: d.record(in, kind, tl)}
	}

	if ts := in.Tombstone; ts != nil {
		if !tr.After(ts.DeletedAt) {
			return Outcome{Decision: DecisionDiscardStale}
		}
		if n.ChangeType == models.OperationDelete {
			return Outcome{Decision: DecisionApply}
		}
		return Outcome{Decision: DecisionConflict, Conflict: d.record(in, models.ConflictKindDelete, ts.DeletedAt)}
	}

	if in.Stored != nil && !tr.After(in.Stored.UpdatedAt) {
		return Outcome{Decision: DecisionSkip}
	}
	return Outcome{Decision: DecisionApply}
}

func (d *Detector) record(in Input, kind models.ConflictKind, local time.Time) *models.ConflictRecord {
	n := in.Notification
	rec := &models.ConflictRecord{
		EntityType:      n.EntityType,
		EntityID:        n.EntityID,
		ProjectID:       n.ProjectID,
		Kind:            kind,
		RemoteChange:    n.ChangeType,
		LocalUpdatedAt:  local,
		RemoteUpdatedAt: models.Stamp(n.UpdatedAt),
		DetectedAt:      d.now(),
	}
	switch {
	case in.Stored != nil && in.Stored.Name != "":
		rec.EntityName = in.Stored.Name
	case n.Entity != nil:
		rec.EntityName = n.Entity.Name
	case in.Queued != nil:
		if ent, err := in.Queued.Entity(); err == nil {
			rec.EntityName = ent.Name
		}
	}
	return rec
}

// RegistryKey identifies a conflict.
type RegistryKey struct {
	Type      models.EntityType
	ID        string
	ProjectID string
}

func keyOf(rec *models.ConflictRecord) RegistryKey {
	return RegistryKey{Type: rec.EntityType, ID: rec.EntityID, ProjectID: rec.ProjectID}
}

// Registry holds at most one pending ConflictRecord per entity and project.
type Registry struct {
	mu      sync.RWMutex
	records map[RegistryKey]*models.ConflictRecord
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[RegistryKey]*models.ConflictRecord)}
}

// Add stores rec, or coalesces it into the pending record for the same
// entity by raising RemoteUpdatedAt. It returns the stored record and
// whether it was coalesced.
func (r *Registry) Add(rec *models.ConflictRecord) (models.ConflictRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := keyOf(rec)
	if cur, ok := r.records[k]; ok {
		if rec.RemoteUpdatedAt.After(cur.RemoteUpdatedAt) {
			cur.RemoteUpdatedAt = rec.RemoteUpdatedAt
			cur.RemoteChange = rec.RemoteChange
		}
		if rec.LocalUpdatedAt.After(cur.LocalUpdatedAt) {
			cur.LocalUpdatedAt = rec.LocalUpdatedAt
		}
		if cur.EntityName == "" {
			cur.EntityName = rec.EntityName
		}
		logging.Debug("Conflict coalesced", map[string]interface{}{
			"entity":            rec.Key().String(),
			"remote_updated_at": models.FormatTime(cur.RemoteUpdatedAt),
		})
		return *cur, true
	}

	stored := *rec
	r.records[k] = &stored
	logging.Warn("Conflict detected", map[string]interface{}{
		"entity":            rec.Key().String(),
		"project_id":        rec.ProjectID,
		"kind":              string(rec.Kind),
		"local_updated_at":  models.FormatTime(rec.LocalUpdatedAt),
		"remote_updated_at": models.FormatTime(rec.RemoteUpdatedAt),
	})
	return stored, false
}

// Get returns the pending record for an entity.
func (r *Registry) Get(typ models.EntityType, id, projectID string) (models.ConflictRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[RegistryKey{Type: typ, ID: id, ProjectID: projectID}]
	if !ok {
		return models.ConflictRecord{}, false
	}
	return *rec, true
}

// HasEntity reports whether any project holds a conflict for the entity.
func (r *Registry) HasEntity(key models.EntityKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k := range r.records {
		if k.Type == key.Type && k.ID == key.ID {
			return true
		}
	}
	return false
}

// Remove discards a record and reports whether it existed.
func (r *Registry) Remove(typ models.EntityType, id, projectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := RegistryKey{Type: typ, ID: id, ProjectID: projectID}
	_, ok := r.records[k]
	delete(r.records, k)
	return ok
}

// List returns pending records ordered by detection time.
func (r *Registry) List() []models.ConflictRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ConflictRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}

// Len returns the number of pending conflicts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
