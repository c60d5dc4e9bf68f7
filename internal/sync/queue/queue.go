// Package queue provides the durable change queue of local mutations
// awaiting acknowledgement by the remote store.
//
// The queue holds at most one entry per entity: a newer local change for an
// entity that already has an entry is coalesced into it, keeping the entry's
// ID and queue position. Entries that keep failing are retried with
// exponential backoff and end up dead-lettered after MaxAttempts.
package queue

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/storyforge/backend/internal/errors"
	"github.com/kimhsiao/storyforge/backend/internal/logging"
	"github.com/kimhsiao/storyforge/backend/internal/models"
	"github.com/kimhsiao/storyforge/backend/internal/uuid"
)

var (
	// ErrQueueFull is returned when a new entity would exceed MaxSize.
	ErrQueueFull = apperrors.New(apperrors.ErrQueueFull, "change queue is full")
	// ErrNotQueued is returned for operations on an entity with no entry.
	ErrNotQueued = apperrors.New(apperrors.ErrNotFound, "no queued change for entity")
)

// Backend persists queue entries. A nil Backend keeps the queue in memory.
type Backend interface {
	LoadQueue(ctx context.Context) ([]*models.ChangeQueueEntry, error)
	SaveQueueEntry(ctx context.Context, e *models.ChangeQueueEntry) error
	DeleteQueueEntries(ctx context.Context, ids []string) error
}

// Config holds queue limits and retry policy.
type Config struct {
	MaxSize     int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:     10000,
		MaxAttempts: 5,
		BackoffBase: 2 * time.Second,
		BackoffMax:  10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxSize <= 0 {
		c.MaxSize = def.MaxSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	return c
}

// Stats is a point-in-time summary of the queue.
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Ready   int `json:"ready"`
	Dead    int `json:"dead"`
}

type item struct {
	entry *models.ChangeQueueEntry
	seq   uint64 // tie-breaker for equal EnqueuedAt
}

// SyncQueue is the change queue. It is safe for concurrent use.
type SyncQueue struct {
	mu      sync.Mutex
	cfg     Config
	backend Backend
	items   map[string]*item            // by entry ID
	byKey   map[models.EntityKey]string // entity -> entry ID
	seq     uint64
	now     func() time.Time
}

// NewSyncQueue creates an empty queue. Call Load to restore persisted entries.
func NewSyncQueue(backend Backend, cfg Config) *SyncQueue {
	return &SyncQueue{
		cfg:     cfg.withDefaults(),
		backend: backend,
		items:   make(map[string]*item),
		byKey:   make(map[models.EntityKey]string),
		now:     models.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (q *SyncQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = func() time.Time { return models.Stamp(now()) }
}

// Load rebuilds the in-memory queue from the backend.
func (q *SyncQueue) Load(ctx context.Context) error {
	if q.backend == nil {
		return nil
	}
	entries, err := q.backend.LoadQueue(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = make(map[string]*item, len(entries))
	q.byKey = make(map[models.EntityKey]string, len(entries))
	for _, e := range entries {
		if prev, ok := q.byKey[e.Key()]; ok {
			// Keep the newest change if storage ever held two.
			if q.items[prev].entry.UpdatedAt.After(e.UpdatedAt) {
				continue
			}
			delete(q.items, prev)
		}
		q.seq++
		q.items[e.ID] = &item{entry: e, seq: q.seq}
		q.byKey[e.Key()] = e.ID
	}

	logging.Info("Change queue loaded", map[string]interface{}{
		"entries": len(q.items),
	})
	return nil
}

// Enqueue records a local change. The returned entry is a copy of what is
// stored after coalescing.
func (q *SyncQueue) Enqueue(ctx context.Context, e *models.ChangeQueueEntry) (*models.ChangeQueueEntry, error) {
	if !e.Operation.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid operation %q", e.Operation))
	}
	if e.EntityID == "" || !e.EntityType.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, "queue entry requires a valid entity type and id")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	key := e.Key()

	next := &models.ChangeQueueEntry{
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		ProjectID:     e.ProjectID,
		Operation:     e.Operation,
		Payload:       append([]byte(nil), e.Payload...),
		UpdatedAt:     models.Stamp(e.UpdatedAt),
		NextAttemptAt: now,
		Status:        models.QueueStatusPending,
	}

	var seq uint64
	existingID, exists := q.byKey[key]
	switch {
	case exists && q.items[existingID].entry.Status == models.QueueStatusPending:
		cur := q.items[existingID]
		next.ID = cur.entry.ID
		next.EnqueuedAt = cur.entry.EnqueuedAt
		next.Operation = coalesce(cur.entry.Operation, e.Operation)
		seq = cur.seq
	case exists:
		// A fresh change replaces a dead-lettered one.
		next.ID = uuid.NewOrdered()
		next.EnqueuedAt = now
	default:
		if len(q.items) >= q.cfg.MaxSize {
			return nil, ErrQueueFull
		}
		next.ID = uuid.NewOrdered()
		next.EnqueuedAt = now
	}
	if next.ProjectID == "" && exists {
		next.ProjectID = q.items[existingID].entry.ProjectID
	}

	if q.backend != nil {
		if err := q.backend.SaveQueueEntry(ctx, next); err != nil {
			return nil, err
		}
	}

	if exists && existingID != next.ID {
		delete(q.items, existingID)
	}
	if seq == 0 {
		q.seq++
		seq = q.seq
	}
	q.items[next.ID] = &item{entry: next, seq: seq}
	q.byKey[key] = next.ID

	logging.Debug("Change enqueued", map[string]interface{}{
		"entry_id":  next.ID,
		"entity":    key.String(),
		"operation": string(next.Operation),
		"coalesced": exists,
	})

	return cloneEntry(next), nil
}

// coalesce merges a new operation into a pending one. An INSERT stays an
// INSERT until pushed; a DELETE always wins.
func coalesce(prev, next models.Operation) models.Operation {
	if next == models.OperationDelete {
		return models.OperationDelete
	}
	if prev == models.OperationInsert {
		return models.OperationInsert
	}
	return next
}

// Drain returns up to max pending entries that are due, oldest first.
// Entries stay queued until Commit or Discard. max <= 0 means no limit.
func (q *SyncQueue) Drain(max int) []*models.ChangeQueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	ready := make([]*item, 0, len(q.items))
	for _, it := range q.items {
		if it.entry.Status == models.QueueStatusPending && !it.entry.NextAttemptAt.After(now) {
			ready = append(ready, it)
		}
	}
	sortItems(ready)

	if max > 0 && len(ready) > max {
		ready = ready[:max]
	}
	out := make([]*models.ChangeQueueEntry, len(ready))
	for i, it := range ready {
		out[i] = cloneEntry(it.entry)
	}
	return out
}

// Commit removes entries the remote store accepted. An entry that was
// coalesced with a newer change after being drained stays queued; its ID is
// returned in superseded.
func (q *SyncQueue) Commit(ctx context.Context, pushed ...*models.ChangeQueueEntry) (superseded []string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	for _, p := range pushed {
		it, ok := q.items[p.ID]
		if !ok {
			continue
		}
		if !sameChange(it.entry, p) {
			superseded = append(superseded, p.ID)
			continue
		}
		ids = append(ids, p.ID)
	}

	if q.backend != nil && len(ids) > 0 {
		if err := q.backend.DeleteQueueEntries(ctx, ids); err != nil {
			return nil, err
		}
	}
	for _, id := range ids {
		q.remove(id)
	}
	return superseded, nil
}

// Requeue records a failed push attempt for the entry. The attempt count
// grows and the entry is retried after a backoff; once MaxAttempts is
// reached it is dead-lettered and returned. A superseded entry is left
// untouched.
func (q *SyncQueue) Requeue(ctx context.Context, pushed *models.ChangeQueueEntry, reason string) (*models.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[pushed.ID]
	if !ok || !sameChange(it.entry, pushed) {
		return nil, nil
	}

	next := cloneEntry(it.entry)
	next.Attempts++
	next.LastError = reason
	if next.Attempts >= q.cfg.MaxAttempts {
		next.Status = models.QueueStatusDead
	} else {
		next.NextAttemptAt = q.now().Add(Backoff(q.cfg, next.Attempts))
	}

	if q.backend != nil {
		if err := q.backend.SaveQueueEntry(ctx, next); err != nil {
			return nil, err
		}
	}
	it.entry = next

	if next.Status == models.QueueStatusDead {
		logging.Warn("Change dead-lettered", map[string]interface{}{
			"entry_id": next.ID,
			"entity":   next.Key().String(),
			"attempts": next.Attempts,
			"reason":   reason,
		})
		return &models.DeadLetter{Entry: *cloneEntry(next), Reason: reason}, nil
	}

	logging.Debug("Change requeued", map[string]interface{}{
		"entry_id":        next.ID,
		"entity":          next.Key().String(),
		"attempts":        next.Attempts,
		"next_attempt_at": models.FormatTime(next.NextAttemptAt),
	})
	return nil, nil
}

// Backoff returns the retry delay after the given number of attempts:
// 2^attempts * BackoffBase, capped at BackoffMax.
func Backoff(cfg Config, attempts int) time.Duration {
	cfg = cfg.withDefaults()
	if attempts < 0 {
		attempts = 0
	}
	d := cfg.BackoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	if d > cfg.BackoffMax {
		return cfg.BackoffMax
	}
	return d
}

// Lookup returns the queued change for an entity, pending or dead.
func (q *SyncQueue) Lookup(key models.EntityKey) (*models.ChangeQueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, ok := q.byKey[key]
	if !ok {
		return nil, false
	}
	return cloneEntry(q.items[id].entry), true
}

// Discard drops the queued change for an entity without pushing it.
// Discarding an entity with no entry is a no-op.
func (q *SyncQueue) Discard(ctx context.Context, key models.EntityKey) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, ok := q.byKey[key]
	if !ok {
		return nil
	}
	if q.backend != nil {
		if err := q.backend.DeleteQueueEntries(ctx, []string{id}); err != nil {
			return err
		}
	}
	q.remove(id)
	return nil
}

// DeadLetters returns dead-lettered entries, oldest first.
func (q *SyncQueue) DeadLetters() []models.DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dead []*item
	for _, it := range q.items {
		if it.entry.Status == models.QueueStatusDead {
			dead = append(dead, it)
		}
	}
	sortItems(dead)

	out := make([]models.DeadLetter, len(dead))
	for i, it := range dead {
		out[i] = models.DeadLetter{Entry: *cloneEntry(it.entry), Reason: it.entry.LastError}
	}
	return out
}

// RetryDead re-arms a dead-lettered entry for immediate push.
func (q *SyncQueue) RetryDead(ctx context.Context, key models.EntityKey) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, ok := q.byKey[key]
	if !ok || q.items[id].entry.Status != models.QueueStatusDead {
		return ErrNotQueued
	}

	next := cloneEntry(q.items[id].entry)
	next.Status = models.QueueStatusPending
	next.Attempts = 0
	next.LastError = ""
	next.NextAttemptAt = q.now()

	if q.backend != nil {
		if err := q.backend.SaveQueueEntry(ctx, next); err != nil {
			return err
		}
	}
	q.items[id].entry = next

	logging.Info("Dead-lettered change re-armed", map[string]interface{}{
		"entry_id": id,
		"entity":   key.String(),
	})
	return nil
}

// Len returns the number of entries, dead ones included.
func (q *SyncQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns queue statistics.
func (q *SyncQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	s := Stats{Total: len(q.items)}
	for _, it := range q.items {
		switch it.entry.Status {
		case models.QueueStatusPending:
			s.Pending++
			if !it.entry.NextAttemptAt.After(now) {
				s.Ready++
			}
		case models.QueueStatusDead:
			s.Dead++
		}
	}
	return s
}

// NextAttemptAt returns the earliest time a pending entry becomes due,
// or false when nothing is pending.
func (q *SyncQueue) NextAttemptAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next time.Time
	found := false
	for _, it := range q.items {
		if it.entry.Status != models.QueueStatusPending {
			continue
		}
		if !found || it.entry.NextAttemptAt.Before(next) {
			next = it.entry.NextAttemptAt
			found = true
		}
	}
	return next, found
}

func (q *SyncQueue) remove(id string) {
	it, ok := q.items[id]
	if !ok {
		return
	}
	delete(q.items, id)
	if q.byKey[it.entry.Key()] == id {
		delete(q.byKey, it.entry.Key())
	}
}

func sortItems(items []*item) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.entry.EnqueuedAt.Equal(b.entry.EnqueuedAt) {
			return a.entry.EnqueuedAt.Before(b.entry.EnqueuedAt)
		}
		return a.seq < b.seq
	})
}

// sameChange reports whether the stored entry still describes the change
// that was drained as p.
func sameChange(stored, p *models.ChangeQueueEntry) bool {
	return stored.ID == p.ID &&
		stored.Operation == p.Operation &&
		stored.UpdatedAt.Equal(p.UpdatedAt) &&
		bytes.Equal(stored.Payload, p.Payload)
}

func cloneEntry(e *models.ChangeQueueEntry) *models.ChangeQueueEntry {
	c := *e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	return &c
}
