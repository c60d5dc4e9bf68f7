// Package remote provides an in-process remote store.
//
// Memory plays the role of the shared backend: every device obtains a
// Client bound to its device ID, pushes through it and subscribes to the
// change feed of other devices. It backs the development "memory" remote
// and the multi-device tests.
package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/storyforge/backend/internal/errors"
	"github.com/kimhsiao/storyforge/backend/internal/logging"
	"github.com/kimhsiao/storyforge/backend/internal/models"
)

// ErrUnreachable is returned while the remote is switched off.
var ErrUnreachable = apperrors.New(apperrors.ErrSyncOffline, "remote store unreachable")

// RejectFunc inspects a pushed entry and returns a non-empty reason to
// refuse it.
type RejectFunc func(e *models.ChangeQueueEntry) string

type docKey struct {
	projectID string
	typ       models.EntityType
	id        string
}

type document struct {
	entity    *models.Entity
	deleted   bool
	updatedAt time.Time
}

type subscriber struct {
	device    string
	projectID string
	fn        func(models.ChangeNotification)
}

// Memory is a shared in-memory remote store.
type Memory struct {
	mu        sync.Mutex
	docs      map[docKey]*document
	subs      map[int]*subscriber
	nextSub   int
	reachable bool
	reject    RejectFunc
	inline    bool
	pushes    int
}

// NewMemory creates a reachable, empty remote.
func NewMemory() *Memory {
	return &Memory{
		docs:      make(map[docKey]*document),
		subs:      make(map[int]*subscriber),
		reachable: true,
		inline:    true,
	}
}

// SetReachable switches the simulated network on or off.
func (m *Memory) SetReachable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reachable = ok
}

// SetRejectFunc installs a validation hook applied to every pushed entry.
func (m *Memory) SetRejectFunc(fn RejectFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reject = fn
}

// SetInlinePayload controls whether notifications carry the entity.
// When false, subscribers have to Fetch the entity.
func (m *Memory) SetInlinePayload(inline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inline = inline
}

// Pushes returns the number of Push calls that reached the remote.
func (m *Memory) Pushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushes
}

// Subscribers returns the number of active subscriptions to a project.
func (m *Memory) Subscribers(projectID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subs {
		if s.projectID == projectID {
			n++
		}
	}
	return n
}

// Get returns the stored entity, or nil when absent or deleted.
func (m *Memory) Get(projectID string, typ models.EntityType, id string) *models.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[docKey{projectID, typ, id}]
	if !ok || doc.deleted {
		return nil
	}
	return doc.entity.Clone()
}

// Write stores an entity as if another device had pushed it and notifies
// every subscriber of the project.
func (m *Memory) Write(ent *models.Entity) {
	m.mu.Lock()
	op := m.store(models.OperationUpdate, ent)
	notes := m.collect("", m.notification(op, ent))
	m.mu.Unlock()
	deliver(notes)
}

// Remove deletes an entity as if another device had pushed the deletion.
func (m *Memory) Remove(projectID string, typ models.EntityType, id string, at time.Time) {
	ent := &models.Entity{ID: id, ProjectID: projectID, Type: typ, UpdatedAt: models.Stamp(at)}
	m.mu.Lock()
	m.store(models.OperationDelete, ent)
	notes := m.collect("", m.notification(models.OperationDelete, ent))
	m.mu.Unlock()
	deliver(notes)
}

// Client returns a RemoteStore view of the remote for one device.
func (m *Memory) Client(deviceID string) *Client {
	return &Client{mem: m, device: deviceID}
}

// store must be called with m.mu held. It returns the effective operation.
func (m *Memory) store(op models.Operation, ent *models.Entity) models.Operation {
	k := docKey{ent.ProjectID, ent.Type, ent.ID}
	prev, existed := m.docs[k]
	if op == models.OperationDelete {
		m.docs[k] = &document{deleted: true, updatedAt: models.Stamp(ent.UpdatedAt),
			entity: &models.Entity{ID: ent.ID, ProjectID: ent.ProjectID, Type: ent.Type, UpdatedAt: models.Stamp(ent.UpdatedAt)}}
		return op
	}
	m.docs[k] = &document{entity: ent.Clone(), updatedAt: models.Stamp(ent.UpdatedAt)}
	if !existed || prev.deleted {
		return models.OperationInsert
	}
	return models.OperationUpdate
}

func (m *Memory) notification(op models.Operation, ent *models.Entity) models.ChangeNotification {
	n := models.ChangeNotification{
		EntityType: ent.Type,
		EntityID:   ent.ID,
		ProjectID:  ent.ProjectID,
		ChangeType: op,
		UpdatedAt:  models.Stamp(ent.UpdatedAt),
	}
	if m.inline && op != models.OperationDelete {
		n.Entity = ent.Clone()
	}
	return n
}

type delivery struct {
	fn   func(models.ChangeNotification)
	note models.ChangeNotification
}

// collect must be called with m.mu held. Subscribers of the origin device
// are skipped.
func (m *Memory) collect(origin string, n models.ChangeNotification) []delivery {
	var out []delivery
	for _, s := range m.subs {
		if s.projectID != n.ProjectID || (origin != "" && s.device == origin) {
			continue
		}
		note := n
		note.Entity = n.Entity.Clone()
		out = append(out, delivery{fn: s.fn, note: note})
	}
	return out
}

func deliver(ds []delivery) {
	for _, d := range ds {
		d.fn(d.note)
	}
}

// Client is one device's connection to a Memory remote.
type Client struct {
	mem    *Memory
	device string
}

// DeviceID returns the device the client pushes as.
func (c *Client) DeviceID() string {
	return c.device
}

// Push applies a batch. Invalid entries are rejected individually.
func (c *Client) Push(ctx context.Context, entries []*models.ChangeQueueEntry) (models.PushResult, error) {
	if err := ctx.Err(); err != nil {
		return models.PushResult{}, err
	}

	m := c.mem
	m.mu.Lock()
	if !m.reachable {
		m.mu.Unlock()
		return models.PushResult{}, ErrUnreachable
	}
	m.pushes++

	var (
		res   models.PushResult
		notes []delivery
	)
	for _, e := range entries {
		ent, reason := Validate(e)
		if reason == "" && m.reject != nil {
			reason = m.reject(e)
		}
		if reason != "" {
			res.Rejected = append(res.Rejected, models.PushRejection{ID: e.ID, Reason: reason})
			continue
		}
		op := m.store(e.Operation, ent)
		res.Accepted = append(res.Accepted, e.ID)
		notes = append(notes, m.collect(c.device, m.notification(op, ent))...)
	}
	m.mu.Unlock()

	deliver(notes)

	if len(res.Rejected) > 0 {
		logging.Debug("Remote rejected entries", map[string]interface{}{
			"device":   c.device,
			"rejected": len(res.Rejected),
		})
	}
	return res, nil
}

// Validate checks the fields every transported entity must carry and
// returns the entity to store, or a rejection reason.
func Validate(e *models.ChangeQueueEntry) (*models.Entity, string) {
	if !e.Operation.Valid() {
		return nil, fmt.Sprintf("invalid operation %q", e.Operation)
	}
	ent, err := e.Entity()
	if err != nil {
		return nil, "payload is not a valid entity: " + err.Error()
	}
	ent.ID, ent.Type, ent.ProjectID = e.EntityID, e.EntityType, e.ProjectID
	ent.UpdatedAt = models.Stamp(e.UpdatedAt)
	if err := ent.Validate(); err != nil {
		return nil, err.Error()
	}
	return ent, ""
}

// Fetch returns the current remote entity, or nil when it is absent or
// deleted.
func (c *Client) Fetch(ctx context.Context, projectID string, typ models.EntityType, id string) (*models.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := c.mem
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.reachable {
		return nil, ErrUnreachable
	}
	doc, ok := m.docs[docKey{projectID, typ, id}]
	if !ok || doc.deleted {
		return nil, nil
	}
	return doc.entity.Clone(), nil
}

// List returns one notification per document of the project, deletions
// included, ordered by updatedAt.
func (c *Client) List(ctx context.Context, projectID string) ([]models.ChangeNotification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := c.mem
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.reachable {
		return nil, ErrUnreachable
	}

	var out []models.ChangeNotification
	for k, doc := range m.docs {
		if k.projectID != projectID {
			continue
		}
		op := models.OperationUpdate
		if doc.deleted {
			op = models.OperationDelete
		}
		out = append(out, m.notification(op, doc.entity))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].Key().String() < out[j].Key().String()
	})
	return out, nil
}

// Subscribe delivers changes made by other devices to the project until ctx
// is done.
func (c *Client) Subscribe(ctx context.Context, projectID string, onChange func(models.ChangeNotification)) error {
	m := c.mem
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = &subscriber{device: c.device, projectID: projectID, fn: onChange}
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
	return nil
}
