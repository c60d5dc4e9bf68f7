package sync

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	gosync "sync"
	"sync/atomic"
	"time"

	apperrors "github.com/kimhsiao/storyforge/backend/internal/errors"
	"github.com/kimhsiao/storyforge/backend/internal/logging"
	"github.com/kimhsiao/storyforge/backend/internal/models"
	"github.com/kimhsiao/storyforge/backend/internal/sync/conflict"
	"github.com/kimhsiao/storyforge/backend/internal/sync/gateway"
	"github.com/kimhsiao/storyforge/backend/internal/sync/queue"
	"github.com/kimhsiao/storyforge/backend/internal/sync/tombstone"
)

var (
	ErrOffline          = apperrors.New(apperrors.ErrSyncOffline, "sync engine is offline")
	ErrInProgress       = apperrors.New(apperrors.ErrSyncInProgress, "sync cycle already running")
	ErrConflictPending  = apperrors.New(apperrors.ErrSyncConflictPending, "entity has an unresolved conflict")
	ErrConflictNotFound = apperrors.New(apperrors.ErrSyncConflictMissing, "conflict not found")
	ErrEntityNotFound   = apperrors.New(apperrors.ErrEntityNotFound, "entity not found")
)

// Config holds engine settings.
type Config struct {
	// BatchSize is the number of queue entries pushed per remote call.
	BatchSize int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{BatchSize: 50}
}

// Engine reconciles the local entity store with a remote store.
//
// Store writes, queue mutations, detection and resolution all happen under
// mu, which makes the engine the single writer of sync state. Remote calls
// run outside mu and their outcome is re-validated once it is re-acquired.
type Engine struct {
	mu gosync.Mutex

	store     EntityStore
	queue     *queue.SyncQueue
	tombs     *tombstone.Log
	remote    RemoteStore
	gw        *gateway.Gateway
	detector  *conflict.Detector
	conflicts *conflict.Registry
	cfg       Config
	now       func() time.Time

	state   models.SyncState
	online  bool
	lastErr string

	inboxMu gosync.Mutex
	inbox   []models.ChangeNotification

	running atomic.Bool
}

// NewEngine creates an engine. It starts offline.
func NewEngine(store EntityStore, q *queue.SyncQueue, tombs *tombstone.Log, remote RemoteStore, gw *gateway.Gateway, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if gw == nil {
		gw = gateway.New()
	}
	e := &Engine{
		store:     store,
		queue:     q,
		tombs:     tombs,
		remote:    remote,
		gw:        gw,
		conflicts: conflict.NewRegistry(),
		cfg:       cfg,
		now:       models.Now,
		state:     models.SyncStateOffline,
	}
	e.detector = conflict.NewDetector(func() time.Time { return e.now() })
	return e
}

// SetClock replaces the time source. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = func() time.Time { return models.Stamp(now()) }
}

// Gateway returns the gateway the engine publishes to.
func (e *Engine) Gateway() *gateway.Gateway {
	return e.gw
}

// Queue returns the engine's change queue.
func (e *Engine) Queue() *queue.SyncQueue {
	return e.queue
}

// Tombstones returns the engine's deletion log.
func (e *Engine) Tombstones() *tombstone.Log {
	return e.tombs
}

// =====================================================
// State machine
// =====================================================

// setState must be called with e.mu held.
func (e *Engine) setState(s models.SyncState, errMsg string) {
	if e.state != s {
		logging.Debug("Sync state changed", map[string]interface{}{
			"from": string(e.state),
			"to":   string(s),
		})
	}
	e.state = s
	e.lastErr = errMsg
	e.gw.SetStatus(s, errMsg)
}

// settledState is the resting state for an online engine.
func (e *Engine) settledState() models.SyncState {
	if e.conflicts.Len() > 0 {
		return models.SyncStateConflictPending
	}
	return models.SyncStateIdle
}

// settle must be called with e.mu held.
func (e *Engine) settle() {
	if !e.online {
		e.setState(models.SyncStateOffline, e.lastErr)
		return
	}
	e.setState(e.settledState(), "")
}

// SetOnline records a connectivity transition: offline to idle when the
// network or session becomes available, any state to offline on loss.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.online == online {
		return
	}
	e.online = online
	logging.Info("Sync connectivity changed", map[string]interface{}{
		"online": online,
	})
	if online {
		e.setState(e.settledState(), "")
	} else {
		e.setState(models.SyncStateOffline, e.lastErr)
	}
}

// Online reports whether the engine considers the remote reachable.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// goOffline handles a transport failure. Must be called with e.mu held.
func (e *Engine) goOffline(err error) {
	e.online = false
	e.setState(models.SyncStateOffline, err.Error())
	logging.Warn("Remote unreachable, sync engine offline", map[string]interface{}{
		"error": err.Error(),
	})
}

// Snapshot returns the current engine status.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	snap := Snapshot{
		State:     e.state,
		Online:    e.online,
		LastError: e.lastErr,
		Queue:     e.queue.Stats(),
		Conflicts: e.conflicts.Len(),
	}
	e.mu.Unlock()

	snap.LastSyncedAt = e.gw.Snapshot().LastSyncedAt
	snap.Inbox = e.PendingNotifications()
	return snap
}

// Conflicts returns the conflicts awaiting resolution.
func (e *Engine) Conflicts() []models.ConflictRecord {
	return e.conflicts.List()
}

// DeadLetters returns changes that exhausted their push attempts.
func (e *Engine) DeadLetters() []models.DeadLetter {
	return e.queue.DeadLetters()
}

// RetryDeadLetter re-arms a dead-lettered change for the next push.
func (e *Engine) RetryDeadLetter(ctx context.Context, key models.EntityKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.queue.RetryDead(ctx, key); err != nil {
		return err
	}
	if e.state == models.SyncStateError && len(e.queue.DeadLetters()) == 0 {
		e.settle()
	}
	return nil
}

// =====================================================
// Local writes
// =====================================================

// SaveLocal stores a local edit and queues it for push. UpdatedAt is kept
// ahead of the stored value so a writer never moves it backwards.
func (e *Engine) SaveLocal(ctx context.Context, ent *models.Entity) (*models.Entity, error) {
	ent = ent.Clone()
	if ent.UpdatedAt.IsZero() {
		ent.UpdatedAt = e.clock()
	}
	ent.UpdatedAt = models.Stamp(ent.UpdatedAt)
	if err := ent.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid entity", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conflicts.HasEntity(ent.Key()) {
		return nil, ErrConflictPending
	}

	stored, err := e.store.GetEntity(ctx, ent.Type, ent.ID)
	if err != nil && !apperrors.Is(err, apperrors.ErrEntityCorrupt) {
		return nil, err
	}
	op := models.OperationInsert
	if stored != nil {
		op = models.OperationUpdate
		if !ent.UpdatedAt.After(stored.UpdatedAt) {
			ent.UpdatedAt = stored.UpdatedAt.Add(time.Millisecond)
		}
	} else if q, queued := e.queue.Lookup(ent.Key()); queued && q.Operation != models.OperationDelete {
		op = models.OperationUpdate
	}

	if ts, deleted, err := e.tombs.Lookup(ctx, ent.Type, ent.ID); err != nil {
		return nil, err
	} else if deleted {
		// A re-created entity must sort after its own deletion.
		if !ent.UpdatedAt.After(ts.DeletedAt) {
			ent.UpdatedAt = ts.DeletedAt.Add(time.Millisecond)
		}
		if err := e.tombs.Forget(ctx, ent.Type, ent.ID); err != nil {
			return nil, err
		}
	}

	ent.Dirty = true
	ent.Unsynced = false
	if err := e.store.PutEntity(ctx, ent); err != nil {
		return nil, err
	}
	if err := e.enqueue(ctx, op, ent); err != nil {
		return nil, err
	}
	return ent.Clone(), nil
}

// DeleteLocal removes an entity locally, records its tombstone and queues
// the deletion for push.
func (e *Engine) DeleteLocal(ctx context.Context, typ models.EntityType, id, projectID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := models.EntityKey{Type: typ, ID: id}
	if e.conflicts.HasEntity(key) {
		return ErrConflictPending
	}

	stored, err := e.store.GetEntity(ctx, typ, id)
	if err != nil && !apperrors.Is(err, apperrors.ErrEntityCorrupt) {
		return err
	}
	_, queued := e.queue.Lookup(key)
	if stored == nil && !queued && err == nil {
		return ErrEntityNotFound
	}

	deletedAt := e.now()
	if stored != nil {
		if projectID == "" {
			projectID = stored.ProjectID
		}
		if !deletedAt.After(stored.UpdatedAt) {
			deletedAt = stored.UpdatedAt.Add(time.Millisecond)
		}
	}

	if err := e.store.DeleteEntity(ctx, typ, id); err != nil {
		return err
	}
	if err := e.tombs.Record(ctx, typ, id, projectID, deletedAt); err != nil {
		return err
	}
	return e.enqueue(ctx, models.OperationDelete, &models.Entity{
		ID: id, ProjectID: projectID, Type: typ, UpdatedAt: deletedAt,
	})
}

// enqueue must be called with e.mu held. A change the queue cannot take
// leaves the entity flagged unsynced.
func (e *Engine) enqueue(ctx context.Context, op models.Operation, ent *models.Entity) error {
	var entry *models.ChangeQueueEntry
	var err error
	if op == models.OperationDelete {
		entry = &models.ChangeQueueEntry{
			EntityType: ent.Type,
			EntityID:   ent.ID,
			ProjectID:  ent.ProjectID,
			Operation:  op,
			UpdatedAt:  ent.UpdatedAt,
		}
	} else if entry, err = models.NewChangeQueueEntry(op, ent); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "snapshot entity", err)
	}

	if _, err := e.queue.Enqueue(ctx, entry); err != nil {
		if op != models.OperationDelete {
			if markErr := e.store.MarkUnsynced(ctx, ent.Type, ent.ID, err.Error()); markErr != nil {
				logging.Error("Failed to mark entity unsynced", markErr, map[string]interface{}{
					"entity": ent.Key().String(),
				})
			}
		}
		return err
	}
	return nil
}

func (e *Engine) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now()
}

// =====================================================
// Push
// =====================================================

// Push drains the change queue to the remote store.
//
// Accepted entries are committed. Rejected entries are requeued with
// backoff and dead-lettered once their attempts are exhausted; the run
// continues with the remaining entries. A transport failure leaves the
// batch queued without counting an attempt and takes the engine offline.
func (e *Engine) Push(ctx context.Context) (*SyncResult, error) {
	res := &SyncResult{}

	e.mu.Lock()
	if !e.online {
		e.mu.Unlock()
		return res, ErrOffline
	}
	e.mu.Unlock()

	pushed := make(map[string]time.Time)
	started := false
	for {
		if err := ctx.Err(); err != nil {
			e.finishPush(started, res)
			return res, err
		}

		batch, versions := e.nextBatch(ctx, pushed)
		if len(batch) == 0 {
			break
		}
		if !started {
			started = true
			e.mu.Lock()
			e.setState(models.SyncStatePushing, "")
			e.mu.Unlock()
		}
		for _, entry := range batch {
			pushed[entry.ID] = entry.UpdatedAt
		}

		result, err := e.remote.Push(ctx, batch)
		if err != nil {
			e.mu.Lock()
			if ctx.Err() == nil {
				e.goOffline(err)
			} else if e.online {
				e.settle()
			}
			e.mu.Unlock()
			logging.Error("Push failed, batch stays queued", err, map[string]interface{}{
				"batch_size": len(batch),
			})
			return res, apperrors.Wrap(apperrors.ErrSyncOffline, "push failed", err)
		}

		if err := e.applyPushResult(ctx, batch, versions, result, res); err != nil {
			e.finishPush(started, res)
			return res, err
		}
	}

	e.finishPush(started, res)
	if res.Pushed > 0 || res.Rejected > 0 {
		logging.Info("Push completed", map[string]interface{}{
			"pushed":        res.Pushed,
			"rejected":      res.Rejected,
			"dead_lettered": res.DeadLettered,
		})
	}
	return res, nil
}

// nextBatch returns due entries not yet pushed in this run, skipping
// entities held by a conflict, plus the store revision each snapshot
// corresponds to.
func (e *Engine) nextBatch(ctx context.Context, pushed map[string]time.Time) ([]*models.ChangeQueueEntry, map[string]int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var batch []*models.ChangeQueueEntry
	versions := make(map[string]int64)
	for _, entry := range e.queue.Drain(0) {
		if at, ok := pushed[entry.ID]; ok && at.Equal(entry.UpdatedAt) {
			continue
		}
		if e.conflicts.HasEntity(entry.Key()) {
			continue
		}
		if entry.Operation != models.OperationDelete {
			if stored, err := e.store.GetEntity(ctx, entry.EntityType, entry.EntityID); err == nil && stored != nil {
				versions[entry.ID] = stored.Version
			}
		}
		batch = append(batch, entry)
		if len(batch) == e.cfg.BatchSize {
			break
		}
	}
	return batch, versions
}

func (e *Engine) applyPushResult(ctx context.Context, batch []*models.ChangeQueueEntry, versions map[string]int64, result models.PushResult, res *SyncResult) error {
	byID := make(map[string]*models.ChangeQueueEntry, len(batch))
	for _, entry := range batch {
		byID[entry.ID] = entry
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var accepted []*models.ChangeQueueEntry
	for _, id := range result.Accepted {
		if entry, ok := byID[id]; ok {
			accepted = append(accepted, entry)
		}
	}
	superseded, err := e.queue.Commit(ctx, accepted...)
	if err != nil {
		return err
	}
	skip := make(map[string]bool, len(superseded))
	for _, id := range superseded {
		skip[id] = true
	}
	for _, entry := range accepted {
		res.Pushed++
		if skip[entry.ID] || entry.Operation == models.OperationDelete {
			continue
		}
		version, ok := versions[entry.ID]
		if !ok {
			continue
		}
		if _, err := e.store.MarkClean(ctx, entry.EntityType, entry.EntityID, version); err != nil {
			logging.Error("Failed to mark entity clean", err, map[string]interface{}{
				"entity": entry.Key().String(),
			})
		}
	}

	for _, rej := range result.Rejected {
		entry, ok := byID[rej.ID]
		if !ok {
			continue
		}
		res.Rejected++
		dl, err := e.queue.Requeue(ctx, entry, rej.Reason)
		if err != nil {
			return err
		}
		if dl == nil {
			continue
		}
		res.DeadLettered++
		if entry.Operation != models.OperationDelete {
			if err := e.store.MarkUnsynced(ctx, entry.EntityType, entry.EntityID, rej.Reason); err != nil {
				logging.Error("Failed to mark entity unsynced", err, map[string]interface{}{
					"entity": entry.Key().String(),
				})
			}
		}
		e.gw.NotifyDeadLetter(*dl)
	}
	return nil
}

func (e *Engine) finishPush(started bool, res *SyncResult) {
	if !started {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.online {
		return
	}
	if res.DeadLettered > 0 {
		e.setState(models.SyncStateError, fmt.Sprintf("%d change(s) dead-lettered", res.DeadLettered))
		return
	}
	e.settle()
}

// =====================================================
// Pull
// =====================================================

// Pull reconciles remote notifications with local state. A notification
// whose entity cannot be fetched is dropped; redelivery or the next resync
// recovers it.
func (e *Engine) Pull(ctx context.Context, notes []models.ChangeNotification) (*SyncResult, error) {
	res := &SyncResult{}
	notes = latestPerEntity(notes)
	if len(notes) == 0 {
		return res, nil
	}

	e.mu.Lock()
	if e.online {
		e.setState(models.SyncStatePulling, "")
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.online {
			e.settle()
		}
		e.mu.Unlock()
	}()

	for i := range notes {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		e.gw.NotifyRemoteChange(notes[i])
		e.pullOne(ctx, &notes[i], res)
	}

	if res.Pulled > 0 || res.Conflicts > 0 {
		logging.Info("Pull completed", map[string]interface{}{
			"notifications": len(notes),
			"pulled":        res.Pulled,
			"suppressed":    res.Suppressed,
			"conflicts":     res.Conflicts,
		})
	}
	return res, nil
}

// latestPerEntity keeps the newest notification for each entity, since the
// larger updatedAt is authoritative when deliveries arrive out of order.
func latestPerEntity(notes []models.ChangeNotification) []models.ChangeNotification {
	idx := make(map[models.EntityKey]int, len(notes))
	var out []models.ChangeNotification
	for _, n := range notes {
		if n.EntityID == "" || !n.EntityType.Valid() {
			logging.Warn("Dropping malformed notification", map[string]interface{}{
				"entity_type": string(n.EntityType),
				"entity_id":   n.EntityID,
			})
			continue
		}
		if i, ok := idx[n.Key()]; ok {
			if n.UpdatedAt.After(out[i].UpdatedAt) {
				out[i] = n
			}
			continue
		}
		idx[n.Key()] = len(out)
		out = append(out, n)
	}
	return out
}

func (e *Engine) pullOne(ctx context.Context, n *models.ChangeNotification, res *SyncResult) {
	fields := map[string]interface{}{
		"entity":      n.Key().String(),
		"project_id":  n.ProjectID,
		"change_type": string(n.ChangeType),
		"updated_at":  models.FormatTime(n.UpdatedAt),
	}

	remote := n.Entity
	for attempt := 0; attempt < 2; attempt++ {
		e.mu.Lock()
		out, err := e.detect(ctx, n)
		if err != nil {
			e.mu.Unlock()
			logging.Error("Pull skipped entity", err, fields)
			return
		}

		switch out.Decision {
		case conflict.DecisionSkip, conflict.DecisionDiscardStale, conflict.DecisionSuppress:
			e.mu.Unlock()
			res.Suppressed++
			fields["decision"] = out.Decision.String()
			logging.Debug("Remote change not applied", fields)
			return

		case conflict.DecisionConflict:
			rec, _ := e.conflicts.Add(out.Conflict)
			e.gw.NotifyConflict(rec)
			if e.online {
				e.setState(models.SyncStateConflictPending, "")
			}
			e.mu.Unlock()
			res.Conflicts++
			return
		}

		// DecisionApply
		if n.ChangeType == models.OperationDelete {
			err := e.applyRemoteDelete(ctx, n.EntityType, n.EntityID, n.ProjectID, n.UpdatedAt)
			e.mu.Unlock()
			if err != nil {
				logging.Error("Failed to apply remote delete", err, fields)
				return
			}
			res.Pulled++
			return
		}
		if remote != nil {
			err := e.applyRemoteEntity(ctx, remote)
			e.mu.Unlock()
			if err != nil {
				logging.Error("Failed to apply remote change", err, fields)
				return
			}
			res.Pulled++
			return
		}
		e.mu.Unlock()

		// The payload is not carried by the feed: fetch it without holding
		// the lock, then detect again against whatever changed meanwhile.
		fetched, err := e.remote.Fetch(ctx, n.ProjectID, n.EntityType, n.EntityID)
		if err != nil {
			logging.Warn("Fetch failed, notification dropped", mergeFields(fields, map[string]interface{}{
				"error": err.Error(),
			}))
			return
		}
		if fetched == nil {
			logging.Debug("Remote entity gone before fetch, notification dropped", fields)
			return
		}
		remote = fetched
	}
}

// detect must be called with e.mu held.
func (e *Engine) detect(ctx context.Context, n *models.ChangeNotification) (conflict.Outcome, error) {
	in := conflict.Input{Notification: n}
	if q, ok := e.queue.Lookup(n.Key()); ok {
		in.Queued = q
	}
	ts, _, err := e.tombs.Lookup(ctx, n.EntityType, n.EntityID)
	if err != nil {
		return conflict.Outcome{}, err
	}
	in.Tombstone = ts

	stored, err := e.store.GetEntity(ctx, n.EntityType, n.EntityID)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrEntityCorrupt) {
			return conflict.Outcome{}, err
		}
		// Corrupt local copy: let the remote version replace it.
		logging.Warn("Local entity corrupt, accepting remote state", map[string]interface{}{
			"entity": n.Key().String(),
			"error":  err.Error(),
		})
		if markErr := e.store.MarkUnsynced(ctx, n.EntityType, n.EntityID, err.Error()); markErr != nil {
			logging.Error("Failed to mark entity unsynced", markErr, nil)
		}
		stored = nil
	}
	in.Stored = stored
	return e.detector.Detect(in), nil
}

// applyRemoteEntity must be called with e.mu held. It never moves the stored
// updatedAt backwards and never enqueues.
func (e *Engine) applyRemoteEntity(ctx context.Context, remote *models.Entity) error {
	ent := remote.Clone()
	ent.UpdatedAt = models.Stamp(ent.UpdatedAt)
	if err := ent.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid remote entity", err)
	}

	stored, err := e.store.GetEntity(ctx, ent.Type, ent.ID)
	if err != nil && !apperrors.Is(err, apperrors.ErrEntityCorrupt) {
		return err
	}
	if stored != nil && !ent.UpdatedAt.After(stored.UpdatedAt) {
		return nil
	}

	ent.Dirty = false
	ent.Unsynced = false
	if err := e.store.PutEntity(ctx, ent); err != nil {
		return err
	}
	e.gw.NotifyEntityUpdated(ent)
	return nil
}

// applyRemoteDelete must be called with e.mu held.
func (e *Engine) applyRemoteDelete(ctx context.Context, typ models.EntityType, id, projectID string, at time.Time) error {
	if err := e.store.DeleteEntity(ctx, typ, id); err != nil {
		return err
	}
	if err := e.tombs.Record(ctx, typ, id, projectID, at); err != nil {
		return err
	}
	e.gw.NotifyEntityDeleted(models.DeletionLogEntry{
		EntityType: typ,
		EntityID:   id,
		ProjectID:  projectID,
		DeletedAt:  models.Stamp(at),
	})
	return nil
}

func mergeFields(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// =====================================================
// Resolution
// =====================================================

// ResolveConflict applies the user's decision for a pending conflict.
//
// accept-remote discards the queued local change and applies the current
// remote entity (or its deletion). keep-local re-stamps the local change
// past the remote timestamp and queues it again so the next push wins.
func (e *Engine) ResolveConflict(ctx context.Context, typ models.EntityType, id, projectID string, resolution models.Resolution) error {
	e.mu.Lock()
	rec, ok := e.conflicts.Get(typ, id, projectID)
	e.mu.Unlock()
	if !ok {
		return ErrConflictNotFound
	}

	var err error
	switch resolution {
	case models.ResolutionAcceptRemote:
		err = e.acceptRemote(ctx, rec)
	case models.ResolutionKeepLocal:
		err = e.keepLocal(ctx, rec)
	default:
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown resolution %q", resolution))
	}
	if err != nil {
		return err
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"entity":     rec.Key().String(),
		"project_id": rec.ProjectID,
		"resolution": string(resolution),
	})
	return nil
}

func (e *Engine) acceptRemote(ctx context.Context, rec models.ConflictRecord) error {
	remote, err := e.remote.Fetch(ctx, rec.ProjectID, rec.EntityType, rec.EntityID)
	if err != nil {
		e.mu.Lock()
		if ctx.Err() == nil && e.online {
			e.goOffline(err)
		}
		e.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrSyncOffline, "fetch remote entity", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.conflicts.Get(rec.EntityType, rec.EntityID, rec.ProjectID); !ok {
		return ErrConflictNotFound
	}
	if err := e.queue.Discard(ctx, rec.Key()); err != nil {
		return err
	}

	if remote == nil {
		if err := e.applyRemoteDelete(ctx, rec.EntityType, rec.EntityID, rec.ProjectID, rec.RemoteUpdatedAt); err != nil {
			return err
		}
	} else {
		if err := e.tombs.Forget(ctx, rec.EntityType, rec.EntityID); err != nil {
			return err
		}
		ent := remote.Clone()
		ent.Dirty = false
		ent.Unsynced = false
		if err := ent.Validate(); err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "invalid remote entity", err)
		}
		if err := e.store.PutEntity(ctx, ent); err != nil {
			return err
		}
		e.gw.NotifyEntityUpdated(ent)
	}

	e.resolved(rec, models.ResolutionAcceptRemote)
	return nil
}

func (e *Engine) keepLocal(ctx context.Context, rec models.ConflictRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.conflicts.Get(rec.EntityType, rec.EntityID, rec.ProjectID); !ok {
		return ErrConflictNotFound
	}

	// Re-read the record: coalescing may have raised the remote time.
	rec, _ = e.conflicts.Get(rec.EntityType, rec.EntityID, rec.ProjectID)
	restamp := e.now()
	if floor := rec.RemoteUpdatedAt.Add(time.Millisecond); restamp.Before(floor) {
		restamp = floor
	}

	queued, hasQueued := e.queue.Lookup(rec.Key())
	localDelete := rec.Kind == models.ConflictKindDelete ||
		(hasQueued && queued.Operation == models.OperationDelete)

	if localDelete {
		if err := e.tombs.Record(ctx, rec.EntityType, rec.EntityID, rec.ProjectID, restamp); err != nil {
			return err
		}
		if err := e.enqueue(ctx, models.OperationDelete, &models.Entity{
			ID: rec.EntityID, ProjectID: rec.ProjectID, Type: rec.EntityType, UpdatedAt: restamp,
		}); err != nil {
			return err
		}
		e.resolved(rec, models.ResolutionKeepLocal)
		return nil
	}

	local, err := e.store.GetEntity(ctx, rec.EntityType, rec.EntityID)
	if err != nil && !apperrors.Is(err, apperrors.ErrEntityCorrupt) {
		return err
	}
	if local == nil && hasQueued {
		if local, err = queued.Entity(); err != nil {
			return apperrors.Wrap(apperrors.ErrEntityCorrupt, "queued snapshot unreadable", err)
		}
	}
	if local == nil {
		return ErrEntityNotFound
	}

	local.UpdatedAt = restamp
	local.Dirty = true
	local.Unsynced = false
	if err := e.store.PutEntity(ctx, local); err != nil {
		return err
	}
	op := models.OperationUpdate
	if hasQueued && queued.Operation == models.OperationInsert {
		op = models.OperationInsert
	}
	if err := e.enqueue(ctx, op, local); err != nil {
		return err
	}
	e.gw.NotifyEntityUpdated(local)
	e.resolved(rec, models.ResolutionKeepLocal)
	return nil
}

// resolved must be called with e.mu held.
func (e *Engine) resolved(rec models.ConflictRecord, resolution models.Resolution) {
	e.conflicts.Remove(rec.EntityType, rec.EntityID, rec.ProjectID)
	e.gw.NotifyConflictResolved(rec, resolution)
	if e.state == models.SyncStateConflictPending {
		e.settle()
	}
}

// =====================================================
// Cycles
// =====================================================

// Deliver hands remote notifications to the next cycle.
func (e *Engine) Deliver(notes []models.ChangeNotification) {
	if len(notes) == 0 {
		return
	}
	e.inboxMu.Lock()
	defer e.inboxMu.Unlock()
	e.inbox = append(e.inbox, notes...)
}

// PendingNotifications returns the number of undelivered notifications.
func (e *Engine) PendingNotifications() int {
	e.inboxMu.Lock()
	defer e.inboxMu.Unlock()
	return len(e.inbox)
}

func (e *Engine) takeInbox() []models.ChangeNotification {
	e.inboxMu.Lock()
	defer e.inboxMu.Unlock()
	notes := e.inbox
	e.inbox = nil
	return notes
}

// Sync runs one cycle: push the queue, then pull delivered notifications.
// Only one cycle runs at a time.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrInProgress
	}
	defer e.running.Store(false)

	result := &SyncResult{StartTime: time.Now()}
	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
	}()

	if !e.Online() {
		result.Error = ErrOffline.Error()
		return result, ErrOffline
	}

	pushRes, err := e.Push(ctx)
	result.add(pushRes)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}

	pullRes, err := e.Pull(ctx, e.takeInbox())
	result.add(pullRes)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}

	e.gw.SetLastSyncedAt(time.Now())
	return result, nil
}

// Resync re-queues dirty entities that lost their queue entry, then pulls
// the full remote state of a project. Used after login and reconnects.
func (e *Engine) Resync(ctx context.Context, projectID string) (*SyncResult, error) {
	if !e.Online() {
		return &SyncResult{Error: ErrOffline.Error()}, ErrOffline
	}
	if err := e.requeueDirty(ctx, projectID); err != nil {
		return &SyncResult{Error: err.Error()}, err
	}

	notes, err := e.remote.List(ctx, projectID)
	if err != nil {
		e.mu.Lock()
		if ctx.Err() == nil {
			e.goOffline(err)
		}
		e.mu.Unlock()
		return &SyncResult{Error: err.Error()}, apperrors.Wrap(apperrors.ErrSyncOffline, "list remote entities", err)
	}
	sort.SliceStable(notes, func(i, j int) bool { return notes[i].UpdatedAt.Before(notes[j].UpdatedAt) })

	res, err := e.Pull(ctx, notes)
	if err == nil {
		logging.Info("Project resynced", map[string]interface{}{
			"project_id": projectID,
			"remote":     len(notes),
			"pulled":     res.Pulled,
			"conflicts":  res.Conflicts,
		})
	}
	return res, err
}

func (e *Engine) requeueDirty(ctx context.Context, projectID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	dirty, err := e.store.ListDirty(ctx, projectID)
	if err != nil {
		return err
	}
	for _, ent := range dirty {
		if _, ok := e.queue.Lookup(ent.Key()); ok {
			continue
		}
		if err := e.enqueue(ctx, models.OperationUpdate, ent); err != nil {
			if stderrors.Is(err, queue.ErrQueueFull) {
				return err
			}
			logging.Error("Failed to requeue dirty entity", err, map[string]interface{}{
				"entity": ent.Key().String(),
			})
		}
	}
	return nil
}

// Get returns a local entity, or ErrEntityNotFound.
func (e *Engine) Get(ctx context.Context, typ models.EntityType, id string) (*models.Entity, error) {
	ent, err := e.store.GetEntity(ctx, typ, id)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, ErrEntityNotFound
	}
	return ent, nil
}

// List returns local entities of a project.
func (e *Engine) List(ctx context.Context, projectID string, typ models.EntityType) ([]*models.Entity, error) {
	return e.store.ListByProject(ctx, projectID, typ)
}
