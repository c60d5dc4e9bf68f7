// Package db provides CRUD repository operations for Storyforge sync data.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/storyforge/backend/internal/errors"
	"github.com/kimhsiao/storyforge/backend/internal/logging"
	"github.com/kimhsiao/storyforge/backend/internal/models"
)

// Repository persists entities, change queue entries and the deletion log.
type Repository struct {
	db *sql.DB

	// Prepared statements for hot-path queries, prepared on first use.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

func dbErr(op string, err error) error {
	return apperrors.Wrap(apperrors.ErrDatabase, op, err)
}

// =====================================================
// Entity Operations
// =====================================================

const entityColumns = `entity_type, id, project_id, name, payload, updated_at, version, dirty, unsynced`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*models.Entity, error) {
	var (
		ent       models.Entity
		typ       string
		payload   sql.NullString
		updatedAt string
	)
	if err := row.Scan(&typ, &ent.ID, &ent.ProjectID, &ent.Name, &payload, &updatedAt,
		&ent.Version, &ent.Dirty, &ent.Unsynced); err != nil {
		return nil, err
	}
	ent.Type = models.EntityType(typ)

	ts, err := models.ParseTime(updatedAt)
	if err != nil {
		return &ent, apperrors.Wrap(apperrors.ErrEntityCorrupt,
			fmt.Sprintf("entity %s has invalid updated_at", ent.Key()), err)
	}
	ent.UpdatedAt = ts

	if payload.Valid && payload.String != "" {
		if !json.Valid([]byte(payload.String)) {
			return &ent, apperrors.New(apperrors.ErrEntityCorrupt,
				fmt.Sprintf("entity %s has invalid payload", ent.Key()))
		}
		ent.Payload = json.RawMessage(payload.String)
	}
	return &ent, nil
}

// GetEntity returns the entity or nil when it does not exist.
// A row that cannot be decoded yields an ENTITY_CORRUPT error.
func (r *Repository) GetEntity(ctx context.Context, typ models.EntityType, id string) (*models.Entity, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+entityColumns+` FROM entities WHERE entity_type = ? AND id = ?`)
	if err != nil {
		return nil, dbErr("get entity", err)
	}

	ent, err := scanEntity(stmt.QueryRowContext(ctx, string(typ), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		if apperrors.Is(err, apperrors.ErrEntityCorrupt) {
			return nil, err
		}
		return nil, dbErr("get entity", err)
	}
	return ent, nil
}

// PutEntity overwrites the stored entity wholesale and assigns it the next
// local revision, which is written back into ent.Version.
func (r *Repository) PutEntity(ctx context.Context, ent *models.Entity) error {
	if err := ent.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid entity", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("begin transaction", err)
	}
	defer tx.Rollback()

	var version int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE sync_meta SET value = value + 1 WHERE key = 'local_revision' RETURNING value`,
	).Scan(&version); err != nil {
		return dbErr("next revision", err)
	}

	var payload interface{}
	if len(ent.Payload) > 0 {
		payload = string(ent.Payload)
	}

	query := `
	INSERT INTO entities (` + entityColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (entity_type, id) DO UPDATE SET
		project_id = excluded.project_id,
		name = excluded.name,
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		version = excluded.version,
		dirty = excluded.dirty,
		unsynced = excluded.unsynced,
		unsynced_reason = CASE WHEN excluded.unsynced = 0 THEN NULL ELSE entities.unsynced_reason END
	`
	if _, err := tx.ExecContext(ctx, query, string(ent.Type), ent.ID, ent.ProjectID, ent.Name, payload,
		models.FormatTime(ent.UpdatedAt), version, ent.Dirty, ent.Unsynced); err != nil {
		return dbErr("put entity", err)
	}

	if err := tx.Commit(); err != nil {
		return dbErr("commit entity", err)
	}
	ent.Version = version
	return nil
}

// DeleteEntity removes an entity. Deleting a missing entity is a no-op.
func (r *Repository) DeleteEntity(ctx context.Context, typ models.EntityType, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM entities WHERE entity_type = ? AND id = ?`, string(typ), id); err != nil {
		return dbErr("delete entity", err)
	}
	return nil
}

// ListDirty returns entities of a project with changes not yet pushed.
func (r *Repository) ListDirty(ctx context.Context, projectID string) ([]*models.Entity, error) {
	return r.listEntities(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE project_id = ? AND dirty = 1 ORDER BY updated_at`,
		projectID)
}

// ListByProject returns a project's entities of one type, or of every type
// when typ is empty.
func (r *Repository) ListByProject(ctx context.Context, projectID string, typ models.EntityType) ([]*models.Entity, error) {
	if typ == "" {
		return r.listEntities(ctx,
			`SELECT `+entityColumns+` FROM entities WHERE project_id = ? ORDER BY entity_type, updated_at`,
			projectID)
	}
	return r.listEntities(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE project_id = ? AND entity_type = ? ORDER BY updated_at`,
		projectID, string(typ))
}

// listEntities skips corrupt rows so one bad entity cannot hide the rest.
func (r *Repository) listEntities(ctx context.Context, query string, args ...interface{}) ([]*models.Entity, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("list entities", err)
	}
	defer rows.Close()

	var out []*models.Entity
	for rows.Next() {
		ent, err := scanEntity(rows)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrEntityCorrupt) {
				logging.Warn("Skipping corrupt entity", map[string]interface{}{
					"entity": ent.Key().String(),
					"error":  err.Error(),
				})
				continue
			}
			return nil, dbErr("scan entity", err)
		}
		out = append(out, ent)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list entities", err)
	}
	return out, nil
}

// MarkClean clears the dirty flag if the stored revision still equals
// version. It reports false when a newer local write superseded it.
func (r *Repository) MarkClean(ctx context.Context, typ models.EntityType, id string, version int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE entities SET dirty = 0 WHERE entity_type = ? AND id = ? AND version = ?`,
		string(typ), id, version)
	if err != nil {
		return false, dbErr("mark clean", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbErr("mark clean", err)
	}
	return n > 0, nil
}

// MarkUnsynced flags an entity whose change could not be synchronized.
func (r *Repository) MarkUnsynced(ctx context.Context, typ models.EntityType, id, reason string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE entities SET unsynced = 1, unsynced_reason = ? WHERE entity_type = ? AND id = ?`,
		reason, string(typ), id); err != nil {
		return dbErr("mark unsynced", err)
	}
	return nil
}

// UnsyncedReason returns the reason recorded by MarkUnsynced, if any.
func (r *Repository) UnsyncedReason(ctx context.Context, typ models.EntityType, id string) (string, error) {
	var reason sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT unsynced_reason FROM entities WHERE entity_type = ? AND id = ?`, string(typ), id).Scan(&reason)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", dbErr("unsynced reason", err)
	}
	return reason.String, nil
}

// ListProjectIDs returns every project with at least one local entity or
// queued change.
func (r *Repository) ListProjectIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT project_id FROM entities
	UNION
	SELECT project_id FROM change_queue
	ORDER BY project_id`)
	if err != nil {
		return nil, dbErr("list projects", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, dbErr("scan project", err)
		}
		if pid != "" {
			out = append(out, pid)
		}
	}
	return out, rows.Err()
}

// =====================================================
// Change Queue Operations
// =====================================================

// LoadQueue returns every persisted queue entry ordered by enqueue time.
// A corrupt row is skipped and its entity marked unsynced; the row stays
// until a newer change for the entity replaces it.
func (r *Repository) LoadQueue(ctx context.Context) ([]*models.ChangeQueueEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, entity_type, entity_id, project_id, operation, payload, updated_at,
		   enqueued_at, attempts, next_attempt_at, status, last_error
	FROM change_queue ORDER BY enqueued_at, id`)
	if err != nil {
		return nil, dbErr("load queue", err)
	}

	var (
		out     []*models.ChangeQueueEntry
		corrupt []*models.ChangeQueueEntry
		reasons []string
	)
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrEntityCorrupt) {
				corrupt = append(corrupt, e)
				reasons = append(reasons, err.Error())
				continue
			}
			rows.Close()
			return nil, dbErr("scan queue entry", err)
		}
		out = append(out, e)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, dbErr("load queue", err)
	}

	for i, e := range corrupt {
		logging.Warn("Skipping corrupt queue entry", map[string]interface{}{
			"entry_id": e.ID,
			"entity":   e.Key().String(),
			"error":    reasons[i],
		})
		if err := r.MarkUnsynced(ctx, e.EntityType, e.EntityID, reasons[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// scanQueueEntry returns the partially decoded entry alongside an
// ENTITY_CORRUPT error so callers can still name the entity.
func scanQueueEntry(rows *sql.Rows) (*models.ChangeQueueEntry, error) {
	var (
		e                                  models.ChangeQueueEntry
		typ, op, status                    string
		payload, lastError                 sql.NullString
		updatedAt, enqueuedAt, nextAttempt string
	)
	if err := rows.Scan(&e.ID, &typ, &e.EntityID, &e.ProjectID, &op, &payload, &updatedAt,
		&enqueuedAt, &e.Attempts, &nextAttempt, &status, &lastError); err != nil {
		return nil, err
	}
	e.EntityType = models.EntityType(typ)
	e.Operation = models.Operation(op)
	e.Status = models.QueueStatus(status)
	e.LastError = lastError.String
	if payload.Valid && payload.String != "" {
		e.Payload = json.RawMessage(payload.String)
	}

	var err error
	if e.UpdatedAt, err = models.ParseTime(updatedAt); err != nil {
		return &e, apperrors.Wrap(apperrors.ErrEntityCorrupt, "queue entry "+e.ID+" has invalid updated_at", err)
	}
	if e.EnqueuedAt, err = models.ParseTime(enqueuedAt); err != nil {
		return &e, apperrors.Wrap(apperrors.ErrEntityCorrupt, "queue entry "+e.ID+" has invalid enqueued_at", err)
	}
	if e.NextAttemptAt, err = models.ParseTime(nextAttempt); err != nil {
		return &e, apperrors.Wrap(apperrors.ErrEntityCorrupt, "queue entry "+e.ID+" has invalid next_attempt_at", err)
	}
	return &e, nil
}

// SaveQueueEntry upserts an entry. Any other entry for the same entity is
// replaced, keeping at most one row per entity.
func (r *Repository) SaveQueueEntry(ctx context.Context, e *models.ChangeQueueEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM change_queue WHERE entity_type = ? AND entity_id = ? AND id <> ?`,
		string(e.EntityType), e.EntityID, e.ID); err != nil {
		return dbErr("replace queue entry", err)
	}

	var payload, lastError interface{}
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}
	if e.LastError != "" {
		lastError = e.LastError
	}

	query := `
	INSERT INTO change_queue (id, entity_type, entity_id, project_id, operation, payload, updated_at,
		enqueued_at, attempts, next_attempt_at, status, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		operation = excluded.operation,
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		attempts = excluded.attempts,
		next_attempt_at = excluded.next_attempt_at,
		status = excluded.status,
		last_error = excluded.last_error
	`
	if _, err := tx.ExecContext(ctx, query, e.ID, string(e.EntityType), e.EntityID, e.ProjectID,
		string(e.Operation), payload, models.FormatTime(e.UpdatedAt), models.FormatTime(e.EnqueuedAt),
		e.Attempts, models.FormatTime(e.NextAttemptAt), string(e.Status), lastError); err != nil {
		return dbErr("save queue entry", err)
	}
	if err := tx.Commit(); err != nil {
		return dbErr("commit queue entry", err)
	}
	return nil
}

// DeleteQueueEntries removes entries by ID.
func (r *Repository) DeleteQueueEntries(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("begin transaction", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM change_queue WHERE id = ?`, id); err != nil {
			return dbErr("delete queue entry", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return dbErr("commit queue delete", err)
	}
	return nil
}

// =====================================================
// Deletion Log Operations
// =====================================================

// SaveDeletion records or refreshes a tombstone.
func (r *Repository) SaveDeletion(ctx context.Context, d *models.DeletionLogEntry) error {
	query := `
	INSERT INTO deletion_log (entity_type, entity_id, project_id, deleted_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (entity_type, entity_id) DO UPDATE SET
		project_id = excluded.project_id,
		deleted_at = excluded.deleted_at
	`
	if _, err := r.db.ExecContext(ctx, query, string(d.EntityType), d.EntityID, d.ProjectID,
		models.FormatTime(d.DeletedAt)); err != nil {
		return dbErr("save deletion", err)
	}
	return nil
}

// GetDeletion returns the tombstone for an entity, or nil when none exists.
func (r *Repository) GetDeletion(ctx context.Context, typ models.EntityType, id string) (*models.DeletionLogEntry, error) {
	stmt, err := r.PrepareStmt(ctx,
		`SELECT project_id, deleted_at FROM deletion_log WHERE entity_type = ? AND entity_id = ?`)
	if err != nil {
		return nil, dbErr("get deletion", err)
	}

	d := models.DeletionLogEntry{EntityType: typ, EntityID: id}
	var deletedAt string
	err = stmt.QueryRowContext(ctx, string(typ), id).Scan(&d.ProjectID, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr("get deletion", err)
	}
	if d.DeletedAt, err = models.ParseTime(deletedAt); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrEntityCorrupt, "tombstone "+d.Key().String()+" has invalid deleted_at", err)
	}
	return &d, nil
}

// DeleteDeletion forgets a tombstone.
func (r *Repository) DeleteDeletion(ctx context.Context, typ models.EntityType, id string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM deletion_log WHERE entity_type = ? AND entity_id = ?`, string(typ), id); err != nil {
		return dbErr("delete deletion", err)
	}
	return nil
}

// PruneDeletions removes tombstones recorded before cutoff.
func (r *Repository) PruneDeletions(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM deletion_log WHERE deleted_at < ?`, models.FormatTime(cutoff))
	if err != nil {
		return 0, dbErr("prune deletions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, dbErr("prune deletions", err)
	}
	return int(n), nil
}

// CountDeletions returns the number of tombstones held.
func (r *Repository) CountDeletions(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deletion_log`).Scan(&n); err != nil {
		return 0, dbErr("count deletions", err)
	}
	return n, nil
}
