// Package services provides the repositories the use-case layer edits
// entities through. Every write goes through the sync engine so it lands in
// the change queue.
package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/storyforge/backend/internal/errors"
	"github.com/kimhsiao/storyforge/backend/internal/logging"
	"github.com/kimhsiao/storyforge/backend/internal/models"
	syncpkg "github.com/kimhsiao/storyforge/backend/internal/sync"
	"github.com/kimhsiao/storyforge/backend/internal/uuid"
)

// SyncEngine is the part of the sync engine the repositories write through.
type SyncEngine interface {
	Get(ctx context.Context, typ models.EntityType, id string) (*models.Entity, error)
	List(ctx context.Context, projectID string, typ models.EntityType) ([]*models.Entity, error)
	SaveLocal(ctx context.Context, ent *models.Entity) (*models.Entity, error)
	DeleteLocal(ctx context.Context, typ models.EntityType, id, projectID string) error
}

// EntityInput carries the user-editable fields of an entity.
type EntityInput struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (in EntityInput) validate() error {
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return apperrors.New(apperrors.ErrInvalid, "payload is not valid JSON")
	}
	return nil
}

// EntityService hands out one repository per entity type.
type EntityService struct {
	engine SyncEngine
	now    func() time.Time
}

// NewEntityService creates a service writing through engine.
func NewEntityService(engine SyncEngine) *EntityService {
	return &EntityService{engine: engine, now: models.Now}
}

// SetClock replaces the time source. Tests only.
func (s *EntityService) SetClock(now func() time.Time) {
	s.now = now
}

// Repository returns the repository for typ.
func (s *EntityService) Repository(typ models.EntityType) (*Repository, error) {
	if !typ.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, "unknown entity type "+string(typ))
	}
	return &Repository{svc: s, typ: typ}, nil
}

// Repository reads and writes the entities of one type.
type Repository struct {
	svc *EntityService
	typ models.EntityType
}

// Type returns the entity type the repository serves.
func (r *Repository) Type() models.EntityType {
	return r.typ
}

// FindByID returns the entity, or an ENTITY_NOT_FOUND error.
func (r *Repository) FindByID(ctx context.Context, id string) (*models.Entity, error) {
	ent, err := r.svc.engine.Get(ctx, r.typ, id)
	if err != nil {
		return nil, err
	}
	return ent, nil
}

// FindByProjectID returns the project's entities of this type, oldest
// edit first.
func (r *Repository) FindByProjectID(ctx context.Context, projectID string) ([]*models.Entity, error) {
	if projectID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "project id is required")
	}
	return r.svc.engine.List(ctx, projectID, r.typ)
}

// Create stores a new entity with a fresh ID. Projects are their own
// project; every other type needs projectID.
func (r *Repository) Create(ctx context.Context, projectID string, in EntityInput) (*models.Entity, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	id := uuid.New()
	if r.typ == models.EntityProject {
		projectID = id
	}
	if projectID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "project id is required")
	}

	ent, err := r.svc.engine.SaveLocal(ctx, &models.Entity{
		ID:        id,
		ProjectID: projectID,
		Type:      r.typ,
		Name:      strings.TrimSpace(in.Name),
		Payload:   in.Payload,
		UpdatedAt: r.svc.now(),
	})
	if err != nil {
		return nil, err
	}

	logging.Debug("Entity created", map[string]interface{}{
		"entity_type": string(r.typ),
		"entity_id":   id,
		"project_id":  projectID,
	})
	return ent, nil
}

// Update replaces the editable fields of an existing entity. The payload
// is replaced wholesale; a nil payload keeps the stored one.
func (r *Repository) Update(ctx context.Context, id string, in EntityInput) (*models.Entity, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	ent, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ent.Name = strings.TrimSpace(in.Name)
	if in.Payload != nil {
		ent.Payload = in.Payload
	}
	ent.UpdatedAt = r.svc.now()
	return r.svc.engine.SaveLocal(ctx, ent)
}

// Delete removes an entity. Deleting a project deletes everything in it
// first.
func (r *Repository) Delete(ctx context.Context, id string) error {
	ent, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}

	if r.typ == models.EntityProject {
		children, err := r.svc.engine.List(ctx, ent.ProjectID, "")
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.Type == models.EntityProject {
				continue
			}
			if err := r.svc.engine.DeleteLocal(ctx, child.Type, child.ID, child.ProjectID); err != nil &&
				!apperrors.Is(err, apperrors.ErrEntityNotFound) {
				return err
			}
		}
	}

	if err := r.svc.engine.DeleteLocal(ctx, r.typ, id, ent.ProjectID); err != nil {
		return err
	}

	logging.Debug("Entity deleted", map[string]interface{}{
		"entity_type": string(r.typ),
		"entity_id":   id,
		"project_id":  ent.ProjectID,
	})
	return nil
}

var _ SyncEngine = (*syncpkg.Engine)(nil)
