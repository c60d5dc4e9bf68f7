package handlers

import (
	"net/http"

	apperrors "github.com/kimhsiao/storyforge/backend/internal/errors"
	"github.com/kimhsiao/storyforge/backend/internal/models"
	"github.com/kimhsiao/storyforge/backend/internal/services"
)

// ProjectWatcher learns about projects created on this device so their
// remote changes are followed right away.
type ProjectWatcher interface {
	WatchProject(projectID string)
}

// EntityHandler serves CRUD for every entity type.
type EntityHandler struct {
	service *services.EntityService
	watcher ProjectWatcher
}

// NewEntityHandler creates a new EntityHandler. watcher may be nil.
func NewEntityHandler(service *services.EntityService, watcher ProjectWatcher) *EntityHandler {
	return &EntityHandler{service: service, watcher: watcher}
}

func (h *EntityHandler) repository(w http.ResponseWriter, r *http.Request) (*services.Repository, bool) {
	typ, err := models.ParseEntityType(r.PathValue("type"))
	if err != nil {
		writeError(w, r, apperrors.Wrap(apperrors.ErrNotFound, "unknown entity type", err))
		return nil, false
	}
	repo, err := h.service.Repository(typ)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return repo, true
}

// find loads the entity at the request path and checks it belongs to the
// project in the path.
func (h *EntityHandler) find(w http.ResponseWriter, r *http.Request, repo *services.Repository) (*models.Entity, bool) {
	ent, err := repo.FindByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	if ent.ProjectID != r.PathValue("pid") {
		writeError(w, r, apperrors.New(apperrors.ErrEntityNotFound, "entity not found in project"))
		return nil, false
	}
	return ent, true
}

// CreateProject handles POST /api/projects.
func (h *EntityHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var in services.EntityInput
	if !decodeJSON(w, r, &in) {
		return
	}
	repo, err := h.service.Repository(models.EntityProject)
	if err != nil {
		writeError(w, r, err)
		return
	}

	project, err := repo.Create(r.Context(), "", in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if h.watcher != nil {
		h.watcher.WatchProject(project.ID)
	}
	writeJSON(w, http.StatusCreated, project)
}

// List handles GET /api/projects/{pid}/entities/{type}.
func (h *EntityHandler) List(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repository(w, r)
	if !ok {
		return
	}

	items, err := repo.FindByProjectID(r.Context(), r.PathValue("pid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []*models.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

// Get handles GET /api/projects/{pid}/entities/{type}/{id}.
func (h *EntityHandler) Get(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repository(w, r)
	if !ok {
		return
	}
	ent, ok := h.find(w, r, repo)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// Create handles POST /api/projects/{pid}/entities/{type}.
func (h *EntityHandler) Create(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repository(w, r)
	if !ok {
		return
	}
	if repo.Type() == models.EntityProject {
		badRequest(w, r, "projects are created with POST /api/projects")
		return
	}
	var in services.EntityInput
	if !decodeJSON(w, r, &in) {
		return
	}

	pid := r.PathValue("pid")
	projects, err := h.service.Repository(models.EntityProject)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := projects.FindByID(r.Context(), pid); err != nil {
		writeError(w, r, err)
		return
	}

	ent, err := repo.Create(r.Context(), pid, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ent)
}

// Update handles PUT /api/projects/{pid}/entities/{type}/{id}.
func (h *EntityHandler) Update(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repository(w, r)
	if !ok {
		return
	}
	var in services.EntityInput
	if !decodeJSON(w, r, &in) {
		return
	}
	ent, ok := h.find(w, r, repo)
	if !ok {
		return
	}

	updated, err := repo.Update(r.Context(), ent.ID, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Delete handles DELETE /api/projects/{pid}/entities/{type}/{id}.
func (h *EntityHandler) Delete(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repository(w, r)
	if !ok {
		return
	}
	ent, ok := h.find(w, r, repo)
	if !ok {
		return
	}

	if err := repo.Delete(r.Context(), ent.ID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
