package handlers

import (
	"context"
	"net/http"

	"github.com/kimhsiao/storyforge/backend/internal/models"
	syncpkg "github.com/kimhsiao/storyforge/backend/internal/sync"
	"github.com/kimhsiao/storyforge/backend/internal/sync/scheduler"
)

// SyncEngine is the engine surface the sync endpoints use.
type SyncEngine interface {
	Snapshot() syncpkg.Snapshot
	Conflicts() []models.ConflictRecord
	ResolveConflict(ctx context.Context, typ models.EntityType, id, projectID string, resolution models.Resolution) error
	DeadLetters() []models.DeadLetter
	RetryDeadLetter(ctx context.Context, key models.EntityKey) error
}

// SyncScheduler is the scheduler surface the sync endpoints use.
type SyncScheduler interface {
	SyncNow(ctx context.Context) (*syncpkg.SyncResult, error)
	SetOnlineStatus(online bool)
	GetStatus() scheduler.Status
}

// SyncHandler serves sync state and conflict resolution.
type SyncHandler struct {
	engine SyncEngine
	sched  SyncScheduler
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine SyncEngine, sched SyncScheduler) *SyncHandler {
	return &SyncHandler{engine: engine, sched: sched}
}

// GetState handles GET /api/sync/state.
func (h *SyncHandler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"engine":    h.engine.Snapshot(),
		"scheduler": h.sched.GetStatus(),
	})
}

// ListConflicts handles GET /api/sync/conflicts.
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts := h.engine.Conflicts()
	if conflicts == nil {
		conflicts = []models.ConflictRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": conflicts})
}

// ResolveConflict handles POST /api/sync/conflicts/resolve.
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var request struct {
		EntityType string `json:"entityType"`
		EntityID   string `json:"entityId"`
		ProjectID  string `json:"projectId"`
		Resolution string `json:"resolution"`
	}
	if !decodeJSON(w, r, &request) {
		return
	}

	typ, err := models.ParseEntityType(request.EntityType)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if request.EntityID == "" {
		badRequest(w, r, "entityId is required")
		return
	}
	resolution, err := models.ParseResolution(request.Resolution)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}

	if err := h.engine.ResolveConflict(r.Context(), typ, request.EntityID, request.ProjectID, resolution); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "resolved",
		"resolution": resolution,
	})
}

// TriggerSync handles POST /api/sync/trigger and waits for the cycle.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.sched.SyncNow(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SetNetwork handles POST /api/sync/network, the UI's connectivity signal.
func (h *SyncHandler) SetNetwork(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if !decodeJSON(w, r, &request) {
		return
	}
	if request.Online == nil {
		badRequest(w, r, "online is required")
		return
	}

	h.sched.SetOnlineStatus(*request.Online)
	writeJSON(w, http.StatusOK, map[string]interface{}{"online": *request.Online})
}

// ListDeadLetters handles GET /api/sync/dead-letters.
func (h *SyncHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	dead := h.engine.DeadLetters()
	if dead == nil {
		dead = []models.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deadLetters": dead})
}

// RetryDeadLetter handles POST /api/sync/dead-letters/retry.
func (h *SyncHandler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	var request struct {
		EntityType string `json:"entityType"`
		EntityID   string `json:"entityId"`
	}
	if !decodeJSON(w, r, &request) {
		return
	}
	typ, err := models.ParseEntityType(request.EntityType)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}

	if err := h.engine.RetryDeadLetter(r.Context(), models.EntityKey{Type: typ, ID: request.EntityID}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "requeued"})
}
