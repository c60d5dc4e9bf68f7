package handlers

import (
	"net/http"
	"time"

	"github.com/kimhsiao/storyforge/backend/internal/logging"
	"github.com/kimhsiao/storyforge/backend/internal/services"
)

// Options carries everything the router serves.
type Options struct {
	Version   string
	Entities  *services.EntityService
	Engine    SyncEngine
	Scheduler interface {
		SyncScheduler
		ProjectWatcher
	}
	Sessions SessionManager
	// Events serves the websocket stream; nil leaves /ws unrouted.
	Events http.Handler
}

// NewRouter builds the localhost API.
func NewRouter(opts Options) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", Health(opts.Version))

	sessions := NewSessionHandler(opts.Sessions)
	mux.HandleFunc("GET /api/session", sessions.Current)
	mux.HandleFunc("POST /api/session/login", sessions.Login)
	mux.HandleFunc("POST /api/session/logout", sessions.Logout)

	entities := NewEntityHandler(opts.Entities, opts.Scheduler)
	mux.HandleFunc("POST /api/projects", entities.CreateProject)
	mux.HandleFunc("GET /api/projects/{pid}/entities/{type}", entities.List)
	mux.HandleFunc("POST /api/projects/{pid}/entities/{type}", entities.Create)
	mux.HandleFunc("GET /api/projects/{pid}/entities/{type}/{id}", entities.Get)
	mux.HandleFunc("PUT /api/projects/{pid}/entities/{type}/{id}", entities.Update)
	mux.HandleFunc("DELETE /api/projects/{pid}/entities/{type}/{id}", entities.Delete)

	syncs := NewSyncHandler(opts.Engine, opts.Scheduler)
	mux.HandleFunc("GET /api/sync/state", syncs.GetState)
	mux.HandleFunc("POST /api/sync/trigger", syncs.TriggerSync)
	mux.HandleFunc("POST /api/sync/network", syncs.SetNetwork)
	mux.HandleFunc("GET /api/sync/conflicts", syncs.ListConflicts)
	mux.HandleFunc("POST /api/sync/conflicts/resolve", syncs.ResolveConflict)
	mux.HandleFunc("GET /api/sync/dead-letters", syncs.ListDeadLetters)
	mux.HandleFunc("POST /api/sync/dead-letters/retry", syncs.RetryDeadLetter)

	if opts.Events != nil {
		mux.Handle("GET /ws", opts.Events)
	}
	return withLogging(mux)
}

// withLogging logs every request at debug level.
func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.Debug("Request served", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}
