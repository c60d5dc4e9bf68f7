package handlers

import (
	"net/http"
	"strings"

	"github.com/kimhsiao/storyforge/backend/internal/session"
)

// SessionManager is the session surface the endpoints use.
type SessionManager interface {
	Login(userID string) error
	Logout() bool
	Current() (session.Info, bool)
}

// SessionHandler signs the desktop user in and out. Sync runs only while
// someone is signed in.
type SessionHandler struct {
	sessions SessionManager
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions SessionManager) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// Login handles POST /api/session/login.
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var request struct {
		UserID string `json:"userId"`
	}
	if !decodeJSON(w, r, &request) {
		return
	}

	if err := h.sessions.Login(strings.TrimSpace(request.UserID)); err != nil {
		writeError(w, r, err)
		return
	}
	h.Current(w, r)
}

// Logout handles POST /api/session/logout.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"loggedOut": h.sessions.Logout()})
}

// Current handles GET /api/session.
func (h *SessionHandler) Current(w http.ResponseWriter, r *http.Request) {
	info, ok := h.sessions.Current()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"loggedIn": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"loggedIn": true,
		"userId":   info.UserID,
		"since":    info.Since,
	})
}
