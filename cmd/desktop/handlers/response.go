// Package handlers provides the localhost REST API of the desktop process.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/kimhsiao/storyforge/backend/internal/errors"
	"github.com/kimhsiao/storyforge/backend/internal/logging"
)

// maxBodyBytes bounds request bodies; entity payloads are JSON documents.
const maxBodyBytes = 4 << 20

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// statusFor maps an error code to an HTTP status.
func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound, apperrors.ErrEntityNotFound, apperrors.ErrSyncConflictMissing:
		return http.StatusNotFound
	case apperrors.ErrSyncConflictPending, apperrors.ErrSyncInProgress:
		return http.StatusConflict
	case apperrors.ErrSyncOffline, apperrors.ErrSyncNotConfigured, apperrors.ErrQueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.ErrInternal
	}
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err, map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		})
	}

	var body ErrorBody
	body.Error.Code = string(code)
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeError(w, r, apperrors.New(apperrors.ErrInvalid, msg))
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, r, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// Health handles GET /api/health.
func Health(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"service": "storyforge-desktop",
			"version": version,
		})
	}
}
