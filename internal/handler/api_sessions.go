package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"wakesafe/internal/session"
	"wakesafe/internal/token"
)

// sessionConflict carries the already-active session alongside the error so
// the client can resume it instead of retrying.
type sessionConflict struct {
	Error   jsonErrorBody `json:"error"`
	Session *apiSession   `json:"session,omitempty"`
}

// APISessionStart - POST /api/sessions/start
func (h *Handler) APISessionStart(w http.ResponseWriter, r *http.Request) {
	userID := token.UserIDFromContext(r.Context())

	created, err := h.Sessions.Start(r.Context(), userID)
	if errors.Is(err, session.ErrSessionExists) {
		conflict := sessionConflict{
			Error: jsonErrorBody{Code: "SESSION_EXISTS", Message: "an active session already exists"},
		}
		if created != nil {
			existing := sessionToAPI(created)
			conflict.Session = &existing
		}
		renderJSON(w, http.StatusConflict, conflict)
		return
	}
	if err != nil {
		slog.Error("start session", "user_id", userID, "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to start session")
		return
	}

	renderJSON(w, http.StatusCreated, sessionToAPI(created))
}

// APISessionCurrent - GET /api/sessions/current
func (h *Handler) APISessionCurrent(w http.ResponseWriter, r *http.Request) {
	userID := token.UserIDFromContext(r.Context())

	current, err := h.Sessions.Current(r.Context(), userID)
	if errors.Is(err, session.ErrNoActiveSession) {
		renderJSONError(w, http.StatusNotFound, "NOT_FOUND", "no active session")
		return
	}
	if err != nil {
		slog.Error("load current session", "user_id", userID, "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load session")
		return
	}

	renderJSON(w, http.StatusOK, sessionToAPI(current))
}

// APISessionEnd - PUT /api/sessions/{id}
func (h *Handler) APISessionEnd(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := token.UserIDFromContext(r.Context())

	ended, err := h.Sessions.End(r.Context(), id, userID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		renderJSONError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	case errors.Is(err, session.ErrForbidden):
		renderJSONError(w, http.StatusForbidden, "FORBIDDEN", "session belongs to another user")
		return
	case err != nil:
		slog.Error("end session", "session_id", id, "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to end session")
		return
	}

	renderJSON(w, http.StatusOK, sessionToAPI(ended))
}

// APISessionList - GET /api/sessions
func (h *Handler) APISessionList(w http.ResponseWriter, r *http.Request) {
	userID := token.UserIDFromContext(r.Context())
	page, limit := paginate(r)

	sessions, total, err := h.Sessions.History(r.Context(), userID, page, limit)
	if err != nil {
		slog.Error("list sessions", "user_id", userID, "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list sessions")
		return
	}

	result := make([]apiSession, len(sessions))
	for i := range sessions {
		result[i] = sessionToAPI(&sessions[i])
	}

	renderJSON(w, http.StatusOK, struct {
		Sessions []apiSession `json:"sessions"`
		Total    int          `json:"total"`
		Page     int          `json:"page"`
		Limit    int          `json:"limit"`
	}{result, total, page, limit})
}

// APISessionStats - GET /api/sessions/{id}/stats
func (h *Handler) APISessionStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := token.UserIDFromContext(r.Context())

	stats, err := h.Sessions.Stats(r.Context(), id, userID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		renderJSONError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	case errors.Is(err, session.ErrForbidden):
		renderJSONError(w, http.StatusForbidden, "FORBIDDEN", "session belongs to another user")
		return
	case err != nil:
		slog.Error("session stats", "session_id", id, "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to compute stats")
		return
	}

	renderJSON(w, http.StatusOK, statsToAPI(stats))
}
