package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"wakesafe/internal/session"
	"wakesafe/internal/token"
	"wakesafe/internal/upload"
)

// APIPhotosBySession - GET /api/photos/session/{id}
func (h *Handler) APIPhotosBySession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := token.UserIDFromContext(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	photos, err := h.Uploads.SessionPhotos(r.Context(), id, userID, limit)
	switch {
	case errors.Is(err, session.ErrNotFound):
		renderJSONError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	case errors.Is(err, session.ErrForbidden):
		renderJSONError(w, http.StatusForbidden, "FORBIDDEN", "session belongs to another user")
		return
	case err != nil:
		slog.Error("list photos", "session_id", id, "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list photos")
		return
	}

	result := make([]apiPhoto, len(photos))
	for i := range photos {
		result[i] = photoToAPI(&photos[i])
	}

	renderJSON(w, http.StatusOK, struct {
		Photos []apiPhoto `json:"photos"`
	}{result})
}

// APIPhotoDelete - DELETE /api/photos/{id}
func (h *Handler) APIPhotoDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := token.UserIDFromContext(r.Context())

	err := h.Uploads.Delete(r.Context(), id, userID)
	if errors.Is(err, upload.ErrNotFound) {
		renderJSONError(w, http.StatusNotFound, "NOT_FOUND", "photo not found")
		return
	}
	if err != nil {
		slog.Error("delete photo", "photo_id", id, "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to delete photo")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// APIPhotoStats - GET /api/photos/stats
func (h *Handler) APIPhotoStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Uploads.ProcessingStats(r.Context())
	if err != nil {
		slog.Error("processing stats", "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to compute stats")
		return
	}

	renderJSON(w, http.StatusOK, struct {
		TotalPhotos  int            `json:"total_photos"`
		Uploaded     int            `json:"uploaded"`
		UploadFailed int            `json:"upload_failed"`
		AICompleted  int            `json:"ai_completed"`
		AIFailed     int            `json:"ai_failed"`
		Predictions  map[string]int `json:"predictions"`
		DeadLetters  int            `json:"dead_letters"`
	}{
		TotalPhotos:  stats.TotalPhotos,
		Uploaded:     stats.Uploaded,
		UploadFailed: stats.UploadFailed,
		AICompleted:  stats.AICompleted,
		AIFailed:     stats.AIFailed,
		Predictions:  stats.Predictions,
		DeadLetters:  stats.DeadLetters,
	})
}
