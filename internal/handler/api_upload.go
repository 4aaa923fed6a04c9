package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"wakesafe/internal/token"
	"wakesafe/internal/upload"
)

// APIUploadPresigned - POST /api/upload/presigned
func (h *Handler) APIUploadPresigned(w http.ResponseWriter, r *http.Request) {
	userID := token.UserIDFromContext(r.Context())

	var body struct {
		SessionID   string          `json:"session_id"`
		FileName    string          `json:"file_name"`
		CaptureTime string          `json:"capture_time"`
		Lat         *float64        `json:"lat"`
		Lng         *float64        `json:"lng"`
		ClientMeta  json.RawMessage `json:"client_meta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if body.FileName == "" {
		renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "file_name is required")
		return
	}

	meta := upload.Meta{Lat: body.Lat, Lng: body.Lng, ClientMeta: string(body.ClientMeta)}
	if body.CaptureTime != "" {
		t, err := time.Parse(time.RFC3339, body.CaptureTime)
		if err != nil {
			renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "capture_time must be RFC3339")
			return
		}
		meta.CaptureTime = t
	}

	grant, err := h.Uploads.Request(r.Context(), userID, body.SessionID, body.FileName, meta)
	switch {
	case errors.Is(err, upload.ErrBusy):
		renderJSONError(w, http.StatusTooManyRequests, "PIPELINE_BUSY", "analysis pipeline is saturated, retry later")
		return
	case errors.Is(err, upload.ErrBadFile):
		renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "file type not allowed")
		return
	case errors.Is(err, upload.ErrSessionNotActive):
		renderJSONError(w, http.StatusForbidden, "SESSION_NOT_ACTIVE", "no matching active session")
		return
	case errors.Is(err, upload.ErrStorage):
		slog.Error("presign upload", "user_id", userID, "error", err)
		renderJSONError(w, http.StatusBadGateway, "UPSTREAM_ERROR", "object storage unavailable")
		return
	case err != nil:
		slog.Error("upload grant", "user_id", userID, "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create upload grant")
		return
	}

	renderJSON(w, http.StatusCreated, grant)
}

// APIUploadConfirm - POST /api/upload/confirm
func (h *Handler) APIUploadConfirm(w http.ResponseWriter, r *http.Request) {
	userID := token.UserIDFromContext(r.Context())

	var body struct {
		PhotoID string `json:"photo_id"`
		Success *bool  `json:"success"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if body.PhotoID == "" {
		renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "photo_id is required")
		return
	}
	if body.Success == nil {
		renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "success flag is required")
		return
	}

	photo, queued, err := h.Uploads.Confirm(r.Context(), body.PhotoID, userID, *body.Success)
	if errors.Is(err, upload.ErrNotFound) {
		renderJSONError(w, http.StatusNotFound, "NOT_FOUND", "photo not found")
		return
	}
	if err != nil {
		slog.Error("confirm upload", "photo_id", body.PhotoID, "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to confirm upload")
		return
	}

	renderJSON(w, http.StatusOK, struct {
		Photo  apiPhoto `json:"photo"`
		Queued bool     `json:"queued"`
	}{photoToAPI(photo), queued})
}

// APIUploadStatus - GET /api/upload/status/{id}
func (h *Handler) APIUploadStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := token.UserIDFromContext(r.Context())

	photo, err := h.Uploads.Status(r.Context(), id, userID)
	if errors.Is(err, upload.ErrNotFound) {
		renderJSONError(w, http.StatusNotFound, "NOT_FOUND", "photo not found")
		return
	}
	if err != nil {
		slog.Error("upload status", "photo_id", id, "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load photo")
		return
	}

	renderJSON(w, http.StatusOK, photoToAPI(photo))
}
