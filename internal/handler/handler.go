// Package handler exposes the JSON API and wires it to the session,
// upload, and analysis services. Handlers translate service errors into
// the HTTP error vocabulary; they hold no business rules of their own.
package handler

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"wakesafe/internal/analysis"
	"wakesafe/internal/cache"
	"wakesafe/internal/config"
	"wakesafe/internal/diskstat"
	"wakesafe/internal/gateway"
	"wakesafe/internal/model"
	"wakesafe/internal/session"
	"wakesafe/internal/token"
	"wakesafe/internal/upload"
)

type Handler struct {
	DB       *sql.DB
	Cfg      *config.Config
	Cache    cache.Cache
	Tokens   *token.Service
	Sessions *session.Manager
	Uploads  *upload.Service
	Queue    *analysis.Queue
	Gateway  *gateway.Server
	Disk     *diskstat.Cache
}

func renderJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type jsonError struct {
	Error jsonErrorBody `json:"error"`
}

type jsonErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func renderJSONError(w http.ResponseWriter, status int, code, message string) {
	renderJSON(w, status, jsonError{Error: jsonErrorBody{Code: code, Message: message}})
}

// paginate reads page/limit query parameters with sane bounds.
func paginate(r *http.Request) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}

type apiUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

func userToAPI(u *model.User) apiUser {
	return apiUser{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type apiSession struct {
	ID            string   `json:"id"`
	Status        string   `json:"status"`
	StartTime     string   `json:"start_time"`
	EndTime       *string  `json:"end_time"`
	TotalUploaded int      `json:"total_uploaded"`
	LastLat       *float64 `json:"last_lat,omitempty"`
	LastLng       *float64 `json:"last_lng,omitempty"`
}

func sessionToAPI(s *model.DriverSession) apiSession {
	as := apiSession{
		ID:            s.ID,
		Status:        s.Status,
		StartTime:     s.StartTime.UTC().Format(time.RFC3339),
		TotalUploaded: s.TotalUploaded,
		LastLat:       s.LastLat,
		LastLng:       s.LastLng,
	}
	if s.EndTime != nil {
		t := s.EndTime.UTC().Format(time.RFC3339)
		as.EndTime = &t
	}
	return as
}

type apiPhoto struct {
	ID             string   `json:"id"`
	SessionID      string   `json:"session_id"`
	SequenceNumber int      `json:"sequence_number"`
	CaptureTime    string   `json:"capture_time"`
	UploadStatus   string   `json:"upload_status"`
	AIStatus       string   `json:"ai_status"`
	Prediction     string   `json:"prediction"`
	Confidence     *float64 `json:"confidence"`
	EAR            *float64 `json:"ear"`
	ProcessingMs   *int64   `json:"processing_ms"`
	Attempts       int      `json:"attempts"`
	CreatedAt      string   `json:"created_at"`
}

func photoToAPI(p *model.Photo) apiPhoto {
	return apiPhoto{
		ID:             p.ID,
		SessionID:      p.SessionID,
		SequenceNumber: p.SequenceNumber,
		CaptureTime:    p.CaptureTime.UTC().Format(time.RFC3339),
		UploadStatus:   p.UploadStatus,
		AIStatus:       p.AIStatus,
		Prediction:     p.Prediction,
		Confidence:     p.Confidence,
		EAR:            p.EAR,
		ProcessingMs:   p.ProcessingMs,
		Attempts:       p.Attempts,
		CreatedAt:      p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type apiSessionStats struct {
	SessionID        string         `json:"session_id"`
	Status           string         `json:"status"`
	StartTime        string         `json:"start_time"`
	EndTime          *string        `json:"end_time"`
	PhotoCount       int            `json:"photo_count"`
	Uploaded         int            `json:"uploaded"`
	Completed        int            `json:"completed"`
	Failed           int            `json:"failed"`
	Predictions      map[string]int `json:"predictions"`
	FatigueRatio     float64        `json:"fatigue_ratio"`
	MeanConfidence   float64        `json:"mean_confidence"`
	StdDevConfidence float64        `json:"stddev_confidence"`
	MeanEAR          float64        `json:"mean_ear"`
	P50ProcessingMs  float64        `json:"p50_processing_ms"`
	P90ProcessingMs  float64        `json:"p90_processing_ms"`
}

func statsToAPI(s *model.SessionStats) apiSessionStats {
	as := apiSessionStats{
		SessionID:        s.SessionID,
		Status:           s.Status,
		StartTime:        s.StartTime.UTC().Format(time.RFC3339),
		PhotoCount:       s.PhotoCount,
		Uploaded:         s.Uploaded,
		Completed:        s.Completed,
		Failed:           s.Failed,
		Predictions:      s.Predictions,
		FatigueRatio:     s.FatigueRatio,
		MeanConfidence:   s.MeanConfidence,
		StdDevConfidence: s.StdDevConfidence,
		MeanEAR:          s.MeanEAR,
		P50ProcessingMs:  s.P50ProcessingMs,
		P90ProcessingMs:  s.P90ProcessingMs,
	}
	if s.EndTime != nil {
		t := s.EndTime.UTC().Format(time.RFC3339)
		as.EndTime = &t
	}
	return as
}
