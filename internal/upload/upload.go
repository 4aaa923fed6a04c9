// Package upload implements the three-hop photo upload protocol: the client
// asks for a write grant, PUTs the bytes straight to object storage, then
// confirms. The server never touches photo bytes.
package upload

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"wakesafe/internal/analysis"
	"wakesafe/internal/db"
	"wakesafe/internal/gateway"
	"wakesafe/internal/model"
	"wakesafe/internal/session"
	"wakesafe/internal/storage"
)

var (
	// ErrBusy means the analysis queue is saturated and no new work should
	// enter the pipeline.
	ErrBusy             = errors.New("pipeline busy, retry later")
	ErrBadFile          = errors.New("file type not allowed")
	ErrNotFound         = errors.New("photo not found")
	ErrSessionNotActive = errors.New("no matching active session")
	// ErrStorage marks object store failures so callers can report the
	// upstream as unavailable rather than the request as bad.
	ErrStorage = errors.New("object storage unavailable")
)

// contentTypes doubles as the extension allow-list.
var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".heic": "image/heic",
}

// Grant is a one-photo write capability handed to the client.
type Grant struct {
	PhotoID        string `json:"photo_id"`
	ObjectPath     string `json:"object_path"`
	UploadURL      string `json:"upload_url"`
	SequenceNumber int    `json:"sequence_number"`
	ExpiresIn      int    `json:"expires_in"`
}

// Meta is optional client-side capture context attached to the photo row.
type Meta struct {
	CaptureTime time.Time
	Lat         *float64
	Lng         *float64
	ClientMeta  string
}

type Service struct {
	DB       *sql.DB
	Store    storage.ObjectStore
	Sessions *session.Manager
	Queue    *analysis.Queue
	Events   *gateway.Broadcaster
	WriteTTL time.Duration
	ReadTTL  time.Duration
}

// Request validates the caller's active session and mints a write grant.
// Saturation is checked before anything is created so a busy pipeline costs
// the client one cheap 429 instead of an orphaned row.
func (s *Service) Request(ctx context.Context, userID, sessionID, fileName string, meta Meta) (*Grant, error) {
	if s.Queue.Saturated() {
		return nil, ErrBusy
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	contentType, ok := contentTypes[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadFile, ext)
	}

	cur, err := s.Sessions.Current(ctx, userID)
	if errors.Is(err, session.ErrNoActiveSession) {
		return nil, ErrSessionNotActive
	}
	if err != nil {
		return nil, err
	}
	if sessionID != "" && sessionID != cur.ID {
		return nil, ErrSessionNotActive
	}

	seq, err := db.NextPhotoSeq(s.DB, cur.ID)
	if errors.Is(err, sql.ErrNoRows) {
		// Session ended between the lookup and the counter bump.
		return nil, ErrSessionNotActive
	}
	if err != nil {
		return nil, fmt.Errorf("advance photo counter: %w", err)
	}

	now := time.Now().UTC()
	objectPath := fmt.Sprintf("%s/%s/%s/%06d_%d_%s%s",
		userID, cur.ID, now.Format("2006-01-02"), seq, now.UnixMilli(), randomSuffix(), ext)

	captureTime := meta.CaptureTime
	if captureTime.IsZero() {
		captureTime = now
	}

	photo := &model.Photo{
		ID:             uuid.New().String(),
		SessionID:      cur.ID,
		UserID:         userID,
		ObjectPath:     objectPath,
		SequenceNumber: seq,
		CaptureTime:    captureTime,
		UploadStatus:   model.UploadPending,
		AIStatus:       model.AIPending,
		Prediction:     model.PredictionPending,
		Lat:            meta.Lat,
		Lng:            meta.Lng,
		ClientMeta:     meta.ClientMeta,
		GrantExpiresAt: now.Add(s.WriteTTL),
	}
	if err := db.CreatePhoto(s.DB, photo); err != nil {
		return nil, fmt.Errorf("create photo: %w", err)
	}

	uploadURL, err := s.Store.PresignPut(ctx, objectPath, contentType, s.WriteTTL)
	if err != nil {
		db.DeletePhoto(s.DB, photo.ID)
		return nil, fmt.Errorf("%w: presign upload: %v", ErrStorage, err)
	}

	return &Grant{
		PhotoID:        photo.ID,
		ObjectPath:     objectPath,
		UploadURL:      uploadURL,
		SequenceNumber: seq,
		ExpiresIn:      int(s.WriteTTL.Seconds()),
	}, nil
}

// Confirm closes the protocol after the client's direct PUT. Repeats are
// no-ops: a photo already in a terminal state is returned unchanged and
// never enqueued a second time.
func (s *Service) Confirm(ctx context.Context, photoID, userID string, success bool) (*model.Photo, bool, error) {
	photo, err := s.ownedPhoto(photoID, userID)
	if err != nil {
		return nil, false, err
	}

	if !success {
		changed, err := db.MarkPhotoUploadFailed(s.DB, photoID)
		if err != nil {
			return nil, false, fmt.Errorf("mark failed: %w", err)
		}
		if changed {
			photo.UploadStatus = model.UploadFailed
			s.Events.Publish(userID, gateway.EventUploadFailed, map[string]any{
				"photo_id":        photoID,
				"session_id":      photo.SessionID,
				"sequence_number": photo.SequenceNumber,
			})
		}
		return photo, false, nil
	}

	changed, err := db.MarkPhotoUploaded(s.DB, photoID)
	if err != nil {
		return nil, false, fmt.Errorf("mark uploaded: %w", err)
	}
	if !changed {
		return photo, false, nil
	}
	photo.UploadStatus = model.UploadUploaded

	queued := s.enqueue(photo)

	payload := map[string]any{
		"photo_id":        photoID,
		"session_id":      photo.SessionID,
		"sequence_number": photo.SequenceNumber,
		"queued":          queued,
	}
	if readURL, err := s.Store.PresignGet(ctx, photo.ObjectPath, s.ReadTTL); err == nil {
		payload["read_url"] = readURL
	} else {
		slog.Warn("presign read", "photo", photoID, "error", err)
	}
	s.Events.Publish(userID, gateway.EventUploadCompleted, payload)

	return photo, queued, nil
}

// MarkUploading records that the device's direct PUT has started, reported
// through the gateway's upload_started event. Only pending photos move; a
// repeat or late report never rewinds a later state.
func (s *Service) MarkUploading(ctx context.Context, photoID, userID string) error {
	if _, err := s.ownedPhoto(photoID, userID); err != nil {
		return err
	}
	return db.MarkPhotoUploading(s.DB, photoID)
}

// enqueue hands the photo to the analysis queue. A full queue is not an
// error here: the photo stays uploaded-but-unqueued and the sweeper retries.
func (s *Service) enqueue(photo *model.Photo) bool {
	err := s.Queue.Enqueue(&analysis.Item{
		PhotoID:        photo.ID,
		UserID:         photo.UserID,
		SessionID:      photo.SessionID,
		ObjectPath:     photo.ObjectPath,
		SequenceNumber: photo.SequenceNumber,
		CaptureTime:    photo.CaptureTime,
		QueuedAt:       time.Now().UTC(),
	})
	if errors.Is(err, analysis.ErrQueueFull) {
		slog.Warn("analysis queue full, photo deferred to sweeper", "photo", photo.ID)
		return false
	}
	if err := db.MarkPhotoQueued(s.DB, photo.ID, time.Now().UTC()); err != nil {
		slog.Error("mark queued", "photo", photo.ID, "error", err)
	}
	return true
}

// Status returns the caller's photo by ID.
func (s *Service) Status(ctx context.Context, photoID, userID string) (*model.Photo, error) {
	return s.ownedPhoto(photoID, userID)
}

// Delete removes the photo object and row. The object removal is best
// effort; a dangling object is cleaned up by bucket lifecycle rules.
func (s *Service) Delete(ctx context.Context, photoID, userID string) error {
	photo, err := s.ownedPhoto(photoID, userID)
	if err != nil {
		return err
	}
	if err := s.Store.Remove(ctx, photo.ObjectPath); err != nil {
		slog.Warn("remove object", "photo", photoID, "error", err)
	}
	if err := db.DeletePhoto(s.DB, photoID); err != nil {
		return fmt.Errorf("delete photo: %w", err)
	}
	return nil
}

// SessionPhotos lists a session's photos for its owner, oldest first.
func (s *Service) SessionPhotos(ctx context.Context, sessionID, userID string, limit int) ([]model.Photo, error) {
	sess, err := db.GetDriverSession(s.DB, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, session.ErrNotFound
	}
	if sess.UserID != userID {
		return nil, session.ErrForbidden
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return db.ListPhotosBySession(s.DB, sessionID, limit)
}

// ProcessingStats is the service-wide pipeline summary.
func (s *Service) ProcessingStats(ctx context.Context) (*model.ProcessingStats, error) {
	return db.PhotoProcessingStats(s.DB)
}

// ownedPhoto loads a photo and hides other users' photos behind ErrNotFound.
func (s *Service) ownedPhoto(photoID, userID string) (*model.Photo, error) {
	photo, err := db.GetPhoto(s.DB, photoID)
	if err != nil {
		return nil, fmt.Errorf("load photo: %w", err)
	}
	if photo == nil || photo.UserID != userID {
		return nil, ErrNotFound
	}
	return photo, nil
}

func randomSuffix() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}
