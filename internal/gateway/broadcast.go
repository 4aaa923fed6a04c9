package gateway

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"wakesafe/internal/db"
)

// Server-to-client event types.
const (
	EventSessionUpdate         = "session_update"
	EventPhotoCaptureConfirmed = "photo_capture_confirmed"
	EventUploadProgress        = "upload_progress"
	EventUploadCompleted       = "upload_completed"
	EventUploadFailed          = "upload_failed"
	EventAIProcessingComplete  = "ai_processing_complete"
	EventFatigueDetection      = "fatigue_detection"
	EventNotification          = "notification"
	EventPong                  = "pong"
)

// Broadcaster appends an event to the user's durable log and then hands it
// to the hub. The append happens first so the log ID can ride along in the
// frame as the replay cursor.
type Broadcaster struct {
	DB  *sql.DB
	Hub *Hub
}

// Publish records and delivers one event. A log append failure is not fatal:
// connected clients still get the frame live, it just cannot be replayed.
func (b *Broadcaster) Publish(userID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("event payload marshal", "type", eventType, "error", err)
		return
	}

	var id int64
	if b.DB != nil {
		id, err = db.InsertEvent(b.DB, userID, eventType, string(data))
		if err != nil {
			slog.Error("event log append", "type", eventType, "error", err)
			id = 0
		}
	}

	b.Hub.Publish(userID, Frame{
		ID:        id,
		Type:      eventType,
		Payload:   data,
		Timestamp: time.Now().Unix(),
	})
}

// Replay returns the user's logged events after sinceID, oldest first.
func (b *Broadcaster) Replay(userID string, sinceID int64, limit int) ([]Frame, error) {
	events, err := db.ListEventsSince(b.DB, userID, sinceID, limit)
	if err != nil {
		return nil, err
	}
	frames := make([]Frame, 0, len(events))
	for _, e := range events {
		frames = append(frames, Frame{
			ID:        e.ID,
			Type:      e.Type,
			Payload:   json.RawMessage(e.Payload),
			Timestamp: e.CreatedAt.Unix(),
		})
	}
	return frames, nil
}
