package model

import "time"

// Upload lifecycle of a photo.
const (
	UploadPending   = "pending"
	UploadUploading = "uploading"
	UploadUploaded  = "uploaded"
	UploadFailed    = "failed"
)

// Analysis lifecycle of a photo.
const (
	AIPending    = "pending"
	AIProcessing = "processing"
	AICompleted  = "completed"
	AIFailed     = "failed"
)

// Predictions reported by the analyzer. PredictionPending means no verdict
// has been recorded yet; anything the analyzer sends outside this set is
// stored as PredictionUnknown.
const (
	PredictionPending  = "pending"
	PredictionAlert    = "alert"
	PredictionDrowsy   = "drowsy"
	PredictionSleeping = "sleeping"
	PredictionUnknown  = "unknown"
)

// Driver session states.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

type DriverSession struct {
	ID            string
	UserID        string
	Status        string
	StartTime     time.Time
	EndTime       *time.Time
	PhotoSeq      int
	TotalUploaded int
	LastLat       *float64
	LastLng       *float64
	LocationAt    *time.Time
}

type Photo struct {
	ID             string
	SessionID      string
	UserID         string
	ObjectPath     string
	SequenceNumber int
	CaptureTime    time.Time
	UploadStatus   string
	AIStatus       string
	Prediction     string
	Confidence     *float64
	EAR            *float64
	ProcessingMs   *int64
	AIResult       string
	Lat            *float64
	Lng            *float64
	ClientMeta     string
	GrantExpiresAt time.Time
	QueuedAt       *time.Time
	ProcessedAt    *time.Time
	Attempts       int
	CreatedAt      time.Time
}

// DeadLetter records an analysis that exhausted its retries.
type DeadLetter struct {
	ID         string
	PhotoID    string
	UserID     string
	SessionID  string
	ObjectPath string
	Attempts   int
	LastError  string
	CreatedAt  time.Time
}

// Event is one durable entry in a user's gateway event log. IDs are
// monotonic per database, so clients resume replay with the last ID seen.
type Event struct {
	ID        int64
	UserID    string
	Type      string
	Payload   string
	CreatedAt time.Time
}

// SessionStats aggregates completed analyses for one driver session.
type SessionStats struct {
	SessionID        string
	Status           string
	StartTime        time.Time
	EndTime          *time.Time
	PhotoCount       int
	Uploaded         int
	Completed        int
	Failed           int
	Predictions      map[string]int
	FatigueRatio     float64
	MeanConfidence   float64
	StdDevConfidence float64
	MeanEAR          float64
	P50ProcessingMs  float64
	P90ProcessingMs  float64
}

// ProcessingStats is the service-wide photo pipeline summary.
type ProcessingStats struct {
	TotalPhotos  int
	Uploaded     int
	UploadFailed int
	AICompleted  int
	AIFailed     int
	Predictions  map[string]int
	DeadLetters  int
}
