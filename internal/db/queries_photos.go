package db

import (
	"database/sql"
	"time"

	"wakesafe/internal/model"
)

const photoCols = `id, session_id, user_id, object_path, sequence_number, capture_time,
	upload_status, ai_status, prediction, confidence, ear, processing_ms,
	COALESCE(ai_result, ''), lat, lng, client_meta, grant_expires_at,
	queued_at, processed_at, attempts, created_at`

func CreatePhoto(database *sql.DB, p *model.Photo) error {
	_, err := database.Exec(
		`INSERT INTO photos (id, session_id, user_id, object_path, sequence_number,
		   capture_time, upload_status, ai_status, prediction, lat, lng, client_meta,
		   grant_expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SessionID, p.UserID, p.ObjectPath, p.SequenceNumber,
		FormatTime(p.CaptureTime), p.UploadStatus, p.AIStatus, p.Prediction,
		p.Lat, p.Lng, p.ClientMeta, FormatTime(p.GrantExpiresAt),
	)
	return err
}

func GetPhoto(database *sql.DB, id string) (*model.Photo, error) {
	row := database.QueryRow(`SELECT `+photoCols+` FROM photos WHERE id = ?`, id)
	p, err := scanPhoto(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// MarkPhotoUploaded flips a pending or uploading photo to uploaded and bumps
// the owning session's uploaded counter in the same transaction, so the
// counter always equals the number of uploaded photos. Returns false when
// the photo was already in a terminal state (the confirm was a repeat).
func MarkPhotoUploaded(database *sql.DB, id string) (bool, error) {
	tx, err := database.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE photos SET upload_status = 'uploaded'
		 WHERE id = ? AND upload_status IN ('pending', 'uploading')`, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, tx.Commit()
	}

	_, err = tx.Exec(
		`UPDATE driver_sessions SET total_uploaded = total_uploaded + 1
		 WHERE id = (SELECT session_id FROM photos WHERE id = ?)`, id,
	)
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// MarkPhotoUploadFailed moves a non-terminal photo to failed. Terminal
// states stay as they are.
func MarkPhotoUploadFailed(database *sql.DB, id string) (bool, error) {
	res, err := database.Exec(
		`UPDATE photos SET upload_status = 'failed'
		 WHERE id = ? AND upload_status IN ('pending', 'uploading')`, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkPhotoUploading records the client's direct PUT starting. Informational
// only; it never overwrites a terminal state.
func MarkPhotoUploading(database *sql.DB, id string) error {
	_, err := database.Exec(
		`UPDATE photos SET upload_status = 'uploading'
		 WHERE id = ? AND upload_status = 'pending'`, id,
	)
	return err
}

func MarkPhotoQueued(database *sql.DB, id string, at time.Time) error {
	_, err := database.Exec(
		`UPDATE photos SET queued_at = ? WHERE id = ?`, FormatTime(at), id,
	)
	return err
}

// MarkPhotoProcessing claims a photo for analysis. The queue is
// at-least-once (the sweeper re-enqueues anything that looks stranded), so a
// photo that already reached a terminal state is not claimable; false tells
// the worker its item is a duplicate of one that already settled.
func MarkPhotoProcessing(database *sql.DB, id string) (bool, error) {
	res, err := database.Exec(
		`UPDATE photos SET ai_status = 'processing' WHERE id = ? AND ai_status IN ('pending', 'processing')`, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompletePhotoAnalysis settles a photo as analyzed. Terminal rows are left
// untouched and the update reports false, so a duplicate queue item can
// never overwrite a dead-lettered or already-completed result.
func CompletePhotoAnalysis(database *sql.DB, id, prediction string, confidence, ear *float64, processingMs *int64, resultJSON string, attempts int, at time.Time) (bool, error) {
	res, err := database.Exec(
		`UPDATE photos SET ai_status = 'completed', prediction = ?, confidence = ?,
		   ear = ?, processing_ms = ?, ai_result = ?, attempts = ?, processed_at = ?
		 WHERE id = ? AND ai_status IN ('pending', 'processing')`,
		prediction, confidence, ear, processingMs, resultJSON, attempts, FormatTime(at), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailPhotoAnalysis settles a photo as permanently failed, under the same
// terminal-state guard as CompletePhotoAnalysis.
func FailPhotoAnalysis(database *sql.DB, id string, attempts int, at time.Time) (bool, error) {
	res, err := database.Exec(
		`UPDATE photos SET ai_status = 'failed', attempts = ?, processed_at = ?
		 WHERE id = ? AND ai_status IN ('pending', 'processing')`,
		attempts, FormatTime(at), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func ListPhotosBySession(database *sql.DB, sessionID string, limit int) ([]model.Photo, error) {
	rows, err := database.Query(
		`SELECT `+photoCols+` FROM photos
		 WHERE session_id = ? ORDER BY sequence_number ASC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var photos []model.Photo
	for rows.Next() {
		p, err := scanPhoto(rows.Scan)
		if err != nil {
			return nil, err
		}
		photos = append(photos, *p)
	}
	return photos, rows.Err()
}

func DeletePhoto(database *sql.DB, id string) error {
	_, err := database.Exec(`DELETE FROM photos WHERE id = ?`, id)
	return err
}

func CountUploadedBySession(database *sql.DB, sessionID string) (int, error) {
	var count int
	err := database.QueryRow(
		`SELECT COUNT(*) FROM photos WHERE session_id = ? AND upload_status = 'uploaded'`,
		sessionID,
	).Scan(&count)
	return count, err
}

// ExpireStaleGrants fails photos whose write grant expired without a
// confirm. cutoff is grant expiry plus whatever grace the caller allows.
func ExpireStaleGrants(database *sql.DB, cutoff time.Time) (int64, error) {
	res, err := database.Exec(
		`UPDATE photos SET upload_status = 'failed'
		 WHERE upload_status IN ('pending', 'uploading') AND grant_expires_at < ?`,
		FormatTime(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListUnqueuedUploaded returns uploaded photos the analysis pipeline has not
// finished and that were never queued, or were queued before the cutoff and
// presumably lost to a restart.
func ListUnqueuedUploaded(database *sql.DB, cutoff time.Time, limit int) ([]model.Photo, error) {
	rows, err := database.Query(
		`SELECT `+photoCols+` FROM photos
		 WHERE upload_status = 'uploaded'
		   AND ai_status IN ('pending', 'processing')
		   AND (queued_at IS NULL OR queued_at < ?)
		 ORDER BY created_at ASC LIMIT ?`,
		FormatTime(cutoff), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var photos []model.Photo
	for rows.Next() {
		p, err := scanPhoto(rows.Scan)
		if err != nil {
			return nil, err
		}
		photos = append(photos, *p)
	}
	return photos, rows.Err()
}

func PhotoProcessingStats(database *sql.DB) (*model.ProcessingStats, error) {
	stats := &model.ProcessingStats{Predictions: make(map[string]int)}

	// COALESCE because SUM over zero rows yields NULL, not 0.
	err := database.QueryRow(`
		SELECT
		  COUNT(*),
		  COALESCE(SUM(CASE WHEN upload_status = 'uploaded' THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN upload_status = 'failed' THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN ai_status = 'completed' THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN ai_status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM photos`,
	).Scan(&stats.TotalPhotos, &stats.Uploaded, &stats.UploadFailed, &stats.AICompleted, &stats.AIFailed)
	if err != nil {
		return nil, err
	}

	rows, err := database.Query(
		`SELECT prediction, COUNT(*) FROM photos WHERE ai_status = 'completed' GROUP BY prediction`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var prediction string
		var count int
		if err := rows.Scan(&prediction, &count); err != nil {
			return nil, err
		}
		stats.Predictions[prediction] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = database.QueryRow(`SELECT COUNT(*) FROM dead_letters`).Scan(&stats.DeadLetters)
	return stats, err
}

// SessionPhotoCounts summarises one session's photo pipeline states.
func SessionPhotoCounts(database *sql.DB, sessionID string) (total, uploaded, completed, failed int, err error) {
	err = database.QueryRow(`
		SELECT
		  COUNT(*),
		  COALESCE(SUM(CASE WHEN upload_status = 'uploaded' THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN ai_status = 'completed' THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN ai_status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM photos WHERE session_id = ?`, sessionID,
	).Scan(&total, &uploaded, &completed, &failed)
	return total, uploaded, completed, failed, err
}

// SessionAnalysisSamples returns the per-photo analyzer numbers for one
// session's completed analyses, for aggregate statistics.
func SessionAnalysisSamples(database *sql.DB, sessionID string) (predictions []string, confidences, ears, processingMs []float64, err error) {
	rows, err := database.Query(
		`SELECT prediction, confidence, ear, processing_ms FROM photos
		 WHERE session_id = ? AND ai_status = 'completed'`, sessionID,
	)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var prediction string
		var confidence, ear *float64
		var procMs *int64
		if err := rows.Scan(&prediction, &confidence, &ear, &procMs); err != nil {
			return nil, nil, nil, nil, err
		}
		predictions = append(predictions, prediction)
		if confidence != nil {
			confidences = append(confidences, *confidence)
		}
		if ear != nil {
			ears = append(ears, *ear)
		}
		if procMs != nil {
			processingMs = append(processingMs, float64(*procMs))
		}
	}
	return predictions, confidences, ears, processingMs, rows.Err()
}

func scanPhoto(scan func(dest ...interface{}) error) (*model.Photo, error) {
	p := &model.Photo{}
	var captureTime, grantExpiresAt, queuedAt, processedAt, createdAt SQLiteTime
	err := scan(&p.ID, &p.SessionID, &p.UserID, &p.ObjectPath, &p.SequenceNumber,
		&captureTime, &p.UploadStatus, &p.AIStatus, &p.Prediction,
		&p.Confidence, &p.EAR, &p.ProcessingMs, &p.AIResult,
		&p.Lat, &p.Lng, &p.ClientMeta, &grantExpiresAt,
		&queuedAt, &processedAt, &p.Attempts, &createdAt)
	if err != nil {
		return nil, err
	}
	p.CaptureTime = captureTime.Time
	p.GrantExpiresAt = grantExpiresAt.Time
	p.QueuedAt = queuedAt.TimePtr()
	p.ProcessedAt = processedAt.TimePtr()
	p.CreatedAt = createdAt.Time
	return p, nil
}
