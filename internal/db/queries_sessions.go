package db

import (
	"database/sql"
	"time"

	"wakesafe/internal/model"
)

const driverSessionCols = `id, user_id, status, start_time, end_time, photo_seq,
	total_uploaded, last_lat, last_lng, location_at`

func CreateDriverSession(database *sql.DB, s *model.DriverSession) error {
	_, err := database.Exec(
		`INSERT INTO driver_sessions (id, user_id, status, start_time) VALUES (?, ?, ?, ?)`,
		s.ID, s.UserID, s.Status, FormatTime(s.StartTime),
	)
	return err
}

func GetDriverSession(database *sql.DB, id string) (*model.DriverSession, error) {
	return scanDriverSession(database.QueryRow(
		`SELECT `+driverSessionCols+` FROM driver_sessions WHERE id = ?`, id,
	))
}

func GetActiveSession(database *sql.DB, userID string) (*model.DriverSession, error) {
	return scanDriverSession(database.QueryRow(
		`SELECT `+driverSessionCols+` FROM driver_sessions
		 WHERE user_id = ? AND status = 'active'
		 ORDER BY start_time DESC LIMIT 1`, userID,
	))
}

func EndDriverSession(database *sql.DB, id string, at time.Time) error {
	_, err := database.Exec(
		`UPDATE driver_sessions SET status = 'ended', end_time = ? WHERE id = ? AND status = 'active'`,
		FormatTime(at), id,
	)
	return err
}

func ListSessionsByUser(database *sql.DB, userID string, limit, offset int) ([]model.DriverSession, error) {
	rows, err := database.Query(
		`SELECT `+driverSessionCols+` FROM driver_sessions
		 WHERE user_id = ? ORDER BY start_time DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.DriverSession
	for rows.Next() {
		s, err := scanDriverSessionRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func CountSessionsByUser(database *sql.DB, userID string) (int, error) {
	var count int
	err := database.QueryRow(
		`SELECT COUNT(*) FROM driver_sessions WHERE user_id = ?`, userID,
	).Scan(&count)
	return count, err
}

// NextPhotoSeq advances the session's photo counter and returns the new
// value. Only active sessions advance; sql.ErrNoRows means the session is
// missing or already ended.
func NextPhotoSeq(database *sql.DB, id string) (int, error) {
	var seq int
	err := database.QueryRow(
		`UPDATE driver_sessions SET photo_seq = photo_seq + 1
		 WHERE id = ? AND status = 'active'
		 RETURNING photo_seq`, id,
	).Scan(&seq)
	return seq, err
}

func UpdateSessionLocation(database *sql.DB, id string, lat, lng float64, at time.Time) error {
	_, err := database.Exec(
		`UPDATE driver_sessions SET last_lat = ?, last_lng = ?, location_at = ? WHERE id = ?`,
		lat, lng, FormatTime(at), id,
	)
	return err
}

func scanDriverSession(row *sql.Row) (*model.DriverSession, error) {
	s := &model.DriverSession{}
	var startTime, endTime, locationAt SQLiteTime
	err := row.Scan(&s.ID, &s.UserID, &s.Status, &startTime, &endTime,
		&s.PhotoSeq, &s.TotalUploaded, &s.LastLat, &s.LastLng, &locationAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.StartTime = startTime.Time
	s.EndTime = endTime.TimePtr()
	s.LocationAt = locationAt.TimePtr()
	return s, nil
}

func scanDriverSessionRow(rows *sql.Rows) (*model.DriverSession, error) {
	s := &model.DriverSession{}
	var startTime, endTime, locationAt SQLiteTime
	err := rows.Scan(&s.ID, &s.UserID, &s.Status, &startTime, &endTime,
		&s.PhotoSeq, &s.TotalUploaded, &s.LastLat, &s.LastLng, &locationAt)
	if err != nil {
		return nil, err
	}
	s.StartTime = startTime.Time
	s.EndTime = endTime.TimePtr()
	s.LocationAt = locationAt.TimePtr()
	return s, nil
}
