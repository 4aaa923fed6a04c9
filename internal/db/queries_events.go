package db

import (
	"database/sql"
	"time"

	"wakesafe/internal/model"
)

// InsertEvent appends one event to a user's log and returns its ID. IDs are
// AUTOINCREMENT, so they are strictly increasing and never reused; clients
// use them as replay cursors.
func InsertEvent(database *sql.DB, userID, eventType, payload string) (int64, error) {
	var id int64
	err := database.QueryRow(
		`INSERT INTO events (user_id, type, payload) VALUES (?, ?, ?) RETURNING id`,
		userID, eventType, payload,
	).Scan(&id)
	return id, err
}

// ListEventsSince returns a user's events with ID greater than sinceID,
// oldest first, capped at limit.
func ListEventsSince(database *sql.DB, userID string, sinceID int64, limit int) ([]model.Event, error) {
	rows, err := database.Query(
		`SELECT id, user_id, type, payload, created_at FROM events
		 WHERE user_id = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		userID, sinceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var createdAt SQLiteTime
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Payload, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = createdAt.Time
		events = append(events, e)
	}
	return events, rows.Err()
}

func PruneEventsBefore(database *sql.DB, cutoff time.Time) (int64, error) {
	res, err := database.Exec(`DELETE FROM events WHERE created_at < ?`, FormatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneEventsPerUser keeps only each user's newest `keep` events. Bounds the
// replay window so one chatty user cannot grow the table without limit.
func PruneEventsPerUser(database *sql.DB, keep int) (int64, error) {
	res, err := database.Exec(
		`DELETE FROM events WHERE id NOT IN (
			SELECT e.id FROM events e
			WHERE e.user_id = events.user_id
			ORDER BY e.id DESC LIMIT ?
		)`, keep,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
