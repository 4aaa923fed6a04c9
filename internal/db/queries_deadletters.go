package db

import (
	"database/sql"
	"time"

	"wakesafe/internal/model"
)

func InsertDeadLetter(database *sql.DB, d *model.DeadLetter) error {
	_, err := database.Exec(
		`INSERT INTO dead_letters (id, photo_id, user_id, session_id, object_path, attempts, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.PhotoID, d.UserID, d.SessionID, d.ObjectPath, d.Attempts, d.LastError,
	)
	return err
}

func ListDeadLetters(database *sql.DB, limit int) ([]model.DeadLetter, error) {
	rows, err := database.Query(
		`SELECT id, photo_id, user_id, session_id, object_path, attempts, last_error, created_at
		 FROM dead_letters ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []model.DeadLetter
	for rows.Next() {
		var d model.DeadLetter
		var createdAt SQLiteTime
		if err := rows.Scan(&d.ID, &d.PhotoID, &d.UserID, &d.SessionID,
			&d.ObjectPath, &d.Attempts, &d.LastError, &createdAt); err != nil {
			return nil, err
		}
		d.CreatedAt = createdAt.Time
		letters = append(letters, d)
	}
	return letters, rows.Err()
}

func PruneDeadLettersBefore(database *sql.DB, cutoff time.Time) (int64, error) {
	res, err := database.Exec(`DELETE FROM dead_letters WHERE created_at < ?`, FormatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
