package db

import (
	"database/sql"
	"time"

	"wakesafe/internal/model"
)

func CreateUser(database *sql.DB, u *model.User) error {
	_, err := database.Exec(
		`INSERT INTO users (id, email, name, password_hash) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.PasswordHash,
	)
	return err
}

func GetUserByEmail(database *sql.DB, email string) (*model.User, error) {
	return scanUser(database.QueryRow(
		`SELECT id, email, name, password_hash, enabled, created_at, updated_at
		 FROM users WHERE email = ? AND deleted_at IS NULL`, email,
	))
}

func GetUserByID(database *sql.DB, id string) (*model.User, error) {
	return scanUser(database.QueryRow(
		`SELECT id, email, name, password_hash, enabled, created_at, updated_at
		 FROM users WHERE id = ? AND deleted_at IS NULL`, id,
	))
}

func UpdateUser(database *sql.DB, id, name, email string) error {
	_, err := database.Exec(
		`UPDATE users SET name = ?, email = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		 WHERE id = ? AND deleted_at IS NULL`,
		name, email, id,
	)
	return err
}

// SoftDeleteUser disables the account and stamps deleted_at. The row stays
// so sessions and photos keep a valid owner reference.
func SoftDeleteUser(database *sql.DB, id string, at time.Time) error {
	_, err := database.Exec(
		`UPDATE users SET enabled = 0, deleted_at = ? WHERE id = ?`,
		FormatTime(at), id,
	)
	return err
}

func scanUser(row *sql.Row) (*model.User, error) {
	u := &model.User{}
	var createdAt, updatedAt SQLiteTime
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Enabled, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = createdAt.Time
	u.UpdatedAt = updatedAt.Time
	return u, nil
}
