package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Open creates dataDir/db if needed and opens the SQLite database inside it.
// Pragmas ride on the DSN so every connection gets them, and the pool is
// capped at a single connection: one writer keeps SQLite lock contention out
// of the picture while WAL keeps reads cheap.
func Open(dataDir string) (*sql.DB, error) {
	dir := filepath.Join(dataDir, "db")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	database, err := sql.Open("sqlite", dsn(filepath.Join(dir, "wakesafe.db")))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	database.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := database.PingContext(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return database, nil
}

func dsn(path string) string {
	pragmas := []string{
		"busy_timeout(5000)",
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"foreign_keys(ON)",
		"cache_size(-20000)",
	}
	return path + "?_pragma=" + strings.Join(pragmas, "&_pragma=")
}

// SQLiteTime scans timestamp columns. SQLite stores timestamps as TEXT and
// different code paths hand back string, time.Time, or int64; this wrapper
// normalises them all.
type SQLiteTime struct {
	Time time.Time
}

func (st *SQLiteTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		st.Time = time.Time{}
	case string:
		formats := []string{
			"2006-01-02T15:04:05.000Z",
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02 15:04:05",
		}
		var err error
		for _, f := range formats {
			st.Time, err = time.Parse(f, v)
			if err == nil {
				return nil
			}
		}
		return fmt.Errorf("SQLiteTime: cannot parse %q", v)
	case time.Time:
		st.Time = v
	case int64:
		st.Time = time.Unix(v, 0)
	default:
		return fmt.Errorf("SQLiteTime: unsupported type %T", src)
	}
	return nil
}

// TimePtr returns a *time.Time from a nullable timestamp column, or nil
// when the column was NULL.
func (st *SQLiteTime) TimePtr() *time.Time {
	if st.Time.IsZero() {
		return nil
	}
	t := st.Time
	return &t
}

// FormatTime renders t in the canonical timestamp format used across the
// schema, the same shape strftime('%Y-%m-%dT%H:%M:%fZ') produces.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
