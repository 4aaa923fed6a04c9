// Package session owns the driver session lifecycle. A user has at most one
// active session at a time; the cache holds a pointer entry to it so the hot
// path (upload authorisation, location updates) rarely touches the store.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"wakesafe/internal/cache"
	"wakesafe/internal/db"
	"wakesafe/internal/gateway"
	"wakesafe/internal/model"
)

var (
	ErrSessionExists   = errors.New("an active session already exists")
	ErrNoActiveSession = errors.New("no active session")
	ErrNotFound        = errors.New("session not found")
	ErrForbidden       = errors.New("session belongs to another user")
)

type Manager struct {
	DB       *sql.DB
	Cache    cache.Cache
	Events   *gateway.Broadcaster
	CacheTTL time.Duration
}

func activeKey(userID string) string { return "active_session:" + userID }

// sessionEvent is the session_update payload.
type sessionEvent struct {
	SessionID     string `json:"session_id"`
	Status        string `json:"status"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time,omitempty"`
	TotalUploaded int    `json:"total_uploaded"`
}

func eventFor(s *model.DriverSession) sessionEvent {
	e := sessionEvent{
		SessionID:     s.ID,
		Status:        s.Status,
		StartTime:     db.FormatTime(s.StartTime),
		TotalUploaded: s.TotalUploaded,
	}
	if s.EndTime != nil {
		e.EndTime = db.FormatTime(*s.EndTime)
	}
	return e
}

// Start opens a new session. The cache pointer is claimed with SetNX before
// the row is inserted, so two concurrent starts cannot both create one; the
// loser gets the winner's session back alongside ErrSessionExists.
func (m *Manager) Start(ctx context.Context, userID string) (*model.DriverSession, error) {
	id := uuid.New().String()

	ok, err := m.Cache.SetNX(ctx, activeKey(userID), id, m.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("claim session slot: %w", err)
	}
	if !ok {
		// Someone holds the slot. Their row may not be visible yet if the
		// insert is in flight, so the returned session can be nil; the
		// pointer TTL bounds how long a dangling claim can block starts.
		existing, err := m.lookupActive(ctx, userID)
		if err != nil {
			return nil, err
		}
		return existing, ErrSessionExists
	}

	// Claim won but an active row may exist from before a cache flush.
	existing, err := db.GetActiveSession(m.DB, userID)
	if err != nil {
		return nil, fmt.Errorf("load active session: %w", err)
	}
	if existing != nil {
		m.Cache.Set(ctx, activeKey(userID), existing.ID, m.CacheTTL)
		return existing, ErrSessionExists
	}

	s := &model.DriverSession{
		ID:        id,
		UserID:    userID,
		Status:    model.SessionActive,
		StartTime: time.Now().UTC(),
	}
	if err := db.CreateDriverSession(m.DB, s); err != nil {
		m.Cache.Del(ctx, activeKey(userID))
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.Events.Publish(userID, gateway.EventSessionUpdate, eventFor(s))
	return s, nil
}

// Current returns the user's active session, repopulating the cache pointer
// when the store has one the cache forgot.
func (m *Manager) Current(ctx context.Context, userID string) (*model.DriverSession, error) {
	s, err := m.lookupActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNoActiveSession
	}
	return s, nil
}

// lookupActive resolves the cache pointer first and falls back to a store
// scan. The cache is a performance hint only; the store decides.
func (m *Manager) lookupActive(ctx context.Context, userID string) (*model.DriverSession, error) {
	if id, err := m.Cache.Get(ctx, activeKey(userID)); err == nil {
		s, err := db.GetDriverSession(m.DB, id)
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		if s != nil && s.Status == model.SessionActive && s.UserID == userID {
			return s, nil
		}
	}

	s, err := db.GetActiveSession(m.DB, userID)
	if err != nil {
		return nil, fmt.Errorf("load active session: %w", err)
	}
	if s == nil {
		return nil, nil
	}
	m.Cache.Set(ctx, activeKey(userID), s.ID, m.CacheTTL)
	return s, nil
}

// End closes a session the caller owns. Ending an already-ended session is a
// no-op returning its final state.
func (m *Manager) End(ctx context.Context, sessionID, userID string) (*model.DriverSession, error) {
	s, err := db.GetDriverSession(m.DB, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s == nil {
		return nil, ErrNotFound
	}
	if s.UserID != userID {
		return nil, ErrForbidden
	}
	if s.Status != model.SessionActive {
		return s, nil
	}

	// Release the slot before the update; a pointer that outlives the row
	// would block new starts until its TTL.
	if err := m.Cache.Del(ctx, activeKey(userID)); err != nil {
		return nil, fmt.Errorf("release session slot: %w", err)
	}

	now := time.Now().UTC()
	if err := db.EndDriverSession(m.DB, sessionID, now); err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	s.Status = model.SessionEnded
	s.EndTime = &now

	m.Events.Publish(userID, gateway.EventSessionUpdate, eventFor(s))
	return s, nil
}

// EndActive closes the user's active session if there is one. Used when the
// account goes away.
func (m *Manager) EndActive(ctx context.Context, userID string) error {
	s, err := m.Current(ctx, userID)
	if errors.Is(err, ErrNoActiveSession) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = m.End(ctx, s.ID, userID)
	return err
}

// History lists the user's sessions newest-first. limit is clamped to
// [1,100], page to ≥1.
func (m *Manager) History(ctx context.Context, userID string, page, limit int) ([]model.DriverSession, int, error) {
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page < 1 {
		page = 1
	}

	sessions, err := db.ListSessionsByUser(m.DB, userID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	total, err := db.CountSessionsByUser(m.DB, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}
	return sessions, total, nil
}

// RecordLocation stamps the active session with the device's position.
func (m *Manager) RecordLocation(ctx context.Context, userID string, lat, lng float64) error {
	s, err := m.Current(ctx, userID)
	if err != nil {
		return err
	}
	return db.UpdateSessionLocation(m.DB, s.ID, lat, lng, time.Now().UTC())
}
