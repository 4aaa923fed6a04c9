// Package sweeper reconciles states the crash and lost-confirm windows leave
// behind. Everything it does is idempotent, so running it again is always
// safe.
package sweeper

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"wakesafe/internal/analysis"
	"wakesafe/internal/db"
)

// requeueBatch caps how many stranded photos one sweep pushes at the queue.
const requeueBatch = 64

// deadLetterRetention is how long failed-analysis records are kept.
const deadLetterRetention = 90 * 24 * time.Hour

type Sweeper struct {
	DB             *sql.DB
	Queue          *analysis.Queue
	Interval       time.Duration
	GrantGrace     time.Duration
	RequeueAfter   time.Duration
	EventRetention time.Duration
	ReplayKeep     int

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
	slog.Info("sweeper started", "interval", s.Interval)
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	slog.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	s.RunOnce()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce performs a single sweep. Exported so a sweep can be forced in
// tests and maintenance tooling.
func (s *Sweeper) RunOnce() {
	now := time.Now().UTC()

	// Grants past expiry plus grace mean the confirm never came.
	if n, err := db.ExpireStaleGrants(s.DB, now.Add(-s.GrantGrace)); err != nil {
		slog.Error("sweep: expire stale grants", "error", err)
	} else if n > 0 {
		slog.Info("sweep: expired stale grants", "count", n)
	}

	s.requeueStranded(now)

	if n, err := db.PruneEventsBefore(s.DB, now.Add(-s.EventRetention)); err != nil {
		slog.Error("sweep: prune events", "error", err)
	} else if n > 0 {
		slog.Info("sweep: pruned old events", "count", n)
	}
	if s.ReplayKeep > 0 {
		if n, err := db.PruneEventsPerUser(s.DB, s.ReplayKeep); err != nil {
			slog.Error("sweep: cap event log", "error", err)
		} else if n > 0 {
			slog.Info("sweep: capped event logs", "count", n)
		}
	}

	if n, err := db.PruneDeadLettersBefore(s.DB, now.Add(-deadLetterRetention)); err != nil {
		slog.Error("sweep: prune dead letters", "error", err)
	} else if n > 0 {
		slog.Info("sweep: pruned dead letters", "count", n)
	}
}

// requeueStranded reloads uploaded photos whose queue stamp is missing or
// stale; they were confirmed while the queue was full, or lost to a restart.
func (s *Sweeper) requeueStranded(now time.Time) {
	photos, err := db.ListUnqueuedUploaded(s.DB, now.Add(-s.RequeueAfter), requeueBatch)
	if err != nil {
		slog.Error("sweep: list stranded photos", "error", err)
		return
	}

	for i := range photos {
		p := &photos[i]
		err := s.Queue.Enqueue(&analysis.Item{
			PhotoID:        p.ID,
			UserID:         p.UserID,
			SessionID:      p.SessionID,
			ObjectPath:     p.ObjectPath,
			SequenceNumber: p.SequenceNumber,
			CaptureTime:    p.CaptureTime,
			Attempts:       p.Attempts,
			QueuedAt:       now,
		})
		if err != nil {
			// Still saturated; the next sweep tries again.
			slog.Warn("sweep: queue full during requeue", "requeued", i, "stranded", len(photos)-i)
			return
		}
		if err := db.MarkPhotoQueued(s.DB, p.ID, now); err != nil {
			slog.Error("sweep: mark queued", "photo", p.ID, "error", err)
		}
		slog.Info("sweep: requeued photo", "photo", p.ID, "user", p.UserID)
	}
}
