package analysis

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"wakesafe/internal/config"
	"wakesafe/internal/db"
	"wakesafe/internal/gateway"
	"wakesafe/internal/model"
	"wakesafe/internal/storage"
)

// Severity levels carried by fatigue_detection events.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Pool drains the queue with a fixed set of workers. Each item gets bounded
// retries with exponential backoff; what still fails goes to dead_letters.
type Pool struct {
	database *sql.DB
	cfg      *config.Config
	queue    *Queue
	analyzer Analyzer
	store    storage.ObjectStore
	events   *gateway.Broadcaster
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewPool(database *sql.DB, cfg *config.Config, queue *Queue, analyzer Analyzer, store storage.ObjectStore, events *gateway.Broadcaster) *Pool {
	return &Pool{
		database: database,
		cfg:      cfg,
		queue:    queue,
		analyzer: analyzer,
		store:    store,
		events:   events,
	}
}

func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	slog.Info("analysis pool started", "workers", p.cfg.WorkerCount)
}

func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	slog.Info("analysis pool stopped")
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		it, err := p.queue.Dequeue(ctx)
		if err != nil {
			return
		}

		slog.Info("analyzing photo", "worker", id, "photo", it.PhotoID, "user", it.UserID)
		p.process(ctx, it)
	}
}

func (p *Pool) process(ctx context.Context, it *Item) {
	claimed, err := db.MarkPhotoProcessing(p.database, it.PhotoID)
	if err != nil {
		slog.Error("mark processing", "photo", it.PhotoID, "error", err)
		return
	}
	if !claimed {
		// Duplicate of an item that already settled: the sweeper re-enqueues
		// anything that looks stranded, and can race the original copy.
		slog.Info("photo already settled, dropping item", "photo", it.PhotoID)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		it.Attempts = attempt

		res, err := p.analyzeOnce(ctx, it)
		if err == nil {
			p.complete(it, res)
			return
		}
		lastErr = err
		slog.Warn("analysis attempt failed", "photo", it.PhotoID, "attempt", attempt, "error", err)

		if attempt < p.cfg.MaxAttempts {
			sleep(ctx, backoff(attempt))
		}
		if ctx.Err() != nil {
			// Shutting down; the attempt failed because the context died, not
			// because the analyzer rejected the photo. The photo stays
			// unfinished and the sweeper re-queues it after restart.
			return
		}
	}

	p.deadLetter(it, lastErr)
}

// analyzeOnce mints a fresh read grant and calls the analyzer. A new grant
// per attempt keeps retries working past the previous URL's expiry.
func (p *Pool) analyzeOnce(ctx context.Context, it *Item) (*Result, error) {
	readURL, err := p.store.PresignGet(ctx, it.ObjectPath, time.Duration(p.cfg.ReadGrantTTLMins)*time.Minute)
	if err != nil {
		return nil, err
	}
	return p.analyzer.Analyze(ctx, AnalyzeRequest{
		PhotoID:        it.PhotoID,
		ImageURL:       readURL,
		SequenceNumber: it.SequenceNumber,
		CaptureTime:    db.FormatTime(it.CaptureTime),
	})
}

func (p *Pool) complete(it *Item, res *Result) {
	resultJSON, err := json.Marshal(res)
	if err != nil {
		resultJSON = []byte("{}")
	}

	now := time.Now().UTC()
	confidence := res.Confidence
	settled, err := db.CompletePhotoAnalysis(p.database, it.PhotoID, res.Prediction,
		&confidence, res.Signals.EAR, &res.ProcessingMs, string(resultJSON), it.Attempts, now)
	if err != nil {
		slog.Error("record analysis", "photo", it.PhotoID, "error", err)
		return
	}
	if !settled {
		// Lost the settle race to a duplicate copy; its terminal state stands
		// and this result is discarded without events.
		slog.Warn("photo already settled, dropping result", "photo", it.PhotoID)
		return
	}

	slog.Info("analysis complete", "photo", it.PhotoID, "prediction", res.Prediction,
		"confidence", res.Confidence, "attempts", it.Attempts)

	p.events.Publish(it.UserID, gateway.EventAIProcessingComplete, map[string]any{
		"photo_id":        it.PhotoID,
		"session_id":      it.SessionID,
		"sequence_number": it.SequenceNumber,
		"prediction":      res.Prediction,
		"confidence":      res.Confidence,
		"processing_ms":   res.ProcessingMs,
	})

	if fatigued(res.Prediction) && res.Confidence >= p.cfg.AlertThreshold {
		severity := severityFor(res.Prediction, res.Confidence)
		p.events.Publish(it.UserID, gateway.EventFatigueDetection, map[string]any{
			"photo_id":        it.PhotoID,
			"session_id":      it.SessionID,
			"prediction":      res.Prediction,
			"confidence":      res.Confidence,
			"severity":        severity,
			"action_required": severity == SeverityHigh,
		})
	}
}

func (p *Pool) deadLetter(it *Item, cause error) {
	now := time.Now().UTC()
	settled, err := db.FailPhotoAnalysis(p.database, it.PhotoID, it.Attempts, now)
	if err != nil {
		slog.Error("mark analysis failed", "photo", it.PhotoID, "error", err)
		return
	}
	if !settled {
		slog.Warn("photo already settled, dropping dead letter", "photo", it.PhotoID)
		return
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	dl := &model.DeadLetter{
		ID:         uuid.New().String(),
		PhotoID:    it.PhotoID,
		UserID:     it.UserID,
		SessionID:  it.SessionID,
		ObjectPath: it.ObjectPath,
		Attempts:   it.Attempts,
		LastError:  msg,
	}
	if err := db.InsertDeadLetter(p.database, dl); err != nil {
		slog.Error("insert dead letter", "photo", it.PhotoID, "error", err)
	}

	slog.Error("analysis exhausted retries", "photo", it.PhotoID, "attempts", it.Attempts, "error", msg)

	p.events.Publish(it.UserID, gateway.EventNotification, map[string]any{
		"kind":     "analysis_failed",
		"photo_id": it.PhotoID,
		"message":  "photo analysis failed after retries",
	})
}

func fatigued(prediction string) bool {
	return prediction == model.PredictionDrowsy || prediction == model.PredictionSleeping
}

// severityFor grades a fatigue verdict. Sleeping is always high; drowsy
// splits on confidence.
func severityFor(prediction string, confidence float64) string {
	if prediction == model.PredictionSleeping {
		return SeverityHigh
	}
	if confidence >= 0.8 {
		return SeverityMedium
	}
	return SeverityLow
}

// backoff is 1s, 2s, 4s... doubling per attempt.
func backoff(attempt int) time.Duration {
	return time.Second << (attempt - 1)
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
