package session_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"wakesafe"
	"wakesafe/internal/cache"
	"wakesafe/internal/db"
	"wakesafe/internal/gateway"
	"wakesafe/internal/model"
	"wakesafe/internal/session"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.Migrate(database, wakesafe.MigrationFS); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func seedUser(t *testing.T, database *sql.DB, id string) {
	t.Helper()
	u := &model.User{ID: id, Email: id + "@example.com", PasswordHash: "x"}
	if err := db.CreateUser(database, u); err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
}

func newManager(t *testing.T) (*session.Manager, *sql.DB, *gateway.Hub) {
	t.Helper()
	database := newTestDB(t)
	hub := gateway.NewHub()
	m := &session.Manager{
		DB:       database,
		Cache:    cache.NewMemory(),
		Events:   &gateway.Broadcaster{DB: database, Hub: hub},
		CacheTTL: time.Hour,
	}
	return m, database, hub
}

func TestStartAndCurrent(t *testing.T) {
	m, database, _ := newManager(t)
	seedUser(t, database, "u1")
	ctx := context.Background()

	s, err := m.Start(ctx, "u1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Status != model.SessionActive || s.UserID != "u1" {
		t.Errorf("started session = %+v, want active for u1", s)
	}

	cur, err := m.Current(ctx, "u1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur.ID != s.ID {
		t.Errorf("current ID = %s, want %s", cur.ID, s.ID)
	}
}

func TestStartWhileActiveConflicts(t *testing.T) {
	m, database, _ := newManager(t)
	seedUser(t, database, "u1")
	ctx := context.Background()

	first, err := m.Start(ctx, "u1")
	if err != nil {
		t.Fatalf("first start: %v", err)
	}

	second, err := m.Start(ctx, "u1")
	if !errors.Is(err, session.ErrSessionExists) {
		t.Fatalf("second start err = %v, want ErrSessionExists", err)
	}
	if second == nil || second.ID != first.ID {
		t.Errorf("conflict returned %+v, want existing session %s", second, first.ID)
	}
}

func TestStartSurvivesCacheFlush(t *testing.T) {
	m, database, _ := newManager(t)
	seedUser(t, database, "u1")
	ctx := context.Background()

	first, err := m.Start(ctx, "u1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Pointer gone, row still active: the claim succeeds but the store
	// check must surface the existing session.
	m.Cache = cache.NewMemory()

	second, err := m.Start(ctx, "u1")
	if !errors.Is(err, session.ErrSessionExists) {
		t.Fatalf("start after flush err = %v, want ErrSessionExists", err)
	}
	if second == nil || second.ID != first.ID {
		t.Errorf("start after flush returned %+v, want %s", second, first.ID)
	}
}

func TestConcurrentStartsCreateOneSession(t *testing.T) {
	m, database, _ := newManager(t)
	seedUser(t, database, "u1")
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Start(ctx, "u1")
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, session.ErrSessionExists):
		default:
			t.Errorf("unexpected start error: %v", err)
		}
	}
	if created != 1 {
		t.Errorf("%d starts succeeded, want exactly 1", created)
	}

	total, err := db.CountSessionsByUser(database, "u1")
	if err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if total != 1 {
		t.Errorf("sessions in store = %d, want 1", total)
	}
}

func TestEndChecksOwnership(t *testing.T) {
	m, database, _ := newManager(t)
	seedUser(t, database, "u1")
	seedUser(t, database, "u2")
	ctx := context.Background()

	s, err := m.Start(ctx, "u1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := m.End(ctx, s.ID, "u2"); !errors.Is(err, session.ErrForbidden) {
		t.Errorf("end by stranger err = %v, want ErrForbidden", err)
	}
	cur, err := m.Current(ctx, "u1")
	if err != nil || cur.Status != model.SessionActive {
		t.Errorf("session after forbidden end = %+v, %v; want still active", cur, err)
	}

	if _, err := m.End(ctx, "no-such-session", "u1"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("end missing err = %v, want ErrNotFound", err)
	}
}

func TestEndIsIdempotentAndReleasesSlot(t *testing.T) {
	m, database, _ := newManager(t)
	seedUser(t, database, "u1")
	ctx := context.Background()

	s, err := m.Start(ctx, "u1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ended, err := m.End(ctx, s.ID, "u1")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.Status != model.SessionEnded || ended.EndTime == nil {
		t.Errorf("ended session = %+v, want ended with end time", ended)
	}

	again, err := m.End(ctx, s.ID, "u1")
	if err != nil {
		t.Fatalf("repeat end: %v", err)
	}
	if again.Status != model.SessionEnded {
		t.Errorf("repeat end status = %s, want ended", again.Status)
	}

	if _, err := m.Current(ctx, "u1"); !errors.Is(err, session.ErrNoActiveSession) {
		t.Errorf("current after end err = %v, want ErrNoActiveSession", err)
	}

	// The slot is free again.
	if _, err := m.Start(ctx, "u1"); err != nil {
		t.Errorf("start after end: %v", err)
	}
}

func TestSessionEventsReachSubscribers(t *testing.T) {
	m, database, hub := newManager(t)
	seedUser(t, database, "u1")
	ctx := context.Background()

	ch, unsub := hub.Subscribe("u1")
	defer unsub()

	s, err := m.Start(ctx, "u1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	f := recv(t, ch)
	if f.Type != gateway.EventSessionUpdate {
		t.Errorf("start event type = %q, want %q", f.Type, gateway.EventSessionUpdate)
	}

	if _, err := m.End(ctx, s.ID, "u1"); err != nil {
		t.Fatalf("end: %v", err)
	}
	f = recv(t, ch)
	if f.Type != gateway.EventSessionUpdate {
		t.Errorf("end event type = %q, want %q", f.Type, gateway.EventSessionUpdate)
	}
}

func recv(t *testing.T, ch <-chan gateway.Frame) gateway.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return gateway.Frame{}
}

func TestHistoryNewestFirst(t *testing.T) {
	m, database, _ := newManager(t)
	seedUser(t, database, "u1")
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := m.Start(ctx, "u1")
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		ids = append(ids, s.ID)
		if _, err := m.End(ctx, s.ID, "u1"); err != nil {
			t.Fatalf("end %d: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond) // distinct start_time ordering
	}

	page, total, err := m.History(ctx, "u1", 1, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	if page[0].ID != ids[2] || page[1].ID != ids[1] {
		t.Errorf("page order = [%s %s], want [%s %s]", page[0].ID, page[1].ID, ids[2], ids[1])
	}

	// Limit below 1 falls back to the default page size.
	page, _, err = m.History(ctx, "u1", 1, 0)
	if err != nil {
		t.Fatalf("history default limit: %v", err)
	}
	if len(page) != 3 {
		t.Errorf("default limit page size = %d, want 3", len(page))
	}
}

func TestRecordLocationRequiresActiveSession(t *testing.T) {
	m, database, _ := newManager(t)
	seedUser(t, database, "u1")
	ctx := context.Background()

	if err := m.RecordLocation(ctx, "u1", 48.8, 2.3); !errors.Is(err, session.ErrNoActiveSession) {
		t.Errorf("location without session err = %v, want ErrNoActiveSession", err)
	}

	s, err := m.Start(ctx, "u1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.RecordLocation(ctx, "u1", 48.8, 2.3); err != nil {
		t.Fatalf("record location: %v", err)
	}

	cur, err := m.Current(ctx, "u1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur.ID != s.ID || cur.LastLat == nil || *cur.LastLat != 48.8 {
		t.Errorf("session location = %+v, want lat 48.8", cur)
	}
}

func TestStatsAggregatesCompletedAnalyses(t *testing.T) {
	m, database, _ := newManager(t)
	seedUser(t, database, "u1")
	ctx := context.Background()

	s, err := m.Start(ctx, "u1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	now := time.Now().UTC()
	samples := []struct {
		id         string
		prediction string
		confidence float64
		ms         int64
	}{
		{"p1", model.PredictionAlert, 0.95, 100},
		{"p2", model.PredictionDrowsy, 0.85, 200},
		{"p3", model.PredictionSleeping, 0.90, 300},
	}
	for i, sm := range samples {
		p := &model.Photo{
			ID: sm.id, SessionID: s.ID, UserID: "u1",
			ObjectPath: "u1/" + s.ID + "/x", SequenceNumber: i + 1,
			CaptureTime: now, UploadStatus: model.UploadUploaded,
			AIStatus: model.AIPending, Prediction: model.PredictionPending,
			GrantExpiresAt: now.Add(time.Minute),
		}
		if err := db.CreatePhoto(database, p); err != nil {
			t.Fatalf("create photo: %v", err)
		}
		conf := sm.confidence
		ms := sm.ms
		ear := 0.25
		if _, err := db.CompletePhotoAnalysis(database, sm.id, sm.prediction, &conf, &ear, &ms, "{}", 1, now); err != nil {
			t.Fatalf("complete analysis: %v", err)
		}
	}

	stats, err := m.Stats(ctx, s.ID, "u1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PhotoCount != 3 || stats.Completed != 3 {
		t.Errorf("counts = %d photos / %d completed, want 3/3", stats.PhotoCount, stats.Completed)
	}
	if got := stats.Predictions[model.PredictionDrowsy]; got != 1 {
		t.Errorf("drowsy count = %d, want 1", got)
	}
	if want := 2.0 / 3.0; !closeTo(stats.FatigueRatio, want) {
		t.Errorf("fatigue ratio = %f, want %f", stats.FatigueRatio, want)
	}
	if want := 0.9; !closeTo(stats.MeanConfidence, want) {
		t.Errorf("mean confidence = %f, want %f", stats.MeanConfidence, want)
	}
	if stats.P50ProcessingMs < 100 || stats.P50ProcessingMs > 300 {
		t.Errorf("p50 = %f, want within sample range", stats.P50ProcessingMs)
	}

	if _, err := m.Stats(ctx, s.ID, "u2"); !errors.Is(err, session.ErrForbidden) {
		t.Errorf("stats by stranger err = %v, want ErrForbidden", err)
	}
}

func closeTo(got, want float64) bool {
	d := got - want
	return d < 1e-9 && d > -1e-9
}
