package handler_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"wakesafe"
	"wakesafe/internal/analysis"
	"wakesafe/internal/cache"
	"wakesafe/internal/config"
	"wakesafe/internal/db"
	"wakesafe/internal/diskstat"
	"wakesafe/internal/gateway"
	"wakesafe/internal/handler"
	"wakesafe/internal/model"
	"wakesafe/internal/session"
	"wakesafe/internal/token"
	"wakesafe/internal/upload"
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

type fakeStore struct{}

func (fakeStore) PresignPut(ctx context.Context, objectPath, contentType string, ttl time.Duration) (string, error) {
	return "http://store.test/put/" + objectPath, nil
}

func (fakeStore) PresignGet(ctx context.Context, objectPath string, ttl time.Duration) (string, error) {
	return "http://store.test/get/" + objectPath, nil
}

func (fakeStore) Remove(ctx context.Context, objectPath string) error { return nil }

type fakeAnalyzer struct {
	mu      sync.Mutex
	calls   int
	analyze func(call int, req analysis.AnalyzeRequest) (*analysis.Result, error)
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req analysis.AnalyzeRequest) (*analysis.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if f.analyze != nil {
		return f.analyze(call, req)
	}
	ear := 0.32
	return &analysis.Result{
		Prediction:   model.PredictionAlert,
		Confidence:   0.95,
		ProcessingMs: 12,
		Signals:      analysis.Signals{EAR: &ear, FaceDetected: true, EyesDetected: true},
	}, nil
}

type fixture struct {
	srv      *httptest.Server
	h        *handler.Handler
	database *sql.DB
	queue    *analysis.Queue
	analyzer *fakeAnalyzer
	events   *gateway.Broadcaster
	cfg      *config.Config
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, 16, rate.Limit(1000), 1000)
}

func newFixtureWith(t *testing.T, queueCap int, rps rate.Limit, burst int) *fixture {
	t.Helper()
	database := newTestDB(t)
	mem := cache.NewMemory()
	tokens := &token.Service{Cache: mem, Secret: []byte("test-secret"), TTL: time.Hour}

	hub := gateway.NewHub()
	events := &gateway.Broadcaster{DB: database, Hub: hub}
	sessions := &session.Manager{DB: database, Cache: mem, Events: events, CacheTTL: time.Hour}

	queue := analysis.NewQueue(queueCap)
	uploads := &upload.Service{
		DB: database, Store: fakeStore{}, Sessions: sessions, Queue: queue, Events: events,
		WriteTTL: time.Minute, ReadTTL: time.Hour,
	}

	cfg := &config.Config{
		WorkerCount:      1,
		QueueCapacity:    queueCap,
		MaxAttempts:      2,
		AlertThreshold:   0.6,
		ReadGrantTTLMins: 60,
	}

	h := &handler.Handler{
		DB: database, Cfg: cfg, Cache: mem, Tokens: tokens, Sessions: sessions,
		Uploads: uploads, Queue: queue,
		Gateway: gateway.NewServer(tokens, sessions, uploads, events, 50),
	}

	authRL := handler.NewRateLimiter(rps, burst)
	t.Cleanup(authRL.Stop)

	srv := httptest.NewServer(h.Routes(authRL))
	t.Cleanup(srv.Close)

	return &fixture{
		srv: srv, h: h, database: database, queue: queue,
		analyzer: &fakeAnalyzer{}, events: events, cfg: cfg,
	}
}

// startPool runs the analysis workers against the fixture's queue so
// confirmed uploads actually get processed.
func (fx *fixture) startPool(t *testing.T) {
	t.Helper()
	pool := analysis.NewPool(fx.database, fx.cfg, fx.queue, fx.analyzer, fakeStore{}, fx.events)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)
}

// doJSON sends one request and decodes the response into out when out is
// non-nil. It returns the HTTP status code.
func (fx *fixture) doJSON(t *testing.T, method, path, tok string, body, out any) int {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, fx.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := fx.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

type errBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type sessionBody struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	StartTime     string  `json:"start_time"`
	EndTime       *string `json:"end_time"`
	TotalUploaded int     `json:"total_uploaded"`
}

type grantBody struct {
	PhotoID        string `json:"photo_id"`
	ObjectPath     string `json:"object_path"`
	UploadURL      string `json:"upload_url"`
	SequenceNumber int    `json:"sequence_number"`
	ExpiresIn      int    `json:"expires_in"`
}

type photoBody struct {
	ID             string   `json:"id"`
	SessionID      string   `json:"session_id"`
	SequenceNumber int      `json:"sequence_number"`
	UploadStatus   string   `json:"upload_status"`
	AIStatus       string   `json:"ai_status"`
	Prediction     string   `json:"prediction"`
	Confidence     *float64 `json:"confidence"`
	ProcessingMs   *int64   `json:"processing_ms"`
	Attempts       int      `json:"attempts"`
}

func (fx *fixture) register(t *testing.T, email string) (tok, userID string) {
	t.Helper()
	var out struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
		Token string `json:"token"`
	}
	code := fx.doJSON(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": email, "name": "Test Driver", "password": "long-enough-pass",
	}, &out)
	if code != http.StatusCreated {
		t.Fatalf("register %s: code %d", email, code)
	}
	if out.Token == "" || out.User.ID == "" {
		t.Fatalf("register %s: incomplete response %+v", email, out)
	}
	return out.Token, out.User.ID
}

func (fx *fixture) startSession(t *testing.T, tok string) sessionBody {
	t.Helper()
	var s sessionBody
	if code := fx.doJSON(t, http.MethodPost, "/api/sessions/start", tok, nil, &s); code != http.StatusCreated {
		t.Fatalf("start session: code %d", code)
	}
	return s
}

func (fx *fixture) requestGrant(t *testing.T, tok, fileName string) grantBody {
	t.Helper()
	var g grantBody
	code := fx.doJSON(t, http.MethodPost, "/api/upload/presigned", tok,
		map[string]string{"file_name": fileName}, &g)
	if code != http.StatusCreated {
		t.Fatalf("presigned: code %d", code)
	}
	return g
}

func (fx *fixture) confirmUpload(t *testing.T, tok, photoID string) (photoBody, bool) {
	t.Helper()
	var out struct {
		Photo  photoBody `json:"photo"`
		Queued bool      `json:"queued"`
	}
	code := fx.doJSON(t, http.MethodPost, "/api/upload/confirm", tok,
		map[string]any{"photo_id": photoID, "success": true}, &out)
	if code != http.StatusOK {
		t.Fatalf("confirm: code %d", code)
	}
	return out.Photo, out.Queued
}

// waitAnalyzed polls the status endpoint until the photo reaches a terminal
// analysis state.
func (fx *fixture) waitAnalyzed(t *testing.T, tok, photoID string) photoBody {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var p photoBody
		if code := fx.doJSON(t, http.MethodGet, "/api/upload/status/"+photoID, tok, nil, &p); code != http.StatusOK {
			t.Fatalf("upload status: code %d", code)
		}
		if p.AIStatus == model.AICompleted || p.AIStatus == model.AIFailed {
			return p
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("photo %s never reached a terminal analysis state", photoID)
	return photoBody{}
}

func TestRegisterLoginFlow(t *testing.T) {
	fx := newFixture(t)

	tok, userID := fx.register(t, "driver@example.com")

	var me struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if code := fx.doJSON(t, http.MethodGet, "/api/users/me", tok, nil, &me); code != http.StatusOK {
		t.Fatalf("users/me: code %d", code)
	}
	if me.ID != userID || me.Email != "driver@example.com" || me.Name != "Test Driver" {
		t.Errorf("profile = %+v, want registered identity", me)
	}

	// Same email again is a conflict.
	var e errBody
	code := fx.doJSON(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": "Driver@Example.com", "name": "Other", "password": "long-enough-pass",
	}, &e)
	if code != http.StatusConflict || e.Error.Code != "EMAIL_TAKEN" {
		t.Errorf("duplicate register = %d %q, want 409 EMAIL_TAKEN", code, e.Error.Code)
	}

	var login struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	code = fx.doJSON(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "driver@example.com", "password": "long-enough-pass",
	}, &login)
	if code != http.StatusOK || login.Token == "" || login.User.ID != userID {
		t.Errorf("login = %d %+v, want 200 with token for same user", code, login)
	}

	code = fx.doJSON(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "driver@example.com", "password": "wrong-password!!",
	}, &e)
	if code != http.StatusUnauthorized {
		t.Errorf("bad password login = %d, want 401", code)
	}
}

func TestRegisterValidation(t *testing.T) {
	fx := newFixture(t)

	cases := []struct {
		name string
		body map[string]string
	}{
		{"missing email", map[string]string{"name": "x", "password": "long-enough-pass"}},
		{"bad email", map[string]string{"email": "nope", "name": "x", "password": "long-enough-pass"}},
		{"missing name", map[string]string{"email": "a@b.c", "password": "long-enough-pass"}},
		{"short password", map[string]string{"email": "a@b.c", "name": "x", "password": "short"}},
	}
	for _, c := range cases {
		var e errBody
		code := fx.doJSON(t, http.MethodPost, "/api/auth/register", "", c.body, &e)
		if code != http.StatusBadRequest || e.Error.Code != "BAD_REQUEST" {
			t.Errorf("%s: code %d %q, want 400 BAD_REQUEST", c.name, code, e.Error.Code)
		}
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	fx := newFixture(t)
	tok, _ := fx.register(t, "driver@example.com")

	if code := fx.doJSON(t, http.MethodGet, "/api/users/me", tok, nil, nil); code != http.StatusOK {
		t.Fatalf("users/me before logout: code %d", code)
	}
	if code := fx.doJSON(t, http.MethodPost, "/api/auth/logout", tok, nil, nil); code != http.StatusNoContent {
		t.Fatalf("logout: code %d", code)
	}
	if code := fx.doJSON(t, http.MethodGet, "/api/users/me", tok, nil, nil); code != http.StatusUnauthorized {
		t.Errorf("users/me after logout: code %d, want 401", code)
	}
}

func TestAuthRequired(t *testing.T) {
	fx := newFixture(t)

	var e errBody
	if code := fx.doJSON(t, http.MethodGet, "/api/users/me", "", nil, &e); code != http.StatusUnauthorized {
		t.Errorf("no token: code %d, want 401", code)
	}
	if code := fx.doJSON(t, http.MethodGet, "/api/users/me", "garbage", nil, &e); code != http.StatusUnauthorized {
		t.Errorf("garbage token: code %d, want 401", code)
	}
}

func TestSessionLifecycleOverAPI(t *testing.T) {
	fx := newFixture(t)
	tok, _ := fx.register(t, "driver@example.com")

	s := fx.startSession(t, tok)
	if s.Status != model.SessionActive || s.EndTime != nil {
		t.Errorf("started session = %+v, want active with no end time", s)
	}

	var cur sessionBody
	if code := fx.doJSON(t, http.MethodGet, "/api/sessions/current", tok, nil, &cur); code != http.StatusOK {
		t.Fatalf("current: code %d", code)
	}
	if cur.ID != s.ID {
		t.Errorf("current session = %s, want %s", cur.ID, s.ID)
	}

	// Starting again conflicts and returns the session to resume.
	var conflict struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
		Session *sessionBody `json:"session"`
	}
	code := fx.doJSON(t, http.MethodPost, "/api/sessions/start", tok, nil, &conflict)
	if code != http.StatusConflict || conflict.Error.Code != "SESSION_EXISTS" {
		t.Fatalf("second start = %d %q, want 409 SESSION_EXISTS", code, conflict.Error.Code)
	}
	if conflict.Session == nil || conflict.Session.ID != s.ID {
		t.Errorf("conflict session = %+v, want existing %s", conflict.Session, s.ID)
	}

	var ended sessionBody
	if code := fx.doJSON(t, http.MethodPut, "/api/sessions/"+s.ID, tok, nil, &ended); code != http.StatusOK {
		t.Fatalf("end: code %d", code)
	}
	if ended.Status != model.SessionEnded || ended.EndTime == nil {
		t.Errorf("ended session = %+v, want ended with end time", ended)
	}

	var e errBody
	if code := fx.doJSON(t, http.MethodGet, "/api/sessions/current", tok, nil, &e); code != http.StatusNotFound {
		t.Errorf("current after end: code %d, want 404", code)
	}
}

func TestSessionEndForbiddenForNonOwner(t *testing.T) {
	fx := newFixture(t)
	tokA, _ := fx.register(t, "alice@example.com")
	tokB, _ := fx.register(t, "bob@example.com")

	s := fx.startSession(t, tokA)

	var e errBody
	code := fx.doJSON(t, http.MethodPut, "/api/sessions/"+s.ID, tokB, nil, &e)
	if code != http.StatusForbidden || e.Error.Code != "FORBIDDEN" {
		t.Fatalf("non-owner end = %d %q, want 403 FORBIDDEN", code, e.Error.Code)
	}

	// Alice's session is untouched.
	var cur sessionBody
	if code := fx.doJSON(t, http.MethodGet, "/api/sessions/current", tokA, nil, &cur); code != http.StatusOK {
		t.Fatalf("current: code %d", code)
	}
	if cur.ID != s.ID || cur.Status != model.SessionActive {
		t.Errorf("session after forbidden end = %+v, want still active", cur)
	}

	// An unknown session is indistinguishable from a missing one.
	if code := fx.doJSON(t, http.MethodPut, "/api/sessions/nope", tokB, nil, &e); code != http.StatusNotFound {
		t.Errorf("unknown session end = %d, want 404", code)
	}
}

func TestSessionHistoryPagination(t *testing.T) {
	fx := newFixture(t)
	tok, _ := fx.register(t, "driver@example.com")

	for i := 0; i < 3; i++ {
		s := fx.startSession(t, tok)
		if code := fx.doJSON(t, http.MethodPut, "/api/sessions/"+s.ID, tok, nil, nil); code != http.StatusOK {
			t.Fatalf("end session %d: code %d", i, code)
		}
	}

	var page struct {
		Sessions []sessionBody `json:"sessions"`
		Total    int           `json:"total"`
		Page     int           `json:"page"`
		Limit    int           `json:"limit"`
	}
	if code := fx.doJSON(t, http.MethodGet, "/api/sessions?page=1&limit=2", tok, nil, &page); code != http.StatusOK {
		t.Fatalf("list: code %d", code)
	}
	if len(page.Sessions) != 2 || page.Total != 3 || page.Page != 1 || page.Limit != 2 {
		t.Errorf("page 1 = %d sessions total %d, want 2 of 3", len(page.Sessions), page.Total)
	}

	if code := fx.doJSON(t, http.MethodGet, "/api/sessions?page=2&limit=2", tok, nil, &page); code != http.StatusOK {
		t.Fatalf("list page 2: code %d", code)
	}
	if len(page.Sessions) != 1 {
		t.Errorf("page 2 = %d sessions, want 1", len(page.Sessions))
	}
}

func TestUploadPipelineEndToEnd(t *testing.T) {
	fx := newFixture(t)
	fx.startPool(t)
	tok, _ := fx.register(t, "driver@example.com")
	s := fx.startSession(t, tok)

	grant := fx.requestGrant(t, tok, "frame.jpg")
	if grant.PhotoID == "" || grant.UploadURL == "" || grant.ObjectPath == "" {
		t.Fatalf("grant = %+v, want complete write grant", grant)
	}
	if grant.SequenceNumber != 1 || grant.ExpiresIn != 60 {
		t.Errorf("grant seq %d expires %d, want 1 and 60", grant.SequenceNumber, grant.ExpiresIn)
	}

	// The client PUTs the bytes straight to object storage; the server only
	// hears about it through the confirm call.
	photo, queued := fx.confirmUpload(t, tok, grant.PhotoID)
	if !queued {
		t.Error("confirmed photo was not queued for analysis")
	}
	if photo.UploadStatus != model.UploadUploaded {
		t.Errorf("upload status = %q, want uploaded", photo.UploadStatus)
	}

	done := fx.waitAnalyzed(t, tok, grant.PhotoID)
	if done.AIStatus != model.AICompleted || done.Prediction != model.PredictionAlert {
		t.Errorf("analysis = %s/%s, want completed/alert", done.AIStatus, done.Prediction)
	}
	if done.Confidence == nil || *done.Confidence < 0.9 {
		t.Errorf("confidence = %v, want ~0.95", done.Confidence)
	}
	if done.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", done.Attempts)
	}

	var photos struct {
		Photos []photoBody `json:"photos"`
	}
	if code := fx.doJSON(t, http.MethodGet, "/api/photos/session/"+s.ID, tok, nil, &photos); code != http.StatusOK {
		t.Fatalf("photos by session: code %d", code)
	}
	if len(photos.Photos) != 1 || photos.Photos[0].ID != grant.PhotoID {
		t.Errorf("session photos = %+v, want the one analyzed photo", photos.Photos)
	}

	var stats struct {
		PhotoCount     int            `json:"photo_count"`
		Uploaded       int            `json:"uploaded"`
		Completed      int            `json:"completed"`
		Predictions    map[string]int `json:"predictions"`
		FatigueRatio   float64        `json:"fatigue_ratio"`
		MeanConfidence float64        `json:"mean_confidence"`
	}
	if code := fx.doJSON(t, http.MethodGet, "/api/sessions/"+s.ID+"/stats", tok, nil, &stats); code != http.StatusOK {
		t.Fatalf("session stats: code %d", code)
	}
	if stats.PhotoCount != 1 || stats.Uploaded != 1 || stats.Completed != 1 {
		t.Errorf("stats = %+v, want one completed photo", stats)
	}
	if stats.Predictions[model.PredictionAlert] != 1 || stats.FatigueRatio != 0 {
		t.Errorf("predictions = %v ratio %v, want alert:1 ratio 0", stats.Predictions, stats.FatigueRatio)
	}
	if stats.MeanConfidence < 0.9 {
		t.Errorf("mean confidence = %v, want ~0.95", stats.MeanConfidence)
	}

	var pipeline struct {
		TotalPhotos int            `json:"total_photos"`
		AICompleted int            `json:"ai_completed"`
		Predictions map[string]int `json:"predictions"`
		DeadLetters int            `json:"dead_letters"`
	}
	if code := fx.doJSON(t, http.MethodGet, "/api/photos/stats", tok, nil, &pipeline); code != http.StatusOK {
		t.Fatalf("photo stats: code %d", code)
	}
	if pipeline.TotalPhotos != 1 || pipeline.AICompleted != 1 || pipeline.DeadLetters != 0 {
		t.Errorf("pipeline stats = %+v, want one completed, no dead letters", pipeline)
	}
}

func TestUploadConfirmIdempotentOverAPI(t *testing.T) {
	fx := newFixture(t) // no pool: the queue holds what confirm enqueues
	tok, _ := fx.register(t, "driver@example.com")
	fx.startSession(t, tok)

	grant := fx.requestGrant(t, tok, "frame.jpg")

	_, queued := fx.confirmUpload(t, tok, grant.PhotoID)
	if !queued {
		t.Fatal("first confirm did not queue")
	}
	photo, queued := fx.confirmUpload(t, tok, grant.PhotoID)
	if queued {
		t.Error("repeat confirm queued the photo again")
	}
	if photo.UploadStatus != model.UploadUploaded {
		t.Errorf("upload status after repeat = %q, want uploaded", photo.UploadStatus)
	}
	if depth := fx.queue.Depth(); depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}
}

func TestUploadConfirmFailureOverAPI(t *testing.T) {
	fx := newFixture(t)
	tok, _ := fx.register(t, "driver@example.com")
	fx.startSession(t, tok)

	grant := fx.requestGrant(t, tok, "frame.jpg")

	var out struct {
		Photo  photoBody `json:"photo"`
		Queued bool      `json:"queued"`
	}
	code := fx.doJSON(t, http.MethodPost, "/api/upload/confirm", tok,
		map[string]any{"photo_id": grant.PhotoID, "success": false}, &out)
	if code != http.StatusOK {
		t.Fatalf("confirm failure: code %d", code)
	}
	if out.Photo.UploadStatus != model.UploadFailed || out.Queued {
		t.Errorf("failed confirm = %+v, want failed and unqueued", out)
	}
	if depth := fx.queue.Depth(); depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
}

func TestUploadValidationErrors(t *testing.T) {
	fx := newFixture(t)
	tok, _ := fx.register(t, "driver@example.com")

	// No active session yet.
	var e errBody
	code := fx.doJSON(t, http.MethodPost, "/api/upload/presigned", tok,
		map[string]string{"file_name": "frame.jpg"}, &e)
	if code != http.StatusForbidden || e.Error.Code != "SESSION_NOT_ACTIVE" {
		t.Errorf("no session = %d %q, want 403 SESSION_NOT_ACTIVE", code, e.Error.Code)
	}

	fx.startSession(t, tok)

	code = fx.doJSON(t, http.MethodPost, "/api/upload/presigned", tok,
		map[string]string{"file_name": "malware.exe"}, &e)
	if code != http.StatusBadRequest {
		t.Errorf("bad extension = %d, want 400", code)
	}

	code = fx.doJSON(t, http.MethodPost, "/api/upload/presigned", tok, map[string]string{}, &e)
	if code != http.StatusBadRequest {
		t.Errorf("missing file_name = %d, want 400", code)
	}

	code = fx.doJSON(t, http.MethodPost, "/api/upload/presigned", tok,
		map[string]string{"file_name": "frame.jpg", "capture_time": "yesterday"}, &e)
	if code != http.StatusBadRequest {
		t.Errorf("bad capture_time = %d, want 400", code)
	}

	code = fx.doJSON(t, http.MethodPost, "/api/upload/confirm", tok,
		map[string]string{"photo_id": "p1"}, &e)
	if code != http.StatusBadRequest {
		t.Errorf("missing success flag = %d, want 400", code)
	}

	code = fx.doJSON(t, http.MethodPost, "/api/upload/confirm", tok,
		map[string]any{"photo_id": "nope", "success": true}, &e)
	if code != http.StatusNotFound {
		t.Errorf("unknown photo confirm = %d, want 404", code)
	}

	if code := fx.doJSON(t, http.MethodGet, "/api/upload/status/nope", tok, nil, &e); code != http.StatusNotFound {
		t.Errorf("unknown photo status = %d, want 404", code)
	}
}

func TestUploadBackpressure(t *testing.T) {
	// Capacity one and no pool, so the first confirmed photo saturates the
	// pipeline.
	fx := newFixtureWith(t, 1, rate.Limit(1000), 1000)
	tok, _ := fx.register(t, "driver@example.com")
	fx.startSession(t, tok)

	grant := fx.requestGrant(t, tok, "frame.jpg")
	if _, queued := fx.confirmUpload(t, tok, grant.PhotoID); !queued {
		t.Fatal("first confirm did not queue")
	}

	var e errBody
	code := fx.doJSON(t, http.MethodPost, "/api/upload/presigned", tok,
		map[string]string{"file_name": "frame2.jpg"}, &e)
	if code != http.StatusTooManyRequests || e.Error.Code != "PIPELINE_BUSY" {
		t.Errorf("saturated presign = %d %q, want 429 PIPELINE_BUSY", code, e.Error.Code)
	}
}

func TestPhotoOwnershipHidden(t *testing.T) {
	fx := newFixture(t)
	tokA, _ := fx.register(t, "alice@example.com")
	tokB, _ := fx.register(t, "bob@example.com")

	s := fx.startSession(t, tokA)
	grant := fx.requestGrant(t, tokA, "frame.jpg")

	// Bob cannot see, confirm, or delete Alice's photo; it reads as missing.
	var e errBody
	if code := fx.doJSON(t, http.MethodGet, "/api/upload/status/"+grant.PhotoID, tokB, nil, &e); code != http.StatusNotFound {
		t.Errorf("foreign status = %d, want 404", code)
	}
	code := fx.doJSON(t, http.MethodPost, "/api/upload/confirm", tokB,
		map[string]any{"photo_id": grant.PhotoID, "success": true}, &e)
	if code != http.StatusNotFound {
		t.Errorf("foreign confirm = %d, want 404", code)
	}
	if code := fx.doJSON(t, http.MethodDelete, "/api/photos/"+grant.PhotoID, tokB, nil, &e); code != http.StatusNotFound {
		t.Errorf("foreign delete = %d, want 404", code)
	}

	// The session listing is owned, so it is a plain forbidden.
	if code := fx.doJSON(t, http.MethodGet, "/api/photos/session/"+s.ID, tokB, nil, &e); code != http.StatusForbidden {
		t.Errorf("foreign session photos = %d, want 403", code)
	}
}

func TestPhotoDeleteOverAPI(t *testing.T) {
	fx := newFixture(t)
	tok, _ := fx.register(t, "driver@example.com")
	fx.startSession(t, tok)

	grant := fx.requestGrant(t, tok, "frame.jpg")
	fx.confirmUpload(t, tok, grant.PhotoID)

	if code := fx.doJSON(t, http.MethodDelete, "/api/photos/"+grant.PhotoID, tok, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete: code %d", code)
	}
	var e errBody
	if code := fx.doJSON(t, http.MethodGet, "/api/upload/status/"+grant.PhotoID, tok, nil, &e); code != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", code)
	}
}

func TestProfileUpdateOverAPI(t *testing.T) {
	fx := newFixture(t)
	tok, _ := fx.register(t, "driver@example.com")
	fx.register(t, "taken@example.com")

	var me struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	code := fx.doJSON(t, http.MethodPut, "/api/users/me", tok,
		map[string]string{"name": "Renamed Driver"}, &me)
	if code != http.StatusOK || me.Name != "Renamed Driver" || me.Email != "driver@example.com" {
		t.Errorf("rename = %d %+v, want name change only", code, me)
	}

	var e errBody
	code = fx.doJSON(t, http.MethodPut, "/api/users/me", tok,
		map[string]string{"email": "taken@example.com"}, &e)
	if code != http.StatusConflict || e.Error.Code != "EMAIL_TAKEN" {
		t.Errorf("email collision = %d %q, want 409 EMAIL_TAKEN", code, e.Error.Code)
	}

	code = fx.doJSON(t, http.MethodPut, "/api/users/me", tok,
		map[string]string{"email": "not-an-email"}, &e)
	if code != http.StatusBadRequest {
		t.Errorf("bad email = %d, want 400", code)
	}
}

func TestAccountDeleteEndsSessionAndRevokesToken(t *testing.T) {
	fx := newFixture(t)
	tok, _ := fx.register(t, "driver@example.com")
	s := fx.startSession(t, tok)

	if code := fx.doJSON(t, http.MethodDelete, "/api/users/me", tok, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete account: code %d", code)
	}

	if code := fx.doJSON(t, http.MethodGet, "/api/users/me", tok, nil, nil); code != http.StatusUnauthorized {
		t.Errorf("token after delete: code %d, want 401", code)
	}

	var e errBody
	code := fx.doJSON(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "driver@example.com", "password": "long-enough-pass",
	}, &e)
	if code != http.StatusUnauthorized {
		t.Errorf("login after delete = %d, want 401", code)
	}

	ended, err := db.GetDriverSession(fx.database, s.ID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if ended.Status != model.SessionEnded {
		t.Errorf("session status after delete = %q, want ended", ended.Status)
	}
}

func TestAuthEndpointsRateLimited(t *testing.T) {
	fx := newFixtureWith(t, 16, rate.Limit(0.01), 2)

	register := func(email string, out any) int {
		t.Helper()
		raw, _ := json.Marshal(map[string]string{
			"email": email, "name": "x", "password": "long-enough-pass",
		})
		req, err := http.NewRequest(http.MethodPost, fx.srv.URL+"/api/auth/register", bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		// Pin the client identity so connection reuse cannot skew bucketing.
		req.Header.Set("X-Real-Ip", "203.0.113.9")
		resp, err := fx.srv.Client().Do(req)
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		defer resp.Body.Close()
		if out != nil {
			json.NewDecoder(resp.Body).Decode(out)
		}
		return resp.StatusCode
	}

	var first struct {
		Token string `json:"token"`
	}
	if code := register("u0@example.com", &first); code != http.StatusCreated {
		t.Fatalf("first register = %d, want 201", code)
	}
	if code := register("u1@example.com", nil); code != http.StatusCreated {
		t.Fatalf("second register = %d, want 201", code)
	}

	var e errBody
	if code := register("u2@example.com", &e); code != http.StatusTooManyRequests || e.Error.Code != "RATE_LIMITED" {
		t.Fatalf("third register = %d %q, want 429 RATE_LIMITED", code, e.Error.Code)
	}

	// Only the auth group is limited; authenticated routes still answer.
	req, err := http.NewRequest(http.MethodGet, fx.srv.URL+"/api/users/me", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+first.Token)
	req.Header.Set("X-Real-Ip", "203.0.113.9")
	resp, err := fx.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("users/me: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("users/me while limited = %d, want 200", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	fx := newFixture(t)

	var hz struct {
		Status        string  `json:"status"`
		DB            string  `json:"db"`
		Cache         string  `json:"cache"`
		QueueDepth    int     `json:"queue_depth"`
		QueueCapacity int     `json:"queue_capacity"`
		DiskFreePct   float64 `json:"disk_free_pct"`
	}
	if code := fx.doJSON(t, http.MethodGet, "/healthz", "", nil, &hz); code != http.StatusOK {
		t.Fatalf("healthz: code %d", code)
	}
	if hz.Status != "ok" || hz.DB != "ok" || hz.Cache != "ok" {
		t.Errorf("healthz = %+v, want all ok", hz)
	}
	if hz.QueueDepth != 0 || hz.QueueCapacity != 16 {
		t.Errorf("queue = %d/%d, want 0/16", hz.QueueDepth, hz.QueueCapacity)
	}
	if hz.DiskFreePct != 100 {
		t.Errorf("disk_free_pct without disk cache = %v, want 100", hz.DiskFreePct)
	}
}

func TestHealthzReportsDiskHeadroom(t *testing.T) {
	fx := newFixture(t)
	fx.h.Disk = diskstat.New(t.TempDir(), time.Hour)
	fx.h.Disk.Start()
	t.Cleanup(fx.h.Disk.Stop)

	var hz struct {
		DB          string  `json:"db"`
		DiskFreePct float64 `json:"disk_free_pct"`
	}
	fx.doJSON(t, http.MethodGet, "/healthz", "", nil, &hz)
	if hz.DB != "ok" {
		t.Errorf("db = %q, want ok", hz.DB)
	}
	if hz.DiskFreePct < 0 || hz.DiskFreePct > 100 {
		t.Errorf("disk_free_pct = %v, want within [0,100]", hz.DiskFreePct)
	}
}
