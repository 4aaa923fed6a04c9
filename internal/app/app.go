// Package app wires the stores, services, and background loops together and
// runs the HTTP server until the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"wakesafe"
	"wakesafe/internal/analysis"
	"wakesafe/internal/cache"
	"wakesafe/internal/config"
	"wakesafe/internal/db"
	"wakesafe/internal/diskstat"
	"wakesafe/internal/gateway"
	"wakesafe/internal/handler"
	"wakesafe/internal/session"
	"wakesafe/internal/storage"
	"wakesafe/internal/sweeper"
	"wakesafe/internal/token"
	"wakesafe/internal/upload"
)

func Run(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return err
	}

	// Open database
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	// Run migrations
	if err := db.Migrate(database, wakesafe.MigrationFS); err != nil {
		return err
	}
	slog.Info("database ready")

	kv, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	tokens := &token.Service{
		Cache:  kv,
		Secret: []byte(cfg.TokenSecret),
		TTL:    time.Duration(cfg.TokenTTLHours) * time.Hour,
	}

	store, err := storage.NewMinIO(cfg.StorageEndpoint, cfg.StorageAccessKey,
		cfg.StorageSecretKey, cfg.StorageBucket, cfg.StorageSecure)
	if err != nil {
		return err
	}
	// Presigning is offline; a missing bucket only delays the first upload.
	if err := ensureBucket(ctx, store); err != nil {
		slog.Warn("storage bucket check failed, continuing", "error", err)
	}

	// Event fan-out: durable log append, then live delivery per user.
	hub := gateway.NewHub()
	events := &gateway.Broadcaster{DB: database, Hub: hub}

	sessions := &session.Manager{
		DB:       database,
		Cache:    kv,
		Events:   events,
		CacheTTL: time.Duration(cfg.SessionCacheTTLMins) * time.Minute,
	}

	// Start worker pool
	queue := analysis.NewQueue(cfg.QueueCapacity)
	analyzer := analysis.NewHTTPAnalyzer(cfg.AnalyzerURL, cfg.AnalyzerToken)
	pool := analysis.NewPool(database, cfg, queue, analyzer, store, events)
	pool.Start(ctx)
	defer pool.Stop()

	uploads := &upload.Service{
		DB:       database,
		Store:    store,
		Sessions: sessions,
		Queue:    queue,
		Events:   events,
		WriteTTL: time.Duration(cfg.WriteGrantTTLSecs) * time.Second,
		ReadTTL:  time.Duration(cfg.ReadGrantTTLMins) * time.Minute,
	}

	gw := gateway.NewServer(tokens, sessions, uploads, events, cfg.ReplayLimit)

	// Start reconciliation sweeper
	sw := &sweeper.Sweeper{
		DB:             database,
		Queue:          queue,
		Interval:       time.Duration(cfg.SweepIntervalSecs) * time.Second,
		GrantGrace:     time.Duration(cfg.GrantGraceSecs) * time.Second,
		RequeueAfter:   time.Duration(cfg.RequeueAfterSecs) * time.Second,
		EventRetention: time.Duration(cfg.EventRetentionHours) * time.Hour,
		ReplayKeep:     cfg.ReplayLimit,
	}
	sw.Start(ctx)
	defer sw.Stop()

	// Start disk stats cache
	diskCache := diskstat.New(cfg.DataDir, 60*time.Second)
	diskCache.Start()
	defer diskCache.Stop()

	// Rate limiter for auth endpoints: 5 requests/minute, burst of 5
	authRL := handler.NewRateLimiter(5.0/60.0, 5)
	defer authRL.Stop()

	// Build handler and routes
	h := &handler.Handler{
		DB:       database,
		Cfg:      cfg,
		Cache:    kv,
		Tokens:   tokens,
		Sessions: sessions,
		Uploads:  uploads,
		Queue:    queue,
		Gateway:  gw,
		Disk:     diskCache,
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h.Routes(authRL),
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down server")
		srv.Shutdown(context.Background())
	}()

	slog.Info("server starting", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// openCache picks the cache backend. REDIS_URL=memory selects the in-process
// cache for single-node development; revocation entries then do not survive
// a restart.
func openCache(ctx context.Context, cfg *config.Config) (cache.Cache, func(), error) {
	if cfg.RedisURL == "memory" {
		slog.Warn("using in-process cache, revocation entries will not survive restarts")
		return cache.NewMemory(), func() {}, nil
	}

	rdb, err := cache.NewRedis(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}

	// Revocation checks fail closed, so an unreachable cache means nobody
	// can authenticate. Refuse to start instead.
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}

	return rdb, func() { rdb.Close() }, nil
}

func ensureBucket(ctx context.Context, store *storage.MinIO) error {
	bctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return store.EnsureBucket(bctx)
}
