package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr string
	DataDir    string
	BaseURL    string
	LogLevel   string

	TokenSecret   string
	TokenTTLHours int

	RedisURL string

	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	StorageSecure    bool

	AnalyzerURL   string
	AnalyzerToken string

	WorkerCount    int
	QueueCapacity  int
	MaxAttempts    int
	AlertThreshold float64

	WriteGrantTTLSecs   int
	ReadGrantTTLMins    int
	SessionCacheTTLMins int

	SweepIntervalSecs   int
	GrantGraceSecs      int
	RequeueAfterSecs    int
	EventRetentionHours int
	ReplayLimit         int
}

func Load() *Config {
	// A .env file is optional; deployments usually set the environment directly.
	godotenv.Load()

	return &Config{
		ListenAddr: envOr("LISTEN_ADDR", ":8080"),
		DataDir:    envOr("DATA_DIR", "./data"),
		BaseURL:    envOr("BASE_URL", "http://localhost:8080"),
		LogLevel:   envOr("LOG_LEVEL", "info"),

		TokenSecret:   envOr("TOKEN_SECRET", "change-me-in-production-32-bytes!"),
		TokenTTLHours: envIntOr("TOKEN_TTL_HOURS", 24),

		RedisURL: envOr("REDIS_URL", "redis://localhost:6379/0"),

		StorageEndpoint:  envOr("STORAGE_ENDPOINT", "localhost:9000"),
		StorageAccessKey: envOr("STORAGE_ACCESS_KEY", "wakesafe"),
		StorageSecretKey: envOr("STORAGE_SECRET_KEY", "wakesafe-secret"),
		StorageBucket:    envOr("STORAGE_BUCKET", "wakesafe-photos"),
		StorageSecure:    envBoolOr("STORAGE_SECURE", false),

		AnalyzerURL:   envOr("ANALYZER_URL", "http://localhost:9100"),
		AnalyzerToken: envOr("ANALYZER_TOKEN", ""),

		WorkerCount:    envIntOr("WORKER_COUNT", 4),
		QueueCapacity:  envIntOr("QUEUE_CAPACITY", 256),
		MaxAttempts:    envIntOr("MAX_ATTEMPTS", 3),
		AlertThreshold: envFloatOr("ALERT_THRESHOLD", 0.6),

		WriteGrantTTLSecs:   envIntOr("WRITE_GRANT_TTL_SECS", 60),
		ReadGrantTTLMins:    envIntOr("READ_GRANT_TTL_MINS", 60),
		SessionCacheTTLMins: envIntOr("SESSION_CACHE_TTL_MINS", 120),

		SweepIntervalSecs:   envIntOr("SWEEP_INTERVAL_SECS", 60),
		GrantGraceSecs:      envIntOr("GRANT_GRACE_SECS", 30),
		RequeueAfterSecs:    envIntOr("REQUEUE_AFTER_SECS", 300),
		EventRetentionHours: envIntOr("EVENT_RETENTION_HOURS", 24),
		ReplayLimit:         envIntOr("REPLAY_LIMIT", 500),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
