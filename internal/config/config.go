// Package config loads server configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the server runtime configuration.
type Config struct {
	Addr        string
	DatabaseDSN string
	RedisAddr   string // empty: in-memory resume store

	JWTKey     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// RememberedTTL applies to sessions opened with "remember this device".
	RememberedTTL time.Duration

	// ChunkThreshold is the delta size above which a pull turns chunked.
	ChunkThreshold int
	ChunkSize      int

	ReconcileInterval time.Duration
	MaxRetries        int
	AppliedRetention  time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first when present; real environment wins.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:              envStr("ADDR", ":8080"),
		DatabaseDSN:       os.Getenv("DATABASE_DSN"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		JWTKey:            os.Getenv("JWT_KEY"),
		AccessTTL:         envDur("ACCESS_TTL", 30*time.Minute),
		RefreshTTL:        envDur("REFRESH_TTL", 24*time.Hour),
		RememberedTTL:     envDur("REMEMBERED_TTL", 30*24*time.Hour),
		ChunkThreshold:    envInt("CHUNK_THRESHOLD", 200),
		ChunkSize:         envInt("CHUNK_SIZE", 100),
		ReconcileInterval: envDur("RECONCILE_INTERVAL", 5*time.Second),
		MaxRetries:        envInt("MAX_RETRIES", 5),
		AppliedRetention:  envDur("APPLIED_RETENTION", 24*time.Hour),
	}
	if cfg.DatabaseDSN == "" {
		return nil, fmt.Errorf("DATABASE_DSN is required")
	}
	if cfg.JWTKey == "" {
		return nil, fmt.Errorf("JWT_KEY is required")
	}
	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}
