package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/review-insights-bot/internal/models"
)

// Store is a durable key-value store used for rate-limit counters.
// Implementations do not lock across processes; concurrent writers may
// lose updates.
type Store interface {
	// Get returns the stored value and whether the key exists
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key, replacing any previous value
	Set(ctx context.Context, key, value string) error
	// Close releases backend resources
	Close() error
}

// Backend names accepted by NewStore
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendSupabase = "supabase"
)

// NewStore creates the store selected by cfg.StorageBackend
func NewStore(ctx context.Context, cfg *models.Config, logger zerolog.Logger) (Store, error) {
	switch strings.ToLower(cfg.StorageBackend) {
	case BackendMemory:
		return NewMemoryStore(logger), nil
	case BackendSQLite:
		return NewSQLiteStore(ctx, cfg.SQLitePath, logger)
	case BackendRedis:
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	case BackendSupabase:
		store, err := NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseTimeout, logger)
		if err != nil {
			return nil, err
		}
		if err := store.Ping(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.StorageBackend)
	}
}
