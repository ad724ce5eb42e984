package storage

import (
	"context"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// MemoryStore keeps values in process memory. Counters do not survive a restart.
type MemoryStore struct {
	cache  *cache.Cache
	logger zerolog.Logger
}

// NewMemoryStore creates an in-memory store
func NewMemoryStore(logger zerolog.Logger) *MemoryStore {
	return &MemoryStore{
		cache:  cache.New(cache.NoExpiration, 0),
		logger: logger.With().Str("component", "storage").Str("backend", BackendMemory).Logger(),
	}
}

// Get returns the value stored under key
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	val, found := s.cache.Get(key)
	if !found {
		return "", false, nil
	}
	str, ok := val.(string)
	if !ok {
		// Only Set writes here, so anything else is a programming error upstream
		s.logger.Warn().Str("key", key).Msg("Unexpected value type in memory store, ignoring")
		return "", false, nil
	}
	return str, true, nil
}

// Set stores value under key
func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.cache.Set(key, value, cache.NoExpiration)
	return nil
}

// Close flushes all entries
func (s *MemoryStore) Close() error {
	s.cache.Flush()
	return nil
}
