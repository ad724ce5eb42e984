package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	supa "github.com/supabase-community/supabase-go"
)

const rateLimitsTable = "rate_limits"

// SupabaseStore keeps values in a Supabase table:
//
//	create table rate_limits (key text primary key, value text not null, updated_at timestamptz not null);
type SupabaseStore struct {
	client  *supa.Client
	timeout time.Duration
	logger  zerolog.Logger
}

// NewSupabaseStore creates a new Supabase-backed store
func NewSupabaseStore(supabaseURL, supabaseKey string, timeout int, logger zerolog.Logger) (*SupabaseStore, error) {
	if supabaseURL == "" || supabaseKey == "" {
		return nil, fmt.Errorf("supabase url and key are required")
	}

	client, err := supa.NewClient(supabaseURL, supabaseKey, &supa.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}

	return &SupabaseStore{
		client:  client,
		timeout: time.Duration(timeout) * time.Second,
		logger:  logger.With().Str("component", "storage").Str("backend", BackendSupabase).Logger(),
	}, nil
}

// Ping checks if the connection to Supabase is working
func (s *SupabaseStore) Ping(ctx context.Context) error {
	_, _, err := s.client.From(rateLimitsTable).
		Select("key", "exact", false).
		Limit(1, "").
		Execute()

	if err != nil {
		return fmt.Errorf("supabase ping failed: %w", err)
	}

	s.logger.Debug().Msg("Supabase connection successful")
	return nil
}

// Get returns the value stored under key
func (s *SupabaseStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []struct {
		Value string `json:"value"`
	}

	err := s.withRetry(ctx, "get_rate_limit", func() error {
		data, _, err := s.client.From(rateLimitsTable).
			Select("value", "", false).
			Eq("key", key).
			Execute()
		if err != nil {
			return fmt.Errorf("failed to select rate limit: %w", err)
		}

		if err := json.Unmarshal(data, &rows); err != nil {
			return fmt.Errorf("failed to parse rate limit rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}

	if len(rows) == 0 {
		s.logger.Debug().Str("key", key).Msg("No existing rate limit record")
		return "", false, nil
	}

	return rows[0].Value, true, nil
}

// Set upserts value under key
func (s *SupabaseStore) Set(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.withRetry(ctx, "set_rate_limit", func() error {
		data := map[string]interface{}{
			"key":        key,
			"value":      value,
			"updated_at": time.Now().UTC(),
		}

		_, _, err := s.client.From(rateLimitsTable).
			Insert(data, true, "key", "", "").
			Execute()
		if err != nil {
			return fmt.Errorf("failed to upsert rate limit: %w", err)
		}
		return nil
	})

	if err != nil {
		s.logger.Error().
			Err(err).
			Str("key", key).
			Msg("Failed to store rate limit record")
		return err
	}

	return nil
}

// Close is a no-op, the REST client holds no connections
func (s *SupabaseStore) Close() error {
	return nil
}

// withRetry executes a function with retry logic
func (s *SupabaseStore) withRetry(ctx context.Context, operation string, fn func() error) error {
	maxRetries := 2
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			s.logger.Warn().
				Str("operation", operation).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("Retrying operation")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		s.logger.Error().
			Err(lastErr).
			Str("operation", operation).
			Int("attempt", attempt+1).
			Msg("Operation failed")
	}

	return fmt.Errorf("operation %s failed after %d attempts: %w", operation, maxRetries+1, lastErr)
}
