package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/review-insights-bot/internal/models"
	"github.com/review-insights-bot/internal/storage"
)

const storageKeyPrefix = "rate_limit_"

// Policy is a quota of MaxRequests per sliding Window for one operation key
type Policy struct {
	Key         string
	MaxRequests int
	Window      time.Duration
}

// Default policies for the two rate-limited operations
var (
	AnalysisPolicy = Policy{Key: "analysis", MaxRequests: 5, Window: 10 * time.Minute}
	ChatPolicy     = Policy{Key: "chat", MaxRequests: 15, Window: 5 * time.Minute}
)

// PoliciesFromConfig returns the analysis and chat policies with configured overrides
func PoliciesFromConfig(cfg *models.Config) (Policy, Policy) {
	analysis, chat := AnalysisPolicy, ChatPolicy
	if cfg.AnalysisLimit > 0 {
		analysis.MaxRequests = cfg.AnalysisLimit
	}
	if cfg.AnalysisWindow > 0 {
		analysis.Window = cfg.AnalysisWindow
	}
	if cfg.ChatLimit > 0 {
		chat.MaxRequests = cfg.ChatLimit
	}
	if cfg.ChatWindow > 0 {
		chat.Window = cfg.ChatWindow
	}
	return analysis, chat
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithNamespace scopes every key so independent owners can share one store
func WithNamespace(namespace string) Option {
	return func(l *Limiter) {
		l.namespace = namespace
	}
}

// Limiter is a sliding window request counter persisted in a Store.
// Timestamps outside the window are pruned lazily on every check.
type Limiter struct {
	store     storage.Store
	namespace string
	now       func() time.Time
	logger    zerolog.Logger
}

// NewLimiter creates a new rate limiter
func NewLimiter(store storage.Store, logger zerolog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		now:    time.Now,
		logger: logger.With().Str("component", "ratelimit").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckPolicy checks and records a request against p
func (l *Limiter) CheckPolicy(ctx context.Context, p Policy) models.RateLimitStatus {
	return l.Check(ctx, p.Key, p.MaxRequests, p.Window)
}

// Check records a request for key if fewer than maxRequests happened in the trailing window.
// Rejected attempts are not recorded. Storage failures fail open.
func (l *Limiter) Check(ctx context.Context, key string, maxRequests int, window time.Duration) models.RateLimitStatus {
	now := l.now()
	storageKey := l.storageKey(key)

	timestamps := pruneWindow(l.load(ctx, storageKey), now, window)

	if len(timestamps) >= maxRequests {
		resetTime := time.UnixMilli(timestamps[0]).Add(window)
		l.logger.Info().
			Str("key", storageKey).
			Int("count", len(timestamps)).
			Int("max_requests", maxRequests).
			Time("reset_time", resetTime).
			Msg("Rate limit exceeded")

		return models.RateLimitStatus{
			Allowed:   false,
			Remaining: 0,
			ResetTime: resetTime,
		}
	}

	timestamps = append(timestamps, now.UnixMilli())
	l.save(ctx, storageKey, timestamps)

	l.logger.Debug().
		Str("key", storageKey).
		Int("count", len(timestamps)).
		Int("remaining", maxRequests-len(timestamps)).
		Msg("Request recorded")

	return models.RateLimitStatus{
		Allowed:   true,
		Remaining: maxRequests - len(timestamps),
		ResetTime: now.Add(window),
	}
}

// Peek reports the current status for p without recording a request
func (l *Limiter) Peek(ctx context.Context, p Policy) models.RateLimitStatus {
	now := l.now()
	timestamps := pruneWindow(l.load(ctx, l.storageKey(p.Key)), now, p.Window)

	if len(timestamps) >= p.MaxRequests {
		return models.RateLimitStatus{
			Allowed:   false,
			Remaining: 0,
			ResetTime: time.UnixMilli(timestamps[0]).Add(p.Window),
		}
	}

	resetTime := now.Add(p.Window)
	if len(timestamps) > 0 {
		resetTime = time.UnixMilli(timestamps[0]).Add(p.Window)
	}

	return models.RateLimitStatus{
		Allowed:   true,
		Remaining: p.MaxRequests - len(timestamps),
		ResetTime: resetTime,
	}
}

func (l *Limiter) storageKey(key string) string {
	if l.namespace == "" {
		return storageKeyPrefix + key
	}
	return storageKeyPrefix + l.namespace + "_" + key
}

// load reads the timestamp list, treating missing or corrupt records as empty
func (l *Limiter) load(ctx context.Context, storageKey string) []int64 {
	raw, found, err := l.store.Get(ctx, storageKey)
	if err != nil {
		l.logger.Warn().
			Err(err).
			Str("key", storageKey).
			Msg("Failed to read rate limit record, treating as empty")
		return nil
	}
	if !found || raw == "" {
		return nil
	}

	timestamps, err := parseTimestamps(raw)
	if err != nil {
		l.logger.Warn().
			Err(err).
			Str("key", storageKey).
			Msg("Failed to parse rate limit timestamps, treating as empty")
		return nil
	}
	return timestamps
}

func (l *Limiter) save(ctx context.Context, storageKey string, timestamps []int64) {
	data, err := json.Marshal(timestamps)
	if err != nil {
		l.logger.Error().Err(err).Str("key", storageKey).Msg("Failed to encode rate limit timestamps")
		return
	}

	if err := l.store.Set(ctx, storageKey, string(data)); err != nil {
		l.logger.Error().
			Err(err).
			Str("key", storageKey).
			Msg("Failed to persist rate limit record")
	}
}

// parseTimestamps decodes a JSON array of epoch milliseconds.
// Any non-integral element invalidates the whole record.
func parseTimestamps(raw string) ([]int64, error) {
	var values []float64
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, err
	}

	timestamps := make([]int64, 0, len(values))
	for i, v := range values {
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("element %d is not an integer timestamp: %v", i, v)
		}
		timestamps = append(timestamps, int64(v))
	}
	return timestamps, nil
}

// pruneWindow keeps timestamps with now - ts < window, preserving order
func pruneWindow(timestamps []int64, now time.Time, window time.Duration) []int64 {
	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()

	kept := make([]int64, 0, len(timestamps))
	for _, ts := range timestamps {
		if nowMs-ts < windowMs {
			kept = append(kept, ts)
		}
	}
	return kept
}

// WaitTimeMinutes formats the time until resetTime as whole minutes, rounded up
func WaitTimeMinutes(resetTime, now time.Time) string {
	remaining := resetTime.Sub(now)
	if remaining < 0 {
		remaining = 0
	}

	minutes := int(math.Ceil(float64(remaining.Milliseconds()) / 60000))
	if minutes > 1 {
		return fmt.Sprintf("%d minutes", minutes)
	}
	return fmt.Sprintf("%d minute", minutes)
}
