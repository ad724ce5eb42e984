// Package analysis runs rate-limited, schema-validated review analyses.
package analysis

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/review-insights-bot/internal/llm"
	"github.com/review-insights-bot/internal/metrics"
	"github.com/review-insights-bot/internal/models"
	"github.com/review-insights-bot/internal/ratelimit"
	"github.com/review-insights-bot/internal/schema"
)

// ErrAnalysisInFlight is returned when Analyze is called while another analysis is running
var ErrAnalysisInFlight = errors.New("analysis already in progress")

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithPolicy overrides the analysis quota
func WithPolicy(p ratelimit.Policy) Option {
	return func(o *Orchestrator) {
		o.policy = p
	}
}

// WithMetrics records outcomes on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// Orchestrator runs one analysis at a time against a single provider
type Orchestrator struct {
	provider llm.Provider
	limiter  *ratelimit.Limiter
	policy   ratelimit.Policy
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	inFlight atomic.Bool
}

// New creates an orchestrator. A nil provider means no credential is configured
// and every Analyze call fails with a *models.ConfigurationError.
func New(provider llm.Provider, limiter *ratelimit.Limiter, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider: provider,
		limiter:  limiter,
		policy:   ratelimit.AnalysisPolicy,
		logger:   logger.With().Str("component", "analysis").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// InFlight reports whether an analysis is running
func (o *Orchestrator) InFlight() bool {
	return o.inFlight.Load()
}

// Analyze sends rawText to the provider and returns the validated result.
//
// Errors: *models.ConfigurationError, ErrAnalysisInFlight, *models.RateLimitError,
// or *models.AnalysisError wrapping a transport or malformed response error.
func (o *Orchestrator) Analyze(ctx context.Context, rawText string) (*models.AnalysisResult, error) {
	if o.provider == nil {
		o.metrics.RecordAnalysis("none", metrics.StatusConfig, 0)
		return nil, &models.ConfigurationError{}
	}

	if !o.inFlight.CompareAndSwap(false, true) {
		o.logger.Debug().Msg("Analysis rejected, another one is in flight")
		return nil, ErrAnalysisInFlight
	}
	defer o.inFlight.Store(false)

	providerName := o.provider.Name().String()

	status := o.limiter.CheckPolicy(ctx, o.policy)
	if !status.Allowed {
		o.metrics.RecordAnalysis(providerName, metrics.StatusRateLimited, 0)
		o.metrics.RecordRateLimitExceeded(o.policy.Key)
		return nil, &models.RateLimitError{ResetTime: status.ResetTime}
	}

	o.logger.Info().
		Str("provider", providerName).
		Int("input_length", len([]rune(rawText))).
		Int("remaining", status.Remaining).
		Msg("Starting analysis")

	startTime := time.Now()
	raw, err := o.provider.Analyze(ctx, rawText, schema.Analysis)
	elapsed := time.Since(startTime)
	if err != nil {
		o.recordFailure(providerName, err, elapsed)
		o.logger.Error().
			Err(err).
			Str("provider", providerName).
			Dur("elapsed", elapsed).
			Msg("Analysis request failed")
		return nil, &models.AnalysisError{Provider: o.provider.Name(), Err: err}
	}

	result, err := schema.Parse(raw)
	if err != nil {
		o.metrics.RecordAnalysis(providerName, metrics.StatusMalformed, elapsed)
		o.logger.Warn().
			Err(err).
			Str("provider", providerName).
			Str("raw", raw).
			Msg("Provider returned a malformed analysis")
		return nil, &models.AnalysisError{Provider: o.provider.Name(), Err: err}
	}

	o.metrics.RecordAnalysis(providerName, metrics.StatusSuccess, elapsed)
	o.logger.Info().
		Str("provider", providerName).
		Int("trend_points", len(result.SentimentTrend)).
		Int("keywords", len(result.WordCloud)).
		Int("actionable_areas", len(result.Summary.ActionableAreas)).
		Dur("elapsed", elapsed).
		Msg("Analysis completed")

	return result, nil
}

func (o *Orchestrator) recordFailure(provider string, err error, elapsed time.Duration) {
	var malformed *models.MalformedResponseError
	if errors.As(err, &malformed) {
		o.logger.Warn().
			Str("provider", provider).
			Str("raw", malformed.Raw).
			Msg("Provider returned an unreadable response")
		o.metrics.RecordAnalysis(provider, metrics.StatusMalformed, elapsed)
		return
	}
	o.metrics.RecordAnalysis(provider, metrics.StatusTransport, elapsed)
}
