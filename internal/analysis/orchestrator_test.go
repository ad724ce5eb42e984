package analysis

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/review-insights-bot/internal/llm"
	"github.com/review-insights-bot/internal/metrics"
	"github.com/review-insights-bot/internal/models"
	"github.com/review-insights-bot/internal/ratelimit"
	"github.com/review-insights-bot/internal/schema"
	"github.com/review-insights-bot/internal/storage"
)

const validAnalysis = `{
  "sentimentTrend": [{"date": "2024-05-01", "sentiment": 55, "snippet": "quick refund"}],
  "wordCloud": [{"text": "refund speed", "value": 9, "type": "praise"}],
  "summary": {"overview": "Refunds are handled well.", "actionableAreas": []}
}`

// fakeProvider answers Analyze with analyzeFn and counts calls
type fakeProvider struct {
	analyzeFn func(ctx context.Context, reviews string) (string, error)
	calls     atomic.Int32
}

func (p *fakeProvider) Name() models.ProviderName { return models.ProviderGemini }

func (p *fakeProvider) Analyze(ctx context.Context, reviews string, contract *schema.Node) (string, error) {
	p.calls.Add(1)
	return p.analyzeFn(ctx, reviews)
}

func (p *fakeProvider) NewChatSession(context.Context, string) (llm.ChatSession, error) {
	return nil, errors.New("not supported")
}

func (p *fakeProvider) Close() error { return nil }

func respondWith(raw string, err error) func(context.Context, string) (string, error) {
	return func(context.Context, string) (string, error) { return raw, err }
}

func newTestOrchestrator(provider llm.Provider, opts ...Option) (*Orchestrator, *ratelimit.Limiter) {
	limiter := ratelimit.NewLimiter(storage.NewMemoryStore(zerolog.Nop()), zerolog.Nop())
	return New(provider, limiter, zerolog.Nop(), opts...), limiter
}

func TestAnalyze_Success(t *testing.T) {
	var received string
	provider := &fakeProvider{analyzeFn: func(_ context.Context, reviews string) (string, error) {
		received = reviews
		return "```json\n" + validAnalysis + "\n```", nil
	}}
	orchestrator, limiter := newTestOrchestrator(provider)

	result, err := orchestrator.Analyze(context.Background(), "Refund took one day!")
	require.NoError(t, err)
	assert.Equal(t, "Refund took one day!", received)
	assert.Equal(t, "Refunds are handled well.", result.Summary.Overview)
	assert.Equal(t, []string{"refund speed"}, result.Phrases(models.WordPraise))

	assert.Equal(t, 4, limiter.Peek(context.Background(), ratelimit.AnalysisPolicy).Remaining)
	assert.False(t, orchestrator.InFlight())
}

func TestAnalyze_NoProvider(t *testing.T) {
	orchestrator, limiter := newTestOrchestrator(nil)

	_, err := orchestrator.Analyze(context.Background(), "reviews")
	var cfgErr *models.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))

	assert.Equal(t, 5, limiter.Peek(context.Background(), ratelimit.AnalysisPolicy).Remaining, "no quota consumed")
}

func TestAnalyze_RateLimited(t *testing.T) {
	provider := &fakeProvider{analyzeFn: respondWith(validAnalysis, nil)}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	orchestrator, _ := newTestOrchestrator(provider, WithMetrics(m))

	for i := 0; i < 5; i++ {
		_, err := orchestrator.Analyze(context.Background(), "reviews")
		require.NoError(t, err, "call %d", i+1)
	}

	before := time.Now()
	_, err := orchestrator.Analyze(context.Background(), "reviews")
	rlErr, ok := models.IsRateLimited(err)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(err.Error(), "RATE_LIMIT_EXCEEDED|"))
	assert.True(t, rlErr.ResetTime.After(before))
	assert.Equal(t, int32(5), provider.calls.Load(), "rejected call never reaches the provider")

	expected := `
# HELP review_insights_rate_limit_exceeded_total Total number of rate limit exceeded events
# TYPE review_insights_rate_limit_exceeded_total counter
review_insights_rate_limit_exceeded_total{operation="analysis"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "review_insights_rate_limit_exceeded_total"))
}

func TestAnalyze_CustomPolicy(t *testing.T) {
	provider := &fakeProvider{analyzeFn: respondWith(validAnalysis, nil)}
	orchestrator, _ := newTestOrchestrator(provider, WithPolicy(ratelimit.Policy{Key: "analysis", MaxRequests: 1, Window: time.Hour}))

	_, err := orchestrator.Analyze(context.Background(), "a")
	require.NoError(t, err)
	_, err = orchestrator.Analyze(context.Background(), "b")
	_, limited := models.IsRateLimited(err)
	assert.True(t, limited)
}

func TestAnalyze_RejectsReentrantCall(t *testing.T) {
	release := make(chan struct{})
	provider := &fakeProvider{analyzeFn: func(ctx context.Context, _ string) (string, error) {
		<-release
		return validAnalysis, nil
	}}
	orchestrator, limiter := newTestOrchestrator(provider)

	done := make(chan error, 1)
	go func() {
		_, err := orchestrator.Analyze(context.Background(), "first")
		done <- err
	}()

	require.Eventually(t, orchestrator.InFlight, time.Second, 5*time.Millisecond)

	_, err := orchestrator.Analyze(context.Background(), "second")
	assert.ErrorIs(t, err, ErrAnalysisInFlight)
	assert.Equal(t, 4, limiter.Peek(context.Background(), ratelimit.AnalysisPolicy).Remaining, "rejected call consumes no quota")

	close(release)
	require.NoError(t, <-done)
	assert.False(t, orchestrator.InFlight())

	_, err = orchestrator.Analyze(context.Background(), "third")
	assert.NoError(t, err)
	assert.Equal(t, int32(2), provider.calls.Load())
}

func TestAnalyze_Failures(t *testing.T) {
	tests := []struct {
		name          string
		analyzeFn     func(context.Context, string) (string, error)
		wantTransport bool
		wantMalformed bool
	}{
		{
			name:          "transport",
			analyzeFn:     respondWith("", &models.ProviderTransportError{Provider: models.ProviderGemini, StatusCode: 503, Err: errors.New("unavailable")}),
			wantTransport: true,
		},
		{
			name:          "malformed from provider",
			analyzeFn:     respondWith("", &models.MalformedResponseError{Raw: "<html>", Err: errors.New("bad envelope")}),
			wantMalformed: true,
		},
		{
			name:          "missing summary",
			analyzeFn:     respondWith(`{"sentimentTrend": [], "wordCloud": []}`, nil),
			wantMalformed: true,
		},
		{
			name:          "empty text",
			analyzeFn:     respondWith("", nil),
			wantMalformed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeProvider{analyzeFn: tt.analyzeFn}
			orchestrator, _ := newTestOrchestrator(provider)

			result, err := orchestrator.Analyze(context.Background(), "reviews")
			require.Error(t, err)
			assert.Nil(t, result)

			var analysisErr *models.AnalysisError
			require.True(t, errors.As(err, &analysisErr))
			assert.Equal(t, models.ProviderGemini, analysisErr.Provider)

			var transportErr *models.ProviderTransportError
			assert.Equal(t, tt.wantTransport, errors.As(err, &transportErr))
			var malformed *models.MalformedResponseError
			assert.Equal(t, tt.wantMalformed, errors.As(err, &malformed))

			// The orchestrator is ready for the next call
			assert.False(t, orchestrator.InFlight())
			provider.analyzeFn = respondWith(validAnalysis, nil)
			_, err = orchestrator.Analyze(context.Background(), "reviews")
			assert.NoError(t, err)
		})
	}
}
