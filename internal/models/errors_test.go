package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitError_Signal(t *testing.T) {
	reset := time.UnixMilli(1735689600123)
	err := &RateLimitError{ResetTime: reset}

	assert.Equal(t, "RATE_LIMIT_EXCEEDED|1735689600123", err.Error())

	parsed, ok := ParseRateLimitSignal(err.Error())
	require.True(t, ok)
	assert.True(t, parsed.Equal(reset))
}

func TestParseRateLimitSignal_Invalid(t *testing.T) {
	tests := []string{
		"",
		"RATE_LIMIT_EXCEEDED",
		"RATE_LIMIT_EXCEEDED|soon",
		"OTHER|123",
	}

	for _, signal := range tests {
		t.Run(signal, func(t *testing.T) {
			_, ok := ParseRateLimitSignal(signal)
			assert.False(t, ok)
		})
	}
}

func TestAnalysisError_Unwrap(t *testing.T) {
	cause := &MalformedResponseError{Raw: "{", Err: errors.New("unexpected end of JSON input")}
	err := fmt.Errorf("analyze: %w", &AnalysisError{Provider: ProviderGemini, Err: cause})

	var malformed *MalformedResponseError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, "{", malformed.Raw)

	var transport *ProviderTransportError
	assert.False(t, errors.As(err, &transport))
}

func TestIsRateLimited(t *testing.T) {
	wrapped := fmt.Errorf("chat: %w", &RateLimitError{ResetTime: time.UnixMilli(42)})

	rlErr, ok := IsRateLimited(wrapped)
	require.True(t, ok)
	assert.Equal(t, int64(42), rlErr.ResetTime.UnixMilli())

	_, ok = IsRateLimited(errors.New("boom"))
	assert.False(t, ok)
}

func TestAnalysisResult_Helpers(t *testing.T) {
	result := &AnalysisResult{
		SentimentTrend: []ReviewPoint{
			{Date: "2024-03-02", Sentiment: 40, Snippet: "great support"},
			{Date: "2024-01-15", Sentiment: -20, Snippet: "late delivery"},
		},
		WordCloud: []WordFrequency{
			{Text: "late delivery", Value: 12, Type: WordComplaint},
			{Text: "friendly staff", Value: 8, Type: WordPraise},
			{Text: "broken box", Value: 3, Type: WordComplaint},
		},
	}

	sorted := result.SortedTrend()
	assert.Equal(t, "2024-01-15", sorted[0].Date)
	assert.Equal(t, "2024-03-02", result.SentimentTrend[0].Date, "original order is preserved")

	assert.Equal(t, []string{"late delivery", "broken box"}, result.Complaints())
	assert.Equal(t, []string{"friendly staff"}, result.Phrases(WordPraise))
	assert.InDelta(t, 10.0, result.AverageSentiment(), 0.001)
}
