package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RateLimitSignalPrefix starts the string form of a RateLimitError.
// Callers parse "RATE_LIMIT_EXCEEDED|<resetTimeEpochMillis>", keep it stable.
const RateLimitSignalPrefix = "RATE_LIMIT_EXCEEDED"

// ConfigurationError means no provider credential is available
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return "configuration error: no provider API key configured"
	}
	return "configuration error: " + e.Reason
}

// RateLimitError means the quota for an operation is exhausted until ResetTime
type RateLimitError struct {
	ResetTime time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s|%d", RateLimitSignalPrefix, e.ResetTime.UnixMilli())
}

// ParseRateLimitSignal extracts the reset time from a RATE_LIMIT_EXCEEDED|<ms> string
func ParseRateLimitSignal(signal string) (time.Time, bool) {
	prefix, millis, found := strings.Cut(signal, "|")
	if !found || prefix != RateLimitSignalPrefix {
		return time.Time{}, false
	}

	ms, err := strconv.ParseInt(strings.TrimSpace(millis), 10, 64)
	if err != nil {
		return time.Time{}, false
	}

	return time.UnixMilli(ms), true
}

// ProviderTransportError is a network or HTTP level failure talking to a backend
type ProviderTransportError struct {
	Provider   ProviderName
	StatusCode int // 0 when the request never got a response
	Err        error
}

func (e *ProviderTransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s transport error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s transport error: %v", e.Provider, e.Err)
}

func (e *ProviderTransportError) Unwrap() error {
	return e.Err
}

// MalformedResponseError means a provider returned data that is not a valid analysis.
// Raw holds the payload for diagnostics and must never be shown to end users.
type MalformedResponseError struct {
	Raw string
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed provider response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// AnalysisError wraps a transport or parse failure of an analysis call
type AnalysisError struct {
	Provider ProviderName
	Err      error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis with %s failed: %v", e.Provider, e.Err)
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err carries a RateLimitError and returns it
func IsRateLimited(err error) (*RateLimitError, bool) {
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return rlErr, true
	}
	return nil, false
}
