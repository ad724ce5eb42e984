// Package chat manages a follow-up conversation grounded in an analysis result.
package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/review-insights-bot/internal/llm"
	"github.com/review-insights-bot/internal/metrics"
	"github.com/review-insights-bot/internal/models"
	"github.com/review-insights-bot/internal/ratelimit"
)

// Fixed texts shown without calling the model
const (
	WelcomeWithContext = "I've reviewed the analysis. I can compare these metrics with competitors (using Google Search) or generate Python code to help you analyze this data further. What do you need?"
	WelcomeGeneric     = "Hello! I can help answer questions about customer experience strategies or write Python analysis scripts."
	ErrorReplyText     = "I'm having trouble connecting right now. Please try again."
	EmptyReplyText     = "I didn't get a response."
)

// State is the position of the session state machine
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateSending
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateSending:
		return "sending"
	default:
		return "unknown"
	}
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithPolicy overrides the chat quota
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

// WithClock overrides the message timestamp source
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator owns one chat session and its visible message history.
// At most one Send is outstanding. Reset starts a new generation and
// replies that belong to an older generation are dropped.
type Orchestrator struct {
	provider llm.Provider
	limiter  *ratelimit.Limiter
	policy   ratelimit.Policy
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   zerolog.Logger

	// resetMu serializes Reset so sessions are installed in creation order
	resetMu sync.Mutex

	mu         sync.Mutex
	generation uint64
	sending    bool
	session    llm.ChatSession
	sessionErr error
	hasContext bool
	messages   []models.ChatMessage
}

// New creates an uninitialized orchestrator. A nil provider means no credential is configured.
func New(provider llm.Provider, limiter *ratelimit.Limiter, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider: provider,
		limiter:  limiter,
		policy:   ratelimit.ChatPolicy,
		now:      time.Now,
		logger:   logger.With().Str("component", "chat").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Reset discards the current session and starts a new one for contextData (nil for none).
// The history is replaced by a single welcome message. Session creation failures
// are kept and returned by the next Send.
func (o *Orchestrator) Reset(ctx context.Context, contextData *models.AnalysisResult) {
	o.resetMu.Lock()
	defer o.resetMu.Unlock()

	var (
		session llm.ChatSession
		err     error
	)
	if o.provider == nil {
		err = &models.ConfigurationError{}
	} else {
		session, err = o.provider.NewChatSession(ctx, llm.SystemInstruction(contextData))
	}

	welcome := WelcomeGeneric
	if contextData != nil {
		welcome = WelcomeWithContext
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.generation++
	o.sending = false
	o.session = session
	o.sessionErr = err
	o.hasContext = contextData != nil
	o.messages = []models.ChatMessage{o.newMessage(models.RoleModel, welcome, nil)}

	if err != nil {
		o.logger.Warn().Err(err).Uint64("generation", o.generation).Msg("Chat session could not be created")
		return
	}
	o.logger.Info().
		Uint64("generation", o.generation).
		Bool("has_context", o.hasContext).
		Msg("Chat session reset")
}

// Send sends text and returns the model reply.
//
// It returns (nil, nil) without doing anything when text is blank, a send is
// already in flight, Reset was never called, or the reply arrived after a Reset.
// A *models.RateLimitError leaves the history untouched. Provider failures append
// ErrorReplyText to the history and return the provider error.
func (o *Orchestrator) Send(ctx context.Context, text string) (*models.ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	o.mu.Lock()
	if o.generation == 0 {
		o.mu.Unlock()
		return nil, nil
	}
	if o.sending {
		o.mu.Unlock()
		o.logger.Debug().Msg("Send ignored, another message is in flight")
		return nil, nil
	}
	if o.sessionErr != nil {
		err := o.sessionErr
		o.mu.Unlock()
		o.metrics.RecordChat(o.providerName(), metrics.StatusConfig, 0)
		return nil, err
	}
	gen := o.generation
	session := o.session
	o.sending = true
	o.mu.Unlock()

	status := o.limiter.CheckPolicy(ctx, o.policy)
	if !status.Allowed {
		o.finish(gen)
		o.metrics.RecordChat(o.providerName(), metrics.StatusRateLimited, 0)
		o.metrics.RecordRateLimitExceeded(o.policy.Key)
		return nil, &models.RateLimitError{ResetTime: status.ResetTime}
	}

	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return nil, nil
	}
	o.messages = append(o.messages, o.newMessage(models.RoleUser, text, nil))
	o.mu.Unlock()

	startTime := time.Now()
	reply, err := session.Send(ctx, text)
	elapsed := time.Since(startTime)

	o.mu.Lock()
	defer o.mu.Unlock()

	if gen != o.generation {
		o.logger.Debug().
			Uint64("reply_generation", gen).
			Uint64("current_generation", o.generation).
			Msg("Discarding reply from a replaced session")
		return nil, nil
	}
	o.sending = false

	if err != nil {
		o.messages = append(o.messages, o.newMessage(models.RoleModel, ErrorReplyText, nil))
		o.metrics.RecordChat(o.providerName(), metrics.StatusTransport, elapsed)
		o.logger.Error().Err(err).Dur("elapsed", elapsed).Msg("Chat request failed")
		return nil, err
	}

	replyText := reply.Text
	if strings.TrimSpace(replyText) == "" {
		replyText = EmptyReplyText
	}

	msg := o.newMessage(models.RoleModel, replyText, reply.Sources)
	o.messages = append(o.messages, msg)
	o.metrics.RecordChat(o.providerName(), metrics.StatusSuccess, elapsed)
	o.logger.Debug().
		Int("response_length", len(replyText)).
		Int("sources", len(reply.Sources)).
		Dur("elapsed", elapsed).
		Msg("Chat reply appended")

	return &msg, nil
}

// Messages returns a copy of the visible history
func (o *Orchestrator) Messages() []models.ChatMessage {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]models.ChatMessage, len(o.messages))
	copy(out, o.messages)
	return out
}

// State reports the state machine position
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case o.generation == 0:
		return StateUninitialized
	case o.sending:
		return StateSending
	default:
		return StateReady
	}
}

// HasContext reports whether the current session is grounded in an analysis
func (o *Orchestrator) HasContext() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hasContext
}

func (o *Orchestrator) finish(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen == o.generation {
		o.sending = false
	}
}

func (o *Orchestrator) newMessage(role models.Role, text string, sources []models.Source) models.ChatMessage {
	return models.ChatMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: o.now(),
		Sources:   sources,
	}
}

func (o *Orchestrator) providerName() string {
	if o.provider == nil {
		return "none"
	}
	return o.provider.Name().String()
}
