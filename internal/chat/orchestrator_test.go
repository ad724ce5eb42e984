package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/review-insights-bot/internal/llm"
	"github.com/review-insights-bot/internal/models"
	"github.com/review-insights-bot/internal/ratelimit"
	"github.com/review-insights-bot/internal/schema"
	"github.com/review-insights-bot/internal/storage"
)

// fakeSession answers with sendFn and counts calls
type fakeSession struct {
	sendFn func(ctx context.Context, text string) (llm.ChatReply, error)
	calls  atomic.Int32
}

func (s *fakeSession) Send(ctx context.Context, text string) (llm.ChatReply, error) {
	s.calls.Add(1)
	return s.sendFn(ctx, text)
}

// fakeProvider hands out sessions built by newSession and records system instructions
type fakeProvider struct {
	mu           sync.Mutex
	instructions []string
	sessions     []*fakeSession
	newSession   func() *fakeSession
}

func (p *fakeProvider) Name() models.ProviderName { return models.ProviderOpenAI }

func (p *fakeProvider) Analyze(context.Context, string, *schema.Node) (string, error) {
	return "", errors.New("not supported")
}

func (p *fakeProvider) NewChatSession(_ context.Context, systemInstruction string) (llm.ChatSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	session := p.newSession()
	p.instructions = append(p.instructions, systemInstruction)
	p.sessions = append(p.sessions, session)
	return session, nil
}

func (p *fakeProvider) Close() error { return nil }

func echoSession() *fakeSession {
	return &fakeSession{sendFn: func(_ context.Context, text string) (llm.ChatReply, error) {
		return llm.ChatReply{Text: "echo: " + text}, nil
	}}
}

func newTestOrchestrator(provider llm.Provider, opts ...Option) *Orchestrator {
	limiter := ratelimit.NewLimiter(storage.NewMemoryStore(zerolog.Nop()), zerolog.Nop())
	return New(provider, limiter, zerolog.Nop(), opts...)
}

var sampleResult = &models.AnalysisResult{
	WordCloud: []models.WordFrequency{{Text: "slow checkout", Value: 14, Type: models.WordComplaint}},
	Summary:   models.Summary{Overview: "Checkout is the main pain point."},
}

func TestSend_BeforeReset(t *testing.T) {
	orchestrator := newTestOrchestrator(&fakeProvider{newSession: echoSession})
	assert.Equal(t, StateUninitialized, orchestrator.State())

	msg, err := orchestrator.Send(context.Background(), "hello")
	assert.NoError(t, err)
	assert.Nil(t, msg)
	assert.Empty(t, orchestrator.Messages())
}

func TestReset_WelcomeMessages(t *testing.T) {
	tests := []struct {
		name            string
		contextData     *models.AnalysisResult
		wantWelcome     string
		wantInstruction string
	}{
		{name: "without context", contextData: nil, wantWelcome: WelcomeGeneric, wantInstruction: llm.GenericChatInstruction},
		{name: "with context", contextData: sampleResult, wantWelcome: WelcomeWithContext, wantInstruction: llm.SystemInstruction(sampleResult)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeProvider{newSession: echoSession}
			orchestrator := newTestOrchestrator(provider)

			orchestrator.Reset(context.Background(), tt.contextData)

			messages := orchestrator.Messages()
			require.Len(t, messages, 1)
			assert.Equal(t, models.RoleModel, messages[0].Role)
			assert.Equal(t, tt.wantWelcome, messages[0].Text)
			assert.NotEmpty(t, messages[0].ID)
			assert.Equal(t, StateReady, orchestrator.State())
			assert.Equal(t, tt.contextData != nil, orchestrator.HasContext())

			require.Len(t, provider.sessions, 1)
			assert.Equal(t, []string{tt.wantInstruction}, provider.instructions)
			assert.Equal(t, int32(0), provider.sessions[0].calls.Load(), "welcome needs no model call")
		})
	}
}

func TestSend_Success(t *testing.T) {
	sources := []models.Source{{Title: "Benchmarks", URI: "https://example.com/b"}}
	provider := &fakeProvider{newSession: func() *fakeSession {
		return &fakeSession{sendFn: func(context.Context, string) (llm.ChatReply, error) {
			return llm.ChatReply{Text: "Industry average is 42.", Sources: sources}, nil
		}}
	}}
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	orchestrator := newTestOrchestrator(provider, WithClock(func() time.Time { return fixed }))
	orchestrator.Reset(context.Background(), sampleResult)

	msg, err := orchestrator.Send(context.Background(), "How do we compare?")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, models.RoleModel, msg.Role)
	assert.Equal(t, "Industry average is 42.", msg.Text)
	assert.Equal(t, sources, msg.Sources)
	assert.Equal(t, fixed, msg.Timestamp)

	messages := orchestrator.Messages()
	require.Len(t, messages, 3)
	assert.Equal(t, models.RoleUser, messages[1].Role)
	assert.Equal(t, "How do we compare?", messages[1].Text)
	assert.Equal(t, msg.ID, messages[2].ID)
	assert.NotEqual(t, messages[1].ID, messages[2].ID)
	assert.Equal(t, StateReady, orchestrator.State())
}

func TestSend_BlankTextIsNoop(t *testing.T) {
	provider := &fakeProvider{newSession: echoSession}
	orchestrator := newTestOrchestrator(provider)
	orchestrator.Reset(context.Background(), nil)

	for _, text := range []string{"", "   ", "\n\t"} {
		msg, err := orchestrator.Send(context.Background(), text)
		assert.NoError(t, err)
		assert.Nil(t, msg)
	}
	assert.Len(t, orchestrator.Messages(), 1)
	assert.Equal(t, int32(0), provider.sessions[0].calls.Load())
}

func TestSend_IgnoredWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	provider := &fakeProvider{newSession: func() *fakeSession {
		return &fakeSession{sendFn: func(_ context.Context, text string) (llm.ChatReply, error) {
			<-release
			return llm.ChatReply{Text: "done: " + text}, nil
		}}
	}}
	orchestrator := newTestOrchestrator(provider)
	orchestrator.Reset(context.Background(), nil)

	done := make(chan *models.ChatMessage, 1)
	go func() {
		msg, _ := orchestrator.Send(context.Background(), "first")
		done <- msg
	}()

	require.Eventually(t, func() bool {
		return orchestrator.State() == StateSending && len(orchestrator.Messages()) == 2
	}, time.Second, 5*time.Millisecond)

	msg, err := orchestrator.Send(context.Background(), "second")
	assert.NoError(t, err)
	assert.Nil(t, msg)
	assert.Len(t, orchestrator.Messages(), 2, "ignored send appends nothing")

	close(release)
	first := <-done
	require.NotNil(t, first)
	assert.Equal(t, "done: first", first.Text)

	messages := orchestrator.Messages()
	require.Len(t, messages, 3)
	assert.Equal(t, int32(1), provider.sessions[0].calls.Load())
	assert.Equal(t, StateReady, orchestrator.State())
}

func TestSend_RateLimited(t *testing.T) {
	provider := &fakeProvider{newSession: echoSession}
	orchestrator := newTestOrchestrator(provider, WithPolicy(ratelimit.Policy{Key: "chat", MaxRequests: 2, Window: time.Hour}))
	orchestrator.Reset(context.Background(), nil)

	for _, text := range []string{"one", "two"} {
		_, err := orchestrator.Send(context.Background(), text)
		require.NoError(t, err)
	}
	require.Len(t, orchestrator.Messages(), 5)

	msg, err := orchestrator.Send(context.Background(), "three")
	assert.Nil(t, msg)
	_, limited := models.IsRateLimited(err)
	require.True(t, limited)

	assert.Len(t, orchestrator.Messages(), 5, "rejected send appends nothing")
	assert.Equal(t, StateReady, orchestrator.State())
	assert.Equal(t, int32(2), provider.sessions[0].calls.Load())
}

func TestSend_ProviderFailure(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	provider := &fakeProvider{newSession: func() *fakeSession {
		return &fakeSession{sendFn: func(context.Context, string) (llm.ChatReply, error) {
			if fail.Load() {
				return llm.ChatReply{}, &models.ProviderTransportError{Provider: models.ProviderOpenAI, StatusCode: 502, Err: errors.New("bad gateway")}
			}
			return llm.ChatReply{Text: "back online"}, nil
		}}
	}}
	orchestrator := newTestOrchestrator(provider)
	orchestrator.Reset(context.Background(), nil)

	msg, err := orchestrator.Send(context.Background(), "anyone there?")
	assert.Nil(t, msg)
	var transportErr *models.ProviderTransportError
	require.True(t, errors.As(err, &transportErr))

	messages := orchestrator.Messages()
	require.Len(t, messages, 3)
	assert.Equal(t, "anyone there?", messages[1].Text, "user message is kept")
	assert.Equal(t, models.RoleModel, messages[2].Role)
	assert.Equal(t, ErrorReplyText, messages[2].Text)
	assert.Equal(t, StateReady, orchestrator.State())

	fail.Store(false)
	msg, err = orchestrator.Send(context.Background(), "retry")
	require.NoError(t, err)
	assert.Equal(t, "back online", msg.Text)
}

func TestSend_EmptyReply(t *testing.T) {
	provider := &fakeProvider{newSession: func() *fakeSession {
		return &fakeSession{sendFn: func(context.Context, string) (llm.ChatReply, error) {
			return llm.ChatReply{Text: "  "}, nil
		}}
	}}
	orchestrator := newTestOrchestrator(provider)
	orchestrator.Reset(context.Background(), nil)

	msg, err := orchestrator.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, EmptyReplyText, msg.Text)
}

func TestSend_StaleReplyDiscarded(t *testing.T) {
	release := make(chan struct{})
	var created atomic.Int32
	provider := &fakeProvider{newSession: func() *fakeSession {
		if created.Add(1) == 1 {
			return &fakeSession{sendFn: func(context.Context, string) (llm.ChatReply, error) {
				<-release
				return llm.ChatReply{Text: "late answer"}, nil
			}}
		}
		return echoSession()
	}}
	orchestrator := newTestOrchestrator(provider)
	orchestrator.Reset(context.Background(), nil)

	type result struct {
		msg *models.ChatMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := orchestrator.Send(context.Background(), "old question")
		done <- result{msg, err}
	}()
	require.Eventually(t, func() bool { return orchestrator.State() == StateSending }, time.Second, 5*time.Millisecond)

	orchestrator.Reset(context.Background(), sampleResult)
	assert.Equal(t, StateReady, orchestrator.State(), "reset makes the new session ready immediately")

	close(release)
	stale := <-done
	assert.NoError(t, stale.err)
	assert.Nil(t, stale.msg)

	messages := orchestrator.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, WelcomeWithContext, messages[0].Text)

	msg, err := orchestrator.Send(context.Background(), "new question")
	require.NoError(t, err)
	assert.Equal(t, "echo: new question", msg.Text)
	assert.Len(t, orchestrator.Messages(), 3)
}

func TestSend_NoProvider(t *testing.T) {
	orchestrator := newTestOrchestrator(nil)
	orchestrator.Reset(context.Background(), nil)

	messages := orchestrator.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, WelcomeGeneric, messages[0].Text)

	msg, err := orchestrator.Send(context.Background(), "hello")
	assert.Nil(t, msg)
	var cfgErr *models.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Len(t, orchestrator.Messages(), 1)
	assert.Equal(t, StateReady, orchestrator.State())
}

// gatedProvider blocks session creation for grounded instructions until release is closed
type gatedProvider struct {
	entered chan struct{}
	release chan struct{}
}

func (p *gatedProvider) Name() models.ProviderName { return models.ProviderGemini }

func (p *gatedProvider) Analyze(context.Context, string, *schema.Node) (string, error) {
	return "", errors.New("not supported")
}

func (p *gatedProvider) NewChatSession(_ context.Context, systemInstruction string) (llm.ChatSession, error) {
	label := "generic"
	if systemInstruction != llm.GenericChatInstruction {
		label = "grounded"
		close(p.entered)
		<-p.release
	}
	return &fakeSession{sendFn: func(context.Context, string) (llm.ChatReply, error) {
		return llm.ChatReply{Text: label}, nil
	}}, nil
}

func (p *gatedProvider) Close() error { return nil }

func TestReset_ConcurrentCallsApplyInOrder(t *testing.T) {
	provider := &gatedProvider{entered: make(chan struct{}), release: make(chan struct{})}
	orchestrator := newTestOrchestrator(provider)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		orchestrator.Reset(ctx, sampleResult)
	}()
	<-provider.entered

	go func() {
		defer wg.Done()
		orchestrator.Reset(ctx, nil)
	}()

	// Give the second Reset time to run ahead if it is not serialized.
	time.Sleep(50 * time.Millisecond)
	close(provider.release)
	wg.Wait()

	assert.False(t, orchestrator.HasContext())
	messages := orchestrator.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, WelcomeGeneric, messages[0].Text)

	msg, err := orchestrator.Send(ctx, "which session?")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "generic", msg.Text)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "sending", StateSending.String())
	assert.Equal(t, "unknown", State(42).String())
}
