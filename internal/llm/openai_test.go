package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/review-insights-bot/internal/models"
	"github.com/review-insights-bot/internal/schema"
)

// recordingServer serves canned completions and keeps every request body
type recordingServer struct {
	mu       sync.Mutex
	requests []map[string]any
	status   int
	replies  []string
}

func (s *recordingServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		s.mu.Lock()
		s.requests = append(s.requests, body)
		idx := len(s.requests) - 1
		status := s.status
		content := ""
		if idx < len(s.replies) {
			content = s.replies[idx]
		}
		s.mu.Unlock()

		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error": {"message": "quota exceeded", "type": "insufficient_quota"}}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": "gpt-4o",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
			},
		})
	}
}

func (s *recordingServer) set(status int, replies []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.replies = replies
}

func (s *recordingServer) request(i int) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func (s *recordingServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func newTestOpenAI(t *testing.T, srv *recordingServer) *OpenAIProvider {
	server := httptest.NewServer(srv.handler(t))
	t.Cleanup(server.Close)

	provider, err := NewOpenAIProvider(&models.Config{
		OpenAIAPIKey:  "test-key",
		OpenAIBaseURL: server.URL + "/",
	}, zerolog.Nop())
	require.NoError(t, err)
	return provider
}

func TestNewOpenAIProvider(t *testing.T) {
	tests := []struct {
		name      string
		cfg       models.Config
		wantErr   bool
		wantModel string
		wantURL   string
	}{
		{name: "defaults", cfg: models.Config{OpenAIAPIKey: "k"}, wantModel: DefaultOpenAIModel, wantURL: DefaultOpenAIBaseURL},
		{name: "custom", cfg: models.Config{OpenAIAPIKey: "k", OpenAIModel: "gpt-4o-mini", OpenAIBaseURL: "http://proxy/v1/"}, wantModel: "gpt-4o-mini", wantURL: "http://proxy/v1"},
		{name: "missing key", cfg: models.Config{OpenAIAPIKey: "  "}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewOpenAIProvider(&tt.cfg, zerolog.Nop())
			if tt.wantErr {
				var cfgErr *models.ConfigurationError
				require.True(t, errors.As(err, &cfgErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantModel, provider.model)
			assert.Equal(t, tt.wantURL, provider.baseURL)
			assert.Equal(t, models.ProviderOpenAI, provider.Name())
		})
	}
}

func TestOpenAIProvider_Analyze(t *testing.T) {
	srv := &recordingServer{replies: []string{`{"sentimentTrend": [], "wordCloud": [], "summary": {"overview": "ok", "actionableAreas": []}}`}}
	provider := newTestOpenAI(t, srv)

	raw, err := provider.Analyze(context.Background(), "Great coffee, slow service.", schema.Analysis)
	require.NoError(t, err)

	result, err := schema.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Summary.Overview)

	require.Equal(t, 1, srv.count())
	req := srv.request(0)
	assert.Equal(t, DefaultOpenAIModel, req["model"])
	assert.InDelta(t, 0.3, req["temperature"], 1e-9)

	format := req["response_format"].(map[string]any)
	assert.Equal(t, "json_schema", format["type"])
	jsonSchema := format["json_schema"].(map[string]any)
	assert.Equal(t, true, jsonSchema["strict"])
	assert.Equal(t, "object", jsonSchema["schema"].(map[string]any)["type"])

	messages := req["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, AnalystSystemPrompt, messages[0].(map[string]any)["content"])
	assert.Contains(t, messages[1].(map[string]any)["content"], "Great coffee, slow service.")
}

func TestOpenAIProvider_AnalyzeHTTPError(t *testing.T) {
	provider := newTestOpenAI(t, &recordingServer{status: http.StatusTooManyRequests})

	_, err := provider.Analyze(context.Background(), "reviews", schema.Analysis)
	require.Error(t, err)

	var transportErr *models.ProviderTransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, http.StatusTooManyRequests, transportErr.StatusCode)
	assert.Equal(t, models.ProviderOpenAI, transportErr.Provider)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestOpenAIProvider_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	provider, err := NewOpenAIProvider(&models.Config{OpenAIAPIKey: "k", OpenAIBaseURL: url}, zerolog.Nop())
	require.NoError(t, err)

	_, err = provider.Analyze(context.Background(), "reviews", schema.Analysis)
	var transportErr *models.ProviderTransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, 0, transportErr.StatusCode)
}

func TestOpenAIProvider_MalformedEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>gateway</html>"))
	}))
	t.Cleanup(server.Close)

	provider, err := NewOpenAIProvider(&models.Config{OpenAIAPIKey: "k", OpenAIBaseURL: server.URL}, zerolog.Nop())
	require.NoError(t, err)

	_, err = provider.Analyze(context.Background(), "reviews", schema.Analysis)
	var malformed *models.MalformedResponseError
	require.True(t, errors.As(err, &malformed))
	var transportErr *models.ProviderTransportError
	assert.False(t, errors.As(err, &transportErr))
}

func TestOpenAIProvider_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "chatcmpl-empty", "object": "chat.completion", "model": "gpt-4o", "choices": []}`))
	}))
	t.Cleanup(server.Close)

	provider, err := NewOpenAIProvider(&models.Config{OpenAIAPIKey: "k", OpenAIBaseURL: server.URL}, zerolog.Nop())
	require.NoError(t, err)

	_, err = provider.Analyze(context.Background(), "reviews", schema.Analysis)
	var malformed *models.MalformedResponseError
	require.True(t, errors.As(err, &malformed))
	assert.Contains(t, malformed.Raw, "chatcmpl-empty")
}

func TestOpenAIChatSession_ReplaysHistory(t *testing.T) {
	srv := &recordingServer{replies: []string{"First answer", "Second answer"}}
	provider := newTestOpenAI(t, srv)

	session, err := provider.NewChatSession(context.Background(), "be helpful")
	require.NoError(t, err)

	reply, err := session.Send(context.Background(), "question one")
	require.NoError(t, err)
	assert.Equal(t, "First answer", reply.Text)
	assert.Empty(t, reply.Sources)

	reply, err = session.Send(context.Background(), "question two")
	require.NoError(t, err)
	assert.Equal(t, "Second answer", reply.Text)

	require.Equal(t, 2, srv.count())
	assert.Nil(t, srv.request(1)["response_format"])

	messages := srv.request(1)["messages"].([]any)
	require.Len(t, messages, 4)
	roles := make([]string, 0, len(messages))
	for _, m := range messages {
		roles = append(roles, m.(map[string]any)["role"].(string))
	}
	assert.Equal(t, []string{"system", "user", "assistant", "user"}, roles)
	assert.Equal(t, "be helpful", messages[0].(map[string]any)["content"])
	assert.Equal(t, "First answer", messages[2].(map[string]any)["content"])
}

func TestOpenAIChatSession_FailedTurnNotRecorded(t *testing.T) {
	srv := &recordingServer{status: http.StatusInternalServerError}
	provider := newTestOpenAI(t, srv)

	session, err := provider.NewChatSession(context.Background(), "sys")
	require.NoError(t, err)

	_, err = session.Send(context.Background(), "lost")
	require.Error(t, err)

	srv.set(http.StatusOK, []string{"", "recovered"})
	reply, err := session.Send(context.Background(), "retry")
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply.Text)

	messages := srv.request(1)["messages"].([]any)
	assert.Len(t, messages, 2, "failed turn must not be replayed")
}
