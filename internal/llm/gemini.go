package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/review-insights-bot/internal/models"
	"github.com/review-insights-bot/internal/schema"
)

// Default Gemini models
const (
	DefaultGeminiAnalysisModel = "gemini-3-pro-preview"
	DefaultGeminiChatModel     = "gemini-3-flash-preview"
)

// GeminiProvider represents a Gemini backend
type GeminiProvider struct {
	apiKey        string
	analysisModel string
	chatModel     string
	baseURL       string
	timeout       time.Duration
	throttle      *throttle
	logger        zerolog.Logger
	genaiClient   *genai.Client
	mu            sync.Mutex
}

// NewGeminiProvider creates a new Gemini provider. The SDK client is created on first use.
func NewGeminiProvider(cfg *models.Config, logger zerolog.Logger) (*GeminiProvider, error) {
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		return nil, &models.ConfigurationError{Reason: "GEMINI_API_KEY is not set"}
	}

	analysisModel := cfg.GeminiAnalysisModel
	if analysisModel == "" {
		analysisModel = DefaultGeminiAnalysisModel
	}
	chatModel := cfg.GeminiChatModel
	if chatModel == "" {
		chatModel = DefaultGeminiChatModel
	}

	return &GeminiProvider{
		apiKey:        cfg.GeminiAPIKey,
		analysisModel: analysisModel,
		chatModel:     chatModel,
		timeout:       requestTimeout(cfg.LLMTimeout),
		throttle:      newThrottle(cfg.ProviderRPS),
		logger:        logger.With().Str("component", "llm").Str("provider", "gemini").Logger(),
	}, nil
}

// Name returns the provider name
func (p *GeminiProvider) Name() models.ProviderName {
	return models.ProviderGemini
}

// getClient returns or creates a genai client (thread-safe)
func (p *GeminiProvider) getClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.genaiClient != nil {
		return p.genaiClient, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: p.timeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: p.baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	p.genaiClient = client
	p.logger.Info().Msg("Gemini client created and cached")
	return p.genaiClient, nil
}

// Close drops the cached client. The SDK client holds no resources of its own.
func (p *GeminiProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.genaiClient != nil {
		p.genaiClient = nil
		p.logger.Info().Msg("Gemini client closed")
	}
	return nil
}

// Analyze requests a schema-constrained JSON analysis of reviews
func (p *GeminiProvider) Analyze(ctx context.Context, reviews string, contract *schema.Node) (string, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return "", p.transportError(err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.throttle.wait(ctx); err != nil {
		return "", p.transportError(err)
	}

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   toGenaiSchema(contract),
	}

	startTime := time.Now()
	resp, err := client.Models.GenerateContent(ctx, p.analysisModel, genai.Text(BuildAnalysisPrompt(reviews)), config)
	if err != nil {
		p.logger.Error().
			Err(err).
			Str("model", p.analysisModel).
			Dur("elapsed", time.Since(startTime)).
			Msg("Analysis request failed")
		return "", p.transportError(err)
	}

	text := responseText(resp)
	p.logger.Info().
		Str("model", p.analysisModel).
		Int("response_length", len(text)).
		Dur("elapsed", time.Since(startTime)).
		Msg("Analysis response received")

	return text, nil
}

// NewChatSession starts a chat with Google Search grounding enabled
func (p *GeminiProvider) NewChatSession(ctx context.Context, systemInstruction string) (ChatSession, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return nil, p.transportError(err)
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
		Tools: []*genai.Tool{
			{GoogleSearch: &genai.GoogleSearch{}},
		},
	}

	chat, err := client.Chats.Create(ctx, p.chatModel, config, nil)
	if err != nil {
		return nil, p.transportError(err)
	}

	p.logger.Debug().
		Str("model", p.chatModel).
		Int("instruction_length", len(systemInstruction)).
		Msg("Chat session created")

	return &geminiChatSession{provider: p, chat: chat}, nil
}

type geminiChatSession struct {
	provider *GeminiProvider
	mu       sync.Mutex
	chat     *genai.Chat
}

// Send sends one user turn. The SDK chat keeps history.
func (s *geminiChatSession) Send(ctx context.Context, text string) (ChatReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.provider

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.throttle.wait(ctx); err != nil {
		return ChatReply{}, p.transportError(err)
	}

	resp, err := s.chat.SendMessage(ctx, genai.Part{Text: text})
	if err != nil {
		p.logger.Error().Err(err).Str("model", p.chatModel).Msg("Chat request failed")
		return ChatReply{}, p.transportError(err)
	}

	reply := ChatReply{
		Text:    responseText(resp),
		Sources: sourcesFromResponse(resp),
	}

	p.logger.Debug().
		Str("model", p.chatModel).
		Int("response_length", len(reply.Text)).
		Int("sources", len(reply.Sources)).
		Msg("Chat reply received")

	return reply, nil
}

func (p *GeminiProvider) transportError(err error) error {
	transportErr := &models.ProviderTransportError{Provider: models.ProviderGemini, Err: err}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		transportErr.StatusCode = apiErr.Code
	}
	return transportErr
}

// responseText joins the text parts of the first candidate, skipping thoughts
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}

	candidate := resp.Candidates[0]
	if candidate == nil || candidate.Content == nil {
		return ""
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		text.WriteString(part.Text)
	}
	return text.String()
}

// sourcesFromResponse collects web grounding chunks of the first candidate
func sourcesFromResponse(resp *genai.GenerateContentResponse) []models.Source {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil
	}

	metadata := resp.Candidates[0].GroundingMetadata
	if metadata == nil {
		return nil
	}

	var sources []models.Source
	for _, chunk := range metadata.GroundingChunks {
		if chunk == nil || chunk.Web == nil {
			continue
		}
		sources = append(sources, models.Source{Title: chunk.Web.Title, URI: chunk.Web.URI})
	}
	return sources
}

// toGenaiSchema converts the contract into the SDK schema type
func toGenaiSchema(n *schema.Node) *genai.Schema {
	if n == nil {
		return nil
	}

	out := &genai.Schema{
		Description: n.Description,
	}

	switch n.Type {
	case schema.TypeObject:
		out.Type = genai.TypeObject
		out.Properties = make(map[string]*genai.Schema, len(n.Properties))
		for _, p := range n.Properties {
			out.Properties[p.Name] = toGenaiSchema(p.Node)
			out.PropertyOrdering = append(out.PropertyOrdering, p.Name)
		}
		out.Required = append([]string(nil), n.Required...)
	case schema.TypeArray:
		out.Type = genai.TypeArray
		out.Items = toGenaiSchema(n.Items)
	case schema.TypeInteger:
		out.Type = genai.TypeInteger
	default:
		out.Type = genai.TypeString
		if len(n.Enum) > 0 {
			out.Format = "enum"
			out.Enum = append([]string(nil), n.Enum...)
		}
	}

	return out
}

func requestTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(seconds) * time.Second
}
