package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog"

	"github.com/review-insights-bot/internal/models"
	"github.com/review-insights-bot/internal/schema"
)

// Defaults for the OpenAI backend
const (
	DefaultOpenAIModel   = "gpt-4o"
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	openAITemperature    = 0.3
	openAISchemaName     = "review_analysis"
)

// OpenAIProvider implements Provider over the Chat Completions API
type OpenAIProvider struct {
	client     *openai.Client
	httpClient *http.Client
	model      string
	baseURL    string
	throttle   *throttle
	logger     zerolog.Logger
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(cfg *models.Config, logger zerolog.Logger) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		return nil, &models.ConfigurationError{Reason: "OPENAI_API_KEY is not set"}
	}

	model := cfg.OpenAIModel
	if model == "" {
		model = DefaultOpenAIModel
	}

	baseURL := strings.TrimRight(cfg.OpenAIBaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	client := openai.NewClient(
		option.WithAPIKey(cfg.OpenAIAPIKey),
		option.WithBaseURL(baseURL+"/"),
		option.WithHTTPClient(httpClient),
		option.WithRequestTimeout(requestTimeout(cfg.LLMTimeout)),
		option.WithMaxRetries(0),
	)

	return &OpenAIProvider{
		client:     &client,
		httpClient: httpClient,
		model:      model,
		baseURL:    baseURL,
		throttle:   newThrottle(cfg.ProviderRPS),
		logger:     logger.With().Str("component", "llm").Str("provider", "openai").Logger(),
	}, nil
}

// Name returns the provider name
func (p *OpenAIProvider) Name() models.ProviderName {
	return models.ProviderOpenAI
}

// Close releases idle connections
func (p *OpenAIProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// Analyze requests a strict json_schema structured output
func (p *OpenAIProvider) Analyze(ctx context.Context, reviews string, contract *schema.Node) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(AnalystSystemPrompt),
			openai.UserMessage(BuildAnalysisPrompt(reviews)),
		},
		Temperature: openai.Float(openAITemperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   openAISchemaName,
					Schema: contract.JSONSchema(),
					Strict: openai.Bool(true),
				},
			},
		},
	}

	startTime := time.Now()
	content, err := p.complete(ctx, params)
	if err != nil {
		return "", err
	}

	p.logger.Info().
		Str("model", p.model).
		Int("response_length", len(content)).
		Dur("elapsed", time.Since(startTime)).
		Msg("Analysis response received")

	return content, nil
}

// NewChatSession starts a chat. The API is stateless so the session replays its history.
func (p *OpenAIProvider) NewChatSession(_ context.Context, systemInstruction string) (ChatSession, error) {
	return &openAIChatSession{
		provider: p,
		history: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemInstruction),
		},
	}, nil
}

type openAIChatSession struct {
	provider *OpenAIProvider
	mu       sync.Mutex
	history  []openai.ChatCompletionMessageParamUnion
}

// Send sends one user turn. History only grows when the backend answers.
func (s *openAIChatSession) Send(ctx context.Context, text string) (ChatReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(s.history)+2)
	messages = append(messages, s.history...)
	messages = append(messages, openai.UserMessage(text))

	content, err := s.provider.complete(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(s.provider.model),
		Messages:    messages,
		Temperature: openai.Float(openAITemperature),
	})
	if err != nil {
		return ChatReply{}, err
	}

	s.history = append(messages, openai.AssistantMessage(content))
	return ChatReply{Text: content}, nil
}

// complete performs one chat completion and returns the first choice's content
func (p *OpenAIProvider) complete(ctx context.Context, params openai.ChatCompletionNewParams) (string, error) {
	if err := p.throttle.wait(ctx); err != nil {
		return "", &models.ProviderTransportError{Provider: models.ProviderOpenAI, Err: err}
	}

	var httpResp *http.Response
	completion, err := p.client.Chat.Completions.New(ctx, params, option.WithResponseInto(&httpResp))
	if err != nil {
		return "", p.classify(err, httpResp, string(params.Model))
	}

	if len(completion.Choices) == 0 {
		return "", &models.MalformedResponseError{Raw: completion.RawJSON(), Err: errors.New("no completion choices returned")}
	}

	message := completion.Choices[0].Message
	if message.Refusal != "" {
		return "", &models.MalformedResponseError{Raw: completion.RawJSON(), Err: fmt.Errorf("model refused: %s", message.Refusal)}
	}

	return message.Content, nil
}

// classify maps an SDK failure onto the error taxonomy. A 200 that fails to
// decode is a malformed response; everything else is a transport failure.
func (p *OpenAIProvider) classify(err error, httpResp *http.Response, model string) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		p.logger.Error().
			Int("status", apiErr.StatusCode).
			Str("model", model).
			Msg("OpenAI API returned an error")

		message := apiErr.Message
		if message == "" {
			message = apiErr.Error()
		}
		return &models.ProviderTransportError{
			Provider:   models.ProviderOpenAI,
			StatusCode: apiErr.StatusCode,
			Err:        errors.New(message),
		}
	}

	if httpResp != nil && httpResp.StatusCode == http.StatusOK {
		return &models.MalformedResponseError{Raw: err.Error(), Err: fmt.Errorf("failed to parse response: %w", err)}
	}

	p.logger.Error().Err(err).Str("model", model).Msg("OpenAI request failed")
	return &models.ProviderTransportError{Provider: models.ProviderOpenAI, Err: fmt.Errorf("request failed: %w", err)}
}
