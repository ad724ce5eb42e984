package llm

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/review-insights-bot/internal/models"
)

// Select picks the provider to use for cfg.
// The primary provider wins when its key is set, otherwise the other one is used.
// With no key at all a *models.ConfigurationError is returned.
func Select(cfg *models.Config) (models.ProviderName, error) {
	primary := cfg.PrimaryProvider
	if primary == "" {
		primary = models.ProviderGemini
	}

	order := []models.ProviderName{models.ProviderGemini, models.ProviderOpenAI}
	if primary == models.ProviderOpenAI {
		order = []models.ProviderName{models.ProviderOpenAI, models.ProviderGemini}
	}

	for _, name := range order {
		if hasKey(cfg, name) {
			return name, nil
		}
	}

	return "", &models.ConfigurationError{Reason: "neither GEMINI_API_KEY nor OPENAI_API_KEY is set"}
}

// NewProvider creates the named provider
func NewProvider(name models.ProviderName, cfg *models.Config, logger zerolog.Logger) (Provider, error) {
	var (
		provider Provider
		err      error
	)
	switch name {
	case models.ProviderGemini:
		provider, err = NewGeminiProvider(cfg, logger)
	case models.ProviderOpenAI:
		provider, err = NewOpenAIProvider(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if err != nil {
		return nil, err
	}
	return provider, nil
}

// NewSelectedProvider combines Select and NewProvider
func NewSelectedProvider(cfg *models.Config, logger zerolog.Logger) (Provider, error) {
	name, err := Select(cfg)
	if err != nil {
		return nil, err
	}
	return NewProvider(name, cfg, logger)
}

func hasKey(cfg *models.Config, name models.ProviderName) bool {
	switch name {
	case models.ProviderGemini:
		return strings.TrimSpace(cfg.GeminiAPIKey) != ""
	case models.ProviderOpenAI:
		return strings.TrimSpace(cfg.OpenAIAPIKey) != ""
	}
	return false
}
