package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/review-insights-bot/internal/models"
)

// Load loads configuration from environment variables
// It first attempts to load from .env file, then reads environment variables
func Load() (*models.Config, error) {
	// Try to load .env file (optional, ignore error if not found)
	_ = godotenv.Load()

	config := &models.Config{
		// Provider settings
		GeminiAPIKey:        getEnv("GEMINI_API_KEY", ""),
		GeminiAnalysisModel: getEnv("GEMINI_ANALYSIS_MODEL", "gemini-3-pro-preview"),
		GeminiChatModel:     getEnv("GEMINI_CHAT_MODEL", "gemini-3-flash-preview"),
		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:         getEnv("OPENAI_MODEL", "gpt-4o"),
		OpenAIBaseURL:       getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		PrimaryProvider:     models.ProviderName(strings.ToLower(getEnv("PRIMARY_PROVIDER", "gemini"))),
		LLMTimeout:          getEnvInt("LLM_TIMEOUT", 120),
		ProviderRPS:         getEnvFloat("PROVIDER_RPS", 1),

		// Rate limits
		AnalysisLimit:  getEnvInt("ANALYSIS_LIMIT", 5),
		AnalysisWindow: getEnvDuration("ANALYSIS_WINDOW", 10*time.Minute),
		ChatLimit:      getEnvInt("CHAT_LIMIT", 15),
		ChatWindow:     getEnvDuration("CHAT_WINDOW", 5*time.Minute),

		// Storage settings
		StorageBackend:  strings.ToLower(getEnv("STORAGE_BACKEND", "sqlite")),
		SQLitePath:      getEnv("SQLITE_PATH", "data/rate_limits.db"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		SupabaseURL:     getEnv("SUPABASE_URL", ""),
		SupabaseKey:     getEnv("SUPABASE_KEY", ""),
		SupabaseTimeout: getEnvInt("SUPABASE_TIMEOUT", 10),

		// Telegram settings
		TelegramToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		AllowedChatIDs: getEnvInt64List("TELEGRAM_ALLOWED_CHAT_IDS"),
		IdleChatTTL:    getEnvDuration("IDLE_CHAT_TTL", 24*time.Hour),

		// App settings
		MetricsAddr: getEnv("METRICS_ADDR", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Environment: getEnv("ENVIRONMENT", "production"),
	}

	// Validate configuration
	if err := validate(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ValidateBot checks the settings only the Telegram front-end needs
func ValidateBot(cfg *models.Config) error {
	if cfg.TelegramToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	return nil
}

// validate checks configuration values. Missing provider keys are allowed,
// they surface as configuration errors on first use.
func validate(cfg *models.Config) error {
	switch cfg.PrimaryProvider {
	case models.ProviderGemini, models.ProviderOpenAI:
	default:
		return fmt.Errorf("PRIMARY_PROVIDER must be one of: gemini, openai; got %s", cfg.PrimaryProvider)
	}

	// Validate positive values
	if cfg.AnalysisLimit <= 0 {
		return fmt.Errorf("ANALYSIS_LIMIT must be positive, got %d", cfg.AnalysisLimit)
	}
	if cfg.ChatLimit <= 0 {
		return fmt.Errorf("CHAT_LIMIT must be positive, got %d", cfg.ChatLimit)
	}
	if cfg.AnalysisWindow <= 0 {
		return fmt.Errorf("ANALYSIS_WINDOW must be positive, got %s", cfg.AnalysisWindow)
	}
	if cfg.ChatWindow <= 0 {
		return fmt.Errorf("CHAT_WINDOW must be positive, got %s", cfg.ChatWindow)
	}
	if cfg.LLMTimeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be positive, got %d", cfg.LLMTimeout)
	}
	if cfg.ProviderRPS < 0 {
		return fmt.Errorf("PROVIDER_RPS must not be negative, got %g", cfg.ProviderRPS)
	}
	if cfg.IdleChatTTL <= 0 {
		return fmt.Errorf("IDLE_CHAT_TTL must be positive, got %s", cfg.IdleChatTTL)
	}
	if cfg.SupabaseTimeout <= 0 {
		return fmt.Errorf("SUPABASE_TIMEOUT must be positive, got %d", cfg.SupabaseTimeout)
	}

	// Validate storage backend
	switch cfg.StorageBackend {
	case "memory", "redis":
	case "sqlite":
		if cfg.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite backend")
		}
	case "supabase":
		if cfg.SupabaseURL == "" || cfg.SupabaseKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_KEY are required for the supabase backend")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be one of: memory, sqlite, redis, supabase; got %s", cfg.StorageBackend)
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error; got %s", cfg.LogLevel)
	}

	return nil
}

// getEnv retrieves environment variable or returns default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves environment variable as integer or returns default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvFloat retrieves environment variable as float64 or returns default value
func getEnvFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvDuration accepts Go durations ("10m") or plain milliseconds ("600000")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	if ms, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvInt64List parses a comma separated list of int64, skipping invalid entries
func getEnvInt64List(key string) []int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}

	var values []int64
	for _, part := range strings.Split(valueStr, ",") {
		value, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			continue
		}
		values = append(values, value)
	}

	return values
}
