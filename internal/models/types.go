package models

import (
	"strings"
	"time"
)

// ProviderName identifies an LLM backend
type ProviderName string

const (
	// ProviderGemini is Google's Gemini API
	ProviderGemini ProviderName = "gemini"

	// ProviderOpenAI is the OpenAI Chat Completions API
	ProviderOpenAI ProviderName = "openai"
)

// String returns string representation of ProviderName
func (p ProviderName) String() string {
	return string(p)
}

// Role is the author of a chat message
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Source is a citation attached to a grounded chat reply
type Source struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// ChatMessage is one entry of the visible chat history
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Sources   []Source  `json:"sources,omitempty"`
}

// RateLimitStatus represents the result of a sliding window check
type RateLimitStatus struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
}

// Config represents application configuration
type Config struct {
	// Provider credentials and models
	GeminiAPIKey        string
	GeminiAnalysisModel string
	GeminiChatModel     string
	OpenAIAPIKey        string
	OpenAIModel         string
	OpenAIBaseURL       string
	PrimaryProvider     ProviderName
	LLMTimeout          int     // seconds
	ProviderRPS         float64 // outbound requests per second per provider, 0 disables

	// Rate limits
	AnalysisLimit  int
	AnalysisWindow time.Duration
	ChatLimit      int
	ChatWindow     time.Duration

	// Durable rate-limit storage
	StorageBackend  string
	SQLitePath      string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	SupabaseURL     string
	SupabaseKey     string
	SupabaseTimeout int

	// Telegram front-end
	TelegramToken  string
	AllowedChatIDs []int64 // empty means every chat is allowed
	IdleChatTTL    time.Duration

	// App settings
	MetricsAddr string
	LogLevel    string
	Environment string
}

// HasCredentials reports whether at least one provider key is configured
func (c *Config) HasCredentials() bool {
	return strings.TrimSpace(c.GeminiAPIKey) != "" || strings.TrimSpace(c.OpenAIAPIKey) != ""
}

// IsAllowedChat checks if the given chat ID is in the allowed list
func (c *Config) IsAllowedChat(chatID int64) bool {
	if len(c.AllowedChatIDs) == 0 {
		return true
	}
	for _, allowedID := range c.AllowedChatIDs {
		if allowedID == chatID {
			return true
		}
	}
	return false
}
