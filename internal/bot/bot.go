package bot

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/review-insights-bot/internal/analysis"
	"github.com/review-insights-bot/internal/chat"
	"github.com/review-insights-bot/internal/llm"
	"github.com/review-insights-bot/internal/metrics"
	"github.com/review-insights-bot/internal/models"
	"github.com/review-insights-bot/internal/ratelimit"
	"github.com/review-insights-bot/internal/scheduler"
	"github.com/review-insights-bot/internal/storage"
)

// workspace is the per-chat state: quotas, the analysis runner and the chat session
type workspace struct {
	limiter  *ratelimit.Limiter
	analysis *analysis.Orchestrator
	chat     *chat.Orchestrator
	lastUsed time.Time
}

// Bot represents the Telegram bot
type Bot struct {
	api            *tgbotapi.BotAPI
	config         *models.Config
	store          storage.Store
	provider       llm.Provider
	metrics        *metrics.Metrics
	analysisPolicy ratelimit.Policy
	chatPolicy     ratelimit.Policy
	httpClient     *http.Client
	now            func() time.Time
	logger         zerolog.Logger

	mu         sync.Mutex
	workspaces map[int64]*workspace

	wg sync.WaitGroup // Tracks active handlers for graceful shutdown
}

// New creates a new bot instance. provider may be nil when no credential is configured.
func New(
	config *models.Config,
	store storage.Store,
	provider llm.Provider,
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*Bot, error) {
	// Create Telegram bot API client
	api, err := tgbotapi.NewBotAPI(config.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	// Set debug mode based on log level
	api.Debug = config.LogLevel == "debug"

	logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authorized")

	return newBot(api, config, store, provider, m, logger), nil
}

func newBot(
	api *tgbotapi.BotAPI,
	config *models.Config,
	store storage.Store,
	provider llm.Provider,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Bot {
	analysisPolicy, chatPolicy := ratelimit.PoliciesFromConfig(config)

	return &Bot{
		api:            api,
		config:         config,
		store:          store,
		provider:       provider,
		metrics:        m,
		analysisPolicy: analysisPolicy,
		chatPolicy:     chatPolicy,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		now:            time.Now,
		logger:         logger.With().Str("component", "bot").Logger(),
		workspaces:     make(map[int64]*workspace),
	}
}

// Start starts the bot
func (b *Bot) Start(ctx context.Context) error {
	b.logger.Info().Msg("Starting bot...")

	// Configure update settings
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	// Get updates channel
	updates := b.api.GetUpdatesChan(u)

	b.logger.Info().Msg("Bot started, waiting for messages...")

	// Process updates
	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("Shutting down bot...")
			b.api.StopReceivingUpdates()

			// Wait for all active handlers to complete
			b.logger.Info().Msg("Waiting for active handlers to complete...")
			b.wg.Wait()
			b.logger.Info().Msg("All handlers completed")

			return nil

		case update := <-updates:
			// Track this handler in WaitGroup
			b.wg.Add(1)
			// Process update in a goroutine to not block
			go func(upd tgbotapi.Update) {
				defer b.wg.Done()
				b.handleUpdate(ctx, upd)
			}(update)
		}
	}
}

// Stop stops the bot
func (b *Bot) Stop() {
	b.logger.Info().Msg("Stopping bot...")
	b.api.StopReceivingUpdates()
}

// GetUsername returns bot username
func (b *Bot) GetUsername() string {
	return b.api.Self.UserName
}

// workspace returns the chat's workspace, creating it with a generic chat session on first use
func (b *Bot) workspace(ctx context.Context, chatID int64) *workspace {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ws, ok := b.workspaces[chatID]; ok {
		ws.lastUsed = b.now()
		return ws
	}

	logger := b.logger.With().Int64("chat_id", chatID).Logger()
	limiter := ratelimit.NewLimiter(b.store, logger, ratelimit.WithNamespace(strconv.FormatInt(chatID, 10)))

	ws := &workspace{
		limiter: limiter,
		analysis: analysis.New(b.provider, limiter, logger,
			analysis.WithPolicy(b.analysisPolicy),
			analysis.WithMetrics(b.metrics),
		),
		chat: chat.New(b.provider, limiter, logger,
			chat.WithPolicy(b.chatPolicy),
			chat.WithMetrics(b.metrics),
		),
		lastUsed: b.now(),
	}
	ws.chat.Reset(ctx, nil)

	b.workspaces[chatID] = ws
	b.metrics.SetActiveChats(len(b.workspaces))

	b.logger.Debug().Int64("chat_id", chatID).Msg("Workspace created")
	return ws
}

// EvictIdle drops workspaces unused for longer than ttl and returns how many were removed.
// Workspaces with an analysis or chat message in flight are kept.
// Quota history lives in the store and survives eviction.
func (b *Bot) EvictIdle(ttl time.Duration) int {
	cutoff := b.now().Add(-ttl)

	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := 0
	for chatID, ws := range b.workspaces {
		if ws.lastUsed.After(cutoff) || ws.analysis.InFlight() || ws.chat.State() == chat.StateSending {
			continue
		}
		delete(b.workspaces, chatID)
		evicted++
	}

	if evicted > 0 {
		b.metrics.SetActiveChats(len(b.workspaces))
		b.logger.Info().
			Int("evicted", evicted).
			Int("remaining", len(b.workspaces)).
			Msg("Evicted idle chat workspaces")
	}

	return evicted
}

// IdleEvictionJob returns a scheduler job running EvictIdle
func (b *Bot) IdleEvictionJob(ttl time.Duration) scheduler.Job {
	return scheduler.JobFunc{
		JobName: "evict_idle_chats",
		Fn: func(context.Context) error {
			b.EvictIdle(ttl)
			return nil
		},
	}
}
