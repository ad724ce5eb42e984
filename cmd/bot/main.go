package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/review-insights-bot/internal/bot"
	"github.com/review-insights-bot/internal/config"
	"github.com/review-insights-bot/internal/llm"
	"github.com/review-insights-bot/internal/metrics"
	"github.com/review-insights-bot/internal/models"
	"github.com/review-insights-bot/internal/scheduler"
	"github.com/review-insights-bot/internal/storage"
)

// idleSweepInterval is how often idle chat workspaces are looked for
const idleSweepInterval = 10 * time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := config.ValidateBot(cfg); err != nil {
		log.Fatal().Err(err).Msg("Invalid bot configuration")
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("primary_provider", string(cfg.PrimaryProvider)).
		Str("storage_backend", cfg.StorageBackend).
		Int("analysis_limit", cfg.AnalysisLimit).
		Int("chat_limit", cfg.ChatLimit).
		Msg("Starting Review Insights Bot")

	// Create context that listens for termination signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize rate limit storage
	logger.Info().Str("backend", cfg.StorageBackend).Msg("Initializing storage...")
	store, err := storage.NewStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create storage")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	// Initialize LLM provider. Without credentials the bot still runs and answers with a configuration error.
	logger.Info().Msg("Initializing LLM provider...")
	provider, err := llm.NewSelectedProvider(cfg, logger)
	if err != nil {
		var cfgErr *models.ConfigurationError
		if !errors.As(err, &cfgErr) {
			logger.Fatal().Err(err).Msg("Failed to create LLM provider")
		}
		logger.Warn().Err(err).Msg("No LLM provider configured, analysis and chat are disabled")
		provider = nil
	} else {
		logger.Info().Str("provider", string(provider.Name())).Msg("LLM provider ready")
		defer func() {
			if err := provider.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close LLM provider")
			}
		}()
	}

	// Initialize metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = metrics.NewServer(cfg.MetricsAddr, registry)
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics server stopped with error")
			}
		}()
	}

	// Initialize bot
	logger.Info().Msg("Initializing Telegram bot...")
	telegramBot, err := bot.New(cfg, store, provider, m, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create bot")
	}

	logger.Info().
		Str("username", telegramBot.GetUsername()).
		Interface("allowed_chat_ids", cfg.AllowedChatIDs).
		Msg("Bot initialized successfully")

	// Initialize scheduler for idle chat eviction
	sched := scheduler.NewScheduler(logger)
	if err := sched.Every(idleSweepInterval, telegramBot.IdleEvictionJob(cfg.IdleChatTTL)); err != nil {
		logger.Fatal().Err(err).Msg("Failed to schedule idle chat eviction")
	}
	go func() {
		if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Scheduler stopped with error")
		}
	}()
	logger.Info().Dur("idle_chat_ttl", cfg.IdleChatTTL).Msg("Idle chat eviction scheduled")

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Start bot in a goroutine
	botErrChan := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := telegramBot.Start(ctx); err != nil {
			botErrChan <- err
		}
	}()

	logger.Info().Msg("Bot is running. Press Ctrl+C to stop.")

	// Wait for termination signal or bot error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received termination signal")
	case err := <-botErrChan:
		logger.Error().Err(err).Msg("Bot stopped with error")
	}

	// Graceful shutdown
	logger.Info().Msg("Initiating graceful shutdown...")
	cancel()

	// Give the bot some time to finish processing
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to stop metrics server")
		}
	}

	// Wait for in-flight handlers or timeout
	select {
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Shutdown timeout exceeded, some requests may be lost")
	case <-done:
		logger.Info().Msg("Graceful shutdown completed")
	}

	logger.Info().Msg("Bot stopped")
}

// setupLogger configures and returns a zerolog logger
func setupLogger(level, environment string) zerolog.Logger {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	// Configure output format
	var logger zerolog.Logger
	if environment == "development" {
		// Pretty console output for development
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Caller().Logger()
	} else {
		// JSON output for production
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	return logger
}
