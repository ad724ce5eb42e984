package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/review-insights-bot/internal/analysis"
	"github.com/review-insights-bot/internal/chat"
	"github.com/review-insights-bot/internal/config"
	"github.com/review-insights-bot/internal/llm"
	"github.com/review-insights-bot/internal/models"
	"github.com/review-insights-bot/internal/ratelimit"
	"github.com/review-insights-bot/internal/storage"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Turn customer reviews into structured insights",
		Long: `Analyze a batch of customer reviews with the configured LLM provider and
print the result as JSON: sentiment trend, word cloud and executive summary.

Provider keys and quotas are read from the environment (or .env), the same
way the Telegram bot reads them.

Examples:
  # Analyze a file
  analyze --file reviews.txt

  # Analyze from stdin
  cat reviews.txt | analyze

  # Ask follow-up questions about the result
  analyze --file reviews.txt --chat`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runAnalyze,
	}

	cmd.Flags().StringP("file", "f", "", "Text file with reviews (default: stdin)")
	cmd.Flags().Bool("chat", false, "Start a chat grounded in the analysis result")

	return cmd
}

func runAnalyze(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	file, _ := cmd.Flags().GetString("file")
	interactive, _ := cmd.Flags().GetBool("chat")

	if interactive && file == "" {
		return errors.New("--chat reads questions from stdin, pass reviews with --file")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Logs go to stderr so stdout stays valid JSON
	logLevel, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).Level(logLevel).With().Timestamp().Logger()

	reviews, err := readReviews(cmd.InOrStdin(), file)
	if err != nil {
		return fmt.Errorf("failed to read reviews: %w", err)
	}
	if strings.TrimSpace(reviews) == "" {
		return errors.New("no reviews given")
	}

	store, err := storage.NewStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	provider, err := llm.NewSelectedProvider(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create LLM provider: %w", err)
	}
	defer func() { _ = provider.Close() }()

	analysisPolicy, chatPolicy := ratelimit.PoliciesFromConfig(cfg)
	limiter := ratelimit.NewLimiter(store, logger, ratelimit.WithNamespace("cli"))

	runner := analysis.New(provider, limiter, logger, analysis.WithPolicy(analysisPolicy))
	result, err := runner.Analyze(ctx, llm.TruncateInput(reviews))
	if err != nil {
		return fmt.Errorf("analysis failed: %s", describeError(err, time.Now()))
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if !interactive {
		return nil
	}

	session := chat.New(provider, limiter, logger, chat.WithPolicy(chatPolicy))
	session.Reset(ctx, result)
	return repl(ctx, session, cmd.InOrStdin(), cmd.OutOrStdout())
}

func readReviews(stdin io.Reader, path string) (string, error) {
	if path == "" {
		data, err := io.ReadAll(stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	return string(data), err
}

// repl reads one question per line until EOF or ctx is done
func repl(ctx context.Context, session *chat.Orchestrator, in io.Reader, out io.Writer) error {
	for _, msg := range session.Messages() {
		fmt.Fprintf(out, "%s> %s\n", msg.Role, msg.Text)
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "user> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		reply, err := session.Send(ctx, scanner.Text())
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			fmt.Fprintf(out, "error> %s\n", describeError(err, time.Now()))
			continue
		}
		if reply == nil {
			continue
		}

		fmt.Fprintf(out, "%s> %s\n", reply.Role, reply.Text)
		for _, source := range reply.Sources {
			fmt.Fprintf(out, "  source: %s (%s)\n", source.Title, source.URI)
		}
	}
}

// describeError renders rate-limit rejections as a wait time instead of the raw signal
func describeError(err error, now time.Time) string {
	if rlErr, ok := models.IsRateLimited(err); ok {
		return fmt.Sprintf("rate limit reached, try again in %s", ratelimit.WaitTimeMinutes(rlErr.ResetTime, now))
	}
	return err.Error()
}
