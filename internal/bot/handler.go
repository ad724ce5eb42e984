package bot

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"path"
	"regexp"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/review-insights-bot/internal/chat"
	"github.com/review-insights-bot/internal/llm"
)

// MaxDocumentSize caps review files downloaded from Telegram
const MaxDocumentSize = 1 << 20

// handleUpdate processes incoming update
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	// Wrap in recover middleware
	b.recoverMiddleware(func() {
		// Handle message
		if update.Message != nil {
			b.handleMessage(ctx, update.Message)
		}
	})
}

// handleMessage processes incoming message
func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.Chat == nil {
		return
	}

	// Only process messages from allowed chats
	if !b.config.IsAllowedChat(message.Chat.ID) {
		b.logger.Debug().
			Int64("chat_id", message.Chat.ID).
			Msg("Ignoring message from chat that is not allowed")
		return
	}

	// Handle commands
	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	// A review file sent with "/analyze" as caption
	if message.Document != nil && isAnalyzeCaption(message.Caption) {
		b.handleAnalyzeCommand(ctx, message)
		return
	}

	// Everything addressed to the bot goes to the chat session
	if b.isAddressed(message) {
		b.handleChat(ctx, message)
		return
	}
}

// handleCommand processes bot commands
func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	command := message.Command()

	logEvent := b.logger.Info().
		Str("command", command).
		Int64("chat_id", message.Chat.ID)
	if message.From != nil {
		logEvent = logEvent.Int64("user_id", message.From.ID).Str("username", message.From.UserName)
	}
	logEvent.Msg("Received command")

	b.metrics.RecordCommandExecuted(command)

	switch command {
	case "analyze":
		b.handleAnalyzeCommand(ctx, message)
	case "limits":
		b.handleLimitsCommand(ctx, message)
	case "reset":
		b.handleResetCommand(ctx, message)
	case "start", "help":
		b.handleHelpCommand(ctx, message)
	default:
		b.sendMessage(message.Chat.ID, "❓ Unknown command. Use /help to see what I can do.")
	}
}

// handleAnalyzeCommand handles /analyze with inline text, a replied-to message or a text file
func (b *Bot) handleAnalyzeCommand(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID

	reviews, err := b.extractReviews(ctx, message)
	if err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to read reviews")
		b.sendErrorMessage(chatID, "❌ Could not read the attached file. Send a plain text file under 1 MB.")
		return
	}
	if strings.TrimSpace(reviews) == "" {
		b.sendMessage(chatID, "📝 Send <code>/analyze</code> followed by the reviews, reply to a message with <code>/analyze</code>, or attach a .txt file with <code>/analyze</code> as caption.")
		return
	}

	ws := b.workspace(ctx, chatID)

	// Send typing action
	b.sendTypingAction(chatID)

	result, err := ws.analysis.Analyze(ctx, reviews)
	if err != nil {
		b.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("Analysis failed")
		b.sendMessage(chatID, html.EscapeString(formatError(err, b.now())))
		return
	}

	b.sendMessage(chatID, formatAnalysis(result))

	// Ground the follow-up conversation in the new result
	ws.chat.Reset(ctx, result)
	if messages := ws.chat.Messages(); len(messages) > 0 {
		b.sendMessage(chatID, "💬 "+html.EscapeString(messages[0].Text))
	}
}

// handleLimitsCommand handles /limits command
func (b *Bot) handleLimitsCommand(ctx context.Context, message *tgbotapi.Message) {
	ws := b.workspace(ctx, message.Chat.ID)

	analysisStatus := ws.limiter.Peek(ctx, b.analysisPolicy)
	chatStatus := ws.limiter.Peek(ctx, b.chatPolicy)

	b.sendMessage(message.Chat.ID, formatLimits(b.analysisPolicy, b.chatPolicy, analysisStatus, chatStatus, b.now()))
}

// handleResetCommand handles /reset command
func (b *Bot) handleResetCommand(ctx context.Context, message *tgbotapi.Message) {
	ws := b.workspace(ctx, message.Chat.ID)
	ws.chat.Reset(ctx, nil)

	b.sendMessage(message.Chat.ID, "🔄 Conversation cleared.\n\n💬 "+html.EscapeString(chat.WelcomeGeneric))
}

// handleHelpCommand handles /help and /start commands
func (b *Bot) handleHelpCommand(ctx context.Context, message *tgbotapi.Message) {
	helpMsg := fmt.Sprintf(
		"👋 <b>Hi! I turn customer reviews into insights.</b>\n\n"+
			"<b>Commands:</b>\n"+
			"/analyze &lt;reviews&gt; - Analyze reviews (or reply to a message / attach a .txt file)\n"+
			"/limits - Show remaining quota\n"+
			"/reset - Start a fresh conversation\n"+
			"/help - Show this message\n\n"+
			"After an analysis, mention me (@%s) or message me privately to ask follow-up questions.\n\n"+
			"<b>Limits:</b>\n"+
			"• %d analyses per %s\n"+
			"• %d chat messages per %s",
		html.EscapeString(b.GetUsername()),
		b.analysisPolicy.MaxRequests, humanWindow(b.analysisPolicy.Window),
		b.chatPolicy.MaxRequests, humanWindow(b.chatPolicy.Window),
	)

	b.sendMessage(message.Chat.ID, helpMsg)
}

// handleChat sends the message to the chat session and relays the reply
func (b *Bot) handleChat(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID

	// Extract question text (remove bot mention)
	questionText := b.extractQuestion(message)
	if questionText == "" {
		b.sendMessage(chatID, "❓ Please ask a question after the mention.")
		return
	}

	ws := b.workspace(ctx, chatID)

	b.logger.Info().
		Int64("chat_id", chatID).
		Int("question_length", len([]rune(questionText))).
		Bool("has_context", ws.chat.HasContext()).
		Msg("Processing chat message")

	// Send typing action
	b.sendTypingAction(chatID)

	reply, err := ws.chat.Send(ctx, questionText)
	if err != nil {
		b.sendMessage(chatID, html.EscapeString(b.chatErrorText(err)))
		return
	}
	if reply == nil {
		if ws.chat.State() == chat.StateSending {
			b.sendMessage(chatID, "⏳ I'm still answering your previous message.")
		}
		return
	}

	b.sendMessage(chatID, formatReply(reply))
}

// chatErrorText keeps the orchestrator's error reply for provider failures
func (b *Bot) chatErrorText(err error) string {
	text := formatError(err, b.now())
	if strings.HasPrefix(text, "❌") {
		return chat.ErrorReplyText
	}
	return text
}

// extractReviews returns the review text from command arguments, a replied-to message or a document
func (b *Bot) extractReviews(ctx context.Context, message *tgbotapi.Message) (string, error) {
	if args := strings.TrimSpace(message.CommandArguments()); args != "" {
		return args, nil
	}

	doc := message.Document
	if doc == nil && message.ReplyToMessage != nil {
		if text := strings.TrimSpace(message.ReplyToMessage.Text); text != "" {
			return text, nil
		}
		doc = message.ReplyToMessage.Document
	}
	if doc == nil {
		return "", nil
	}

	return b.downloadDocument(ctx, doc)
}

// downloadDocument fetches a text document from Telegram
func (b *Bot) downloadDocument(ctx context.Context, doc *tgbotapi.Document) (string, error) {
	if !isTextDocument(doc) {
		return "", fmt.Errorf("unsupported document type %q", doc.MimeType)
	}
	if doc.FileSize > MaxDocumentSize {
		return "", fmt.Errorf("document too large: %d bytes", doc.FileSize)
	}

	url, err := b.api.GetFileDirectURL(doc.FileID)
	if err != nil {
		return "", fmt.Errorf("failed to get file URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download file: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download file: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxDocumentSize))
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	return llm.TruncateInput(string(data)), nil
}

// isAddressed reports whether the message is meant for the bot
func (b *Bot) isAddressed(message *tgbotapi.Message) bool {
	if message.Text == "" {
		return false
	}
	if message.Chat.IsPrivate() {
		return true
	}
	if message.ReplyToMessage != nil && message.ReplyToMessage.From != nil && message.ReplyToMessage.From.ID == b.api.Self.ID {
		return true
	}
	return b.isMentioned(message)
}

// isMentioned checks if bot is mentioned in the message
func (b *Bot) isMentioned(message *tgbotapi.Message) bool {
	username := b.GetUsername()
	if username == "" {
		return false
	}
	return mentionPattern(username).MatchString(message.Text)
}

// extractQuestion extracts the question text from message, removing bot mention
func (b *Bot) extractQuestion(message *tgbotapi.Message) string {
	text := message.Text

	// Remove bot mention regardless of case
	if username := b.GetUsername(); username != "" {
		text = mentionPattern(username).ReplaceAllString(text, "")
	}

	// Trim whitespace
	return strings.TrimSpace(text)
}

// mentionPattern matches @username case-insensitively
func mentionPattern(username string) *regexp.Regexp {
	return regexp.MustCompile("(?i)@" + regexp.QuoteMeta(username))
}

func isAnalyzeCaption(caption string) bool {
	fields := strings.Fields(caption)
	if len(fields) == 0 {
		return false
	}
	command, _, _ := strings.Cut(fields[0], "@")
	return command == "/analyze"
}

func isTextDocument(doc *tgbotapi.Document) bool {
	if strings.HasPrefix(doc.MimeType, "text/") {
		return true
	}
	switch strings.ToLower(path.Ext(doc.FileName)) {
	case ".txt", ".csv", ".md", ".tsv":
		return true
	}
	return false
}
