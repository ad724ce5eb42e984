package bot

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/russross/blackfriday/v2"

	"github.com/review-insights-bot/internal/analysis"
	"github.com/review-insights-bot/internal/models"
	"github.com/review-insights-bot/internal/ratelimit"
)

// MaxReplyLength is the maximum length of a chat reply in characters.
// Telegram allows 4096 per message, the rest is left for sources and markup.
const MaxReplyLength = 3500

// TruncatedSuffix is appended when a reply is cut
const TruncatedSuffix = "\n\n…[reply truncated]"

const (
	maxTrendPoints = 10
	maxKeywords    = 5
)

var (
	paragraphPattern  = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	codeBlockPattern  = regexp.MustCompile(`(?s)<pre><code(?: class="[^"]*")?>(.*?)</code></pre>`)
	headingPattern    = regexp.MustCompile(`(?s)<h[1-6][^>]*>(.*?)</h[1-6]>`)
	tagPattern        = regexp.MustCompile(`</?([a-zA-Z0-9]+)(?:\s[^>]*)?/?>`)
	extraLinesPattern = regexp.MustCompile(`\n{3,}`)

	supportedTags = map[string]bool{"b": true, "i": true, "u": true, "s": true, "code": true, "pre": true, "a": true}
)

// toTelegramHTML converts markdown to the HTML subset Telegram accepts
func toTelegramHTML(markdown string) string {
	if markdown == "" {
		return ""
	}

	out := string(blackfriday.Run([]byte(markdown), blackfriday.WithExtensions(blackfriday.CommonExtensions)))

	out = codeBlockPattern.ReplaceAllString(out, "<pre>$1</pre>")
	out = headingPattern.ReplaceAllString(out, "<b>$1</b>\n")
	out = paragraphPattern.ReplaceAllString(out, "$1\n")

	replacer := strings.NewReplacer(
		"<strong>", "<b>", "</strong>", "</b>",
		"<em>", "<i>", "</em>", "</i>",
		"<del>", "<s>", "</del>", "</s>",
		"<ul>", "", "</ul>", "",
		"<ol>", "", "</ol>", "",
		"<li>", "• ", "</li>", "\n",
		"<br>", "\n", "<br />", "\n", "<hr>", "\n", "<hr />", "\n",
	)
	out = replacer.Replace(out)

	out = tagPattern.ReplaceAllStringFunc(out, func(match string) string {
		name := strings.ToLower(tagPattern.FindStringSubmatch(match)[1])
		if supportedTags[name] {
			return match
		}
		return ""
	})

	out = extraLinesPattern.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// truncateReply cuts text to MaxReplyLength runes
func truncateReply(text string) string {
	runes := []rune(text)
	if len(runes) <= MaxReplyLength {
		return text
	}
	keep := MaxReplyLength - len([]rune(TruncatedSuffix))
	return string(runes[:keep]) + TruncatedSuffix
}

// formatReply renders a model chat message with its sources
func formatReply(msg *models.ChatMessage) string {
	var b strings.Builder
	b.WriteString(toTelegramHTML(truncateReply(msg.Text)))

	if len(msg.Sources) > 0 {
		b.WriteString("\n\n<b>Sources</b>")
		for _, source := range msg.Sources {
			title := source.Title
			if title == "" {
				title = source.URI
			}
			fmt.Fprintf(&b, "\n• <a href=\"%s\">%s</a>", html.EscapeString(source.URI), html.EscapeString(title))
		}
	}

	return b.String()
}

// formatAnalysis renders an analysis result as Telegram HTML
func formatAnalysis(result *models.AnalysisResult) string {
	var b strings.Builder

	b.WriteString("<b>📊 Review analysis</b>\n\n")
	b.WriteString("<b>Overview</b>\n")
	b.WriteString(html.EscapeString(result.Summary.Overview))
	b.WriteString("\n")

	if len(result.SentimentTrend) > 0 {
		fmt.Fprintf(&b, "\n<b>Sentiment trend</b> (average %+.0f)\n", result.AverageSentiment())
		points := result.SortedTrend()
		if len(points) > maxTrendPoints {
			points = points[len(points)-maxTrendPoints:]
		}
		for _, p := range points {
			fmt.Fprintf(&b, "%s %s <code>%+d</code> <i>%s</i>\n",
				sentimentEmoji(p.Sentiment), html.EscapeString(p.Date), p.Sentiment, html.EscapeString(p.Snippet))
		}
	}

	if complaints := topKeywords(result, models.WordComplaint); complaints != "" {
		b.WriteString("\n<b>Top complaints:</b> ")
		b.WriteString(complaints)
		b.WriteString("\n")
	}
	if praise := topKeywords(result, models.WordPraise); praise != "" {
		b.WriteString("<b>Top praise:</b> ")
		b.WriteString(praise)
		b.WriteString("\n")
	}

	if len(result.Summary.ActionableAreas) > 0 {
		b.WriteString("\n<b>Actionable areas</b>\n")
		for _, area := range result.Summary.ActionableAreas {
			fmt.Fprintf(&b, "%s <b>%s</b> (%s)\n%s\n",
				priorityEmoji(area.Priority), html.EscapeString(area.Title), area.Priority, html.EscapeString(area.Description))
		}
	}

	return strings.TrimSpace(b.String())
}

// formatLimits renders the remaining quota for both operations
func formatLimits(analysisPolicy, chatPolicy ratelimit.Policy, analysisStatus, chatStatus models.RateLimitStatus, now time.Time) string {
	var b strings.Builder
	b.WriteString("<b>📈 Remaining quota</b>\n\n")
	writeLimit(&b, "Analyses", analysisPolicy, analysisStatus, now)
	writeLimit(&b, "Chat messages", chatPolicy, chatStatus, now)
	return strings.TrimSpace(b.String())
}

func writeLimit(b *strings.Builder, label string, policy ratelimit.Policy, status models.RateLimitStatus, now time.Time) {
	fmt.Fprintf(b, "<b>%s:</b> %d/%d per %s\n", label, status.Remaining, policy.MaxRequests, humanWindow(policy.Window))
	if !status.Allowed {
		fmt.Fprintf(b, "   next slot in %s\n", ratelimit.WaitTimeMinutes(status.ResetTime, now))
	}
}

// formatError maps an orchestrator error to a user-facing message.
// Raw provider payloads are never included.
func formatError(err error, now time.Time) string {
	if rlErr, ok := models.IsRateLimited(err); ok {
		return fmt.Sprintf("⏳ Rate limit reached. Please try again in %s.", ratelimit.WaitTimeMinutes(rlErr.ResetTime, now))
	}

	var cfgErr *models.ConfigurationError
	if errors.As(err, &cfgErr) {
		return "⚙️ No AI provider is configured. Ask the bot owner to set GEMINI_API_KEY or OPENAI_API_KEY."
	}

	if errors.Is(err, analysis.ErrAnalysisInFlight) {
		return "⏳ An analysis is already running in this chat. Please wait for it to finish."
	}

	var malformed *models.MalformedResponseError
	if errors.As(err, &malformed) {
		return "🤔 The AI returned an unexpected response. Please try again."
	}

	return "❌ Something went wrong while contacting the AI provider. Please try again."
}

func topKeywords(result *models.AnalysisResult, wordType models.WordType) string {
	var words []models.WordFrequency
	for _, w := range result.WordCloud {
		if w.Type == wordType {
			words = append(words, w)
		}
	}
	sort.SliceStable(words, func(i, j int) bool {
		return words[i].Value > words[j].Value
	})
	if len(words) > maxKeywords {
		words = words[:maxKeywords]
	}

	parts := make([]string, 0, len(words))
	for _, w := range words {
		parts = append(parts, fmt.Sprintf("%s (%d)", html.EscapeString(w.Text), w.Value))
	}
	return strings.Join(parts, ", ")
}

func sentimentEmoji(score int) string {
	switch {
	case score >= 30:
		return "🟢"
	case score <= -30:
		return "🔴"
	default:
		return "🟡"
	}
}

func priorityEmoji(p models.Priority) string {
	switch p {
	case models.PriorityHigh:
		return "🔴"
	case models.PriorityMedium:
		return "🟠"
	default:
		return "🟢"
	}
}

func humanWindow(d time.Duration) string {
	if d%time.Hour == 0 {
		hours := int(d / time.Hour)
		if hours == 1 {
			return "hour"
		}
		return fmt.Sprintf("%d hours", hours)
	}
	if d%time.Minute == 0 {
		minutes := int(d / time.Minute)
		if minutes == 1 {
			return "minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	}
	return d.String()
}
