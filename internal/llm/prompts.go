package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/review-insights-bot/internal/models"
)

// MaxInputChars caps the review text sent to a provider. Longer input is cut silently.
const MaxInputChars = 50000

// AnalysisPromptTemplate wraps the review text for an analysis request
const AnalysisPromptTemplate = `Analyze the following customer reviews. If dates are missing, infer a realistic timeline for the trend chart. Identify key sentiment trends, frequent complaints/praises, and actionable insights.

Reviews:
%s`

// AnalystSystemPrompt is sent as the system message by backends without native schema descriptions
const AnalystSystemPrompt = "You are an expert customer experience analyst. You produce precise, insightful sentiment analysis: clear trends over time, high-value keywords (complaints vs praise), and actionable recommendations with priorities. Output only valid JSON with no markdown or extra text."

// GenericChatInstruction is used when the chat has no analysis to talk about
const GenericChatInstruction = "You are a helpful customer experience analyst assistant. You have access to Google Search to provide real-time information."

// ContextChatInstructionTemplate receives the summary JSON and a comma separated complaint list
const ContextChatInstructionTemplate = `You are an expert analyst for a dashboard. The user has just analyzed reviews.
Summary: %s. Top complaints: %s.

Use Google Search to find industry benchmarks or competitor comparisons.
Provide concise, professional answers about CX strategy.`

// TruncateInput cuts text to MaxInputChars runes
func TruncateInput(text string) string {
	runes := []rune(text)
	if len(runes) <= MaxInputChars {
		return text
	}
	return string(runes[:MaxInputChars])
}

// BuildAnalysisPrompt returns the user prompt for an analysis of reviews
func BuildAnalysisPrompt(reviews string) string {
	return fmt.Sprintf(AnalysisPromptTemplate, TruncateInput(reviews))
}

// SystemInstruction builds the chat system instruction.
// With a result it embeds the summary and complaint keywords, otherwise it is generic.
func SystemInstruction(result *models.AnalysisResult) string {
	if result == nil {
		return GenericChatInstruction
	}

	summary, err := json.Marshal(result.Summary)
	if err != nil {
		summary = []byte(result.Summary.Overview)
	}

	return fmt.Sprintf(ContextChatInstructionTemplate, summary, strings.Join(result.Complaints(), ", "))
}
