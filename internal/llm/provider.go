// Package llm talks to the language model backends that produce review
// analyses and chat replies.
package llm

import (
	"context"

	"github.com/review-insights-bot/internal/models"
	"github.com/review-insights-bot/internal/schema"
)

// Provider is one LLM backend.
//
// Analyze returns the raw model output; validating it against the contract is
// the caller's job. Transport failures are *models.ProviderTransportError.
type Provider interface {
	Name() models.ProviderName
	Analyze(ctx context.Context, reviews string, contract *schema.Node) (string, error)
	NewChatSession(ctx context.Context, systemInstruction string) (ChatSession, error)
	Close() error
}

// ChatSession is a multi-turn conversation that keeps its own history
type ChatSession interface {
	Send(ctx context.Context, text string) (ChatReply, error)
}

// ChatReply is a single model turn. Sources is empty when the backend has no grounding.
type ChatReply struct {
	Text    string
	Sources []models.Source
}
