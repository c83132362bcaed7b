// Package chat turns a conversation history into the next assistant reply.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MikeSquared-Agency/alfred/internal/anthropic"
	"github.com/MikeSquared-Agency/alfred/internal/models"
)

// FallbackReply is returned in place of an error when the provider fails.
const FallbackReply = "I apologize, but I encountered an error processing your request. Please try again."

const systemPrompt = `You are Alfred, an intelligent AI assistant created to help users with various tasks.
You are proactive, thoughtful, and strategic in your approach. You analyze situations, create plans,
and execute tasks efficiently.

Always be helpful, clear, and concise in your responses.`

const maxTokens = 1024

// Completer is the completion provider. *anthropic.Client implements it.
type Completer interface {
	Complete(ctx context.Context, system string, messages []anthropic.Message, maxTokens int) (string, error)
}

type Responder struct {
	completer Completer
	logger    *slog.Logger
}

// NewResponder returns a Responder. A nil completer puts it in demo mode.
func NewResponder(completer Completer, logger *slog.Logger) *Responder {
	return &Responder{completer: completer, logger: logger}
}

// Demo reports whether replies are canned.
func (r *Responder) Demo() bool {
	return r.completer == nil
}

// Reply produces the assistant's answer to history. It never fails: provider
// errors yield FallbackReply.
func (r *Responder) Reply(ctx context.Context, history []models.Message) string {
	if len(history) == 0 {
		return FallbackReply
	}
	if r.completer == nil {
		return demoReply(lastUserContent(history))
	}

	system, msgs := toProviderMessages(history)
	text, err := r.completer.Complete(ctx, system, msgs, maxTokens)
	if err == nil && strings.TrimSpace(text) == "" {
		err = errors.New("empty completion")
	}
	if err != nil {
		r.logger.Error("completion failed", "error", err, "history", len(history))
		return FallbackReply
	}
	return text
}

// toProviderMessages folds system messages into the system prompt and keeps
// the user/assistant turns in order.
func toProviderMessages(history []models.Message) (string, []anthropic.Message) {
	var system strings.Builder
	system.WriteString(systemPrompt)

	msgs := make([]anthropic.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case models.RoleSystem:
			system.WriteString("\n\n")
			system.WriteString(m.Content)
		case models.RoleUser, models.RoleAssistant:
			msgs = append(msgs, anthropic.Message{Role: string(m.Role), Content: m.Content})
		}
	}
	// The API requires the first turn to be the user's.
	for len(msgs) > 0 && msgs[0].Role != string(models.RoleUser) {
		msgs = msgs[1:]
	}
	return system.String(), msgs
}

func lastUserContent(history []models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			return history[i].Content
		}
	}
	return ""
}

func demoReply(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "hello") || strings.Contains(lower, "hi"):
		return "Hello! I'm Alfred, your AI assistant. How can I help you today?"
	case strings.Contains(lower, "what can you do") || strings.Contains(lower, "help"):
		return "I can answer questions, help you think through problems, and plan tasks. What would you like to work on?"
	case strings.Contains(lower, "thank"):
		return "You're welcome! Ask me anything else whenever you like."
	}
	return fmt.Sprintf("I understand you're asking about %q. I'm running in demo mode, so I can only give canned replies until an API key is configured.", message)
}
