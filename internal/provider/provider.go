// Package provider implements the interchangeable answer backends: chat
// completions, assistant threads, a streaming agent and a generative model.
// Each variant answers one Request; the Registry picks the variant for the
// current mode and turns failures into the configured apology.
package provider

import (
	"context"
	"strings"

	"relaybot/internal/domain"
)

// Request is everything a backend needs to answer one inbound message.
type Request struct {
	Sender    string
	Message   domain.Message
	Items     []domain.ContextItem // oldest first; the last item is the live turn
	BotName   string
	Prompt    string
	Transport domain.Transport // used by backends that call local functions
}

// Provider is one backend variant.
type Provider interface {
	Mode() domain.Mode
	// SupportsVision reports whether images may be passed inline as parts.
	SupportsVision() bool
	Submit(ctx context.Context, req Request) (*domain.ProviderResponse, error)
}

// systemPrompt renders the bot identity and custom prompt as one instruction.
func systemPrompt(botName, prompt string) string {
	var b strings.Builder
	if botName != "" {
		b.WriteString("You are ")
		b.WriteString(botName)
		b.WriteString(", a helpful assistant taking part in a chat conversation.")
	}
	if prompt = strings.TrimSpace(prompt); prompt != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(prompt)
	}
	return b.String()
}

// transcript flattens items into "name: text" lines for backends that take a single query.
func transcript(items []domain.ContextItem) string {
	var b strings.Builder
	for _, it := range items {
		text := it.PlainText()
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		who := it.Name
		if who == "" {
			who = string(it.Role)
		}
		b.WriteString(who)
		b.WriteString(": ")
		b.WriteString(text)
	}
	return b.String()
}

func lastItem(items []domain.ContextItem) (domain.ContextItem, bool) {
	if len(items) == 0 {
		return domain.ContextItem{}, false
	}
	return items[len(items)-1], true
}
