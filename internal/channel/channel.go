// Package channel implements the chat transports: WhatsApp Cloud API,
// Telegram Bot API and an interactive console. Each transport records what it
// receives and sends in a History so the pipeline can read chats back.
package channel

import (
	"context"
	"log/slog"

	"relaybot/internal/domain"
)

// History stores the messages a transport has seen.
type History interface {
	Record(ctx context.Context, channel string, msg domain.Message) error
	Recent(ctx context.Context, channel, chatID string, limit int) ([]domain.Message, error)
}

// record stores msg and logs, rather than returns, a failure: a missing history
// entry only shrinks a later context window.
func record(ctx context.Context, h History, channel string, msg domain.Message, logger *slog.Logger) {
	if h == nil {
		return
	}
	if err := h.Record(ctx, channel, msg); err != nil {
		logger.Warn("history record failed", "channel", channel, "message", msg.ID, "err", err)
	}
}

// outbound returns the bus handler that delivers pipeline answers through t,
// back into the chat the question came from.
func outbound(ctx context.Context, t domain.Transport, logger *slog.Logger) func(domain.OutboundMessage) {
	return func(msg domain.OutboundMessage) {
		if msg.Response == nil {
			return
		}
		if err := t.Send(ctx, msg.Source.ChatID, msg.Response); err != nil {
			logger.Error("send failed", "channel", t.Name(), "chat", msg.Source.ChatID, "err", err)
		}
	}
}
