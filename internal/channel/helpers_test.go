package channel

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memHistory is a History kept in a slice, oldest first.
type memHistory struct {
	mu   sync.Mutex
	msgs []domain.Message
}

func (h *memHistory) Record(ctx context.Context, channel string, msg domain.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
	return nil
}

func (h *memHistory) Recent(ctx context.Context, channel, chatID string, limit int) ([]domain.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.Message
	for i := len(h.msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if h.msgs[i].ChatID == chatID {
			out = append(out, h.msgs[i])
		}
	}
	return out, nil
}

func (h *memHistory) all() []domain.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Message(nil), h.msgs...)
}

// recordingBus captures published messages and outbound handlers.
type recordingBus struct {
	mu        sync.Mutex
	published []domain.InboundMessage
	handlers  map[string]func(domain.OutboundMessage)
}

func (b *recordingBus) Publish(msg domain.InboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, msg)
}

func (b *recordingBus) Subscribe() <-chan domain.InboundMessage { return nil }

func (b *recordingBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.Lock()
	h := b.handlers[msg.Channel]
	b.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (b *recordingBus) OnOutbound(name string, handler func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string]func(domain.OutboundMessage))
	}
	b.handlers[name] = handler
}

func (b *recordingBus) Close() {}

func (b *recordingBus) messages() []domain.InboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.InboundMessage(nil), b.published...)
}
