package provider

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

// fakeTransport records reactions; every other Transport method is unused here.
type fakeTransport struct {
	domain.Transport
	mu        sync.Mutex
	reactions []string
}

func (f *fakeTransport) React(ctx context.Context, msg domain.Message, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, msg.ID+":"+emoji)
	return nil
}

func sampleRequest() Request {
	return Request{
		Sender:  "alice",
		Message: domain.Message{ID: "m3", Sender: "alice", Body: "and now?"},
		BotName: "Ada",
		Prompt:  "Answer briefly.",
		Items: []domain.ContextItem{
			{Role: domain.RoleUser, Text: "hello", Name: "Alice"},
			{Role: domain.RoleAssistant, Text: "hi there"},
			{Role: domain.RoleUser, Text: "and now?", Name: "Alice"},
		},
	}
}
