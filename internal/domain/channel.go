package domain

import "context"

// Transport is the chat transport capability consumed by the pipeline.
type Transport interface {
	Name() string
	// FetchHistory returns up to limit messages of the chat, newest first.
	FetchHistory(ctx context.Context, chatID string, limit int) ([]Message, error)
	DownloadMedia(ctx context.Context, msg Message) (*MediaPayload, error)
	GetChat(ctx context.Context, msg Message) (Chat, error)
	Send(ctx context.Context, recipient string, resp *ProviderResponse) error
	React(ctx context.Context, msg Message, emoji string) error
}

// Channel is a Transport that also receives messages and feeds them into a bus.
type Channel interface {
	Transport
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}
