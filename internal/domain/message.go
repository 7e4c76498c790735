package domain

import "time"

// MessageType classifies an inbound transport message.
type MessageType string

const (
	TypeChat    MessageType = "chat"
	TypeImage   MessageType = "image"
	TypeAudio   MessageType = "audio"
	TypeVoice   MessageType = "voice"
	TypeSticker MessageType = "sticker"
	TypeOther   MessageType = "other"
)

// IsAudio reports whether the type carries recorded sound (audio file or voice note).
func (t MessageType) IsAudio() bool {
	return t == TypeAudio || t == TypeVoice
}

// Message is a single chat message as read from the transport. Immutable once read.
type Message struct {
	ID         string      `json:"id"`
	ChatID     string      `json:"chat_id"`
	Sender     string      `json:"sender"`
	SenderName string      `json:"sender_name,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Body       string      `json:"body"`
	Type       MessageType `json:"type"`
	FromSelf   bool        `json:"from_self"`
	HasMedia   bool        `json:"has_media"`
	MediaRef   string      `json:"media_ref,omitempty"` // transport-specific media handle
	MimeType   string      `json:"mime_type,omitempty"`
}

// MediaPayload is a downloaded attachment, base64 encoded.
type MediaPayload struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// DataURL renders the payload as a data: URL suitable for inline image content.
func (m *MediaPayload) DataURL() string {
	return "data:" + m.MimeType + ";base64," + m.Data
}

// Chat is the metadata the pipeline needs about a conversation.
type Chat struct {
	ID      string
	IsGroup bool
}

// InboundMessage is a transport message travelling over the bus.
type InboundMessage struct {
	Channel string
	Message Message
}

// OutboundMessage is a pipeline response travelling back to a transport.
type OutboundMessage struct {
	Channel  string
	Source   Message
	Response *ProviderResponse
}
