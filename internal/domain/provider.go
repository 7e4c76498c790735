package domain

import "strings"

// Mode selects which provider variant answers messages.
type Mode string

const (
	ModeCompletions Mode = "gpt"
	ModeAssistant   Mode = "assistant"
	ModeAgent       Mode = "dify"
	ModeGenerative  Mode = "gemini"
)

// Modes lists every valid mode in display order.
var Modes = []Mode{ModeCompletions, ModeAssistant, ModeAgent, ModeGenerative}

// ParseMode resolves a user-supplied mode name case-insensitively.
func ParseMode(s string) (Mode, bool) {
	for _, m := range Modes {
		if strings.EqualFold(string(m), strings.TrimSpace(s)) {
			return m, true
		}
	}
	return "", false
}

// ToolInvocation records a local function executed on behalf of a backend.
type ToolInvocation struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result"`
}

// ProviderResponse is the outcome of one pipeline run. Exactly one of Text or Audio
// is the content delivered to the recipient; RawText always holds the text answer.
type ProviderResponse struct {
	Recipient      string          `json:"recipient"`
	Text           string          `json:"text,omitempty"`
	Audio          *MediaPayload   `json:"audio,omitempty"`
	RawText        string          `json:"raw_text"`
	ToolInvocation *ToolInvocation `json:"tool_invocation,omitempty"`
}

// IsAudio reports whether the response should be delivered as speech.
func (r *ProviderResponse) IsAudio() bool {
	return r != nil && r.Audio != nil
}

// TextResponse builds a plain text response.
func TextResponse(recipient, text string) *ProviderResponse {
	return &ProviderResponse{Recipient: recipient, Text: text, RawText: text}
}
