// Package speech adapts between text and audio: transcription of inbound voice
// notes and synthesis of spoken replies. Providers are selected by name.
package speech

import (
	"context"
	"fmt"
	"log/slog"

	"relaybot/internal/domain"
)

// Transcriber turns recorded audio into text.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, audio *domain.MediaPayload) (string, error)
}

// Synthesizer turns text into recorded audio.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text string) (*domain.MediaPayload, error)
}

// Voice reply policies.
const (
	VoiceNever  = "never"
	VoiceAuto   = "auto" // reply with audio when the inbound message was audio
	VoiceAlways = "always"
)

// Adapter decides whether a text answer is delivered as speech.
type Adapter struct {
	synth  Synthesizer
	policy string
	logger *slog.Logger
}

type AdapterConfig struct {
	Synthesizer Synthesizer // nil disables voice replies
	Policy      string
	Logger      *slog.Logger
}

func NewAdapter(cfg AdapterConfig) *Adapter {
	if cfg.Policy == "" {
		cfg.Policy = VoiceNever
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{synth: cfg.Synthesizer, policy: cfg.Policy, logger: cfg.Logger}
}

// WantsVoice reports whether a reply to inbound should be spoken.
func (a *Adapter) WantsVoice(inbound domain.Message) bool {
	if a == nil || a.synth == nil {
		return false
	}
	switch a.policy {
	case VoiceAlways:
		return true
	case VoiceAuto:
		return inbound.Type.IsAudio()
	default:
		return false
	}
}

// Render converts resp into audio when the policy asks for it. Synthesis failures
// keep the text answer.
func (a *Adapter) Render(ctx context.Context, inbound domain.Message, resp *domain.ProviderResponse) *domain.ProviderResponse {
	if resp == nil || resp.Text == "" || !a.WantsVoice(inbound) {
		return resp
	}
	audio, err := a.synth.Synthesize(ctx, resp.Text)
	if err != nil {
		a.logger.Warn("speech synthesis failed, replying with text", "provider", a.synth.Name(), "err", err)
		return resp
	}
	out := *resp
	out.Audio = audio
	out.Text = ""
	return &out
}

// NewTranscriber builds the configured speech-to-text provider. An empty or "none"
// provider returns nil.
func NewTranscriber(cfg WhisperConfig) (Transcriber, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "openai", "groq":
		return NewWhisper(cfg), nil
	default:
		return nil, fmt.Errorf("unknown speech-to-text provider: %s", cfg.Provider)
	}
}

// NewSynthesizer builds the configured text-to-speech provider. An empty or "none"
// provider returns nil.
func NewSynthesizer(cfg TTSConfig) (Synthesizer, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "openai", "elevenlabs":
		return NewTTS(cfg), nil
	default:
		return nil, fmt.Errorf("unknown text-to-speech provider: %s", cfg.Provider)
	}
}
