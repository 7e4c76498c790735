package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"relaybot/internal/domain"
)

// WhisperConfig configures an OpenAI-compatible speech-to-text endpoint.
type WhisperConfig struct {
	Provider string // "openai" | "groq"; used for defaults and error messages
	APIBase  string // e.g. "https://api.groq.com/openai/v1" or "https://api.openai.com/v1"
	APIKey   string
	Model    string // e.g. "whisper-large-v3" (Groq) or "whisper-1" (OpenAI)
	Language string // optional ISO-639-1 code
	Client   *http.Client
	Logger   *slog.Logger
}

// Whisper transcribes audio through an OpenAI-compatible /audio/transcriptions
// endpoint. Groq serves the same API under its /openai/v1 prefix.
type Whisper struct {
	provider string
	apiKey   string
	model    string
	language string
	client   openai.Client
	logger   *slog.Logger
}

var _ Transcriber = (*Whisper)(nil)

func NewWhisper(cfg WhisperConfig) *Whisper {
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.APIBase == "" {
		switch cfg.Provider {
		case "groq":
			cfg.APIBase = "https://api.groq.com/openai/v1"
		default:
			cfg.APIBase = "https://api.openai.com/v1"
		}
	}
	if cfg.Model == "" {
		switch cfg.Provider {
		case "groq":
			cfg.Model = "whisper-large-v3"
		default:
			cfg.Model = "whisper-1"
		}
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 120 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(strings.TrimRight(cfg.APIBase, "/")+"/"),
		option.WithHTTPClient(cfg.Client),
		option.WithMaxRetries(1),
	)
	return &Whisper{
		provider: cfg.Provider,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		language: cfg.Language,
		client:   client,
		logger:   cfg.Logger,
	}
}

func (w *Whisper) Name() string { return w.provider }

// Transcribe converts an audio payload to text.
func (w *Whisper) Transcribe(ctx context.Context, audio *domain.MediaPayload) (string, error) {
	if w.apiKey == "" {
		return "", &domain.ConfigurationError{Provider: w.provider + " speech-to-text", Reason: "API key is missing"}
	}
	data, err := base64.StdEncoding.DecodeString(audio.Data)
	if err != nil {
		return "", fmt.Errorf("decode audio: %w", err)
	}

	mimeType, _, _ := strings.Cut(audio.MimeType, ";")
	params := openai.AudioTranscriptionNewParams{
		File:           openai.File(bytes.NewReader(data), "audio"+extensionFor(audio.MimeType), strings.TrimSpace(mimeType)),
		Model:          openai.AudioModel(w.model),
		ResponseFormat: openai.AudioResponseFormatJSON,
	}
	if w.language != "" {
		params.Language = openai.String(w.language)
	}

	result, err := w.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			return "", &domain.ConfigurationError{Provider: w.provider + " speech-to-text", Reason: "API key was rejected (401)"}
		}
		return "", fmt.Errorf("%s transcription: %w", w.provider, err)
	}

	w.logger.Info("transcription complete", "provider", w.provider, "model", w.model, "text_len", len(result.Text))
	return strings.TrimSpace(result.Text), nil
}

// extensionFor maps an audio mime type to the file extension Whisper expects.
func extensionFor(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	switch strings.TrimSpace(base) {
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a", "audio/aac":
		return ".m4a"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/webm":
		return ".webm"
	default:
		return ".ogg"
	}
}
