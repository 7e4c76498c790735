package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"relaybot/internal/domain"
)

const defaultElevenLabsVoice = "21m00Tcm4TlvDq8ikWAM"

// TTSConfig configures the text-to-speech provider.
type TTSConfig struct {
	Provider string // "openai" | "elevenlabs"
	APIBase  string
	APIKey   string
	Model    string // e.g. "tts-1" (OpenAI) or "eleven_multilingual_v2" (ElevenLabs)
	Voice    string // e.g. "alloy" (OpenAI) or a voice id (ElevenLabs)
	Client   *http.Client
	Logger   *slog.Logger
}

// TTS synthesizes speech through OpenAI or ElevenLabs.
type TTS struct {
	provider string
	apiBase  string
	apiKey   string
	model    string
	voice    string
	client   *http.Client
	logger   *slog.Logger
}

var _ Synthesizer = (*TTS)(nil)

func NewTTS(cfg TTSConfig) *TTS {
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	switch cfg.Provider {
	case "elevenlabs":
		if cfg.APIBase == "" {
			cfg.APIBase = "https://api.elevenlabs.io/v1"
		}
		if cfg.Model == "" {
			cfg.Model = "eleven_multilingual_v2"
		}
		if cfg.Voice == "" {
			cfg.Voice = defaultElevenLabsVoice
		}
	default:
		if cfg.APIBase == "" {
			cfg.APIBase = "https://api.openai.com/v1"
		}
		if cfg.Model == "" {
			cfg.Model = "tts-1"
		}
		if cfg.Voice == "" {
			cfg.Voice = "alloy"
		}
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TTS{
		provider: cfg.Provider,
		apiBase:  strings.TrimRight(cfg.APIBase, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		voice:    cfg.Voice,
		client:   cfg.Client,
		logger:   cfg.Logger,
	}
}

func (t *TTS) Name() string { return t.provider }

// Synthesize converts text to MP3 audio, base64 encoded.
func (t *TTS) Synthesize(ctx context.Context, text string) (*domain.MediaPayload, error) {
	if t.apiKey == "" {
		return nil, &domain.ConfigurationError{Provider: t.provider + " text-to-speech", Reason: "API key is missing"}
	}

	var (
		req *http.Request
		err error
	)
	switch t.provider {
	case "openai":
		req, err = t.openAIRequest(ctx, text)
	case "elevenlabs":
		req, err = t.elevenLabsRequest(ctx, text)
	default:
		return nil, fmt.Errorf("unsupported TTS provider: %s", t.provider)
	}
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s TTS request: %w", t.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &domain.ConfigurationError{Provider: t.provider + " text-to-speech", Reason: "API key was rejected (401)"}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s TTS error (status %d): %s", t.provider, resp.StatusCode, string(respBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read TTS audio: %w", err)
	}
	t.logger.Info("speech synthesized", "provider", t.provider, "bytes", len(audio))
	return &domain.MediaPayload{
		MimeType: "audio/mpeg",
		Data:     base64.StdEncoding.EncodeToString(audio),
	}, nil
}

func (t *TTS) openAIRequest(ctx context.Context, text string) (*http.Request, error) {
	body, err := json.Marshal(map[string]string{
		"model":           t.model,
		"input":           text,
		"voice":           t.voice,
		"response_format": "mp3",
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBase+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (t *TTS) elevenLabsRequest(ctx context.Context, text string) (*http.Request, error) {
	body, err := json.Marshal(map[string]string{
		"text":     text,
		"model_id": t.model,
	})
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/text-to-speech/%s", t.apiBase, t.voice)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", t.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	return req, nil
}
