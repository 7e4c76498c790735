// Package media turns audio and image messages into context content: transcripts
// for audio, inline image parts or textual interpretations for images. Results are
// cached per message id for the life of the process.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"relaybot/internal/cache"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

// ErrUnavailable is returned when no backend can handle the media type.
var ErrUnavailable = errors.New("media: no handler configured")

// Transcriber turns recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio *domain.MediaPayload) (string, error)
}

// Summarizer describes an image in plain text for backends without vision input.
type Summarizer interface {
	Describe(ctx context.Context, image *domain.MediaPayload, caption string) (string, error)
}

// Content is the resolved form of one media message. Parts is set for inline images.
type Content struct {
	Text  string
	Parts []domain.ContentPart
}

type ResolverConfig struct {
	Transcriber     Transcriber // nil disables audio
	Summarizer      Summarizer  // nil disables image interpretation
	Transcripts     cache.Store[string]
	Interpretations cache.Store[string]
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

// Resolver fetches media through the transport and converts it to content.
type Resolver struct {
	transcriber     Transcriber
	summarizer      Summarizer
	transcripts     cache.Store[string]
	interpretations cache.Store[string]
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Transcripts == nil {
		cfg.Transcripts = cache.NewMemory[string](0)
	}
	if cfg.Interpretations == nil {
		cfg.Interpretations = cache.NewMemory[string](0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{
		transcriber:     cfg.Transcriber,
		summarizer:      cfg.Summarizer,
		transcripts:     cfg.Transcripts,
		interpretations: cfg.Interpretations,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
	}
}

// CanTranscribe reports whether audio messages can be resolved.
func (r *Resolver) CanTranscribe() bool { return r.transcriber != nil }

// CanSummarize reports whether images can be resolved without inline vision.
func (r *Resolver) CanSummarize() bool { return r.summarizer != nil }

// Audio returns the transcript of msg, transcribing and caching it on first use.
// Speech configuration errors are returned unwrapped so callers can surface them.
func (r *Resolver) Audio(ctx context.Context, t domain.Transport, msg domain.Message) (string, error) {
	text, ok := r.lookup(ctx, r.transcripts, "transcripts", msg.ID)
	if ok {
		return text, nil
	}
	if r.transcriber == nil {
		return "", ErrUnavailable
	}

	payload, err := t.DownloadMedia(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("download audio %s: %w", msg.ID, err)
	}
	text, err = r.transcriber.Transcribe(ctx, payload)
	if err != nil {
		if _, ok := domain.AsConfigurationError(err); ok {
			return "", err
		}
		return "", fmt.Errorf("transcribe %s: %w", msg.ID, err)
	}

	r.store(ctx, r.transcripts, msg.ID, text)
	return text, nil
}

// CachedInterpretation returns a previously computed image description without
// touching the transport.
func (r *Resolver) CachedInterpretation(ctx context.Context, msgID string) (string, bool) {
	return r.lookup(ctx, r.interpretations, "interpretations", msgID)
}

// Image downloads msg and resolves it. With inline set, the image is returned as
// structured parts for a vision-capable backend; otherwise it is interpreted by
// the summarizer and rendered as text.
func (r *Resolver) Image(ctx context.Context, t domain.Transport, msg domain.Message, inline bool) (Content, error) {
	if !inline {
		if desc, ok := r.CachedInterpretation(ctx, msg.ID); ok {
			return Content{Text: imageText(desc, msg.Body)}, nil
		}
		if r.summarizer == nil {
			return Content{}, ErrUnavailable
		}
	}

	payload, err := t.DownloadMedia(ctx, msg)
	if err != nil {
		return Content{}, fmt.Errorf("download image %s: %w", msg.ID, err)
	}

	if inline {
		caption := msg.Body
		if caption == "" {
			caption = "[image]"
		}
		return Content{Parts: []domain.ContentPart{
			{Type: domain.PartText, Text: caption},
			{Type: domain.PartImage, Image: payload},
		}}, nil
	}

	desc, err := r.summarizer.Describe(ctx, payload, msg.Body)
	if err != nil {
		return Content{}, fmt.Errorf("describe image %s: %w", msg.ID, err)
	}
	r.store(ctx, r.interpretations, msg.ID, desc)
	return Content{Text: imageText(desc, msg.Body)}, nil
}

func imageText(desc, caption string) string {
	if caption == "" {
		return "[image] " + desc
	}
	return "[image] " + desc + "\n" + caption
}

func (r *Resolver) lookup(ctx context.Context, store cache.Store[string], name, key string) (string, bool) {
	v, ok, err := store.Get(ctx, key)
	if err != nil {
		r.logger.Warn("cache lookup failed", "cache", name, "key", key, "err", err)
		ok = false
	}
	r.metrics.CacheLookup(name, ok)
	return v, ok
}

func (r *Resolver) store(ctx context.Context, store cache.Store[string], key, value string) {
	if err := store.Set(ctx, key, value); err != nil {
		r.logger.Warn("cache write failed", "key", key, "err", err)
	}
}
