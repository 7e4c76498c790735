package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/media"
	"relaybot/internal/settings"
)

// maxImagesPerContext bounds the image downloads of one context build.
const maxImagesPerContext = 2

type messageClass int

const (
	classChat messageClass = iota
	classAudio
	classImage
	classOther
)

func classify(m domain.Message) messageClass {
	switch {
	case m.Type.IsAudio():
		return classAudio
	case m.Type == domain.TypeImage:
		return classImage
	case m.Type == domain.TypeChat && !m.HasMedia:
		return classChat
	default:
		return classOther
	}
}

// VisionChecker reports whether the backend for a mode accepts inline images.
type VisionChecker interface {
	SupportsVision(mode domain.Mode) bool
}

// Assembler builds the context window for one inbound message from the chat
// history exposed by the transport.
type Assembler struct {
	settings     *settings.Settings
	resolver     *media.Resolver
	vision       VisionChecker
	maxMessages  int
	maxAge       time.Duration
	resetEnabled bool
	logger       *slog.Logger
	now          func() time.Time
}

type AssemblerConfig struct {
	Settings     *settings.Settings
	Resolver     *media.Resolver
	Vision       VisionChecker
	MaxMessages  int
	MaxAge       time.Duration // zero disables the age limit
	ResetEnabled bool
	Logger       *slog.Logger
}

func NewAssembler(cfg AssemblerConfig) *Assembler {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 20
	}
	if cfg.Resolver == nil {
		cfg.Resolver = media.NewResolver(media.ResolverConfig{Logger: cfg.Logger})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Assembler{
		settings:     cfg.Settings,
		resolver:     cfg.Resolver,
		vision:       cfg.Vision,
		maxMessages:  cfg.MaxMessages,
		maxAge:       cfg.MaxAge,
		resetEnabled: cfg.ResetEnabled,
		logger:       cfg.Logger,
		now:          time.Now,
	}
}

// Assemble returns the context items for the chat of msg, oldest first. The
// custom prompt, when set, is the first item. A history fetch failure wraps
// domain.ErrTransport; a speech ConfigurationError is returned as is.
func (a *Assembler) Assemble(ctx context.Context, t domain.Transport, msg domain.Message) ([]domain.ContextItem, error) {
	history, err := t.FetchHistory(ctx, msg.ChatID, a.maxMessages)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch history of %s: %v", domain.ErrTransport, msg.ChatID, err)
	}
	history = a.window(history)

	snap := a.settings.Snapshot()
	inline := a.vision != nil && a.vision.SupportsVision(snap.Mode)
	images := a.selectImages(ctx, history, inline)

	var items []domain.ContextItem
	if snap.Prompt != "" {
		items = append(items, domain.ContextItem{Role: domain.RoleUser, Text: snap.Prompt})
	}

	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		item, ok, err := a.item(ctx, t, m, inline, images[m.ID])
		if err != nil {
			if _, isCfg := domain.AsConfigurationError(err); isCfg {
				return nil, err
			}
			a.logger.Warn("skipping unreadable message", "chat", m.ChatID, "message", m.ID, "err", err)
			continue
		}
		if ok {
			items = append(items, item)
		}
	}
	return items, nil
}

// window trims a newest-first history to the messages after the last reset
// marker and inside the age limit.
func (a *Assembler) window(history []domain.Message) []domain.Message {
	if a.resetEnabled {
		for i, m := range history {
			if IsResetMarker(m.Body) {
				history = history[:i]
				break
			}
		}
	}
	if a.maxAge > 0 {
		cutoff := a.now().Add(-a.maxAge)
		for i, m := range history {
			if m.Timestamp.Before(cutoff) {
				history = history[:i]
				break
			}
		}
	}
	return history
}

// selectImages picks which image messages may be fetched: at most two, newest
// first. Images whose interpretation is already cached do not use the budget.
func (a *Assembler) selectImages(ctx context.Context, history []domain.Message, inline bool) map[string]bool {
	selected := make(map[string]bool)
	if !inline && !a.resolver.CanSummarize() {
		return selected
	}
	budget := maxImagesPerContext
	for _, m := range history {
		if classify(m) != classImage {
			continue
		}
		if !inline {
			if _, ok := a.resolver.CachedInterpretation(ctx, m.ID); ok {
				selected[m.ID] = true
				continue
			}
		}
		if budget == 0 {
			continue
		}
		budget--
		selected[m.ID] = true
	}
	return selected
}

func (a *Assembler) item(ctx context.Context, t domain.Transport, m domain.Message, inline, imageAllowed bool) (domain.ContextItem, bool, error) {
	item := domain.ContextItem{Role: roleOf(m), MessageID: m.ID}
	if item.Role == domain.RoleUser {
		item.Name = m.SenderName
		if item.Name == "" {
			item.Name = m.Sender
		}
	}

	switch classify(m) {
	case classChat:
		if strings.TrimSpace(m.Body) == "" {
			return item, false, nil
		}
		item.Text = m.Body

	case classAudio:
		text, err := a.resolver.Audio(ctx, t, m)
		if errors.Is(err, media.ErrUnavailable) {
			return item, false, nil
		}
		if err != nil {
			return item, false, err
		}
		item.Text = text

	case classImage:
		if !imageAllowed {
			if strings.TrimSpace(m.Body) == "" {
				return item, false, nil
			}
			item.Text = m.Body
			return item, true, nil
		}
		content, err := a.resolver.Image(ctx, t, m, inline)
		if err != nil {
			return item, false, err
		}
		item.Text = content.Text
		item.Parts = content.Parts

	default:
		return item, false, nil
	}
	return item, true, nil
}

// roleOf attributes a message to the bot only when it sent it and it carries no
// media other than audio.
func roleOf(m domain.Message) domain.Role {
	if m.FromSelf && (!m.HasMedia || m.Type.IsAudio()) {
		return domain.RoleAssistant
	}
	return domain.RoleUser
}
