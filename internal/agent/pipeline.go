// Package agent turns inbound chat messages into answers: it interprets
// commands, assembles the context window, dispatches to the backend selected
// by the current mode and renders the answer as text or speech.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
	"relaybot/internal/provider"
	"relaybot/internal/settings"
	"relaybot/internal/speech"
)

const defaultConcurrency = 5

// Pipeline is the message engine: skip or command → context → backend → speech.
type Pipeline struct {
	settings       *settings.Settings
	commands       *Commands
	assembler      *Assembler
	registry       *provider.Registry
	speech         *speech.Adapter
	limiter        *RateLimiter
	metrics        *metrics.Metrics
	bus            domain.MessageBus
	logger         *slog.Logger
	concurrency    int
	requireMention bool

	mu         sync.RWMutex
	transports map[string]domain.Transport
}

// PipelineConfig holds all dependencies of the pipeline.
type PipelineConfig struct {
	Settings  *settings.Settings
	Commands  *Commands
	Assembler *Assembler
	Registry  *provider.Registry
	Speech    *speech.Adapter // optional
	Limiter   *RateLimiter    // optional
	Metrics   *metrics.Metrics
	Bus       domain.MessageBus // required by Run only
	Logger    *slog.Logger

	Concurrency          int  // max parallel messages in Run
	GroupRequiresMention bool // in groups, answer only when the bot is named
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Commands == nil {
		cfg.Commands = NewCommands(CommandsConfig{Settings: cfg.Settings, Registry: cfg.Registry, Logger: cfg.Logger})
	}
	return &Pipeline{
		settings:       cfg.Settings,
		commands:       cfg.Commands,
		assembler:      cfg.Assembler,
		registry:       cfg.Registry,
		speech:         cfg.Speech,
		limiter:        cfg.Limiter,
		metrics:        cfg.Metrics,
		bus:            cfg.Bus,
		logger:         cfg.Logger,
		concurrency:    cfg.Concurrency,
		requireMention: cfg.GroupRequiresMention,
		transports:     make(map[string]domain.Transport),
	}
}

// AddTransport makes t available to messages arriving on the channel t.Name().
func (p *Pipeline) AddTransport(t domain.Transport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transports[t.Name()] = t
}

func (p *Pipeline) transport(name string) (domain.Transport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.transports[name]
	return t, ok
}

// Run consumes inbound messages from the bus with bounded concurrency and sends
// every answer back through it.
func (p *Pipeline) Run(ctx context.Context) {
	p.logger.Info("pipeline started", "concurrency", p.concurrency)

	sem := make(chan struct{}, p.concurrency)
	inbound := p.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				p.logger.Info("inbound channel closed, pipeline stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func(in domain.InboundMessage) {
				defer func() { <-sem }()
				p.processMessage(ctx, in)
			}(msg)
		}
	}
}

func (p *Pipeline) processMessage(ctx context.Context, in domain.InboundMessage) {
	resp, ok := p.Handle(ctx, in)
	if !ok || (resp.Text == "" && resp.Audio == nil) {
		return
	}
	p.bus.SendOutbound(domain.OutboundMessage{
		Channel:  in.Channel,
		Source:   in.Message,
		Response: resp,
	})
}

// Handle answers one inbound message. ok is false when no response should be
// sent. It never panics into the caller and never returns a nil response with
// ok set.
func (p *Pipeline) Handle(ctx context.Context, in domain.InboundMessage) (resp *domain.ProviderResponse, ok bool) {
	msg := in.Message
	logger := p.logger.With("request_id", uuid.NewString(), "channel", in.Channel, "sender", msg.Sender, "message", msg.ID)
	defer p.metrics.Track()()

	outcome := metrics.OutcomeSkipped
	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline panic", "panic", r)
			resp, ok, outcome = nil, false, metrics.OutcomeFailed
		}
		p.metrics.Message(outcome)
	}()

	if msg.FromSelf {
		return nil, false
	}
	if strings.TrimSpace(msg.Body) == "" && !msg.HasMedia {
		return nil, false
	}

	t, found := p.transport(in.Channel)
	if !found {
		logger.Error("no transport registered for channel")
		outcome = metrics.OutcomeFailed
		return nil, false
	}

	if cmd := ParseCommand(msg.Body); cmd.Kind != CmdNone {
		outcome = metrics.OutcomeCommand
		logger.Info("command", "kind", cmd.Kind)
		return domain.TextResponse(msg.Sender, p.commands.Execute(ctx, cmd, msg)), true
	}

	snap := p.settings.Snapshot()
	if p.requireMention {
		chat, err := t.GetChat(ctx, msg)
		if err != nil {
			logger.Warn("chat lookup failed", "err", err)
			outcome = metrics.OutcomeFailed
			return nil, false
		}
		if chat.IsGroup && !mentions(msg.Body, snap.Name) {
			return nil, false
		}
	}

	items, err := p.assembler.Assemble(ctx, t, msg)
	if err != nil {
		if ce, isCfg := domain.AsConfigurationError(err); isCfg {
			logger.Error("speech provider misconfigured", "err", err)
			outcome = metrics.OutcomeConfigErr
			return domain.TextResponse(msg.Sender, ce.Error()), true
		}
		if errors.Is(err, domain.ErrTransport) {
			logger.Error("context assembly aborted", "err", err)
		} else {
			logger.Error("context assembly failed", "err", err)
		}
		outcome = metrics.OutcomeFailed
		return nil, false
	}
	if !hasMessageItem(items) {
		logger.Debug("nothing to answer after context assembly")
		return nil, false
	}

	if err := p.limiter.Wait(ctx, msg.Sender); err != nil {
		logger.Warn("rate limit wait aborted", "err", err)
		outcome = metrics.OutcomeFailed
		return nil, false
	}

	logger.Info("dispatching", "mode", snap.Mode, "items", len(items))
	resp, answered := p.registry.Submit(ctx, snap.Mode, provider.Request{
		Sender:    msg.Sender,
		Message:   msg,
		Items:     items,
		BotName:   snap.Name,
		Prompt:    snap.Prompt,
		Transport: t,
	})
	if answered {
		outcome = metrics.OutcomeAnswered
	} else {
		outcome = metrics.OutcomeFailed
	}

	if p.speech != nil {
		resp = p.speech.Render(ctx, msg, resp)
	}
	return resp, true
}

func hasMessageItem(items []domain.ContextItem) bool {
	for _, it := range items {
		if it.MessageID != "" {
			return true
		}
	}
	return false
}

// mentions reports whether body names the bot, with or without a leading @.
func mentions(body, name string) bool {
	if name == "" {
		return true
	}
	return strings.Contains(strings.ToLower(body), strings.ToLower(name))
}
