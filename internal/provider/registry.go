package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

// backendNames names each mode's backend in user-facing configuration errors.
var backendNames = map[domain.Mode]string{
	domain.ModeCompletions: "OpenAI chat completions",
	domain.ModeAssistant:   "assistant",
	domain.ModeAgent:       "agent",
	domain.ModeGenerative:  "Gemini",
}

// Registry holds one provider per mode and degrades failures to an apology.
type Registry struct {
	mu        sync.RWMutex
	providers map[domain.Mode]Provider
	apology   string
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

type RegistryConfig struct {
	Apology string
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Apology == "" {
		cfg.Apology = "Sorry, something went wrong. Please try again."
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		providers: make(map[domain.Mode]Provider),
		apology:   cfg.Apology,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

// Register adds (or replaces) the provider for its mode.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Mode()] = p
}

// Get returns the provider registered for mode.
func (r *Registry) Get(mode domain.Mode) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[mode]
	if !ok {
		return nil, fmt.Errorf("no provider configured for mode %q", mode)
	}
	return p, nil
}

// Modes lists the registered modes in display order.
func (r *Registry) Modes() []domain.Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Mode
	for _, m := range domain.Modes {
		if _, ok := r.providers[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

// SupportsVision reports whether the provider for mode takes inline images.
func (r *Registry) SupportsVision(mode domain.Mode) bool {
	p, err := r.Get(mode)
	return err == nil && p.SupportsVision()
}

// Apology is the text sent in place of a failed answer.
func (r *Registry) Apology() string { return r.apology }

// Submit dispatches req to the provider for mode. It never returns a nil response:
// faults and empty answers become the apology, configuration errors become their
// user-safe message. ok is false when the answer is a fallback.
func (r *Registry) Submit(ctx context.Context, mode domain.Mode, req Request) (resp *domain.ProviderResponse, ok bool) {
	start := time.Now()
	defer func() { r.metrics.ProviderCall(string(mode), ok, time.Since(start)) }()

	p, err := r.Get(mode)
	if err != nil {
		if name, known := backendNames[mode]; known {
			// Backends are registered only when their credentials are present.
			ce := &domain.ConfigurationError{Provider: name, Reason: "API key is missing"}
			r.logger.Error("provider misconfigured", "mode", mode, "err", ce)
			return domain.TextResponse(req.Sender, ce.Error()), false
		}
		r.logger.Error("provider lookup failed", "mode", mode, "err", err)
		return domain.TextResponse(req.Sender, r.apology), false
	}

	resp, err = p.Submit(ctx, req)
	if err != nil {
		if ce, isCfg := domain.AsConfigurationError(err); isCfg {
			r.logger.Error("provider misconfigured", "mode", mode, "err", err)
			return domain.TextResponse(req.Sender, ce.Error()), false
		}
		r.logger.Error("provider failed", "mode", mode, "sender", req.Sender, "err", err)
		return domain.TextResponse(req.Sender, r.apology), false
	}
	if resp == nil || (strings.TrimSpace(resp.Text) == "" && resp.Audio == nil && resp.ToolInvocation == nil) {
		r.logger.Warn("provider returned an empty answer", "mode", mode, "sender", req.Sender)
		return domain.TextResponse(req.Sender, r.apology), false
	}
	if resp.Recipient == "" {
		resp.Recipient = req.Sender
	}
	return resp, true
}
