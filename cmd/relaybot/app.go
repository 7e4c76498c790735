package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"relaybot/internal/agent"
	"relaybot/internal/bus"
	"relaybot/internal/cache"
	"relaybot/internal/config"
	"relaybot/internal/domain"
	"relaybot/internal/history"
	"relaybot/internal/media"
	"relaybot/internal/metrics"
	"relaybot/internal/provider"
	"relaybot/internal/settings"
	"relaybot/internal/speech"
)

// app holds the transport-independent part of the bot.
type app struct {
	settings *settings.Settings
	caches   *cache.Set
	history  *history.SQLiteStore
	registry *provider.Registry
	metrics  *metrics.Metrics
	bus      *bus.InMemoryBus
	pipeline *agent.Pipeline
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	mode, _ := domain.ParseMode(cfg.General.Mode)
	a := &app{
		settings: settings.New(cfg.General.BotName, mode, cfg.General.Prompt),
		metrics:  metrics.New(),
		bus:      bus.New(100, logger),
	}

	var err error
	a.caches, err = cache.NewSet(cache.Options{
		Backend:         cfg.Cache.Backend,
		ConversationTTL: time.Duration(cfg.Cache.ConversationTTLHours) * time.Hour,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	a.history, err = history.NewSQLiteStore(cfg.History.DSN, cfg.History.MaxPerChat, logger)
	if err != nil {
		a.caches.Close()
		return nil, fmt.Errorf("history store: %w", err)
	}

	a.registry = provider.NewRegistry(provider.RegistryConfig{
		Apology: cfg.General.Apology,
		Metrics: a.metrics,
		Logger:  logger,
	})
	if err := registerProviders(ctx, a.registry, cfg, a.caches, a.metrics, logger); err != nil {
		a.Close()
		return nil, err
	}
	if len(a.registry.Modes()) == 0 {
		logger.Warn("no backend configured; questions will get a missing API key notice")
	}

	transcriber, err := speech.NewTranscriber(speech.WhisperConfig{
		Provider: cfg.Speech.STTProvider,
		APIBase:  cfg.Speech.STTAPIBase,
		APIKey:   cfg.Speech.STTAPIKey,
		Model:    cfg.Speech.STTModel,
		Language: cfg.Speech.Language,
		Logger:   logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	synthesizer, err := speech.NewSynthesizer(speech.TTSConfig{
		Provider: cfg.Speech.TTSProvider,
		APIBase:  cfg.Speech.TTSAPIBase,
		APIKey:   cfg.Speech.TTSAPIKey,
		Model:    cfg.Speech.TTSModel,
		Voice:    cfg.Speech.Voice,
		Logger:   logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	resolverCfg := media.ResolverConfig{
		Transcriber:     transcriber,
		Transcripts:     a.caches.Transcripts,
		Interpretations: a.caches.Interpretations,
		Metrics:         a.metrics,
		Logger:          logger,
	}
	if vc := cfg.Providers.Vision; vc.Enabled {
		key := vc.APIKey
		if key == "" {
			key = cfg.Providers.OpenAI.APIKey
		}
		resolverCfg.Summarizer = media.NewVision(media.VisionConfig{
			APIKey:  key,
			APIBase: vc.APIBase,
			Model:   vc.Model,
			Logger:  logger,
		})
	}

	var limiter *agent.RateLimiter
	if cfg.General.RateLimitPerMinute > 0 {
		limiter = agent.NewRateLimiter(cfg.General.RateLimitBurst, float64(cfg.General.RateLimitPerMinute))
	}

	a.pipeline = agent.NewPipeline(agent.PipelineConfig{
		Settings: a.settings,
		Commands: agent.NewCommands(agent.CommandsConfig{
			Settings: a.settings,
			Registry: a.registry,
			Caches:   a.caches,
			Logger:   logger,
		}),
		Assembler: agent.NewAssembler(agent.AssemblerConfig{
			Settings:     a.settings,
			Resolver:     media.NewResolver(resolverCfg),
			Vision:       a.registry,
			MaxMessages:  cfg.Context.MaxMessages,
			MaxAge:       time.Duration(cfg.Context.MaxAgeHours) * time.Hour,
			ResetEnabled: cfg.Context.ResetEnabled,
			Logger:       logger,
		}),
		Registry: a.registry,
		Speech: speech.NewAdapter(speech.AdapterConfig{
			Synthesizer: synthesizer,
			Policy:      cfg.Speech.VoiceReplies,
			Logger:      logger,
		}),
		Limiter:              limiter,
		Metrics:              a.metrics,
		Bus:                  a.bus,
		Logger:               logger,
		Concurrency:          cfg.General.MaxConcurrentMessages,
		GroupRequiresMention: cfg.General.GroupRequiresMention,
	})
	return a, nil
}

// registerProviders registers every backend whose credentials are configured.
func registerProviders(ctx context.Context, reg *provider.Registry, cfg *config.Config, caches *cache.Set, m *metrics.Metrics, logger *slog.Logger) error {
	p := cfg.Providers
	if p.OpenAI.APIKey != "" {
		reg.Register(provider.NewCompletions(provider.CompletionsConfig{
			APIKey:  p.OpenAI.APIKey,
			APIBase: p.OpenAI.APIBase,
			Model:   p.OpenAI.Model,
			Vision:  p.OpenAI.Vision,
			Logger:  logger,
		}))
	}
	if p.Assistant.APIKey != "" && p.Assistant.AssistantID != "" {
		reg.Register(provider.NewAssistant(provider.AssistantConfig{
			APIKey:      p.Assistant.APIKey,
			APIBase:     p.Assistant.APIBase,
			AssistantID: p.Assistant.AssistantID,
			PollTimeout: time.Duration(p.Assistant.PollTimeoutSeconds) * time.Second,
			Logger:      logger,
		}))
	}
	if p.Dify.APIKey != "" {
		reg.Register(provider.NewAgent(provider.AgentConfig{
			APIKey:        p.Dify.APIKey,
			APIBase:       p.Dify.APIBase,
			Conversations: caches.Conversations,
			StreamTimeout: time.Duration(p.Dify.StreamTimeoutSeconds) * time.Second,
			Metrics:       m,
			Logger:        logger,
		}))
	}
	if p.Gemini.APIKey != "" {
		g, err := provider.NewGenerative(ctx, provider.GenerativeConfig{
			APIKey:  p.Gemini.APIKey,
			APIBase: p.Gemini.APIBase,
			Model:   p.Gemini.Model,
			Vision:  p.Gemini.Vision,
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("gemini backend: %w", err)
		}
		reg.Register(g)
	}
	return nil
}

// status adapts the live settings and registry for the health endpoint.
func (a *app) status() appStatus { return appStatus{a} }

type appStatus struct{ a *app }

func (s appStatus) Mode() domain.Mode { return s.a.settings.Mode() }
func (s appStatus) Modes() []domain.Mode { return s.a.registry.Modes() }

func (a *app) Close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.history != nil {
		a.history.Close()
	}
	if a.caches != nil {
		a.caches.Close()
	}
}
