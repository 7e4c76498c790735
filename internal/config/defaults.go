package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			BotName:               "relaybot",
			Mode:                  "gpt",
			Apology:               "Sorry, I couldn't come up with an answer right now. Please try again in a moment.",
			LogLevel:              "info",
			MaxConcurrentMessages: 5,
			GroupRequiresMention:  true,
			RateLimitPerMinute:    30,
			RateLimitBurst:        10,
		},
		Context: ContextConfig{
			MaxMessages:  20,
			MaxAgeHours:  24,
			ResetEnabled: true,
		},
		Cache: CacheConfig{
			Backend:              "memory",
			ConversationTTLHours: 24,
		},
		Providers: ProvidersConfig{
			OpenAI: OpenAIConfig{
				Model: "gpt-4o-mini",
			},
			Assistant: AssistantConfig{
				PollTimeoutSeconds: 120,
			},
			Dify: DifyConfig{
				APIBase:              "https://api.dify.ai/v1",
				StreamTimeoutSeconds: 60,
			},
			Gemini: GeminiConfig{
				Model: "gemini-2.0-flash",
			},
			Vision: VisionConfig{
				Model: "gpt-4o-mini",
			},
		},
		Speech: SpeechConfig{
			STTProvider:  "none",
			TTSProvider:  "none",
			VoiceReplies: "never",
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				APIBase:     "https://graph.facebook.com/v21.0",
				WebhookPath: "/webhook/whatsapp",
			},
		},
		History: HistoryConfig{
			DSN:        "file:relaybot?mode=memory&cache=shared",
			MaxPerChat: 200,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8080",
		},
	}
}
