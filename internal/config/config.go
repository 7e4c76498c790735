package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"relaybot/internal/domain"
)

// Config is the root configuration for relaybot.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Context   ContextConfig   `json:"context"`
	Cache     CacheConfig     `json:"cache"`
	Providers ProvidersConfig `json:"providers"`
	Speech    SpeechConfig    `json:"speech"`
	Channels  ChannelsConfig  `json:"channels"`
	History   HistoryConfig   `json:"history"`
	Server    ServerConfig    `json:"server"`
}

type GeneralConfig struct {
	BotName               string `json:"botName"`
	Mode                  string `json:"mode"`             // gpt | assistant | dify | gemini
	Prompt                string `json:"prompt,omitempty"` // custom prompt, replaceable at runtime with -update
	Apology               string `json:"apology"`          // sent when a provider fails
	LogLevel              string `json:"logLevel"`
	LogFile               string `json:"logFile,omitempty"`
	MaxConcurrentMessages int    `json:"maxConcurrentMessages"`
	GroupRequiresMention  bool   `json:"groupRequiresMention"`
	RateLimitPerMinute    int    `json:"rateLimitPerMinute"` // per sender; 0 disables
	RateLimitBurst        int    `json:"rateLimitBurst"`
}

// ContextConfig bounds the context window assembled for each request.
type ContextConfig struct {
	MaxMessages  int  `json:"maxMessages"`
	MaxAgeHours  int  `json:"maxAgeHours"`
	ResetEnabled bool `json:"resetEnabled"`
}

type CacheConfig struct {
	Backend              string `json:"backend"` // memory | badger
	ConversationTTLHours int    `json:"conversationTtlHours"`
}

type ProvidersConfig struct {
	OpenAI    OpenAIConfig    `json:"openai"`
	Assistant AssistantConfig `json:"assistant"`
	Dify      DifyConfig      `json:"dify"`
	Gemini    GeminiConfig    `json:"gemini"`
	Vision    VisionConfig    `json:"vision"`
}

type OpenAIConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	APIBase string `json:"apiBase,omitempty"`
	Model   string `json:"model"`
	Vision  bool   `json:"vision"` // send images inline
}

type AssistantConfig struct {
	APIKey             string `json:"apiKey,omitempty"`
	APIBase            string `json:"apiBase,omitempty"`
	AssistantID        string `json:"assistantId,omitempty"`
	PollTimeoutSeconds int    `json:"pollTimeoutSeconds"`
}

type DifyConfig struct {
	APIKey               string `json:"apiKey,omitempty"`
	APIBase              string `json:"apiBase,omitempty"`
	StreamTimeoutSeconds int    `json:"streamTimeoutSeconds"`
}

type GeminiConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	APIBase string `json:"apiBase,omitempty"`
	Model   string `json:"model"`
	Vision  bool   `json:"vision"`
}

// VisionConfig configures the image summarizer used when the active backend
// cannot take images inline.
type VisionConfig struct {
	Enabled bool   `json:"enabled"`
	APIKey  string `json:"apiKey,omitempty"`
	APIBase string `json:"apiBase,omitempty"`
	Model   string `json:"model"`
}

type SpeechConfig struct {
	STTProvider  string `json:"sttProvider"` // none | openai | groq
	STTAPIKey    string `json:"sttApiKey,omitempty"`
	STTAPIBase   string `json:"sttApiBase,omitempty"`
	STTModel     string `json:"sttModel,omitempty"`
	Language     string `json:"language,omitempty"`
	TTSProvider  string `json:"ttsProvider"` // none | openai | elevenlabs
	TTSAPIKey    string `json:"ttsApiKey,omitempty"`
	TTSAPIBase   string `json:"ttsApiBase,omitempty"`
	TTSModel     string `json:"ttsModel,omitempty"`
	Voice        string `json:"voice,omitempty"`
	VoiceReplies string `json:"voiceReplies"` // never | auto | always
}

type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Telegram TelegramConfig `json:"telegram"`
}

type WhatsAppConfig struct {
	Enabled       bool   `json:"enabled"`
	APIBase       string `json:"apiBase,omitempty"`
	AppSecret     string `json:"appSecret,omitempty"`
	AccessToken   string `json:"accessToken,omitempty"`
	VerifyToken   string `json:"verifyToken,omitempty"`
	PhoneNumberID string `json:"phoneNumberId,omitempty"`
	WebhookPath   string `json:"webhookPath,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// HistoryConfig configures the message log the transports read context from.
type HistoryConfig struct {
	DSN        string `json:"dsn"` // sqlite DSN; the default keeps history in memory
	MaxPerChat int    `json:"maxPerChat"`
}

// ServerConfig configures the webhook, health and metrics listener.
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// DefaultConfigDir returns the default config directory (~/.relaybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML (by extension) config file, expands environment
// variables and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON decodes YAML into a generic tree and re-encodes it, so a single
// set of json tags describes both formats.
func yamlToJSON(data []byte) ([]byte, error) {
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	if tree == nil {
		tree = map[string]any{}
	}
	return json.Marshal(tree)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if isYAML(path) {
		var tree map[string]any
		if err := json.Unmarshal(data, &tree); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		if data, err = yaml.Marshal(tree); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if strings.TrimSpace(cfg.General.BotName) == "" {
		errs = append(errs, "general.botName must not be empty")
	}
	if _, ok := domain.ParseMode(cfg.General.Mode); !ok {
		errs = append(errs, fmt.Sprintf("general.mode must be one of: %s", modeList()))
	}
	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}
	if cfg.General.RateLimitPerMinute < 0 || cfg.General.RateLimitBurst < 0 {
		errs = append(errs, "general.rateLimitPerMinute and general.rateLimitBurst must be >= 0")
	}
	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Context.MaxMessages < 1 || cfg.Context.MaxMessages > 500 {
		errs = append(errs, "context.maxMessages must be between 1 and 500")
	}
	if cfg.Context.MaxAgeHours < 1 {
		errs = append(errs, "context.maxAgeHours must be >= 1")
	}

	switch cfg.Cache.Backend {
	case "memory", "badger":
	default:
		errs = append(errs, "cache.backend must be one of: memory, badger")
	}
	if cfg.Cache.ConversationTTLHours < 0 {
		errs = append(errs, "cache.conversationTtlHours must be >= 0")
	}

	if cfg.Providers.Assistant.PollTimeoutSeconds < 1 {
		errs = append(errs, "providers.assistant.pollTimeoutSeconds must be >= 1")
	}
	if cfg.Providers.Dify.StreamTimeoutSeconds < 1 {
		errs = append(errs, "providers.dify.streamTimeoutSeconds must be >= 1")
	}

	switch cfg.Speech.STTProvider {
	case "", "none", "openai", "groq":
	default:
		errs = append(errs, "speech.sttProvider must be one of: none, openai, groq")
	}
	switch cfg.Speech.TTSProvider {
	case "", "none", "openai", "elevenlabs":
	default:
		errs = append(errs, "speech.ttsProvider must be one of: none, openai, elevenlabs")
	}
	switch cfg.Speech.VoiceReplies {
	case "never", "auto", "always":
	default:
		errs = append(errs, "speech.voiceReplies must be one of: never, auto, always")
	}

	if wa := cfg.Channels.WhatsApp; wa.Enabled {
		if wa.AccessToken == "" || wa.PhoneNumberID == "" {
			errs = append(errs, "channels.whatsapp: accessToken and phoneNumberId are required when enabled")
		}
		if !cfg.Server.Enabled {
			errs = append(errs, "channels.whatsapp requires server.enabled for inbound webhooks")
		}
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when enabled")
	}

	if cfg.History.MaxPerChat < cfg.Context.MaxMessages {
		errs = append(errs, "history.maxPerChat must be >= context.maxMessages")
	}
	if cfg.Server.Enabled && cfg.Server.Addr == "" {
		errs = append(errs, "server.addr is required when the server is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func modeList() string {
	names := make([]string, len(domain.Modes))
	for i, m := range domain.Modes {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
