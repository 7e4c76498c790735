package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"relaybot/internal/domain"
)

type CompletionsConfig struct {
	APIKey  string
	APIBase string
	Model   string
	Vision  bool
	Logger  *slog.Logger
}

// Completions answers with a single stateless chat completion.
type Completions struct {
	client openai.Client
	model  string
	vision bool
	logger *slog.Logger
}

var _ Provider = (*Completions)(nil)

func NewCompletions(cfg CompletionsConfig) *Completions {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(2)}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	return &Completions{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		vision: cfg.Vision,
		logger: cfg.Logger,
	}
}

func (c *Completions) Mode() domain.Mode    { return domain.ModeCompletions }
func (c *Completions) SupportsVision() bool { return c.vision }

func (c *Completions) Submit(ctx context.Context, req Request) (*domain.ProviderResponse, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: completionMessages(req),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			return nil, &domain.ConfigurationError{Provider: "OpenAI chat completions", Reason: "API key was rejected (401)"}
		}
		return nil, fmt.Errorf("chat completion request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion request: no choices returned")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	c.logger.Debug("chat completion done",
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return domain.TextResponse(req.Sender, text), nil
}

// completionMessages maps context items onto chat messages, preceded by the system prompt.
func completionMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Items)+1)
	if sys := systemPrompt(req.BotName, req.Prompt); sys != "" {
		msgs = append(msgs, openai.SystemMessage(sys))
	}
	for _, it := range req.Items {
		if it.Role == domain.RoleAssistant {
			msgs = append(msgs, openai.AssistantMessage(it.PlainText()))
			continue
		}
		user := openai.ChatCompletionUserMessageParam{}
		if it.IsMultimodal() {
			user.Content.OfArrayOfContentParts = contentParts(it.Parts)
		} else {
			user.Content.OfString = param.NewOpt(it.Text)
		}
		if name := participantName(it.Name); name != "" {
			user.Name = param.NewOpt(name)
		}
		msgs = append(msgs, openai.ChatCompletionMessageParamUnion{OfUser: &user})
	}
	return msgs
}

func contentParts(parts []domain.ContentPart) []openai.ChatCompletionContentPartUnionParam {
	out := make([]openai.ChatCompletionContentPartUnionParam, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case domain.PartText:
			out = append(out, openai.TextContentPart(p.Text))
		case domain.PartImage:
			if p.Image == nil {
				continue
			}
			out = append(out, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: p.Image.DataURL(),
			}))
		}
	}
	return out
}

// participantName reduces a display name to the characters the API accepts
// for the name field.
func participantName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if b.Len() >= 64 {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	return b.String()
}
