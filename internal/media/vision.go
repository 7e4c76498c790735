package media

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"relaybot/internal/domain"
)

const describePrompt = "Describe this image in two or three sentences so that someone who cannot see it can follow a conversation about it."

type VisionConfig struct {
	APIKey  string
	APIBase string
	Model   string
	Logger  *slog.Logger
}

// Vision interprets images with an OpenAI-compatible multimodal chat model.
type Vision struct {
	client openai.Client
	model  string
	logger *slog.Logger
}

var _ Summarizer = (*Vision)(nil)

func NewVision(cfg VisionConfig) *Vision {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	return &Vision{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		logger: cfg.Logger,
	}
}

func (v *Vision) Describe(ctx context.Context, image *domain.MediaPayload, caption string) (string, error) {
	prompt := describePrompt
	if caption != "" {
		prompt += "\nThe sender captioned it: " + caption
	}
	resp, err := v.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: v.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(prompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: image.DataURL()}),
			}),
		},
	})
	if err != nil {
		return "", fmt.Errorf("vision request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("vision request: empty response")
	}
	desc := strings.TrimSpace(resp.Choices[0].Message.Content)
	v.logger.Debug("image described", "model", v.model, "len", len(desc))
	return desc, nil
}
