package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"relaybot/internal/domain"
)

type GenerativeConfig struct {
	APIKey  string
	APIBase string
	Model   string
	Vision  bool
	Logger  *slog.Logger
}

// Generative answers through a generative-model chat session. No state is kept
// between calls: the supplied context becomes the session history.
type Generative struct {
	client *genai.Client
	model  string
	vision bool
	logger *slog.Logger
}

var _ Provider = (*Generative)(nil)

func NewGenerative(ctx context.Context, cfg GenerativeConfig) (*Generative, error) {
	if cfg.APIKey == "" {
		return nil, &domain.ConfigurationError{Provider: "Gemini", Reason: "API key is missing"}
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.APIBase},
	})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &Generative{client: client, model: cfg.Model, vision: cfg.Vision, logger: cfg.Logger}, nil
}

func (g *Generative) Mode() domain.Mode    { return domain.ModeGenerative }
func (g *Generative) SupportsVision() bool { return g.vision }

func (g *Generative) Submit(ctx context.Context, req Request) (*domain.ProviderResponse, error) {
	history, live, err := sessionContents(req.Items)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	var config *genai.GenerateContentConfig
	if sys := systemPrompt(req.BotName, req.Prompt); sys != "" {
		config = &genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(sys)}},
		}
	}

	chat, err := g.client.Chats.Create(ctx, g.model, config, history)
	if err != nil {
		return nil, fmt.Errorf("session create: %w", err)
	}
	resp, err := chat.SendMessage(ctx, live...)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden) {
			return nil, &domain.ConfigurationError{Provider: "Gemini", Reason: apiErr.Message}
		}
		return nil, fmt.Errorf("request: %w", err)
	}

	text := responseText(resp)
	g.logger.Debug("generative answer", "model", g.model, "chars", len(text))
	return domain.TextResponse(req.Sender, text), nil
}

// sessionContents splits items into session history and the live turn. Adjacent
// items with the same role are merged into one content.
func sessionContents(items []domain.ContextItem) ([]*genai.Content, []genai.Part, error) {
	if len(items) == 0 {
		return nil, nil, errors.New("empty context")
	}

	var history []*genai.Content
	for _, it := range items[:len(items)-1] {
		parts, err := itemParts(it)
		if err != nil {
			return nil, nil, err
		}
		if len(parts) == 0 {
			continue
		}
		role := genai.RoleUser
		if it.Role == domain.RoleAssistant {
			role = genai.RoleModel
		}
		if n := len(history); n > 0 && history[n-1].Role == role {
			history[n-1].Parts = append(history[n-1].Parts, parts...)
			continue
		}
		history = append(history, &genai.Content{Role: role, Parts: parts})
	}

	liveParts, err := itemParts(items[len(items)-1])
	if err != nil {
		return nil, nil, err
	}
	live := make([]genai.Part, 0, len(liveParts))
	for _, p := range liveParts {
		live = append(live, *p)
	}
	if len(live) == 0 {
		return nil, nil, errors.New("live turn has no content")
	}
	return history, live, nil
}

func itemParts(it domain.ContextItem) ([]*genai.Part, error) {
	if !it.IsMultimodal() {
		if it.Text == "" {
			return nil, nil
		}
		return []*genai.Part{genai.NewPartFromText(it.Text)}, nil
	}
	parts := make([]*genai.Part, 0, len(it.Parts))
	for _, p := range it.Parts {
		switch p.Type {
		case domain.PartText:
			if p.Text != "" {
				parts = append(parts, genai.NewPartFromText(p.Text))
			}
		case domain.PartImage:
			if p.Image == nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(p.Image.Data)
			if err != nil {
				return nil, fmt.Errorf("decode image: %w", err)
			}
			parts = append(parts, genai.NewPartFromBytes(data, p.Image.MimeType))
		}
	}
	return parts, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return strings.TrimSpace(sb.String())
}
