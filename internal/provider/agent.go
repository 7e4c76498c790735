package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"relaybot/internal/cache"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
	"relaybot/internal/stream"
)

// errConversationGone marks a 404 for a conversation id the backend no longer knows.
var errConversationGone = errors.New("conversation not found")

type AgentConfig struct {
	APIKey        string
	APIBase       string
	Conversations cache.Store[string] // conversation id per sender
	StreamTimeout time.Duration
	Settle        time.Duration // delay before the final flush; negative disables
	Client        *http.Client
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Agent answers through a streaming agent that keeps conversation state
// server-side. The backend-issued conversation id is cached per sender.
type Agent struct {
	apiKey        string
	apiBase       string
	conversations cache.Store[string]
	streamOpts    stream.Options
	client        *http.Client
	retry         retryPolicy
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

var _ Provider = (*Agent)(nil)

func NewAgent(cfg AgentConfig) *Agent {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.dify.ai/v1"
	}
	if cfg.Conversations == nil {
		cfg.Conversations = cache.NewMemory[string](0)
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Agent{
		apiKey:        cfg.APIKey,
		apiBase:       strings.TrimRight(cfg.APIBase, "/"),
		conversations: cfg.Conversations,
		streamOpts: stream.Options{
			Timeout: cfg.StreamTimeout,
			Settle:  cfg.Settle,
			Logger:  cfg.Logger,
		},
		client:  cfg.Client,
		retry:   defaultRetry,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

func (a *Agent) Mode() domain.Mode    { return domain.ModeAgent }
func (a *Agent) SupportsVision() bool { return false }

// Forget drops the cached conversation id for sender.
func (a *Agent) Forget(ctx context.Context, sender string) error {
	return a.conversations.Delete(ctx, sender)
}

type chatMessageRequest struct {
	Query          string         `json:"query"`
	Inputs         map[string]any `json:"inputs"`
	User           string         `json:"user"`
	ConversationID string         `json:"conversation_id,omitempty"`
	ResponseMode   string         `json:"response_mode"`
}

func (a *Agent) Submit(ctx context.Context, req Request) (*domain.ProviderResponse, error) {
	if a.apiKey == "" {
		return nil, &domain.ConfigurationError{Provider: "agent", Reason: "API key is missing"}
	}
	if _, ok := lastItem(req.Items); !ok {
		return nil, errors.New("agent: empty context")
	}

	convID, cached, err := a.conversations.Get(ctx, req.Sender)
	if err != nil {
		a.logger.Warn("conversation cache lookup failed", "sender", req.Sender, "err", err)
		cached = false
	}
	a.metrics.CacheLookup("conversations", cached)

	res, err := a.send(ctx, req, convID)
	if errors.Is(err, errConversationGone) && convID != "" {
		// The retry carries no conversation id, so it cannot loop.
		a.logger.Info("cached conversation expired upstream, retrying without it", "sender", req.Sender)
		if derr := a.conversations.Delete(ctx, req.Sender); derr != nil {
			a.logger.Warn("conversation cache evict failed", "sender", req.Sender, "err", derr)
		}
		res, err = a.send(ctx, req, "")
	}
	if err != nil {
		return nil, err
	}

	if res.TimedOut {
		a.metrics.StreamTimeout()
		a.logger.Warn("agent stream timed out, returning partial answer", "sender", req.Sender, "chars", len(res.Text))
	}
	if res.ConversationID != "" && res.ConversationID != convID {
		if err := a.conversations.Set(ctx, req.Sender, res.ConversationID); err != nil {
			a.logger.Warn("conversation cache write failed", "sender", req.Sender, "err", err)
		}
	}

	text := strings.TrimSpace(res.Text)
	if text == "" && res.ErrorMessage != "" {
		return nil, fmt.Errorf("stream: agent reported %q: %w", res.ErrorMessage, domain.ErrProvider)
	}
	a.logger.Debug("agent answer decoded", "frames", res.Frames, "dropped", res.Dropped, "message_id", res.MessageID)
	return domain.TextResponse(req.Sender, text), nil
}

// send performs one streaming request. A 404 while continuing a conversation is
// reported as errConversationGone.
func (a *Agent) send(ctx context.Context, req Request, convID string) (stream.Result, error) {
	payload, err := json.Marshal(a.buildRequest(req, convID))
	if err != nil {
		return stream.Result{}, fmt.Errorf("request: marshal: %w", err)
	}

	resp, err := doWithRetry(ctx, a.client, func() (*http.Request, error) {
		hr, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/chat-messages", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		hr.Header.Set("Authorization", "Bearer "+a.apiKey)
		hr.Header.Set("Content-Type", "application/json")
		hr.Header.Set("Accept", "text/event-stream")
		return hr, nil
	}, a.retry, a.logger)
	if err != nil {
		return stream.Result{}, fmt.Errorf("request: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && convID != "":
		resp.Body.Close()
		return stream.Result{}, errConversationGone
	case resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		return stream.Result{}, &domain.ConfigurationError{Provider: "agent", Reason: "API key was rejected (401)"}
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return stream.Result{}, fmt.Errorf("request: agent API %d: %s: %w", resp.StatusCode, string(body), domain.ErrProvider)
	}

	defer resp.Body.Close()

	res, err := stream.Read(ctx, resp.Body, a.streamOpts)
	if err != nil {
		return res, fmt.Errorf("stream: %w", err)
	}
	return res, nil
}

// buildRequest sends the live turn as the query. Without a conversation id the
// earlier context travels as an input so the agent can pick up the thread.
func (a *Agent) buildRequest(req Request, convID string) chatMessageRequest {
	last, _ := lastItem(req.Items)
	inputs := map[string]any{}
	if req.BotName != "" {
		inputs["bot_name"] = req.BotName
	}
	if req.Prompt != "" {
		inputs["prompt"] = req.Prompt
	}
	if convID == "" && len(req.Items) > 1 {
		inputs["context"] = transcript(req.Items[:len(req.Items)-1])
	}
	return chatMessageRequest{
		Query:          last.PlainText(),
		Inputs:         inputs,
		User:           req.Sender,
		ConversationID: convID,
		ResponseMode:   "streaming",
	}
}
