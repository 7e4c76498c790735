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
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"relaybot/internal/domain"
)

// Run statuses reported by the assistants API.
const (
	runQueued         = "queued"
	runInProgress     = "in_progress"
	runCancelling     = "cancelling"
	runRequiresAction = "requires_action"
	runCompleted      = "completed"
)

var errRunPending = errors.New("run still pending")

// LocalFunc executes a function call requested by an assistant run. Its result
// becomes the response text.
type LocalFunc func(ctx context.Context, req Request, args map[string]any) (string, error)

type AssistantConfig struct {
	APIKey       string
	APIBase      string
	AssistantID  string
	PollTimeout  time.Duration // hard cap on run polling
	PollInterval time.Duration // first poll delay; grows exponentially
	Client       *http.Client
	Logger       *slog.Logger
}

// Assistant answers through a hosted assistant: one thread and one run per request.
type Assistant struct {
	apiKey       string
	apiBase      string
	assistantID  string
	pollTimeout  time.Duration
	pollInterval time.Duration
	client       *http.Client
	retry        retryPolicy
	functions    map[string]LocalFunc
	logger       *slog.Logger
}

var _ Provider = (*Assistant)(nil)

func NewAssistant(cfg AssistantConfig) *Assistant {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(60 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &Assistant{
		apiKey:       cfg.APIKey,
		apiBase:      strings.TrimRight(cfg.APIBase, "/"),
		assistantID:  cfg.AssistantID,
		pollTimeout:  cfg.PollTimeout,
		pollInterval: cfg.PollInterval,
		client:       cfg.Client,
		retry:        defaultRetry,
		functions:    make(map[string]LocalFunc),
		logger:       cfg.Logger,
	}
	a.RegisterFunction("react", reactFunc)
	return a
}

func (a *Assistant) Mode() domain.Mode    { return domain.ModeAssistant }
func (a *Assistant) SupportsVision() bool { return false }

// RegisterFunction makes fn callable by runs under name.
func (a *Assistant) RegisterFunction(name string, fn LocalFunc) {
	a.functions[name] = fn
}

// reactFunc puts an emoji reaction on the message being answered.
func reactFunc(ctx context.Context, req Request, args map[string]any) (string, error) {
	emoji, _ := args["emoji"].(string)
	if emoji == "" {
		return "", errors.New("react: missing emoji argument")
	}
	if req.Transport == nil {
		return "", errors.New("react: no transport")
	}
	if err := req.Transport.React(ctx, req.Message, emoji); err != nil {
		return "", fmt.Errorf("react: %w", err)
	}
	return "", nil
}

var reactTool = map[string]any{
	"type": "function",
	"function": map[string]any{
		"name":        "react",
		"description": "React to the user's last message with a single emoji instead of replying with text.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"emoji": map[string]any{"type": "string", "description": "A single emoji character."},
			},
			"required": []string{"emoji"},
		},
	},
}

type threadMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type runObject struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

type runStepList struct {
	Data []struct {
		Type        string `json:"type"`
		StepDetails struct {
			Type      string `json:"type"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"step_details"`
	} `json:"data"`
}

type messageList struct {
	Data []struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"data"`
}

func (a *Assistant) Submit(ctx context.Context, req Request) (*domain.ProviderResponse, error) {
	if a.apiKey == "" || a.assistantID == "" {
		return nil, &domain.ConfigurationError{Provider: "assistant", Reason: "API key and assistant id are required"}
	}

	var thread struct {
		ID string `json:"id"`
	}
	if err := a.call(ctx, http.MethodPost, "/threads", map[string]any{"messages": threadMessages(req.Items)}, &thread); err != nil {
		return nil, fmt.Errorf("thread create: %w", err)
	}

	var run runObject
	body := map[string]any{
		"assistant_id": a.assistantID,
		"tools":        []any{reactTool},
	}
	if sys := systemPrompt(req.BotName, req.Prompt); sys != "" {
		body["instructions"] = sys
	}
	if err := a.call(ctx, http.MethodPost, "/threads/"+thread.ID+"/runs", body, &run); err != nil {
		return nil, fmt.Errorf("run create: %w", err)
	}

	status, err := a.awaitRun(ctx, thread.ID, run.ID)
	if err != nil {
		return nil, fmt.Errorf("status poll: %w", err)
	}

	switch status {
	case runRequiresAction:
		return a.invokeFunction(ctx, req, thread.ID, run.ID)
	case runCompleted:
		text, err := a.latestMessage(ctx, thread.ID)
		if err != nil {
			return nil, fmt.Errorf("message read: %w", err)
		}
		return domain.TextResponse(req.Sender, text), nil
	default:
		return nil, fmt.Errorf("status poll: run %s ended with status %s: %w", run.ID, status, domain.ErrProvider)
	}
}

// awaitRun polls the run with bounded exponential backoff until it leaves the
// queued/in-progress states. Expiry is reported as domain.ErrPollTimeout.
func (a *Assistant) awaitRun(ctx context.Context, threadID, runID string) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.pollInterval
	b.Multiplier = 1.5
	b.MaxInterval = 5 * time.Second

	path := "/threads/" + threadID + "/runs/" + runID
	op := func() (string, error) {
		var run runObject
		if err := a.call(ctx, http.MethodGet, path, nil, &run); err != nil {
			return "", backoff.Permanent(err)
		}
		switch run.Status {
		case runQueued, runInProgress, runCancelling:
			return "", errRunPending
		}
		if run.LastError != nil && run.LastError.Message != "" {
			a.logger.Warn("assistant run error", "run", runID, "code", run.LastError.Code, "message", run.LastError.Message)
		}
		return run.Status, nil
	}

	status, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(a.pollTimeout))
	if errors.Is(err, errRunPending) {
		return "", fmt.Errorf("run %s not finished after %s: %w", runID, a.pollTimeout, domain.ErrPollTimeout)
	}
	return status, err
}

// invokeFunction runs the first function call of the run and returns its result
// without reading the thread. The run is cancelled afterwards.
func (a *Assistant) invokeFunction(ctx context.Context, req Request, threadID, runID string) (*domain.ProviderResponse, error) {
	var steps runStepList
	if err := a.call(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID+"/steps", nil, &steps); err != nil {
		return nil, fmt.Errorf("step list: %w", err)
	}
	defer a.cancelRun(threadID, runID)

	for _, step := range steps.Data {
		for _, tc := range step.StepDetails.ToolCalls {
			if tc.Type != "function" {
				continue
			}
			fn, ok := a.functions[tc.Function.Name]
			if !ok {
				return nil, fmt.Errorf("step list: unknown function %q", tc.Function.Name)
			}
			var args map[string]any
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
					return nil, fmt.Errorf("function %s: decode arguments: %w", tc.Function.Name, err)
				}
			}
			result, err := fn(ctx, req, args)
			if err != nil {
				return nil, fmt.Errorf("function %s: %w", tc.Function.Name, err)
			}
			a.logger.Info("assistant function invoked", "function", tc.Function.Name, "sender", req.Sender)
			return &domain.ProviderResponse{
				Recipient: req.Sender,
				Text:      result,
				RawText:   result,
				ToolInvocation: &domain.ToolInvocation{
					Name:      tc.Function.Name,
					Arguments: args,
					Result:    result,
				},
			}, nil
		}
	}
	return nil, fmt.Errorf("step list: run %s requires action but has no function call", runID)
}

func (a *Assistant) cancelRun(threadID, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.call(ctx, http.MethodPost, "/threads/"+threadID+"/runs/"+runID+"/cancel", nil, nil); err != nil {
		a.logger.Debug("run cancel failed", "run", runID, "err", err)
	}
}

func (a *Assistant) latestMessage(ctx context.Context, threadID string) (string, error) {
	q := url.Values{"order": {"desc"}, "limit": {"1"}}
	var list messageList
	if err := a.call(ctx, http.MethodGet, "/threads/"+threadID+"/messages?"+q.Encode(), nil, &list); err != nil {
		return "", err
	}
	if len(list.Data) == 0 {
		return "", errors.New("thread has no messages")
	}
	var parts []string
	for _, c := range list.Data[0].Content {
		if c.Type == "text" && c.Text.Value != "" {
			parts = append(parts, c.Text.Value)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n")), nil
}

// threadMessages maps context items onto thread messages. Items carry text only.
func threadMessages(items []domain.ContextItem) []threadMessage {
	out := make([]threadMessage, 0, len(items))
	for _, it := range items {
		text := it.PlainText()
		if text == "" {
			continue
		}
		out = append(out, threadMessage{Role: string(it.Role), Content: text})
	}
	return out
}

// call performs one JSON request against the assistants API and decodes the
// response into out when non-nil.
func (a *Assistant) call(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
	}

	resp, err := doWithRetry(ctx, a.client, func() (*http.Request, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, a.apiBase+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
		req.Header.Set("OpenAI-Beta", "assistants=v2")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	}, a.retry, a.logger)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return &domain.ConfigurationError{Provider: "assistant", Reason: "API key was rejected (401)"}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("assistants API %d: %s: %w", resp.StatusCode, string(respBody), domain.ErrProvider)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
