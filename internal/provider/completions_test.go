package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"relaybot/internal/domain"
)

func completionServer(t *testing.T, onRequest func(body map[string]any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if onRequest != nil {
			onRequest(body)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "cmpl-1",
			"object":  "chat.completion",
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{"index": 0, "finish_reason": "stop", "message": map[string]any{"role": "assistant", "content": "Sure thing."}}},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 3, "total_tokens": 13},
		})
	}))
}

func TestCompletions_Submit(t *testing.T) {
	var messages []any
	srv := completionServer(t, func(body map[string]any) {
		messages, _ = body["messages"].([]any)
	})
	defer srv.Close()

	c := NewCompletions(CompletionsConfig{APIKey: "key", APIBase: srv.URL, Logger: testLogger()})
	resp, err := c.Submit(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "Sure thing." || resp.Recipient != "alice" {
		t.Fatalf("unexpected response %+v", resp)
	}

	if len(messages) != 4 {
		t.Fatalf("expected system + 3 messages, got %d", len(messages))
	}
	roles := []string{"system", "user", "assistant", "user"}
	for i, m := range messages {
		if got := m.(map[string]any)["role"]; got != roles[i] {
			t.Fatalf("message %d: expected role %s, got %v", i, roles[i], got)
		}
	}
	if name := messages[1].(map[string]any)["name"]; name != "Alice" {
		t.Fatalf("expected participant name, got %v", name)
	}
}

func TestCompletions_InlineImage(t *testing.T) {
	var content []any
	srv := completionServer(t, func(body map[string]any) {
		msgs := body["messages"].([]any)
		content, _ = msgs[len(msgs)-1].(map[string]any)["content"].([]any)
	})
	defer srv.Close()

	req := sampleRequest()
	req.Items = []domain.ContextItem{{
		Role: domain.RoleUser,
		Parts: []domain.ContentPart{
			{Type: domain.PartText, Text: "what is this?"},
			{Type: domain.PartImage, Image: &domain.MediaPayload{MimeType: "image/png", Data: "AAAA"}},
		},
	}}
	c := NewCompletions(CompletionsConfig{APIKey: "key", APIBase: srv.URL, Vision: true, Logger: testLogger()})
	if _, err := c.Submit(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(content) != 2 {
		t.Fatalf("expected two content parts, got %v", content)
	}
	img := content[1].(map[string]any)
	if img["type"] != "image_url" {
		t.Fatalf("expected image_url part, got %v", img)
	}
	if url := img["image_url"].(map[string]any)["url"]; url != "data:image/png;base64,AAAA" {
		t.Fatalf("unexpected image url %v", url)
	}
}

func TestCompletions_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c := NewCompletions(CompletionsConfig{APIKey: "bad", APIBase: srv.URL, Logger: testLogger()})
	_, err := c.Submit(context.Background(), sampleRequest())
	if _, ok := domain.AsConfigurationError(err); !ok {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestParticipantName(t *testing.T) {
	if got := participantName("José María!"); got != "Jos_Mara" {
		t.Fatalf("unexpected name %q", got)
	}
}
