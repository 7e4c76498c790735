package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/domain"
)

type assistantBackend struct {
	mu         sync.Mutex
	statuses   []string // returned by successive polls; the last one repeats
	polls      int
	threadBody map[string]any
	runBody    map[string]any
	cancelled  atomic.Bool
}

func (b *assistantBackend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("OpenAI-Beta") != "assistants=v2" {
			t.Errorf("missing beta header")
		}
		b.mu.Lock()
		json.NewDecoder(r.Body).Decode(&b.threadBody)
		b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"id": "thread_1"})
	})
	mux.HandleFunc("POST /threads/{tid}/runs", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		json.NewDecoder(r.Body).Decode(&b.runBody)
		b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"id": "run_1", "status": "queued"})
	})
	mux.HandleFunc("GET /threads/{tid}/runs/{rid}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		i := b.polls
		if i >= len(b.statuses) {
			i = len(b.statuses) - 1
		}
		b.polls++
		status := b.statuses[i]
		b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"id": "run_1", "status": status})
	})
	mux.HandleFunc("GET /threads/{tid}/runs/{rid}/steps", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"type":"tool_calls","step_details":{"type":"tool_calls","tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"react","arguments":"{\"emoji\":\"👍\"}"}}]}}]}`))
	})
	mux.HandleFunc("POST /threads/{tid}/runs/{rid}/cancel", func(w http.ResponseWriter, r *http.Request) {
		b.cancelled.Store(true)
		json.NewEncoder(w).Encode(map[string]any{"id": "run_1", "status": "cancelling"})
	})
	mux.HandleFunc("GET /threads/{tid}/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("order") != "desc" {
			t.Errorf("expected newest-first message listing")
		}
		w.Write([]byte(`{"data":[{"role":"assistant","content":[{"type":"text","text":{"value":"The answer is 42."}}]}]}`))
	})
	return mux
}

func (b *assistantBackend) snapshot() (polls int, thread, run map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls, b.threadBody, b.runBody
}

func newTestAssistant(url string, timeout time.Duration) *Assistant {
	a := NewAssistant(AssistantConfig{
		APIKey:       "key",
		APIBase:      url,
		AssistantID:  "asst_1",
		PollTimeout:  timeout,
		PollInterval: 5 * time.Millisecond,
		Logger:       testLogger(),
	})
	a.retry = retryPolicy{maxTries: 1, initial: time.Millisecond}
	return a
}

func TestAssistant_Completed(t *testing.T) {
	backend := &assistantBackend{statuses: []string{"queued", "in_progress", "completed"}}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	a := newTestAssistant(srv.URL, 5*time.Second)
	resp, err := a.Submit(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "The answer is 42." {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	polls, thread, run := backend.snapshot()
	if polls != 3 {
		t.Fatalf("expected 3 polls, got %d", polls)
	}
	msgs := thread["messages"].([]any)
	if len(msgs) != 3 || msgs[1].(map[string]any)["role"] != "assistant" {
		t.Fatalf("unexpected thread messages %v", msgs)
	}
	if run["assistant_id"] != "asst_1" || run["instructions"] == nil {
		t.Fatalf("unexpected run body %v", run)
	}
}

func TestAssistant_RequiresActionInvokesReact(t *testing.T) {
	backend := &assistantBackend{statuses: []string{"requires_action"}}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	tp := &fakeTransport{}
	req := sampleRequest()
	req.Transport = tp

	a := newTestAssistant(srv.URL, 5*time.Second)
	resp, err := a.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ToolInvocation == nil || resp.ToolInvocation.Name != "react" {
		t.Fatalf("expected react invocation, got %+v", resp)
	}
	if resp.ToolInvocation.Arguments["emoji"] != "👍" {
		t.Fatalf("unexpected arguments %v", resp.ToolInvocation.Arguments)
	}
	if len(tp.reactions) != 1 || tp.reactions[0] != "m3:👍" {
		t.Fatalf("expected reaction on the inbound message, got %v", tp.reactions)
	}
	if !backend.cancelled.Load() {
		t.Fatal("run should be cancelled after the local function ran")
	}
}

func TestAssistant_PollTimeout(t *testing.T) {
	backend := &assistantBackend{statuses: []string{"in_progress"}}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	a := newTestAssistant(srv.URL, 60*time.Millisecond)
	_, err := a.Submit(context.Background(), sampleRequest())
	if !errors.Is(err, domain.ErrPollTimeout) {
		t.Fatalf("expected ErrPollTimeout, got %v", err)
	}
}

func TestAssistant_FailedRun(t *testing.T) {
	backend := &assistantBackend{statuses: []string{"failed"}}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	a := newTestAssistant(srv.URL, time.Second)
	_, err := a.Submit(context.Background(), sampleRequest())
	if !errors.Is(err, domain.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestAssistant_MissingConfiguration(t *testing.T) {
	a := NewAssistant(AssistantConfig{APIKey: "key", Logger: testLogger()})
	_, err := a.Submit(context.Background(), sampleRequest())
	if _, ok := domain.AsConfigurationError(err); !ok {
		t.Fatalf("expected ConfigurationError without assistant id, got %v", err)
	}
}

func TestAssistant_ThreadCreateUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := newTestAssistant(srv.URL, time.Second)
	_, err := a.Submit(context.Background(), sampleRequest())
	if _, ok := domain.AsConfigurationError(err); !ok {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}
