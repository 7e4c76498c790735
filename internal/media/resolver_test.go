package media

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	domain.Transport
	downloads int
	err       error
}

func (f *fakeTransport) DownloadMedia(ctx context.Context, msg domain.Message) (*domain.MediaPayload, error) {
	f.downloads++
	if f.err != nil {
		return nil, f.err
	}
	return &domain.MediaPayload{MimeType: msg.MimeType, Data: "AAAA"}, nil
}

type fakeTranscriber struct {
	calls int
	err   error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio *domain.MediaPayload) (string, error) {
	f.calls++
	return "transcribed text", f.err
}

type fakeSummarizer struct{ calls int }

func (f *fakeSummarizer) Describe(ctx context.Context, image *domain.MediaPayload, caption string) (string, error) {
	f.calls++
	return "a cat on a sofa", nil
}

func TestAudio_CachedAfterFirstCall(t *testing.T) {
	tr := &fakeTranscriber{}
	tp := &fakeTransport{}
	r := NewResolver(ResolverConfig{Transcriber: tr, Logger: testLogger()})
	msg := domain.Message{ID: "m1", Type: domain.TypeVoice, MimeType: "audio/ogg"}

	for i := 0; i < 3; i++ {
		text, err := r.Audio(context.Background(), tp, msg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if text != "transcribed text" {
			t.Fatalf("unexpected transcript %q", text)
		}
	}
	if tr.calls != 1 || tp.downloads != 1 {
		t.Fatalf("expected one transcription and one download, got %d/%d", tr.calls, tp.downloads)
	}
}

func TestAudio_ConfigurationErrorPassesThrough(t *testing.T) {
	tr := &fakeTranscriber{err: &domain.ConfigurationError{Provider: "openai speech-to-text"}}
	r := NewResolver(ResolverConfig{Transcriber: tr, Logger: testLogger()})

	_, err := r.Audio(context.Background(), &fakeTransport{}, domain.Message{ID: "m1"})
	if _, ok := domain.AsConfigurationError(err); !ok {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestAudio_Unavailable(t *testing.T) {
	r := NewResolver(ResolverConfig{Logger: testLogger()})
	_, err := r.Audio(context.Background(), &fakeTransport{}, domain.Message{ID: "m1"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestImage_InlineParts(t *testing.T) {
	r := NewResolver(ResolverConfig{Logger: testLogger()})
	c, err := r.Image(context.Background(), &fakeTransport{}, domain.Message{ID: "i1", Body: "look", MimeType: "image/jpeg"}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.Parts) != 2 || c.Parts[0].Text != "look" || c.Parts[1].Image == nil {
		t.Fatalf("unexpected parts %+v", c.Parts)
	}
	if c.Parts[1].Image.DataURL() != "data:image/jpeg;base64,AAAA" {
		t.Fatalf("unexpected data url %q", c.Parts[1].Image.DataURL())
	}
}

func TestImage_InterpretationCached(t *testing.T) {
	s := &fakeSummarizer{}
	tp := &fakeTransport{}
	r := NewResolver(ResolverConfig{Summarizer: s, Logger: testLogger()})
	msg := domain.Message{ID: "i1", MimeType: "image/png"}

	if _, ok := r.CachedInterpretation(context.Background(), "i1"); ok {
		t.Fatal("cache should start empty")
	}
	c, err := r.Image(context.Background(), tp, msg, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Text != "[image] a cat on a sofa" {
		t.Fatalf("unexpected text %q", c.Text)
	}
	if _, err := r.Image(context.Background(), tp, msg, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.calls != 1 || tp.downloads != 1 {
		t.Fatalf("second resolution should hit the cache, got %d describes / %d downloads", s.calls, tp.downloads)
	}
	if desc, ok := r.CachedInterpretation(context.Background(), "i1"); !ok || desc != "a cat on a sofa" {
		t.Fatalf("expected cached description, got %q %v", desc, ok)
	}
}

func TestImage_DownloadFailure(t *testing.T) {
	r := NewResolver(ResolverConfig{Summarizer: &fakeSummarizer{}, Logger: testLogger()})
	_, err := r.Image(context.Background(), &fakeTransport{err: errors.New("gone")}, domain.Message{ID: "i1"}, false)
	if err == nil || !strings.Contains(err.Error(), "download image") {
		t.Fatalf("expected download error, got %v", err)
	}
}

func TestVision_Describe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "data:image/png;base64,AAAA") {
			t.Errorf("image data url missing from request: %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "c1",
			"object":  "chat.completion",
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{"index": 0, "finish_reason": "stop", "message": map[string]any{"role": "assistant", "content": " a red bicycle "}}},
		})
	}))
	defer srv.Close()

	v := NewVision(VisionConfig{APIKey: "key", APIBase: srv.URL, Logger: testLogger()})
	desc, err := v.Describe(context.Background(), &domain.MediaPayload{MimeType: "image/png", Data: "AAAA"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if desc != "a red bicycle" {
		t.Fatalf("unexpected description %q", desc)
	}
}
