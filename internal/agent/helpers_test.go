package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/cache"
	"relaybot/internal/domain"
	"relaybot/internal/media"
	"relaybot/internal/provider"
	"relaybot/internal/settings"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// chatMsg builds a chat message sent the given duration before testNow.
func chatMsg(id, sender, body string, ago time.Duration) domain.Message {
	return domain.Message{
		ID: id, ChatID: "chat-1", Sender: sender, SenderName: sender,
		Body: body, Type: domain.TypeChat, Timestamp: testNow.Add(-ago),
	}
}

func mediaMsg(id string, typ domain.MessageType, caption string, ago time.Duration) domain.Message {
	m := chatMsg(id, "alice", caption, ago)
	m.Type = typ
	m.HasMedia = true
	m.MimeType = "image/jpeg"
	if typ.IsAudio() {
		m.MimeType = "audio/ogg"
	}
	return m
}

// fakeTransport serves a fixed newest-first history.
type fakeTransport struct {
	name       string
	history    []domain.Message
	historyErr error
	group      bool

	mu        sync.Mutex
	downloads []string
}

func (f *fakeTransport) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeTransport) FetchHistory(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	if limit < len(f.history) {
		return f.history[:limit], nil
	}
	return f.history, nil
}

func (f *fakeTransport) DownloadMedia(ctx context.Context, msg domain.Message) (*domain.MediaPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, msg.ID)
	return &domain.MediaPayload{MimeType: msg.MimeType, Data: "QUJD"}, nil
}

func (f *fakeTransport) GetChat(ctx context.Context, msg domain.Message) (domain.Chat, error) {
	return domain.Chat{ID: msg.ChatID, IsGroup: f.group}, nil
}

func (f *fakeTransport) Send(ctx context.Context, recipient string, resp *domain.ProviderResponse) error {
	return nil
}

func (f *fakeTransport) React(ctx context.Context, msg domain.Message, emoji string) error {
	return nil
}

func (f *fakeTransport) downloaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.downloads...)
}

type fakeTranscriber struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio *domain.MediaPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "transcribed words", nil
}

type fakeSummarizer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSummarizer) Describe(ctx context.Context, image *domain.MediaPayload, caption string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return "a red bicycle", nil
}

type staticVision bool

func (v staticVision) SupportsVision(domain.Mode) bool { return bool(v) }

// fakeProvider answers with a fixed text and records requests.
type fakeProvider struct {
	mode   domain.Mode
	vision bool
	answer string
	err    error

	mu   sync.Mutex
	reqs []provider.Request
}

func (f *fakeProvider) Mode() domain.Mode    { return f.mode }
func (f *fakeProvider) SupportsVision() bool { return f.vision }

func (f *fakeProvider) Submit(ctx context.Context, req provider.Request) (*domain.ProviderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return domain.TextResponse("", f.answer), nil
}

func (f *fakeProvider) requests() []provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Request(nil), f.reqs...)
}

var errBoom = errors.New("boom")

type harness struct {
	settings  *settings.Settings
	transport *fakeTransport
	stt       *fakeTranscriber
	vision    *fakeSummarizer
	caches    *cache.Set
	assembler *Assembler
}

func newHarness(history []domain.Message) *harness {
	h := &harness{
		settings:  settings.New("Ada", domain.ModeCompletions, ""),
		transport: &fakeTransport{history: history},
		stt:       &fakeTranscriber{},
		vision:    &fakeSummarizer{},
	}
	h.caches, _ = cache.NewSet(cache.Options{Backend: cache.BackendMemory, ConversationTTL: time.Hour})
	h.assembler = h.newAssembler(staticVision(false), 20, 24*time.Hour, true)
	return h
}

func (h *harness) newAssembler(v VisionChecker, maxMessages int, maxAge time.Duration, reset bool) *Assembler {
	resolver := media.NewResolver(media.ResolverConfig{
		Transcriber:     h.stt,
		Summarizer:      h.vision,
		Transcripts:     h.caches.Transcripts,
		Interpretations: h.caches.Interpretations,
		Logger:          testLogger(),
	})
	a := NewAssembler(AssemblerConfig{
		Settings:     h.settings,
		Resolver:     resolver,
		Vision:       v,
		MaxMessages:  maxMessages,
		MaxAge:       maxAge,
		ResetEnabled: reset,
		Logger:       testLogger(),
	})
	a.now = func() time.Time { return testNow }
	return a
}
