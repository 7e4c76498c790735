package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func oggPayload() *domain.MediaPayload {
	return &domain.MediaPayload{MimeType: "audio/ogg; codecs=opus", Data: base64.StdEncoding.EncodeToString([]byte("OggS-fake"))}
}

func TestWhisper_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("unexpected auth header %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.FormValue("model") != "whisper-1" {
			t.Errorf("unexpected model %q", r.FormValue("model"))
		}
		_, fh, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file: %v", err)
		} else if fh.Filename != "audio.ogg" {
			t.Errorf("unexpected filename %q", fh.Filename)
		}
		json.NewEncoder(w).Encode(map[string]any{"text": " hello world "})
	}))
	defer srv.Close()

	w := NewWhisper(WhisperConfig{APIBase: srv.URL, APIKey: "key", Logger: testLogger()})
	text, err := w.Transcribe(context.Background(), oggPayload())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("expected trimmed transcript, got %q", text)
	}
}

func TestWhisper_UnauthorizedIsConfigurationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	w := NewWhisper(WhisperConfig{Provider: "groq", APIBase: srv.URL, APIKey: "bad", Logger: testLogger()})
	_, err := w.Transcribe(context.Background(), oggPayload())
	ce, ok := domain.AsConfigurationError(err)
	if !ok {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if ce.Provider != "groq speech-to-text" {
		t.Fatalf("error should name the provider, got %q", ce.Provider)
	}
}

func TestWhisper_MissingKey(t *testing.T) {
	w := NewWhisper(WhisperConfig{Logger: testLogger()})
	_, err := w.Transcribe(context.Background(), oggPayload())
	if _, ok := domain.AsConfigurationError(err); !ok {
		t.Fatalf("expected ConfigurationError for missing key, got %v", err)
	}
}

func TestWhisper_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewWhisper(WhisperConfig{APIBase: srv.URL, APIKey: "key", Logger: testLogger()})
	_, err := w.Transcribe(context.Background(), oggPayload())
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := domain.AsConfigurationError(err); ok {
		t.Fatal("a 500 must not be reported as a configuration error")
	}
}

func TestExtensionFor(t *testing.T) {
	cases := map[string]string{
		"audio/ogg; codecs=opus": ".ogg",
		"audio/mpeg":             ".mp3",
		"audio/mp4":              ".m4a",
		"audio/wav":              ".wav",
		"application/unknown":    ".ogg",
	}
	for in, want := range cases {
		if got := extensionFor(in); got != want {
			t.Errorf("extensionFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTTS_OpenAI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/speech" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["input"] != `say "hi"` || body["voice"] != "alloy" {
			t.Errorf("unexpected body %v", body)
		}
		w.Write([]byte("ID3-mp3"))
	}))
	defer srv.Close()

	tts := NewTTS(TTSConfig{APIBase: srv.URL, APIKey: "key", Logger: testLogger()})
	audio, err := tts.Synthesize(context.Background(), `say "hi"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(audio.Data)
	if string(raw) != "ID3-mp3" || audio.MimeType != "audio/mpeg" {
		t.Fatalf("unexpected audio %+v", audio)
	}
}

func TestTTS_ElevenLabs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/text-to-speech/voice-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("xi-api-key") != "key" {
			t.Errorf("missing api key header")
		}
		w.Write([]byte("mp3"))
	}))
	defer srv.Close()

	tts := NewTTS(TTSConfig{Provider: "elevenlabs", APIBase: srv.URL, APIKey: "key", Voice: "voice-1", Logger: testLogger()})
	if _, err := tts.Synthesize(context.Background(), "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type fakeSynth struct {
	err   error
	calls int
}

func (f *fakeSynth) Name() string { return "fake" }

func (f *fakeSynth) Synthesize(ctx context.Context, text string) (*domain.MediaPayload, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &domain.MediaPayload{MimeType: "audio/mpeg", Data: "QUJD"}, nil
}

func TestAdapter_Policies(t *testing.T) {
	voice := domain.Message{Type: domain.TypeVoice}
	text := domain.Message{Type: domain.TypeChat}

	auto := NewAdapter(AdapterConfig{Synthesizer: &fakeSynth{}, Policy: VoiceAuto, Logger: testLogger()})
	if !auto.WantsVoice(voice) || auto.WantsVoice(text) {
		t.Fatal("auto policy should only speak back to audio")
	}
	always := NewAdapter(AdapterConfig{Synthesizer: &fakeSynth{}, Policy: VoiceAlways, Logger: testLogger()})
	if !always.WantsVoice(text) {
		t.Fatal("always policy should speak back to text")
	}
	none := NewAdapter(AdapterConfig{Policy: VoiceAlways, Logger: testLogger()})
	if none.WantsVoice(voice) {
		t.Fatal("no synthesizer means no voice")
	}
}

func TestAdapter_RenderFallsBackToText(t *testing.T) {
	synth := &fakeSynth{err: errors.New("tts down")}
	a := NewAdapter(AdapterConfig{Synthesizer: synth, Policy: VoiceAlways, Logger: testLogger()})
	resp := domain.TextResponse("alice", "hi")

	out := a.Render(context.Background(), domain.Message{}, resp)
	if out.IsAudio() || out.Text != "hi" {
		t.Fatalf("expected text fallback, got %+v", out)
	}
}

func TestAdapter_RenderAudio(t *testing.T) {
	a := NewAdapter(AdapterConfig{Synthesizer: &fakeSynth{}, Policy: VoiceAlways, Logger: testLogger()})
	out := a.Render(context.Background(), domain.Message{}, domain.TextResponse("alice", "hi"))
	if !out.IsAudio() || out.Text != "" || out.RawText != "hi" {
		t.Fatalf("expected audio response keeping raw text, got %+v", out)
	}
}

func TestFactories(t *testing.T) {
	if tr, err := NewTranscriber(WhisperConfig{Provider: "none"}); err != nil || tr != nil {
		t.Fatalf("none should disable transcription, got %v %v", tr, err)
	}
	if _, err := NewTranscriber(WhisperConfig{Provider: "acme"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if s, err := NewSynthesizer(TTSConfig{Provider: "elevenlabs"}); err != nil || s == nil {
		t.Fatalf("expected elevenlabs synthesizer, got %v %v", s, err)
	}
}
