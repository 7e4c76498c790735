package stream

import (
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const sampleStream = "data: {\"event\": \"message\", \"message_id\": \"m-1\", \"conversation_id\": \"c-1\", \"answer\": \"Hello\"}\n\n" +
	"event: ping\n\n" +
	"data: {\"event\": \"agent_thought\", \"id\": \"t-1\", \"thought\": \"thinking hard\"}\n\n" +
	"data: {\"event\": \"agent_message\", \"message_id\": \"m-2\", \"conversation_id\": \"c-2\", \"answer\": \", wor\"}\n\n" +
	"data: {\"event\": \"message\", \"answer\": \"ld!\",}\n\n" +
	"data: {\"event\": \"message_end\", \"message_id\": \"m-1\"}\n\n"

func decodeAll(chunks ...string) Result {
	d := NewDecoder(testLogger())
	for _, c := range chunks {
		d.Write([]byte(c))
	}
	d.Flush()
	return d.Result()
}

func TestDecoder_SingleChunk(t *testing.T) {
	res := decodeAll(sampleStream)
	if res.Text != "Hello, world!" {
		t.Fatalf("expected %q, got %q", "Hello, world!", res.Text)
	}
	if res.MessageID != "m-1" {
		t.Fatalf("message id should be first-write-wins, got %q", res.MessageID)
	}
	if res.ConversationID != "c-1" {
		t.Fatalf("conversation id should be first-write-wins, got %q", res.ConversationID)
	}
}

func TestDecoder_ArbitrarySplitsMatchSingleChunk(t *testing.T) {
	want := decodeAll(sampleStream)

	for i := 0; i <= len(sampleStream); i++ {
		got := decodeAll(sampleStream[:i], sampleStream[i:])
		if got.Text != want.Text || got.MessageID != want.MessageID || got.ConversationID != want.ConversationID {
			t.Fatalf("split at %d: got %+v, want %+v", i, got, want)
		}
	}

	// Byte-at-a-time delivery.
	chunks := make([]string, 0, len(sampleStream))
	for i := 0; i < len(sampleStream); i++ {
		chunks = append(chunks, sampleStream[i:i+1])
	}
	if got := decodeAll(chunks...); got.Text != want.Text {
		t.Fatalf("byte-wise: got %q, want %q", got.Text, want.Text)
	}
}

func TestDecoder_RetainsPartialFrame(t *testing.T) {
	d := NewDecoder(testLogger())
	d.Write([]byte("data: {\"event\": \"message\", \"answer\": \"par"))
	if got := d.Result().Text; got != "" {
		t.Fatalf("incomplete frame must not be processed yet, got %q", got)
	}
	d.Write([]byte("tial\"}\n\n"))
	if got := d.Result().Text; got != "partial" {
		t.Fatalf("expected partial, got %q", got)
	}
}

func TestDecoder_CRLFFrames(t *testing.T) {
	res := decodeAll("data: {\"event\":\"message\",\"answer\":\"a\"}\r\n\r\ndata: {\"event\":\"message\",\"answer\":\"b\"}\r\n\r\n")
	if res.Text != "ab" {
		t.Fatalf("expected ab, got %q", res.Text)
	}
}

func TestDecoder_ContentFallback(t *testing.T) {
	res := decodeAll("data: {\"event\":\"message\",\"content\":\"from content\"}\n\n")
	if res.Text != "from content" {
		t.Fatalf("expected content field to be used, got %q", res.Text)
	}
}

func TestDecoder_RegexSalvage(t *testing.T) {
	res := decodeAll("data: garbage \"answer\": \"saved \\\"text\\\"\" more garbage }}}\n\n")
	if res.Text != `saved "text"` {
		t.Fatalf("expected salvaged text, got %q", res.Text)
	}
}

func TestDecoder_DropsUnsalvageableFrame(t *testing.T) {
	res := decodeAll("data: <<<not json>>>\n\ndata: {\"event\":\"message\",\"answer\":\"ok\"}\n\n")
	if res.Text != "ok" {
		t.Fatalf("stream must continue after a bad frame, got %q", res.Text)
	}
}

func TestDecoder_UnknownEventScan(t *testing.T) {
	frame := `data: {"event":"workflow_finished","message_id":"m-9","data":{"outputs":{"text":"scanned"}}}` + "\n\n"
	res := decodeAll(frame)
	if res.Text != "scanned" {
		t.Fatalf("expected scanned, got %q", res.Text)
	}
	if res.MessageID != "m-9" {
		t.Fatalf("expected message id from unknown event, got %q", res.MessageID)
	}
}

func TestDecoder_ErrorEvent(t *testing.T) {
	res := decodeAll(`data: {"event":"error","status":400,"code":"invalid_param","message":"bad input"}` + "\n\n")
	if res.ErrorMessage != "bad input" {
		t.Fatalf("expected error message, got %q", res.ErrorMessage)
	}
	if res.Text != "" {
		t.Fatalf("error event must not add answer text, got %q", res.Text)
	}
}

func TestDecoder_DoneSentinelIgnored(t *testing.T) {
	res := decodeAll("data: [DONE]\n\n")
	if res.Frames != 0 || res.Dropped != 0 {
		t.Fatalf("[DONE] should be skipped, got %+v", res)
	}
}

func TestDecoder_EndedTransitionsOnce(t *testing.T) {
	d := NewDecoder(testLogger())
	if d.Ended() {
		t.Fatal("new decoder must not be ended")
	}
	if !d.MarkEnded() {
		t.Fatal("first MarkEnded should perform the transition")
	}
	if d.MarkEnded() {
		t.Fatal("second MarkEnded must be a no-op")
	}

	d2 := NewDecoder(testLogger())
	d2.Write([]byte(`data: {"event":"message_end"}` + "\n\n"))
	if !d2.Ended() {
		t.Fatal("message_end should end the stream")
	}
	if d2.MarkEnded() {
		t.Fatal("stream already ended by message_end")
	}
}

func TestParseLenient_TrailingCommas(t *testing.T) {
	obj, err := parseLenient(`{"event":"message","answer":"x",}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj["answer"] != "x" {
		t.Fatalf("expected x, got %v", obj["answer"])
	}
}

func TestParseLenient_TruncatedObjectRepaired(t *testing.T) {
	obj, err := parseLenient(`{"event":"message","answer":"cut off`)
	if err != nil {
		t.Fatalf("expected truncated object to be repaired: %v", err)
	}
	if obj["event"] != "message" {
		t.Fatalf("expected event message, got %v", obj["event"])
	}
}
