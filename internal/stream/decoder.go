package stream

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kaptinlin/jsonrepair"
)

// Event discriminators emitted by the agent backend.
const (
	EventMessage      = "message"
	EventAgentMessage = "agent_message"
	EventMessageEnd   = "message_end"
	EventError        = "error"
	EventAgentThought = "agent_thought"
)

var (
	frameSeparator = []byte("\n\n")

	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
	salvageText   = regexp.MustCompile(`"(?:answer|content|text)"\s*:\s*"((?:[^"\\]|\\.)*)"`)
)

// Result is the decoded outcome of one stream.
type Result struct {
	Text           string
	MessageID      string
	ConversationID string
	// ErrorMessage holds the message of the last "error" event, if any.
	ErrorMessage string
	TimedOut     bool
	Frames       int
	Dropped      int
}

// Decoder holds the per-request stream state. It is safe for one writer and
// concurrent readers of Result.
type Decoder struct {
	mu             sync.Mutex
	buffer         []byte
	text           strings.Builder
	messageID      string
	conversationID string
	errorMessage   string
	lastChunkTime  time.Time
	frames         int
	dropped        int

	ended atomic.Bool
	endc  chan struct{}

	logger *slog.Logger
	now    func() time.Time
}

// NewDecoder creates an empty decoder.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger, now: time.Now, endc: make(chan struct{})}
}

// Write appends raw bytes and processes every complete frame. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastChunkTime = d.now()
	d.buffer = append(d.buffer, p...)
	d.buffer = bytes.ReplaceAll(d.buffer, []byte("\r\n"), []byte("\n"))

	for {
		idx := bytes.Index(d.buffer, frameSeparator)
		if idx < 0 {
			break
		}
		frame := d.buffer[:idx]
		d.processFrame(frame)
		d.buffer = d.buffer[idx+len(frameSeparator):]
	}
	// Compact so the retained partial frame does not pin the old backing array.
	d.buffer = append([]byte(nil), d.buffer...)
	return len(p), nil
}

// Flush processes whatever remains in the buffer as a final frame.
func (d *Decoder) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(bytes.TrimSpace(d.buffer)) > 0 {
		d.processFrame(d.buffer)
	}
	d.buffer = nil
}

// MarkEnded flips the stream-ended flag. It reports true only for the call that
// performed the transition.
func (d *Decoder) MarkEnded() bool {
	if !d.ended.CompareAndSwap(false, true) {
		return false
	}
	close(d.endc)
	return true
}

// Ended reports whether the stream has ended.
func (d *Decoder) Ended() bool {
	return d.ended.Load()
}

// EndedC is closed once the stream has ended.
func (d *Decoder) EndedC() <-chan struct{} {
	return d.endc
}

// LastChunkTime returns when bytes were last written.
func (d *Decoder) LastChunkTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastChunkTime
}

// Result returns a snapshot of the accumulated state.
func (d *Decoder) Result() Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Result{
		Text:           d.text.String(),
		MessageID:      d.messageID,
		ConversationID: d.conversationID,
		ErrorMessage:   d.errorMessage,
		Frames:         d.frames,
		Dropped:        d.dropped,
	}
}

func (d *Decoder) processFrame(frame []byte) {
	payload := framePayload(frame)
	if payload == "" || payload == "[DONE]" {
		return
	}
	d.frames++

	obj, err := parseLenient(payload)
	if err != nil {
		if text, ok := salvage(payload); ok {
			d.logger.Debug("salvaged text from malformed frame", "len", len(text))
			d.text.WriteString(text)
			return
		}
		d.dropped++
		d.logger.Warn("dropping malformed stream frame", "err", err, "payload_len", len(payload))
		return
	}
	d.handleEvent(obj)
}

func (d *Decoder) handleEvent(obj map[string]any) {
	if d.messageID == "" {
		d.messageID = stringField(obj, "message_id")
	}
	if d.conversationID == "" {
		d.conversationID = stringField(obj, "conversation_id")
	}

	event := stringField(obj, "event")
	switch event {
	case EventMessage, EventAgentMessage:
		if s := stringField(obj, "answer"); s != "" {
			d.text.WriteString(s)
		} else if s := stringField(obj, "content"); s != "" {
			d.text.WriteString(s)
		}
	case EventMessageEnd:
		d.MarkEnded()
	case EventError:
		d.errorMessage = stringField(obj, "message")
		d.logger.Warn("agent stream reported error",
			"code", stringField(obj, "code"),
			"message", d.errorMessage,
		)
	case EventAgentThought:
		// Reasoning trace; not part of the answer.
	default:
		if s, ok := findText(obj, 0); ok {
			d.text.WriteString(s)
		}
	}
}

// framePayload joins the data lines of a frame. Other SSE fields are ignored.
func framePayload(frame []byte) string {
	var parts []string
	for _, line := range strings.Split(string(frame), "\n") {
		switch {
		case strings.HasPrefix(line, "data: "):
			parts = append(parts, strings.TrimPrefix(line, "data: "))
		case strings.HasPrefix(line, "data:"):
			parts = append(parts, strings.TrimPrefix(line, "data:"))
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// parseLenient decodes a JSON object, retrying after stripping trailing commas and
// then, for payloads that at least open an object, after a structural repair.
func parseLenient(payload string) (map[string]any, error) {
	var obj map[string]any
	err := json.Unmarshal([]byte(payload), &obj)
	if err == nil {
		return obj, nil
	}

	stripped := trailingComma.ReplaceAllString(payload, "$1")
	if stripped != payload {
		obj = nil
		if err2 := json.Unmarshal([]byte(stripped), &obj); err2 == nil {
			return obj, nil
		}
	}

	if !strings.HasPrefix(stripped, "{") {
		return nil, err
	}
	fixed, rerr := jsonrepair.JSONRepair(stripped)
	if rerr != nil {
		return nil, err
	}
	obj = nil
	if err := json.Unmarshal([]byte(fixed), &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// salvage pulls the first answer/content/text string out of an unparseable payload.
func salvage(payload string) (string, bool) {
	m := salvageText.FindStringSubmatch(payload)
	if m == nil {
		return "", false
	}
	s, err := strconv.Unquote(`"` + m[1] + `"`)
	if err != nil {
		s = m[1]
	}
	return s, s != ""
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}
