package stream

import "testing"

func TestFindText_SkipsIdentifiers(t *testing.T) {
	v := map[string]any{
		"message_id": "m-1",
		"payload":    map[string]any{"answer_text": "found"},
	}
	s, ok := findText(v, 0)
	if !ok || s != "found" {
		t.Fatalf("expected found, got %q ok=%v", s, ok)
	}
}

func TestFindText_Arrays(t *testing.T) {
	v := map[string]any{
		"items": []any{
			map[string]any{"kind": "x"},
			map[string]any{"content": "second"},
		},
	}
	s, ok := findText(v, 0)
	if !ok || s != "second" {
		t.Fatalf("expected second, got %q ok=%v", s, ok)
	}
}

func TestFindText_DepthCap(t *testing.T) {
	var v any = map[string]any{"text": "deep"}
	for i := 0; i < maxScanDepth+2; i++ {
		v = map[string]any{"nested": v}
	}
	if s, ok := findText(v, 0); ok {
		t.Fatalf("search must stop at depth cap, found %q", s)
	}
}

func TestFindText_NoCandidate(t *testing.T) {
	if _, ok := findText(map[string]any{"event": "ping", "status": "ok"}, 0); ok {
		t.Fatal("expected no candidate")
	}
}
