package stream

import (
	"slices"
	"strings"
)

// maxScanDepth bounds the structural search for text in unknown events.
const maxScanDepth = 8

var textFieldHints = []string{"text", "content", "answer", "message"}

// isTextField reports whether a field name looks like it carries answer text.
// Identifier fields such as message_id are excluded.
func isTextField(name string) bool {
	n := strings.ToLower(name)
	if strings.HasSuffix(n, "id") {
		return false
	}
	for _, h := range textFieldHints {
		if strings.Contains(n, h) {
			return true
		}
	}
	return false
}

// findText does a depth-first search for the first non-empty string stored under a
// text-like field name. Map keys are visited in sorted order so the result is stable.
func findText(v any, depth int) (string, bool) {
	if depth > maxScanDepth {
		return "", false
	}
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if s, ok := t[k].(string); ok {
				if s != "" && isTextField(k) {
					return s, true
				}
				continue
			}
			if s, ok := findText(t[k], depth+1); ok {
				return s, true
			}
		}
	case []any:
		for _, item := range t {
			if s, ok := findText(item, depth+1); ok {
				return s, true
			}
		}
	}
	return "", false
}
