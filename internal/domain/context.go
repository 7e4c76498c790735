package domain

// Role of a context item as presented to a backend.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType discriminates multimodal content parts.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// ContentPart is one element of structured multimodal content.
type ContentPart struct {
	Type  PartType
	Text  string
	Image *MediaPayload
}

// ContextItem is one role-tagged entry of a context window, ordered oldest to newest.
// Exactly one of Text or Parts is meaningful: Parts wins when non-empty.
type ContextItem struct {
	Role      Role
	Text      string
	Parts     []ContentPart
	Name      string
	MessageID string
}

// IsMultimodal reports whether the item carries structured parts.
func (c ContextItem) IsMultimodal() bool {
	return len(c.Parts) > 0
}

// PlainText flattens the item to text, dropping non-text parts.
func (c ContextItem) PlainText() string {
	if !c.IsMultimodal() {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		if p.Type != PartText || p.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}
