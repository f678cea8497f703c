package engine

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema is the JSON schema of a structured chat reply.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes one field of a Schema. Items describes the
// elements of an array field.
type SchemaProperty struct {
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Items       *SchemaProperty `json:"items,omitempty"`
}

// PullProgress is one progress report of a model download.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// Percent returns download completion in [0, 100], or -1 when the total is
// unknown.
func (p PullProgress) Percent() int {
	if p.Total <= 0 {
		return -1
	}
	return int(p.Completed * 100 / p.Total)
}
