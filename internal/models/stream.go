package models

type EventType string

const (
	EventTextDelta      EventType = "text-delta"
	EventReasoningDelta EventType = "reasoning-delta"
	EventSource         EventType = "source-url"
	EventDone           EventType = "done"
	EventError          EventType = "error"
)

// StreamEvent is one typed event of a streamed assistant reply.
type StreamEvent struct {
	Type   EventType `json:"type"`
	Delta  string    `json:"delta,omitempty"`
	Source *Part     `json:"source,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Conversation is what a streaming transport needs to produce the next reply.
type Conversation struct {
	ThreadID string    `json:"thread_id"`
	Model    string    `json:"model"`
	Identity string    `json:"identity"`
	Messages []Message `json:"messages"`
}

// Apply folds a stream event into an assistant message, merging consecutive
// deltas of the same kind into one part.
func (m *Message) Apply(ev StreamEvent) {
	switch ev.Type {
	case EventTextDelta:
		m.appendDelta(PartText, ev.Delta)
	case EventReasoningDelta:
		m.appendDelta(PartReasoning, ev.Delta)
	case EventSource:
		if ev.Source != nil {
			src := *ev.Source
			src.Type = PartSource
			m.Parts = append(m.Parts, src)
		}
	}
}

func (m *Message) appendDelta(kind PartType, delta string) {
	if delta == "" {
		return
	}
	if n := len(m.Parts); n > 0 && m.Parts[n-1].Type == kind {
		m.Parts[n-1].Text += delta
		return
	}
	m.Parts = append(m.Parts, Part{Type: kind, Text: delta})
}
