package models

import (
	"slices"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning"
	PartSource    PartType = "source-url"
)

type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	SourceID string   `json:"source_id,omitempty"`
	URL      string   `json:"url,omitempty"`
	Title    string   `json:"title,omitempty"`
}

type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at"`
}

// Text joins every text part of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Reasoning joins every reasoning part of the message.
func (m Message) Reasoning() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartReasoning {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Sources returns the source-url parts in the order they were received.
func (m Message) Sources() []Part {
	var out []Part
	for _, p := range m.Parts {
		if p.Type == PartSource {
			out = append(out, p)
		}
	}
	return out
}

func (m Message) Clone() Message {
	m.Parts = slices.Clone(m.Parts)
	return m
}

// CloneMessages deep-copies a message list so the copy shares no part slices.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
