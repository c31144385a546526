package a2a

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Message roles per the A2A protocol
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Part kinds. Parts are a tagged union; consumers branch on Kind and must
// treat unknown kinds as opaque.
const (
	PartKindText = "text"
	PartKindData = "data"
)

// Message is the typed A2A message exchanged between agents
type Message struct {
	Role      string                 `json:"role"`
	Parts     []Part                 `json:"parts"`
	MessageID string                 `json:"messageId"`
	ContextID string                 `json:"contextId,omitempty"`
	TaskID    string                 `json:"taskId,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Part is one element of a message body: either text or structured data
type Part struct {
	Kind     string                 `json:"kind"`
	Text     string                 `json:"text,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	MIMEType string                 `json:"mimeType,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// DataPart builds a structured data part.
func DataPart(data map[string]interface{}) Part {
	return Part{Kind: PartKindData, Data: data}
}

// NewMessage builds a message with a fresh message id.
func NewMessage(role string, parts ...Part) *Message {
	return &Message{
		Role:      role,
		Parts:     parts,
		MessageID: uuid.NewString(),
	}
}

// NewTextMessage builds a single-text-part message.
func NewTextMessage(role, text string) *Message {
	return NewMessage(role, TextPart(text))
}

// Texts returns the concatenation targets of all text parts, in order.
func (m *Message) Texts() []string {
	var out []string
	for _, p := range m.Parts {
		if p.Kind == PartKindText {
			out = append(out, p.Text)
		}
	}
	return out
}

// FirstData returns the first data part's payload, or nil.
func (m *Message) FirstData() map[string]interface{} {
	for _, p := range m.Parts {
		if p.Kind == PartKindData {
			return p.Data
		}
	}
	return nil
}

// DispatchKey derives the handler-dispatch key for an inbound message by
// inspecting data parts for a notification_type or type field. Empty when
// the message carries neither.
func (m *Message) DispatchKey() string {
	for _, p := range m.Parts {
		if p.Kind != PartKindData || p.Data == nil {
			continue
		}
		if v, ok := p.Data["notification_type"].(string); ok && v != "" {
			return v
		}
		if v, ok := p.Data["type"].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Record serializes the message to its self-describing wire record, used for
// message history and DLQ replay.
func (m *Message) Record() (json.RawMessage, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}
	return data, nil
}

// FromRecord reconstructs a message from a stored wire record, validating
// that every part carries a known kind so replay never forwards garbage.
func FromRecord(record json.RawMessage) (*Message, error) {
	var m Message
	if err := json.Unmarshal(record, &m); err != nil {
		return nil, fmt.Errorf("failed to parse message record: %w", err)
	}
	if m.MessageID == "" {
		return nil, fmt.Errorf("message record missing messageId")
	}
	for i, p := range m.Parts {
		switch p.Kind {
		case PartKindText, PartKindData:
		default:
			return nil, fmt.Errorf("message record part %d has unknown kind %q", i, p.Kind)
		}
	}
	return &m, nil
}
