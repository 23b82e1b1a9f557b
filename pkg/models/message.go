// Package models defines the canonical, provider-agnostic data types shared
// across the runtime: messages and their parts, stream events, conversations,
// and usage accounting.
//
// Every provider adapter translates between these types and its vendor wire
// format; persistence and cross-agent logic operate exclusively on this form.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// PartType discriminates the payload carried by a Part.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartDocument   PartType = "document"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartThinking   PartType = "thinking"
)

// Part is one element of a message body. Exactly one payload group is
// populated, selected by Type. The flat shape keeps the JSON encoding stable
// across process restarts.
type Part struct {
	Type PartType `json:"type"`

	// Text payload (PartText, PartThinking).
	Text string `json:"text,omitempty"`

	// Media payload (PartImage, PartDocument).
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Name     string `json:"name,omitempty"`

	// Tool payload (PartToolCall, PartToolResult).
	ID      string          `json:"id,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Content string          `json:"content,omitempty"`
	IsError bool            `json:"is_error,omitempty"`

	// Signature is the provider's cryptographic signature over a thinking
	// block. It must round-trip byte-for-byte; adapters re-submit it verbatim
	// when continuing a turn after tool results.
	Signature []byte `json:"signature,omitempty"`
}

// NewTextPart returns a text part.
func NewTextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// NewImagePart returns an image part with raw bytes and a MIME type.
func NewImagePart(mimeType string, data []byte) Part {
	return Part{Type: PartImage, MimeType: mimeType, Data: data}
}

// NewDocumentPart returns a document part with raw bytes, MIME type, and filename.
func NewDocumentPart(mimeType string, data []byte, name string) Part {
	return Part{Type: PartDocument, MimeType: mimeType, Data: data, Name: name}
}

// NewToolCallPart returns a tool call part with parsed arguments.
func NewToolCallPart(id, name string, args json.RawMessage) Part {
	return Part{Type: PartToolCall, ID: id, Name: name, Args: args}
}

// NewToolResultPart returns a tool result part.
func NewToolResultPart(id, content string, isError bool) Part {
	return Part{Type: PartToolResult, ID: id, Content: content, IsError: isError}
}

// NewThinkingPart returns a thinking part, optionally signed.
func NewThinkingPart(text string, signature []byte) Part {
	return Part{Type: PartThinking, Text: text, Signature: signature}
}

// Message is the canonical conversation record. A message carries an ordered
// list of parts; tool messages additionally reference the tool call they
// answer via ToolCallID.
type Message struct {
	Role       Role      `json:"role"`
	Parts      []Part    `json:"parts"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewTextMessage builds a message with a single text part.
func NewTextMessage(role Role, text string) Message {
	return Message{
		Role:      role,
		Parts:     []Part{NewTextPart(text)},
		Timestamp: time.Now().UTC(),
	}
}

// NewToolResultMessage builds a tool message answering the given call.
func NewToolResultMessage(id, content string, isError bool) Message {
	return Message{
		Role:       RoleTool,
		Parts:      []Part{NewToolResultPart(id, content, isError)},
		ToolCallID: id,
		Timestamp:  time.Now().UTC(),
	}
}

// AppendText appends text to the message's last text part, creating one if
// the message does not end with a text part.
func (m *Message) AppendText(text string) {
	if n := len(m.Parts); n > 0 && m.Parts[n-1].Type == PartText {
		m.Parts[n-1].Text += text
		return
	}
	m.Parts = append(m.Parts, NewTextPart(text))
}

// Text concatenates all text parts of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the message's tool call parts in order.
func (m Message) ToolCalls() []Part {
	return m.partsOfType(PartToolCall)
}

// ToolResults returns the message's tool result parts in order.
func (m Message) ToolResults() []Part {
	return m.partsOfType(PartToolResult)
}

// ThinkingParts returns the message's thinking parts in order.
func (m Message) ThinkingParts() []Part {
	return m.partsOfType(PartThinking)
}

func (m Message) partsOfType(t PartType) []Part {
	var out []Part
	for _, p := range m.Parts {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// CloneHistory deep-copies a message slice. Part payloads are copied so that
// rollback snapshots cannot be mutated through the live history.
func CloneHistory(history []Message) []Message {
	if history == nil {
		return nil
	}
	out := make([]Message, len(history))
	for i, m := range history {
		out[i] = m
		out[i].Parts = make([]Part, len(m.Parts))
		for j, p := range m.Parts {
			out[i].Parts[j] = p
			if p.Data != nil {
				out[i].Parts[j].Data = append([]byte(nil), p.Data...)
			}
			if p.Args != nil {
				out[i].Parts[j].Args = append(json.RawMessage(nil), p.Args...)
			}
			if p.Signature != nil {
				out[i].Parts[j].Signature = append([]byte(nil), p.Signature...)
			}
		}
	}
	return out
}
