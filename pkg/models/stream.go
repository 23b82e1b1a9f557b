package models

import "encoding/json"

// StreamEventType discriminates events emitted by a provider stream.
type StreamEventType string

const (
	EventTextDelta         StreamEventType = "text_delta"
	EventThinkingDelta     StreamEventType = "thinking_delta"
	EventThinkingSignature StreamEventType = "thinking_signature"
	EventToolCallStart     StreamEventType = "tool_call_start"
	EventToolCallArgsDelta StreamEventType = "tool_call_args_delta"
	EventToolCallEnd       StreamEventType = "tool_call_end"
	EventUsage             StreamEventType = "usage"
	EventStop              StreamEventType = "stop"
)

// StopReason explains why a stream ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopError     StopReason = "error"
)

// StreamEvent is one element of a provider stream. Events are
// JSON-serializable so the agent-to-agent server can relay them verbatim.
//
// Field population by Type:
//   - text_delta, thinking_delta: Text
//   - thinking_signature: Signature
//   - tool_call_start: ID, Name
//   - tool_call_args_delta: ID, PartialJSON
//   - tool_call_end: ID, Name, Args (parsed)
//   - usage: Usage
//   - stop: Stop, and Err/ErrorMessage when Stop == StopError
type StreamEvent struct {
	Type        StreamEventType `json:"type"`
	Text        string          `json:"text,omitempty"`
	Signature   []byte          `json:"signature,omitempty"`
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name,omitempty"`
	PartialJSON string          `json:"partial_json,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	Usage       *Usage          `json:"usage,omitempty"`
	Stop        StopReason      `json:"stop,omitempty"`

	// Err carries the failure for Stop == StopError. It is not serialized;
	// ErrorMessage holds the wire form.
	Err          error  `json:"-"`
	ErrorMessage string `json:"error,omitempty"`
}

// TextDeltaEvent returns a text delta event.
func TextDeltaEvent(text string) StreamEvent {
	return StreamEvent{Type: EventTextDelta, Text: text}
}

// ThinkingDeltaEvent returns a thinking delta event.
func ThinkingDeltaEvent(text string) StreamEvent {
	return StreamEvent{Type: EventThinkingDelta, Text: text}
}

// ThinkingSignatureEvent returns a thinking signature event.
func ThinkingSignatureEvent(sig []byte) StreamEvent {
	return StreamEvent{Type: EventThinkingSignature, Signature: sig}
}

// ToolCallStartEvent returns a tool call start event.
func ToolCallStartEvent(id, name string) StreamEvent {
	return StreamEvent{Type: EventToolCallStart, ID: id, Name: name}
}

// ToolCallArgsDeltaEvent returns a partial-arguments event.
func ToolCallArgsDeltaEvent(id, partial string) StreamEvent {
	return StreamEvent{Type: EventToolCallArgsDelta, ID: id, PartialJSON: partial}
}

// ToolCallEndEvent returns a completed tool call event with parsed arguments.
func ToolCallEndEvent(id, name string, args json.RawMessage) StreamEvent {
	return StreamEvent{Type: EventToolCallEnd, ID: id, Name: name, Args: args}
}

// UsageEvent returns a usage update event.
func UsageEvent(u Usage) StreamEvent {
	return StreamEvent{Type: EventUsage, Usage: &u}
}

// StopEvent returns a terminal event with the given reason.
func StopEvent(reason StopReason) StreamEvent {
	return StreamEvent{Type: EventStop, Stop: reason}
}

// StopErrorEvent returns a terminal error event carrying err.
func StopErrorEvent(err error) StreamEvent {
	ev := StreamEvent{Type: EventStop, Stop: StopError, Err: err}
	if err != nil {
		ev.ErrorMessage = err.Error()
	}
	return ev
}
