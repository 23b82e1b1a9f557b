package models

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestMessage_AppendText(t *testing.T) {
	msg := NewTextMessage(RoleAssistant, "Hello")
	msg.AppendText(", world")

	if len(msg.Parts) != 1 {
		t.Fatalf("Parts = %d, want 1 (deltas should merge into one part)", len(msg.Parts))
	}
	if got := msg.Text(); got != "Hello, world" {
		t.Errorf("Text() = %q, want %q", got, "Hello, world")
	}

	// A text part after a tool call must not merge backwards.
	msg.Parts = append(msg.Parts, NewToolCallPart("t1", "web_search", json.RawMessage(`{}`)))
	msg.AppendText("after")
	if len(msg.Parts) != 3 {
		t.Fatalf("Parts = %d, want 3", len(msg.Parts))
	}
}

func TestMessage_Accessors(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Parts: []Part{
			NewThinkingPart("let me think", []byte("sig")),
			NewTextPart("checking"),
			NewToolCallPart("t1", "web_search", json.RawMessage(`{"query":"go"}`)),
			NewToolCallPart("t2", "web_fetch", json.RawMessage(`{"url":"x"}`)),
		},
	}

	if got := len(msg.ToolCalls()); got != 2 {
		t.Errorf("ToolCalls() = %d, want 2", got)
	}
	if got := len(msg.ThinkingParts()); got != 1 {
		t.Errorf("ThinkingParts() = %d, want 1", got)
	}
	if got := msg.Text(); got != "checking" {
		t.Errorf("Text() = %q, want %q", got, "checking")
	}
}

func TestPart_JSONRoundTrip(t *testing.T) {
	parts := []Part{
		NewTextPart("hello"),
		NewImagePart("image/png", []byte{0x89, 0x50}),
		NewDocumentPart("application/pdf", []byte("%PDF"), "doc.pdf"),
		NewToolCallPart("t1", "transfer", json.RawMessage(`{"target_agent":"Coder"}`)),
		NewToolResultPart("t1", "done", true),
		NewThinkingPart("hmm", []byte{0x01, 0x02, 0xff}),
	}

	for _, p := range parts {
		data, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("Marshal(%s): %v", p.Type, err)
		}
		var back Part
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("Unmarshal(%s): %v", p.Type, err)
		}
		if back.Type != p.Type {
			t.Errorf("Type = %q, want %q", back.Type, p.Type)
		}
		if !bytes.Equal(back.Signature, p.Signature) {
			t.Errorf("%s: signature did not round-trip byte-for-byte", p.Type)
		}
		if !bytes.Equal(back.Data, p.Data) {
			t.Errorf("%s: data did not round-trip", p.Type)
		}
	}
}

func TestCloneHistory_Isolation(t *testing.T) {
	history := []Message{
		NewTextMessage(RoleUser, "ping"),
		{Role: RoleAssistant, Parts: []Part{NewThinkingPart("t", []byte{1, 2})}},
	}

	clone := CloneHistory(history)
	clone[0].Parts[0].Text = "mutated"
	clone[1].Parts[0].Signature[0] = 9

	if history[0].Parts[0].Text != "ping" {
		t.Error("clone mutation leaked into original text")
	}
	if history[1].Parts[0].Signature[0] != 1 {
		t.Error("clone mutation leaked into original signature")
	}
}

func TestStopErrorEvent(t *testing.T) {
	ev := StopErrorEvent(errTest)
	if ev.Stop != StopError {
		t.Errorf("Stop = %q, want %q", ev.Stop, StopError)
	}
	if ev.ErrorMessage != "boom" {
		t.Errorf("ErrorMessage = %q, want %q", ev.ErrorMessage, "boom")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	var back StreamEvent
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.ErrorMessage != "boom" {
		t.Errorf("serialized ErrorMessage = %q, want %q", back.ErrorMessage, "boom")
	}
}

var errTest = &testError{}

type testError struct{}

func (*testError) Error() string { return "boom" }
