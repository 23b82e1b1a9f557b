package catalog

import (
	"strings"
	"testing"
)

func TestRegistry_SeedsOnlyKnownProviders(t *testing.T) {
	r := NewRegistry([]string{"anthropic"})

	for _, m := range r.List() {
		if m.Provider != "anthropic" {
			t.Errorf("model %s from unconfigured provider %s should not be seeded", m.ID, m.Provider)
		}
	}
	if len(r.List()) == 0 {
		t.Fatal("anthropic models should be seeded")
	}
}

func TestRegistry_SetCurrent(t *testing.T) {
	r := NewRegistry([]string{"anthropic", "openai"})

	m, err := r.SetCurrent("claude-sonnet-4-20250514")
	if err != nil {
		t.Fatalf("SetCurrent: %v", err)
	}
	if m.Provider != "anthropic" {
		t.Errorf("Provider = %s, want anthropic", m.Provider)
	}

	cur, ok := r.Current()
	if !ok || cur.ID != "claude-sonnet-4-20250514" {
		t.Errorf("Current = %v ok=%v, want claude-sonnet-4-20250514", cur.ID, ok)
	}

	if _, err := r.SetCurrent("no-such-model"); err == nil {
		t.Error("SetCurrent on unknown model should fail")
	}
	// Failed switch must not clobber the selection.
	cur, _ = r.Current()
	if cur.ID != "claude-sonnet-4-20250514" {
		t.Errorf("selection changed after failed SetCurrent: %s", cur.ID)
	}
}

func TestRegistry_GetByPrefix(t *testing.T) {
	r := NewRegistry([]string{"anthropic", "openai", "google"})

	if m, ok := r.Get("gemini-2.5-pro"); !ok || m.Provider != "google" {
		t.Errorf("exact lookup failed: %v %v", m, ok)
	}

	// "claude-opus" is a unique prefix, "gpt-5" is exact (and a prefix of
	// gpt-5-mini, but exact wins).
	if m, ok := r.Get("claude-opus"); !ok || !strings.HasPrefix(m.ID, "claude-opus-4") {
		t.Errorf("prefix lookup = %v %v", m, ok)
	}
	if m, ok := r.Get("gpt-5"); !ok || m.ID != "gpt-5" {
		t.Errorf("exact match should beat prefix ambiguity, got %v %v", m, ok)
	}

	// "gemini" is ambiguous.
	if _, ok := r.Get("gemini"); ok {
		t.Error("ambiguous prefix should not resolve")
	}
}

func TestRegistry_RegisterCustomModel(t *testing.T) {
	r := NewRegistry([]string{"openai"})
	r.AddProvider("local-vllm")

	err := r.Register(Model{
		ID:           "qwen-local",
		Provider:     "local-vllm",
		Name:         "Qwen (local)",
		Capabilities: []Capability{CapToolUse, CapStreaming},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := r.Get("qwen-local"); !ok {
		t.Error("custom model not retrievable")
	}

	err = r.Register(Model{ID: "x", Provider: "nope"})
	if err == nil {
		t.Error("Register with unknown provider should fail")
	}
}

func TestModel_Cost(t *testing.T) {
	m := Model{InputPricePerMillion: 3.0, OutputPricePerMillion: 15.0}
	got := m.Cost(1_000_000, 2_000_000)
	want := 3.0 + 30.0
	if got != want {
		t.Errorf("Cost = %v, want %v", got, want)
	}
}

func TestRegistry_DefaultFor(t *testing.T) {
	r := NewRegistry([]string{"anthropic", "groq"})

	m, ok := r.DefaultFor("anthropic")
	if !ok || !m.Default {
		t.Errorf("DefaultFor(anthropic) = %v ok=%v", m.ID, ok)
	}
	if _, ok := r.DefaultFor("openai"); ok {
		t.Error("DefaultFor on unconfigured provider should report no model")
	}
}
