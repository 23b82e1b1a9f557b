// Package provider defines the adapter contract between the turn engine and
// LLM backends, plus the concrete adapters for Anthropic, OpenAI-compatible
// endpoints, and Google Gemini.
//
// Adapters translate the canonical message history into vendor wire formats
// and normalize vendor streaming events into models.StreamEvent values. The
// engine never sees vendor types.
package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/haasonsaas/ensemble/internal/catalog"
	"github.com/haasonsaas/ensemble/internal/tools"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// Adapter is the provider-agnostic LLM interface. Implementations hold the
// per-agent request state (system prompt, tool set, thinking setting); the
// model itself is resolved per request so /model switches take effect on the
// next turn without rebuilding adapters.
type Adapter interface {
	// Name identifies the provider ("anthropic", "openai", "google", ...).
	Name() string

	// SetSystemPrompt sets the system prompt sent with every request.
	SetSystemPrompt(prompt string)

	// RegisterTool adds a tool definition to the request. The descriptor's
	// schema is translated to the vendor's tool format.
	RegisterTool(d tools.Descriptor) error

	// ClearTools removes all registered tools.
	ClearTools()

	// SetThinking applies a thinking setting. It returns false when the
	// provider (or the current model) cannot honor the request, in which
	// case the adapter's previous setting is unchanged.
	SetThinking(s ThinkingSetting) bool

	// SetTemperature sets the sampling temperature sent with every
	// request. nil restores the provider default.
	SetTemperature(t *float64)

	// Stream starts a completion over the canonical history. Events arrive
	// on the returned stream until a stop event or an error event; the
	// channel is closed afterwards.
	Stream(ctx context.Context, history []models.Message) (Stream, error)

	// CountTokens estimates the prompt token count of the history.
	CountTokens(history []models.Message) int
}

// Stream is a scoped handle on one in-flight completion.
type Stream interface {
	// Events returns the event channel. It is closed when the completion
	// finishes, errors, or is closed.
	Events() <-chan models.StreamEvent

	// Close aborts the completion and releases its resources. Safe to call
	// more than once.
	Close()
}

// ModelResolver returns the model an adapter should use for the next request.
type ModelResolver func() catalog.Model

// ThinkingSetting describes the requested extended-thinking behavior. Exactly
// one of Disabled, Budget, or Level is meaningful.
type ThinkingSetting struct {
	// Disabled turns thinking off entirely.
	Disabled bool

	// Budget is a token budget for providers with numeric control
	// (Anthropic, Gemini). Zero means unset.
	Budget int

	// Level is a qualitative effort level for providers with enum control
	// (OpenAI: "low", "medium", "high"). Empty means unset.
	Level string
}

// Off reports whether the setting disables thinking.
func (s ThinkingSetting) Off() bool {
	return s.Disabled || (s.Budget == 0 && s.Level == "")
}

// ParseThinkingSetting parses the /think argument: "off", a token budget, or
// an effort level name.
func ParseThinkingSetting(arg string) (ThinkingSetting, error) {
	arg = strings.ToLower(strings.TrimSpace(arg))
	switch arg {
	case "", "off", "none", "disabled":
		return ThinkingSetting{Disabled: true}, nil
	case "low", "medium", "high":
		return ThinkingSetting{Level: arg}, nil
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n <= 0 {
			return ThinkingSetting{Disabled: true}, nil
		}
		return ThinkingSetting{Budget: n}, nil
	}
	return ThinkingSetting{}, fmt.Errorf("unrecognized thinking setting %q (want off, low, medium, high, or a token budget)", arg)
}
