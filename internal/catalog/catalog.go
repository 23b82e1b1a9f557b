// Package catalog maintains the model registry: the set of known models per
// provider, their capabilities and prices, and the process-wide "current
// model" selection.
package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Capability is a model feature flag.
type Capability string

const (
	CapToolUse   Capability = "tool_use"
	CapVision    Capability = "vision"
	CapThinking  Capability = "thinking"
	CapStreaming Capability = "streaming"
)

// Model describes an available LLM and its pricing.
type Model struct {
	// ID is the API identifier (e.g. "claude-sonnet-4-20250514").
	ID string `json:"id"`

	// Provider names the adapter that serves the model.
	Provider string `json:"provider"`

	// Name is the human-readable model name.
	Name string `json:"name"`

	// Description summarizes what the model is good at.
	Description string `json:"description,omitempty"`

	// Capabilities lists supported features.
	Capabilities []Capability `json:"capabilities"`

	// InputPricePerMillion and OutputPricePerMillion are USD per 1M tokens.
	InputPricePerMillion  float64 `json:"input_token_price_1m"`
	OutputPricePerMillion float64 `json:"output_token_price_1m"`

	// Default marks the provider's pick when none is requested.
	Default bool `json:"default,omitempty"`
}

// Has reports whether the model advertises the capability.
func (m Model) Has(c Capability) bool {
	for _, cap := range m.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}

// Cost computes the USD cost of a token sample against the model's prices.
func (m Model) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*m.InputPricePerMillion/1e6 +
		float64(outputTokens)*m.OutputPricePerMillion/1e6
}

// Registry is the process-wide model catalog. Reads and the current-model
// selection are safe for concurrent use; SetCurrent is atomic with respect to
// concurrent Current() calls.
type Registry struct {
	mu        sync.RWMutex
	models    map[string]Model
	order     []string
	current   string
	providers map[string]bool
}

// NewRegistry creates a catalog pre-seeded with the built-in model set.
// knownProviders names the constructible provider adapters; registering a
// model for an unknown provider fails.
func NewRegistry(knownProviders []string) *Registry {
	r := &Registry{
		models:    make(map[string]Model),
		providers: make(map[string]bool),
	}
	for _, p := range knownProviders {
		r.providers[p] = true
	}
	for _, m := range builtinModels() {
		if r.providers[m.Provider] {
			r.models[m.ID] = m
			r.order = append(r.order, m.ID)
		}
	}
	return r
}

// AddProvider registers an additional constructible provider (a custom
// OpenAI-compatible endpoint) so its models can be registered.
func (r *Registry) AddProvider(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = true
}

// Register adds a custom model. The provider must name a known adapter.
func (r *Registry) Register(m Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.ID == "" {
		return fmt.Errorf("model id is required")
	}
	if !r.providers[m.Provider] {
		return fmt.Errorf("unknown provider %q for model %s", m.Provider, m.ID)
	}
	if _, exists := r.models[m.ID]; !exists {
		r.order = append(r.order, m.ID)
	}
	r.models[m.ID] = m
	return nil
}

// List returns all models in registration order.
func (r *Registry) List() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Model, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.models[id])
	}
	return out
}

// ListByProvider returns the provider's models sorted by id.
func (r *Registry) ListByProvider(provider string) []Model {
	var out []Model
	for _, m := range r.List() {
		if m.Provider == provider {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get looks a model up by exact id, then by unique prefix.
func (r *Registry) Get(id string) (Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.models[id]; ok {
		return m, true
	}

	// Alias-aware lookup: a prefix that matches exactly one model resolves.
	var match Model
	var found int
	for _, candidate := range r.models {
		if strings.HasPrefix(candidate.ID, id) {
			match = candidate
			found++
		}
	}
	if found == 1 {
		return match, true
	}
	return Model{}, false
}

// SetCurrent selects the current model, validating that it exists and its
// provider is constructible.
func (r *Registry) SetCurrent(id string) (Model, error) {
	m, ok := r.Get(id)
	if !ok {
		return Model{}, fmt.Errorf("unknown model %q", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.providers[m.Provider] {
		return Model{}, fmt.Errorf("provider %q for model %s is not configured", m.Provider, m.ID)
	}
	r.current = m.ID
	return m, nil
}

// Current returns the currently selected model.
func (r *Registry) Current() (Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[r.current]
	return m, ok
}

// DefaultFor returns the provider's default model, falling back to its first
// registered model.
func (r *Registry) DefaultFor(provider string) (Model, bool) {
	models := r.ListByProvider(provider)
	for _, m := range models {
		if m.Default {
			return m, true
		}
	}
	if len(models) > 0 {
		return models[0], true
	}
	return Model{}, false
}
