package provider

import (
	"context"
	"fmt"
	"log/slog"
)

// Credentials holds the API keys and endpoints available to the factory,
// already merged from configuration and environment.
type Credentials struct {
	APIKeys map[string]string

	// CustomEndpoints maps custom provider names to their OpenAI-compatible
	// base URLs.
	CustomEndpoints map[string]string

	// AnthropicBaseURL optionally overrides the Anthropic endpoint.
	AnthropicBaseURL string
}

// Key returns the API key for a provider, empty when unconfigured.
func (c Credentials) Key(provider string) string {
	return c.APIKeys[provider]
}

// DetectOrder is the provider auto-detection precedence used when no
// provider is configured explicitly.
var DetectOrder = []string{"anthropic", "google", "openai", "groq", "deepinfra"}

// Detect returns the first provider in precedence order with a configured
// key, or "" when none is usable.
func Detect(creds Credentials) string {
	for _, name := range DetectOrder {
		if creds.Key(name) != "" {
			return name
		}
	}
	for name := range creds.CustomEndpoints {
		if creds.Key(name) != "" {
			return name
		}
	}
	return ""
}

// Available lists every provider with a configured key, in detection order
// followed by custom providers.
func Available(creds Credentials) []string {
	var out []string
	for _, name := range DetectOrder {
		if creds.Key(name) != "" {
			out = append(out, name)
		}
	}
	for name := range creds.CustomEndpoints {
		if creds.Key(name) != "" {
			out = append(out, name)
		}
	}
	return out
}

// New constructs the adapter for the named provider. Unknown names are
// looked up in CustomEndpoints and served by the OpenAI-compatible adapter.
func New(ctx context.Context, name string, creds Credentials, resolve ModelResolver, logger *slog.Logger) (Adapter, error) {
	key := creds.Key(name)

	switch name {
	case "anthropic":
		return NewAnthropicAdapter(key, creds.AnthropicBaseURL, resolve, logger)
	case "google":
		return NewGeminiAdapter(ctx, key, resolve, logger)
	case "openai":
		return NewOpenAIAdapter(OpenAICompatConfig{
			Name:              "openai",
			APIKey:            key,
			SupportsReasoning: true,
		}, resolve, logger)
	case "groq":
		return NewOpenAIAdapter(OpenAICompatConfig{
			Name:    "groq",
			APIKey:  key,
			BaseURL: GroqBaseURL,
		}, resolve, logger)
	case "deepinfra":
		return NewOpenAIAdapter(OpenAICompatConfig{
			Name:    "deepinfra",
			APIKey:  key,
			BaseURL: DeepInfraBaseURL,
		}, resolve, logger)
	}

	if endpoint, ok := creds.CustomEndpoints[name]; ok {
		return NewOpenAIAdapter(OpenAICompatConfig{
			Name:    name,
			APIKey:  key,
			BaseURL: endpoint,
		}, resolve, logger)
	}
	return nil, fmt.Errorf("unknown provider %q", name)
}
