package config

import (
	"fmt"
	"os"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/haasonsaas/ensemble/internal/catalog"
	"github.com/haasonsaas/ensemble/internal/provider"
)

// CustomProviderType is the only supported custom provider transport.
const CustomProviderType = "openai_compatible"

// providerEnvKeys maps built-in provider names to their key variables.
var providerEnvKeys = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"google":    "GEMINI_API_KEY",
	"groq":      "GROQ_API_KEY",
	"deepinfra": "DEEPINFRA_API_KEY",
}

// ModelRecord declares one model served by a custom provider.
type ModelRecord struct {
	ID                 string   `json:"id"`
	Provider           string   `json:"provider"`
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	Capabilities       []string `json:"capabilities"`
	InputTokenPrice1M  float64  `json:"input_token_price_1m"`
	OutputTokenPrice1M float64  `json:"output_token_price_1m"`
}

// CustomProvider declares an OpenAI-compatible endpoint and its models.
type CustomProvider struct {
	Name            string        `json:"name"`
	Type            string        `json:"type"`
	APIBaseURL      string        `json:"api_base_url"`
	APIKey          string        `json:"api_key,omitempty"`
	DefaultModelID  string        `json:"default_model_id"`
	IsStream        bool          `json:"is_stream"`
	AvailableModels []ModelRecord `json:"available_models"`
}

// Global is the user's ~/.ensemble/config.json. The file is parsed as JSON5
// so hand-edited configs may carry comments and trailing commas.
type Global struct {
	APIKeys         map[string]string `json:"api_keys"`
	CustomProviders []CustomProvider  `json:"custom_llm_providers"`
}

// LoadGlobal reads the global config. A missing file yields an empty config,
// not an error.
func LoadGlobal(path string) (*Global, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Global{}, nil
		}
		return nil, NewConfigError(path, err)
	}

	var g Global
	if err := json5.Unmarshal(data, &g); err != nil {
		return nil, NewConfigError(path, err).WithMessage(fmt.Sprintf("invalid JSON: %v", err))
	}

	for i, cp := range g.CustomProviders {
		field := fmt.Sprintf("custom_llm_providers[%d]", i)
		if cp.Name == "" {
			return nil, NewConfigError(path, nil).WithField(field).WithMessage("name is required")
		}
		if cp.Type != CustomProviderType {
			return nil, NewConfigError(path, nil).WithField(field).
				WithMessage(fmt.Sprintf("unsupported type %q (only %q)", cp.Type, CustomProviderType))
		}
		if cp.APIBaseURL == "" {
			return nil, NewConfigError(path, nil).WithField(field).WithMessage("api_base_url is required")
		}
	}
	return &g, nil
}

// Credentials merges environment keys with the config file, the file winning
// where both define a key, and collects custom endpoint URLs.
func (g *Global) Credentials() provider.Credentials {
	creds := provider.Credentials{
		APIKeys:         make(map[string]string),
		CustomEndpoints: make(map[string]string),
	}
	for name, envKey := range providerEnvKeys {
		if v := os.Getenv(envKey); v != "" {
			creds.APIKeys[name] = v
		}
		if v := g.APIKeys[envKey]; v != "" {
			creds.APIKeys[name] = v
		}
	}
	for _, cp := range g.CustomProviders {
		creds.CustomEndpoints[cp.Name] = cp.APIBaseURL
		if cp.APIKey != "" {
			creds.APIKeys[cp.Name] = cp.APIKey
		}
	}
	return creds
}

// ProviderNames lists the constructible providers: every built-in plus the
// configured custom endpoints. Used to seed the model catalog.
func (g *Global) ProviderNames() []string {
	names := []string{"anthropic", "openai", "google", "groq", "deepinfra"}
	for _, cp := range g.CustomProviders {
		names = append(names, cp.Name)
	}
	return names
}

// RegisterModels adds every custom provider's models to the catalog. The
// provider's default_model_id marks its default.
func (g *Global) RegisterModels(cat *catalog.Registry) error {
	for _, cp := range g.CustomProviders {
		cat.AddProvider(cp.Name)
		for _, rec := range cp.AvailableModels {
			caps := make([]catalog.Capability, 0, len(rec.Capabilities)+1)
			for _, c := range rec.Capabilities {
				caps = append(caps, catalog.Capability(c))
			}
			if cp.IsStream && !hasCap(caps, catalog.CapStreaming) {
				caps = append(caps, catalog.CapStreaming)
			}
			m := catalog.Model{
				ID:                    rec.ID,
				Provider:              cp.Name,
				Name:                  rec.Name,
				Description:           rec.Description,
				Capabilities:          caps,
				InputPricePerMillion:  rec.InputTokenPrice1M,
				OutputPricePerMillion: rec.OutputTokenPrice1M,
				Default:               rec.ID == cp.DefaultModelID,
			}
			if err := cat.Register(m); err != nil {
				return fmt.Errorf("custom provider %s: %w", cp.Name, err)
			}
		}
	}
	return nil
}

func hasCap(caps []catalog.Capability, c catalog.Capability) bool {
	for _, have := range caps {
		if have == c {
			return true
		}
	}
	return false
}
