package catalog

// builtinModels returns the models shipped with the binary. Custom models
// from configuration are merged on top via Register.
func builtinModels() []Model {
	all := []Capability{CapToolUse, CapVision, CapThinking, CapStreaming}
	noVision := []Capability{CapToolUse, CapThinking, CapStreaming}
	noThinking := []Capability{CapToolUse, CapVision, CapStreaming}

	return []Model{
		// Anthropic
		{
			ID:                    "claude-opus-4-1-20250805",
			Provider:              "anthropic",
			Name:                  "Claude Opus 4.1",
			Description:           "Most capable Claude model for complex reasoning and agentic tasks",
			Capabilities:          all,
			InputPricePerMillion:  15.0,
			OutputPricePerMillion: 75.0,
		},
		{
			ID:                    "claude-sonnet-4-20250514",
			Provider:              "anthropic",
			Name:                  "Claude Sonnet 4",
			Description:           "Balanced performance and cost for everyday agent work",
			Capabilities:          all,
			InputPricePerMillion:  3.0,
			OutputPricePerMillion: 15.0,
			Default:               true,
		},
		{
			ID:                    "claude-3-5-haiku-20241022",
			Provider:              "anthropic",
			Name:                  "Claude 3.5 Haiku",
			Description:           "Fast, inexpensive model for routing and simple tasks",
			Capabilities:          noThinking,
			InputPricePerMillion:  0.8,
			OutputPricePerMillion: 4.0,
		},

		// OpenAI
		{
			ID:                    "gpt-5",
			Provider:              "openai",
			Name:                  "GPT-5",
			Description:           "OpenAI flagship reasoning model",
			Capabilities:          all,
			InputPricePerMillion:  1.25,
			OutputPricePerMillion: 10.0,
			Default:               true,
		},
		{
			ID:                    "gpt-5-mini",
			Provider:              "openai",
			Name:                  "GPT-5 Mini",
			Description:           "Smaller, faster GPT-5 variant",
			Capabilities:          all,
			InputPricePerMillion:  0.25,
			OutputPricePerMillion: 2.0,
		},
		{
			ID:                    "gpt-4o",
			Provider:              "openai",
			Name:                  "GPT-4o",
			Description:           "Multimodal GPT-4 class model",
			Capabilities:          noThinking,
			InputPricePerMillion:  2.5,
			OutputPricePerMillion: 10.0,
		},

		// Google
		{
			ID:                    "gemini-2.5-pro",
			Provider:              "google",
			Name:                  "Gemini 2.5 Pro",
			Description:           "Google's strongest reasoning model with long context",
			Capabilities:          all,
			InputPricePerMillion:  1.25,
			OutputPricePerMillion: 10.0,
			Default:               true,
		},
		{
			ID:                    "gemini-2.5-flash",
			Provider:              "google",
			Name:                  "Gemini 2.5 Flash",
			Description:           "Fast Gemini variant with controllable thinking budget",
			Capabilities:          all,
			InputPricePerMillion:  0.3,
			OutputPricePerMillion: 2.5,
		},

		// Groq (OpenAI-compatible, no thinking control)
		{
			ID:                    "llama-3.3-70b-versatile",
			Provider:              "groq",
			Name:                  "Llama 3.3 70B",
			Description:           "Llama 3.3 70B served on Groq hardware",
			Capabilities:          []Capability{CapToolUse, CapStreaming},
			InputPricePerMillion:  0.59,
			OutputPricePerMillion: 0.79,
			Default:               true,
		},
		{
			ID:                    "moonshotai/kimi-k2-instruct",
			Provider:              "groq",
			Name:                  "Kimi K2",
			Description:           "Kimi K2 instruction model on Groq",
			Capabilities:          []Capability{CapToolUse, CapStreaming},
			InputPricePerMillion:  1.0,
			OutputPricePerMillion: 3.0,
		},

		// DeepInfra (OpenAI-compatible, no thinking control)
		{
			ID:                    "meta-llama/Llama-3.3-70B-Instruct",
			Provider:              "deepinfra",
			Name:                  "Llama 3.3 70B Instruct",
			Description:           "Llama 3.3 70B hosted on DeepInfra",
			Capabilities:          []Capability{CapToolUse, CapStreaming},
			InputPricePerMillion:  0.23,
			OutputPricePerMillion: 0.4,
			Default:               true,
		},
		{
			ID:                    "deepseek-ai/DeepSeek-V3",
			Provider:              "deepinfra",
			Name:                  "DeepSeek V3",
			Description:           "DeepSeek V3 hosted on DeepInfra",
			Capabilities:          noVision,
			InputPricePerMillion:  0.49,
			OutputPricePerMillion: 0.89,
		},
	}
}
