package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/haasonsaas/ensemble/internal/catalog"
	"github.com/haasonsaas/ensemble/internal/tools"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// geminiThinkingLevels maps effort levels onto thinking budgets, mirroring
// the Anthropic mapping so /think low|medium|high is provider-independent.
var geminiThinkingLevels = map[string]int{
	"low":    2048,
	"medium": 8192,
	"high":   24576,
}

// GeminiAdapter streams completions from the Gemini API.
type GeminiAdapter struct {
	base
	client  *genai.Client
	resolve ModelResolver

	toolsMu  sync.RWMutex
	toolDefs []*genai.FunctionDeclaration
}

// NewGeminiAdapter builds an adapter for the Gemini API.
func NewGeminiAdapter(ctx context.Context, apiKey string, resolve ModelResolver, logger *slog.Logger) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, NewProviderError("google", ReasonAuth, fmt.Errorf("API key is required"))
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, NewProviderError("google", ReasonUnknown, err)
	}

	return &GeminiAdapter{
		base:    newBase(logger, "provider.google"),
		client:  client,
		resolve: resolve,
	}, nil
}

func (a *GeminiAdapter) Name() string { return "google" }

// RegisterTool translates the descriptor's JSON schema into a Gemini
// function declaration.
func (a *GeminiAdapter) RegisterTool(d tools.Descriptor) error {
	var schemaMap map[string]any
	if err := json.Unmarshal(d.InputSchema, &schemaMap); err != nil {
		return fmt.Errorf("google: invalid schema for tool %s: %w", d.Name, err)
	}

	a.toolsMu.Lock()
	defer a.toolsMu.Unlock()
	a.toolDefs = append(a.toolDefs, &genai.FunctionDeclaration{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  toGeminiSchema(schemaMap),
	})
	return nil
}

func (a *GeminiAdapter) ClearTools() {
	a.toolsMu.Lock()
	defer a.toolsMu.Unlock()
	a.toolDefs = nil
}

// SetThinking accepts budgets directly and maps effort levels onto budgets.
func (a *GeminiAdapter) SetThinking(s ThinkingSetting) bool {
	if s.Disabled {
		a.setThinking(s)
		return true
	}
	if m := a.resolve(); !m.Has(catalog.CapThinking) {
		return false
	}
	if s.Level != "" {
		budget, ok := geminiThinkingLevels[s.Level]
		if !ok {
			return false
		}
		s = ThinkingSetting{Budget: budget}
	}
	a.setThinking(s)
	return true
}

func (a *GeminiAdapter) CountTokens(history []models.Message) int {
	return estimateTokens(history)
}

// Stream starts a streaming generation over the history.
func (a *GeminiAdapter) Stream(ctx context.Context, history []models.Message) (Stream, error) {
	contents, err := convertGeminiContents(history)
	if err != nil {
		return nil, NewProviderError("google", ReasonInvalidRequest, err)
	}

	config := &genai.GenerateContentConfig{}
	if sys := a.systemPrompt(); sys != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: sys}},
		}
	}

	a.toolsMu.RLock()
	if len(a.toolDefs) > 0 {
		config.Tools = []*genai.Tool{{
			FunctionDeclarations: append([]*genai.FunctionDeclaration(nil), a.toolDefs...),
		}}
	}
	a.toolsMu.RUnlock()

	if setting := a.thinkingSetting(); !setting.Off() {
		budget := int32(setting.Budget)
		config.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  &budget,
		}
	}

	if t := a.temperatureSetting(); t != nil {
		temp := float32(*t)
		config.Temperature = &temp
	}

	model := a.resolve().ID
	streamCtx, cancel := context.WithCancel(ctx)
	out := newEventStream(streamCtx, cancel)

	go a.streamWithRetry(streamCtx, out, func() (bool, error) {
		return a.pump(streamCtx, model, contents, config, out)
	})
	return out, nil
}

// pump runs one streaming attempt. It reports whether any event reached the
// consumer and the classified error when the stream failed, so the driver
// can retry failures that precede all output.
func (a *GeminiAdapter) pump(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig, out *eventStream) (bool, error) {
	var (
		usage      models.Usage
		emitted    bool
		sawTool    bool
		stopReason = models.StopEndTurn
	)

	for resp, err := range a.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if ctx.Err() != nil {
			return emitted, ctx.Err()
		}
		if err != nil {
			return emitted, classifyGemini(err)
		}
		if resp == nil {
			continue
		}

		if resp.UsageMetadata != nil {
			usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			if candidate.FinishReason == genai.FinishReasonMaxTokens {
				stopReason = models.StopMaxTokens
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}

				if part.Text != "" {
					if part.Thought {
						if !out.send(ctx, models.ThinkingDeltaEvent(part.Text)) {
							return true, nil
						}
						emitted = true
						if len(part.ThoughtSignature) > 0 {
							if !out.send(ctx, models.ThinkingSignatureEvent(part.ThoughtSignature)) {
								return true, nil
							}
						}
					} else {
						if !out.send(ctx, models.TextDeltaEvent(part.Text)) {
							return true, nil
						}
						emitted = true
					}
				}

				if part.FunctionCall != nil {
					// Gemini delivers function calls whole, not as
					// deltas, and usually without ids.
					id := part.FunctionCall.ID
					if id == "" {
						id = "call_" + uuid.NewString()
					}
					args, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						args = []byte("{}")
					}
					if !out.send(ctx, models.ToolCallStartEvent(id, part.FunctionCall.Name)) {
						return true, nil
					}
					emitted = true
					if !out.send(ctx, models.ToolCallEndEvent(id, part.FunctionCall.Name, args)) {
						return true, nil
					}
					sawTool = true
				}
			}
		}
	}

	if sawTool {
		stopReason = models.StopToolUse
	}
	out.send(ctx, models.UsageEvent(usage))
	out.finish(models.StopEvent(stopReason))
	return true, nil
}

// classifyGemini maps genai API errors onto the provider taxonomy using the
// HTTP status the SDK carries.
func classifyGemini(err error) *ProviderError {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return Classify("google", apiErr.Code, err)
	}
	return Classify("google", 0, err)
}

// convertGeminiContents maps the canonical history to Gemini contents.
// Assistant messages become "model" role; tool results ride on the user side
// as function responses; thinking parts are replayed with their signatures.
func convertGeminiContents(history []models.Message) ([]*genai.Content, error) {
	var result []*genai.Content

	for _, msg := range history {
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		for _, part := range msg.Parts {
			switch part.Type {
			case models.PartText:
				if part.Text != "" {
					content.Parts = append(content.Parts, &genai.Part{Text: part.Text})
				}
			case models.PartThinking:
				content.Parts = append(content.Parts, &genai.Part{
					Text:             part.Text,
					Thought:          true,
					ThoughtSignature: part.Signature,
				})
			case models.PartToolCall:
				var args map[string]any
				if err := json.Unmarshal(part.Args, &args); err != nil {
					return nil, fmt.Errorf("tool call %s: invalid input: %w", part.ID, err)
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   part.ID,
						Name: part.Name,
						Args: args,
					},
				})
			case models.PartToolResult:
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:   part.ID,
						Name: part.Name,
						Response: map[string]any{
							"result":   part.Content,
							"is_error": part.IsError,
						},
					},
				})
			case models.PartImage, models.PartDocument:
				content.Parts = append(content.Parts, &genai.Part{
					InlineData: &genai.Blob{
						MIMEType: part.MimeType,
						Data:     part.Data,
					},
				})
			}
		}
		if len(content.Parts) == 0 {
			continue
		}
		result = append(result, content)
	}
	return result, nil
}

// toGeminiSchema converts a JSON Schema map to Gemini's typed schema.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}
