package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/ensemble/internal/catalog"
	"github.com/haasonsaas/ensemble/internal/tools"
	"github.com/haasonsaas/ensemble/pkg/models"
)

const (
	// anthropicMinThinkingBudget is the API's floor; smaller requests are
	// raised to it rather than rejected.
	anthropicMinThinkingBudget = 1024

	anthropicDefaultMaxTokens = 8192
)

// anthropicThinkingLevels maps qualitative effort levels onto token budgets
// so /think low|medium|high works uniformly across providers.
var anthropicThinkingLevels = map[string]int{
	"low":    2048,
	"medium": 10000,
	"high":   24000,
}

// AnthropicAdapter streams completions from the Anthropic Messages API.
type AnthropicAdapter struct {
	base
	client  anthropic.Client
	resolve ModelResolver

	toolsMu  sync.RWMutex
	toolDefs []anthropic.ToolUnionParam
}

// NewAnthropicAdapter builds an adapter for the Anthropic API. baseURL is
// optional and overrides the default endpoint.
func NewAnthropicAdapter(apiKey, baseURL string, resolve ModelResolver, logger *slog.Logger) (*AnthropicAdapter, error) {
	if apiKey == "" {
		return nil, NewProviderError("anthropic", ReasonAuth, fmt.Errorf("API key is required"))
	}

	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	return &AnthropicAdapter{
		base:    newBase(logger, "provider.anthropic"),
		client:  anthropic.NewClient(options...),
		resolve: resolve,
	}, nil
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

// RegisterTool translates the descriptor schema into an Anthropic tool param.
func (a *AnthropicAdapter) RegisterTool(d tools.Descriptor) error {
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(d.InputSchema, &schema); err != nil {
		return fmt.Errorf("anthropic: invalid schema for tool %s: %w", d.Name, err)
	}

	param := anthropic.ToolUnionParamOfTool(schema, d.Name)
	if param.OfTool == nil {
		return fmt.Errorf("anthropic: tool %s produced no definition", d.Name)
	}
	param.OfTool.Description = anthropic.String(d.Description)

	a.toolsMu.Lock()
	defer a.toolsMu.Unlock()
	a.toolDefs = append(a.toolDefs, param)
	return nil
}

func (a *AnthropicAdapter) ClearTools() {
	a.toolsMu.Lock()
	defer a.toolsMu.Unlock()
	a.toolDefs = nil
}

// SetThinking accepts budgets and effort levels. Budgets below the API floor
// are raised to it with a warning.
func (a *AnthropicAdapter) SetThinking(s ThinkingSetting) bool {
	if s.Disabled {
		a.setThinking(s)
		return true
	}
	if m := a.resolve(); !m.Has(catalog.CapThinking) {
		return false
	}
	if s.Level != "" {
		budget, ok := anthropicThinkingLevels[s.Level]
		if !ok {
			return false
		}
		s = ThinkingSetting{Budget: budget}
	}
	if s.Budget > 0 && s.Budget < anthropicMinThinkingBudget {
		a.logger.Warn("thinking budget below minimum, raising",
			"requested", s.Budget, "minimum", anthropicMinThinkingBudget)
		s.Budget = anthropicMinThinkingBudget
	}
	a.setThinking(s)
	return true
}

func (a *AnthropicAdapter) CountTokens(history []models.Message) int {
	return estimateTokens(history)
}

// Stream starts a Messages API completion over the history.
func (a *AnthropicAdapter) Stream(ctx context.Context, history []models.Message) (Stream, error) {
	messages, err := convertAnthropicMessages(history)
	if err != nil {
		return nil, NewProviderError("anthropic", ReasonInvalidRequest, err)
	}

	model := a.resolve()
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model.ID),
		Messages:  messages,
		MaxTokens: int64(anthropicDefaultMaxTokens),
	}
	if sys := a.systemPrompt(); sys != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: sys}}
	}
	if t := a.temperatureSetting(); t != nil {
		params.Temperature = anthropic.Float(*t)
	}

	a.toolsMu.RLock()
	if len(a.toolDefs) > 0 {
		params.Tools = append([]anthropic.ToolUnionParam(nil), a.toolDefs...)
	}
	a.toolsMu.RUnlock()

	if setting := a.thinkingSetting(); !setting.Off() {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(setting.Budget))
	}

	streamCtx, cancel := context.WithCancel(ctx)
	out := newEventStream(streamCtx, cancel)

	sse := a.client.Messages.NewStreaming(streamCtx, params)
	go a.pump(streamCtx, sse, out)
	return out, nil
}

// maxEmptyStreamEvents guards against malformed streams that flood with
// events carrying no content.
const maxEmptyStreamEvents = 300

// pump consumes the SSE stream and normalizes events. Tool input JSON is
// accumulated across input_json_delta events and finalized at block stop;
// thinking text and its signature stream separately.
func (a *AnthropicAdapter) pump(ctx context.Context, sse *ssestream.Stream[anthropic.MessageStreamEventUnion], out *eventStream) {
	defer sse.Close()

	var (
		currentToolID   string
		currentToolName string
		toolInput       strings.Builder
		inThinking      bool
		emptyEvents     int
		inputTokens     int
		outputTokens    int
		stopReason      = models.StopEndTurn
	)

	for sse.Next() {
		event := sse.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
				processed = true
			case "tool_use":
				toolUse := block.AsToolUse()
				currentToolID = toolUse.ID
				currentToolName = toolUse.Name
				toolInput.Reset()
				if !out.send(ctx, models.ToolCallStartEvent(toolUse.ID, toolUse.Name)) {
					return
				}
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !out.send(ctx, models.TextDeltaEvent(delta.Text)) {
						return
					}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					if !out.send(ctx, models.ThinkingDeltaEvent(delta.Thinking)) {
						return
					}
					processed = true
				}
			case "signature_delta":
				if delta.Signature != "" {
					if !out.send(ctx, models.ThinkingSignatureEvent([]byte(delta.Signature))) {
						return
					}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					if !out.send(ctx, models.ToolCallArgsDeltaEvent(currentToolID, delta.PartialJSON)) {
						return
					}
					processed = true
				}
			}

		case "content_block_stop":
			if inThinking {
				inThinking = false
				processed = true
			} else if currentToolID != "" {
				args := toolInput.String()
				if args == "" {
					args = "{}"
				}
				if !out.send(ctx, models.ToolCallEndEvent(currentToolID, currentToolName, json.RawMessage(args))) {
					return
				}
				currentToolID = ""
				currentToolName = ""
				stopReason = models.StopToolUse
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}
			switch delta.Delta.StopReason {
			case "tool_use":
				stopReason = models.StopToolUse
			case "max_tokens":
				stopReason = models.StopMaxTokens
			}
			processed = true

		case "message_stop":
			out.send(ctx, models.UsageEvent(models.Usage{InputTokens: inputTokens, OutputTokens: outputTokens}))
			out.finish(models.StopEvent(stopReason))
			return

		case "error":
			out.finish(models.StopErrorEvent(NewProviderError("anthropic", ReasonServer, fmt.Errorf("stream error"))))
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				out.finish(models.StopErrorEvent(NewProviderError("anthropic", ReasonServer,
					fmt.Errorf("malformed stream: %d consecutive empty events", emptyEvents))))
				return
			}
		}
	}

	if err := sse.Err(); err != nil {
		out.finish(models.StopErrorEvent(Classify("anthropic", 0, err)))
		return
	}
	// Stream ended without message_stop; treat as a clean finish.
	out.send(ctx, models.UsageEvent(models.Usage{InputTokens: inputTokens, OutputTokens: outputTokens}))
	out.finish(models.StopEvent(stopReason))
}

// convertAnthropicMessages maps the canonical history to Messages API params.
// System messages are skipped (carried in params.System); thinking parts are
// replayed verbatim with their signatures so multi-step tool turns validate.
func convertAnthropicMessages(history []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range history {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, part := range msg.Parts {
			switch part.Type {
			case models.PartText:
				if part.Text != "" {
					content = append(content, anthropic.NewTextBlock(part.Text))
				}
			case models.PartThinking:
				if len(part.Signature) > 0 {
					content = append(content, anthropic.NewThinkingBlock(string(part.Signature), part.Text))
				}
			case models.PartToolCall:
				var input map[string]any
				if err := json.Unmarshal(part.Args, &input); err != nil {
					return nil, fmt.Errorf("tool call %s: invalid input: %w", part.ID, err)
				}
				content = append(content, anthropic.NewToolUseBlock(part.ID, input, part.Name))
			case models.PartToolResult:
				content = append(content, anthropic.NewToolResultBlock(part.ID, part.Content, part.IsError))
			case models.PartImage:
				encoded := base64.StdEncoding.EncodeToString(part.Data)
				content = append(content, anthropic.NewImageBlockBase64(part.MimeType, encoded))
			case models.PartDocument:
				// Non-image attachments are inlined as text when printable.
				content = append(content, anthropic.NewTextBlock(
					fmt.Sprintf("[attached file: %s]\n%s", part.Name, string(part.Data))))
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool roles both map to user messages.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}
