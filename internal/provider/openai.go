package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/ensemble/internal/tools"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// OpenAIAdapter streams completions from any Chat Completions compatible
// endpoint. One implementation serves "openai" itself plus Groq, DeepInfra,
// and user-configured compatible providers; only the base URL and the
// reasoning-effort capability differ.
type OpenAIAdapter struct {
	base
	client *openai.Client
	name   string

	// supportsReasoning gates the reasoning_effort request field. False for
	// Groq, DeepInfra, and custom endpoints.
	supportsReasoning bool

	resolve ModelResolver

	toolsMu  sync.RWMutex
	toolDefs []openai.Tool
}

// OpenAICompatConfig configures an OpenAI-compatible adapter.
type OpenAICompatConfig struct {
	// Name is the provider identifier ("openai", "groq", "deepinfra", or a
	// custom provider name).
	Name string

	APIKey string

	// BaseURL overrides the endpoint; empty means api.openai.com.
	BaseURL string

	// SupportsReasoning enables the reasoning_effort field. Only the real
	// OpenAI endpoint honors it.
	SupportsReasoning bool
}

// GroqBaseURL and DeepInfraBaseURL are the fixed endpoints of the bundled
// compatible providers.
const (
	GroqBaseURL      = "https://api.groq.com/openai/v1"
	DeepInfraBaseURL = "https://api.deepinfra.com/v1/openai"
)

// NewOpenAIAdapter builds an adapter for a Chat Completions endpoint.
func NewOpenAIAdapter(cfg OpenAICompatConfig, resolve ModelResolver, logger *slog.Logger) (*OpenAIAdapter, error) {
	if cfg.APIKey == "" {
		return nil, NewProviderError(cfg.Name, ReasonAuth, fmt.Errorf("API key is required"))
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIAdapter{
		base:              newBase(logger, "provider."+cfg.Name),
		client:            openai.NewClientWithConfig(clientCfg),
		name:              cfg.Name,
		supportsReasoning: cfg.SupportsReasoning,
		resolve:           resolve,
	}, nil
}

func (a *OpenAIAdapter) Name() string { return a.name }

// RegisterTool translates the descriptor into a function tool definition.
func (a *OpenAIAdapter) RegisterTool(d tools.Descriptor) error {
	var params map[string]any
	if err := json.Unmarshal(d.InputSchema, &params); err != nil {
		return fmt.Errorf("%s: invalid schema for tool %s: %w", a.name, d.Name, err)
	}

	a.toolsMu.Lock()
	defer a.toolsMu.Unlock()
	a.toolDefs = append(a.toolDefs, openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
		},
	})
	return nil
}

func (a *OpenAIAdapter) ClearTools() {
	a.toolsMu.Lock()
	defer a.toolsMu.Unlock()
	a.toolDefs = nil
}

// SetThinking accepts effort levels on the real OpenAI endpoint only. Numeric
// budgets have no Chat Completions equivalent and are rejected.
func (a *OpenAIAdapter) SetThinking(s ThinkingSetting) bool {
	if s.Disabled {
		a.setThinking(s)
		return true
	}
	if !a.supportsReasoning {
		return false
	}
	if s.Level == "" {
		return false
	}
	a.setThinking(s)
	return true
}

func (a *OpenAIAdapter) CountTokens(history []models.Message) int {
	return estimateTokens(history)
}

// Stream starts a Chat Completions stream over the history.
func (a *OpenAIAdapter) Stream(ctx context.Context, history []models.Message) (Stream, error) {
	messages, err := a.convertMessages(history)
	if err != nil {
		return nil, NewProviderError(a.name, ReasonInvalidRequest, err)
	}

	req := openai.ChatCompletionRequest{
		Model:    a.resolve().ID,
		Messages: messages,
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	a.toolsMu.RLock()
	if len(a.toolDefs) > 0 {
		req.Tools = append([]openai.Tool(nil), a.toolDefs...)
	}
	a.toolsMu.RUnlock()

	if setting := a.thinkingSetting(); !setting.Off() && a.supportsReasoning {
		req.ReasoningEffort = setting.Level
	}

	if t := a.temperatureSetting(); t != nil {
		req.Temperature = float32(*t)
		if *t == 0 {
			// The field is omitempty, so an exact zero would vanish from the
			// request; the smallest nonzero float survives serialization and
			// is indistinguishable from zero to the backend.
			req.Temperature = math.SmallestNonzeroFloat32
		}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	var sse *openai.ChatCompletionStream
	err = a.withRetry(streamCtx, func() error {
		var streamErr error
		sse, streamErr = a.client.CreateChatCompletionStream(streamCtx, req)
		if streamErr != nil {
			return a.wrapError(streamErr)
		}
		return nil
	})
	if err != nil {
		cancel()
		return nil, err
	}

	out := newEventStream(streamCtx, cancel)
	go a.pump(streamCtx, sse, out)
	return out, nil
}

// wrapError classifies go-openai errors, preserving HTTP status codes.
func (a *OpenAIAdapter) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return Classify(a.name, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return Classify(a.name, reqErr.HTTPStatusCode, err)
	}
	return Classify(a.name, 0, err)
}

// pendingToolCall accumulates one tool call's fragments across chunks.
type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

// pump consumes the chat stream. Tool calls arrive fragmented and indexed;
// they are accumulated and flushed in index order when the finish reason
// arrives (or at EOF).
func (a *OpenAIAdapter) pump(ctx context.Context, sse *openai.ChatCompletionStream, out *eventStream) {
	defer sse.Close()

	pending := make(map[int]*pendingToolCall)
	var usage models.Usage
	stopReason := models.StopEndTurn

	flush := func() bool {
		indices := make([]int, 0, len(pending))
		for i := range pending {
			indices = append(indices, i)
		}
		sort.Ints(indices)
		for _, i := range indices {
			tc := pending[i]
			if tc.id == "" || tc.name == "" {
				continue
			}
			args := tc.args.String()
			if args == "" {
				args = "{}"
			}
			if !out.send(ctx, models.ToolCallEndEvent(tc.id, tc.name, json.RawMessage(args))) {
				return false
			}
		}
		pending = make(map[int]*pendingToolCall)
		return true
	}

	for {
		response, err := sse.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !flush() {
					return
				}
				out.send(ctx, models.UsageEvent(usage))
				out.finish(models.StopEvent(stopReason))
				return
			}
			out.finish(models.StopErrorEvent(a.wrapError(err)))
			return
		}

		// The usage-only chunk arrives last with no choices.
		if response.Usage != nil {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			if !out.send(ctx, models.TextDeltaEvent(delta.Content)) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			p := pending[index]
			if p == nil {
				p = &pendingToolCall{}
				pending[index] = p
			}
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
				if !out.send(ctx, models.ToolCallStartEvent(p.id, p.name)) {
					return
				}
			}
			if tc.Function.Arguments != "" {
				p.args.WriteString(tc.Function.Arguments)
				if !out.send(ctx, models.ToolCallArgsDeltaEvent(p.id, tc.Function.Arguments)) {
					return
				}
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			stopReason = models.StopToolUse
			if !flush() {
				return
			}
		case openai.FinishReasonLength:
			stopReason = models.StopMaxTokens
		case openai.FinishReasonStop:
			stopReason = models.StopEndTurn
		}
	}
}

// convertMessages maps the canonical history to Chat Completions messages.
// The system prompt becomes the leading system message; each tool result
// becomes a separate tool-role message referencing its call id.
func (a *OpenAIAdapter) convertMessages(history []models.Message) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(history)+1)

	adapterSystem := a.systemPrompt()
	if adapterSystem != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: adapterSystem,
		})
	}

	for _, msg := range history {
		switch msg.Role {
		case models.RoleSystem:
			// When the adapter already carries a system prompt the history
			// copy is redundant; after a transfer both hold the same text.
			if adapterSystem != "" {
				continue
			}
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Text(),
			})

		case models.RoleUser:
			oaiMsg, err := convertOpenAIUserMessage(msg)
			if err != nil {
				return nil, err
			}
			result = append(result, oaiMsg)

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Text(),
			}
			// Thinking parts are provider-private; they are not replayed to
			// Chat Completions endpoints.
			for _, part := range msg.Parts {
				if part.Type != models.PartToolCall {
					continue
				}
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   part.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      part.Name,
						Arguments: string(part.Args),
					},
				})
			}
			result = append(result, oaiMsg)

		case models.RoleTool:
			for _, part := range msg.Parts {
				if part.Type != models.PartToolResult {
					continue
				}
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    part.Content,
					ToolCallID: part.ID,
				})
			}
		}
	}
	return result, nil
}

func convertOpenAIUserMessage(msg models.Message) (openai.ChatCompletionMessage, error) {
	hasMedia := false
	for _, part := range msg.Parts {
		if part.Type == models.PartImage {
			hasMedia = true
			break
		}
	}

	if !hasMedia {
		text := msg.Text()
		for _, part := range msg.Parts {
			if part.Type == models.PartDocument {
				text += fmt.Sprintf("\n[attached file: %s]\n%s", part.Name, string(part.Data))
			}
		}
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: text,
		}, nil
	}

	var parts []openai.ChatMessagePart
	for _, part := range msg.Parts {
		switch part.Type {
		case models.PartText:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: part.Text,
			})
		case models.PartImage:
			encoded := base64.StdEncoding.EncodeToString(part.Data)
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    fmt.Sprintf("data:%s;base64,%s", part.MimeType, encoded),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		case models.PartDocument:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: fmt.Sprintf("[attached file: %s]\n%s", part.Name, string(part.Data)),
			})
		}
	}
	return openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	}, nil
}
