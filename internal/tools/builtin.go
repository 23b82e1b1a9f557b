package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

// TransferToolName is the reserved tool name the engine intercepts to hand a
// conversation to another agent. The descriptor has no handler; it exists so
// providers receive its schema.
const TransferToolName = "transfer"

// TransferArgs is the argument shape of the transfer tool.
type TransferArgs struct {
	TargetAgent      string `json:"target_agent" jsonschema:"required,description=Name of the agent to hand the conversation to"`
	Task             string `json:"task" jsonschema:"required,description=Instruction for the target agent"`
	RelevantMessages []int  `json:"relevant_messages,omitempty" jsonschema:"description=Indices into your own history to share with the target agent"`
}

// TransferDescriptor returns the transfer tool descriptor. It is registered
// with a nil handler; the turn engine intercepts calls before invocation.
func TransferDescriptor() Descriptor {
	return Descriptor{
		Name:             TransferToolName,
		Description:      "Hand the conversation to another agent better suited for the task. Select the relevant messages from your history to share as context.",
		InputSchema:      MustSchema[TransferArgs](),
		Source:           SourceBuiltin,
		EnabledForAgents: []string{WildcardAgents},
	}
}

// webSearchArgs is the argument shape of the web_search tool.
type webSearchArgs struct {
	Query      string `json:"query" jsonschema:"required,description=The search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum number of results (default 5)"`
}

const tavilyEndpoint = "https://api.tavily.com/search"

type tavilyResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type tavilyResponse struct {
	Answer  string         `json:"answer"`
	Results []tavilyResult `json:"results"`
}

// NewWebSearchTool returns the web_search descriptor backed by the Tavily
// search API. The handler degrades to an error result when the key is empty.
func NewWebSearchTool(apiKey string, client *http.Client) Descriptor {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}

	handler := func(ctx context.Context, args json.RawMessage) (*Result, error) {
		if apiKey == "" {
			return ErrorResult("web_search unavailable: TAVILY_API_KEY is not configured"), nil
		}

		var in webSearchArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		if in.MaxResults <= 0 {
			in.MaxResults = 5
		}

		body, err := json.Marshal(map[string]any{
			"api_key":        apiKey,
			"query":          in.Query,
			"max_results":    in.MaxResults,
			"include_answer": true,
		})
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, tavilyEndpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return ErrorResult(fmt.Sprintf("web_search failed: HTTP %d", resp.StatusCode)), nil
		}

		var out tavilyResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}

		var b strings.Builder
		if out.Answer != "" {
			b.WriteString(out.Answer)
			b.WriteString("\n\n")
		}
		for i, r := range out.Results {
			fmt.Fprintf(&b, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Content)
		}
		if b.Len() == 0 {
			b.WriteString("no results")
		}
		return &Result{Content: strings.TrimSpace(b.String())}, nil
	}

	return Descriptor{
		Name:             "web_search",
		Description:      "Search the web for current information. Returns a summary and the top results with URLs.",
		InputSchema:      MustSchema[webSearchArgs](),
		Handler:          handler,
		Source:           SourceBuiltin,
		EnabledForAgents: []string{WildcardAgents},
	}
}

// webFetchArgs is the argument shape of the web_fetch tool.
type webFetchArgs struct {
	URL string `json:"url" jsonschema:"required,description=The URL to fetch"`
}

// maxFetchedText caps the extracted text returned to the model.
const maxFetchedText = 20000

// NewWebFetchTool returns the web_fetch descriptor: fetch a URL and extract
// its readable text.
func NewWebFetchTool(client *http.Client) Descriptor {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}

	handler := func(ctx context.Context, args json.RawMessage) (*Result, error) {
		var in webFetchArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}

		parsed, err := url.Parse(in.URL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return ErrorResult(fmt.Sprintf("web_fetch: invalid URL %q", in.URL)), nil
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return ErrorResult(fmt.Sprintf("web_fetch failed: HTTP %d for %s", resp.StatusCode, in.URL)), nil
		}

		article, err := readability.FromReader(resp.Body, parsed)
		if err != nil {
			return ErrorResult(fmt.Sprintf("web_fetch: could not extract readable text: %v", err)), nil
		}

		text := strings.TrimSpace(article.TextContent)
		if len(text) > maxFetchedText {
			text = text[:maxFetchedText] + "\n[truncated]"
		}
		if article.Title != "" {
			text = article.Title + "\n\n" + text
		}
		return &Result{Content: text}, nil
	}

	return Descriptor{
		Name:             "web_fetch",
		Description:      "Fetch a web page and return its readable text content.",
		InputSchema:      MustSchema[webFetchArgs](),
		Handler:          handler,
		Source:           SourceBuiltin,
		EnabledForAgents: []string{WildcardAgents},
	}
}

// Reconnector relaunches disconnected MCP servers on demand. Implemented by
// the MCP supervisor; declared here to avoid an import cycle.
type Reconnector interface {
	Reconnect(ctx context.Context, serverID string) error
}

// mcpReconnectArgs is the argument shape of the mcp_reconnect tool.
type mcpReconnectArgs struct {
	Server string `json:"server" jsonschema:"required,description=ID of the MCP server to reconnect"`
}

// NewMCPReconnectTool returns the mcp_reconnect descriptor, the manual
// reconnect path for MCP servers that have exited.
func NewMCPReconnectTool(r Reconnector) Descriptor {
	handler := func(ctx context.Context, args json.RawMessage) (*Result, error) {
		var in mcpReconnectArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		if err := r.Reconnect(ctx, in.Server); err != nil {
			return ErrorResult(fmt.Sprintf("reconnect %s: %v", in.Server, err)), nil
		}
		return &Result{Content: fmt.Sprintf("mcp server '%s' reconnected", in.Server)}, nil
	}

	return Descriptor{
		Name:             "mcp_reconnect",
		Description:      "Relaunch a disconnected MCP tool server by id.",
		InputSchema:      MustSchema[mcpReconnectArgs](),
		Handler:          handler,
		Source:           SourceBuiltin,
		EnabledForAgents: []string{WildcardAgents},
	}
}
