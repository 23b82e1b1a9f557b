package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcpproto "github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/ensemble/internal/tools"
)

const (
	protocolVersion = "2024-11-05"

	// handshakeTimeout bounds launch + initialize + tool listing per server.
	handshakeTimeout = 30 * time.Second

	clientName = "ensemble"
)

// ClientVersion is reported to servers during the handshake.
var ClientVersion = "dev"

// serverState tracks one launched server.
type serverState struct {
	config    ServerConfig
	client    *client.Client
	connected bool
	toolNames []string
}

// ServerStatus is the externally visible state of one server.
type ServerStatus struct {
	ID        string
	Name      string
	Connected bool
	Tools     []string
}

// Supervisor launches MCP servers and proxies their tools into the registry.
// Dead servers are not relaunched automatically; the mcp_reconnect tool (or
// Reconnect) brings them back on demand.
type Supervisor struct {
	registry *tools.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	servers map[string]*serverState
}

// NewSupervisor creates a supervisor over the manifest. No servers are
// launched until LaunchAll.
func NewSupervisor(manifest Manifest, registry *tools.Registry, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		registry: registry,
		logger:   logger.With("component", "mcp"),
		servers:  make(map[string]*serverState),
	}
	for id, cfg := range manifest {
		if cfg.Name == "" {
			cfg.Name = id
		}
		s.servers[id] = &serverState{config: cfg}
	}
	return s
}

// LaunchAll starts every configured server concurrently. Individual launch
// failures are logged and leave the server disconnected; they do not abort
// the others.
func (s *Supervisor) LaunchAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.servers))
	for id := range s.servers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if err := s.launch(gctx, id); err != nil {
				s.logger.Warn("mcp server failed to start", "server", id, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// Reconnect relaunches a disconnected server. Connected servers are left
// alone.
func (s *Supervisor) Reconnect(ctx context.Context, serverID string) error {
	s.mu.Lock()
	state, ok := s.servers[serverID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown mcp server %q", serverID)
	}
	if state.connected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.launch(ctx, serverID)
}

// launch starts one server, performs the handshake, and registers its tools.
func (s *Supervisor) launch(ctx context.Context, id string) error {
	s.mu.Lock()
	state := s.servers[id]
	cfg := state.config
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	mcpClient, err := client.NewStdioMCPClient(cfg.Command, cfg.environ(), cfg.Args...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		mcpClient.Close()
		return fmt.Errorf("start: %w", err)
	}

	initReq := mcpproto.InitializeRequest{}
	initReq.Params.ClientInfo = mcpproto.Implementation{
		Name:    clientName,
		Version: ClientVersion,
	}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcpproto.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	enabledFor := cfg.EnabledForAgents
	if len(enabledFor) == 0 {
		enabledFor = []string{tools.WildcardAgents}
	}

	var registered []string
	for _, remote := range listResp.Tools {
		name := ToolName(id, remote.Name)
		schema, schemaErr := json.Marshal(remote.InputSchema)
		if schemaErr != nil {
			s.logger.Warn("skipping mcp tool with unusable schema",
				"server", id, "tool", remote.Name, "error", schemaErr)
			continue
		}

		d := tools.Descriptor{
			Name:             name,
			Description:      remote.Description,
			InputSchema:      schema,
			Handler:          s.proxyHandler(id, remote.Name),
			Source:           "mcp:" + id,
			EnabledForAgents: enabledFor,
			Timeout:          tools.DefaultMCPTimeout,
		}
		if err := s.registry.Register(d); err != nil {
			s.logger.Warn("could not register mcp tool", "tool", name, "error", err)
			continue
		}
		registered = append(registered, name)
	}

	s.mu.Lock()
	state.client = mcpClient
	state.connected = true
	state.toolNames = registered
	s.mu.Unlock()

	s.logger.Info("mcp server connected", "server", id, "tools", len(registered))
	return nil
}

// proxyHandler builds the registry handler that forwards an invocation to
// the subprocess.
func (s *Supervisor) proxyHandler(serverID, toolName string) tools.Handler {
	return func(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
		s.mu.Lock()
		state, ok := s.servers[serverID]
		var mcpClient *client.Client
		if ok && state.connected {
			mcpClient = state.client
		}
		s.mu.Unlock()

		if mcpClient == nil {
			return tools.ErrorResult(fmt.Sprintf("mcp server '%s' unavailable", serverID)), nil
		}

		var decoded map[string]any
		if len(args) > 0 {
			if err := json.Unmarshal(args, &decoded); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
		}

		req := mcpproto.CallToolRequest{}
		req.Params.Name = toolName
		req.Params.Arguments = decoded

		resp, err := mcpClient.CallTool(ctx, req)
		if err != nil {
			// The subprocess is likely gone; drop its tools until a
			// manual reconnect.
			s.markDisconnected(serverID, err)
			return tools.ErrorResult(fmt.Sprintf("mcp server '%s' unavailable", serverID)), nil
		}

		return &tools.Result{
			Content: FormatResult(resp),
			IsError: resp.IsError,
		}, nil
	}
}

// markDisconnected records the server as down and unregisters its tools.
func (s *Supervisor) markDisconnected(serverID string, cause error) {
	s.mu.Lock()
	state, ok := s.servers[serverID]
	if !ok || !state.connected {
		s.mu.Unlock()
		return
	}
	state.connected = false
	if state.client != nil {
		state.client.Close()
		state.client = nil
	}
	state.toolNames = nil
	s.mu.Unlock()

	removed := s.registry.UnregisterPrefix(serverID + ".")
	s.logger.Warn("mcp server disconnected",
		"server", serverID, "removed_tools", len(removed), "error", cause)
}

// Status reports every configured server's state, keyed by id.
func (s *Supervisor) Status() map[string]ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]ServerStatus, len(s.servers))
	for id, state := range s.servers {
		out[id] = ServerStatus{
			ID:        id,
			Name:      state.config.Name,
			Connected: state.connected,
			Tools:     append([]string(nil), state.toolNames...),
		}
	}
	return out
}

// Shutdown closes every connected server.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, state := range s.servers {
		if state.client != nil {
			if err := state.client.Close(); err != nil {
				s.logger.Debug("closing mcp server", "server", id, "error", err)
			}
			state.client = nil
		}
		state.connected = false
	}
}

// FormatResult renders a tool result's content blocks as text. Non-text
// blocks are summarized by type.
func FormatResult(resp *mcpproto.CallToolResult) string {
	var b strings.Builder
	for _, content := range resp.Content {
		switch c := content.(type) {
		case mcpproto.TextContent:
			b.WriteString(c.Text)
		case mcpproto.ImageContent:
			fmt.Fprintf(&b, "[image: %s]", c.MIMEType)
		default:
			fmt.Fprintf(&b, "[%T]", content)
		}
	}
	return b.String()
}
