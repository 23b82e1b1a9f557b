// Command ensemble is a multi-agent LLM runtime: an interactive chat REPL
// over configurable agents, tools, and providers, plus an A2A server that
// exposes the same agents to other processes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/ensemble/internal/config"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

// Exit codes.
const (
	exitOK          = 0
	exitConfig      = 1
	exitCredentials = 2
	exitInternal    = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	root := buildRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ensemble: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var ce *config.ConfigError
	if errors.As(err, &ce) {
		return exitConfig
	}
	if errors.Is(err, errNoCredentials) {
		return exitCredentials
	}
	return exitInternal
}

func buildRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ensemble",
		Short:         "Multi-agent LLM runtime",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(buildChatCmd(), buildA2AServerCmd())
	return cmd
}

// sessionFlags are shared by chat and a2a-server.
type sessionFlags struct {
	provider    string
	agentConfig string
	mcpConfig   string
	debug       bool
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.provider, "provider", "",
		"LLM provider (default: auto-detect from available keys)")
	cmd.Flags().StringVar(&f.agentConfig, "agent-config", "",
		"Path to the agent roster (default: ~/.ensemble/agents.toml)")
	cmd.Flags().StringVar(&f.mcpConfig, "mcp-config", "",
		"Path to the MCP servers manifest (default: ~/.ensemble/mcp_servers.json)")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "Enable debug logging")
}
