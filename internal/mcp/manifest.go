// Package mcp supervises Model Context Protocol tool servers: it launches
// them as subprocesses, performs the protocol handshake, and proxies their
// tools into the tool registry under namespaced names.
package mcp

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// ServerConfig describes one MCP server entry in the manifest.
type ServerConfig struct {
	// Name is a human-readable label; defaults to the server id.
	Name string `json:"name,omitempty"`

	// Command is the executable to launch.
	Command string `json:"command"`

	// Args are the command arguments.
	Args []string `json:"args,omitempty"`

	// Env is extra environment for the subprocess, merged over the parent
	// environment. Values support ${VAR} expansion.
	Env map[string]string `json:"env,omitempty"`

	// EnabledForAgents restricts the server's tools to the named agents.
	// Empty means all agents.
	EnabledForAgents []string `json:"enabled_for_agents,omitempty"`
}

// Manifest maps server ids to their configurations.
type Manifest map[string]ServerConfig

var serverIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ParseManifest parses a JSON5 manifest document.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json5.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("mcp manifest: %w", err)
	}
	for id, cfg := range m {
		if !serverIDPattern.MatchString(id) {
			return nil, fmt.Errorf("mcp manifest: invalid server id %q", id)
		}
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, fmt.Errorf("mcp manifest: server %q has no command", id)
		}
	}
	return m, nil
}

// LoadManifest reads and parses a manifest file. A missing file yields an
// empty manifest, not an error.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, nil
		}
		return nil, fmt.Errorf("mcp manifest: %w", err)
	}
	return ParseManifest(data)
}

// environ renders the subprocess environment: the parent environment with
// the config entries appended, ${VAR} references expanded.
func (c ServerConfig) environ() []string {
	env := os.Environ()
	for k, v := range c.Env {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

// ToolName renders the namespaced registry name for a server's tool.
func ToolName(serverID, tool string) string {
	return serverID + "." + tool
}
