// Package config loads the three user-facing configuration surfaces: the
// global JSON config (API keys and custom providers), the agent roster
// (TOML first-class, JSON and YAML accepted), and path resolution under
// ~/.ensemble with environment overrides.
package config

import (
	"os"
	"path/filepath"
)

// Environment overrides for the default file locations.
const (
	EnvGlobalConfig = "ENSEMBLE_CONFIG"
	EnvAgentsConfig = "ENSEMBLE_AGENTS_CONFIG"
	EnvMCPConfig    = "ENSEMBLE_MCP_CONFIG"
	EnvDataDir      = "ENSEMBLE_DATA_DIR"
)

const appDirName = ".ensemble"

// BaseDir returns ~/.ensemble, creating it if needed.
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, appDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func resolve(env, filename string) (string, error) {
	if p := os.Getenv(env); p != "" {
		return p, nil
	}
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, filename), nil
}

// GlobalConfigPath returns the global config location.
func GlobalConfigPath() (string, error) {
	return resolve(EnvGlobalConfig, "config.json")
}

// AgentsConfigPath returns the agent roster location.
func AgentsConfigPath() (string, error) {
	return resolve(EnvAgentsConfig, "agents.toml")
}

// MCPConfigPath returns the MCP servers manifest location.
func MCPConfigPath() (string, error) {
	return resolve(EnvMCPConfig, "mcp_servers.json")
}

// DataDir returns the conversation storage directory.
func DataDir() (string, error) {
	if p := os.Getenv(EnvDataDir); p != "" {
		return p, nil
	}
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "conversations"), nil
}
