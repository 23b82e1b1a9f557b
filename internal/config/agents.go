package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/ensemble/internal/agents"
	"github.com/haasonsaas/ensemble/internal/tools"
)

// AgentRecord is one [[agents]] entry in the roster file.
type AgentRecord struct {
	Name           string   `toml:"name" json:"name" yaml:"name"`
	Description    string   `toml:"description" json:"description" yaml:"description"`
	Tools          []string `toml:"tools" json:"tools" yaml:"tools"`
	SystemPrompt   string   `toml:"system_prompt" json:"system_prompt" yaml:"system_prompt"`
	Temperature    *float64 `toml:"temperature" json:"temperature" yaml:"temperature"`
	RemoteEndpoint string   `toml:"remote_endpoint" json:"remote_endpoint" yaml:"remote_endpoint"`
	Enabled        *bool    `toml:"enabled" json:"enabled" yaml:"enabled"`
}

// AgentsFile is the agent roster.
type AgentsFile struct {
	Agents []AgentRecord `toml:"agents" json:"agents" yaml:"agents"`
}

// defaultAgentsTOML is written when no roster exists yet.
const defaultAgentsTOML = `# Agent roster. Add more [[agents]] blocks to run a multi-agent setup.

[[agents]]
name = "default"
description = "General-purpose assistant"
system_prompt = """
You are a helpful assistant. Today is {current_date}.
"""
`

// LoadAgents reads the roster, creating the default file when path does not
// exist and its directory is writable. The format follows the extension:
// TOML by default, .json and .yaml/.yml also accepted. Environment
// references in string values are expanded.
func LoadAgents(path string) (*AgentsFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if werr := os.WriteFile(path, []byte(defaultAgentsTOML), 0o644); werr != nil {
			return nil, NewConfigError(path, werr).WithMessage(
				fmt.Sprintf("no agent config and cannot create default: %v", werr))
		}
		data = []byte(defaultAgentsTOML)
	} else if err != nil {
		return nil, NewConfigError(path, err)
	}

	var file AgentsFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &file)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		err = toml.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, NewConfigError(path, err).WithMessage(fmt.Sprintf("invalid agent config: %v", err))
	}

	for i := range file.Agents {
		rec := &file.Agents[i]
		rec.Name = os.ExpandEnv(rec.Name)
		rec.Description = os.ExpandEnv(rec.Description)
		rec.SystemPrompt = os.ExpandEnv(rec.SystemPrompt)
		rec.RemoteEndpoint = os.ExpandEnv(rec.RemoteEndpoint)
	}

	if err := validateAgents(path, file.Agents); err != nil {
		return nil, err
	}
	return &file, nil
}

func validateAgents(path string, records []AgentRecord) error {
	if len(records) == 0 {
		return NewConfigError(path, nil).WithField("agents").WithMessage("at least one agent is required")
	}
	seen := make(map[string]bool)
	for i, rec := range records {
		field := fmt.Sprintf("agents[%d]", i)
		if rec.Name == "" {
			return NewConfigError(path, nil).WithField(field).WithMessage("name is required")
		}
		if seen[rec.Name] {
			return NewConfigError(path, nil).WithField(field).
				WithMessage(fmt.Sprintf("duplicate agent name %q", rec.Name))
		}
		seen[rec.Name] = true
		if rec.RemoteEndpoint == "" && rec.SystemPrompt == "" {
			return NewConfigError(path, nil).WithField(field).WithMessage("system_prompt is required")
		}
	}
	return nil
}

// Build converts enabled roster records into agent values, checking every
// tool reference against the registry.
func (f *AgentsFile) Build(registry *tools.Registry) ([]*agents.Agent, error) {
	var out []*agents.Agent
	for _, rec := range f.Agents {
		if rec.Enabled != nil && !*rec.Enabled {
			continue
		}
		for _, tool := range rec.Tools {
			if _, ok := registry.Get(tool); !ok {
				return nil, (&ConfigError{}).WithField("agents").WithMessage(
					fmt.Sprintf("agent %q references unknown tool %q", rec.Name, tool))
			}
		}
		a := &agents.Agent{
			Name:                 rec.Name,
			Description:          rec.Description,
			SystemPromptTemplate: rec.SystemPrompt,
			ToolNames:            append([]string(nil), rec.Tools...),
			IsRemote:             rec.RemoteEndpoint != "",
			Endpoint:             rec.RemoteEndpoint,
		}
		if rec.Temperature != nil {
			temp := *rec.Temperature
			a.Temperature = &temp
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, (&ConfigError{}).WithField("agents").WithMessage("all agents are disabled")
	}
	return out, nil
}
