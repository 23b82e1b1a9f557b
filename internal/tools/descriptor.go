// Package tools implements the tool registry: descriptors, per-agent
// allow-lists, schema validation, and invocation with timeouts. Builtin tools
// live here too; MCP-sourced tools are registered by the supervisor under
// namespaced names.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
)

// SourceBuiltin marks tools compiled into the binary. MCP-sourced tools use
// "mcp:<server-id>" instead.
const SourceBuiltin = "builtin"

// WildcardAgents enables a tool for every agent.
const WildcardAgents = "*"

// Handler executes a tool with validated JSON arguments.
type Handler func(ctx context.Context, args json.RawMessage) (*Result, error)

// Result is the outcome of a tool invocation. Errors are communicated via
// IsError so the model can see and recover from failures.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ErrorResult builds an error-carrying result.
func ErrorResult(content string) *Result {
	return &Result{Content: content, IsError: true}
}

// Descriptor describes a registered tool: its schema, handler, origin, and
// which agents may use it.
type Descriptor struct {
	// Name is globally unique. MCP tools are namespaced "<server-id>.<tool>".
	Name string `json:"name"`

	// Description tells the model what the tool does.
	Description string `json:"description"`

	// InputSchema is the JSON Schema for the tool's arguments.
	InputSchema json.RawMessage `json:"input_schema"`

	// Handler executes the tool. Nil for descriptors the engine intercepts
	// itself (the transfer tool).
	Handler Handler `json:"-"`

	// Source is SourceBuiltin or "mcp:<server-id>".
	Source string `json:"source"`

	// EnabledForAgents lists agent names allowed to use the tool, or the
	// single entry "*" for all agents.
	EnabledForAgents []string `json:"enabled_for_agents,omitempty"`

	// Timeout bounds a single invocation. Zero means the registry default
	// for the tool's source.
	Timeout time.Duration `json:"-"`
}

// EnabledFor reports whether the named agent may use this tool.
func (d Descriptor) EnabledFor(agent string) bool {
	for _, a := range d.EnabledForAgents {
		if a == WildcardAgents || a == agent {
			return true
		}
	}
	return false
}

// equivalent reports whether two descriptors describe the same tool. Used to
// make Register idempotent on re-registration of an identical descriptor.
func (d Descriptor) equivalent(other Descriptor) bool {
	if d.Name != other.Name || d.Description != other.Description || d.Source != other.Source {
		return false
	}
	if !bytes.Equal(d.InputSchema, other.InputSchema) {
		return false
	}
	if len(d.EnabledForAgents) != len(other.EnabledForAgents) {
		return false
	}
	for i, a := range d.EnabledForAgents {
		if other.EnabledForAgents[i] != a {
			return false
		}
	}
	return true
}
