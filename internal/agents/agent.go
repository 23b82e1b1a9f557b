// Package agents defines the agent records loaded from configuration and
// the manager that owns selection, model switching, and inter-agent
// transfer.
package agents

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/ensemble/internal/provider"
	"github.com/haasonsaas/ensemble/internal/tools"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// currentDatePlaceholder is substituted in system prompt templates.
const currentDatePlaceholder = "{current_date}"

// Agent is one configured persona. Local agents bind to a provider adapter
// when activated; remote agents are reached over the A2A protocol and never
// activate locally.
type Agent struct {
	Name                 string
	Description          string
	SystemPromptTemplate string

	// ToolNames is the allowlist from configuration; empty means all
	// registered tools.
	ToolNames []string

	// Temperature overrides the provider's default sampling temperature
	// when set.
	Temperature *float64

	// IsRemote marks an agent served by another process; Endpoint is its
	// A2A base URL.
	IsRemote bool
	Endpoint string

	// History is the agent's private message sequence within the current
	// conversation.
	History []models.Message

	// Active marks the agent currently receiving user input. At most one
	// agent is active at a time; the Manager enforces it.
	Active bool

	adapter provider.Adapter
}

// RenderSystemPrompt renders the template, substituting the current date
// and appending transfer guidance about the sibling agents when more than
// one local agent exists.
func (a *Agent) RenderSystemPrompt(now time.Time, siblings []*Agent) string {
	prompt := strings.ReplaceAll(a.SystemPromptTemplate, currentDatePlaceholder, now.Format("2006-01-02"))

	others := make([]*Agent, 0, len(siblings))
	for _, s := range siblings {
		if s.Name != a.Name {
			others = append(others, s)
		}
	}
	if len(others) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nYou can hand the conversation to another agent with the 'transfer' tool when a request fits their specialty better than yours. Available agents:\n")
	for _, o := range others {
		fmt.Fprintf(&b, "- %s: %s\n", o.Name, o.Description)
	}
	return b.String()
}

// Activate binds the agent to an adapter: renders the system prompt,
// applies the agent's temperature, replaces the adapter's tool set with the
// agent's allowed tools, and marks the agent active.
func (a *Agent) Activate(adapter provider.Adapter, registry *tools.Registry, siblings []*Agent) error {
	if a.IsRemote {
		return fmt.Errorf("remote agent %q cannot be activated locally", a.Name)
	}

	adapter.SetSystemPrompt(a.RenderSystemPrompt(time.Now(), siblings))
	adapter.SetTemperature(a.Temperature)
	adapter.ClearTools()
	for _, d := range registry.ListFor(a.Name) {
		if !a.allowsTool(d.Name) {
			continue
		}
		if err := adapter.RegisterTool(d); err != nil {
			return fmt.Errorf("agent %s: tool %s: %w", a.Name, d.Name, err)
		}
	}

	a.adapter = adapter
	a.Active = true
	return nil
}

// Deactivate releases the adapter binding.
func (a *Agent) Deactivate() {
	a.Active = false
	a.adapter = nil
}

// Adapter returns the bound adapter, nil when inactive.
func (a *Agent) Adapter() provider.Adapter {
	return a.adapter
}

// allowsTool applies the configured allowlist. The transfer tool is always
// allowed so multi-agent routing works without explicit configuration.
func (a *Agent) allowsTool(name string) bool {
	if len(a.ToolNames) == 0 || name == tools.TransferToolName {
		return true
	}
	for _, t := range a.ToolNames {
		if t == name {
			return true
		}
	}
	return false
}
