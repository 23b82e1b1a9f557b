package agents

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/ensemble/internal/catalog"
	"github.com/haasonsaas/ensemble/internal/provider"
	"github.com/haasonsaas/ensemble/internal/tools"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// AdapterFactory constructs (or returns a cached) adapter for a provider
// name. The manager calls it whenever agent activation or a model switch
// crosses a provider boundary.
type AdapterFactory func(providerName string) (provider.Adapter, error)

// Manager owns the agent set for one conversation session. It enforces the
// single-active-agent invariant, routes model switches across providers, and
// implements the transfer handoff.
type Manager struct {
	mu       sync.Mutex
	agents   map[string]*Agent
	order    []string
	active   string
	busy     bool
	registry *tools.Registry
	catalog  *catalog.Registry
	factory  AdapterFactory
	logger   *slog.Logger
}

// NewManager builds a manager over the configured agents. Agent names must
// be unique; the first local agent becomes the initial selection target (but
// is not activated until Select).
func NewManager(list []*Agent, registry *tools.Registry, cat *catalog.Registry, factory AdapterFactory, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		agents:   make(map[string]*Agent, len(list)),
		registry: registry,
		catalog:  cat,
		factory:  factory,
		logger:   logger.With("component", "agents"),
	}
	for _, a := range list {
		if _, dup := m.agents[a.Name]; dup {
			return nil, fmt.Errorf("duplicate agent name %q", a.Name)
		}
		m.agents[a.Name] = a
		m.order = append(m.order, a.Name)
	}
	return m, nil
}

// SetBusy marks a turn in progress; selection and model switches are
// rejected until cleared. Called by the turn engine.
func (m *Manager) SetBusy(busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = busy
}

// All returns every agent in configuration order.
func (m *Manager) All() []*Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allLocked()
}

func (m *Manager) allLocked() []*Agent {
	out := make([]*Agent, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.agents[name])
	}
	return out
}

// Local returns the non-remote agents in configuration order.
func (m *Manager) Local() []*Agent {
	var out []*Agent
	for _, a := range m.All() {
		if !a.IsRemote {
			out = append(out, a)
		}
	}
	return out
}

// Names lists all agent names in configuration order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// Get returns the named agent.
func (m *Manager) Get(name string) (*Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[name]
	return a, ok
}

// Active returns the active agent, nil when none is selected.
func (m *Manager) Active() *Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == "" {
		return nil
	}
	return m.agents[m.active]
}

// Select activates the named agent, deactivating the previous one. Exactly
// one agent is active afterwards. Rejected mid-turn and for remote agents.
func (m *Manager) Select(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.busy {
		return fmt.Errorf("cannot switch agents while a turn is in progress")
	}
	target, ok := m.agents[name]
	if !ok {
		return NewTransferError(name, m.order).WithMessage(fmt.Sprintf("unknown agent %q", name))
	}
	if target.IsRemote {
		return fmt.Errorf("agent %q is remote; it can only be reached via transfer", name)
	}

	adapter, err := m.adapterForCurrentLocked()
	if err != nil {
		return err
	}

	if m.active != "" && m.active != name {
		m.agents[m.active].Deactivate()
	}
	if err := target.Activate(adapter, m.registry, m.localsLocked()); err != nil {
		return err
	}
	m.active = name
	m.logger.Info("agent selected", "agent", name)
	return nil
}

// SwitchModel changes the current model, rebinding the active agent when
// the new model lives on a different provider.
func (m *Manager) SwitchModel(modelID string) (catalog.Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.busy {
		return catalog.Model{}, fmt.Errorf("cannot switch models while a turn is in progress")
	}

	prev, hadPrev := m.catalog.Current()
	model, err := m.catalog.SetCurrent(modelID)
	if err != nil {
		return catalog.Model{}, err
	}

	if m.active != "" && (!hadPrev || prev.Provider != model.Provider) {
		adapter, err := m.factory(model.Provider)
		if err != nil {
			// Roll the selection back; the old provider still works.
			if hadPrev {
				m.catalog.SetCurrent(prev.ID)
			}
			return catalog.Model{}, err
		}
		active := m.agents[m.active]
		active.Deactivate()
		if err := active.Activate(adapter, m.registry, m.localsLocked()); err != nil {
			return catalog.Model{}, err
		}
	}
	m.logger.Info("model switched", "model", model.ID, "provider", model.Provider)
	return model, nil
}

// Transfer implements the handoff: the target's history is replaced with
// the rendered system prompt, the bounds-checked shared slice of the
// source's history, and a synthetic user message carrying the task. The
// source history is untouched. The target is returned for the engine to
// activate; remote targets are returned unmodified for A2A dispatch.
func (m *Manager) Transfer(targetName, task string, indices []int) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.agents[targetName]
	if !ok {
		return nil, NewTransferError(targetName, m.order)
	}
	if m.active == targetName {
		return nil, NewTransferError(targetName, m.order).
			WithMessage(fmt.Sprintf("agent %q cannot transfer to itself", targetName))
	}
	source := m.agents[m.active]
	if source == nil {
		return nil, fmt.Errorf("no active agent to transfer from")
	}

	if target.IsRemote {
		return target, nil
	}

	shared := sharedSlice(source.History, indices)
	history := make([]models.Message, 0, len(shared)+2)
	history = append(history, models.NewTextMessage(models.RoleSystem,
		target.RenderSystemPrompt(time.Now(), m.localsLocked())))
	history = append(history, shared...)
	history = append(history, models.NewTextMessage(models.RoleUser, task))
	target.History = history

	m.logger.Info("transfer", "from", source.Name, "to", targetName, "shared_messages", len(shared))
	return target, nil
}

// ActivateTransferTarget switches the active agent to a transfer target.
// Unlike Select it is legal mid-turn, because the engine drives it from
// inside a running turn.
func (m *Manager) ActivateTransferTarget(target *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	adapter, err := m.adapterForCurrentLocked()
	if err != nil {
		return err
	}
	if m.active != "" && m.active != target.Name {
		m.agents[m.active].Deactivate()
	}
	if err := target.Activate(adapter, m.registry, m.localsLocked()); err != nil {
		return err
	}
	m.active = target.Name
	return nil
}

// ResetHistories clears every agent's history; used by /clear and /load.
func (m *Manager) ResetHistories() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		a.History = nil
	}
}

func (m *Manager) localsLocked() []*Agent {
	var out []*Agent
	for _, name := range m.order {
		if a := m.agents[name]; !a.IsRemote {
			out = append(out, a)
		}
	}
	return out
}

// adapterForCurrentLocked resolves the adapter serving the catalog's current
// model.
func (m *Manager) adapterForCurrentLocked() (provider.Adapter, error) {
	model, ok := m.catalog.Current()
	if !ok {
		return nil, fmt.Errorf("no model selected")
	}
	return m.factory(model.Provider)
}

// sharedSlice copies the messages at the given indices, silently dropping
// out-of-range entries. Thinking parts are excluded: they are private to the
// source agent's provider context.
func sharedSlice(history []models.Message, indices []int) []models.Message {
	var out []models.Message
	for _, i := range indices {
		if i < 0 || i >= len(history) {
			continue
		}
		msg := models.CloneHistory(history[i : i+1])[0]
		var parts []models.Part
		for _, p := range msg.Parts {
			if p.Type != models.PartThinking {
				parts = append(parts, p)
			}
		}
		if len(parts) == 0 {
			continue
		}
		msg.Parts = parts
		out = append(out, msg)
	}
	return out
}
