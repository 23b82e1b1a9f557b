// Package commands implements the in-conversation slash commands: parsing,
// the command registry, and the builtin set (/model, /agent, /jump, ...).
// Command output is deterministic control text, never model output.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Handler executes a command with its argument text.
type Handler func(ctx context.Context, inv *Invocation) (*Result, error)

// Command is one registered slash command.
type Command struct {
	// Name without the leading slash.
	Name string

	Description string

	// Usage shows the argument form, e.g. "/jump <turn>".
	Usage string

	Handler Handler
}

// Invocation is a parsed command line.
type Invocation struct {
	// Name actually typed (lowercased, no slash).
	Name string

	// Args is the trimmed text after the name.
	Args string
}

// Result is a command's control response.
type Result struct {
	// Text is printed verbatim to the user.
	Text string

	// Quit asks the REPL to exit.
	Quit bool
}

// Registry holds the command set. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command
	logger   *slog.Logger
}

// NewRegistry creates an empty command registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		commands: make(map[string]*Command),
		logger:   logger.With("component", "commands"),
	}
}

// Register adds a command; duplicate names fail.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil || cmd.Name == "" {
		return fmt.Errorf("command name is required")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("command %s: handler is required", cmd.Name)
	}
	name := strings.ToLower(cmd.Name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	r.commands[name] = cmd
	return nil
}

// List returns all commands sorted by name.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Parse splits a "/name args" line. ok is false when the line is not a
// command (no leading slash).
func Parse(line string) (inv Invocation, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return Invocation{}, false
	}
	body := strings.TrimPrefix(line, "/")
	name, args, _ := strings.Cut(body, " ")
	if name == "" {
		return Invocation{}, false
	}
	return Invocation{
		Name: strings.ToLower(name),
		Args: strings.TrimSpace(args),
	}, true
}

// Execute runs the named command. Unknown names produce a help-style result,
// not an error.
func (r *Registry) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	r.mu.RLock()
	cmd, ok := r.commands[inv.Name]
	r.mu.RUnlock()
	if !ok {
		return &Result{Text: fmt.Sprintf("unknown command /%s; available: %s",
			inv.Name, r.names())}, nil
	}
	return cmd.Handler(ctx, &inv)
}

func (r *Registry) names() string {
	var names []string
	for _, c := range r.List() {
		names = append(names, "/"+c.Name)
	}
	return strings.Join(names, " ")
}
