package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// DefaultBuiltinTimeout bounds builtin tool invocations.
	DefaultBuiltinTimeout = 30 * time.Second

	// DefaultMCPTimeout bounds subprocess-proxied tool invocations.
	DefaultMCPTimeout = 120 * time.Second

	// maxToolArgsSize caps tool argument payloads (10MB).
	maxToolArgsSize = 10 << 20
)

// Registry stores tool descriptors keyed by globally unique name and executes
// invocations with schema validation, timeouts, and panic recovery. Safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Descriptor
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]Descriptor),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger.With("component", "tools"),
	}
}

// Register adds a descriptor. Registering an identical descriptor under a
// taken name is a no-op; a conflicting one fails with ErrDuplicateTool.
// Names are immutable after registration.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("tool name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tools[d.Name]; ok {
		if existing.equivalent(d) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDuplicateTool, d.Name)
	}

	if len(d.InputSchema) > 0 {
		schema, err := jsonschema.CompileString(d.Name+".json", string(d.InputSchema))
		if err != nil {
			return fmt.Errorf("tool %s: invalid input schema: %w", d.Name, err)
		}
		r.schemas[d.Name] = schema
	}

	r.tools[d.Name] = d
	r.logger.Debug("tool registered", "tool", d.Name, "source", d.Source)
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// UnregisterPrefix removes every tool whose name starts with prefix and
// returns the removed names. Used when an MCP server disconnects.
func (r *Registry) UnregisterPrefix(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for name := range r.tools {
		if strings.HasPrefix(name, prefix) {
			delete(r.tools, name)
			delete(r.schemas, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// Get returns a descriptor by name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListFor returns the descriptors the named agent may use, sorted by name.
func (r *Registry) ListFor(agent string) []Descriptor {
	var out []Descriptor
	for _, d := range r.List() {
		if d.EnabledFor(agent) {
			out = append(out, d)
		}
	}
	return out
}

// Invoke executes the named tool. The returned result is never nil: unknown
// tools, validation failures, handler errors, panics, and timeouts all
// surface as IsError results rather than fatal errors.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) *Result {
	if len(args) > maxToolArgsSize {
		return ErrorResult(fmt.Sprintf("tool arguments exceed maximum size of %d bytes", maxToolArgsSize))
	}

	r.mu.RLock()
	d, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return ErrorResult(NewToolError(name, ErrToolNotFound).Error())
	}
	if d.Handler == nil {
		return ErrorResult(fmt.Sprintf("tool %s has no handler", name))
	}

	if schema != nil {
		var decoded any
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		if err := json.Unmarshal(args, &decoded); err != nil {
			return ErrorResult(NewToolError(name, err).WithType(ToolErrorInvalidInput).Error())
		}
		if err := schema.Validate(decoded); err != nil {
			return ErrorResult(NewToolError(name, err).WithType(ToolErrorInvalidInput).Error())
		}
	}

	timeout := d.Timeout
	if timeout <= 0 {
		if strings.HasPrefix(d.Source, "mcp:") {
			timeout = DefaultMCPTimeout
		} else {
			timeout = DefaultBuiltinTimeout
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type invokeResult struct {
		result *Result
		err    error
	}
	resultCh := make(chan invokeResult, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				err := NewToolError(name, fmt.Errorf("panic: %v\n%s", rec, debug.Stack())).
					WithType(ToolErrorPanic)
				resultCh <- invokeResult{err: err}
			}
		}()
		res, err := d.Handler(execCtx, args)
		resultCh <- invokeResult{result: res, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return ErrorResult(NewToolError(name, res.err).Error())
		}
		if res.result == nil {
			return &Result{Content: ""}
		}
		return res.result
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return ErrorResult(NewToolError(name, ctx.Err()).WithType(ToolErrorTimeout).
				WithMessage("invocation cancelled").Error())
		}
		return ErrorResult(NewToolError(name, ErrToolTimeout).WithType(ToolErrorTimeout).
			WithMessage(fmt.Sprintf("execution timed out after %s", timeout)).Error())
	}
}
