// Package engine drives turns: it submits user input to the active agent,
// consumes the provider stream, executes tool batches, intercepts transfer,
// and snapshots conversation state after each completed turn.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/ensemble/internal/agents"
	"github.com/haasonsaas/ensemble/internal/catalog"
	"github.com/haasonsaas/ensemble/internal/conversations"
	"github.com/haasonsaas/ensemble/internal/provider"
	"github.com/haasonsaas/ensemble/internal/telemetry"
	"github.com/haasonsaas/ensemble/internal/tools"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// State is the engine's turn state.
type State string

const (
	StateIdle      State = "IDLE"
	StateStreaming State = "STREAMING"
	StateTools     State = "TOOLS"
	StateCancelled State = "CANCELLED"
)

// maxToolRounds bounds the stream→tools→stream loop within one turn.
const maxToolRounds = 25

// turnPreviewLen bounds the turn log preview text.
const turnPreviewLen = 80

// RemoteCaller runs a task on a remote agent and streams back canonical
// events. Implemented by the A2A client.
type RemoteCaller interface {
	Run(ctx context.Context, endpoint, agentName, task string, messages []models.Message) (<-chan models.StreamEvent, error)
}

// Config wires an engine. Manager, Registry, Catalog, and Store are
// required; the rest have working defaults.
type Config struct {
	Manager     *agents.Manager
	Registry    *tools.Registry
	Catalog     *catalog.Registry
	Store       conversations.Store
	Remote      RemoteCaller
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
	Parallelism int
	EventBuffer int
}

// Engine serializes turns for one conversation.
type Engine struct {
	mu     sync.Mutex
	state  State
	cancel context.CancelFunc

	manager     *agents.Manager
	registry    *tools.Registry
	catalog     *catalog.Registry
	store       conversations.Store
	remote      RemoteCaller
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	parallelism int

	conv    *models.Conversation
	usage   models.Usage
	dirty   bool
	emitter *emitter
}

// New creates an engine over a fresh conversation.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultToolParallelism
	}
	return &Engine{
		state:       StateIdle,
		manager:     cfg.Manager,
		registry:    cfg.Registry,
		catalog:     cfg.Catalog,
		store:       cfg.Store,
		remote:      cfg.Remote,
		metrics:     cfg.Metrics,
		logger:      logger.With("component", "engine"),
		parallelism: parallelism,
		conv:        models.NewConversation(""),
		emitter:     newEmitter(cfg.EventBuffer),
	}
}

// Events returns the UI event feed.
func (e *Engine) Events() <-chan Event { return e.emitter.events() }

// Close shuts the event feed down.
func (e *Engine) Close() { e.emitter.close() }

// State returns the current turn state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Conversation returns the live conversation record.
func (e *Engine) Conversation() *models.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv
}

// Usage returns the accumulated conversation usage.
func (e *Engine) Usage() models.Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usage
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Cancel aborts the in-flight turn. The stream scope is closed, running
// tools are signalled through their contexts, and Submit rolls history back
// to the turn start. No-op when idle.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateStreaming && e.state != StateTools {
		return
	}
	e.state = StateCancelled
	if e.cancel != nil {
		e.cancel()
	}
}

// Submit runs one turn: user text (plus attachments) goes to the active
// agent, and the call blocks until the turn completes, fails, or is
// cancelled. StateError unless the engine is idle.
func (e *Engine) Submit(ctx context.Context, text string, attachments []models.Part) error {
	e.mu.Lock()
	if e.state != StateIdle {
		state := e.state
		e.mu.Unlock()
		return NewStateError("submit", state)
	}
	active := e.manager.Active()
	if active == nil {
		e.mu.Unlock()
		return fmt.Errorf("no active agent")
	}
	turnCtx, cancel := context.WithCancel(ctx)
	e.state = StateStreaming
	e.cancel = cancel
	e.mu.Unlock()

	e.manager.SetBusy(true)
	defer func() {
		cancel()
		e.manager.SetBusy(false)
		e.mu.Lock()
		e.state = StateIdle
		e.cancel = nil
		e.mu.Unlock()
	}()

	// Rollback snapshot and the turn marker, taken before the user message
	// lands. The marker records every agent's history length so /jump can
	// rewind a multi-agent turn.
	snapshots := make(map[string][]models.Message)
	indices := make(map[string]int)
	for _, a := range e.manager.All() {
		snapshots[a.Name] = models.CloneHistory(a.History)
		indices[a.Name] = len(a.History)
	}
	marker := models.TurnMarker{
		Indices:   indices,
		Preview:   truncate(text, turnPreviewLen),
		AgentName: active.Name,
		At:        time.Now().UTC(),
	}

	if e.conv.Title == "" {
		e.conv.Title = truncate(text, turnPreviewLen)
	}

	userMsg := models.Message{Role: models.RoleUser, Timestamp: time.Now().UTC()}
	if text != "" {
		userMsg.Parts = append(userMsg.Parts, models.NewTextPart(text))
	}
	userMsg.Parts = append(userMsg.Parts, attachments...)
	active.History = append(active.History, userMsg)
	e.conv.AddAgent(active.Name)

	finalAgent, err := e.runTurn(turnCtx, active)
	if err != nil {
		for _, a := range e.manager.All() {
			a.History = snapshots[a.Name]
		}
		if errors.Is(err, context.Canceled) {
			e.emitter.emit(Event{Kind: KindNotice, Agent: active.Name, Notice: "turn cancelled"})
			if e.metrics != nil {
				e.metrics.TurnsTotal.WithLabelValues(active.Name, "cancelled").Inc()
			}
			return nil
		}
		e.emitter.emit(Event{Kind: KindError, Agent: active.Name, Err: err})
		if e.metrics != nil {
			e.metrics.TurnsTotal.WithLabelValues(active.Name, "error").Inc()
		}
		return err
	}

	e.conv.TurnLog = append(e.conv.TurnLog, marker)
	e.snapshot()
	if e.metrics != nil {
		e.metrics.TurnsTotal.WithLabelValues(finalAgent.Name, "ok").Inc()
	}
	e.emitter.emit(Event{Kind: KindTurnEnd, Agent: finalAgent.Name})
	return nil
}

// runTurn loops stream → tools → stream until the model ends its turn.
// Transfer re-enters streaming against the target agent.
func (e *Engine) runTurn(ctx context.Context, agent *agents.Agent) (*agents.Agent, error) {
	current := agent

	for round := 0; round < maxToolRounds; round++ {
		e.setState(StateStreaming)
		adapter := current.Adapter()
		if adapter == nil {
			return current, fmt.Errorf("agent %s has no bound adapter", current.Name)
		}

		start := time.Now()
		stream, err := adapter.Stream(ctx, current.History)
		if err != nil {
			return current, err
		}
		draft, calls, stop, err := e.consume(ctx, stream, current.Name, adapter)
		stream.Close()
		if e.metrics != nil {
			e.metrics.StreamDuration.WithLabelValues(adapter.Name()).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			return current, err
		}

		switch stop {
		case models.StopEndTurn, models.StopMaxTokens:
			if len(draft.Parts) > 0 {
				current.History = append(current.History, draft)
			}
			if stop == models.StopMaxTokens {
				e.emitter.emit(Event{Kind: KindNotice, Agent: current.Name,
					Notice: "response truncated: maximum output tokens reached"})
			}
			return current, nil

		case models.StopToolUse:
			// Providers reject assistant tool-call messages with no text
			// content; a single space keeps the message well-formed.
			if !hasText(draft) {
				draft.Parts = append(draft.Parts, models.NewTextPart(" "))
			}
			current.History = append(current.History, draft)

			if transferIdx := findTransfer(calls); transferIdx >= 0 {
				next, done, err := e.handleTransfer(ctx, current, calls, transferIdx)
				if err != nil {
					return current, err
				}
				if done {
					return current, nil
				}
				if next != nil {
					current = next
				}
				continue
			}

			e.setState(StateTools)
			results := e.runToolBatch(ctx, current.Name, calls)
			if ctx.Err() != nil {
				return current, ctx.Err()
			}
			current.History = append(current.History, results...)

		default:
			return current, nil
		}
	}
	return current, fmt.Errorf("turn exceeded %d tool rounds", maxToolRounds)
}

// consume drains one provider stream into an assistant draft and the tool
// call batch, forwarding every event to the UI. Thinking text and signatures
// are preserved verbatim in the draft.
func (e *Engine) consume(ctx context.Context, stream provider.Stream, agentName string, adapter provider.Adapter) (models.Message, []toolCall, models.StopReason, error) {
	draft := models.Message{Role: models.RoleAssistant, Timestamp: time.Now().UTC()}
	var calls []toolCall
	stop := models.StopEndTurn

	for {
		select {
		case <-ctx.Done():
			return draft, calls, stop, ctx.Err()

		case ev, ok := <-stream.Events():
			if !ok {
				return draft, calls, stop, nil
			}
			e.emitter.emit(Event{Kind: KindStream, Agent: agentName, Stream: ev})

			switch ev.Type {
			case models.EventTextDelta:
				draft.AppendText(ev.Text)

			case models.EventThinkingDelta:
				appendThinking(&draft, ev.Text)

			case models.EventThinkingSignature:
				signThinking(&draft, ev.Signature)

			case models.EventToolCallEnd:
				replaced := false
				for i := range calls {
					if calls[i].ID == ev.ID {
						calls[i].Name = ev.Name
						calls[i].Args = ev.Args
						replaced = true
						break
					}
				}
				if !replaced {
					calls = append(calls, toolCall{ID: ev.ID, Name: ev.Name, Args: ev.Args})
					draft.Parts = append(draft.Parts, models.NewToolCallPart(ev.ID, ev.Name, ev.Args))
				} else {
					for i := range draft.Parts {
						if draft.Parts[i].Type == models.PartToolCall && draft.Parts[i].ID == ev.ID {
							draft.Parts[i].Args = ev.Args
						}
					}
				}

			case models.EventUsage:
				if ev.Usage != nil {
					u := *ev.Usage
					if model, ok := e.catalog.Current(); ok {
						u.Cost = model.Cost(u.InputTokens, u.OutputTokens)
					}
					e.mu.Lock()
					e.usage.Add(u)
					e.mu.Unlock()
					if e.metrics != nil {
						e.metrics.TokensTotal.WithLabelValues(adapter.Name(), "input").Add(float64(u.InputTokens))
						e.metrics.TokensTotal.WithLabelValues(adapter.Name(), "output").Add(float64(u.OutputTokens))
					}
				}

			case models.EventStop:
				if ev.Stop == models.StopError {
					err := ev.Err
					if err == nil {
						err = errors.New(ev.ErrorMessage)
					}
					return draft, calls, models.StopError, err
				}
				stop = ev.Stop
			}
		}
	}
}

// handleTransfer intercepts a transfer call: sibling calls are suppressed
// with explanatory results, and control moves to the target agent (local) or
// the remote endpoint. Returns the next agent to stream against, or
// done=true when the turn ends here.
func (e *Engine) handleTransfer(ctx context.Context, current *agents.Agent, calls []toolCall, transferIdx int) (*agents.Agent, bool, error) {
	var args tools.TransferArgs
	if err := json.Unmarshal(calls[transferIdx].Args, &args); err != nil {
		e.appendToolResults(current, calls, transferIdx,
			fmt.Sprintf("transfer failed: invalid arguments: %v", err), true)
		return nil, false, nil
	}

	target, err := e.manager.Transfer(args.TargetAgent, args.Task, args.RelevantMessages)
	if err != nil {
		// Let the model see the failure and try again.
		e.appendToolResults(current, calls, transferIdx, err.Error(), true)
		return nil, false, nil
	}

	e.appendToolResults(current, calls, transferIdx,
		fmt.Sprintf("conversation handed to agent %q", target.Name), false)
	e.emitter.emit(Event{Kind: KindNotice, Agent: current.Name,
		Notice: fmt.Sprintf("transferring to %s: %s", target.Name, args.Task)})
	if e.metrics != nil {
		e.metrics.TransfersTotal.WithLabelValues(current.Name, target.Name).Inc()
	}

	if target.IsRemote {
		return nil, true, e.runRemote(ctx, current, target, args)
	}

	if err := e.manager.ActivateTransferTarget(target); err != nil {
		return nil, false, err
	}
	e.conv.AddAgent(target.Name)
	return target, false, nil
}

// appendToolResults writes one result per call in the batch: the transfer
// call gets the outcome, suppressed siblings get an explanation.
func (e *Engine) appendToolResults(agent *agents.Agent, calls []toolCall, transferIdx int, transferResult string, isError bool) {
	for i, call := range calls {
		content := transferResult
		errFlag := isError
		if i != transferIdx {
			content = "not executed: superseded by transfer"
			errFlag = true
		}
		msg := models.NewToolResultMessage(call.ID, content, errFlag)
		for p := range msg.Parts {
			msg.Parts[p].Name = call.Name
		}
		agent.History = append(agent.History, msg)
	}
}

// runRemote executes a transfer to a remote agent over A2A, replaying its
// stream into the UI and committing the final text to the source history.
func (e *Engine) runRemote(ctx context.Context, source, target *agents.Agent, args tools.TransferArgs) error {
	if e.remote == nil {
		return fmt.Errorf("remote agent %q configured but no A2A client available", target.Name)
	}

	shared := selectMessages(source.History, args.RelevantMessages)
	events, err := e.remote.Run(ctx, target.Endpoint, target.Name, args.Task, shared)
	if err != nil {
		return err
	}

	var text strings.Builder
	for ev := range events {
		e.emitter.emit(Event{Kind: KindStream, Agent: target.Name, Stream: ev})
		switch ev.Type {
		case models.EventTextDelta:
			text.WriteString(ev.Text)
		case models.EventStop:
			if ev.Stop == models.StopError {
				if ev.Err != nil {
					return ev.Err
				}
				return errors.New(ev.ErrorMessage)
			}
		}
	}

	reply := models.NewTextMessage(models.RoleAssistant, text.String())
	reply.Timestamp = time.Now().UTC()
	source.History = append(source.History, reply)
	return nil
}

// Jump rewinds to the start of the numbered turn and persists the result.
func (e *Engine) Jump(turn int) error {
	e.mu.Lock()
	if e.state != StateIdle {
		state := e.state
		e.mu.Unlock()
		return NewStateError("jump", state)
	}
	e.mu.Unlock()

	e.syncHistories()
	if err := conversations.Jump(e.conv, turn); err != nil {
		return err
	}
	for _, a := range e.manager.All() {
		a.History = e.conv.Histories[a.Name]
	}
	e.snapshot()
	return nil
}

// LoadConversation replaces the engine's conversation with a stored one and
// rehydrates agent histories.
func (e *Engine) LoadConversation(conv *models.Conversation) {
	e.mu.Lock()
	e.conv = conv
	e.usage = models.Usage{}
	e.mu.Unlock()

	e.manager.ResetHistories()
	for _, a := range e.manager.All() {
		if history, ok := conv.Histories[a.Name]; ok {
			a.History = history
		}
	}
}

// Reset starts a fresh conversation (used by /clear).
func (e *Engine) Reset() {
	e.mu.Lock()
	e.conv = models.NewConversation("")
	e.usage = models.Usage{}
	e.mu.Unlock()
	e.manager.ResetHistories()
}

// syncHistories copies live agent histories into the conversation record.
func (e *Engine) syncHistories() {
	for _, a := range e.manager.All() {
		if len(a.History) > 0 || e.conv.HasAgent(a.Name) {
			e.conv.Histories[a.Name] = a.History
		}
	}
}

// snapshot persists the conversation. Failures are retried on the next
// snapshot; the turn stays committed in memory either way.
func (e *Engine) snapshot() {
	e.syncHistories()
	if err := e.store.Save(e.conv); err != nil {
		e.dirty = true
		e.logger.Warn("conversation snapshot failed", "conversation", e.conv.ID, "error", err)
		e.emitter.emit(Event{Kind: KindNotice,
			Notice: "warning: conversation could not be saved; will retry after the next turn"})
		return
	}
	e.dirty = false
}

func findTransfer(calls []toolCall) int {
	for i, c := range calls {
		if c.Name == tools.TransferToolName {
			return i
		}
	}
	return -1
}

func hasText(msg models.Message) bool {
	for _, p := range msg.Parts {
		if p.Type == models.PartText && p.Text != "" {
			return true
		}
	}
	return false
}

// appendThinking grows the trailing unsigned thinking part, or opens a new
// one after a signature closed the previous block.
func appendThinking(msg *models.Message, text string) {
	if n := len(msg.Parts); n > 0 {
		last := &msg.Parts[n-1]
		if last.Type == models.PartThinking && len(last.Signature) == 0 {
			last.Text += text
			return
		}
	}
	msg.Parts = append(msg.Parts, models.NewThinkingPart(text, nil))
}

// signThinking attaches the provider signature to the open thinking block.
func signThinking(msg *models.Message, sig []byte) {
	for i := len(msg.Parts) - 1; i >= 0; i-- {
		if msg.Parts[i].Type == models.PartThinking && len(msg.Parts[i].Signature) == 0 {
			msg.Parts[i].Signature = append([]byte(nil), sig...)
			return
		}
	}
}

// selectMessages returns bounds-checked copies of the history entries at
// the given indices.
func selectMessages(history []models.Message, indices []int) []models.Message {
	var out []models.Message
	for _, i := range indices {
		if i < 0 || i >= len(history) {
			continue
		}
		out = append(out, models.CloneHistory(history[i:i+1])[0])
	}
	return out
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
