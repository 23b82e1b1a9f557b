package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/ensemble/internal/agents"
	"github.com/haasonsaas/ensemble/internal/catalog"
	"github.com/haasonsaas/ensemble/internal/conversations"
	"github.com/haasonsaas/ensemble/internal/provider"
	"github.com/haasonsaas/ensemble/internal/tools"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// scriptedAdapter replays one event script per Stream call and records the
// histories it was handed.
type scriptedAdapter struct {
	mu        sync.Mutex
	name      string
	scripts   [][]models.StreamEvent
	calls     int
	histories [][]models.Message
	system    string

	// hang keeps the stream open after the script until the context is
	// cancelled, without ever emitting a stop event.
	hang bool
}

func (a *scriptedAdapter) Name() string                          { return a.name }
func (a *scriptedAdapter) SetSystemPrompt(p string)              { a.system = p }
func (a *scriptedAdapter) SetTemperature(*float64)               {}
func (a *scriptedAdapter) ClearTools()                           {}
func (a *scriptedAdapter) RegisterTool(d tools.Descriptor) error { return nil }
func (a *scriptedAdapter) SetThinking(s provider.ThinkingSetting) bool {
	return true
}
func (a *scriptedAdapter) CountTokens(history []models.Message) int { return 0 }

func (a *scriptedAdapter) Stream(ctx context.Context, history []models.Message) (provider.Stream, error) {
	a.mu.Lock()
	a.histories = append(a.histories, models.CloneHistory(history))
	idx := a.calls
	a.calls++
	var script []models.StreamEvent
	if idx < len(a.scripts) {
		script = a.scripts[idx]
	}
	a.mu.Unlock()

	ch := make(chan models.StreamEvent, len(script)+1)
	for _, ev := range script {
		ch <- ev
	}
	if a.hang {
		go func() {
			<-ctx.Done()
			close(ch)
		}()
	} else {
		close(ch)
	}
	return &scriptStream{ch: ch}, nil
}

type scriptStream struct{ ch chan models.StreamEvent }

func (s *scriptStream) Events() <-chan models.StreamEvent { return s.ch }
func (s *scriptStream) Close()                            {}

// memStore keeps conversations in memory; failSave simulates a full disk.
type memStore struct {
	mu       sync.Mutex
	saved    map[string]*models.Conversation
	saves    int
	failSave bool
}

func newMemStore() *memStore {
	return &memStore{saved: make(map[string]*models.Conversation)}
}

func (s *memStore) Save(conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.failSave {
		return conversations.NewPersistenceError("save", errors.New("disk full")).WithConversation(conv.ID)
	}
	s.saved[conv.ID] = conv
	return nil
}

func (s *memStore) Load(id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.saved[id]
	if !ok {
		return nil, conversations.ErrNotFound
	}
	return conv, nil
}

func (s *memStore) List() ([]conversations.Metadata, error) { return nil, nil }
func (s *memStore) Delete(id string) error                  { return nil }
func (s *memStore) Prune(maxAgeDays int) ([]string, error)  { return nil, nil }

// newTestEngine wires an engine over Router and Coder agents with the
// transfer tool and a trivial echo tool registered.
func newTestEngine(t *testing.T, adapter *scriptedAdapter, store conversations.Store) (*Engine, *agents.Manager) {
	t.Helper()

	registry := tools.NewRegistry(nil)
	if err := registry.Register(tools.TransferDescriptor()); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(tools.Descriptor{
		Name:        "echo",
		Description: "echoes its input",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
		Handler: func(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return &tools.Result{Content: "echo: " + in.Text}, nil
		},
		Source:           tools.SourceBuiltin,
		EnabledForAgents: []string{tools.WildcardAgents},
	}); err != nil {
		t.Fatal(err)
	}

	cat := catalog.NewRegistry([]string{"anthropic"})
	if _, err := cat.SetCurrent("claude-sonnet-4-20250514"); err != nil {
		t.Fatal(err)
	}

	manager, err := agents.NewManager([]*agents.Agent{
		{Name: "Router", Description: "routes requests", SystemPromptTemplate: "You route."},
		{Name: "Coder", Description: "writes code", SystemPromptTemplate: "You code."},
	}, registry, cat, func(string) (provider.Adapter, error) { return adapter, nil }, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := manager.Select("Router"); err != nil {
		t.Fatal(err)
	}

	if store == nil {
		store = newMemStore()
	}
	return New(Config{
		Manager:  manager,
		Registry: registry,
		Catalog:  cat,
		Store:    store,
	}), manager
}

// drain consumes engine events until the turn ends or the feed closes.
func drain(e *Engine) []Event {
	var out []Event
	for ev := range e.Events() {
		out = append(out, ev)
		if ev.Kind == KindTurnEnd || ev.Kind == KindError {
			break
		}
	}
	return out
}

func TestEngine_PlainTurn(t *testing.T) {
	adapter := &scriptedAdapter{name: "anthropic", scripts: [][]models.StreamEvent{{
		models.TextDeltaEvent("hello "),
		models.TextDeltaEvent("world"),
		models.UsageEvent(models.Usage{InputTokens: 10, OutputTokens: 5}),
		models.StopEvent(models.StopEndTurn),
	}}}
	store := newMemStore()
	e, manager := newTestEngine(t, adapter, store)

	done := make(chan error, 1)
	go func() { done <- e.Submit(context.Background(), "hi there", nil) }()
	events := drain(e)
	if err := <-done; err != nil {
		t.Fatalf("Submit: %v", err)
	}

	router, _ := manager.Get("Router")
	if len(router.History) != 2 {
		t.Fatalf("history has %d messages, want 2", len(router.History))
	}
	if got := router.History[1].Text(); got != "hello world" {
		t.Errorf("assistant text = %q", got)
	}

	conv := e.Conversation()
	if len(conv.TurnLog) != 1 {
		t.Fatalf("turn log has %d entries, want 1", len(conv.TurnLog))
	}
	if conv.TurnLog[0].Indices["Router"] != 0 {
		t.Errorf("marker index = %d, want 0", conv.TurnLog[0].Indices["Router"])
	}
	if store.saves != 1 {
		t.Errorf("store saved %d times, want 1", store.saves)
	}
	if u := e.Usage(); u.InputTokens != 10 || u.OutputTokens != 5 {
		t.Errorf("usage = %+v", u)
	}

	last := events[len(events)-1]
	if last.Kind != KindTurnEnd {
		t.Errorf("last event kind = %s", last.Kind)
	}
	if e.State() != StateIdle {
		t.Errorf("state after turn = %s", e.State())
	}
}

func TestEngine_SubmitRequiresIdle(t *testing.T) {
	e, _ := newTestEngine(t, &scriptedAdapter{name: "anthropic"}, nil)

	e.setState(StateStreaming)
	err := e.Submit(context.Background(), "hi", nil)
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("error type = %T, want *StateError", err)
	}
	if !strings.Contains(se.Error(), "STREAMING") {
		t.Errorf("error should name the current state: %q", se.Error())
	}
}

func TestEngine_ToolLoop(t *testing.T) {
	adapter := &scriptedAdapter{name: "anthropic", scripts: [][]models.StreamEvent{
		{
			models.ToolCallStartEvent("call_1", "echo"),
			models.ToolCallEndEvent("call_1", "echo", json.RawMessage(`{"text":"ping"}`)),
			models.StopEvent(models.StopToolUse),
		},
		{
			models.TextDeltaEvent("the tool said ping"),
			models.StopEvent(models.StopEndTurn),
		},
	}}
	e, manager := newTestEngine(t, adapter, nil)

	done := make(chan error, 1)
	go func() { done <- e.Submit(context.Background(), "run echo", nil) }()
	drain(e)
	if err := <-done; err != nil {
		t.Fatalf("Submit: %v", err)
	}

	router, _ := manager.Get("Router")
	// user, assistant(tool call), tool result, assistant.
	if len(router.History) != 4 {
		t.Fatalf("history has %d messages: %+v", len(router.History), router.History)
	}

	call := router.History[1]
	if len(call.ToolCalls()) != 1 || call.ToolCalls()[0].ID != "call_1" {
		t.Errorf("tool call message = %+v", call)
	}
	// Tool-only assistant messages get a placeholder text part.
	if call.Text() != " " {
		t.Errorf("placeholder text = %q", call.Text())
	}

	result := router.History[2]
	if result.Role != models.RoleTool || result.ToolCallID != "call_1" {
		t.Errorf("tool result message = %+v", result)
	}
	if got := result.ToolResults()[0].Content; got != "echo: ping" {
		t.Errorf("tool result content = %q", got)
	}

	// The second stream saw the tool result in history.
	if len(adapter.histories) != 2 {
		t.Fatalf("adapter streamed %d times, want 2", len(adapter.histories))
	}
	if len(adapter.histories[1]) != 3 {
		t.Errorf("second stream saw %d messages, want 3", len(adapter.histories[1]))
	}
}

func TestEngine_TransferSwitchesAgent(t *testing.T) {
	adapter := &scriptedAdapter{name: "anthropic", scripts: [][]models.StreamEvent{
		{
			models.ToolCallStartEvent("call_t", tools.TransferToolName),
			models.ToolCallEndEvent("call_t", tools.TransferToolName,
				json.RawMessage(`{"target_agent":"Coder","task":"write the parser","relevant_messages":[0]}`)),
			models.StopEvent(models.StopToolUse),
		},
		{
			models.TextDeltaEvent("parser written"),
			models.StopEvent(models.StopEndTurn),
		},
	}}
	e, manager := newTestEngine(t, adapter, nil)

	done := make(chan error, 1)
	go func() { done <- e.Submit(context.Background(), "please write a parser", nil) }()
	drain(e)
	if err := <-done; err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if manager.Active().Name != "Coder" {
		t.Fatalf("active agent = %s, want Coder", manager.Active().Name)
	}

	// Source keeps its own thread: user, assistant(transfer call), result.
	router, _ := manager.Get("Router")
	if len(router.History) != 3 {
		t.Fatalf("router history has %d messages: %+v", len(router.History), router.History)
	}
	if !strings.Contains(router.History[2].ToolResults()[0].Content, "Coder") {
		t.Errorf("transfer result = %+v", router.History[2])
	}

	// Target: system, shared message, task, then its own reply.
	coder, _ := manager.Get("Coder")
	if len(coder.History) != 4 {
		t.Fatalf("coder history has %d messages: %+v", len(coder.History), coder.History)
	}
	if coder.History[0].Role != models.RoleSystem {
		t.Errorf("coder history[0] = %+v", coder.History[0])
	}
	if got := coder.History[2].Text(); got != "write the parser" {
		t.Errorf("task message = %q", got)
	}
	if got := coder.History[3].Text(); got != "parser written" {
		t.Errorf("coder reply = %q", got)
	}

	conv := e.Conversation()
	if !conv.HasAgent("Router") || !conv.HasAgent("Coder") {
		t.Errorf("participants = %v", conv.Agents)
	}
}

func TestEngine_TransferSuppressesSiblings(t *testing.T) {
	adapter := &scriptedAdapter{name: "anthropic", scripts: [][]models.StreamEvent{
		{
			models.ToolCallEndEvent("call_a", "echo", json.RawMessage(`{"text":"side"}`)),
			models.ToolCallEndEvent("call_t", tools.TransferToolName,
				json.RawMessage(`{"target_agent":"Coder","task":"go"}`)),
			models.StopEvent(models.StopToolUse),
		},
		{
			models.TextDeltaEvent("done"),
			models.StopEvent(models.StopEndTurn),
		},
	}}
	e, manager := newTestEngine(t, adapter, nil)

	done := make(chan error, 1)
	go func() { done <- e.Submit(context.Background(), "go", nil) }()
	drain(e)
	if err := <-done; err != nil {
		t.Fatalf("Submit: %v", err)
	}

	router, _ := manager.Get("Router")
	// user, assistant, echo result (suppressed), transfer result.
	if len(router.History) != 4 {
		t.Fatalf("router history has %d messages: %+v", len(router.History), router.History)
	}
	suppressed := router.History[2].ToolResults()[0]
	if !suppressed.IsError || !strings.Contains(suppressed.Content, "superseded by transfer") {
		t.Errorf("sibling result = %+v", suppressed)
	}
}

func TestEngine_TransferToUnknownAgentRecovers(t *testing.T) {
	adapter := &scriptedAdapter{name: "anthropic", scripts: [][]models.StreamEvent{
		{
			models.ToolCallEndEvent("call_t", tools.TransferToolName,
				json.RawMessage(`{"target_agent":"Nobody","task":"go"}`)),
			models.StopEvent(models.StopToolUse),
		},
		{
			models.TextDeltaEvent("I will handle it myself"),
			models.StopEvent(models.StopEndTurn),
		},
	}}
	e, manager := newTestEngine(t, adapter, nil)

	done := make(chan error, 1)
	go func() { done <- e.Submit(context.Background(), "go", nil) }()
	drain(e)
	if err := <-done; err != nil {
		t.Fatalf("Submit should recover from a bad transfer target: %v", err)
	}

	if manager.Active().Name != "Router" {
		t.Errorf("active agent = %s, want Router", manager.Active().Name)
	}
	router, _ := manager.Get("Router")
	failed := router.History[2].ToolResults()[0]
	if !failed.IsError || !strings.Contains(failed.Content, "Coder") {
		t.Errorf("failed transfer result should list available agents: %+v", failed)
	}
}

func TestEngine_ThinkingPreservedVerbatim(t *testing.T) {
	sig := []byte{0x01, 0x7f, 0xff}
	adapter := &scriptedAdapter{name: "anthropic", scripts: [][]models.StreamEvent{{
		models.ThinkingDeltaEvent("let me "),
		models.ThinkingDeltaEvent("think"),
		models.ThinkingSignatureEvent(sig),
		models.TextDeltaEvent("answer"),
		models.StopEvent(models.StopEndTurn),
	}}}
	e, manager := newTestEngine(t, adapter, nil)

	done := make(chan error, 1)
	go func() { done <- e.Submit(context.Background(), "think hard", nil) }()
	drain(e)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	router, _ := manager.Get("Router")
	thinking := router.History[1].ThinkingParts()
	if len(thinking) != 1 {
		t.Fatalf("thinking parts = %d, want 1", len(thinking))
	}
	if thinking[0].Text != "let me think" {
		t.Errorf("thinking text = %q", thinking[0].Text)
	}
	if string(thinking[0].Signature) != string(sig) {
		t.Errorf("signature = %v, want %v", thinking[0].Signature, sig)
	}
}

func TestEngine_CancelRollsBack(t *testing.T) {
	adapter := &scriptedAdapter{
		name:    "anthropic",
		scripts: [][]models.StreamEvent{{models.TextDeltaEvent("partial")}},
		hang:    true,
	}
	e, manager := newTestEngine(t, adapter, nil)

	done := make(chan error, 1)
	go func() { done <- e.Submit(context.Background(), "never finishes", nil) }()

	// Wait for the first delta to arrive, then cancel mid-stream.
	for ev := range e.Events() {
		if ev.Kind == KindStream && ev.Stream.Type == models.EventTextDelta {
			break
		}
	}
	e.Cancel()
	if err := <-done; err != nil {
		t.Fatalf("cancelled Submit should return nil, got %v", err)
	}

	router, _ := manager.Get("Router")
	if len(router.History) != 0 {
		t.Errorf("history not rolled back: %+v", router.History)
	}
	if len(e.Conversation().TurnLog) != 0 {
		t.Errorf("turn log should be empty after rollback")
	}
	if e.State() != StateIdle {
		t.Errorf("state = %s, want IDLE", e.State())
	}
	// Engine is usable again.
	adapter.mu.Lock()
	adapter.scripts = append(adapter.scripts, []models.StreamEvent{
		models.TextDeltaEvent("ok"),
		models.StopEvent(models.StopEndTurn),
	})
	adapter.hang = false
	adapter.mu.Unlock()
	go func() { done <- e.Submit(context.Background(), "again", nil) }()
	drain(e)
	if err := <-done; err != nil {
		t.Fatalf("Submit after cancel: %v", err)
	}
}

func TestEngine_StreamErrorRollsBack(t *testing.T) {
	adapter := &scriptedAdapter{name: "anthropic", scripts: [][]models.StreamEvent{{
		models.TextDeltaEvent("part"),
		models.StopErrorEvent(errors.New("backend exploded")),
	}}}
	e, manager := newTestEngine(t, adapter, nil)

	done := make(chan error, 1)
	go func() { done <- e.Submit(context.Background(), "boom", nil) }()
	drain(e)
	if err := <-done; err == nil || !strings.Contains(err.Error(), "backend exploded") {
		t.Fatalf("Submit error = %v", err)
	}

	router, _ := manager.Get("Router")
	if len(router.History) != 0 {
		t.Errorf("history not rolled back: %+v", router.History)
	}
}

func TestEngine_SnapshotFailureDoesNotFailTurn(t *testing.T) {
	adapter := &scriptedAdapter{name: "anthropic", scripts: [][]models.StreamEvent{{
		models.TextDeltaEvent("ok"),
		models.StopEvent(models.StopEndTurn),
	}}}
	store := newMemStore()
	store.failSave = true
	e, manager := newTestEngine(t, adapter, store)

	done := make(chan error, 1)
	go func() { done <- e.Submit(context.Background(), "hi", nil) }()
	events := drain(e)
	if err := <-done; err != nil {
		t.Fatalf("snapshot failure must not fail the turn: %v", err)
	}

	var warned bool
	for _, ev := range events {
		if ev.Kind == KindNotice && strings.Contains(ev.Notice, "could not be saved") {
			warned = true
		}
	}
	if !warned {
		t.Error("expected a snapshot warning notice")
	}

	// The turn stays committed in memory.
	router, _ := manager.Get("Router")
	if len(router.History) != 2 {
		t.Errorf("history = %d messages, want 2", len(router.History))
	}
}

func TestEngine_Jump(t *testing.T) {
	adapter := &scriptedAdapter{name: "anthropic", scripts: [][]models.StreamEvent{
		{models.TextDeltaEvent("one"), models.StopEvent(models.StopEndTurn)},
		{models.TextDeltaEvent("two"), models.StopEvent(models.StopEndTurn)},
	}}
	e, manager := newTestEngine(t, adapter, nil)

	for _, text := range []string{"first", "second"} {
		done := make(chan error, 1)
		go func() { done <- e.Submit(context.Background(), text, nil) }()
		drain(e)
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}

	router, _ := manager.Get("Router")
	if len(router.History) != 4 {
		t.Fatalf("history = %d messages, want 4", len(router.History))
	}

	// Rewind to the start of turn 2: the first exchange survives.
	if err := e.Jump(2); err != nil {
		t.Fatalf("Jump: %v", err)
	}
	if len(router.History) != 2 {
		t.Errorf("history after jump = %d messages, want 2", len(router.History))
	}
	if got := router.History[0].Text(); got != "first" {
		t.Errorf("history[0] = %q", got)
	}
	if len(e.Conversation().TurnLog) != 1 {
		t.Errorf("turn log = %d entries, want 1", len(e.Conversation().TurnLog))
	}

	if err := e.Jump(5); err == nil {
		t.Error("jumping past the turn log should fail")
	}
}

func TestEmitter_DropsOldestWhenFull(t *testing.T) {
	em := newEmitter(2)
	em.emit(Event{Kind: KindNotice, Notice: "a"})
	em.emit(Event{Kind: KindNotice, Notice: "b"})
	em.emit(Event{Kind: KindNotice, Notice: "c"})
	em.close()

	var got []string
	for ev := range em.events() {
		got = append(got, ev.Notice)
	}
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("buffered events = %v, want [b c]", got)
	}
}

func TestEmitter_EmitAfterCloseIsNoop(t *testing.T) {
	em := newEmitter(1)
	em.close()
	em.emit(Event{Kind: KindNotice, Notice: "late"})
}
