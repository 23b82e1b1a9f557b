package a2a

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/ensemble/internal/agents"
	"github.com/haasonsaas/ensemble/internal/catalog"
	"github.com/haasonsaas/ensemble/internal/conversations"
	"github.com/haasonsaas/ensemble/internal/engine"
	"github.com/haasonsaas/ensemble/internal/provider"
	"github.com/haasonsaas/ensemble/internal/telemetry"
	"github.com/haasonsaas/ensemble/internal/tools"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// replayAdapter emits a fixed event script per stream and remembers the
// last history it was handed.
type replayAdapter struct {
	script      []models.StreamEvent
	lastHistory []models.Message
}

func (a *replayAdapter) Name() string                              { return "anthropic" }
func (a *replayAdapter) SetSystemPrompt(string)                    {}
func (a *replayAdapter) SetTemperature(*float64)                   {}
func (a *replayAdapter) ClearTools()                               {}
func (a *replayAdapter) RegisterTool(tools.Descriptor) error       { return nil }
func (a *replayAdapter) SetThinking(provider.ThinkingSetting) bool { return true }
func (a *replayAdapter) CountTokens([]models.Message) int          { return 0 }

func (a *replayAdapter) Stream(ctx context.Context, history []models.Message) (provider.Stream, error) {
	a.lastHistory = models.CloneHistory(history)
	ch := make(chan models.StreamEvent, len(a.script))
	for _, ev := range a.script {
		ch <- ev
	}
	close(ch)
	return &replayStream{ch: ch}, nil
}

type replayStream struct{ ch chan models.StreamEvent }

func (s *replayStream) Events() <-chan models.StreamEvent { return s.ch }
func (s *replayStream) Close()                            {}

func newTestServer(t *testing.T, adapter *replayAdapter) (*httptest.Server, *replayAdapter) {
	t.Helper()

	registry := tools.NewRegistry(nil)
	if err := registry.Register(tools.TransferDescriptor()); err != nil {
		t.Fatal(err)
	}
	cat := catalog.NewRegistry([]string{"anthropic"})
	if _, err := cat.SetCurrent("claude-sonnet-4-20250514"); err != nil {
		t.Fatal(err)
	}
	manager, err := agents.NewManager([]*agents.Agent{
		{Name: "Researcher", Description: "digs into questions", SystemPromptTemplate: "You research."},
		{Name: "Elsewhere", Description: "remote", IsRemote: true, Endpoint: "http://x:41241"},
	}, registry, cat, func(string) (provider.Adapter, error) { return adapter, nil }, nil)
	if err != nil {
		t.Fatal(err)
	}

	store, err := conversations.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	eng := engine.New(engine.Config{
		Manager: manager, Registry: registry, Catalog: cat, Store: store,
	})

	srv := NewServer(ServerConfig{
		Manager: manager,
		Engine:  eng,
		Metrics: telemetry.NewMetrics(),
		Logger:  telemetry.NewLogger(io.Discard, true),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, adapter
}

func TestServer_TaskStreamsEvents(t *testing.T) {
	ts, adapter := newTestServer(t, &replayAdapter{script: []models.StreamEvent{
		models.TextDeltaEvent("findings: "),
		models.TextDeltaEvent("42"),
		models.StopEvent(models.StopEndTurn),
	}})

	client := NewClient(nil, nil)
	shared := []models.Message{models.NewTextMessage(models.RoleUser, "earlier context")}
	events, err := client.Run(context.Background(), ts.URL, "Researcher", "what is the answer", shared)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var text strings.Builder
	var sawStop bool
	for ev := range events {
		switch ev.Type {
		case models.EventTextDelta:
			text.WriteString(ev.Text)
		case models.EventStop:
			sawStop = true
			if ev.Stop != models.StopEndTurn {
				t.Errorf("stop reason = %s", ev.Stop)
			}
		}
	}
	if text.String() != "findings: 42" {
		t.Errorf("streamed text = %q", text.String())
	}
	if !sawStop {
		t.Error("stream ended without a stop event")
	}

	// The agent saw a transfer-equivalent context: system prompt, the
	// forwarded message, then the task as a user message.
	h := adapter.lastHistory
	if len(h) != 3 {
		t.Fatalf("agent history had %d messages: %+v", len(h), h)
	}
	if h[0].Role != models.RoleSystem {
		t.Errorf("history[0].Role = %s", h[0].Role)
	}
	if got := h[1].Text(); got != "earlier context" {
		t.Errorf("forwarded message = %q", got)
	}
	if h[2].Role != models.RoleUser || h[2].Text() != "what is the answer" {
		t.Errorf("task message = %+v", h[2])
	}
}

func TestServer_UnknownAgent404(t *testing.T) {
	ts, _ := newTestServer(t, &replayAdapter{})

	for _, name := range []string{"Nobody", "Elsewhere"} {
		resp, err := http.Post(ts.URL+"/"+name, "application/json",
			strings.NewReader(`{"task":"x"}`))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("POST /%s status = %d, want 404", name, resp.StatusCode)
		}
	}

	client := NewClient(nil, nil)
	if _, err := client.Run(context.Background(), ts.URL, "Nobody", "x", nil); err == nil {
		t.Error("client should surface the 404")
	}
}

func TestServer_TaskRequired(t *testing.T) {
	ts, _ := newTestServer(t, &replayAdapter{})
	resp, err := http.Post(ts.URL+"/Researcher", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServer_AgentsAndHealth(t *testing.T) {
	ts, _ := newTestServer(t, &replayAdapter{})

	resp, err := http.Get(ts.URL + "/agents")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var cards []AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&cards); err != nil {
		t.Fatal(err)
	}
	// Remote agents are not served here.
	if len(cards) != 1 || cards[0].Name != "Researcher" {
		t.Errorf("cards = %+v", cards)
	}

	health, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", health.StatusCode)
	}

	metrics, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	metrics.Body.Close()
	if metrics.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", metrics.StatusCode)
	}
}
