// Package a2a implements the agent-to-agent protocol: an HTTP server that
// exposes local agents as SSE task endpoints, and the client the engine uses
// to reach remote agents.
package a2a

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/ensemble/internal/agents"
	"github.com/haasonsaas/ensemble/internal/engine"
	"github.com/haasonsaas/ensemble/internal/telemetry"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// DefaultPort is the A2A server's default listen port.
const DefaultPort = 41241

// TaskRequest is the POST /<agent-name> body.
type TaskRequest struct {
	Task             string           `json:"task"`
	RelevantMessages []models.Message `json:"relevant_messages,omitempty"`
}

// AgentCard describes one served agent in GET /agents.
type AgentCard struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Server exposes local agents over the A2A protocol. Tasks run one at a
// time: the engine serializes turns, and the server queues requests behind
// its mutex rather than rejecting them.
type Server struct {
	manager *agents.Manager
	engine  *engine.Engine
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu sync.Mutex
}

// ServerConfig wires a Server.
type ServerConfig struct {
	Manager *agents.Manager
	Engine  *engine.Engine
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// NewServer builds an A2A server over the given session.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager: cfg.Manager,
		engine:  cfg.Engine,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "a2a"),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/agents", s.handleAgents)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	r.Post("/{agent}", s.handleTask)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintln(w, `{"status":"ok"}`)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	var cards []AgentCard
	for _, a := range s.manager.Local() {
		cards = append(cards, AgentCard{Name: a.Name, Description: a.Description})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(cards); err != nil {
		s.logger.Warn("agents encode failed", "error", err)
	}
}

// handleTask runs one turn for the named agent with a transfer-equivalent
// context and streams the canonical events back as SSE frames.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "agent")
	agent, ok := s.manager.Get(name)
	if !ok || agent.IsRemote {
		http.Error(w, fmt.Sprintf("unknown agent %q", name), http.StatusNotFound)
		return
	}

	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Task == "" {
		http.Error(w, "task is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Transfer-equivalent context: rendered system prompt, then the shared
	// messages the caller chose to forward. The task itself is appended by
	// Submit as the user message.
	history := []models.Message{models.NewTextMessage(models.RoleSystem,
		agent.RenderSystemPrompt(time.Now(), s.manager.Local()))}
	history = append(history, req.RelevantMessages...)
	agent.History = history

	if err := s.manager.Select(name); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	done := make(chan error, 1)
	go func() { done <- s.engine.Submit(r.Context(), req.Task, nil) }()

	for ev := range s.engine.Events() {
		switch ev.Kind {
		case engine.KindStream:
			s.writeFrame(w, flusher, ev.Stream)
		case engine.KindError:
			s.writeFrame(w, flusher, models.StopErrorEvent(ev.Err))
		}
		if ev.Kind == engine.KindTurnEnd || ev.Kind == engine.KindError {
			break
		}
	}
	if err := <-done; err != nil {
		s.logger.Warn("a2a task failed", "agent", name, "error", err)
	}
}

func (s *Server) writeFrame(w http.ResponseWriter, flusher http.Flusher, ev models.StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("event marshal failed", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
