package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/joho/godotenv"

	"github.com/haasonsaas/ensemble/internal/a2a"
	"github.com/haasonsaas/ensemble/internal/agents"
	"github.com/haasonsaas/ensemble/internal/catalog"
	"github.com/haasonsaas/ensemble/internal/config"
	"github.com/haasonsaas/ensemble/internal/conversations"
	"github.com/haasonsaas/ensemble/internal/engine"
	"github.com/haasonsaas/ensemble/internal/mcp"
	"github.com/haasonsaas/ensemble/internal/provider"
	"github.com/haasonsaas/ensemble/internal/telemetry"
	"github.com/haasonsaas/ensemble/internal/tools"
)

var errNoCredentials = errors.New(
	"no provider credentials found; set ANTHROPIC_API_KEY, GEMINI_API_KEY, OPENAI_API_KEY, " +
		"GROQ_API_KEY, or DEEPINFRA_API_KEY, or add api_keys to ~/.ensemble/config.json")

// session is the fully wired runtime shared by the chat REPL and the A2A
// server: credentials, catalog, tools, MCP servers, agents, and the engine.
type session struct {
	logger   *slog.Logger
	logLevel *slog.LevelVar

	creds        provider.Credentials
	providerName string

	catalog    *catalog.Registry
	tools      *tools.Registry
	supervisor *mcp.Supervisor
	manager    *agents.Manager
	engine     *engine.Engine
	store      *conversations.FileStore
	pruner     *conversations.Pruner
	metrics    *telemetry.Metrics

	stopTracing func(context.Context) error

	adapterMu sync.Mutex
	adapters  map[string]provider.Adapter
}

// newSession boots the runtime: .env, global config, provider detection,
// model catalog, tool registry, MCP servers, agent roster, persistence, and
// the turn engine.
func newSession(ctx context.Context, flags sessionFlags) (*session, error) {
	// Developer convenience: keys in ./.env are picked up before anything
	// else reads the environment.
	_ = godotenv.Load()

	logLevel := new(slog.LevelVar)
	if flags.debug {
		logLevel.Set(slog.LevelDebug)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	globalPath, err := config.GlobalConfigPath()
	if err != nil {
		return nil, config.NewConfigError("", err)
	}
	global, err := config.LoadGlobal(globalPath)
	if err != nil {
		return nil, err
	}
	creds := global.Credentials()

	providerName := flags.provider
	if providerName == "" {
		providerName = provider.Detect(creds)
	}
	if providerName == "" {
		return nil, errNoCredentials
	}
	if isBuiltinProvider(providerName) && creds.Key(providerName) == "" {
		return nil, fmt.Errorf("%w (provider %q selected)", errNoCredentials, providerName)
	}

	cat := catalog.NewRegistry(provider.Available(creds))
	if err := global.RegisterModels(cat); err != nil {
		return nil, config.NewConfigError(globalPath, err)
	}
	if err := selectInitialModel(cat, providerName); err != nil {
		return nil, err
	}

	s := &session{
		logger:       logger,
		logLevel:     logLevel,
		creds:        creds,
		providerName: providerName,
		catalog:      cat,
		adapters:     make(map[string]provider.Adapter),
	}

	s.tools = tools.NewRegistry(logger)
	if err := s.tools.Register(tools.TransferDescriptor()); err != nil {
		return nil, err
	}
	if key := os.Getenv("TAVILY_API_KEY"); key != "" {
		if err := s.tools.Register(tools.NewWebSearchTool(key, nil)); err != nil {
			return nil, err
		}
	}
	if err := s.tools.Register(tools.NewWebFetchTool(nil)); err != nil {
		return nil, err
	}

	mcpPath := flags.mcpConfig
	if mcpPath == "" {
		if mcpPath, err = config.MCPConfigPath(); err != nil {
			return nil, config.NewConfigError("", err)
		}
	}
	manifest, err := mcp.LoadManifest(mcpPath)
	if err != nil {
		return nil, config.NewConfigError(mcpPath, err)
	}
	s.supervisor = mcp.NewSupervisor(manifest, s.tools, logger)
	s.supervisor.LaunchAll(ctx)
	if err := s.tools.Register(tools.NewMCPReconnectTool(s.supervisor)); err != nil {
		return nil, err
	}

	agentsPath := flags.agentConfig
	if agentsPath == "" {
		if agentsPath, err = config.AgentsConfigPath(); err != nil {
			return nil, config.NewConfigError("", err)
		}
	}
	roster, err := config.LoadAgents(agentsPath)
	if err != nil {
		return nil, err
	}
	list, err := roster.Build(s.tools)
	if err != nil {
		return nil, err
	}

	s.manager, err = agents.NewManager(list, s.tools, cat, s.adapterFor, logger)
	if err != nil {
		return nil, config.NewConfigError(agentsPath, err)
	}

	dataDir, err := config.DataDir()
	if err != nil {
		return nil, config.NewConfigError("", err)
	}
	s.store, err = conversations.NewFileStore(dataDir, logger)
	if err != nil {
		return nil, err
	}
	s.pruner = conversations.NewPruner(s.store, conversations.DefaultRetentionDays, logger)
	if err := s.pruner.Start(); err != nil {
		logger.Warn("conversation pruning disabled", "error", err)
	}

	s.metrics = telemetry.NewMetrics()
	if s.stopTracing, err = telemetry.InitTracing(ctx, "ensemble"); err != nil {
		logger.Warn("tracing disabled", "error", err)
		s.stopTracing = func(context.Context) error { return nil }
	}

	s.engine = engine.New(engine.Config{
		Manager:  s.manager,
		Registry: s.tools,
		Catalog:  cat,
		Store:    s.store,
		Remote:   a2a.NewClient(nil, logger),
		Metrics:  s.metrics,
		Logger:   logger,
	})

	locals := s.manager.Local()
	if len(locals) == 0 {
		return nil, config.NewConfigError(agentsPath, nil).
			WithMessage("at least one local agent is required")
	}
	if err := s.manager.Select(locals[0].Name); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) close(ctx context.Context) {
	s.engine.Close()
	s.supervisor.Shutdown()
	s.pruner.Stop()
	if err := s.stopTracing(ctx); err != nil {
		s.logger.Warn("trace flush failed", "error", err)
	}
}

// adapterFor returns a cached adapter for the provider, constructing it on
// first use. Model switches across providers re-enter here.
func (s *session) adapterFor(name string) (provider.Adapter, error) {
	s.adapterMu.Lock()
	defer s.adapterMu.Unlock()
	if adapter, ok := s.adapters[name]; ok {
		return adapter, nil
	}
	adapter, err := provider.New(context.Background(), name, s.creds, s.currentModel, s.logger)
	if err != nil {
		return nil, err
	}
	s.adapters[name] = adapter
	return adapter, nil
}

func (s *session) currentModel() catalog.Model {
	m, _ := s.catalog.Current()
	return m
}

// toggleDebug flips the log level and reports whether debug is now on.
func (s *session) toggleDebug() bool {
	if s.logLevel.Level() == slog.LevelDebug {
		s.logLevel.Set(slog.LevelInfo)
		return false
	}
	s.logLevel.Set(slog.LevelDebug)
	return true
}

func isBuiltinProvider(name string) bool {
	for _, p := range provider.DetectOrder {
		if p == name {
			return true
		}
	}
	return false
}

func selectInitialModel(cat *catalog.Registry, providerName string) error {
	if def, ok := cat.DefaultFor(providerName); ok {
		_, err := cat.SetCurrent(def.ID)
		return err
	}
	if list := cat.ListByProvider(providerName); len(list) > 0 {
		_, err := cat.SetCurrent(list[0].ID)
		return err
	}
	return config.NewConfigError("", nil).
		WithMessage(fmt.Sprintf("no models known for provider %q", providerName))
}
