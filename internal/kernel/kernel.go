// Package kernel is the composition root. It constructs every component in
// dependency order and owns their lifecycles; nothing below it holds a
// reference back up.
package kernel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/loom/internal/backoff"
	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/conversation"
	"github.com/haasonsaas/loom/internal/domain"
	"github.com/haasonsaas/loom/internal/executor"
	"github.com/haasonsaas/loom/internal/llm"
	"github.com/haasonsaas/loom/internal/mcp"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/registry"
	"github.com/haasonsaas/loom/internal/server"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/internal/turn"
	"github.com/haasonsaas/loom/pkg/models"
)

// Version is stamped by the build; the server handshake reports it.
var Version = "dev"

// Kernel owns every service. Construction order follows the dependency
// graph: observability, registry, fleet, executor, provider, store, domain
// manager, turn engine, server boundary.
type Kernel struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Registry *registry.Registry
	Fleet    *mcp.Fleet
	Executor *executor.Manager
	Provider llm.Provider
	Store    *conversation.Store
	Domains  *domain.Manager
	Engine   *turn.Engine
	Server   *server.Server

	promRegistry  *prometheus.Registry
	openai        *llm.OpenAIProvider
	traceShutdown func(context.Context) error
}

// Option overrides a construction default, mainly for tests.
type Option func(*options)

type options struct {
	provider llm.Provider
}

// WithProvider substitutes the LLM provider built from config.
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// New wires the kernel from configuration. Nothing starts listening or
// connecting until Start.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		})
	}

	promRegistry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promRegistry)

	reg := registry.New(logger)
	if err := tools.RegisterBuiltins(reg, cfg.Runtime.DataDirectory); err != nil {
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}

	agentStore := mcp.NewAgentStore(cfg.Runtime.DataDirectory)
	fleet := mcp.NewFleet(mcp.DefaultFleetConfig(), agentStore, metrics, logger)
	fleet.SetHandler(&registrySink{registry: reg, metrics: metrics, logger: logger})

	exec := executor.NewManager(executor.Config{
		DefaultMode:        models.ApprovalMode(cfg.Tools.ApprovalMode),
		PerToolConcurrency: cfg.Tools.PerToolConcurrency,
		GlobalConcurrency:  cfg.Tools.GlobalToolConcurrency,
		Fanout:             cfg.Tools.ToolCallFanout,
		ToolTimeout:        cfg.Tools.DefaultToolTimeout,
	}, reg, fleet, metrics, logger)

	provider := o.provider
	var openaiProvider *llm.OpenAIProvider
	if provider == nil {
		base := llm.NewOpenAIProvider(llm.OpenAIConfig{
			Endpoint: cfg.LLM.Endpoint,
			Model:    cfg.LLM.Model,
			APIKey:   cfg.LLM.APIKey,
		}, metrics, logger)
		openaiProvider = base
		policy := backoff.DefaultPolicy()
		policy.BaseDelay = cfg.Retry.BaseRetryDelay
		policy.Jitter = cfg.Retry.RetryJitter
		provider = llm.NewRetryingProvider(base, policy, cfg.Retry.MaxRetries, metrics, logger)
	}

	store := conversation.NewStore(conversation.Config{
		MaxHistoryLength:     cfg.Conversation.MaxHistoryLength,
		CompressionThreshold: cfg.Conversation.CompressionThreshold,
	}, llm.NewHistorySummarizer(provider), logger)

	domains := domain.NewManager(cfg.Domain.Directory, reg, fleet, logger)

	engine := turn.NewEngine(turn.Config{
		MaxIterations:  cfg.Turn.MaxTurnIterations,
		PlanMode:       cfg.Tools.ApprovalMode == string(models.ApprovalPlan),
		MaxContextSize: cfg.Conversation.MaxContextSize,
	}, provider, exec, store, reg, metrics, logger)
	engine.SetOverlay(domains)

	srv := server.New(server.Config{
		ListenAddress: cfg.MCP.ListenAddress,
		AuthToken:     cfg.MCP.AuthToken,
		Name:          "loom",
		Version:       Version,
	}, reg, exec, promRegistry, logger)

	return &Kernel{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Registry:     reg,
		Fleet:        fleet,
		Executor:     exec,
		Provider:     provider,
		Store:        store,
		Domains:      domains,
		Engine:       engine,
		Server:       srv,
		promRegistry: promRegistry,
		openai:       openaiProvider,
	}, nil
}

// Start brings up the outward-facing pieces: tracing, persisted MCP
// agents, the domain watcher, and the server boundary.
func (k *Kernel) Start(ctx context.Context) error {
	tracer, shutdown, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    "loom",
		ServiceVersion: Version,
		Endpoint:       k.Config.Tracing.Endpoint,
		SamplingRate:   k.Config.Tracing.SamplingRate,
		EnableInsecure: k.Config.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	k.traceShutdown = shutdown
	k.Engine.SetTracer(tracer)
	k.Executor.SetTracer(tracer)
	if k.openai != nil {
		k.openai.SetTracer(tracer)
	}

	if err := k.Fleet.Rehydrate(ctx); err != nil {
		k.Logger.Warn("agent rehydration incomplete", "error", err)
	}

	if k.Config.Domain.Directory != "" {
		if err := k.Domains.Watch(ctx); err != nil {
			k.Logger.Warn("domain watcher unavailable", "error", err)
		}
	}

	return k.Server.Start()
}

// Shutdown stops services in reverse construction order.
func (k *Kernel) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := k.Server.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := k.Domains.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	k.Fleet.Close()
	if k.traceShutdown != nil {
		if err := k.traceShutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SubmitPrompt starts one turn. An empty sessionID creates a session; the
// returned id identifies it either way.
func (k *Kernel) SubmitPrompt(ctx context.Context, sessionID, content string, streaming bool, policy models.ToolPolicy) (string, <-chan models.TurnEvent, error) {
	if sessionID == "" {
		sessionID = k.Store.Create()
	}
	p := models.NewPrompt(content)
	p.StreamingEnabled = streaming
	if policy != "" {
		p.ToolPolicy = policy
	}

	events, err := k.Engine.Run(ctx, sessionID, p)
	if err != nil {
		return sessionID, nil, err
	}
	return sessionID, events, nil
}
