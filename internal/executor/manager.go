// Package executor owns the tool execution lifecycle: parameter validation,
// approval policy, concurrency quotas, dispatch to local executors or MCP
// transports, and result normalisation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/loom/internal/mcp"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/registry"
	"github.com/haasonsaas/loom/internal/signal"
	"github.com/haasonsaas/loom/pkg/models"
)

// ToolSource resolves tool names to definitions and local executors. The
// registry implements it.
type ToolSource interface {
	Lookup(name string) (models.ToolDefinition, registry.Executor, error)
}

// AgentCaller dispatches calls to external agents. The MCP fleet implements
// it.
type AgentCaller interface {
	Call(ctx context.Context, agentID, toolName string, args map[string]any) (*mcp.CallResult, error)
	Ready(agentID string) bool
}

// Config bounds executions.
type Config struct {
	// DefaultMode applies when a definition carries no explicit mode.
	DefaultMode models.ApprovalMode
	// PerToolConcurrency and GlobalConcurrency cap concurrent executions.
	PerToolConcurrency int
	GlobalConcurrency  int
	// Fanout bounds parallelism within one assistant message's tool calls.
	Fanout int
	// ToolTimeout bounds a single local execution.
	ToolTimeout time.Duration
	// QuotaWait bounds how long an execution waits for a quota slot before
	// failing with QuotaExceeded.
	QuotaWait time.Duration
}

// DefaultConfig returns conservative execution bounds.
func DefaultConfig() Config {
	return Config{
		DefaultMode:        models.ApprovalDefault,
		PerToolConcurrency: 2,
		GlobalConcurrency:  8,
		Fanout:             4,
		ToolTimeout:        30 * time.Second,
		QuotaWait:          5 * time.Second,
	}
}

// Manager is the single owner of tool execution records. Everything a tool
// call passes through lives here, in order: validation, approval, quota,
// dispatch, normalisation.
type Manager struct {
	config  Config
	tools   ToolSource
	agents  AgentCaller
	queue   *ApprovalQueue
	schemas *schemaCache
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger

	// approver, when set, answers ask decisions instead of the queue.
	approver Approver

	globalSem  chan struct{}
	perToolMu  sync.Mutex
	perToolSem map[string]chan struct{}

	execMu     sync.RWMutex
	executions map[string]*toolExecution
}

// NewManager creates an execution manager. agents may be nil when no
// external transports exist.
func NewManager(config Config, tools ToolSource, agents AgentCaller, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	if config.GlobalConcurrency < 1 {
		config.GlobalConcurrency = DefaultConfig().GlobalConcurrency
	}
	if config.PerToolConcurrency < 1 {
		config.PerToolConcurrency = DefaultConfig().PerToolConcurrency
	}
	if config.Fanout < 1 {
		config.Fanout = DefaultConfig().Fanout
	}
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = DefaultConfig().ToolTimeout
	}
	if config.QuotaWait <= 0 {
		config.QuotaWait = DefaultConfig().QuotaWait
	}
	if config.DefaultMode == "" {
		config.DefaultMode = models.ApprovalDefault
	}
	return &Manager{
		config:     config,
		tools:      tools,
		agents:     agents,
		queue:      NewApprovalQueue(),
		schemas:    newSchemaCache(),
		metrics:    metrics,
		tracer:     observability.NopTracer(),
		logger:     logger.With("component", "executor"),
		globalSem:  make(chan struct{}, config.GlobalConcurrency),
		perToolSem: make(map[string]chan struct{}),
		executions: make(map[string]*toolExecution),
	}
}

// SetApprover installs a custom approval decider. Without one, ask
// decisions suspend on the approval queue.
func (m *Manager) SetApprover(a Approver) { m.approver = a }

// SetTracer installs the tracer dispatch spans are recorded on.
func (m *Manager) SetTracer(tracer *observability.Tracer) {
	if tracer != nil {
		m.tracer = tracer
	}
}

// Approvals exposes the pending-approval queue for UIs and APIs.
func (m *Manager) Approvals() *ApprovalQueue { return m.queue }

// CallSet tracks tool-call ids seen within one turn so duplicates are
// executed once.
type CallSet struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewCallSet creates an empty set.
func NewCallSet() *CallSet {
	return &CallSet{seen: make(map[string]bool)}
}

// Claim marks an id as seen and reports whether this was the first claim.
// Empty ids are never duplicates.
func (s *CallSet) Claim(id string) bool {
	if id == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[id] {
		return false
	}
	s.seen[id] = true
	return true
}

// ExecuteToolCall runs one tool call to completion and returns the
// normalised result. Failures come back as failed results, never as partial
// state.
func (m *Manager) ExecuteToolCall(ctx context.Context, call models.ToolCall) models.ToolResult {
	params, err := call.ParsedArguments()
	if err != nil {
		return models.FailedToolResult(call.Function.Name, fmt.Sprintf("invalid parameters: %v", err))
	}
	exec := newToolExecution(uuid.NewString(), call.Function.Name, params, m.config.DefaultMode)
	return m.run(ctx, exec)
}

// ExecuteToolCalls dispatches an assistant message's tool calls with bounded
// parallelism, returning results in the original call order. seen tracks
// duplicate ids across the whole turn.
func (m *Manager) ExecuteToolCalls(ctx context.Context, calls []models.ToolCall, seen *CallSet) []models.ToolResult {
	if seen == nil {
		seen = NewCallSet()
	}
	results := make([]models.ToolResult, len(calls))

	sem := make(chan struct{}, m.config.Fanout)
	var wg sync.WaitGroup
	for i, call := range calls {
		if !seen.Claim(call.ID) {
			results[i] = models.FailedToolResult(call.Function.Name,
				fmt.Sprintf("%v: %s", signal.ErrDuplicateCallID, call.ID))
			continue
		}
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = m.ExecuteToolCall(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

// Submit starts an asynchronous execution and returns its id plus a channel
// of lifecycle snapshots. The channel closes when the execution completes.
func (m *Manager) Submit(ctx context.Context, toolName string, params map[string]any) (string, <-chan ExecutionSnapshot, error) {
	if _, _, err := m.tools.Lookup(toolName); err != nil {
		return "", nil, err
	}

	exec := newToolExecution(uuid.NewString(), toolName, params, m.config.DefaultMode)
	m.execMu.Lock()
	m.executions[exec.id] = exec
	m.execMu.Unlock()

	go m.run(ctx, exec)
	return exec.id, exec.updates, nil
}

// Execution returns a read-only snapshot of a tracked execution.
func (m *Manager) Execution(id string) (ExecutionSnapshot, bool) {
	m.execMu.RLock()
	exec, ok := m.executions[id]
	m.execMu.RUnlock()
	if !ok {
		return ExecutionSnapshot{}, false
	}
	return exec.snapshot(), true
}

// run drives one execution through the full lifecycle and always leaves it
// completed.
func (m *Manager) run(ctx context.Context, exec *toolExecution) models.ToolResult {
	ctx, span := m.tracer.Start(ctx, "tool.dispatch",
		attribute.String("tool.name", exec.toolName))
	result := m.lifecycle(ctx, exec)
	span.SetAttributes(attribute.Bool("tool.success", result.Success))
	if result.Success {
		observability.EndSpan(span, nil)
	} else {
		observability.EndSpan(span, errors.New(result.Error))
	}
	return result
}

func (m *Manager) lifecycle(ctx context.Context, exec *toolExecution) models.ToolResult {
	def, localExec, err := m.tools.Lookup(exec.toolName)
	if err != nil {
		return m.fail(exec, "", err.Error())
	}

	mode := m.config.DefaultMode
	if def.ApprovalMode != "" {
		mode = def.ApprovalMode
	}
	exec.mu.Lock()
	exec.approvalMode = mode
	exec.mu.Unlock()

	if err := m.schemas.validate(def, exec.parameters); err != nil {
		return m.fail(exec, def.Origin, fmt.Sprintf("invalid parameters: %v", err))
	}

	approved, err := m.approve(ctx, mode, def, exec)
	if err != nil || !approved {
		m.metrics.ApprovalCounter.WithLabelValues(string(mode), "denied").Inc()
		return m.fail(exec, def.Origin, fmt.Sprintf("%v: %s", signal.ErrApprovalDenied, def.Name))
	}
	m.metrics.ApprovalCounter.WithLabelValues(string(mode), "approved").Inc()
	exec.setApproved(true)

	exec.transition(StateScheduled)
	release, err := m.acquireQuota(ctx, def.Name)
	if err != nil {
		return m.fail(exec, def.Origin, fmt.Sprintf("%v: %s", signal.ErrQuotaExceeded, def.Name))
	}
	defer release()

	exec.transition(StateExecuting)
	started := time.Now()
	var result models.ToolResult
	if def.Origin == models.OriginLocal {
		result = m.dispatchLocal(ctx, def, localExec, exec.parameters)
	} else {
		result = m.dispatchExternal(ctx, def, exec.parameters)
	}
	m.observe(def, result, time.Since(started))

	result.ToolName = def.Name
	if result.StartedAt.IsZero() {
		result.StartedAt = started
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now()
	}
	exec.complete(result)
	return result
}

func (m *Manager) fail(exec *toolExecution, origin models.ToolOrigin, msg string) models.ToolResult {
	if origin == "" {
		origin = models.OriginLocal
	}
	result := models.FailedToolResult(exec.toolName, msg)
	m.metrics.ToolExecutionCounter.WithLabelValues(exec.toolName, string(origin), "error").Inc()
	exec.complete(result)
	return result
}

func (m *Manager) approve(ctx context.Context, mode models.ApprovalMode, def models.ToolDefinition, exec *toolExecution) (bool, error) {
	switch decideApproval(ctx, mode, def) {
	case decisionApprove:
		return true, nil
	case decisionDeny:
		return false, nil
	}

	exec.transition(StateAwaitingApproval)
	req := ApprovalRequest{
		ID:         exec.id,
		ToolName:   def.Name,
		Parameters: exec.parameters,
		Mode:       mode,
	}
	if m.approver != nil {
		return m.approver.Decide(ctx, req)
	}
	m.logger.Info("execution awaiting approval", "tool", def.Name, "execution", exec.id)
	return m.queue.Wait(ctx, req)
}

// acquireQuota takes the global slot first, then the per-tool slot. Both
// waits are bounded; running out of patience is a quota failure, not a hang.
func (m *Manager) acquireQuota(ctx context.Context, toolName string) (func(), error) {
	deadline := time.NewTimer(m.config.QuotaWait)
	defer deadline.Stop()

	select {
	case m.globalSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-deadline.C:
		return nil, signal.ErrQuotaExceeded
	}

	toolSem := m.toolSem(toolName)
	select {
	case toolSem <- struct{}{}:
	case <-ctx.Done():
		<-m.globalSem
		return nil, ctx.Err()
	case <-deadline.C:
		<-m.globalSem
		return nil, signal.ErrQuotaExceeded
	}

	return func() {
		<-toolSem
		<-m.globalSem
	}, nil
}

func (m *Manager) toolSem(toolName string) chan struct{} {
	m.perToolMu.Lock()
	defer m.perToolMu.Unlock()
	sem, ok := m.perToolSem[toolName]
	if !ok {
		sem = make(chan struct{}, m.config.PerToolConcurrency)
		m.perToolSem[toolName] = sem
	}
	return sem
}

func (m *Manager) dispatchLocal(ctx context.Context, def models.ToolDefinition, localExec registry.Executor, params map[string]any) models.ToolResult {
	if localExec == nil {
		return models.FailedToolResult(def.Name, fmt.Sprintf("tool %s has no executor", def.Name))
	}

	execCtx, cancel := context.WithTimeout(ctx, m.config.ToolTimeout)
	defer cancel()

	result, err := localExec.Execute(execCtx, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.FailedToolResult(def.Name,
				fmt.Sprintf("%v: %s after %v", signal.ErrToolTimeout, def.Name, m.config.ToolTimeout))
		}
		return models.FailedToolResult(def.Name, err.Error())
	}
	return result
}

func (m *Manager) dispatchExternal(ctx context.Context, def models.ToolDefinition, params map[string]any) models.ToolResult {
	if m.agents == nil || !m.agents.Ready(def.ServerRef) {
		return models.FailedToolResult(def.Name,
			fmt.Sprintf("%v: agent %s is not ready", signal.ErrToolUnavailable, def.ServerRef))
	}

	callResult, err := m.agents.Call(ctx, def.ServerRef, def.Name, params)
	if err != nil {
		return models.FailedToolResult(def.Name, err.Error())
	}

	text := callResult.Text()
	return models.ToolResult{
		ToolName:      def.Name,
		Success:       !callResult.IsError,
		LLMContent:    text,
		ReturnDisplay: text,
	}
}

func (m *Manager) observe(def models.ToolDefinition, result models.ToolResult, elapsed time.Duration) {
	status := "success"
	if !result.Success {
		status = "error"
	}
	m.metrics.ToolExecutionCounter.WithLabelValues(def.Name, string(def.Origin), status).Inc()
	m.metrics.ToolExecutionDuration.WithLabelValues(def.Name).Observe(elapsed.Seconds())
}
