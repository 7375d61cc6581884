package mcp

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/signal"
)

// Handler receives fleet events. The kernel wires these into the tool
// registry so that the external half of the registry always mirrors the
// tools claimed by ready transports.
type Handler interface {
	// ToolsDiscovered fires on first ready with the full hosted tool list.
	ToolsDiscovered(agentID string, tools []Tool)
	// ToolAdded, ToolRemoved, and ToolUpdated fire on incremental changes
	// after a listChanged refresh.
	ToolAdded(agentID string, tool Tool)
	ToolRemoved(agentID string, name string)
	ToolUpdated(agentID string, tool Tool)
	// ServerDisconnected fires on terminal close, for any reason.
	ServerDisconnected(agentID string)
}

// AgentStatus summarises one connected transport.
type AgentStatus struct {
	AgentID   string        `json:"agent_id"`
	Name      string        `json:"name,omitempty"`
	Transport TransportKind `json:"transport"`
	State     ClientState   `json:"state"`
	ToolCount int           `json:"tool_count"`
}

// FleetConfig bounds per-transport request concurrency.
type FleetConfig struct {
	// MaxConcurrentRequests caps outstanding requests per transport.
	MaxConcurrentRequests int
	// MaxQueuedRequests bounds the wait queue; overflow fails immediately
	// with Overloaded.
	MaxQueuedRequests int
}

// DefaultFleetConfig returns the standard per-transport caps.
func DefaultFleetConfig() FleetConfig {
	return FleetConfig{MaxConcurrentRequests: 4, MaxQueuedRequests: 16}
}

type fleetEntry struct {
	client *Client
	gate   *requestGate
	// hostedTools is the authoritative agent -> tool-name map, kept so tool
	// removal on disconnect is complete and exact.
	hostedTools map[string]Tool
}

// Fleet opens, tracks, and tears down MCP transports, and relays discovery
// and disconnect events to its handler.
type Fleet struct {
	config  FleetConfig
	logger  *slog.Logger
	metrics *observability.Metrics
	store   *AgentStore

	mu      sync.RWMutex
	entries map[string]*fleetEntry
	handler Handler
}

// NewFleet creates an empty fleet. store may be nil to disable persistence.
func NewFleet(config FleetConfig, store *AgentStore, metrics *observability.Metrics, logger *slog.Logger) *Fleet {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	if config.MaxConcurrentRequests < 1 {
		config.MaxConcurrentRequests = DefaultFleetConfig().MaxConcurrentRequests
	}
	if config.MaxQueuedRequests < 0 {
		config.MaxQueuedRequests = DefaultFleetConfig().MaxQueuedRequests
	}
	return &Fleet{
		config:  config,
		logger:  logger.With("component", "mcp_fleet"),
		metrics: metrics,
		store:   store,
		entries: make(map[string]*fleetEntry),
	}
}

// SetHandler installs the event handler. Must be called before Connect.
func (f *Fleet) SetHandler(h Handler) { f.handler = h }

// Connect opens a transport to the endpoint, performs the handshake, and
// announces the discovered tools. Returns the agent id.
func (f *Fleet) Connect(ctx context.Context, desc EndpointDescriptor) (string, error) {
	if desc.ID == "" {
		desc.ID = uuid.NewString()
	}
	if err := desc.Validate(); err != nil {
		return "", err
	}

	f.mu.Lock()
	if _, exists := f.entries[desc.ID]; exists {
		f.mu.Unlock()
		return "", fmt.Errorf("agent %s already connected", desc.ID)
	}
	f.mu.Unlock()

	client, err := NewClient(&desc, f.logger)
	if err != nil {
		return "", err
	}
	return f.connectClient(ctx, &desc, client)
}

func (f *Fleet) connectClient(ctx context.Context, desc *EndpointDescriptor, client *Client) (string, error) {
	client.OnClose(f.handleDisconnect)
	client.OnToolsChanged(f.handleToolsChanged)

	if err := client.Connect(ctx); err != nil {
		f.metrics.ErrorCounter.WithLabelValues("mcp", string(signal.Classify(err))).Inc()
		return "", err
	}

	tools := client.Tools()
	hosted := make(map[string]Tool, len(tools))
	for _, tool := range tools {
		hosted[tool.Name] = tool
	}

	f.mu.Lock()
	f.entries[desc.ID] = &fleetEntry{
		client:      client,
		gate:        newRequestGate(f.config.MaxConcurrentRequests, f.config.MaxQueuedRequests),
		hostedTools: hosted,
	}
	handler := f.handler
	f.mu.Unlock()

	f.metrics.MCPConnectedAgents.Inc()
	if handler != nil {
		handler.ToolsDiscovered(desc.ID, tools)
	}
	if desc.Persistent && f.store != nil {
		if err := f.store.Put(*desc); err != nil {
			f.logger.Warn("persist agent registration failed", "agent", desc.ID, "error", err)
		}
	}
	return desc.ID, nil
}

// Disconnect closes one agent and forgets its persistent registration.
func (f *Fleet) Disconnect(agentID string) error {
	f.mu.RLock()
	entry, ok := f.entries[agentID]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("agent %s not connected", agentID)
	}

	if f.store != nil {
		if err := f.store.Remove(agentID); err != nil {
			f.logger.Warn("remove persisted agent failed", "agent", agentID, "error", err)
		}
	}
	return entry.client.Close()
}

// handleDisconnect runs exactly once per client on terminal close. It
// removes the agent from the table and tells the handler, which deregisters
// every tool the agent hosted.
func (f *Fleet) handleDisconnect(agentID string) {
	f.mu.Lock()
	entry, ok := f.entries[agentID]
	if ok {
		delete(f.entries, agentID)
	}
	handler := f.handler
	f.mu.Unlock()

	if !ok {
		return
	}
	f.metrics.MCPConnectedAgents.Dec()
	f.logger.Info("agent disconnected", "agent", agentID, "hosted_tools", len(entry.hostedTools))
	if handler != nil {
		handler.ServerDisconnected(agentID)
	}
}

// handleToolsChanged diffs the refreshed tool list against the hosted map
// and emits incremental events.
func (f *Fleet) handleToolsChanged(agentID string) {
	f.mu.Lock()
	entry, ok := f.entries[agentID]
	if !ok {
		f.mu.Unlock()
		return
	}
	fresh := entry.client.Tools()
	old := entry.hostedTools
	next := make(map[string]Tool, len(fresh))
	for _, tool := range fresh {
		next[tool.Name] = tool
	}
	entry.hostedTools = next
	handler := f.handler
	f.mu.Unlock()

	if handler == nil {
		return
	}
	for _, tool := range fresh {
		prev, existed := old[tool.Name]
		switch {
		case !existed:
			handler.ToolAdded(agentID, tool)
		case prev.Description != tool.Description || !bytes.Equal(prev.InputSchema, tool.InputSchema):
			handler.ToolUpdated(agentID, tool)
		}
	}
	var removed []string
	for name := range old {
		if _, still := next[name]; !still {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	for _, name := range removed {
		handler.ToolRemoved(agentID, name)
	}
}

// Call invokes a tool on the given agent, subject to the per-transport
// concurrency cap and bounded wait queue.
func (f *Fleet) Call(ctx context.Context, agentID, toolName string, args map[string]any) (*CallResult, error) {
	f.mu.RLock()
	entry, ok := f.entries[agentID]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, signal.ErrToolUnavailable)
	}

	if err := entry.gate.acquire(ctx); err != nil {
		f.metrics.MCPRequestCounter.WithLabelValues(agentID, MethodToolsCall, "error").Inc()
		return nil, err
	}
	defer entry.gate.release()

	result, err := entry.client.CallTool(ctx, toolName, args)
	status := "success"
	if err != nil {
		status = "error"
	}
	f.metrics.MCPRequestCounter.WithLabelValues(agentID, MethodToolsCall, status).Inc()
	return result, err
}

// Capabilities returns the tools the agent currently hosts.
func (f *Fleet) Capabilities(agentID string) ([]Tool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.entries[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s not connected", agentID)
	}
	return entry.client.Tools(), nil
}

// Client returns the client for an agent, for callers that need handshake
// details.
func (f *Fleet) Client(agentID string) (*Client, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.entries[agentID]
	if !ok {
		return nil, false
	}
	return entry.client, true
}

// Ready reports whether the agent's transport is ready for calls.
func (f *Fleet) Ready(agentID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.entries[agentID]
	return ok && entry.client.State() == StateReady
}

// ListConnected summarises every tracked transport, sorted by agent id.
func (f *Fleet) ListConnected() []AgentStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]AgentStatus, 0, len(f.entries))
	for id, entry := range f.entries {
		desc := entry.client.Descriptor()
		out = append(out, AgentStatus{
			AgentID:   id,
			Name:      desc.Name,
			Transport: desc.Transport,
			State:     entry.client.State(),
			ToolCount: len(entry.hostedTools),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// HostedTools returns the exact tool-name set recorded for an agent.
func (f *Fleet) HostedTools(agentID string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.entries[agentID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(entry.hostedTools))
	for name := range entry.hostedTools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rehydrate reconnects every endpoint recorded in the agent registry file.
// Individual failures are logged and skipped so one dead agent does not
// block startup.
func (f *Fleet) Rehydrate(ctx context.Context) error {
	if f.store == nil {
		return nil
	}
	descs, err := f.store.Load()
	if err != nil {
		return fmt.Errorf("load agent registry: %w", err)
	}
	for _, desc := range descs {
		if _, err := f.Connect(ctx, desc); err != nil {
			f.logger.Warn("rehydrate agent failed", "agent", desc.ID, "error", err)
		}
	}
	return nil
}

// Close tears down every transport.
func (f *Fleet) Close() {
	f.mu.RLock()
	clients := make([]*Client, 0, len(f.entries))
	for _, entry := range f.entries {
		clients = append(clients, entry.client)
	}
	f.mu.RUnlock()

	for _, client := range clients {
		_ = client.Close()
	}
}

// requestGate bounds outstanding requests on one transport. Up to maxWait
// callers queue; beyond that acquisition fails immediately with Overloaded
// rather than blocking the turn.
type requestGate struct {
	slots   chan struct{}
	waiting atomic.Int32
	maxWait int32
}

func newRequestGate(concurrent, queued int) *requestGate {
	return &requestGate{
		slots:   make(chan struct{}, concurrent),
		maxWait: int32(queued),
	}
}

func (g *requestGate) acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	default:
	}
	if g.waiting.Add(1) > g.maxWait {
		g.waiting.Add(-1)
		return signal.ErrOverloaded
	}
	defer g.waiting.Add(-1)
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *requestGate) release() { <-g.slots }
