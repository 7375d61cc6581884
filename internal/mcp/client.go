package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/loom/internal/signal"
)

// ClientState tracks one client's lifecycle.
type ClientState string

const (
	StateConnecting ClientState = "connecting"
	StateReady      ClientState = "ready"
	StateFailing    ClientState = "failing"
	StateClosed     ClientState = "closed"
)

const clientVersion = "0.1.0"

// Client manages the MCP conversation with one external agent: handshake,
// capability refresh, and tool calls. Transport faults move the client to
// failing/closed; it never reconnects on its own.
type Client struct {
	desc      *EndpointDescriptor
	transport Transport
	logger    *slog.Logger

	mu    sync.RWMutex
	state ClientState
	info  ServerInfo
	tools []Tool

	// onToolsChanged fires after a listChanged-triggered refresh.
	onToolsChanged func(agentID string)
	// onClose fires exactly once when the transport terminates.
	onClose   func(agentID string)
	closeOnce sync.Once

	watchCancel context.CancelFunc
	wg          sync.WaitGroup
}

// NewClient builds a client for the endpoint. Connect must be called before
// use.
func NewClient(desc *EndpointDescriptor, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	transport, err := NewTransport(desc, logger)
	if err != nil {
		return nil, err
	}
	return &Client{
		desc:      desc,
		transport: transport,
		logger:    logger.With("mcp_agent", desc.ID),
		state:     StateConnecting,
	}, nil
}

// OnToolsChanged registers the callback fired after the tool list refreshes.
func (c *Client) OnToolsChanged(fn func(agentID string)) { c.onToolsChanged = fn }

// OnClose registers the callback fired once on terminal close.
func (c *Client) OnClose(fn func(agentID string)) { c.onClose = fn }

// Connect establishes the transport and performs the MCP handshake:
// initialize, protocol-version check, the initialized notification, then an
// initial tools/list. A version mismatch is a HandshakeError and the
// transport is torn down.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		c.setState(StateClosed)
		return fmt.Errorf("connect transport: %w", err)
	}

	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    Capabilities{Tools: &ToolsCapability{ListChanged: true}},
		ClientInfo:      ClientInfo{Name: "loom", Version: clientVersion},
	}
	raw, err := c.transport.Call(ctx, MethodInitialize, params)
	if err != nil {
		c.teardown()
		return fmt.Errorf("initialize: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.teardown()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	if result.ProtocolVersion != ProtocolVersion {
		c.teardown()
		return fmt.Errorf("%w: server speaks %q, client requires %q",
			signal.ErrHandshake, result.ProtocolVersion, ProtocolVersion)
	}

	if err := c.transport.Notify(ctx, NotifInitialized, nil); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}

	c.mu.Lock()
	c.info = result.ServerInfo
	c.state = StateReady
	c.mu.Unlock()

	if err := c.RefreshTools(ctx); err != nil {
		c.logger.Warn("initial tools/list failed", "error", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	c.watchCancel = cancel
	c.wg.Add(1)
	go c.watch(watchCtx)

	c.logger.Info("agent connected",
		"server", result.ServerInfo.Name,
		"version", result.ServerInfo.Version,
		"tools", len(c.Tools()))
	return nil
}

// Close tears the client down. Idempotent.
func (c *Client) Close() error {
	c.teardown()
	c.wg.Wait()
	return nil
}

func (c *Client) teardown() {
	c.setState(StateClosed)
	if c.watchCancel != nil {
		c.watchCancel()
	}
	_ = c.transport.Close()
	c.fireClose()
}

func (c *Client) fireClose() {
	c.closeOnce.Do(func() {
		if c.onClose != nil {
			c.onClose(c.desc.ID)
		}
	})
}

// watch consumes notifications and observes transport death.
func (c *Client) watch(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.transport.Done():
			c.setState(StateClosed)
			c.logger.Warn("transport terminated")
			c.fireClose()
			return
		case notif, ok := <-c.transport.Notifications():
			if !ok {
				return
			}
			c.handleNotification(ctx, notif)
		}
	}
}

func (c *Client) handleNotification(ctx context.Context, notif *Notification) {
	switch notif.Method {
	case NotifToolsChanged:
		c.logger.Debug("tool list changed, refreshing")
		if err := c.RefreshTools(ctx); err != nil {
			c.logger.Warn("tools/list refresh failed", "error", err)
			c.setState(StateFailing)
			return
		}
		c.setState(StateReady)
		if c.onToolsChanged != nil {
			c.onToolsChanged(c.desc.ID)
		}
	default:
		c.logger.Debug("ignoring notification", "method", notif.Method)
	}
}

// RefreshTools re-fetches the hosted tool list.
func (c *Client) RefreshTools(ctx context.Context) error {
	raw, err := c.transport.Call(ctx, MethodToolsList, nil)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	var result ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}
	sort.Slice(result.Tools, func(i, j int) bool { return result.Tools[i].Name < result.Tools[j].Name })

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()
	return nil
}

// GetTool fetches a single tool descriptor via tools/get.
func (c *Client) GetTool(ctx context.Context, name string) (Tool, error) {
	raw, err := c.transport.Call(ctx, MethodToolsGet, GetToolParams{Name: name})
	if err != nil {
		return Tool{}, fmt.Errorf("tools/get %s: %w", name, err)
	}
	var result GetToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return Tool{}, fmt.Errorf("parse tools/get result: %w", err)
	}
	return result.Tool, nil
}

// CallTool invokes a hosted tool and returns the raw MCP result. The caller
// is blocked until a terminal response or the per-call timeout.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	if c.State() != StateReady {
		return nil, fmt.Errorf("agent %s not ready: %w", c.desc.ID, signal.ErrToolUnavailable)
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments: %w", err)
	}
	raw, err := c.transport.Call(ctx, MethodToolsCall, CallToolParams{Name: name, Arguments: argsJSON})
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &result, nil
}

// Tools returns the cached tool list.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// State returns the client's lifecycle state.
func (c *Client) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Info returns the remote server's identity from the handshake.
func (c *Client) Info() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// ID returns the agent id.
func (c *Client) ID() string { return c.desc.ID }

// Descriptor returns a copy of the endpoint descriptor.
func (c *Client) Descriptor() EndpointDescriptor { return *c.desc }

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed && s != StateClosed {
		return
	}
	c.state = s
}

// newClientWithTransport is the test seam for injecting a fake transport.
func newClientWithTransport(desc *EndpointDescriptor, transport Transport, logger *slog.Logger) *Client {
	return &Client{
		desc:      desc,
		transport: transport,
		logger:    logger.With("mcp_agent", desc.ID),
		state:     StateConnecting,
	}
}
