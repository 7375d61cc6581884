package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/loom/internal/signal"
)

// fakeTransport is an in-memory Transport scripted per method.
type fakeTransport struct {
	mu        sync.Mutex
	handlers  map[string]func(params json.RawMessage) (json.RawMessage, error)
	notifies  []string
	notifs    chan *Notification
	done      chan struct{}
	closeOnce sync.Once
	connected bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string]func(params json.RawMessage) (json.RawMessage, error)),
		notifs:   make(chan *Notification, 10),
		done:     make(chan struct{}),
	}
}

func (f *fakeTransport) handle(method string, fn func(params json.RawMessage) (json.RawMessage, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = fn
}

func (f *fakeTransport) respond(method string, result any) {
	data, _ := json.Marshal(result)
	f.handle(method, func(json.RawMessage) (json.RawMessage, error) { return data, nil })
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.connected = false
		f.mu.Unlock()
		close(f.done)
	})
	return nil
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	fn, ok := f.handlers[method]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no handler for %s", method)
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return fn(raw)
}

func (f *fakeTransport) Notify(ctx context.Context, method string, params any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies = append(f.notifies, method)
	return nil
}

func (f *fakeTransport) sentNotifications() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.notifies))
	copy(out, f.notifies)
	return out
}

func (f *fakeTransport) pushNotification(method string) {
	f.notifs <- &Notification{JSONRPC: "2.0", Method: method}
}

func (f *fakeTransport) Notifications() <-chan *Notification { return f.notifs }
func (f *fakeTransport) Done() <-chan struct{}               { return f.done }

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scriptHandshake(ft *fakeTransport, version string, tools []Tool) {
	ft.respond(MethodInitialize, InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      ServerInfo{Name: "fake-agent", Version: "1.0.0"},
	})
	ft.respond(MethodToolsList, ListToolsResult{Tools: tools})
}

func newTestClient(ft *fakeTransport) *Client {
	desc := &EndpointDescriptor{ID: "agent-1", Transport: TransportHTTP, URL: "http://localhost:1"}
	return newClientWithTransport(desc, ft, testLogger())
}

func TestClientHandshake(t *testing.T) {
	ft := newFakeTransport()
	scriptHandshake(ft, ProtocolVersion, []Tool{
		{Name: "search", Description: "web search", InputSchema: json.RawMessage(`{"type":"object"}`)},
	})

	client := newTestClient(ft)
	defer client.Close()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if client.State() != StateReady {
		t.Errorf("state = %s, want ready", client.State())
	}
	if got := client.Info().Name; got != "fake-agent" {
		t.Errorf("server name = %q", got)
	}
	tools := client.Tools()
	if len(tools) != 1 || tools[0].Name != "search" {
		t.Errorf("tools = %+v", tools)
	}

	sent := ft.sentNotifications()
	if len(sent) != 1 || sent[0] != NotifInitialized {
		t.Errorf("notifications sent = %v, want [%s]", sent, NotifInitialized)
	}
}

func TestClientHandshakeVersionMismatch(t *testing.T) {
	ft := newFakeTransport()
	scriptHandshake(ft, "2024-11-05", nil)

	client := newTestClient(ft)
	err := client.Connect(context.Background())
	if !errors.Is(err, signal.ErrHandshake) {
		t.Fatalf("err = %v, want handshake error", err)
	}
	if client.State() != StateClosed {
		t.Errorf("state = %s, want closed after failed handshake", client.State())
	}
	if ft.Connected() {
		t.Error("transport should be torn down after version mismatch")
	}
}

func TestClientHandshakeInitializeFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.handle(MethodInitialize, func(json.RawMessage) (json.RawMessage, error) {
		return nil, &RPCError{Code: ErrCodeInternalError, Message: "boom"}
	})

	client := newTestClient(ft)
	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("expected initialize error")
	}
	if client.State() != StateClosed {
		t.Errorf("state = %s, want closed", client.State())
	}
}

func TestClientListChangedRefresh(t *testing.T) {
	ft := newFakeTransport()
	scriptHandshake(ft, ProtocolVersion, []Tool{{Name: "alpha"}})

	client := newTestClient(ft)
	defer client.Close()

	changed := make(chan string, 1)
	client.OnToolsChanged(func(agentID string) { changed <- agentID })

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ft.respond(MethodToolsList, ListToolsResult{Tools: []Tool{{Name: "alpha"}, {Name: "beta"}}})
	ft.pushNotification(NotifToolsChanged)

	select {
	case id := <-changed:
		if id != "agent-1" {
			t.Errorf("agent id = %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tools changed callback")
	}

	tools := client.Tools()
	if len(tools) != 2 {
		t.Fatalf("tools = %+v, want 2", tools)
	}
	if tools[0].Name != "alpha" || tools[1].Name != "beta" {
		t.Errorf("tools not sorted: %+v", tools)
	}
}

func TestClientTransportDeathFiresOnClose(t *testing.T) {
	ft := newFakeTransport()
	scriptHandshake(ft, ProtocolVersion, nil)

	client := newTestClient(ft)

	closed := make(chan string, 1)
	client.OnClose(func(agentID string) { closed <- agentID })

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ft.Close()

	select {
	case id := <-closed:
		if id != "agent-1" {
			t.Errorf("agent id = %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close callback")
	}
	if client.State() != StateClosed {
		t.Errorf("state = %s, want closed", client.State())
	}
}

func TestClientCloseFiresCallbackOnce(t *testing.T) {
	ft := newFakeTransport()
	scriptHandshake(ft, ProtocolVersion, nil)

	client := newTestClient(ft)

	var mu sync.Mutex
	calls := 0
	client.OnClose(func(string) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	client.Close()
	client.Close()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("close callback fired %d times, want 1", calls)
	}
}

func TestClientCallTool(t *testing.T) {
	ft := newFakeTransport()
	scriptHandshake(ft, ProtocolVersion, []Tool{{Name: "echo"}})

	var gotParams CallToolParams
	ft.handle(MethodToolsCall, func(params json.RawMessage) (json.RawMessage, error) {
		if err := json.Unmarshal(params, &gotParams); err != nil {
			return nil, err
		}
		return json.Marshal(CallResult{Content: []ResultContent{{Type: "text", Text: "hello"}}})
	})

	client := newTestClient(ft)
	defer client.Close()
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	result, err := client.CallTool(context.Background(), "echo", map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if gotParams.Name != "echo" {
		t.Errorf("called tool %q", gotParams.Name)
	}
	if result.Text() != "hello" {
		t.Errorf("result text = %q", result.Text())
	}
}

func TestClientCallToolNotReady(t *testing.T) {
	ft := newFakeTransport()
	client := newTestClient(ft)

	_, err := client.CallTool(context.Background(), "echo", nil)
	if !errors.Is(err, signal.ErrToolUnavailable) {
		t.Fatalf("err = %v, want tool unavailable", err)
	}
}

func TestClientGetTool(t *testing.T) {
	ft := newFakeTransport()
	scriptHandshake(ft, ProtocolVersion, nil)
	ft.respond(MethodToolsGet, GetToolResult{Tool: Tool{Name: "lookup", Description: "find things"}})

	client := newTestClient(ft)
	defer client.Close()
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	tool, err := client.GetTool(context.Background(), "lookup")
	if err != nil {
		t.Fatalf("get tool: %v", err)
	}
	if tool.Description != "find things" {
		t.Errorf("tool = %+v", tool)
	}
}
