package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/loom/internal/signal"
)

// stdioTransport speaks line-delimited JSON-RPC on a child process's stdin
// and stdout. Stderr is captured and logged, never parsed.
type stdioTransport struct {
	desc   *EndpointDescriptor
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	stderr  io.ReadCloser

	stdinMu   sync.Mutex
	pending   map[int64]chan *Response
	pendingMu sync.Mutex
	notifs    chan *Notification
	nextID    atomic.Int64

	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newStdioTransport(desc *EndpointDescriptor, logger *slog.Logger) *stdioTransport {
	return &stdioTransport{
		desc:    desc,
		logger:  logger.With("mcp_agent", desc.ID, "transport", "stdio"),
		pending: make(map[int64]chan *Response),
		notifs:  make(chan *Notification, 100),
		done:    make(chan struct{}),
	}
}

func (t *stdioTransport) Connect(ctx context.Context) error {
	t.process = exec.CommandContext(ctx, t.desc.Command, t.desc.Args...)

	t.process.Env = os.Environ()
	for k, v := range t.desc.Env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if t.desc.WorkDir != "" {
		t.process.Dir = t.desc.WorkDir
	}

	var err error
	t.stdin, err = t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	t.stdout = bufio.NewScanner(stdout)
	t.stdout.Buffer(make([]byte, 1024*1024), 1024*1024)

	t.stderr, _ = t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	t.connected.Store(true)
	t.logger.Info("started agent process", "command", t.desc.Command, "pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop()

	if t.stderr != nil {
		t.wg.Add(1)
		go t.logStderr()
	}
	return nil
}

func (t *stdioTransport) Close() error {
	t.shutdown(true)
	t.wg.Wait()
	if t.process != nil {
		_ = t.process.Wait()
	}
	return nil
}

// shutdown marks the transport dead exactly once. kill is set when Close
// initiated it; the read loop passes false because the process already died.
func (t *stdioTransport) shutdown(kill bool) {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		close(t.done)
		if t.stdin != nil {
			t.stdin.Close()
		}
		if kill && t.process != nil && t.process.Process != nil {
			_ = t.process.Process.Kill()
		}
	})
}

func (t *stdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("call %s: %w", method, signal.ErrTransportClosed)
	}

	id := t.nextID.Add(1)
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON}

	respChan := make(chan *Response, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.writeLine(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := t.desc.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request %s timed out after %v", method, timeout)
	case <-t.done:
		return nil, fmt.Errorf("call %s: %w", method, signal.ErrTransportClosed)
	}
}

func (t *stdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("notify %s: %w", method, signal.ErrTransportClosed)
	}
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return err
	}
	notif := Notification{JSONRPC: "2.0", Method: method, Params: paramsJSON}
	if err := t.writeLine(notif); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

func (t *stdioTransport) writeLine(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.stdinMu.Lock()
	defer t.stdinMu.Unlock()
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

func (t *stdioTransport) Notifications() <-chan *Notification { return t.notifs }
func (t *stdioTransport) Done() <-chan struct{}               { return t.done }
func (t *stdioTransport) Connected() bool                     { return t.connected.Load() }

// readLoop consumes stdout until the process exits or the transport closes.
// Exiting for any reason marks the transport dead so the fleet observes the
// disconnect.
func (t *stdioTransport) readLoop() {
	defer t.wg.Done()
	defer t.shutdown(false)

	for t.stdout.Scan() {
		select {
		case <-t.done:
			return
		default:
		}
		line := t.stdout.Text()
		if line == "" {
			continue
		}
		t.processLine(line)
	}
	if err := t.stdout.Err(); err != nil {
		t.logger.Error("stdout scanner error", "error", err)
	}
}

// processLine routes one JSON-RPC message: responses by ID to their waiting
// caller, notifications to the events channel.
func (t *stdioTransport) processLine(line string) {
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err == nil && resp.ID != nil {
		var id int64
		switch v := resp.ID.(type) {
		case float64:
			id = int64(v)
		case int64:
			id = v
		case int:
			id = int64(v)
		default:
			t.logger.Warn("unexpected response ID type", "id", resp.ID)
			return
		}

		t.pendingMu.Lock()
		if ch, ok := t.pending[id]; ok {
			select {
			case ch <- &resp:
			default:
			}
			delete(t.pending, id)
		}
		t.pendingMu.Unlock()
		return
	}

	var notif Notification
	if err := json.Unmarshal([]byte(line), &notif); err == nil && notif.Method != "" {
		select {
		case t.notifs <- &notif:
		default:
			t.logger.Warn("notification channel full, dropping", "method", notif.Method)
		}
	}
}

func (t *stdioTransport) logStderr() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		select {
		case <-t.done:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			t.logger.Debug("agent stderr", "message", line)
		}
	}
}
