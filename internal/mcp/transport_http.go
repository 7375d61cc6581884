package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/loom/internal/signal"
)

// httpTransport speaks JSON-RPC over streamable HTTP. Each request is a
// POST; the response body is either a single JSON message or an SSE stream
// whose data: lines are JSON-RPC messages. A session id supplied in a
// response header is echoed on every subsequent request.
type httpTransport struct {
	desc   *EndpointDescriptor
	logger *slog.Logger
	client *http.Client

	notifs    chan *Notification
	nextID    atomic.Int64
	sessionID atomic.Value // string

	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newHTTPTransport(desc *EndpointDescriptor, logger *slog.Logger) *httpTransport {
	timeout := desc.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &httpTransport{
		desc:   desc,
		logger: logger.With("mcp_agent", desc.ID, "transport", "http"),
		client: &http.Client{Timeout: timeout},
		notifs: make(chan *Notification, 100),
		done:   make(chan struct{}),
	}
}

func (t *httpTransport) Connect(ctx context.Context) error {
	t.connected.Store(true)
	t.logger.Info("http transport ready", "url", t.desc.URL)

	// Background GET stream for server-initiated notifications, per the
	// streamable HTTP transport. Servers without one simply refuse it.
	t.wg.Add(1)
	go t.listenLoop(ctx)
	return nil
}

func (t *httpTransport) Close() error {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		close(t.done)
	})
	t.wg.Wait()
	return nil
}

func (t *httpTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("call %s: %w", method, signal.ErrTransportClosed)
	}

	id := t.nextID.Add(1)
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON}
	body, _ := json.Marshal(req)

	httpResp, err := t.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	t.captureSession(httpResp)

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, strings.TrimSpace(string(b)))
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.readEventStream(ctx, httpResp.Body, id)
	}

	var rpcResp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func (t *httpTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("notify %s: %w", method, signal.ErrTransportClosed)
	}
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return err
	}
	notif := Notification{JSONRPC: "2.0", Method: method, Params: paramsJSON}
	body, _ := json.Marshal(notif)

	resp, err := t.post(ctx, body)
	if err != nil {
		return err
	}
	t.captureSession(resp)
	resp.Body.Close()
	return nil
}

func (t *httpTransport) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.desc.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	t.setCommonHeaders(httpReq)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	return resp, nil
}

func (t *httpTransport) setCommonHeaders(req *http.Request) {
	for k, v := range t.desc.Headers {
		req.Header.Set(k, v)
	}
	if t.desc.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.desc.BearerToken)
	}
	if sid, _ := t.sessionID.Load().(string); sid != "" {
		req.Header.Set(SessionHeader, sid)
	}
}

// captureSession records the session id the first time a response carries
// one. Once observed it is echoed on every subsequent request.
func (t *httpTransport) captureSession(resp *http.Response) {
	if sid := resp.Header.Get(SessionHeader); sid != "" {
		if cur, _ := t.sessionID.Load().(string); cur != sid {
			t.sessionID.Store(sid)
			t.logger.Debug("captured session id")
		}
	}
}

// readEventStream scans an SSE response body. The message whose id matches
// wantID resolves the call; notifications are forwarded to the events
// channel.
func (t *httpTransport) readEventStream(ctx context.Context, body io.Reader, wantID int64) (json.RawMessage, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.done:
			return nil, signal.ErrTransportClosed
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var resp Response
		if err := json.Unmarshal([]byte(data), &resp); err == nil && resp.ID != nil {
			if idMatches(resp.ID, wantID) {
				if resp.Error != nil {
					return nil, resp.Error
				}
				return resp.Result, nil
			}
			continue
		}
		t.forwardNotification([]byte(data))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without response: %w", signal.ErrTransportClosed)
}

func idMatches(got any, want int64) bool {
	switch v := got.(type) {
	case float64:
		return int64(v) == want
	case int64:
		return v == want
	case int:
		return int64(v) == want
	case string:
		return v == fmt.Sprintf("%d", want)
	default:
		return false
	}
}

func (t *httpTransport) forwardNotification(data []byte) {
	var notif Notification
	if err := json.Unmarshal(data, &notif); err != nil || notif.Method == "" {
		return
	}
	select {
	case t.notifs <- &notif:
	default:
		t.logger.Warn("notification channel full, dropping", "method", notif.Method)
	}
}

func (t *httpTransport) Notifications() <-chan *Notification { return t.notifs }
func (t *httpTransport) Done() <-chan struct{}               { return t.done }
func (t *httpTransport) Connected() bool                     { return t.connected.Load() }

// listenLoop holds a GET stream open for server-initiated notifications.
// Stream faults do not kill the transport; request/response traffic still
// works without it, so the loop retries quietly.
func (t *httpTransport) listenLoop(ctx context.Context) {
	defer t.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		t.listenOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (t *httpTransport) listenOnce(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.desc.URL, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	t.setCommonHeaders(req)

	// The stream must outlive the client timeout.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		t.logger.Debug("notification stream unavailable", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.logger.Debug("notification stream refused", "status", resp.StatusCode)
		return
	}
	t.captureSession(resp)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data != "" {
				t.forwardNotification([]byte(data))
			}
		}
	}
}
