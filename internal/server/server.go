// Package server exposes the kernel's tools over the MCP JSON-RPC surface:
// initialize, tools/list, tools/get, tools/call, with SSE-framed responses.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/loom/internal/executor"
	"github.com/haasonsaas/loom/internal/mcp"
	"github.com/haasonsaas/loom/internal/registry"
	"github.com/haasonsaas/loom/pkg/models"
)

// Dispatcher is the slice of the execution manager the server drives.
type Dispatcher interface {
	ExecuteToolCall(ctx context.Context, call models.ToolCall) models.ToolResult
	Submit(ctx context.Context, toolName string, params map[string]any) (string, <-chan executor.ExecutionSnapshot, error)
}

// ToolView is the read side of the registry the server publishes.
type ToolView interface {
	List(filter registry.Filter) []models.ToolDefinition
}

// Config holds the boundary's listen and auth settings.
type Config struct {
	// ListenAddress is the host:port the HTTP server binds.
	ListenAddress string
	// AuthToken, when set, must arrive as a bearer token on every MCP
	// request. Compared in constant time.
	AuthToken string
	// Name and Version identify this server in the initialize handshake.
	Name    string
	Version string
}

// Server serves the MCP boundary plus /metrics and /healthz on one mux.
type Server struct {
	config     Config
	tools      ToolView
	dispatcher Dispatcher
	gatherer   prometheus.Gatherer
	logger     *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// New builds the server. gatherer may be nil to hide /metrics.
func New(config Config, tools ToolView, dispatcher Dispatcher, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Name == "" {
		config.Name = "loom"
	}
	if config.Version == "" {
		config.Version = "dev"
	}
	return &Server{
		config:     config,
		tools:      tools,
		dispatcher: dispatcher,
		gatherer:   gatherer,
		logger:     logger.With("component", "server"),
	}
}

// Handler returns the full mux, exported so tests can drive it without a
// listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start binds the listen address and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("mcp listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("mcp server error", "error", err)
		}
	}()
	s.logger.Info("mcp server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, useful when the config asked for :0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// authorized compares the bearer token in constant time. An unset token
// disables auth.
func (s *Server) authorized(r *http.Request) bool {
	if s.config.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.config.AuthToken)) == 1
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Echo the caller's session or mint one.
	sessionID := r.Header.Get(mcp.SessionHeader)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	w.Header().Set(mcp.SessionHeader, sessionID)

	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var req mcp.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeResponse(w, rpcError(nil, mcp.ErrCodeParseError, "parse error"))
		return
	}

	// Notifications carry no id and get no body.
	if req.ID == nil {
		s.logger.Debug("notification received", "method", req.Method, "session", sessionID)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case mcp.MethodInitialize:
		s.writeResponse(w, s.handleInitialize(req))
	case mcp.MethodToolsList:
		s.writeResponse(w, s.handleToolsList(req))
	case mcp.MethodToolsGet:
		s.writeResponse(w, s.handleToolsGet(req))
	case mcp.MethodToolsCall:
		if r.URL.Query().Get("stream") == "true" {
			s.handleToolsCallStreaming(w, r, req)
			return
		}
		s.writeResponse(w, s.handleToolsCall(r.Context(), req))
	default:
		s.writeResponse(w, rpcError(req.ID, mcp.ErrCodeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method)))
	}
}

func (s *Server) handleInitialize(req mcp.Request) mcp.Response {
	var params mcp.InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcError(req.ID, mcp.ErrCodeInvalidParams, "invalid initialize params")
		}
	}
	if params.ProtocolVersion != "" && params.ProtocolVersion != mcp.ProtocolVersion {
		return rpcError(req.ID, mcp.ErrCodeInvalidParams,
			fmt.Sprintf("unsupported protocol version %q, this server speaks %s",
				params.ProtocolVersion, mcp.ProtocolVersion))
	}
	return rpcResult(req.ID, mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities: mcp.Capabilities{
			Tools: &mcp.ToolsCapability{ListChanged: true},
		},
		ServerInfo: mcp.ServerInfo{Name: s.config.Name, Version: s.config.Version},
	})
}

func (s *Server) handleToolsList(req mcp.Request) mcp.Response {
	defs := s.tools.List(registry.Filter{})
	tools := make([]mcp.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, announceTool(def))
	}
	return rpcResult(req.ID, mcp.ListToolsResult{Tools: tools})
}

func (s *Server) handleToolsGet(req mcp.Request) mcp.Response {
	var params mcp.GetToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return rpcError(req.ID, mcp.ErrCodeInvalidParams, "tools/get requires a name")
	}
	defs := s.tools.List(registry.Filter{Names: []string{params.Name}})
	if len(defs) == 0 {
		return rpcError(req.ID, mcp.ErrCodeToolNotFound,
			fmt.Sprintf("tool %q not found", params.Name))
	}
	return rpcResult(req.ID, mcp.GetToolResult{Tool: announceTool(defs[0])})
}

func (s *Server) handleToolsCall(ctx context.Context, req mcp.Request) mcp.Response {
	var params mcp.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return rpcError(req.ID, mcp.ErrCodeInvalidParams, "tools/call requires a name")
	}

	call := models.ToolCall{
		ID:   uuid.NewString(),
		Type: "function",
		Function: models.FunctionCall{
			Name:      params.Name,
			Arguments: string(params.Arguments),
		},
	}
	result := s.dispatcher.ExecuteToolCall(ctx, call)
	return rpcResult(req.ID, callResult(result))
}

// handleToolsCallStreaming submits the call asynchronously and relays the
// execution lifecycle as SSE events, ending with the JSON-RPC response.
func (s *Server) handleToolsCallStreaming(w http.ResponseWriter, r *http.Request, req mcp.Request) {
	var params mcp.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		s.writeResponse(w, rpcError(req.ID, mcp.ErrCodeInvalidParams, "tools/call requires a name"))
		return
	}
	var args map[string]any
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			s.writeResponse(w, rpcError(req.ID, mcp.ErrCodeInvalidParams, "arguments must be a JSON object"))
			return
		}
	}

	id, updates, err := s.dispatcher.Submit(r.Context(), params.Name, args)
	if err != nil {
		s.writeResponse(w, rpcError(req.ID, mcp.ErrCodeToolNotFound, err.Error()))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	var final *executor.ExecutionSnapshot
	for snapshot := range updates {
		snap := snapshot
		final = &snap
		writeSSE(w, "execution", snapshot)
		if flusher != nil {
			flusher.Flush()
		}
	}

	if final == nil || final.Result == nil {
		writeSSE(w, "message", rpcError(req.ID, mcp.ErrCodeInternalError,
			fmt.Sprintf("execution %s produced no result", id)))
		return
	}
	writeSSE(w, "message", rpcResult(req.ID, callResult(*final.Result)))
	if flusher != nil {
		flusher.Flush()
	}
}

// writeResponse frames one JSON-RPC response as a single SSE message.
func (s *Server) writeResponse(w http.ResponseWriter, resp mcp.Response) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	writeSSE(w, "message", resp)
}

func writeSSE(w io.Writer, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func announceTool(def models.ToolDefinition) mcp.Tool {
	schema := def.ParameterSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return mcp.Tool{
		Name:        def.Name,
		Description: def.Description,
		InputSchema: schema,
	}
}

func callResult(result models.ToolResult) mcp.CallResult {
	text := result.LLMContent
	if text == "" {
		text = result.Error
	}
	return mcp.CallResult{
		Content: []mcp.ResultContent{{Type: "text", Text: text}},
		IsError: !result.Success,
	}
}

func rpcResult(id any, payload any) mcp.Response {
	data, err := json.Marshal(payload)
	if err != nil {
		return rpcError(id, mcp.ErrCodeInternalError, "encode result")
	}
	return mcp.Response{JSONRPC: "2.0", ID: id, Result: data}
}

func rpcError(id any, code int, message string) mcp.Response {
	return mcp.Response{JSONRPC: "2.0", ID: id, Error: &mcp.RPCError{Code: code, Message: message}}
}
