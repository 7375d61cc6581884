// Package mcp implements the Model Context Protocol client side: pluggable
// stdio and streamable-HTTP transports, a per-agent client, and the fleet
// manager that tracks every connected external agent.
package mcp

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ProtocolVersion is the MCP revision this client speaks. The handshake
// rejects servers that negotiate anything else.
const ProtocolVersion = "2025-06-18"

// Method names used on the wire.
const (
	MethodInitialize   = "initialize"
	MethodToolsList    = "tools/list"
	MethodToolsGet     = "tools/get"
	MethodToolsCall    = "tools/call"
	NotifInitialized   = "notifications/initialized"
	NotifToolsChanged  = "notifications/tools/list_changed"
	SessionHeader      = "Mcp-Session-Id"
)

// TransportKind selects the wire transport for an endpoint.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// EndpointDescriptor describes how to reach one external agent.
type EndpointDescriptor struct {
	ID        string        `yaml:"id" json:"id"`
	Name      string        `yaml:"name" json:"name,omitempty"`
	Transport TransportKind `yaml:"transport" json:"transport"`

	// Stdio transport options.
	Command string            `yaml:"command" json:"command,omitempty"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty"`

	// HTTP transport options.
	URL         string            `yaml:"url" json:"url,omitempty"`
	Headers     map[string]string `yaml:"headers" json:"headers,omitempty"`
	BearerToken string            `yaml:"bearer_token" json:"bearer_token,omitempty"`

	// Common options.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	// Persistent endpoints are recorded in the agent registry file and
	// reconnected on startup.
	Persistent bool `yaml:"persistent" json:"persistent,omitempty"`
}

// Validate checks the descriptor for completeness and obvious injection
// vectors before a transport is built from it.
func (d *EndpointDescriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("endpoint ID is required")
	}
	switch d.Transport {
	case TransportStdio:
		return d.validateStdio()
	case TransportHTTP:
		return d.validateHTTP()
	default:
		return fmt.Errorf("endpoint %s: unknown transport %q", d.ID, d.Transport)
	}
}

func (d *EndpointDescriptor) validateStdio() error {
	if d.Command == "" {
		return fmt.Errorf("endpoint %s: command is required for stdio transport", d.ID)
	}
	if err := validatePath(d.Command, "command"); err != nil {
		return fmt.Errorf("endpoint %s: %w", d.ID, err)
	}
	if d.WorkDir != "" {
		if err := validatePath(d.WorkDir, "workdir"); err != nil {
			return fmt.Errorf("endpoint %s: %w", d.ID, err)
		}
	}
	for i, arg := range d.Args {
		if containsShellMetachars(arg) {
			return fmt.Errorf("endpoint %s: arg[%d] contains shell metacharacters: %q", d.ID, i, arg)
		}
	}
	return nil
}

func (d *EndpointDescriptor) validateHTTP() error {
	if d.URL == "" {
		return fmt.Errorf("endpoint %s: URL is required for http transport", d.ID)
	}
	if !strings.HasPrefix(d.URL, "http://") && !strings.HasPrefix(d.URL, "https://") {
		return fmt.Errorf("endpoint %s: URL must start with http:// or https://", d.ID)
	}
	return nil
}

func validatePath(path, field string) error {
	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return fmt.Errorf("%s contains path traversal: %q", field, path)
	}
	return nil
}

func containsShellMetachars(s string) bool {
	// Flag patterns that suggest command chaining; spaces and quotes are
	// legitimate in args.
	patterns := []string{"$(", "${", "`", "&&", "||", ";", "|", ">", "<", "\n", "\r"}
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// Tool is a tool descriptor as announced by an MCP server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// CallResult is the raw payload of a tools/call response.
type CallResult struct {
	Content []ResultContent `json:"content"`
	IsError bool            `json:"isError,omitempty"`
}

// ResultContent is one block of a tool result.
type ResultContent struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Text flattens the textual content blocks. Non-text blocks are summarised
// by type so the LLM still learns they exist.
func (r CallResult) Text() string {
	var parts []string
	for _, c := range r.Content {
		switch c.Type {
		case "text":
			parts = append(parts, c.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%s content]", c.Type))
		}
	}
	return strings.Join(parts, "\n")
}

// JSON-RPC 2.0 envelopes.

// Request is a JSON-RPC 2.0 request. IDs are monotonically increasing
// integers per transport instance.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a JSON-RPC 2.0 notification (no ID, never answered).
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCP-specific error codes.
const (
	ErrCodeToolNotFound = -32002
)

// ClientInfo identifies this client in the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo identifies the remote server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolsCapability advertises tool support.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// Capabilities is the capability set exchanged during initialize.
type Capabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// InitializeParams are the parameters of the initialize request.
type InitializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ClientInfo      ClientInfo   `json:"clientInfo"`
}

// InitializeResult is the server's half of the handshake.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// ListToolsResult holds the result of tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// GetToolResult holds the result of tools/get.
type GetToolResult struct {
	Tool Tool `json:"tool"`
}

// CallToolParams holds parameters for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// GetToolParams holds parameters for tools/get.
type GetToolParams struct {
	Name string `json:"name"`
}
