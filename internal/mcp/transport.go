package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Transport moves JSON-RPC messages to and from one external agent. A
// transport does not reconnect on fault: it closes its Done channel and the
// fleet decides what happens next.
type Transport interface {
	// Connect establishes the transport. It does not perform the MCP
	// handshake; the Client does.
	Connect(ctx context.Context) error

	// Close tears the transport down. Idempotent. In-flight calls fail
	// with a TransportClosed error.
	Close() error

	// Call sends a request and blocks until the response, the context, the
	// per-call timeout, or transport shutdown.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a fire-and-forget notification. It must not elicit a
	// response.
	Notify(ctx context.Context, method string, params any) error

	// Notifications yields server-initiated notifications.
	Notifications() <-chan *Notification

	// Done is closed when the transport terminates for any reason.
	Done() <-chan struct{}

	// Connected reports whether the transport is usable.
	Connected() bool
}

// NewTransport builds the transport matching the descriptor.
func NewTransport(desc *EndpointDescriptor, logger *slog.Logger) (Transport, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	switch desc.Transport {
	case TransportStdio:
		return newStdioTransport(desc, logger), nil
	case TransportHTTP:
		return newHTTPTransport(desc, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", desc.Transport)
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}
