// Package transport provides the wire transports for the MCP tool-server
// protocol: a stdio subprocess transport, streamable HTTP, and legacy SSE.
package transport

import (
	"context"
	"encoding/json"
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NotificationHandler handles server-initiated notifications.
type NotificationHandler func(method string, params []byte)

// Transport is the wire interface an MCP server connection implements.
type Transport interface {
	// Start establishes the connection (for stdio, spawns the process).
	Start(ctx context.Context) error

	// Send sends a request and waits for its response.
	Send(ctx context.Context, req *Request) (*Response, error)

	// SendNotification sends a notification; no response is expected.
	SendNotification(ctx context.Context, notif *Notification) error

	// Close shuts the connection down and releases resources.
	Close() error

	// Alive reports whether the connection is still usable.
	Alive() bool

	// SetNotificationHandler installs the handler for incoming
	// notifications.
	SetNotificationHandler(handler NotificationHandler)
}

// dispatchNotification parses data as a notification and hands it to the
// handler. Returns true when data was a notification.
func dispatchNotification(data []byte, handler NotificationHandler) bool {
	if handler == nil {
		return false
	}

	var notif struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &notif); err != nil || notif.Method == "" {
		return false
	}

	handler(notif.Method, notif.Params)
	return true
}
