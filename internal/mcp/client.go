package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/convoke-dev/convoke/internal/mcp/transport"
)

// Client drives the MCP handshake and tool operations over a transport.
type Client struct {
	serverName string
	transport  transport.Transport
	nextID     atomic.Uint64

	onToolsChanged func()
}

// NewClient wraps a transport for the named server.
func NewClient(serverName string, t transport.Transport) *Client {
	c := &Client{serverName: serverName, transport: t}
	t.SetNotificationHandler(c.handleNotification)
	return c
}

func (c *Client) handleNotification(method string, _ []byte) {
	if method == notifyToolsListChanged && c.onToolsChanged != nil {
		c.onToolsChanged()
	}
}

// OnToolsChanged registers a callback for the tools/list_changed
// notification. Must be set before Connect.
func (c *Client) OnToolsChanged(fn func()) {
	c.onToolsChanged = fn
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		raw = data
	}

	resp, err := c.transport.Send(ctx, &transport.Request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  raw,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: server error %d: %s", method, resp.Error.Code, resp.Error.Message)
	}
	if out != nil && resp.Result != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

// Connect starts the transport and completes the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Start(ctx); err != nil {
		return err
	}

	var result initializeResult
	err := c.call(ctx, methodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: "convoke", Version: "1.0"},
	}, &result)
	if err != nil {
		c.transport.Close()
		return err
	}

	err = c.transport.SendNotification(ctx, &transport.Notification{
		JSONRPC: "2.0",
		Method:  methodInitialized,
	})
	if err != nil {
		c.transport.Close()
		return err
	}
	return nil
}

// ListTools fetches the server's full tool list, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		var result toolsListResult
		if err := c.call(ctx, methodToolsList, params, &result); err != nil {
			return nil, err
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" {
			return tools, nil
		}
		cursor = result.NextCursor
	}
}

// CallTool invokes a tool and flattens its text content into one string.
// A result flagged isError comes back as an error with the text as its
// message.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	var result toolsCallResult
	err := c.call(ctx, methodToolsCall, toolsCallParams{Name: name, Arguments: args}, &result)
	if err != nil {
		return "", err
	}

	var parts []string
	for _, block := range result.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", fmt.Errorf("%s", text)
	}
	return text, nil
}

// Ping checks server liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, methodPing, nil, nil)
}

// Alive reports whether the underlying transport is connected.
func (c *Client) Alive() bool {
	return c.transport.Alive()
}

// Close shuts down the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}
