package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const sessionIDHeader = "Mcp-Session-Id"

// HTTPConfig configures a streamable-HTTP server connection.
type HTTPConfig struct {
	URL     string
	Headers map[string]string
}

// HTTP speaks JSON-RPC to an MCP server over a single HTTP endpoint.
// Each request is a POST; the server may answer with plain JSON or with
// a one-shot SSE body carrying the response event.
type HTTP struct {
	config HTTPConfig
	client *http.Client

	mu            sync.Mutex
	sessionID     string
	alive         bool
	notifyHandler NotificationHandler
}

// NewHTTP creates an HTTP transport for the given endpoint.
func NewHTTP(config HTTPConfig) *HTTP {
	return &HTTP{
		config: config,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// Start marks the transport usable. The session is established by the
// first request, which carries the server-issued session id forward.
func (t *HTTP) Start(_ context.Context) error {
	t.mu.Lock()
	t.alive = true
	t.mu.Unlock()
	return nil
}

func (t *HTTP) doRequest(ctx context.Context, body []byte) (*http.Response, error) {
	const maxAttempts = 3

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ExpandEnv(t.config.URL), bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
		for k, v := range t.config.Headers {
			req.Header.Set(k, ExpandEnv(v))
		}

		t.mu.Lock()
		if t.sessionID != "" {
			req.Header.Set(sessionIDHeader, t.sessionID)
		}
		t.mu.Unlock()

		resp, err := t.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if sid := resp.Header.Get(sessionIDHeader); sid != "" {
			t.mu.Lock()
			t.sessionID = sid
			t.mu.Unlock()
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			delay := time.Second
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil {
					delay = time.Duration(secs) * time.Second
				}
			}
			resp.Body.Close()
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		return resp, nil
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxAttempts, lastErr)
}

// Send posts a request and decodes the response, handling both JSON and
// SSE-framed bodies.
func (t *HTTP) Send(ctx context.Context, req *Request) (*Response, error) {
	if !t.Alive() {
		return nil, fmt.Errorf("transport is not connected")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	resp, err := t.doRequest(ctx, body)
	if err != nil {
		t.markDead()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		return t.parseSSEResponse(resp.Body, req.ID)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// parseSSEResponse reads a one-shot event stream until it finds the
// response matching the request id. Interleaved notifications are
// dispatched as they arrive.
func (t *HTTP) parseSSEResponse(body io.Reader, id uint64) (*Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var resp Response
		if err := json.Unmarshal([]byte(data), &resp); err == nil && resp.ID == id {
			return &resp, nil
		}
		dispatchNotification([]byte(data), t.handler())
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without a response")
}

// SendNotification posts a notification and discards the response body.
func (t *HTTP) SendNotification(ctx context.Context, notif *Notification) error {
	if !t.Alive() {
		return fmt.Errorf("transport is not connected")
	}

	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	resp, err := t.doRequest(ctx, body)
	if err != nil {
		t.markDead()
		return err
	}
	resp.Body.Close()
	return nil
}

func (t *HTTP) markDead() {
	t.mu.Lock()
	t.alive = false
	t.mu.Unlock()
}

func (t *HTTP) handler() NotificationHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notifyHandler
}

// Close ends the session.
func (t *HTTP) Close() error {
	t.markDead()
	return nil
}

// Alive reports whether the transport is usable.
func (t *HTTP) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive
}

// SetNotificationHandler installs the notification handler.
func (t *HTTP) SetNotificationHandler(handler NotificationHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifyHandler = handler
}
