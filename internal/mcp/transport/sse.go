package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// SSEConfig configures a legacy SSE server connection.
type SSEConfig struct {
	URL     string
	Headers map[string]string
}

// SSE speaks the two-channel MCP SSE protocol: a long-lived GET event
// stream for server-to-client messages and POSTs to a message endpoint
// the server announces on connect.
type SSE struct {
	config SSEConfig
	client *http.Client

	mu            sync.Mutex
	messageURL    string
	pending       map[uint64]chan *Response
	alive         bool
	notifyHandler NotificationHandler

	streamBody io.Closer
	endpointCh chan string
}

// NewSSE creates an SSE transport for the given endpoint.
func NewSSE(config SSEConfig) *SSE {
	return &SSE{
		config:     config,
		client:     &http.Client{},
		pending:    make(map[uint64]chan *Response),
		endpointCh: make(chan string, 1),
	}
}

// Start opens the event stream and waits for the server to announce its
// message endpoint.
func (t *SSE) Start(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ExpandEnv(t.config.URL), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range t.config.Headers {
		req.Header.Set(k, ExpandEnv(v))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	t.mu.Lock()
	t.streamBody = resp.Body
	t.alive = true
	t.mu.Unlock()

	go t.readLoop(resp.Body)

	select {
	case endpoint := <-t.endpointCh:
		messageURL, err := t.resolveEndpoint(endpoint)
		if err != nil {
			t.Close()
			return err
		}
		t.mu.Lock()
		t.messageURL = messageURL
		t.mu.Unlock()
		return nil
	case <-time.After(10 * time.Second):
		t.Close()
		return fmt.Errorf("server did not announce a message endpoint")
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	}
}

// resolveEndpoint turns the announced endpoint, which may be relative,
// into an absolute message URL.
func (t *SSE) resolveEndpoint(endpoint string) (string, error) {
	base, err := url.Parse(ExpandEnv(t.config.URL))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

// readLoop consumes the event stream, routing responses to pending
// requests and everything else to the notification handler.
func (t *SSE) readLoop(body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			t.handleEvent(event, data)
		case line == "":
			event = ""
		}
	}

	t.mu.Lock()
	t.alive = false
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.mu.Unlock()
}

func (t *SSE) handleEvent(event, data string) {
	if event == "endpoint" {
		select {
		case t.endpointCh <- data:
		default:
		}
		return
	}

	var resp Response
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return
	}
	if resp.Result == nil && resp.Error == nil {
		dispatchNotification([]byte(data), t.handler())
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[resp.ID]
	if ok {
		delete(t.pending, resp.ID)
	}
	t.mu.Unlock()

	if ok {
		ch <- &resp
	}
}

func (t *SSE) handler() NotificationHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notifyHandler
}

func (t *SSE) post(ctx context.Context, v any) error {
	t.mu.Lock()
	messageURL := t.messageURL
	t.mu.Unlock()
	if messageURL == "" {
		return fmt.Errorf("no message endpoint")
	}

	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.config.Headers {
		req.Header.Set(k, ExpandEnv(v))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

// Send posts a request and waits for its response on the event stream.
func (t *SSE) Send(ctx context.Context, req *Request) (*Response, error) {
	if !t.Alive() {
		return nil, fmt.Errorf("transport is not connected")
	}

	respCh := make(chan *Response, 1)
	t.mu.Lock()
	t.pending[req.ID] = respCh
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, req.ID)
		t.mu.Unlock()
	}()

	if err := t.post(ctx, req); err != nil {
		return nil, err
	}

	timeout := defaultRequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	select {
	case resp := <-respCh:
		if resp == nil {
			return nil, fmt.Errorf("connection closed")
		}
		return resp, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("request timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendNotification posts a notification without waiting.
func (t *SSE) SendNotification(ctx context.Context, notif *Notification) error {
	if !t.Alive() {
		return fmt.Errorf("transport is not connected")
	}
	return t.post(ctx, notif)
}

// Close tears down the event stream.
func (t *SSE) Close() error {
	t.mu.Lock()
	t.alive = false
	body := t.streamBody
	t.mu.Unlock()

	if body != nil {
		body.Close()
	}
	return nil
}

// Alive reports whether the event stream is still open.
func (t *SSE) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive
}

// SetNotificationHandler installs the notification handler.
func (t *SSE) SetNotificationHandler(handler NotificationHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifyHandler = handler
}
