package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	// maxLineSize bounds a single JSON-RPC message from the server.
	maxLineSize = 10 * 1024 * 1024

	defaultRequestTimeout = 30 * time.Second
	shutdownGrace         = 5 * time.Second
)

// StdioConfig configures a subprocess-based server connection.
type StdioConfig struct {
	Command string
	Args    []string
	Env     map[string]string
}

// Stdio runs an MCP server as a long-lived subprocess and speaks
// newline-delimited JSON-RPC over its stdin/stdout.
type Stdio struct {
	config StdioConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu            sync.Mutex
	pending       map[uint64]chan *Response
	alive         bool
	notifyHandler NotificationHandler
	readLoopDone  chan struct{}
}

// NewStdio creates a stdio transport for the given command spec.
func NewStdio(config StdioConfig) *Stdio {
	return &Stdio{
		config:       config,
		pending:      make(map[uint64]chan *Response),
		readLoopDone: make(chan struct{}),
	}
}

// Start spawns the subprocess and begins reading its stdout.
func (t *Stdio) Start(ctx context.Context) error {
	command := ExpandEnv(t.config.Command)
	args := ExpandEnvSlice(t.config.Args)
	env := ExpandEnvMap(t.config.Env)

	t.cmd = exec.CommandContext(ctx, command, args...)
	t.cmd.Env = BuildEnv(env)

	// Own process group so termination reaches the server's children.
	t.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var err error
	t.stdin, err = t.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	t.stdout, err = t.cmd.StdoutPipe()
	if err != nil {
		t.stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	t.cmd.Stderr = os.Stderr

	if err := t.cmd.Start(); err != nil {
		t.stdin.Close()
		t.stdout.Close()
		return fmt.Errorf("start tool server: %w", err)
	}

	t.mu.Lock()
	t.alive = true
	t.mu.Unlock()

	go t.readLoop()

	return nil
}

// readLoop reads responses and notifications from stdout until the process
// exits or closes its end. On exit every pending request is failed.
func (t *Stdio) readLoop() {
	defer close(t.readLoopDone)

	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			dispatchNotification(line, t.handler())
			continue
		}
		if resp.ID == 0 && resp.Result == nil && resp.Error == nil {
			dispatchNotification(line, t.handler())
			continue
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

	t.mu.Lock()
	t.alive = false
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.mu.Unlock()
}

func (t *Stdio) handler() NotificationHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notifyHandler
}

func (t *Stdio) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	t.mu.Lock()
	_, err = t.stdin.Write(append(data, '\n'))
	t.mu.Unlock()

	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Send sends a request and blocks for its response, the context deadline,
// or the default request timeout, whichever comes first.
func (t *Stdio) Send(ctx context.Context, req *Request) (*Response, error) {
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

	if err := t.writeJSON(req); err != nil {
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

// SendNotification sends a notification without waiting.
func (t *Stdio) SendNotification(_ context.Context, notif *Notification) error {
	if !t.Alive() {
		return fmt.Errorf("transport is not connected")
	}
	return t.writeJSON(notif)
}

// Close terminates the subprocess: stdin EOF first, then SIGTERM, then a
// kill after the shutdown grace period.
func (t *Stdio) Close() error {
	t.mu.Lock()
	t.alive = false
	t.mu.Unlock()

	if t.stdin != nil {
		t.stdin.Close()
	}

	select {
	case <-t.readLoopDone:
	case <-time.After(2 * time.Second):
	}

	if t.cmd != nil && t.cmd.Process != nil {
		t.cmd.Process.Signal(syscall.SIGTERM)

		done := make(chan error, 1)
		go func() { done <- t.cmd.Wait() }()

		select {
		case <-done:
		case <-time.After(shutdownGrace):
			t.cmd.Process.Kill()
			<-done
		}
	}

	return nil
}

// Alive reports whether the subprocess is still running and readable.
func (t *Stdio) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive
}

// SetNotificationHandler installs the notification handler.
func (t *Stdio) SetNotificationHandler(handler NotificationHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifyHandler = handler
}
