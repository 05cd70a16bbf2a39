package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/convoke-dev/convoke/internal/log"
	"github.com/convoke-dev/convoke/internal/message"
)

const (
	defaultConcurrency = 4
	maxErrorLength     = 500
)

// Dispatcher routes parsed tool calls to their handlers. Independent calls
// from one response fan out concurrently up to the configured bound, and
// results are reassembled in the order the calls were emitted regardless
// of completion order.
type Dispatcher struct {
	Registry    *Registry
	Concurrency int

	// OnStart and OnDone are optional per-call notifications, invoked
	// from worker goroutines.
	OnStart func(call message.ToolCall)
	OnDone  func(call message.ToolCall, result message.ToolResult)
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(reg *Registry) *Dispatcher {
	return &Dispatcher{Registry: reg, Concurrency: defaultConcurrency}
}

// Dispatch executes a batch of tool calls and returns one result per call,
// index-aligned with the input. Handler failures never propagate: each
// becomes a result with Success=false.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []message.ToolCall) []message.ToolResult {
	n := len(calls)
	if n == 0 {
		return nil
	}

	// Fast path: single call, execute inline.
	if n == 1 {
		return []message.ToolResult{d.dispatchOne(ctx, calls[0])}
	}

	limit := d.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}

	results := make([]message.ToolResult, n)
	sem := semaphore.NewWeighted(int64(limit))
	var wg sync.WaitGroup

	for i, call := range calls {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = errorResult(call, "tool-execution-error", "cancelled before execution")
			continue
		}
		wg.Add(1)
		go func(idx int, tc message.ToolCall) {
			defer wg.Done()
			defer sem.Release(1)
			results[idx] = d.dispatchOne(ctx, tc)
		}(i, call)
	}

	wg.Wait()
	return results
}

// dispatchOne resolves, validates, and executes a single call.
func (d *Dispatcher) dispatchOne(ctx context.Context, call message.ToolCall) message.ToolResult {
	if d.OnStart != nil {
		d.OnStart(call)
	}
	result := d.execute(ctx, call)
	if d.OnDone != nil {
		d.OnDone(call, result)
	}
	return result
}

func (d *Dispatcher) execute(ctx context.Context, call message.ToolCall) message.ToolResult {
	def, ok := d.Registry.Resolve(call.Name)
	if !ok {
		return errorResult(call, "tool-execution-error", fmt.Sprintf("unknown tool: %s", call.Name))
	}

	args, err := ValidateArgs(def, call.Arguments)
	if err != nil {
		return errorResult(call, "invalid-arguments", err.Error())
	}

	start := time.Now()
	payload, err := runHandler(ctx, def, args)

	log.Logger().Debug("tool executed",
		zap.String("tool", call.Name),
		zap.String("callId", call.CallID),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("success", err == nil))

	if err != nil {
		return errorResult(call, conditionFor(err), sanitize(err.Error()))
	}

	return message.ToolResult{CallID: call.CallID, Payload: payload, Success: true}
}

// runHandler invokes the handler, converting panics into errors so a
// misbehaving tool can never crash the session loop.
func runHandler(ctx context.Context, def Definition, args map[string]any) (payload string, err error) {
	defer func() {
		if r := recover(); r != nil {
			payload = ""
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return def.Handler(ctx, args)
}

// ServerUnavailableError marks a failure of the tool's backing MCP server.
// It maps to the tool-server-unavailable condition and is never retried
// against a different server.
type ServerUnavailableError struct {
	Server string
}

func (e *ServerUnavailableError) Error() string {
	return fmt.Sprintf("tool server unavailable: %s", e.Server)
}

func conditionFor(err error) string {
	var unavailable *ServerUnavailableError
	if errors.As(err, &unavailable) {
		return "tool-server-unavailable"
	}
	return "tool-execution-error"
}

func errorResult(call message.ToolCall, condition, detail string) message.ToolResult {
	return message.ToolResult{
		CallID:  call.CallID,
		Payload: condition + ": " + detail,
		Success: false,
	}
}

// sanitize trims an error message to a single bounded line.
func sanitize(msg string) string {
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = msg[:idx]
	}
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength] + "..."
	}
	return msg
}
