package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/convoke-dev/convoke/internal/log"
)

// HookError records a hook failure. Failures are isolated: the chain
// continues past a misbehaving hook, but every failure leaves a trace.
type HookError struct {
	Point   Point
	Hook    string
	Session string
	Err     error
	At      time.Time
}

func (e HookError) Error() string {
	return fmt.Sprintf("hook %s at %s: %v", e.Hook, e.Point, e.Err)
}

// Pipeline holds the ordered hook chains for each lifecycle point.
// Registration order is the plugin load order and is part of the
// observable contract.
type Pipeline struct {
	mu     sync.RWMutex
	chains map[Point][]Hook
	errs   []HookError
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{chains: make(map[Point][]Hook)}
}

// Register appends a hook to the chain for the given point.
func (pl *Pipeline) Register(point Point, h Hook) error {
	if !point.Valid() {
		return fmt.Errorf("unknown hook point: %s", point)
	}
	if h.Fn == nil {
		return fmt.Errorf("hook %q has no function", h.Name)
	}
	pl.mu.Lock()
	pl.chains[point] = append(pl.chains[point], h)
	pl.mu.Unlock()
	return nil
}

// Has reports whether any hooks are registered for the point.
func (pl *Pipeline) Has(point Point) bool {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return len(pl.chains[point]) > 0
}

// Run executes the chain for a point. Each hook receives the output of the
// previous one; at transforming points a non-nil return replaces the
// payload. A hook error (or panic) is recorded and skipped; one
// misbehaving plugin must not abort the session.
func (pl *Pipeline) Run(ctx context.Context, point Point, payload *Payload) *Payload {
	pl.mu.RLock()
	chain := make([]Hook, len(pl.chains[point]))
	copy(chain, pl.chains[point])
	pl.mu.RUnlock()

	if payload == nil {
		payload = &Payload{}
	}
	payload.Point = point

	for _, h := range chain {
		out, err := pl.invoke(ctx, h, payload)
		if err != nil {
			pl.record(point, h.Name, payload.SessionID, err)
			continue
		}
		if point.Transforms() && out != nil {
			out.Point = point
			payload = out
		}
	}
	return payload
}

// invoke runs a single hook, converting panics into errors.
func (pl *Pipeline) invoke(ctx context.Context, h Hook, payload *Payload) (out *Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Fn(ctx, payload)
}

func (pl *Pipeline) record(point Point, name, sessionID string, err error) {
	he := HookError{Point: point, Hook: name, Session: sessionID, Err: err, At: time.Now().UTC()}
	pl.mu.Lock()
	pl.errs = append(pl.errs, he)
	pl.mu.Unlock()

	log.Logger().Warn("hook execution failed",
		zap.String("point", string(point)),
		zap.String("hook", name),
		zap.String("session", sessionID),
		zap.Error(err))
}

// Errors returns the recorded hook failures, oldest first.
func (pl *Pipeline) Errors() []HookError {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	out := make([]HookError, len(pl.errs))
	copy(out, pl.errs)
	return out
}

// ErrorsFor returns the recorded hook failures for one session, oldest
// first. Sessions run in parallel, so attribution has to go through the
// payload's session id rather than the global list.
func (pl *Pipeline) ErrorsFor(sessionID string) []HookError {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	var out []HookError
	for _, he := range pl.errs {
		if he.Session == sessionID {
			out = append(out, he)
		}
	}
	return out
}
