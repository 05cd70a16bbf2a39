package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/convoke-dev/convoke/internal/client"
	"github.com/convoke-dev/convoke/internal/hooks"
	"github.com/convoke-dev/convoke/internal/log"
	"github.com/convoke-dev/convoke/internal/message"
	"github.com/convoke-dev/convoke/internal/parser"
	"github.com/convoke-dev/convoke/internal/provider"
	"github.com/convoke-dev/convoke/internal/session"
	"github.com/convoke-dev/convoke/internal/tool"
)

const defaultMaxToolRounds = 8

// Phase is where a session's in-flight turn sits in the state machine.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseAwaitingProvider Phase = "awaiting-provider"
	PhaseParsingResponse  Phase = "parsing-response"
	PhaseDispatchingTools Phase = "dispatching-tools"
)

// Opts configures one prompt submission.
type Opts struct {
	// Provider and Model override the configured defaults for a new
	// session. Ignored on Continue: a session keeps its selection.
	Provider string
	Model    string
	Agent    string

	// SystemPrompt is sent with every provider call for this turn.
	SystemPrompt string

	// Events receives rendering events for this turn. Optional.
	Events EventSink
}

// Outcome summarizes a completed turn.
type Outcome struct {
	SessionID string
	State     session.State

	// Segments holds the final assistant response segments.
	Segments []message.Segment

	// Condition is set when the turn surfaced a condition: a fatal one
	// for failed sessions, or a recovered one such as
	// malformed-completion.
	Condition string

	// Reported collects non-fatal conditions raised along the way, e.g.
	// persistence-error. The turn itself still succeeded.
	Reported []string

	Usage client.TokenUsage
}

type turn struct {
	cancel context.CancelFunc
	phase  Phase
}

// Manager drives the per-session state machine:
// Idle -> AwaitingProvider -> ParsingResponse ->
// (DispatchingTools -> AwaitingProvider)* -> Idle, with Cancelled and
// Failed reachable from any non-terminal state. One prompt may be in
// flight per session; sessions run fully parallel to each other.
type Manager struct {
	rt *Runtime

	mu       sync.Mutex
	inflight map[string]*turn
}

// NewManager creates a manager over the runtime.
func NewManager(rt *Runtime) *Manager {
	return &Manager{rt: rt, inflight: make(map[string]*turn)}
}

// Start creates a session and runs the first prompt through it.
func (m *Manager) Start(ctx context.Context, prompt string, opts Opts) (*Outcome, error) {
	providerName := opts.Provider
	if providerName == "" {
		providerName = m.rt.Config.Provider
	}
	model := opts.Model
	if model == "" {
		model = m.rt.Config.Model
	}
	agent := opts.Agent
	if agent == "" {
		agent = m.rt.Config.Agent
	}

	sess, err := m.rt.Store.New(providerName, model)
	if err != nil {
		return nil, err
	}
	sess.Metadata.Agent = agent
	sess.Scratch = map[string]any{}

	m.rt.Hooks.Run(ctx, hooks.OnSessionStart, &hooks.Payload{
		SessionID: sess.Metadata.ID,
		State:     sess.Scratch,
	})

	return m.run(ctx, sess, prompt, opts)
}

// Continue runs a prompt against an existing session.
func (m *Manager) Continue(ctx context.Context, sessionID, prompt string, opts Opts) (*Outcome, error) {
	// Reject up front without loading state twice if a turn is running.
	m.mu.Lock()
	_, busy := m.inflight[sessionID]
	m.mu.Unlock()
	if busy {
		return nil, ErrSessionBusy
	}

	sess, err := m.rt.Store.Load(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Metadata.State == session.StateArchived {
		return nil, ErrSessionArchived
	}
	if sess.Scratch == nil {
		sess.Scratch = map[string]any{}
	}

	m.rt.Hooks.Run(ctx, hooks.OnLoad, &hooks.Payload{
		SessionID: sess.Metadata.ID,
		State:     sess.Scratch,
	})

	return m.run(ctx, sess, prompt, opts)
}

// Cancel aborts the session's in-flight turn. The cancellation
// propagates to the provider stream and any running tool calls; partial
// text already received is preserved in history.
func (m *Manager) Cancel(sessionID string) error {
	m.mu.Lock()
	t, ok := m.inflight[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrNoActivePrompt
	}
	t.cancel()
	return nil
}

// Phase reports where the session's turn currently sits. Sessions with
// no turn in flight are idle.
func (m *Manager) Phase(sessionID string) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.inflight[sessionID]; ok {
		return t.phase
	}
	return PhaseIdle
}

// Export serializes a session snapshot.
func (m *Manager) Export(sessionID string) ([]byte, error) {
	return m.rt.Store.Export(sessionID)
}

// Import stores an exported snapshot and returns its session id. A
// colliding id gets a fresh one rather than overwriting.
func (m *Manager) Import(data []byte) (string, error) {
	sess, err := m.rt.Store.Import(data)
	if err != nil {
		return "", err
	}
	return sess.Metadata.ID, nil
}

// Archive freezes a session as an immutable snapshot.
func (m *Manager) Archive(ctx context.Context, sessionID string) error {
	if err := m.rt.Store.Archive(sessionID); err != nil {
		return err
	}
	m.rt.Hooks.Run(ctx, hooks.OnSessionEnd, &hooks.Payload{SessionID: sessionID})
	return nil
}

// acquire claims the session's single in-flight slot.
func (m *Manager) acquire(sessionID string, cancel context.CancelFunc) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[sessionID]; busy {
		return false
	}
	m.inflight[sessionID] = &turn{cancel: cancel, phase: PhaseAwaitingProvider}
	return true
}

func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	delete(m.inflight, sessionID)
	m.mu.Unlock()
}

func (m *Manager) setPhase(sessionID string, phase Phase) {
	m.mu.Lock()
	if t, ok := m.inflight[sessionID]; ok {
		t.phase = phase
	}
	m.mu.Unlock()
}

// run executes one full turn of the state machine.
func (m *Manager) run(ctx context.Context, sess *session.Session, prompt string, opts Opts) (*Outcome, error) {
	id := sess.Metadata.ID

	tctx, cancel := context.WithCancel(ctx)
	if !m.acquire(id, cancel) {
		cancel()
		return nil, ErrSessionBusy
	}
	defer func() {
		cancel()
		m.release(id)
	}()

	outcome := &Outcome{SessionID: id}

	// Hook failures during this turn surface as a reported condition; the
	// details stay in the pipeline's error list. Only this session's
	// failures count, so parallel sessions do not cross-report.
	hookErrs := len(m.rt.Hooks.ErrorsFor(id))
	defer func() {
		if len(m.rt.Hooks.ErrorsFor(id)) > hookErrs {
			outcome.Reported = append(outcome.Reported, ConditionPluginHookError)
		}
	}()

	p, ok := m.rt.Providers.Get(sess.Metadata.Provider)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownProvider, sess.Metadata.Provider)
		m.fail(ctx, sess, outcome, opts, ConditionProviderError, err)
		return outcome, nil
	}

	cl := client.New(p, sess.Metadata.Model)
	cl.MaxTokens = m.rt.Config.MaxTokens
	if m.rt.Config.Retry.MaxAttempts > 0 {
		cl.Retry.MaxAttempts = m.rt.Config.Retry.MaxAttempts
	}
	if m.rt.Config.Retry.InitialDelay > 0 {
		cl.Retry.InitialDelay = m.rt.Config.Retry.InitialDelay.Std()
	}
	if m.rt.Config.Retry.MaxDelay > 0 {
		cl.Retry.MaxDelay = m.rt.Config.Retry.MaxDelay.Std()
	}

	// onPrompt hooks may transform the prompt before it enters history.
	pl := m.rt.Hooks.Run(ctx, hooks.OnPrompt, &hooks.Payload{
		SessionID: id,
		Prompt:    prompt,
		State:     sess.Scratch,
	})
	prompt = pl.Prompt

	sess.Metadata.State = session.StateActive
	sess.Append(message.UserMessage(prompt))
	m.persist(ctx, sess, outcome, opts)

	maxRounds := m.rt.Config.Loop.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxToolRounds
	}

	for round := 0; ; round++ {
		m.setPhase(id, PhaseAwaitingProvider)
		chunks := cl.Stream(tctx, sess.Messages, m.rt.Tools.Schemas(), opts.SystemPrompt)

		m.setPhase(id, PhaseParsingResponse)
		segments, partial, err := m.consume(tctx, id, chunks, opts)
		outcome.Usage = cl.Tokens()

		if err != nil {
			if errors.Is(err, parser.ErrMalformedCompletion) {
				m.recoverMalformed(ctx, sess, outcome, opts, segments, err)
				return outcome, nil
			}
			m.fail(ctx, sess, outcome, opts, ConditionProviderError, err)
			return outcome, nil
		}

		if partial {
			m.cancelled(ctx, sess, outcome, opts, segments)
			return outcome, nil
		}

		// onResponse hooks may transform the parsed segments before they
		// are committed to history.
		rp := m.rt.Hooks.Run(ctx, hooks.OnResponse, &hooks.Payload{
			SessionID: id,
			Segments:  segments,
			State:     sess.Scratch,
		})
		segments = rp.Segments

		msg := message.AssistantMessage(segments)
		sess.Append(msg)
		m.persist(ctx, sess, outcome, opts)

		calls := msg.ToolCalls()
		if len(calls) == 0 {
			outcome.Segments = segments
			m.idle(ctx, sess, outcome, opts)
			return outcome, nil
		}

		if round+1 >= maxRounds {
			err := fmt.Errorf("tool loop exceeded the configured maximum of %d rounds", maxRounds)
			m.fail(ctx, sess, outcome, opts, ConditionToolLoopExceeded, err)
			return outcome, nil
		}

		m.setPhase(id, PhaseDispatchingTools)
		results := m.dispatch(tctx, id, calls, opts)
		sess.Append(message.ToolResultsMessage(results))
		m.persist(ctx, sess, outcome, opts)
	}
}

// consume drains the parse sequence, emitting a rendering event per
// segment as it arrives. Returns the ordered segments, whether the
// stream ended partial, and any terminal error.
func (m *Manager) consume(ctx context.Context, sessionID string, chunks <-chan provider.Chunk, opts Opts) ([]message.Segment, bool, error) {
	var segments []message.Segment
	for item := range parser.Parse(ctx, chunks) {
		if item.Err != nil {
			return segments, false, item.Err
		}
		if item.Partial {
			return segments, true, nil
		}
		segments = append(segments, item.Segment)
		seg := item.Segment
		emit(opts.Events, Event{Type: EventSegmentAppended, SessionID: sessionID, Segment: &seg})
	}
	return segments, false, nil
}

// dispatch fans the calls out through a per-turn dispatcher wired to the
// event sink.
func (m *Manager) dispatch(ctx context.Context, sessionID string, calls []message.ToolCall, opts Opts) []message.ToolResult {
	d := tool.NewDispatcher(m.rt.Tools)
	if m.rt.Config.Loop.ToolConcurrency > 0 {
		d.Concurrency = m.rt.Config.Loop.ToolConcurrency
	}
	d.OnStart = func(call message.ToolCall) {
		emit(opts.Events, Event{Type: EventToolStarted, SessionID: sessionID, Call: &call})
	}
	d.OnDone = func(call message.ToolCall, result message.ToolResult) {
		emit(opts.Events, Event{Type: EventToolCompleted, SessionID: sessionID, Call: &call, Result: &result})
	}
	return d.Dispatch(ctx, calls)
}

// idle completes the turn normally.
func (m *Manager) idle(ctx context.Context, sess *session.Session, outcome *Outcome, opts Opts) {
	sess.Metadata.State = session.StateIdle
	m.persist(ctx, sess, outcome, opts)
	outcome.State = session.StateIdle

	m.rt.Hooks.Run(ctx, hooks.OnComplete, &hooks.Payload{
		SessionID: sess.Metadata.ID,
		Segments:  outcome.Segments,
		State:     sess.Scratch,
	})
	emit(opts.Events, Event{Type: EventSessionIdle, SessionID: sess.Metadata.ID})
}

// cancelled ends the turn after a mid-stream cancellation. Segments
// received before the cancellation instant are preserved and the
// message is marked partial.
func (m *Manager) cancelled(ctx context.Context, sess *session.Session, outcome *Outcome, opts Opts, segments []message.Segment) {
	msg := message.AssistantMessage(segments)
	msg.Partial = true
	sess.Append(msg)
	sess.Metadata.State = session.StateCancelled
	m.persist(ctx, sess, outcome, opts)

	outcome.State = session.StateCancelled
	outcome.Segments = segments

	m.rt.Hooks.Run(ctx, hooks.OnSessionEnd, &hooks.Payload{
		SessionID: sess.Metadata.ID,
		State:     sess.Scratch,
	})
	emit(opts.Events, Event{Type: EventSessionIdle, SessionID: sess.Metadata.ID})
}

// recoverMalformed surfaces a malformed completion without failing the
// session: recovered segments and a human-readable record land in
// history, and the session returns to idle.
func (m *Manager) recoverMalformed(ctx context.Context, sess *session.Session, outcome *Outcome, opts Opts, segments []message.Segment, err error) {
	if len(segments) > 0 {
		msg := message.AssistantMessage(segments)
		msg.Partial = true
		sess.Append(msg)
	}
	sess.Append(message.SystemMessage(fmt.Sprintf("%s: %v", ConditionMalformedCompletion, err)))
	sess.Metadata.State = session.StateIdle
	m.persist(ctx, sess, outcome, opts)

	outcome.State = session.StateIdle
	outcome.Segments = segments
	outcome.Condition = ConditionMalformedCompletion

	m.rt.Hooks.Run(ctx, hooks.OnError, &hooks.Payload{
		SessionID: sess.Metadata.ID,
		Condition: ConditionMalformedCompletion,
		Err:       err,
		State:     sess.Scratch,
	})
	emit(opts.Events, Event{
		Type:      EventSessionIdle,
		SessionID: sess.Metadata.ID,
		Condition: ConditionMalformedCompletion,
	})
}

// fail ends the session in the failed state with the condition recorded
// in history as a system message, so the user sees why.
func (m *Manager) fail(ctx context.Context, sess *session.Session, outcome *Outcome, opts Opts, condition string, err error) {
	sess.Append(message.SystemMessage(fmt.Sprintf("%s: %v", condition, err)))
	sess.Metadata.State = session.StateFailed
	m.persist(ctx, sess, outcome, opts)

	outcome.State = session.StateFailed
	outcome.Condition = condition

	m.rt.Hooks.Run(ctx, hooks.OnError, &hooks.Payload{
		SessionID: sess.Metadata.ID,
		Condition: condition,
		Err:       err,
		State:     sess.Scratch,
	})
	m.rt.Hooks.Run(ctx, hooks.OnSessionEnd, &hooks.Payload{
		SessionID: sess.Metadata.ID,
		State:     sess.Scratch,
	})
	emit(opts.Events, Event{
		Type:      EventSessionFailed,
		SessionID: sess.Metadata.ID,
		Condition: condition,
	})
}

// persist snapshots the session. Failure is reported, not thrown: the
// in-memory state stands and the turn continues (at-least-once, not
// exactly-once).
func (m *Manager) persist(ctx context.Context, sess *session.Session, outcome *Outcome, opts Opts) {
	err := m.rt.Store.Save(sess)
	if err == nil {
		return
	}

	log.Logger().Warn("session persist failed",
		zap.String("session", sess.Metadata.ID), zap.Error(err))
	outcome.Reported = append(outcome.Reported, ConditionPersistenceError)
	m.rt.Hooks.Run(ctx, hooks.OnError, &hooks.Payload{
		SessionID: sess.Metadata.ID,
		Condition: ConditionPersistenceError,
		Err:       err,
		State:     sess.Scratch,
	})
}

func emit(sink EventSink, ev Event) {
	if sink != nil {
		sink(ev)
	}
}
