package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoke-dev/convoke/internal/config"
	"github.com/convoke-dev/convoke/internal/hooks"
	"github.com/convoke-dev/convoke/internal/mcp"
	"github.com/convoke-dev/convoke/internal/message"
	"github.com/convoke-dev/convoke/internal/plugin"
	"github.com/convoke-dev/convoke/internal/provider"
	"github.com/convoke-dev/convoke/internal/session"
	"github.com/convoke-dev/convoke/internal/tool"
)

func newTestManager(t *testing.T, p provider.Provider) (*Manager, *Runtime) {
	t.Helper()
	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)

	tools := tool.NewRegistry()
	pipeline := hooks.NewPipeline()
	providers := provider.NewRegistry()
	require.NoError(t, providers.Register(p))

	cfg := config.Default()
	cfg.Provider = p.Name()
	cfg.Model = "fake-model"
	cfg.Retry = config.RetryConfig{
		MaxAttempts:  2,
		InitialDelay: config.Duration(time.Millisecond),
		MaxDelay:     config.Duration(time.Millisecond),
	}

	rt := &Runtime{
		Config:    cfg,
		Providers: providers,
		Tools:     tools,
		MCP:       mcp.NewRegistry(tools),
		Plugins:   plugin.NewRegistry(pipeline, tools),
		Hooks:     pipeline,
		Store:     store,
	}
	return NewManager(rt), rt
}

func registerEcho(t *testing.T, rt *Runtime, name string) {
	t.Helper()
	require.NoError(t, rt.Tools.Register(tool.Definition{
		Name:   name,
		Source: tool.SourceBuiltin,
		Params: map[string]tool.ParamSpec{"query": {Type: "string"}},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			q, _ := args["query"].(string)
			return "result for " + q, nil
		},
	}))
}

func TestStartCompletesTextTurn(t *testing.T) {
	fake := provider.NewFake(
		[]provider.Chunk{
			provider.TextChunk("Hello there."),
			provider.DoneChunk(provider.Usage{InputTokens: 12, OutputTokens: 4}),
		},
	)
	m, rt := newTestManager(t, fake)

	outcome, err := m.Start(context.Background(), "say hello", Opts{})
	require.NoError(t, err)

	assert.Equal(t, session.StateIdle, outcome.State)
	assert.Empty(t, outcome.Condition)
	require.Len(t, outcome.Segments, 1)
	assert.Equal(t, "Hello there.", outcome.Segments[0].Text)
	assert.Equal(t, 16, outcome.Usage.TotalTokens)

	sess, err := rt.Store.Load(outcome.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, sess.Metadata.State)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, message.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, message.RoleAssistant, sess.Messages[1].Role)
}

func TestToolRoundTrip(t *testing.T) {
	fake := provider.NewFake(
		[]provider.Chunk{
			provider.TextChunk("Let me look that up."),
			provider.ToolStartChunk("call-1", "lookup"),
			provider.ToolInputChunk(`{"query":"weather"}`),
			provider.DoneChunk(provider.Usage{}),
		},
		[]provider.Chunk{
			provider.TextChunk("It is sunny."),
			provider.DoneChunk(provider.Usage{}),
		},
	)
	m, rt := newTestManager(t, fake)
	registerEcho(t, rt, "lookup")

	var events []Event
	var mu sync.Mutex
	outcome, err := m.Start(context.Background(), "what is the weather", Opts{
		Events: func(ev Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	assert.Equal(t, session.StateIdle, outcome.State)
	assert.Equal(t, 2, fake.CallCount())

	sess, err := rt.Store.Load(outcome.SessionID)
	require.NoError(t, err)
	// user, assistant with the call, tool results, final assistant
	require.Len(t, sess.Messages, 4)
	assert.Equal(t, message.RoleTool, sess.Messages[2].Role)
	require.NoError(t, message.ValidateCallPairs(sess.Messages))

	result := sess.Messages[2].Segments[0].ToolResult
	require.NotNil(t, result)
	assert.Equal(t, "call-1", result.CallID)
	assert.True(t, result.Success)
	assert.Equal(t, "result for weather", result.Payload)

	// The second provider call must carry the tool results back.
	second := fake.Calls[1]
	found := false
	for _, msg := range second.Messages {
		if msg.Role == message.RoleTool {
			found = true
		}
	}
	assert.True(t, found, "tool results missing from follow-up request")

	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, EventToolStarted)
	assert.Contains(t, types, EventToolCompleted)
	assert.Equal(t, EventSessionIdle, types[len(types)-1])
}

func TestToolLoopExceededFailsSession(t *testing.T) {
	loop := []provider.Chunk{
		provider.ToolStartChunk("call-n", "lookup"),
		provider.ToolInputChunk(`{"query":"again"}`),
		provider.DoneChunk(provider.Usage{}),
	}
	fake := provider.NewFake(loop, loop, loop)
	m, rt := newTestManager(t, fake)
	registerEcho(t, rt, "lookup")
	rt.Config.Loop.MaxToolRounds = 2

	var ended bool
	rt.Hooks.Register(hooks.OnSessionEnd, hooks.Hook{Name: "observer", Fn: func(ctx context.Context, p *hooks.Payload) (*hooks.Payload, error) {
		ended = true
		return nil, nil
	}})

	outcome, err := m.Start(context.Background(), "loop forever", Opts{})
	require.NoError(t, err)

	assert.Equal(t, session.StateFailed, outcome.State)
	assert.Equal(t, ConditionToolLoopExceeded, outcome.Condition)
	assert.True(t, ended, "onSessionEnd must fire on failure")

	sess, err := rt.Store.Load(outcome.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StateFailed, sess.Metadata.State)

	last := sess.Messages[len(sess.Messages)-1]
	assert.Equal(t, message.RoleSystem, last.Role)
	assert.Contains(t, last.Text(), ConditionToolLoopExceeded)
}

func TestMalformedCompletionRecovers(t *testing.T) {
	fake := provider.NewFake(
		[]provider.Chunk{
			provider.TextChunk("Here is the code:\n"),
			provider.TextChunk("```go\nfunc main() {"),
			provider.DoneChunk(provider.Usage{}),
		},
		[]provider.Chunk{
			provider.TextChunk("Second answer."),
			provider.DoneChunk(provider.Usage{}),
		},
	)
	m, rt := newTestManager(t, fake)

	outcome, err := m.Start(context.Background(), "show me code", Opts{})
	require.NoError(t, err)

	assert.Equal(t, session.StateIdle, outcome.State, "malformed completion must not fail the session")
	assert.Equal(t, ConditionMalformedCompletion, outcome.Condition)

	sess, err := rt.Store.Load(outcome.SessionID)
	require.NoError(t, err)
	last := sess.Messages[len(sess.Messages)-1]
	assert.Equal(t, message.RoleSystem, last.Role)
	assert.Contains(t, last.Text(), ConditionMalformedCompletion)

	// The session stays usable.
	next, err := m.Continue(context.Background(), outcome.SessionID, "try again", Opts{})
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, next.State)
	assert.Empty(t, next.Condition)
}

func TestProviderErrorFailsSession(t *testing.T) {
	fake := provider.NewFake(
		[]provider.Chunk{provider.ErrorChunk(errors.New("invalid request payload"))},
	)
	m, rt := newTestManager(t, fake)

	var hookCondition string
	rt.Hooks.Register(hooks.OnError, hooks.Hook{Name: "observer", Fn: func(ctx context.Context, p *hooks.Payload) (*hooks.Payload, error) {
		hookCondition = p.Condition
		return nil, nil
	}})

	outcome, err := m.Start(context.Background(), "hello", Opts{})
	require.NoError(t, err)

	assert.Equal(t, session.StateFailed, outcome.State)
	assert.Equal(t, ConditionProviderError, outcome.Condition)
	assert.Equal(t, ConditionProviderError, hookCondition)

	sess, err := rt.Store.Load(outcome.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StateFailed, sess.Metadata.State)
}

func TestUnknownProviderFailsSession(t *testing.T) {
	m, rt := newTestManager(t, provider.NewFake())
	rt.Config.Provider = "ghost"

	outcome, err := m.Start(context.Background(), "hello", Opts{})
	require.NoError(t, err)
	assert.Equal(t, session.StateFailed, outcome.State)
	assert.Equal(t, ConditionProviderError, outcome.Condition)
}

func TestContinueArchivedSessionRejected(t *testing.T) {
	fake := provider.NewFake(
		[]provider.Chunk{provider.TextChunk("done"), provider.DoneChunk(provider.Usage{})},
	)
	m, _ := newTestManager(t, fake)

	outcome, err := m.Start(context.Background(), "hello", Opts{})
	require.NoError(t, err)
	require.NoError(t, m.Archive(context.Background(), outcome.SessionID))

	_, err = m.Continue(context.Background(), outcome.SessionID, "more", Opts{})
	assert.ErrorIs(t, err, ErrSessionArchived)
}

func TestHookTransformsApply(t *testing.T) {
	fake := provider.NewFake(
		[]provider.Chunk{provider.TextChunk("raw response"), provider.DoneChunk(provider.Usage{})},
	)
	m, rt := newTestManager(t, fake)

	rt.Hooks.Register(hooks.OnPrompt, hooks.Hook{Name: "tagger", Fn: func(ctx context.Context, p *hooks.Payload) (*hooks.Payload, error) {
		next := *p
		next.Prompt = p.Prompt + " [tagged]"
		return &next, nil
	}})
	rt.Hooks.Register(hooks.OnResponse, hooks.Hook{Name: "redactor", Fn: func(ctx context.Context, p *hooks.Payload) (*hooks.Payload, error) {
		next := *p
		next.Segments = []message.Segment{message.TextSegment("[redacted]")}
		return &next, nil
	}})

	outcome, err := m.Start(context.Background(), "hello", Opts{})
	require.NoError(t, err)

	sess, err := rt.Store.Load(outcome.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "hello [tagged]", sess.Messages[0].Text(), "onPrompt transform must land in history")
	assert.Equal(t, "[redacted]", sess.Messages[1].Text(), "onResponse transform must land in history")
	require.Len(t, outcome.Segments, 1)
	assert.Equal(t, "[redacted]", outcome.Segments[0].Text)
}

func TestFailingHookIsReportedNotFatal(t *testing.T) {
	fake := provider.NewFake(
		[]provider.Chunk{provider.TextChunk("fine"), provider.DoneChunk(provider.Usage{})},
	)
	m, rt := newTestManager(t, fake)

	rt.Hooks.Register(hooks.OnPrompt, hooks.Hook{Name: "broken", Fn: func(ctx context.Context, p *hooks.Payload) (*hooks.Payload, error) {
		return nil, errors.New("hook exploded")
	}})

	outcome, err := m.Start(context.Background(), "hello", Opts{})
	require.NoError(t, err)

	assert.Equal(t, session.StateIdle, outcome.State, "a failing hook must not abort the turn")
	assert.Contains(t, outcome.Reported, ConditionPluginHookError)
	require.Len(t, rt.Hooks.Errors(), 1)
	assert.Equal(t, "broken", rt.Hooks.Errors()[0].Hook)
}

func TestHookErrorInOtherSessionNotReported(t *testing.T) {
	hang := newHangProvider()
	m, rt := newTestManager(t, hang)

	idCh := make(chan string, 1)
	done := make(chan *Outcome, 1)
	go func() {
		outcome, err := m.Start(context.Background(), "write code", Opts{
			Events: func(ev Event) {
				select {
				case idCh <- ev.SessionID:
				default:
				}
			},
		})
		if err != nil {
			t.Error(err)
		}
		done <- outcome
	}()

	var id string
	select {
	case id = <-idCh:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never produced a segment")
	}
	<-hang.started

	// A hook blows up for a different session while this turn is still in
	// flight. That failure belongs to the other session's outcome.
	require.NoError(t, rt.Hooks.Register(hooks.OnComplete, hooks.Hook{
		Name: "flaky",
		Fn: func(ctx context.Context, p *hooks.Payload) (*hooks.Payload, error) {
			return nil, errors.New("boom")
		},
	}))
	rt.Hooks.Run(context.Background(), hooks.OnComplete, &hooks.Payload{SessionID: "another-session"})

	require.NoError(t, m.Cancel(id))
	outcome := <-done

	assert.NotContains(t, outcome.Reported, ConditionPluginHookError,
		"another session's hook failure leaked into this turn")
	require.Len(t, rt.Hooks.ErrorsFor("another-session"), 1)
}

// hangProvider streams a complete code block, signals that it has done
// so, then holds the stream open until the context is cancelled.
type hangProvider struct {
	started chan struct{}
}

func newHangProvider() *hangProvider {
	return &hangProvider{started: make(chan struct{})}
}

func (h *hangProvider) Name() string { return "fake" }
func (h *hangProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{Streaming: true, ToolCalls: true}
}
func (h *hangProvider) Models(context.Context) ([]provider.ModelInfo, error) { return nil, nil }

func (h *hangProvider) Stream(ctx context.Context, req provider.Request) <-chan provider.Chunk {
	ch := make(chan provider.Chunk)
	go func() {
		defer close(ch)
		for _, c := range []provider.Chunk{
			provider.TextChunk("```go\n"),
			provider.TextChunk("x := 1\n"),
			provider.TextChunk("```\n"),
		} {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		close(h.started)
		<-ctx.Done()
	}()
	return ch
}

func TestBusySessionRejectsSecondPrompt(t *testing.T) {
	hang := newHangProvider()
	m, rt := newTestManager(t, hang)

	idCh := make(chan string, 1)
	done := make(chan *Outcome, 1)
	go func() {
		outcome, err := m.Start(context.Background(), "first prompt", Opts{
			Events: func(ev Event) {
				select {
				case idCh <- ev.SessionID:
				default:
				}
			},
		})
		if err != nil {
			t.Error(err)
		}
		done <- outcome
	}()

	var id string
	select {
	case id = <-idCh:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never produced a segment")
	}
	<-hang.started

	_, err := m.Continue(context.Background(), id, "second prompt", Opts{})
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.NotEqual(t, PhaseIdle, m.Phase(id))

	require.NoError(t, m.Cancel(id))
	outcome := <-done

	assert.Equal(t, session.StateCancelled, outcome.State)

	// The rejected prompt must have left no trace in history.
	sess, err := rt.Store.Load(id)
	require.NoError(t, err)
	for _, msg := range sess.Messages {
		if strings.Contains(msg.Text(), "second prompt") {
			t.Fatal("rejected prompt leaked into history")
		}
	}
	assert.Equal(t, PhaseIdle, m.Phase(id))
}

func TestCancelPreservesPartialOutput(t *testing.T) {
	hang := newHangProvider()
	m, rt := newTestManager(t, hang)

	idCh := make(chan string, 1)
	done := make(chan *Outcome, 1)
	go func() {
		outcome, err := m.Start(context.Background(), "write code", Opts{
			Events: func(ev Event) {
				select {
				case idCh <- ev.SessionID:
				default:
				}
			},
		})
		if err != nil {
			t.Error(err)
		}
		done <- outcome
	}()

	var id string
	select {
	case id = <-idCh:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never produced a segment")
	}
	<-hang.started
	require.NoError(t, m.Cancel(id))

	outcome := <-done
	assert.Equal(t, session.StateCancelled, outcome.State)
	require.NotEmpty(t, outcome.Segments, "segments before cancellation must survive")
	assert.Equal(t, message.SegmentCode, outcome.Segments[0].Type)
	assert.Equal(t, "x := 1\n", outcome.Segments[0].Content)

	sess, err := rt.Store.Load(id)
	require.NoError(t, err)
	assert.Equal(t, session.StateCancelled, sess.Metadata.State)
	last, ok := sess.LastAssistant()
	require.True(t, ok)
	assert.True(t, last.Partial)
}

func TestCancelWithoutActivePrompt(t *testing.T) {
	m, _ := newTestManager(t, provider.NewFake())
	assert.ErrorIs(t, m.Cancel("nope"), ErrNoActivePrompt)
}

func TestExportImportThroughManager(t *testing.T) {
	fake := provider.NewFake(
		[]provider.Chunk{provider.TextChunk("hi"), provider.DoneChunk(provider.Usage{})},
	)
	m, rt := newTestManager(t, fake)

	outcome, err := m.Start(context.Background(), "hello", Opts{})
	require.NoError(t, err)

	data, err := m.Export(outcome.SessionID)
	require.NoError(t, err)

	require.NoError(t, rt.Store.Delete(outcome.SessionID))
	id, err := m.Import(data)
	require.NoError(t, err)
	assert.Equal(t, outcome.SessionID, id)

	sess, err := rt.Store.Load(id)
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 2)
}
