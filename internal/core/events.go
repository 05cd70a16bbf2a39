package core

import "github.com/convoke-dev/convoke/internal/message"

// EventType tags a rendering event.
type EventType string

const (
	// EventSegmentAppended fires for each parsed assistant segment as it
	// arrives, while the provider may still be streaming.
	EventSegmentAppended EventType = "segment-appended"
	// EventToolStarted fires when a tool call begins executing.
	EventToolStarted EventType = "tool-started"
	// EventToolCompleted fires when a tool call finishes, success or not.
	EventToolCompleted EventType = "tool-completed"
	// EventSessionIdle fires when a turn completes and the session
	// returns to idle (or ends cancelled).
	EventSessionIdle EventType = "session-idle"
	// EventSessionFailed fires when a fatal condition ends the session.
	EventSessionFailed EventType = "session-failed"
)

// Event is one rendering notification delivered to the caller's sink.
// The UI layer consumes these; it never constructs session or message
// data itself.
type Event struct {
	Type      EventType
	SessionID string

	// Segment is set for segment-appended.
	Segment *message.Segment

	// Call is set for tool-started and tool-completed; Result for
	// tool-completed only.
	Call   *message.ToolCall
	Result *message.ToolResult

	// Condition is set for session-failed and for non-fatal conditions
	// reported on session-idle.
	Condition string
}

// EventSink receives rendering events. Sinks are called from the turn
// goroutine and from tool workers; they must be safe for concurrent use
// and must not block.
type EventSink func(Event)
