// Package message defines the canonical conversation types used across the
// codebase: messages, their ordered segments, and the tool call/result pair.
// All packages import from here to avoid circular dependencies.
package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	// RoleSystem marks runtime-generated messages, e.g. the record of a
	// fatal condition that ended the session.
	RoleSystem Role = "system"
)

// SegmentType tags the variant held by a Segment.
type SegmentType string

const (
	SegmentText       SegmentType = "text"
	SegmentCode       SegmentType = "code"
	SegmentToolCall   SegmentType = "tool_call"
	SegmentToolResult SegmentType = "tool_result"
)

// ToolCall is a request from the model to invoke a tool.
type ToolCall struct {
	CallID    string         `json:"callId"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult is the outcome of executing a ToolCall, matched by CallID.
type ToolResult struct {
	CallID  string `json:"callId"`
	Payload string `json:"payload"`
	Success bool   `json:"success"`
}

// Segment is one typed unit of message content. Exactly the fields for its
// Type are set; the rest stay zero.
type Segment struct {
	Type SegmentType `json:"type"`

	// SegmentText
	Text string `json:"text,omitempty"`

	// SegmentCode
	Language string `json:"language,omitempty"`
	Content  string `json:"content,omitempty"`

	// SegmentToolCall / SegmentToolResult
	ToolCall   *ToolCall   `json:"toolCall,omitempty"`
	ToolResult *ToolResult `json:"toolResult,omitempty"`
}

// TextSegment creates a prose segment.
func TextSegment(text string) Segment {
	return Segment{Type: SegmentText, Text: text}
}

// CodeSegment creates a fenced code block segment.
func CodeSegment(language, content string) Segment {
	return Segment{Type: SegmentCode, Language: language, Content: content}
}

// ToolCallSegment creates a tool call segment.
func ToolCallSegment(tc ToolCall) Segment {
	return Segment{Type: SegmentToolCall, ToolCall: &tc}
}

// ToolResultSegment creates a tool result segment.
func ToolResultSegment(tr ToolResult) Segment {
	return Segment{Type: SegmentToolResult, ToolResult: &tr}
}

// Message is one entry in a session's history. Messages are immutable once
// appended; ParentID is a lookup-only back-reference for threading.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Segments  []Segment `json:"segments"`
	Timestamp time.Time `json:"timestamp"`
	ParentID  string    `json:"parentId,omitempty"`
	// Partial marks a message whose stream was cancelled mid-flight;
	// the segments received before cancellation are preserved.
	Partial bool `json:"partial,omitempty"`
}

// New creates a message with a fresh ID and the current timestamp.
func New(role Role, segments ...Segment) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Segments:  segments,
		Timestamp: time.Now().UTC(),
	}
}

// UserMessage creates a user message holding a single text segment.
func UserMessage(text string) Message {
	return New(RoleUser, TextSegment(text))
}

// AssistantMessage creates an assistant message from parsed segments.
func AssistantMessage(segments []Segment) Message {
	return New(RoleAssistant, segments...)
}

// ToolResultsMessage creates a tool message carrying one result segment per
// executed call, in the order the calls were emitted.
func ToolResultsMessage(results []ToolResult) Message {
	segments := make([]Segment, 0, len(results))
	for _, r := range results {
		segments = append(segments, ToolResultSegment(r))
	}
	return New(RoleTool, segments...)
}

// SystemMessage creates a runtime-generated message, used to record fatal
// conditions in history so the user sees why a session ended.
func SystemMessage(text string) Message {
	return New(RoleSystem, TextSegment(text))
}

// Text returns the concatenated prose content of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, seg := range m.Segments {
		if seg.Type == SegmentText {
			sb.WriteString(seg.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool call segments of the message in order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, seg := range m.Segments {
		if seg.Type == SegmentToolCall && seg.ToolCall != nil {
			calls = append(calls, *seg.ToolCall)
		}
	}
	return calls
}

// ValidateCallPairs checks the history invariant: every tool result segment
// must be preceded by a tool call with the same callId, and no call may
// receive more than one result.
func ValidateCallPairs(msgs []Message) error {
	seen := make(map[string]bool)     // callId -> call observed
	resolved := make(map[string]bool) // callId -> result observed

	for _, msg := range msgs {
		for _, seg := range msg.Segments {
			switch seg.Type {
			case SegmentToolCall:
				if seg.ToolCall != nil {
					seen[seg.ToolCall.CallID] = true
				}
			case SegmentToolResult:
				if seg.ToolResult == nil {
					continue
				}
				id := seg.ToolResult.CallID
				if !seen[id] {
					return fmt.Errorf("tool result %q has no preceding tool call", id)
				}
				if resolved[id] {
					return fmt.Errorf("tool call %q has more than one result", id)
				}
				resolved[id] = true
			}
		}
	}
	return nil
}
