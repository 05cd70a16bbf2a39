package message

import (
	"strings"
	"testing"
)

func TestTextConcatenatesProse(t *testing.T) {
	msg := New(RoleAssistant,
		TextSegment("first "),
		CodeSegment("go", "func main() {}"),
		TextSegment("second"),
	)
	if got := msg.Text(); got != "first second" {
		t.Errorf("Text() = %q", got)
	}
}

func TestToolCallsInOrder(t *testing.T) {
	msg := New(RoleAssistant,
		TextSegment("running tools"),
		ToolCallSegment(ToolCall{CallID: "a", Name: "web_fetch"}),
		ToolCallSegment(ToolCall{CallID: "b", Name: "file_glob"}),
	)
	calls := msg.ToolCalls()
	if len(calls) != 2 || calls[0].CallID != "a" || calls[1].CallID != "b" {
		t.Errorf("unexpected calls: %+v", calls)
	}
}

func TestValidateCallPairs(t *testing.T) {
	call := func(id string) Message {
		return New(RoleAssistant, ToolCallSegment(ToolCall{CallID: id, Name: "t"}))
	}
	result := func(id string) Message {
		return New(RoleTool, ToolResultSegment(ToolResult{CallID: id, Success: true}))
	}

	tests := []struct {
		name    string
		history []Message
		wantErr string
	}{
		{
			name:    "paired",
			history: []Message{call("c1"), result("c1")},
		},
		{
			name:    "call without result is fine",
			history: []Message{call("c1")},
		},
		{
			name:    "result without call",
			history: []Message{result("c1")},
			wantErr: "no preceding tool call",
		},
		{
			name:    "duplicate result",
			history: []Message{call("c1"), result("c1"), result("c1")},
			wantErr: "more than one result",
		},
		{
			name: "interleaved pairs",
			history: []Message{
				call("c1"), call("c2"), result("c2"), result("c1"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCallPairs(tt.history)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestToolResultsMessageOrder(t *testing.T) {
	msg := ToolResultsMessage([]ToolResult{
		{CallID: "c1", Payload: "one", Success: true},
		{CallID: "c2", Payload: "two", Success: false},
	})
	if msg.Role != RoleTool {
		t.Errorf("role = %s", msg.Role)
	}
	if len(msg.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(msg.Segments))
	}
	if msg.Segments[0].ToolResult.CallID != "c1" || msg.Segments[1].ToolResult.CallID != "c2" {
		t.Errorf("results out of order: %+v", msg.Segments)
	}
}

func TestNewAssignsIdentity(t *testing.T) {
	a := UserMessage("hello")
	b := UserMessage("hello")
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("messages must get unique ids: %q vs %q", a.ID, b.ID)
	}
	if a.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}
