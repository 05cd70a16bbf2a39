// Package session holds conversation state and its JSON file store.
package session

import (
	"time"

	"github.com/convoke-dev/convoke/internal/message"
)

// State is where a session sits in its lifecycle.
type State string

const (
	// StateCreated is a session that has no messages yet.
	StateCreated State = "created"
	// StateActive is a session with a turn in flight.
	StateActive State = "active"
	// StateIdle is a session between turns.
	StateIdle State = "idle"
	// StateArchived is a session kept for its history only.
	StateArchived State = "archived"
	// StateFailed is a session whose last turn ended in a fatal condition.
	StateFailed State = "failed"
	// StateCancelled is a session whose last turn was cancelled.
	StateCancelled State = "cancelled"
)

// Metadata describes a session without its messages.
type Metadata struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Agent        string    `json:"agent,omitempty"`
	State        State     `json:"state"`
	MessageCount int       `json:"messageCount"`
}

// Session is the full conversation record: metadata, ordered history,
// and plugin scratch space.
type Session struct {
	Metadata Metadata          `json:"metadata"`
	Messages []message.Message `json:"messages"`
	// Scratch is per-session state plugins may read and write across
	// hook invocations. It persists with the session.
	Scratch map[string]any `json:"scratch,omitempty"`
}

// Append adds a message to the history and bumps the update time.
func (s *Session) Append(msg message.Message) {
	s.Messages = append(s.Messages, msg)
	s.Metadata.MessageCount = len(s.Messages)
	s.Metadata.UpdatedAt = time.Now().UTC()
}

// LastAssistant returns the most recent assistant message, if any.
func (s *Session) LastAssistant() (message.Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == message.RoleAssistant {
			return s.Messages[i], true
		}
	}
	return message.Message{}, false
}
