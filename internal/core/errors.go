package core

import "errors"

// Condition names in the error taxonomy. Conditions travel in events,
// hook payloads, and history records; only provider-error (terminal
// class) and tool-loop-exceeded end a session in the failed state.
const (
	ConditionProviderError         = "provider-error"
	ConditionMalformedCompletion   = "malformed-completion"
	ConditionInvalidArguments      = "invalid-arguments"
	ConditionToolExecutionError    = "tool-execution-error"
	ConditionToolServerUnavailable = "tool-server-unavailable"
	ConditionSessionBusy           = "session-busy"
	ConditionToolLoopExceeded      = "tool-loop-exceeded"
	ConditionPersistenceError      = "persistence-error"
	ConditionPluginHookError       = "plugin-hook-error"
)

var (
	// ErrSessionBusy is returned when a prompt is submitted to a session
	// that already has one in flight. History is left untouched.
	ErrSessionBusy = errors.New("session busy: a prompt is already in flight")

	// ErrSessionArchived is returned when a prompt targets an archived
	// session. Archived sessions are immutable snapshots.
	ErrSessionArchived = errors.New("session is archived")

	// ErrNoActivePrompt is returned by Cancel when nothing is in flight.
	ErrNoActivePrompt = errors.New("no active prompt to cancel")

	// ErrUnknownProvider is returned when a session names a provider
	// that was never registered.
	ErrUnknownProvider = errors.New("unknown provider")
)
