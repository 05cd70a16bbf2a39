// Package hooks implements the plugin hook pipeline: ordered, extensible
// interception points around the conversation lifecycle.
package hooks

import (
	"context"

	"github.com/convoke-dev/convoke/internal/message"
)

// Point names a lifecycle interception point.
type Point string

const (
	OnLoad         Point = "onLoad"
	OnPrompt       Point = "onPrompt"
	OnResponse     Point = "onResponse"
	OnComplete     Point = "onComplete"
	OnError        Point = "onError"
	OnSessionStart Point = "onSessionStart"
	OnSessionEnd   Point = "onSessionEnd"
)

// Points lists every valid lifecycle point.
var Points = []Point{OnLoad, OnPrompt, OnResponse, OnComplete, OnError, OnSessionStart, OnSessionEnd}

// Valid reports whether p is a known lifecycle point.
func (p Point) Valid() bool {
	for _, known := range Points {
		if p == known {
			return true
		}
	}
	return false
}

// Transforms reports whether hooks at this point may replace their payload.
// All other points are observer-only: return values are ignored.
func (p Point) Transforms() bool {
	return p == OnPrompt || p == OnResponse
}

// Payload is the data passed through a hook chain. Which fields are set
// depends on the point; transforming hooks return a replacement payload.
type Payload struct {
	SessionID string
	Point     Point

	// Prompt is set for onPrompt and may be transformed.
	Prompt string

	// Segments is set for onResponse and may be transformed.
	Segments []message.Segment

	// Condition and Err are set for onError.
	Condition string
	Err       error

	// State is the session's mutable scratch state, shared across hooks.
	State map[string]any
}

// Func is a hook body. Transforming hooks return the replacement payload;
// a nil return keeps the current one. Observer hooks' returns are ignored.
type Func func(ctx context.Context, p *Payload) (*Payload, error)

// Hook is a named function bound to one lifecycle point.
type Hook struct {
	Name string
	Fn   Func
}
