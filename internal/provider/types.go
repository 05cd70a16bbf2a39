// Package provider defines the uniform streaming-completion interface over
// heterogeneous AI backends and the registry that holds them.
package provider

import (
	"context"

	"github.com/convoke-dev/convoke/internal/message"
)

// Capabilities describes what a backend supports. Used by callers to decide
// whether tools or images may be sent.
type Capabilities struct {
	Streaming  bool
	ToolCalls  bool
	Vision     bool
	MaxContext int // input token limit, 0 if unknown
}

// ModelInfo describes one model offered by a provider.
type ModelInfo struct {
	ID               string `json:"id"`
	DisplayName      string `json:"displayName,omitempty"`
	InputTokenLimit  int    `json:"inputTokenLimit,omitempty"`
	OutputTokenLimit int    `json:"outputTokenLimit,omitempty"`
}

// ToolSchema is a tool definition in the form providers hand to the model:
// a name, a description, and a JSON-Schema parameters object.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request contains everything needed for one completion call.
type Request struct {
	Model        string
	Messages     []message.Message
	MaxTokens    int
	Temperature  float64
	Tools        []ToolSchema
	SystemPrompt string
}

// Usage contains token usage reported by the backend.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChunkType tags a stream chunk.
type ChunkType string

const (
	ChunkText      ChunkType = "text"
	ChunkToolStart ChunkType = "tool_start"
	ChunkToolInput ChunkType = "tool_input"
	ChunkDone      ChunkType = "done"
	// ChunkPartial terminates a stream that was cancelled mid-flight.
	// Everything received before it remains valid.
	ChunkPartial ChunkType = "partial"
	ChunkError   ChunkType = "error"
)

// Chunk is one unit of a streamed completion. A stream is a finite sequence
// of chunks terminated by exactly one of done, partial, or error.
type Chunk struct {
	Type     ChunkType
	Text     string // text delta, or raw tool input delta for tool_input
	ToolID   string // tool_start
	ToolName string // tool_start
	Usage    *Usage // done
	Err      error  // error
}

// Provider is the interface all AI backends implement.
type Provider interface {
	// Name returns the provider name (e.g. "anthropic").
	Name() string

	// Capabilities reports the backend's capability surface.
	Capabilities() Capabilities

	// Stream sends a completion request and returns a chunk channel.
	// The channel is closed after the terminal chunk.
	Stream(ctx context.Context, req Request) <-chan Chunk

	// Models returns the models available from this backend.
	Models(ctx context.Context) ([]ModelInfo, error)
}

// TextChunk builds a text delta chunk.
func TextChunk(text string) Chunk { return Chunk{Type: ChunkText, Text: text} }

// ToolStartChunk builds a tool-call start chunk.
func ToolStartChunk(id, name string) Chunk {
	return Chunk{Type: ChunkToolStart, ToolID: id, ToolName: name}
}

// ToolInputChunk builds a tool input delta chunk (raw JSON fragment).
func ToolInputChunk(fragment string) Chunk {
	return Chunk{Type: ChunkToolInput, Text: fragment}
}

// DoneChunk builds a completion marker chunk.
func DoneChunk(usage Usage) Chunk { return Chunk{Type: ChunkDone, Usage: &usage} }

// ErrorChunk builds an error chunk.
func ErrorChunk(err error) Chunk { return Chunk{Type: ChunkError, Err: err} }

// Send delivers a chunk unless the request context is cancelled first.
// Producers must use it for every send: a consumer that stops reading
// after cancellation would otherwise strand the producing goroutine, and
// with it the backend connection. Returns false once the context is done.
func Send(ctx context.Context, out chan<- Chunk, chunk Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
