package provider

import (
	"context"
	"sync"
)

// Fake is a test double that plays scripted chunk sequences.
//
// Each call to Stream pops the first script and emits its chunks in order,
// honoring context cancellation between chunks. When the scripts are
// exhausted it emits a default "no more responses" reply. Every Request
// received is recorded in Calls.
type Fake struct {
	ProviderName string
	Caps         Capabilities

	mu      sync.Mutex
	Scripts [][]Chunk
	Calls   []Request
}

// NewFake creates a fake provider with the given scripts.
func NewFake(scripts ...[]Chunk) *Fake {
	return &Fake{
		Caps:    Capabilities{Streaming: true, ToolCalls: true},
		Scripts: scripts,
	}
}

// Name returns the provider name.
func (f *Fake) Name() string {
	if f.ProviderName != "" {
		return f.ProviderName
	}
	return "fake"
}

// Capabilities reports the configured capability surface.
func (f *Fake) Capabilities() Capabilities { return f.Caps }

// Models returns a single fake model.
func (f *Fake) Models(context.Context) ([]ModelInfo, error) {
	return []ModelInfo{{ID: "fake-model", OutputTokenLimit: 8192}}, nil
}

// Stream pops the next script and plays it.
func (f *Fake) Stream(ctx context.Context, req Request) <-chan Chunk {
	f.mu.Lock()
	f.Calls = append(f.Calls, req)
	var script []Chunk
	if len(f.Scripts) > 0 {
		script = f.Scripts[0]
		f.Scripts = f.Scripts[1:]
	} else {
		script = []Chunk{TextChunk("no more responses"), DoneChunk(Usage{})}
	}
	f.mu.Unlock()

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		for _, chunk := range script {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				// Best effort: the consumer may already be gone.
				select {
				case ch <- Chunk{Type: ChunkPartial}:
				default:
				}
				return
			}
		}
	}()
	return ch
}

// CallCount returns how many Stream calls were made.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}
