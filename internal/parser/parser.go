// Package parser splits a raw completion stream into ordered segments:
// prose, fenced code blocks, and tool-call requests. Parsing is lazy and
// single-pass: segments are emitted while the provider is still streaming.
package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/convoke-dev/convoke/internal/message"
	"github.com/convoke-dev/convoke/internal/provider"
)

// ErrMalformedCompletion reports a completion that ended with an
// unterminated code fence or an undecodable tool-call structure. It is
// distinct from a provider error: the stream finished, but its content
// cannot be trusted.
var ErrMalformedCompletion = errors.New("malformed-completion")

// Item is one element of the parsed sequence. Exactly one of Segment, Err,
// or the Partial marker is meaningful per item; Err and Partial are
// terminal.
type Item struct {
	Segment message.Segment
	// Partial marks the end of a stream cancelled mid-flight. Segments
	// emitted before it are valid and must be preserved.
	Partial bool
	Err     error
}

// Parse consumes a chunk stream and returns a lazy segment sequence.
// The sequence is finite, single-pass, and not restartable. The returned
// channel closes after a terminal item (stream done, partial, or error);
// the caller must read until then.
func Parse(ctx context.Context, in <-chan provider.Chunk) <-chan Item {
	out := make(chan Item)
	go func() {
		defer close(out)
		p := &parser{ctx: ctx, out: out}
		p.run(in)
	}()
	return out
}

// Collect synchronously drains a parse sequence. It returns the segments,
// whether the stream ended partial, and any terminal error.
func Collect(ctx context.Context, in <-chan provider.Chunk) ([]message.Segment, bool, error) {
	var segments []message.Segment
	for item := range Parse(ctx, in) {
		if item.Err != nil {
			return segments, false, item.Err
		}
		if item.Partial {
			return segments, true, nil
		}
		segments = append(segments, item.Segment)
	}
	return segments, false, nil
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

type parser struct {
	ctx context.Context
	out chan<- Item

	lineBuf strings.Builder // incomplete current line
	textBuf strings.Builder // accumulated prose
	codeBuf strings.Builder // accumulated code block body

	inFence   bool
	fenceLang string

	call *pendingCall
}

func (p *parser) run(in <-chan provider.Chunk) {
	for {
		select {
		case chunk, ok := <-in:
			if !ok {
				// A stream that closes without a terminal chunk after the
				// turn was cancelled is a cancellation, not a completion.
				p.finish(p.ctx.Err() != nil)
				return
			}
			switch chunk.Type {
			case provider.ChunkText:
				if !p.closeCall() {
					return
				}
				p.feed(chunk.Text)
			case provider.ChunkToolStart:
				if !p.closeCall() {
					return
				}
				p.flushLine()
				p.flushText()
				p.call = &pendingCall{id: chunk.ToolID, name: chunk.ToolName}
			case provider.ChunkToolInput:
				if p.call != nil {
					p.call.args.WriteString(chunk.Text)
				}
			case provider.ChunkDone:
				p.finish(false)
				return
			case provider.ChunkPartial:
				p.finish(true)
				return
			case provider.ChunkError:
				p.emit(Item{Err: chunk.Err})
				return
			}
		case <-p.ctx.Done():
			p.finish(true)
			return
		}
	}
}

// feed appends a text delta and processes every completed line.
func (p *parser) feed(text string) {
	p.lineBuf.WriteString(text)
	for {
		buffered := p.lineBuf.String()
		idx := strings.IndexByte(buffered, '\n')
		if idx < 0 {
			return
		}
		p.lineBuf.Reset()
		p.lineBuf.WriteString(buffered[idx+1:])
		p.handleLine(buffered[:idx])
	}
}

// handleLine routes one complete line through the fence state machine.
func (p *parser) handleLine(line string) {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "```") {
		if p.inFence {
			p.emitCode()
			return
		}
		p.flushText()
		p.inFence = true
		p.fenceLang = strings.TrimSpace(strings.TrimLeft(trimmed, "`"))
		return
	}

	if p.inFence {
		p.codeBuf.WriteString(line)
		p.codeBuf.WriteByte('\n')
		return
	}
	p.textBuf.WriteString(line)
	p.textBuf.WriteByte('\n')
}

// flushLine processes a trailing line that never received its newline.
func (p *parser) flushLine() {
	if p.lineBuf.Len() == 0 {
		return
	}
	line := p.lineBuf.String()
	p.lineBuf.Reset()
	p.handleLine(line)
}

func (p *parser) flushText() {
	if p.textBuf.Len() == 0 {
		return
	}
	text := strings.TrimSuffix(p.textBuf.String(), "\n")
	p.textBuf.Reset()
	if strings.TrimSpace(text) == "" {
		return
	}
	p.emit(Item{Segment: message.TextSegment(text)})
}

func (p *parser) emitCode() {
	content := strings.TrimSuffix(p.codeBuf.String(), "\n")
	p.codeBuf.Reset()
	p.inFence = false
	p.emit(Item{Segment: message.CodeSegment(p.fenceLang, content)})
	p.fenceLang = ""
}

// closeCall finalizes a pending tool call, parsing its accumulated JSON
// arguments. Returns false if the sequence terminated with an error.
func (p *parser) closeCall() bool {
	if p.call == nil {
		return true
	}
	call := p.call
	p.call = nil

	args := map[string]any{}
	if raw := strings.TrimSpace(call.args.String()); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			p.emit(Item{Err: fmt.Errorf("%w: tool call %s has invalid arguments: %v",
				ErrMalformedCompletion, call.name, err)})
			return false
		}
	}

	p.emit(Item{Segment: message.ToolCallSegment(message.ToolCall{
		CallID:    call.id,
		Name:      call.name,
		Arguments: args,
	})})
	return true
}

// finish terminates the sequence. A completed stream with an open fence or
// an unclosable tool call is a malformed completion; a cancelled stream
// keeps everything received so far and ends with a partial marker.
func (p *parser) finish(partial bool) {
	p.flushLine()

	if partial {
		if p.inFence {
			p.emitCode()
		}
		p.flushText()
		// A tool call cut off mid-arguments is dropped: it was never
		// fully emitted, so nothing may execute it.
		if p.call != nil && json.Valid([]byte(strings.TrimSpace(p.call.args.String()))) {
			p.closeCall()
		}
		p.call = nil
		p.emit(Item{Partial: true})
		return
	}

	if p.inFence {
		p.emit(Item{Err: fmt.Errorf("%w: unterminated code fence", ErrMalformedCompletion)})
		return
	}
	p.flushText()
	if !p.closeCall() {
		return
	}
}

// emit hands one item to the consumer. The sequence contract is that the
// consumer reads until the terminal item, so a send never blocks past the
// end of the turn; in particular the cancellation marker must not be
// droppable, or a cancelled turn would pass for a completed one.
func (p *parser) emit(item Item) {
	p.out <- item
}
