// Package client wraps an LLM provider with model selection, token
// accounting, and per-call retry.
package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/convoke-dev/convoke/internal/log"
	"github.com/convoke-dev/convoke/internal/message"
	"github.com/convoke-dev/convoke/internal/provider"
)

const defaultMaxTokens = 8192

// TokenUsage tracks token consumption for a conversation.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Client wraps a provider with model and retry configuration.
type Client struct {
	Provider  provider.Provider
	Model     string
	MaxTokens int // custom override; 0 means default
	Retry     RetryPolicy

	mu     sync.Mutex
	tokens TokenUsage
}

// New creates a client with the default retry policy.
func New(p provider.Provider, model string) *Client {
	return &Client{Provider: p, Model: model, Retry: DefaultRetryPolicy()}
}

// Name returns the provider name.
func (c *Client) Name() string { return c.Provider.Name() }

// ModelID returns the model identifier.
func (c *Client) ModelID() string { return c.Model }

// Tokens returns the accumulated token usage.
func (c *Client) Tokens() TokenUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

func (c *Client) addUsage(u provider.Usage) {
	c.mu.Lock()
	c.tokens.InputTokens += u.InputTokens
	c.tokens.OutputTokens += u.OutputTokens
	c.tokens.TotalTokens = c.tokens.InputTokens + c.tokens.OutputTokens
	c.mu.Unlock()
}

// Stream starts a streaming completion wrapped by the retry policy.
//
// Transient failures that occur before any chunk has been delivered are
// retried with exponential backoff; once content has reached the caller the
// stream is never restarted. Cancellation mid-flight closes the stream
// promptly, even when the caller has stopped reading, and delivers a
// partial marker on a best-effort basis; already-received chunks remain
// valid, and callers that need a definitive cancellation signal check
// their own context when the channel closes.
func (c *Client) Stream(ctx context.Context, msgs []message.Message,
	tools []provider.ToolSchema, sysPrompt string) <-chan provider.Chunk {
	out := make(chan provider.Chunk)
	req := c.request(msgs, tools, sysPrompt)

	go func() {
		defer close(out)

		for attempt := 0; ; attempt++ {
			delivered, err := c.forward(ctx, req, out)
			if err == nil {
				return
			}
			if delivered > 0 || !c.Retry.ShouldRetry(err, attempt) {
				provider.Send(ctx, out, provider.ErrorChunk(err))
				return
			}

			delay := c.Retry.Backoff(attempt)
			log.Logger().Warn("provider call failed, retrying",
				zap.String("provider", c.Provider.Name()),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", delay),
				zap.Error(err))

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				provider.Send(ctx, out, provider.Chunk{Type: provider.ChunkPartial})
				return
			}
		}
	}()
	return out
}

// forward runs one provider attempt, forwarding chunks to out. It returns
// the number of content chunks delivered and the terminal error, if any.
// A nil error means the stream reached a terminal done/partial chunk or
// the turn was cancelled.
func (c *Client) forward(ctx context.Context, req provider.Request, out chan<- provider.Chunk) (int, error) {
	stream := c.Provider.Stream(ctx, req)
	delivered := 0

	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				// Stream closed without a terminal chunk; treat as done.
				return delivered, nil
			}
			switch chunk.Type {
			case provider.ChunkError:
				return delivered, chunk.Err
			case provider.ChunkDone:
				if chunk.Usage != nil {
					c.addUsage(*chunk.Usage)
				}
				provider.Send(ctx, out, chunk)
				return delivered, nil
			case provider.ChunkPartial:
				provider.Send(ctx, out, chunk)
				return delivered, nil
			default:
				delivered++
				if !provider.Send(ctx, out, chunk) {
					return delivered, nil
				}
			}
		case <-ctx.Done():
			provider.Send(ctx, out, provider.Chunk{Type: provider.ChunkPartial})
			return delivered, nil
		}
	}
}

// Complete drains a full stream and returns the concatenated text. Used for
// utility calls that need no tool support.
func (c *Client) Complete(ctx context.Context, sysPrompt string, msgs []message.Message) (string, error) {
	var text string
	for chunk := range c.Stream(ctx, msgs, nil, sysPrompt) {
		switch chunk.Type {
		case provider.ChunkText:
			text += chunk.Text
		case provider.ChunkError:
			return text, chunk.Err
		}
	}
	return text, nil
}

func (c *Client) request(msgs []message.Message, tools []provider.ToolSchema, sysPrompt string) provider.Request {
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return provider.Request{
		Model:        c.Model,
		Messages:     msgs,
		MaxTokens:    maxTokens,
		Tools:        tools,
		SystemPrompt: sysPrompt,
	}
}
