// Package anthropic adapts the Anthropic SDK to the provider interface.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/convoke-dev/convoke/internal/client"
	"github.com/convoke-dev/convoke/internal/log"
	"github.com/convoke-dev/convoke/internal/message"
	"github.com/convoke-dev/convoke/internal/provider"
)

// Client implements the Provider interface using the Anthropic SDK.
type Client struct {
	client       anthropic.Client
	name         string
	cachedModels []provider.ModelInfo
}

// New creates an Anthropic client. An empty apiKey falls back to the
// SDK's environment lookup; an empty baseURL uses the default endpoint.
func New(apiKey, baseURL string) *Client {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{
		client: anthropic.NewClient(opts...),
		name:   "anthropic",
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return c.name
}

// Capabilities reports what the backend supports.
func (c *Client) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Streaming:  true,
		ToolCalls:  true,
		Vision:     true,
		MaxContext: 200_000,
	}
}

// Stream sends a completion request and returns a channel of chunks.
func (c *Client) Stream(ctx context.Context, req provider.Request) <-chan provider.Chunk {
	ch := make(chan provider.Chunk)

	go func() {
		defer close(ch)

		msgs := convertMessages(req.Messages)

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(req.Model),
			MaxTokens: int64(req.MaxTokens),
			Messages:  msgs,
		}
		if req.SystemPrompt != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
		}
		if len(req.Tools) > 0 {
			params.Tools = convertTools(req.Tools)
		}

		log.Logger().Debug("provider request",
			zap.String("provider", c.name),
			zap.String("model", req.Model),
			zap.Int("messages", len(msgs)))

		stream := c.client.Messages.NewStreaming(ctx, params)

		var usage provider.Usage
		var currentToolID string

		for stream.Next() {
			event := stream.Current()

			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				usage.InputTokens = int(start.Message.Usage.InputTokens)

			case "content_block_start":
				block := event.AsContentBlockStart()
				if block.ContentBlock.Type == "tool_use" {
					currentToolID = block.ContentBlock.ID
					if !provider.Send(ctx, ch, provider.ToolStartChunk(currentToolID, block.ContentBlock.Name)) {
						return
					}
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta()
				switch delta.Delta.Type {
				case "text_delta":
					if delta.Delta.Text != "" {
						if !provider.Send(ctx, ch, provider.TextChunk(delta.Delta.Text)) {
							return
						}
					}
				case "input_json_delta":
					if delta.Delta.PartialJSON != "" {
						if !provider.Send(ctx, ch, provider.ToolInputChunk(delta.Delta.PartialJSON)) {
							return
						}
					}
				}

			case "content_block_stop":
				currentToolID = ""

			case "message_delta":
				delta := event.AsMessageDelta()
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}
		}

		if err := stream.Err(); err != nil {
			log.Logger().Warn("provider stream failed",
				zap.String("provider", c.name), zap.Error(err))
			provider.Send(ctx, ch, provider.ErrorChunk(wrapErr(err)))
			return
		}

		provider.Send(ctx, ch, provider.DoneChunk(usage))
	}()

	return ch
}

// wrapErr converts a typed SDK failure into the client package's API
// error so the retry predicate can classify it by status code. Other
// errors pass through unchanged.
func wrapErr(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &client.APIError{StatusCode: apiErr.StatusCode, Message: apiErr.RawJSON()}
	}
	return err
}

// convertMessages maps conversation history to Anthropic message params.
// System-role runtime annotations are not replayed to the model.
func convertMessages(msgs []message.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case message.RoleUser:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewTextBlock(provider.RenderText(msg)),
			))

		case message.RoleAssistant:
			calls := msg.ToolCalls()
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(calls)+1)
			if text := provider.RenderText(msg); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, tc := range calls {
				var input any = tc.Arguments
				if tc.Arguments == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.CallID, input, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}

		case message.RoleTool:
			results := provider.ToolResults(msg)
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(results))
			for _, tr := range results {
				blocks = append(blocks, anthropic.NewToolResultBlock(
					tr.CallID, tr.Payload, !tr.Success,
				))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	return out
}

func convertTools(tools []provider.ToolSchema) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := t.Parameters["properties"]; ok {
			schema.Properties = props
		}
		switch required := t.Parameters["required"].(type) {
		case []string:
			schema.Required = required
		case []any:
			for _, r := range required {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}
	return out
}

// defaultModels is the fallback static model list.
var defaultModels = []provider.ModelInfo{
	{ID: "claude-opus-4-5@20251101", DisplayName: "Claude Opus 4.5"},
	{ID: "claude-sonnet-4-5@20250929", DisplayName: "Claude Sonnet 4.5"},
	{ID: "claude-haiku-3-5@20241022", DisplayName: "Claude Haiku 3.5"},
}

// Models returns available models via the Models API, falling back to a
// static list if the call fails.
func (c *Client) Models(ctx context.Context) ([]provider.ModelInfo, error) {
	if len(c.cachedModels) > 0 {
		return c.cachedModels, nil
	}

	models, err := c.fetchModels(ctx)
	if err != nil {
		c.cachedModels = defaultModels
		return c.cachedModels, nil
	}
	c.cachedModels = models
	return c.cachedModels, nil
}

func (c *Client) fetchModels(ctx context.Context) ([]provider.ModelInfo, error) {
	pager := c.client.Models.ListAutoPaging(ctx, anthropic.ModelListParams{})

	var models []provider.ModelInfo
	for pager.Next() {
		m := pager.Current()
		models = append(models, provider.ModelInfo{
			ID:          m.ID,
			DisplayName: m.DisplayName,
		})
	}
	if err := pager.Err(); err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("no models returned from API")
	}
	return models, nil
}

var _ provider.Provider = (*Client)(nil)
