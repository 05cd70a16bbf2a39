// Package openai adapts the OpenAI SDK to the provider interface using
// the Chat Completions API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"github.com/convoke-dev/convoke/internal/client"
	"github.com/convoke-dev/convoke/internal/log"
	"github.com/convoke-dev/convoke/internal/message"
	"github.com/convoke-dev/convoke/internal/provider"
)

// Client implements the Provider interface using the OpenAI SDK.
type Client struct {
	client openai.Client
	name   string
}

// New creates an OpenAI client. An empty apiKey falls back to the SDK's
// environment lookup; an empty baseURL uses the default endpoint.
func New(apiKey, baseURL string) *Client {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{
		client: openai.NewClient(opts...),
		name:   "openai",
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
		MaxContext: 128_000,
	}
}

// Stream sends a completion request and returns a channel of chunks.
func (c *Client) Stream(ctx context.Context, req provider.Request) <-chan provider.Chunk {
	ch := make(chan provider.Chunk)

	go func() {
		defer close(ch)

		msgs := convertMessages(req)

		params := openai.ChatCompletionNewParams{
			Model:    req.Model,
			Messages: msgs,
		}
		if req.MaxTokens > 0 {
			params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
		}
		if req.Temperature > 0 {
			params.Temperature = openai.Float(req.Temperature)
		}
		if len(req.Tools) > 0 {
			params.Tools = convertTools(req.Tools)
		}

		log.Logger().Debug("provider request",
			zap.String("provider", c.name),
			zap.String("model", req.Model),
			zap.Int("messages", len(msgs)))

		stream := c.client.Chat.Completions.NewStreaming(ctx, params)

		var usage provider.Usage
		started := make(map[int]bool)

		for stream.Next() {
			chunk := stream.Current()

			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					if !provider.Send(ctx, ch, provider.TextChunk(choice.Delta.Content)) {
						return
					}
				}

				for _, tc := range choice.Delta.ToolCalls {
					idx := int(tc.Index)
					if !started[idx] {
						started[idx] = true
						if !provider.Send(ctx, ch, provider.ToolStartChunk(tc.ID, tc.Function.Name)) {
							return
						}
					}
					if tc.Function.Arguments != "" {
						if !provider.Send(ctx, ch, provider.ToolInputChunk(tc.Function.Arguments)) {
							return
						}
					}
				}
			}

			if chunk.Usage.PromptTokens > 0 {
				usage.InputTokens = int(chunk.Usage.PromptTokens)
			}
			if chunk.Usage.CompletionTokens > 0 {
				usage.OutputTokens = int(chunk.Usage.CompletionTokens)
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
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.RawJSON()
		}
		return &client.APIError{StatusCode: apiErr.StatusCode, Message: msg}
	}
	return err
}

// convertMessages maps conversation history to chat message params. The
// system prompt rides in front as a system message.
func convertMessages(req provider.Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)

	if req.SystemPrompt != "" {
		out = append(out, openai.SystemMessage(req.SystemPrompt))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case message.RoleUser:
			out = append(out, openai.UserMessage(provider.RenderText(msg)))

		case message.RoleAssistant:
			calls := msg.ToolCalls()
			if len(calls) == 0 {
				out = append(out, openai.AssistantMessage(provider.RenderText(msg)))
				continue
			}
			var asst openai.ChatCompletionAssistantMessageParam
			if text := provider.RenderText(msg); text != "" {
				asst.Content.OfString = openai.Opt(text)
			}
			asst.ToolCalls = make([]openai.ChatCompletionMessageToolCallUnionParam, len(calls))
			for i, tc := range calls {
				args, _ := json.Marshal(tc.Arguments)
				asst.ToolCalls[i] = openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.CallID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(args),
						},
					},
				}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})

		case message.RoleTool:
			for _, tr := range provider.ToolResults(msg) {
				out = append(out, openai.ToolMessage(tr.Payload, tr.CallID))
			}
		}
	}
	return out
}

func convertTools(tools []provider.ToolSchema) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  openai.FunctionParameters(t.Parameters),
				},
			},
		})
	}
	return out
}

// Models returns the chat-capable models offered by the API.
func (c *Client) Models(ctx context.Context) ([]provider.ModelInfo, error) {
	page, err := c.client.Models.List(ctx)
	if err != nil {
		return nil, err
	}

	models := make([]provider.ModelInfo, 0)
	for _, m := range page.Data {
		id := m.ID
		if strings.HasPrefix(id, "dall-e") ||
			strings.HasPrefix(id, "tts-") ||
			strings.HasPrefix(id, "whisper-") ||
			strings.HasPrefix(id, "text-embedding") ||
			strings.HasPrefix(id, "omni-moderation") ||
			strings.Contains(id, "-tts") ||
			strings.Contains(id, "-transcribe") ||
			strings.Contains(id, "-realtime") {
			continue
		}
		models = append(models, provider.ModelInfo{ID: id, DisplayName: id})
	}

	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

var _ provider.Provider = (*Client)(nil)
