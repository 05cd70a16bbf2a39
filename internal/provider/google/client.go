// Package google adapts the Google GenAI SDK to the provider interface.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/convoke-dev/convoke/internal/client"
	"github.com/convoke-dev/convoke/internal/log"
	"github.com/convoke-dev/convoke/internal/message"
	"github.com/convoke-dev/convoke/internal/provider"
)

// Client implements the Provider interface using the Google GenAI SDK.
type Client struct {
	client *genai.Client
	name   string
}

// New creates a Google client against the Gemini API.
func New(ctx context.Context, apiKey string) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &Client{client: client, name: "google"}, nil
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
		MaxContext: 1_000_000,
	}
}

// Stream sends a completion request and returns a channel of chunks.
// Gemini delivers function calls whole, so each becomes a tool_start
// chunk followed by a single tool_input chunk carrying the full
// argument JSON.
func (c *Client) Stream(ctx context.Context, req provider.Request) <-chan provider.Chunk {
	ch := make(chan provider.Chunk)

	go func() {
		defer close(ch)

		contents := convertMessages(req.Messages)

		config := &genai.GenerateContentConfig{}
		if req.SystemPrompt != "" {
			config.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: req.SystemPrompt}},
			}
		}
		if req.MaxTokens > 0 {
			config.MaxOutputTokens = int32(req.MaxTokens)
		}
		if req.Temperature > 0 {
			temp := float32(req.Temperature)
			config.Temperature = &temp
		}
		if len(req.Tools) > 0 {
			funcDecls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
			for _, t := range req.Tools {
				funcDecls = append(funcDecls, &genai.FunctionDeclaration{
					Name:                 t.Name,
					Description:          t.Description,
					ParametersJsonSchema: t.Parameters,
				})
			}
			config.Tools = []*genai.Tool{{FunctionDeclarations: funcDecls}}
		}

		log.Logger().Debug("provider request",
			zap.String("provider", c.name),
			zap.String("model", req.Model),
			zap.Int("messages", len(contents)))

		var usage provider.Usage

		for result, err := range c.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
			if err != nil {
				log.Logger().Warn("provider stream failed",
					zap.String("provider", c.name), zap.Error(err))
				provider.Send(ctx, ch, provider.ErrorChunk(wrapErr(err)))
				return
			}

			for _, candidate := range result.Candidates {
				if candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part.Text != "" {
						if !provider.Send(ctx, ch, provider.TextChunk(part.Text)) {
							return
						}
					}
					if part.FunctionCall != nil {
						fc := part.FunctionCall
						argsJSON, _ := json.Marshal(fc.Args)
						if !provider.Send(ctx, ch, provider.ToolStartChunk(fc.ID, fc.Name)) {
							return
						}
						if !provider.Send(ctx, ch, provider.ToolInputChunk(string(argsJSON))) {
							return
						}
					}
				}
			}

			if result.UsageMetadata != nil {
				usage.InputTokens = int(result.UsageMetadata.PromptTokenCount)
				usage.OutputTokens = int(result.UsageMetadata.CandidatesTokenCount)
			}
		}

		provider.Send(ctx, ch, provider.DoneChunk(usage))
	}()

	return ch
}

// wrapErr converts a typed SDK failure into the client package's API
// error so the retry predicate can classify it by status code. Other
// errors pass through unchanged.
func wrapErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &client.APIError{StatusCode: apiErr.Code, Message: apiErr.Message}
	}
	return err
}

// convertMessages maps conversation history to GenAI contents. Tool
// results become function responses in a user-role content.
func convertMessages(msgs []message.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, msg := range msgs {
		var role string
		var parts []*genai.Part

		switch msg.Role {
		case message.RoleUser:
			role = "user"
			parts = append(parts, &genai.Part{Text: provider.RenderText(msg)})

		case message.RoleAssistant:
			role = "model"
			if text := provider.RenderText(msg); text != "" {
				parts = append(parts, &genai.Part{Text: text})
			}
			for _, tc := range msg.ToolCalls() {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.CallID,
						Name: tc.Name,
						Args: tc.Arguments,
					},
				})
			}

		case message.RoleTool:
			role = "user"
			for _, tr := range provider.ToolResults(msg) {
				var response map[string]any
				if err := json.Unmarshal([]byte(tr.Payload), &response); err != nil {
					response = map[string]any{"result": tr.Payload}
				}
				parts = append(parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:       tr.CallID,
						Response: response,
					},
				})
			}

		default:
			continue
		}

		if len(parts) > 0 {
			out = append(out, &genai.Content{Role: role, Parts: parts})
		}
	}
	return out
}

// Models returns the Gemini models offered by the API.
func (c *Client) Models(ctx context.Context) ([]provider.ModelInfo, error) {
	models := make([]provider.ModelInfo, 0)

	for m, err := range c.client.Models.All(ctx) {
		if err != nil {
			return nil, err
		}

		name := m.Name
		if !strings.Contains(name, "gemini") {
			continue
		}
		id, _ := strings.CutPrefix(name, "models/")
		if strings.Contains(id, "-exp") || strings.Contains(id, "-latest") {
			continue
		}

		displayName := m.DisplayName
		if displayName == "" {
			displayName = id
		}
		models = append(models, provider.ModelInfo{
			ID:               id,
			DisplayName:      displayName,
			InputTokenLimit:  int(m.InputTokenLimit),
			OutputTokenLimit: int(m.OutputTokenLimit),
		})
	}

	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

var _ provider.Provider = (*Client)(nil)
