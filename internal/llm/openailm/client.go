// Package openailm adapts the official OpenAI Go SDK (and any
// OpenAI-compatible endpoint reachable via a custom base URL) to
// agenthost's llm.Client interface.
package openailm

import (
	"context"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"agenthost/internal/llm"
	"agenthost/internal/model"
)

// Client wraps the OpenAI SDK bound to one model.
type Client struct {
	client   *openai.Client
	provider string
	model    string
	options  map[string]any
}

// New constructs a Client. provider names the configured group (so a
// self-hosted OpenAI-compatible endpoint can report a distinct provider
// name in logs and usage summaries while reusing this implementation).
func New(provider, apiKey, modelName, baseURL string, options map[string]any) (*Client, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	c := openai.NewClient(opts...)
	return &Client{client: &c, provider: provider, model: modelName, options: options}, nil
}

func (c *Client) Provider() string { return c.provider }

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout")
}

func (c *Client) StreamChat(ctx context.Context, messages []model.ChatMessage, tools []model.ToolDefinition) (<-chan llm.StreamChunk, error) {
	chunkCh := make(chan llm.StreamChunk, 100)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: convertMessages(messages),
		Tools:    convertTools(tools),
	}

	go func() {
		defer close(chunkCh)

		stream := c.client.Chat.Completions.NewStreaming(ctx, params)

		var lastFinishReason string
		var lastUsage *llm.Usage

		for stream.Next() {
			event := stream.Current()
			if len(event.Choices) == 0 {
				continue
			}
			choice := event.Choices[0]

			if choice.FinishReason != "" {
				lastFinishReason = string(choice.FinishReason)
			}
			if choice.Delta.Content != "" {
				chunkCh <- llm.NewTextChunk(choice.Delta.Content)
			}
			if len(choice.Delta.ToolCalls) > 0 {
				var toolCalls []model.ToolCall
				for _, tc := range choice.Delta.ToolCalls {
					toolCalls = append(toolCalls, model.ToolCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
						Function: model.FunctionCall{
							Name:      tc.Function.Name,
							Arguments: tc.Function.Arguments,
						},
					})
				}
				chunkCh <- llm.StreamChunk{ToolCalls: toolCalls}
			}
			if event.Usage.TotalTokens > 0 {
				lastUsage = &llm.Usage{
					PromptTokens:     int(event.Usage.PromptTokens),
					CompletionTokens: int(event.Usage.CompletionTokens),
					TotalTokens:      int(event.Usage.TotalTokens),
				}
			}
		}

		if err := stream.Err(); err != nil {
			chunkCh <- llm.StreamChunk{Err: err.Error(), Done: true}
			return
		}

		reason := llm.StopReasonStop
		if lastFinishReason != "" {
			reason = normalizeStopReason(lastFinishReason)
		}
		if lastUsage != nil {
			lastUsage.StopReason = reason
		}
		chunkCh <- llm.NewFinalChunk(reason, lastUsage)
		llm.LogUsage(c.model, lastUsage)
	}()

	return chunkCh, nil
}

func convertTools(tools []model.ToolDefinition) []openai.ChatCompletionToolUnionParam {
	var out []openai.ChatCompletionToolUnionParam
	for _, t := range tools {
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  openai.FunctionParameters(t.InputSchema),
		}))
	}
	return out
}

func convertMessages(messages []model.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	var items []openai.ChatCompletionMessageParamUnion
	for _, m := range messages {
		switch m.Role {
		case model.RoleTool:
			items = append(items, openai.ChatCompletionMessageParamUnion{
				OfTool: &openai.ChatCompletionToolMessageParam{
					Role:       "tool",
					ToolCallID: m.ToolCallID,
					Content: openai.ChatCompletionToolMessageParamContentUnion{
						OfString: openai.String(m.Content),
					},
				},
			})
		case model.RoleAssistant:
			items = append(items, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role: "assistant",
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: openai.String(m.Content),
					},
				},
			})
		case model.RoleUser:
			items = append(items, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Role: "user",
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(m.Content),
					},
				},
			})
		case model.RoleSystem:
			items = append(items, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Role: "system",
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(m.Content),
					},
				},
			})
		}
	}
	return items
}

func normalizeStopReason(reason string) string {
	switch strings.ToLower(reason) {
	case "stop":
		return llm.StopReasonStop
	case "length":
		return llm.StopReasonLength
	default:
		return reason
	}
}
