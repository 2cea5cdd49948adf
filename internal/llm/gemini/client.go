// Package gemini adapts the Google genai SDK to agenthost's llm.Client
// interface.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/genai"

	"agenthost/internal/llm"
	"agenthost/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client wraps a Gemini API client bound to one model.
type Client struct {
	client     *genai.Client
	model      string
	useThought bool
	options    map[string]any
}

// New constructs a Client against the Gemini API backend.
func New(ctx context.Context, apiKey, modelName string, useThought bool, options map[string]any) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client init: %w", err)
	}
	return &Client{client: client, model: modelName, useThought: useThought, options: options}, nil
}

func (c *Client) Provider() string { return "gemini" }

func (c *Client) StreamChat(ctx context.Context, messages []model.ChatMessage, tools []model.ToolDefinition) (<-chan llm.StreamChunk, error) {
	apiMessages, systemInstruction := convertMessages(messages)

	var genaiTools []*genai.Tool
	if len(tools) > 0 {
		var fds []*genai.FunctionDeclaration
		for _, t := range tools {
			fd := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
			if t.InputSchema != nil {
				schemaB, _ := json.Marshal(t.InputSchema)
				var schema genai.Schema
				if err := json.Unmarshal(schemaB, &schema); err == nil {
					fd.Parameters = &schema
				}
			}
			fds = append(fds, fd)
		}
		genaiTools = append(genaiTools, &genai.Tool{FunctionDeclarations: fds})
	}

	chunkCh := make(chan llm.StreamChunk, 100)
	startResultCh := make(chan error, 1)

	go func() {
		defer close(chunkCh)

		var thinkingCfg *genai.ThinkingConfig
		if c.useThought {
			thinkingCfg = &genai.ThinkingConfig{IncludeThoughts: true}
		}

		genConfig := &genai.GenerateContentConfig{
			SystemInstruction: systemInstruction,
			Tools:             genaiTools,
			ThinkingConfig:    thinkingCfg,
		}
		if t, ok := c.options["temperature"].(float64); ok {
			t32 := float32(t)
			genConfig.Temperature = &t32
		}
		if p, ok := c.options["top_p"].(float64); ok {
			p32 := float32(p)
			genConfig.TopP = &p32
		}
		if maxTok, ok := c.options["max_tokens"].(float64); ok {
			genConfig.MaxOutputTokens = int32(maxTok)
		}

		iter := c.client.Models.GenerateContentStream(ctx, c.model, apiMessages, genConfig)

		started := false
		var lastUsage *llm.Usage

		for resp, err := range iter {
			if err != nil {
				if resp == nil {
					slog.Error("gemini: stream error", "error", err)
					if !started {
						startResultCh <- err
					} else {
						chunkCh <- llm.StreamChunk{Err: err.Error(), Done: true}
					}
					break
				}
				slog.Warn("gemini: stream error with data", "error", err)
			}

			if !started {
				started = true
				startResultCh <- nil
			}

			if resp.UsageMetadata != nil {
				u := resp.UsageMetadata
				lastUsage = &llm.Usage{
					PromptTokens:     int(u.PromptTokenCount),
					CompletionTokens: int(u.CandidatesTokenCount),
					TotalTokens:      int(u.TotalTokenCount),
					ThoughtsTokens:   int(u.ThoughtsTokenCount),
				}
			}

			for _, candidate := range resp.Candidates {
				if candidate.FinishReason != "" && lastUsage != nil {
					lastUsage.StopReason = normalizeStopReason(string(candidate.FinishReason))
				}
				if candidate.Content == nil {
					continue
				}
				var toolCalls []model.ToolCall
				for _, part := range candidate.Content.Parts {
					if part.Text != "" {
						if part.Thought {
							chunkCh <- llm.NewThinkingChunk(part.Text)
						} else {
							chunkCh <- llm.NewTextChunk(part.Text)
						}
					}
					if part.FunctionCall != nil {
						argsB, _ := json.Marshal(part.FunctionCall.Args)
						toolCalls = append(toolCalls, model.ToolCall{
							Name: part.FunctionCall.Name,
							Function: model.FunctionCall{
								Name:      part.FunctionCall.Name,
								Arguments: string(argsB),
							},
						})
					}
				}
				if len(toolCalls) > 0 {
					chunkCh <- llm.StreamChunk{ToolCalls: toolCalls}
				}
			}
		}

		if lastUsage != nil {
			chunkCh <- llm.NewFinalChunk(lastUsage.StopReason, lastUsage)
			llm.LogUsage(c.model, lastUsage)
		} else if started {
			chunkCh <- llm.NewFinalChunk(llm.StopReasonStop, nil)
		}
	}()

	select {
	case err := <-startResultCh:
		if err != nil {
			return nil, err
		}
		return chunkCh, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// convertMessages maps a chat transcript to genai Content, splitting out a
// leading system message as the SystemInstruction the way the Gemini API
// expects it (Gemini has no system role in its content list).
func convertMessages(messages []model.ChatMessage) ([]*genai.Content, *genai.Content) {
	var out []*genai.Content
	var systemInstruction *genai.Content

	for _, m := range messages {
		if m.Role == model.RoleSystem {
			if m.Content != "" {
				systemInstruction = &genai.Content{Parts: []*genai.Part{{Text: m.Content}}}
			}
			continue
		}
		if m.Role == model.RoleTool {
			out = append(out, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     m.ToolCallID,
						Response: map[string]any{"result": m.Content},
					},
				}},
			})
			continue
		}

		role := "user"
		if m.Role == model.RoleAssistant {
			role = "model"
		}
		if m.Content == "" {
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}})
	}

	return out, systemInstruction
}

func normalizeStopReason(reason string) string {
	switch strings.ToUpper(reason) {
	case "STOP", "FINISH_REASON_STOP":
		return llm.StopReasonStop
	case "MAX_TOKENS", "FINISH_REASON_MAX_TOKENS":
		return llm.StopReasonLength
	default:
		return strings.ToLower(reason)
	}
}

// IsTransientError reports whether err indicates a retryable Gemini API
// failure (rate limiting, overload, or a network-level hiccup).
func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "503") || strings.Contains(msg, "overloaded") {
		return true
	}
	if strings.Contains(msg, "429") || strings.Contains(msg, "resource exhausted") {
		return true
	}
	if strings.Contains(msg, "500") || strings.Contains(msg, "internal error") {
		return true
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "connection refused") || strings.Contains(msg, "context deadline exceeded") {
		return true
	}
	return false
}
