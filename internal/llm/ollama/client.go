// Package ollama adapts the github.com/ollama/ollama API client to
// agenthost's llm.Client interface.
package ollama

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/ollama/ollama/api"

	"agenthost/internal/llm"
	"agenthost/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client wraps an Ollama API client bound to one model.
type Client struct {
	client  *api.Client
	model   string
	options map[string]any
}

// New constructs a Client. If baseURL is empty, the client is built from
// the standard OLLAMA_HOST environment convention. The transport
// deliberately imposes no timeout — local model generation can run far
// longer than a typical HTTP client's defaults allow.
func New(modelName, baseURL string, options map[string]any) (*Client, error) {
	var apiClient *api.Client
	var err error

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 0,
	}
	httpClient := &http.Client{Transport: transport, Timeout: 0}

	if baseURL != "" {
		u, parseErr := url.Parse(baseURL)
		if parseErr != nil {
			return nil, fmt.Errorf("ollama: invalid base url: %w", parseErr)
		}
		apiClient = api.NewClient(u, httpClient)
	} else {
		apiClient, err = api.ClientFromEnvironment()
	}
	if err != nil {
		return nil, fmt.Errorf("ollama: client init: %w", err)
	}

	return &Client{client: apiClient, model: modelName, options: options}, nil
}

func (c *Client) Provider() string { return "ollama" }

func (c *Client) StreamChat(ctx context.Context, messages []model.ChatMessage, tools []model.ToolDefinition) (<-chan llm.StreamChunk, error) {
	apiMessages := convertMessages(messages)

	chunkCh := make(chan llm.StreamChunk, 100)
	startResultCh := make(chan error)

	go func() {
		defer close(chunkCh)

		var ollamaTools []api.Tool
		if len(tools) > 0 {
			rawB, err := json.Marshal(toolDefinitionsToAPI(tools))
			if err != nil {
				slog.Warn("ollama: marshal tools", "error", err)
			} else if err := json.Unmarshal(rawB, &ollamaTools); err != nil {
				slog.Warn("ollama: unmarshal tools to api.Tool", "error", err)
			}
		}

		streamVal := true
		req := &api.ChatRequest{
			Model:    c.model,
			Messages: apiMessages,
			Options:  c.options,
			Tools:    ollamaTools,
			Stream:   &streamVal,
		}

		started := false
		var thoughtsCount int

		err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			if !started {
				started = true
				select {
				case startResultCh <- nil:
				default:
				}
			}

			if resp.Message.Thinking != "" {
				thoughtsCount++
				chunkCh <- llm.NewThinkingChunk(resp.Message.Thinking)
			}
			if resp.Message.Content != "" {
				chunkCh <- llm.NewTextChunk(resp.Message.Content)
			}
			if len(resp.Message.ToolCalls) > 0 {
				var toolCalls []model.ToolCall
				for _, tc := range resp.Message.ToolCalls {
					argsB, _ := json.Marshal(tc.Function.Arguments)
					toolCalls = append(toolCalls, model.ToolCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
						Function: model.FunctionCall{
							Name:      tc.Function.Name,
							Arguments: string(argsB),
						},
					})
				}
				chunkCh <- llm.StreamChunk{ToolCalls: toolCalls}
			}

			if resp.Done {
				usage := &llm.Usage{
					PromptTokens:     resp.PromptEvalCount,
					CompletionTokens: resp.EvalCount,
					TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
					ThoughtsTokens:   thoughtsCount,
					StopReason:       resp.DoneReason,
				}
				chunkCh <- llm.NewFinalChunk(resp.DoneReason, usage)
				llm.LogUsage(c.model, usage)
				if resp.DoneReason == "length" {
					slog.Warn("ollama: response truncated", "model", c.model, "num_predict", c.options["num_predict"])
				}
			}
			return nil
		})

		if err != nil {
			slog.Error("ollama: stream error", "model", c.model, "error", err)
			if !started {
				select {
				case startResultCh <- err:
				default:
					chunkCh <- llm.NewTextChunk(fmt.Sprintf("\nerror loading model %s: %v", c.model, err))
				}
			}
		} else if !started {
			select {
			case startResultCh <- nil:
			default:
			}
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

func toolDefinitionsToAPI(tools []model.ToolDefinition) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.InputSchema,
			},
		})
	}
	return out
}

func convertMessages(messages []model.ChatMessage) []api.Message {
	var out []api.Message
	for _, m := range messages {
		msg := api.Message{Role: m.Role, Content: m.Content}
		if m.Role == model.RoleTool {
			msg.ToolCallID = m.ToolCallID
		}
		out = append(out, msg)
	}
	return out
}

// IsTransientError reports whether err is worth retrying against the same
// client rather than falling over to the next configured provider.
func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") {
		return true
	}
	if strings.Contains(strings.ToLower(msg), "overloaded") {
		return true
	}
	return false
}
