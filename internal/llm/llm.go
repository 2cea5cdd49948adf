// Package llm defines the uniform LLM backend interface, the streaming
// chunk/usage types, and a fallback/retry wrapper composing several
// backends into one client. Concrete backends live in sibling packages
// (ollama, openailm, gemini) and self-register factories here.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"agenthost/internal/model"
)

// Usage reports token accounting for one completed LLM call.
type Usage struct {
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	TotalTokens      int    `json:"totalTokens"`
	ThoughtsTokens   int    `json:"thoughtsTokens"`
	StopReason       string `json:"stopReason"`
}

// LogUsage logs a one-line usage summary for model.
func LogUsage(model string, u *Usage) {
	if u == nil {
		return
	}
	slog.Info("llm usage", "model", model, "prompt", u.PromptTokens, "completion", u.CompletionTokens,
		"total", u.TotalTokens, "thoughts", u.ThoughtsTokens, "stopReason", u.StopReason)
}

// StreamChunk is one increment of a streamed LLM response. A chunk carries
// at most one of Text/Thinking/ToolCalls/Err; Done chunks carry Usage.
type StreamChunk struct {
	Text      string           `json:"text,omitempty"`
	Thinking  string           `json:"thinking,omitempty"`
	ToolCalls []model.ToolCall `json:"toolCalls,omitempty"`
	Err       string           `json:"err,omitempty"`
	Done      bool             `json:"done,omitempty"`
	StopReason string          `json:"stopReason,omitempty"`
	Usage     *Usage           `json:"usage,omitempty"`
}

func NewTextChunk(text string) StreamChunk     { return StreamChunk{Text: text} }
func NewThinkingChunk(text string) StreamChunk  { return StreamChunk{Thinking: text} }
func NewFinalChunk(stopReason string, u *Usage) StreamChunk {
	return StreamChunk{Done: true, StopReason: stopReason, Usage: u}
}

// Client is the uniform interface every LLM backend implements. Tools is
// the shared []model.ToolDefinition; each backend converts it into its own
// SDK's tool type (see internal/llm/ollama for the JSON-roundtrip
// conversion).
type Client interface {
	Provider() string
	StreamChat(ctx context.Context, messages []model.ChatMessage, tools []model.ToolDefinition) (<-chan StreamChunk, error)
	IsTransientError(err error) bool
}

// FallbackClient wraps an ordered list of Clients, retrying the current one
// on transient errors and advancing to the next client in the list once
// retries are exhausted.
type FallbackClient struct {
	Clients    []Client
	MaxRetries int
	RetryDelay time.Duration
}

func (f *FallbackClient) Provider() string {
	if len(f.Clients) == 0 {
		return "none"
	}
	return f.Clients[0].Provider()
}

func (f *FallbackClient) IsTransientError(err error) bool {
	if len(f.Clients) == 0 || err == nil {
		return false
	}
	return f.Clients[0].IsTransientError(err)
}

func (f *FallbackClient) StreamChat(ctx context.Context, messages []model.ChatMessage, tools []model.ToolDefinition) (<-chan StreamChunk, error) {
	if len(f.Clients) == 0 {
		return nil, fmt.Errorf("llm: no clients configured")
	}

	var lastErr error
	for ci, client := range f.Clients {
		attempts := f.MaxRetries
		if attempts <= 0 {
			attempts = 1
		}
		for attempt := 0; attempt < attempts; attempt++ {
			ch, err := client.StreamChat(ctx, messages, tools)
			if err == nil {
				return ch, nil
			}
			lastErr = err
			slog.Warn("llm: stream chat failed", "provider", client.Provider(), "attempt", attempt, "error", err)
			if !client.IsTransientError(err) {
				break
			}
			if attempt < attempts-1 {
				select {
				case <-time.After(f.RetryDelay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}
		if ci < len(f.Clients)-1 {
			slog.Warn("llm: falling back to next provider", "from", client.Provider())
		}
	}
	return nil, fmt.Errorf("llm: all providers exhausted: %w", lastErr)
}

// Collect drains ch into the concatenated text plus any tool calls and
// usage emitted,
// the way a non-streaming caller (e.g. a skill's single completion) wants
// the result. It stops at the first Done chunk or channel close.
func Collect(ctx context.Context, ch <-chan StreamChunk) (text string, toolCalls []model.ToolCall, usage *Usage, err error) {
	var sb []byte
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return string(sb), toolCalls, usage, err
			}
			if chunk.Err != "" {
				err = fmt.Errorf("%s", chunk.Err)
			}
			sb = append(sb, []byte(chunk.Text)...)
			if len(chunk.ToolCalls) > 0 {
				toolCalls = append(toolCalls, chunk.ToolCalls...)
			}
			if chunk.Done {
				usage = chunk.Usage
				return string(sb), toolCalls, usage, err
			}
		case <-ctx.Done():
			return string(sb), toolCalls, usage, ctx.Err()
		}
	}
}
