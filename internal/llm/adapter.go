package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"agenthost/internal/model"
)

var adapterJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// FlattenMessages renders a chat transcript as a single prompt string for
// completion-only backends: one "[role]\n<content>" section per message,
// tool results prefixed "[Tool Result]".
func FlattenMessages(messages []model.ChatMessage) string {
	var sb strings.Builder
	for _, m := range messages {
		if m.Role == model.RoleTool {
			fmt.Fprintf(&sb, "[Tool Result]\n%s\n\n", m.Content)
			continue
		}
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", m.Role, m.Content)
	}
	return sb.String()
}

// ToolCataloguePrompt serialises tools into an instruction block appended
// to the system prompt, asking the model to respond with a JSON tool-call
// envelope when it wants to invoke one.
func ToolCataloguePrompt(tools []model.ToolDefinition) string {
	if len(tools) == 0 {
		return ""
	}
	b, _ := adapterJSON.MarshalIndent(tools, "", "  ")
	return fmt.Sprintf(
		"\n\nYou have access to the following tools:\n%s\n\nTo call a tool, respond with exactly one JSON object of the form "+
			`{"tool_call": {"name": "...", "arguments": {...}}}`+" and nothing else.\n", string(b))
}

type toolCallEnvelope struct {
	ToolCall *struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"tool_call"`
}

// balancedJSONObjects returns every top-level, brace-balanced substring of
// text that looks like a JSON object, in order of appearance.
func balancedJSONObjects(text string) []string {
	var out []string
	depth := 0
	start := -1
	for i, r := range text {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					out = append(out, text[start:i+1])
					start = -1
				}
			}
		}
	}
	return out
}

// ExtractToolCall scans text for the first JSON object matching the
// tool-call envelope shape and, if found, synthesises a ToolCall with a
// locally-minted id.
func ExtractToolCall(text string) (*model.ToolCall, bool) {
	for _, candidate := range balancedJSONObjects(text) {
		var env toolCallEnvelope
		if err := adapterJSON.Unmarshal([]byte(candidate), &env); err != nil || env.ToolCall == nil || env.ToolCall.Name == "" {
			continue
		}
		argsBytes, _ := adapterJSON.Marshal(env.ToolCall.Arguments)
		return &model.ToolCall{
			ID:   uuid.NewString(),
			Name: env.ToolCall.Name,
			Function: model.FunctionCall{
				Name:      env.ToolCall.Name,
				Arguments: string(argsBytes),
			},
		}, true
	}
	return nil, false
}

// CompletionFunc is the single-string completion surface a completion-only
// backend exposes.
type CompletionFunc func(ctx context.Context, system, user string) (string, error)

// CompletionAdapter adapts a completion-only backend to the streaming
// Client interface: it flattens messages into one prompt, embeds the tool
// catalogue in the system prompt, invokes the completion function once,
// and emits the whole result as a single chunk (with an extracted tool
// call, if any).
type CompletionAdapter struct {
	ProviderName string
	SystemPrompt string
	Complete     CompletionFunc
}

func (a *CompletionAdapter) Provider() string { return a.ProviderName }

func (a *CompletionAdapter) IsTransientError(err error) bool { return false }

func (a *CompletionAdapter) StreamChat(ctx context.Context, messages []model.ChatMessage, tools []model.ToolDefinition) (<-chan StreamChunk, error) {
	system := a.SystemPrompt
	var rest []model.ChatMessage
	for i, m := range messages {
		if i == 0 && m.Role == model.RoleSystem {
			system = m.Content
			continue
		}
		rest = append(rest, m)
	}
	system += ToolCataloguePrompt(tools)
	user := FlattenMessages(rest)

	text, err := a.Complete(ctx, system, user)
	if err != nil {
		return nil, fmt.Errorf("llm: completion adapter: %w", err)
	}

	ch := make(chan StreamChunk, 2)
	tc, found := ExtractToolCall(text)
	if found {
		ch <- StreamChunk{ToolCalls: []model.ToolCall{*tc}}
	} else {
		ch <- StreamChunk{Text: text}
	}
	ch <- StreamChunk{Done: true, StopReason: StopReasonStop}
	close(ch)
	return ch, nil
}
