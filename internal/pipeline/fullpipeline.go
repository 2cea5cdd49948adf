package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agenthost/internal/llm"
	"agenthost/internal/model"
	"agenthost/internal/storage/taskstore"
	stmodel "agenthost/internal/storage/model"
)

func nowISO() string { return time.Now().UTC().Format(time.RFC3339) }

// runFullPipeline is the task.Pipeline run for every non-slash inbound
// message: phases a-h of the per-message pipeline (spec.md §4.3.1). All
// history reads/writes are bracketed by the Conversation Mutex; LLM calls
// and verification are not.
func (s *Service) runFullPipeline(ctx context.Context, msg model.NormalizedMessage, taskID string) error {
	key := convKey(msg.ChannelID, msg.ConversationID)

	// Phase a: append user message to history, holding the mutex.
	release, err := s.tasks.Mutex().Acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("pipeline: acquire mutex for history append: %w", err)
	}
	_, err = s.history.Append(msg.ChannelID, msg.ConversationID, stmodel.HistoryEntry{
		TS:                nowISO(),
		Role:              model.RoleUser,
		Content:           msg.Text,
		SenderID:          msg.SenderID,
		PlatformMessageID: msg.PlatformMessageID,
		TaskID:            taskID,
	})
	if err != nil {
		release()
		return fmt.Errorf("pipeline: append user history: %w", err)
	}
	s.journal.Write(msg.ChannelID, msg.ConversationID, stmodel.JournalEntry{
		Event: stmodel.EventPipelineStarted, TaskID: taskID,
	})
	s.journal.Write(msg.ChannelID, msg.ConversationID, stmodel.JournalEntry{
		Event: stmodel.EventHistoryAppended, TaskID: taskID, Data: map[string]any{"role": model.RoleUser},
	})
	if err := s.updatePhase(taskID, stmodel.PhaseHistoryWritten, nil); err != nil {
		slog.Warn("pipeline: update phase", "taskId", taskID, "error", err)
	}

	// Phase b: read full history snapshot, still under the mutex.
	entries, err := s.history.GetMessages(msg.ChannelID, msg.ConversationID, s.cfg.HistoryLimit)
	release()
	if err != nil {
		return fmt.Errorf("pipeline: read history: %w", err)
	}

	// Phase c: build messages + assemble tool catalogue.
	messages := make([]model.ChatMessage, 0, len(entries)+1)
	messages = append(messages, model.ChatMessage{Role: model.RoleSystem, Content: s.cfg.SystemPrompt})
	for _, e := range entries {
		messages = append(messages, e.ToChatMessage())
	}
	tools := s.assembleTools(ctx)

	s.journal.Write(msg.ChannelID, msg.ConversationID, stmodel.JournalEntry{
		Event: stmodel.EventLLMCallStarted, TaskID: taskID,
	})
	if err := s.updatePhase(taskID, stmodel.PhaseLLMCalling, nil); err != nil {
		slog.Warn("pipeline: update phase", "taskId", taskID, "error", err)
	}

	// Phase d: tool-use loop.
	responseText, err := s.toolUseLoop(ctx, msg, taskID, messages, tools)
	s.journal.Write(msg.ChannelID, msg.ConversationID, stmodel.JournalEntry{
		Event: stmodel.EventLLMCallCompleted, TaskID: taskID,
	})
	if err != nil {
		return fmt.Errorf("pipeline: tool-use loop: %w", err)
	}

	// Phase e: verification loop, if applicable.
	if s.shouldVerify(msg.Text, responseText) {
		if err := s.updatePhase(taskID, stmodel.PhaseVerifying, &responseText); err != nil {
			slog.Warn("pipeline: update phase", "taskId", taskID, "error", err)
		}
		responseText = s.runVerificationLoop(ctx, msg, taskID, responseText)
	}

	// Phase f: append assistant message to history, under the mutex again.
	release, err = s.tasks.Mutex().Acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("pipeline: acquire mutex for history append: %w", err)
	}
	_, err = s.history.Append(msg.ChannelID, msg.ConversationID, stmodel.HistoryEntry{
		TS: nowISO(), Role: model.RoleAssistant, Content: responseText, TaskID: taskID,
	})
	release()
	if err != nil {
		return fmt.Errorf("pipeline: append assistant history: %w", err)
	}
	s.journal.Write(msg.ChannelID, msg.ConversationID, stmodel.JournalEntry{
		Event: stmodel.EventHistoryAppended, TaskID: taskID, Data: map[string]any{"role": model.RoleAssistant},
	})
	if err := s.updatePhase(taskID, stmodel.PhaseResponding, &responseText); err != nil {
		slog.Warn("pipeline: update phase", "taskId", taskID, "error", err)
	}

	// Phase g: record last response for /retry.
	s.mu.Lock()
	s.lastResponses[key] = responseText
	s.mu.Unlock()

	// Phase h: send response via the originating channel.
	if err := s.sender.SendMessage(ctx, msg.ChannelID, msg.ConversationID, model.OutgoingMessage{
		Text:             responseText,
		ReplyToMessageID: msg.PlatformMessageID,
	}); err != nil {
		return fmt.Errorf("pipeline: send response: %w", err)
	}
	s.journal.Write(msg.ChannelID, msg.ConversationID, stmodel.JournalEntry{
		Event: stmodel.EventResponseSent, TaskID: taskID,
	})
	s.journal.Write(msg.ChannelID, msg.ConversationID, stmodel.JournalEntry{
		Event: stmodel.EventTaskCompleted, TaskID: taskID,
	})

	return nil
}

func (s *Service) updatePhase(taskID, phase string, pendingResponse *string) error {
	return s.taskStore.UpdatePhase(taskID, phase, taskstore.PhaseUpdate{PendingResponse: pendingResponse})
}

func (s *Service) assembleTools(ctx context.Context) []model.ToolDefinition {
	var tools []model.ToolDefinition
	if s.mcpMgr != nil {
		tools = append(tools, s.mcpMgr.GetAllTools(ctx)...)
	}
	for _, def := range s.skills.ModelInvocable() {
		if def.Instructions == "" {
			continue
		}
		tools = append(tools, model.ToolDefinition{
			Name:        "skill__" + def.Name,
			Description: def.Description,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"arguments": map[string]any{
						"type":        "string",
						"description": "Arguments to pass to the skill.",
					},
				},
			},
		})
	}
	return tools
}

// toolUseLoop runs the bounded LLM/tool dialogue (spec.md §4.3.2). It
// returns the final assistant text.
func (s *Service) toolUseLoop(ctx context.Context, msg model.NormalizedMessage, taskID string, messages []model.ChatMessage, tools []model.ToolDefinition) (string, error) {
	for iter := 0; iter < s.cfg.MaxToolIterations; iter++ {
		ch, err := s.client.StreamChat(ctx, messages, tools)
		if err != nil {
			return "", fmt.Errorf("llm stream: %w", err)
		}
		text, toolCalls, _, err := llm.Collect(ctx, ch)
		if err != nil {
			return "", fmt.Errorf("llm collect: %w", err)
		}
		if len(toolCalls) == 0 {
			return text, nil
		}

		messages = append(messages, model.ChatMessage{Role: model.RoleAssistant, Content: text})

		for _, tc := range toolCalls {
			result := s.dispatchToolCall(ctx, msg, taskID, tc)
			messages = append(messages, model.ChatMessage{
				Role:       model.RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
	}

	// Bound reached: one final call without tools.
	ch, err := s.client.StreamChat(ctx, messages, nil)
	if err != nil {
		return "", fmt.Errorf("llm stream (final): %w", err)
	}
	text, _, _, err := llm.Collect(ctx, ch)
	if err != nil {
		return "", fmt.Errorf("llm collect (final): %w", err)
	}
	return text, nil
}

func (s *Service) dispatchToolCall(ctx context.Context, msg model.NormalizedMessage, taskID string, tc model.ToolCall) (result string) {
	s.journal.Write(msg.ChannelID, msg.ConversationID, stmodel.JournalEntry{
		Event: stmodel.EventToolCallStarted, TaskID: taskID, Data: map[string]any{"tool": tc.Name},
	})
	defer s.journal.Write(msg.ChannelID, msg.ConversationID, stmodel.JournalEntry{
		Event: stmodel.EventToolCallCompleted, TaskID: taskID, Data: map[string]any{"tool": tc.Name},
	})
	defer func() {
		if r := recover(); r != nil {
			result = fmt.Sprintf("Tool error: panic: %v", r)
		}
	}()

	if strings.HasPrefix(tc.Name, "skill__") {
		return s.invokeSkillTool(ctx, tc)
	}
	return s.invokeMCPTool(ctx, tc)
}

func (s *Service) invokeSkillTool(ctx context.Context, tc model.ToolCall) string {
	name := strings.TrimPrefix(tc.Name, "skill__")
	def, ok := s.skills.Get(name)
	if !ok || def.Instructions == "" {
		return fmt.Sprintf("Skill %s not found", name)
	}

	args := tc.Arguments()
	argText, _ := args["arguments"].(string)
	if argText == "" {
		argText = "(no arguments)"
	}
	system := strings.ReplaceAll(def.Instructions, "$ARGUMENTS", argText)

	ch, err := s.client.StreamChat(ctx, []model.ChatMessage{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: argText},
	}, nil)
	if err != nil {
		return fmt.Sprintf("Tool error: %v", err)
	}
	text, _, _, err := llm.Collect(ctx, ch)
	if err != nil {
		slog.Warn("pipeline: skill tool stream error", "skill", name, "error", err)
	}
	return text
}

func (s *Service) invokeMCPTool(ctx context.Context, tc model.ToolCall) string {
	if s.mcpMgr == nil {
		return fmt.Sprintf("Tool error: no MCP servers configured")
	}
	result, err := s.mcpMgr.InvokeTool(ctx, tc.Name, tc.Function.Arguments)
	if err != nil {
		return fmt.Sprintf("Tool error: %v", err)
	}
	return result
}
