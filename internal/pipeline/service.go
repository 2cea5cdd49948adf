// Package pipeline implements the Agent Service: slash-command dispatch,
// the full per-message pipeline (history write, LLM tool-use loop,
// response verification, history append, send), and the background-task
// wiring that drives it all through the Task Manager.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"agenthost/internal/llm"
	"agenthost/internal/mcp"
	"agenthost/internal/model"
	"agenthost/internal/skill"
	"agenthost/internal/storage/history"
	"agenthost/internal/storage/journal"
	"agenthost/internal/storage/taskstore"
	"agenthost/internal/task"
)

var slashPattern = regexp.MustCompile(`^/(\S+)(?:\s+(.*))?$`)

// Service is the Agent Service: it owns the per-message pipeline and is
// the single process-wide handler every Channel's inbound messages are
// routed through.
type Service struct {
	cfg Config

	history   *history.Store
	journal   *journal.Journal
	taskStore *taskstore.Store
	tasks     *task.Manager
	sender    task.Sender
	client    llm.Client
	verifierClient llm.Client
	mcpMgr  *mcp.Manager
	skills  *skill.Registry

	mu            sync.Mutex
	lastResponses map[string]string // channelId:conversationId -> last assistant text, for /retry
}

// New constructs a Service. verifierClient may equal client when no
// distinct review model is configured.
func New(
	cfg Config,
	historyStore *history.Store,
	journalStore *journal.Journal,
	taskStore *taskstore.Store,
	tasks *task.Manager,
	sender task.Sender,
	client llm.Client,
	verifierClient llm.Client,
	mcpMgr *mcp.Manager,
	skills *skill.Registry,
) *Service {
	if verifierClient == nil {
		verifierClient = client
	}
	return &Service{
		cfg:            cfg.withDefaults(),
		history:        historyStore,
		journal:        journalStore,
		taskStore:      taskStore,
		tasks:          tasks,
		sender:         sender,
		client:         client,
		verifierClient: verifierClient,
		mcpMgr:         mcpMgr,
		skills:         skills,
		lastResponses:  map[string]string{},
	}
}

// InstallBuiltinExecutors attaches executors to builtin skills that need
// this Service's own dependencies (history store) — see skill.Install and
// the late-binding note in spec.md §9. Must be called once after New.
func (s *Service) InstallBuiltinExecutors() error {
	if err := s.skills.Install("clear", func(ctx context.Context, args map[string]any) (skill.Result, error) {
		channelID, _ := args["channelId"].(string)
		conversationID, _ := args["conversationId"].(string)
		if err := s.history.Clear(channelID, conversationID); err != nil {
			return skill.Result{}, fmt.Errorf("clear history: %w", err)
		}
		return skill.Result{Text: "Conversation history cleared.", Handled: true}, nil
	}); err != nil {
		return err
	}
	return s.skills.Install("retry", func(ctx context.Context, args map[string]any) (skill.Result, error) {
		channelID, _ := args["channelId"].(string)
		conversationID, _ := args["conversationId"].(string)

		s.mu.Lock()
		text, ok := s.lastResponses[convKey(channelID, conversationID)]
		s.mu.Unlock()
		if !ok {
			return skill.Result{Text: "There is no previous response to retry.", Handled: true}, nil
		}
		return skill.Result{Text: text, Handled: true}, nil
	})
}

// HandleMessage is the single process-wide entry point every Channel's
// message handler calls. It performs slash dispatch or submits the full
// pipeline as a background task.
func (s *Service) HandleMessage(ctx context.Context, msg model.NormalizedMessage) error {
	if m := slashPattern.FindStringSubmatch(strings.TrimSpace(msg.Text)); m != nil {
		name, args := m[1], strings.TrimSpace(m[2])
		if def, ok := s.skills.Get(name); ok && def.UserInvocable {
			return s.dispatchSlash(ctx, msg, def, args)
		}
	}
	_, err := s.tasks.Submit(ctx, msg, s.runFullPipeline)
	return err
}

func (s *Service) dispatchSlash(ctx context.Context, msg model.NormalizedMessage, def *skill.Definition, args string) error {
	if def.Source == skill.SourceBuiltin {
		return s.dispatchBuiltinSlash(ctx, msg, def, args)
	}
	// Content-based skill: single LLM completion, submitted as a background
	// task so the synchronous caller (the channel's message handler) is
	// never blocked on an LLM round trip.
	_, err := s.tasks.Submit(ctx, msg, func(ctx context.Context, msg model.NormalizedMessage, taskID string) error {
		return s.runSkillCompletion(ctx, msg, def, args)
	})
	return err
}

func (s *Service) dispatchBuiltinSlash(ctx context.Context, msg model.NormalizedMessage, def *skill.Definition, args string) error {
	result, err := s.skills.Execute(ctx, def.Name, map[string]any{
		"arguments":      args,
		"channelId":      msg.ChannelID,
		"conversationId": msg.ConversationID,
	})
	text := result.Text
	if err != nil {
		text = fmt.Sprintf("❌ %v", err)
	}
	return s.sender.SendMessage(ctx, msg.ChannelID, msg.ConversationID, model.OutgoingMessage{
		Text:             text,
		ReplyToMessageID: msg.PlatformMessageID,
	})
}

// runSkillCompletion issues the single LLM completion a content-based
// skill slash-command performs: instructions (with $ARGUMENTS
// substituted) as system prompt, raw message text as user prompt.
func (s *Service) runSkillCompletion(ctx context.Context, msg model.NormalizedMessage, def *skill.Definition, args string) error {
	argText := args
	if argText == "" {
		argText = "(no arguments)"
	}
	system := strings.ReplaceAll(def.Instructions, "$ARGUMENTS", argText)

	ch, err := s.client.StreamChat(ctx, []model.ChatMessage{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: msg.Text},
	}, nil)
	if err != nil {
		return fmt.Errorf("pipeline: skill completion: %w", err)
	}
	text, _, _, err := llm.Collect(ctx, ch)
	if err != nil {
		slog.Warn("pipeline: skill completion stream error", "skill", def.Name, "error", err)
	}
	return s.sender.SendMessage(ctx, msg.ChannelID, msg.ConversationID, model.OutgoingMessage{
		Text:             text,
		ReplyToMessageID: msg.PlatformMessageID,
	})
}

func convKey(channelID, conversationID string) string {
	return channelID + ":" + conversationID
}
