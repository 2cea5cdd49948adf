package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"agenthost/internal/model"
	"agenthost/internal/storage/taskstore"
)

// TypingCadence is the reference interval between typing-indicator emits —
// 4s, comfortably under a 5s platform timeout.
const TypingCadence = 4 * time.Second

// Sender is the narrow outbound surface the Task Manager needs: enough to
// emit a typing indicator and deliver a best-effort error reply. It is
// satisfied by internal/channel.Manager.
type Sender interface {
	SendMessage(ctx context.Context, channelID, conversationID string, msg model.OutgoingMessage) error
	SendTypingIndicator(ctx context.Context, channelID, conversationID string) error
}

// Pipeline is the per-task work a Manager runs in the background. taskID
// identifies the persisted task record the pipeline must advance through
// phases as it runs.
type Pipeline func(ctx context.Context, msg model.NormalizedMessage, taskID string) error

type typingEntry struct {
	cancel   context.CancelFunc
	refcount int
}

// ActiveTask is the in-memory counterpart of a PersistedTask.
type ActiveTask struct {
	ID             string
	ChannelID      string
	ConversationID string
	Status         string // pending|running|completed|failed
}

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Manager is the submission surface for background pipeline work.
type Manager struct {
	mutex  *Mutex
	store  *taskstore.Store
	sender Sender

	mu      sync.Mutex
	active  map[string]*ActiveTask
	typing  map[string]*typingEntry // key: channelId:conversationId
}

func NewManager(store *taskstore.Store, sender Sender) *Manager {
	return &Manager{
		mutex:  NewMutex(),
		store:  store,
		sender: sender,
		active: map[string]*ActiveTask{},
		typing: map[string]*typingEntry{},
	}
}

// Mutex returns the Conversation Mutex shared by the pipeline for history
// bracketing.
func (m *Manager) Mutex() *Mutex { return m.mutex }

func convKey(channelID, conversationID string) string {
	return channelID + ":" + conversationID
}

// Submit allocates a task id, persists the initial task record, starts (or
// joins) the conversation's typing keepalive, and launches pipeline in a
// new goroutine. It returns the task id immediately — Submit never blocks
// on the pipeline's completion.
func (m *Manager) Submit(ctx context.Context, msg model.NormalizedMessage, pipeline Pipeline) (string, error) {
	taskID := uuid.NewString()

	if err := m.store.Persist(taskID, msg.ChannelID, msg.ConversationID, msg); err != nil {
		return "", fmt.Errorf("task: persist: %w", err)
	}

	m.mu.Lock()
	m.active[taskID] = &ActiveTask{ID: taskID, ChannelID: msg.ChannelID, ConversationID: msg.ConversationID, Status: StatusPending}
	m.startTyping(msg.ChannelID, msg.ConversationID)
	m.mu.Unlock()

	go m.run(ctx, msg, taskID, pipeline)

	return taskID, nil
}

func (m *Manager) run(ctx context.Context, msg model.NormalizedMessage, taskID string, pipeline Pipeline) {
	m.mu.Lock()
	if at, ok := m.active[taskID]; ok {
		at.Status = StatusRunning
	}
	m.mu.Unlock()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task: pipeline panic: %v", r)
			}
		}()
		return pipeline(ctx, msg, taskID)
	}()

	if err != nil {
		slog.Error("task: pipeline failed", "taskId", taskID, "error", err)
		if failErr := m.store.Fail(taskID, err.Error()); failErr != nil {
			slog.Error("task: marking failed", "taskId", taskID, "error", failErr)
		}
		replyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.sender.SendMessage(replyCtx, msg.ChannelID, msg.ConversationID, model.OutgoingMessage{
			Text:             fmt.Sprintf("⚠ An error occurred processing your message: %s", err.Error()),
			ReplyToMessageID: msg.PlatformMessageID,
		})
	} else {
		if compErr := m.store.Complete(taskID); compErr != nil {
			slog.Error("task: completing", "taskId", taskID, "error", compErr)
		}
	}

	m.mu.Lock()
	delete(m.active, taskID)
	m.stopTyping(msg.ChannelID, msg.ConversationID)
	m.mu.Unlock()
}

// startTyping must be called with m.mu held.
func (m *Manager) startTyping(channelID, conversationID string) {
	key := convKey(channelID, conversationID)
	if e, ok := m.typing[key]; ok {
		e.refcount++
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &typingEntry{cancel: cancel, refcount: 1}
	m.typing[key] = e

	go func() {
		ticker := time.NewTicker(TypingCadence)
		defer ticker.Stop()
		_ = m.sender.SendTypingIndicator(ctx, channelID, conversationID)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = m.sender.SendTypingIndicator(ctx, channelID, conversationID)
			}
		}
	}()
}

// stopTyping must be called with m.mu held. The typing timer is cancelled
// only when no other active task targets the same conversation.
func (m *Manager) stopTyping(channelID, conversationID string) {
	key := convKey(channelID, conversationID)
	e, ok := m.typing[key]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount <= 0 {
		e.cancel()
		delete(m.typing, key)
	}
}

// ActiveTasks returns a snapshot of the in-memory active task set.
func (m *Manager) ActiveTasks() []ActiveTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ActiveTask, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	return out
}
