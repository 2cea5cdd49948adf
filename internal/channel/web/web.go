// Package web implements the in-process Web Channel: it bridges
// injectMessage calls from internal/web's HTTP handlers into the shared
// inbound handler, and delivers outbound messages/typing indicators as SSE
// events through the shared SSEManager.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"agenthost/internal/channel"
	"agenthost/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SSEEvent is one server-sent event frame: event name plus its JSON-encoded
// payload.
type SSEEvent struct {
	Event string
	Data  string
}

// SSEManager keeps the conversationId -> set<subscriber> mapping described
// in spec.md §4.9 and fans sends out to every subscriber of a conversation,
// pruning broken ones silently.
type SSEManager struct {
	mu   sync.Mutex
	subs map[string]map[chan SSEEvent]struct{}
}

func NewSSEManager() *SSEManager {
	return &SSEManager{subs: map[string]map[chan SSEEvent]struct{}{}}
}

// Register subscribes to a conversation's events. The caller must call the
// returned cancel function when its connection closes.
func (m *SSEManager) Register(conversationID string) (ch chan SSEEvent, cancel func()) {
	ch = make(chan SSEEvent, 16)

	m.mu.Lock()
	set, ok := m.subs[conversationID]
	if !ok {
		set = map[chan SSEEvent]struct{}{}
		m.subs[conversationID] = set
	}
	set[ch] = struct{}{}
	m.mu.Unlock()

	cancel = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if set, ok := m.subs[conversationID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(m.subs, conversationID)
			}
		}
		close(ch)
	}
	return ch, cancel
}

// Send delivers event/data to every current subscriber of conversationID.
// A subscriber whose buffered channel is full is considered broken and
// dropped rather than blocking the sender.
func (m *SSEManager) Send(conversationID, event string, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		slog.Warn("web: marshal sse event", "event", event, "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.subs[conversationID]
	if !ok {
		return
	}
	for ch := range set {
		select {
		case ch <- SSEEvent{Event: event, Data: string(b)}:
		default:
			delete(set, ch)
			close(ch)
		}
	}
}

// Channel is the in-process Web Channel. It has no real network connection
// of its own — Connect just records the shared handler; all inbound
// traffic arrives via InjectMessage from internal/web's HTTP layer.
type Channel struct {
	id  string
	sse *SSEManager

	mu      sync.Mutex
	handler channel.Handler
	status  model.ChannelInfo
}

func New(id string, sse *SSEManager) *Channel {
	return &Channel{
		id:     id,
		sse:    sse,
		status: model.ChannelInfo{ID: id, Type: "web", Status: channel.StatusDisconnected},
	}
}

func (c *Channel) ID() string   { return c.id }
func (c *Channel) Type() string { return "web" }

func (c *Channel) Connect(ctx context.Context, handler channel.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
	c.status.Status = channel.StatusConnected
	c.status.Error = ""
	return nil
}

func (c *Channel) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Status = channel.StatusDisconnected
	return nil
}

func (c *Channel) GetStatus() model.ChannelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Channel) SendMessage(ctx context.Context, conversationID string, msg model.OutgoingMessage) error {
	c.sse.Send(conversationID, "message", map[string]any{
		"text":           msg.Text,
		"conversationId": conversationID,
		"timestamp":      time.Now().UnixMilli(),
	})
	return nil
}

func (c *Channel) SendTypingIndicator(ctx context.Context, conversationID string) error {
	c.sse.Send(conversationID, "typing", map[string]any{"conversationId": conversationID})
	return nil
}

// InjectMessage is the web-specific inbound entry point: it mints a
// conversationId if one isn't supplied, builds a NormalizedMessage with
// senderId "web-user", and invokes the shared handler without awaiting so
// the HTTP caller can return {conversationId, messageId} immediately and
// open an SSE stream.
func (c *Channel) InjectMessage(ctx context.Context, text, conversationID string) (string, string, error) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return "", "", fmt.Errorf("web: channel not connected")
	}

	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	messageID := uuid.NewString()

	msg := model.NormalizedMessage{
		ID:             messageID,
		ChannelID:      c.id,
		ConversationID: conversationID,
		SenderID:       "web-user",
		Text:           text,
		Timestamp:      time.Now().UnixMilli(),
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("web: injected message handler panicked", "error", r)
			}
		}()
		if err := handler(context.Background(), msg); err != nil {
			slog.Error("web: injected message handler error", "error", err)
		}
	}()

	return conversationID, messageID, nil
}
