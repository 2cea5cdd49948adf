// Package channel defines the Channel abstraction every transport
// implements, and the Channel Manager that fans inbound/outbound traffic
// through a single process-wide message handler.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"agenthost/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Status values a Channel reports via GetStatus.
const (
	StatusDisconnected = model.ChannelDisconnected
	StatusConnecting   = model.ChannelConnecting
	StatusConnected    = model.ChannelConnected
	StatusError        = model.ChannelError
)

// Handler is the single process-wide inbound message handler every Channel
// invokes. The Channel Manager passes it to each Channel's Connect in
// ConnectAll, and the Channel Monitor passes it again on every reconnect.
type Handler func(ctx context.Context, msg model.NormalizedMessage) error

// Channel is the uniform transport contract. Connect is expected to move
// status through connecting -> connected (or -> error with a reason);
// failures must never panic or block the caller — they are surfaced
// through GetStatus instead.
type Channel interface {
	ID() string
	Type() string
	Connect(ctx context.Context, handler Handler) error
	Disconnect(ctx context.Context) error
	SendMessage(ctx context.Context, conversationID string, msg model.OutgoingMessage) error
	SendTypingIndicator(ctx context.Context, conversationID string) error
	GetStatus() model.ChannelInfo
}

// Factory constructs a Channel from its raw per-channel config block.
// Concrete channel packages self-register a Factory in their init().
type Factory interface {
	Create(id string, rawConfig jsoniter.RawMessage) (Channel, error)
}

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// RegisterFactory adds a Factory to the global registry, keyed by channel
// type ("telegram", "web", ...). Called from each channel package's init().
func RegisterFactory(channelType string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[channelType] = factory
}

// GetFactory looks up a registered Factory by channel type.
func GetFactory(channelType string) (Factory, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	f, ok := registry[channelType]
	return f, ok
}

// Manager owns the set of configured channels and fans Connect/Disconnect/
// Send across all of them, satisfying task.Sender for the pipeline.
type Manager struct {
	mu       sync.Mutex
	channels map[string]Channel
}

func NewManager() *Manager {
	return &Manager{channels: map[string]Channel{}}
}

// Add registers a constructed channel under its own ID. Channels are
// typically constructed via a Factory looked up by type and added here
// before ConnectAll is called.
func (m *Manager) Add(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID()] = ch
}

// ConnectAll connects every channel with handler as the shared inbound
// message handler. It does not short-circuit: one channel's connect
// failure is logged and the rest proceed.
func (m *Manager) ConnectAll(ctx context.Context, handler Handler) {
	m.mu.Lock()
	chans := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.mu.Unlock()

	for _, ch := range chans {
		if err := ch.Connect(ctx, handler); err != nil {
			slog.Error("channel: connect failed", "channel", ch.ID(), "error", err)
		}
	}
}

// DisconnectAll disconnects every channel, continuing past individual
// failures the same way ConnectAll does.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.mu.Lock()
	chans := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.mu.Unlock()

	for _, ch := range chans {
		if err := ch.Disconnect(ctx); err != nil {
			slog.Error("channel: disconnect failed", "channel", ch.ID(), "error", err)
		}
	}
}

// Get looks up a channel by ID.
func (m *Manager) Get(id string) (Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// Statuses returns the current ChannelInfo of every managed channel.
func (m *Manager) Statuses() []model.ChannelInfo {
	m.mu.Lock()
	chans := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.mu.Unlock()

	out := make([]model.ChannelInfo, 0, len(chans))
	for _, ch := range chans {
		out = append(out, ch.GetStatus())
	}
	return out
}

// SendMessage implements task.Sender by routing to the named channel.
func (m *Manager) SendMessage(ctx context.Context, channelID, conversationID string, msg model.OutgoingMessage) error {
	ch, ok := m.Get(channelID)
	if !ok {
		return fmt.Errorf("channel: unknown channel %q", channelID)
	}
	return ch.SendMessage(ctx, conversationID, msg)
}

// SendTypingIndicator implements task.Sender by routing to the named channel.
func (m *Manager) SendTypingIndicator(ctx context.Context, channelID, conversationID string) error {
	ch, ok := m.Get(channelID)
	if !ok {
		return fmt.Errorf("channel: unknown channel %q", channelID)
	}
	return ch.SendTypingIndicator(ctx, conversationID)
}
