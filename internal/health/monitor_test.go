package health

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"agenthost/internal/channel"
	"agenthost/internal/model"
)

type fakeChannel struct {
	id  string
	typ string

	mu         sync.Mutex
	status     string
	connectErr error
	connects   int
}

func newFakeChannel(id string, status string) *fakeChannel {
	return &fakeChannel{id: id, typ: "web", status: status}
}

func (f *fakeChannel) ID() string   { return f.id }
func (f *fakeChannel) Type() string { return f.typ }

func (f *fakeChannel) Connect(ctx context.Context, handler channel.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.status = channel.StatusConnected
	return nil
}

func (f *fakeChannel) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = channel.StatusDisconnected
	return nil
}

func (f *fakeChannel) SendMessage(ctx context.Context, conversationID string, msg model.OutgoingMessage) error {
	return nil
}

func (f *fakeChannel) SendTypingIndicator(ctx context.Context, conversationID string) error {
	return nil
}

func (f *fakeChannel) GetStatus() model.ChannelInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.ChannelInfo{ID: f.id, Type: f.typ, Status: f.status}
}

func fastCfg() MonitorConfig {
	return MonitorConfig{
		CheckInterval:        time.Hour, // tests drive check() directly, never the ticker
		BackoffBase:          time.Millisecond,
		BackoffMax:           5 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
}

func TestCheck_ConnectedResetsFailureCount(t *testing.T) {
	m := NewChannelMonitor(channel.NewManager(), nil, fastCfg())
	ch := newFakeChannel("c1", channel.StatusConnected)
	m.failures[ch.ID()] = 2

	m.check(ch)

	if m.failures[ch.ID()] != 0 {
		t.Fatalf("failures = %d, want reset to 0 for a connected channel", m.failures[ch.ID()])
	}
	if ch.connects != 0 {
		t.Fatal("an already-connected channel should not be reconnected")
	}
}

func TestCheck_ConnectingIsNoop(t *testing.T) {
	m := NewChannelMonitor(channel.NewManager(), nil, fastCfg())
	ch := newFakeChannel("c1", channel.StatusConnecting)

	m.check(ch)

	if ch.connects != 0 {
		t.Fatal("a channel mid-connect should not be reconnected")
	}
}

func TestCheck_DisconnectedReconnectsAndResetsFailures(t *testing.T) {
	handlerCalled := false
	handler := func(ctx context.Context, msg model.NormalizedMessage) error { handlerCalled = true; return nil }
	m := NewChannelMonitor(channel.NewManager(), handler, fastCfg())
	ch := newFakeChannel("c1", channel.StatusDisconnected)
	m.failures[ch.ID()] = 1

	m.check(ch)

	if ch.connects != 1 {
		t.Fatalf("connects = %d, want 1", ch.connects)
	}
	if m.failures[ch.ID()] != 0 {
		t.Fatalf("failures = %d, want reset to 0 after successful reconnect", m.failures[ch.ID()])
	}
	_ = handlerCalled
}

func TestCheck_FailedReconnectIncrementsFailures(t *testing.T) {
	m := NewChannelMonitor(channel.NewManager(), nil, fastCfg())
	ch := newFakeChannel("c1", channel.StatusError)
	ch.connectErr = fmt.Errorf("dial failed")

	m.check(ch)

	if m.failures[ch.ID()] != 1 {
		t.Fatalf("failures = %d, want 1 after one failed reconnect", m.failures[ch.ID()])
	}
}

func TestCheck_CooldownResetsAfterMaxReconnectAttempts(t *testing.T) {
	m := NewChannelMonitor(channel.NewManager(), nil, fastCfg())
	ch := newFakeChannel("c1", channel.StatusError)
	ch.connectErr = fmt.Errorf("dial failed")
	m.failures[ch.ID()] = m.cfg.MaxReconnectAttempts

	m.check(ch)

	if ch.connects != 0 {
		t.Fatal("a channel past max reconnect attempts should cool down, not attempt another connect")
	}
	if m.failures[ch.ID()] != 0 {
		t.Fatalf("failures = %d, want reset to 0 on cooldown", m.failures[ch.ID()])
	}
}

func TestCheckAll_FansOutOneGoroutinePerChannel(t *testing.T) {
	mgr := channel.NewManager()
	a := newFakeChannel("a", channel.StatusDisconnected)
	b := newFakeChannel("b", channel.StatusDisconnected)
	mgr.Add(a)
	mgr.Add(b)

	m := NewChannelMonitor(mgr, nil, fastCfg())
	m.checkAll()

	deadline := time.After(time.Second)
	for a.connects == 0 || b.connects == 0 {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for both channels to be checked")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
