package channel

import (
	"context"
	"fmt"
	"sync"
	"testing"

	jsoniter "github.com/json-iterator/go"

	"agenthost/internal/model"
)

type fakeChannel struct {
	id         string
	typ        string
	mu         sync.Mutex
	status     model.ChannelInfo
	sent       []model.OutgoingMessage
	typingHits int
	connectErr error
	sendErr    error
}

func newFakeChannel(id, typ string) *fakeChannel {
	return &fakeChannel{id: id, typ: typ, status: model.ChannelInfo{ID: id, Type: typ, Status: StatusDisconnected}}
}

func (f *fakeChannel) ID() string   { return f.id }
func (f *fakeChannel) Type() string { return f.typ }

func (f *fakeChannel) Connect(ctx context.Context, handler Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		f.status.Status = StatusError
		f.status.Error = f.connectErr.Error()
		return f.connectErr
	}
	f.status.Status = StatusConnected
	return nil
}

func (f *fakeChannel) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.Status = StatusDisconnected
	return nil
}

func (f *fakeChannel) SendMessage(ctx context.Context, conversationID string, msg model.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) SendTypingIndicator(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingHits++
	return nil
}

func (f *fakeChannel) GetStatus() model.ChannelInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func TestManager_SendMessage_RoutesToNamedChannel(t *testing.T) {
	m := NewManager()
	web := newFakeChannel("web", "web")
	tg := newFakeChannel("tg", "telegram")
	m.Add(web)
	m.Add(tg)

	if err := m.SendMessage(context.Background(), "tg", "c1", model.OutgoingMessage{Text: "hi"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if len(web.sent) != 0 {
		t.Fatalf("web.sent = %v, want untouched", web.sent)
	}
	if len(tg.sent) != 1 || tg.sent[0].Text != "hi" {
		t.Fatalf("tg.sent = %v, want one message \"hi\"", tg.sent)
	}
}

func TestManager_SendMessage_UnknownChannelErrors(t *testing.T) {
	m := NewManager()
	if err := m.SendMessage(context.Background(), "nope", "c1", model.OutgoingMessage{Text: "hi"}); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestManager_ConnectAll_OneFailureDoesNotBlockOthers(t *testing.T) {
	m := NewManager()
	ok := newFakeChannel("ok", "web")
	bad := newFakeChannel("bad", "telegram")
	bad.connectErr = fmt.Errorf("boom")
	m.Add(ok)
	m.Add(bad)

	m.ConnectAll(context.Background(), func(ctx context.Context, msg model.NormalizedMessage) error { return nil })

	if ok.GetStatus().Status != StatusConnected {
		t.Fatalf("ok channel status = %q, want connected", ok.GetStatus().Status)
	}
	if bad.GetStatus().Status != StatusError {
		t.Fatalf("bad channel status = %q, want error", bad.GetStatus().Status)
	}
}

func TestManager_Statuses_ReflectsAllManagedChannels(t *testing.T) {
	m := NewManager()
	m.Add(newFakeChannel("a", "web"))
	m.Add(newFakeChannel("b", "telegram"))

	statuses := m.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("len(statuses) = %d, want 2", len(statuses))
	}
}

func TestRegisterFactory_GetFactory_RoundTrip(t *testing.T) {
	name := "test-channel-type-xyz"
	f := &stubFactory{}
	RegisterFactory(name, f)

	got, ok := GetFactory(name)
	if !ok {
		t.Fatal("expected registered factory to be found")
	}
	if got != f {
		t.Fatal("GetFactory returned a different factory instance")
	}

	if _, ok := GetFactory("never-registered-type"); ok {
		t.Fatal("expected unregistered type to be absent")
	}
}

type stubFactory struct{}

func (stubFactory) Create(id string, rawConfig jsoniter.RawMessage) (Channel, error) {
	return nil, nil
}
