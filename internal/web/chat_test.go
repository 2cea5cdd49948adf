package web

import (
	"bytes"
	"context"
	stdjson "encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agenthost/internal/channel"
	webchannel "agenthost/internal/channel/web"
	"agenthost/internal/model"
	"agenthost/internal/storage/history"
	stmodel "agenthost/internal/storage/model"
)

func newChatTestServer(t *testing.T) (*Server, *webchannel.Channel, chan model.NormalizedMessage) {
	t.Helper()
	root := t.TempDir()

	sse := webchannel.NewSSEManager()
	ch := webchannel.New("web", sse)
	hist := history.NewStore(root+"/history", history.Options{})

	received := make(chan model.NormalizedMessage, 8)
	handler := channel.Handler(func(ctx context.Context, msg model.NormalizedMessage) error {
		received <- msg
		return nil
	})
	if err := ch.Connect(context.Background(), handler); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deps := Deps{
		WebChannel: ch,
		SSE:        sse,
		History:    hist,
		StartedAt:  time.Now(),
	}
	return NewServer(deps, 0), ch, received
}

func TestHandleChatSend_InjectsMessageAndReturnsIDs(t *testing.T) {
	s, _, received := newChatTestServer(t)

	body, _ := stdjson.Marshal(chatSendRequest{Text: "hello there"})
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleChatSend(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ConversationID string `json:"conversationId"`
		MessageID      string `json:"messageId"`
	}
	if err := stdjson.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp.ConversationID == "" || resp.MessageID == "" {
		t.Fatalf("expected minted ids, got %+v", resp)
	}

	select {
	case msg := <-received:
		if msg.Text != "hello there" {
			t.Fatalf("Text = %q, want %q", msg.Text, "hello there")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for injected message to reach handler")
	}
}

func TestHandleChatSend_EmptyTextReturns400(t *testing.T) {
	s, _, _ := newChatTestServer(t)

	body, _ := stdjson.Marshal(chatSendRequest{Text: "   "})
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleChatSend(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleChatSend_InvalidJSONReturns400(t *testing.T) {
	s, _, _ := newChatTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.handleChatSend(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleHistory_MissingConversationIDReturns400(t *testing.T) {
	s, _, _ := newChatTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	rec := httptest.NewRecorder()
	s.handleHistory(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleHistory_ReturnsStoredMessagesInOrder(t *testing.T) {
	s, ch, _ := newChatTestServer(t)
	deps := s.deps
	deps.History.Append(ch.ID(), "c1", stmodel.HistoryEntry{Role: "user", Content: "hi"})
	deps.History.Append(ch.ID(), "c1", stmodel.HistoryEntry{Role: "assistant", Content: "hello"})

	req := httptest.NewRequest(http.MethodGet, "/api/history?conversationId=c1", nil)
	rec := httptest.NewRecorder()
	s.handleHistory(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Messages []map[string]string `json:"messages"`
	}
	if err := stdjson.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(resp.Messages))
	}
	if resp.Messages[0]["role"] != "user" || resp.Messages[1]["role"] != "assistant" {
		t.Fatalf("messages out of order: %+v", resp.Messages)
	}
}

func TestHandleConversations_StripsChannelPrefix(t *testing.T) {
	s, ch, _ := newChatTestServer(t)
	s.deps.History.Append(ch.ID(), "c1", stmodel.HistoryEntry{Role: "user", Content: "hi"})
	s.deps.History.Append(ch.ID(), "c2", stmodel.HistoryEntry{Role: "user", Content: "yo"})

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	rec := httptest.NewRecorder()
	s.handleConversations(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Conversations []string `json:"conversations"`
	}
	if err := stdjson.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(resp.Conversations) != 2 {
		t.Fatalf("conversations = %+v, want 2 entries with channel prefix stripped", resp.Conversations)
	}
	for _, c := range resp.Conversations {
		if c != "c1" && c != "c2" {
			t.Fatalf("unexpected conversation id %q, prefix not stripped", c)
		}
	}
}
