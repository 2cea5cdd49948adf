package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"agenthost/internal/llm"
	"agenthost/internal/mcp"
	"agenthost/internal/model"
	"agenthost/internal/skill"
	"agenthost/internal/storage/history"
	"agenthost/internal/storage/journal"
	stmodel "agenthost/internal/storage/model"
	"agenthost/internal/storage/taskstore"
	"agenthost/internal/task"
)

// stubClient is a scripted llm.Client: each StreamChat call consumes the
// next entry of responses (the last entry repeats once exhausted), and
// records how many times it was invoked.
type stubClient struct {
	mu        sync.Mutex
	responses []stubResponse
	calls     int
}

type stubResponse struct {
	text      string
	toolCalls []model.ToolCall
}

func (c *stubClient) Provider() string { return "stub" }

func (c *stubClient) IsTransientError(err error) bool { return false }

func (c *stubClient) StreamChat(ctx context.Context, messages []model.ChatMessage, tools []model.ToolDefinition) (<-chan llm.StreamChunk, error) {
	c.mu.Lock()
	idx := c.calls
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	resp := c.responses[idx]
	c.calls++
	c.mu.Unlock()

	ch := make(chan llm.StreamChunk, 1)
	ch <- llm.StreamChunk{Text: resp.text, ToolCalls: resp.toolCalls, Done: true, StopReason: "stop"}
	close(ch)
	return ch, nil
}

func (c *stubClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type mockSender struct {
	mu   sync.Mutex
	sent []model.OutgoingMessage
}

func (m *mockSender) SendMessage(ctx context.Context, channelID, conversationID string, msg model.OutgoingMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockSender) SendTypingIndicator(ctx context.Context, channelID, conversationID string) error {
	return nil
}

func (m *mockSender) last() (model.OutgoingMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return model.OutgoingMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type testHarness struct {
	svc     *Service
	history *history.Store
	journal *journal.Journal
	store   *taskstore.Store
	tasks   *task.Manager
	sender  *mockSender
	client  *stubClient
}

func newHarness(t *testing.T, cfg Config, responses []stubResponse) *testHarness {
	t.Helper()
	root := t.TempDir()

	historyStore := history.NewStore(root+"/history", history.Options{})
	journalStore := journal.NewJournal(root+"/journal", journal.Options{})
	taskStore := taskstore.NewStore(root + "/tasks")
	sender := &mockSender{}
	tasks := task.NewManager(taskStore, sender)
	client := &stubClient{responses: responses}

	skills := skill.NewRegistry()
	skill.RegisterBuiltins(skills)

	svc := New(cfg, historyStore, journalStore, taskStore, tasks, sender, client, nil, mcp.NewManager(), skills)
	if err := svc.InstallBuiltinExecutors(); err != nil {
		t.Fatalf("InstallBuiltinExecutors: %v", err)
	}

	return &testHarness{svc: svc, history: historyStore, journal: journalStore, store: taskStore, tasks: tasks, sender: sender, client: client}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for condition")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestHandleMessage_SimpleEcho(t *testing.T) {
	h := newHarness(t, Config{SystemPrompt: "You are helpful."}, []stubResponse{
		{text: "Hello back"},
	})

	msg := model.NormalizedMessage{ChannelID: "web", ConversationID: "c1", Text: "hi"}
	if err := h.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	waitFor(t, time.Second, func() bool { return h.sender.count() > 0 })

	sent, ok := h.sender.last()
	if !ok || sent.Text != "Hello back" {
		t.Fatalf("sent = %+v, ok=%v, want text=Hello back", sent, ok)
	}

	entries, err := h.history.GetMessages("web", "c1", 10)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2 (user+assistant)", len(entries))
	}
	if entries[0].Role != model.RoleUser || entries[1].Role != model.RoleAssistant {
		t.Fatalf("entries = %+v, want user then assistant", entries)
	}
	if entries[1].Content != "Hello back" {
		t.Fatalf("assistant content = %q, want %q", entries[1].Content, "Hello back")
	}

	journalEntries, err := h.journal.Query("web", "c1", 20)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	wantEvents := []string{
		stmodel.EventTaskCompleted,
		stmodel.EventResponseSent,
		stmodel.EventHistoryAppended,
		stmodel.EventLLMCallCompleted,
		stmodel.EventLLMCallStarted,
		stmodel.EventHistoryAppended,
		stmodel.EventPipelineStarted,
	}
	if len(journalEntries) != len(wantEvents) {
		t.Fatalf("len(journalEntries) = %d, want %d: %+v", len(journalEntries), len(wantEvents), journalEntries)
	}
	for i, want := range wantEvents {
		if journalEntries[i].Event != want {
			t.Errorf("journalEntries[%d].Event = %q, want %q", i, journalEntries[i].Event, want)
		}
	}
}

func TestHandleMessage_SlashClear(t *testing.T) {
	h := newHarness(t, Config{SystemPrompt: "You are helpful."}, nil)

	for i := 0; i < 5; i++ {
		if _, err := h.history.Append("web", "c1", stmodel.HistoryEntry{Role: model.RoleUser, Content: "x"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	msg := model.NormalizedMessage{ChannelID: "web", ConversationID: "c1", Text: "/clear"}
	if err := h.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	sent, ok := h.sender.last()
	if !ok || sent.Text != "Conversation history cleared." {
		t.Fatalf("sent = %+v, ok=%v, want the clear confirmation", sent, ok)
	}

	entries, err := h.history.GetMessages("web", "c1", 10)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("len(entries) = %d, want 0 after /clear", len(entries))
	}

	journalEntries, err := h.journal.Query("web", "c1", 20)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for _, e := range journalEntries {
		if e.Event == stmodel.EventPipelineStarted {
			t.Fatal("a builtin slash command must not submit a background pipeline task")
		}
	}
}

func TestHandleMessage_SlashRetryResendsLastResponseVerbatim(t *testing.T) {
	h := newHarness(t, Config{SystemPrompt: "You are helpful."}, []stubResponse{
		{text: "Hello back"},
	})

	msg := model.NormalizedMessage{ChannelID: "web", ConversationID: "c1", Text: "hi"}
	if err := h.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	waitFor(t, time.Second, func() bool { return h.sender.count() > 0 })

	retryMsg := model.NormalizedMessage{ChannelID: "web", ConversationID: "c1", Text: "/retry"}
	if err := h.svc.HandleMessage(context.Background(), retryMsg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	sent, ok := h.sender.last()
	if !ok || sent.Text != "Hello back" {
		t.Fatalf("sent = %+v, ok=%v, want the cached last response %q", sent, ok, "Hello back")
	}
	if h.sender.count() != 2 {
		t.Fatalf("sender.count() = %d, want 2 (original reply + retry)", h.sender.count())
	}
}

func TestHandleMessage_SlashRetryWithNoPriorResponse(t *testing.T) {
	h := newHarness(t, Config{SystemPrompt: "You are helpful."}, nil)

	msg := model.NormalizedMessage{ChannelID: "web", ConversationID: "c1", Text: "/retry"}
	if err := h.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	sent, ok := h.sender.last()
	if !ok || sent.Text != "There is no previous response to retry." {
		t.Fatalf("sent = %+v, ok=%v, want the no-previous-response message", sent, ok)
	}
}

func TestHandleMessage_VerificationREDOThenPass(t *testing.T) {
	cfg := Config{
		SystemPrompt: "You are helpful.",
		Verification: VerificationConfig{
			Enabled:      true,
			MaxRetries:   3,
			RulesEnabled: true,
		},
	}
	h := newHarness(t, cfg, []stubResponse{
		{text: ""},
		{text: "Here is the actual answer."},
	})

	msg := model.NormalizedMessage{ChannelID: "web", ConversationID: "c1", Text: "tell me something"}
	if err := h.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	waitFor(t, time.Second, func() bool { return h.sender.count() > 0 })

	sent, _ := h.sender.last()
	if sent.Text != "Here is the actual answer." {
		t.Fatalf("sent.Text = %q, want the regenerated answer", sent.Text)
	}
	if h.client.callCount() != 2 {
		t.Fatalf("client called %d times, want 2 (initial + one REDO regeneration)", h.client.callCount())
	}

	journalEntries, err := h.journal.Query("web", "c1", 20)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	var redo, good int
	for _, e := range journalEntries {
		if e.Event != stmodel.EventVerificationResult {
			continue
		}
		if rating, _ := e.Data["rating"].(string); rating == "REDO" {
			redo++
		} else if rating == "GOOD" {
			good++
		}
	}
	if redo != 1 || good != 1 {
		t.Fatalf("redo=%d good=%d, want 1 each", redo, good)
	}
}

func TestToolUseLoop_TerminatesWithinBound(t *testing.T) {
	cfg := Config{SystemPrompt: "sys", MaxToolIterations: 3}

	alwaysToolCall := stubResponse{
		text:      "",
		toolCalls: []model.ToolCall{{ID: "t1", Name: "unknown__tool", Function: model.FunctionCall{Name: "unknown__tool", Arguments: "{}"}}},
	}
	h := newHarness(t, cfg, []stubResponse{alwaysToolCall})

	msg := model.NormalizedMessage{ChannelID: "web", ConversationID: "c1", Text: "do something"}
	if err := h.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	waitFor(t, time.Second, func() bool { return h.sender.count() > 0 })

	// maxIterations (3) calls that each return a tool call, plus one final
	// call without tools: at most maxIterations+1 = 4 total LLM calls.
	if got := h.client.callCount(); got != 4 {
		t.Fatalf("client called %d times, want exactly 4 (bound maxIterations+1)", got)
	}
}

func TestVerifyRules_BoundaryBehaviours(t *testing.T) {
	t.Run("empty response is REDO", func(t *testing.T) {
		v := verifyRules("anything", "")
		if v.Rating != "REDO" {
			t.Fatalf("Rating = %q, want REDO", v.Rating)
		}
	})

	t.Run("99 chars without terminator passes completeness", func(t *testing.T) {
		text := repeatRune('a', 99)
		v := verifyRules("tell me about it", text)
		if !v.Passed {
			t.Fatalf("99-char response should pass, got %+v", v)
		}
	})

	t.Run("101 chars without terminator fails completeness", func(t *testing.T) {
		text := repeatRune('a', 101)
		v := verifyRules("tell me about it", text)
		if v.Passed {
			t.Fatalf("101-char response without terminator should fail, got %+v", v)
		}
	})

	t.Run("question with 9-char response fails direct-answer", func(t *testing.T) {
		v := verifyRules("What time is it?", repeatRune('a', 9))
		if v.Passed {
			t.Fatalf("9-char answer to a question should fail, got %+v", v)
		}
	})

	t.Run("question with 10-char response passes direct-answer", func(t *testing.T) {
		v := verifyRules("What time is it?", repeatRune('a', 10))
		if !v.Passed {
			t.Fatalf("10-char answer to a question should pass, got %+v", v)
		}
	})
}

func TestShouldVerify_ShortResponseThreshold(t *testing.T) {
	cfg := Config{
		Verification: VerificationConfig{
			Enabled:                true,
			SkipForShortResponses:  true,
			ShortResponseThreshold: 50,
		},
	}
	svc := &Service{cfg: cfg.withDefaults()}

	if svc.shouldVerify("explain this", repeatRune('a', 49)) {
		t.Fatal("a 49-char response should skip verification when threshold is 50")
	}
	if !svc.shouldVerify("explain this", repeatRune('a', 51)) {
		t.Fatal("a 51-char response should not skip verification when threshold is 50")
	}
	if !svc.shouldVerify("explain this", repeatRune('a', 50)) {
		t.Fatal("a response exactly at the threshold must still be verified, only lengths below it skip")
	}
}

func repeatRune(r rune, n int) string {
	out := make([]rune, n)
	for i := range out {
		out[i] = r
	}
	return string(out)
}
