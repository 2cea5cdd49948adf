package web

import (
	stdjson "encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agenthost/internal/channel"
	"agenthost/internal/model"
	"agenthost/internal/storage/journal"
	stmodel "agenthost/internal/storage/model"
	"agenthost/internal/storage/taskstore"
	"agenthost/internal/task"
)

func newTestServer(t *testing.T) (*Server, Deps) {
	t.Helper()
	root := t.TempDir()

	j := journal.NewJournal(root+"/journal", journal.Options{})
	ts := taskstore.NewStore(root + "/tasks")
	chans := channel.NewManager()
	tasks := task.NewManager(ts, chans)

	deps := Deps{
		Journal:   j,
		Channels:  chans,
		Tasks:     tasks,
		TaskStore: ts,
		StartedAt: time.Now(),
	}
	return NewServer(deps, 0), deps
}

func TestHandleJournal_MissingParamsReturns400(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/journal", nil)
	rec := httptest.NewRecorder()
	s.handleJournal(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleJournal_MissingConversationIDReturns400(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/journal?channelId=web", nil)
	rec := httptest.NewRecorder()
	s.handleJournal(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleJournal_ReturnsEntriesNewestFirst(t *testing.T) {
	s, deps := newTestServer(t)
	deps.Journal.Write("web", "c1", stmodel.JournalEntry{Event: stmodel.EventTaskReceived})
	deps.Journal.Write("web", "c1", stmodel.JournalEntry{Event: stmodel.EventTaskCompleted})

	req := httptest.NewRequest(http.MethodGet, "/api/journal?channelId=web&conversationId=c1", nil)
	rec := httptest.NewRecorder()
	s.handleJournal(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Entries []stmodel.JournalEntry `json:"entries"`
	}
	if err := stdjson.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(body.Entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(body.Entries))
	}
	if body.Entries[0].Event != stmodel.EventTaskCompleted {
		t.Fatalf("entries[0].Event = %q, want newest first", body.Entries[0].Event)
	}
}

func TestHandleStatus_ReportsChannelsAndUptime(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := stdjson.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := body["uptime"]; !ok {
		t.Fatal("expected uptime field")
	}
	if _, ok := body["channels"]; !ok {
		t.Fatal("expected channels field")
	}
}

func TestHandleTasks_ReturnsActiveAndPersisted(t *testing.T) {
	s, deps := newTestServer(t)
	if err := deps.TaskStore.Persist("t1", "web", "c1", model.NormalizedMessage{Text: "hi"}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	rec := httptest.NewRecorder()
	s.handleTasks(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Persisted []stmodel.PersistedTask `json:"persisted"`
	}
	if err := stdjson.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(body.Persisted) != 1 || body.Persisted[0].ID != "t1" {
		t.Fatalf("persisted = %+v, want one task t1", body.Persisted)
	}
}

func TestHandleNotFound_Returns404JSON(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	s.handleNotFound(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestWithCORS_HandlesOptionsPreflightWithNoBody(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	handler := s.withCORS(mux)

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("expected permissive CORS header on preflight response")
	}
}
