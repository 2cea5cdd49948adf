// Package web implements the single HTTP listener described in spec.md
// §4.9/§6: the cached index page, the chat routes (backed by the web
// Channel and its SSE Manager), and the dashboard routes.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"

	"agenthost/internal/channel"
	webchannel "agenthost/internal/channel/web"
	"agenthost/internal/storage/history"
	"agenthost/internal/storage/journal"
	stmodel "agenthost/internal/storage/model"
	"agenthost/internal/storage/taskstore"
	"agenthost/internal/task"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const DefaultPort = 3000

// Deps is every component the web server's routes read from. None of them
// are owned by the server — it only queries and delegates.
type Deps struct {
	WebChannel *webchannel.Channel
	SSE        *webchannel.SSEManager
	History    *history.Store
	Journal    *journal.Journal
	Channels   *channel.Manager
	Tasks      *task.Manager
	TaskStore  *taskstore.Store
	StartedAt  time.Time
}

// Server is the dashboard/chat HTTP listener.
type Server struct {
	deps   Deps
	port   int
	server *http.Server
}

func NewServer(deps Deps, port int) *Server {
	if port <= 0 {
		port = DefaultPort
	}
	return &Server{deps: deps, port: port}
}

// Start builds the mux and begins serving in a background goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.server = &http.Server{Addr: fmt.Sprintf(":%d", s.port), Handler: s.withCORS(mux)}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("web: listen", "error", err)
		}
	}()
	return nil
}

// Stop closes the HTTP listener, which in turn closes every open SSE
// connection.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /", s.handleIndex)
	mux.HandleFunc("GET /index.html", s.handleIndex)

	mux.HandleFunc("POST /api/chat", s.handleChatSend)
	mux.HandleFunc("GET /api/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/conversations", s.handleConversations)

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/tasks", s.handleTasks)
	mux.HandleFunc("GET /api/journal", s.handleJournal)

	mux.HandleFunc("/", s.handleNotFound)
}

// withCORS wraps mux with permissive CORS headers and handles the
// `OPTIONS *` preflight case with a bare 204, per spec.md §4.9.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(indexPageHTML))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	writeJSON(w, http.StatusOK, map[string]any{
		"channels":    s.deps.Channels.Statuses(),
		"activeTasks": s.deps.Tasks.ActiveTasks(),
		"memory": map[string]any{
			"rss":       m.Sys,
			"heapUsed":  m.HeapAlloc,
			"heapTotal": m.HeapSys,
		},
		"uptime": time.Since(s.deps.StartedAt).Seconds(),
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	persisted, err := s.deps.TaskStore.ListActive()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":    s.deps.Tasks.ActiveTasks(),
		"persisted": persisted,
	})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	channelID := r.URL.Query().Get("channelId")
	conversationID := r.URL.Query().Get("conversationId")
	if channelID == "" || conversationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channelId and conversationId are required"})
		return
	}

	entries, err := s.deps.Journal.Query(channelID, conversationID, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	if field := r.URL.Query().Get("select"); field != "" {
		writeJSON(w, http.StatusOK, map[string]any{"entries": selectJournalField(entries, field)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// selectJournalField projects each journal entry down to one gjson path
// (e.g. "data.tool"), for quick ad hoc dashboard inspection without
// shipping every entry's full Data payload over the wire.
func selectJournalField(entries []stmodel.JournalEntry, field string) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			continue
		}
		out = append(out, map[string]any{
			"ts":    e.TS,
			"event": e.Event,
			"value": gjson.GetBytes(b, field).Value(),
		})
	}
	return out
}
