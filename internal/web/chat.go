package web

import (
	"net/http"
	"strings"
)

// maxHistoryPageSize bounds a single /api/history response; the store has
// no native "all" query, only a bounded tail.
const maxHistoryPageSize = 1000

type chatSendRequest struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversationId"`
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req chatSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}

	conversationID, messageID, err := s.deps.WebChannel.InjectMessage(r.Context(), req.Text, req.ConversationID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"conversationId": conversationID,
		"messageId":      messageID,
	})
}

// handleChatStream registers an SSE subscriber for the requested
// conversation and blocks, flushing events, until the client disconnects.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "conversationId is required"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events, cancel := s.deps.SSE.Register(conversationID)
	defer cancel()

	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("event: " + ev.Event + "\ndata: " + ev.Data + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "conversationId is required"})
		return
	}

	entries, err := s.deps.History.GetMessages(s.deps.WebChannel.ID(), conversationID, maxHistoryPageSize)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	messages := make([]map[string]string, 0, len(entries))
	for _, e := range entries {
		m := map[string]string{"role": e.Role, "content": e.Content}
		if e.ToolCallID != "" {
			m["toolCallId"] = e.ToolCallID
		}
		messages = append(messages, m)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversationId": conversationID,
		"messages":       messages,
	})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	pairs, err := s.deps.History.ListConversations()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	prefix := s.deps.WebChannel.ID() + ":"
	var conversations []string
	for _, p := range pairs {
		if id, ok := strings.CutPrefix(p, prefix); ok {
			conversations = append(conversations, id)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}
