package history

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	stmodel "agenthost/internal/storage/model"
)

// legacyContentBlock mirrors the teacher's ContentBlock shape closely enough
// to recover plain text; image/thinking blocks are dropped during
// migration (best effort — the new store has no equivalent inline-image
// convention).
type legacyContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type legacyMessage struct {
	Role       string                `json:"role"`
	Content    []legacyContentBlock  `json:"content"`
	ToolCallID string                `json:"tool_call_id"`
}

type legacyFile struct {
	Summary  string          `json:"summary"`
	Messages []legacyMessage `json:"messages"`
}

func legacyText(msg legacyMessage) string {
	var parts []string
	for _, b := range msg.Content {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// MigrateLegacy scans legacyRoot for the teacher's flat-JSON history files
// (one per conversation, at legacyRoot/<channelId>/<conversationId>.json)
// and replays each into store's segmented format, using the file's mtime as
// both the ts and startedAt/endedAt of every replayed entry. On success the
// legacy directory is renamed to "<path>.bak". Per-file errors are counted
// and logged; they do not abort the migration. MigrateLegacy is a no-op if
// legacyRoot does not exist, or if store already has any conversations.
func MigrateLegacy(store *Store, legacyRoot string) (migrated int, failed int, err error) {
	if _, statErr := os.Stat(legacyRoot); os.IsNotExist(statErr) {
		return 0, 0, nil
	}

	existing, err := store.ListConversations()
	if err != nil {
		return 0, 0, fmt.Errorf("migrate: listing new store: %w", err)
	}
	if len(existing) > 0 {
		return 0, 0, nil
	}

	channels, err := os.ReadDir(legacyRoot)
	if err != nil {
		return 0, 0, fmt.Errorf("migrate: read legacy root: %w", err)
	}

	for _, ch := range channels {
		if !ch.IsDir() {
			continue
		}
		channelID := ch.Name()
		convDir := filepath.Join(legacyRoot, channelID)
		files, err := os.ReadDir(convDir)
		if err != nil {
			slog.Warn("migrate: read channel dir", "channel", channelID, "error", err)
			failed++
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			conversationID := strings.TrimSuffix(f.Name(), ".json")
			path := filepath.Join(convDir, f.Name())
			if err := migrateOneFile(store, channelID, conversationID, path); err != nil {
				slog.Warn("migrate: file failed", "path", path, "error", err)
				failed++
				continue
			}
			migrated++
		}
	}

	if err := os.Rename(legacyRoot, legacyRoot+".bak"); err != nil {
		slog.Warn("migrate: renaming legacy root", "error", err)
	}
	return migrated, failed, nil
}

func migrateOneFile(store *Store, channelID, conversationID, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var lf legacyFile
	if err := json.Unmarshal(data, &lf); err != nil || lf.Messages == nil {
		// Fallback: a bare array of messages (oldest teacher format).
		var flat []legacyMessage
		if err2 := json.Unmarshal(data, &flat); err2 != nil {
			return fmt.Errorf("unrecognised legacy format: %w", err)
		}
		lf.Messages = flat
	}

	ts := info.ModTime().UTC().Format(time.RFC3339)
	for _, m := range lf.Messages {
		entry := stmodel.HistoryEntry{
			TS:         ts,
			Role:       m.Role,
			Content:    legacyText(m),
			ToolCallID: m.ToolCallID,
		}
		if _, err := store.Append(channelID, conversationID, entry); err != nil {
			return fmt.Errorf("append migrated entry: %w", err)
		}
	}

	idx, err := store.readIndex(channelID, conversationID)
	if err != nil || len(idx.Segments) == 0 {
		return err
	}
	for i := range idx.Segments {
		idx.Segments[i].StartedAt = ts
		idx.Segments[i].EndedAt = ts
	}
	return store.writeIndex(channelID, conversationID, idx)
}
