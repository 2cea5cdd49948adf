package health

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agenthost/internal/channel"
	"agenthost/internal/model"
	stmodel "agenthost/internal/storage/model"
)

// RecoveryNotifier reads the recovery-event file the watchdog leaves behind
// after a restart and, on startup, tells the affected conversations the
// host came back.
type RecoveryNotifier struct {
	path     string
	channels *channel.Manager
	targets  []string // "channelId:conversationId"
}

func NewRecoveryNotifier(dataRoot string, channels *channel.Manager, targets []string) *RecoveryNotifier {
	return &RecoveryNotifier{
		path:     filepath.Join(dataRoot, "health", "recovery-event.json"),
		channels: channels,
		targets:  targets,
	}
}

// Notify reads the recovery-event file if present, sends a restart notice
// to every configured target, and unlinks the file. A malformed file is
// removed without sending anything, to avoid a poison-pill loop on every
// subsequent start.
func (n *RecoveryNotifier) Notify(ctx context.Context) {
	b, err := os.ReadFile(n.path)
	if os.IsNotExist(err) {
		return
	}
	defer func() {
		if rmErr := os.Remove(n.path); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Warn("health: remove recovery event", "error", rmErr)
		}
	}()
	if err != nil {
		slog.Warn("health: read recovery event", "error", err)
		return
	}

	var ev stmodel.RecoveryEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		slog.Warn("health: malformed recovery event, discarding", "error", err)
		return
	}

	downtime := time.Since(time.UnixMilli(ev.Timestamp)).Round(time.Second)
	notice := fmt.Sprintf(
		"⚠ The assistant restarted (reason: %s, restart #%d). Downtime was approximately %s. Current time: %s.",
		ev.Reason, ev.RestartCount, downtime, time.Now().Format(time.RFC3339),
	)

	for _, target := range n.targets {
		channelID, conversationID, ok := strings.Cut(target, ":")
		if !ok {
			slog.Warn("health: malformed recovery target", "target", target)
			continue
		}
		if err := n.channels.SendMessage(ctx, channelID, conversationID, model.OutgoingMessage{Text: notice}); err != nil {
			slog.Warn("health: recovery notify failed", "target", target, "error", err)
		}
	}
}
