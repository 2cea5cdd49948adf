package health

import (
	"context"
	"log/slog"

	"agenthost/internal/channel"
	"agenthost/internal/model"
	"agenthost/internal/storage/journal"
	stmodel "agenthost/internal/storage/model"
	"agenthost/internal/storage/taskstore"
)

// TaskRecovery reconciles tasks/active/ on startup: every file left behind
// by a prior generation's abrupt death is resolved — a best-effort reply
// is sent if one can be, and the task file is always moved to completed/,
// since an endlessly re-recovered task is worse than one resolved
// imperfectly. Recovery itself never panics: per-task failures are logged
// and the file is force-completed regardless.
type TaskRecovery struct {
	store    *taskstore.Store
	journal  *journal.Journal
	channels *channel.Manager
}

func NewTaskRecovery(store *taskstore.Store, j *journal.Journal, channels *channel.Manager) *TaskRecovery {
	return &TaskRecovery{store: store, journal: j, channels: channels}
}

// Run dispatches every active task per its recorded phase, then force
// completes it.
func (r *TaskRecovery) Run(ctx context.Context) {
	tasks, err := r.store.ListActive()
	if err != nil {
		slog.Error("health: task recovery list active", "error", err)
		return
	}

	for _, t := range tasks {
		r.recoverOne(ctx, t)
	}
}

func (r *TaskRecovery) recoverOne(ctx context.Context, t stmodel.PersistedTask) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("health: task recovery panic", "taskId", t.ID, "error", rec)
		}
		if err := r.store.ForceComplete(t.ID); err != nil {
			slog.Error("health: force complete recovered task", "taskId", t.ID, "error", err)
		}
	}()

	action := "resend_requested"

	switch t.Phase {
	case stmodel.PhaseReceived, stmodel.PhaseHistoryWritten, stmodel.PhaseLLMCalling:
		r.send(ctx, t, "⚠ The assistant restarted while handling your last message. Please resend it.")
	case stmodel.PhaseVerifying:
		if t.PendingResponse != "" {
			action = "sent_unverified"
			r.send(ctx, t, "[Recovered after interruption — response may not have been fully verified]\n\n"+t.PendingResponse)
		}
	case stmodel.PhaseResponding:
		if t.PendingResponse != "" {
			action = "sent_ready"
			r.send(ctx, t, t.PendingResponse)
		}
	case stmodel.PhaseCompleted, stmodel.PhaseFailed:
		action = "stale"
	}

	r.journal.Write(t.ChannelID, t.ConversationID, stmodel.JournalEntry{
		Event:  stmodel.EventTaskFailed,
		TaskID: t.ID,
		Data:   map[string]any{"recovery": true, "phase": t.Phase, "action": action},
	})
}

func (r *TaskRecovery) send(ctx context.Context, t stmodel.PersistedTask, text string) {
	if err := r.channels.SendMessage(ctx, t.ChannelID, t.ConversationID, model.OutgoingMessage{Text: text}); err != nil {
		slog.Warn("health: task recovery send failed", "taskId", t.ID, "error", err)
	}
}
