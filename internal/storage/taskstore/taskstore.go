// Package taskstore implements the durable active/completed task record
// store: every transition is a full read-modify-write of one JSON file,
// written atomically, so a crash mid-pipeline leaves a recoverable file in
// tasks/active/ (see internal/health's Task Recovery, which reconciles
// these on startup).
package taskstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"agenthost/internal/model"
	"agenthost/internal/storage/atomic"
	stmodel "agenthost/internal/storage/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store is rooted at <dataRoot>/tasks, with active/ and completed/<date>/
// subtrees.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(root string) *Store {
	return &Store{root: root, locks: map[string]*sync.Mutex{}}
}

func (s *Store) lockFor(taskID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[taskID] = l
	}
	return l
}

func (s *Store) unlockAndForget(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, taskID)
}

func (s *Store) activePath(taskID string) string {
	return filepath.Join(s.root, "active", taskID+".json")
}

func (s *Store) completedPath(taskID string, day time.Time) string {
	return filepath.Join(s.root, "completed", day.UTC().Format("2006-01-02"), taskID+".json")
}

func (s *Store) writeTask(path string, t stmodel.PersistedTask) error {
	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("taskstore: marshal: %w", err)
	}
	return atomic.WriteFile(path, b, 0o644)
}

func (s *Store) readActive(taskID string) (stmodel.PersistedTask, error) {
	b, err := os.ReadFile(s.activePath(taskID))
	if err != nil {
		return stmodel.PersistedTask{}, err
	}
	var t stmodel.PersistedTask
	if err := json.Unmarshal(b, &t); err != nil {
		return stmodel.PersistedTask{}, fmt.Errorf("taskstore: parse active %s: %w", taskID, err)
	}
	return t, nil
}

// Persist creates the active task record in phase "received".
func (s *Store) Persist(taskID, channelID, conversationID string, msg model.NormalizedMessage) error {
	l := s.lockFor(taskID)
	l.Lock()
	defer l.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	t := stmodel.PersistedTask{
		ID:             taskID,
		ChannelID:      channelID,
		ConversationID: conversationID,
		Message:        msg,
		Phase:          stmodel.PhaseReceived,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	return s.writeTask(s.activePath(taskID), t)
}

// PhaseUpdate carries the optional fields a phase transition may set.
type PhaseUpdate struct {
	PendingResponse *string
	Error           *string
}

// UpdatePhase reads-modifies-writes the active task file, advancing phase
// and applying any optional fields in update.
func (s *Store) UpdatePhase(taskID, phase string, update PhaseUpdate) error {
	l := s.lockFor(taskID)
	l.Lock()
	defer l.Unlock()

	t, err := s.readActive(taskID)
	if err != nil {
		return fmt.Errorf("taskstore: update phase: %w", err)
	}
	t.Phase = phase
	t.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if update.PendingResponse != nil {
		t.PendingResponse = *update.PendingResponse
	}
	if update.Error != nil {
		t.Error = *update.Error
	}
	return s.writeTask(s.activePath(taskID), t)
}

// Complete moves the active task file to completed/<date>/, keyed by the
// current UTC date.
func (s *Store) Complete(taskID string) error {
	l := s.lockFor(taskID)
	l.Lock()
	defer func() {
		l.Unlock()
		s.unlockAndForget(taskID)
	}()

	t, err := s.readActive(taskID)
	if err != nil {
		return fmt.Errorf("taskstore: complete: %w", err)
	}
	dest := s.completedPath(taskID, time.Now())
	if err := s.writeTask(dest, t); err != nil {
		return err
	}
	if err := os.Remove(s.activePath(taskID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("taskstore: remove active: %w", err)
	}
	return nil
}

// Fail sets the task's phase to failed with the given error message, then
// completes it.
func (s *Store) Fail(taskID, errMsg string) error {
	if err := s.UpdatePhase(taskID, stmodel.PhaseFailed, PhaseUpdate{Error: &errMsg}); err != nil {
		return err
	}
	return s.Complete(taskID)
}

// ForceComplete moves an active file straight to completed regardless of
// its current phase, used by Task Recovery to guarantee forward progress
// even when a per-task recovery step itself fails.
func (s *Store) ForceComplete(taskID string) error {
	return s.Complete(taskID)
}

// ListActive enumerates tasks/active/, parsing each file. Unreadable files
// are skipped with a warning, never aborting the scan — recovery must make
// progress on the tasks it can read even if one file is corrupt.
func (s *Store) ListActive() ([]stmodel.PersistedTask, error) {
	dir := filepath.Join(s.root, "active")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("taskstore: list active: %w", err)
	}

	var out []stmodel.PersistedTask
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			slog.Warn("taskstore: reading active file", "file", e.Name(), "error", err)
			continue
		}
		var t stmodel.PersistedTask
		if err := json.Unmarshal(b, &t); err != nil {
			slog.Warn("taskstore: parsing active file", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
