// Package journal implements the append-only event journal: a segmented
// JSONL log per conversation, siblings of the history store, whose writes
// are fire-and-forget — a journal write failure is logged, never returned
// to the pipeline, since the journal is a diagnostic trail, not the system
// of record.
package journal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"agenthost/internal/storage/atomic"
	stmodel "agenthost/internal/storage/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultMaxSegmentSizeBytes = 1048576
	DefaultMaxSegments         = 10
	indexFileName              = "_index.json"
)

type Options struct {
	MaxSegmentSizeBytes int64
	MaxSegments         int
}

func (o Options) withDefaults() Options {
	if o.MaxSegmentSizeBytes <= 0 {
		o.MaxSegmentSizeBytes = DefaultMaxSegmentSizeBytes
	}
	if o.MaxSegments <= 0 {
		o.MaxSegments = DefaultMaxSegments
	}
	return o
}

type convState struct {
	mu          sync.Mutex
	loaded      bool
	idx         stmodel.JournalIndex
	currentSize int64
}

// Journal is a root directory of per-conversation segmented journals.
type Journal struct {
	root string
	opts Options

	mu     sync.Mutex
	states map[string]*convState
}

func NewJournal(root string, opts Options) *Journal {
	return &Journal{root: root, opts: opts.withDefaults(), states: map[string]*convState{}}
}

func (j *Journal) stateFor(key string) *convState {
	j.mu.Lock()
	defer j.mu.Unlock()
	st, ok := j.states[key]
	if !ok {
		st = &convState{}
		j.states[key] = st
	}
	return st
}

func (j *Journal) convDir(channelID, conversationID string) string {
	return filepath.Join(j.root, channelID, conversationID)
}

func (j *Journal) indexPath(channelID, conversationID string) string {
	return filepath.Join(j.convDir(channelID, conversationID), indexFileName)
}

func segmentFileName(t time.Time) string {
	return strings.ReplaceAll(t.UTC().Format("2006-01-02T15-04-05Z"), ":", "-") + ".jsonl"
}

func (j *Journal) load(channelID, conversationID string, st *convState) {
	b, err := os.ReadFile(j.indexPath(channelID, conversationID))
	if err == nil {
		_ = json.Unmarshal(b, &st.idx)
	}
	if len(st.idx.Segments) > 0 {
		st.currentSize = st.idx.Segments[len(st.idx.Segments)-1].SizeBytes
	}
	st.loaded = true
}

// Write appends entry to the conversation's journal. Errors are logged and
// swallowed — see the package doc.
func (j *Journal) Write(channelID, conversationID string, entry stmodel.JournalEntry) {
	if entry.TS == "" {
		entry.TS = time.Now().UTC().Format(time.RFC3339)
	}
	entry.ChannelID = channelID
	entry.ConversationID = conversationID

	st := j.stateFor(channelID + ":" + conversationID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.loaded {
		j.load(channelID, conversationID, st)
	}

	needsRollover := len(st.idx.Segments) == 0 || st.currentSize >= j.opts.MaxSegmentSizeBytes
	if needsRollover {
		now := time.Now().UTC()
		st.idx.Segments = append(st.idx.Segments, stmodel.JournalSegmentMeta{File: segmentFileName(now)})
		st.currentSize = 0
		for len(st.idx.Segments) > j.opts.MaxSegments {
			oldest := st.idx.Segments[0]
			if err := os.Remove(filepath.Join(j.convDir(channelID, conversationID), oldest.File)); err != nil && !os.IsNotExist(err) {
				slog.Warn("journal: evict segment", "file", oldest.File, "error", err)
			}
			st.idx.Segments = st.idx.Segments[1:]
		}
		if err := j.flushIndex(channelID, conversationID, st); err != nil {
			slog.Warn("journal: flush index on rollover", "error", err)
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("journal: marshal entry", "error", err)
		return
	}
	segFile := st.idx.Segments[len(st.idx.Segments)-1].File
	segPath := filepath.Join(j.convDir(channelID, conversationID), segFile)
	newSize, err := atomic.AppendLine(segPath, line)
	if err != nil {
		slog.Warn("journal: append", "error", err)
		return
	}
	st.currentSize = newSize
}

func (j *Journal) flushIndex(channelID, conversationID string, st *convState) error {
	if len(st.idx.Segments) > 0 {
		st.idx.Segments[len(st.idx.Segments)-1].SizeBytes = st.currentSize
	}
	b, err := json.MarshalIndent(st.idx, "", "  ")
	if err != nil {
		return fmt.Errorf("journal: marshal index: %w", err)
	}
	return atomic.WriteFile(j.indexPath(channelID, conversationID), b, 0o644)
}

// Query reads journal entries for (channelID, conversationID) across all
// segments, newest-first, returning up to limit entries. channelID/
// conversationID may be empty to mean "any" only when walking a single
// known conversation is not required by the caller — callers that need a
// cross-conversation view should enumerate conversations themselves and
// call Query per conversation (the journal has no global index).
func (j *Journal) Query(channelID, conversationID string, limit int) ([]stmodel.JournalEntry, error) {
	idxPath := j.indexPath(channelID, conversationID)
	b, err := os.ReadFile(idxPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var idx stmodel.JournalIndex
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, err
	}

	var out []stmodel.JournalEntry
	for i := len(idx.Segments) - 1; i >= 0 && len(out) < limit; i-- {
		segPath := filepath.Join(j.convDir(channelID, conversationID), idx.Segments[i].File)
		data, err := os.ReadFile(segPath)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		for k := len(lines) - 1; k >= 0 && len(out) < limit; k-- {
			if lines[k] == "" {
				continue
			}
			var e stmodel.JournalEntry
			if err := json.Unmarshal([]byte(lines[k]), &e); err != nil {
				continue
			}
			out = append(out, e)
		}
	}
	return out, nil
}
