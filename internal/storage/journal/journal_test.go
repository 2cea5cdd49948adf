package journal

import (
	"testing"

	stmodel "agenthost/internal/storage/model"
)

func TestWriteThenQuery_NewestFirst(t *testing.T) {
	j := NewJournal(t.TempDir(), Options{})

	j.Write("web", "c1", stmodel.JournalEntry{Event: stmodel.EventTaskReceived, TaskID: "t1"})
	j.Write("web", "c1", stmodel.JournalEntry{Event: stmodel.EventPipelineStarted, TaskID: "t1"})
	j.Write("web", "c1", stmodel.JournalEntry{Event: stmodel.EventTaskCompleted, TaskID: "t1"})

	entries, err := j.Query("web", "c1", 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if entries[0].Event != stmodel.EventTaskCompleted {
		t.Fatalf("entries[0].Event = %q, want %q (newest first)", entries[0].Event, stmodel.EventTaskCompleted)
	}
	if entries[2].Event != stmodel.EventTaskReceived {
		t.Fatalf("entries[2].Event = %q, want %q (oldest last)", entries[2].Event, stmodel.EventTaskReceived)
	}
}

func TestQuery_RespectsLimit(t *testing.T) {
	j := NewJournal(t.TempDir(), Options{})
	for i := 0; i < 5; i++ {
		j.Write("web", "c1", stmodel.JournalEntry{Event: stmodel.EventLLMCallStarted})
	}

	entries, err := j.Query("web", "c1", 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
}

func TestQuery_UnknownConversationReturnsEmpty(t *testing.T) {
	j := NewJournal(t.TempDir(), Options{})
	entries, err := j.Query("web", "nope", 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("len(entries) = %d, want 0", len(entries))
	}
}

func TestWrite_StampsChannelAndConversationID(t *testing.T) {
	j := NewJournal(t.TempDir(), Options{})
	j.Write("web", "c1", stmodel.JournalEntry{Event: stmodel.EventTaskReceived})

	entries, err := j.Query("web", "c1", 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].ChannelID != "web" || entries[0].ConversationID != "c1" {
		t.Fatalf("entry = %+v, want channelId/conversationId web/c1", entries[0])
	}
	if entries[0].TS == "" {
		t.Fatal("entry.TS should be stamped when not provided")
	}
}

func TestRollover_EvictsOldestSegmentBeyondMax(t *testing.T) {
	j := NewJournal(t.TempDir(), Options{MaxSegmentSizeBytes: 1, MaxSegments: 2})

	for i := 0; i < 5; i++ {
		j.Write("web", "c1", stmodel.JournalEntry{Event: stmodel.EventLLMCallStarted})
	}

	entries, err := j.Query("web", "c1", 100)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	// Each write rolls to a new one-entry segment; only the 2 most recent
	// segments (and thus entries) survive eviction.
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2 after eviction", len(entries))
	}
}
