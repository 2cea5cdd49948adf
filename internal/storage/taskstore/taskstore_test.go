package taskstore

import (
	"testing"

	"agenthost/internal/model"
	stmodel "agenthost/internal/storage/model"
)

func TestPersist_CreatesExactlyOneActiveFile(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Persist("t1", "web", "c1", model.NormalizedMessage{Text: "hi"}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	active, err := s.ListActive()
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("len(active) = %d, want 1", len(active))
	}
	if active[0].ID != "t1" || active[0].Phase != stmodel.PhaseReceived {
		t.Fatalf("active[0] = %+v, want id=t1 phase=received", active[0])
	}
}

func TestUpdatePhase_AdvancesPhaseAndSetsFields(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Persist("t1", "web", "c1", model.NormalizedMessage{Text: "hi"}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	pending := "draft response"
	if err := s.UpdatePhase("t1", stmodel.PhaseVerifying, PhaseUpdate{PendingResponse: &pending}); err != nil {
		t.Fatalf("UpdatePhase: %v", err)
	}

	active, err := s.ListActive()
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("len(active) = %d, want 1", len(active))
	}
	if active[0].Phase != stmodel.PhaseVerifying || active[0].PendingResponse != pending {
		t.Fatalf("active[0] = %+v, want phase=%s pendingResponse=%q", active[0], stmodel.PhaseVerifying, pending)
	}
}

func TestComplete_MovesActiveToCompleted(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Persist("t1", "web", "c1", model.NormalizedMessage{Text: "hi"}); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := s.Complete("t1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	active, err := s.ListActive()
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("len(active) = %d, want 0 after Complete", len(active))
	}
}

func TestForceComplete_RecoversEvenIfAlreadyMidwayThroughPhases(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Persist("t1", "web", "c1", model.NormalizedMessage{Text: "hi"}); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := s.UpdatePhase("t1", stmodel.PhaseLLMCalling, PhaseUpdate{}); err != nil {
		t.Fatalf("UpdatePhase: %v", err)
	}

	if err := s.ForceComplete("t1"); err != nil {
		t.Fatalf("ForceComplete: %v", err)
	}

	active, err := s.ListActive()
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("len(active) = %d, want 0 after ForceComplete", len(active))
	}
}

func TestListActive_NonexistentRootReturnsEmptyNotError(t *testing.T) {
	s := NewStore(t.TempDir() + "/never-created")
	active, err := s.ListActive()
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("len(active) = %d, want 0", len(active))
	}
}

func TestListActive_NOrphans_ForceCompleteAllYieldsZeroActive(t *testing.T) {
	s := NewStore(t.TempDir())
	const n = 4
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		if err := s.Persist(id, "web", "c1", model.NormalizedMessage{Text: "hi"}); err != nil {
			t.Fatalf("Persist(%s): %v", id, err)
		}
	}

	active, err := s.ListActive()
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != n {
		t.Fatalf("len(active) = %d, want %d", len(active), n)
	}

	for _, task := range active {
		if err := s.ForceComplete(task.ID); err != nil {
			t.Fatalf("ForceComplete(%s): %v", task.ID, err)
		}
	}

	remaining, err := s.ListActive()
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("len(remaining) = %d, want 0 — recovery safety invariant", len(remaining))
	}
}
