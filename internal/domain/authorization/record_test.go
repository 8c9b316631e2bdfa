package authorization

import (
	"context"
	"errors"
	"testing"
)

func closedRecord(t *testing.T, path ...State) *DecisionRecord {
	t.Helper()
	rec := NewDecisionRecord("WF_1_P1_OZEMPIC", "P1", "Ozempic", Requester{ClientID: "c"})
	for _, s := range path {
		if err := rec.Transition(s, "", "", ""); err != nil {
			t.Fatalf("Transition(%s) error = %v", s, err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return rec
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateStart, StateCoverageChecked, true},
		{StateStart, StatePolicyRetrieved, false},
		{StateCoverageChecked, StateNeedsReview, true},
		{StateNarrativeValidated, StateNarrativePending, true},
		{StateNarrativePending, StateApprovedReady, false},
		{StatePolicyRetrieved, StateCancelled, true},
		{StateEligibilityEvaluated, StateError, true},
		{StateDenied, StateError, false},
		{StateDenied, StateTerminal, true},
		{StateTerminal, StateStart, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransitionRejectsIllegalMoves(t *testing.T) {
	rec := NewDecisionRecord("WF", "P1", "Ozempic", Requester{})
	err := rec.Transition(StateApprovedReady, StageForm, "", "")
	var terr *TransitionError
	if !errors.As(err, &terr) || terr.From != StateStart || terr.To != StateApprovedReady {
		t.Fatalf("Transition() error = %v", err)
	}
	if rec.Version() != 0 || len(rec.AuditTrail()) != 0 {
		t.Error("rejected transition was recorded")
	}
}

func TestCloseRecordsSkippedStages(t *testing.T) {
	rec := NewDecisionRecord("WF", "P1", "Wegovy", Requester{})
	ref := rec.Trace(StageTrace{Stage: StageCoverage, Output: map[string]bool{"covered": false}})
	if ref == "" {
		t.Fatal("Trace() returned an empty id")
	}
	_ = rec.Transition(StateCoverageChecked, StageCoverage, ref, "")
	_ = rec.Transition(StateNotCovered, StageCoverage, ref, "")

	if err := rec.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !rec.IsClosed() || rec.Outcome != StateNotCovered || rec.Recommendation != RecommendNotCovered {
		t.Errorf("state %s outcome %s recommendation %s", rec.State, rec.Outcome, rec.Recommendation)
	}
	if rec.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	skipped := rec.SkippedStages()
	if _, ok := skipped[StageCoverage]; ok {
		t.Error("executed stage marked skipped")
	}
	for _, s := range PipelineStages[1:] {
		if skipped[s] != "run ended in NOT_COVERED" {
			t.Errorf("stage %s skip reason = %q", s, skipped[s])
		}
	}

	if err := rec.Transition(StateError, "", "", ""); !errors.Is(err, ErrRecordClosed) {
		t.Errorf("Transition after close error = %v", err)
	}
	if err := rec.Close(); !errors.Is(err, ErrRecordClosed) {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestCloseRequiresOutcome(t *testing.T) {
	rec := NewDecisionRecord("WF", "P1", "Ozempic", Requester{})
	_ = rec.Transition(StateCoverageChecked, StageCoverage, "", "")
	if err := rec.Close(); err == nil {
		t.Error("Close() in an in-flight state should fail")
	}
}

func TestSequencesAreContiguous(t *testing.T) {
	rec := closedRecord(t, StateCoverageChecked, StateNoPANeeded)
	for i, e := range rec.AuditTrail() {
		if e.Sequence != i+1 {
			t.Fatalf("entry %d has sequence %d", i, e.Sequence)
		}
		if e.WorkflowID != rec.WorkflowID || e.ID == "" {
			t.Errorf("entry %d = %+v", i, e)
		}
	}
	if rec.Version() != len(rec.AuditTrail()) {
		t.Errorf("Version() = %d with %d entries", rec.Version(), len(rec.AuditTrail()))
	}
}

func TestBestNarrativePrefersEarliestOnTies(t *testing.T) {
	rec := NewDecisionRecord("WF", "P1", "Ozempic", Requester{})
	if rec.BestNarrative() != nil {
		t.Fatal("BestNarrative() on empty record should be nil")
	}
	rec.AddNarrative(Narrative{Attempt: 1, QualityScore: 0.5})
	rec.AddNarrative(Narrative{Attempt: 2, QualityScore: 0.8})
	rec.AddNarrative(Narrative{Attempt: 3, QualityScore: 0.8})
	if best := rec.BestNarrative(); best.Attempt != 2 {
		t.Errorf("BestNarrative() attempt = %d, want 2", best.Attempt)
	}
}

func TestReplay(t *testing.T) {
	rec := closedRecord(t, StateCoverageChecked, StatePolicyRetrieved, StateEligibilityEvaluated, StateDenied)

	states, err := Replay(rec.AuditTrail())
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	want := []State{StateStart, StateCoverageChecked, StatePolicyRetrieved, StateEligibilityEvaluated, StateDenied, StateTerminal}
	if len(states) != len(want) {
		t.Fatalf("Replay() = %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state %d = %s, want %s", i, states[i], want[i])
		}
	}

	outcome, err := VerifyComplete(rec.AuditTrail())
	if err != nil || outcome != StateDenied {
		t.Errorf("VerifyComplete() = %s, %v", outcome, err)
	}
}

func TestReplayRejectsTampering(t *testing.T) {
	t.Run("edited target", func(t *testing.T) {
		rec := closedRecord(t, StateCoverageChecked, StatePolicyRetrieved, StateEligibilityEvaluated, StateDenied)
		for _, e := range rec.AuditTrail() {
			if e.To == StateDenied {
				e.To = StateApprovedReady
			}
		}
		if _, err := Replay(rec.AuditTrail()); err == nil {
			t.Error("Replay() accepted ELIGIBILITY_EVALUATED -> APPROVED_READY")
		}
	})

	t.Run("reordered", func(t *testing.T) {
		rec := closedRecord(t, StateCoverageChecked, StateNoPANeeded)
		trail := rec.AuditTrail()
		trail[0], trail[1] = trail[1], trail[0]
		if _, err := Replay(trail); err == nil {
			t.Error("Replay() accepted out of order sequences")
		}
	})

	t.Run("open trail", func(t *testing.T) {
		rec := NewDecisionRecord("WF", "P1", "Ozempic", Requester{})
		_ = rec.Transition(StateCoverageChecked, StageCoverage, "", "")
		if _, err := VerifyComplete(rec.AuditTrail()); err == nil {
			t.Error("VerifyComplete() accepted a trail without TERMINAL")
		}
	})
}

func TestMemoryRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	rec := NewDecisionRecord("WF_A", "P1", "Ozempic", Requester{})
	_ = rec.Transition(StateCoverageChecked, StageCoverage, "", "")
	if err := repo.Save(ctx, rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	_ = rec.Transition(StateNoPANeeded, StageCoverage, "", "")
	_ = rec.Close()
	if err := repo.Save(ctx, rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if len(rec.Changes()) != 0 {
		t.Error("Save did not clear pending entries")
	}

	other := closedRecord(t, StateCoverageChecked, StateNotCovered)
	other.WorkflowID = "WF_B"
	_ = repo.Save(ctx, other)
	third := closedRecord(t, StateCoverageChecked, StateNoPANeeded)
	third.WorkflowID = "WF_C"
	_ = repo.Save(ctx, third)

	loaded, err := repo.Load(ctx, "WF_A")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.State != StateTerminal || loaded.Outcome != StateNoPANeeded || loaded.Version() != rec.Version() {
		t.Errorf("loaded %s %s v%d, want TERMINAL NO_PA_NEEDED v%d", loaded.State, loaded.Outcome, loaded.Version(), rec.Version())
	}

	trail, _ := repo.GetAuditTrail(ctx, "WF_A")
	trail[0].Note = "edited"
	again, _ := repo.GetAuditTrail(ctx, "WF_A")
	if again[0].Note == "edited" {
		t.Error("GetAuditTrail returned stored entries instead of copies")
	}

	ids, _ := repo.ListByOutcome(ctx, StateNoPANeeded, 0)
	if len(ids) != 2 || ids[0] != "WF_C" || ids[1] != "WF_A" {
		t.Errorf("ListByOutcome() = %v", ids)
	}
	ids, _ = repo.ListByOutcome(ctx, StateNoPANeeded, 1)
	if len(ids) != 1 {
		t.Errorf("limit ignored: %v", ids)
	}

	if _, err := repo.Load(ctx, "WF_missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Load(missing) error = %v", err)
	}
}
