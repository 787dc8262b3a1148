package runstate

import (
	"errors"
	"testing"
)

func TestSetPhaseNewVM(t *testing.T) {
	tr := New()
	tr.SetPhase("web1", PhaseMerging)

	s, ok := tr.Snapshot("web1")
	if !ok {
		t.Fatal("expected web1 to be recorded")
	}
	if s.Phase != PhaseMerging {
		t.Errorf("phase = %q, want %q", s.Phase, PhaseMerging)
	}
}

func TestSnapshotUnknownVM(t *testing.T) {
	tr := New()
	_, ok := tr.Snapshot("ghost")
	if ok {
		t.Error("expected ok=false for a VM never recorded")
	}
}

func TestSetConditionUpdatesInPlace(t *testing.T) {
	tr := New()
	tr.SetCondition("web1", ConditionStorageProvisioned, ConditionFalse, "Pending", "not yet")
	tr.SetCondition("web1", ConditionStorageProvisioned, ConditionTrue, "Created", "done")

	s, _ := tr.Snapshot("web1")
	if len(s.Conditions) != 1 {
		t.Fatalf("got %d conditions, want 1 (update in place)", len(s.Conditions))
	}
	if s.Conditions[0].Status != ConditionTrue {
		t.Errorf("status = %q, want %q", s.Conditions[0].Status, ConditionTrue)
	}
	if s.Conditions[0].Reason != "Created" {
		t.Errorf("reason = %q, want Created", s.Conditions[0].Reason)
	}
}

func TestMarkFailedSetsPhaseAndCondition(t *testing.T) {
	tr := New()
	tr.MarkFailed("web1", errors.New("boom"))

	s, _ := tr.Snapshot("web1")
	if s.Phase != PhaseFailed {
		t.Errorf("phase = %q, want %q", s.Phase, PhaseFailed)
	}
	if len(s.Conditions) != 1 || s.Conditions[0].Status != ConditionFalse {
		t.Fatalf("conditions = %+v, want one False Ready condition", s.Conditions)
	}
	if s.Conditions[0].Message != "boom" {
		t.Errorf("message = %q, want boom", s.Conditions[0].Message)
	}
}

func TestMarkReadySetsPhaseAndCondition(t *testing.T) {
	tr := New()
	tr.MarkReady("web1")

	s, _ := tr.Snapshot("web1")
	if s.Phase != PhaseReady {
		t.Errorf("phase = %q, want %q", s.Phase, PhaseReady)
	}
	if len(s.Conditions) != 1 || s.Conditions[0].Status != ConditionTrue {
		t.Fatalf("conditions = %+v, want one True Ready condition", s.Conditions)
	}
}

func TestStringUnknownVMDefaultsToPending(t *testing.T) {
	tr := New()
	if got, want := tr.String("ghost"), "ghost: Pending"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
