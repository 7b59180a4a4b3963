package aluvia

import (
	"reflect"
	"testing"
)

func TestEscalationTracker_CapAndReset(t *testing.T) {
	tr := NewEscalationTracker(3)

	if !tr.PermitsAction("stuck.example.com") {
		t.Fatal("untracked host must permit action")
	}

	tr.RecordResult("stuck.example.com", TierBlocked)
	tr.RecordResult("stuck.example.com", TierBlocked)
	if !tr.PermitsAction("stuck.example.com") {
		t.Fatal("action suppressed before the cap")
	}

	tr.RecordResult("stuck.example.com", TierBlocked)
	if tr.PermitsAction("stuck.example.com") {
		t.Fatal("action still permitted at the cap")
	}

	// Further blocked results keep it escalated.
	tr.RecordResult("stuck.example.com", TierBlocked)
	if tr.PermitsAction("stuck.example.com") {
		t.Fatal("action re-permitted while still blocked")
	}

	// A clear result resets the counter and escalation.
	tr.RecordResult("stuck.example.com", TierClear)
	if !tr.PermitsAction("stuck.example.com") {
		t.Fatal("clear result did not reset escalation")
	}
}

func TestEscalationTracker_SuspectedIsNeutral(t *testing.T) {
	tr := NewEscalationTracker(2)

	tr.RecordResult("host.test", TierBlocked)
	tr.RecordResult("host.test", TierSuspected)
	tr.RecordResult("host.test", TierBlocked)

	// Suspected neither increments nor resets, so the two blocked
	// results are consecutive and reach the cap of 2.
	if tr.PermitsAction("host.test") {
		t.Error("two blocked results around a suspected one should escalate at cap 2")
	}
}

func TestEscalationTracker_DefaultCap(t *testing.T) {
	tr := NewEscalationTracker(0)
	for i := 0; i < DefaultEscalationCap-1; i++ {
		tr.RecordResult("host.test", TierBlocked)
	}
	if !tr.PermitsAction("host.test") {
		t.Fatal("escalated before the default cap")
	}
	tr.RecordResult("host.test", TierBlocked)
	if tr.PermitsAction("host.test") {
		t.Fatal("default cap not applied")
	}
}

func TestEscalationTracker_ListBlocked(t *testing.T) {
	tr := NewEscalationTracker(3)

	tr.RecordResult("b.test", TierBlocked)
	tr.RecordResult("a.test", TierBlocked)
	tr.RecordResult("c.test", TierSuspected)
	tr.RecordResult("d.test", TierClear)

	got := tr.ListBlocked()
	want := []string{"a.test", "b.test"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListBlocked = %v, want %v", got, want)
	}

	// An escalated host stays listed even after a later suspected result.
	tr.RecordResult("a.test", TierBlocked)
	tr.RecordResult("a.test", TierBlocked)
	tr.RecordResult("a.test", TierSuspected)
	got = tr.ListBlocked()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("escalated host dropped from ListBlocked: %v", got)
	}
}

func TestEscalationTracker_ResetSurface(t *testing.T) {
	tr := NewEscalationTracker(1)
	tr.RecordResult("a.test", TierBlocked)
	tr.RecordResult("b.test", TierBlocked)

	tr.Reset("a.test")
	if !tr.PermitsAction("a.test") {
		t.Error("Reset did not clear escalation for the host")
	}
	if tr.PermitsAction("b.test") {
		t.Error("Reset leaked to another host")
	}

	tr.ResetAll()
	if len(tr.ListBlocked()) != 0 {
		t.Error("ResetAll left tracked hosts behind")
	}
}
