package app

import "testing"

func TestSafeMode_TripIsSticky(t *testing.T) {
	sm := NewSafeMode()
	if sm.IsTripped() {
		t.Fatal("expected new breaker untripped")
	}

	sm.Trip("pending transaction persist failed")
	if !sm.IsTripped() {
		t.Fatal("expected breaker tripped")
	}

	// A second trip keeps the original reason.
	sm.Trip("later unrelated failure")
	tripped, reason, trippedAt := sm.State()
	if !tripped {
		t.Fatal("expected breaker still tripped")
	}
	if reason != "pending transaction persist failed" {
		t.Fatalf("expected first reason preserved, got %q", reason)
	}
	if trippedAt.IsZero() {
		t.Fatal("expected trip timestamp recorded")
	}
}

func TestSafeMode_ResetClearsState(t *testing.T) {
	sm := NewSafeMode()
	sm.Trip("ledger rejected batch submission")
	sm.Reset()

	tripped, reason, trippedAt := sm.State()
	if tripped || reason != "" || !trippedAt.IsZero() {
		t.Fatalf("expected clean state after reset, got tripped=%t reason=%q", tripped, reason)
	}
}

func TestRunGuard_SingleClaimant(t *testing.T) {
	var g runGuard
	if !g.begin() {
		t.Fatal("expected first claim to succeed")
	}
	if g.begin() {
		t.Fatal("expected second claim rejected while held")
	}
	if !g.active() {
		t.Fatal("expected guard reported active")
	}
	g.end()
	if g.active() {
		t.Fatal("expected guard released")
	}
	if !g.begin() {
		t.Fatal("expected claim to succeed after release")
	}
}
