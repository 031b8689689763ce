package signal

import (
	"os"
	"testing"
)

func TestListRunning(t *testing.T) {
	m := newTestManager(t)

	if err := m.Register("sess-a", Registration{Model: "model-1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register("sess-b", Registration{Model: "model-2"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	regs, err := m.ListRunning()
	if err != nil {
		t.Fatalf("ListRunning: %v", err)
	}
	if len(regs) != 2 {
		t.Fatalf("ListRunning returned %d entries, want 2", len(regs))
	}
}

func TestMatchingPrefix(t *testing.T) {
	m := newTestManager(t)

	for _, id := range []string{"user-1:chat", "user-1:cron", "user-2:chat"} {
		if err := m.Register(id, Registration{}); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}

	matches, err := m.MatchingPrefix("user-1:")
	if err != nil {
		t.Fatalf("MatchingPrefix: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("MatchingPrefix = %d matches, want 2", len(matches))
	}
}

func TestCancelByPrefix(t *testing.T) {
	m := newTestManager(t)

	for _, id := range []string{"batch:1", "batch:2", "other:1"} {
		if err := m.Register(id, Registration{}); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}

	if err := m.CancelByPrefix("batch:"); err != nil {
		t.Fatalf("CancelByPrefix: %v", err)
	}

	if !m.IsCancelRequested("batch:1") || !m.IsCancelRequested("batch:2") {
		t.Fatal("expected both batch: sessions to have cancel requested")
	}
	if m.IsCancelRequested("other:1") {
		t.Fatal("did not expect other:1 to have cancel requested")
	}
}

func TestGCStaleRemovesDeadPID(t *testing.T) {
	m := newTestManager(t)

	// A pid within the valid range but vanishingly unlikely to be alive.
	if err := m.Register("dead-sess", Registration{PID: 999999}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register("live-sess", Registration{PID: os.Getpid()}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	removed, err := m.GCStale()
	if err != nil {
		t.Fatalf("GCStale: %v", err)
	}
	if len(removed) != 1 || removed[0] != "dead-sess" {
		t.Fatalf("GCStale removed = %v, want [dead-sess]", removed)
	}
	if !m.exists(m.path("live-sess", ".running")) {
		t.Fatal("expected live-sess registration to survive GC")
	}
}
