package task

import (
	"testing"
	"time"
)

func TestDurationsZeroUntilStamped(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := New(base)
	if n.ID.String() == "" {
		t.Fatal("expected a non-empty task ID")
	}
	if n.SendHeaderDuration() != 0 || n.RecvAllDuration() != 0 {
		t.Fatal("unstamped durations must be zero")
	}

	n.ReqHeaderSentAt = base.Add(10 * time.Millisecond)
	n.RspHeaderRecvAt = base.Add(30 * time.Millisecond)
	n.RspBodyRecvAt = base.Add(50 * time.Millisecond)

	if got := n.SendHeaderDuration(); got != 10*time.Millisecond {
		t.Fatalf("got %v", got)
	}
	if got := n.RecvHeaderDuration(); got != 20*time.Millisecond {
		t.Fatalf("got %v", got)
	}
	if got := n.RecvAllDuration(); got != 50*time.Millisecond {
		t.Fatalf("got %v", got)
	}
}

func TestEachNoteGetsDistinctID(t *testing.T) {
	a := New(time.Now())
	b := New(time.Now())
	if a.ID == b.ID {
		t.Fatal("expected distinct task IDs")
	}
}
