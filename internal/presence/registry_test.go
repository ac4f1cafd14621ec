package presence

import (
	"testing"
	"time"
)

func TestRegisterReplacesPriorConnection(t *testing.T) {
	r := NewRegistry()

	if replaced := r.Register(1, "avery", "avery@example.com", "conn-1"); replaced != "" {
		t.Fatalf("expected no replacement on first register, got %q", replaced)
	}
	r.RecordJoin(1, 10)

	replaced := r.Register(1, "avery", "avery@example.com", "conn-2")
	if replaced != "conn-1" {
		t.Fatalf("expected conn-1 replaced, got %q", replaced)
	}

	// The replacement starts with no joined rooms.
	if members := r.Snapshot(10); len(members) != 0 {
		t.Fatalf("expected empty room after replacement, got %v", members)
	}
	entry, ok := r.Lookup(1)
	if !ok || entry.ConnectionID != "conn-2" {
		t.Fatalf("expected live entry conn-2, got %+v ok=%v", entry, ok)
	}
}

func TestRecordJoinIsIdempotent(t *testing.T) {
	r := NewRegistry()
	times := []time.Time{
		time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 1, 10, 5, 0, 0, time.UTC),
	}
	i := 0
	r.now = func() time.Time {
		now := times[i%len(times)]
		i++
		return now
	}

	r.Register(1, "avery", "", "conn-1")
	r.RecordJoin(1, 10)
	r.RecordJoin(1, 10)

	members := r.Snapshot(10)
	if len(members) != 1 {
		t.Fatalf("expected one member, got %d", len(members))
	}
	if !members[0].LastSeen.Equal(times[1]) {
		t.Fatalf("expected lastSeen refreshed to %v, got %v", times[1], members[0].LastSeen)
	}
}

func TestRecordLeaveUnjoinedIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Register(1, "avery", "", "conn-1")

	r.RecordLeave(1, 99)

	if _, ok := r.Lookup(1); !ok {
		t.Fatalf("entry should survive a leave for an unjoined workspace")
	}
}

func TestDropReturnsJoinedWorkspacesSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(1, "avery", "", "conn-1")
	r.RecordJoin(1, 30)
	r.RecordJoin(1, 10)
	r.RecordJoin(1, 20)

	left := r.Drop(1, "conn-1")
	if len(left) != 3 || left[0] != 10 || left[1] != 20 || left[2] != 30 {
		t.Fatalf("expected sorted workspaces [10 20 30], got %v", left)
	}
	if _, ok := r.Lookup(1); ok {
		t.Fatalf("entry should be gone after drop")
	}
	if members := r.Snapshot(10); len(members) != 0 {
		t.Fatalf("expected empty room, got %v", members)
	}
}

func TestDropIgnoresStaleConnection(t *testing.T) {
	r := NewRegistry()
	r.Register(1, "avery", "", "conn-1")
	r.RecordJoin(1, 10)
	r.Register(1, "avery", "", "conn-2")
	r.RecordJoin(1, 10)

	// The superseded connection disconnecting later must not tear down the
	// replacement's presence.
	if left := r.Drop(1, "conn-1"); left != nil {
		t.Fatalf("expected stale drop to be ignored, got %v", left)
	}
	if members := r.Snapshot(10); len(members) != 1 {
		t.Fatalf("expected replacement still present, got %v", members)
	}
}

func TestSnapshotSortsByUserID(t *testing.T) {
	r := NewRegistry()
	r.Register(3, "carol", "", "conn-3")
	r.Register(1, "avery", "", "conn-1")
	r.Register(2, "blake", "", "conn-2")
	r.RecordJoin(3, 10)
	r.RecordJoin(1, 10)
	r.RecordJoin(2, 10)

	members := r.Snapshot(10)
	if len(members) != 3 {
		t.Fatalf("expected three members, got %d", len(members))
	}
	for i, want := range []int64{1, 2, 3} {
		if members[i].UserID != want {
			t.Fatalf("expected member %d at index %d, got %d", want, i, members[i].UserID)
		}
	}
}
