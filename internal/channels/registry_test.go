package channels

import "testing"

func TestJoinIsIdempotent(t *testing.T) {
	r := NewRegistry()

	if !r.Join("conv-1") {
		t.Error("Expected first join to report new membership")
	}
	if r.Join("conv-1") {
		t.Error("Expected second join of the same channel to be a no-op")
	}
	if len(r.Snapshot()) != 1 {
		t.Errorf("Expected 1 joined channel, got %d", len(r.Snapshot()))
	}
}

func TestLeaveRemovesMembership(t *testing.T) {
	r := NewRegistry()
	r.Join("conv-1")
	r.Leave("conv-1")

	if r.Joined("conv-1") {
		t.Error("Expected channel to be left")
	}

	// Leaving again must not panic.
	r.Leave("conv-1")
}

func TestSnapshotListsAllJoined(t *testing.T) {
	r := NewRegistry()
	r.Join("conv-1")
	r.Join("conv-2")
	r.Join("conv-2")

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Expected 2 channels, got %d", len(snap))
	}

	seen := map[string]bool{}
	for _, id := range snap {
		seen[id] = true
	}
	if !seen["conv-1"] || !seen["conv-2"] {
		t.Errorf("Snapshot missing channels: %v", snap)
	}
}

func TestJoinedOnUnknownChannel(t *testing.T) {
	r := NewRegistry()
	if r.Joined("never-joined") {
		t.Error("Expected unknown channel to not be joined")
	}
}
