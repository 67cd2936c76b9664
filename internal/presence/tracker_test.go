package presence

import "testing"

func TestUnknownBeforeFirstEvent(t *testing.T) {
	tr := NewTracker()

	_, known := tr.IsOnline("peer-1")
	if known {
		t.Error("Expected peer to be unknown before any event")
	}
}

func TestOnlineOfflineEvents(t *testing.T) {
	tr := NewTracker()

	tr.SetOnline("peer-1")
	online, known := tr.IsOnline("peer-1")
	if !known || !online {
		t.Errorf("Expected online=true known=true, got online=%v known=%v", online, known)
	}

	tr.SetOffline("peer-1")
	online, known = tr.IsOnline("peer-1")
	if !known || online {
		t.Errorf("Expected online=false known=true, got online=%v known=%v", online, known)
	}
}

func TestResetDropsToUnknown(t *testing.T) {
	tr := NewTracker()
	tr.SetOnline("peer-1")
	tr.SetOffline("peer-2")

	tr.Reset()

	if _, known := tr.IsOnline("peer-1"); known {
		t.Error("Expected peer-1 unknown after reset")
	}
	if _, known := tr.IsOnline("peer-2"); known {
		t.Error("Expected peer-2 unknown after reset")
	}
}
