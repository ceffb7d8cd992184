package notify

import "testing"

// TestSignalDispatchesToSubscribers tests fan-out to multiple callbacks.
func TestSignalDispatchesToSubscribers(t *testing.T) {
	n := NewNotifier()

	var got1, got2 Flags
	n.Subscribe(func(f Flags) { got1 |= f })
	n.Subscribe(func(f Flags) { got2 |= f })

	n.Signal(ChangedMasterKey | ChangedKeySequence)

	want := ChangedMasterKey | ChangedKeySequence
	if got1 != want || got2 != want {
		t.Errorf("Subscribers saw %#x/%#x, want %#x", got1, got2, want)
	}
}

// TestHasSignaled tests the per-flag signalled memory.
func TestHasSignaled(t *testing.T) {
	n := NewNotifier()

	if n.HasSignaled(ChangedPSKc) {
		t.Error("Nothing signalled yet")
	}

	n.Signal(ChangedPSKc)
	if !n.HasSignaled(ChangedPSKc) {
		t.Error("PSKc flag should be recorded as signalled")
	}
	if n.HasSignaled(ChangedPSKc | ChangedMasterKey) {
		t.Error("HasSignaled over a set requires every bit")
	}
}

// TestSignalIfFirst tests the signal-once semantics behind idempotent
// setters.
func TestSignalIfFirst(t *testing.T) {
	n := NewNotifier()

	calls := 0
	n.Subscribe(func(Flags) { calls++ })

	n.SignalIfFirst(ChangedSecurityPolicy)
	n.SignalIfFirst(ChangedSecurityPolicy)

	if calls != 1 {
		t.Errorf("Expected exactly 1 dispatch, got %d", calls)
	}
}

// TestFlagNames tests the human-readable flag expansion used by the event
// API.
func TestFlagNames(t *testing.T) {
	names := (ChangedMasterKey | ChangedKeySequence).Names()
	if len(names) != 2 || names[0] != "master-key" || names[1] != "key-sequence" {
		t.Errorf("Names = %v", names)
	}
}
