package meshcop

import (
	"testing"

	"github.com/threadmesh/threadmesh/pkg/notify"
	"github.com/threadmesh/threadmesh/pkg/security"
)

// TestComputeJoinerID tests that the joiner ID is a stable truncated digest
// distinct from the raw EUI-64.
func TestComputeJoinerID(t *testing.T) {
	eui64 := [8]byte{0x18, 0xB4, 0x30, 0x00, 0x00, 0x00, 0x00, 0x01}

	id1 := ComputeJoinerID(eui64)
	id2 := ComputeJoinerID(eui64)
	if id1 != id2 {
		t.Error("Joiner ID must be deterministic")
	}
	if id1 == eui64 {
		t.Error("Joiner ID must not expose the raw EUI-64")
	}

	other := ComputeJoinerID([8]byte{0x18, 0xB4, 0x30, 0x00, 0x00, 0x00, 0x00, 0x02})
	if id1 == other {
		t.Error("Distinct addresses must derive distinct joiner IDs")
	}
}

// TestJoinerFullFlow runs the joiner through discovery, connection and
// entrustment against a commissioner with its own key manager, and checks
// that both key managers end up with the same KEK.
func TestJoinerFullFlow(t *testing.T) {
	commissionerKM := security.NewKeyManager(notify.NewNotifier(), nil, nil)
	joinerKM := security.NewKeyManager(notify.NewNotifier(), nil, nil)

	commissioner := NewCommissioner(commissionerKM, nil, nil)
	if err := commissioner.Start(nil); err != nil {
		t.Fatalf("Commissioner start failed: %v", err)
	}

	joiner := NewJoiner(joinerKM, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, nil)
	if err := joiner.Start("J01NME", "", VendorInfo{Name: "threadmesh", Model: "dev"}); err != nil {
		t.Fatalf("Joiner start failed: %v", err)
	}
	if joiner.State() != JoinerStateDiscover {
		t.Errorf("State = %v, want discover", joiner.State())
	}

	if err := joiner.MarkConnected(); err != nil {
		t.Fatalf("MarkConnected failed: %v", err)
	}

	ciphertext, err := commissioner.DeliverKek(joiner.SessionPublicKey())
	if err != nil {
		t.Fatalf("DeliverKek failed: %v", err)
	}

	if err := joiner.ProcessEntrust(ciphertext); err != nil {
		t.Fatalf("ProcessEntrust failed: %v", err)
	}
	if joiner.State() != JoinerStateJoined {
		t.Errorf("State = %v, want joined", joiner.State())
	}

	// Both sides must now hold the same KEK with a fresh counter.
	if commissionerKM.GetKek() != joinerKM.GetKek() {
		t.Error("Commissioner and joiner KEKs differ")
	}
	if joinerKM.GetKekFrameCounter() != 0 {
		t.Errorf("KEK frame counter = %d, want 0", joinerKM.GetKekFrameCounter())
	}
}

// TestJoinerStateValidation tests out-of-order transitions.
func TestJoinerStateValidation(t *testing.T) {
	km := security.NewKeyManager(notify.NewNotifier(), nil, nil)
	joiner := NewJoiner(km, [8]byte{1}, nil)

	if err := joiner.MarkConnected(); err != ErrInvalidState {
		t.Errorf("MarkConnected while idle: got %v, want ErrInvalidState", err)
	}
	if err := joiner.ProcessEntrust(nil); err != ErrInvalidState {
		t.Errorf("ProcessEntrust while idle: got %v, want ErrInvalidState", err)
	}

	if err := joiner.Start("J01NME", "", VendorInfo{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := joiner.Start("J01NME", "", VendorInfo{}); err != ErrInvalidState {
		t.Errorf("Second Start: got %v, want ErrInvalidState", err)
	}

	joiner.Stop()
	if joiner.State() != JoinerStateIdle {
		t.Errorf("State after Stop = %v, want idle", joiner.State())
	}
}
