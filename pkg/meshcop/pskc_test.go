package meshcop

import (
	"encoding/hex"
	"testing"
)

// TestGeneratePSKcGoldenVector verifies PSKc derivation against an
// independently computed PBKDF2-SHA256 vector.
func TestGeneratePSKcGoldenVector(t *testing.T) {
	extPanID := [8]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}

	pskc, err := GeneratePSKc("J01NME", "ThreadMesh", extPanID)
	if err != nil {
		t.Fatalf("GeneratePSKc failed: %v", err)
	}

	want, _ := hex.DecodeString("a12cfe1abed23d21ea2a2e433ec0fe9b")
	if got := pskc[:]; !equalBytes(got, want) {
		t.Errorf("PSKc = %x, want %x", got, want)
	}
}

// TestGeneratePSKcDeterministic tests that identical inputs derive identical
// keys and any differing input changes the key.
func TestGeneratePSKcDeterministic(t *testing.T) {
	extPanID := [8]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11}

	a, err := GeneratePSKc("SECRET1", "mesh-a", extPanID)
	if err != nil {
		t.Fatalf("GeneratePSKc failed: %v", err)
	}
	b, err := GeneratePSKc("SECRET1", "mesh-a", extPanID)
	if err != nil {
		t.Fatalf("GeneratePSKc failed: %v", err)
	}
	if a != b {
		t.Error("Identical inputs should derive identical PSKc")
	}

	c, err := GeneratePSKc("SECRET1", "mesh-b", extPanID)
	if err != nil {
		t.Fatalf("GeneratePSKc failed: %v", err)
	}
	if a == c {
		t.Error("A different network name must change the PSKc")
	}
}

// TestGeneratePSKcValidation tests the input bounds.
func TestGeneratePSKcValidation(t *testing.T) {
	var extPanID [8]byte

	if _, err := GeneratePSKc("short", "mesh", extPanID); err != ErrCredentialLength {
		t.Errorf("Short credential: got %v, want ErrCredentialLength", err)
	}
	if _, err := GeneratePSKc("LONGENOUGH", "a-network-name-too-long", extPanID); err != ErrNetworkNameLength {
		t.Errorf("Long network name: got %v, want ErrNetworkNameLength", err)
	}
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
