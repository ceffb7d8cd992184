package meshcop

import "testing"

// TestKekExchangeRoundTrip tests that both sides of the hybrid exchange
// derive the same KEK.
func TestKekExchangeRoundTrip(t *testing.T) {
	joiner, err := GenerateKekKeyPair()
	if err != nil {
		t.Fatalf("GenerateKekKeyPair failed: %v", err)
	}

	commissionerKek, ciphertext, err := EstablishKek(joiner.PublicKeyBytes())
	if err != nil {
		t.Fatalf("EstablishKek failed: %v", err)
	}

	joinerKek, err := joiner.AcceptKek(ciphertext)
	if err != nil {
		t.Fatalf("AcceptKek failed: %v", err)
	}

	if commissionerKek != joinerKek {
		t.Errorf("KEK mismatch: commissioner %x, joiner %x", commissionerKek, joinerKek)
	}
}

// TestKekExchangeFreshness tests that two exchanges against the same public
// key derive different KEKs.
func TestKekExchangeFreshness(t *testing.T) {
	joiner, err := GenerateKekKeyPair()
	if err != nil {
		t.Fatalf("GenerateKekKeyPair failed: %v", err)
	}

	kek1, _, err := EstablishKek(joiner.PublicKeyBytes())
	if err != nil {
		t.Fatalf("EstablishKek failed: %v", err)
	}
	kek2, _, err := EstablishKek(joiner.PublicKeyBytes())
	if err != nil {
		t.Fatalf("EstablishKek failed: %v", err)
	}

	if kek1 == kek2 {
		t.Error("Independent exchanges must not derive the same KEK")
	}
}

// TestEstablishKekRejectsMalformedPublicKey tests the length validation.
func TestEstablishKekRejectsMalformedPublicKey(t *testing.T) {
	if _, _, err := EstablishKek([]byte{0x01, 0x02}); err == nil {
		t.Error("Expected error for truncated public key")
	}
}

// TestAcceptKekRejectsMalformedCiphertext tests the length validation.
func TestAcceptKekRejectsMalformedCiphertext(t *testing.T) {
	joiner, err := GenerateKekKeyPair()
	if err != nil {
		t.Fatalf("GenerateKekKeyPair failed: %v", err)
	}
	if _, err := joiner.AcceptKek([]byte{0x01}); err == nil {
		t.Error("Expected error for truncated ciphertext")
	}
}
