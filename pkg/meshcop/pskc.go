// Package meshcop implements the commissioning surfaces that sit on top of
// the security core: the commissioner and joiner state machines, PSKc
// generation from a commissioning credential, and the hybrid key exchange
// that establishes the key encryption key handed to newly joined devices.
package meshcop

import (
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/pbkdf2"

	"github.com/threadmesh/threadmesh/pkg/security"
)

const (
	// MinCredentialLength is the minimum commissioning credential length.
	MinCredentialLength = 6
	// MaxCredentialLength is the maximum commissioning credential length.
	MaxCredentialLength = 255
	// MaxNetworkNameLength is the maximum mesh network name length.
	MaxNetworkNameLength = 16
	// PSKcIterations is the PBKDF2 iteration count for PSKc generation.
	PSKcIterations = 16384

	pskcSaltPrefix = "Thread"
)

var (
	// ErrCredentialLength indicates the commissioning credential is outside
	// the accepted length range
	ErrCredentialLength = errors.New("commissioning credential must be 6 to 255 characters")
	// ErrNetworkNameLength indicates the network name exceeds 16 characters
	ErrNetworkNameLength = errors.New("network name must not exceed 16 characters")
)

// GeneratePSKc derives the 16-byte commissioner pre-shared key from a
// human-entered credential. The salt binds the key to the network identity:
// "Thread" || extended PAN ID || network name. Derivation is PBKDF2-SHA256
// with PSKcIterations rounds.
func GeneratePSKc(credential string, networkName string, extPanID [8]byte) ([security.KeySize]byte, error) {
	var pskc [security.KeySize]byte

	if len(credential) < MinCredentialLength || len(credential) > MaxCredentialLength {
		return pskc, ErrCredentialLength
	}
	if len(networkName) > MaxNetworkNameLength {
		return pskc, ErrNetworkNameLength
	}

	salt := make([]byte, 0, len(pskcSaltPrefix)+len(extPanID)+len(networkName))
	salt = append(salt, pskcSaltPrefix...)
	salt = append(salt, extPanID[:]...)
	salt = append(salt, networkName...)

	key := pbkdf2.Key([]byte(credential), salt, PSKcIterations, security.KeySize, sha256.New)
	copy(pskc[:], key)
	return pskc, nil
}
