package meshcop

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber1024"
	"golang.org/x/crypto/hkdf"

	"github.com/threadmesh/threadmesh/pkg/security"
)

// kekKDFInfo is the HKDF info string binding the derived KEK to its purpose.
const kekKDFInfo = "threadmesh-v1-joiner-kek"

var (
	// ErrKekNilKeyPair indicates a nil keypair was provided
	ErrKekNilKeyPair = errors.New("keypair cannot be nil")
	// ErrKekInvalidPublicKey indicates a malformed peer public key
	ErrKekInvalidPublicKey = errors.New("invalid joiner public key")
	// ErrKekInvalidCiphertext indicates the key-exchange ciphertext has the
	// wrong length
	ErrKekInvalidCiphertext = errors.New("invalid key-exchange ciphertext")
)

// KekKeyPair is the joiner-side keypair for KEK establishment: a
// Kyber-1024 KEM keypair for post-quantum confidentiality plus an X25519
// keypair for classical ECDH.
type KekKeyPair struct {
	kemPublic  kem.PublicKey
	kemPrivate kem.PrivateKey
	ecdhKey    *ecdh.PrivateKey
}

// GenerateKekKeyPair creates a fresh hybrid keypair for one joining session.
func GenerateKekKeyPair() (*KekKeyPair, error) {
	scheme := kyber1024.Scheme()

	kemPub, kemPriv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate KEM keypair: %w", err)
	}

	ecdhKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDH keypair: %w", err)
	}

	return &KekKeyPair{
		kemPublic:  kemPub,
		kemPrivate: kemPriv,
		ecdhKey:    ecdhKey,
	}, nil
}

// PublicKeyBytes serializes the public half: KEM public key || X25519 public
// key. This is what the joiner advertises to the commissioner.
func (kp *KekKeyPair) PublicKeyBytes() []byte {
	kemPub, _ := kp.kemPublic.MarshalBinary()
	ecdhPub := kp.ecdhKey.PublicKey().Bytes()

	out := make([]byte, len(kemPub)+len(ecdhPub))
	copy(out, kemPub)
	copy(out[len(kemPub):], ecdhPub)
	return out
}

// EstablishKek is the commissioner side of the exchange. Given the joiner's
// serialized public key it produces the shared 16-byte KEK and the
// ciphertext to deliver to the joiner.
func EstablishKek(joinerPublic []byte) (kek [security.KeySize]byte, ciphertext []byte, err error) {
	scheme := kyber1024.Scheme()
	kemPubSize := scheme.PublicKeySize()

	if len(joinerPublic) != kemPubSize+32 {
		return kek, nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrKekInvalidPublicKey, kemPubSize+32, len(joinerPublic))
	}

	kemPub, err := scheme.UnmarshalBinaryPublicKey(joinerPublic[:kemPubSize])
	if err != nil {
		return kek, nil, fmt.Errorf("%w: %v", ErrKekInvalidPublicKey, err)
	}
	ecdhPub, err := ecdh.X25519().NewPublicKey(joinerPublic[kemPubSize:])
	if err != nil {
		return kek, nil, fmt.Errorf("%w: %v", ErrKekInvalidPublicKey, err)
	}

	kemCiphertext, kemSecret, err := scheme.Encapsulate(kemPub)
	if err != nil {
		return kek, nil, fmt.Errorf("KEM encapsulation failed: %w", err)
	}

	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return kek, nil, fmt.Errorf("failed to generate ephemeral ECDH key: %w", err)
	}
	ecdhSecret, err := ephemeral.ECDH(ecdhPub)
	if err != nil {
		return kek, nil, fmt.Errorf("ECDH failed: %w", err)
	}

	kek, err = deriveKek(kemSecret, ecdhSecret)
	if err != nil {
		return kek, nil, err
	}

	ephemeralPub := ephemeral.PublicKey().Bytes()
	ciphertext = make([]byte, len(kemCiphertext)+len(ephemeralPub))
	copy(ciphertext, kemCiphertext)
	copy(ciphertext[len(kemCiphertext):], ephemeralPub)

	return kek, ciphertext, nil
}

// AcceptKek is the joiner side of the exchange: it recovers the KEK from the
// commissioner's ciphertext.
func (kp *KekKeyPair) AcceptKek(ciphertext []byte) ([security.KeySize]byte, error) {
	var kek [security.KeySize]byte
	if kp == nil {
		return kek, ErrKekNilKeyPair
	}

	scheme := kyber1024.Scheme()
	kemCiphertextSize := scheme.CiphertextSize()

	if len(ciphertext) != kemCiphertextSize+32 {
		return kek, fmt.Errorf("%w: expected %d bytes, got %d", ErrKekInvalidCiphertext, kemCiphertextSize+32, len(ciphertext))
	}

	kemSecret, err := scheme.Decapsulate(kp.kemPrivate, ciphertext[:kemCiphertextSize])
	if err != nil {
		return kek, fmt.Errorf("KEM decapsulation failed: %w", err)
	}

	ephemeralPub, err := ecdh.X25519().NewPublicKey(ciphertext[kemCiphertextSize:])
	if err != nil {
		return kek, fmt.Errorf("%w: %v", ErrKekInvalidCiphertext, err)
	}
	ecdhSecret, err := kp.ecdhKey.ECDH(ephemeralPub)
	if err != nil {
		return kek, fmt.Errorf("ECDH failed: %w", err)
	}

	return deriveKek(kemSecret, ecdhSecret)
}

// deriveKek combines the KEM and ECDH secrets into the 16-byte KEK with
// HKDF-SHA256.
func deriveKek(kemSecret, ecdhSecret []byte) ([security.KeySize]byte, error) {
	var kek [security.KeySize]byte

	ikm := make([]byte, 0, len(kemSecret)+len(ecdhSecret))
	ikm = append(ikm, kemSecret...)
	ikm = append(ikm, ecdhSecret...)

	reader := hkdf.New(sha256.New, ikm, nil, []byte(kekKDFInfo))
	if _, err := io.ReadFull(reader, kek[:]); err != nil {
		return kek, fmt.Errorf("KEK derivation failed: %w", err)
	}
	return kek, nil
}
