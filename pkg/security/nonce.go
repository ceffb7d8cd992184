package security

import "encoding/binary"

// NonceSize is the size of the IEEE 802.15.4 AEAD nonce (bytes).
const NonceSize = 13

// GenerateNonce builds the 13-byte IEEE 802.15.4 nonce:
// extended address (8 bytes, as given) || frame counter (4 bytes,
// big-endian) || security level (1 byte). Pure function; it reads no manager
// state.
func GenerateNonce(extAddress [ExtAddressSize]byte, frameCounter uint32, securityLevel uint8) [NonceSize]byte {
	var nonce [NonceSize]byte

	copy(nonce[:ExtAddressSize], extAddress[:])
	binary.BigEndian.PutUint32(nonce[ExtAddressSize:ExtAddressSize+4], frameCounter)
	nonce[NonceSize-1] = securityLevel

	return nonce
}
