package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

var errEmptyPayload = errors.New("payload is empty")

// Sign produces an Ed25519 signature over data with the device identity key.
// Empty payloads are rejected: every signed message in the protocol carries
// content, so an empty one is a caller bug.
func Sign(privateKey ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("sign: private key is %d bytes, want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errEmptyPayload
	}
	return ed25519.Sign(privateKey, data), nil
}

// Verify reports whether signature is a valid Ed25519 signature of data.
// Malformed inputs verify as false rather than erroring, so callers can treat
// the result as the single trust decision.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize || len(data) == 0 {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}
