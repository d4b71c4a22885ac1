package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var x25519Curve = ecdh.X25519()

// GenerateEphemeralX25519KeyPair creates a one-shot X25519 keypair for a single
// connection handshake.
func GenerateEphemeralX25519KeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral X25519 keypair: %w", err)
	}
	return privateKey, privateKey.PublicKey(), nil
}

// ParseX25519PublicKey validates and parses raw X25519 public key bytes.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// ComputeX25519SharedSecret performs the X25519 exchange.
func ComputeX25519SharedSecret(privateKey *ecdh.PrivateKey, peerPublicKey *ecdh.PublicKey) ([]byte, error) {
	secret, err := privateKey.ECDH(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return secret, nil
}

// DeriveSessionKey expands a shared secret into a 32-byte session key bound to
// both peer identities and the handshake nonce. Peer IDs are sorted so both
// sides derive the same key regardless of dial direction.
func DeriveSessionKey(sharedSecret []byte, localPeerID, remotePeerID string, nonce []byte) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, fmt.Errorf("derive session key: shared secret is required")
	}

	first, second := localPeerID, remotePeerID
	if second < first {
		first, second = second, first
	}
	info := []byte("pairlink-session|" + first + "|" + second)

	reader := hkdf.New(sha256.New, sharedSecret, nonce, info)
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}
