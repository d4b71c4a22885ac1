package wire

import (
	"crypto/ecdh"
	"errors"
	"fmt"
	"time"

	"pairlink/crypto"
)

// HelloOptions configures the authenticated hello exchange and the resulting
// connection behavior.
type HelloOptions struct {
	Identity LocalIdentity

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   *bool
}

func (o HelloOptions) withDefaults() HelloOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return out
}

func (o HelloOptions) validateIdentity() error {
	if o.Identity.PeerID == "" {
		return errors.New("local peer ID is required")
	}
	if len(o.Identity.Ed25519PrivateKey) == 0 {
		return errors.New("local Ed25519 private key is required")
	}
	if len(o.Identity.Ed25519PublicKey) == 0 {
		return errors.New("local Ed25519 public key is required")
	}
	return nil
}

func (o HelloOptions) autoRespondPingEnabled() bool {
	if o.AutoRespondPing == nil {
		return true
	}
	return *o.AutoRespondPing
}

// deriveSessionKey computes the shared connection key from the local ephemeral
// private key, the peer's ephemeral public key, and the challenge nonce of
// this exchange. Both sides arrive at the same key.
func deriveSessionKey(localEphemeralPrivateKey *ecdh.PrivateKey, peerX25519PublicKey []byte, localPeerID, peerID string, challengeNonce []byte) ([]byte, error) {
	peerPublicKey, err := crypto.ParseX25519PublicKey(peerX25519PublicKey)
	if err != nil {
		return nil, err
	}

	sharedSecret, err := crypto.ComputeX25519SharedSecret(localEphemeralPrivateKey, peerPublicKey)
	if err != nil {
		return nil, err
	}

	if len(challengeNonce) != ChallengeNonceSize {
		return nil, fmt.Errorf("invalid challenge nonce length: got %d want %d", len(challengeNonce), ChallengeNonceSize)
	}

	return crypto.DeriveSessionKey(sharedSecret, localPeerID, peerID, challengeNonce)
}
