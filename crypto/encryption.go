package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// SessionKeySize is the AES-256 key length produced by DeriveSessionKey.
const SessionKeySize = 32

var errShortSealedFrame = errors.New("sealed frame shorter than nonce")

// SealFrame encrypts one frame payload under the session key with AES-256-GCM
// and returns nonce||ciphertext. Each call draws a fresh random nonce, so the
// same plaintext never seals to the same bytes twice.
func SealFrame(sessionKey, plaintext []byte) ([]byte, error) {
	aead, err := newSessionAEAD(sessionKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenFrame authenticates and decrypts a frame produced by SealFrame. Any
// modification of the sealed bytes fails authentication.
func OpenFrame(sessionKey, sealed []byte) ([]byte, error) {
	aead, err := newSessionAEAD(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errShortSealedFrame
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed frame: %w", err)
	}
	return plaintext, nil
}

func newSessionAEAD(sessionKey []byte) (cipher.AEAD, error) {
	if len(sessionKey) != SessionKeySize {
		return nil, fmt.Errorf("session key is %d bytes, want %d", len(sessionKey), SessionKeySize)
	}
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("init AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
