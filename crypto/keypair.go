package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// PEM labels for the on-disk device identity. Keys written by other tools
// under generic labels are rejected rather than silently adopted.
const (
	identityPrivatePEMType = "PAIRLINK IDENTITY KEY"
	identityPublicPEMType  = "PAIRLINK IDENTITY PUBLIC KEY"
)

// fingerprintBytes is how much of the SHA-256 digest the fingerprint keeps.
const fingerprintBytes = 16

// EnsureEd25519KeyPair loads the device identity from disk, generating a fresh
// Ed25519 pair on first run. The public PEM is rewritten whenever it is
// missing or disagrees with the private key, so the private file alone is
// authoritative.
func EnsureEd25519KeyPair(privatePath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	raw, err := readIdentityPEM(privatePath, identityPrivatePEMType, ed25519.PrivateKeySize)
	switch {
	case err == nil:
		privateKey := ed25519.PrivateKey(raw)
		publicKey := privateKey.Public().(ed25519.PublicKey)
		if stored, pubErr := readIdentityPEM(publicPath, identityPublicPEMType, ed25519.PublicKeySize); pubErr != nil || !bytes.Equal(stored, publicKey) {
			if err := writeIdentityPEM(publicPath, identityPublicPEMType, publicKey, 0o644); err != nil {
				return nil, nil, err
			}
		}
		return privateKey, publicKey, nil
	case errors.Is(err, fs.ErrNotExist):
		// First run, fall through to generation.
	default:
		return nil, nil, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate identity keypair: %w", err)
	}
	if err := writeIdentityPEM(privatePath, identityPrivatePEMType, privateKey, 0o600); err != nil {
		return nil, nil, err
	}
	if err := writeIdentityPEM(publicPath, identityPublicPEMType, publicKey, 0o644); err != nil {
		return nil, nil, err
	}
	return privateKey, publicKey, nil
}

// readIdentityPEM reads one PEM file and returns its payload after checking
// the block label and the key size.
func readIdentityPEM(path, pemType string, wantSize int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", strings.ToLower(pemType), err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block in %s", strings.ToLower(pemType), path)
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("%s: unexpected PEM label %q in %s", strings.ToLower(pemType), block.Type, path)
	}
	if len(block.Bytes) != wantSize {
		return nil, fmt.Errorf("%s: key is %d bytes, want %d", strings.ToLower(pemType), len(block.Bytes), wantSize)
	}
	return block.Bytes, nil
}

func writeIdentityPEM(path, pemType string, key []byte, perm os.FileMode) error {
	encoded := pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: key})
	if err := os.WriteFile(path, encoded, perm); err != nil {
		return fmt.Errorf("write %s: %w", strings.ToLower(pemType), err)
	}
	return nil
}

// KeyFingerprint returns the short hex fingerprint of a public key, the first
// half of its SHA-256 digest.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:fingerprintBytes])
}

// FormatFingerprint uppercases a fingerprint and groups it four characters at
// a time for side-by-side comparison between two screens.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))

	groups := make([]string, 0, (len(clean)+3)/4)
	for len(clean) > 4 {
		groups = append(groups, clean[:4])
		clean = clean[4:]
	}
	if clean != "" {
		groups = append(groups, clean)
	}
	return strings.Join(groups, " ")
}
