package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func testKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return publicKey, privateKey
}

func TestSignAndVerify(t *testing.T) {
	publicKey, privateKey := testKeyPair(t)

	payload := []byte("hello challenge nonce")
	signature, err := Sign(privateKey, payload)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !Verify(publicKey, payload, signature) {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	publicKey, privateKey := testKeyPair(t)

	signature, err := Sign(privateKey, []byte("original"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if Verify(publicKey, []byte("original!"), signature) {
		t.Fatal("tampered payload must not verify")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, privateKey := testKeyPair(t)
	otherPublic, _ := testKeyPair(t)

	signature, err := Sign(privateKey, []byte("payload"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if Verify(otherPublic, []byte("payload"), signature) {
		t.Fatal("signature must not verify under a different key")
	}
}

func TestSignRejectsEmptyPayload(t *testing.T) {
	_, privateKey := testKeyPair(t)
	if _, err := Sign(privateKey, nil); err == nil {
		t.Fatal("expected an error for an empty payload")
	}
}
