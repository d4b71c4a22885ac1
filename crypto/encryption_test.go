package crypto

import (
	"bytes"
	"testing"
)

func sealTestKey() []byte {
	key := make([]byte, SessionKeySize)
	for i := range key {
		key[i] = byte(0xA0 ^ i)
	}
	return key
}

func TestSealAndOpenFrame(t *testing.T) {
	key := sealTestKey()
	plaintext := []byte("framed session payload")

	sealed, err := SealFrame(key, plaintext)
	if err != nil {
		t.Fatalf("SealFrame failed: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed frame leaks the plaintext")
	}

	opened, err := OpenFrame(key, sealed)
	if err != nil {
		t.Fatalf("OpenFrame failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("opened frame mismatch: got %q want %q", opened, plaintext)
	}
}

func TestSealFrameUsesFreshNonces(t *testing.T) {
	key := sealTestKey()

	first, err := SealFrame(key, []byte("same payload"))
	if err != nil {
		t.Fatalf("SealFrame failed: %v", err)
	}
	second, err := SealFrame(key, []byte("same payload"))
	if err != nil {
		t.Fatalf("SealFrame failed: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Fatal("two seals of the same payload produced identical bytes")
	}
}

func TestOpenFrameRejectsTampering(t *testing.T) {
	key := sealTestKey()

	sealed, err := SealFrame(key, []byte("protected"))
	if err != nil {
		t.Fatalf("SealFrame failed: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01
	if _, err := OpenFrame(key, sealed); err == nil {
		t.Fatal("expected tampered frame to fail authentication")
	}
}

func TestOpenFrameRejectsWrongKey(t *testing.T) {
	sealed, err := SealFrame(sealTestKey(), []byte("protected"))
	if err != nil {
		t.Fatalf("SealFrame failed: %v", err)
	}

	otherKey := make([]byte, SessionKeySize)
	if _, err := OpenFrame(otherKey, sealed); err == nil {
		t.Fatal("expected a different key to fail authentication")
	}
}

func TestSealFrameRejectsShortKey(t *testing.T) {
	if _, err := SealFrame(make([]byte, 16), []byte("payload")); err == nil {
		t.Fatal("expected a short key to be rejected")
	}
}
