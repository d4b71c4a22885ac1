package wire

import (
	"context"
	"net"
	"testing"
	"time"

	"pairlink/crypto"
)

func newPipeConnection(t *testing.T, key []byte) (*PeerConnection, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	pc := newPeerConnection(local, key, ConnectionOptions{
		LocalPeerID: "peer-local",
		PeerID:      "peer-remote",
	})
	t.Cleanup(func() {
		pc.Close()
		remote.Close()
	})
	return pc, remote
}

func testSessionKey() []byte {
	key := make([]byte, crypto.SessionKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestOutboundFramesAreSealed(t *testing.T) {
	key := testSessionKey()
	pc, remote := newPipeConnection(t, key)

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- pc.SendMessage(ErrorMessage{
			Type:      TypeError,
			Code:      "test",
			Message:   "sealed payload",
			Timestamp: time.Now().UnixMilli(),
		})
	}()

	raw, err := ReadFrame(remote)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if _, err := DecodeMessageType(raw); err == nil {
		t.Fatal("frame on the wire decoded as plaintext")
	}

	plain, err := crypto.OpenFrame(key, raw)
	if err != nil {
		t.Fatalf("OpenFrame failed: %v", err)
	}
	msgType, err := DecodeMessageType(plain)
	if err != nil {
		t.Fatalf("DecodeMessageType on opened frame failed: %v", err)
	}
	if msgType != TypeError {
		t.Fatalf("unexpected message type %q", msgType)
	}
}

func TestInboundSealedFrameDelivered(t *testing.T) {
	key := testSessionKey()
	pc, remote := newPipeConnection(t, key)

	payload, err := EncodeMessage(ErrorMessage{
		Type:      TypeError,
		Code:      "test",
		Message:   "inbound payload",
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	sealed, err := crypto.SealFrame(key, payload)
	if err != nil {
		t.Fatalf("SealFrame failed: %v", err)
	}
	go func() {
		_ = WriteFrame(remote, sealed)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := pc.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatal("delivered payload does not match the sealed original")
	}
}

func TestInboundPlaintextFrameClosesConnection(t *testing.T) {
	pc, remote := newPipeConnection(t, testSessionKey())

	payload, err := EncodeMessage(PingMessage{
		Type:       TypePing,
		FromPeerID: "peer-remote",
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	go func() {
		_ = WriteFrame(remote, payload)
	}()

	select {
	case <-pc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the connection to close")
	}
	if pc.LastError() == nil {
		t.Fatal("expected a terminal error for an unauthenticated frame")
	}
}
