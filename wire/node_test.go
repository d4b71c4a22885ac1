package wire

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"pairlink/dht"
	"pairlink/pairing"
)

func newTestNode(t *testing.T, peerID string) *Node {
	t.Helper()

	node, err := NewNode(NodeOptions{
		Identity:      testIdentity(t, peerID),
		ListenAddress: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	if err := node.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(node.Stop)
	return node
}

func TestPairingRequestRoundTrip(t *testing.T) {
	nodeA := newTestNode(t, "peer-a")
	nodeB := newTestNode(t, "peer-b")

	nodeB.SetInboundHandler(func(request pairing.InboundRequest) {
		if request.FromPeerID != "peer-a" {
			t.Errorf("unexpected requester %q", request.FromPeerID)
		}
		if request.Device.Hostname != "peer-a-host" {
			t.Errorf("unexpected requester hostname %q", request.Device.Hostname)
		}
		if err := request.Respond(true, ""); err != nil {
			t.Errorf("Respond failed: %v", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := nodeA.SendPairingRequest(ctx, "peer-b", pairing.CodeMethod("123456"), []string{nodeB.Addr().String()})
	if err != nil {
		t.Fatalf("SendPairingRequest failed: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected accepted result, got %+v", result)
	}
	if result.Device.Hostname != "peer-b-host" {
		t.Fatalf("expected responder metadata, got %+v", result.Device)
	}
}

func TestPairingRequestRefusedWithReason(t *testing.T) {
	nodeA := newTestNode(t, "peer-a")
	nodeB := newTestNode(t, "peer-b")

	nodeB.SetInboundHandler(func(request pairing.InboundRequest) {
		_ = request.Respond(false, "user declined")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := nodeA.SendPairingRequest(ctx, "peer-b", pairing.DirectMethod(), []string{nodeB.Addr().String()})
	if err != nil {
		t.Fatalf("SendPairingRequest failed: %v", err)
	}
	if result.Accepted {
		t.Fatal("expected a refusal")
	}
	if result.Reason != "user declined" {
		t.Fatalf("expected refusal reason, got %q", result.Reason)
	}
}

func TestPairingRequestWithoutHandlerIsRefused(t *testing.T) {
	nodeA := newTestNode(t, "peer-a")
	nodeB := newTestNode(t, "peer-b")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := nodeA.SendPairingRequest(ctx, "peer-b", pairing.DirectMethod(), []string{nodeB.Addr().String()})
	if err != nil {
		t.Fatalf("SendPairingRequest failed: %v", err)
	}
	if result.Accepted {
		t.Fatal("expected a refusal when no handler is registered")
	}
}

func TestSendPairingRequestUnreachablePeer(t *testing.T) {
	nodeA := newTestNode(t, "peer-a")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := nodeA.SendPairingRequest(ctx, "peer-missing", pairing.DirectMethod(), nil); !errors.Is(err, pairing.ErrPeerUnreachable) {
		t.Fatalf("expected ErrPeerUnreachable, got %v", err)
	}
}

func TestRecordQueryAcrossNodes(t *testing.T) {
	nodeA := newTestNode(t, "peer-a")
	nodeB := newTestNode(t, "peer-b")

	if _, err := nodeA.Connect(nodeB.Addr().String()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	key := dht.Key(sha256.Sum256([]byte("record-key")))
	value := []byte("record-value")
	if err := nodeB.records.Put(context.Background(), key, value); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, found, err := nodeA.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found || string(got) != string(value) {
		t.Fatalf("expected remote record hit, found=%v value=%q", found, got)
	}
}

func TestRecordReplicationOnPut(t *testing.T) {
	nodeA := newTestNode(t, "peer-a")
	nodeB := newTestNode(t, "peer-b")

	if _, err := nodeA.Connect(nodeB.Addr().String()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	key := dht.Key(sha256.Sum256([]byte("replicated-key")))
	value := []byte("replicated-value")
	if err := nodeA.Put(context.Background(), key, value); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Replication is applied asynchronously on the receiving side.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, found, err := nodeB.records.Get(context.Background(), key)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if found {
			if string(got) != string(value) {
				t.Fatalf("replicated value mismatch: got %q want %q", got, value)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for replicated record")
}

func TestUnpairNotification(t *testing.T) {
	unpaired := make(chan string, 1)
	nodeB, err := NewNode(NodeOptions{
		Identity:      testIdentity(t, "peer-b"),
		ListenAddress: "127.0.0.1:0",
		OnUnpaired: func(peerID string) {
			select {
			case unpaired <- peerID:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	if err := nodeB.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(nodeB.Stop)

	nodeA := newTestNode(t, "peer-a")
	if _, err := nodeA.Connect(nodeB.Addr().String()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := nodeA.SendUnpair("peer-b"); err != nil {
		t.Fatalf("SendUnpair failed: %v", err)
	}

	select {
	case peerID := <-unpaired:
		if peerID != "peer-a" {
			t.Fatalf("expected unpair notice from peer-a, got %q", peerID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for unpair notification")
	}
}
