package pairing

import (
	"context"
	"errors"
	"testing"
	"time"

	"pairlink/dht"
)

func publishTestRecord(t *testing.T, store dht.Store, code string, record ShareRecord) {
	t.Helper()

	raw, err := EncodeShareRecord(record)
	if err != nil {
		t.Fatalf("EncodeShareRecord failed: %v", err)
	}
	if err := store.Put(context.Background(), dht.Key(LookupKeyForCode(code)), raw); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
}

func TestResolveReturnsRecord(t *testing.T) {
	store := dht.NewMemoryStore()
	now := time.Now()
	publishTestRecord(t, store, "654321", ShareRecord{
		PeerID:    "peer-remote",
		Hostname:  "laptop",
		OS:        "darwin",
		Platform:  "desktop",
		Arch:      "arm64",
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(time.Minute).UnixMilli(),
	})

	resolver, err := NewResolver(ResolverOptions{
		Store: store,
		nowFn: func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	record, err := resolver.Resolve(context.Background(), "654321")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if record.PeerID != "peer-remote" || record.Hostname != "laptop" {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestResolveUnknownCode(t *testing.T) {
	resolver, err := NewResolver(ResolverOptions{Store: dht.NewMemoryStore()})
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	if _, err := resolver.Resolve(context.Background(), "000001"); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound, got %v", err)
	}
}

func TestResolveExpiredRecord(t *testing.T) {
	store := dht.NewMemoryStore()
	now := time.Now()
	publishTestRecord(t, store, "777777", ShareRecord{
		PeerID:    "peer-remote",
		CreatedAt: now.Add(-10 * time.Minute).UnixMilli(),
		ExpiresAt: now.Add(-5 * time.Minute).UnixMilli(),
	})

	resolver, err := NewResolver(ResolverOptions{
		Store: store,
		nowFn: func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	if _, err := resolver.Resolve(context.Background(), "777777"); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
}

func TestResolveRejectsMalformedCode(t *testing.T) {
	resolver, err := NewResolver(ResolverOptions{Store: dht.NewMemoryStore()})
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	for _, code := range []string{"", "12345", "1234567", "12a456"} {
		if _, err := resolver.Resolve(context.Background(), code); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("code %q: expected ErrInvalidCode, got %v", code, err)
		}
	}
}

// stalledStore never answers a Get until the query context expires,
// standing in for a network where no peer holds the record nearby.
type stalledStore struct{}

func (stalledStore) Put(ctx context.Context, key dht.Key, value []byte) error { return nil }

func (stalledStore) Get(ctx context.Context, key dht.Key) ([]byte, bool, error) {
	<-ctx.Done()
	return nil, false, ctx.Err()
}

func TestResolveQueryTimeoutIsNotAMiss(t *testing.T) {
	resolver, err := NewResolver(ResolverOptions{
		Store:        stalledStore{},
		QueryTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	_, err = resolver.Resolve(context.Background(), "123456")
	if errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("timed-out lookup reported as a missing code")
	}
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
}

func TestResolveFailsWhenNodeStopped(t *testing.T) {
	resolver, err := NewResolver(ResolverOptions{
		Store:   dht.NewMemoryStore(),
		Running: func() bool { return false },
	})
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	if _, err := resolver.Resolve(context.Background(), "123456"); !errors.Is(err, ErrNodeNotStarted) {
		t.Fatalf("expected ErrNodeNotStarted, got %v", err)
	}
}
