package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pairlink/dht"
)

// RegistryOptions configures a share-record registry.
type RegistryOptions struct {
	PeerID   string
	Metadata DeviceMetadata
	Store    dht.Store

	// Running reports whether the local network node is started. When it
	// returns false, Generate fails fast without touching the store.
	Running func() bool
	// ReachableAddrs supplies the addresses published inside each record.
	ReachableAddrs func() []string

	nowFn  func() time.Time
	codeFn func() (string, error)
}

// GeneratedCode pairs a display code with its published record.
type GeneratedCode struct {
	Code   string
	Record ShareRecord
	TTL    time.Duration
}

// Registry owns the locally generated pairing code and its published record.
// Regeneration supersedes the previous code for display purposes only; the
// old record is left to expire on its own (distributed deletes are not
// assumed reliable).
type Registry struct {
	options RegistryOptions

	mu      sync.Mutex
	current *GeneratedCode
}

// NewRegistry validates options and creates a registry.
func NewRegistry(options RegistryOptions) (*Registry, error) {
	if options.PeerID == "" {
		return nil, errors.New("peer ID is required")
	}
	if options.Store == nil {
		return nil, errors.New("record store is required")
	}
	if options.nowFn == nil {
		options.nowFn = time.Now
	}
	if options.codeFn == nil {
		options.codeFn = GenerateCode
	}
	return &Registry{options: options}, nil
}

// Generate picks a fresh code, publishes its record, and makes it current.
// Code collisions are not specially guarded against beyond last-publish-wins:
// codes are short-lived and relayed one at a time.
func (r *Registry) Generate(ctx context.Context, ttl time.Duration) (*GeneratedCode, error) {
	ttl, err := normalizeTTL(ttl)
	if err != nil {
		return nil, err
	}
	if r.options.Running != nil && !r.options.Running() {
		return nil, ErrNodeNotStarted
	}

	code, err := r.options.codeFn()
	if err != nil {
		return nil, err
	}

	generated, err := r.publish(ctx, code, ttl)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.current = generated
	r.mu.Unlock()

	snapshot := *generated
	return &snapshot, nil
}

// Refresh republishes the current record with a fresh validity window without
// changing the code. With no current code it behaves like Generate with the
// default TTL.
func (r *Registry) Refresh(ctx context.Context) (*GeneratedCode, error) {
	r.mu.Lock()
	current := r.current
	r.mu.Unlock()

	if current == nil {
		return r.Generate(ctx, 0)
	}
	if r.options.Running != nil && !r.options.Running() {
		return nil, ErrNodeNotStarted
	}

	generated, err := r.publish(ctx, current.Code, current.TTL)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.current = generated
	r.mu.Unlock()

	snapshot := *generated
	return &snapshot, nil
}

// Current returns a copy of the most recently generated code, if any.
func (r *Registry) Current() *GeneratedCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	snapshot := *r.current
	return &snapshot
}

func (r *Registry) publish(ctx context.Context, code string, ttl time.Duration) (*GeneratedCode, error) {
	now := r.options.nowFn()

	record := ShareRecord{
		PeerID:    r.options.PeerID,
		Hostname:  r.options.Metadata.Hostname,
		OS:        r.options.Metadata.OS,
		Platform:  r.options.Metadata.Platform,
		Arch:      r.options.Metadata.Arch,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	}
	if r.options.ReachableAddrs != nil {
		record.ReachableAddrs = r.options.ReachableAddrs()
	}

	raw, err := EncodeShareRecord(record)
	if err != nil {
		return nil, err
	}

	key := LookupKeyForCode(code)
	if err := r.options.Store.Put(ctx, dht.Key(key), raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	return &GeneratedCode{Code: code, Record: record, TTL: ttl}, nil
}
