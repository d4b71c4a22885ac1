package pairing

import (
	"context"
	"errors"
	"time"

	"pairlink/dht"
)

// DefaultResolveTimeout bounds one distributed-store query.
const DefaultResolveTimeout = 15 * time.Second

// ResolverOptions configures a device resolver.
type ResolverOptions struct {
	Store dht.Store

	// Running reports whether the local network node is started.
	Running func() bool
	// QueryTimeout bounds each store query; zero means DefaultResolveTimeout.
	QueryTimeout time.Duration

	nowFn func() time.Time
}

// Resolver fetches and validates share records by pairing code. Because the
// store has no TTL semantics, the expiry gate here is the record's only
// enforcement point: a raw hit on an expired record is a CodeExpired failure,
// never a success.
type Resolver struct {
	options ResolverOptions
}

// NewResolver validates options and creates a resolver.
func NewResolver(options ResolverOptions) (*Resolver, error) {
	if options.Store == nil {
		return nil, errors.New("record store is required")
	}
	if options.QueryTimeout <= 0 {
		options.QueryTimeout = DefaultResolveTimeout
	}
	if options.nowFn == nil {
		options.nowFn = time.Now
	}
	return &Resolver{options: options}, nil
}

// Resolve fetches the record published under a code.
func (r *Resolver) Resolve(ctx context.Context, code string) (*ShareRecord, error) {
	if err := ValidateCode(code); err != nil {
		return nil, err
	}
	if r.options.Running != nil && !r.options.Running() {
		return nil, ErrNodeNotStarted
	}

	queryCtx, cancel := context.WithTimeout(ctx, r.options.QueryTimeout)
	defer cancel()

	key := LookupKeyForCode(code)
	raw, found, err := r.options.Store.Get(queryCtx, dht.Key(key))
	if err != nil {
		// A query timeout is a transport failure, not a verdict on the code:
		// the record may well exist on a peer we never heard back from.
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrRequestTimeout
		}
		return nil, err
	}
	if !found {
		return nil, ErrCodeNotFound
	}

	record, err := DecodeShareRecord(raw)
	if err != nil {
		return nil, err
	}
	if record.Expired(r.options.nowFn()) {
		return nil, ErrCodeExpired
	}

	return &record, nil
}
