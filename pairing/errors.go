package pairing

import "errors"

var (
	// ErrNodeNotStarted indicates the local network node is not running.
	// Operations that need the network fail with it before any network attempt.
	ErrNodeNotStarted = errors.New("pairing: node is not started")
	// ErrCodeNotFound indicates no record exists for the submitted code.
	ErrCodeNotFound = errors.New("pairing: code not found")
	// ErrCodeExpired indicates the record for the code exists but its validity
	// window has passed.
	ErrCodeExpired = errors.New("pairing: code expired")
	// ErrPublishFailed indicates publishing the share record to the
	// distributed store failed; regenerating retries.
	ErrPublishFailed = errors.New("pairing: record publish failed")
	// ErrPeerUnreachable indicates no connection to the target peer could be
	// established.
	ErrPeerUnreachable = errors.New("pairing: peer unreachable")
	// ErrRequestTimeout indicates a bounded network wait ran out before the
	// remote side answered, either a pairing request awaiting a decision or a
	// code lookup awaiting the distributed store. Distinct from a refusal or a
	// miss: no definitive answer was observed.
	ErrRequestTimeout = errors.New("pairing: request timed out")
	// ErrAlreadyResolved indicates the pending request was already answered or
	// never existed; no second trust mutation happens.
	ErrAlreadyResolved = errors.New("pairing: pending request already resolved")
	// ErrRequestInFlight indicates an outbound pairing request is already
	// outstanding for this coordinator.
	ErrRequestInFlight = errors.New("pairing: request already in flight")
	// ErrSessionReset indicates the outbound session was reset while its
	// network operation was still pending; the late completion was discarded.
	ErrSessionReset = errors.New("pairing: session was reset")
	// ErrInvalidCode indicates the submitted text is not a 6-digit code.
	ErrInvalidCode = errors.New("pairing: invalid code format")
	// ErrTTLTooLong indicates a requested record TTL above the allowed maximum.
	ErrTTLTooLong = errors.New("pairing: ttl exceeds maximum")
)
