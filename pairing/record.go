package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"os"
	"runtime"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	// CodeLength is the number of decimal digits in a pairing code.
	CodeLength = 6
	// DefaultRecordTTL is the validity window applied when no TTL is given.
	DefaultRecordTTL = 300 * time.Second
	// MaxRecordTTL is the longest validity window a caller may request.
	MaxRecordTTL = 600 * time.Second
)

var codeSpace = big.NewInt(1_000_000)

// LookupKey is the one-way derived distributed-store key for a pairing code.
// Observing the key does not reveal the code.
type LookupKey [32]byte

// LookupKeyForCode derives the store key for a code.
func LookupKeyForCode(code string) LookupKey {
	return LookupKey(sha256.Sum256([]byte(code)))
}

// GenerateCode produces a random zero-padded 6-digit decimal code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// ValidateCode checks that text is exactly six decimal digits.
func ValidateCode(code string) error {
	if len(code) != CodeLength {
		return ErrInvalidCode
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return ErrInvalidCode
		}
	}
	return nil
}

// DeviceMetadata describes the local device as shown to a pairing peer.
type DeviceMetadata struct {
	Hostname string `cbor:"hostname"`
	OS       string `cbor:"os"`
	Platform string `cbor:"platform"`
	Arch     string `cbor:"arch"`
}

// LocalDeviceMetadata captures metadata for the running device.
func LocalDeviceMetadata(platform string) DeviceMetadata {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown-host"
	}
	if platform == "" {
		platform = "desktop"
	}
	return DeviceMetadata{
		Hostname: hostname,
		OS:       runtime.GOOS,
		Platform: platform,
		Arch:     runtime.GOARCH,
	}
}

// ShareRecord is the value published to the distributed store under a code's
// LookupKey. The store has no TTL semantics of its own: every consumer must
// gate on ExpiresAt.
type ShareRecord struct {
	PeerID         string   `cbor:"peer_id"`
	Hostname       string   `cbor:"hostname"`
	OS             string   `cbor:"os"`
	Platform       string   `cbor:"platform"`
	Arch           string   `cbor:"arch"`
	CreatedAt      int64    `cbor:"created_at"`
	ExpiresAt      int64    `cbor:"expires_at"`
	ReachableAddrs []string `cbor:"reachable_addrs,omitempty"`
}

// Expired reports whether the record's validity window has passed.
func (r ShareRecord) Expired(now time.Time) bool {
	return now.UnixMilli() > r.ExpiresAt
}

// Metadata returns the device metadata carried by the record.
func (r ShareRecord) Metadata() DeviceMetadata {
	return DeviceMetadata{
		Hostname: r.Hostname,
		OS:       r.OS,
		Platform: r.Platform,
		Arch:     r.Arch,
	}
}

// EncodeShareRecord marshals a record to its compact wire form.
func EncodeShareRecord(record ShareRecord) ([]byte, error) {
	raw, err := cbor.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode share record: %w", err)
	}
	return raw, nil
}

// DecodeShareRecord unmarshals a record from its wire form.
func DecodeShareRecord(raw []byte) (ShareRecord, error) {
	var record ShareRecord
	if err := cbor.Unmarshal(raw, &record); err != nil {
		return ShareRecord{}, fmt.Errorf("decode share record: %w", err)
	}
	return record, nil
}

// normalizeTTL applies the default and enforces the maximum.
func normalizeTTL(ttl time.Duration) (time.Duration, error) {
	if ttl <= 0 {
		return DefaultRecordTTL, nil
	}
	if ttl > MaxRecordTTL {
		return 0, ErrTTLTooLong
	}
	return ttl, nil
}
