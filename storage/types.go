package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Device is one persisted trust entry.
type Device struct {
	PeerID          string
	Hostname        string
	OS              string
	Platform        string
	Arch            string
	PairedTimestamp int64
}

// Pairing audit event types.
const (
	EventPairingAccepted = "pairing_accepted"
	EventPairingRefused  = "pairing_refused"
	EventPairingFailed   = "pairing_failed"
	EventDeviceRemoved   = "device_removed"
	EventCodeGenerated   = "code_generated"
)

// PairingEvent is one row of the pairing audit log.
type PairingEvent struct {
	ID        int64
	EventType string
	PeerID    string
	Details   string
	Timestamp int64
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
