package pairing

import "time"

const (
	// EventRequestReceived is emitted when an inbound pairing request awaits a
	// local decision.
	EventRequestReceived EventType = "pairing-request-received"
	// EventDeviceAdded is emitted when a paired device was committed to the
	// trust store.
	EventDeviceAdded EventType = "paired-device-added"
)

// EventType identifies coordinator notifications for the presentation layer.
type EventType string

// Event carries a coordinator notification. Exactly one payload field is set
// depending on Type.
type Event struct {
	Type    EventType
	Pending *PendingRequest
	Device  *PairedDevice
}

// PendingRequest is an inbound pairing request awaiting a local accept or
// refuse decision. PendingID is locally unique and never reused.
type PendingRequest struct {
	PendingID  uint64
	FromPeerID string
	Method     Method
	Device     DeviceMetadata
	ReceivedAt time.Time
}
