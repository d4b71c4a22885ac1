package pairing

// PairedDevice is the durable trust record for a remote peer. It is the only
// value this subsystem ever writes through the trust store.
type PairedDevice struct {
	PeerID   string
	Hostname string
	OS       string
	Platform string
	Arch     string
}

// TrustStore is the authoritative, persisted list of paired devices. The
// coordinator serializes writes; implementations may allow concurrent reads.
type TrustStore interface {
	List() ([]PairedDevice, error)
	Add(device PairedDevice) error
	Remove(peerID string) error
}
