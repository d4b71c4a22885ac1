package pairing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	// StatusSuccess is the request_pairing outcome after an accepted handshake.
	StatusSuccess = "success"
	// StatusRefused is the request_pairing outcome after an explicit refusal.
	StatusRefused = "refused"

	// DefaultRequestTimeout bounds one outbound pairing handshake.
	DefaultRequestTimeout = 30 * time.Second

	defaultEventBuffer = 64
)

// PhaseKind enumerates outbound session states.
type PhaseKind uint8

const (
	PhaseIdle PhaseKind = iota
	PhaseGenerating
	PhaseInputting
	PhaseSearching
	PhaseFound
	PhaseRequesting
	PhaseSuccess
	PhaseRefused
	PhaseFailed
)

// Terminal reports whether the phase ends the outbound session.
func (k PhaseKind) Terminal() bool {
	switch k {
	case PhaseSuccess, PhaseRefused, PhaseFailed:
		return true
	default:
		return false
	}
}

// String returns the phase name for logs and display.
func (k PhaseKind) String() string {
	switch k {
	case PhaseIdle:
		return "idle"
	case PhaseGenerating:
		return "generating"
	case PhaseInputting:
		return "inputting"
	case PhaseSearching:
		return "searching"
	case PhaseFound:
		return "found"
	case PhaseRequesting:
		return "requesting"
	case PhaseSuccess:
		return "success"
	case PhaseRefused:
		return "refused"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Phase is the outbound session state plus the payload of its current kind.
type Phase struct {
	Kind   PhaseKind
	Code   string       // Searching
	Record *ShareRecord // Generating, Found
	PeerID string       // Found, Requesting, Success
	Reason string       // Refused
	Err    error        // Failed
}

// DeviceInfo is the result of resolving a pairing code.
type DeviceInfo struct {
	PeerID string
	Record ShareRecord
}

// Result is the outcome of a completed pairing handshake.
type Result struct {
	Status string
	Reason string
}

// RequestResult is the peer's answer delivered by the network node. Device
// carries the responder's metadata so the requester can persist a complete
// trust record.
type RequestResult struct {
	Accepted bool
	Reason   string
	Device   DeviceMetadata
}

// Node is the already-running network collaborator the coordinator drives.
type Node interface {
	Running() bool
	SendPairingRequest(ctx context.Context, peerID string, method Method, addrs []string) (*RequestResult, error)
}

// InboundRequest is one pairing request delivered by the node. Respond sends
// the answer back over the originating channel; it must be called at most
// once and stays valid until the underlying connection closes.
type InboundRequest struct {
	FromPeerID string
	Method     Method
	Device     DeviceMetadata
	Respond    func(accept bool, reason string) error
}

// CoordinatorOptions configures a pairing session coordinator.
type CoordinatorOptions struct {
	LocalPeerID string
	Node        Node
	Registry    *Registry
	Resolver    *Resolver
	Trust       TrustStore

	// RequestTimeout bounds one outbound handshake; zero means
	// DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// Coordinator sequences code generation, resolution, and the pairing
// handshake, and reconciles outcomes with the trust store. It owns one
// outbound session at a time plus the table of inbound pending requests;
// the two flows share no mutable state beyond the trust store, whose writes
// the coordinator serializes.
type Coordinator struct {
	options CoordinatorOptions

	mu             sync.Mutex
	phase          Phase
	generation     uint64
	inFlightPeer   string
	cancelInFlight context.CancelFunc

	pendingMu     sync.Mutex
	nextPendingID uint64
	pending       map[uint64]*inboundEntry

	trustMu sync.Mutex

	events chan Event
}

type inboundEntry struct {
	request PendingRequest
	respond func(accept bool, reason string) error
}

// NewCoordinator validates options and creates a coordinator in the Idle
// phase. Node may be nil; network operations then fail with ErrNodeNotStarted
// while local-only operations keep working.
func NewCoordinator(options CoordinatorOptions) (*Coordinator, error) {
	if options.LocalPeerID == "" {
		return nil, errors.New("local peer ID is required")
	}
	if options.Trust == nil {
		return nil, errors.New("trust store is required")
	}
	if options.RequestTimeout <= 0 {
		options.RequestTimeout = DefaultRequestTimeout
	}

	return &Coordinator{
		options: options,
		phase:   Phase{Kind: PhaseIdle},
		pending: make(map[uint64]*inboundEntry),
		events:  make(chan Event, defaultEventBuffer),
	}, nil
}

// Events returns coordinator notifications for the presentation layer.
// Delivery is best-effort: a full buffer drops, never blocks.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Phase returns the current outbound session phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// beginSession supersedes the current outbound session: it bumps the
// generation, cancels and clears any in-flight handshake, and installs the
// starting phase of the new session. Every entry point that starts a session
// goes through here so a superseded handshake can never leave the in-flight
// slot occupied.
func (c *Coordinator) beginSession(phase Phase) uint64 {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	cancel := c.cancelInFlight
	c.cancelInFlight = nil
	c.inFlightPeer = ""
	c.phase = phase
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return gen
}

// Reset cancels the outbound session and returns to Idle. A published share
// record is not retracted and an in-flight handshake is not recalled: the
// remote side may still answer, and that late completion is discarded here.
func (c *Coordinator) Reset() {
	c.beginSession(Phase{Kind: PhaseIdle})
}

// BeginInput moves the session to the code-entry phase.
func (c *Coordinator) BeginInput() {
	c.beginSession(Phase{Kind: PhaseInputting})
}

// GeneratePairingCode publishes a fresh share record and enters Generating.
// Calling it again regenerates: the new code supersedes the old one for
// display, the old record expires on its own.
func (c *Coordinator) GeneratePairingCode(ctx context.Context, ttl time.Duration) (*GeneratedCode, error) {
	if c.options.Registry == nil {
		return nil, errors.New("registry is not configured")
	}

	gen := c.beginSession(Phase{Kind: PhaseGenerating})

	generated, err := c.options.Registry.Generate(ctx, ttl)
	if err != nil {
		c.restoreIdle(gen)
		return nil, err
	}

	record := generated.Record
	c.setPhaseIfCurrent(gen, Phase{Kind: PhaseGenerating, Record: &record})
	return generated, nil
}

// GetDeviceInfo resolves a code to the publishing device. CodeExpired and
// CodeNotFound return the session to Idle so the user can retry with a fresh
// code.
func (c *Coordinator) GetDeviceInfo(ctx context.Context, code string) (*DeviceInfo, error) {
	if c.options.Resolver == nil {
		return nil, errors.New("resolver is not configured")
	}
	if err := ValidateCode(code); err != nil {
		return nil, err
	}

	gen := c.beginSession(Phase{Kind: PhaseSearching, Code: code})

	record, err := c.options.Resolver.Resolve(ctx, code)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return nil, ErrSessionReset
	}
	if err != nil {
		if errors.Is(err, ErrCodeExpired) || errors.Is(err, ErrCodeNotFound) {
			c.phase = Phase{Kind: PhaseIdle}
		} else {
			c.phase = Phase{Kind: PhaseFailed, Err: err}
		}
		c.mu.Unlock()
		return nil, err
	}
	c.phase = Phase{Kind: PhaseFound, Record: record, PeerID: record.PeerID}
	c.mu.Unlock()

	return &DeviceInfo{PeerID: record.PeerID, Record: *record}, nil
}

// RequestPairing sends the handshake to a peer and waits for its decision.
// Exactly one outbound request may be in flight; a second call fails with
// ErrRequestInFlight instead of superseding. An already-paired target
// short-circuits to success without any network traffic.
func (c *Coordinator) RequestPairing(ctx context.Context, peerID string, method Method, addrs []string) (*Result, error) {
	if err := method.Validate(); err != nil {
		return nil, err
	}
	if peerID == "" {
		return nil, errors.New("peer ID is required")
	}
	if peerID == c.options.LocalPeerID {
		return nil, errors.New("cannot pair with the local device")
	}
	if c.options.Node == nil || !c.options.Node.Running() {
		return nil, ErrNodeNotStarted
	}

	if c.isPaired(peerID) {
		c.beginSession(Phase{Kind: PhaseSuccess, PeerID: peerID})
		return &Result{Status: StatusSuccess}, nil
	}

	c.mu.Lock()
	if c.inFlightPeer != "" {
		c.mu.Unlock()
		return nil, ErrRequestInFlight
	}
	c.generation++
	gen := c.generation
	requestCtx, cancel := context.WithTimeout(ctx, c.options.RequestTimeout)
	c.inFlightPeer = peerID
	c.cancelInFlight = cancel
	c.phase = Phase{Kind: PhaseRequesting, PeerID: peerID}
	c.mu.Unlock()

	result, err := c.options.Node.SendPairingRequest(requestCtx, peerID, method, addrs)
	cancel()

	c.mu.Lock()
	if gen != c.generation {
		// A newer session superseded this request and already cleared the
		// in-flight slot; the late outcome must not mutate anything.
		c.mu.Unlock()
		return nil, ErrSessionReset
	}
	c.inFlightPeer = ""
	c.cancelInFlight = nil
	c.mu.Unlock()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrRequestTimeout
		}
		c.setPhaseIfCurrent(gen, Phase{Kind: PhaseFailed, Err: err})
		return nil, err
	}

	if !result.Accepted {
		c.setPhaseIfCurrent(gen, Phase{Kind: PhaseRefused, Reason: result.Reason})
		return &Result{Status: StatusRefused, Reason: result.Reason}, nil
	}

	device := PairedDevice{
		PeerID:   peerID,
		Hostname: result.Device.Hostname,
		OS:       result.Device.OS,
		Platform: result.Device.Platform,
		Arch:     result.Device.Arch,
	}
	if err := c.commitTrust(device); err != nil {
		c.setPhaseIfCurrent(gen, Phase{Kind: PhaseFailed, Err: err})
		return nil, err
	}
	c.setPhaseIfCurrent(gen, Phase{Kind: PhaseSuccess, PeerID: peerID})
	return &Result{Status: StatusSuccess}, nil
}

// HandleInbound registers an inbound pairing request for a local decision.
// No response is sent until that decision: there is no implicit
// timeout-refuse at this layer. Two situations answer immediately instead of
// queueing: the sender is already paired (idempotent accept), or our own
// request toward the sender is in flight (simultaneous cross-pairing resolves
// as one logical pairing with both sides accepting).
func (c *Coordinator) HandleInbound(request InboundRequest) {
	if request.Respond == nil || request.FromPeerID == "" {
		return
	}

	c.mu.Lock()
	simultaneous := c.inFlightPeer != "" && c.inFlightPeer == request.FromPeerID
	c.mu.Unlock()

	if simultaneous || c.isPaired(request.FromPeerID) {
		if err := request.Respond(true, ""); err != nil {
			return
		}
		_ = c.commitTrust(PairedDevice{
			PeerID:   request.FromPeerID,
			Hostname: request.Device.Hostname,
			OS:       request.Device.OS,
			Platform: request.Device.Platform,
			Arch:     request.Device.Arch,
		})
		return
	}

	c.pendingMu.Lock()
	c.nextPendingID++
	pending := PendingRequest{
		PendingID:  c.nextPendingID,
		FromPeerID: request.FromPeerID,
		Method:     request.Method,
		Device:     request.Device,
		ReceivedAt: time.Now(),
	}
	c.pending[pending.PendingID] = &inboundEntry{
		request: pending,
		respond: request.Respond,
	}
	c.pendingMu.Unlock()

	c.emit(Event{Type: EventRequestReceived, Pending: &pending})
}

// RespondPairingRequest answers one pending inbound request. The entry is
// removed before the response is sent, so a pendingID is consumed exactly
// once: a second call fails with ErrAlreadyResolved and never touches the
// trust store again.
func (c *Coordinator) RespondPairingRequest(pendingID uint64, method Method, accept bool, reason string) error {
	if err := method.Validate(); err != nil {
		return err
	}

	c.pendingMu.Lock()
	entry, ok := c.pending[pendingID]
	if ok {
		delete(c.pending, pendingID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return ErrAlreadyResolved
	}

	if err := entry.respond(accept, reason); err != nil {
		return err
	}
	if !accept {
		return nil
	}

	return c.commitTrust(PairedDevice{
		PeerID:   entry.request.FromPeerID,
		Hostname: entry.request.Device.Hostname,
		OS:       entry.request.Device.OS,
		Platform: entry.request.Device.Platform,
		Arch:     entry.request.Device.Arch,
	})
}

// PendingRequests returns a snapshot of unanswered inbound requests ordered
// by receipt.
func (c *Coordinator) PendingRequests() []PendingRequest {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	out := make([]PendingRequest, 0, len(c.pending))
	for _, entry := range c.pending {
		out = append(out, entry.request)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PendingID < out[j].PendingID })
	return out
}

// RemovePairedDevice revokes trust for a peer. Revocation is unilateral and
// local-only; it succeeds with the network node stopped.
func (c *Coordinator) RemovePairedDevice(peerID string) error {
	if peerID == "" {
		return errors.New("peer ID is required")
	}

	c.trustMu.Lock()
	defer c.trustMu.Unlock()
	return c.options.Trust.Remove(peerID)
}

// PairedDevices lists the persisted trust entries.
func (c *Coordinator) PairedDevices() ([]PairedDevice, error) {
	return c.options.Trust.List()
}

// commitTrust serializes trust-store writes across both flows and all
// concurrent inbound requests. Re-adding an existing peer is a no-op without
// a second event.
func (c *Coordinator) commitTrust(device PairedDevice) error {
	c.trustMu.Lock()
	defer c.trustMu.Unlock()

	existing, err := c.options.Trust.List()
	if err != nil {
		return err
	}
	for _, entry := range existing {
		if entry.PeerID == device.PeerID {
			return nil
		}
	}

	if err := c.options.Trust.Add(device); err != nil {
		return err
	}
	c.emit(Event{Type: EventDeviceAdded, Device: &device})
	return nil
}

func (c *Coordinator) isPaired(peerID string) bool {
	devices, err := c.options.Trust.List()
	if err != nil {
		return false
	}
	for _, device := range devices {
		if device.PeerID == peerID {
			return true
		}
	}
	return false
}

// setPhaseIfCurrent applies a phase transition only if no newer session
// superseded the one that produced it.
func (c *Coordinator) setPhaseIfCurrent(gen uint64, phase Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	c.phase = phase
}

func (c *Coordinator) restoreIdle(gen uint64) {
	c.setPhaseIfCurrent(gen, Phase{Kind: PhaseIdle})
}

func (c *Coordinator) emit(event Event) {
	select {
	case c.events <- event:
	default:
	}
}
