package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pairlink/dht"
	"pairlink/pairing"
)

// recordQueryTimeout bounds one record lookup against one peer, so a stalled
// peer cannot stall the whole resolve.
const recordQueryTimeout = 5 * time.Second

// NodeOptions configures a network node.
type NodeOptions struct {
	Identity      LocalIdentity
	ListenAddress string

	// Records is the local partition of the replicated record store. A nil
	// value gets an in-memory store.
	Records dht.Store

	// OnUnpaired is invoked when a peer notifies us it revoked the pairing.
	OnUnpaired func(peerID string)

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   *bool
}

// Node runs the listener, maintains authenticated peer connections, relays
// pairing requests, and replicates share records. It satisfies both the
// coordinator's network collaborator contract and the record store contract.
type Node struct {
	options NodeOptions

	server *Server

	runMu  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	connMu      sync.RWMutex
	connections map[string]*PeerConnection

	addrMu    sync.RWMutex
	addrHints map[string]string

	records dht.Store

	pairingMu      sync.Mutex
	pairingWaiters map[string]chan PairingResponse

	queryMu      sync.Mutex
	queryWaiters map[string]chan RecordValue

	handlerMu      sync.RWMutex
	inboundHandler func(pairing.InboundRequest)

	errors chan error
}

// NewNode creates a node with validated configuration.
func NewNode(options NodeOptions) (*Node, error) {
	if err := (HelloOptions{Identity: options.Identity}).validateIdentity(); err != nil {
		return nil, err
	}
	records := options.Records
	if records == nil {
		records = dht.NewMemoryStore()
	}

	return &Node{
		options:        options,
		connections:    make(map[string]*PeerConnection),
		addrHints:      make(map[string]string),
		records:        records,
		pairingWaiters: make(map[string]chan PairingResponse),
		queryWaiters:   make(map[string]chan RecordValue),
		errors:         make(chan error, 64),
	}, nil
}

// Start begins listening for inbound connections.
func (n *Node) Start() error {
	n.runMu.Lock()
	defer n.runMu.Unlock()
	if n.ctx != nil {
		return nil
	}

	server, err := Listen(n.options.ListenAddress, n.helloOptions())
	if err != nil {
		return err
	}
	n.server = server
	n.ctx, n.cancel = context.WithCancel(context.Background())

	n.wg.Add(1)
	go n.serverLoop()
	return nil
}

// Stop stops the listener and closes active connections.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.runMu.Lock()
		cancel := n.cancel
		n.runMu.Unlock()
		if cancel == nil {
			return
		}

		cancel()
		if n.server != nil {
			_ = n.server.Close()
		}

		n.connMu.Lock()
		for _, conn := range n.connections {
			_ = conn.Close()
		}
		n.connections = make(map[string]*PeerConnection)
		n.connMu.Unlock()

		n.wg.Wait()
		close(n.errors)
	})
}

// Running reports whether the node is started and not stopped.
func (n *Node) Running() bool {
	n.runMu.Lock()
	defer n.runMu.Unlock()
	return n.ctx != nil && n.ctx.Err() == nil
}

// Addr returns the listening address.
func (n *Node) Addr() net.Addr {
	if n.server == nil {
		return nil
	}
	return n.server.Addr()
}

// Errors returns asynchronous node errors.
func (n *Node) Errors() <-chan error {
	return n.errors
}

// SetInboundHandler registers the consumer of inbound pairing requests.
// Requests arriving with no handler registered are refused.
func (n *Node) SetInboundHandler(handler func(pairing.InboundRequest)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.inboundHandler = handler
}

// AddAddressHint records the last known dialable address for a peer.
func (n *Node) AddAddressHint(peerID, address string) {
	if peerID == "" || address == "" {
		return
	}
	n.addrMu.Lock()
	defer n.addrMu.Unlock()
	n.addrHints[peerID] = address
}

// ConnectedPeers returns the IDs of peers with a live connection.
func (n *Node) ConnectedPeers() []string {
	n.connMu.RLock()
	defer n.connMu.RUnlock()
	out := make([]string, 0, len(n.connections))
	for peerID := range n.connections {
		out = append(out, peerID)
	}
	return out
}

// Connect dials an address, completes the hello exchange, and registers the
// resulting connection.
func (n *Node) Connect(address string) (*PeerConnection, error) {
	if !n.Running() {
		return nil, pairing.ErrNodeNotStarted
	}

	conn, err := Dial(address, n.helloOptions())
	if err != nil {
		return nil, err
	}
	n.registerConnection(conn)
	return conn, nil
}

// SendPairingRequest relays a pairing request to a peer and waits for its
// decision. The peer is reached over an existing connection or by dialing the
// supplied addresses plus any recorded hint.
func (n *Node) SendPairingRequest(ctx context.Context, peerID string, method pairing.Method, addrs []string) (*pairing.RequestResult, error) {
	if !n.Running() {
		return nil, pairing.ErrNodeNotStarted
	}

	conn, err := n.connectionFor(peerID, addrs)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	waiter := make(chan PairingResponse, 1)
	n.pairingMu.Lock()
	n.pairingWaiters[requestID] = waiter
	n.pairingMu.Unlock()
	defer func() {
		n.pairingMu.Lock()
		delete(n.pairingWaiters, requestID)
		n.pairingMu.Unlock()
	}()

	request := PairingRequest{
		Type:       TypePairingRequest,
		RequestID:  requestID,
		FromPeerID: n.options.Identity.PeerID,
		MethodKind: uint8(method.Kind),
		Code:       method.Code,
		Hostname:   n.options.Identity.Metadata.Hostname,
		OS:         n.options.Identity.Metadata.OS,
		Platform:   n.options.Identity.Metadata.Platform,
		Arch:       n.options.Identity.Metadata.Arch,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := n.signPairingRequest(&request); err != nil {
		return nil, err
	}
	if err := conn.SendMessage(request); err != nil {
		return nil, fmt.Errorf("%w: %v", pairing.ErrPeerUnreachable, err)
	}

	select {
	case response := <-waiter:
		return &pairing.RequestResult{
			Accepted: strings.EqualFold(response.Status, "accepted"),
			Reason:   response.Reason,
			Device: pairing.DeviceMetadata{
				Hostname: response.Hostname,
				OS:       response.OS,
				Platform: response.Platform,
				Arch:     response.Arch,
			},
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-conn.Done():
		return nil, fmt.Errorf("%w: connection closed", pairing.ErrPeerUnreachable)
	case <-n.ctx.Done():
		return nil, pairing.ErrNodeNotStarted
	}
}

// SendUnpair notifies a peer of a local trust revocation. Best effort: no
// connection means no notice, the revocation itself is already effective
// locally.
func (n *Node) SendUnpair(peerID string) error {
	conn := n.getConnection(peerID)
	if conn == nil {
		return nil
	}

	msg := Unpair{
		Type:       TypeUnpair,
		FromPeerID: n.options.Identity.PeerID,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := n.signUnpair(&msg); err != nil {
		return err
	}
	return conn.SendMessage(msg)
}

// Put stores a record locally and replicates it to every connected peer.
// Replication failures are reported but do not fail the put: the local
// partition always answers for its own records.
func (n *Node) Put(ctx context.Context, key dht.Key, value []byte) error {
	if err := n.records.Put(ctx, key, value); err != nil {
		return err
	}

	msg := RecordPut{
		Type:      TypeRecordPut,
		Key:       key[:],
		Value:     append([]byte(nil), value...),
		Timestamp: time.Now().UnixMilli(),
	}
	for _, conn := range n.allConnections() {
		if err := conn.SendMessage(msg); err != nil {
			n.reportError(fmt.Errorf("replicate record to %q: %w", conn.PeerID(), err))
		}
	}
	return nil
}

// Get answers from the local partition first, then queries each connected
// peer in turn until one returns the record.
func (n *Node) Get(ctx context.Context, key dht.Key) ([]byte, bool, error) {
	value, found, err := n.records.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		return value, true, nil
	}

	for _, conn := range n.allConnections() {
		value, found, err := n.queryPeer(ctx, conn, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			n.reportError(fmt.Errorf("query record from %q: %w", conn.PeerID(), err))
			continue
		}
		if found {
			return value, true, nil
		}
	}

	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	return nil, false, nil
}

func (n *Node) queryPeer(ctx context.Context, conn *PeerConnection, key dht.Key) ([]byte, bool, error) {
	queryID := uuid.NewString()
	waiter := make(chan RecordValue, 1)
	n.queryMu.Lock()
	n.queryWaiters[queryID] = waiter
	n.queryMu.Unlock()
	defer func() {
		n.queryMu.Lock()
		delete(n.queryWaiters, queryID)
		n.queryMu.Unlock()
	}()

	if err := conn.SendMessage(RecordGet{
		Type:    TypeRecordGet,
		QueryID: queryID,
		Key:     key[:],
	}); err != nil {
		return nil, false, err
	}

	timer := time.NewTimer(recordQueryTimeout)
	defer timer.Stop()

	select {
	case response := <-waiter:
		if !response.Found {
			return nil, false, nil
		}
		return response.Value, true, nil
	case <-timer.C:
		return nil, false, errors.New("record query timed out")
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-conn.Done():
		return nil, false, errors.New("connection closed during record query")
	}
}

func (n *Node) helloOptions() HelloOptions {
	return HelloOptions{
		Identity:          n.options.Identity,
		ConnectionTimeout: n.options.ConnectionTimeout,
		KeepAliveInterval: n.options.KeepAliveInterval,
		KeepAliveTimeout:  n.options.KeepAliveTimeout,
		FrameReadTimeout:  n.options.FrameReadTimeout,
		AutoRespondPing:   n.options.AutoRespondPing,
	}
}

func (n *Node) serverLoop() {
	defer n.wg.Done()
	for {
		select {
		case conn, ok := <-n.server.Incoming():
			if !ok {
				return
			}
			n.registerConnection(conn)
		case err, ok := <-n.server.Errors():
			if !ok {
				return
			}
			n.reportError(err)
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Node) registerConnection(conn *PeerConnection) {
	peerID := conn.PeerID()
	if peerID == "" || peerID == n.options.Identity.PeerID {
		_ = conn.Close()
		return
	}

	n.connMu.Lock()
	if existing, exists := n.connections[peerID]; exists && existing != conn {
		_ = existing.Close()
	}
	n.connections[peerID] = conn
	n.connMu.Unlock()

	if addr := conn.RemoteAddr(); addr != nil {
		n.AddAddressHint(peerID, addr.String())
	}

	n.wg.Add(1)
	go n.connectionLoop(conn)
}

func (n *Node) connectionLoop(conn *PeerConnection) {
	defer n.wg.Done()

	for {
		payload, err := conn.ReceiveMessage(n.ctx)
		if err != nil {
			break
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			continue
		}

		switch msgType {
		case TypePairingRequest:
			var request PairingRequest
			if err := DecodeMessage(payload, &request); err != nil {
				n.reportError(err)
				continue
			}
			n.handlePairingRequest(conn, request)
		case TypePairingResponse:
			var response PairingResponse
			if err := DecodeMessage(payload, &response); err != nil {
				n.reportError(err)
				continue
			}
			n.handlePairingResponse(conn, response)
		case TypeRecordPut:
			var put RecordPut
			if err := DecodeMessage(payload, &put); err != nil {
				n.reportError(err)
				continue
			}
			n.handleRecordPut(put)
		case TypeRecordGet:
			var get RecordGet
			if err := DecodeMessage(payload, &get); err != nil {
				n.reportError(err)
				continue
			}
			n.handleRecordGet(conn, get)
		case TypeRecordValue:
			var value RecordValue
			if err := DecodeMessage(payload, &value); err != nil {
				n.reportError(err)
				continue
			}
			n.handleRecordValue(value)
		case TypeUnpair:
			var unpair Unpair
			if err := DecodeMessage(payload, &unpair); err != nil {
				n.reportError(err)
				continue
			}
			n.handleUnpair(conn, unpair)
		case TypeError:
			var remoteErr ErrorMessage
			if err := DecodeMessage(payload, &remoteErr); err != nil {
				continue
			}
			n.reportError(fmt.Errorf("remote error from %q [%s]: %s", conn.PeerID(), remoteErr.Code, remoteErr.Message))
		}
	}

	n.dropConnection(conn)
}

func (n *Node) handlePairingRequest(conn *PeerConnection, request PairingRequest) {
	peerID := conn.PeerID()
	if request.RequestID == "" || request.FromPeerID == "" || len(request.Signature) == 0 {
		return
	}
	if request.FromPeerID != peerID {
		n.reportError(fmt.Errorf("rejecting pairing_request: sender mismatch %q != %q", request.FromPeerID, peerID))
		return
	}
	if !withinTimestampSkew(request.Timestamp) {
		n.reportError(fmt.Errorf("rejecting pairing_request from %q: timestamp outside skew", peerID))
		return
	}
	if err := n.verifyPairingRequest(conn, request); err != nil {
		n.reportError(err)
		_ = conn.SendMessage(ErrorMessage{
			Type:      TypeError,
			Code:      "invalid_signature",
			Message:   "pairing request signature verification failed",
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}

	method := pairing.Method{Kind: pairing.MethodKind(request.MethodKind), Code: request.Code}
	if err := method.Validate(); err != nil {
		n.reportError(fmt.Errorf("rejecting pairing_request from %q: %w", peerID, err))
		return
	}

	respondOnce := sync.Once{}
	respond := func(accept bool, reason string) error {
		var sendErr error
		respondOnce.Do(func() {
			sendErr = n.sendPairingResponse(conn, request.RequestID, accept, reason)
		})
		return sendErr
	}

	handler := n.currentInboundHandler()
	if handler == nil {
		_ = respond(false, "no approver available")
		return
	}

	handler(pairing.InboundRequest{
		FromPeerID: peerID,
		Method:     method,
		Device: pairing.DeviceMetadata{
			Hostname: request.Hostname,
			OS:       request.OS,
			Platform: request.Platform,
			Arch:     request.Arch,
		},
		Respond: respond,
	})
}

func (n *Node) sendPairingResponse(conn *PeerConnection, requestID string, accept bool, reason string) error {
	status := "rejected"
	if accept {
		status = "accepted"
	}
	response := PairingResponse{
		Type:       TypePairingResponse,
		RequestID:  requestID,
		Status:     status,
		FromPeerID: n.options.Identity.PeerID,
		Reason:     reason,
		Hostname:   n.options.Identity.Metadata.Hostname,
		OS:         n.options.Identity.Metadata.OS,
		Platform:   n.options.Identity.Metadata.Platform,
		Arch:       n.options.Identity.Metadata.Arch,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := n.signPairingResponse(&response); err != nil {
		return err
	}
	return conn.SendMessage(response)
}

func (n *Node) handlePairingResponse(conn *PeerConnection, response PairingResponse) {
	peerID := conn.PeerID()
	if response.RequestID == "" || response.FromPeerID == "" || response.Status == "" || len(response.Signature) == 0 {
		return
	}
	if response.FromPeerID != peerID {
		n.reportError(fmt.Errorf("rejecting pairing_response: sender mismatch %q != %q", response.FromPeerID, peerID))
		return
	}
	if !withinTimestampSkew(response.Timestamp) {
		n.reportError(fmt.Errorf("rejecting pairing_response from %q: timestamp outside skew", peerID))
		return
	}
	if err := n.verifyPairingResponse(conn, response); err != nil {
		n.reportError(err)
		return
	}
	if !strings.EqualFold(response.Status, "accepted") && !strings.EqualFold(response.Status, "rejected") {
		n.reportError(fmt.Errorf("rejecting pairing_response from %q: invalid status %q", peerID, response.Status))
		return
	}

	n.pairingMu.Lock()
	waiter := n.pairingWaiters[response.RequestID]
	n.pairingMu.Unlock()
	if waiter == nil {
		return
	}

	select {
	case waiter <- response:
	default:
	}
}

func (n *Node) handleRecordPut(put RecordPut) {
	if len(put.Key) != dht.KeySize {
		return
	}
	var key dht.Key
	copy(key[:], put.Key)
	if err := n.records.Put(n.ctx, key, put.Value); err != nil {
		n.reportError(fmt.Errorf("store replicated record: %w", err))
	}
}

func (n *Node) handleRecordGet(conn *PeerConnection, get RecordGet) {
	if get.QueryID == "" || len(get.Key) != dht.KeySize {
		return
	}
	var key dht.Key
	copy(key[:], get.Key)

	value, found, err := n.records.Get(n.ctx, key)
	if err != nil {
		n.reportError(fmt.Errorf("answer record query: %w", err))
		found = false
		value = nil
	}

	if err := conn.SendMessage(RecordValue{
		Type:    TypeRecordValue,
		QueryID: get.QueryID,
		Key:     get.Key,
		Found:   found,
		Value:   value,
	}); err != nil {
		n.reportError(err)
	}
}

func (n *Node) handleRecordValue(value RecordValue) {
	if value.QueryID == "" {
		return
	}
	n.queryMu.Lock()
	waiter := n.queryWaiters[value.QueryID]
	n.queryMu.Unlock()
	if waiter == nil {
		return
	}

	select {
	case waiter <- value:
	default:
	}
}

func (n *Node) handleUnpair(conn *PeerConnection, unpair Unpair) {
	peerID := conn.PeerID()
	if unpair.FromPeerID != peerID || len(unpair.Signature) == 0 {
		return
	}
	if !withinTimestampSkew(unpair.Timestamp) {
		return
	}
	if err := n.verifyUnpair(conn, unpair); err != nil {
		n.reportError(err)
		return
	}

	if n.options.OnUnpaired != nil {
		n.options.OnUnpaired(peerID)
	}
}

func (n *Node) connectionFor(peerID string, addrs []string) (*PeerConnection, error) {
	if conn := n.getConnection(peerID); conn != nil {
		return conn, nil
	}

	candidates := append([]string(nil), addrs...)
	n.addrMu.RLock()
	if hint := n.addrHints[peerID]; hint != "" {
		candidates = append(candidates, hint)
	}
	n.addrMu.RUnlock()

	var lastErr error
	for _, address := range candidates {
		conn, err := Dial(address, n.helloOptions())
		if err != nil {
			lastErr = err
			continue
		}
		if conn.PeerID() != peerID {
			lastErr = fmt.Errorf("address %q answered as peer %q, want %q", address, conn.PeerID(), peerID)
			_ = conn.Close()
			continue
		}
		n.registerConnection(conn)
		return conn, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", pairing.ErrPeerUnreachable, lastErr)
	}
	return nil, fmt.Errorf("%w: no known address for peer %q", pairing.ErrPeerUnreachable, peerID)
}

func (n *Node) getConnection(peerID string) *PeerConnection {
	n.connMu.RLock()
	defer n.connMu.RUnlock()
	return n.connections[peerID]
}

func (n *Node) allConnections() []*PeerConnection {
	n.connMu.RLock()
	defer n.connMu.RUnlock()
	out := make([]*PeerConnection, 0, len(n.connections))
	for _, conn := range n.connections {
		out = append(out, conn)
	}
	return out
}

func (n *Node) dropConnection(conn *PeerConnection) {
	_ = conn.Close()

	n.connMu.Lock()
	if n.connections[conn.PeerID()] == conn {
		delete(n.connections, conn.PeerID())
	}
	n.connMu.Unlock()
}

func (n *Node) currentInboundHandler() func(pairing.InboundRequest) {
	n.handlerMu.RLock()
	defer n.handlerMu.RUnlock()
	return n.inboundHandler
}

func (n *Node) signPairingRequest(request *PairingRequest) error {
	unsigned := *request
	unsigned.Signature = nil
	return signMessage(unsigned, func(signature []byte) { request.Signature = signature }, n.options.Identity.Ed25519PrivateKey)
}

func (n *Node) verifyPairingRequest(conn *PeerConnection, request PairingRequest) error {
	unsigned := request
	unsigned.Signature = nil
	if err := verifyMessage(unsigned, request.Signature, conn.PeerPublicKey()); err != nil {
		return fmt.Errorf("verify pairing_request from %q: %w", conn.PeerID(), err)
	}
	return nil
}

func (n *Node) signPairingResponse(response *PairingResponse) error {
	unsigned := *response
	unsigned.Signature = nil
	return signMessage(unsigned, func(signature []byte) { response.Signature = signature }, n.options.Identity.Ed25519PrivateKey)
}

func (n *Node) verifyPairingResponse(conn *PeerConnection, response PairingResponse) error {
	unsigned := response
	unsigned.Signature = nil
	if err := verifyMessage(unsigned, response.Signature, conn.PeerPublicKey()); err != nil {
		return fmt.Errorf("verify pairing_response from %q: %w", conn.PeerID(), err)
	}
	return nil
}

func (n *Node) signUnpair(msg *Unpair) error {
	unsigned := *msg
	unsigned.Signature = nil
	return signMessage(unsigned, func(signature []byte) { msg.Signature = signature }, n.options.Identity.Ed25519PrivateKey)
}

func (n *Node) verifyUnpair(conn *PeerConnection, msg Unpair) error {
	unsigned := msg
	unsigned.Signature = nil
	if err := verifyMessage(unsigned, msg.Signature, conn.PeerPublicKey()); err != nil {
		return fmt.Errorf("verify unpair from %q: %w", conn.PeerID(), err)
	}
	return nil
}

func (n *Node) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case n.errors <- err:
	default:
	}
}
