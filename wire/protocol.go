package wire

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"

	"pairlink/crypto"
	"pairlink/pairing"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (1 MB).
	MaxFrameSize = 1 * 1024 * 1024
	// ChallengeNonceSize is the hello challenge nonce length in bytes.
	ChallengeNonceSize = 32
	// DefaultConnectionTimeout bounds TCP dial/hello duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second

	// maxTimestampSkew rejects signed messages stamped too far from local time.
	maxTimestampSkew = 2 * time.Minute
)

const (
	TypeHelloChallenge  = "hello_challenge"
	TypeHello           = "hello"
	TypeHelloAck        = "hello_ack"
	TypePairingRequest  = "pairing_request"
	TypePairingResponse = "pairing_response"
	TypeRecordPut       = "record_put"
	TypeRecordGet       = "record_get"
	TypeRecordValue     = "record_value"
	TypeUnpair          = "unpair"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeDisconnect      = "disconnect"
	TypeError           = "error"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("wire: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("wire: invalid signature")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("wire: invalid message type")
)

// LocalIdentity contains local device values required to build hello messages.
type LocalIdentity struct {
	PeerID            string
	Metadata          pairing.DeviceMetadata
	Ed25519PrivateKey ed25519.PrivateKey
	Ed25519PublicKey  ed25519.PublicKey
}

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `cbor:"type"`
}

// HelloChallenge opens the hello exchange from the accepting side.
type HelloChallenge struct {
	Type  string `cbor:"type"`
	Nonce []byte `cbor:"nonce"`
}

// Hello is the dialing side's authenticated introduction. The same shape is
// reused for the accepting side's hello_ack.
type Hello struct {
	Type             string `cbor:"type"`
	PeerID           string `cbor:"peer_id"`
	Hostname         string `cbor:"hostname"`
	OS               string `cbor:"os"`
	Platform         string `cbor:"platform"`
	Arch             string `cbor:"arch"`
	Ed25519PublicKey []byte `cbor:"ed25519_public_key"`
	X25519PublicKey  []byte `cbor:"x25519_public_key"`
	ProtocolVersion  int    `cbor:"protocol_version"`
	ChallengeNonce   []byte `cbor:"challenge_nonce"`
	Timestamp        int64  `cbor:"timestamp"`
	Signature        []byte `cbor:"signature"`
}

// Metadata returns the device metadata the hello carries.
func (h Hello) Metadata() pairing.DeviceMetadata {
	return pairing.DeviceMetadata{
		Hostname: h.Hostname,
		OS:       h.OS,
		Platform: h.Platform,
		Arch:     h.Arch,
	}
}

// PairingRequest asks the peer to establish mutual trust.
type PairingRequest struct {
	Type       string `cbor:"type"`
	RequestID  string `cbor:"request_id"`
	FromPeerID string `cbor:"from_peer_id"`
	MethodKind uint8  `cbor:"method_kind"`
	Code       string `cbor:"code,omitempty"`
	Hostname   string `cbor:"hostname"`
	OS         string `cbor:"os"`
	Platform   string `cbor:"platform"`
	Arch       string `cbor:"arch"`
	Timestamp  int64  `cbor:"timestamp"`
	Signature  []byte `cbor:"signature"`
}

// PairingResponse carries the peer's pairing decision.
type PairingResponse struct {
	Type       string `cbor:"type"`
	RequestID  string `cbor:"request_id"`
	Status     string `cbor:"status"`
	FromPeerID string `cbor:"from_peer_id"`
	Reason     string `cbor:"reason,omitempty"`
	Hostname   string `cbor:"hostname"`
	OS         string `cbor:"os"`
	Platform   string `cbor:"platform"`
	Arch       string `cbor:"arch"`
	Timestamp  int64  `cbor:"timestamp"`
	Signature  []byte `cbor:"signature"`
}

// RecordPut replicates one record to the receiving peer.
type RecordPut struct {
	Type      string `cbor:"type"`
	Key       []byte `cbor:"key"`
	Value     []byte `cbor:"value"`
	Timestamp int64  `cbor:"timestamp"`
}

// RecordGet queries the receiving peer's local record partition.
type RecordGet struct {
	Type    string `cbor:"type"`
	QueryID string `cbor:"query_id"`
	Key     []byte `cbor:"key"`
}

// RecordValue answers a RecordGet.
type RecordValue struct {
	Type    string `cbor:"type"`
	QueryID string `cbor:"query_id"`
	Key     []byte `cbor:"key"`
	Found   bool   `cbor:"found"`
	Value   []byte `cbor:"value,omitempty"`
}

// Unpair notifies the peer of a local trust revocation.
type Unpair struct {
	Type       string `cbor:"type"`
	FromPeerID string `cbor:"from_peer_id"`
	Timestamp  int64  `cbor:"timestamp"`
	Signature  []byte `cbor:"signature"`
}

// PingMessage is a keep-alive ping.
type PingMessage struct {
	Type       string `cbor:"type"`
	FromPeerID string `cbor:"from_peer_id"`
	Timestamp  int64  `cbor:"timestamp"`
}

// PongMessage is a keep-alive pong response.
type PongMessage struct {
	Type       string `cbor:"type"`
	FromPeerID string `cbor:"from_peer_id"`
	Timestamp  int64  `cbor:"timestamp"`
}

// DisconnectMessage signals graceful disconnect.
type DisconnectMessage struct {
	Type       string `cbor:"type"`
	FromPeerID string `cbor:"from_peer_id"`
	Timestamp  int64  `cbor:"timestamp"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type              string `cbor:"type"`
	Code              string `cbor:"code"`
	Message           string `cbor:"message"`
	SupportedVersions []int  `cbor:"supported_versions,omitempty"`
	Timestamp         int64  `cbor:"timestamp"`
}

// EncodeMessage marshals a protocol message to CBOR.
func EncodeMessage(message any) ([]byte, error) {
	payload, err := cbor.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessage unmarshals a CBOR payload into a protocol message.
func DecodeMessage(payload []byte, message any) error {
	if err := cbor.Unmarshal(payload, message); err != nil {
		return fmt.Errorf("decode protocol message: %w", err)
	}
	return nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := cbor.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

func buildHello(identity LocalIdentity, ephemeralPublicKey, challengeNonce []byte, msgType string) (Hello, error) {
	if len(identity.Ed25519PrivateKey) != ed25519.PrivateKeySize {
		return Hello{}, errors.New("invalid local Ed25519 private key")
	}
	if len(identity.Ed25519PublicKey) != ed25519.PublicKeySize {
		return Hello{}, errors.New("invalid local Ed25519 public key")
	}
	if len(challengeNonce) != ChallengeNonceSize {
		return Hello{}, fmt.Errorf("invalid challenge nonce length: got %d want %d", len(challengeNonce), ChallengeNonceSize)
	}

	msg := Hello{
		Type:             msgType,
		PeerID:           identity.PeerID,
		Hostname:         identity.Metadata.Hostname,
		OS:               identity.Metadata.OS,
		Platform:         identity.Metadata.Platform,
		Arch:             identity.Metadata.Arch,
		Ed25519PublicKey: append([]byte(nil), identity.Ed25519PublicKey...),
		X25519PublicKey:  append([]byte(nil), ephemeralPublicKey...),
		ProtocolVersion:  ProtocolVersion,
		ChallengeNonce:   append([]byte(nil), challengeNonce...),
		Timestamp:        time.Now().UnixMilli(),
	}

	signature, err := signHello(msg, identity.Ed25519PrivateKey)
	if err != nil {
		return Hello{}, err
	}
	msg.Signature = signature
	return msg, nil
}

// BuildHello builds and signs a hello message.
func BuildHello(identity LocalIdentity, ephemeralPublicKey, challengeNonce []byte) (Hello, error) {
	return buildHello(identity, ephemeralPublicKey, challengeNonce, TypeHello)
}

// BuildHelloAck builds and signs a hello_ack message.
func BuildHelloAck(identity LocalIdentity, ephemeralPublicKey, challengeNonce []byte) (Hello, error) {
	return buildHello(identity, ephemeralPublicKey, challengeNonce, TypeHelloAck)
}

// VerifyHello checks the protocol version and signature of a hello or
// hello_ack and returns the sender's verified Ed25519 public key.
func VerifyHello(msg Hello) (ed25519.PublicKey, error) {
	if msg.ProtocolVersion != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}
	if len(msg.Ed25519PublicKey) != ed25519.PublicKeySize {
		return nil, errors.New("invalid Ed25519 public key length")
	}

	publicKey := ed25519.PublicKey(msg.Ed25519PublicKey)
	signature := msg.Signature

	signaturePayload := msg
	signaturePayload.Signature = nil
	signable, err := cbor.Marshal(signaturePayload)
	if err != nil {
		return nil, fmt.Errorf("marshal hello signable payload: %w", err)
	}
	if !crypto.Verify(publicKey, signable, signature) {
		return nil, ErrInvalidSignature
	}

	return publicKey, nil
}

func signHello(msg Hello, privateKey ed25519.PrivateKey) ([]byte, error) {
	signaturePayload := msg
	signaturePayload.Signature = nil
	signable, err := cbor.Marshal(signaturePayload)
	if err != nil {
		return nil, fmt.Errorf("marshal hello signable payload: %w", err)
	}

	signature, err := crypto.Sign(privateKey, signable)
	if err != nil {
		return nil, fmt.Errorf("sign hello payload: %w", err)
	}
	return signature, nil
}

func signMessage(message any, setSignature func([]byte), privateKey ed25519.PrivateKey) error {
	signable, err := cbor.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal signable payload: %w", err)
	}
	signature, err := crypto.Sign(privateKey, signable)
	if err != nil {
		return fmt.Errorf("sign payload: %w", err)
	}
	setSignature(signature)
	return nil
}

func verifyMessage(message any, signature []byte, publicKey ed25519.PublicKey) error {
	signable, err := cbor.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal signable payload: %w", err)
	}
	if !crypto.Verify(publicKey, signable, signature) {
		return ErrInvalidSignature
	}
	return nil
}

func withinTimestampSkew(timestamp int64) bool {
	delta := time.Since(time.UnixMilli(timestamp))
	if delta < 0 {
		delta = -delta
	}
	return delta <= maxTimestampSkew
}

func makeVersionMismatchError(got int64) ErrorMessage {
	return ErrorMessage{
		Type:              TypeError,
		Code:              "version_mismatch",
		Message:           fmt.Sprintf("Unsupported protocol version. Expected %d, got %d.", ProtocolVersion, got),
		SupportedVersions: []int{ProtocolVersion},
		Timestamp:         time.Now().UnixMilli(),
	}
}
