package wire

import (
	"errors"
	"fmt"
	"net"
	"time"

	"pairlink/crypto"
)

// Dial connects to a peer, performs the hello exchange, and returns a ready
// PeerConnection.
func Dial(address string, options HelloOptions) (*PeerConnection, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", address, opts.ConnectionTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set hello deadline: %w", err)
	}

	challengePayload, err := ReadFrameWithTimeout(conn, opts.ConnectionTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read hello challenge: %w", err)
	}
	challengeType, err := DecodeMessageType(challengePayload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if challengeType == TypeError {
		_ = conn.Close()
		return nil, decodeRemoteError(challengePayload)
	}
	if challengeType != TypeHelloChallenge {
		_ = conn.Close()
		return nil, fmt.Errorf("expected %q, got %q", TypeHelloChallenge, challengeType)
	}

	var challenge HelloChallenge
	if err := DecodeMessage(challengePayload, &challenge); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if len(challenge.Nonce) != ChallengeNonceSize {
		_ = conn.Close()
		return nil, fmt.Errorf("invalid hello challenge nonce length: got %d want %d", len(challenge.Nonce), ChallengeNonceSize)
	}

	localEphemeralPrivateKey, localEphemeralPublicKey, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	hello, err := BuildHello(opts.Identity, localEphemeralPublicKey.Bytes(), challenge.Nonce)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	payload, err := EncodeMessage(hello)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	ackPayload, err := ReadFrameWithTimeout(conn, opts.ConnectionTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read hello ack: %w", err)
	}

	msgType, err := DecodeMessageType(ackPayload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if msgType == TypeError {
		_ = conn.Close()
		return nil, decodeRemoteError(ackPayload)
	}
	if msgType != TypeHelloAck {
		_ = conn.Close()
		return nil, fmt.Errorf("expected %q, got %q", TypeHelloAck, msgType)
	}

	var ack Hello
	if err := DecodeMessage(ackPayload, &ack); err != nil {
		_ = conn.Close()
		return nil, err
	}
	peerPublicKey, err := VerifyHello(ack)
	if err != nil {
		_ = conn.Close()
		if errors.Is(err, ErrUnsupportedVersion) {
			return nil, err
		}
		return nil, fmt.Errorf("verify hello ack: %w", err)
	}

	sessionKey, err := deriveSessionKey(localEphemeralPrivateKey, ack.X25519PublicKey, opts.Identity.PeerID, ack.PeerID, challenge.Nonce)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clear hello deadline: %w", err)
	}

	connection := newPeerConnection(conn, sessionKey, ConnectionOptions{
		LocalPeerID:       opts.Identity.PeerID,
		PeerID:            ack.PeerID,
		PeerMetadata:      ack.Metadata(),
		PeerPublicKey:     peerPublicKey,
		KeepAliveInterval: opts.KeepAliveInterval,
		KeepAliveTimeout:  opts.KeepAliveTimeout,
		FrameReadTimeout:  opts.FrameReadTimeout,
		AutoRespondPing:   opts.autoRespondPingEnabled(),
	})

	return connection, nil
}

func decodeRemoteError(payload []byte) error {
	remoteErr := ErrorMessage{}
	if err := DecodeMessage(payload, &remoteErr); err != nil {
		return fmt.Errorf("decode remote error response: %w", err)
	}
	return fmt.Errorf("remote error [%s]: %s", remoteErr.Code, remoteErr.Message)
}
