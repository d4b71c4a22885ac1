package wire

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"pairlink/crypto"
)

// Server accepts inbound TCP sessions and upgrades them to PeerConnection.
type Server struct {
	listener net.Listener
	options  HelloOptions

	incoming chan *PeerConnection
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and hello accept loop.
func Listen(address string, options HelloOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		incoming: make(chan *PeerConnection, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming returns accepted connections that completed the hello exchange.
func (s *Server) Incoming() <-chan *PeerConnection {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			select {
			case s.errs <- fmt.Errorf("accept connection: %w", err):
			default:
			}
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(s.options.ConnectionTimeout)); err != nil {
		s.reportError(fmt.Errorf("set hello deadline: %w", err))
		return
	}

	nonce, err := generateChallengeNonce()
	if err != nil {
		s.reportError(fmt.Errorf("generate hello challenge nonce: %w", err))
		return
	}
	challengePayload, err := EncodeMessage(HelloChallenge{
		Type:  TypeHelloChallenge,
		Nonce: nonce,
	})
	if err != nil {
		s.reportError(err)
		return
	}
	if err := WriteFrame(conn, challengePayload); err != nil {
		s.reportError(fmt.Errorf("write hello challenge: %w", err))
		return
	}

	helloPayload, err := ReadFrameWithTimeout(conn, s.options.ConnectionTimeout)
	if err != nil {
		s.reportError(fmt.Errorf("read hello: %w", err))
		return
	}

	msgType, err := DecodeMessageType(helloPayload)
	if err != nil {
		s.reportError(err)
		return
	}
	if msgType != TypeHello {
		_ = s.sendError(conn, ErrorMessage{
			Type:      TypeError,
			Code:      "unknown_type",
			Message:   fmt.Sprintf("Expected %q, got %q", TypeHello, msgType),
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}

	var hello Hello
	if err := DecodeMessage(helloPayload, &hello); err != nil {
		s.reportError(err)
		return
	}

	if hello.ProtocolVersion != ProtocolVersion {
		_ = s.sendError(conn, makeVersionMismatchError(int64(hello.ProtocolVersion)))
		return
	}
	if !bytes.Equal(hello.ChallengeNonce, nonce) {
		_ = s.sendError(conn, ErrorMessage{
			Type:      TypeError,
			Code:      "invalid_hello_challenge",
			Message:   "Hello challenge nonce mismatch.",
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}

	peerPublicKey, err := VerifyHello(hello)
	if err != nil {
		s.reportError(fmt.Errorf("verify hello: %w", err))
		return
	}

	localEphemeralPrivateKey, localEphemeralPublicKey, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		s.reportError(err)
		return
	}

	sessionKey, err := deriveSessionKey(localEphemeralPrivateKey, hello.X25519PublicKey, s.options.Identity.PeerID, hello.PeerID, hello.ChallengeNonce)
	if err != nil {
		s.reportError(err)
		return
	}

	ack, err := BuildHelloAck(s.options.Identity, localEphemeralPublicKey.Bytes(), nonce)
	if err != nil {
		s.reportError(err)
		return
	}
	ackPayload, err := EncodeMessage(ack)
	if err != nil {
		s.reportError(err)
		return
	}
	if err := WriteFrame(conn, ackPayload); err != nil {
		s.reportError(fmt.Errorf("write hello ack: %w", err))
		return
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		s.reportError(fmt.Errorf("clear hello deadline: %w", err))
		return
	}

	peerConnection := newPeerConnection(conn, sessionKey, ConnectionOptions{
		LocalPeerID:       s.options.Identity.PeerID,
		PeerID:            hello.PeerID,
		PeerMetadata:      hello.Metadata(),
		PeerPublicKey:     peerPublicKey,
		KeepAliveInterval: s.options.KeepAliveInterval,
		KeepAliveTimeout:  s.options.KeepAliveTimeout,
		FrameReadTimeout:  s.options.FrameReadTimeout,
		AutoRespondPing:   s.options.autoRespondPingEnabled(),
	})

	closeConn = false
	select {
	case s.incoming <- peerConnection:
	case <-s.closed:
		_ = peerConnection.Close()
	}
}

func (s *Server) sendError(conn net.Conn, message ErrorMessage) error {
	payload, err := EncodeMessage(message)
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}

func generateChallengeNonce() ([]byte, error) {
	nonce := make([]byte, ChallengeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}
