package server

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/moovy2/snitun/internal/config"
	"github.com/moovy2/snitun/internal/multiplexer"
	"github.com/moovy2/snitun/internal/protocol"
	"github.com/moovy2/snitun/internal/token"
	"github.com/moovy2/snitun/internal/util"
)

// PeerListener accepts tunnel connections from clients and runs the
// challenge/Fernet handshake. Any failure closes the socket without a reply
// so probers learn nothing.
type PeerListener struct {
	manager *PeerManager
	cfg     config.Server

	keyMu sync.RWMutex
	keys  []*fernet.Key
}

// NewPeerListener creates a listener bound to the registry. cfg.FernetKeys
// must decode; every key verifies, rotation goes through SetKeys.
func NewPeerListener(manager *PeerManager, cfg config.Server) (*PeerListener, error) {
	l := &PeerListener{manager: manager, cfg: cfg}
	if err := l.SetKeys(cfg.FernetKeys); err != nil {
		return nil, err
	}
	return l, nil
}

// SetKeys replaces the accepted Fernet keys (hot rotation).
func (l *PeerListener) SetKeys(encoded []string) error {
	keys, err := fernet.DecodeKeys(encoded...)
	if err != nil {
		return fmt.Errorf("invalid fernet keys: %w", err)
	}
	l.keyMu.Lock()
	l.keys = keys
	l.keyMu.Unlock()
	return nil
}

func (l *PeerListener) fernetKeys() []*fernet.Key {
	l.keyMu.RLock()
	defer l.keyMu.RUnlock()
	return l.keys
}

// Run accepts tunnel connections until ctx is cancelled. Each connection is
// handled on its own goroutine; handshake errors never stop the loop.
func (l *PeerListener) Run(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	util.LogInfo("tunnel endpoint listening on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("tunnel accept error: %w", err)
			}
		}
		go l.handleConnection(ctx, conn)
	}
}

// handleConnection runs one handshake and, on success, registers the peer.
func (l *PeerListener) handleConnection(ctx context.Context, conn net.Conn) {
	peer, err := l.handshake(conn)
	if err != nil {
		util.LogDebug("handshake with %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	if err := peer.Start(ctx, conn, multiplexer.Config{}); err != nil {
		util.LogWarning("peer start failed: %v", err)
		conn.Close()
		return
	}
	l.manager.Register(peer)
	util.LogInfo("peer %x connected for %v", peer.identity[:4], peer.Hostnames())
}

// handshake validates one tunnel client:
//
//  1. read the client's 32-byte hello, answer with a random challenge
//  2. read the length-prefixed Fernet token
//  3. check signature, age, embedded challenge and expiry
//
// The whole exchange is bounded by the handshake deadline.
func (l *PeerListener) handshake(conn net.Conn) (*Peer, error) {
	if err := conn.SetDeadline(time.Now().Add(l.cfg.HandshakeTTL)); err != nil {
		return nil, err
	}

	hello := make([]byte, token.ChallengeSize)
	if _, err := io.ReadFull(conn, hello); err != nil {
		return nil, fmt.Errorf("reading hello: %w", err)
	}

	challenge := make([]byte, token.ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, err
	}
	if _, err := conn.Write(challenge); err != nil {
		return nil, fmt.Errorf("writing challenge: %w", err)
	}

	var sizeBuf [2]byte
	if _, err := io.ReadFull(conn, sizeBuf[:]); err != nil {
		return nil, fmt.Errorf("reading token size: %w", err)
	}
	size := binary.BigEndian.Uint16(sizeBuf[:])
	if size == 0 || int(size) > token.MaxTokenSize {
		return nil, fmt.Errorf("%w: token size %d", protocol.ErrAuthentication, size)
	}
	tok := make([]byte, size)
	if _, err := io.ReadFull(conn, tok); err != nil {
		return nil, fmt.Errorf("reading token: %w", err)
	}

	session, err := token.Verify(l.fernetKeys(), tok, l.cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(session.Challenge[:], challenge) {
		return nil, fmt.Errorf("%w: challenge mismatch", protocol.ErrAuthentication)
	}
	if session.Expired(time.Now()) {
		return nil, fmt.Errorf("%w: token expired", protocol.ErrAuthentication)
	}
	for i, hostname := range session.Hostnames {
		normalized, err := NormalizeHostname(hostname)
		if err != nil {
			return nil, err
		}
		session.Hostnames[i] = normalized
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	return NewPeer(session, l.cfg.Throttling), nil
}
