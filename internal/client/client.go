// Package client implements the tunnel client: it keeps one authenticated
// session to the edge server alive and bridges incoming channels to the
// local backend.
package client

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/jpillora/backoff"

	"github.com/moovy2/snitun/internal/config"
	"github.com/moovy2/snitun/internal/multiplexer"
	"github.com/moovy2/snitun/internal/protocol"
	"github.com/moovy2/snitun/internal/token"
	"github.com/moovy2/snitun/internal/transport"
	"github.com/moovy2/snitun/internal/util"
)

// dialTimeout bounds the connect, and separately the handshake, on each
// attempt.
const dialTimeout = 30 * time.Second

// Client is the tunnel client worker.
type Client struct {
	cfg config.Client
	key *fernet.Key
}

// New validates the configuration and builds a client.
func New(cfg config.Client) (*Client, error) {
	cfg.Defaults()
	if len(cfg.Identity) != token.IdentitySize {
		return nil, fmt.Errorf("%w: identity must be %d bytes", protocol.ErrAuthentication, token.IdentitySize)
	}
	if len(cfg.Hostnames) == 0 {
		return nil, fmt.Errorf("%w: no hostnames configured", protocol.ErrAuthentication)
	}
	keys, err := fernet.DecodeKeys(cfg.FernetKey)
	if err != nil {
		return nil, fmt.Errorf("invalid fernet key: %w", err)
	}
	return &Client{cfg: cfg, key: keys[0]}, nil
}

// Run keeps the tunnel session up until ctx is cancelled, reconnecting with
// exponential backoff after every failure.
func (c *Client) Run(ctx context.Context) error {
	retry := &backoff.Backoff{
		Min:    c.cfg.ReconnectMin,
		Max:    c.cfg.ReconnectMax,
		Factor: 2,
		Jitter: true,
	}

	for {
		err := c.runSession(ctx, retry)
		if ctx.Err() != nil {
			return nil
		}
		wait := retry.Duration()
		util.LogWarning("tunnel session ended: %v — reconnecting in %s", err, wait.Round(time.Millisecond))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

// runSession dials, handshakes and serves channels until the session dies.
// retry is reset once the session proves healthy.
func (c *Client) runSession(ctx context.Context, retry *backoff.Backoff) error {
	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := c.dial(dialCtx)
	dialCancel()
	if err != nil {
		return err
	}

	mux, err := c.handshake(ctx, conn)
	if err != nil {
		conn.Close()
		return err
	}
	defer mux.Close()

	util.LogInfo("tunnel established to %s for %v", c.cfg.ServerAddr, c.cfg.Hostnames)

	// Keepalive: the first successful ping proves the session and resets
	// the backoff; a missed one tears the session down for reconnect.
	sessionCtx, sessionCancel := context.WithCancel(ctx)
	defer sessionCancel()
	go func() {
		defer sessionCancel()
		ticker := time.NewTicker(c.cfg.Keepalive)
		defer ticker.Stop()
		for first := true; ; first = false {
			if err := mux.Ping(sessionCtx); err != nil {
				if sessionCtx.Err() == nil {
					util.LogWarning("keepalive ping failed: %v", err)
					mux.Close()
				}
				return
			}
			if first {
				retry.Reset()
			}
			select {
			case <-ticker.C:
			case <-sessionCtx.Done():
				return
			}
		}
	}()

	for {
		channel, err := mux.WaitForChannel(sessionCtx)
		if err != nil {
			return err
		}
		go c.bridge(sessionCtx, channel)
	}
}

// dial connects to the configured endpoint, raw TCP or WebSocket.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if strings.HasPrefix(c.cfg.ServerAddr, "ws://") || strings.HasPrefix(c.cfg.ServerAddr, "wss://") {
		return transport.DialWS(ctx, c.cfg.ServerAddr)
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.cfg.ServerAddr, err)
	}
	return conn, nil
}

// handshake authenticates against the server and starts the multiplexer:
// send a 32-byte hello, receive the challenge, answer with a fresh Fernet
// token binding the challenge and this session's AES material.
func (c *Client) handshake(ctx context.Context, conn net.Conn) (*multiplexer.Multiplexer, error) {
	conn.SetDeadline(time.Now().Add(dialTimeout))

	hello := make([]byte, token.ChallengeSize)
	if _, err := rand.Read(hello); err != nil {
		return nil, err
	}
	if _, err := conn.Write(hello); err != nil {
		return nil, fmt.Errorf("writing hello: %w", err)
	}

	session := &token.Session{
		ValidUntil: time.Now().Add(c.cfg.TokenTTL),
		Hostnames:  c.cfg.Hostnames,
	}
	copy(session.Identity[:], c.cfg.Identity)
	if _, err := io.ReadFull(conn, session.Challenge[:]); err != nil {
		return nil, fmt.Errorf("reading challenge: %w", err)
	}
	if _, err := rand.Read(session.AESKey[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(session.AESIV[:]); err != nil {
		return nil, err
	}

	tok, err := token.Mint(c.key, session)
	if err != nil {
		return nil, err
	}
	wire := make([]byte, 2+len(tok))
	binary.BigEndian.PutUint16(wire[0:2], uint16(len(tok)))
	copy(wire[2:], tok)
	if _, err := conn.Write(wire); err != nil {
		return nil, fmt.Errorf("writing token: %w", err)
	}

	conn.SetDeadline(time.Time{})

	codec, err := protocol.NewCodec(session.AESKey[:], session.AESIV[:])
	if err != nil {
		return nil, err
	}
	return multiplexer.New(ctx, conn, codec, multiplexer.Config{}), nil
}
