// Package server implements the public edge: tunnel handshake, peer
// registry, SNI dispatch and the peer-check endpoint.
package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/moovy2/snitun/internal/multiplexer"
	"github.com/moovy2/snitun/internal/protocol"
	"github.com/moovy2/snitun/internal/token"
)

// minBurst keeps the throttle burst above one DATA fragment so WaitN can
// always make progress.
const minBurst = 2 * multiplexer.MaxDataSize

// Peer holds one authenticated tunnel session: the transport, the
// multiplexer and the hostnames routed into it.
type Peer struct {
	identity   [token.IdentitySize]byte
	hostnames  []string
	aesKey     [32]byte
	aesIV      [16]byte
	validUntil time.Time
	limiter    *rate.Limiter

	mux    *multiplexer.Multiplexer
	expiry *time.Timer
}

// NewPeer builds a peer from a verified session token. throttling is the
// byte-rate limit applied to outside traffic, 0 for unlimited.
func NewPeer(session *token.Session, throttling int) *Peer {
	p := &Peer{
		identity:   session.Identity,
		hostnames:  session.Hostnames,
		aesKey:     session.AESKey,
		aesIV:      session.AESIV,
		validUntil: session.ValidUntil,
	}
	if throttling > 0 {
		burst := throttling
		if burst < minBurst {
			burst = minBurst
		}
		p.limiter = rate.NewLimiter(rate.Limit(throttling), burst)
	}
	return p
}

// Identity returns the opaque client identity as a map key.
func (p *Peer) Identity() string { return string(p.identity[:]) }

// Hostnames returns the hostnames owned by this peer.
func (p *Peer) Hostnames() []string { return p.hostnames }

// Limiter returns the peer's byte-rate limiter, nil when unthrottled.
func (p *Peer) Limiter() *rate.Limiter { return p.limiter }

// IsValid reports whether the session token is still within its window.
func (p *Peer) IsValid(now time.Time) bool { return p.validUntil.After(now) }

// Multiplexer returns the running multiplexer, nil before Start.
func (p *Peer) Multiplexer() *multiplexer.Multiplexer { return p.mux }

// IsConnected reports whether the tunnel is up.
func (p *Peer) IsConnected() bool { return p.mux != nil && p.mux.IsConnected() }

// LastActivity returns the arrival time of the peer's most recent frame.
func (p *Peer) LastActivity() time.Time {
	if p.mux == nil {
		return time.Time{}
	}
	return p.mux.LastActivity()
}

// Start brings up the multiplexer over the authenticated connection and arms
// the token-expiry tick that tears the session down at valid_until.
func (p *Peer) Start(ctx context.Context, conn net.Conn, cfg multiplexer.Config) error {
	codec, err := protocol.NewCodec(p.aesKey[:], p.aesIV[:])
	if err != nil {
		return err
	}
	p.mux = multiplexer.New(ctx, conn, codec, cfg)

	ttl := time.Until(p.validUntil)
	if ttl <= 0 {
		p.Close()
		return fmt.Errorf("%w: session expired at start", protocol.ErrAuthentication)
	}
	p.expiry = time.AfterFunc(ttl, p.Close)

	return nil
}

// Done returns a channel closed when the peer's tunnel has shut down.
func (p *Peer) Done() <-chan struct{} {
	if p.mux == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return p.mux.Done()
}

// Close tears down the multiplexer, all channels and the transport.
func (p *Peer) Close() {
	if p.expiry != nil {
		p.expiry.Stop()
	}
	if p.mux != nil {
		p.mux.Close()
	}
}
