package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/moovy2/snitun/internal/protocol"

	"github.com/moovy2/snitun/internal/multiplexer"
	"github.com/moovy2/snitun/internal/sni"
	"github.com/moovy2/snitun/internal/util"
)

// Tuning constants.
const (
	// helloTimeout bounds how long an outside connection may take to
	// deliver a parseable ClientHello.
	helloTimeout = 2 * time.Second

	// spliceReadTimeout is the short TCP read deadline used so the splice
	// loop can periodically check for cancellation.
	spliceReadTimeout = 100 * time.Millisecond
)

// SNIProxy accepts outside TLS connections, routes them by SNI hostname and
// splices them onto a channel of the owning peer's multiplexer.
type SNIProxy struct {
	manager *PeerManager
}

// NewSNIProxy creates a proxy over the given registry.
func NewSNIProxy(manager *PeerManager) *SNIProxy {
	return &SNIProxy{manager: manager}
}

// Run accepts outside connections until ctx is cancelled.
func (p *SNIProxy) Run(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	util.LogInfo("SNI endpoint listening on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("SNI accept error: %w", err)
			}
		}
		go p.handleConnection(ctx, conn)
	}
}

// handleConnection reads the ClientHello, resolves the peer and bridges the
// socket to a fresh channel. Failures drop the connection and nothing else.
func (p *SNIProxy) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	hello, hostname, err := p.readHello(conn)
	if err != nil {
		util.LogDebug("dropping %s: %v", conn.RemoteAddr(), err)
		return
	}

	normalized, err := NormalizeHostname(hostname)
	if err != nil {
		util.LogDebug("dropping %s: %v", conn.RemoteAddr(), err)
		return
	}
	peer, ok := p.manager.GetByHostname(normalized)
	if !ok {
		util.LogDebug("no peer for %s, dropping %s", normalized, conn.RemoteAddr())
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	channel, err := peer.Multiplexer().CreateChannel(connCtx, normalized, "")
	if err != nil {
		util.LogWarning("channel for %s failed: %v", normalized, err)
		return
	}
	defer channel.Close()

	util.Stats.AddConn()
	defer util.Stats.RemoveConn()
	util.LogDebug("connecting %s to %s over channel %s", conn.RemoteAddr(), normalized, channel.ID())

	// The ClientHello bytes already consumed become the first DATA frame.
	if err := p.writeThrottled(connCtx, peer, channel, hello); err != nil {
		return
	}

	// channel -> outside socket.
	go func() {
		defer cancel()
		for {
			data, err := channel.Read(connCtx)
			if err != nil {
				return
			}
			if _, err := conn.Write(data); err != nil {
				return
			}
		}
	}()

	// outside socket -> channel, with the peer's token bucket applied.
	buf := make([]byte, multiplexer.MaxDataSize)
	for {
		conn.SetReadDeadline(time.Now().Add(spliceReadTimeout))
		n, err := conn.Read(buf)

		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if werr := p.writeThrottled(connCtx, peer, channel, payload); werr != nil {
				return
			}
		}

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				select {
				case <-connCtx.Done():
					return
				default:
					continue
				}
			}
			return
		}
	}
}

// writeThrottled pushes bytes into the channel, paced by the peer's byte-rate
// limit when one is configured.
func (p *SNIProxy) writeThrottled(ctx context.Context, peer *Peer, channel *multiplexer.Channel, data []byte) error {
	if limiter := peer.Limiter(); limiter != nil {
		if err := limiter.WaitN(ctx, len(data)); err != nil {
			return err
		}
	}
	return channel.Write(ctx, data)
}

// readHello accumulates bytes until the ClientHello parses or the connect
// timeout expires, returning the consumed bytes and the SNI hostname.
func (p *SNIProxy) readHello(conn net.Conn) ([]byte, string, error) {
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 0, sni.MaxHelloSize)
	chunk := make([]byte, sni.MaxHelloSize)
	for {
		n, err := conn.Read(chunk[:sni.MaxHelloSize-len(buf)])
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			hostname, perr := sni.ParseHostname(buf)
			switch {
			case perr == nil:
				return buf, hostname, nil
			case len(buf) >= sni.MaxHelloSize:
				return nil, "", fmt.Errorf("no SNI within %d bytes", sni.MaxHelloSize)
			case isIncomplete(perr):
				// keep reading
			default:
				return nil, "", perr
			}
		}
		if err != nil {
			return nil, "", err
		}
	}
}

// isIncomplete reports whether the parser just needs more bytes.
func isIncomplete(err error) bool {
	return errors.Is(err, protocol.ErrIncomplete)
}
