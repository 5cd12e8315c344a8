// Package transport provides the optional WebSocket tunnel transport. It
// lets clients behind strict egress firewalls reach the tunnel endpoint over
// ws:// or wss:// while the rest of the stack keeps seeing a net.Conn.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// TunnelPath is the HTTP path upgraded to a tunnel WebSocket.
const TunnelPath = "/tunnel"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn adapts a WebSocket to net.Conn. Writes map to one binary message
// each; reads consume binary messages across message boundaries.
type Conn struct {
	ws     *websocket.Conn
	reader io.Reader
}

// NewConn wraps an established WebSocket.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

func (c *Conn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			msgType, r, err := c.ws.NextReader()
			if err != nil {
				return 0, wsError(err)
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			// Message exhausted — advance to the next one.
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, wsError(err)
	}
	return len(p), nil
}

func (c *Conn) Close() error         { return c.ws.Close() }
func (c *Conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// wsError normalizes closed-WebSocket errors to io.EOF so the frame codec
// treats them like any other transport end.
func wsError(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	) {
		return io.EOF
	}
	return err
}

// ---------------------------------------------------------------------------
// Listener
// ---------------------------------------------------------------------------

// Listener is a net.Listener whose Accept yields upgraded tunnel WebSockets.
type Listener struct {
	listener  net.Listener
	server    *http.Server
	conns     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

// ListenWS starts an HTTP server on addr that upgrades TunnelPath requests
// to tunnel connections.
func ListenWS(addr string) (*Listener, error) {
	tcp, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	l := &Listener{
		listener: tcp,
		conns:    make(chan net.Conn, 8),
		done:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(TunnelPath, l.handleUpgrade)
	l.server = &http.Server{Handler: mux}

	go func() { _ = l.server.Serve(tcp) }()

	return l, nil
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case l.conns <- NewConn(ws):
	case <-l.done:
		ws.Close()
	}
}

// Accept returns the next upgraded tunnel connection.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close stops the HTTP server and releases the listener.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.server.Close()
	})
	return err
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.listener.Addr() }

// ---------------------------------------------------------------------------
// Dialer
// ---------------------------------------------------------------------------

// DialWS connects to a ws:// or wss:// tunnel endpoint.
func DialWS(ctx context.Context, url string) (net.Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return NewConn(ws), nil
}
