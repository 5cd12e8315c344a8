// Package multiplexer implements the framed, flow-controlled stream-of-streams
// that runs over a single tunnel connection.
package multiplexer

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moovy2/snitun/internal/protocol"
	"github.com/moovy2/snitun/internal/util"
)

const (
	// DefaultHighWater pauses the remote once this many bytes are buffered
	// on a channel.
	DefaultHighWater = 2 * 1024 * 1024

	// DefaultLowWater resumes the remote once the consumer drained below it.
	DefaultLowWater = 200 * 1024

	// DefaultPingTimeout bounds the wait for a PING echo.
	DefaultPingTimeout = 10 * time.Second

	// closeDrainTimeout bounds the flush of pending frames during Close.
	closeDrainTimeout = 5 * time.Second

	// outputQueueSize is the writer FIFO capacity in frames.
	outputQueueSize = 1024

	// newChannelQueueSize is the backlog of remotely opened channels
	// waiting for WaitForChannel.
	newChannelQueueSize = 32
)

// Config tunes a multiplexer. The zero value selects the defaults.
type Config struct {
	HighWater   int64
	LowWater    int64
	PingTimeout time.Duration
}

// outMessage is one writer FIFO entry. ch is set for DATA frames so the
// writer can credit the channel's soft cap after the bytes hit the wire.
// flush marks a drain barrier used by Close.
type outMessage struct {
	msg   *protocol.Message
	ch    *Channel
	flush chan struct{}
}

// Multiplexer demultiplexes incoming frames to channels and serializes
// outgoing frames onto the transport. One reader goroutine and one writer
// goroutine own the codec directions; everything else talks to them through
// the output FIFO and the channel table.
type Multiplexer struct {
	codec *protocol.Codec
	conn  net.Conn

	ctx    context.Context
	cancel context.CancelFunc

	channelMu sync.Mutex
	channels  map[uuid.UUID]*Channel
	dead      bool

	newChannels chan *Channel
	output      chan outMessage

	pingMu sync.Mutex
	pings  map[[10]byte]chan struct{}

	highWater   int64
	lowWater    int64
	pingTimeout time.Duration

	lastActivity activityClock
	shutdownOnce sync.Once
	closeOnce    sync.Once
}

// New creates a multiplexer over conn with the given frame codec and starts
// the reader and writer goroutines. The multiplexer owns conn from here on.
func New(ctx context.Context, conn net.Conn, codec *protocol.Codec, cfg Config) *Multiplexer {
	if cfg.HighWater <= 0 {
		cfg.HighWater = DefaultHighWater
	}
	if cfg.LowWater <= 0 {
		cfg.LowWater = DefaultLowWater
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}

	mCtx, mCancel := context.WithCancel(ctx)
	m := &Multiplexer{
		codec:       codec,
		conn:        conn,
		ctx:         mCtx,
		cancel:      mCancel,
		channels:    make(map[uuid.UUID]*Channel),
		newChannels: make(chan *Channel, newChannelQueueSize),
		output:      make(chan outMessage, outputQueueSize),
		pings:       make(map[[10]byte]chan struct{}),
		highWater:   cfg.HighWater,
		lowWater:    cfg.LowWater,
		pingTimeout: cfg.PingTimeout,
	}
	m.lastActivity.set(time.Now())

	go m.writerLoop()
	go m.readerLoop()

	return m
}

// Done returns a channel closed when the multiplexer has shut down.
func (m *Multiplexer) Done() <-chan struct{} { return m.ctx.Done() }

// IsConnected reports whether the multiplexer is still running.
func (m *Multiplexer) IsConnected() bool {
	select {
	case <-m.ctx.Done():
		return false
	default:
		return true
	}
}

// LastActivity returns the arrival time of the most recent frame.
func (m *Multiplexer) LastActivity() time.Time { return m.lastActivity.get() }

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// CreateChannel allocates a fresh channel id, transmits NEW and returns a
// channel ready for I/O.
func (m *Multiplexer) CreateChannel(ctx context.Context, hostname, alpn string) (*Channel, error) {
	payload, err := protocol.EncodeHostname(hostname)
	if err != nil {
		return nil, err
	}

	ch := newChannel(m, uuid.New(), hostname, alpn)

	m.channelMu.Lock()
	if m.dead {
		m.channelMu.Unlock()
		return nil, protocol.ErrMultiplexerTransport
	}
	for {
		if _, live := m.channels[ch.id]; !live {
			break
		}
		ch.id = uuid.New()
	}
	m.channels[ch.id] = ch
	m.channelMu.Unlock()

	msg := &protocol.Message{ID: ch.id, Type: protocol.TypeNew, Payload: payload}
	copyALPN(&msg.Extra, alpn)
	if err := m.queue(ctx, msg, nil); err != nil {
		m.removeChannel(ch.id)
		return nil, err
	}

	util.LogDebug("new channel %s for %s", ch.id, hostname)
	return ch, nil
}

// WaitForChannel yields the next remotely opened channel in FIFO order.
func (m *Multiplexer) WaitForChannel(ctx context.Context) (*Channel, error) {
	select {
	case ch, ok := <-m.newChannels:
		if !ok {
			return nil, protocol.ErrMultiplexerTransport
		}
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.ctx.Done():
		return nil, protocol.ErrMultiplexerTransport
	}
}

// Ping emits a PING with a random tag and waits for the matching echo. It
// fails with ErrMultiplexerTransport when no echo arrives within the
// configured timeout.
func (m *Multiplexer) Ping(ctx context.Context) error {
	var tag [10]byte
	if _, err := rand.Read(tag[:]); err != nil {
		return err
	}

	waiter := make(chan struct{})
	m.pingMu.Lock()
	m.pings[tag] = waiter
	m.pingMu.Unlock()
	defer func() {
		m.pingMu.Lock()
		delete(m.pings, tag)
		m.pingMu.Unlock()
	}()

	msg := &protocol.Message{Type: protocol.TypePing}
	msg.Extra[0] = protocol.PingRequest
	copy(msg.Extra[1:], tag[:])
	if err := m.queue(ctx, msg, nil); err != nil {
		return err
	}

	select {
	case <-waiter:
		return nil
	case <-time.After(m.pingTimeout):
		return fmt.Errorf("%w: ping timeout", protocol.ErrMultiplexerTransport)
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return protocol.ErrMultiplexerTransport
	}
}

// Close half-closes every channel, drains pending writes with a bounded
// deadline and closes the transport.
func (m *Multiplexer) Close() {
	m.closeOnce.Do(func() {
		m.channelMu.Lock()
		open := make([]*Channel, 0, len(m.channels))
		for _, ch := range m.channels {
			open = append(open, ch)
		}
		m.channelMu.Unlock()

		for _, ch := range open {
			ch.Close()
		}

		// Drain barrier: wait until the writer has flushed everything
		// queued so far, or give up after the deadline.
		flush := make(chan struct{})
		select {
		case m.output <- outMessage{flush: flush}:
			select {
			case <-flush:
			case <-time.After(closeDrainTimeout):
			case <-m.ctx.Done():
			}
		case <-time.After(closeDrainTimeout):
		case <-m.ctx.Done():
		}

		m.shutdown(nil)
	})
}

// ---------------------------------------------------------------------------
// Internal plumbing
// ---------------------------------------------------------------------------

// queue appends a frame to the writer FIFO, honoring both the caller's and
// the multiplexer's lifetime.
func (m *Multiplexer) queue(ctx context.Context, msg *protocol.Message, ch *Channel) error {
	select {
	case m.output <- outMessage{msg: msg, ch: ch}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return protocol.ErrMultiplexerTransport
	}
}

// queueControl appends a control frame (CLOSE/PAUSE/RESUME/PING echo) bound
// only by the multiplexer's lifetime.
func (m *Multiplexer) queueControl(msg *protocol.Message) {
	select {
	case m.output <- outMessage{msg: msg}:
	case <-m.ctx.Done():
	}
}

// shutdown terminates the multiplexer exactly once: cancels the context and
// closes the transport, which unblocks both loops.
func (m *Multiplexer) shutdown(err error) {
	m.shutdownOnce.Do(func() {
		if err != nil {
			util.LogWarning("multiplexer shutdown: %v", err)
		}
		m.cancel()
		m.conn.Close()
	})
}

// removeChannel drops a channel from the table.
func (m *Multiplexer) removeChannel(id uuid.UUID) {
	m.channelMu.Lock()
	delete(m.channels, id)
	m.channelMu.Unlock()
}

// lookupChannel resolves a frame's channel id.
func (m *Multiplexer) lookupChannel(id uuid.UUID) (*Channel, bool) {
	m.channelMu.Lock()
	ch, ok := m.channels[id]
	m.channelMu.Unlock()
	return ch, ok
}

// reap removes a channel once both sides are closed.
func (m *Multiplexer) reap(ch *Channel) {
	if !ch.localOpen.Load() && !ch.remoteOpen.Load() {
		m.removeChannel(ch.id)
	}
}

// ---------------------------------------------------------------------------
// Writer goroutine
// ---------------------------------------------------------------------------

// writerLoop drains the output FIFO in arrival order, encoding and writing
// each frame. Per-channel order is preserved because every channel feeds the
// same FIFO; no channel can starve the writer for longer than one frame.
func (m *Multiplexer) writerLoop() {
	for {
		select {
		case om := <-m.output:
			if om.flush != nil {
				close(om.flush)
				continue
			}

			buf, err := m.codec.Encode(om.msg)
			if err != nil {
				m.shutdown(err)
				return
			}
			_, err = m.conn.Write(buf)
			if om.ch != nil {
				om.ch.releaseOut(len(om.msg.Payload))
			}
			if err != nil {
				m.shutdown(fmt.Errorf("%w: %v", protocol.ErrMultiplexerTransport, err))
				return
			}
			util.Stats.AddSent(len(buf))

		case <-m.ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Reader goroutine
// ---------------------------------------------------------------------------

// readerLoop blocks on Decode and dispatches frames by type. Any decode
// failure or protocol violation terminates the whole session. On exit it
// invalidates every channel so pending reads finish with EOF.
func (m *Multiplexer) readerLoop() {
	defer m.teardownChannels()

	for {
		msg, err := m.codec.Decode(m.conn)
		if err != nil {
			m.shutdown(fmt.Errorf("%w: %v", protocol.ErrMultiplexerTransport, err))
			return
		}
		m.lastActivity.set(time.Now())
		util.Stats.AddRecv(protocol.HeaderSize + len(msg.Payload))

		switch msg.Type {
		case protocol.TypeNew:
			if !m.handleNew(msg) {
				return
			}
		case protocol.TypeData:
			if ch, ok := m.lookupChannel(msg.ID); ok {
				ch.push(msg.Payload)
			} else {
				util.LogDebug("data for unknown channel %s dropped", msg.ID)
			}
		case protocol.TypeClose:
			if ch, ok := m.lookupChannel(msg.ID); ok {
				ch.handleRemoteClose()
				m.reap(ch)
			}
		case protocol.TypePause:
			if ch, ok := m.lookupChannel(msg.ID); ok {
				ch.setPausedRemote(true)
			}
		case protocol.TypeResume:
			if ch, ok := m.lookupChannel(msg.ID); ok {
				ch.setPausedRemote(false)
			}
		case protocol.TypePing:
			m.handlePing(msg)
		}
	}
}

// handleNew constructs a remotely initiated channel. A NEW that reuses a live
// id is a protocol violation and kills the session (the silent-ignore of
// older peers masks bugs). Returns false when the session was terminated.
func (m *Multiplexer) handleNew(msg *protocol.Message) bool {
	hostname, err := protocol.DecodeHostname(msg.Payload)
	if err != nil {
		m.shutdown(err)
		return false
	}

	ch := newChannel(m, msg.ID, hostname, alpnFromExtra(msg.Extra))

	m.channelMu.Lock()
	if _, live := m.channels[msg.ID]; live {
		m.channelMu.Unlock()
		m.shutdown(fmt.Errorf("%w: NEW reuses live channel id %s", protocol.ErrProtocol, msg.ID))
		return false
	}
	m.channels[msg.ID] = ch
	m.channelMu.Unlock()

	select {
	case m.newChannels <- ch:
	default:
		// Nobody is accepting channels fast enough — refuse politely.
		util.LogWarning("channel backlog full, refusing %s", msg.ID)
		m.removeChannel(msg.ID)
		m.queueControl(&protocol.Message{ID: msg.ID, Type: protocol.TypeClose})
	}
	return true
}

// handlePing echoes requests and fires the waiter for responses.
func (m *Multiplexer) handlePing(msg *protocol.Message) {
	if msg.Extra[0] == protocol.PingRequest {
		echo := &protocol.Message{Type: protocol.TypePing, Extra: msg.Extra}
		echo.Extra[0] = protocol.PingResponse
		m.queueControl(echo)
		return
	}

	var tag [10]byte
	copy(tag[:], msg.Extra[1:])
	m.pingMu.Lock()
	waiter, ok := m.pings[tag]
	if ok {
		delete(m.pings, tag)
	}
	m.pingMu.Unlock()
	if ok {
		close(waiter)
	}
}

// teardownChannels invalidates every channel after the reader exits. Pending
// reads drain their queues and then observe EOF; pending writes fail against
// the cancelled context.
func (m *Multiplexer) teardownChannels() {
	m.channelMu.Lock()
	channels := m.channels
	m.channels = make(map[uuid.UUID]*Channel)
	m.dead = true
	m.channelMu.Unlock()

	for _, ch := range channels {
		ch.localOpen.Store(false)
		ch.remoteOpen.Store(false)
		ch.setPausedRemote(false)
		ch.closeInput()
	}
	close(m.newChannels)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// copyALPN stores an ALPN hint into a frame extra field: one length byte
// followed by the protocol name, truncated to the available space.
func copyALPN(extra *[protocol.ExtraSize]byte, alpn string) {
	if len(alpn) > protocol.ExtraSize-1 {
		alpn = alpn[:protocol.ExtraSize-1]
	}
	extra[0] = byte(len(alpn))
	copy(extra[1:], alpn)
}

// alpnFromExtra reverses copyALPN.
func alpnFromExtra(extra [protocol.ExtraSize]byte) string {
	size := int(extra[0])
	if size > protocol.ExtraSize-1 {
		return ""
	}
	return string(extra[1 : 1+size])
}

// activityClock is a tiny mutex-guarded holder for the last-activity
// timestamp.
type activityClock struct {
	mu sync.Mutex
	t  time.Time
}

func (a *activityClock) set(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *activityClock) get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}
