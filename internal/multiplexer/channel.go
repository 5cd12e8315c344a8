package multiplexer

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/moovy2/snitun/internal/protocol"
	"github.com/moovy2/snitun/internal/util"
)

// Tuning constants.
const (
	// MaxDataSize is the largest DATA fragment a channel emits. Larger
	// writes are split so one channel cannot hog the writer.
	MaxDataSize = 4 * 1024

	// WriteSoftCap bounds the bytes a channel may have queued on the
	// multiplexer output before Write suspends the local producer.
	WriteSoftCap = 64 * 1024

	// inputQueueSize is the incoming payload queue capacity in messages.
	// The byte-based watermarks are the real bound; this only has to hold
	// a high-water's worth of compliant-size fragments.
	inputQueueSize = 1024
)

// Channel is one bidirectional logical stream inside a multiplexer.
//
// Incoming payloads are appended by the multiplexer reader goroutine and
// consumed through Read. When the buffered bytes reach the high-water mark
// the channel asks the remote to PAUSE, and RESUMEs it once the consumer has
// drained below the low-water mark.
type Channel struct {
	id       uuid.UUID
	hostname string
	alpn     string

	mux *Multiplexer // emit-frame back-reference only

	input      chan []byte
	inputBytes atomic.Int64
	inputOnce  sync.Once // guards close(input)

	localOpen   atomic.Bool
	remoteOpen  atomic.Bool
	pausedLocal atomic.Bool // we sent PAUSE and owe a RESUME
	closeOnce   sync.Once

	// Outbound gate toggled by remote PAUSE/RESUME frames.
	gateMu  sync.Mutex
	gated   bool
	resumeC chan struct{}

	// Outbound soft-cap backpressure with a drain signal.
	outPending atomic.Int64
	outDrain   chan struct{}
}

// newChannel creates a channel in the open/open state. Used for both locally
// and remotely initiated channels.
func newChannel(mux *Multiplexer, id uuid.UUID, hostname, alpn string) *Channel {
	c := &Channel{
		id:       id,
		hostname: hostname,
		alpn:     alpn,
		mux:      mux,
		input:    make(chan []byte, inputQueueSize),
		outDrain: make(chan struct{}, 1),
	}
	c.localOpen.Store(true)
	c.remoteOpen.Store(true)
	return c
}

// ID returns the 16-byte channel identifier.
func (c *Channel) ID() uuid.UUID { return c.id }

// Hostname returns the SNI hostname the channel was opened for.
func (c *Channel) Hostname() string { return c.hostname }

// ALPN returns the ALPN hint carried by the NEW frame, if any.
func (c *Channel) ALPN() string { return c.alpn }

// Write queues data for transmission, fragmented to MaxDataSize. It returns
// once every fragment is accepted by the multiplexer output queue, suspending
// while the remote has paused the channel or while WriteSoftCap bytes or more
// are still queued locally.
func (c *Channel) Write(ctx context.Context, data []byte) error {
	for len(data) > 0 {
		chunk := data
		if len(chunk) > MaxDataSize {
			chunk = chunk[:MaxDataSize]
		}

		for c.outPending.Load() >= WriteSoftCap {
			select {
			case <-c.outDrain:
			case <-ctx.Done():
				return ctx.Err()
			case <-c.mux.ctx.Done():
				return protocol.ErrMultiplexerTransport
			}
		}

		if err := c.waitResume(ctx); err != nil {
			return err
		}
		select {
		case <-c.mux.ctx.Done():
			return protocol.ErrMultiplexerTransport
		default:
		}
		if !c.localOpen.Load() {
			return protocol.ErrChannelClosed
		}

		c.outPending.Add(int64(len(chunk)))
		msg := &protocol.Message{ID: c.id, Type: protocol.TypeData, Payload: chunk}
		if err := c.mux.queue(ctx, msg, c); err != nil {
			c.releaseOut(len(chunk))
			return err
		}

		data = data[len(chunk):]
	}
	return nil
}

// Read returns the next available chunk. It returns io.EOF once the remote
// side has closed and the queue is drained.
func (c *Channel) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.input:
		if !ok {
			return nil, io.EOF
		}
		buffered := c.inputBytes.Add(int64(-len(data)))
		if buffered < c.mux.lowWater && c.pausedLocal.CompareAndSwap(true, false) {
			c.mux.queueControl(&protocol.Message{ID: c.id, Type: protocol.TypeResume})
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close half-closes the channel from the local side. At most one CLOSE frame
// is emitted; subsequent writes fail with ErrChannelClosed.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.localOpen.Store(false)
		c.mux.queueControl(&protocol.Message{ID: c.id, Type: protocol.TypeClose})
		c.mux.reap(c)
	})
}

// releaseOut credits back n written bytes and wakes a suspended Write.
func (c *Channel) releaseOut(n int) {
	if c.outPending.Add(int64(-n)) < WriteSoftCap {
		select {
		case c.outDrain <- struct{}{}:
		default:
		}
	}
}

// ---------------------------------------------------------------------------
// Remote flow control (PAUSE/RESUME received from the peer)
// ---------------------------------------------------------------------------

// setPausedRemote toggles the outbound gate.
func (c *Channel) setPausedRemote(paused bool) {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()

	if paused == c.gated {
		return
	}
	if paused {
		c.resumeC = make(chan struct{})
	} else if c.resumeC != nil {
		close(c.resumeC)
	}
	c.gated = paused
}

// waitResume blocks while the remote has paused this channel.
func (c *Channel) waitResume(ctx context.Context) error {
	c.gateMu.Lock()
	gated, resumeC := c.gated, c.resumeC
	c.gateMu.Unlock()

	if !gated {
		return nil
	}
	select {
	case <-resumeC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.mux.ctx.Done():
		return protocol.ErrMultiplexerTransport
	}
}

// ---------------------------------------------------------------------------
// Reader-goroutine entry points
// ---------------------------------------------------------------------------

// push appends an incoming DATA payload. Called only from the multiplexer
// reader goroutine. Crossing the high-water mark emits a PAUSE. A remote that
// keeps writing past high-water plus one maximum frame is misbehaving; its
// payload is dropped and the channel torn down rather than the whole session.
func (c *Channel) push(payload []byte) {
	if len(payload) == 0 || !c.remoteOpen.Load() {
		return
	}

	buffered := c.inputBytes.Add(int64(len(payload)))
	overflow := buffered > c.mux.highWater+protocol.MaxFrameSize
	if !overflow {
		select {
		case c.input <- payload:
		default:
			overflow = true
		}
	}
	if overflow {
		util.LogWarning("channel %s input overflow, closing channel", c.id)
		c.inputBytes.Add(int64(-len(payload)))
		// Treat the misbehaving remote as gone so later frames for this
		// id are dropped instead of queued.
		c.remoteOpen.Store(false)
		c.closeInput()
		c.Close()
		return
	}

	if buffered >= c.mux.highWater && c.pausedLocal.CompareAndSwap(false, true) {
		c.mux.queueControl(&protocol.Message{ID: c.id, Type: protocol.TypePause})
	}
}

// handleRemoteClose marks the remote side closed and signals EOF to readers
// once the buffered payloads are drained.
func (c *Channel) handleRemoteClose() {
	c.remoteOpen.Store(false)
	c.closeInput()
}

// closeInput closes the input queue exactly once. Buffered payloads remain
// readable; Read reports io.EOF afterwards.
func (c *Channel) closeInput() {
	c.inputOnce.Do(func() { close(c.input) })
}
