package multiplexer

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/moovy2/snitun/internal/protocol"
)

// testPair wires two multiplexers together over an in-memory pipe, the same
// key/IV on both ends, and cleans them up with the test.
func testPair(t *testing.T, cfg Config) (*Multiplexer, *Multiplexer) {
	t.Helper()

	key := make([]byte, 32)
	iv := make([]byte, 16)
	_, err := rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	connA, connB := net.Pipe()
	codecA, err := protocol.NewCodec(key, iv)
	require.NoError(t, err)
	codecB, err := protocol.NewCodec(key, iv)
	require.NoError(t, err)

	muxA := New(context.Background(), connA, codecA, cfg)
	muxB := New(context.Background(), connB, codecB, cfg)
	t.Cleanup(func() {
		muxA.Close()
		muxB.Close()
	})
	return muxA, muxB
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCreateChannelRoundTrip(t *testing.T) {
	muxA, muxB := testPair(t, Config{})
	ctx := testContext(t)

	chA, err := muxA.CreateChannel(ctx, "example.com", "h2")
	require.NoError(t, err)

	chB, err := muxB.WaitForChannel(ctx)
	require.NoError(t, err)
	require.Equal(t, chA.ID(), chB.ID())
	require.Equal(t, "example.com", chB.Hostname())
	require.Equal(t, "h2", chB.ALPN())

	require.NoError(t, chA.Write(ctx, []byte("ping over the tunnel")))
	data, err := chB.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("ping over the tunnel"), data)

	require.NoError(t, chB.Write(ctx, []byte("pong back")))
	data, err = chA.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("pong back"), data)
}

// TestChannelByteOrder verifies the core ordering invariant: reads on the
// peer channel concatenate to exactly the written byte sequence.
func TestChannelByteOrder(t *testing.T) {
	muxA, muxB := testPair(t, Config{})
	ctx := testContext(t)

	chA, err := muxA.CreateChannel(ctx, "example.com", "")
	require.NoError(t, err)
	chB, err := muxB.WaitForChannel(ctx)
	require.NoError(t, err)

	// 100 KiB crosses many fragments.
	sent := make([]byte, 100*1024)
	_, err = rand.Read(sent)
	require.NoError(t, err)

	go func() {
		// Uneven write sizes to shake fragmentation boundaries.
		for pos, step := 0, 1; pos < len(sent); pos, step = pos+step, step*3+7 {
			end := pos + step
			if end > len(sent) {
				end = len(sent)
			}
			if chA.Write(ctx, sent[pos:end]) != nil {
				return
			}
		}
		chA.Close()
	}()

	var received bytes.Buffer
	for {
		data, err := chB.Read(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		received.Write(data)
	}
	require.True(t, bytes.Equal(sent, received.Bytes()))
}

func TestChannelCloseSemantics(t *testing.T) {
	muxA, muxB := testPair(t, Config{})
	ctx := testContext(t)

	chA, err := muxA.CreateChannel(ctx, "example.com", "")
	require.NoError(t, err)
	chB, err := muxB.WaitForChannel(ctx)
	require.NoError(t, err)

	require.NoError(t, chA.Write(ctx, []byte("last words")))
	chA.Close()
	chA.Close() // idempotent

	// CLOSE strictly follows the DATA from the same side.
	data, err := chB.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("last words"), data)
	_, err = chB.Read(ctx)
	require.ErrorIs(t, err, io.EOF)

	// Writes after local close fail.
	err = chA.Write(ctx, []byte("too late"))
	require.ErrorIs(t, err, protocol.ErrChannelClosed)
}

func TestPingRoundTrip(t *testing.T) {
	muxA, _ := testPair(t, Config{})
	require.NoError(t, muxA.Ping(testContext(t)))
}

// silentConn swallows writes and never delivers reads, simulating a peer
// that stopped responding.
type silentConn struct {
	net.Conn
	done chan struct{}
}

func (s *silentConn) Read(p []byte) (int, error) {
	<-s.done
	return 0, io.EOF
}

func (s *silentConn) Write(p []byte) (int, error) { return len(p), nil }
func (s *silentConn) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}

func TestPingTimeout(t *testing.T) {
	key := make([]byte, 32)
	iv := make([]byte, 16)
	_, err := rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	codec, err := protocol.NewCodec(key, iv)
	require.NoError(t, err)

	mux := New(context.Background(), &silentConn{done: make(chan struct{})}, codec, Config{
		PingTimeout: 100 * time.Millisecond,
	})
	t.Cleanup(mux.Close)

	err = mux.Ping(testContext(t))
	require.ErrorIs(t, err, protocol.ErrMultiplexerTransport)
}

// TestPauseResumeOnWire fills a channel past its high-water mark with no
// consumer attached and captures the PAUSE frame, then drains below the
// low-water mark and captures the RESUME.
func TestPauseResumeOnWire(t *testing.T) {
	raw, mux := newRawPeer(t, Config{HighWater: 16 * 1024, LowWater: 4 * 1024})
	ctx := testContext(t)

	id := uuid.New()
	hostname, err := protocol.EncodeHostname("example.com")
	require.NoError(t, err)
	raw.send(t, &protocol.Message{ID: id, Type: protocol.TypeNew, Payload: hostname})

	ch, err := mux.WaitForChannel(ctx)
	require.NoError(t, err)

	// Six 4 KiB frames cross the 16 KiB high-water mark.
	chunk := make([]byte, 4*1024)
	_, err = rand.Read(chunk)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		raw.send(t, &protocol.Message{ID: id, Type: protocol.TypeData, Payload: chunk})
	}

	raw.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	pause, err := raw.codec.Decode(raw.conn)
	require.NoError(t, err)
	require.Equal(t, protocol.TypePause, pause.Type)
	require.Equal(t, id, pause.ID)

	// Draining below 4 KiB buffered triggers exactly one RESUME.
	for i := 0; i < 6; i++ {
		data, err := ch.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, len(chunk), len(data))
	}

	raw.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resume, err := raw.codec.Decode(raw.conn)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeResume, resume.Type)
	require.Equal(t, id, resume.ID)
}

// TestWriteBackpressure blocks the transport entirely: a large Write must
// suspend on the per-channel soft cap and finish once the peer reads again.
func TestWriteBackpressure(t *testing.T) {
	raw, mux := newRawPeer(t, Config{})
	ctx := testContext(t)

	id := uuid.New()
	hostname, err := protocol.EncodeHostname("example.com")
	require.NoError(t, err)
	raw.send(t, &protocol.Message{ID: id, Type: protocol.TypeNew, Payload: hostname})

	ch, err := mux.WaitForChannel(ctx)
	require.NoError(t, err)

	sent := make([]byte, 512*1024)
	_, err = rand.Read(sent)
	require.NoError(t, err)

	writeDone := make(chan error, 1)
	go func() {
		err := ch.Write(ctx, sent)
		ch.Close()
		writeDone <- err
	}()

	// The raw peer reads nothing: the pipe clogs and the soft cap keeps
	// the writer suspended well before 512 KiB are queued.
	select {
	case err := <-writeDone:
		t.Fatalf("write finished against a clogged transport (err=%v)", err)
	case <-time.After(300 * time.Millisecond):
	}

	var received bytes.Buffer
	for {
		raw.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		msg, err := raw.codec.Decode(raw.conn)
		require.NoError(t, err)
		if msg.Type == protocol.TypeClose {
			break
		}
		require.Equal(t, protocol.TypeData, msg.Type)
		received.Write(msg.Payload)
	}

	require.NoError(t, <-writeDone)
	require.True(t, bytes.Equal(sent, received.Bytes()))
}

func TestCloseDrainsPendingWrites(t *testing.T) {
	muxA, muxB := testPair(t, Config{})
	ctx := testContext(t)

	chA, err := muxA.CreateChannel(ctx, "example.com", "")
	require.NoError(t, err)
	chB, err := muxB.WaitForChannel(ctx)
	require.NoError(t, err)

	require.NoError(t, chA.Write(ctx, []byte("flush me")))
	go muxA.Close()

	data, err := chB.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("flush me"), data)
	_, err = chB.Read(ctx)
	require.ErrorIs(t, err, io.EOF)
}

// TestPeerDeathInvalidatesChannels kills the transport under a live channel:
// pending reads finish with EOF and new operations fail.
func TestPeerDeathInvalidatesChannels(t *testing.T) {
	muxA, muxB := testPair(t, Config{})
	ctx := testContext(t)

	chA, err := muxA.CreateChannel(ctx, "example.com", "")
	require.NoError(t, err)
	_, err = muxB.WaitForChannel(ctx)
	require.NoError(t, err)

	muxB.Close()

	select {
	case <-muxA.Done():
	case <-ctx.Done():
		t.Fatal("multiplexer did not notice transport death")
	}
	require.False(t, muxA.IsConnected())

	_, err = chA.Read(ctx)
	require.ErrorIs(t, err, io.EOF)

	_, err = muxA.CreateChannel(ctx, "example.com", "")
	require.ErrorIs(t, err, protocol.ErrMultiplexerTransport)
}

// rawPeer speaks the wire protocol directly against one multiplexer, for
// crafting frames a well-behaved multiplexer would never send.
type rawPeer struct {
	conn  net.Conn
	codec *protocol.Codec
}

func newRawPeer(t *testing.T, cfg Config) (*rawPeer, *Multiplexer) {
	t.Helper()

	key := make([]byte, 32)
	iv := make([]byte, 16)
	_, err := rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	connRaw, connMux := net.Pipe()
	rawCodec, err := protocol.NewCodec(key, iv)
	require.NoError(t, err)
	muxCodec, err := protocol.NewCodec(key, iv)
	require.NoError(t, err)

	mux := New(context.Background(), connMux, muxCodec, cfg)
	t.Cleanup(func() {
		mux.Close()
		connRaw.Close()
	})
	return &rawPeer{conn: connRaw, codec: rawCodec}, mux
}

func (r *rawPeer) send(t *testing.T, msg *protocol.Message) {
	t.Helper()
	buf, err := r.codec.Encode(msg)
	require.NoError(t, err)
	r.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = r.conn.Write(buf)
	require.NoError(t, err)
}

// TestNewReusingLiveIDKillsSession covers the redesigned duplicate-id rule:
// a NEW for an already-live channel id is fatal.
func TestNewReusingLiveIDKillsSession(t *testing.T) {
	raw, mux := newRawPeer(t, Config{})
	ctx := testContext(t)

	id := uuid.New()
	hostname, err := protocol.EncodeHostname("example.com")
	require.NoError(t, err)

	raw.send(t, &protocol.Message{ID: id, Type: protocol.TypeNew, Payload: hostname})
	ch, err := mux.WaitForChannel(ctx)
	require.NoError(t, err)
	require.Equal(t, id, ch.ID())

	raw.send(t, &protocol.Message{ID: id, Type: protocol.TypeNew, Payload: hostname})

	select {
	case <-mux.Done():
	case <-ctx.Done():
		t.Fatal("duplicate NEW did not terminate the session")
	}
}

// TestDataForUnknownChannelIsDropped sends DATA for an id that was never
// opened; the session must survive.
func TestDataForUnknownChannelIsDropped(t *testing.T) {
	raw, mux := newRawPeer(t, Config{})
	ctx := testContext(t)

	raw.send(t, &protocol.Message{ID: uuid.New(), Type: protocol.TypeData, Payload: []byte("stray")})

	// The session is still healthy: a fresh channel works.
	hostname, err := protocol.EncodeHostname("example.com")
	require.NoError(t, err)
	raw.send(t, &protocol.Message{ID: uuid.New(), Type: protocol.TypeNew, Payload: hostname})

	_, err = mux.WaitForChannel(ctx)
	require.NoError(t, err)
	require.True(t, mux.IsConnected())
}

// TestPingEcho verifies the request/response tag discipline on the wire.
func TestPingEcho(t *testing.T) {
	raw, _ := newRawPeer(t, Config{})

	msg := &protocol.Message{Type: protocol.TypePing}
	msg.Extra[0] = protocol.PingRequest
	copy(msg.Extra[1:], []byte("0123456789"))
	raw.send(t, msg)

	raw.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	echo, err := raw.codec.Decode(raw.conn)
	require.NoError(t, err)
	require.Equal(t, protocol.TypePing, echo.Type)
	require.Equal(t, protocol.PingResponse, echo.Extra[0])
	require.Equal(t, msg.Extra[1:], echo.Extra[1:])
}
