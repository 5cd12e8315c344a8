package client

import (
	"context"
	"net"
	"time"

	"github.com/moovy2/snitun/internal/multiplexer"
	"github.com/moovy2/snitun/internal/util"
)

// spliceReadTimeout is the short TCP read deadline used so the local-to-
// channel loop can periodically check for cancellation.
const spliceReadTimeout = 100 * time.Millisecond

// bridge connects one remotely opened channel to the local backend and
// splices bytes both ways until either side closes.
func (c *Client) bridge(ctx context.Context, channel *multiplexer.Channel) {
	defer channel.Close()

	conn, err := net.Dial("tcp", c.cfg.LocalAddr)
	if err != nil {
		util.LogWarning("local endpoint %s unreachable: %v", c.cfg.LocalAddr, err)
		return
	}
	defer conn.Close()

	util.Stats.AddConn()
	defer util.Stats.RemoveConn()
	util.LogDebug("bridging channel %s (%s) to %s", channel.ID(), channel.Hostname(), c.cfg.LocalAddr)

	bridgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// channel -> local backend.
	go func() {
		defer cancel()
		for {
			data, err := channel.Read(bridgeCtx)
			if err != nil {
				return
			}
			if _, err := conn.Write(data); err != nil {
				return
			}
		}
	}()

	// local backend -> channel.
	buf := make([]byte, multiplexer.MaxDataSize)
	for {
		conn.SetReadDeadline(time.Now().Add(spliceReadTimeout))
		n, err := conn.Read(buf)

		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if werr := channel.Write(bridgeCtx, payload); werr != nil {
				return
			}
		}

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				select {
				case <-bridgeCtx.Done():
					return
				default:
					continue
				}
			}
			return
		}
	}
}
