package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats is the process-wide traffic and session counter.
var Stats = &stats{}

type stats struct {
	TotalConns  atomic.Int64 // cumulative tunneled connections since start
	ClosedConns atomic.Int64 // cumulative closed connections since start
	BytesSent   atomic.Int64 // cumulative bytes written to tunnel transports
	BytesRecv   atomic.Int64 // cumulative bytes read from tunnel transports
	Peers       atomic.Int64 // currently registered peers
}

func (s *stats) AddConn()       { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()    { s.ClosedConns.Add(1) }
func (s *stats) AddSent(n int)  { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)  { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddPeer()       { s.Peers.Add(1) }
func (s *stats) RemovePeer()    { s.Peers.Add(-1) }
func (s *stats) PeerCount() int { return int(s.Peers.Load()) }

// StartStatsReporter launches a goroutine that logs tunnel statistics
// every 10 seconds while there is traffic. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalConns.Load()
				closed := Stats.ClosedConns.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				newC := total - prevTotal
				goneC := closed - prevClosed

				if newC > 0 || goneC > 0 || outS > 10 || inS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, newC, goneC, Stats.Peers.Load()))
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width human-readable string.
func formatBytes(b float64) string {
	unitIdx := 0
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}
	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted line of the current stats for the logger.
func formatStats(inS, outS float64, newC, goneC, peers int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Conn: %2d↑ %2d↓ | Peers: %d",
		formatBytes(inS),
		formatBytes(outS),
		newC,
		goneC,
		peers,
	)
}
