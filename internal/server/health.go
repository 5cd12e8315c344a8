package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/moovy2/snitun/internal/util"
)

// healthReply is the peer-check endpoint document.
type healthReply struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	BytesSent   int64  `json:"bytes_sent"`
	BytesRecv   int64  `json:"bytes_recv"`
	UptimeSec   int64  `json:"uptime_sec"`
}

// RunHealth serves the peer-check endpoint on addr until ctx is cancelled.
// GET /health returns a JSON document with the live peer count.
func RunHealth(ctx context.Context, addr string, manager *PeerManager) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	started := time.Now()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		reply := healthReply{
			Status:      "ok",
			Connections: manager.Connections(),
			BytesSent:   util.Stats.BytesSent.Load(),
			BytesRecv:   util.Stats.BytesRecv.Load(),
			UptimeSec:   int64(time.Since(started).Seconds()),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&reply)
	})

	server := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		server.Close()
	}()

	util.LogInfo("peer-check endpoint listening on %s", listener.Addr())

	if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
		select {
		case <-ctx.Done():
			return nil
		default:
			return err
		}
	}
	return nil
}
