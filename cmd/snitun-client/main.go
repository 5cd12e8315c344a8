// SniTun client — CLI entry point.
//
// Keeps one tunnel session to the edge server alive and bridges every
// incoming channel to the local backend.
package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/moovy2/snitun/internal/client"
	"github.com/moovy2/snitun/internal/config"
	"github.com/moovy2/snitun/internal/util"
)

func main() {
	var cfg config.Client
	var identity, hostnames string
	flag.StringVar(&cfg.ServerAddr, "server", "127.0.0.1:8080", "tunnel endpoint (host:port, ws:// or wss:// URL)")
	flag.StringVar(&cfg.LocalAddr, "local", "127.0.0.1:8123", "local backend endpoint")
	flag.StringVar(&cfg.FernetKey, "key", "", "base64 Fernet key for minting handshake tokens")
	flag.StringVar(&identity, "identity", "", "client identity string")
	flag.StringVar(&hostnames, "hosts", "", "comma-separated hostnames to expose")
	flag.DurationVar(&cfg.TokenTTL, "token-ttl", 5*time.Minute, "validity window minted into each token")
	flag.DurationVar(&cfg.Keepalive, "keepalive", 30*time.Second, "PING interval")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	flag.Parse()

	if cfg.Debug {
		util.EnableDebug()
	}
	if cfg.FernetKey == "" || identity == "" || hostnames == "" {
		fmt.Fprintln(os.Stderr, "missing -key, -identity or -hosts")
		os.Exit(1)
	}

	// The wire identity is a fixed-size digest of the operator-chosen name.
	digest := sha256.Sum256([]byte(identity))
	cfg.Identity = digest[:]
	for _, h := range strings.Split(hostnames, ",") {
		if h = strings.TrimSpace(h); h != "" {
			cfg.Hostnames = append(cfg.Hostnames, h)
		}
	}

	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pterm.DefaultSection.Println("SniTun client")

	worker, err := client.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	util.StartStatsReporter(ctx)

	if err := worker.Run(ctx); err != nil {
		util.LogError("client failed: %v", err)
		os.Exit(1)
	}
}
