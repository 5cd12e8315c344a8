// SniTun edge server — CLI entry point.
//
// Accepts client tunnels on the tunnel endpoint (and optionally over
// WebSocket), terminates nothing: outside TLS connections are routed by SNI
// hostname into the owning client's tunnel.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pterm/pterm"

	"github.com/moovy2/snitun/internal/config"
	"github.com/moovy2/snitun/internal/server"
	"github.com/moovy2/snitun/internal/transport"
	"github.com/moovy2/snitun/internal/util"
)

func main() {
	var cfg config.Server
	flag.StringVar(&cfg.TunnelAddr, "tunnel", ":8080", "tunnel-accept endpoint for clients")
	flag.StringVar(&cfg.SNIAddr, "sni", ":443", "public SNI endpoint")
	flag.StringVar(&cfg.WSAddr, "ws", "", "optional WebSocket tunnel endpoint (empty = disabled)")
	flag.StringVar(&cfg.HealthAddr, "health", "", "optional peer-check endpoint (empty = disabled)")
	flag.StringVar(&cfg.KeyFile, "keys", "", "file with base64 Fernet keys, one per line (watched for rotation)")
	flag.DurationVar(&cfg.TokenTTL, "token-ttl", 15*time.Minute, "maximum Fernet token age")
	flag.IntVar(&cfg.Throttling, "throttle", 0, "per-peer byte rate limit (0 = unlimited)")
	flag.DurationVar(&cfg.HandshakeTTL, "handshake-ttl", 60*time.Second, "handshake deadline")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	flag.Parse()
	cfg.Defaults()

	if cfg.Debug {
		util.EnableDebug()
	}
	if cfg.KeyFile == "" {
		fmt.Fprintln(os.Stderr, "missing -keys file")
		os.Exit(1)
	}

	keys, err := loadKeys(cfg.KeyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	cfg.FernetKeys = keys

	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pterm.DefaultSection.Println("SniTun server")

	if err := run(ctx, cfg); err != nil {
		util.LogError("server failed: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Server) error {
	manager := server.NewPeerManager()

	peerListener, err := server.NewPeerListener(manager, cfg)
	if err != nil {
		return err
	}

	tunnel, err := net.Listen("tcp", cfg.TunnelAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.TunnelAddr, err)
	}
	outside, err := net.Listen("tcp", cfg.SNIAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.SNIAddr, err)
	}

	util.StartStatsReporter(ctx)
	watchKeys(ctx, cfg.KeyFile, peerListener)

	errCh := make(chan error, 4)
	go func() { errCh <- peerListener.Run(ctx, tunnel) }()
	go func() { errCh <- server.NewSNIProxy(manager).Run(ctx, outside) }()

	if cfg.WSAddr != "" {
		wsListener, err := transport.ListenWS(cfg.WSAddr)
		if err != nil {
			return err
		}
		util.LogInfo("WebSocket tunnel endpoint listening on %s", wsListener.Addr())
		go func() { errCh <- peerListener.Run(ctx, wsListener) }()
	}
	if cfg.HealthAddr != "" {
		go func() { errCh <- server.RunHealth(ctx, cfg.HealthAddr, manager) }()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// loadKeys reads base64 Fernet keys from path, one per line. The first key
// is the minting key; all keys verify.
func loadKeys(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			keys = append(keys, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no keys in %s", path)
	}
	return keys, nil
}

// watchKeys hot-reloads the Fernet key file on change so keys rotate without
// dropping live tunnels.
func watchKeys(ctx context.Context, path string, listener *server.PeerListener) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		util.LogWarning("key file watching disabled: %v", err)
		return
	}
	if err := watcher.Add(path); err != nil {
		util.LogWarning("key file watching disabled: %v", err)
		watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				keys, err := loadKeys(path)
				if err != nil {
					util.LogWarning("key reload failed: %v", err)
					continue
				}
				if err := listener.SetKeys(keys); err != nil {
					util.LogWarning("key reload failed: %v", err)
					continue
				}
				util.LogInfo("fernet keys reloaded (%d keys)", len(keys))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				util.LogWarning("key file watcher: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()
}
