// dmrtunnel: CLI entry point.
//
// This tool forwards TCP connections over a slow, lossy datagram link such
// as the data port of a DMR radio. Connections accepted in client mode are
// multiplexed onto the link; in server mode every new circuit arriving from
// the far station is connected to a fixed destination.
//
// Settings come from a TOML file (-config) and may be overridden by flags
// (-listen, -dest, -peer, -link, -no-client, -no-server, -debug).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/1ureka/dmrtunnel/internal/config"
	"github.com/1ureka/dmrtunnel/internal/link"
	"github.com/1ureka/dmrtunnel/internal/status"
	"github.com/1ureka/dmrtunnel/internal/tunnel"
	"github.com/1ureka/dmrtunnel/internal/util"
)

var version = "dev"

// namedLink is a link that can describe itself in logs.
type namedLink interface {
	tunnel.Link
	fmt.Stringer
}

func main() {
	configPath := flag.String("config", "", "TOML configuration file")
	listen := flag.String("listen", "", "Client mode: local TCP address to accept connections on")
	dest := flag.String("dest", "", "Server mode: host:port to forward circuits to")
	peer := flag.String("peer", "", "UDP link: address of the far station's radio")
	linkType := flag.String("link", "", "Link type: udp, websocket, webrtc, rf95 or kiss")
	noClient := flag.Bool("no-client", false, "Disable client mode")
	noServer := flag.Bool("no-server", false, "Disable server mode")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Only flags given on the command line override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Client.Listen = *listen
		case "dest":
			cfg.Server.Destination = *dest
		case "peer":
			cfg.Link.Peer = *peer
			cfg.Link.PeerRadioID = 0
		case "link":
			cfg.Link.Type = config.LinkType(*linkType)
		case "no-client":
			cfg.Client.Enabled = !*noClient
		case "no-server":
			cfg.Server.Enabled = !*noServer
		}
	})

	if err := util.SetLevel(cfg.Logging.Level); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *debugMode {
		util.EnableDebug()
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("dmrtunnel v%s", version))
	pterm.Println()

	ctx := interruptContext()

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("successfully closed tunnel")
}

// interruptContext is cancelled on the first SIGINT or SIGTERM. A second
// signal exits immediately.
func interruptContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		util.LogWarning("Aborting...")
		cancel()

		<-sigCh
		util.LogError("Killing!")
		os.Exit(1)
	}()

	return ctx
}

// run opens the link and the listeners and drives the engine until ctx is
// cancelled or the link fails.
func run(ctx context.Context, cfg *config.Config) error {
	lk, err := openLink(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s link: %w", cfg.Link.Type, err)
	}

	var ln net.Listener
	if cfg.Client.Enabled {
		ln, err = net.Listen("tcp", cfg.Client.Listen)
		if err != nil {
			lk.Close()
			return fmt.Errorf("failed to listen for clients: %w", err)
		}
		util.LogInfo("client mode: accepting connections on %s", ln.Addr())
	}
	if cfg.Server.Enabled {
		util.LogInfo("server mode: forwarding new circuits to %s", cfg.Server.Destination)
	}

	if cfg.Status.Listen != "" {
		sln, err := net.Listen("tcp", cfg.Status.Listen)
		if err != nil {
			lk.Close()
			if ln != nil {
				ln.Close()
			}
			return fmt.Errorf("failed to start status endpoint: %w", err)
		}
		go func() {
			if err := status.NewServer(lk.String()).Serve(ctx, sln); err != nil {
				util.LogWarning("status endpoint stopped: %v", err)
			}
		}()
	}

	util.StartStatsReporter(ctx, cfg.Logging.StatsInterval.Duration)
	util.LogSuccess("tunnel running over %s", lk)

	return tunnel.NewEngine(lk, ln, cfg.TunnelOptions()).Run(ctx)
}

// openLink builds the configured link backend. Listening WebSocket and
// WebRTC links block here until the far station connects.
func openLink(ctx context.Context, cfg *config.Config) (namedLink, error) {
	l := cfg.Link
	mtu := l.MTU
	if mtu <= 0 {
		mtu = cfg.Tunnel.MaxPayload
	}

	switch l.Type {
	case config.LinkUDP:
		return link.ListenUDP(l.Local, l.PeerAddr(), mtu)

	case config.LinkWebSocket:
		if l.URL != "" {
			return link.DialWebSocket(ctx, l.URL, mtu)
		}
		ln, err := net.Listen("tcp", l.Listen)
		if err != nil {
			return nil, err
		}
		return link.ListenWebSocket(ctx, ln, l.PIN, mtu)

	case config.LinkWebRTC:
		if l.URL != "" {
			return link.AnswerWebRTC(ctx, l.URL, l.ICEServers, mtu)
		}
		ln, err := net.Listen("tcp", l.Listen)
		if err != nil {
			return nil, err
		}
		return link.OfferWebRTC(ctx, ln, l.PIN, l.ICEServers, mtu)

	case config.LinkRF95:
		return link.OpenRF95(l.Device, l.Frequency)

	case config.LinkKISS:
		return link.OpenKISS(l.Device, l.Baud, mtu)
	}

	return nil, fmt.Errorf("unknown link type %q", l.Type)
}
