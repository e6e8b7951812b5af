// Command lanrage is the core mesh agent: it initializes the WireGuard
// tunnel, classifies this host's NAT, and exposes the CLI surface
// (create/join party, leaving it when `up` shuts down, with no separate
// leave subcommand; party status, peer listing, relay listing, NAT
// info) as
// a top-level switch over os.Args, one flag.NewFlagSet per subcommand,
// signalContext/fatal helpers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"lanrage/internal/broadcast"
	"lanrage/internal/config"
	"lanrage/internal/connection"
	"lanrage/internal/controlplane"
	"lanrage/internal/coordinate"
	"lanrage/internal/holepunch"
	"lanrage/internal/logging"
	"lanrage/internal/model"
	"lanrage/internal/natclass"
	"lanrage/internal/party"
	"lanrage/internal/task"
	"lanrage/internal/tunnel"
)

const usage = `lanrage - LAN-emulating mesh VPN for game nights

Usage:
  lanrage init --config-dir <path>
  lanrage up --config <path> --create <party-name>
  lanrage up --config <path> --join <party-id>
  lanrage status --config <path> --party <party-id>
  lanrage peers --config <path> --party <party-id>
  lanrage nat --config <path>
  lanrage relays --config <path>

init flags: --config-dir=PATH, --mode={agent|control|relay} (default agent).
No other subcommand takes --mode.
Exit codes: 0 normal, non-zero on initialization failure.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch cmd := os.Args[1]; cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "init":
		cmdInit(os.Args[2:])
	case "up":
		cmdUp(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "peers":
		cmdPeers(os.Args[2:])
	case "nat":
		cmdNAT(os.Args[2:])
	case "relays":
		cmdRelays(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configDir := fs.String("config-dir", "", "directory to write config.yaml into")
	mode := fs.String("mode", "agent", "agent|control|relay")
	_ = fs.Parse(args)

	if *configDir == "" {
		fatal(errors.New("--config-dir is required"))
	}

	cfg := config.Config{Mode: config.Mode(*mode), ConfigDir: *configDir}
	config.ApplyDefaults(&cfg)
	path := *configDir + "/config.yaml"
	if err := config.Save(path, cfg); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", path)
}

// deps bundles everything cmdUp and the read-only query commands build
// from a loaded config; constructing it is the one chokepoint every
// subcommand goes through.
type deps struct {
	cfg    config.Config
	logger zerolog.Logger
	tun    *tunnel.Manager
	plane  controlplane.Plane
	sig    controlplane.SignalReceiver
	sup    *task.Supervisor
}

func buildDeps(ctx context.Context, cfg config.Config) (*deps, error) {
	logger := logging.New(cfg.LogPretty, zerolog.InfoLevel)
	sup := task.New(ctx, logger)

	tun := tunnel.NewManager(nil, cfg.InterfaceName, cfg.KeysDir, cfg.WireGuardKeepalive)

	plane, sig, err := dialControlPlane(cfg, logger)
	if err != nil {
		return nil, err
	}

	return &deps{cfg: cfg, logger: logger, tun: tun, plane: plane, sig: sig, sup: sup}, nil
}

// dialControlPlane picks Local or Remote: a control_server value
// starting with ws:// or wss:// is remote; anything else is treated as
// a local shared-file path.
func dialControlPlane(cfg config.Config, logger zerolog.Logger) (controlplane.Plane, controlplane.SignalReceiver, error) {
	if strings.HasPrefix(cfg.ControlServer, "ws://") || strings.HasPrefix(cfg.ControlServer, "wss://") {
		r := controlplane.NewRemote(cfg.ControlServer, cfg.ControlServerToken, logger)
		return r, r, nil
	}
	path := cfg.ControlServer
	if path == "" {
		path = cfg.ConfigDir + "/control_state.json"
	}
	l, err := controlplane.NewLocal(path, cfg.PeerName, logger)
	if err != nil {
		return nil, nil, err
	}
	return l, l, nil
}

func cmdUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	createName := fs.String("create", "", "create a new party with this name")
	joinID := fs.String("join", "", "join an existing party by id")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)
	if *createName == "" && *joinID == "" {
		fatal(errors.New("one of --create or --join is required"))
	}

	ctx, cancel := signalContext()
	defer cancel()

	d, err := buildDeps(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer d.plane.Close()

	kp, err := d.tun.Initialize(ctx, "", 1420)
	if err != nil {
		fatal(err)
	}
	defer d.tun.Cleanup(context.Background())

	natType, publicEndpoint := classifyNAT(ctx, cfg, d.logger)

	// punchFn backs the connection coordinator's direct attempt with a
	// real hole-punch burst. One shared socket serves
	// every peer's burst for the life of the process, rather than
	// rebinding per attempt.
	var punchFn coordinate.PunchFunc
	punchSocket, err := holepunch.Listen(":0", nil)
	if err != nil {
		d.logger.Warn().Err(err).Msg("hole-punch socket failed to bind, direct connections will rely on the peer's own punch only")
	} else {
		defer punchSocket.Close()
		puncher := holepunch.NewPuncher(punchSocket)
		punchFn = func(ctx context.Context, endpoint string) (bool, error) {
			res, err := puncher.Burst(ctx, endpoint)
			return res.Success, err
		}
	}

	// bcast emulates LAN discovery across the mesh: it
	// joins the fixed mDNS/SSDP multicast groups immediately, and a
	// peer's forwarding callback (delivering over the mesh transport
	// to that peer's virtual IP) is registered as soon as the
	// connection manager installs its tunnel and torn down when it's
	// removed.
	bcast := broadcast.NewManager(0, d.logger)
	defer bcast.Close()
	bcast.JoinMulticastGroups()
	mesh, err := broadcast.ListenMesh(ctx, bcast, "", d.logger)
	if err != nil {
		d.logger.Warn().Err(err).Msg("broadcast mesh transport failed to bind, discovery forwarding disabled")
		mesh = nil
	} else {
		defer mesh.Close()
	}
	d.sup.Go("broadcast-pruner", func(ctx context.Context) error {
		return bcast.RunPruner(ctx, time.Second)
	})

	conns := connection.New(connection.Deps{
		Tunnel: d.tun,
		Plane:  d.plane,
		Sup:    d.sup,
		Logger: d.logger,
		Relays: func(ctx context.Context) ([]model.RelayInfo, error) { return d.plane.ListRelays(ctx) },
		Punch:  punchFn,
		OnConnect: func(peerID, virtualIP string) {
			if mesh != nil {
				bcast.RegisterPeer(peerID, mesh.Forward(virtualIP))
			}
		},
		OnDisconnect: func(peerID string) {
			bcast.UnregisterPeer(peerID)
		},
	})

	privateEndpoint := localPrivateEndpoint(punchSocket)

	pm := party.NewManager(d.plane, d.tun, conns, cfg.PeerName, kp.PublicKey, d.logger)
	pm.SetNATInfo(natType, natType == "")

	if *createName != "" {
		info, err := pm.CreateParty(ctx, *createName, cfg.VirtualSubnet, publicEndpoint, privateEndpoint)
		if err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stdout, "created party %s\n", info.PartyID)
	} else {
		if _, err := pm.JoinParty(ctx, *joinID, publicEndpoint, privateEndpoint); err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stdout, "joined party %s\n", *joinID)
	}

	d.sup.Go("heartbeat", func(ctx context.Context) error {
		return task.Ticker(ctx, time.Duration(cfg.HeartbeatSec)*time.Second, func(ctx context.Context) {
			status, err := pm.GetStatus(ctx)
			if err != nil || status.Party.PartyID == "" {
				return
			}
			if err := d.plane.Heartbeat(ctx, status.Party.PartyID, cfg.PeerName); err != nil {
				d.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		})
	})

	<-ctx.Done()
	if err := pm.LeaveParty(context.Background()); err != nil {
		d.logger.Warn().Err(err).Msg("leave party on shutdown failed")
	}
	d.sup.Shutdown(time.Duration(config.DefaultShutdownDeadlineSec) * time.Second)
}

// localPrivateEndpoint derives this host's LAN-facing bind address for
// this package's private_endpoint, so the connection coordinator's
// same-LAN shortcut has something to compare against. It dials
// a documentation-reserved address (TEST-NET-3, no packet actually
// reaches the network) purely to ask the OS routing table which local
// interface it would use, then pairs that IP with the hole-punch
// socket's bound port.
func localPrivateEndpoint(socket *holepunch.Shared) string {
	conn, err := net.Dial("udp4", "203.0.113.1:1")
	if err != nil {
		return ""
	}
	defer conn.Close()
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return ""
	}
	port := "0"
	if socket != nil {
		if _, p, err := net.SplitHostPort(socket.LocalAddr()); err == nil {
			port = p
		}
	}
	return net.JoinHostPort(host, port)
}

func classifyNAT(ctx context.Context, cfg config.Config, logger zerolog.Logger) (natType model.NATType, publicEndpoint string) {
	nt, endpoint, _, err := natclass.Classify(ctx, natclass.Probe, cfg.STUNServers, "", 5*time.Second)
	if err != nil {
		logger.Warn().Err(err).Msg("NAT classification failed, continuing in relay-only mode")
		return "", ""
	}
	return nt, endpoint
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	partyID := fs.String("party", "", "party id")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)
	plane, _, err := dialControlPlane(cfg, logging.New(cfg.LogPretty, zerolog.InfoLevel))
	if err != nil {
		fatal(err)
	}
	defer plane.Close()

	info, ok, err := plane.GetParty(context.Background(), *partyID)
	if err != nil {
		fatal(err)
	}
	if !ok {
		fmt.Fprintln(os.Stdout, "party not found")
		return
	}
	fmt.Fprintf(os.Stdout, "party=%s name=%s host=%s peers=%d\n", info.PartyID, info.Name, info.HostPeerID, len(info.Peers))
}

func cmdPeers(args []string) {
	fs := flag.NewFlagSet("peers", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	partyID := fs.String("party", "", "party id")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)
	plane, _, err := dialControlPlane(cfg, logging.New(cfg.LogPretty, zerolog.InfoLevel))
	if err != nil {
		fatal(err)
	}
	defer plane.Close()

	peers, err := plane.GetPeers(context.Background(), *partyID)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "%-20s  %-15s  %-22s  %-10s\n", "PEER_ID", "VIRTUAL_IP", "PUBLIC_ENDPOINT", "NAT")
	for _, p := range peers {
		fmt.Fprintf(os.Stdout, "%-20s  %-15s  %-22s  %-10s\n", p.PeerID, p.VirtualIP, p.PublicEndpoint, p.NATType)
	}
}

func cmdNAT(args []string) {
	fs := flag.NewFlagSet("nat", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := logging.New(cfg.LogPretty, zerolog.InfoLevel)
	natType, publicEndpoint := classifyNAT(context.Background(), cfg, logger)
	fmt.Fprintf(os.Stdout, "nat_type=%s public_endpoint=%s\n", natType, publicEndpoint)
}

func cmdRelays(args []string) {
	fs := flag.NewFlagSet("relays", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	region := fs.String("region", "", "filter by region")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)
	plane, _, err := dialControlPlane(cfg, logging.New(cfg.LogPretty, zerolog.InfoLevel))
	if err != nil {
		fatal(err)
	}
	defer plane.Close()

	var relays []model.RelayInfo
	if *region != "" {
		relays, err = plane.GetRelaysByRegion(context.Background(), *region)
	} else {
		relays, err = plane.ListRelays(context.Background())
	}
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "%-20s  %-15s  %-6s  %-10s\n", "RELAY_ID", "PUBLIC_IP", "PORT", "REGION")
	for _, r := range relays {
		fmt.Fprintf(os.Stdout, "%-20s  %-15s  %-6d  %-10s\n", r.RelayID, r.PublicIP, r.Port, r.Region)
	}
}

func loadConfig(path string) config.Config {
	if path == "" {
		fatal(errors.New("--config is required"))
	}
	cfg, err := config.Load(path)
	if err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	return cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
