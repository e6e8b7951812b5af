// Package tunnel implements the tunnel manager: it owns this host's
// WireGuard identity and full mesh peer table, and is the only
// component that invokes external tools (ip/wg, or the Windows
// wireguard.exe), generalized from a single hub peer to an arbitrary
// peer-by-peer-ID table.
package tunnel

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"lanrage/internal/execx"
	"lanrage/internal/lanerr"
)

// Status is a point-in-time snapshot of the tunnel's health.
type Status struct {
	Interface string
	Up        bool
	Peers     map[string]PeerStatus // peer_id -> status
}

// PeerStatus is one peer's entry from `wg show <iface> dump`.
type PeerStatus struct {
	PublicKey       string
	Endpoint        string
	LatestHandshake time.Time
	RxBytes         int64
	TxBytes         int64
}

// Manager executes ip/wg (or wireguard.exe on Windows) via an injectable
// execx.Runner, keeping a testable seam.
type Manager struct {
	r         execx.Runner
	iface     string
	keysDir   string
	keepalive int

	mu      sync.Mutex
	keyPair KeyPair
	address string
	mtu     int
	peers   map[string]Peer // peer_id -> rendered WireGuard peer
	windows bool
}

// NewManager constructs a Manager for interface ifaceName, persisting
// keys under keysDir. If r is nil, commands run against the real OS.
func NewManager(r execx.Runner, ifaceName, keysDir string, keepaliveSec int) *Manager {
	if r == nil {
		r = execx.NewOSRunner(os.Stdout, os.Stderr)
	}
	return &Manager{
		r:         r,
		iface:     ifaceName,
		keysDir:   keysDir,
		keepalive: keepaliveSec,
		peers:     make(map[string]Peer),
		windows:   runtime.GOOS == "windows",
	}
}

// Initialize loads or generates this host's key pair and brings the
// interface up with no peers yet. address may be empty when the
// caller does not yet know its canonical virtual_ip (e.g. before a
// party's control plane has assigned one) — the interface still comes
// up, unaddressed, and SetAddress configures it once the real address
// is known. On Windows, bringing the tunnel service up requires a
// concrete address, so that step is deferred entirely until
// SetAddress.
func (m *Manager) Initialize(ctx context.Context, address string, mtu int) (KeyPair, error) {
	kp, err := LoadOrGenerateKeyPair(m.keysDir)
	if err != nil {
		return KeyPair{}, err
	}
	m.mu.Lock()
	m.keyPair = kp
	m.address = address
	m.mtu = mtu
	m.mu.Unlock()

	if m.windows {
		if address == "" {
			return kp, nil
		}
		iface := InterfaceConfig{PrivateKey: kp.PrivateKey, Address: address, MTU: mtu}
		return kp, m.upWindows(iface, nil)
	}
	iface := InterfaceConfig{PrivateKey: kp.PrivateKey, Address: address, MTU: mtu}
	return kp, m.upLinux(iface, address, mtu)
}

// SetAddress (re)configures the interface's own address once the real
// virtual_ip is known, e.g. after a party's control plane has assigned
// one via CreateParty/JoinParty. On Linux this replaces the address on
// the already-up interface; on Windows, where the tunnel service is
// installed with a baked-in config file, it (re)installs the service
// with the real address.
func (m *Manager) SetAddress(ctx context.Context, address string) error {
	m.mu.Lock()
	old := m.address
	mtu := m.mtu
	kp := m.keyPair
	m.address = address
	m.mu.Unlock()

	if m.windows {
		if old != "" {
			_ = m.run("wireguard", "/uninstalltunnelservice", m.iface)
		}
		iface := InterfaceConfig{PrivateKey: kp.PrivateKey, Address: address, MTU: mtu}
		return m.upWindows(iface, nil)
	}

	if err := m.ensureInterface(); err != nil {
		return err
	}
	if old != "" && old != address {
		if err := m.run("ip", "address", "del", old, "dev", m.iface); err != nil {
			return err
		}
	}
	if err := m.run("ip", "address", "replace", address, "dev", m.iface); err != nil {
		return err
	}
	return m.run("ip", "link", "set", "dev", m.iface, "up")
}

// AddPeer adds or updates peerID in the mesh peer table and re-syncs
// the interface.
func (m *Manager) AddPeer(ctx context.Context, peerID string, peer Peer) error {
	if peer.KeepaliveSec == 0 {
		peer.KeepaliveSec = m.keepalive
	}
	m.mu.Lock()
	m.peers[peerID] = peer
	peers := m.peerSliceLocked()
	kp := m.keyPair
	m.mu.Unlock()
	return m.syncPeers(kp, peers)
}

// RemovePeer removes peerID from the mesh peer table and re-syncs.
func (m *Manager) RemovePeer(ctx context.Context, peerID string) error {
	m.mu.Lock()
	delete(m.peers, peerID)
	peers := m.peerSliceLocked()
	kp := m.keyPair
	m.mu.Unlock()
	return m.syncPeers(kp, peers)
}

// GetStatus returns the current interface/peer status via `wg show dump`.
func (m *Manager) GetStatus(ctx context.Context) (Status, error) {
	out, err := m.output("wg", "show", m.iface, "dump")
	if err != nil {
		return Status{Interface: m.iface, Up: false}, nil
	}
	return Status{Interface: m.iface, Up: true, Peers: ParseWgDump(out)}, nil
}

// MeasureLatency shells out to the platform ping binary for one ICMP
// echo against ip.
func (m *Manager) MeasureLatency(ctx context.Context, ip string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	var args []string
	if m.windows {
		args = []string{"-n", "1", "-w", "1000", ip}
	} else {
		args = []string{"-c", "1", "-W", "1", ip}
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, "ping", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, lanerr.Wrap(lanerr.KindTimeout, "ping "+ip, err)
	}
	elapsed := time.Since(start)

	if ms, ok := parsePingRTT(string(out)); ok {
		return ms, nil
	}
	return elapsed, nil
}

// Cleanup tears down the interface (and any policy routing) on shutdown.
func (m *Manager) Cleanup(ctx context.Context) error {
	if m.windows {
		return m.run("wireguard", "/uninstalltunnelservice", m.iface)
	}
	err := m.run("ip", "link", "del", "dev", m.iface)
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "Cannot find device") || strings.Contains(err.Error(), "does not exist") {
		return nil
	}
	return err
}

func (m *Manager) peerSliceLocked() []Peer {
	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

func (m *Manager) syncPeers(kp KeyPair, peers []Peer) error {
	iface := InterfaceConfig{PrivateKey: kp.PrivateKey}
	if m.windows {
		return m.upWindows(iface, peers)
	}
	setConf, err := RenderSetConf(iface, peers)
	if err != nil {
		return err
	}
	return m.syncConf(setConf)
}

func (m *Manager) upLinux(iface InterfaceConfig, address string, mtu int) error {
	if err := m.ensureInterface(); err != nil {
		return err
	}
	if address != "" {
		if err := m.run("ip", "address", "replace", address, "dev", m.iface); err != nil {
			return err
		}
	}
	if mtu > 0 {
		if err := m.run("ip", "link", "set", "dev", m.iface, "mtu", fmt.Sprintf("%d", mtu)); err != nil {
			return err
		}
	}
	if err := m.run("ip", "link", "set", "dev", m.iface, "up"); err != nil {
		return err
	}
	setConf, err := RenderSetConf(iface, nil)
	if err != nil {
		return err
	}
	return m.syncConf(setConf)
}

func (m *Manager) upWindows(iface InterfaceConfig, peers []Peer) error {
	content, err := RenderWindowsConf(iface, peers)
	if err != nil {
		return err
	}
	path := m.iface + ".conf"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return lanerr.Wrap(lanerr.KindWireGuard, "write tunnel file", err)
	}
	return m.run("wireguard", "/installtunnelservice", path)
}

func (m *Manager) ensureInterface() error {
	if m.interfaceExists() {
		return nil
	}
	err := m.run("ip", "link", "add", "dev", m.iface, "type", "wireguard")
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "File exists") {
		return nil
	}
	return err
}

func (m *Manager) interfaceExists() bool {
	_, err := m.output("ip", "link", "show", "dev", m.iface)
	return err == nil
}

func (m *Manager) syncConf(content string) error {
	tmp, err := os.CreateTemp("", "lanrage-wg-*.conf")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return m.run("wg", "syncconf", m.iface, tmp.Name())
}

func (m *Manager) run(name string, args ...string) error {
	if m == nil || m.r == nil {
		return fmt.Errorf("runner not initialized")
	}
	return m.r.Run(name, args...)
}

func (m *Manager) output(name string, args ...string) (string, error) {
	if m == nil || m.r == nil {
		return "", fmt.Errorf("runner not initialized")
	}
	return m.r.Output(name, args...)
}

func parsePingRTT(output string) (time.Duration, bool) {
	// Matches both "time=1.23 ms" (Linux/iputils) and "time=1ms" (Windows).
	idx := strings.Index(output, "time=")
	if idx < 0 {
		idx = strings.Index(output, "time<")
	}
	if idx < 0 {
		return 0, false
	}
	rest := output[idx+5:]
	end := strings.IndexAny(rest, " \r\n")
	if end < 0 {
		end = len(rest)
	}
	val := strings.TrimSuffix(strings.TrimSpace(rest[:end]), "ms")
	var ms float64
	if _, err := fmt.Sscanf(val, "%f", &ms); err != nil {
		return 0, false
	}
	return time.Duration(ms * float64(time.Millisecond)), true
}
