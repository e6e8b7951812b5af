package broadcast

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lanrage/internal/task"
)

// Packet is one observed or forwarded broadcast/multicast datagram,
// BroadcastPacket.
type Packet struct {
	SrcIP   string
	DstPort int
	Addr    string // the broadcast/multicast address the packet targeted
	Payload []byte
	// Origin identifies the peer this packet was received from, so the
	// manager doesn't forward it back to its source ('s
	// back-to-source prevention). Empty for packets observed locally.
	Origin string
}

// ForwardFunc delivers pkt to one remote peer. Implementations are
// supplied by the party/connection layer (e.g. a signaling channel or
// an out-of-band control-plane message); broadcast itself knows
// nothing about how peers are reached.
type ForwardFunc func(peerID string, pkt Packet) error

// listener owns one bound UDP socket and its read loop.
type listener struct {
	conn *net.UDPConn
	addr string
	stop chan struct{}
}

// Manager owns listener lifecycle for both plain broadcast ports and
// the two fixed multicast groups, runs every inbound packet through the
// Deduplicator, and forwards to every registered peer but the
// originator.
type Manager struct {
	logger zerolog.Logger
	dedup  *Deduplicator

	mu        sync.Mutex
	listeners map[int]*listener // port -> listener
	peers     map[string]ForwardFunc
}

const (
	// MDNSAddr is the mDNS multicast group and port.
	MDNSAddr = "224.0.0.251:5353"
	// SSDPAddr is the SSDP multicast group and port.
	SSDPAddr = "239.255.255.250:1900"
)

// NewManager constructs an empty Manager. dedupWindow <= 0 uses
// DefaultDedupeWindow.
func NewManager(dedupWindow time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		logger:    logger,
		dedup:     NewDeduplicator(dedupWindow),
		listeners: make(map[int]*listener),
		peers:     make(map[string]ForwardFunc),
	}
}

// RegisterPeer adds (or replaces) peerID's forward callback.
func (m *Manager) RegisterPeer(peerID string, fwd ForwardFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[peerID] = fwd
}

// UnregisterPeer removes peerID's forward callback.
func (m *Manager) UnregisterPeer(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peerID)
}

// OpenPort starts listening for broadcast traffic on port, per the
// dynamic port-registration contract . "port in use" is
// logged and skipped rather than returned as a fatal error, so callers
// should treat a logged warning (not a returned error) as the normal
// failure signal for this one port; a non-nil error here means the
// port was already open or is not a valid UDP port number.
func (m *Manager) OpenPort(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listeners[port]; ok {
		return fmt.Errorf("port %d already open", port)
	}

	addr := fmt.Sprintf("255.255.255.255:%d", port)
	udpAddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		m.logger.Warn().Int("port", port).Err(err).Msg("broadcast listener port in use, skipping")
		return nil
	}
	if err := conn.SetReadBuffer(1 << 20); err != nil {
		m.logger.Warn().Int("port", port).Err(err).Msg("set read buffer failed")
	}

	l := &listener{conn: conn, addr: addr, stop: make(chan struct{})}
	m.listeners[port] = l
	go m.serve(port, l)
	return nil
}

// JoinMulticastGroups opens the mDNS and SSDP listeners. Permission
// failures (e.g. no CAP_NET_RAW) are logged as warnings; the rest of
// the system continues without that discovery protocol.
func (m *Manager) JoinMulticastGroups() {
	for _, group := range []string{MDNSAddr, SSDPAddr} {
		if err := m.joinMulticast(group); err != nil {
			m.logger.Warn().Str("group", group).Err(err).Msg("multicast join failed, discovery via this protocol disabled")
		}
	}
}

func (m *Manager) joinMulticast(groupAddr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp4", groupAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, udpAddr)
	if err != nil {
		return err
	}

	m.mu.Lock()
	port := udpAddr.Port
	if _, exists := m.listeners[port]; exists {
		m.mu.Unlock()
		return conn.Close()
	}
	l := &listener{conn: conn, addr: groupAddr, stop: make(chan struct{})}
	m.listeners[port] = l
	m.mu.Unlock()

	go m.serve(port, l)
	return nil
}

// ClosePort stops and removes the listener on port, if one exists.
func (m *Manager) ClosePort(port int) {
	m.mu.Lock()
	l, ok := m.listeners[port]
	if ok {
		delete(m.listeners, port)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	close(l.stop)
	_ = l.conn.Close()
}

// Close tears down every listener.
func (m *Manager) Close() {
	m.mu.Lock()
	ports := make([]int, 0, len(m.listeners))
	for port := range m.listeners {
		ports = append(ports, port)
	}
	m.mu.Unlock()
	for _, port := range ports {
		m.ClosePort(port)
	}
}

func (m *Manager) serve(port int, l *listener) {
	buf := make([]byte, 2048)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		select {
		case <-l.stop:
			return
		default:
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		m.handleLocal(Packet{SrcIP: addr.IP.String(), DstPort: port, Addr: l.addr, Payload: payload})
	}
}

// handleLocal processes a packet observed on the local LAN: dedup then
// fan out to every peer but the (nonexistent, for local packets)
// originator.
func (m *Manager) handleLocal(pkt Packet) {
	hash := Hash(pkt.Payload, pkt.SrcIP, pkt.DstPort)
	if !m.dedup.Admit(hash) {
		return
	}
	m.mu.Lock()
	fwds := make(map[string]ForwardFunc, len(m.peers))
	for id, fwd := range m.peers {
		fwds[id] = fwd
	}
	m.mu.Unlock()

	for peerID, fwd := range fwds {
		if peerID == pkt.Origin {
			continue
		}
		if err := fwd(peerID, pkt); err != nil {
			m.logger.Warn().Str("peer_id", peerID).Err(err).Msg("forward broadcast packet failed")
		}
	}
}

// HandleRemotePacket implements this package's HandleRemotePacket: a
// packet received from a peer is deduplicated against what this host
// has already seen, then re-emitted on the local LAN at pkt.Addr.
func (m *Manager) HandleRemotePacket(pkt Packet) error {
	hash := Hash(pkt.Payload, pkt.SrcIP, pkt.DstPort)
	if !m.dedup.Admit(hash) {
		return nil
	}
	return m.inject(pkt)
}

func (m *Manager) inject(pkt Packet) error {
	udpAddr, err := net.ResolveUDPAddr("udp4", pkt.Addr)
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp4", nil, udpAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(pkt.Payload)
	return err
}

// Stats returns the deduplicator's current counters.
func (m *Manager) Stats() Stats {
	return m.dedup.Stats()
}

// RunPruner runs the deduplicator's prune sweep on a ticker until ctx
// is cancelled, as a task.Supervisor-compatible function.
func (m *Manager) RunPruner(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	return task.Ticker(ctx, interval, func(context.Context) {
		m.dedup.Prune(time.Now())
	})
}
