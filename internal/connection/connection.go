// Package connection implements the per-peer connection lifecycle:
// establishing a tunnel path to a peer, monitoring its latency, and
// recovering (reconnect or relay-switch) on degradation. Each peer runs
// as its own supervised task rather than sharing one loop.
package connection

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lanrage/internal/controlplane"
	"lanrage/internal/coordinate"
	"lanrage/internal/lanerr"
	"lanrage/internal/model"
	"lanrage/internal/task"
	"lanrage/internal/tunnel"
)

// TunnelClient is the subset of *tunnel.Manager the connection manager
// drives. Declaring it as an interface here (rather than depending on
// the concrete type) keeps the same injectable-seam style as
// execx.Runner and controlplane.Plane, and lets tests substitute a fake
// instead of shelling out to a real ping binary for latency.
type TunnelClient interface {
	AddPeer(ctx context.Context, peerID string, peer tunnel.Peer) error
	RemovePeer(ctx context.Context, peerID string) error
	MeasureLatency(ctx context.Context, ip string) (time.Duration, error)
}

// Defaults.
const (
	DefaultMonitorInterval        = 30 * time.Second
	DefaultReconnectThreshold     = 3
	DefaultMaxFailures            = 5
	DefaultRelaySwitchThresholdMs = 200
	DefaultRelaySwitchCooldown    = 60 * time.Second
	DefaultFailedCleanupTimeout   = 5 * time.Minute
	DefaultReconnectBackoffMin    = 5 * time.Second
	DefaultReconnectBackoffMax    = 60 * time.Second
)

// Deps bundles the collaborators a Manager drives. Supervisor, Plane,
// and the Punch/Relays/Probe hooks that coordinate.Coordinate is called
// with are all injectable so tests can substitute fakes.
type Deps struct {
	Tunnel TunnelClient
	Plane  controlplane.Plane
	Sup    *task.Supervisor
	Logger zerolog.Logger

	// Punch attempts a direct hole punch; may be nil to always skip
	// straight to relay selection (e.g. relay-only mode).
	Punch coordinate.PunchFunc
	// Relays returns the current relay directory for SelectRelay.
	Relays func(ctx context.Context) ([]model.RelayInfo, error)
	// Probe measures round-trip latency to a relay candidate.
	Probe coordinate.RelayProbe

	// OnConnect, if set, is invoked after a peer's WireGuard tunnel is
	// installed, so collaborators outside this package (e.g. the
	// broadcast emulator) can register the newly reachable virtual IP
	// as a forwarding target without this package knowing about them.
	OnConnect func(peerID, virtualIP string)
	// OnDisconnect, if set, is invoked before a peer's tunnel is torn
	// down, mirroring OnConnect.
	OnDisconnect func(peerID string)

	MonitorInterval        time.Duration
	ReconnectThreshold     int
	MaxFailures            int
	RelaySwitchThresholdMs float64
	RelaySwitchCooldown    time.Duration
	FailedCleanupTimeout   time.Duration
	ReconnectBackoffMin    time.Duration
	ReconnectBackoffMax    time.Duration
}

func (d *Deps) withDefaults() Deps {
	out := *d
	if out.MonitorInterval == 0 {
		out.MonitorInterval = DefaultMonitorInterval
	}
	if out.ReconnectThreshold == 0 {
		out.ReconnectThreshold = DefaultReconnectThreshold
	}
	if out.MaxFailures == 0 {
		out.MaxFailures = DefaultMaxFailures
	}
	if out.RelaySwitchThresholdMs == 0 {
		out.RelaySwitchThresholdMs = DefaultRelaySwitchThresholdMs
	}
	if out.RelaySwitchCooldown == 0 {
		out.RelaySwitchCooldown = DefaultRelaySwitchCooldown
	}
	if out.FailedCleanupTimeout == 0 {
		out.FailedCleanupTimeout = DefaultFailedCleanupTimeout
	}
	if out.ReconnectBackoffMin == 0 {
		out.ReconnectBackoffMin = DefaultReconnectBackoffMin
	}
	if out.ReconnectBackoffMax == 0 {
		out.ReconnectBackoffMax = DefaultReconnectBackoffMax
	}
	return out
}

// trackedRecord is a ConnectionRecord plus the bookkeeping the monitor
// task needs that doesn't belong on the wire-shaped model type.
type trackedRecord struct {
	record model.ConnectionRecord
	party  string
	cancel context.CancelFunc

	lastRelaySwitch time.Time
	failedSince     time.Time
}

// Manager tracks one ConnectionRecord per peer and supervises its
// monitor task.
type Manager struct {
	deps Deps

	mu      sync.Mutex
	records map[string]*trackedRecord // peer_id -> record
	local   model.PeerInfo            // this process's own NAT/endpoint view, set via SetLocal
}

// New constructs a Manager. Tunnel, Plane, and Sup must be set on deps;
// the remaining fields fall back to their package defaults.
func New(deps Deps) *Manager {
	d := deps.withDefaults()
	return &Manager{deps: d, records: make(map[string]*trackedRecord)}
}

// SetLocal records this process's own NAT classification, endpoints,
// and relay-only status, which coordinate() needs on every future
// ConnectToPeer/reconnect decision. The party manager calls this once
// it has built its self-PeerInfo; connections opened before the first
// call degrade to relay/best-effort, matching a zero-value local peer.
func (m *Manager) SetLocal(p model.PeerInfo) {
	m.mu.Lock()
	m.local = p
	m.mu.Unlock()
}

// ConnectToPeer discovers the peer, coordinates a strategy/endpoint,
// uses the peer's control-plane-assigned virtual IP as its AllowedIPs,
// installs the WireGuard peer, and starts its monitor task.
func (m *Manager) ConnectToPeer(ctx context.Context, partyID, peerID string) error {
	m.mu.Lock()
	if _, exists := m.records[peerID]; exists {
		m.mu.Unlock()
		return nil // already connecting/connected; ConnectToPeer is not re-entrant per peer.
	}
	m.mu.Unlock()

	peer, found, err := m.deps.Plane.DiscoverPeer(ctx, partyID, peerID)
	if err != nil {
		return lanerr.Wrap(lanerr.KindPeerConnection, "discover peer", err).WithIdent(peerID)
	}
	if !found {
		return lanerr.New(lanerr.KindPeerNotFound, "peer not found").WithIdent(peerID)
	}

	out, err := m.coordinate(ctx, peer)
	if err != nil {
		return lanerr.Wrap(lanerr.KindPeerConnection, "coordinate connection", err).WithIdent(peerID)
	}

	virtualIP, err := peerVirtualIP(peer)
	if err != nil {
		return lanerr.Wrap(lanerr.KindPeerConnection, "peer virtual ip", err).WithIdent(peerID)
	}

	if err := m.deps.Tunnel.AddPeer(ctx, peerID, tunnel.Peer{
		PublicKey:  peer.PublicKey,
		Endpoint:   out.Endpoint,
		AllowedIPs: []string{virtualIP + "/32"},
	}); err != nil {
		return lanerr.Wrap(lanerr.KindWireGuard, "add peer", err).WithIdent(peerID)
	}

	now := time.Now()
	tr := &trackedRecord{
		party: partyID,
		record: model.ConnectionRecord{
			PeerID:        peerID,
			VirtualIP:     virtualIP,
			PublicKey:     peer.PublicKey,
			State:         model.StateConnecting,
			Path:          string(out.Strategy),
			Endpoint:      out.Endpoint,
			RelayID:       out.RelayID,
			LastCheckedAt: now,
		},
	}

	monitorCtx, cancel := context.WithCancel(ctx)
	tr.cancel = cancel

	m.mu.Lock()
	m.records[peerID] = tr
	m.mu.Unlock()

	m.deps.Sup.Go("monitor:"+peerID, func(supCtx context.Context) error {
		stop := context.AfterFunc(supCtx, cancel)
		defer stop()
		return task.Ticker(monitorCtx, m.deps.MonitorInterval, func(ctx context.Context) {
			m.tick(ctx, peerID)
		})
	})

	if m.deps.OnConnect != nil {
		m.deps.OnConnect(peerID, virtualIP)
	}

	return nil
}

// DisconnectFromPeer tears down a peer's WireGuard entry and monitor
// task. Idempotent: disconnecting an unknown peer is a no-op.
func (m *Manager) DisconnectFromPeer(ctx context.Context, peerID string) error {
	m.mu.Lock()
	tr, ok := m.records[peerID]
	if ok {
		delete(m.records, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if m.deps.OnDisconnect != nil {
		m.deps.OnDisconnect(peerID)
	}

	tr.cancel()
	if err := m.deps.Tunnel.RemovePeer(ctx, peerID); err != nil {
		m.deps.Logger.Warn().Str("peer_id", peerID).Err(err).Msg("remove peer from tunnel failed during disconnect")
	}
	return nil
}

// peerVirtualIP validates and returns peer's registered virtual_ip
// (assigned once by the control plane at RegisterParty/JoinParty time,
// per internal/ipam.AssignVirtualIP) rather than letting this process
// allocate its own, independent address for a remote peer.
func peerVirtualIP(peer model.PeerInfo) (string, error) {
	if peer.VirtualIP == "" {
		return "", lanerr.New(lanerr.KindPeerConnection, "peer has no virtual_ip assigned").WithIdent(peer.PeerID)
	}
	if _, err := netip.ParseAddr(peer.VirtualIP); err != nil {
		return "", lanerr.Wrap(lanerr.KindPeerConnection, "parse peer virtual_ip", err).WithIdent(peer.PeerID)
	}
	return peer.VirtualIP, nil
}

// Record returns a snapshot of peerID's current connection state.
func (m *Manager) Record(peerID string) (model.ConnectionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.records[peerID]
	if !ok {
		return model.ConnectionRecord{}, false
	}
	return tr.record, true
}

// Records returns a snapshot of every tracked connection.
func (m *Manager) Records() []model.ConnectionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ConnectionRecord, 0, len(m.records))
	for _, tr := range m.records {
		out = append(out, tr.record)
	}
	return out
}

func (m *Manager) coordinate(ctx context.Context, peer model.PeerInfo) (coordinate.Outcome, error) {
	m.mu.Lock()
	local := m.local
	m.mu.Unlock()
	return m.coordinateFrom(ctx, local, peer)
}

// coordinateFrom is coordinate for callers that already hold m.mu and
// pass m.local in themselves.
func (m *Manager) coordinateFrom(ctx context.Context, local, peer model.PeerInfo) (coordinate.Outcome, error) {
	var relays []model.RelayInfo
	if m.deps.Relays != nil {
		var err error
		relays, err = m.deps.Relays(ctx)
		if err != nil {
			m.deps.Logger.Warn().Err(err).Msg("fetch relay directory failed, proceeding with none")
		}
	}
	return coordinate.Coordinate(ctx, local, peer, m.deps.Punch, relays, m.deps.Probe)
}

// tick runs one monitor iteration for peerID: measure latency, update
// failures/state, and perform reconnect or relay-switch recovery as
// needed.
func (m *Manager) tick(ctx context.Context, peerID string) {
	m.mu.Lock()
	tr, ok := m.records[peerID]
	m.mu.Unlock()
	if !ok {
		return
	}

	latency, err := m.deps.Tunnel.MeasureLatency(ctx, tr.record.VirtualIP)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	tr.record.LastCheckedAt = now

	if err != nil {
		tr.record.Failures++
		tr.record.LastFailureAt = now
		if tr.record.State == model.StateActive {
			tr.record.State = model.StateDegraded
		}
		if tr.record.Failures >= m.deps.ReconnectThreshold {
			m.reconnectLocked(ctx, peerID, tr)
		}
		if tr.record.Failures >= m.deps.MaxFailures {
			if tr.record.State != model.StateFailed {
				tr.failedSince = now
			}
			tr.record.State = model.StateFailed
		}
		return
	}

	latencyMs := float64(latency.Microseconds()) / 1000.0
	tr.record.LatencyMs = latencyMs
	tr.record.LatencyEWMAMs = ewma(tr.record.LatencyEWMAMs, latencyMs)
	tr.record.Failures = 0
	tr.record.LastSuccessAt = now
	if tr.record.State != model.StateFailed {
		tr.record.State = model.StateActive
	}

	if latencyMs > m.deps.RelaySwitchThresholdMs && tr.record.Path == string(coordinate.StrategyRelay) {
		m.maybeSwitchRelayLocked(ctx, peerID, tr, now)
	}
}

// reconnectLocked removes and re-adds the WireGuard peer with a freshly
// coordinated strategy/endpoint. It is called with m.mu held. tick calls
// it on every failed measurement once Failures reaches
// ReconnectThreshold; no back-off delay is applied between attempts.
func (m *Manager) reconnectLocked(ctx context.Context, peerID string, tr *trackedRecord) {
	peer, found, err := m.deps.Plane.DiscoverPeer(ctx, tr.party, peerID)
	if err != nil || !found {
		m.deps.Logger.Warn().Str("peer_id", peerID).Err(err).Msg("reconnect: discover peer failed")
		return
	}
	out, err := m.coordinateFrom(ctx, m.local, peer)
	if err != nil {
		m.deps.Logger.Warn().Str("peer_id", peerID).Err(err).Msg("reconnect: coordinate failed")
		return
	}
	if err := m.deps.Tunnel.RemovePeer(ctx, peerID); err != nil {
		m.deps.Logger.Warn().Str("peer_id", peerID).Err(err).Msg("reconnect: remove peer failed")
	}
	if err := m.deps.Tunnel.AddPeer(ctx, peerID, tunnel.Peer{
		PublicKey:  peer.PublicKey,
		Endpoint:   out.Endpoint,
		AllowedIPs: []string{tr.record.VirtualIP + "/32"},
	}); err != nil {
		m.deps.Logger.Warn().Str("peer_id", peerID).Err(err).Msg("reconnect: add peer failed")
		return
	}
	tr.record.Path = string(out.Strategy)
	tr.record.Endpoint = out.Endpoint
	tr.record.RelayID = out.RelayID
}

// maybeSwitchRelayLocked picks a new relay when the current relay path
// is degraded, respecting the RelaySwitchCooldown. Called with m.mu held.
func (m *Manager) maybeSwitchRelayLocked(ctx context.Context, peerID string, tr *trackedRecord, now time.Time) {
	if !tr.lastRelaySwitch.IsZero() && now.Sub(tr.lastRelaySwitch) < m.deps.RelaySwitchCooldown {
		return
	}
	peer, found, err := m.deps.Plane.DiscoverPeer(ctx, tr.party, peerID)
	if err != nil || !found {
		return
	}
	out, err := m.coordinateFrom(ctx, m.local, peer)
	if err != nil || out.Strategy != coordinate.StrategyRelay {
		return
	}
	if err := m.deps.Tunnel.AddPeer(ctx, peerID, tunnel.Peer{
		PublicKey:  peer.PublicKey,
		Endpoint:   out.Endpoint,
		AllowedIPs: []string{tr.record.VirtualIP + "/32"},
	}); err != nil {
		m.deps.Logger.Warn().Str("peer_id", peerID).Err(err).Msg("relay switch: add peer failed")
		return
	}
	tr.record.Endpoint = out.Endpoint
	tr.record.RelayID = out.RelayID
	tr.lastRelaySwitch = now
}

func ewma(prev, sample float64) float64 {
	const alpha = 0.3
	if prev == 0 {
		return sample
	}
	return alpha*sample + (1-alpha)*prev
}

// ReapFailed removes records that have been in state failed for longer
// than FailedCleanupTimeout automatic cleanup.
func (m *Manager) ReapFailed(ctx context.Context, now time.Time) {
	m.mu.Lock()
	var stale []string
	for peerID, tr := range m.records {
		if tr.record.State == model.StateFailed && !tr.failedSince.IsZero() && now.Sub(tr.failedSince) > m.deps.FailedCleanupTimeout {
			stale = append(stale, peerID)
		}
	}
	m.mu.Unlock()

	for _, peerID := range stale {
		_ = m.DisconnectFromPeer(ctx, peerID)
	}
}

// RunReaper runs ReapFailed on a ticker until ctx is cancelled, as a
// task.Supervisor-compatible function.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) error {
	return task.Ticker(ctx, interval, func(ctx context.Context) {
		m.ReapFailed(ctx, time.Now())
	})
}
