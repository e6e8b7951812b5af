// Package party implements the party manager: it orchestrates
// CreateParty/JoinParty/LeaveParty/GetStatus across the control plane,
// tunnel manager, NAT classifier, and connection manager, as a plain
// struct with injected collaborators.
package party

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lanrage/internal/connection"
	"lanrage/internal/controlplane"
	"lanrage/internal/lanerr"
	"lanrage/internal/model"
)

// TunnelConfigurer is the subset of *tunnel.Manager the party manager
// drives: reconfiguring the local interface's own address once the
// control plane has assigned this host's canonical virtual_ip.
// Declaring it as an interface (rather than depending on the concrete
// type) keeps the same injectable-seam style as connection.TunnelClient
// and lets tests substitute a fake instead of shelling out to ip/wg.
type TunnelConfigurer interface {
	SetAddress(ctx context.Context, address string) error
}

// Status aggregates a party's current state for the management API and
// CLI GetStatus contract.
type Status struct {
	Party      model.PartyInfo
	SelfPeerID string
	NATType    model.NATType
	RelayOnly  bool
	Peers      []PeerStatus
}

// PeerStatus is one peer's live connection view within GetStatus.
type PeerStatus struct {
	Peer       model.PeerInfo
	Connection model.ConnectionRecord
	Connected  bool
}

// Manager orchestrates party lifecycle for this process's single local
// identity. It holds at most one "current party" at a time, set on
// CreateParty/JoinParty and cleared on LeaveParty.
type Manager struct {
	plane  controlplane.Plane
	tunnel TunnelConfigurer
	conns  *connection.Manager
	logger zerolog.Logger

	selfPeerID string
	publicKey  string

	mu        sync.Mutex
	current   *model.PartyInfo
	natType   model.NATType
	relayOnly bool
}

// NewManager constructs a party Manager for one local installation.
// publicKey is this host's WireGuard public key, stable for the life of
// the installation.
func NewManager(plane controlplane.Plane, tun TunnelConfigurer, conns *connection.Manager, selfPeerID, publicKey string, logger zerolog.Logger) *Manager {
	return &Manager{
		plane:      plane,
		tunnel:     tun,
		conns:      conns,
		logger:     logger,
		selfPeerID: selfPeerID,
		publicKey:  publicKey,
		natType:    model.NATUnknown,
	}
}

// SetNATInfo records this host's NAT classification result. If
// classification failed at startup the party manager continues in
// relay-only mode.
func (m *Manager) SetNATInfo(natType model.NATType, relayOnly bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.natType = natType
	m.relayOnly = relayOnly
}

func (m *Manager) selfPeerInfoLocked(virtualIP string, publicEndpoint, privateEndpoint string) model.PeerInfo {
	now := time.Now()
	return model.PeerInfo{
		PeerID:          m.selfPeerID,
		Name:            m.selfPeerID,
		PublicKey:       m.publicKey,
		VirtualIP:       virtualIP,
		PublicEndpoint:  publicEndpoint,
		PrivateEndpoint: privateEndpoint,
		NATType:         m.natType,
		RelayOnly:       m.relayOnly,
		LastSeenAt:      now,
		JoinedAt:        now,
	}
}

// CreateParty generates a party_id, registers with the control plane
// (which assigns this host's canonical virtual_ip within subnet), and
// reconfigures the local tunnel interface to that address.
func (m *Manager) CreateParty(ctx context.Context, name, subnet, publicEndpoint, privateEndpoint string) (model.PartyInfo, error) {
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return model.PartyInfo{}, lanerr.New(lanerr.KindParty, "already in a party; leave it first")
	}
	host := m.selfPeerInfoLocked("", publicEndpoint, privateEndpoint)
	m.mu.Unlock()

	partyID := uuid.NewString()
	info, err := m.plane.RegisterParty(ctx, partyID, name, subnet, host)
	if err != nil {
		return model.PartyInfo{}, lanerr.Wrap(lanerr.KindParty, "register party", err).WithIdent(partyID)
	}

	self, ok := findPeer(info.Peers, m.selfPeerID)
	if !ok || self.VirtualIP == "" {
		return model.PartyInfo{}, lanerr.New(lanerr.KindParty, "control plane did not assign a virtual_ip").WithIdent(partyID)
	}
	if err := m.tunnel.SetAddress(ctx, self.VirtualIP+"/32"); err != nil {
		return model.PartyInfo{}, lanerr.Wrap(lanerr.KindParty, "set tunnel address", err).WithIdent(partyID)
	}
	m.conns.SetLocal(self)

	m.mu.Lock()
	m.current = &info
	m.mu.Unlock()
	return info, nil
}

// JoinParty joins via the control plane (which assigns this peer's
// canonical virtual_ip within the party's existing subnet),
// reconfigures the local tunnel interface to that address, then
// concurrently connects to every existing peer returned in the party's
// peer list.
func (m *Manager) JoinParty(ctx context.Context, partyID, publicEndpoint, privateEndpoint string) (model.PartyInfo, error) {
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return model.PartyInfo{}, lanerr.New(lanerr.KindParty, "already in a party; leave it first")
	}
	self := m.selfPeerInfoLocked("", publicEndpoint, privateEndpoint)
	m.mu.Unlock()

	info, err := m.plane.JoinParty(ctx, partyID, self)
	if err != nil {
		return model.PartyInfo{}, lanerr.Wrap(lanerr.KindParty, "join party", err).WithIdent(partyID)
	}

	assigned, ok := findPeer(info.Peers, m.selfPeerID)
	if !ok || assigned.VirtualIP == "" {
		return model.PartyInfo{}, lanerr.New(lanerr.KindParty, "control plane did not assign a virtual_ip").WithIdent(partyID)
	}
	if err := m.tunnel.SetAddress(ctx, assigned.VirtualIP+"/32"); err != nil {
		return model.PartyInfo{}, lanerr.Wrap(lanerr.KindParty, "set tunnel address", err).WithIdent(partyID)
	}
	m.conns.SetLocal(assigned)

	m.mu.Lock()
	m.current = &info
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, peer := range info.Peers {
		if peer.PeerID == m.selfPeerID {
			continue
		}
		wg.Add(1)
		go func(peerID string) {
			defer wg.Done()
			if err := m.conns.ConnectToPeer(ctx, partyID, peerID); err != nil {
				m.logger.Warn().Str("peer_id", peerID).Err(err).Msg("fan-out connect on join failed")
			}
		}(peer.PeerID)
	}
	wg.Wait()

	return info, nil
}

func findPeer(peers []model.PeerInfo, peerID string) (model.PeerInfo, bool) {
	for _, p := range peers {
		if p.PeerID == peerID {
			return p, true
		}
	}
	return model.PeerInfo{}, false
}

// LeaveParty disconnects from every peer, then leaves via the control
// plane, clearing current_party regardless of individual disconnect
// failures (which are logged, not fatal).
func (m *Manager) LeaveParty(ctx context.Context) error {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == nil {
		return nil
	}

	for _, peer := range current.Peers {
		if peer.PeerID == m.selfPeerID {
			continue
		}
		if err := m.conns.DisconnectFromPeer(ctx, peer.PeerID); err != nil {
			m.logger.Warn().Str("peer_id", peer.PeerID).Err(err).Msg("disconnect during leave failed")
		}
	}

	if err := m.plane.LeaveParty(ctx, current.PartyID, m.selfPeerID); err != nil {
		return lanerr.Wrap(lanerr.KindParty, "leave party", err).WithIdent(current.PartyID)
	}

	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	return nil
}

// GetStatus returns the current party, each peer's live connection
// record, connection strategy, and local NAT info.
func (m *Manager) GetStatus(ctx context.Context) (Status, error) {
	m.mu.Lock()
	current := m.current
	natType := m.natType
	relayOnly := m.relayOnly
	m.mu.Unlock()

	if current == nil {
		return Status{SelfPeerID: m.selfPeerID, NATType: natType, RelayOnly: relayOnly}, nil
	}

	party, ok, err := m.plane.GetParty(ctx, current.PartyID)
	if err != nil {
		return Status{}, lanerr.Wrap(lanerr.KindParty, "get party", err).WithIdent(current.PartyID)
	}
	if !ok {
		m.mu.Lock()
		m.current = nil
		m.mu.Unlock()
		return Status{SelfPeerID: m.selfPeerID, NATType: natType, RelayOnly: relayOnly}, nil
	}

	out := Status{Party: party, SelfPeerID: m.selfPeerID, NATType: natType, RelayOnly: relayOnly}
	for _, peer := range party.Peers {
		if peer.PeerID == m.selfPeerID {
			continue
		}
		rec, connected := m.conns.Record(peer.PeerID)
		out.Peers = append(out.Peers, PeerStatus{Peer: peer, Connection: rec, Connected: connected})
	}
	return out, nil
}
