// Package cpserver implements the optional central control-plane
// server: a registry of parties/peers/relays behind a WebSocket
// signaling hub, a multi-party registry behind a WebSocket
// protocol.
package cpserver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"lanrage/internal/config"
	"lanrage/internal/ipam"
	"lanrage/internal/lanerr"
	"lanrage/internal/model"
)

// Registry holds the server-side ControlServerState and the mutation
// bookkeeping the batched persister needs, keyed by the party-scoped
// model the mesh control plane requires.
type Registry struct {
	mu    sync.RWMutex
	state model.ControlServerState
	dirty bool
}

// NewRegistry loads state from path, or starts empty if it doesn't
// exist yet (a missing file is not an error).
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{state: model.ControlServerState{Parties: make(map[string]model.PartyInfo)}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, lanerr.Wrap(lanerr.KindControlPlane, "read control server state", err)
	}
	if err := json.Unmarshal(data, &r.state); err != nil {
		return nil, lanerr.Wrap(lanerr.KindControlPlane, "parse control server state", err)
	}
	if r.state.Parties == nil {
		r.state.Parties = make(map[string]model.PartyInfo)
	}
	return r, nil
}

func (r *Registry) markDirtyLocked() { r.dirty = true }

// TakeSnapshotIfDirty returns the current state and clears the dirty
// flag, or (zero, false) if nothing changed since the last flush.
func (r *Registry) TakeSnapshotIfDirty() (model.ControlServerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return model.ControlServerState{}, false
	}
	r.dirty = false
	return r.snapshotLocked(), true
}

// Snapshot returns the current state regardless of the dirty flag, for
// immediate flush-on-shutdown.
func (r *Registry) Snapshot() model.ControlServerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() model.ControlServerState {
	parties := make(map[string]model.PartyInfo, len(r.state.Parties))
	for k, v := range r.state.Parties {
		parties[k] = v
	}
	relays := make([]model.RelayInfo, len(r.state.Relays))
	copy(relays, r.state.Relays)
	return model.ControlServerState{UpdatedAt: time.Now().UTC(), Parties: parties, Relays: relays}
}

func (r *Registry) RegisterParty(partyID, name, subnet string, host model.PeerInfo) (model.PartyInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.state.Parties[partyID]; ok && existing.HostPeerID != host.PeerID {
		return model.PartyInfo{}, lanerr.New(lanerr.KindPartyExists, "party already registered by another host").WithIdent(partyID)
	}
	if subnet == "" {
		subnet = config.DefaultVirtualSubnet
	}
	virtualIP, err := ipam.AssignVirtualIP(subnet, nil, host.PeerID)
	if err != nil {
		return model.PartyInfo{}, lanerr.Wrap(lanerr.KindConfig, "assign host virtual_ip", err).WithIdent(partyID)
	}
	host.VirtualIP = virtualIP
	party := model.PartyInfo{
		PartyID:       partyID,
		Name:          name,
		VirtualSubnet: subnet,
		HostPeerID:    host.PeerID,
		CreatedAt:     time.Now().UTC(),
		Peers:         []model.PeerInfo{host},
	}
	r.state.Parties[partyID] = party
	r.markDirtyLocked()
	return party, nil
}

func (r *Registry) JoinParty(partyID string, peer model.PeerInfo, maxClients int) (model.PartyInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	party, ok := r.state.Parties[partyID]
	if !ok {
		return model.PartyInfo{}, lanerr.New(lanerr.KindPartyNotFound, "party not found").WithIdent(partyID)
	}
	limit := party.MaxPeers
	if limit == 0 {
		limit = maxClients
	}
	if limit > 0 && len(party.Peers) >= limit && !hasPeer(party.Peers, peer.PeerID) {
		return model.PartyInfo{}, lanerr.New(lanerr.KindPartyFull, "party is full").WithIdent(partyID)
	}
	virtualIP, err := ipam.AssignVirtualIP(party.VirtualSubnet, party.Peers, peer.PeerID)
	if err != nil {
		return model.PartyInfo{}, lanerr.Wrap(lanerr.KindConfig, "assign peer virtual_ip", err).WithIdent(partyID)
	}
	peer.VirtualIP = virtualIP
	party.Peers = upsertPeer(party.Peers, peer)
	r.state.Parties[partyID] = party
	r.markDirtyLocked()
	return party, nil
}

func (r *Registry) LeaveParty(partyID, peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	party, ok := r.state.Parties[partyID]
	if !ok {
		return
	}
	if party.HostPeerID == peerID {
		delete(r.state.Parties, partyID)
		r.markDirtyLocked()
		return
	}
	party.Peers = removePeer(party.Peers, peerID)
	r.state.Parties[partyID] = party
	r.markDirtyLocked()
}

func (r *Registry) UpdatePeer(partyID string, peer model.PeerInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	party, ok := r.state.Parties[partyID]
	if !ok {
		return lanerr.New(lanerr.KindPartyNotFound, "party not found").WithIdent(partyID)
	}
	for i := range party.Peers {
		if party.Peers[i].PeerID == peer.PeerID {
			party.Peers[i] = peer
			r.state.Parties[partyID] = party
			r.markDirtyLocked()
			return nil
		}
	}
	return lanerr.New(lanerr.KindPeerNotFound, "peer not found in party").WithIdent(peer.PeerID)
}

func (r *Registry) GetParty(partyID string) (model.PartyInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	party, ok := r.state.Parties[partyID]
	return party, ok
}

func (r *Registry) GetPeers(partyID string) ([]model.PeerInfo, error) {
	party, ok := r.GetParty(partyID)
	if !ok {
		return nil, lanerr.New(lanerr.KindPartyNotFound, "party not found").WithIdent(partyID)
	}
	return party.Peers, nil
}

func (r *Registry) Heartbeat(partyID, peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	party, ok := r.state.Parties[partyID]
	if !ok {
		return lanerr.New(lanerr.KindPartyNotFound, "party not found").WithIdent(partyID)
	}
	for i := range party.Peers {
		if party.Peers[i].PeerID == peerID {
			party.Peers[i].LastSeenAt = time.Now().UTC()
			r.state.Parties[partyID] = party
			r.markDirtyLocked()
			return nil
		}
	}
	return lanerr.New(lanerr.KindPeerNotFound, "peer not found in party").WithIdent(peerID)
}

func (r *Registry) ListRelays() []model.RelayInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.RelayInfo, len(r.state.Relays))
	copy(out, r.state.Relays)
	return out
}

func (r *Registry) RelaysByRegion(region string) []model.RelayInfo {
	all := r.ListRelays()
	out := make([]model.RelayInfo, 0, len(all))
	for _, rl := range all {
		if rl.Region == region {
			out = append(out, rl)
		}
	}
	return out
}

// ExpireStale removes peers whose LastSeenAt is older than staleAfter,
// and deletes parties left empty or whose host was expired, per
// this package's ~60s reaper task.
func (r *Registry) ExpireStale(staleAfter time.Duration, now time.Time) (expiredPeers, removedParties int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-staleAfter)
	for id, party := range r.state.Parties {
		kept := party.Peers[:0]
		hostAlive := false
		for _, p := range party.Peers {
			if p.LastSeenAt.Before(cutoff) {
				expiredPeers++
				continue
			}
			kept = append(kept, p)
			if p.PeerID == party.HostPeerID {
				hostAlive = true
			}
		}
		party.Peers = kept
		if !hostAlive || len(party.Peers) == 0 {
			delete(r.state.Parties, id)
			removedParties++
			continue
		}
		r.state.Parties[id] = party
	}
	if expiredPeers > 0 || removedParties > 0 {
		r.markDirtyLocked()
	}
	return expiredPeers, removedParties
}

func hasPeer(peers []model.PeerInfo, peerID string) bool {
	for _, p := range peers {
		if p.PeerID == peerID {
			return true
		}
	}
	return false
}

func upsertPeer(peers []model.PeerInfo, peer model.PeerInfo) []model.PeerInfo {
	for i := range peers {
		if peers[i].PeerID == peer.PeerID {
			peers[i] = peer
			return peers
		}
	}
	return append(peers, peer)
}

func removePeer(peers []model.PeerInfo, peerID string) []model.PeerInfo {
	out := peers[:0]
	for _, p := range peers {
		if p.PeerID != peerID {
			out = append(out, p)
		}
	}
	return out
}

// flush writes state to path atomically via a temp-file+rename.
func flush(path string, state model.ControlServerState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return lanerr.Wrap(lanerr.KindControlPlane, "marshal control server state", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return lanerr.Wrap(lanerr.KindControlPlane, "create data dir", err)
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return lanerr.Wrap(lanerr.KindControlPlane, "create temp file", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return lanerr.Wrap(lanerr.KindControlPlane, "write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return lanerr.Wrap(lanerr.KindControlPlane, "close temp file", err)
	}
	return os.Rename(tmpName, path)
}
