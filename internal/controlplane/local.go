package controlplane

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lanrage/internal/ipam"
	"lanrage/internal/lanerr"
	"lanrage/internal/model"
)

// fileState is the on-disk shape of control_state.json. It is richer
// than model.ControlServerState (which describes the central server's
// in-memory registry) because the local variant also has to carry
// pending signal deliveries through the same shared file.
type fileState struct {
	UpdatedAt time.Time                  `json:"updated_at"`
	Parties   map[string]model.PartyInfo `json:"parties"`
	Relays    []model.RelayInfo          `json:"relays"`
	Signals   map[string][]Signal        `json:"signals,omitempty"` // peer_id -> pending inbound signals
}

func newFileState() fileState {
	return fileState{Parties: make(map[string]model.PartyInfo), Signals: make(map[string][]Signal)}
}

// Local is the file-based control plane: a shared control_state.json
// polled for changes, no authentication, intended for same-LAN/
// developer use. Uses the same atomic temp-file+rename write
// config.Save uses.
type Local struct {
	path       string
	selfPeerID string
	logger     zerolog.Logger

	mu      sync.Mutex
	signals chan Signal
}

// NewLocal constructs a Local control plane backed by path (typically
// config_dir/control_state.json), representing selfPeerID for the
// purposes of inbound signal delivery.
func NewLocal(path, selfPeerID string, logger zerolog.Logger) (*Local, error) {
	l := &Local{path: path, selfPeerID: selfPeerID, logger: logger, signals: make(chan Signal, 32)}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := l.save(newFileState()); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Watch polls the state file every interval, delivering any signals
// newly addressed to selfPeerID onto the Signals() channel. Intended
// to be registered with a task.Supervisor.
func (l *Local) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.drainSignals(); err != nil {
				l.logger.Warn().Err(err).Msg("control plane poll failed")
			}
		}
	}
}

// Signals implements SignalReceiver.
func (l *Local) Signals() <-chan Signal { return l.signals }

func (l *Local) drainSignals() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, err := l.load()
	if err != nil {
		return err
	}
	pending, ok := state.Signals[l.selfPeerID]
	if !ok || len(pending) == 0 {
		return nil
	}
	delete(state.Signals, l.selfPeerID)
	if err := l.save(state); err != nil {
		return err
	}
	for _, sig := range pending {
		select {
		case l.signals <- sig:
		default:
		}
	}
	return nil
}

func (l *Local) RegisterPeer(ctx context.Context, peerID string) error {
	return nil // identity claim has no durable state in the local variant
}

func (l *Local) RegisterParty(ctx context.Context, partyID, name, subnet string, host model.PeerInfo) (model.PartyInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, err := l.load()
	if err != nil {
		return model.PartyInfo{}, err
	}
	if existing, ok := state.Parties[partyID]; ok && existing.HostPeerID != host.PeerID {
		return model.PartyInfo{}, lanerr.New(lanerr.KindPartyExists, "party already registered by another host").WithIdent(partyID)
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
	state.Parties[partyID] = party
	return party, l.save(state)
}

func (l *Local) JoinParty(ctx context.Context, partyID string, peer model.PeerInfo) (model.PartyInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, err := l.load()
	if err != nil {
		return model.PartyInfo{}, err
	}
	party, ok := state.Parties[partyID]
	if !ok {
		return model.PartyInfo{}, lanerr.New(lanerr.KindPartyNotFound, "party not found").WithIdent(partyID)
	}
	if party.MaxPeers > 0 && len(party.Peers) >= party.MaxPeers && !hasPeer(party.Peers, peer.PeerID) {
		return model.PartyInfo{}, lanerr.New(lanerr.KindPartyFull, "party is full").WithIdent(partyID)
	}
	virtualIP, err := ipam.AssignVirtualIP(party.VirtualSubnet, party.Peers, peer.PeerID)
	if err != nil {
		return model.PartyInfo{}, lanerr.Wrap(lanerr.KindConfig, "assign peer virtual_ip", err).WithIdent(partyID)
	}
	peer.VirtualIP = virtualIP
	party.Peers = upsertPeer(party.Peers, peer)
	state.Parties[partyID] = party
	return party, l.save(state)
}

func (l *Local) LeaveParty(ctx context.Context, partyID, peerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, err := l.load()
	if err != nil {
		return err
	}
	party, ok := state.Parties[partyID]
	if !ok {
		return nil // idempotent
	}
	if party.HostPeerID == peerID {
		delete(state.Parties, partyID)
		return l.save(state)
	}
	party.Peers = removePeer(party.Peers, peerID)
	state.Parties[partyID] = party
	return l.save(state)
}

func (l *Local) UpdatePeer(ctx context.Context, partyID string, peer model.PeerInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, err := l.load()
	if err != nil {
		return err
	}
	party, ok := state.Parties[partyID]
	if !ok {
		return lanerr.New(lanerr.KindPartyNotFound, "party not found").WithIdent(partyID)
	}
	found := false
	for i := range party.Peers {
		if party.Peers[i].PeerID == peer.PeerID {
			party.Peers[i] = peer
			found = true
			break
		}
	}
	if !found {
		return lanerr.New(lanerr.KindPeerNotFound, "peer not found in party").WithIdent(peer.PeerID)
	}
	state.Parties[partyID] = party
	return l.save(state)
}

func (l *Local) GetParty(ctx context.Context, partyID string) (model.PartyInfo, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, err := l.load()
	if err != nil {
		return model.PartyInfo{}, false, err
	}
	party, ok := state.Parties[partyID]
	return party, ok, nil
}

func (l *Local) GetPeers(ctx context.Context, partyID string) ([]model.PeerInfo, error) {
	party, ok, err := l.GetParty(ctx, partyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, lanerr.New(lanerr.KindPartyNotFound, "party not found").WithIdent(partyID)
	}
	return party.Peers, nil
}

func (l *Local) DiscoverPeer(ctx context.Context, partyID, peerID string) (model.PeerInfo, bool, error) {
	peers, err := l.GetPeers(ctx, partyID)
	if err != nil {
		return model.PeerInfo{}, false, err
	}
	for _, p := range peers {
		if p.PeerID == peerID {
			return p, true, nil
		}
	}
	return model.PeerInfo{}, false, nil
}

func (l *Local) SignalConnection(ctx context.Context, partyID, from, to string, payload json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, err := l.load()
	if err != nil {
		return err
	}
	state.Signals[to] = append(state.Signals[to], Signal{
		PartyID: partyID, From: from, To: to, Payload: payload, At: time.Now().UTC(),
	})
	return l.save(state)
}

func (l *Local) Heartbeat(ctx context.Context, partyID, peerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, err := l.load()
	if err != nil {
		return err
	}
	party, ok := state.Parties[partyID]
	if !ok {
		return lanerr.New(lanerr.KindPartyNotFound, "party not found").WithIdent(partyID)
	}
	for i := range party.Peers {
		if party.Peers[i].PeerID == peerID {
			party.Peers[i].LastSeenAt = time.Now().UTC()
			state.Parties[partyID] = party
			return l.save(state)
		}
	}
	return lanerr.New(lanerr.KindPeerNotFound, "peer not found in party").WithIdent(peerID)
}

func (l *Local) ListRelays(ctx context.Context) ([]model.RelayInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.load()
	if err != nil {
		return nil, err
	}
	return state.Relays, nil
}

func (l *Local) GetRelaysByRegion(ctx context.Context, region string) ([]model.RelayInfo, error) {
	all, err := l.ListRelays(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.RelayInfo, 0, len(all))
	for _, r := range all {
		if r.Region == region {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *Local) Close() error { return nil }

func (l *Local) load() (fileState, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return newFileState(), nil
		}
		return fileState{}, lanerr.Wrap(lanerr.KindControlPlane, "read control_state.json", err)
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return fileState{}, lanerr.Wrap(lanerr.KindControlPlane, "parse control_state.json", err)
	}
	if state.Parties == nil {
		state.Parties = make(map[string]model.PartyInfo)
	}
	if state.Signals == nil {
		state.Signals = make(map[string][]Signal)
	}
	return state, nil
}

func (l *Local) save(state fileState) error {
	state.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return lanerr.Wrap(lanerr.KindControlPlane, "marshal control_state.json", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return lanerr.Wrap(lanerr.KindControlPlane, "create config_dir", err)
	}
	return atomicWriteFile(l.path, data, 0o644)
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

// atomicWriteFile writes data to path via a temp file in the same
// directory followed by a rename, matching config.Save's write
// discipline so a crash never leaves a half-written control_state.json.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return lanerr.Wrap(lanerr.KindControlPlane, "create temp file", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return lanerr.Wrap(lanerr.KindControlPlane, "chmod temp file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return lanerr.Wrap(lanerr.KindControlPlane, "write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return lanerr.Wrap(lanerr.KindControlPlane, "sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return lanerr.Wrap(lanerr.KindControlPlane, "close temp file", err)
	}
	return os.Rename(tmpName, path)
}
