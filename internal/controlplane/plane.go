// Package controlplane implements the party/peer registry as a capability
// interface: the party manager depends only on Plane, with two concrete
// backends — a file-based Local variant for single-LAN/dev use and a
// WebSocket-based Remote variant for a central server deployment.
package controlplane

import (
	"context"
	"encoding/json"
	"time"

	"lanrage/internal/model"
)

// Plane is the control-plane contract, implemented by both Local and
// Remote.
type Plane interface {
	RegisterPeer(ctx context.Context, peerID string) error
	// RegisterParty claims partyID for host and assigns host's
	// canonical virtual_ip within subnet (see internal/ipam.AssignVirtualIP);
	// subnet is persisted on the returned PartyInfo so later JoinParty
	// calls assign every guest's virtual_ip from the same pool.
	RegisterParty(ctx context.Context, partyID, name, subnet string, host model.PeerInfo) (model.PartyInfo, error)
	JoinParty(ctx context.Context, partyID string, peer model.PeerInfo) (model.PartyInfo, error)
	LeaveParty(ctx context.Context, partyID, peerID string) error
	UpdatePeer(ctx context.Context, partyID string, peer model.PeerInfo) error
	GetParty(ctx context.Context, partyID string) (model.PartyInfo, bool, error)
	GetPeers(ctx context.Context, partyID string) ([]model.PeerInfo, error)
	DiscoverPeer(ctx context.Context, partyID, peerID string) (model.PeerInfo, bool, error)
	SignalConnection(ctx context.Context, partyID, from, to string, payload json.RawMessage) error
	Heartbeat(ctx context.Context, partyID, peerID string) error
	ListRelays(ctx context.Context) ([]model.RelayInfo, error)
	GetRelaysByRegion(ctx context.Context, region string) ([]model.RelayInfo, error)
	Close() error
}

// Signal is one delivered SignalConnection payload, consumed by the
// connection manager to synchronize hole-punch bursts.
type Signal struct {
	PartyID string          `json:"party_id"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// SignalReceiver is implemented by Plane backends that can deliver
// inbound SignalConnection traffic addressed to this process's peer.
// It is a separate interface (rather than folded into Plane) because
// receipt is push-based on the wire but the Plane contract itself is
// request/response.
type SignalReceiver interface {
	Signals() <-chan Signal
}
