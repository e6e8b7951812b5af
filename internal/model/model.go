// Package model holds the wire and in-memory data types shared across
// the control plane, tunnel manager, and connection coordinator.
package model

import "time"

// NATType classifies a peer's NAT behavior as observed via STUN.
type NATType string

const (
	NATOpen               NATType = "open"
	NATFullCone           NATType = "full_cone"
	NATRestrictedCone     NATType = "restricted_cone"
	NATPortRestrictedCone NATType = "port_restricted_cone"
	NATSymmetric          NATType = "symmetric"
	NATUnknown            NATType = "unknown"
)

// ConeLike reports whether t behaves like a cone NAT for connection
// strategy purposes (restricted and port-restricted cones are folded
// together).
func (t NATType) ConeLike() bool {
	switch t {
	case NATOpen, NATFullCone, NATRestrictedCone, NATPortRestrictedCone:
		return true
	default:
		return false
	}
}

// PeerInfo describes one mesh participant as known to the control plane.
type PeerInfo struct {
	PeerID         string    `json:"peer_id"`
	PartyID        string    `json:"party_id"`
	Name           string    `json:"name"`
	PublicKey      string    `json:"public_key"`
	VirtualIP      string    `json:"virtual_ip"`
	PrivateEndpoint string   `json:"private_endpoint,omitempty"`
	PublicEndpoint string    `json:"public_endpoint,omitempty"`
	ProbePort      int       `json:"probe_port,omitempty"`
	NATType        NATType   `json:"nat_type"`
	RelayOnly      bool      `json:"relay_only"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	JoinedAt       time.Time `json:"joined_at"`
}

// PartyInfo describes a joinable mesh session.
type PartyInfo struct {
	PartyID       string     `json:"party_id"`
	Name          string     `json:"name"`
	VirtualSubnet string     `json:"virtual_subnet"`
	MaxPeers      int        `json:"max_peers"`
	CreatedAt     time.Time  `json:"created_at"`
	HostPeerID    string     `json:"host_peer_id"`
	Peers         []PeerInfo `json:"peers"`
}

// ConnectionState is a position in the per-connection state machine
// (connecting -> active -> degraded -> failed -> closing).
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateActive     ConnectionState = "active"
	StateDegraded   ConnectionState = "degraded"
	StateFailed     ConnectionState = "failed"
	StateClosing    ConnectionState = "closing"
)

// ConnectionRecord tracks the observed health of one peer-to-peer path.
type ConnectionRecord struct {
	PeerID        string          `json:"peer_id"`
	VirtualIP     string          `json:"virtual_ip"`
	PublicKey     string          `json:"public_key"`
	State         ConnectionState `json:"state"`
	Path          string          `json:"path"` // direct|same_lan|relay
	Endpoint      string          `json:"endpoint"`
	RelayID       string          `json:"relay_id,omitempty"`
	LatencyMs     float64         `json:"latency_ms"`
	LatencyEWMAMs float64         `json:"latency_ewma_ms"`
	LossPct       float64         `json:"loss_pct"`
	Failures      int             `json:"failures"`
	LastCheckedAt time.Time       `json:"last_checked_at"`
	LastSuccessAt time.Time       `json:"last_success_at"`
	LastFailureAt time.Time       `json:"last_failure_at,omitempty"`
}

// RelayInfo describes a relay server the coordinator may route through.
type RelayInfo struct {
	RelayID   string `json:"relay_id"`
	PublicIP  string `json:"public_ip"`
	Port      int    `json:"port"`
	Region    string `json:"region,omitempty"`
	MaxClients int   `json:"max_clients"`
}

// ControlServerState is the full persisted state of a control-plane
// server: parties, their peers, and the known relay directory.
type ControlServerState struct {
	UpdatedAt time.Time            `json:"updated_at"`
	Parties   map[string]PartyInfo `json:"parties"`
	Relays    []RelayInfo          `json:"relays"`
}
