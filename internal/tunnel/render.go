package tunnel

import (
	"fmt"
	"strings"
)

// Peer is one full-mesh WireGuard peer entry, describing an arbitrary
// mesh member rather than a single hub peer.
type Peer struct {
	PublicKey    string
	Endpoint     string
	AllowedIPs   []string
	KeepaliveSec int
}

// InterfaceConfig describes this host's own WireGuard identity.
type InterfaceConfig struct {
	PrivateKey string
	Address    string // this peer's virtual IP, e.g. "10.66.0.4/32"
	ListenPort int
	MTU        int
}

// RenderSetConf renders a `wg setconf`-compatible config: the
// interface's own private key/listen port plus every mesh peer, with no
// Address/MTU stanza (those are applied via `ip`, not `wg`), over the
// full peer table rather than a single hub peer.
func RenderSetConf(iface InterfaceConfig, peers []Peer) (string, error) {
	if iface.PrivateKey == "" {
		return "", fmt.Errorf("private key is required")
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	b.WriteString("PrivateKey = ")
	b.WriteString(iface.PrivateKey)
	b.WriteString("\n")
	if iface.ListenPort > 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", iface.ListenPort)
	}

	for _, peer := range peers {
		if peer.PublicKey == "" || len(peer.AllowedIPs) == 0 {
			continue
		}
		b.WriteString("\n[Peer]\n")
		b.WriteString("PublicKey = ")
		b.WriteString(peer.PublicKey)
		b.WriteString("\n")
		if peer.Endpoint != "" {
			b.WriteString("Endpoint = ")
			b.WriteString(peer.Endpoint)
			b.WriteString("\n")
		}
		b.WriteString("AllowedIPs = ")
		b.WriteString(strings.Join(peer.AllowedIPs, ", "))
		b.WriteString("\n")
		if peer.KeepaliveSec > 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", peer.KeepaliveSec)
		}
	}

	return b.String(), nil
}

// RenderWindowsConf renders a full WireGuard .conf file (including
// Address/MTU, unlike RenderSetConf) for `wireguard /installtunnelservice`,
// Windows provisioning path.
func RenderWindowsConf(iface InterfaceConfig, peers []Peer) (string, error) {
	setConf, err := RenderSetConf(iface, peers)
	if err != nil {
		return "", err
	}
	if iface.Address == "" {
		return "", fmt.Errorf("address is required for a Windows tunnel file")
	}

	var b strings.Builder
	lines := strings.SplitN(setConf, "\n[Peer]", 2)
	b.WriteString(lines[0])
	b.WriteString("\nAddress = ")
	b.WriteString(iface.Address)
	b.WriteString("\n")
	if iface.MTU > 0 {
		fmt.Fprintf(&b, "MTU = %d\n", iface.MTU)
	}
	if len(lines) > 1 {
		b.WriteString("\n[Peer]")
		b.WriteString(lines[1])
	}
	return b.String(), nil
}
