package tunnel

import (
	"strings"
	"testing"
)

func TestRenderSetConf_RendersAllMeshPeers(t *testing.T) {
	t.Parallel()

	iface := InterfaceConfig{PrivateKey: "priv==", ListenPort: 51820}
	peers := []Peer{
		{PublicKey: "pubA==", Endpoint: "203.0.113.1:51820", AllowedIPs: []string{"10.66.0.2/32"}, KeepaliveSec: 25},
		{PublicKey: "pubB==", AllowedIPs: []string{"10.66.0.3/32"}},
	}

	out, err := RenderSetConf(iface, peers)
	if err != nil {
		t.Fatalf("RenderSetConf: %v", err)
	}
	if !strings.Contains(out, "PrivateKey = priv==") {
		t.Fatalf("missing interface private key: %s", out)
	}
	if !strings.Contains(out, "ListenPort = 51820") {
		t.Fatalf("missing listen port: %s", out)
	}
	if strings.Count(out, "[Peer]") != 2 {
		t.Fatalf("expected 2 peer stanzas, got: %s", out)
	}
	if !strings.Contains(out, "Endpoint = 203.0.113.1:51820") {
		t.Fatalf("missing peer A endpoint: %s", out)
	}
	if !strings.Contains(out, "PersistentKeepalive = 25") {
		t.Fatalf("missing peer A keepalive: %s", out)
	}
	if strings.Contains(out, "PersistentKeepalive = 0") {
		t.Fatalf("peer B should not render a zero keepalive: %s", out)
	}
}

func TestRenderSetConf_SkipsIncompletePeers(t *testing.T) {
	t.Parallel()

	iface := InterfaceConfig{PrivateKey: "priv=="}
	peers := []Peer{
		{PublicKey: "", AllowedIPs: []string{"10.66.0.2/32"}},
		{PublicKey: "pubB==", AllowedIPs: nil},
	}

	out, err := RenderSetConf(iface, peers)
	if err != nil {
		t.Fatalf("RenderSetConf: %v", err)
	}
	if strings.Contains(out, "[Peer]") {
		t.Fatalf("expected no peer stanzas for incomplete peers: %s", out)
	}
}

func TestRenderSetConf_RequiresPrivateKey(t *testing.T) {
	t.Parallel()

	if _, err := RenderSetConf(InterfaceConfig{}, nil); err == nil {
		t.Fatalf("expected an error for a missing private key")
	}
}

func TestRenderWindowsConf_InjectsAddressAndMTUIntoInterfaceStanza(t *testing.T) {
	t.Parallel()

	iface := InterfaceConfig{PrivateKey: "priv==", Address: "10.66.0.4/32", MTU: 1280}
	peers := []Peer{
		{PublicKey: "pubA==", Endpoint: "203.0.113.1:51820", AllowedIPs: []string{"10.66.0.2/32"}},
	}

	out, err := RenderWindowsConf(iface, peers)
	if err != nil {
		t.Fatalf("RenderWindowsConf: %v", err)
	}
	ifaceSection := out[:strings.Index(out, "[Peer]")]
	if !strings.Contains(ifaceSection, "Address = 10.66.0.4/32") {
		t.Fatalf("missing Address in interface stanza: %s", out)
	}
	if !strings.Contains(ifaceSection, "MTU = 1280") {
		t.Fatalf("missing MTU in interface stanza: %s", out)
	}
	if !strings.Contains(out, "[Peer]") {
		t.Fatalf("missing peer stanza: %s", out)
	}
}

func TestRenderWindowsConf_RequiresAddress(t *testing.T) {
	t.Parallel()

	iface := InterfaceConfig{PrivateKey: "priv=="}
	if _, err := RenderWindowsConf(iface, nil); err == nil {
		t.Fatalf("expected an error for a missing address")
	}
}
