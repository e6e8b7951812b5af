package tunnel

import (
	"context"
	"strings"
	"testing"
)

type recordRunner struct {
	cmds []string
}

func (r *recordRunner) Run(name string, args ...string) error {
	r.cmds = append(r.cmds, name+" "+strings.Join(args, " "))
	return nil
}

func (r *recordRunner) Output(name string, args ...string) (string, error) { return "", nil }

func TestInitialize_BringsInterfaceUpAndGeneratesKeys(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{}
	dir := t.TempDir()
	m := NewManager(rr, "lanrage0", dir, 25)
	m.windows = false

	kp, err := m.Initialize(context.Background(), "10.66.0.4/32", 1280)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if kp.PrivateKey == "" || kp.PublicKey == "" {
		t.Fatalf("expected a generated key pair")
	}

	want := "ip address replace 10.66.0.4/32 dev lanrage0"
	found := false
	for _, c := range rr.cmds {
		if c == want {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("missing address command; cmds=%v", rr.cmds)
	}
}

func TestInitialize_SkipsAddressCommandWhenAddressUnknown(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{}
	dir := t.TempDir()
	m := NewManager(rr, "lanrage0", dir, 25)
	m.windows = false

	if _, err := m.Initialize(context.Background(), "", 1280); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	for _, c := range rr.cmds {
		if strings.HasPrefix(c, "ip address replace") {
			t.Fatalf("did not expect an address command before the virtual_ip is known; cmds=%v", rr.cmds)
		}
	}
}

func TestSetAddress_ReplacesInterfaceAddressOnLinux(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{}
	dir := t.TempDir()
	m := NewManager(rr, "lanrage0", dir, 25)
	m.windows = false
	if _, err := m.Initialize(context.Background(), "", 1280); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := m.SetAddress(context.Background(), "10.66.0.4/32"); err != nil {
		t.Fatalf("SetAddress: %v", err)
	}

	want := "ip address replace 10.66.0.4/32 dev lanrage0"
	found := false
	for _, c := range rr.cmds {
		if c == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing address command; cmds=%v", rr.cmds)
	}
}

func TestAddPeer_DefaultsKeepaliveFromManager(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{}
	dir := t.TempDir()
	m := NewManager(rr, "lanrage0", dir, 25)
	m.windows = false
	if _, err := m.Initialize(context.Background(), "10.66.0.4/32", 0); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := m.AddPeer(context.Background(), "peer-1", Peer{
		PublicKey:  "abcd",
		Endpoint:   "203.0.113.9:51820",
		AllowedIPs: []string{"10.66.0.5/32"},
	}); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	m.mu.Lock()
	got := m.peers["peer-1"]
	m.mu.Unlock()
	if got.KeepaliveSec != 25 {
		t.Fatalf("keepalive = %d, want 25", got.KeepaliveSec)
	}

	foundSyncconf := false
	for _, c := range rr.cmds {
		if strings.HasPrefix(c, "wg syncconf lanrage0 ") {
			foundSyncconf = true
		}
	}
	if !foundSyncconf {
		t.Fatalf("expected a wg syncconf call after AddPeer; cmds=%v", rr.cmds)
	}
}

func TestRemovePeer_DropsFromTable(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{}
	dir := t.TempDir()
	m := NewManager(rr, "lanrage0", dir, 25)
	m.windows = false
	_, _ = m.Initialize(context.Background(), "10.66.0.4/32", 0)
	_ = m.AddPeer(context.Background(), "peer-1", Peer{PublicKey: "abcd", AllowedIPs: []string{"10.66.0.5/32"}})

	if err := m.RemovePeer(context.Background(), "peer-1"); err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}

	m.mu.Lock()
	_, exists := m.peers["peer-1"]
	m.mu.Unlock()
	if exists {
		t.Fatalf("expected peer-1 to be removed")
	}
}
