package connection

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lanrage/internal/controlplane"
	"lanrage/internal/model"
	"lanrage/internal/task"
	"lanrage/internal/tunnel"
)

type fakeTunnel struct {
	mu       sync.Mutex
	added    map[string]tunnel.Peer
	removed  []string
	latency  time.Duration
	latencyErr error
}

func newFakeTunnel() *fakeTunnel {
	return &fakeTunnel{added: make(map[string]tunnel.Peer), latency: 10 * time.Millisecond}
}

func (f *fakeTunnel) AddPeer(_ context.Context, peerID string, peer tunnel.Peer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added[peerID] = peer
	return nil
}

func (f *fakeTunnel) RemovePeer(_ context.Context, peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, peerID)
	delete(f.added, peerID)
	return nil
}

func (f *fakeTunnel) MeasureLatency(_ context.Context, _ string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latencyErr != nil {
		return 0, f.latencyErr
	}
	return f.latency, nil
}

func (f *fakeTunnel) setLatency(d time.Duration, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency, f.latencyErr = d, err
}

func newTestPlane(t *testing.T) *controlplane.Local {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control_state.json")
	plane, err := controlplane.NewLocal(path, "self", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return plane
}

func TestConnectToPeer_InstallsTunnelPeerAndStartsInConnecting(t *testing.T) {
	t.Parallel()

	plane := newTestPlane(t)
	if _, err := plane.RegisterParty(context.Background(), "party-1", "Game Night", "10.66.0.0/24", model.PeerInfo{PeerID: "self"}); err != nil {
		t.Fatalf("RegisterParty: %v", err)
	}
	joined, err := plane.JoinParty(context.Background(), "party-1", model.PeerInfo{PeerID: "peer-1", PublicKey: "pk1"})
	if err != nil {
		t.Fatalf("JoinParty: %v", err)
	}

	ft := newFakeTunnel()
	sup := task.New(context.Background(), zerolog.Nop())
	defer sup.Shutdown(time.Second)

	mgr := New(Deps{
		Tunnel: ft,
		Plane:  plane,
		Sup:    sup,
		Logger: zerolog.Nop(),
	})

	if err := mgr.ConnectToPeer(context.Background(), "party-1", "peer-1"); err != nil {
		t.Fatalf("ConnectToPeer: %v", err)
	}

	rec, ok := mgr.Record("peer-1")
	if !ok {
		t.Fatalf("expected a record for peer-1")
	}
	if rec.State != model.StateConnecting {
		t.Fatalf("state = %v, want connecting", rec.State)
	}
	if rec.PublicKey != "pk1" {
		t.Fatalf("public_key = %q, want pk1", rec.PublicKey)
	}
	wantIP := joined.Peers[len(joined.Peers)-1].VirtualIP
	if wantIP == "" {
		t.Fatalf("expected the control plane to have assigned peer-1 a virtual_ip")
	}
	if rec.VirtualIP != wantIP {
		t.Fatalf("record virtual_ip = %q, want the control-plane-assigned %q", rec.VirtualIP, wantIP)
	}

	ft.mu.Lock()
	installed, ok := ft.added["peer-1"]
	ft.mu.Unlock()
	if !ok {
		t.Fatalf("expected AddPeer to have installed peer-1 in the tunnel")
	}
	if len(installed.AllowedIPs) != 1 || installed.AllowedIPs[0] != wantIP+"/32" {
		t.Fatalf("allowed_ips = %v, want [%s/32] (the peer's own registered virtual_ip)", installed.AllowedIPs, wantIP)
	}
}

func TestConnectToPeer_FailsFastWhenPeerNotFound(t *testing.T) {
	t.Parallel()

	plane := newTestPlane(t)
	if _, err := plane.RegisterParty(context.Background(), "party-1", "Game Night", "10.66.0.0/24", model.PeerInfo{PeerID: "self"}); err != nil {
		t.Fatalf("RegisterParty: %v", err)
	}

	sup := task.New(context.Background(), zerolog.Nop())
	defer sup.Shutdown(time.Second)

	mgr := New(Deps{Tunnel: newFakeTunnel(), Plane: plane, Sup: sup, Logger: zerolog.Nop()})

	err := mgr.ConnectToPeer(context.Background(), "party-1", "ghost")
	if err == nil {
		t.Fatalf("expected an error for a peer that was never registered")
	}
}

func TestTick_TransitionsToActiveOnGoodMeasurement(t *testing.T) {
	t.Parallel()

	plane := newTestPlane(t)
	_, _ = plane.RegisterParty(context.Background(), "party-1", "Game Night", "10.66.0.0/24", model.PeerInfo{PeerID: "self"})
	_, _ = plane.JoinParty(context.Background(), "party-1", model.PeerInfo{PeerID: "peer-1", PublicKey: "pk1"})

	ft := newFakeTunnel()
	sup := task.New(context.Background(), zerolog.Nop())
	defer sup.Shutdown(time.Second)

	mgr := New(Deps{Tunnel: ft, Plane: plane, Sup: sup, Logger: zerolog.Nop()})
	if err := mgr.ConnectToPeer(context.Background(), "party-1", "peer-1"); err != nil {
		t.Fatalf("ConnectToPeer: %v", err)
	}

	mgr.tick(context.Background(), "peer-1")

	rec, _ := mgr.Record("peer-1")
	if rec.State != model.StateActive {
		t.Fatalf("state = %v, want active", rec.State)
	}
	if rec.LatencyMs <= 0 {
		t.Fatalf("expected a positive measured latency")
	}
}

func TestTick_TransitionsToFailedAfterMaxFailures(t *testing.T) {
	t.Parallel()

	plane := newTestPlane(t)
	_, _ = plane.RegisterParty(context.Background(), "party-1", "Game Night", "10.66.0.0/24", model.PeerInfo{PeerID: "self"})
	_, _ = plane.JoinParty(context.Background(), "party-1", model.PeerInfo{PeerID: "peer-1", PublicKey: "pk1"})

	ft := newFakeTunnel()
	ft.setLatency(0, context.DeadlineExceeded)
	sup := task.New(context.Background(), zerolog.Nop())
	defer sup.Shutdown(time.Second)

	mgr := New(Deps{Tunnel: ft, Plane: plane, Sup: sup, Logger: zerolog.Nop(), MaxFailures: 2, ReconnectThreshold: 100})
	if err := mgr.ConnectToPeer(context.Background(), "party-1", "peer-1"); err != nil {
		t.Fatalf("ConnectToPeer: %v", err)
	}

	mgr.tick(context.Background(), "peer-1")
	mgr.tick(context.Background(), "peer-1")

	rec, _ := mgr.Record("peer-1")
	if rec.State != model.StateFailed {
		t.Fatalf("state = %v, want failed after %d consecutive failures", rec.State, rec.Failures)
	}
}

func TestDisconnectFromPeer_RemovesRecordAndReleasesResources(t *testing.T) {
	t.Parallel()

	plane := newTestPlane(t)
	_, _ = plane.RegisterParty(context.Background(), "party-1", "Game Night", "10.66.0.0/24", model.PeerInfo{PeerID: "self"})
	_, _ = plane.JoinParty(context.Background(), "party-1", model.PeerInfo{PeerID: "peer-1", PublicKey: "pk1"})

	ft := newFakeTunnel()
	sup := task.New(context.Background(), zerolog.Nop())
	defer sup.Shutdown(time.Second)

	mgr := New(Deps{Tunnel: ft, Plane: plane, Sup: sup, Logger: zerolog.Nop()})
	if err := mgr.ConnectToPeer(context.Background(), "party-1", "peer-1"); err != nil {
		t.Fatalf("ConnectToPeer: %v", err)
	}

	if err := mgr.DisconnectFromPeer(context.Background(), "peer-1"); err != nil {
		t.Fatalf("DisconnectFromPeer: %v", err)
	}
	if _, ok := mgr.Record("peer-1"); ok {
		t.Fatalf("expected the record to be gone after disconnect")
	}

	// Idempotent: disconnecting again is a no-op, not an error.
	if err := mgr.DisconnectFromPeer(context.Background(), "peer-1"); err != nil {
		t.Fatalf("second DisconnectFromPeer: %v", err)
	}
}

func TestReapFailed_TearsDownRecordsPastCleanupTimeout(t *testing.T) {
	t.Parallel()

	plane := newTestPlane(t)
	_, _ = plane.RegisterParty(context.Background(), "party-1", "Game Night", "10.66.0.0/24", model.PeerInfo{PeerID: "self"})
	_, _ = plane.JoinParty(context.Background(), "party-1", model.PeerInfo{PeerID: "peer-1", PublicKey: "pk1"})

	ft := newFakeTunnel()
	ft.setLatency(0, context.DeadlineExceeded)
	sup := task.New(context.Background(), zerolog.Nop())
	defer sup.Shutdown(time.Second)

	mgr := New(Deps{
		Tunnel: ft, Plane: plane, Sup: sup, Logger: zerolog.Nop(),
		MaxFailures: 1, ReconnectThreshold: 100, FailedCleanupTimeout: time.Millisecond,
	})
	if err := mgr.ConnectToPeer(context.Background(), "party-1", "peer-1"); err != nil {
		t.Fatalf("ConnectToPeer: %v", err)
	}
	mgr.tick(context.Background(), "peer-1")

	time.Sleep(5 * time.Millisecond)
	mgr.ReapFailed(context.Background(), time.Now())

	if _, ok := mgr.Record("peer-1"); ok {
		t.Fatalf("expected the failed record to have been reaped")
	}
}
