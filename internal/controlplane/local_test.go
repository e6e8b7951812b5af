package controlplane

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"lanrage/internal/lanerr"
	"lanrage/internal/model"
)

func newTestLocal(t *testing.T, peerID string) *Local {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control_state.json")
	l, err := NewLocal(path, peerID, testLogger())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return l
}

func TestRegisterParty_IsIdempotentForSameHost(t *testing.T) {
	t.Parallel()

	l := newTestLocal(t, "host-1")
	host := model.PeerInfo{PeerID: "host-1", Name: "Alice"}

	if _, err := l.RegisterParty(context.Background(), "party-1", "Game Night", "10.66.0.0/24", host); err != nil {
		t.Fatalf("first RegisterParty: %v", err)
	}
	if _, err := l.RegisterParty(context.Background(), "party-1", "Game Night", "10.66.0.0/24", host); err != nil {
		t.Fatalf("second RegisterParty (idempotent): %v", err)
	}
}

func TestRegisterParty_FailsWithPartyExistsForDifferentHost(t *testing.T) {
	t.Parallel()

	l := newTestLocal(t, "host-1")
	host := model.PeerInfo{PeerID: "host-1"}
	if _, err := l.RegisterParty(context.Background(), "party-1", "Game Night", "10.66.0.0/24", host); err != nil {
		t.Fatalf("RegisterParty: %v", err)
	}

	other := model.PeerInfo{PeerID: "host-2"}
	_, err := l.RegisterParty(context.Background(), "party-1", "Game Night", "10.66.0.0/24", other)
	if kind, _ := lanerr.KindOf(err); kind != lanerr.KindPartyExists {
		t.Fatalf("expected KindPartyExists, got %v", err)
	}
}

func TestJoinParty_AddsGuestAndReturnsFullPeerList(t *testing.T) {
	t.Parallel()

	l := newTestLocal(t, "host-1")
	host := model.PeerInfo{PeerID: "host-1"}
	if _, err := l.RegisterParty(context.Background(), "party-1", "Game Night", "10.66.0.0/24", host); err != nil {
		t.Fatalf("RegisterParty: %v", err)
	}

	guest := model.PeerInfo{PeerID: "guest-1"}
	party, err := l.JoinParty(context.Background(), "party-1", guest)
	if err != nil {
		t.Fatalf("JoinParty: %v", err)
	}
	if len(party.Peers) != 2 {
		t.Fatalf("expected 2 peers after join, got %d", len(party.Peers))
	}
}

func TestJoinParty_FailsWithPartyNotFound(t *testing.T) {
	t.Parallel()

	l := newTestLocal(t, "guest-1")
	_, err := l.JoinParty(context.Background(), "no-such-party", model.PeerInfo{PeerID: "guest-1"})
	if kind, _ := lanerr.KindOf(err); kind != lanerr.KindPartyNotFound {
		t.Fatalf("expected KindPartyNotFound, got %v", err)
	}
}

func TestJoinParty_FailsWithPartyFullAtMaxPeers(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "control_state.json")
	l, err := NewLocal(path, "host-1", testLogger())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	if _, err := l.RegisterParty(context.Background(), "party-1", "Game Night", "10.66.0.0/24", model.PeerInfo{PeerID: "host-1"}); err != nil {
		t.Fatalf("RegisterParty: %v", err)
	}

	state, err := l.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	party := state.Parties["party-1"]
	party.MaxPeers = 1
	state.Parties["party-1"] = party
	if err := l.save(state); err != nil {
		t.Fatalf("save: %v", err)
	}

	_, err = l.JoinParty(context.Background(), "party-1", model.PeerInfo{PeerID: "guest-1"})
	if kind, _ := lanerr.KindOf(err); kind != lanerr.KindPartyFull {
		t.Fatalf("expected KindPartyFull, got %v", err)
	}
}

func TestLeaveParty_DeletesPartyWhenHostLeaves(t *testing.T) {
	t.Parallel()

	l := newTestLocal(t, "host-1")
	host := model.PeerInfo{PeerID: "host-1"}
	if _, err := l.RegisterParty(context.Background(), "party-1", "Game Night", "10.66.0.0/24", host); err != nil {
		t.Fatalf("RegisterParty: %v", err)
	}
	if _, err := l.JoinParty(context.Background(), "party-1", model.PeerInfo{PeerID: "guest-1"}); err != nil {
		t.Fatalf("JoinParty: %v", err)
	}

	if err := l.LeaveParty(context.Background(), "party-1", "host-1"); err != nil {
		t.Fatalf("LeaveParty: %v", err)
	}

	_, ok, err := l.GetParty(context.Background(), "party-1")
	if err != nil {
		t.Fatalf("GetParty: %v", err)
	}
	if ok {
		t.Fatalf("expected party to be deleted once the host leaves")
	}
}

func TestLeaveParty_IsIdempotent(t *testing.T) {
	t.Parallel()

	l := newTestLocal(t, "host-1")
	if err := l.LeaveParty(context.Background(), "no-such-party", "nobody"); err != nil {
		t.Fatalf("LeaveParty on a nonexistent party should be a no-op, got: %v", err)
	}
}

func TestSignalConnection_IsDeliveredToRecipientOnPoll(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "control_state.json")
	sender, err := NewLocal(path, "peer-a", testLogger())
	if err != nil {
		t.Fatalf("NewLocal sender: %v", err)
	}
	receiver, err := NewLocal(path, "peer-b", testLogger())
	if err != nil {
		t.Fatalf("NewLocal receiver: %v", err)
	}

	if err := sender.SignalConnection(context.Background(), "party-1", "peer-a", "peer-b", []byte(`{"hello":true}`)); err != nil {
		t.Fatalf("SignalConnection: %v", err)
	}

	if err := receiver.drainSignals(); err != nil {
		t.Fatalf("drainSignals: %v", err)
	}

	select {
	case sig := <-receiver.Signals():
		if sig.From != "peer-a" || sig.To != "peer-b" {
			t.Fatalf("unexpected signal: %+v", sig)
		}
	default:
		t.Fatalf("expected a delivered signal")
	}
}

func TestHeartbeat_RefreshesLastSeenAndFailsForUnknownPeer(t *testing.T) {
	t.Parallel()

	l := newTestLocal(t, "host-1")
	host := model.PeerInfo{PeerID: "host-1"}
	if _, err := l.RegisterParty(context.Background(), "party-1", "Game Night", "10.66.0.0/24", host); err != nil {
		t.Fatalf("RegisterParty: %v", err)
	}

	if err := l.Heartbeat(context.Background(), "party-1", "host-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	err := l.Heartbeat(context.Background(), "party-1", "ghost")
	if kind, _ := lanerr.KindOf(err); kind != lanerr.KindPeerNotFound {
		t.Fatalf("expected KindPeerNotFound, got %v", err)
	}
}

func TestKindOf_PlainErrorHasNoKind(t *testing.T) {
	t.Parallel()
	wrapped := errors.New("boom")
	if _, ok := lanerr.KindOf(wrapped); ok {
		t.Fatalf("expected a plain error to have no Kind")
	}
}
