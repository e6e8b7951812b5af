package cpserver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lanrage/internal/model"
)

func TestRunPersister_FlushesDirtyStateOnInterval(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	srv, err := NewServer(Config{DataPath: path, BatchInterval: 20 * time.Millisecond}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.RunPersister(ctx)
		close(done)
	}()

	if _, err := srv.reg.RegisterParty("party-1", "Game Night", "10.66.0.0/24", model.PeerInfo{PeerID: "host-1"}); err != nil {
		t.Fatalf("RegisterParty: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected state file to be flushed: %v", err)
	}

	cancel()
	<-done
}

func TestRunReaper_EvictsStalePeersOnTick(t *testing.T) {
	t.Parallel()

	srv, err := NewServer(Config{
		DataPath:       filepath.Join(t.TempDir(), "state.json"),
		StaleAfter:     10 * time.Millisecond,
		ReaperInterval: 15 * time.Millisecond,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if _, err := srv.reg.RegisterParty("party-1", "Game Night", "10.66.0.0/24", model.PeerInfo{PeerID: "host-1", LastSeenAt: time.Now()}); err != nil {
		t.Fatalf("RegisterParty: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.RunReaper(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := srv.reg.GetParty("party-1"); !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := srv.reg.GetParty("party-1"); ok {
		t.Fatalf("expected party-1's host to have gone stale and the party removed")
	}

	cancel()
	<-done
}
