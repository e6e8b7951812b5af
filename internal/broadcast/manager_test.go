package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestHandleLocal_ForwardsToPeersButNotOriginator(t *testing.T) {
	t.Parallel()

	m := NewManager(2*time.Second, zerolog.Nop())

	var mu sync.Mutex
	delivered := map[string]int{}
	for _, id := range []string{"peer-a", "peer-b"} {
		id := id
		m.RegisterPeer(id, func(peerID string, pkt Packet) error {
			mu.Lock()
			delivered[peerID]++
			mu.Unlock()
			return nil
		})
	}

	m.handleLocal(Packet{SrcIP: "192.168.1.5", DstPort: 5353, Payload: []byte("discover"), Origin: "peer-a"})

	mu.Lock()
	defer mu.Unlock()
	if delivered["peer-a"] != 0 {
		t.Fatalf("should never forward back to the originator")
	}
	if delivered["peer-b"] != 1 {
		t.Fatalf("peer-b delivery count = %d, want 1", delivered["peer-b"])
	}
}

func TestHandleLocal_DeduplicatesRepeatPackets(t *testing.T) {
	t.Parallel()

	m := NewManager(2*time.Second, zerolog.Nop())
	var count int
	m.RegisterPeer("peer-a", func(string, Packet) error {
		count++
		return nil
	})

	pkt := Packet{SrcIP: "192.168.1.5", DstPort: 1900, Payload: []byte("ssdp")}
	m.handleLocal(pkt)
	m.handleLocal(pkt)

	if count != 1 {
		t.Fatalf("delivery count = %d, want 1 after a duplicate packet", count)
	}
}

func TestOpenPort_RejectsReopeningAnAlreadyOpenPort(t *testing.T) {
	t.Parallel()

	m := NewManager(0, zerolog.Nop())
	defer m.Close()

	const port = 47891
	if err := m.OpenPort(port); err != nil {
		t.Fatalf("OpenPort: %v", err)
	}
	if err := m.OpenPort(port); err == nil {
		t.Fatalf("expected an error reopening an already-open port")
	}
	m.ClosePort(port)
}

func TestUnregisterPeer_StopsFutureForwarding(t *testing.T) {
	t.Parallel()

	m := NewManager(0, zerolog.Nop())
	var count int
	m.RegisterPeer("peer-a", func(string, Packet) error {
		count++
		return nil
	})
	m.UnregisterPeer("peer-a")

	m.handleLocal(Packet{SrcIP: "192.168.1.5", DstPort: 5353, Payload: []byte("x")})
	if count != 0 {
		t.Fatalf("expected no forwarding after UnregisterPeer, got %d calls", count)
	}
}
