// Package broadcast implements a LAN broadcast/multicast emulator: it
// turns UDP broadcast and multicast traffic observed on this host's LAN
// into packets forwarded to every mesh peer, and re-injects packets
// received from peers back onto the local LAN. One dedicated listener
// goroutine runs per dynamic port plus the two fixed multicast groups.
package broadcast

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"
)

// DefaultDedupeWindow is the default window a packet hash is
// remembered for.
const DefaultDedupeWindow = 2 * time.Second

// DefaultPruneInterval is how often expired dedupe entries are swept.
const DefaultPruneInterval = 1 * time.Second

// Stats are the dedup counters exposed to status reporting.
type Stats struct {
	Total        uint64
	Forwarded    uint64
	Deduplicated uint64
}

// DedupeRate returns Deduplicated/Total, or 0 if nothing has been seen.
func (s Stats) DedupeRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Deduplicated) / float64(s.Total)
}

// Deduplicator suppresses repeat delivery of the same broadcast/
// multicast packet within a time window, keyed by a SHA-256 hash of
// (payload, src_ip, dst_port).
type Deduplicator struct {
	window time.Duration

	mu    sync.Mutex
	seen  map[[32]byte]time.Time
	stats Stats
}

// NewDeduplicator creates a Deduplicator with the given window. A zero
// window falls back to DefaultDedupeWindow.
func NewDeduplicator(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	return &Deduplicator{window: window, seen: make(map[[32]byte]time.Time)}
}

// Hash computes the dedup key for a packet.
func Hash(payload []byte, srcIP string, dstPort int) [32]byte {
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte(srcIP))
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(dstPort))
	h.Write(portBuf[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Admit reports whether a packet with this hash should be forwarded:
// true the first time it's seen within the window, false (duplicate)
// otherwise. It always records the packet for dedup-rate accounting.
func (d *Deduplicator) Admit(hash [32]byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Total++
	now := time.Now()
	if seenAt, ok := d.seen[hash]; ok && now.Sub(seenAt) < d.window {
		d.stats.Deduplicated++
		return false
	}
	d.seen[hash] = now
	d.stats.Forwarded++
	return true
}

// Prune removes entries older than the dedupe window. Intended to be
// called periodically by a background task (~1 s).
func (d *Deduplicator) Prune(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for hash, seenAt := range d.seen {
		if now.Sub(seenAt) >= d.window {
			delete(d.seen, hash)
		}
	}
}

// Stats returns a snapshot of the current counters.
func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
