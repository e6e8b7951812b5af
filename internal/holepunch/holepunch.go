// Package holepunch implements a coordinated UDP hole-punch burst: both
// peers send a short burst of probe packets toward each other's
// STUN-derived public endpoint over a Shared socket, and succeed on the
// first ack of one of their own probes received from the expected peer.
// The Shared socket is not WireGuard's socket: WireGuard binds its own
// port, so the NAT mapping a burst opens is not the one WireGuard
// traffic uses. The burst is exchanged concurrently by both sides
// rather than relying on a single round-trip probe/ack.
package holepunch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	probePrefix = "lanrage-punch-probe:"
	ackPrefix   = "lanrage-punch-ack:"

	// BurstCount and BurstInterval shape the punch:
	// roughly ten packets spaced 100ms apart inside a 3s window.
	BurstCount    = 10
	BurstInterval = 100 * time.Millisecond
	BurstWindow   = 3 * time.Second
)

// Puncher coordinates hole-punch bursts over a Shared socket, routing
// inbound packets to whichever Burst call is currently waiting on a
// given peer address, and auto-acking probes from any peer (so the
// punch succeeds even if only one side's burst is still in flight).
type Puncher struct {
	shared *Shared

	mu      sync.Mutex
	waiters map[string]chan string // peerAddr -> channel of received nonces
}

// NewPuncher wraps an already-listening Shared socket.
func NewPuncher(shared *Shared) *Puncher {
	p := &Puncher{shared: shared, waiters: make(map[string]chan string)}
	shared.onPacket = p.handlePacket
	return p
}

func (p *Puncher) handlePacket(addr *net.UDPAddr, data []byte) {
	msg := string(data)
	switch {
	case strings.HasPrefix(msg, probePrefix):
		nonce := strings.TrimPrefix(msg, probePrefix)
		_, _ = p.shared.WriteTo([]byte(ackPrefix+nonce), addr)
	case strings.HasPrefix(msg, ackPrefix):
		nonce := strings.TrimPrefix(msg, ackPrefix)
		p.mu.Lock()
		ch := p.waiters[addr.String()]
		p.mu.Unlock()
		if ch != nil {
			select {
			case ch <- nonce:
			default:
			}
		}
	}
}

// Result is the outcome of a hole-punch burst against one peer address.
type Result struct {
	Success       bool
	RTT           time.Duration
	ColdPeerTouch bool // not set by Burst; always false
}

// Burst sends BurstCount probe packets toward peerAddr at BurstInterval
// spacing and waits up to BurstWindow for an ack, succeeding as soon as
// one arrives. Both sides typically call Burst concurrently (the
// coordinator schedules both ends), so either side's ack can land
// first.
func (p *Puncher) Burst(ctx context.Context, peerAddr string) (Result, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return Result{}, err
	}

	nonce, err := randomNonce(8)
	if err != nil {
		return Result{}, err
	}

	recv := make(chan string, BurstCount)
	p.mu.Lock()
	p.waiters[udpAddr.String()] = recv
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiters, udpAddr.String())
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, BurstWindow)
	defer cancel()

	start := time.Now()
	ticker := time.NewTicker(BurstInterval)
	defer ticker.Stop()

	payload := []byte(probePrefix + nonce)
	if _, err := p.shared.WriteTo(payload, udpAddr); err != nil {
		return Result{}, err
	}
	sent := 1

	for {
		select {
		case got := <-recv:
			success := got == nonce
			return Result{Success: success, RTT: time.Since(start)}, nil
		case <-ticker.C:
			if sent >= BurstCount {
				continue
			}
			if _, err := p.shared.WriteTo(payload, udpAddr); err != nil {
				return Result{}, err
			}
			sent++
		case <-ctx.Done():
			return Result{Success: false}, nil
		}
	}
}

func randomNonce(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
