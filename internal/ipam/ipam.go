// Package ipam allocates virtual IP addresses for mesh peers from a
// party's configured subnet.
package ipam

import (
	"net/netip"
	"sync"

	"lanrage/internal/lanerr"
	"lanrage/internal/model"
)

const maxPoolSize = 1 << 16 // cap widening at a /16

// Pool allocates and releases virtual IPs from a subnet, widening the
// subnet (down to a /16) when it fills up.
type Pool struct {
	mu       sync.Mutex
	prefix   netip.Prefix
	reserved map[netip.Addr]bool
	byPeer   map[string]netip.Addr
	byAddr   map[netip.Addr]string
}

// NewPool creates a pool over cidr. The network and broadcast addresses
// are reserved automatically.
func NewPool(cidr string) (*Pool, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, lanerr.Wrap(lanerr.KindConfig, "parse virtual_subnet", err)
	}
	if !prefix.Addr().Is4() {
		return nil, lanerr.New(lanerr.KindConfig, "virtual_subnet must be IPv4")
	}
	p := &Pool{
		prefix:   prefix.Masked(),
		reserved: make(map[netip.Addr]bool),
		byPeer:   make(map[string]netip.Addr),
		byAddr:   make(map[netip.Addr]string),
	}
	p.reserved[p.prefix.Addr()] = true
	p.reserved[lastAddr(p.prefix)] = true
	return p, nil
}

// Reserve marks addr as unavailable for allocation (e.g. a statically
// assigned gateway address).
func (p *Pool) Reserve(addr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserved[addr] = true
}

// Allocate returns the existing address for peerID if one was already
// assigned, otherwise allocates the first unused address in ascending
// order, widening the subnet (by shrinking the prefix length, down to a
// /16) if the current subnet is full.
func (p *Pool) Allocate(peerID string) (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if addr, ok := p.byPeer[peerID]; ok {
		return addr, nil
	}

	addr, ok := p.firstFreeLocked()
	if !ok {
		if !p.widenLocked() {
			return netip.Addr{}, lanerr.New(lanerr.KindConfig, "virtual subnet exhausted and cannot widen past /16")
		}
		addr, ok = p.firstFreeLocked()
		if !ok {
			return netip.Addr{}, lanerr.New(lanerr.KindConfig, "virtual subnet exhausted after widening")
		}
	}

	p.byPeer[peerID] = addr
	p.byAddr[addr] = peerID
	return addr, nil
}

// Claim reserves addr for peerID directly, without going through
// firstFreeLocked. Used to reconstruct a pool's allocation state from a
// party's already-registered peer list (each peer's previously assigned
// virtual_ip) rather than from this process's own Allocate history, so
// that a canonical assignment made once by AssignVirtualIP is honored by
// every later call over the same peer list.
func (p *Pool) Claim(peerID string, addr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.byAddr[addr]; ok && existing != peerID {
		return
	}
	p.byPeer[peerID] = addr
	p.byAddr[addr] = peerID
}

// Release frees peerID's address so it can be reused.
func (p *Pool) Release(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr, ok := p.byPeer[peerID]
	if !ok {
		return
	}
	delete(p.byPeer, peerID)
	delete(p.byAddr, addr)
}

// Prefix returns the pool's current subnet (may have widened since
// construction).
func (p *Pool) Prefix() netip.Prefix {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prefix
}

func (p *Pool) firstFreeLocked() (netip.Addr, bool) {
	base := p.prefix.Addr()
	ones, bits := p.prefix.Bits(), base.BitLen()
	size := 1 << uint(bits-ones)
	if size > maxPoolSize {
		size = maxPoolSize
	}
	for i := 1; i < size-1; i++ {
		addr := addOffset(base, uint32(i))
		if p.reserved[addr] || p.byAddr[addr] != "" {
			continue
		}
		return addr, true
	}
	return netip.Addr{}, false
}

// widenLocked shrinks the prefix length by one bit (doubling the pool),
// stopping at /16. Returns false if already at /16 or wider.
func (p *Pool) widenLocked() bool {
	if p.prefix.Bits() <= 16 {
		return false
	}
	wider := netip.PrefixFrom(p.prefix.Addr(), p.prefix.Bits()-1).Masked()
	p.prefix = wider
	p.reserved[p.prefix.Addr()] = true
	p.reserved[lastAddr(p.prefix)] = true
	return true
}

func addOffset(base netip.Addr, offset uint32) netip.Addr {
	v := base.As4()
	val := uint32(v[0])<<24 | uint32(v[1])<<16 | uint32(v[2])<<8 | uint32(v[3])
	val += offset
	return netip.AddrFrom4([4]byte{byte(val >> 24), byte(val >> 16), byte(val >> 8), byte(val)})
}

func lastAddr(prefix netip.Prefix) netip.Addr {
	ones, bits := prefix.Bits(), prefix.Addr().BitLen()
	size := uint32(1<<uint(bits-ones)) - 1
	return addOffset(prefix.Addr(), size)
}

// AssignVirtualIP computes peerID's canonical virtual_ip within subnet,
// the way the party's control plane (host-local file or central server)
// assigns one for each RegisterParty/JoinParty call: it reconstructs a
// throwaway Pool from the party's existing peer list (so every already-
// claimed address is honored, including the host's own .1) and allocates
// the next free address for peerID. This is the single place a
// virtual_ip is ever decided; callers besides the control plane must use
// the address a peer advertises in its PeerInfo rather than compute
// their own.
func AssignVirtualIP(subnet string, existingPeers []model.PeerInfo, peerID string) (string, error) {
	pool, err := NewPool(subnet)
	if err != nil {
		return "", err
	}
	for _, p := range existingPeers {
		if p.PeerID == peerID || p.VirtualIP == "" {
			continue
		}
		if addr, err := netip.ParseAddr(p.VirtualIP); err == nil {
			pool.Claim(p.PeerID, addr)
		}
	}
	addr, err := pool.Allocate(peerID)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}
