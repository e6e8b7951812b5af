// Package coordinate implements the connection coordinator: given two
// peers' NAT classifications it decides whether to attempt a direct
// path or go straight to relay, and it picks the best relay by
// measured latency when a relay is needed.
package coordinate

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"lanrage/internal/model"
)

// Strategy is the coordinator's decision for one peer pair.
type Strategy string

const (
	StrategyDirect     Strategy = "direct"
	StrategySameLAN    Strategy = "same_lan"
	StrategyRelay      Strategy = "relay"
)

// Decide applies the NAT compatibility matrix from : two open
// or cone-like NATs can usually punch through directly; a symmetric NAT
// paired with a port-restricted or symmetric NAT cannot, and must use a
// relay. A NAT type that is not cone-like (symmetric, unknown, or
// unclassified) is treated as symmetric. When both peers report a
// private_endpoint on the same subnet, the same-LAN shortcut wins
// regardless of NAT type.
func Decide(local, remote model.PeerInfo) Strategy {
	if sameLAN(local.PrivateEndpoint, remote.PrivateEndpoint) {
		return StrategySameLAN
	}
	if local.RelayOnly || remote.RelayOnly {
		return StrategyRelay
	}

	localSymmetric := !local.NATType.ConeLike()
	remoteSymmetric := !remote.NATType.ConeLike()

	switch {
	case !localSymmetric && !remoteSymmetric:
		return StrategyDirect
	case localSymmetric != remoteSymmetric:
		// One symmetric, one cone/open: direct is still possible if the
		// cone side can be predicted (full cone) or the symmetric side
		// punches first; attempt it before falling back.
		coneSide := local
		if localSymmetric {
			coneSide = remote
		}
		if coneSide.NATType == model.NATOpen || coneSide.NATType == model.NATFullCone {
			return StrategyDirect
		}
		return StrategyRelay
	default:
		// Both symmetric: no combination of cone behavior to exploit.
		return StrategyRelay
	}
}

func sameLAN(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	aAddr, err := hostAddr(a)
	if err != nil {
		return false
	}
	bAddr, err := hostAddr(b)
	if err != nil {
		return false
	}
	if !aAddr.Is4() || !bAddr.Is4() {
		return aAddr == bAddr
	}
	// /24 is a conservative same-LAN heuristic; it only gates a
	// shortcut attempt, never a correctness guarantee (
	// caveat that over-eager LAN shortcuts can be wrong in non-private
	// deployments, so this only short-circuits the happy path).
	return netip.PrefixFrom(aAddr, 24).Masked() == netip.PrefixFrom(bAddr, 24).Masked()
}

func hostAddr(hostport string) (netip.Addr, error) {
	addrPort, err := netip.ParseAddrPort(hostport)
	if err == nil {
		return addrPort.Addr(), nil
	}
	return netip.ParseAddr(hostport)
}

// RelayProbe measures round-trip latency to one relay candidate.
type RelayProbe func(ctx context.Context, relay model.RelayInfo) (time.Duration, error)

// SelectRelay probes every candidate concurrently-capable-but-here
// sequentially (relay lists are small) and returns the lowest-latency
// reachable relay ("selects best relay by measured
// latency").
func SelectRelay(ctx context.Context, relays []model.RelayInfo, probe RelayProbe) (model.RelayInfo, time.Duration, bool) {
	type candidate struct {
		relay   model.RelayInfo
		latency time.Duration
	}
	var reachable []candidate
	for _, relay := range relays {
		latency, err := probe(ctx, relay)
		if err != nil {
			continue
		}
		reachable = append(reachable, candidate{relay, latency})
	}
	if len(reachable) == 0 {
		return model.RelayInfo{}, 0, false
	}
	sort.Slice(reachable, func(i, j int) bool { return reachable[i].latency < reachable[j].latency })
	best := reachable[0]
	return best.relay, best.latency, true
}

// PunchFunc attempts a direct hole punch to endpoint, returning whether
// a packet was received back within the burst window.
type PunchFunc func(ctx context.Context, endpoint string) (bool, error)

// Outcome is the full result of Coordinate: the chosen strategy and
// endpoint, plus an optional human warning for best-effort fallbacks.
type Outcome struct {
	Strategy Strategy
	Endpoint string
	RelayID  string
	Warning  string
}

// Coordinate implements the full decision procedure :
// apply the compatibility matrix, attempt a direct hole punch when the
// matrix allows it, and fall back to the best measured relay otherwise.
// If no relays are configured, it returns a best-effort direct
// endpoint with a warning rather than failing outright.
func Coordinate(ctx context.Context, local, remote model.PeerInfo, punch PunchFunc, relays []model.RelayInfo, probe RelayProbe) (Outcome, error) {
	strategy := Decide(local, remote)

	if strategy == StrategySameLAN {
		return Outcome{Strategy: StrategySameLAN, Endpoint: remote.PrivateEndpoint}, nil
	}

	if strategy == StrategyDirect && remote.PublicEndpoint != "" && punch != nil {
		ok, err := punch(ctx, remote.PublicEndpoint)
		if err == nil && ok {
			return Outcome{Strategy: StrategyDirect, Endpoint: remote.PublicEndpoint}, nil
		}
	}

	if len(relays) == 0 {
		return Outcome{
			Strategy: StrategyDirect,
			Endpoint: remote.PublicEndpoint,
			Warning:  "no relays available, falling back to a best-effort direct endpoint",
		}, nil
	}

	relay, _, ok := SelectRelay(ctx, relays, probe)
	if !ok {
		return Outcome{
			Strategy: StrategyDirect,
			Endpoint: remote.PublicEndpoint,
			Warning:  "no reachable relays, falling back to a best-effort direct endpoint",
		}, nil
	}
	return Outcome{
		Strategy: StrategyRelay,
		Endpoint: fmt.Sprintf("%s:%d", relay.PublicIP, relay.Port),
		RelayID:  relay.RelayID,
	}, nil
}
