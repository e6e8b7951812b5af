// Package natclass classifies a host's NAT behavior by comparing the
// reflexive (STUN-mapped) address seen by several STUN servers into a
// full six-value NATType.
package natclass

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun/v3"

	"lanrage/internal/model"
)

// ServerProbe queries one STUN server and returns the reflexive address
// it reported back. It is a seam so tests can fake network behavior;
// Probe below is the production implementation built on
// github.com/pion/stun/v3.
type ServerProbe func(ctx context.Context, server string, timeout time.Duration) (string, error)

// Observation is one STUN server's view of the probing socket.
type Observation struct {
	Server string
	Mapped string // host:port as reported by the server
	Err    error
}

// Classify probes every server concurrently and derives a NATType from
// how the reflexive address varies across servers. localAddr is the
// probing socket's own bound address; when a server's mapped address
// equals it, there is no NAT at all (open). When mapped addresses vary
// across servers, the
// NAT is symmetric (a fresh mapping is allocated per destination).
// When only one server answered (and its mapping is not localAddr),
// the result is NATUnknown.
// Otherwise the NAT is a cone: restricted-cone and port-restricted-cone
// are indistinguishable from STUN alone and are both reported as
// NATFullCone here; Refine narrows that further using hole-punch
// outcomes once a peer connection is attempted.
func Classify(ctx context.Context, probe ServerProbe, servers []string, localAddr string, timeout time.Duration) (model.NATType, string, []Observation, error) {
	if len(servers) == 0 {
		return model.NATUnknown, "", nil, fmt.Errorf("no STUN servers configured")
	}

	obs := make([]Observation, len(servers))
	var wg sync.WaitGroup
	for i, server := range servers {
		wg.Add(1)
		go func(i int, server string) {
			defer wg.Done()
			mapped, err := probe(ctx, server, timeout)
			obs[i] = Observation{Server: server, Mapped: mapped, Err: err}
		}(i, server)
	}
	wg.Wait()

	var ok []Observation
	for _, o := range obs {
		if o.Err == nil && o.Mapped != "" {
			ok = append(ok, o)
		}
	}
	if len(ok) == 0 {
		return model.NATUnknown, "", obs, fmt.Errorf("all STUN probes failed")
	}

	publicEndpoint := ok[0].Mapped
	if localAddr != "" && publicEndpoint == localAddr {
		return model.NATOpen, publicEndpoint, obs, nil
	}

	for _, o := range ok[1:] {
		if o.Mapped != publicEndpoint {
			return model.NATSymmetric, publicEndpoint, obs, nil
		}
	}

	if len(ok) < 2 {
		return model.NATUnknown, publicEndpoint, obs, nil
	}
	return model.NATFullCone, publicEndpoint, obs, nil
}

// Refine narrows a cone classification using a hole-punch outcome: if
// traffic was only accepted from a peer this host had first sent to
// (never from a cold peer), the NAT is at least port-restricted.
func Refine(current model.NATType, acceptedColdPeerTraffic bool) model.NATType {
	if current != model.NATFullCone {
		return current
	}
	if acceptedColdPeerTraffic {
		return model.NATFullCone
	}
	return model.NATPortRestrictedCone
}

// Probe is the production ServerProbe: a self-contained STUN binding
// request dialed fresh per server.
func Probe(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)

	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			fail <- err
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case addr := <-result:
		return addr.String(), nil
	case err := <-fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
