package tunnel

import (
	"strconv"
	"strings"
	"time"
)

// ParseWgDump parses the output of `wg show <iface> dump` into a
// peer-by-public-key status map, capturing handshake time and byte
// counters alongside endpoints.
func ParseWgDump(dump string) map[string]PeerStatus {
	peers := map[string]PeerStatus{}
	lines := strings.Split(strings.TrimSpace(dump), "\n")
	if len(lines) < 2 {
		return peers
	}
	// First line is interface info; the rest are one peer per line:
	// public-key preshared-key endpoint allowed-ips latest-handshake rx tx keepalive
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 7 {
			continue
		}
		pubKey := fields[0]
		endpoint := fields[2]
		if endpoint == "(none)" || endpoint == "0.0.0.0:0" || endpoint == "[::]:0" {
			endpoint = ""
		}

		var handshake time.Time
		if secs, err := strconv.ParseInt(fields[4], 10, 64); err == nil && secs > 0 {
			handshake = time.Unix(secs, 0)
		}
		rx, _ := strconv.ParseInt(fields[5], 10, 64)
		tx, _ := strconv.ParseInt(fields[6], 10, 64)

		peers[pubKey] = PeerStatus{
			PublicKey:       pubKey,
			Endpoint:        endpoint,
			LatestHandshake: handshake,
			RxBytes:         rx,
			TxBytes:         tx,
		}
	}
	return peers
}

// ParseWgDumpEndpoints returns just the public-key -> endpoint mapping
// of ParseWgDump, omitting peers that have no endpoint.
func ParseWgDumpEndpoints(dump string) map[string]string {
	endpoints := map[string]string{}
	for pubKey, status := range ParseWgDump(dump) {
		if status.Endpoint != "" {
			endpoints[pubKey] = status.Endpoint
		}
	}
	return endpoints
}
