package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/rs/zerolog"
)

// MeshPort is the fixed UDP port broadcast/multicast packets travel
// over between mesh peers, reachable over the WireGuard tunnel at each
// peer's virtual IP rather than any LAN-facing port. It is distinct
// from every monitored/whitelisted game port so forwarded frames never
// collide with a locally-listened port.
const MeshPort = 28316

// frame is the wire shape of a Packet forwarded between peers.
type frame struct {
	SrcIP   string `json:"src_ip"`
	DstPort int    `json:"dst_port"`
	Addr    string `json:"addr"`
	Payload []byte `json:"payload"`
	Origin  string `json:"origin"`
}

// MeshTransport listens for forwarded packets on the virtual interface
// and dials out to peers' virtual IPs to deliver this host's forwarded
// packets, giving the BroadcastManager's ForwardFunc a concrete
// implementation over the mesh rather than leaving it to the caller.
type MeshTransport struct {
	conn   *net.UDPConn
	logger zerolog.Logger
}

// ListenMesh binds MeshPort on bindIP (this host's virtual IP, or ""
// for all interfaces) and starts a read loop delivering decoded frames
// to mgr.HandleRemotePacket.
func ListenMesh(ctx context.Context, mgr *Manager, bindIP string, logger zerolog.Logger) (*MeshTransport, error) {
	addr := fmt.Sprintf("%s:%d", bindIP, MeshPort)
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, err
	}

	t := &MeshTransport{conn: conn, logger: logger}
	go t.serve(ctx, mgr)
	return t, nil
}

func (t *MeshTransport) serve(ctx context.Context, mgr *Manager) {
	go func() {
		<-ctx.Done()
		_ = t.conn.Close()
	}()

	buf := make([]byte, 65536)
	for {
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(buf[:n], &f); err != nil {
			t.logger.Warn().Err(err).Msg("discarding malformed mesh broadcast frame")
			continue
		}
		if err := mgr.HandleRemotePacket(Packet{
			SrcIP: f.SrcIP, DstPort: f.DstPort, Addr: f.Addr, Payload: f.Payload, Origin: f.Origin,
		}); err != nil {
			t.logger.Warn().Err(err).Msg("re-injecting remote broadcast packet failed")
		}
	}
}

// Close releases the bound socket.
func (t *MeshTransport) Close() error {
	return t.conn.Close()
}

// Forward returns a ForwardFunc that sends pkt to peerVirtualIP's
// MeshTransport. The returned function ignores its peerID argument; the
// forwarding target is the virtual IP, resolved by the caller at
// registration time (the party/connection layer knows each peer's
// current virtual IP, not this package).
func (t *MeshTransport) Forward(peerVirtualIP string) ForwardFunc {
	return func(peerID string, pkt Packet) error {
		data, err := json.Marshal(frame{
			SrcIP: pkt.SrcIP, DstPort: pkt.DstPort, Addr: pkt.Addr, Payload: pkt.Payload, Origin: pkt.Origin,
		})
		if err != nil {
			return err
		}
		addr := fmt.Sprintf("%s:%d", peerVirtualIP, MeshPort)
		udpAddr, err := net.ResolveUDPAddr("udp4", addr)
		if err != nil {
			return err
		}
		conn, err := net.DialUDP("udp4", nil, udpAddr)
		if err != nil {
			return err
		}
		defer conn.Close()
		_, err = conn.Write(data)
		return err
	}
}
