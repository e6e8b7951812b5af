// Package relay implements a stateless UDP relay server: it never
// decrypts payload, only forwards packets between client_ids by
// address. Client table eviction runs on its own cleanup-loop/
// stats-loop cadence, forwarding per-packet rather than bridging TCP
// sessions.
package relay

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"lanrage/internal/task"
)

// DefaultPort is the relay's default listen port.
const DefaultPort = 51820

// DefaultClientTimeout is how long a client may go without a packet
// before the cleanup task evicts it.
const DefaultClientTimeout = 5 * time.Minute

// DefaultCleanupInterval is how often the cleanup task runs.
const DefaultCleanupInterval = 60 * time.Second

// DefaultStatsInterval is how often the stats task logs throughput.
const DefaultStatsInterval = 60 * time.Second

// clientIDLen is the number of leading packet bytes treated as the
// client's registration ID; packets shorter than this fall back to a
// hash of the source address.
const clientIDLen = 16

// client is one entry in the forwarding table.
type client struct {
	addr     *net.UDPAddr
	lastSeen atomic.Int64 // unix nanos
}

// Stats are the counters the periodic stats task logs.
type Stats struct {
	Clients   int
	Forwarded uint64
	Dropped   uint64
	BytesIn   uint64
	BytesOut  uint64
}

// Server is the stateless UDP relay .
type Server struct {
	logger zerolog.Logger
	conn   *net.UDPConn

	mu      sync.RWMutex
	clients map[[clientIDLen]byte]*client

	forwarded atomic.Uint64
	dropped   atomic.Uint64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64

	clientTimeout time.Duration
}

// NewServer binds a UDP socket on port (0 uses DefaultPort) and
// returns a relay Server ready to Serve.
func NewServer(port int, clientTimeout time.Duration, logger zerolog.Logger) (*Server, error) {
	if port <= 0 {
		port = DefaultPort
	}
	if clientTimeout <= 0 {
		clientTimeout = DefaultClientTimeout
	}
	udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Server{
		logger:        logger,
		conn:          conn,
		clients:       make(map[[clientIDLen]byte]*client),
		clientTimeout: clientTimeout,
	}, nil
}

// LocalAddr returns the bound socket's address.
func (s *Server) LocalAddr() string {
	if s == nil || s.conn == nil {
		return ""
	}
	return s.conn.LocalAddr().String()
}

// Close closes the underlying socket.
func (s *Server) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// clientID derives the forwarding-table key for a packet: the first
// clientIDLen bytes if the packet is long enough, otherwise a hash of
// the source address.
func clientID(payload []byte, src *net.UDPAddr) [clientIDLen]byte {
	var id [clientIDLen]byte
	if len(payload) >= clientIDLen {
		copy(id[:], payload[:clientIDLen])
		return id
	}
	h := sha256.Sum256([]byte(src.String()))
	copy(id[:], h[:clientIDLen])
	return id
}

// targetID extracts the destination client_id a packet is addressed
// to. In this protocol it is carried as the clientIDLen bytes
// immediately following the sender's own client_id prefix.
func targetID(payload []byte) ([clientIDLen]byte, bool) {
	var id [clientIDLen]byte
	if len(payload) < 2*clientIDLen {
		return id, false
	}
	copy(id[:], payload[clientIDLen:2*clientIDLen])
	return id, true
}

// Serve reads and forwards packets until ctx is cancelled. It is a
// task.Supervisor-compatible function.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	buf := make([]byte, 65536)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn().Err(err).Msg("relay read failed")
			continue
		}
		s.handlePacket(buf[:n], src)
	}
}

func (s *Server) handlePacket(payload []byte, src *net.UDPAddr) {
	s.bytesIn.Add(uint64(len(payload)))
	senderID := clientID(payload, src)

	s.mu.Lock()
	c, ok := s.clients[senderID]
	if !ok {
		c = &client{addr: src}
		s.clients[senderID] = c
	} else {
		c.addr = src
	}
	c.lastSeen.Store(time.Now().UnixNano())
	s.mu.Unlock()

	dstID, ok := targetID(payload)
	if !ok {
		s.dropped.Add(1)
		return
	}

	s.mu.RLock()
	dst, ok := s.clients[dstID]
	s.mu.RUnlock()
	if !ok {
		s.dropped.Add(1)
		return
	}

	n, err := s.conn.WriteToUDP(payload, dst.addr)
	if err != nil {
		s.dropped.Add(1)
		return
	}
	s.forwarded.Add(1)
	s.bytesOut.Add(uint64(n))
}

// RunCleanup evicts clients whose last_seen exceeds the configured
// client timeout, on a ticker, until ctx is cancelled.
func (s *Server) RunCleanup(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return task.Ticker(ctx, interval, func(context.Context) {
		cutoff := time.Now().Add(-s.clientTimeout).UnixNano()
		s.mu.Lock()
		for id, c := range s.clients {
			if c.lastSeen.Load() < cutoff {
				delete(s.clients, id)
			}
		}
		s.mu.Unlock()
	})
}

// RunStats logs throughput and table size on a ticker, until ctx is
// cancelled.
func (s *Server) RunStats(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	return task.Ticker(ctx, interval, func(context.Context) {
		st := s.Stats()
		s.logger.Info().
			Int("clients", st.Clients).
			Uint64("forwarded", st.Forwarded).
			Uint64("dropped", st.Dropped).
			Uint64("bytes_in", st.BytesIn).
			Uint64("bytes_out", st.BytesOut).
			Msg("relay stats")
	})
}

// Stats returns a snapshot of the relay's counters.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	n := len(s.clients)
	s.mu.RUnlock()
	return Stats{
		Clients:   n,
		Forwarded: s.forwarded.Load(),
		Dropped:   s.dropped.Load(),
		BytesIn:   s.bytesIn.Load(),
		BytesOut:  s.bytesOut.Load(),
	}
}
