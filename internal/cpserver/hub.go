package cpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"lanrage/internal/lanerr"
	"lanrage/internal/model"
)

// Config configures one Server instance.
type Config struct {
	DataPath        string        // where control server state is flushed
	Token           string        // optional bearer token; empty disables auth
	MaxClients      int           // default JoinParty limit when a party sets none
	BatchInterval   time.Duration // persister flush cadence, default 1s
	StaleAfter      time.Duration // peer staleness before the reaper evicts it, default 5m
	ReaperInterval  time.Duration // default 60s
}

// Server is the WebSocket signaling hub: one http.ServeMux fronting a
// multi-party registry, with a batched persister and a stale-peer
// reaper both run as supervised tasks.
type Server struct {
	cfg      Config
	reg      *Registry
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[string]*wsClient
}

// NewServer constructs a Server, loading any prior state from
// cfg.DataPath.
func NewServer(cfg Config, logger zerolog.Logger) (*Server, error) {
	reg, err := NewRegistry(cfg.DataPath)
	if err != nil {
		return nil, err
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = 60 * time.Second
	}
	return &Server{
		cfg:     cfg,
		reg:     reg,
		logger:  logger,
		clients: make(map[string]*wsClient),
	}, nil
}

// wsClient wraps one signaling connection with a write mutex, since
// gorilla/websocket requires a single writer at a time per connection.
type wsClient struct {
	peerID  string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClient) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// ServeHTTP upgrades the request to a WebSocket and runs the
// connection's read pump until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Token != "" && !authorized(r, s.cfg.Token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn}
	defer s.dropClient(client)

	for {
		var req map[string]json.RawMessage
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		s.handle(client, req)
	}
}

func authorized(r *http.Request, token string) bool {
	return r.Header.Get("Authorization") == "Bearer "+token
}

func (s *Server) dropClient(c *wsClient) {
	_ = c.conn.Close()
	if c.peerID == "" {
		return
	}
	s.clientsMu.Lock()
	if s.clients[c.peerID] == c {
		delete(s.clients, c.peerID)
	}
	s.clientsMu.Unlock()
}

func (s *Server) registerClient(peerID string, c *wsClient) {
	c.peerID = peerID
	s.clientsMu.Lock()
	s.clients[peerID] = c
	s.clientsMu.Unlock()
}

func (s *Server) handle(client *wsClient, req map[string]json.RawMessage) {
	var op, requestID string
	_ = json.Unmarshal(req["op"], &op)
	_ = json.Unmarshal(req["request_id"], &requestID)

	resp := map[string]any{"request_id": requestID}
	if err := s.dispatch(client, op, req, resp); err != nil {
		resp["error"] = err.Error()
	}
	if err := client.send(resp); err != nil {
		s.logger.Warn().Err(err).Str("op", op).Msg("failed to send response")
	}
}

func (s *Server) dispatch(client *wsClient, op string, req map[string]json.RawMessage, resp map[string]any) error {
	switch op {
	case "register_peer":
		var peerID string
		_ = json.Unmarshal(req["peer_id"], &peerID)
		s.registerClient(peerID, client)
		resp["ok"] = true
		return nil

	case "register_party":
		var body struct {
			PartyID       string         `json:"party_id"`
			Name          string         `json:"name"`
			VirtualSubnet string         `json:"virtual_subnet"`
			HostPeerInfo  model.PeerInfo `json:"host_peer_info"`
		}
		if err := decodeFields(req, &body); err != nil {
			return err
		}
		party, err := s.reg.RegisterParty(body.PartyID, body.Name, body.VirtualSubnet, body.HostPeerInfo)
		if err != nil {
			return err
		}
		resp["party"] = party
		return nil

	case "join_party":
		var body struct {
			PartyID  string         `json:"party_id"`
			PeerInfo model.PeerInfo `json:"peer_info"`
		}
		if err := decodeFields(req, &body); err != nil {
			return err
		}
		party, err := s.reg.JoinParty(body.PartyID, body.PeerInfo, s.cfg.MaxClients)
		if err != nil {
			return err
		}
		resp["party"] = party
		return nil

	case "leave_party":
		var body struct {
			PartyID string `json:"party_id"`
			PeerID  string `json:"peer_id"`
		}
		if err := decodeFields(req, &body); err != nil {
			return err
		}
		s.reg.LeaveParty(body.PartyID, body.PeerID)
		resp["ok"] = true
		return nil

	case "update_peer":
		var body struct {
			PartyID  string         `json:"party_id"`
			PeerInfo model.PeerInfo `json:"peer_info"`
		}
		if err := decodeFields(req, &body); err != nil {
			return err
		}
		if err := s.reg.UpdatePeer(body.PartyID, body.PeerInfo); err != nil {
			return err
		}
		resp["ok"] = true
		return nil

	case "get_party":
		var body struct {
			PartyID string `json:"party_id"`
		}
		if err := decodeFields(req, &body); err != nil {
			return err
		}
		party, ok := s.reg.GetParty(body.PartyID)
		if !ok {
			resp["party"] = nil
			return nil
		}
		resp["party"] = party
		return nil

	case "get_peers":
		var body struct {
			PartyID string `json:"party_id"`
		}
		if err := decodeFields(req, &body); err != nil {
			return err
		}
		peers, err := s.reg.GetPeers(body.PartyID)
		if err != nil {
			return err
		}
		resp["peers"] = peers
		return nil

	case "signal":
		var body struct {
			PartyID string          `json:"party_id"`
			From    string          `json:"from"`
			To      string          `json:"to"`
			Signal  json.RawMessage `json:"signal"`
		}
		if err := decodeFields(req, &body); err != nil {
			return err
		}
		s.forwardSignal(body.PartyID, body.From, body.To, body.Signal)
		resp["ok"] = true
		return nil

	case "heartbeat":
		var body struct {
			PartyID string `json:"party_id"`
			PeerID  string `json:"peer_id"`
		}
		if err := decodeFields(req, &body); err != nil {
			return err
		}
		if err := s.reg.Heartbeat(body.PartyID, body.PeerID); err != nil {
			return err
		}
		resp["ok"] = true
		return nil

	case "list_relays":
		resp["relays"] = s.reg.ListRelays()
		return nil

	default:
		return lanerr.Newf(lanerr.KindControlPlane, "unknown op %q", op)
	}
}

func (s *Server) forwardSignal(partyID, from, to string, payload json.RawMessage) {
	s.clientsMu.RLock()
	target, ok := s.clients[to]
	s.clientsMu.RUnlock()
	if !ok {
		s.logger.Debug().Str("to", to).Msg("signal dropped, recipient not connected")
		return
	}
	msg := map[string]any{"op": "signal_incoming", "party_id": partyID, "from": from, "to": to, "signal": payload}
	if err := target.send(msg); err != nil {
		s.logger.Warn().Err(err).Str("to", to).Msg("failed to forward signal")
	}
}

func decodeFields(req map[string]json.RawMessage, out any) error {
	merged, err := json.Marshal(req)
	if err != nil {
		return lanerr.Wrap(lanerr.KindControlPlane, "re-marshal request", err)
	}
	if err := json.Unmarshal(merged, out); err != nil {
		return lanerr.Wrap(lanerr.KindControlPlane, "decode request", err)
	}
	return nil
}

// RunPersister flushes the registry's dirty state to cfg.DataPath every
// cfg.BatchInterval "do not write on every mutation".
// Intended to be registered with a task.Supervisor.
func (s *Server) RunPersister(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.flushNow()
			return ctx.Err()
		case <-ticker.C:
			if snap, dirty := s.reg.TakeSnapshotIfDirty(); dirty {
				if err := flush(s.cfg.DataPath, snap); err != nil {
					s.logger.Error().Err(err).Msg("failed to flush control server state")
				}
			}
		}
	}
}

func (s *Server) flushNow() {
	if err := flush(s.cfg.DataPath, s.reg.Snapshot()); err != nil {
		s.logger.Error().Err(err).Msg("failed to flush control server state on shutdown")
	}
}

// RunReaper expires stale peers/parties every cfg.ReaperInterval.
// Intended to be registered with a task.Supervisor.
func (s *Server) RunReaper(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			peers, parties := s.reg.ExpireStale(s.cfg.StaleAfter, time.Now())
			if peers > 0 || parties > 0 {
				s.logger.Info().Int("expired_peers", peers).Int("removed_parties", parties).Msg("reaped stale state")
			}
		}
	}
}
