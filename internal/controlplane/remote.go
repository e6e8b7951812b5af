package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"lanrage/internal/backoff"
	"lanrage/internal/lanerr"
	"lanrage/internal/model"
)

// rawEnvelope is the wire message shape: every request and response
// carries {op, request_id, ...}, decoded field-by-field since the
// field set varies by op.
type rawEnvelope map[string]json.RawMessage

const requestTimeout = 10 * time.Second

// Remote is the WebSocket control plane: a persistent connection to
// internal/cpserver's hub with exponential-backoff reconnection (1s ->
// 60s, x2) and an optional bearer token. Uses a gorilla/websocket
// read/write-pump pattern.
type Remote struct {
	url    string
	token  string
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan rawEnvelope
	nextID  uint64

	signals chan Signal
}

// NewRemote constructs a Remote control plane pointed at a
// ws(s)://host:port/path URL. token, if non-empty, is sent as a bearer
// Authorization header on connect.
func NewRemote(url, token string, logger zerolog.Logger) *Remote {
	return &Remote{
		url:     url,
		token:   token,
		logger:  logger,
		pending: make(map[string]chan rawEnvelope),
		signals: make(chan Signal, 32),
	}
}

// Run maintains the WebSocket connection, reconnecting with
// exponential backoff (1s -> 60s, x2) until ctx is cancelled. Intended
// to be registered with a task.Supervisor.
func (r *Remote) Run(ctx context.Context) error {
	b := backoff.New(1*time.Second, 60*time.Second)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.connectAndServe(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn().Err(err).Str("url", r.url).Msg("control plane connection lost, reconnecting")
		} else {
			b.Reset()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Next()):
		}
	}
}

func (r *Remote) connectAndServe(ctx context.Context) error {
	header := http.Header{}
	if r.token != "" {
		header.Set("Authorization", "Bearer "+r.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.url, header)
	if err != nil {
		return lanerr.Wrap(lanerr.KindControlPlane, "dial control server", err)
	}
	defer conn.Close()

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.conn = nil
		for id, ch := range r.pending {
			close(ch)
			delete(r.pending, id)
		}
		r.mu.Unlock()
	}()

	for {
		var raw rawEnvelope
		if err := conn.ReadJSON(&raw); err != nil {
			return err
		}
		r.dispatch(raw)
	}
}

func (r *Remote) dispatch(raw rawEnvelope) {
	var op string
	if v, ok := raw["op"]; ok {
		_ = json.Unmarshal(v, &op)
	}
	if op == "signal_incoming" {
		var sig Signal
		if v, ok := raw["party_id"]; ok {
			_ = json.Unmarshal(v, &sig.PartyID)
		}
		if v, ok := raw["from"]; ok {
			_ = json.Unmarshal(v, &sig.From)
		}
		if v, ok := raw["to"]; ok {
			_ = json.Unmarshal(v, &sig.To)
		}
		if v, ok := raw["signal"]; ok {
			sig.Payload = v
		}
		sig.At = time.Now().UTC()
		select {
		case r.signals <- sig:
		default:
		}
		return
	}

	var requestID string
	if v, ok := raw["request_id"]; ok {
		_ = json.Unmarshal(v, &requestID)
	}
	if requestID == "" {
		return
	}
	r.mu.Lock()
	ch, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	r.mu.Unlock()
	if ok {
		ch <- raw
	}
}

// Signals implements SignalReceiver.
func (r *Remote) Signals() <-chan Signal { return r.signals }

func (r *Remote) call(ctx context.Context, op string, fields map[string]any) (rawEnvelope, error) {
	r.mu.Lock()
	conn := r.conn
	if conn == nil {
		r.mu.Unlock()
		return nil, lanerr.New(lanerr.KindControlPlane, "not connected to control server")
	}
	requestID := fmt.Sprintf("%d", atomic.AddUint64(&r.nextID, 1))
	ch := make(chan rawEnvelope, 1)
	r.pending[requestID] = ch
	r.mu.Unlock()

	msg := map[string]any{"op": op, "request_id": requestID}
	for k, v := range fields {
		msg[k] = v
	}

	r.mu.Lock()
	err := conn.WriteJSON(msg)
	r.mu.Unlock()
	if err != nil {
		r.mu.Lock()
		delete(r.pending, requestID)
		r.mu.Unlock()
		return nil, lanerr.Wrap(lanerr.KindControlPlane, "send "+op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	select {
	case raw, ok := <-ch:
		if !ok {
			return nil, lanerr.New(lanerr.KindControlPlane, "connection closed while awaiting "+op)
		}
		if v, has := raw["error"]; has {
			var errMsg string
			_ = json.Unmarshal(v, &errMsg)
			if errMsg != "" {
				return nil, lanerr.New(kindForError(errMsg), errMsg)
			}
		}
		return raw, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, requestID)
		r.mu.Unlock()
		return nil, lanerr.Wrap(lanerr.KindTimeout, op+" timed out", ctx.Err())
	}
}

func kindForError(msg string) lanerr.Kind {
	switch {
	case contains(msg, "not found"):
		return lanerr.KindPartyNotFound
	case contains(msg, "exists"):
		return lanerr.KindPartyExists
	case contains(msg, "full"):
		return lanerr.KindPartyFull
	default:
		return lanerr.KindControlPlane
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func (r *Remote) RegisterPeer(ctx context.Context, peerID string) error {
	_, err := r.call(ctx, "register_peer", map[string]any{"peer_id": peerID})
	return err
}

func (r *Remote) RegisterParty(ctx context.Context, partyID, name, subnet string, host model.PeerInfo) (model.PartyInfo, error) {
	raw, err := r.call(ctx, "register_party", map[string]any{"party_id": partyID, "name": name, "virtual_subnet": subnet, "host_peer_info": host})
	if err != nil {
		return model.PartyInfo{}, err
	}
	return decodeParty(raw)
}

func (r *Remote) JoinParty(ctx context.Context, partyID string, peer model.PeerInfo) (model.PartyInfo, error) {
	raw, err := r.call(ctx, "join_party", map[string]any{"party_id": partyID, "peer_info": peer})
	if err != nil {
		return model.PartyInfo{}, err
	}
	return decodeParty(raw)
}

func (r *Remote) LeaveParty(ctx context.Context, partyID, peerID string) error {
	_, err := r.call(ctx, "leave_party", map[string]any{"party_id": partyID, "peer_id": peerID})
	return err
}

func (r *Remote) UpdatePeer(ctx context.Context, partyID string, peer model.PeerInfo) error {
	_, err := r.call(ctx, "update_peer", map[string]any{"party_id": partyID, "peer_info": peer})
	return err
}

func (r *Remote) GetParty(ctx context.Context, partyID string) (model.PartyInfo, bool, error) {
	raw, err := r.call(ctx, "get_party", map[string]any{"party_id": partyID})
	if err != nil {
		return model.PartyInfo{}, false, err
	}
	v, ok := raw["party"]
	if !ok {
		return model.PartyInfo{}, false, nil
	}
	if string(v) == "null" {
		return model.PartyInfo{}, false, nil
	}
	var party model.PartyInfo
	if err := json.Unmarshal(v, &party); err != nil {
		return model.PartyInfo{}, false, lanerr.Wrap(lanerr.KindControlPlane, "decode party", err)
	}
	return party, true, nil
}

func (r *Remote) GetPeers(ctx context.Context, partyID string) ([]model.PeerInfo, error) {
	raw, err := r.call(ctx, "get_peers", map[string]any{"party_id": partyID})
	if err != nil {
		return nil, err
	}
	var peers []model.PeerInfo
	if v, ok := raw["peers"]; ok {
		if err := json.Unmarshal(v, &peers); err != nil {
			return nil, lanerr.Wrap(lanerr.KindControlPlane, "decode peers", err)
		}
	}
	return peers, nil
}

func (r *Remote) DiscoverPeer(ctx context.Context, partyID, peerID string) (model.PeerInfo, bool, error) {
	peers, err := r.GetPeers(ctx, partyID)
	if err != nil {
		return model.PeerInfo{}, false, err
	}
	for _, p := range peers {
		if p.PeerID == peerID {
			return p, true, nil
		}
	}
	return model.PeerInfo{}, false, nil
}

func (r *Remote) SignalConnection(ctx context.Context, partyID, from, to string, payload json.RawMessage) error {
	_, err := r.call(ctx, "signal", map[string]any{"party_id": partyID, "from": from, "to": to, "signal": payload})
	return err
}

func (r *Remote) Heartbeat(ctx context.Context, partyID, peerID string) error {
	_, err := r.call(ctx, "heartbeat", map[string]any{"party_id": partyID, "peer_id": peerID})
	return err
}

func (r *Remote) ListRelays(ctx context.Context) ([]model.RelayInfo, error) {
	raw, err := r.call(ctx, "list_relays", nil)
	if err != nil {
		return nil, err
	}
	var relays []model.RelayInfo
	if v, ok := raw["relays"]; ok {
		if err := json.Unmarshal(v, &relays); err != nil {
			return nil, lanerr.Wrap(lanerr.KindControlPlane, "decode relays", err)
		}
	}
	return relays, nil
}

func (r *Remote) GetRelaysByRegion(ctx context.Context, region string) ([]model.RelayInfo, error) {
	all, err := r.ListRelays(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.RelayInfo, 0, len(all))
	for _, rl := range all {
		if rl.Region == region {
			out = append(out, rl)
		}
	}
	return out, nil
}

func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func decodeParty(raw rawEnvelope) (model.PartyInfo, error) {
	v, ok := raw["party"]
	if !ok {
		return model.PartyInfo{}, lanerr.New(lanerr.KindControlPlane, "response missing party")
	}
	var party model.PartyInfo
	if err := json.Unmarshal(v, &party); err != nil {
		return model.PartyInfo{}, lanerr.Wrap(lanerr.KindControlPlane, "decode party", err)
	}
	return party, nil
}
