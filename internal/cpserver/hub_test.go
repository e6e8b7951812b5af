package cpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"lanrage/internal/model"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := NewServer(Config{
		DataPath:   filepath.Join(t.TempDir(), "state.json"),
		MaxClients: 4,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	hs := httptest.NewServer(http.HandlerFunc(srv.ServeHTTP))
	return srv, hs
}

func dial(t *testing.T, hs *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func call(t *testing.T, conn *websocket.Conn, op string, fields map[string]any) map[string]json.RawMessage {
	t.Helper()
	msg := map[string]any{"op": op, "request_id": "1"}
	for k, v := range fields {
		msg[k] = v
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write %s: %v", op, err)
	}
	var resp map[string]json.RawMessage
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read %s response: %v", op, err)
	}
	return resp
}

func TestHub_CreateJoinLeavePartyRoundTrip(t *testing.T) {
	t.Parallel()

	_, hs := newTestServer(t)
	defer hs.Close()

	host := dial(t, hs)
	defer host.Close()
	guest := dial(t, hs)
	defer guest.Close()

	hostPeer := model.PeerInfo{PeerID: "host-1", Name: "Alice"}
	resp := call(t, host, "register_party", map[string]any{
		"party_id": "party-1", "name": "Game Night", "host_peer_info": hostPeer,
	})
	if _, hasErr := resp["error"]; hasErr {
		t.Fatalf("register_party returned an error: %s", resp["error"])
	}

	guestPeer := model.PeerInfo{PeerID: "guest-1", Name: "Bob"}
	resp = call(t, guest, "join_party", map[string]any{
		"party_id": "party-1", "peer_info": guestPeer,
	})
	var party model.PartyInfo
	if err := json.Unmarshal(resp["party"], &party); err != nil {
		t.Fatalf("decode party: %v", err)
	}
	if len(party.Peers) != 2 {
		t.Fatalf("expected 2 peers after join, got %d", len(party.Peers))
	}

	resp = call(t, host, "leave_party", map[string]any{"party_id": "party-1", "peer_id": "host-1"})
	if _, hasErr := resp["error"]; hasErr {
		t.Fatalf("leave_party returned an error: %s", resp["error"])
	}

	resp = call(t, guest, "get_party", map[string]any{"party_id": "party-1"})
	if string(resp["party"]) != "null" {
		t.Fatalf("expected party to be gone after the host left, got %s", resp["party"])
	}
}

func TestHub_SignalIsForwardedToConnectedRecipient(t *testing.T) {
	t.Parallel()

	_, hs := newTestServer(t)
	defer hs.Close()

	a := dial(t, hs)
	defer a.Close()
	b := dial(t, hs)
	defer b.Close()

	call(t, a, "register_peer", map[string]any{"peer_id": "peer-a"})
	call(t, b, "register_peer", map[string]any{"peer_id": "peer-b"})

	if err := a.WriteJSON(map[string]any{
		"op": "signal", "request_id": "2", "party_id": "party-1",
		"from": "peer-a", "to": "peer-b", "signal": map[string]any{"hello": true},
	}); err != nil {
		t.Fatalf("write signal: %v", err)
	}

	// The sender gets its own {ok:true} response to request_id "2" first...
	var ackOrSignal map[string]json.RawMessage
	if err := a.ReadJSON(&ackOrSignal); err != nil {
		t.Fatalf("read ack: %v", err)
	}

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	var incoming map[string]json.RawMessage
	if err := b.ReadJSON(&incoming); err != nil {
		t.Fatalf("read signal_incoming: %v", err)
	}
	var op string
	_ = json.Unmarshal(incoming["op"], &op)
	if op != "signal_incoming" {
		t.Fatalf("op = %q, want signal_incoming", op)
	}
}
