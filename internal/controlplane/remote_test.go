package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeHub is a minimal WebSocket server standing in for cpserver,
// answering register_peer/heartbeat/get_party requests with canned
// responses, enough to exercise Remote's request/response plumbing.
func fakeHub(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req map[string]json.RawMessage
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			var op, requestID string
			_ = json.Unmarshal(req["op"], &op)
			_ = json.Unmarshal(req["request_id"], &requestID)

			resp := map[string]any{"request_id": requestID}
			switch op {
			case "register_peer":
				resp["ok"] = true
			case "heartbeat":
				resp["ok"] = true
			case "get_party":
				resp["party"] = nil
			default:
				resp["error"] = "unknown op"
			}
			_ = conn.WriteJSON(resp)
		}
	}))
	return srv
}

func TestRemote_RegisterPeerAndHeartbeatRoundTrip(t *testing.T) {
	t.Parallel()

	srv := fakeHub(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	r := NewRemote(wsURL, "", testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = r.Run(ctx)
	}()

	waitConnected(t, r)

	if err := r.RegisterPeer(context.Background(), "peer-1"); err != nil {
		t.Fatalf("RegisterPeer: %v", err)
	}
	if err := r.Heartbeat(context.Background(), "party-1", "peer-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if _, ok, err := r.GetParty(context.Background(), "party-1"); err != nil || ok {
		t.Fatalf("GetParty: ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	cancel()
	wg.Wait()
}

func waitConnected(t *testing.T, r *Remote) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		connected := r.conn != nil
		r.mu.Unlock()
		if connected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Remote never connected")
}
