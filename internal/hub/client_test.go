package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawhub/pkg/wire"
)

// fakeHub is an in-process Hub: health, register, directory, and the
// WebSocket endpoint with push support.
type fakeHub struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	connHits int
	received []wire.Message
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	h := &fakeHub{}
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "running"})
	})

	mux.HandleFunc("/api/nodes/register", func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": RegisterResponse{
				NodeID:    "node-1",
				ClusterID: "cluster-1",
				Depth:     0,
				Token:     "tok-1",
			},
		})
	})

	mux.HandleFunc("/api/nodes", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": []NodeInfo{
				{ID: "node-1", Name: "self", ClusterID: "cluster-1", Online: true},
				{ID: "node-2", Name: "peer", ClusterID: "cluster-1", Online: true},
			},
		})
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.conns = append(h.conns, conn)
		h.connHits++
		h.mu.Unlock()
		go func() {
			for {
				var msg wire.Message
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				h.mu.Lock()
				h.received = append(h.received, msg)
				h.mu.Unlock()
			}
		}()
	})

	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

// push writes a frame on the newest connection, waiting briefly for
// the server side of a fresh dial to land.
func (h *fakeHub) push(t *testing.T, msg wire.Message) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mu.Lock()
		if len(h.conns) > 0 {
			conn := h.conns[len(h.conns)-1]
			h.mu.Unlock()
			if err := conn.WriteJSON(msg); err != nil {
				t.Fatalf("push: %v", err)
			}
			return
		}
		h.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("no hub connection to push on")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *fakeHub) dropConnections() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		c.Close()
	}
	h.conns = nil
}

func (h *fakeHub) connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connHits
}

// firstReceived returns the earliest inbound frame matching the type.
func (h *fakeHub) firstReceived(frameType string) (wire.Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.received {
		if m.Type == frameType {
			return m, true
		}
	}
	return wire.Message{}, false
}

func newTestClient(h *fakeHub, id Identity) *Client {
	return New(Options{
		BaseURL:             h.srv.URL,
		HeartbeatIntervalMs: 50,
		ReconnectIntervalMs: 50,
	}, id)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegisterAdoptsIdentity(t *testing.T) {
	h := newFakeHub(t)
	c := newTestClient(h, Identity{})

	res, err := c.Register(context.Background(), RegisterRequest{Name: "self"})
	if err != nil {
		t.Fatal(err)
	}
	if res.NodeID != "node-1" || res.Token != "tok-1" {
		t.Errorf("register response = %+v", res)
	}
	id := c.Identity()
	if id.NodeID != "node-1" || id.ClusterID != "cluster-1" || id.Token != "tok-1" {
		t.Errorf("identity not adopted: %+v", id)
	}
}

func TestConnectRequiresToken(t *testing.T) {
	h := newFakeHub(t)
	c := newTestClient(h, Identity{})
	if err := c.Connect(); err == nil {
		t.Error("connect without a token should fail")
	}
}

func TestCheckConnection(t *testing.T) {
	h := newFakeHub(t)
	c := newTestClient(h, Identity{})
	if err := c.CheckConnection(context.Background()); err != nil {
		t.Errorf("health check: %v", err)
	}
}

func TestChangeSeqAdvancesOnLifecycleBroadcasts(t *testing.T) {
	h := newFakeHub(t)
	c := newTestClient(h, Identity{NodeID: "node-1", Token: "tok-1"})

	var mu sync.Mutex
	var online, offline []string
	c.OnNodeOnline = func(id string) {
		mu.Lock()
		online = append(online, id)
		mu.Unlock()
	}
	c.OnNodeOffline = func(id string) {
		mu.Lock()
		offline = append(offline, id)
		mu.Unlock()
	}

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()

	// Warm the node cache so invalidation is observable.
	if _, err := c.FetchNodes(context.Background(), true); err != nil {
		t.Fatal(err)
	}

	before := c.ChangeSeq()
	h.push(t, wire.Message{
		Type:    wire.TypeBroadcast,
		ID:      "b1",
		Channel: wire.ChannelSystem,
		Payload: mustMarshal(wire.BroadcastPayload{Action: wire.ActionNodeOnline, NodeID: "node-A"}),
	})
	h.push(t, wire.Message{
		Type:    wire.TypeBroadcast,
		ID:      "b2",
		Channel: wire.ChannelSystem,
		Payload: mustMarshal(wire.BroadcastPayload{Action: wire.ActionNodeOffline, NodeID: "node-A"}),
	})

	waitFor(t, "changeSeq to advance by 2", func() bool {
		return c.ChangeSeq() == before+2
	})
	mu.Lock()
	defer mu.Unlock()
	if len(online) != 1 || online[0] != "node-A" {
		t.Errorf("online callbacks = %v", online)
	}
	if len(offline) != 1 || offline[0] != "node-A" {
		t.Errorf("offline callbacks = %v", offline)
	}
	if got := c.GetStatus().CachedNodes; got != 0 {
		t.Errorf("node cache not invalidated: %d entries", got)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	h := newFakeHub(t)
	c := newTestClient(h, Identity{NodeID: "node-1", Token: "tok-1"})

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()
	waitFor(t, "first connection", func() bool { return c.Connected() })

	h.dropConnections()
	waitFor(t, "reconnect", func() bool {
		return c.Connected() && h.connections() >= 2
	})
}

func TestDisconnectIsIntentional(t *testing.T) {
	h := newFakeHub(t)
	c := newTestClient(h, Identity{NodeID: "node-1", Token: "tok-1"})

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connect", func() bool { return c.Connected() })
	hits := h.connections()

	c.Disconnect()
	if c.Connected() {
		t.Error("still connected after Disconnect")
	}

	// No reconnect may fire after an intentional close.
	time.Sleep(300 * time.Millisecond)
	if h.connections() != hits {
		t.Error("client reconnected after intentional disconnect")
	}
}

func TestSendWSDropsWhenDisconnected(t *testing.T) {
	h := newFakeHub(t)
	c := newTestClient(h, Identity{NodeID: "node-1", Token: "tok-1"})
	// Must not panic or block.
	c.SendWS(wire.NewMessage(wire.TypeTask, "t1", "node-2", wire.TaskPayload{Task: "ls"}))
}

func TestTaskFrameInvokesCallback(t *testing.T) {
	h := newFakeHub(t)
	c := newTestClient(h, Identity{NodeID: "node-1", Token: "tok-1"})

	got := make(chan wire.Message, 1)
	c.OnTaskReceived = func(m wire.Message) { got <- m }

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()

	h.push(t, wire.Message{
		Type:    wire.TypeTask,
		ID:      "t1",
		From:    "node-2",
		Payload: mustMarshal(wire.TaskPayload{Task: "ls"}),
	})

	select {
	case m := <-got:
		if m.ID != "t1" || m.From != "node-2" {
			t.Errorf("task frame = %+v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("task callback never fired")
	}
}

func TestWSURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://hub.example.com", "wss://hub.example.com/ws?token=tok%2B1"},
		{"http://127.0.0.1:8080", "ws://127.0.0.1:8080/ws?token=tok%2B1"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			c := New(Options{BaseURL: tt.base}, Identity{Token: "tok+1"})
			if got := c.wsURL(); got != tt.want {
				t.Errorf("wsURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFetchNodesUsesCache(t *testing.T) {
	h := newFakeHub(t)
	c := newTestClient(h, Identity{NodeID: "node-1", Token: "tok-1"})

	first, err := c.FetchNodes(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 {
		t.Fatalf("nodes = %d, want 2", len(first))
	}

	// Mutating the returned slice must not poison the cache.
	first[0].Name = "mutated"
	second, _ := c.FetchNodes(context.Background(), false)
	if second[0].Name == "mutated" {
		t.Error("cache returned a shared slice")
	}
}

func TestHeartbeatFrameHasUUIDAndActiveTasks(t *testing.T) {
	h := newFakeHub(t)
	c := newTestClient(h, Identity{NodeID: "node-1", Token: "tok-1"})
	c.ActiveTasks = func() int { return 2 }
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()

	var hb wire.Message
	waitFor(t, "a heartbeat frame", func() bool {
		m, ok := h.firstReceived(wire.TypeHeartbeat)
		hb = m
		return ok
	})

	if _, err := uuid.Parse(hb.ID); err != nil {
		t.Errorf("heartbeat id %q is not a UUID: %v", hb.ID, err)
	}
	var p wire.HeartbeatPayload
	if err := json.Unmarshal(hb.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.ActiveTasks != 2 {
		t.Errorf("activeTasks = %d, want 2", p.ActiveTasks)
	}
}
