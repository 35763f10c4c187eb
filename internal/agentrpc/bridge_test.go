package agentrpc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// fakeGateway speaks the gateway RPC on a real socket: connect
// handshake, then method dispatch. Before each response it can emit
// noise frames to prove the client skips them.
type fakeGateway struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	history  []HistoryMessage
	deleted  []string
	waits    int
	noise    bool
	rejectOn string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{}
	g.srv = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) port(t *testing.T) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(g.srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return port
}

func (g *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var req struct {
			Type   string          `json:"type"`
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		g.mu.Lock()
		noise := g.noise
		reject := g.rejectOn == req.Method
		g.mu.Unlock()

		if noise {
			conn.WriteJSON(map[string]any{"type": "event", "id": "ev-1", "payload": map[string]any{"x": 1}})
			conn.WriteJSON(map[string]any{"type": "res", "id": "someone-else", "ok": true})
		}

		if reject {
			conn.WriteJSON(map[string]any{
				"type": "res", "id": req.ID, "ok": false,
				"error": map[string]any{"message": "nope"},
			})
			continue
		}

		switch req.Method {
		case "connect":
			conn.WriteJSON(map[string]any{"type": "res", "id": req.ID, "ok": true})
		case "agent":
			conn.WriteJSON(map[string]any{
				"type": "res", "id": req.ID, "ok": true,
				"payload": map[string]any{"runId": "run-42"},
			})
		case "agent.wait":
			g.mu.Lock()
			g.waits++
			g.mu.Unlock()
			conn.WriteJSON(map[string]any{
				"type": "res", "id": req.ID, "ok": true,
				"payload": map[string]any{"status": "completed"},
			})
		case "chat.history":
			g.mu.Lock()
			msgs := append([]HistoryMessage(nil), g.history...)
			g.mu.Unlock()
			conn.WriteJSON(map[string]any{
				"type": "res", "id": req.ID, "ok": true,
				"payload": map[string]any{"messages": msgs},
			})
		case "sessions.delete":
			var p struct {
				Key string `json:"key"`
			}
			json.Unmarshal(req.Params, &p)
			g.mu.Lock()
			g.deleted = append(g.deleted, p.Key)
			g.mu.Unlock()
			conn.WriteJSON(map[string]any{"type": "res", "id": req.ID, "ok": true})
		default:
			conn.WriteJSON(map[string]any{
				"type": "res", "id": req.ID, "ok": false,
				"error": map[string]any{"message": "unknown method"},
			})
		}
	}
}

func (g *fakeGateway) setHistory(msgs ...HistoryMessage) {
	g.mu.Lock()
	g.history = msgs
	g.mu.Unlock()
}

func assistantMsg(text string) HistoryMessage {
	content, _ := json.Marshal(text)
	return HistoryMessage{Role: "assistant", Content: content}
}

func TestExecuteTaskRoundTrip(t *testing.T) {
	g := newFakeGateway(t)
	g.setHistory(
		HistoryMessage{Role: "user", Content: json.RawMessage(`"do it"`)},
		assistantMsg("first half"),
		assistantMsg("second half"),
	)
	b := New(g.port(t), "secret")

	out := b.ExecuteTask(context.Background(), "task-1", "do it", 5000)
	if !out.Success {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Result != "first half\nsecond half" {
		t.Errorf("result = %q", out.Result)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.waits != 1 {
		t.Errorf("waits = %d, want 1", g.waits)
	}
	if len(g.deleted) != 1 || g.deleted[0] != TaskSessionKey("task-1") {
		t.Errorf("deleted sessions = %v", g.deleted)
	}
}

func TestExecuteTaskEmptyResultPlaceholder(t *testing.T) {
	g := newFakeGateway(t)
	g.setHistory(HistoryMessage{Role: "user", Content: json.RawMessage(`"do it"`)})
	b := New(g.port(t), "")

	out := b.ExecuteTask(context.Background(), "task-1", "do it", 5000)
	if !out.Success || out.Result != emptyResultPlaceholder {
		t.Errorf("outcome = %+v", out)
	}
}

func TestCallSkipsEventsAndForeignResponses(t *testing.T) {
	g := newFakeGateway(t)
	g.noise = true
	g.setHistory(assistantMsg("ok"))
	b := New(g.port(t), "")

	msgs, err := b.History(context.Background(), "hub-chat:peer", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestSubmitErrorSurfaces(t *testing.T) {
	g := newFakeGateway(t)
	g.rejectOn = "agent"
	b := New(g.port(t), "")

	if _, err := b.Submit(context.Background(), SubmitRequest{Message: "x", SessionKey: "k"}); err == nil {
		t.Error("rejected submit returned nil error")
	}
}

func TestDispatchFailureIsFailedOutcome(t *testing.T) {
	// No gateway listening on this port.
	b := New(1, "")
	out := b.ExecuteTask(context.Background(), "task-1", "do it", 100)
	if out.Success || out.Error == "" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestSessionKeys(t *testing.T) {
	if got := TaskSessionKey("abc"); got != "agent:main:hub-task:abc" {
		t.Errorf("task key = %q", got)
	}
	if got := ChatSessionKey("peer-1"); got != "hub-chat:peer-1" {
		t.Errorf("chat key = %q", got)
	}
}

func TestHistoryMessageText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"plain string", `"hello"`, "hello"},
		{"text blocks", `[{"type":"text","text":"a"},{"type":"text","text":"b"}]`, "ab"},
		{"mixed blocks", `[{"type":"tool_use"},{"type":"text","text":"only"}]`, "only"},
		{"unparseable", `12345`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := HistoryMessage{Content: json.RawMessage(tt.content)}
			if got := m.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCollectAssistantText(t *testing.T) {
	msgs := []HistoryMessage{
		{Role: "user", Content: json.RawMessage(`"question"`)},
		assistantMsg("  answer one"),
		{Role: "tool", Content: json.RawMessage(`"noise"`)},
		assistantMsg("answer two  "),
	}
	if got := collectAssistantText(msgs); got != "answer one\nanswer two" {
		t.Errorf("collectAssistantText() = %q", got)
	}
}
