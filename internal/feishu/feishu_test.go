package feishu

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestServiceActivatesOnce(t *testing.T) {
	s := NewService()
	creds := json.RawMessage(`{"feishu":{"appId":"app-1","appSecret":"sec-1"}}`)

	if !s.ApplySharedConfig(creds) {
		t.Fatal("first push did not activate")
	}
	if !s.Active() || s.Client() == nil {
		t.Fatal("service not active after push")
	}

	// A second push, even with different credentials, is a no-op.
	other := json.RawMessage(`{"feishu":{"appId":"app-2","appSecret":"sec-2"}}`)
	if s.ApplySharedConfig(other) {
		t.Error("second push re-activated")
	}
	if s.Client().appID != "app-1" {
		t.Error("second push replaced the client")
	}
}

func TestServiceIgnoresIrrelevantConfig(t *testing.T) {
	s := NewService()
	tests := []struct {
		name string
		raw  string
	}{
		{"no feishu branch", `{"other": true}`},
		{"missing secret", `{"feishu":{"appId":"app-1"}}`},
		{"not json", `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if s.ApplySharedConfig(json.RawMessage(tt.raw)) {
				t.Error("activated on irrelevant config")
			}
		})
	}
	if s.Active() {
		t.Error("service active without credentials")
	}
}

func TestCreateDocumentRejectsEmptyContent(t *testing.T) {
	c := NewLarkClient("app", "sec", "http://127.0.0.1:1")
	for _, content := range []string{"", "   ", "\n\t"} {
		_, err := c.CreateDocument(context.Background(), "title", content)
		if err == nil || err.Error() != "Content is empty" {
			t.Errorf("CreateDocument(%q) error = %v", content, err)
		}
	}
}

func TestTokenRefreshAndRetry(t *testing.T) {
	var mu sync.Mutex
	tokenCalls := 0
	sendCalls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case tokenEndpoint:
			mu.Lock()
			tokenCalls++
			n := tokenCalls
			mu.Unlock()
			token := "tok-1"
			if n > 1 {
				token = "tok-2"
			}
			json.NewEncoder(w).Encode(map[string]any{
				"code": 0, "msg": "ok",
				"tenant_access_token": token,
				"expire":              7200,
			})
		default:
			mu.Lock()
			sendCalls++
			n := sendCalls
			mu.Unlock()
			if n == 1 {
				// Expired-token error forces a refresh and one retry.
				json.NewEncoder(w).Encode(map[string]any{"code": 99991663, "msg": "token expired"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "ok"})
		}
	}))
	defer srv.Close()

	c := NewLarkClient("app", "sec", srv.URL)
	if err := c.SendText(context.Background(), "open_id", "u1", "hello"); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if tokenCalls != 2 {
		t.Errorf("token calls = %d, want 2 (initial + refresh)", tokenCalls)
	}
	if sendCalls != 2 {
		t.Errorf("send calls = %d, want 2 (rejected + retried)", sendCalls)
	}
}
