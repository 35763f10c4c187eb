package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestChatStoreAppendAndHistory(t *testing.T) {
	cs := NewChatStore(t.TempDir())

	m1 := cs.Append("node-b", "user", "hello")
	m2 := cs.Append("node-b", "assistant", "hi there")

	if m1.ID == "" || m2.ID == "" {
		t.Error("messages missing ids")
	}
	if m1.NodeID != "node-b" || m1.Role != "user" {
		t.Errorf("m1 = %+v", m1)
	}

	hist := cs.History("node-b", 0)
	if len(hist) != 2 {
		t.Fatalf("history len = %d, want 2", len(hist))
	}
	if hist[0].Content != "hello" || hist[1].Content != "hi there" {
		t.Errorf("history out of order: %+v", hist)
	}

	if got := cs.History("node-b", 1); len(got) != 1 || got[0].Content != "hi there" {
		t.Errorf("limited history should keep the newest: %+v", got)
	}
}

func TestChatStoreCapEvictsOldest(t *testing.T) {
	cs := NewChatStore(t.TempDir())
	for i := 0; i < maxChatMessages+1; i++ {
		cs.Append("node-b", "user", fmt.Sprintf("msg-%d", i))
	}

	hist := cs.History("node-b", 0)
	if len(hist) != maxChatMessages {
		t.Fatalf("len = %d, want %d", len(hist), maxChatMessages)
	}
	if hist[0].Content != "msg-1" {
		t.Errorf("oldest surviving = %q, want msg-1", hist[0].Content)
	}
}

func TestChatStoreCorruptPeerFileIsolated(t *testing.T) {
	dir := t.TempDir()
	cs := NewChatStore(dir)
	cs.Append("good", "user", "hello")
	cs.Flush()

	chatsDir := filepath.Join(dir, "chats")
	if err := os.WriteFile(filepath.Join(chatsDir, "bad.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	reloaded := NewChatStore(dir)
	if got := reloaded.History("good", 0); len(got) != 1 {
		t.Errorf("good peer lost alongside corrupt one: %+v", got)
	}
	if got := reloaded.History("bad", 0); len(got) != 0 {
		t.Errorf("corrupt peer should load empty: %+v", got)
	}
}

func TestChatStoreClearRemovesFile(t *testing.T) {
	dir := t.TempDir()
	cs := NewChatStore(dir)
	cs.Append("node-b", "user", "hello")
	cs.Flush()

	file := filepath.Join(dir, "chats", "node-b.json")
	if _, err := os.Stat(file); err != nil {
		t.Fatalf("chat file not written: %v", err)
	}

	cs.Clear("node-b")
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Error("chat file survived Clear")
	}
	if got := cs.History("node-b", 0); len(got) != 0 {
		t.Errorf("history survived Clear: %+v", got)
	}
}

func TestChatStoreActiveNodes(t *testing.T) {
	cs := NewChatStore(t.TempDir())
	cs.Append("a", "user", "x")
	cs.Append("b", "user", "y")

	nodes := cs.ActiveNodes()
	if len(nodes) != 2 {
		t.Errorf("active nodes = %v", nodes)
	}
}

func TestPeerFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"node-b", "node-b.json"},
		{"a/b", "a_b.json"},
		{"a\\b:c", "a_b_c.json"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := peerFileName(tt.in); got != tt.want {
				t.Errorf("peerFileName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
