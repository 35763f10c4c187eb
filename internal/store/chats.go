package store

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ChatMessage is one entry of a per-peer chat log.
type ChatMessage struct {
	ID        string `json:"id"`
	NodeID    string `json:"nodeId"`
	Role      string `json:"role"` // user | assistant
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

const maxChatMessages = 500

type chatFile struct {
	Version   int           `json:"version"`
	NodeID    string        `json:"nodeId"`
	UpdatedAt int64         `json:"updatedAt"`
	Messages  []ChatMessage `json:"messages"`
}

// ChatStore keeps one append-only log per peer node under <dir>/chats/,
// each capped at 500 messages (oldest dropped). Corruption of one peer
// file is isolated: only that file is skipped at load.
type ChatStore struct {
	dir   string
	mu    sync.RWMutex
	peers map[string][]ChatMessage
	dirty map[string]bool
	sv    saver
}

// NewChatStore loads every readable per-peer log from dir/chats.
func NewChatStore(dir string) *ChatStore {
	c := &ChatStore{
		dir:   filepath.Join(dir, "chats"),
		peers: make(map[string][]ChatMessage),
		dirty: make(map[string]bool),
	}
	c.sv.write = c.save

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return c
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var f chatFile
		if !readJSON(filepath.Join(c.dir, e.Name()), &f) {
			continue // corrupt peer file, skip it alone
		}
		if f.NodeID == "" {
			f.NodeID = strings.TrimSuffix(e.Name(), ".json")
		}
		c.peers[f.NodeID] = f.Messages
	}
	return c
}

// Append adds a message to a peer's log and returns the stored entry
// with its generated id and timestamp.
func (c *ChatStore) Append(nodeID, role, content string) ChatMessage {
	msg := ChatMessage{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		Role:      role,
		Content:   content,
		Timestamp: nowMs(),
	}

	c.mu.Lock()
	log := append(c.peers[nodeID], msg)
	if len(log) > maxChatMessages {
		log = log[len(log)-maxChatMessages:]
	}
	c.peers[nodeID] = log
	c.dirty[nodeID] = true
	c.mu.Unlock()
	c.sv.schedule()
	return msg
}

// History returns the last limit messages for a peer in order (0 = all).
func (c *ChatStore) History(nodeID string, limit int) []ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	log := c.peers[nodeID]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]ChatMessage, len(log))
	copy(out, log)
	return out
}

// ActiveNodes lists the peers that have a chat log.
func (c *ChatStore) ActiveNodes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.peers))
	for id := range c.peers {
		out = append(out, id)
	}
	return out
}

// Clear drops a peer's log and deletes its file.
func (c *ChatStore) Clear(nodeID string) {
	c.mu.Lock()
	delete(c.peers, nodeID)
	delete(c.dirty, nodeID)
	c.mu.Unlock()
	os.Remove(filepath.Join(c.dir, peerFileName(nodeID))) // best-effort
}

// Flush writes all dirty peer logs synchronously.
func (c *ChatStore) Flush() { c.sv.flush() }

func (c *ChatStore) save() {
	c.mu.Lock()
	pending := make(map[string][]ChatMessage, len(c.dirty))
	for id := range c.dirty {
		pending[id] = append([]ChatMessage(nil), c.peers[id]...)
	}
	c.dirty = make(map[string]bool)
	c.mu.Unlock()

	for id, msgs := range pending {
		f := chatFile{Version: 1, NodeID: id, UpdatedAt: nowMs(), Messages: msgs}
		writeJSON(filepath.Join(c.dir, peerFileName(id)), f) // error swallowed
	}
}

// peerFileName guards against path separators in node ids.
func peerFileName(nodeID string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(nodeID)
	return safe + ".json"
}
