// Package chat answers chat frames from cluster peers by relaying
// them through the local agent. Each peer gets a durable agent
// session, so the conversation keeps its context across turns.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawhub/internal/agentrpc"
	"github.com/nextlevelbuilder/clawhub/internal/store"
	"github.com/nextlevelbuilder/clawhub/pkg/wire"
)

const (
	replyTimeoutMs = 300_000
	historyLimit   = 30
)

// Bridge is the slice of the agent bridge the handler needs.
type Bridge interface {
	Submit(ctx context.Context, req agentrpc.SubmitRequest) (string, error)
	Wait(ctx context.Context, runID string, timeoutMs int) error
	History(ctx context.Context, sessionKey string, limit int) ([]agentrpc.HistoryMessage, error)
}

// Sender emits chat frames back to the peer.
type Sender interface {
	SendWS(msg wire.Message)
}

// Handler processes inbound user chats. One run per peer session at a
// time; a second user message while a run is inflight is rejected with
// a busy reply.
type Handler struct {
	bridge Bridge
	sender Sender
	chats  *store.ChatStore

	mu     sync.Mutex
	active map[string]bool // sessionKey -> run inflight

	// OnMessage, when set, observes every persisted chat message.
	OnMessage func(nodeID string, msg store.ChatMessage)
}

// New builds a chat handler.
func New(bridge Bridge, sender Sender, chats *store.ChatStore) *Handler {
	return &Handler{
		bridge: bridge,
		sender: sender,
		chats:  chats,
		active: make(map[string]bool),
	}
}

// HandleFrame routes one inbound chat frame. User messages start an
// agent run; anything else is persisted as a peer reply.
func (h *Handler) HandleFrame(msg wire.Message) {
	var p wire.ChatPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		slog.Debug("chat.bad_payload", "from", msg.From, "error", err)
		return
	}
	if p.Role != "user" {
		h.recordPeerReply(msg.From, p)
		return
	}
	go h.handleUserChat(msg, p)
}

// recordPeerReply persists a peer's terminal reply. Delta frames are
// previews of entries the terminal frame carries again, and a terminal
// frame echoes our own user message back, so only the terminal frame's
// assistant entries reach the log.
func (h *Handler) recordPeerReply(fromNodeID string, p wire.ChatPayload) {
	if p.Role == "delta" {
		return
	}
	if p.Content != "" {
		m := h.chats.Append(fromNodeID, p.Role, p.Content)
		h.notify(fromNodeID, m)
		return
	}
	for _, e := range p.Messages {
		if e.Role != "assistant" {
			continue
		}
		var text string
		if json.Unmarshal(e.Content, &text) != nil {
			text = string(e.Content)
		}
		if text == "" {
			continue
		}
		m := h.chats.Append(fromNodeID, e.Role, text)
		h.notify(fromNodeID, m)
	}
}

func (h *Handler) handleUserChat(msg wire.Message, p wire.ChatPayload) {
	fromNodeID := msg.From
	chatID := msg.ID
	sessionKey := agentrpc.ChatSessionKey(fromNodeID)

	h.mu.Lock()
	if h.active[sessionKey] {
		h.mu.Unlock()
		h.sendError(fromNodeID, chatID, "a previous chat is still being processed")
		return
	}
	h.active[sessionKey] = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.active, sessionKey)
		h.mu.Unlock()
	}()

	m := h.chats.Append(fromNodeID, "user", p.Content)
	h.notify(fromNodeID, m)

	whole := false
	autoRefreshMs := 0
	if p.Config != nil {
		whole = p.Config.Whole
		autoRefreshMs = p.Config.AutoRefreshMs
	}

	ctx := context.Background()

	// The session persists across turns. Everything up to baseline was
	// already delivered and persisted by earlier runs; only entries
	// past it belong to this one.
	baseline := 0
	if prior, err := h.bridge.History(ctx, sessionKey, historyLimit); err == nil {
		baseline = len(prior)
	}

	runID, err := h.bridge.Submit(ctx, agentrpc.SubmitRequest{
		Message:    p.Content,
		SessionKey: sessionKey,
		Deliver:    false,
	})
	if err != nil {
		h.sendError(fromNodeID, chatID, err.Error())
		return
	}

	stopRefresh := func() {}
	if autoRefreshMs > 0 {
		stopRefresh = h.startRefresher(ctx, fromNodeID, sessionKey, autoRefreshMs, baseline)
	}

	waitErr := h.bridge.Wait(ctx, runID, replyTimeoutMs)
	stopRefresh()
	if waitErr != nil {
		h.sendError(fromNodeID, chatID, waitErr.Error())
		return
	}

	history, err := h.bridge.History(ctx, sessionKey, historyLimit)
	if err != nil {
		h.sendError(fromNodeID, chatID, err.Error())
		return
	}

	if baseline > len(history) {
		baseline = len(history)
	}
	fresh := history[baseline:]

	entries := formatMessages(fresh, whole)
	h.sender.SendWS(wire.NewMessage(wire.TypeChat, uuid.NewString(), fromNodeID, wire.ChatPayload{
		Role:      "assistant",
		Messages:  entries,
		ReplyTo:   chatID,
		Timestamp: time.Now().UnixMilli(),
		Done:      true,
	}))

	for _, e := range fresh {
		if e.Role != "assistant" {
			continue
		}
		if text := e.Text(); text != "" {
			m := h.chats.Append(fromNodeID, "assistant", text)
			h.notify(fromNodeID, m)
		}
	}
}

// startRefresher streams new history entries to the peer as delta
// frames on a fixed interval. lastSent starts at the run's history
// baseline, so earlier turns are never re-streamed.
func (h *Handler) startRefresher(ctx context.Context, fromNodeID, sessionKey string, intervalMs, baseline int) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
		defer ticker.Stop()
		lastSent := baseline
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				history, err := h.bridge.History(ctx, sessionKey, historyLimit)
				if err != nil {
					slog.Debug("chat.refresh_failed", "sessionKey", sessionKey, "error", err)
					continue
				}
				if len(history) <= lastSent {
					continue
				}
				fresh := formatMessages(history[lastSent:], false)
				lastSent = len(history)
				h.sender.SendWS(wire.NewMessage(wire.TypeChat, uuid.NewString(), fromNodeID, wire.ChatPayload{
					Role:      "delta",
					Messages:  fresh,
					Timestamp: time.Now().UnixMilli(),
					Done:      false,
				}))
			}
		}
	}()
	return stop
}

func (h *Handler) sendError(fromNodeID, chatID, errMsg string) {
	h.sender.SendWS(wire.NewMessage(wire.TypeChat, uuid.NewString(), fromNodeID, wire.ChatPayload{
		Role:      "assistant",
		Content:   fmt.Sprintf("❌ 处理失败: %s", errMsg),
		ReplyTo:   chatID,
		Timestamp: time.Now().UnixMilli(),
		Done:      true,
	}))
}

func (h *Handler) notify(nodeID string, m store.ChatMessage) {
	if h.OnMessage != nil {
		h.OnMessage(nodeID, m)
	}
}

// formatMessages shapes history entries for the wire. With whole set
// the content passes through untouched; otherwise it collapses to the
// concatenated text blocks.
func formatMessages(history []agentrpc.HistoryMessage, whole bool) []wire.ChatEntry {
	out := make([]wire.ChatEntry, 0, len(history))
	for _, m := range history {
		e := wire.ChatEntry{Role: m.Role, Timestamp: m.Timestamp}
		if whole {
			e.Content = m.Content
		} else {
			text, _ := json.Marshal(m.Text())
			e.Content = text
		}
		out = append(out, e)
	}
	return out
}
