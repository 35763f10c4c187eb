// Package node is the coordinator: it owns the Hub client, the agent
// bridge, the task queue, the chat handler, and the persistent
// stores, and exposes the verb surface control planes call.
package node

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/clawhub/internal/agentrpc"
	"github.com/nextlevelbuilder/clawhub/internal/chat"
	"github.com/nextlevelbuilder/clawhub/internal/config"
	"github.com/nextlevelbuilder/clawhub/internal/feishu"
	"github.com/nextlevelbuilder/clawhub/internal/hub"
	"github.com/nextlevelbuilder/clawhub/internal/queue"
	"github.com/nextlevelbuilder/clawhub/internal/store"
	"github.com/nextlevelbuilder/clawhub/pkg/wire"
)

// Node wires every component of the plugin together. All identity
// mutation flows through the verbs, so component callbacks only ever
// read snapshots.
type Node struct {
	cfg     *config.Config
	cfgPath string

	hub    *hub.Client
	bridge *agentrpc.Bridge
	queue  *queue.Queue
	chat   *chat.Handler

	tasks  *store.TaskStore
	rcv    *store.ReceivedStore
	chats  *store.ChatStore
	events *store.EventStore

	feishu *feishu.Service
	fan    *fanout
}

// New builds a node from config. The Hub connection is not opened;
// call the connect verb (or Start) for that.
func New(cfg *config.Config, cfgPath string) *Node {
	dataDir := cfg.DataPath()

	n := &Node{
		cfg:     cfg,
		cfgPath: cfgPath,
		tasks:   store.NewTaskStore(dataDir),
		rcv:     store.NewReceivedStore(dataDir),
		chats:   store.NewChatStore(dataDir),
		events:  store.NewEventStore(dataDir),
		feishu:  feishu.NewService(),
		fan:     newFanout(),
	}

	v := cfg.Snapshot()
	nodeID, clusterID, parentID, token := cfg.Identity()
	n.hub = hub.New(hub.Options{
		BaseURL:             v.HubURL,
		AdminKey:            cfg.AdminKey,
		HeartbeatIntervalMs: v.HeartbeatIntervalMs,
		ReconnectIntervalMs: v.ReconnectIntervalMs,
	}, hub.Identity{
		NodeID:    nodeID,
		ClusterID: clusterID,
		ParentID:  parentID,
		Token:     token,
	})

	n.bridge = agentrpc.New(v.GatewayPort, cfg.GatewayToken)
	n.queue = queue.New(n.bridge, n.hub, n.rcv, cfg.EffectiveMaxConcurrent(), v.TaskTimeoutMs)
	n.chat = chat.New(n.bridge, n.hub, n.chats)

	n.wire()
	return n
}

// wire connects component callbacks. The hub client emits events up;
// nothing below holds a reference back to the node.
func (n *Node) wire() {
	n.hub.ActiveTasks = n.queue.ActiveCount

	n.hub.OnTaskReceived = n.handleTaskFrame
	n.hub.On(wire.TypeResult, n.handleResultFrame)
	n.hub.On(wire.TypeTaskAck, n.handleAckFrame)
	n.hub.On(wire.TypeTaskStatus, n.handleStatusFrame)
	n.hub.On(wire.TypeTaskCancel, n.handleCancelFrame)
	n.hub.On(wire.TypeChat, n.chat.HandleFrame)

	n.hub.OnNodeOnline = func(nodeID string) {
		ev := n.events.Append(store.NodeEvent{
			NodeID:    nodeID,
			Event:     store.EventOnline,
			Timestamp: time.Now().UnixMilli(),
		})
		n.fan.publish(Event{Kind: EventNodeEvent, Payload: ev})
	}
	n.hub.OnNodeOffline = func(nodeID string) {
		ev := n.events.Append(store.NodeEvent{
			NodeID:    nodeID,
			Event:     store.EventOffline,
			Timestamp: time.Now().UnixMilli(),
		})
		n.fan.publish(Event{Kind: EventNodeEvent, Payload: ev})
	}
	n.hub.OnSharedConfig = func(raw json.RawMessage) {
		n.feishu.ApplySharedConfig(raw)
	}

	n.queue.OnUpdate = func(t store.ReceivedTask) {
		n.fan.publish(Event{Kind: EventTaskUpdate, Payload: t})
	}
	n.chat.OnMessage = func(nodeID string, m store.ChatMessage) {
		n.fan.publish(Event{Kind: EventChatMessage, Payload: m})
	}
}

// Start connects to the Hub when an identity exists. A node that has
// never registered starts offline and waits for the register verb.
func (n *Node) Start(ctx context.Context) error {
	if !n.cfg.Registered() {
		slog.Info("node.start_unregistered")
		return nil
	}
	if err := n.hub.Connect(); err != nil {
		// The reconnect timer is already armed; startup proceeds.
		slog.Warn("node.initial_connect_failed", "error", err)
	}
	return nil
}

// Shutdown disconnects and flushes every store.
func (n *Node) Shutdown() {
	n.hub.Disconnect()
	n.tasks.Flush()
	n.rcv.Flush()
	n.chats.Flush()
	n.events.Flush()
}

// ApplyConfig carries live-reloadable settings from a freshly loaded
// config into the running node. Identity fields are ignored; those
// change only through the registration verbs.
func (n *Node) ApplyConfig(fresh *config.Config) {
	v := fresh.Snapshot()
	mode := fresh.SelfMode()
	n.cfg.Apply(config.Patch{
		SelfTaskMode:  &mode,
		MaxConcurrent: &v.MaxConcurrent,
		TaskTimeoutMs: &v.TaskTimeoutMs,
	})
	n.queue.SetMaxConcurrent(fresh.EffectiveMaxConcurrent())
}

// Events exposes the fan-out channel for presenters.
func (n *Node) Events() <-chan Event { return n.fan.Subscribe() }

// handleTaskFrame admits a peer task into the queue. A per-task
// maxConcurrent override takes effect before admission.
func (n *Node) handleTaskFrame(msg wire.Message) {
	var p wire.TaskPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		slog.Debug("node.bad_task_payload", "from", msg.From, "error", err)
		return
	}
	if p.Task == "" {
		slog.Debug("node.empty_task", "from", msg.From)
		return
	}
	if p.Config != nil && p.Config.MaxConcurrent > 0 {
		n.queue.SetMaxConcurrent(p.Config.MaxConcurrent)
	}
	slog.Info("node.task_received", "taskId", msg.ID, "from", msg.From)
	n.queue.Enqueue(msg.ID, msg.From, p.Task, p.Priority)
}

// handleResultFrame finalizes a sent task when its peer reports back.
func (n *Node) handleResultFrame(msg wire.Message) {
	var p wire.ResultPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		slog.Debug("node.bad_result_payload", "from", msg.From, "error", err)
		return
	}
	if t, ok := n.tasks.RecordResult(msg.ID, p.Success, p.Result, p.Error); ok {
		slog.Info("node.task_result", "taskId", msg.ID, "success", p.Success)
		n.fan.publish(Event{Kind: EventTaskUpdate, Payload: t})
	}
}

func (n *Node) handleAckFrame(msg wire.Message) {
	var p wire.AckPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		slog.Debug("node.bad_ack_payload", "from", msg.From, "error", err)
		return
	}
	if t, ok := n.tasks.UpdateStatus(msg.ID, p.Status); ok {
		n.fan.publish(Event{Kind: EventTaskUpdate, Payload: t})
	}
}

// handleStatusFrame applies intermediate status reports. It shares the
// monotonic update path with acks, so a late or duplicate report can
// never regress a task.
func (n *Node) handleStatusFrame(msg wire.Message) {
	var p wire.StatusPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		slog.Debug("node.bad_status_payload", "from", msg.From, "error", err)
		return
	}
	if t, ok := n.tasks.UpdateStatus(msg.ID, p.Status); ok {
		n.fan.publish(Event{Kind: EventTaskUpdate, Payload: t})
	}
}

// handleCancelFrame cancels a task this node is executing.
func (n *Node) handleCancelFrame(msg wire.Message) {
	if n.queue.Cancel(msg.ID) {
		slog.Info("node.task_cancelled_by_peer", "taskId", msg.ID, "from", msg.From)
	}
}
