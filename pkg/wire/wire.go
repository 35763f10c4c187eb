// Package wire defines the frame schema carried over the Hub WebSocket.
//
// Every frame is a JSON object:
//
//	{ "type": string, "id": uuid, "from"?: nodeId, "to"?: nodeId,
//	  "channel"?: string, "payload": any, "timestamp"?: number }
//
// For task-related frames (task, result, task_ack, task_status,
// task_cancel) the id is the task id end-to-end; chat frames carry a
// fresh UUID per message.
package wire

import (
	"encoding/json"
	"time"
)

// Frame type constants.
const (
	TypeTask       = "task"
	TypeResult     = "result"
	TypeTaskAck    = "task_ack"
	TypeTaskStatus = "task_status"
	TypeTaskCancel = "task_cancel"
	TypeChat       = "chat"
	TypeDirect     = "direct"
	TypeBroadcast  = "broadcast"
	TypeHeartbeat  = "heartbeat"
	TypeSubscribe  = "subscribe"
)

// System-broadcast actions observed on channel "system".
const (
	ActionNodeOnline        = "node_online"
	ActionNodeOffline       = "node_offline"
	ActionChildRegistered   = "child_registered"
	ActionChildUnregistered = "child_unregistered"
	ActionChildDeparted     = "child_departed"
	ActionChildArrived      = "child_arrived"
	ActionReparented        = "reparented"
)

// ChannelSystem is the broadcast channel for cluster lifecycle events.
const ChannelSystem = "system"

// Message is one Hub frame.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// NewMessage builds a frame with the current timestamp and a marshaled
// payload. Marshal errors cannot occur for the payload structs in this
// package, so they are ignored.
func NewMessage(typ, id, to string, payload any) Message {
	raw, _ := json.Marshal(payload)
	return Message{
		Type:      typ,
		ID:        id,
		To:        to,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}
}

// TaskPayload is the payload of a "task" frame.
type TaskPayload struct {
	Task     string      `json:"task"`
	Priority string      `json:"priority,omitempty"` // high | normal | low
	Config   *TaskConfig `json:"config,omitempty"`
}

// TaskConfig carries per-task tuning from the sender.
type TaskConfig struct {
	MaxConcurrent int `json:"maxConcurrent,omitempty"`
}

// AckPayload is the payload of a "task_ack" frame.
type AckPayload struct {
	Status   string `json:"status"` // queued | running
	Position int    `json:"position,omitempty"`
}

// StatusPayload is the payload of a "task_status" frame.
type StatusPayload struct {
	Status string `json:"status"`
}

// CancelPayload is the payload of a "task_cancel" frame.
type CancelPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ResultPayload is the payload of a "result" frame.
type ResultPayload struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ChatPayload is the payload of a "chat" frame. Role "delta" carries
// intermediate streamed messages; the terminal assistant reply sets
// Done and ReplyTo.
type ChatPayload struct {
	Role      string      `json:"role"` // user | assistant | delta
	Content   string      `json:"content,omitempty"`
	Messages  []ChatEntry `json:"messages,omitempty"`
	Config    *ChatConfig `json:"config,omitempty"`
	ReplyTo   string      `json:"replyTo,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
	Done      bool        `json:"done,omitempty"`
}

// ChatEntry is one formatted message inside a chat frame.
type ChatEntry struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// ChatConfig carries sender options for an inbound chat.
type ChatConfig struct {
	Whole         bool `json:"whole,omitempty"`
	AutoRefreshMs int  `json:"autoRefreshMs,omitempty"`
}

// HeartbeatPayload is the payload of an outbound "heartbeat" frame.
type HeartbeatPayload struct {
	Load        float64 `json:"load"`
	ActiveTasks int     `json:"activeTasks"`
}

// DirectPayload is the payload of a "direct" frame from the Hub.
type DirectPayload struct {
	Action       string          `json:"action"`
	NodeID       string          `json:"nodeId,omitempty"`
	SharedConfig json.RawMessage `json:"sharedConfig,omitempty"`
}

// BroadcastPayload is the payload of a system-channel "broadcast" frame.
type BroadcastPayload struct {
	Action   string `json:"action"`
	NodeID   string `json:"nodeId,omitempty"`
	NodeName string `json:"nodeName,omitempty"`
	ParentID string `json:"parentId,omitempty"`
}
