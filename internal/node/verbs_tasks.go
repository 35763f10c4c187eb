package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawhub/internal/hub"
	"github.com/nextlevelbuilder/clawhub/internal/store"
	"github.com/nextlevelbuilder/clawhub/pkg/wire"
)

func hubRegisterRequest(name, alias, clusterID, parentID, inviteCode string, caps []string) hub.RegisterRequest {
	return hub.RegisterRequest{
		Name:         name,
		Alias:        alias,
		ClusterID:    clusterID,
		ParentID:     parentID,
		InviteCode:   inviteCode,
		Capabilities: caps,
	}
}

func (n *Node) taskSendVerb(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		NodeID      string `json:"nodeId"`
		Instruction string `json:"instruction"`
	}
	decode(params, &p)
	if p.NodeID == "" || p.Instruction == "" {
		return nil, fmt.Errorf("nodeId and instruction are required")
	}
	taskID, err := n.sendTask(ctx, p.NodeID, p.Instruction)
	if err != nil {
		return nil, err
	}
	return map[string]any{"taskId": taskID}, nil
}

// sendTask records and routes one outbound task. A task addressed to
// this node runs on the local agent unless selfTaskMode is "hub".
func (n *Node) sendTask(ctx context.Context, nodeID, instruction string) (string, error) {
	self := n.hub.Identity().NodeID
	local := nodeID == self && n.cfg.SelfMode() != "hub"
	if !local && !n.hub.Connected() {
		return "", fmt.Errorf("not connected to hub")
	}

	taskID := uuid.NewString()
	source := "remote"
	if local {
		source = "local"
	}

	n.tasks.RecordSent(store.StoredTask{
		TaskID:         taskID,
		TargetNodeID:   nodeID,
		TargetNodeName: n.lookupNodeName(ctx, nodeID),
		Instruction:    instruction,
		Source:         source,
		Status:         store.StatusSent,
		SentAt:         time.Now().UnixMilli(),
	})
	if t, ok := n.tasks.Get(taskID); ok {
		n.fan.publish(Event{Kind: EventTaskUpdate, Payload: t})
	}

	if local {
		go n.runLocalTask(taskID, instruction)
	} else {
		n.hub.SendWS(wire.NewMessage(wire.TypeTask, taskID, nodeID, wire.TaskPayload{
			Task: instruction,
		}))
	}
	return taskID, nil
}

// runLocalTask is the loopback path: execute on the local agent and
// record the terminal state directly, no Hub round-trip.
func (n *Node) runLocalTask(taskID, instruction string) {
	if t, ok := n.tasks.UpdateStatus(taskID, store.StatusRunning); ok {
		n.fan.publish(Event{Kind: EventTaskUpdate, Payload: t})
	}
	out := n.bridge.ExecuteTask(context.Background(), taskID, instruction, n.cfg.TaskTimeout())
	if t, ok := n.tasks.RecordResult(taskID, out.Success, out.Result, out.Error); ok {
		n.fan.publish(Event{Kind: EventTaskUpdate, Payload: t})
	}
}

// lookupNodeName resolves a peer's display name from the cached
// directory, best effort.
func (n *Node) lookupNodeName(ctx context.Context, nodeID string) string {
	nodes, err := n.hub.FetchNodes(ctx, false)
	if err != nil {
		return ""
	}
	for _, node := range nodes {
		if node.ID == nodeID {
			if node.Alias != "" {
				return node.Alias
			}
			return node.Name
		}
	}
	return ""
}

func (n *Node) taskListVerb(params json.RawMessage) (any, error) {
	var p struct {
		NodeID string `json:"nodeId,omitempty"`
		Status string `json:"status,omitempty"`
		Limit  int    `json:"limit,omitempty"`
	}
	decode(params, &p)
	return n.tasks.List(store.ListFilter{
		NodeID: p.NodeID,
		Status: p.Status,
		Limit:  p.Limit,
	}), nil
}

func (n *Node) taskGetVerb(params json.RawMessage) (any, error) {
	var p struct {
		TaskID string `json:"taskId"`
	}
	decode(params, &p)
	if p.TaskID == "" {
		return nil, fmt.Errorf("taskId is required")
	}
	t, ok := n.tasks.Get(p.TaskID)
	if !ok {
		if r, ok := n.rcv.Get(p.TaskID); ok {
			return r, nil
		}
		return nil, fmt.Errorf("unknown task %s", p.TaskID)
	}
	return t, nil
}

// taskCancelVerb tries both ends: the local execution queue (tasks
// this node runs) and the sent-task store (tasks this node delegated,
// which also get a task_cancel frame to the executor).
func (n *Node) taskCancelVerb(params json.RawMessage) (any, error) {
	var p struct {
		TaskID string `json:"taskId"`
	}
	decode(params, &p)
	if p.TaskID == "" {
		return nil, fmt.Errorf("taskId is required")
	}

	cancelled := n.queue.Cancel(p.TaskID)

	if t, ok := n.tasks.Get(p.TaskID); ok && !store.IsTerminal(t.Status) {
		if t.Source == "remote" {
			n.hub.SendWS(wire.NewMessage(wire.TypeTaskCancel, p.TaskID, t.TargetNodeID, wire.CancelPayload{
				Reason: "cancelled by operator",
			}))
		}
		if u, ok := n.tasks.UpdateStatus(p.TaskID, store.StatusCancelled); ok {
			n.fan.publish(Event{Kind: EventTaskUpdate, Payload: u})
			cancelled = true
		}
	}

	if !cancelled {
		return nil, fmt.Errorf("task %s is not cancellable", p.TaskID)
	}
	return map[string]any{"cancelled": true}, nil
}

func (n *Node) taskClearVerb(params json.RawMessage) (any, error) {
	var p struct {
		Before int64 `json:"before,omitempty"`
	}
	decode(params, &p)
	return map[string]any{"cleared": n.tasks.ClearCompleted(p.Before)}, nil
}

func (n *Node) taskBatchVerb(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Tasks []struct {
			NodeID      string `json:"nodeId"`
			Instruction string `json:"instruction"`
		} `json:"tasks"`
	}
	decode(params, &p)
	if len(p.Tasks) == 0 {
		return nil, fmt.Errorf("tasks is required")
	}

	type outcome struct {
		NodeID string `json:"nodeId"`
		TaskID string `json:"taskId,omitempty"`
		Error  string `json:"error,omitempty"`
	}
	results := make([]outcome, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.NodeID == "" || t.Instruction == "" {
			results = append(results, outcome{NodeID: t.NodeID, Error: "nodeId and instruction are required"})
			continue
		}
		taskID, err := n.sendTask(ctx, t.NodeID, t.Instruction)
		if err != nil {
			results = append(results, outcome{NodeID: t.NodeID, Error: err.Error()})
			continue
		}
		results = append(results, outcome{NodeID: t.NodeID, TaskID: taskID})
	}
	return map[string]any{"results": results}, nil
}

func (n *Node) chatSendVerb(params json.RawMessage) (any, error) {
	var p struct {
		NodeID        string `json:"nodeId"`
		Content       string `json:"content"`
		Whole         bool   `json:"whole,omitempty"`
		AutoRefreshMs int    `json:"autoRefreshMs,omitempty"`
	}
	decode(params, &p)
	if p.NodeID == "" || p.Content == "" {
		return nil, fmt.Errorf("nodeId and content are required")
	}
	if !n.hub.Connected() {
		return nil, fmt.Errorf("not connected to hub")
	}

	chatID := uuid.NewString()
	var cc *wire.ChatConfig
	if p.Whole || p.AutoRefreshMs > 0 {
		cc = &wire.ChatConfig{Whole: p.Whole, AutoRefreshMs: p.AutoRefreshMs}
	}
	n.hub.SendWS(wire.NewMessage(wire.TypeChat, chatID, p.NodeID, wire.ChatPayload{
		Role:      "user",
		Content:   p.Content,
		Config:    cc,
		Timestamp: time.Now().UnixMilli(),
	}))

	m := n.chats.Append(p.NodeID, "user", p.Content)
	n.fan.publish(Event{Kind: EventChatMessage, Payload: m})
	return map[string]any{"chatId": chatID}, nil
}

func (n *Node) chatHistoryVerb(params json.RawMessage) (any, error) {
	var p struct {
		NodeID string `json:"nodeId"`
		Limit  int    `json:"limit,omitempty"`
	}
	decode(params, &p)
	if p.NodeID == "" {
		return nil, fmt.Errorf("nodeId is required")
	}
	return n.chats.History(p.NodeID, p.Limit), nil
}
