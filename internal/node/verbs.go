package node

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nextlevelbuilder/clawhub/internal/config"
)

// Invoke runs one coordinator verb. Logical failures come back as an
// error; the payload is verb-specific and JSON-serializable.
func (n *Node) Invoke(ctx context.Context, verb string, params json.RawMessage) (any, error) {
	switch verb {
	case "status":
		return n.statusVerb(), nil
	case "connect":
		if !n.cfg.Registered() {
			return nil, fmt.Errorf("node is not registered")
		}
		if err := n.hub.Connect(); err != nil {
			return nil, err
		}
		return map[string]any{"connected": true}, nil
	case "disconnect":
		n.hub.Disconnect()
		return map[string]any{"connected": false}, nil
	case "ping":
		start := time.Now()
		if err := n.hub.CheckConnection(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "latencyMs": time.Since(start).Milliseconds()}, nil
	case "config.get":
		return n.configGet(), nil
	case "config.set":
		return n.configSet(params)

	case "nodes":
		var p struct {
			Force bool `json:"force,omitempty"`
		}
		decode(params, &p)
		return n.hub.FetchNodes(ctx, p.Force)
	case "node.get":
		var p struct {
			NodeID string `json:"nodeId,omitempty"`
		}
		decode(params, &p)
		return n.hub.FetchNode(ctx, n.orSelf(p.NodeID))
	case "node.update":
		return n.nodeUpdate(ctx, params)
	case "tree":
		var p struct {
			NodeID string `json:"nodeId,omitempty"`
		}
		decode(params, &p)
		return n.hub.FetchTree(ctx, n.orSelf(p.NodeID))
	case "children":
		var p struct {
			NodeID string `json:"nodeId,omitempty"`
		}
		decode(params, &p)
		return n.hub.FetchChildren(ctx, n.orSelf(p.NodeID))
	case "clusters":
		return n.hub.FetchClusters(ctx)

	case "register":
		return n.registerVerb(ctx, params)
	case "register.child":
		return n.registerChildVerb(ctx, params)
	case "unregister":
		return n.unregisterVerb(ctx)
	case "reparent":
		return n.reparentVerb(ctx, params)
	case "invite-code.get":
		var p struct {
			NodeID string `json:"nodeId,omitempty"`
		}
		decode(params, &p)
		code, err := n.hub.InviteCode(ctx, n.orSelf(p.NodeID))
		if err != nil {
			return nil, err
		}
		return map[string]any{"inviteCode": code}, nil
	case "invite-code.set":
		var p struct {
			NodeID string `json:"nodeId,omitempty"`
			Code   string `json:"code,omitempty"`
		}
		decode(params, &p)
		code, err := n.hub.SetInviteCode(ctx, n.orSelf(p.NodeID), p.Code)
		if err != nil {
			return nil, err
		}
		return map[string]any{"inviteCode": code}, nil

	case "shared-config.get":
		id := n.hub.Identity()
		if id.ClusterID == "" {
			return nil, fmt.Errorf("node is not registered")
		}
		return n.hub.SharedConfig(ctx, id.ClusterID)
	case "shared-config.set":
		id := n.hub.Identity()
		if id.ClusterID == "" {
			return nil, fmt.Errorf("node is not registered")
		}
		if err := n.hub.SetSharedConfig(ctx, id.ClusterID, params); err != nil {
			return nil, err
		}
		return map[string]any{"updated": true}, nil

	case "task.send":
		return n.taskSendVerb(ctx, params)
	case "task.list":
		return n.taskListVerb(params)
	case "task.get":
		return n.taskGetVerb(params)
	case "task.cancel":
		return n.taskCancelVerb(params)
	case "task.clear":
		return n.taskClearVerb(params)
	case "task.batch":
		return n.taskBatchVerb(ctx, params)

	case "chat.send":
		return n.chatSendVerb(params)
	case "chat.history":
		return n.chatHistoryVerb(params)
	case "chat.list":
		return n.chats.ActiveNodes(), nil
	case "chat.clear":
		var p struct {
			NodeID string `json:"nodeId"`
		}
		decode(params, &p)
		if p.NodeID == "" {
			return nil, fmt.Errorf("nodeId is required")
		}
		n.chats.Clear(p.NodeID)
		return map[string]any{"cleared": true}, nil

	case "feishu.send":
		return n.feishuSendVerb(ctx, params)
	case "feishu.doc":
		return n.feishuDocVerb(ctx, params)
	case "feishu.contacts":
		return n.feishuContactsVerb(ctx, params)

	case "node.events":
		var p struct {
			Limit int `json:"limit,omitempty"`
		}
		decode(params, &p)
		return n.events.List(p.Limit), nil

	default:
		return nil, fmt.Errorf("unknown verb %q", verb)
	}
}

// decode tolerates empty params; verbs validate their own fields.
func decode(params json.RawMessage, v any) {
	if len(params) == 0 {
		return
	}
	_ = json.Unmarshal(params, v)
}

func (n *Node) orSelf(nodeID string) string {
	if nodeID != "" {
		return nodeID
	}
	return n.hub.Identity().NodeID
}

func (n *Node) statusVerb() any {
	return map[string]any{
		"hub":          n.hub.GetStatus(),
		"queue":        n.queue.Status(),
		"tasks":        n.tasks.Summary(),
		"selfTaskMode": n.cfg.SelfMode(),
		"feishu":       n.feishu.Active(),
	}
}

// configGet returns the durable config with the credential redacted.
func (n *Node) configGet() any {
	v := n.cfg.Snapshot()
	return map[string]any{
		"hubUrl":              v.HubURL,
		"nodeId":              v.NodeID,
		"nodeName":            v.NodeName,
		"nodeAlias":           v.NodeAlias,
		"clusterId":           v.ClusterID,
		"parentId":            v.ParentID,
		"capabilities":        v.Capabilities,
		"selfTaskMode":        n.cfg.SelfMode(),
		"maxConcurrent":       n.cfg.EffectiveMaxConcurrent(),
		"heartbeatIntervalMs": v.HeartbeatIntervalMs,
		"reconnectIntervalMs": v.ReconnectIntervalMs,
		"taskTimeoutMs":       v.TaskTimeoutMs,
		"gatewayPort":         v.GatewayPort,
		"dataDir":             v.DataDir,
		"registered":          n.cfg.Registered(),
	}
}

func (n *Node) configSet(params json.RawMessage) (any, error) {
	var p struct {
		HubURL        *string  `json:"hubUrl,omitempty"`
		NodeName      *string  `json:"nodeName,omitempty"`
		NodeAlias     *string  `json:"nodeAlias,omitempty"`
		SelfTaskMode  *string  `json:"selfTaskMode,omitempty"`
		MaxConcurrent *int     `json:"maxConcurrent,omitempty"`
		TaskTimeoutMs *int     `json:"taskTimeoutMs,omitempty"`
		Capabilities  []string `json:"capabilities,omitempty"`
	}
	decode(params, &p)

	if p.SelfTaskMode != nil && *p.SelfTaskMode != "local" && *p.SelfTaskMode != "hub" {
		return nil, fmt.Errorf("selfTaskMode must be %q or %q", "local", "hub")
	}
	n.cfg.Apply(config.Patch{
		HubURL:        p.HubURL,
		NodeName:      p.NodeName,
		NodeAlias:     p.NodeAlias,
		SelfTaskMode:  p.SelfTaskMode,
		MaxConcurrent: p.MaxConcurrent,
		TaskTimeoutMs: p.TaskTimeoutMs,
		Capabilities:  p.Capabilities,
	})
	if p.MaxConcurrent != nil {
		n.queue.SetMaxConcurrent(*p.MaxConcurrent)
	}

	if err := config.Save(n.cfgPath, n.cfg); err != nil {
		return nil, fmt.Errorf("persist config: %w", err)
	}
	return n.configGet(), nil
}

func (n *Node) nodeUpdate(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Name  string `json:"name,omitempty"`
		Alias string `json:"alias,omitempty"`
	}
	decode(params, &p)
	if p.Name == "" && p.Alias == "" {
		return nil, fmt.Errorf("name or alias is required")
	}

	self := n.hub.Identity().NodeID
	if self == "" {
		return nil, fmt.Errorf("node is not registered")
	}
	if err := n.hub.UpdateNode(ctx, self, p.Name, p.Alias); err != nil {
		return nil, err
	}
	patch := config.Patch{}
	if p.Name != "" {
		patch.NodeName = &p.Name
	}
	if p.Alias != "" {
		patch.NodeAlias = &p.Alias
	}
	n.cfg.Apply(patch)
	if err := config.Save(n.cfgPath, n.cfg); err != nil {
		return nil, fmt.Errorf("persist config: %w", err)
	}
	return map[string]any{"updated": true}, nil
}

func (n *Node) registerVerb(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Name         string   `json:"name,omitempty"`
		Alias        string   `json:"alias,omitempty"`
		ClusterID    string   `json:"clusterId,omitempty"`
		ParentID     string   `json:"parentId,omitempty"`
		InviteCode   string   `json:"inviteCode,omitempty"`
		Capabilities []string `json:"capabilities,omitempty"`
	}
	decode(params, &p)

	if n.cfg.Registered() {
		return nil, fmt.Errorf("node is already registered; unregister first")
	}
	v := n.cfg.Snapshot()
	name := p.Name
	if name == "" {
		name = v.NodeName
	}
	if name == "" {
		name, _ = os.Hostname()
	}
	caps := p.Capabilities
	if caps == nil {
		caps = v.Capabilities
	}

	res, err := n.hub.Register(ctx, hubRegisterRequest(name, p.Alias, p.ClusterID, p.ParentID, p.InviteCode, caps))
	if err != nil {
		return nil, err
	}

	patch := config.Patch{NodeName: &name}
	if p.Alias != "" {
		patch.NodeAlias = &p.Alias
	}
	n.cfg.Apply(patch)
	n.cfg.SetIdentity(res.NodeID, res.ClusterID, res.ParentID, res.Token)
	if err := config.Save(n.cfgPath, n.cfg); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}

	if err := n.hub.Connect(); err != nil {
		return res, nil // registered; connection will retry
	}
	return res, nil
}

func (n *Node) registerChildVerb(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Name         string   `json:"name"`
		Alias        string   `json:"alias,omitempty"`
		ParentID     string   `json:"parentId,omitempty"`
		Capabilities []string `json:"capabilities,omitempty"`
	}
	decode(params, &p)
	if p.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if !n.cfg.Registered() {
		return nil, fmt.Errorf("node is not registered")
	}
	return n.hub.RegisterChild(ctx, hubRegisterRequest(p.Name, p.Alias, "", p.ParentID, "", p.Capabilities))
}

func (n *Node) unregisterVerb(ctx context.Context) (any, error) {
	id := n.hub.Identity()
	if id.NodeID == "" {
		return nil, fmt.Errorf("node is not registered")
	}
	if err := n.hub.Unregister(ctx, id.NodeID); err != nil {
		return nil, err
	}
	n.cfg.SetIdentity("", "", "", "")
	if err := config.Save(n.cfgPath, n.cfg); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return map[string]any{"unregistered": true}, nil
}

func (n *Node) reparentVerb(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		NodeID      string `json:"nodeId,omitempty"`
		NewParentID string `json:"newParentId,omitempty"`
	}
	decode(params, &p)

	target := n.orSelf(p.NodeID)
	if target == "" {
		return nil, fmt.Errorf("node is not registered")
	}
	if err := n.hub.Reparent(ctx, target, p.NewParentID); err != nil {
		return nil, err
	}
	selfID, _, _, _ := n.cfg.Identity()
	if target == selfID {
		id := n.hub.Identity()
		n.cfg.SetIdentity(id.NodeID, id.ClusterID, id.ParentID, id.Token)
		if err := config.Save(n.cfgPath, n.cfg); err != nil {
			return nil, fmt.Errorf("persist identity: %w", err)
		}
	}
	return map[string]any{"reparented": true}, nil
}
