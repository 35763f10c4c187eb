package hub

import "encoding/json"

// NodeInfo is a peer node as reported by the Hub directory.
type NodeInfo struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Alias         string   `json:"alias,omitempty"`
	ParentID      string   `json:"parentId,omitempty"`
	ClusterID     string   `json:"clusterId"`
	Depth         int      `json:"depth"`
	Online        bool     `json:"online"`
	Load          float64  `json:"load,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	ConnectedAt   int64    `json:"connectedAt,omitempty"`
	LastHeartbeat int64    `json:"lastHeartbeat,omitempty"`
	ActiveTasks   int      `json:"activeTasks,omitempty"`
}

// RegisterRequest registers a node (self or a child) with the Hub.
type RegisterRequest struct {
	Name         string   `json:"name"`
	Alias        string   `json:"alias,omitempty"`
	ClusterID    string   `json:"clusterId,omitempty"`
	ParentID     string   `json:"parentId,omitempty"`
	InviteCode   string   `json:"inviteCode,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// RegisterResponse is the identity issued at registration.
type RegisterResponse struct {
	NodeID    string `json:"nodeId"`
	ClusterID string `json:"clusterId"`
	ParentID  string `json:"parentId,omitempty"`
	Depth     int    `json:"depth"`
	Token     string `json:"token"`
}

// TreeNode is one node of the cluster tree response.
type TreeNode struct {
	NodeInfo
	Children []TreeNode `json:"children,omitempty"`
}

// ClusterInfo describes one cluster known to the Hub.
type ClusterInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	RootID    string `json:"rootId,omitempty"`
	NodeCount int    `json:"nodeCount,omitempty"`
}

// Status is a connection/identity snapshot for presenters.
type Status struct {
	Registered   bool   `json:"registered"`
	Connected    bool   `json:"connected"`
	NodeID       string `json:"nodeId,omitempty"`
	ClusterID    string `json:"clusterId,omitempty"`
	ParentID     string `json:"parentId,omitempty"`
	PendingTasks int    `json:"pendingTasks"`
	CachedNodes  int    `json:"cachedNodes"`
	ChangeSeq    uint64 `json:"changeSeq"`
}

// apiEnvelope wraps every Hub HTTP response.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}
