// Package hub is the uplink to the cloud Hub: authenticated HTTP verbs
// against the directory API plus a resilient WebSocket carrying the
// typed frame protocol (see pkg/wire). One Client instance serves both.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawhub/pkg/wire"
)

const nodeCacheTTL = 15 * time.Second

// Identity is the durable triple issued by the Hub, plus parent.
type Identity struct {
	NodeID    string
	ClusterID string
	ParentID  string
	Token     string
}

// Options configures a Client.
type Options struct {
	BaseURL             string // http(s)://host[:port]
	AdminKey            string // optional X-Admin-Key header
	HeartbeatIntervalMs int    // default 30000
	ReconnectIntervalMs int    // default 5000

	// InboundRPM rate-limits task/chat frames per sender
	// (default 60/min, burst 10; <0 disables).
	InboundRPM int
}

// Handler consumes one inbound frame.
type Handler func(msg wire.Message)

// Client is the Hub uplink. Identity mutations (Register, Reparent,
// Unregister) are the only writers of the identity triple; everything
// else reads a snapshot.
type Client struct {
	opts Options
	http *http.Client

	idMu     sync.RWMutex
	identity Identity

	// WS connection state machine: disconnected → connecting →
	// connected → disconnecting → disconnected.
	connMu              sync.Mutex
	conn                *websocket.Conn
	state               string
	intentionallyClosed bool
	reconnectArmed      bool
	heartbeatStop       chan struct{}

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handlers  map[string][]Handler

	cacheMu  sync.Mutex
	nodes    []NodeInfo
	cachedAt time.Time

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	changeSeq atomic.Uint64

	// Callbacks wired by the coordinator.
	OnTaskReceived func(msg wire.Message)
	OnNodeOnline   func(nodeID string)
	OnNodeOffline  func(nodeID string)
	OnSharedConfig func(cfg json.RawMessage)
	OnConnected    func()
	// ActiveTasks feeds the heartbeat payload.
	ActiveTasks func() int
}

// Connection states.
const (
	stateDisconnected  = "disconnected"
	stateConnecting    = "connecting"
	stateConnected     = "connected"
	stateDisconnecting = "disconnecting"
)

// New creates a Hub client with the given identity snapshot (zero
// Identity for an unregistered node).
func New(opts Options, id Identity) *Client {
	if opts.HeartbeatIntervalMs <= 0 {
		opts.HeartbeatIntervalMs = 30000
	}
	if opts.ReconnectIntervalMs <= 0 {
		opts.ReconnectIntervalMs = 5000
	}
	if opts.InboundRPM == 0 {
		opts.InboundRPM = 60
	}
	return &Client{
		opts:     opts,
		http:     &http.Client{Timeout: 30 * time.Second},
		identity: id,
		state:    stateDisconnected,
		handlers: make(map[string][]Handler),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Identity returns a snapshot of the current identity.
func (c *Client) Identity() Identity {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	return c.identity
}

func (c *Client) setIdentity(id Identity) {
	c.idMu.Lock()
	c.identity = id
	c.idMu.Unlock()
}

// ChangeSeq returns the topology change counter. It increments on
// every observed lifecycle broadcast; presenters re-query when it
// moves.
func (c *Client) ChangeSeq() uint64 { return c.changeSeq.Load() }

// --- HTTP plumbing ---

// doJSON performs an authenticated API call and unwraps the
// {success, data, error} envelope.
func (c *Client) doJSON(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if tok := c.Identity().Token; tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if c.opts.AdminKey != "" {
		req.Header.Set("X-Admin-Key", c.opts.AdminKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hub %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("hub %s %s: decode: %w", method, path, err)
	}
	if resp.StatusCode >= 400 || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("hub %s %s: %s", method, path, msg)
	}
	return env.Data, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	data, err := c.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// --- Identity lifecycle ---

// Register registers this node and adopts the issued identity.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	data, err := c.doJSON(ctx, http.MethodPost, "/api/nodes/register", req)
	if err != nil {
		return nil, err
	}
	var res RegisterResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("register: decode: %w", err)
	}
	c.setIdentity(Identity{
		NodeID:    res.NodeID,
		ClusterID: res.ClusterID,
		ParentID:  res.ParentID,
		Token:     res.Token,
	})
	return &res, nil
}

// RegisterChild registers a child node under this one. The issued
// identity belongs to the child and is not adopted.
func (c *Client) RegisterChild(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	if req.ParentID == "" {
		req.ParentID = c.Identity().NodeID
	}
	data, err := c.doJSON(ctx, http.MethodPost, "/api/nodes/register", req)
	if err != nil {
		return nil, err
	}
	var res RegisterResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("register child: decode: %w", err)
	}
	return &res, nil
}

// Unregister removes a node from the Hub. Removing self clears the
// identity and disconnects.
func (c *Client) Unregister(ctx context.Context, nodeID string) error {
	if _, err := c.doJSON(ctx, http.MethodDelete, "/api/nodes/"+nodeID, nil); err != nil {
		return err
	}
	if nodeID == c.Identity().NodeID {
		c.setIdentity(Identity{})
		c.Disconnect()
	}
	c.InvalidateNodeCache()
	return nil
}

// Reparent moves a node under a new parent (empty = cluster root).
// Reparenting self may rotate the token; the new identity is adopted.
func (c *Client) Reparent(ctx context.Context, nodeID, newParentID string) error {
	body := map[string]any{"newParentId": newParentID}
	data, err := c.doJSON(ctx, http.MethodPatch, "/api/nodes/"+nodeID+"/parent", body)
	if err != nil {
		return err
	}
	if nodeID == c.Identity().NodeID {
		var res struct {
			ParentID string `json:"parentId"`
			Token    string `json:"token,omitempty"`
		}
		if err := json.Unmarshal(data, &res); err == nil {
			id := c.Identity()
			id.ParentID = res.ParentID
			if res.Token != "" {
				id.Token = res.Token
			}
			c.setIdentity(id)
		}
	}
	c.InvalidateNodeCache()
	return nil
}

// UpdateNode patches a node's name/alias.
func (c *Client) UpdateNode(ctx context.Context, nodeID string, name, alias string) error {
	body := map[string]any{}
	if name != "" {
		body["name"] = name
	}
	if alias != "" {
		body["alias"] = alias
	}
	_, err := c.doJSON(ctx, http.MethodPatch, "/api/nodes/"+nodeID, body)
	if err == nil {
		c.InvalidateNodeCache()
	}
	return err
}

// --- Directory queries ---

// FetchNodes lists cluster nodes through a 15-second read-through
// cache, bypassed when force is set. Lifecycle broadcasts invalidate
// the cache eagerly.
func (c *Client) FetchNodes(ctx context.Context, force bool) ([]NodeInfo, error) {
	c.cacheMu.Lock()
	if !force && c.nodes != nil && time.Since(c.cachedAt) < nodeCacheTTL {
		out := append([]NodeInfo(nil), c.nodes...)
		c.cacheMu.Unlock()
		return out, nil
	}
	c.cacheMu.Unlock()

	var nodes []NodeInfo
	if err := c.getJSON(ctx, "/api/nodes", &nodes); err != nil {
		return nil, err
	}

	c.cacheMu.Lock()
	c.nodes = nodes
	c.cachedAt = time.Now()
	c.cacheMu.Unlock()
	return append([]NodeInfo(nil), nodes...), nil
}

// InvalidateNodeCache drops the cached node list.
func (c *Client) InvalidateNodeCache() {
	c.cacheMu.Lock()
	c.nodes = nil
	c.cacheMu.Unlock()
}

// FetchNode returns one node by id.
func (c *Client) FetchNode(ctx context.Context, nodeID string) (*NodeInfo, error) {
	var n NodeInfo
	if err := c.getJSON(ctx, "/api/nodes/"+nodeID, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// FetchChildren returns the direct children of a node.
func (c *Client) FetchChildren(ctx context.Context, nodeID string) ([]NodeInfo, error) {
	var nodes []NodeInfo
	err := c.getJSON(ctx, "/api/nodes/"+nodeID+"/children", &nodes)
	return nodes, err
}

// FetchTree returns the subtree rooted at a node.
func (c *Client) FetchTree(ctx context.Context, nodeID string) (*TreeNode, error) {
	var t TreeNode
	if err := c.getJSON(ctx, "/api/nodes/"+nodeID+"/tree", &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// FetchClusters lists all clusters.
func (c *Client) FetchClusters(ctx context.Context) ([]ClusterInfo, error) {
	var clusters []ClusterInfo
	err := c.getJSON(ctx, "/api/clusters", &clusters)
	return clusters, err
}

// InviteCode fetches the invite code of a node.
func (c *Client) InviteCode(ctx context.Context, nodeID string) (string, error) {
	var out struct {
		Code string `json:"code"`
	}
	if err := c.getJSON(ctx, "/api/nodes/"+nodeID+"/invite-code", &out); err != nil {
		return "", err
	}
	return out.Code, nil
}

// SetInviteCode sets (or rotates, when empty) a node's invite code.
func (c *Client) SetInviteCode(ctx context.Context, nodeID, code string) (string, error) {
	body := map[string]any{}
	if code != "" {
		body["code"] = code
	}
	data, err := c.doJSON(ctx, http.MethodPost, "/api/nodes/"+nodeID+"/invite-code", body)
	if err != nil {
		return "", err
	}
	var out struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", err
	}
	return out.Code, nil
}

// SharedConfig fetches the cluster's shared configuration blob.
func (c *Client) SharedConfig(ctx context.Context, clusterID string) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodGet, "/api/clusters/"+clusterID+"/shared-config", nil)
}

// SetSharedConfig replaces the cluster's shared configuration blob.
func (c *Client) SetSharedConfig(ctx context.Context, clusterID string, cfg json.RawMessage) error {
	_, err := c.doJSON(ctx, http.MethodPut, "/api/clusters/"+clusterID+"/shared-config", cfg)
	return err
}

// CheckConnection probes the Hub health endpoint.
func (c *Client) CheckConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hub health: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("hub health: decode: %w", err)
	}
	if out.Status != "running" {
		return fmt.Errorf("hub health: unexpected status %q", out.Status)
	}
	return nil
}

// GetStatus snapshots registration, connection, and cache state.
func (c *Client) GetStatus() Status {
	id := c.Identity()

	c.connMu.Lock()
	connected := c.state == stateConnected
	c.connMu.Unlock()

	c.cacheMu.Lock()
	cached := len(c.nodes)
	c.cacheMu.Unlock()

	pending := 0
	if c.ActiveTasks != nil {
		pending = c.ActiveTasks()
	}
	return Status{
		Registered:   id.NodeID != "" && id.Token != "",
		Connected:    connected,
		NodeID:       id.NodeID,
		ClusterID:    id.ClusterID,
		ParentID:     id.ParentID,
		PendingTasks: pending,
		CachedNodes:  cached,
		ChangeSeq:    c.ChangeSeq(),
	}
}

// wsURL derives the WebSocket endpoint from the base URL.
func (c *Client) wsURL() string {
	base := c.opts.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws?token=" + url.QueryEscape(c.Identity().Token)
}
