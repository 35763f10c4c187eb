// Package config reads and patches the cluster-hub plugin entry inside
// the user's openclaw.json. The file is shared with other plugins, so
// writes deep-merge the plugin branch back instead of rewriting the
// whole document.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Plugin entry location inside openclaw.json:
// plugins.entries.cluster-hub.config
const (
	pluginKey  = "cluster-hub"
	ConfigFile = "openclaw.json"
)

// Config is the durable plugin configuration. Identity fields (NodeID,
// Token, ClusterID, ParentID) are written back after register /
// reparent / unregister.
type Config struct {
	HubURL       string   `json:"hubUrl"`
	NodeID       string   `json:"nodeId,omitempty"`
	NodeName     string   `json:"nodeName,omitempty"`
	NodeAlias    string   `json:"nodeAlias,omitempty"`
	Token        string   `json:"token,omitempty"`
	ClusterID    string   `json:"clusterId,omitempty"`
	ParentID     string   `json:"parentId,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	// SelfTaskMode routes tasks addressed to this node: "local"
	// (default, loopback to the agent) or "hub" (round-trip).
	SelfTaskMode string `json:"selfTaskMode,omitempty"`

	AdminKey string `json:"adminKey,omitempty"`

	MaxConcurrent       int `json:"maxConcurrent,omitempty"`       // dispatch slots, clamp [1,10], default 3
	HeartbeatIntervalMs int `json:"heartbeatIntervalMs,omitempty"` // default 30000
	ReconnectIntervalMs int `json:"reconnectIntervalMs,omitempty"` // default 5000
	TaskTimeoutMs       int `json:"taskTimeoutMs,omitempty"`       // default 300000

	GatewayPort  int    `json:"gatewayPort,omitempty"` // local agent gateway, default 18790
	GatewayToken string `json:"gatewayToken,omitempty"`

	DataDir string `json:"dataDir,omitempty"` // default ~/.openclaw/hub-data

	mu sync.RWMutex
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		SelfTaskMode:        "local",
		MaxConcurrent:       3,
		HeartbeatIntervalMs: 30000,
		ReconnectIntervalMs: 5000,
		TaskTimeoutMs:       300000,
		GatewayPort:         18790,
	}
}

// DefaultPath returns the default openclaw.json location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".openclaw", ConfigFile)
}

// DataPath returns the resolved hub-data directory.
func (c *Config) DataPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.DataDir != "" {
		return ExpandHome(c.DataDir)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".openclaw", "hub-data")
}

// Registered reports whether the node holds a Hub identity.
func (c *Config) Registered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.NodeID != "" && c.Token != ""
}

// Identity returns a snapshot of the durable identity triple plus parent.
func (c *Config) Identity() (nodeID, clusterID, parentID, token string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.NodeID, c.ClusterID, c.ParentID, c.Token
}

// SetIdentity replaces the durable identity. Empty nodeID clears all
// identity fields (unregister).
func (c *Config) SetIdentity(nodeID, clusterID, parentID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.NodeID = nodeID
	c.ClusterID = clusterID
	c.ParentID = parentID
	c.Token = token
}

// SelfMode returns the routing mode for self-addressed tasks.
func (c *Config) SelfMode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.SelfTaskMode == "" {
		return "local"
	}
	return c.SelfTaskMode
}

// TaskTimeout returns the task timeout in milliseconds.
func (c *Config) TaskTimeout() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.TaskTimeoutMs
}

// Patch is a partial settings update. Nil fields keep their current
// values; the whole patch lands in one critical section.
type Patch struct {
	HubURL        *string
	NodeName      *string
	NodeAlias     *string
	SelfTaskMode  *string
	MaxConcurrent *int
	TaskTimeoutMs *int
	Capabilities  []string
}

// Apply overlays a patch onto the live config. Identity fields change
// only through SetIdentity.
func (c *Config) Apply(p Patch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.HubURL != nil {
		c.HubURL = *p.HubURL
	}
	if p.NodeName != nil {
		c.NodeName = *p.NodeName
	}
	if p.NodeAlias != nil {
		c.NodeAlias = *p.NodeAlias
	}
	if p.SelfTaskMode != nil {
		c.SelfTaskMode = *p.SelfTaskMode
	}
	if p.MaxConcurrent != nil {
		c.MaxConcurrent = *p.MaxConcurrent
	}
	if p.TaskTimeoutMs != nil {
		c.TaskTimeoutMs = *p.TaskTimeoutMs
	}
	if p.Capabilities != nil {
		c.Capabilities = p.Capabilities
	}
}

// View is a point-in-time copy of the settings for lock-free reads.
type View struct {
	HubURL              string
	NodeID              string
	NodeName            string
	NodeAlias           string
	ClusterID           string
	ParentID            string
	Capabilities        []string
	SelfTaskMode        string
	MaxConcurrent       int
	HeartbeatIntervalMs int
	ReconnectIntervalMs int
	TaskTimeoutMs       int
	GatewayPort         int
	DataDir             string
}

// Snapshot copies the current settings under the lock.
func (c *Config) Snapshot() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return View{
		HubURL:              c.HubURL,
		NodeID:              c.NodeID,
		NodeName:            c.NodeName,
		NodeAlias:           c.NodeAlias,
		ClusterID:           c.ClusterID,
		ParentID:            c.ParentID,
		Capabilities:        append([]string(nil), c.Capabilities...),
		SelfTaskMode:        c.SelfTaskMode,
		MaxConcurrent:       c.MaxConcurrent,
		HeartbeatIntervalMs: c.HeartbeatIntervalMs,
		ReconnectIntervalMs: c.ReconnectIntervalMs,
		TaskTimeoutMs:       c.TaskTimeoutMs,
		GatewayPort:         c.GatewayPort,
		DataDir:             c.DataDir,
	}
}

// EffectiveMaxConcurrent clamps MaxConcurrent to [1, 10], defaulting to 3.
func (c *Config) EffectiveMaxConcurrent() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := c.MaxConcurrent
	if n == 0 {
		n = 3
	}
	if n < 1 {
		n = 1
	}
	if n > 10 {
		n = 10
	}
	return n
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CLAWHUB_URL", &c.HubURL)
	envStr("CLAWHUB_TOKEN", &c.Token)
	envStr("CLAWHUB_ADMIN_KEY", &c.AdminKey)
	envStr("CLAWHUB_NODE_NAME", &c.NodeName)
	envStr("CLAWHUB_NODE_ALIAS", &c.NodeAlias)
	envStr("CLAWHUB_DATA_DIR", &c.DataDir)
	envStr("CLAWHUB_GATEWAY_TOKEN", &c.GatewayToken)

	if v := os.Getenv("CLAWHUB_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.GatewayPort = port
		}
	}
	if v := os.Getenv("CLAWHUB_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxConcurrent = n
		}
	}
	if v := os.Getenv("CLAWHUB_CAPABILITIES"); v != "" {
		c.Capabilities = strings.Split(v, ",")
	}
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
