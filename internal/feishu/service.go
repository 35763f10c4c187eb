package feishu

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Credentials is the feishu branch of the cluster shared config.
type Credentials struct {
	AppID     string `json:"appId"`
	AppSecret string `json:"appSecret"`
	BaseURL   string `json:"baseUrl,omitempty"`
}

// Service activates the Lark client when credentials arrive via
// shared config. Activation happens at most once; repeated pushes
// with the same or different credentials are ignored after the first.
type Service struct {
	mu     sync.Mutex
	once   bool
	client *LarkClient
}

// NewService returns an inactive service.
func NewService() *Service {
	return &Service{}
}

// ApplySharedConfig inspects a shared-config push for a feishu branch
// and activates the client on first sight. Returns true when this
// call performed the activation.
func (s *Service) ApplySharedConfig(raw json.RawMessage) bool {
	var doc struct {
		Feishu *Credentials `json:"feishu"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil || doc.Feishu == nil {
		return false
	}
	if doc.Feishu.AppID == "" || doc.Feishu.AppSecret == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.once {
		return false
	}
	s.once = true
	s.client = NewLarkClient(doc.Feishu.AppID, doc.Feishu.AppSecret, doc.Feishu.BaseURL)
	slog.Info("feishu.activated", "appId", doc.Feishu.AppID)
	return true
}

// Client returns the active Lark client, or nil before activation.
func (s *Service) Client() *LarkClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Active reports whether credentials have been applied.
func (s *Service) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.once
}
