package node

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/clawhub/internal/feishu"
)

// feishuClient gates the verb surface on activation: every feishu verb
// fails cleanly until shared config has delivered credentials.
func (n *Node) feishuClient() (*feishu.LarkClient, error) {
	c := n.feishu.Client()
	if c == nil {
		return nil, fmt.Errorf("feishu is not activated; push credentials via shared config")
	}
	return c, nil
}

func (n *Node) feishuSendVerb(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		ReceiveIDType string `json:"receiveIdType,omitempty"`
		ReceiveID     string `json:"receiveId"`
		Text          string `json:"text"`
	}
	decode(params, &p)
	if p.ReceiveID == "" || p.Text == "" {
		return nil, fmt.Errorf("receiveId and text are required")
	}
	c, err := n.feishuClient()
	if err != nil {
		return nil, err
	}
	idType := p.ReceiveIDType
	if idType == "" {
		idType = "open_id"
	}
	if err := c.SendText(ctx, idType, p.ReceiveID, p.Text); err != nil {
		return nil, err
	}
	return map[string]any{"sent": true}, nil
}

func (n *Node) feishuDocVerb(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	decode(params, &p)
	if p.Title == "" {
		return nil, fmt.Errorf("title is required")
	}
	c, err := n.feishuClient()
	if err != nil {
		return nil, err
	}
	url, err := c.CreateDocument(ctx, p.Title, p.Content)
	if err != nil {
		return nil, err
	}
	return map[string]any{"url": url}, nil
}

func (n *Node) feishuContactsVerb(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Limit int `json:"limit,omitempty"`
	}
	decode(params, &p)
	c, err := n.feishuClient()
	if err != nil {
		return nil, err
	}
	return c.ListContacts(ctx, p.Limit)
}
