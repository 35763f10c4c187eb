// Package feishu is the optional SaaS collaborator behind the
// shared-config hook. When the Hub pushes Feishu credentials, the
// coordinator activates this client once; the core task and chat
// paths never depend on it.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	tokenExpiryBuffer = 3 * time.Minute
	tokenEndpoint     = "/open-apis/auth/v3/tenant_access_token/internal"

	// DefaultBaseURL is the public Feishu endpoint.
	DefaultBaseURL = "https://open.feishu.cn"
)

// LarkClient is a lightweight Feishu/Lark API client using net/http.
// Handles tenant_access_token auto-refresh and the REST calls the
// coordinator exposes.
type LarkClient struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewLarkClient creates a native Lark HTTP client.
func NewLarkClient(appID, appSecret, baseURL string) *LarkClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &LarkClient{
		baseURL:    baseURL,
		appID:      appID,
		appSecret:  appSecret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *LarkClient) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+tokenEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("lark token request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("lark token decode: %w", err)
	}
	if result.Code != 0 {
		return "", fmt.Errorf("lark token error: code=%d msg=%s", result.Code, result.Msg)
	}

	c.token = result.TenantAccessToken
	c.tokenExp = time.Now().Add(time.Duration(result.Expire)*time.Second - tokenExpiryBuffer)
	return c.token, nil
}

func (c *LarkClient) clearToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExp = time.Time{}
	c.mu.Unlock()
}

// isTokenError returns true if the error code indicates an expired/invalid token.
func isTokenError(code int) bool {
	return code == 99991663 || code == 99991664 || code == 99991671
}

type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// doJSON performs an authenticated JSON API call with auto token refresh.
func (c *LarkClient) doJSON(ctx context.Context, method, path string, body any) (*apiResponse, error) {
	resp, err := c.doJSONOnce(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	// Retry once on token error
	if isTokenError(resp.Code) {
		c.clearToken()
		return c.doJSONOnce(ctx, method, path, body)
	}
	return resp, nil
}

func (c *LarkClient) doJSONOnce(ctx context.Context, method, path string, body any) (*apiResponse, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lark api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("lark api decode: %w", err)
	}
	return &result, nil
}

// SendText sends a plain text message to a user or chat.
func (c *LarkClient) SendText(ctx context.Context, receiveIDType, receiveID, text string) error {
	content, _ := json.Marshal(map[string]string{"text": text})
	resp, err := c.doJSON(ctx, "POST",
		"/open-apis/im/v1/messages?receive_id_type="+receiveIDType,
		map[string]string{
			"receive_id": receiveID,
			"msg_type":   "text",
			"content":    string(content),
		})
	if err != nil {
		return err
	}
	if resp.Code != 0 {
		return fmt.Errorf("lark send message: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

// CreateDocument creates a docx document from markdown and returns its
// URL. Empty markdown is rejected before any API call.
func (c *LarkClient) CreateDocument(ctx context.Context, title, markdown string) (string, error) {
	if strings.TrimSpace(markdown) == "" {
		return "", fmt.Errorf("Content is empty")
	}

	resp, err := c.doJSON(ctx, "POST", "/open-apis/docx/v1/documents", map[string]string{
		"title": title,
	})
	if err != nil {
		return "", err
	}
	if resp.Code != 0 {
		return "", fmt.Errorf("lark create document: code=%d msg=%s", resp.Code, resp.Msg)
	}
	var created struct {
		Document struct {
			DocumentID string `json:"document_id"`
		} `json:"document"`
	}
	if err := json.Unmarshal(resp.Data, &created); err != nil || created.Document.DocumentID == "" {
		return "", fmt.Errorf("lark create document: missing document_id")
	}
	docID := created.Document.DocumentID

	resp, err = c.doJSON(ctx, "POST",
		fmt.Sprintf("/open-apis/docx/v1/documents/%s/blocks/%s/descendant", docID, docID),
		map[string]any{
			"index": 0,
			"children_id": []string{"md1"},
			"descendants": []map[string]any{{
				"block_id":   "md1",
				"block_type": 2,
				"text": map[string]any{
					"elements": []map[string]any{{
						"text_run": map[string]any{"content": markdown},
					}},
				},
			}},
		})
	if err != nil {
		return "", err
	}
	if resp.Code != 0 {
		return "", fmt.Errorf("lark write document: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return c.baseURL + "/docx/" + docID, nil
}

// Contact is one visible user from the contacts scope.
type Contact struct {
	OpenID string `json:"open_id"`
	Name   string `json:"name"`
}

// ListContacts lists the users visible to the app.
func (c *LarkClient) ListContacts(ctx context.Context, limit int) ([]Contact, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	resp, err := c.doJSON(ctx, "GET",
		fmt.Sprintf("/open-apis/contact/v3/users?page_size=%d", limit), nil)
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("lark list contacts: code=%d msg=%s", resp.Code, resp.Msg)
	}
	var out struct {
		Items []Contact `json:"items"`
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, fmt.Errorf("lark list contacts: %w", err)
	}
	return out.Items, nil
}
