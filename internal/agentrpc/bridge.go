package agentrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Per-call timeouts.
const (
	submitTimeout  = 15 * time.Second
	historyTimeout = 10 * time.Second
	deleteTimeout  = 5 * time.Second
	waitGrace      = 5 * time.Second
	historyLimit   = 30
)

// DefaultTaskTimeoutMs bounds a full agent run when the caller passes 0.
const DefaultTaskTimeoutMs = 300_000

const emptyResultPlaceholder = "(task completed with no text output)"

// Bridge is the one-shot RPC client for the local agent gateway on
// ws://127.0.0.1:<port>.
type Bridge struct {
	port  int
	token string
}

// New creates a bridge for the given gateway port and auth token.
func New(port int, token string) *Bridge {
	return &Bridge{port: port, token: token}
}

// URL returns the gateway WebSocket endpoint.
func (b *Bridge) URL() string {
	return fmt.Sprintf("ws://127.0.0.1:%d", b.port)
}

// TaskSessionKey builds the per-task agent session key.
func TaskSessionKey(taskID string) string {
	return "agent:main:hub-task:" + taskID
}

// ChatSessionKey builds the per-peer chat session key, so chat context
// persists across turns with the same peer.
func ChatSessionKey(peerID string) string {
	return "hub-chat:" + peerID
}

// call performs one complete RPC round-trip: dial, connect handshake,
// request, await the matching response, close. Event frames arriving
// in between are skipped.
func (b *Bridge) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, b.URL(), nil)
	if err != nil {
		return nil, fmt.Errorf("gateway dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 22) // 4MB, history payloads can be large

	connectID := uuid.NewString()
	hello := requestFrame{
		Type:   frameRequest,
		ID:     connectID,
		Method: methodConnect,
		Params: connectParams{
			MinProtocol: protocolVersion,
			MaxProtocol: protocolVersion,
			Client:      map[string]any{"id": "cluster-hub", "mode": "plugin"},
			Auth:        connectAuth{Token: b.token},
		},
	}
	if err := writeFrame(ctx, conn, hello); err != nil {
		return nil, fmt.Errorf("gateway connect: %w", err)
	}
	if _, err := awaitResponse(ctx, conn, connectID); err != nil {
		return nil, fmt.Errorf("gateway connect: %w", err)
	}

	reqID := uuid.NewString()
	req := requestFrame{Type: frameRequest, ID: reqID, Method: method, Params: params}
	if err := writeFrame(ctx, conn, req); err != nil {
		return nil, fmt.Errorf("gateway %s: %w", method, err)
	}
	payload, err := awaitResponse(ctx, conn, reqID)
	if err != nil {
		return nil, fmt.Errorf("gateway %s: %w", method, err)
	}
	return payload, nil
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame requestFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func awaitResponse(ctx context.Context, conn *websocket.Conn, id string) (json.RawMessage, error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		var res responseFrame
		if err := json.Unmarshal(data, &res); err != nil {
			continue
		}
		if res.Type != frameResponse || res.ID != id {
			continue // event or a response to something else
		}
		if !res.OK {
			if res.Error != nil {
				return nil, fmt.Errorf("rpc error: %s", res.Error.Message)
			}
			return nil, fmt.Errorf("rpc error")
		}
		return res.Payload, nil
	}
}

// SubmitRequest is the agent submission ("agent" verb, deliver=false).
type SubmitRequest struct {
	Message           string `json:"message"`
	SessionKey        string `json:"sessionKey"`
	IdempotencyKey    string `json:"idempotencyKey"`
	Deliver           bool   `json:"deliver"`
	ExtraSystemPrompt string `json:"extraSystemPrompt,omitempty"`
}

// Submit fires a run on the agent and returns its runId without
// waiting for completion.
func (b *Bridge) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	payload, err := b.call(ctx, methodAgent, req, submitTimeout)
	if err != nil {
		return "", err
	}
	var out struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(payload, &out); err != nil || out.RunID == "" {
		return "", fmt.Errorf("gateway agent: missing runId in response")
	}
	return out.RunID, nil
}

// Wait blocks until the run is terminal. The socket deadline is the
// run timeout plus a grace period so the gateway's own timeout fires
// first.
func (b *Bridge) Wait(ctx context.Context, runID string, timeoutMs int) error {
	if timeoutMs <= 0 {
		timeoutMs = DefaultTaskTimeoutMs
	}
	params := map[string]any{"runId": runID, "timeoutMs": timeoutMs}
	payload, err := b.call(ctx, methodAgentWait, params, time.Duration(timeoutMs)*time.Millisecond+waitGrace)
	if err != nil {
		return err
	}
	var out struct {
		Status string `json:"status,omitempty"`
		Error  string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(payload, &out); err == nil {
		if out.Error != "" {
			return fmt.Errorf("run failed: %s", out.Error)
		}
		if out.Status == "timeout" {
			return fmt.Errorf("run timed out after %dms", timeoutMs)
		}
	}
	return nil
}

// History fetches the last limit messages of an agent session.
func (b *Bridge) History(ctx context.Context, sessionKey string, limit int) ([]HistoryMessage, error) {
	if limit <= 0 {
		limit = historyLimit
	}
	params := map[string]any{"sessionKey": sessionKey, "limit": limit}
	payload, err := b.call(ctx, methodChatHistory, params, historyTimeout)
	if err != nil {
		return nil, err
	}
	var out struct {
		Messages []HistoryMessage `json:"messages"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("gateway chat.history: %w", err)
	}
	return out.Messages, nil
}

// DeleteSession removes an agent session, cancelling its run if one is
// active. Fire-and-forget: errors are logged at debug and dropped.
func (b *Bridge) DeleteSession(sessionKey string) {
	ctx := context.Background()
	params := map[string]any{"key": sessionKey}
	if _, err := b.call(ctx, methodSessionsDelete, params, deleteTimeout); err != nil {
		slog.Debug("agentrpc.session_delete_failed", "sessionKey", sessionKey, "error", err)
	}
}

// Dispatched identifies a submitted run.
type Dispatched struct {
	RunID      string
	SessionKey string
}

// Outcome is the terminal result of a local agent run.
type Outcome struct {
	Success bool
	Result  string
	Error   string
}

// Dispatch submits a task to the agent and returns immediately after
// the submit round-trip — the dispatch slot holder in the task queue.
func (b *Bridge) Dispatch(ctx context.Context, taskID, instruction string) (Dispatched, error) {
	sessionKey := TaskSessionKey(taskID)
	runID, err := b.Submit(ctx, SubmitRequest{
		Message:        instruction,
		SessionKey:     sessionKey,
		IdempotencyKey: taskID,
		Deliver:        false,
	})
	if err != nil {
		return Dispatched{}, err
	}
	return Dispatched{RunID: runID, SessionKey: sessionKey}, nil
}

// WaitAndCollect waits for the run, harvests the assistant text from
// the session history, and deletes the session. Timeout and wait
// errors surface as a failed Outcome rather than an error return.
func (b *Bridge) WaitAndCollect(ctx context.Context, runID, sessionKey string, timeoutMs int) Outcome {
	if err := b.Wait(ctx, runID, timeoutMs); err != nil {
		b.DeleteSession(sessionKey)
		return Outcome{Success: false, Error: err.Error()}
	}

	msgs, err := b.History(ctx, sessionKey, historyLimit)
	b.DeleteSession(sessionKey)
	if err != nil {
		return Outcome{Success: false, Error: fmt.Sprintf("collect result: %v", err)}
	}

	text := collectAssistantText(msgs)
	if text == "" {
		text = emptyResultPlaceholder
	}
	return Outcome{Success: true, Result: text}
}

// ExecuteTask is the synchronous wrapper: dispatch then wait.
func (b *Bridge) ExecuteTask(ctx context.Context, taskID, instruction string, timeoutMs int) Outcome {
	d, err := b.Dispatch(ctx, taskID, instruction)
	if err != nil {
		return Outcome{Success: false, Error: err.Error()}
	}
	return b.WaitAndCollect(ctx, d.RunID, d.SessionKey, timeoutMs)
}

// collectAssistantText concatenates the text of all assistant messages
// in history order.
func collectAssistantText(msgs []HistoryMessage) string {
	var parts []string
	for _, m := range msgs {
		if m.Role != "assistant" {
			continue
		}
		if t := m.Text(); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
