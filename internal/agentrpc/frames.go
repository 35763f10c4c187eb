// Package agentrpc talks to the local agent gateway over its WebSocket
// RPC. Calls are one-shot by design: dial, connect handshake, one
// request, one response, close. That isolates failures — a wedged call
// never poisons a shared socket.
package agentrpc

import "encoding/json"

// Gateway protocol bounds. The gateway rejects clients outside
// [minProtocol, maxProtocol].
const protocolVersion = 3

// Frame kinds on the gateway socket.
const (
	frameRequest  = "req"
	frameResponse = "res"
	frameEvent    = "event"
)

// Gateway RPC methods used by the bridge.
const (
	methodConnect        = "connect"
	methodAgent          = "agent"
	methodAgentWait      = "agent.wait"
	methodChatHistory    = "chat.history"
	methodSessionsDelete = "sessions.delete"
)

type requestFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type responseFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *responseError  `json:"error,omitempty"`
}

type responseError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type connectParams struct {
	MinProtocol int            `json:"minProtocol"`
	MaxProtocol int            `json:"maxProtocol"`
	Client      map[string]any `json:"client,omitempty"`
	Auth        connectAuth    `json:"auth"`
}

type connectAuth struct {
	Token string `json:"token,omitempty"`
}

// HistoryMessage is one entry from chat.history. Content is either a
// plain string or an array of content blocks; Text() flattens it.
type HistoryMessage struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Text returns the concatenated text blocks of the message content.
// String content passes through; non-text blocks are skipped.
func (m HistoryMessage) Text() string {
	var s string
	if json.Unmarshal(m.Content, &s) == nil {
		return s
	}
	var blocks []contentBlock
	if json.Unmarshal(m.Content, &blocks) != nil {
		return ""
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}
