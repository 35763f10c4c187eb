package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawhub/pkg/wire"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 1 << 20 // 1MB
)

// Connect opens the WebSocket uplink and starts the heartbeat. A
// later unintentional close arms a single reconnect timer at the
// configured fixed interval.
func (c *Client) Connect() error {
	id := c.Identity()
	if id.Token == "" {
		return fmt.Errorf("connect: node is not registered")
	}

	c.connMu.Lock()
	if c.state == stateConnected || c.state == stateConnecting {
		c.connMu.Unlock()
		return nil
	}
	c.state = stateConnecting
	c.intentionallyClosed = false
	c.connMu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(c.wsURL(), nil)
	if err != nil {
		c.connMu.Lock()
		c.state = stateDisconnected
		c.connMu.Unlock()
		c.scheduleReconnect()
		return fmt.Errorf("hub ws dial: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	c.connMu.Lock()
	c.conn = conn
	c.state = stateConnected
	c.heartbeatStop = make(chan struct{})
	stop := c.heartbeatStop
	c.connMu.Unlock()

	slog.Info("hub.connected", "nodeId", id.NodeID)

	go c.heartbeatLoop(stop)
	go c.readLoop(conn)

	if c.OnConnected != nil {
		c.OnConnected()
	}
	return nil
}

// Disconnect closes the uplink deliberately: the socket-close handler
// sees the intentional flag and does not re-arm the reconnect timer.
func (c *Client) Disconnect() {
	c.connMu.Lock()
	if c.state == stateDisconnected || c.state == stateDisconnecting {
		c.connMu.Unlock()
		return
	}
	c.state = stateDisconnecting
	c.intentionallyClosed = true
	conn := c.conn
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	c.connMu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteTimeout))
		conn.Close()
	}

	c.connMu.Lock()
	c.conn = nil
	c.state = stateDisconnected
	c.connMu.Unlock()
	slog.Info("hub.disconnected", "intentional", true)
}

// Connected reports whether the uplink is live.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.state == stateConnected
}

// SendWS sends one frame, non-blocking from the caller's view of the
// protocol: when the socket is down the frame is dropped with a
// warning rather than queued.
func (c *Client) SendWS(msg wire.Message) {
	c.connMu.Lock()
	conn := c.conn
	connected := c.state == stateConnected
	c.connMu.Unlock()

	if !connected || conn == nil {
		slog.Warn("hub.send_dropped", "type", msg.Type, "id", msg.ID)
		return
	}
	if msg.From == "" {
		msg.From = c.Identity().NodeID
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		slog.Warn("hub.send_failed", "type", msg.Type, "id", msg.ID, "error", err)
	}
}

// SendResult is the convenience for a terminal "result" frame.
func (c *Client) SendResult(taskID, toNodeID string, success bool, result, errMsg string) {
	c.SendWS(wire.NewMessage(wire.TypeResult, taskID, toNodeID, wire.ResultPayload{
		Success: success,
		Result:  result,
		Error:   errMsg,
	}))
}

// On subscribes a handler to a frame type.
func (c *Client) On(frameType string, h Handler) {
	c.handlerMu.Lock()
	c.handlers[frameType] = append(c.handlers[frameType], h)
	c.handlerMu.Unlock()
}

// Off removes all handlers for a frame type.
func (c *Client) Off(frameType string) {
	c.handlerMu.Lock()
	delete(c.handlers, frameType)
	c.handlerMu.Unlock()
}

func (c *Client) emit(frameType string, msg wire.Message) {
	c.handlerMu.RLock()
	hs := append([]Handler(nil), c.handlers[frameType]...)
	c.handlerMu.RUnlock()
	for _, h := range hs {
		h(msg)
	}
}

func (c *Client) heartbeatLoop(stop chan struct{}) {
	interval := time.Duration(c.opts.HeartbeatIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			active := 0
			if c.ActiveTasks != nil {
				active = c.ActiveTasks()
			}
			c.SendWS(wire.Message{
				Type: wire.TypeHeartbeat,
				ID:   uuid.NewString(),
				Payload: mustMarshal(wire.HeartbeatPayload{
					Load:        0, // load reporting not yet implemented
					ActiveTasks: active,
				}),
			})
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg wire.Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleSocketClose(conn, err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) handleSocketClose(conn *websocket.Conn, err error) {
	c.connMu.Lock()
	if c.conn != conn {
		// A stale read loop from a previous connection.
		c.connMu.Unlock()
		return
	}
	intentional := c.intentionallyClosed
	c.conn = nil
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	c.state = stateDisconnected
	c.connMu.Unlock()

	conn.Close()
	if intentional {
		return
	}
	slog.Warn("hub.connection_lost", "error", err)
	c.scheduleReconnect()
}

// scheduleReconnect arms the fixed-interval reconnect timer once; a
// timer already pending is left alone.
func (c *Client) scheduleReconnect() {
	c.connMu.Lock()
	if c.intentionallyClosed || c.reconnectArmed {
		c.connMu.Unlock()
		return
	}
	c.reconnectArmed = true
	interval := time.Duration(c.opts.ReconnectIntervalMs) * time.Millisecond
	c.connMu.Unlock()

	slog.Info("hub.reconnect_scheduled", "intervalMs", c.opts.ReconnectIntervalMs)
	time.AfterFunc(interval, func() {
		c.connMu.Lock()
		c.reconnectArmed = false
		closed := c.intentionallyClosed
		c.connMu.Unlock()
		if closed {
			return
		}
		if err := c.Connect(); err != nil {
			slog.Warn("hub.reconnect_failed", "error", err)
		}
	})
}

// dispatch routes one inbound frame.
func (c *Client) dispatch(msg wire.Message) {
	switch msg.Type {
	case wire.TypeTask:
		if !c.allowInbound(msg.From) {
			slog.Debug("hub.frame_rate_limited", "type", msg.Type, "from", msg.From)
			return
		}
		if c.OnTaskReceived != nil {
			c.OnTaskReceived(msg)
		}

	case wire.TypeResult:
		c.emit(wire.TypeResult, msg)

	case wire.TypeTaskAck, wire.TypeTaskStatus, wire.TypeTaskCancel:
		c.emit(msg.Type, msg)

	case wire.TypeChat:
		if !c.allowInbound(msg.From) {
			slog.Debug("hub.frame_rate_limited", "type", msg.Type, "from", msg.From)
			return
		}
		c.emit(wire.TypeChat, msg)

	case wire.TypeDirect:
		c.handleDirect(msg)

	case wire.TypeBroadcast:
		if msg.Channel == wire.ChannelSystem {
			c.handleSystemBroadcast(msg)
		}

	case wire.TypeHeartbeat:
		// Server heartbeat replies are ignored.

	default:
		slog.Debug("hub.unknown_frame", "type", msg.Type)
	}
}

func (c *Client) handleDirect(msg wire.Message) {
	var p wire.DirectPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		slog.Debug("hub.bad_direct_payload", "error", err)
		return
	}
	if p.Action == "connected" {
		slog.Info("hub.session_confirmed", "nodeId", p.NodeID)
	}
	if len(p.SharedConfig) > 0 && c.OnSharedConfig != nil {
		c.OnSharedConfig(p.SharedConfig)
	}
}

// handleSystemBroadcast tracks cluster topology: every lifecycle
// action invalidates the node cache and bumps the change sequence.
func (c *Client) handleSystemBroadcast(msg wire.Message) {
	var p wire.BroadcastPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		slog.Debug("hub.bad_broadcast_payload", "error", err)
		return
	}

	switch p.Action {
	case wire.ActionNodeOnline:
		c.InvalidateNodeCache()
		c.changeSeq.Add(1)
		if c.OnNodeOnline != nil {
			c.OnNodeOnline(p.NodeID)
		}
	case wire.ActionNodeOffline:
		c.InvalidateNodeCache()
		c.changeSeq.Add(1)
		if c.OnNodeOffline != nil {
			c.OnNodeOffline(p.NodeID)
		}
	case wire.ActionChildRegistered, wire.ActionChildUnregistered,
		wire.ActionChildDeparted, wire.ActionChildArrived, wire.ActionReparented:
		c.InvalidateNodeCache()
		c.changeSeq.Add(1)
	default:
		slog.Debug("hub.unknown_broadcast", "action", p.Action)
	}
	c.emit(wire.TypeBroadcast, msg)
}

// allowInbound applies the per-sender rate limit to task and chat
// frames, protecting the local agent from a misbehaving peer.
func (c *Client) allowInbound(nodeID string) bool {
	if c.opts.InboundRPM < 0 {
		return true
	}
	c.limiterMu.Lock()
	lim, ok := c.limiters[nodeID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(c.opts.InboundRPM)/60.0), 10)
		c.limiters[nodeID] = lim
	}
	c.limiterMu.Unlock()
	return lim.Allow()
}

func mustMarshal(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
