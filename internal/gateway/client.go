package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/armorclaw/relay/pkg/security"
)

const writeWait = 10 * time.Second

// clientMessage is the envelope for all mobile-to-relay messages
type clientMessage struct {
	Type       string     `json:"type"`
	SessionID  string     `json:"session_id,omitempty"`
	TempToken  string     `json:"temp_token,omitempty"`
	DeviceInfo deviceInfo `json:"device_info,omitempty"`
	JWTToken   string     `json:"jwt_token,omitempty"`
	Content    string     `json:"content,omitempty"`
}

type deviceInfo struct {
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`
}

// client is a single mobile WebSocket connection
type client struct {
	gw   *Gateway
	conn *websocket.Conn
	send chan []byte

	connID     string
	remoteAddr string

	// Authentication state, owned by the read pump
	authenticated   bool
	deviceID        string
	deviceName      string
	authenticatedAt float64

	closeOnce sync.Once
}

// sendJSON queues a JSON message for delivery. Returns false if the client's
// send queue is full or closed.
func (c *client) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.gw.log.Error("failed to marshal message", "error", err)
		return false
	}

	defer func() {
		// Send on closed channel if the client raced a disconnect
		recover()
	}()

	select {
	case c.send <- data:
		return true
	default:
		c.gw.log.Warn("client send queue full, dropping message", "conn_id", c.connID)
		return false
	}
}

func (c *client) sendError(message string) {
	c.sendJSON(map[string]any{"type": "error", "message": message})
}

// close terminates the connection with a close frame
func (c *client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		c.conn.Close()
	})
}

// readPump reads and dispatches messages until the connection drops
func (c *client) readPump() {
	defer func() {
		c.gw.unregister(c)
		c.close(websocket.CloseNormalClosure, "")
		close(c.send)
	}()

	pongWait := 2 * c.gw.heartbeat
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.log.Debug("read error", "conn_id", c.connID, "error", err)
			}
			return
		}
		c.handleMessage(raw)
	}
}

// writePump flushes queued messages and sends heartbeat pings
func (c *client) writePump() {
	ticker := time.NewTicker(c.gw.heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) handleMessage(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("Invalid JSON")
		return
	}

	switch msg.Type {
	case "pair":
		c.handlePairing(&msg)
	case "auth":
		c.handleAuth(&msg)
	case "message":
		c.handleClientMessage(&msg)
	case "ping":
		c.sendJSON(map[string]any{"type": "pong"})
	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", msg.Type))
	}
}

// handlePairing redeems a one-shot pairing session and issues a credential
func (c *client) handlePairing(msg *clientMessage) {
	if msg.SessionID == "" || msg.TempToken == "" {
		c.sendError("Missing session_id or temp_token")
		return
	}

	deviceName := msg.DeviceInfo.DeviceName
	if deviceName == "" {
		deviceName = "Unknown Device"
	}
	platform := msg.DeviceInfo.Platform
	if platform == "" {
		platform = "web"
	}
	if err := c.gw.validator.ValidateDeviceInfo(deviceName, platform); err != nil {
		c.sendError(fmt.Sprintf("Invalid device info: %v", err))
		return
	}

	deviceID, ok := c.gw.pairing.ValidatePairing(msg.SessionID, msg.TempToken)
	if !ok {
		c.gw.auditor.LogPairing(msg.SessionID, "", c.remoteAddr, false)
		c.gw.recorder.RecordAuthFailure("pairing")
		c.sendError("Invalid pairing credentials")
		return
	}

	token, err := c.gw.auth.Issue(deviceID, deviceName)
	if err != nil {
		c.gw.log.Error("failed to issue credential", "error", err, "device_id", deviceID)
		c.sendError("Failed to issue credential")
		return
	}

	c.authenticated = true
	c.deviceID = deviceID
	c.deviceName = deviceName
	c.authenticatedAt = float64(time.Now().UnixNano()) / float64(time.Second)
	c.gw.register(c)

	c.gw.auditor.LogPairing(msg.SessionID, deviceID, c.remoteAddr, true)
	c.gw.recorder.RecordPairingRedeemed()

	c.sendJSON(map[string]any{
		"type":        "auth_success",
		"jwt_token":   token,
		"device_id":   deviceID,
		"device_name": deviceName,
		"message":     "Pairing successful",
	})

	c.gw.log.Info("device paired",
		"device_id", deviceID,
		"device_name", deviceName,
		"remote_addr", c.remoteAddr,
	)
}

// handleAuth validates a previously issued credential
func (c *client) handleAuth(msg *clientMessage) {
	if msg.JWTToken == "" {
		c.sendError("Missing jwt_token")
		return
	}

	claims, err := c.gw.auth.Validate(msg.JWTToken)
	if err != nil {
		c.gw.auditor.LogAuthentication("", c.remoteAddr, false, "jwt")
		c.gw.recorder.RecordAuthFailure("mobile")
		c.sendError("Invalid or expired JWT token")
		return
	}

	c.authenticated = true
	c.deviceID = claims.DeviceID
	c.deviceName = claims.DeviceName
	if claims.IssuedAt != nil {
		c.authenticatedAt = float64(claims.IssuedAt.UnixNano()) / float64(time.Second)
	}
	c.gw.register(c)

	c.gw.auditor.LogAuthentication(claims.DeviceID, c.remoteAddr, true, "jwt")

	c.sendJSON(map[string]any{
		"type":        "auth_success",
		"device_id":   claims.DeviceID,
		"device_name": claims.DeviceName,
		"message":     "Authentication successful",
	})

	c.gw.log.Info("device authenticated",
		"device_id", claims.DeviceID,
		"device_name", claims.DeviceName,
		"remote_addr", c.remoteAddr,
	)
}

// handleClientMessage validates and forwards an authenticated message
func (c *client) handleClientMessage(msg *clientMessage) {
	if !c.authenticated {
		c.sendError("Not authenticated")
		return
	}

	if msg.Content == "" {
		c.sendError("Missing message content")
		return
	}

	if c.gw.limiter != nil && !c.gw.limiter.Check(c.deviceID) {
		c.gw.auditor.LogRateLimit(c.deviceID, c.remoteAddr)
		c.gw.recorder.RecordRateLimited()
		c.sendError("Rate limit exceeded")
		return
	}

	if err := c.gw.validator.ValidateMessageContent(msg.Content); err != nil {
		c.gw.auditor.LogAccessDenied(c.remoteAddr, "message validation failed")
		switch {
		case errors.Is(err, security.ErrSuspiciousContent):
			c.sendError("Message content contains suspicious patterns")
		case errors.Is(err, security.ErrContentTooLarge):
			c.sendError("Message content too large")
		default:
			c.sendError("Missing message content")
		}
		return
	}

	c.gw.log.Info("message from device",
		"device_id", c.deviceID,
		"device_name", c.deviceName,
		"bytes", len(msg.Content),
	)

	// Validated content is forwarded verbatim; the agent sees exactly what
	// the user typed, including line breaks. chat_id is the device ID on
	// the mobile channel.
	c.gw.forwarder.ForwardToBridge(c.deviceID, c.deviceName, msg.Content, c.deviceID)

	c.sendJSON(map[string]any{"type": "ack", "message": "Message received"})
}
