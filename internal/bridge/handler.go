// Package bridge manages the relay side of the bridge tunnel.
//
// Exactly one bridge client (the user's local agent) may be connected at a
// time. It authenticates with a shared token compared in constant time.
// Once authenticated, mobile messages are forwarded down the tunnel and
// bridge responses are routed back to the originating device.
package bridge

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/armorclaw/relay/pkg/audit"
	"github.com/armorclaw/relay/pkg/logger"
	"github.com/armorclaw/relay/pkg/metrics"
)

const (
	// Close codes on the bridge tunnel
	closeAlreadyConnected = 4000
	closeAuthFailed       = 4001

	keepaliveInterval = 25 * time.Second
	writeWait         = 10 * time.Second
	maxMessageSize    = 10_000_000

	// An unauthenticated connection may not hold the socket open; the
	// client sends bridge_auth immediately after the handshake.
	authTimeout = 10 * time.Second

	// OfflineNotice is sent to devices when no bridge is connected
	OfflineNotice = "Agent is currently offline. The local bridge is not connected. Please try again later."
)

// DeviceSender routes bridge responses back to mobile devices
type DeviceSender interface {
	SendToDevice(deviceID, content string) bool
}

// tunnelMessage is the envelope for all bridge tunnel messages
type tunnelMessage struct {
	Type        string `json:"type"`
	BridgeToken string `json:"bridge_token,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
	Sender      string `json:"sender,omitempty"`
	Content     string `json:"content,omitempty"`
	ChatID      string `json:"chat_id,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Handler owns the single bridge tunnel on the relay side
type Handler struct {
	upgrader websocket.Upgrader

	mu            sync.Mutex
	conn          *websocket.Conn
	authenticated bool
	stopPing      chan struct{}

	// writeMu serializes writes; gorilla connections allow one writer at a time
	writeMu sync.Mutex

	bridgeToken []byte
	devices     DeviceSender
	auditor     *audit.Logger
	recorder    *metrics.Recorder
	log         *logger.Logger
}

// NewHandler creates a bridge tunnel handler
func NewHandler(bridgeToken string, devices DeviceSender, auditor *audit.Logger, recorder *metrics.Recorder) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The bridge is a headless client, not a browser
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		bridgeToken: []byte(bridgeToken),
		devices:     devices,
		auditor:     auditor,
		recorder:    recorder,
		log:         logger.Global().WithComponent("bridge"),
	}
}

// IsConnected reports whether an authenticated bridge is attached
func (h *Handler) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil && h.authenticated
}

// HandleWS upgrades an HTTP request to the bridge tunnel. The singleton
// slot is claimed only after successful authentication, so an
// unauthenticated connection never blocks the legitimate bridge.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("bridge upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	h.log.Info("bridge client connecting", "remote_addr", r.RemoteAddr)
	h.readLoop(conn, r.RemoteAddr)
}

func (h *Handler) readLoop(conn *websocket.Conn, remoteAddr string) {
	authed := false
	defer func() {
		h.mu.Lock()
		if h.conn == conn {
			h.conn = nil
			h.authenticated = false
			if h.stopPing != nil {
				close(h.stopPing)
				h.stopPing = nil
			}
		}
		h.mu.Unlock()
		conn.Close()

		if authed {
			h.recorder.SetBridgeConnected(false)
			h.log.Warn("bridge client disconnected", "remote_addr", remoteAddr)
			h.auditor.LogBridgeEvent("bridge_disconnected", remoteAddr)
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(authTimeout))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg tunnelMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.writeJSON(conn, tunnelMessage{Type: "error", Message: "Invalid JSON"})
			continue
		}

		if !authed {
			if msg.Type != "bridge_auth" {
				h.writeJSON(conn, tunnelMessage{Type: "error", Message: "Not authenticated"})
				continue
			}
			if !h.handleAuth(conn, &msg, remoteAddr) {
				return
			}
			authed = true
			conn.SetReadDeadline(time.Time{})
			continue
		}

		switch msg.Type {
		case "bridge_auth":
			// Re-auth on a live tunnel is a no-op
			h.writeJSON(conn, tunnelMessage{Type: "bridge_auth_success"})
		case "bridge_response":
			h.handleResponse(&msg)
		case "bridge_pong":
			// keepalive ack
		default:
			h.writeJSON(conn, tunnelMessage{Type: "error", Message: fmt.Sprintf("Unknown message type: %s", msg.Type)})
		}
	}
}

// handleAuth validates the bridge token in constant time and, on success,
// claims the singleton slot. Returns false if the connection was closed.
func (h *Handler) handleAuth(conn *websocket.Conn, msg *tunnelMessage, remoteAddr string) bool {
	if subtle.ConstantTimeCompare([]byte(msg.BridgeToken), h.bridgeToken) != 1 {
		h.log.Warn("bridge authentication failed, invalid token", "remote_addr", remoteAddr)
		h.auditor.LogAccessDenied(remoteAddr, "invalid bridge token")
		h.recorder.RecordAuthFailure("bridge")
		h.writeJSON(conn, tunnelMessage{Type: "error", Message: "Invalid bridge token"})
		h.closeConn(conn, closeAuthFailed, "Auth failed")
		return false
	}

	stop := make(chan struct{})
	h.mu.Lock()
	if h.conn != nil {
		h.mu.Unlock()
		h.log.Warn("bridge connection rejected, another bridge is already connected",
			"remote_addr", remoteAddr,
		)
		h.writeJSON(conn, tunnelMessage{Type: "error", Message: "Another bridge is already connected"})
		h.closeConn(conn, closeAlreadyConnected, "Bridge already connected")
		return false
	}
	h.conn = conn
	h.authenticated = true
	h.stopPing = stop
	h.mu.Unlock()

	h.writeJSON(conn, tunnelMessage{Type: "bridge_auth_success"})
	go h.pingLoop(conn, stop)

	h.recorder.SetBridgeConnected(true)
	h.auditor.LogBridgeEvent("bridge_connected", remoteAddr)
	h.log.Info("bridge client authenticated", "remote_addr", remoteAddr)
	return true
}

// handleResponse routes an agent response back to the originating device
func (h *Handler) handleResponse(msg *tunnelMessage) {
	if msg.DeviceID == "" || msg.Content == "" {
		return
	}
	if !h.devices.SendToDevice(msg.DeviceID, msg.Content) {
		h.log.Warn("failed to deliver response, device not connected", "device_id", msg.DeviceID)
	}
}

// pingLoop sends application-level keepalives over the tunnel
func (h *Handler) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := h.writeJSON(conn, tunnelMessage{Type: "bridge_ping"}); err != nil {
				return
			}
		}
	}
}

// ForwardToBridge sends a device message down the tunnel. When no bridge is
// connected the device gets an offline notice instead.
func (h *Handler) ForwardToBridge(deviceID, sender, content, chatID string) {
	h.mu.Lock()
	conn := h.conn
	authenticated := h.authenticated
	h.mu.Unlock()

	if conn == nil || !authenticated {
		h.log.Warn("no bridge connected, sending offline notice", "device_id", deviceID)
		h.devices.SendToDevice(deviceID, OfflineNotice)
		return
	}

	msg := tunnelMessage{
		Type:     "bridge_message",
		DeviceID: deviceID,
		Sender:   sender,
		Content:  content,
		ChatID:   chatID,
	}
	if err := h.writeJSON(conn, msg); err != nil {
		h.log.Error("failed to forward message to bridge", "error", err, "device_id", deviceID)
		return
	}
	h.recorder.RecordForwardedToBridge()
}

// Close tears down the tunnel. Used during shutdown.
func (h *Handler) Close() {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()

	if conn != nil {
		h.closeConn(conn, websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Handler) writeJSON(conn *websocket.Conn, msg tunnelMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Handler) closeConn(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}
