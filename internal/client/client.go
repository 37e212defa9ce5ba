// Package client implements the local bridge client.
//
// The client runs on the user's machine, dials out to the relay's /bridge
// endpoint, authenticates with the shared bridge token, and hands incoming
// mobile messages to the local agent. Agent responses travel back up the
// tunnel addressed to the originating device. The connection reconnects
// with exponential backoff; tool execution never leaves this process.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/armorclaw/relay/pkg/logger"
)

const (
	initialBackoff = 5 * time.Second
	maxBackoff     = 30 * time.Second

	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	maxMessageSize   = 10_000_000
)

// InboundMessage is a mobile message delivered to the agent
type InboundMessage struct {
	Channel  string
	SenderID string
	ChatID   string
	Content  string
}

// Agent processes inbound mobile messages and returns the response text
type Agent interface {
	Process(ctx context.Context, msg InboundMessage) (string, error)
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

// Client maintains the outbound connection to the relay
type Client struct {
	relayURL    string
	bridgeToken string
	agent       Agent

	mu   sync.Mutex
	conn *websocket.Conn

	log *logger.Logger
}

// New creates a bridge client
func New(relayURL, bridgeToken string, agent Agent) *Client {
	return &Client{
		relayURL:    relayURL,
		bridgeToken: bridgeToken,
		agent:       agent,
		log:         logger.Global().WithComponent("bridge-client"),
	}
}

// Run connects to the relay and processes messages until ctx is cancelled.
// Every failure, including a refused dial and a non-success auth response,
// is retried with exponential backoff; only cancellation stops the client.
func (c *Client) Run(ctx context.Context) error {
	backoff := initialBackoff

	for {
		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			// Connection was established and later dropped; start the
			// backoff schedule over.
			backoff = initialBackoff
		}

		c.log.Warn("reconnecting to relay", "backoff", backoff.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

// nextBackoff doubles the delay up to the cap
func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

// connectOnce dials, authenticates and pumps messages until the connection
// drops. Returns nil if the connection authenticated successfully before
// dropping.
func (c *Client) connectOnce(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, c.relayURL, nil)
	if err != nil {
		c.log.Warn("relay not reachable", "url", c.relayURL, "error", err)
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := c.sendJSON(tunnelMessage{Type: "bridge_auth", BridgeToken: c.bridgeToken}); err != nil {
		return fmt.Errorf("auth send failed: %w", err)
	}

	// First message decides the fate of the connection. A non-success
	// response (wrong token, stale bridge slot) is a reconnect trigger
	// like any other failure.
	var authResp tunnelMessage
	if err := conn.ReadJSON(&authResp); err != nil {
		return fmt.Errorf("auth read failed: %w", err)
	}
	if authResp.Type != "bridge_auth_success" {
		c.log.Error("bridge auth not accepted, will retry", "message", authResp.Message)
		return fmt.Errorf("bridge auth not accepted: %s", authResp.Message)
	}

	c.log.Info("connected to relay and authenticated", "url", c.relayURL)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.log.Warn("bridge connection closed", "error", err)
			return nil
		}
		c.handleRelayMessage(ctx, raw)
	}
}

func (c *Client) handleRelayMessage(ctx context.Context, raw []byte) {
	var msg tunnelMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Error("invalid json from relay")
		return
	}

	switch msg.Type {
	case "bridge_message":
		inbound := InboundMessage{
			Channel:  "mobile",
			SenderID: msg.Sender,
			ChatID:   msg.DeviceID,
			Content:  msg.Content,
		}
		if inbound.SenderID == "" {
			inbound.SenderID = "unknown"
		}
		if inbound.ChatID == "" {
			inbound.ChatID = "unknown"
		}
		c.log.Info("message from device", "sender", inbound.SenderID, "device_id", inbound.ChatID)
		// Process concurrently so a slow agent does not stall the tunnel
		go c.process(ctx, inbound)

	case "bridge_ping":
		if err := c.sendJSON(tunnelMessage{Type: "bridge_pong"}); err != nil {
			c.log.Warn("failed to answer keepalive", "error", err)
		}

	case "error":
		c.log.Error("relay error", "message", msg.Message)
	}
}

// process runs the agent and sends the response back through the tunnel
func (c *Client) process(ctx context.Context, msg InboundMessage) {
	response, err := c.agent.Process(ctx, msg)
	if err != nil {
		c.log.Error("agent failed to process message", "error", err, "device_id", msg.ChatID)
		return
	}
	if response == "" {
		return
	}
	c.SendResponse(msg.ChatID, response)
}

// SendResponse sends an agent response to the device behind chatID. On the
// mobile channel the chat ID is the device ID.
func (c *Client) SendResponse(chatID, content string) {
	err := c.sendJSON(tunnelMessage{
		Type:     "bridge_response",
		DeviceID: chatID,
		Content:  content,
	})
	if err != nil {
		c.log.Error("failed to send bridge response", "error", err, "device_id", chatID)
		return
	}
	c.log.Info("response sent to device", "device_id", chatID)
}

// Connected reports whether the tunnel is currently up
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) sendJSON(msg tunnelMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errors.New("bridge not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}
