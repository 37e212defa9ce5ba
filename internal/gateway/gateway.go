// Package gateway implements the mobile-facing WebSocket endpoint.
//
// Devices connect unauthenticated and must complete either a pairing
// exchange (one-shot QR credentials) or present a previously issued
// credential before they can send messages. Authenticated messages are
// handed to the bridge forwarder; responses come back through SendToDevice.
package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/armorclaw/relay/pkg/audit"
	"github.com/armorclaw/relay/pkg/auth"
	"github.com/armorclaw/relay/pkg/logger"
	"github.com/armorclaw/relay/pkg/metrics"
	"github.com/armorclaw/relay/pkg/pairing"
	"github.com/armorclaw/relay/pkg/security"
)

// maxMessageSize bounds a single WebSocket frame (10MB)
const maxMessageSize = 10_000_000

// BridgeForwarder delivers device messages to the local bridge
type BridgeForwarder interface {
	ForwardToBridge(deviceID, sender, content, chatID string)
	IsConnected() bool
}

// DeviceInfo describes a connected, authenticated device
type DeviceInfo struct {
	DeviceID        string  `json:"device_id"`
	DeviceName      string  `json:"device_name"`
	AuthenticatedAt float64 `json:"authenticated_at"`
}

// Gateway accepts and manages mobile WebSocket connections
type Gateway struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	devices map[string]*client // authenticated devices by device ID
	conns   int                // all open connections, authenticated or not

	ipMu       sync.Mutex
	ipLimiters map[string]*rate.Limiter

	auth      *auth.Manager
	pairing   *pairing.Manager
	validator *security.Validator
	limiter   *security.RateLimiter
	auditor   *audit.Logger
	recorder  *metrics.Recorder

	forwarder BridgeForwarder

	maxConnections int
	heartbeat      time.Duration
	log            *logger.Logger
}

// Options configures a Gateway
type Options struct {
	Auth           *auth.Manager
	Pairing        *pairing.Manager
	Validator      *security.Validator
	RateLimiter    *security.RateLimiter
	Audit          *audit.Logger
	Metrics        *metrics.Recorder
	MaxConnections int
	Heartbeat      time.Duration
	AllowedOrigins []string
}

// New creates a gateway
func New(opts Options) *Gateway {
	if opts.MaxConnections < 1 {
		opts.MaxConnections = 100
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}

	allowed := make(map[string]bool, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		allowed[o] = true
	}

	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
		devices:        make(map[string]*client),
		ipLimiters:     make(map[string]*rate.Limiter),
		auth:           opts.Auth,
		pairing:        opts.Pairing,
		validator:      opts.Validator,
		limiter:        opts.RateLimiter,
		auditor:        opts.Audit,
		recorder:       opts.Metrics,
		maxConnections: opts.MaxConnections,
		heartbeat:      opts.Heartbeat,
		log:            logger.Global().WithComponent("gateway"),
	}
}

// SetForwarder wires in the bridge forwarder. Must be called before the
// gateway starts serving.
func (g *Gateway) SetForwarder(f BridgeForwarder) {
	g.forwarder = f
}

// ipLimiter returns the upgrade throttle for a client IP. Each IP may
// attempt at most one upgrade per second with a burst of ten.
func (g *Gateway) ipLimiter(addr string) *rate.Limiter {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	g.ipMu.Lock()
	defer g.ipMu.Unlock()

	l, ok := g.ipLimiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(1), 10)
		g.ipLimiters[host] = l
	}
	return l
}

// HandleWS upgrades an HTTP request to a mobile WebSocket connection
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr

	if !g.validator.CheckIP(remoteAddr) {
		g.log.Warn("connection rejected by ip allowlist", "remote_addr", remoteAddr)
		g.auditor.LogAccessDenied(remoteAddr, "ip not in allowlist")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if !g.ipLimiter(remoteAddr).Allow() {
		g.auditor.LogAccessDenied(remoteAddr, "upgrade throttled")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	g.mu.Lock()
	if g.conns >= g.maxConnections {
		g.mu.Unlock()
		g.log.Warn("connection rejected, at capacity", "max_connections", g.maxConnections)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	g.conns++
	g.mu.Unlock()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.mu.Lock()
		g.conns--
		g.mu.Unlock()
		g.log.Error("websocket upgrade failed", "error", err, "remote_addr", remoteAddr)
		return
	}

	c := &client{
		gw:         g,
		conn:       conn,
		send:       make(chan []byte, 64),
		connID:     uuid.NewString(),
		remoteAddr: remoteAddr,
	}

	g.log.Info("new mobile connection",
		"conn_id", c.connID,
		"remote_addr", remoteAddr,
	)

	go c.writePump()
	go c.readPump()
}

// register adds an authenticated client, evicting any existing connection
// for the same device ID
func (g *Gateway) register(c *client) {
	g.mu.Lock()
	old, ok := g.devices[c.deviceID]
	g.devices[c.deviceID] = c
	count := len(g.devices)
	g.mu.Unlock()

	if ok && old != c {
		g.log.Info("evicting previous connection for device",
			"device_id", c.deviceID,
			"old_conn_id", old.connID,
		)
		old.close(websocket.ClosePolicyViolation, "replaced by new connection")
	}

	g.recorder.SetConnectedDevices(count)
}

// unregister removes a disconnecting client
func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	g.conns--
	if c.deviceID != "" {
		// Only remove the mapping if this client still owns it; an evicted
		// connection must not unregister its replacement.
		if cur, ok := g.devices[c.deviceID]; ok && cur == c {
			delete(g.devices, c.deviceID)
		}
	}
	count := len(g.devices)
	g.mu.Unlock()

	g.recorder.SetConnectedDevices(count)

	if c.deviceID != "" {
		g.log.Info("device disconnected", "device_id", c.deviceID, "conn_id", c.connID)
	}
}

// SendToDevice delivers a message to a specific authenticated device.
// Returns false if the device is not connected or its send queue is full.
func (g *Gateway) SendToDevice(deviceID, content string) bool {
	g.mu.RLock()
	c, ok := g.devices[deviceID]
	g.mu.RUnlock()

	if !ok {
		g.log.Warn("device not connected", "device_id", deviceID)
		return false
	}

	if !c.sendJSON(map[string]any{"type": "message", "content": content}) {
		return false
	}
	g.recorder.RecordForwardedToDevice()
	return true
}

// Broadcast sends a message to all authenticated devices, optionally
// excluding one device ID
func (g *Gateway) Broadcast(content, excludeDeviceID string) {
	g.mu.RLock()
	targets := make([]*client, 0, len(g.devices))
	for id, c := range g.devices {
		if id == excludeDeviceID {
			continue
		}
		targets = append(targets, c)
	}
	g.mu.RUnlock()

	for _, c := range targets {
		c.sendJSON(map[string]any{"type": "message", "content": content})
	}
}

// ConnectionCount returns the number of authenticated devices
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.devices)
}

// IsDeviceConnected reports whether a device is connected and authenticated
func (g *Gateway) IsDeviceConnected(deviceID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.devices[deviceID]
	return ok
}

// ConnectedDevices returns a snapshot of authenticated devices
func (g *Gateway) ConnectedDevices() []DeviceInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()

	devices := make([]DeviceInfo, 0, len(g.devices))
	for _, c := range g.devices {
		devices = append(devices, DeviceInfo{
			DeviceID:        c.deviceID,
			DeviceName:      c.deviceName,
			AuthenticatedAt: c.authenticatedAt,
		})
	}
	return devices
}

// CloseAll disconnects every client. Used during shutdown.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	targets := make([]*client, 0, len(g.devices))
	for _, c := range g.devices {
		targets = append(targets, c)
	}
	g.mu.Unlock()

	for _, c := range targets {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}
