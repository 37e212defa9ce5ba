// Package relay assembles and runs the public-facing relay server.
//
// The relay is a thin message forwarder. It terminates mobile WebSocket
// connections, holds the single bridge tunnel, and serves the pairing REST
// API. It never runs the agent or holds LLM credentials; those live behind
// the bridge on the user's machine.
package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/armorclaw/relay/internal/bridge"
	"github.com/armorclaw/relay/internal/gateway"
	"github.com/armorclaw/relay/pkg/audit"
	"github.com/armorclaw/relay/pkg/auth"
	"github.com/armorclaw/relay/pkg/config"
	"github.com/armorclaw/relay/pkg/logger"
	"github.com/armorclaw/relay/pkg/metrics"
	"github.com/armorclaw/relay/pkg/pairing"
	"github.com/armorclaw/relay/pkg/security"
)

// Server is the assembled relay
type Server struct {
	cfg *config.Config

	auth      *auth.Manager
	pairing   *pairing.Manager
	validator *security.Validator
	limiter   *security.RateLimiter
	auditor   *audit.Logger
	recorder  *metrics.Recorder
	gateway   *gateway.Gateway
	bridge    *bridge.Handler

	httpServer *http.Server
	startedAt  time.Time
	log        *logger.Logger
}

// New builds a relay server from configuration
func New(cfg *config.Config) (*Server, error) {
	log := logger.Global().WithComponent("relay")

	authMgr := auth.NewManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.JWTAlgorithm,
		time.Duration(cfg.Auth.JWTExpiryHours)*time.Hour,
	)

	pairingMgr := pairing.NewManager(cfg.WebsocketURL(), cfg.PairingSessionExpiry())

	validator, err := security.NewValidator(cfg.Enterprise.IPWhitelistEnabled, cfg.Enterprise.IPWhitelist)
	if err != nil {
		return nil, fmt.Errorf("invalid ip allowlist: %w", err)
	}

	var limiter *security.RateLimiter
	if cfg.Enterprise.RateLimitEnabled {
		limiter = security.NewRateLimiter(
			cfg.Enterprise.RateLimitRequestsPerMinute,
			time.Duration(cfg.Enterprise.RateLimitBlockSeconds)*time.Second,
		)
	}

	var auditor *audit.Logger
	if cfg.Enterprise.AuditLogEnabled {
		auditor, err = audit.New(
			cfg.Enterprise.AuditLogPath,
			cfg.Enterprise.AuditLogMaxSizeMB,
			cfg.Enterprise.AuditLogMaxFiles,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
	} else {
		auditor = audit.NewDisabled()
	}

	recorder := metrics.NewRecorder()
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	gw := gateway.New(gateway.Options{
		Auth:           authMgr,
		Pairing:        pairingMgr,
		Validator:      validator,
		RateLimiter:    limiter,
		Audit:          auditor,
		Metrics:        recorder,
		MaxConnections: cfg.Channels.Mobile.MaxConnections,
		Heartbeat:      cfg.HeartbeatInterval(),
		AllowedOrigins: cfg.Network.AllowedOrigins,
	})

	if cfg.Relay.BridgeToken == "" {
		log.Warn("bridge token not configured, bridge connections will be rejected")
	}
	bridgeHandler := bridge.NewHandler(cfg.Relay.BridgeToken, gw, auditor, recorder)
	gw.SetForwarder(bridgeHandler)

	return &Server{
		cfg:       cfg,
		auth:      authMgr,
		pairing:   pairingMgr,
		validator: validator,
		limiter:   limiter,
		auditor:   auditor,
		recorder:  recorder,
		gateway:   gw,
		bridge:    bridgeHandler,
		log:       log,
	}, nil
}

// Pairing exposes the pairing manager, used by the CLI to mint sessions
func (s *Server) Pairing() *pairing.Manager {
	return s.pairing
}

// routes builds the HTTP mux
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.gateway.HandleWS)
	mux.HandleFunc("/bridge", s.bridge.HandleWS)
	mux.HandleFunc("/health", s.handleHealth)

	if s.cfg.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	mux.HandleFunc("POST /auth/pair", s.handlePair)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.HandleFunc("GET /auth/devices", s.handleDevices)
	mux.HandleFunc("POST /auth/pairing/create-session", s.handleCreateSession)
	mux.HandleFunc("GET /auth/qr", s.handleQR)

	// Mobile clients may connect on the root path; plain HTTP requests get
	// a small info document instead.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if websocket.IsWebSocketUpgrade(r) {
			s.gateway.HandleWS(w, r)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"service": "relay",
			"endpoints": map[string]string{
				"mobile": "/ws",
				"bridge": "/bridge",
				"health": "/health",
			},
		})
	})

	return mux
}

// Run starts the relay and blocks until ctx is cancelled or the server fails
func (s *Server) Run(ctx context.Context) error {
	s.startedAt = time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.pairing.Start(ctx)
	if s.limiter != nil {
		s.limiter.Start(ctx)
	}

	addr := fmt.Sprintf(":%d", s.cfg.Channels.Mobile.WebsocketPort)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.routes(),
		IdleTimeout: 120 * time.Second,
	}

	tlsEnabled := s.cfg.Channels.Mobile.TLSEnabled
	if tlsEnabled {
		s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		scheme := "ws"
		if tlsEnabled {
			scheme = "wss"
		}
		s.log.Info("relay server started",
			"addr", addr,
			"url", fmt.Sprintf("%s://0.0.0.0%s", scheme, addr),
		)

		var err error
		if tlsEnabled {
			err = s.httpServer.ListenAndServeTLS(
				s.cfg.Channels.Mobile.TLSCertPath,
				s.cfg.Channels.Mobile.TLSKeyPath,
			)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("relay server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.shutdown()
		return nil
	})

	return g.Wait()
}

// shutdown tears down components in dependency order
func (s *Server) shutdown() {
	s.log.Info("relay server stopping")

	s.pairing.Stop()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.bridge.Close()
	s.gateway.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Error("http server shutdown failed", "error", err)
	}

	if err := s.auditor.Close(); err != nil {
		s.log.Error("audit log close failed", "error", err)
	}

	s.log.Info("relay server stopped")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds":    int(time.Since(s.startedAt).Seconds()),
		"bridge_connected":  s.bridge.IsConnected(),
		"connected_devices": s.gateway.ConnectionCount(),
		"pending_pairings":  s.pairing.ActiveSessionCount(),
	})
}

// pairRequest mirrors the WebSocket pairing exchange for REST clients
type pairRequest struct {
	SessionID  string `json:"session_id"`
	TempToken  string `json:"temp_token"`
	DeviceInfo struct {
		DeviceName string `json:"device_name"`
		Platform   string `json:"platform"`
	} `json:"device_info"`
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "Invalid JSON",
		})
		return
	}

	if req.SessionID == "" || req.TempToken == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "Missing session_id or temp_token",
		})
		return
	}

	deviceName := req.DeviceInfo.DeviceName
	if deviceName == "" {
		deviceName = "Unknown Device"
	}
	platform := req.DeviceInfo.Platform
	if platform == "" {
		platform = "web"
	}
	if err := s.validator.ValidateDeviceInfo(deviceName, platform); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": fmt.Sprintf("Invalid device info: %v", err),
		})
		return
	}

	deviceID, ok := s.pairing.ValidatePairing(req.SessionID, req.TempToken)
	if !ok {
		s.auditor.LogPairing(req.SessionID, "", r.RemoteAddr, false)
		s.recorder.RecordAuthFailure("pairing")
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"message": "Invalid pairing credentials",
		})
		return
	}

	token, err := s.auth.Issue(deviceID, deviceName)
	if err != nil {
		s.log.Error("failed to issue credential", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"message": "Internal server error",
		})
		return
	}

	s.auditor.LogPairing(req.SessionID, deviceID, r.RemoteAddr, true)
	s.recorder.RecordPairingRedeemed()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"jwt_token":   token,
		"device_id":   deviceID,
		"device_name": deviceName,
		"message":     "Pairing successful",
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JWTToken string `json:"jwt_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "Invalid JSON",
		})
		return
	}

	token, err := s.auth.Refresh(req.JWTToken)
	if err != nil {
		s.recorder.RecordAuthFailure("refresh")
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"message": "Invalid or expired token",
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"jwt_token": token,
		"message":   "Token refreshed successfully",
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"devices": s.gateway.ConnectedDevices(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.pairing.CreateSession()
	if err != nil {
		s.log.Error("failed to create pairing session", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"message": "Failed to create pairing session",
		})
		return
	}

	s.recorder.RecordPairingCreated()
	s.recorder.SetPendingPairings(s.pairing.ActiveSessionCount())

	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id":    session.SessionID,
		"temp_token":    session.TempToken,
		"websocket_url": s.cfg.WebsocketURL(),
		"expires_at":    session.ExpiresAt.Format(time.RFC3339),
	})
}

// handleQR mints a pairing session and returns its QR code as a PNG
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	session, err := s.pairing.CreateSession()
	if err != nil {
		s.log.Error("failed to create pairing session", "error", err)
		http.Error(w, "failed to create pairing session", http.StatusInternalServerError)
		return
	}

	png, err := s.pairing.QRPNG(session, 320)
	if err != nil {
		s.log.Error("failed to render qr code", "error", err)
		http.Error(w, "failed to render qr code", http.StatusInternalServerError)
		return
	}

	s.recorder.RecordPairingCreated()
	s.recorder.SetPendingPairings(s.pairing.ActiveSessionCount())

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}
