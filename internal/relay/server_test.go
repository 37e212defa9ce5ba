package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armorclaw/relay/internal/bridge"
	"github.com/armorclaw/relay/pkg/config"
)

const (
	testSecret      = "0123456789abcdef0123456789abcdef"
	testBridgeToken = "bridge-secret-token"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = testSecret
	cfg.Relay.BridgeToken = testBridgeToken
	cfg.Metrics.Enabled = false
	cfg.Enterprise.RateLimitEnabled = false
	cfg.Enterprise.AuditLogEnabled = true
	cfg.Enterprise.AuditLogPath = filepath.Join(t.TempDir(), "audit.log")

	s, err := New(cfg)
	require.NoError(t, err)
	s.startedAt = time.Now()

	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)
	return s, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHealthEndpoint(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, false, health["bridge_connected"])
	assert.Equal(t, float64(0), health["connected_devices"])
}

func TestRootInfoDocument(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "relay", info["service"])
}

func TestUnknownPathReturns404(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRESTPairingFlow(t *testing.T) {
	_, srv := newTestServer(t)

	resp, session := postJSON(t, srv.URL+"/auth/pairing/create-session", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, session["session_id"])
	require.NotEmpty(t, session["temp_token"])
	require.NotEmpty(t, session["websocket_url"])
	require.NotEmpty(t, session["expires_at"])

	resp, pair := postJSON(t, srv.URL+"/auth/pair", map[string]any{
		"session_id": session["session_id"],
		"temp_token": session["temp_token"],
		"device_info": map[string]string{
			"device_name": "Test Phone",
			"platform":    "ios",
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, pair["success"])
	assert.Equal(t, "Pairing successful", pair["message"])
	require.NotEmpty(t, pair["jwt_token"])
	assert.True(t, strings.HasPrefix(pair["device_id"].(string), "device_"))

	// The credential can be refreshed
	resp, refreshed := postJSON(t, srv.URL+"/auth/refresh", map[string]any{
		"jwt_token": pair["jwt_token"],
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, refreshed["success"])
	assert.Equal(t, "Token refreshed successfully", refreshed["message"])
	assert.NotEmpty(t, refreshed["jwt_token"])
}

func TestRESTPairingInvalidCredentials(t *testing.T) {
	_, srv := newTestServer(t)

	resp, pair := postJSON(t, srv.URL+"/auth/pair", map[string]any{
		"session_id": "nonexistent",
		"temp_token": "bogus",
	})
	// Failed pairing is a business failure, not an HTTP error
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, pair["success"])
	assert.Equal(t, "Invalid pairing credentials", pair["message"])
}

func TestRESTPairingSessionIsOneShot(t *testing.T) {
	s, srv := newTestServer(t)

	session, err := s.pairing.CreateSession()
	require.NoError(t, err)

	body := map[string]any{
		"session_id": session.SessionID,
		"temp_token": session.TempToken,
	}

	_, first := postJSON(t, srv.URL+"/auth/pair", body)
	require.Equal(t, true, first["success"])

	_, second := postJSON(t, srv.URL+"/auth/pair", body)
	assert.Equal(t, false, second["success"])
	assert.Equal(t, "Invalid pairing credentials", second["message"])
}

func TestRefreshInvalidToken(t *testing.T) {
	_, srv := newTestServer(t)

	resp, refreshed := postJSON(t, srv.URL+"/auth/refresh", map[string]any{
		"jwt_token": "garbage",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, refreshed["success"])
	assert.Equal(t, "Invalid or expired token", refreshed["message"])
}

func TestDevicesEndpoint(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/auth/devices")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Devices []any `json:"devices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Empty(t, body.Devices)
}

func TestQREndpoint(t *testing.T) {
	s, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/auth/qr")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	buf := make([]byte, 8)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\n"), buf)

	// The QR endpoint mints a redeemable pairing session
	assert.Equal(t, 1, s.pairing.ActiveSessionCount())
}

// pairMobile connects a mobile WebSocket client and completes pairing
func pairMobile(t *testing.T, s *Server, srv *httptest.Server) (*websocket.Conn, string) {
	t.Helper()

	session, err := s.pairing.CreateSession()
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":       "pair",
		"session_id": session.SessionID,
		"temp_token": session.TempToken,
		"device_info": map[string]string{
			"device_name": "Test Phone",
			"platform":    "ios",
		},
	}))

	resp := readWS(t, conn)
	require.Equal(t, "auth_success", resp["type"])
	return conn, resp["device_id"].(string)
}

func readWS(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestMobileToBridgeRoundtrip(t *testing.T) {
	s, srv := newTestServer(t)

	// Connect and authenticate the bridge side
	bridgeConn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/bridge"), nil)
	require.NoError(t, err)
	defer bridgeConn.Close()

	require.NoError(t, bridgeConn.WriteJSON(map[string]any{
		"type":         "bridge_auth",
		"bridge_token": testBridgeToken,
	}))
	authResp := readWS(t, bridgeConn)
	require.Equal(t, "bridge_auth_success", authResp["type"])
	require.Eventually(t, s.bridge.IsConnected, time.Second, 10*time.Millisecond)

	// Pair a mobile device and send a message
	mobileConn, deviceID := pairMobile(t, s, srv)
	require.NoError(t, mobileConn.WriteJSON(map[string]any{
		"type":    "message",
		"content": "what time is it",
	}))

	ack := readWS(t, mobileConn)
	require.Equal(t, "ack", ack["type"])

	// The bridge receives the forwarded message
	fwd := readWS(t, bridgeConn)
	assert.Equal(t, "bridge_message", fwd["type"])
	assert.Equal(t, deviceID, fwd["device_id"])
	assert.Equal(t, "Test Phone", fwd["sender"])
	assert.Equal(t, "what time is it", fwd["content"])
	assert.Equal(t, deviceID, fwd["chat_id"])

	// The agent response travels back to the device
	require.NoError(t, bridgeConn.WriteJSON(map[string]any{
		"type":      "bridge_response",
		"device_id": deviceID,
		"content":   "half past nine",
	}))

	reply := readWS(t, mobileConn)
	assert.Equal(t, "message", reply["type"])
	assert.Equal(t, "half past nine", reply["content"])
}

func TestOfflineNoticeWithoutBridge(t *testing.T) {
	s, srv := newTestServer(t)

	mobileConn, _ := pairMobile(t, s, srv)
	require.NoError(t, mobileConn.WriteJSON(map[string]any{
		"type":    "message",
		"content": "anyone there?",
	}))

	// Offline notice first, then the ack; both are queued from the same
	// read-pump dispatch so the order is deterministic.
	notice := readWS(t, mobileConn)
	require.Equal(t, "message", notice["type"])
	assert.Equal(t, bridge.OfflineNotice, notice["content"])

	ack := readWS(t, mobileConn)
	assert.Equal(t, "ack", ack["type"])
}

func TestHealthReflectsConnections(t *testing.T) {
	s, srv := newTestServer(t)

	pairMobile(t, s, srv)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, float64(1), health["connected_devices"])
	assert.Equal(t, false, health["bridge_connected"])
}
