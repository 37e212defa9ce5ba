// Package pairing manages short-lived QR pairing sessions.
//
// A pairing session is a one-shot credential exchange: the relay mints a
// session with a temporary token, renders it as a QR code, and a mobile
// device redeems it exactly once over the WebSocket to obtain a long-lived
// credential. Sessions expire after a few minutes and are swept in the
// background.
package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/armorclaw/relay/pkg/logger"
	"github.com/armorclaw/relay/pkg/securerandom"
)

const (
	// sessionIDBytes gives 128 bits of session ID entropy
	sessionIDBytes = 16
	// tempTokenBytes gives 256 bits of temp token entropy
	tempTokenBytes = 32

	sweepInterval = time.Minute
)

// Session is a pending pairing session
type Session struct {
	SessionID string    `json:"session_id"`
	TempToken string    `json:"temp_token"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry
func (s *Session) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}

// qrPayload is the JSON embedded in the pairing QR code
type qrPayload struct {
	SessionID    string `json:"session_id"`
	WebsocketURL string `json:"websocket_url"`
	TempToken    string `json:"temp_token"`
	Timestamp    int64  `json:"timestamp"`
}

// Manager tracks pending pairing sessions
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	websocketURL string
	expiry       time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	log      *logger.Logger
}

// NewManager creates a pairing manager. websocketURL is embedded in QR
// payloads so the scanning device knows where to connect.
func NewManager(websocketURL string, expiry time.Duration) *Manager {
	return &Manager{
		sessions:     make(map[string]*Session),
		websocketURL: websocketURL,
		expiry:       expiry,
		stopCh:       make(chan struct{}),
		log:          logger.Global().WithComponent("pairing"),
	}
}

// Start launches the background sweeper. Returns when ctx is cancelled or
// Stop is called.
func (m *Manager) Start(ctx context.Context) {
	go m.sweepLoop(ctx)
}

// Stop terminates the background sweeper
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if removed := m.sweep(); removed > 0 {
				m.log.Debug("swept expired pairing sessions", "removed", removed)
			}
		}
	}
}

func (m *Manager) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	now := time.Now()
	for id, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// CreateSession mints a new pairing session
func (m *Manager) CreateSession() (*Session, error) {
	sessionID, err := securerandom.Token(sessionIDBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	tempToken, err := securerandom.Token(tempTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate temp token: %w", err)
	}

	now := time.Now()
	s := &Session{
		SessionID: sessionID,
		TempToken: tempToken,
		CreatedAt: now,
		ExpiresAt: now.Add(m.expiry),
	}

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()

	m.log.Info("pairing session created",
		"session_id", sessionID,
		"expires_at", s.ExpiresAt.Format(time.RFC3339),
	)

	return s, nil
}

// ValidatePairing redeems a pairing session. The session is consumed on
// success or on observed expiry; a temp token mismatch leaves it pending
// so the QR code can still be redeemed. Returns the derived device ID on
// success.
func (m *Manager) ValidatePairing(sessionID, tempToken string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		m.log.Warn("pairing attempt for unknown session", "session_id", sessionID)
		return "", false
	}
	if s.Expired() {
		delete(m.sessions, sessionID)
		m.log.Warn("pairing attempt for expired session", "session_id", sessionID)
		return "", false
	}
	if s.TempToken != tempToken {
		m.log.Warn("pairing attempt with wrong temp token", "session_id", sessionID)
		return "", false
	}

	delete(m.sessions, sessionID)
	deviceID := DeviceIDFromSession(sessionID)
	m.log.Info("pairing session redeemed",
		"session_id", sessionID,
		"device_id", deviceID,
	)
	return deviceID, true
}

// Session returns the pending session with the given ID, or nil
func (m *Manager) Session(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.Expired() {
		return nil
	}
	return s
}

// ActiveSessionCount returns the number of unexpired pending sessions
func (m *Manager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	now := time.Now()
	for _, s := range m.sessions {
		if now.Before(s.ExpiresAt) {
			count++
		}
	}
	return count
}

// DeviceIDFromSession derives the stable device identifier for a session
func DeviceIDFromSession(sessionID string) string {
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	return "device_" + sessionID
}

// QRPayload returns the JSON payload embedded in the session's QR code
func (m *Manager) QRPayload(s *Session) ([]byte, error) {
	payload := qrPayload{
		SessionID:    s.SessionID,
		WebsocketURL: m.websocketURL,
		TempToken:    s.TempToken,
		Timestamp:    s.CreatedAt.Unix(),
	}
	return json.Marshal(payload)
}

// asciiQuietZone is the light border around the terminal QR render,
// in modules
const asciiQuietZone = 2

// GenerateQRASCII renders the session's QR code as a terminal-printable
// string using full-block characters
func (m *Manager) GenerateQRASCII(s *Session) (string, error) {
	payload, err := m.QRPayload(s)
	if err != nil {
		return "", err
	}
	return ASCIIQR(string(payload))
}

// ASCIIQR renders an arbitrary payload as a terminal-printable QR code
// with a two-module quiet zone
func ASCIIQR(payload string) (string, error) {
	code, err := qrcode.New(payload, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("failed to generate qr code: %w", err)
	}
	code.DisableBorder = true

	bitmap := code.Bitmap()
	size := len(bitmap)
	var b strings.Builder
	for y := -asciiQuietZone; y < size+asciiQuietZone; y++ {
		for x := -asciiQuietZone; x < size+asciiQuietZone; x++ {
			dark := y >= 0 && y < size && x >= 0 && x < size && bitmap[y][x]
			if dark {
				b.WriteString("██")
			} else {
				b.WriteString("  ")
			}
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// QRPNG renders the session's QR code as PNG bytes
func (m *Manager) QRPNG(s *Session, size int) ([]byte, error) {
	payload, err := m.QRPayload(s)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(string(payload), qrcode.Low, size)
	if err != nil {
		return nil, fmt.Errorf("failed to encode qr code: %w", err)
	}
	return png, nil
}

// SaveQRImage writes the session's QR code as a PNG file
func (m *Manager) SaveQRImage(s *Session, path string, size int) error {
	payload, err := m.QRPayload(s)
	if err != nil {
		return err
	}
	if size <= 0 {
		size = 256
	}
	if err := qrcode.WriteFile(string(payload), qrcode.Low, size, path); err != nil {
		return fmt.Errorf("failed to write qr image: %w", err)
	}
	return nil
}
