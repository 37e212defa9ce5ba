package pairing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCreateSession(t *testing.T) {
	m := NewManager("ws://localhost:8765", 5*time.Minute)

	s, err := m.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Unpadded base64url lengths: 16 bytes -> 22 chars, 32 bytes -> 43 chars
	if len(s.SessionID) != 22 {
		t.Errorf("Expected 22-char session ID, got %d", len(s.SessionID))
	}
	if len(s.TempToken) != 43 {
		t.Errorf("Expected 43-char temp token, got %d", len(s.TempToken))
	}
	if !s.ExpiresAt.After(s.CreatedAt) {
		t.Error("Session expires before it was created")
	}
	if m.ActiveSessionCount() != 1 {
		t.Errorf("Expected 1 active session, got %d", m.ActiveSessionCount())
	}
}

func TestValidatePairingOneShot(t *testing.T) {
	m := NewManager("ws://localhost:8765", 5*time.Minute)

	s, err := m.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	deviceID, ok := m.ValidatePairing(s.SessionID, s.TempToken)
	if !ok {
		t.Fatal("Expected pairing to succeed")
	}
	if !strings.HasPrefix(deviceID, "device_") {
		t.Errorf("Expected device_ prefix, got %s", deviceID)
	}
	if deviceID != "device_"+s.SessionID[:8] {
		t.Errorf("Device ID not derived from session ID: %s", deviceID)
	}

	// Second redemption must fail
	if _, ok := m.ValidatePairing(s.SessionID, s.TempToken); ok {
		t.Error("Expected second redemption to fail")
	}
	if m.ActiveSessionCount() != 0 {
		t.Errorf("Expected 0 active sessions, got %d", m.ActiveSessionCount())
	}
}

func TestValidatePairingWrongToken(t *testing.T) {
	m := NewManager("ws://localhost:8765", 5*time.Minute)

	s, err := m.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if _, ok := m.ValidatePairing(s.SessionID, "wrong-token"); ok {
		t.Error("Expected pairing with wrong token to fail")
	}

	// A mismatch leaves the session pending; the real device can still pair
	if m.ActiveSessionCount() != 1 {
		t.Errorf("Expected session to survive a token mismatch, got %d active", m.ActiveSessionCount())
	}
	if _, ok := m.ValidatePairing(s.SessionID, s.TempToken); !ok {
		t.Error("Expected pairing with correct token to succeed after a mismatch")
	}
}

func TestValidatePairingUnknownSession(t *testing.T) {
	m := NewManager("ws://localhost:8765", 5*time.Minute)
	if _, ok := m.ValidatePairing("nonexistent", "token"); ok {
		t.Error("Expected pairing for unknown session to fail")
	}
}

func TestValidatePairingExpired(t *testing.T) {
	m := NewManager("ws://localhost:8765", -time.Minute)

	s, err := m.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if _, ok := m.ValidatePairing(s.SessionID, s.TempToken); ok {
		t.Error("Expected pairing with expired session to fail")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	m := NewManager("ws://localhost:8765", -time.Minute)

	if _, err := m.CreateSession(); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := m.CreateSession(); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	removed := m.sweep()
	if removed != 2 {
		t.Errorf("Expected 2 swept sessions, got %d", removed)
	}
	if m.ActiveSessionCount() != 0 {
		t.Errorf("Expected 0 active sessions after sweep, got %d", m.ActiveSessionCount())
	}
}

func TestSessionLookup(t *testing.T) {
	m := NewManager("ws://localhost:8765", 5*time.Minute)

	s, err := m.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got := m.Session(s.SessionID)
	if got == nil {
		t.Fatal("Expected to find pending session")
	}
	if got.TempToken != s.TempToken {
		t.Error("Session lookup returned wrong session")
	}
	if m.Session("missing") != nil {
		t.Error("Expected nil for unknown session")
	}
}

func TestQRPayload(t *testing.T) {
	m := NewManager("wss://relay.example.com/ws", 5*time.Minute)

	s, err := m.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	raw, err := m.QRPayload(s)
	if err != nil {
		t.Fatalf("QRPayload failed: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("QR payload is not valid JSON: %v", err)
	}
	if payload["session_id"] != s.SessionID {
		t.Errorf("Payload session_id mismatch: %v", payload["session_id"])
	}
	if payload["temp_token"] != s.TempToken {
		t.Errorf("Payload temp_token mismatch: %v", payload["temp_token"])
	}
	if payload["websocket_url"] != "wss://relay.example.com/ws" {
		t.Errorf("Payload websocket_url mismatch: %v", payload["websocket_url"])
	}
	ts, ok := payload["timestamp"].(float64)
	if !ok {
		t.Fatal("Payload timestamp missing or not numeric")
	}
	if ts != float64(s.CreatedAt.Unix()) {
		t.Errorf("Payload timestamp should be whole seconds, got %v", ts)
	}
}

func TestGenerateQRASCII(t *testing.T) {
	m := NewManager("ws://localhost:8765", 5*time.Minute)

	s, err := m.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	ascii, err := m.GenerateQRASCII(s)
	if err != nil {
		t.Fatalf("GenerateQRASCII failed: %v", err)
	}
	if !strings.Contains(ascii, "██") {
		t.Error("ASCII QR contains no dark modules")
	}
	lines := strings.Split(strings.TrimRight(ascii, "\n"), "\n")
	if len(lines) < 21 {
		t.Errorf("ASCII QR suspiciously small: %d lines", len(lines))
	}
	// Two-module quiet zone on every side
	for _, i := range []int{0, 1, len(lines) - 2, len(lines) - 1} {
		if strings.Contains(lines[i], "██") {
			t.Errorf("Quiet zone line %d contains dark modules", i)
		}
	}
	for i, line := range lines {
		if strings.Contains(line[:4], "█") {
			t.Errorf("Line %d missing left quiet zone", i)
		}
	}
}

func TestSaveQRImage(t *testing.T) {
	m := NewManager("ws://localhost:8765", 5*time.Minute)

	s, err := m.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "pair.png")
	if err := m.SaveQRImage(s, path, 256); err != nil {
		t.Fatalf("SaveQRImage failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("QR image not written: %v", err)
	}
	if info.Size() == 0 {
		t.Error("QR image is empty")
	}
}

func TestDeviceIDFromSession(t *testing.T) {
	if got := DeviceIDFromSession("abcdefghij"); got != "device_abcdefgh" {
		t.Errorf("Expected device_abcdefgh, got %s", got)
	}
	// Short session IDs are used whole
	if got := DeviceIDFromSession("abc"); got != "device_abc" {
		t.Errorf("Expected device_abc, got %s", got)
	}
}
