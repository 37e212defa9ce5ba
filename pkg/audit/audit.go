// Package audit writes an append-only JSON-lines security audit log with
// size-based rotation.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/armorclaw/relay/pkg/logger"
)

// Event is a single audit log record
type Event struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"event_type"`
	DeviceID  string         `json:"device_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	Success   bool           `json:"success"`
	Details   map[string]any `json:"details,omitempty"`
}

// Logger is an append-only audit log. All writes are serialized; a write
// that would push the active file past the size limit triggers rotation
// first.
type Logger struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	size     int64
	maxSize  int64
	maxFiles int
	enabled  bool
	log      *logger.Logger
}

// New opens (or creates) the audit log at path. maxSizeMB bounds each file;
// maxFiles bounds how many rotated files are kept.
func New(path string, maxSizeMB, maxFiles int) (*Logger, error) {
	if maxSizeMB < 1 {
		maxSizeMB = 100
	}
	if maxFiles < 1 {
		maxFiles = 10
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat audit log: %w", err)
	}

	return &Logger{
		path:     path,
		file:     f,
		size:     info.Size(),
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		maxFiles: maxFiles,
		enabled:  true,
		log:      logger.Global().WithComponent("audit"),
	}, nil
}

// NewDisabled returns a logger that silently discards all events
func NewDisabled() *Logger {
	return &Logger{enabled: false}
}

// Close flushes and closes the active audit file
func (a *Logger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// Log records an event. Failures are reported to the process log but never
// propagate to callers; auditing must not break request handling.
func (a *Logger) Log(eventType, deviceID, ipAddress string, success bool, details map[string]any) {
	if !a.enabled {
		return
	}

	event := Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		DeviceID:  deviceID,
		IPAddress: ipAddress,
		Success:   success,
		Details:   details,
	}

	line, err := json.Marshal(event)
	if err != nil {
		a.log.Error("failed to marshal audit event", "error", err)
		return
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return
	}

	if a.size+int64(len(line)) > a.maxSize {
		if err := a.rotate(); err != nil {
			a.log.Error("audit log rotation failed", "error", err)
		}
	}

	n, err := a.file.Write(line)
	if err != nil {
		a.log.Error("failed to write audit event", "error", err)
		return
	}
	a.size += int64(n)
}

// rotate shifts audit.log.k to audit.log.k+1 for all kept files, moves the
// active file to audit.log.1 and opens a fresh active file. Caller holds mu.
func (a *Logger) rotate() error {
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("failed to close active audit file: %w", err)
	}

	// Oldest file falls off the end
	oldest := fmt.Sprintf("%s.%d", a.path, a.maxFiles)
	_ = os.Remove(oldest)

	for i := a.maxFiles - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", a.path, i)
		to := fmt.Sprintf("%s.%d", a.path, i+1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return fmt.Errorf("failed to shift %s: %w", from, err)
			}
		}
	}

	if err := os.Rename(a.path, a.path+".1"); err != nil {
		return fmt.Errorf("failed to rotate active audit file: %w", err)
	}

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open fresh audit file: %w", err)
	}
	a.file = f
	a.size = 0
	return nil
}

// LogAuthentication records a credential validation attempt
func (a *Logger) LogAuthentication(deviceID, ipAddress string, success bool, method string) {
	a.Log("authentication", deviceID, ipAddress, success, map[string]any{
		"method": method,
	})
}

// LogPairing records a pairing session redemption attempt
func (a *Logger) LogPairing(sessionID, deviceID, ipAddress string, success bool) {
	a.Log("pairing", deviceID, ipAddress, success, map[string]any{
		"session_id": sessionID,
	})
}

// LogRateLimit records a rate-limited request
func (a *Logger) LogRateLimit(identifier, ipAddress string) {
	a.Log("rate_limit_exceeded", identifier, ipAddress, false, nil)
}

// LogAccessDenied records a rejected connection or message
func (a *Logger) LogAccessDenied(remoteAddr, reason string) {
	a.Log("access_denied", "", remoteAddr, false, map[string]any{
		"reason": reason,
	})
}

// LogBridgeEvent records a bridge tunnel lifecycle event
func (a *Logger) LogBridgeEvent(eventType, remoteAddr string) {
	a.Log(eventType, "", remoteAddr, true, nil)
}

// RecentEvents returns up to limit events from the active audit file, newest
// last. Rotated files are not consulted.
func (a *Logger) RecentEvents(limit int) ([]Event, error) {
	if !a.enabled {
		return nil, nil
	}

	a.mu.Lock()
	path := a.path
	a.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			// Skip torn or corrupt lines
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}
