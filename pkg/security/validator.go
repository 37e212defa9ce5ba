package security

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

const (
	// MaxMessageBytes is the largest accepted message content
	MaxMessageBytes = 100000
	// MaxDeviceNameLength bounds device display names
	MaxDeviceNameLength = 50
)

var (
	// ErrContentEmpty rejects messages with no content
	ErrContentEmpty = errors.New("message content is empty")
	// ErrContentTooLarge rejects messages over the size bound
	ErrContentTooLarge = errors.New("message content too large")
	// ErrSuspiciousContent rejects messages matching injection patterns
	ErrSuspiciousContent = errors.New("message content contains suspicious patterns")
)

var (
	deviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9\s\-_]{1,50}$`)

	validPlatforms = map[string]bool{
		"ios":     true,
		"android": true,
		"web":     true,
		"desktop": true,
	}

	// Patterns that indicate script injection attempts in message content
	suspiciousPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
		regexp.MustCompile(`(?i)javascript:`),
		regexp.MustCompile(`(?i)on\w+\s*=`),
	}

	whitespaceRun = regexp.MustCompile(`\s+`)
)

// Validator performs input validation and IP allowlist checks
type Validator struct {
	allowlistEnabled bool
	allowedNets      []*net.IPNet
	allowedIPs       map[string]bool
}

// NewValidator creates a validator. allowlist entries may be plain IPs or
// CIDR ranges; invalid entries are reported as an error.
func NewValidator(allowlistEnabled bool, allowlist []string) (*Validator, error) {
	v := &Validator{
		allowlistEnabled: allowlistEnabled,
		allowedIPs:       make(map[string]bool),
	}

	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid allowlist CIDR %q: %w", entry, err)
			}
			v.allowedNets = append(v.allowedNets, ipNet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid allowlist address %q", entry)
		}
		v.allowedIPs[ip.String()] = true
	}

	return v, nil
}

// CheckIP reports whether the address passes the allowlist. Always true when
// the allowlist is disabled. Unparseable addresses are rejected when the
// allowlist is enabled.
func (v *Validator) CheckIP(addr string) bool {
	if !v.allowlistEnabled {
		return true
	}

	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	if v.allowedIPs[ip.String()] {
		return true
	}
	for _, n := range v.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ValidateDeviceInfo checks pairing device metadata. device_name must be
// 1-50 chars of letters, digits, spaces, hyphens and underscores; platform
// must be a known platform name.
func (v *Validator) ValidateDeviceInfo(deviceName, platform string) error {
	if !deviceNamePattern.MatchString(deviceName) {
		return fmt.Errorf("invalid device name: must be 1-%d characters of letters, digits, spaces, hyphens or underscores", MaxDeviceNameLength)
	}
	if !validPlatforms[platform] {
		return fmt.Errorf("invalid platform %q: must be one of ios, android, web, desktop", platform)
	}
	return nil
}

// ValidateMessageContent checks message content for size bounds and script
// injection patterns
func (v *Validator) ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return ErrContentEmpty
	}
	if len(content) > MaxMessageBytes {
		return fmt.Errorf("%w: exceeds %d bytes", ErrContentTooLarge, MaxMessageBytes)
	}
	for _, p := range suspiciousPatterns {
		if p.MatchString(content) {
			return ErrSuspiciousContent
		}
	}
	return nil
}

// Sanitize normalizes message content: truncates to the size bound, strips
// NUL bytes and collapses whitespace runs to single spaces.
func (v *Validator) Sanitize(content string) string {
	if len(content) > MaxMessageBytes {
		content = content[:MaxMessageBytes]
	}
	content = strings.ReplaceAll(content, "\x00", "")
	content = whitespaceRun.ReplaceAllString(content, " ")
	return strings.TrimSpace(content)
}
