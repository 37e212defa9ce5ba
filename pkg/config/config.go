// Package config provides configuration management for the relay.
// Supports TOML configuration files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingValue  = errors.New("missing required configuration value")
)

// Config holds all relay configuration
type Config struct {
	// Auth configuration
	Auth AuthConfig `toml:"auth"`

	// Channels configuration
	Channels ChannelsConfig `toml:"channels"`

	// Enterprise hardening configuration
	Enterprise EnterpriseConfig `toml:"enterprise"`

	// Network configuration
	Network NetworkConfig `toml:"network"`

	// Relay configuration
	Relay RelayConfig `toml:"relay"`

	// Metrics configuration
	Metrics MetricsConfig `toml:"metrics"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// AuthConfig holds credential and pairing configuration
type AuthConfig struct {
	// JWTSecret signs device credentials. If absent or shorter than 32 bytes
	// a transient high-entropy secret is generated at startup.
	JWTSecret string `toml:"jwt_secret" env:"JWT_SECRET"`

	// JWTAlgorithm is the signing algorithm (HS256, HS384, HS512)
	JWTAlgorithm string `toml:"jwt_algorithm" env:"RELAY_JWT_ALGORITHM"`

	// JWTExpiryHours is the device credential lifetime in hours
	JWTExpiryHours int `toml:"jwt_expiry_hours" env:"RELAY_JWT_EXPIRY_HOURS"`

	// PairingSessionExpiryMinutes is how long pairing sessions remain valid
	PairingSessionExpiryMinutes int `toml:"pairing_session_expiry_minutes" env:"RELAY_PAIRING_EXPIRY_MINUTES"`
}

// ChannelsConfig holds per-channel configuration
type ChannelsConfig struct {
	Mobile MobileConfig `toml:"mobile"`
}

// MobileConfig holds the mobile WebSocket endpoint configuration
type MobileConfig struct {
	// Enabled enables the mobile WebSocket endpoint
	Enabled bool `toml:"enabled" env:"RELAY_MOBILE_ENABLED"`

	// WebsocketPort is the listen port for mobile and bridge WebSockets
	WebsocketPort int `toml:"websocket_port" env:"PORT"`

	// TLSEnabled enables TLS on the WebSocket listener
	TLSEnabled bool `toml:"tls_enabled" env:"RELAY_TLS_ENABLED"`

	// TLSCertPath is the path to the TLS certificate (required when TLS enabled)
	TLSCertPath string `toml:"tls_cert_path" env:"RELAY_TLS_CERT"`

	// TLSKeyPath is the path to the TLS private key (required when TLS enabled)
	TLSKeyPath string `toml:"tls_key_path" env:"RELAY_TLS_KEY"`

	// MaxConnections is the maximum concurrent mobile connections
	MaxConnections int `toml:"max_connections" env:"RELAY_MAX_CONNECTIONS"`

	// HeartbeatInterval is the WebSocket ping interval in seconds
	HeartbeatInterval int `toml:"heartbeat_interval" env:"RELAY_HEARTBEAT_INTERVAL"`
}

// EnterpriseConfig holds security hardening configuration
type EnterpriseConfig struct {
	// RateLimitEnabled enables per-identifier rate limiting
	RateLimitEnabled bool `toml:"rate_limit_enabled" env:"RELAY_RATE_LIMIT_ENABLED"`

	// RateLimitRequestsPerMinute is the sliding-window request budget
	RateLimitRequestsPerMinute int `toml:"rate_limit_requests_per_minute" env:"RELAY_RATE_LIMIT_RPM"`

	// RateLimitBlockSeconds is how long an identifier stays blocked after
	// exceeding the budget
	RateLimitBlockSeconds int `toml:"rate_limit_block_seconds" env:"RELAY_RATE_LIMIT_BLOCK_SECONDS"`

	// AuditLogEnabled enables the append-only audit log
	AuditLogEnabled bool `toml:"audit_log_enabled" env:"RELAY_AUDIT_LOG_ENABLED"`

	// AuditLogPath is the audit log file path
	AuditLogPath string `toml:"audit_log_path" env:"RELAY_AUDIT_LOG_PATH"`

	// AuditLogMaxSizeMB is the rotation threshold per audit file
	AuditLogMaxSizeMB int `toml:"audit_log_max_size_mb" env:"RELAY_AUDIT_LOG_MAX_SIZE_MB"`

	// AuditLogMaxFiles is the number of rotated audit files to keep
	AuditLogMaxFiles int `toml:"audit_log_max_files" env:"RELAY_AUDIT_LOG_MAX_FILES"`

	// IPWhitelistEnabled enables the IP allowlist
	IPWhitelistEnabled bool `toml:"ip_whitelist_enabled" env:"RELAY_IP_WHITELIST_ENABLED"`

	// IPWhitelist is the list of allowed addresses or CIDR ranges
	IPWhitelist []string `toml:"ip_whitelist"`
}

// NetworkConfig holds network-level configuration
type NetworkConfig struct {
	// AllowedOrigins restricts WebSocket/CORS origins (empty = allow all)
	AllowedOrigins []string `toml:"allowed_origins"`
}

// RelayConfig holds relay deployment configuration
type RelayConfig struct {
	// PublicURL is the public WebSocket URL advertised in QR codes
	PublicURL string `toml:"public_url" env:"RELAY_PUBLIC_URL"`

	// BridgeToken is the shared secret for bridge authentication
	BridgeToken string `toml:"bridge_token" env:"BRIDGE_TOKEN"`
}

// MetricsConfig holds Prometheus exposition configuration
type MetricsConfig struct {
	// Enabled exposes /metrics on the relay HTTP server
	Enabled bool `toml:"enabled" env:"RELAY_METRICS_ENABLED"`
}

// LoggingConfig holds logging-specific configuration
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `toml:"level" env:"RELAY_LOG_LEVEL"`

	// Format is the log format (json, text)
	Format string `toml:"format" env:"RELAY_LOG_FORMAT"`

	// Output is the log output (stdout, stderr, or file path)
	Output string `toml:"output" env:"RELAY_LOG_OUTPUT"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Auth: AuthConfig{
			JWTSecret:                   "",
			JWTAlgorithm:                "HS256",
			JWTExpiryHours:              720, // 30 days
			PairingSessionExpiryMinutes: 5,
		},
		Channels: ChannelsConfig{
			Mobile: MobileConfig{
				Enabled:           true,
				WebsocketPort:     8765,
				TLSEnabled:        false,
				TLSCertPath:       "",
				TLSKeyPath:        "",
				MaxConnections:    100,
				HeartbeatInterval: 30,
			},
		},
		Enterprise: EnterpriseConfig{
			RateLimitEnabled:           true,
			RateLimitRequestsPerMinute: 60,
			RateLimitBlockSeconds:      300,
			AuditLogEnabled:            true,
			AuditLogPath:               filepath.Join(homeDir, ".relay", "audit.log"),
			AuditLogMaxSizeMB:          100,
			AuditLogMaxFiles:           10,
			IPWhitelistEnabled:         false,
			IPWhitelist:                []string{},
		},
		Network: NetworkConfig{
			AllowedOrigins: []string{},
		},
		Relay: RelayConfig{
			PublicURL:   "",
			BridgeToken: "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// ConfigPaths returns the list of default configuration file paths to check
func ConfigPaths() []string {
	homeDir, _ := os.UserHomeDir()
	return []string{
		filepath.Join(homeDir, ".relay", "config.toml"),
		filepath.Join("/etc", "relay", "config.toml"),
		"./config.toml",
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Channels.Mobile.WebsocketPort < 1 || c.Channels.Mobile.WebsocketPort > 65535 {
		return fmt.Errorf("%w: channels.mobile.websocket_port must be 1-65535", ErrInvalidConfig)
	}

	if c.Channels.Mobile.TLSEnabled {
		if c.Channels.Mobile.TLSCertPath == "" || c.Channels.Mobile.TLSKeyPath == "" {
			return fmt.Errorf("%w: tls_cert_path and tls_key_path are required when tls_enabled", ErrInvalidConfig)
		}
	}

	if c.Channels.Mobile.MaxConnections < 1 {
		return fmt.Errorf("%w: channels.mobile.max_connections must be at least 1", ErrInvalidConfig)
	}

	if c.Channels.Mobile.HeartbeatInterval < 1 {
		return fmt.Errorf("%w: channels.mobile.heartbeat_interval must be at least 1 second", ErrInvalidConfig)
	}

	if c.Auth.JWTExpiryHours < 1 {
		return fmt.Errorf("%w: auth.jwt_expiry_hours must be at least 1", ErrInvalidConfig)
	}

	if c.Auth.PairingSessionExpiryMinutes < 1 {
		return fmt.Errorf("%w: auth.pairing_session_expiry_minutes must be at least 1", ErrInvalidConfig)
	}

	validAlgorithms := map[string]bool{
		"HS256": true,
		"HS384": true,
		"HS512": true,
	}
	if !validAlgorithms[c.Auth.JWTAlgorithm] {
		return fmt.Errorf("%w: auth.jwt_algorithm must be one of: HS256, HS384, HS512", ErrInvalidConfig)
	}

	if c.Enterprise.RateLimitRequestsPerMinute < 1 {
		return fmt.Errorf("%w: enterprise.rate_limit_requests_per_minute must be at least 1", ErrInvalidConfig)
	}

	if c.Enterprise.AuditLogEnabled && c.Enterprise.AuditLogPath == "" {
		return fmt.Errorf("%w: enterprise.audit_log_path is required when audit log is enabled", ErrInvalidConfig)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("%w: logging.level must be one of: debug, info, warn, error", ErrInvalidConfig)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("%w: logging.format must be one of: json, text", ErrInvalidConfig)
	}

	return nil
}

// HeartbeatInterval returns the mobile heartbeat interval as a Duration
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Channels.Mobile.HeartbeatInterval) * time.Second
}

// PairingSessionExpiry returns the pairing session lifetime as a Duration
func (c *Config) PairingSessionExpiry() time.Duration {
	return time.Duration(c.Auth.PairingSessionExpiryMinutes) * time.Minute
}

// WebsocketURL returns the public WebSocket URL for QR payloads.
// Falls back to a local ws:// URL when no public URL is configured.
func (c *Config) WebsocketURL() string {
	if c.Relay.PublicURL != "" {
		return c.Relay.PublicURL
	}
	scheme := "ws"
	if c.Channels.Mobile.TLSEnabled {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://localhost:%d", scheme, c.Channels.Mobile.WebsocketPort)
}
