package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load loads configuration from the first available path, applies environment
// overrides, and validates. Returns defaults if no config file exists.
func Load(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	// An empty -config flag means "search the standard locations"
	candidates := make([]string, 0, len(paths))
	for _, p := range paths {
		if p != "" {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		candidates = ConfigPaths()
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		break
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDie loads configuration or exits the process on error
func LoadOrDie(paths ...string) *Config {
	cfg, err := Load(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// applyEnvOverrides applies environment variable overrides to the config.
// Deployment platforms typically inject PORT, JWT_SECRET, BRIDGE_TOKEN and
// RELAY_PUBLIC_URL; everything else uses the RELAY_ prefix.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET", "RELAY_JWT_SECRET")
	setString(&cfg.Auth.JWTAlgorithm, "RELAY_JWT_ALGORITHM")
	setInt(&cfg.Auth.JWTExpiryHours, "RELAY_JWT_EXPIRY_HOURS")
	setInt(&cfg.Auth.PairingSessionExpiryMinutes, "RELAY_PAIRING_EXPIRY_MINUTES")

	setBool(&cfg.Channels.Mobile.Enabled, "RELAY_MOBILE_ENABLED")
	setInt(&cfg.Channels.Mobile.WebsocketPort, "PORT", "RELAY_PORT")
	setBool(&cfg.Channels.Mobile.TLSEnabled, "RELAY_TLS_ENABLED")
	setString(&cfg.Channels.Mobile.TLSCertPath, "RELAY_TLS_CERT")
	setString(&cfg.Channels.Mobile.TLSKeyPath, "RELAY_TLS_KEY")
	setInt(&cfg.Channels.Mobile.MaxConnections, "RELAY_MAX_CONNECTIONS")
	setInt(&cfg.Channels.Mobile.HeartbeatInterval, "RELAY_HEARTBEAT_INTERVAL")

	setBool(&cfg.Enterprise.RateLimitEnabled, "RELAY_RATE_LIMIT_ENABLED")
	setInt(&cfg.Enterprise.RateLimitRequestsPerMinute, "RELAY_RATE_LIMIT_RPM")
	setInt(&cfg.Enterprise.RateLimitBlockSeconds, "RELAY_RATE_LIMIT_BLOCK_SECONDS")
	setBool(&cfg.Enterprise.AuditLogEnabled, "RELAY_AUDIT_LOG_ENABLED")
	setString(&cfg.Enterprise.AuditLogPath, "RELAY_AUDIT_LOG_PATH")
	setBool(&cfg.Enterprise.IPWhitelistEnabled, "RELAY_IP_WHITELIST_ENABLED")
	if v := os.Getenv("RELAY_IP_WHITELIST"); v != "" {
		parts := strings.Split(v, ",")
		list := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				list = append(list, p)
			}
		}
		cfg.Enterprise.IPWhitelist = list
	}

	if v := os.Getenv("RELAY_ALLOWED_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		list := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				list = append(list, p)
			}
		}
		cfg.Network.AllowedOrigins = list
	}

	setString(&cfg.Relay.PublicURL, "RELAY_PUBLIC_URL")
	setString(&cfg.Relay.BridgeToken, "BRIDGE_TOKEN", "RELAY_BRIDGE_TOKEN")

	setBool(&cfg.Metrics.Enabled, "RELAY_METRICS_ENABLED")

	setString(&cfg.Logging.Level, "RELAY_LOG_LEVEL")
	setString(&cfg.Logging.Format, "RELAY_LOG_FORMAT")
	setString(&cfg.Logging.Output, "RELAY_LOG_OUTPUT")
}

func setString(dst *string, keys ...string) {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			*dst = v
			return
		}
	}
}

func setInt(dst *int, keys ...string) {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
			return
		}
	}
}

func setBool(dst *bool, keys ...string) {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
			return
		}
	}
}

// Save writes the configuration to the given path
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// GenerateExampleConfig returns an example configuration file as a string
func GenerateExampleConfig() string {
	return `# Relay configuration

[auth]
# Secret used to sign device credentials. Leave empty to generate a
# transient secret at startup (devices must re-pair after restart).
jwt_secret = ""
jwt_algorithm = "HS256"
jwt_expiry_hours = 720
pairing_session_expiry_minutes = 5

[channels.mobile]
enabled = true
websocket_port = 8765
tls_enabled = false
tls_cert_path = ""
tls_key_path = ""
max_connections = 100
heartbeat_interval = 30

[enterprise]
rate_limit_enabled = true
rate_limit_requests_per_minute = 60
rate_limit_block_seconds = 300
audit_log_enabled = true
audit_log_path = "~/.relay/audit.log"
audit_log_max_size_mb = 100
audit_log_max_files = 10
ip_whitelist_enabled = false
ip_whitelist = []

[network]
# Empty list allows all origins
allowed_origins = []

[relay]
# Public WebSocket URL embedded in pairing QR codes
public_url = ""
# Shared secret the local bridge presents when connecting
bridge_token = ""

[metrics]
enabled = true

[logging]
level = "info"
format = "text"
output = "stdout"
`
}
