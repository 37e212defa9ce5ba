// Package auth issues and validates device credentials.
//
// Credentials are HMAC-signed JWTs carrying the device identity. The signing
// secret comes from configuration; a weak or missing secret is replaced with
// a generated one at startup, which invalidates existing credentials and
// forces devices to re-pair.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/armorclaw/relay/pkg/logger"
	"github.com/armorclaw/relay/pkg/securerandom"
)

// MinSecretBytes is the minimum acceptable signing secret length
const MinSecretBytes = 32

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrWrongType    = errors.New("unexpected token type")
)

// Claims are the registered and private claims carried by device credentials
type Claims struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	TokenType  string `json:"type"`
	jwt.RegisteredClaims
}

// Manager issues and validates device credentials
type Manager struct {
	secret    []byte
	method    jwt.SigningMethod
	expiry    time.Duration
	generated bool
	log       *logger.Logger
}

// NewManager creates a credential manager. If secret is shorter than
// MinSecretBytes a fresh 64-byte secret is generated and a warning logged.
func NewManager(secret, algorithm string, expiry time.Duration) *Manager {
	log := logger.Global().WithComponent("auth")

	generated := false
	if len(secret) < MinSecretBytes {
		secret = securerandom.MustSecret(64)
		generated = true
		log.Warn("jwt secret missing or too short, generated transient secret",
			"min_bytes", MinSecretBytes,
		)
	}

	var method jwt.SigningMethod
	switch algorithm {
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		method = jwt.SigningMethodHS256
	}

	return &Manager{
		secret:    []byte(secret),
		method:    method,
		expiry:    expiry,
		generated: generated,
		log:       log,
	}
}

// SecretGenerated reports whether the signing secret was generated at startup
// rather than loaded from configuration
func (m *Manager) SecretGenerated() bool {
	return m.generated
}

// Expiry returns the credential lifetime
func (m *Manager) Expiry() time.Duration {
	return m.expiry
}

// Issue creates a signed credential for the given device
func (m *Manager) Issue(deviceID, deviceName string) (string, error) {
	now := time.Now()
	claims := Claims{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		TokenType:  "access",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
		},
	}

	token := jwt.NewWithClaims(m.method, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign credential: %w", err)
	}

	return signed, nil
}

// Validate parses and verifies a credential, returning its claims
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.TokenType != "access" {
		return nil, ErrWrongType
	}

	return claims, nil
}

// Inspect verifies a credential's signature but not its expiry, returning
// the claims. Useful for logging the identity attached to an expired token.
// Never use the result to authorize message traffic.
func (m *Manager) Inspect(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// DeviceCredentials is the device identity carried by a validated credential
type DeviceCredentials struct {
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Credentials validates a token and returns the device identity it carries
func (m *Manager) Credentials(tokenString string) (*DeviceCredentials, error) {
	claims, err := m.Validate(tokenString)
	if err != nil {
		return nil, err
	}

	creds := &DeviceCredentials{
		DeviceID:   claims.DeviceID,
		DeviceName: claims.DeviceName,
	}
	if claims.IssuedAt != nil {
		creds.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		creds.ExpiresAt = claims.ExpiresAt.Time
	}
	return creds, nil
}

// Refresh validates a credential and issues a fresh one for the same device
// with a full lifetime
func (m *Manager) Refresh(tokenString string) (string, error) {
	claims, err := m.Validate(tokenString)
	if err != nil {
		return "", err
	}

	m.log.Info("credential refreshed", "device_id", claims.DeviceID)
	return m.Issue(claims.DeviceID, claims.DeviceName)
}
