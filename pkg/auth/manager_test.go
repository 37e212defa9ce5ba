package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-0123456789abcdef0123456789"

func newTestManager(t *testing.T, expiry time.Duration) *Manager {
	t.Helper()
	return NewManager(testSecret, "HS256", expiry)
}

func TestIssueAndValidate(t *testing.T) {
	m := newTestManager(t, time.Hour)

	token, err := m.Issue("device_abc12345", "Test Phone")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	claims, err := m.Validate(token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if claims.DeviceID != "device_abc12345" {
		t.Errorf("Expected device_abc12345, got %s", claims.DeviceID)
	}
	if claims.DeviceName != "Test Phone" {
		t.Errorf("Expected device name Test Phone, got %s", claims.DeviceName)
	}
	if claims.TokenType != "access" {
		t.Errorf("Expected token type access, got %s", claims.TokenType)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	m := newTestManager(t, -time.Minute)

	token, err := m.Issue("device_abc12345", "Test Phone")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := m.Validate(token); err == nil {
		t.Error("Expected error for expired token")
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	m := newTestManager(t, time.Hour)
	other := NewManager("another-secret-0123456789abcdef0123", "HS256", time.Hour)

	token, err := m.Issue("device_abc12345", "Test Phone")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := other.Validate(token); err == nil {
		t.Error("Expected error for token signed with different secret")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	m := newTestManager(t, time.Hour)

	for _, bad := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := m.Validate(bad); err == nil {
			t.Errorf("Expected error for token %q", bad)
		}
	}
}

func TestValidateRejectsWrongTokenType(t *testing.T) {
	m := newTestManager(t, time.Hour)

	// Forge a token with the right secret but wrong type claim
	now := time.Now()
	claims := Claims{
		DeviceID:  "device_abc12345",
		TokenType: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("Failed to sign forged token: %v", err)
	}

	if _, err := m.Validate(signed); err != ErrWrongType {
		t.Errorf("Expected ErrWrongType, got %v", err)
	}
}

func TestValidateRejectsAlgNone(t *testing.T) {
	m := newTestManager(t, time.Hour)

	// Header {"alg":"none","typ":"JWT"} with an empty signature
	unsigned := "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0." +
		"eyJkZXZpY2VfaWQiOiJkZXZpY2VfYWJjMTIzNDUiLCJ0eXBlIjoiYWNjZXNzIn0."
	if _, err := m.Validate(unsigned); err == nil {
		t.Error("Expected error for alg=none token")
	}
}

func TestWeakSecretIsReplaced(t *testing.T) {
	m := NewManager("short", "HS256", time.Hour)
	if !m.SecretGenerated() {
		t.Error("Expected weak secret to be replaced with a generated one")
	}

	// Credentials still work against the generated secret
	token, err := m.Issue("device_abc12345", "Phone")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := m.Validate(token); err != nil {
		t.Errorf("Validate failed with generated secret: %v", err)
	}

	// But a second manager with the same weak input gets a different secret
	other := NewManager("short", "HS256", time.Hour)
	if _, err := other.Validate(token); err == nil {
		t.Error("Expected token to be invalid across independently generated secrets")
	}
}

func TestStrongSecretIsKept(t *testing.T) {
	m := newTestManager(t, time.Hour)
	if m.SecretGenerated() {
		t.Error("Expected configured secret to be kept")
	}
}

func TestRefresh(t *testing.T) {
	m := newTestManager(t, time.Hour)

	token, err := m.Issue("device_abc12345", "Phone")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	// Ensure iat differs so the refreshed token is distinct
	time.Sleep(1100 * time.Millisecond)

	refreshed, err := m.Refresh(token)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if refreshed == token {
		t.Error("Refreshed token should differ from original")
	}

	claims, err := m.Validate(refreshed)
	if err != nil {
		t.Fatalf("Validate of refreshed token failed: %v", err)
	}
	if claims.DeviceID != "device_abc12345" {
		t.Errorf("Refreshed token lost device identity: %s", claims.DeviceID)
	}
}

func TestRefreshRejectsInvalid(t *testing.T) {
	m := newTestManager(t, time.Hour)
	if _, err := m.Refresh("garbage"); err == nil {
		t.Error("Expected error refreshing invalid token")
	}
}

func TestInspectIgnoresExpiry(t *testing.T) {
	m := newTestManager(t, -time.Minute)

	token, err := m.Issue("device_abc12345", "Phone")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	// Expired tokens fail Validate but Inspect still reads the identity
	if _, err := m.Validate(token); err == nil {
		t.Fatal("Expected expired token to fail validation")
	}
	claims, err := m.Inspect(token)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if claims.DeviceID != "device_abc12345" {
		t.Errorf("Inspect lost device identity: %s", claims.DeviceID)
	}
}

func TestInspectRejectsForgedSignature(t *testing.T) {
	m := newTestManager(t, time.Hour)
	other := NewManager("another-signing-secret-of-32-bytes!!", "HS256", time.Hour)

	token, err := other.Issue("device_abc12345", "Phone")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := m.Inspect(token); err == nil {
		t.Error("Inspect should reject a token signed with a different secret")
	}
}

func TestHMACVariants(t *testing.T) {
	for _, alg := range []string{"HS256", "HS384", "HS512"} {
		m := NewManager(testSecret, alg, time.Hour)
		token, err := m.Issue("device_abc12345", "Phone")
		if err != nil {
			t.Fatalf("%s: Issue failed: %v", alg, err)
		}
		if !strings.HasPrefix(token, "eyJ") {
			t.Errorf("%s: token does not look like a JWT", alg)
		}
		if _, err := m.Validate(token); err != nil {
			t.Errorf("%s: Validate failed: %v", alg, err)
		}
	}
}

func TestCredentials(t *testing.T) {
	m := NewManager(testSecret, "HS256", time.Hour)
	token, err := m.Issue("device_abc12345", "My Phone")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	creds, err := m.Credentials(token)
	if err != nil {
		t.Fatalf("Credentials failed: %v", err)
	}
	if creds.DeviceID != "device_abc12345" {
		t.Errorf("Wrong device ID: %s", creds.DeviceID)
	}
	if creds.DeviceName != "My Phone" {
		t.Errorf("Wrong device name: %s", creds.DeviceName)
	}
	if !creds.ExpiresAt.After(creds.IssuedAt) {
		t.Error("ExpiresAt should be after IssuedAt")
	}

	if _, err := m.Credentials("garbage"); err == nil {
		t.Error("Credentials should reject an invalid token")
	}
}
