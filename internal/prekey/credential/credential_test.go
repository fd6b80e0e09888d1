package credential

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/clock"
	commonerrors "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/errors"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func setupClock() *clock.MockClock {
	return clock.NewMockClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
}

func TestSessionCredential_MintsSignedToken(t *testing.T) {
	mockClock := setupClock()
	c := NewSessionCredential("acct-1", "2", testSecret, 15*time.Minute, mockClock)

	req := httptest.NewRequest(http.MethodPut, "/v2/keys", nil)
	if err := c.Authorize(req); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	raw := req.Header.Get("Authorization")
	if len(raw) < 8 || raw[:7] != "Bearer " {
		t.Fatalf("expected bearer header, got %q", raw)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw[7:], claims, func(token *jwt.Token) (any, error) {
		return []byte(testSecret), nil
	}, jwt.WithTimeFunc(mockClock.Now))
	if err != nil {
		t.Fatalf("expected token to verify, got %v", err)
	}
	if claims["sub"] != "acct-1" || claims["dev"] != "2" || claims["scope"] != "session" {
		t.Errorf("unexpected claims %v", claims)
	}
	if c.Kind() != KindSession {
		t.Errorf("expected session kind, got %s", c.Kind())
	}
}

func TestSessionCredential_CachesUntilRefreshWindow(t *testing.T) {
	mockClock := setupClock()
	c := NewSessionCredential("acct-1", "1", testSecret, 15*time.Minute, mockClock)

	first, err := c.Token()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	mockClock.Advance(10 * time.Minute)
	second, _ := c.Token()
	if second != first {
		t.Error("expected cached token inside validity window")
	}

	mockClock.Advance(4*time.Minute + 30*time.Second)
	third, _ := c.Token()
	if third == first {
		t.Error("expected a fresh token within the refresh skew")
	}
}

func TestRegistrationCredential_OpaqueToken(t *testing.T) {
	c := NewRegistrationCredential("opaque-registration-token", setupClock())

	req := httptest.NewRequest(http.MethodPut, "/v2/keys", nil)
	if err := c.Authorize(req); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if req.Header.Get("Authorization") != "Bearer opaque-registration-token" {
		t.Errorf("unexpected header %q", req.Header.Get("Authorization"))
	}
	if c.Kind() != KindRegistration {
		t.Errorf("expected registration kind, got %s", c.Kind())
	}
}

func TestRegistrationCredential_RejectsExpiredJWT(t *testing.T) {
	mockClock := setupClock()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "acct-1",
		"exp": mockClock.Now().Add(-time.Minute).Unix(),
	})
	signed, err := token.SignedString([]byte("registration-issuer-secret"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	c := NewRegistrationCredential(signed, mockClock)
	req := httptest.NewRequest(http.MethodPut, "/v2/keys", nil)
	err = c.Authorize(req)
	if !errors.Is(err, commonerrors.ErrCredentialExpired) {
		t.Fatalf("expected credential expired, got %v", err)
	}
	if req.Header.Get("Authorization") != "" {
		t.Error("expected no header on expired credential")
	}
}

func TestRegistrationCredential_AcceptsLiveJWT(t *testing.T) {
	mockClock := setupClock()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": mockClock.Now().Add(time.Hour).Unix(),
	})
	signed, _ := token.SignedString([]byte("registration-issuer-secret"))

	if err := NewRegistrationCredential(signed, mockClock).Validate(); err != nil {
		t.Errorf("expected live token to validate, got %v", err)
	}
}

func TestRegistrationCredential_RejectsEmpty(t *testing.T) {
	if err := NewRegistrationCredential("  ", setupClock()).Validate(); !errors.Is(err, commonerrors.ErrCredentialExpired) {
		t.Errorf("expected credential expired, got %v", err)
	}
}
