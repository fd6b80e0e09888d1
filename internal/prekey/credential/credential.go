package credential

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/clock"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/constants"
	commonerrors "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/errors"
)

type Kind string

const (
	KindSession      Kind = "session"
	KindRegistration Kind = "registration"
)

// Credential authenticates a request to the key server.
type Credential interface {
	Authorize(req *http.Request) error
	Kind() Kind
}

type SessionCredential struct {
	accountID string
	deviceID  string
	secret    []byte
	ttl       time.Duration
	clock     clock.Clock

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewSessionCredential(accountID, deviceID, secret string, ttl time.Duration, clock clock.Clock) *SessionCredential {
	if ttl <= 0 {
		ttl = constants.DefaultSessionCredentialTTL
	}
	return &SessionCredential{
		accountID: accountID,
		deviceID:  deviceID,
		secret:    []byte(secret),
		ttl:       ttl,
		clock:     clock,
	}
}

func (c *SessionCredential) Kind() Kind {
	return KindSession
}

func (c *SessionCredential) Authorize(req *http.Request) error {
	token, err := c.Token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Token returns a cached token, minting a new one shortly before expiry.
func (c *SessionCredential) Token() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.token != "" && now.Add(constants.SessionCredentialRefreshSkew).Before(c.expiresAt) {
		return c.token, nil
	}

	expiresAt := now.Add(c.ttl)
	claims := jwt.MapClaims{
		"sub":   c.accountID,
		"dev":   c.deviceID,
		"scope": string(KindSession),
		"exp":   expiresAt.Unix(),
		"iat":   now.Unix(),
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := t.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign session credential: %w", err)
	}

	c.token = tokenString
	c.expiresAt = expiresAt
	return tokenString, nil
}

// RegistrationCredential carries the bearer token issued to a freshly
// registered account. It is opaque except for an optional JWT expiry.
type RegistrationCredential struct {
	token string
	clock clock.Clock
}

func NewRegistrationCredential(token string, clock clock.Clock) *RegistrationCredential {
	return &RegistrationCredential{token: strings.TrimSpace(token), clock: clock}
}

func (c *RegistrationCredential) Kind() Kind {
	return KindRegistration
}

func (c *RegistrationCredential) Authorize(req *http.Request) error {
	if err := c.Validate(); err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return nil
}

// Validate refuses empty tokens and JWTs whose exp has passed.
func (c *RegistrationCredential) Validate() error {
	if c.token == "" {
		return commonerrors.ErrCredentialExpired.WithCause(errors.New("registration token is empty"))
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, claims); err != nil {
		return nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !c.clock.Now().Before(exp.Time) {
		return commonerrors.ErrCredentialExpired.WithCause(
			fmt.Errorf("registration token expired at %s", exp.Time.UTC().Format(time.RFC3339)),
		)
	}
	return nil
}
