package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/constants"
	commonerrors "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/errors"
)

type PreKeyConfig struct {
	HTTPPort       string
	DatabaseURL    string
	KeyServerURL   string
	KeyServerWSURL string
	AccountID      string
	DeviceID       uint32
	SessionSecret  string
	AdminJWTSecret string
	RequestTimeout time.Duration

	SignedPreKeyRotationInterval    time.Duration
	LastResortKyberRotationInterval time.Duration
	OneTimePoolTarget               int
	OneTimeLowWaterMark             int
	FailureThreshold                int
	CheckInterval                   time.Duration
	UploadTimeout                   time.Duration
	SessionCredentialTTL            time.Duration

	UploadCircuitBreakerThreshold int32
	UploadCircuitBreakerReset     time.Duration
}

func LoadPreKeyConfig() (PreKeyConfig, error) {
	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return PreKeyConfig{}, err
	}

	keyServerURL, err := mustEnv("KEY_SERVER_URL")
	if err != nil {
		return PreKeyConfig{}, err
	}

	accountID, err := mustEnv("ACCOUNT_ID")
	if err != nil {
		return PreKeyConfig{}, err
	}

	sessionSecret, err := mustEnv("SESSION_SECRET")
	if err != nil {
		return PreKeyConfig{}, err
	}
	if err := validateSecret("SESSION_SECRET", sessionSecret, constants.SessionSecretMinLength); err != nil {
		return PreKeyConfig{}, err
	}

	adminSecret, err := mustEnv("ADMIN_JWT_SECRET")
	if err != nil {
		return PreKeyConfig{}, err
	}
	if err := validateSecret("ADMIN_JWT_SECRET", adminSecret, constants.AdminJWTSecretMinLength); err != nil {
		return PreKeyConfig{}, err
	}

	cfg := PreKeyConfig{
		HTTPPort:       getEnv("PREKEY_HTTP_PORT", constants.DefaultPreKeyHTTPPort),
		DatabaseURL:    databaseURL,
		KeyServerURL:   keyServerURL,
		KeyServerWSURL: getEnv("KEY_SERVER_WS_URL", ""),
		AccountID:      accountID,
		DeviceID:       uint32(getIntEnv("DEVICE_ID", 1)),
		SessionSecret:  sessionSecret,
		AdminJWTSecret: adminSecret,
		RequestTimeout: getDurationEnv("PREKEY_REQUEST_TIMEOUT", constants.DefaultAdminRequestTimeout),

		SignedPreKeyRotationInterval:    getDurationEnv("PREKEY_SIGNED_ROTATION_INTERVAL", constants.DefaultSignedPreKeyRotationInterval),
		LastResortKyberRotationInterval: getDurationEnv("PREKEY_LAST_RESORT_ROTATION_INTERVAL", constants.DefaultLastResortKyberRotationInterval),
		OneTimePoolTarget:               getIntEnv("PREKEY_POOL_TARGET", constants.DefaultOneTimePreKeyPoolTarget),
		OneTimeLowWaterMark:             getIntEnv("PREKEY_POOL_LOW_WATER", constants.DefaultOneTimePreKeyLowWaterMark),
		FailureThreshold:                getIntEnv("PREKEY_FAILURE_THRESHOLD", constants.DefaultPreKeyFailureThreshold),
		CheckInterval:                   getDurationEnv("PREKEY_CHECK_INTERVAL", constants.DefaultPreKeyCheckInterval),
		UploadTimeout:                   getDurationEnv("PREKEY_UPLOAD_TIMEOUT", constants.DefaultPreKeyUploadTimeout),
		SessionCredentialTTL:            getDurationEnv("PREKEY_SESSION_TTL", constants.DefaultSessionCredentialTTL),

		UploadCircuitBreakerThreshold: int32(getIntEnv("PREKEY_CB_THRESHOLD", constants.DefaultUploadCBThreshold)),
		UploadCircuitBreakerReset:     getDurationEnv("PREKEY_CB_RESET", constants.DefaultUploadCBResetAfter),
	}

	if cfg.OneTimeLowWaterMark > cfg.OneTimePoolTarget {
		cfg.OneTimeLowWaterMark = cfg.OneTimePoolTarget
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = constants.DefaultPreKeyFailureThreshold
	}

	return cfg, nil
}

func validateSecret(name, secret string, minLength int) error {
	if len(secret) < minLength {
		return fmt.Errorf("%w: %s must be at least %d bytes, got %d", commonerrors.ErrSecretTooShort, name, minLength, len(secret))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func mustEnv(key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", commonerrors.ErrMissingRequiredEnv, key)
	}
	return v, nil
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getIntEnv(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
