package constants

import "time"

const (
	SessionSecretMinLength  = 32
	AdminJWTSecretMinLength = 32

	DefaultMaxRequestSize = 64 * 1024

	DefaultSignedPreKeyRotationInterval    = 48 * time.Hour
	DefaultLastResortKyberRotationInterval = 48 * time.Hour
	DefaultOneTimePreKeyPoolTarget         = 100
	DefaultOneTimePreKeyLowWaterMark       = 10
	DefaultPreKeyFailureThreshold          = 5
	DefaultPreKeyCheckInterval             = 1 * time.Hour
	DefaultPreKeyUploadTimeout             = 30 * time.Second
	DefaultSessionCredentialTTL            = 15 * time.Minute
	SessionCredentialRefreshSkew           = 1 * time.Minute

	MaxPreKeyID = 0xFFFFFF

	CurrentKeyGeneration = 2

	NotifyWriteWait          = 10 * time.Second
	NotifyPongWait           = 60 * time.Second
	NotifyMaxMessageSize     = 4 * 1024
	NotifyReconnectMinDelay  = 1 * time.Second
	NotifyReconnectMaxDelay  = 2 * time.Minute
	NotifyHandshakeTimeout   = 10 * time.Second
	NotifyTriggerChannelSize = 1

	DBPoolMaxOpenConns    = 10
	DBPoolMinOpenConns    = 2
	DBPoolConnMaxLifetime = 1 * time.Hour
	DBPoolConnMaxIdleTime = 30 * time.Minute
	DBPoolHealthCheck     = 1 * time.Minute
	DBPoolConnectTimeout  = 5 * time.Second
	DBPoolMaxAttempts     = 10
	DBPoolRetryDelay      = 1 * time.Second
	DBPoolMetricsInterval = 30 * time.Second
	DBQueryTimeout        = 30 * time.Second

	ServerReadHeaderTimeout = 10 * time.Second
	ServerReadTimeout       = 30 * time.Second
	ServerWriteTimeout      = 90 * time.Second
	ServerIdleTimeout       = 120 * time.Second
	ServerWriteSlack        = 5 * time.Second
	ServerMaxHeaderBytes    = 16 << 10

	ShutdownTimeout = 30 * time.Second
	DrainTimeout    = 10 * time.Second

	DefaultPreKeyHTTPPort       = "8083"
	DefaultAdminRequestTimeout  = 60 * time.Second
	DefaultUploadCBThreshold    = 5
	DefaultUploadCBResetAfter   = 1 * time.Minute
	RateLimitCleanupInterval    = 5 * time.Minute
	RateLimitAdminPerSecond     = 2
	RateLimitAdminBurst         = 5
	RateLimitAdminReadPerSecond = 10
	RateLimitAdminReadBurst     = 20

	LoggerMaxSize    = 100
	LoggerMaxBackups = 3
	LoggerMaxAge     = 28
)

type TraceIDKeyType string

const TraceIDKey TraceIDKeyType = "trace_id"
