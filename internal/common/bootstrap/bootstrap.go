package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/clock"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/config"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/constants"
	commoncrypto "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/crypto"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/db"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/resilience"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/credential"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/failure"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/finalizer"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/keygen"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/manager"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/network"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/notify"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/store"
)

// App is the fully wired pre-key daemon minus its HTTP surface.
type App struct {
	Log        *logger.Logger
	Config     config.PreKeyConfig
	Pool       *pgxpool.Pool
	TxManager  store.TxManager
	Tracker    *failure.Tracker
	Manager    *manager.Manager
	Recorder   *store.ConsumptionRecorder
	Credential *credential.SessionCredential
	Listener   *notify.Listener
}

func NewPreKeyApp(ctx context.Context) (*App, error) {
	log, err := initializeLogger("prekeyd")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.LoadPreKeyConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	pool, err := db.NewPool(ctx, log, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply key store schema: %w", err)
	}

	app := initializeApp(log, cfg, store.NewPgTxManager(pool, log), clock.NewRealClock())
	app.Pool = pool
	return app, nil
}

func initializeApp(log *logger.Logger, cfg config.PreKeyConfig, txManager store.TxManager, c clock.Clock) *App {
	generator := keygen.NewGenerator(keygen.NewEd25519Signer(), c)
	tracker := failure.NewTracker(cfg.FailureThreshold, c, log)

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Threshold:  cfg.UploadCircuitBreakerThreshold,
		Timeout:    cfg.UploadTimeout,
		ResetAfter: cfg.UploadCircuitBreakerReset,
		Name:       "prekey_upload",
		IsFailure:  network.IsBreakerFailure,
		Clock:      c,
		Logger:     log,
	})
	uploader := network.NewHTTPUploader(network.HTTPUploaderConfig{
		BaseURL:        cfg.KeyServerURL,
		Timeout:        cfg.UploadTimeout,
		IDGenerator:    commoncrypto.NewUUIDGenerator(),
		CircuitBreaker: breaker,
		Clock:          c,
		Logger:         log,
	})

	session := credential.NewSessionCredential(
		cfg.AccountID,
		fmt.Sprintf("%d", cfg.DeviceID),
		cfg.SessionSecret,
		cfg.SessionCredentialTTL,
		c,
	)

	mgr := manager.New(manager.Dependencies{
		TxManager:  txManager,
		Uploader:   uploader,
		Generator:  generator,
		Tracker:    tracker,
		Finalizer:  finalizer.New(log),
		Credential: session,
		Clock:      c,
		Logger:     log,
	}, manager.Config{
		SignedPreKeyRotationInterval:    cfg.SignedPreKeyRotationInterval,
		LastResortKyberRotationInterval: cfg.LastResortKyberRotationInterval,
		OneTimePoolTarget:               cfg.OneTimePoolTarget,
		OneTimeLowWaterMark:             cfg.OneTimeLowWaterMark,
	})

	recorder := store.NewConsumptionRecorder(txManager, log)

	app := &App{
		Log:        log,
		Config:     cfg,
		TxManager:  txManager,
		Tracker:    tracker,
		Manager:    mgr,
		Recorder:   recorder,
		Credential: session,
	}

	if cfg.KeyServerWSURL != "" {
		app.Listener = notify.NewListener(notify.Config{
			URL:        cfg.KeyServerWSURL,
			Credential: session,
			Recorder:   recorder,
			Logger:     log,
		})
	} else {
		log.Info("KEY_SERVER_WS_URL not set, key-count notifications disabled")
	}

	log.Infof("prekey manager configured: pool_target=%d low_water=%d failure_threshold=%d check_interval=%s",
		cfg.OneTimePoolTarget, cfg.OneTimeLowWaterMark, cfg.FailureThreshold, cfg.CheckInterval)
	return app
}

// StartBackground starts pool metrics when a database pool is present.
func (a *App) StartBackground(ctx context.Context) {
	if a.Pool != nil {
		db.StartPoolMetrics(ctx, a.Pool, constants.DBPoolMetricsInterval)
	}
}

func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
}

func initializeLogger(serviceName string) (*logger.Logger, error) {
	return logger.New(os.Getenv("LOG_DIR"), serviceName, os.Getenv("LOG_LEVEL"))
}
