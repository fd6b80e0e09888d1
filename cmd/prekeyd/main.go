package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/bootstrap"
	commonerrors "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/errors"
	commonhttp "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/http"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/jwtverify"
	srv "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/server"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/domain"
	prekeyhttp "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/http"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/scheduler"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.NewPreKeyApp(ctx)
	if err != nil {
		os.Stderr.WriteString(fmt.Sprintf("failed to start prekeyd: %v\n", err))
		os.Exit(1)
	}
	defer app.Close()
	log := app.Log
	cfg := app.Config

	app.StartBackground(ctx)

	for _, identity := range domain.AllIdentities {
		err := app.Manager.RotatePreKeysOnUpgradeIfNecessary(ctx, identity)
		if err != nil && !errors.Is(err, commonerrors.ErrIdentityKeyMissing) {
			log.Warnf("upgrade rotation for %s failed, the scheduler will retry: %v", identity, err)
		}
	}

	var wg sync.WaitGroup
	var triggers <-chan struct{}
	if app.Listener != nil {
		triggers = app.Listener.Triggers()
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.Listener.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Start(ctx, app.Manager, cfg.CheckInterval, triggers, log)
	}()

	limiter := commonhttp.NewAdminRateLimiter(jwtverify.SubjectOrIP)
	handler := prekeyhttp.NewHandler(app.Manager, app.Tracker, prekeyhttp.Config{
		AdminJWTSecret: cfg.AdminJWTSecret,
		RequestTimeout: cfg.RequestTimeout,
		RateLimiter:    limiter,
	}, log)

	server := srv.NewServer(srv.AdminServerConfig(cfg.HTTPPort, cfg.RequestTimeout), commonhttp.BuildBaseHandler(log, handler))

	shutdownHooks := []srv.ShutdownHook{
		func(ctx context.Context) error {
			log.Info("prekeyd: stopping scheduler and notification listener")
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("background goroutines did not stop: %w", ctx.Err())
			}
		},
		func(ctx context.Context) error {
			limiter.Stop()
			return nil
		},
	}

	srv.StartWithGracefulShutdownAndHooks(server, log, "prekeyd", shutdownHooks)
}
