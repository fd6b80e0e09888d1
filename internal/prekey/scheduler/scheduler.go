package scheduler

import (
	"context"
	"time"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/observability/metrics"
)

const (
	triggerStartup      = "startup"
	triggerTick         = "tick"
	triggerNotification = "notification"
)

type Checker interface {
	CheckPreKeysIfNecessary(ctx context.Context) error
}

// Start runs a check immediately, then on every tick and every trigger until
// ctx is done. Checks never overlap. It blocks, so callers run it in a goroutine.
func Start(ctx context.Context, checker Checker, interval time.Duration, triggers <-chan struct{}, log *logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runCheck(ctx, checker, triggerStartup, log)

	for {
		select {
		case <-ctx.Done():
			log.Info("prekey scheduler stopped")
			return
		case <-ticker.C:
			runCheck(ctx, checker, triggerTick, log)
		case _, ok := <-triggers:
			if !ok {
				triggers = nil
				continue
			}
			runCheck(ctx, checker, triggerNotification, log)
		}
	}
}

func runCheck(ctx context.Context, checker Checker, trigger string, log *logger.Logger) {
	if ctx.Err() != nil {
		return
	}
	if err := checker.CheckPreKeysIfNecessary(ctx); err != nil {
		metrics.PreKeyChecksTotal.WithLabelValues(trigger, "failure").Inc()
		log.Errorf("prekey check (%s) failed: %v", trigger, err)
		return
	}
	metrics.PreKeyChecksTotal.WithLabelValues(trigger, "success").Inc()
	if log.ShouldLog(logger.DEBUG) {
		log.Debugf("prekey check (%s) completed", trigger)
	}
}
