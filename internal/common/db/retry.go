package db

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgconn"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
)

type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

var DefaultRetryConfig = RetryConfig{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2.0,
}

// delay is the wait before attempt+1, capped at MaxDelay.
func (c RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= c.Multiplier
		if time.Duration(d) >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	return time.Duration(d)
}

// transientStates are SQLSTATEs after which the server may accept a new
// attempt: too_many_connections, admin/crash shutdown and cannot_connect_now.
var transientStates = map[string]bool{
	"53300": true,
	"57P01": true,
	"57P02": true,
	"57P03": true,
}

// IsRetryableError reports connection-level failures worth another attempt.
// Everything in SQLSTATE class 08 (connection exception) qualifies, as do
// dial failures and errors pgconn marks as safe to retry.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || transientStates[pgErr.Code]
	}

	if pgconn.SafeToRetry(err) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// RetryWithBackoff retries operation while it fails with retryable errors.
// Callers must only pass operations that have no side effects on failure.
func RetryWithBackoff(ctx context.Context, log *logger.Logger, config RetryConfig, operation func() error) error {
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = operation(); err == nil {
			if attempt > 1 {
				log.Infof("database operation succeeded on attempt %d", attempt)
			}
			return nil
		}
		if !IsRetryableError(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		wait := config.delay(attempt)
		log.Warnf("database operation failed (attempt %d/%d), retrying in %v: %v", attempt, attempts, wait, err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("database operation failed after %d attempts: %w", attempts, err)
}
