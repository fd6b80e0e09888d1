package db

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgconn"
	pgx "github.com/jackc/pgx/v4"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
)

var errNotFound = errors.New("not found")

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetryWithBackoff_RetriesConnectionErrors(t *testing.T) {
	log, _ := logger.New("", "test", "error")
	attempts := 0

	err := RetryWithBackoff(context.Background(), log, fastRetryConfig(), func() error {
		attempts++
		if attempts < 3 {
			return &pgconn.PgError{Code: "08006"}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryWithBackoff_DoesNotRetryOtherErrors(t *testing.T) {
	log, _ := logger.New("", "test", "error")
	attempts := 0
	want := &pgconn.PgError{Code: "23505"}

	err := RetryWithBackoff(context.Background(), log, fastRetryConfig(), func() error {
		attempts++
		return want
	})

	if !errors.Is(err, want) {
		t.Fatalf("expected unique violation, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryWithBackoff_GivesUp(t *testing.T) {
	log, _ := logger.New("", "test", "error")
	attempts := 0

	err := RetryWithBackoff(context.Background(), log, fastRetryConfig(), func() error {
		attempts++
		return &pgconn.PgError{Code: "57P03"}
	})

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestIsRetryableError_ContextErrors(t *testing.T) {
	if IsRetryableError(context.Canceled) {
		t.Error("expected context.Canceled not to be retryable")
	}
	if IsRetryableError(nil) {
		t.Error("expected nil not to be retryable")
	}
}

func TestHandleQueryError_MapsNoRows(t *testing.T) {
	err := HandleQueryError(pgx.ErrNoRows, errNotFound, "fetch current pre-key", time.Now())
	if !errors.Is(err, errNotFound) {
		t.Errorf("expected not found mapping, got %v", err)
	}
}

func TestHandleExecError_WrapsOperation(t *testing.T) {
	cause := errors.New("connection reset")
	err := HandleExecError(cause, "store pre-key", time.Now())
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if err.Error() != "failed to store pre-key: connection reset" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if HandleExecError(nil, "store pre-key", time.Now()) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestExtractTableFromOperation(t *testing.T) {
	tests := map[string]string{
		"put identity key":        "identity_keys",
		"allocate key ids":        "prekey_id_counters",
		"set key generation":      "prekey_metadata",
		"mark pre-key current":    "prekeys",
		"something else entirely": "unknown",
	}
	for op, want := range tests {
		if got := extractTableFromOperation(op); got != want {
			t.Errorf("%q: expected %s, got %s", op, want, got)
		}
	}
}

func TestIsRetryableError_SQLStates(t *testing.T) {
	cases := []struct {
		code string
		want bool
	}{
		{"08001", true},
		{"08P01", true},
		{"57P03", true},
		{"53300", true},
		{"23505", false},
		{"40001", false},
	}
	for _, tc := range cases {
		if got := IsRetryableError(&pgconn.PgError{Code: tc.code}); got != tc.want {
			t.Errorf("code %s: expected %t, got %t", tc.code, tc.want, got)
		}
	}
}

func TestIsRetryableError_ConnectionRefused(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	if !IsRetryableError(fmt.Errorf("connect: %w", refused)) {
		t.Error("expected refused dial to be retryable")
	}

	written := &net.OpError{Op: "write", Net: "tcp", Err: syscall.EPIPE}
	if IsRetryableError(written) {
		t.Error("expected failed write to stay non-retryable")
	}
}

func TestRetryConfig_DelayIsCapped(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}

	if d := cfg.delay(1); d != 100*time.Millisecond {
		t.Errorf("expected 100ms, got %v", d)
	}
	if d := cfg.delay(2); d != 200*time.Millisecond {
		t.Errorf("expected 200ms, got %v", d)
	}
	if d := cfg.delay(5); d != 300*time.Millisecond {
		t.Errorf("expected cap of 300ms, got %v", d)
	}
}
