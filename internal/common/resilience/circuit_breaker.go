package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/clock"
	commonerrors "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/errors"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/observability/metrics"
)

type CircuitBreakerInterface interface {
	Call(ctx context.Context, fn func(context.Context) error) error
	IsOpen() bool
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker opens after Threshold consecutive counted failures. Once
// ResetAfter has passed it lets a single trial call through: success closes
// the circuit, failure opens it again for another ResetAfter.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int32
	openedAt    time.Time
	trialActive bool

	threshold  int32
	timeout    time.Duration
	resetAfter time.Duration
	name       string
	isFailure  func(error) bool
	clock      clock.Clock
	log        *logger.Logger
}

type CircuitBreakerConfig struct {
	Threshold  int32
	Timeout    time.Duration
	ResetAfter time.Duration
	Name       string
	// IsFailure decides which errors count against the breaker. Nil counts all.
	IsFailure func(error) bool
	Clock     clock.Clock
	Logger    *logger.Logger
}

func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	c := config.Clock
	if c == nil {
		c = clock.NewRealClock()
	}
	threshold := config.Threshold
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		threshold:  threshold,
		timeout:    config.Timeout,
		resetAfter: config.ResetAfter,
		name:       config.Name,
		isFailure:  config.IsFailure,
		clock:      c,
		log:        config.Logger,
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentLocked()
}

// IsOpen reports whether calls are being rejected right now.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == StateOpen
}

// currentLocked moves an expired open circuit to half-open.
func (cb *CircuitBreaker) currentLocked() State {
	if cb.state == StateOpen && cb.clock.Since(cb.openedAt) >= cb.resetAfter {
		cb.transitionLocked(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	switch to {
	case StateOpen:
		cb.openedAt = cb.clock.Now()
	case StateClosed:
		cb.failures = 0
	}
	cb.trialActive = false
	if cb.name != "" {
		metrics.UploadCircuitState.WithLabelValues(cb.name).Set(float64(to))
	}
	if cb.log != nil {
		cb.log.Warnf("circuit breaker [%s]: %s -> %s", cb.name, from, to)
	}
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.currentLocked() {
	case StateOpen:
		return false
	case StateHalfOpen:
		if cb.trialActive {
			return false
		}
		cb.trialActive = true
	}
	return true
}

func (cb *CircuitBreaker) onResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		cb.transitionLocked(StateClosed)
		return
	}
	// Uncounted errors leave the state alone but free the half-open trial.
	if cb.isFailure != nil && !cb.isFailure(err) {
		cb.trialActive = false
		return
	}

	if cb.name != "" {
		metrics.UploadCircuitFailures.WithLabelValues(cb.name).Inc()
	}
	if cb.state == StateHalfOpen {
		cb.transitionLocked(StateOpen)
		return
	}
	cb.failures++
	if cb.failures >= cb.threshold {
		cb.transitionLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !cb.admit() {
		if cb.log != nil {
			cb.log.Debugf("circuit breaker [%s]: rejecting call", cb.name)
		}
		return commonerrors.ErrCircuitOpen
	}

	callCtx := ctx
	if cb.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cb.timeout)
		defer cancel()
	}

	err := fn(callCtx)
	cb.onResult(err)
	return err
}
