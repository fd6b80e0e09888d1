package http

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/constants"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/httpmetrics"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/observability/metrics"
)

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(r *http.Request) string

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
	cleanup  *time.Ticker
	stop     chan struct{}
	stopOnce sync.Once
}

func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		cleanup:  time.NewTicker(constants.RateLimitCleanupInterval),
		stop:     make(chan struct{}),
	}

	go rl.cleanupLimiters()

	return rl
}

func (rl *RateLimiter) cleanupLimiters() {
	for {
		select {
		case <-rl.stop:
			return
		case <-rl.cleanup.C:
			rl.mu.Lock()
			for key, limiter := range rl.limiters {
				// a full bucket means the client has been idle
				if limiter.Tokens() >= float64(rl.burst) {
					delete(rl.limiters, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		rl.cleanup.Stop()
		close(rl.stop)
	})
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		limiter, exists = rl.limiters[key]
		if !exists {
			limiter = rate.NewLimiter(rl.rate, rl.burst)
			rl.limiters[key] = limiter
		}
		rl.mu.Unlock()
	}

	return limiter
}

func (rl *RateLimiter) Allow(key string) bool {
	return rl.getLimiter(key).Allow()
}

func (rl *RateLimiter) Middleware(limiterType string, keyFn KeyFunc) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = GetClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(keyFn(r)) {
				metrics.AdminRateLimited.WithLabelValues(httpmetrics.NormalizePath(r.URL.Path), limiterType).Inc()
				WriteErrorEnvelope(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded", nil, traceIDFrom(r))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AdminRateLimiter charges reads and mutations to separate buckets. Mutations
// can trigger key generation and uploads, so their budget is smaller.
type AdminRateLimiter struct {
	read  *RateLimiter
	write *RateLimiter
	keyFn KeyFunc
}

func NewAdminRateLimiter(keyFn KeyFunc) *AdminRateLimiter {
	return &AdminRateLimiter{
		read:  NewRateLimiter(constants.RateLimitAdminReadPerSecond, constants.RateLimitAdminReadBurst),
		write: NewRateLimiter(constants.RateLimitAdminPerSecond, constants.RateLimitAdminBurst),
		keyFn: keyFn,
	}
}

func (a *AdminRateLimiter) Middleware() func(http.Handler) http.Handler {
	read := a.read.Middleware("admin_read", a.keyFn)
	write := a.write.Middleware("admin_write", a.keyFn)

	return func(next http.Handler) http.Handler {
		readHandler := read(next)
		writeHandler := write(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				readHandler.ServeHTTP(w, r)
				return
			}
			writeHandler.ServeHTTP(w, r)
		})
	}
}

func (a *AdminRateLimiter) Stop() {
	a.read.Stop()
	a.write.Stop()
}
