package failure

import (
	"sync"
	"time"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/clock"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/constants"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/observability/metrics"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/domain"
)

type counterKey struct {
	identity domain.Identity
	class    domain.KeyClass
}

type Counter struct {
	Consecutive int
	LastAttempt time.Time
}

// Tracker counts consecutive rotation failures per identity and key class.
// State lives only for the lifetime of the process.
type Tracker struct {
	threshold int
	mu        sync.RWMutex
	counters  map[counterKey]*Counter
	clock     clock.Clock
	log       *logger.Logger
}

func NewTracker(threshold int, clock clock.Clock, log *logger.Logger) *Tracker {
	if threshold < 1 {
		threshold = constants.DefaultPreKeyFailureThreshold
	}
	return &Tracker{
		threshold: threshold,
		counters:  make(map[counterKey]*Counter),
		clock:     clock,
		log:       log,
	}
}

func (t *Tracker) Threshold() int {
	return t.threshold
}

// RecordSuccess clears the counter for this pair only.
func (t *Tracker) RecordSuccess(identity domain.Identity, class domain.KeyClass) {
	t.mu.Lock()
	key := counterKey{identity: identity, class: class}
	c, ok := t.counters[key]
	hadFailures := ok && c.Consecutive > 0
	delete(t.counters, key)
	locked := t.isLockedLocked(identity)
	t.mu.Unlock()

	metrics.PreKeyConsecutiveFailures.WithLabelValues(identity.String(), class.String()).Set(0)
	t.publishLocked(identity, locked)

	if hadFailures {
		t.log.Infof("prekey failures cleared: identity=%s key_class=%s", identity, class)
	}
}

// RecordFailure increments the counter and returns the new count.
func (t *Tracker) RecordFailure(identity domain.Identity, class domain.KeyClass) int {
	t.mu.Lock()
	key := counterKey{identity: identity, class: class}
	c, ok := t.counters[key]
	if !ok {
		c = &Counter{}
		t.counters[key] = c
	}
	c.Consecutive++
	c.LastAttempt = t.clock.Now()
	count := c.Consecutive
	locked := t.isLockedLocked(identity)
	t.mu.Unlock()

	metrics.PreKeyConsecutiveFailures.WithLabelValues(identity.String(), class.String()).Set(float64(count))
	t.publishLocked(identity, locked)

	if count == t.threshold {
		t.log.Errorf("prekey failure threshold reached: identity=%s key_class=%s failures=%d", identity, class, count)
	} else {
		t.log.Warnf("prekey rotation failure recorded: identity=%s key_class=%s failures=%d", identity, class, count)
	}
	return count
}

func (t *Tracker) IsLocked(identity domain.Identity) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isLockedLocked(identity)
}

func (t *Tracker) IsAnyLocked() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, identity := range domain.AllIdentities {
		if t.isLockedLocked(identity) {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the counters for identity, keyed by class.
func (t *Tracker) Snapshot(identity domain.Identity) map[domain.KeyClass]Counter {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[domain.KeyClass]Counter)
	for k, c := range t.counters {
		if k.identity == identity {
			out[k.class] = *c
		}
	}
	return out
}

func (t *Tracker) isLockedLocked(identity domain.Identity) bool {
	for k, c := range t.counters {
		if k.identity == identity && c.Consecutive >= t.threshold {
			return true
		}
	}
	return false
}

func (t *Tracker) publishLocked(identity domain.Identity, locked bool) {
	v := 0.0
	if locked {
		v = 1
	}
	metrics.PreKeyIdentityLocked.WithLabelValues(identity.String()).Set(v)
}
