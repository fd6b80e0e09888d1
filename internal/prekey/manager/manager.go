package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/clock"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/constants"
	commonerrors "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/errors"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/credential"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/domain"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/failure"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/finalizer"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/keygen"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/network"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/store"
)

type Config struct {
	SignedPreKeyRotationInterval    time.Duration
	LastResortKyberRotationInterval time.Duration
	OneTimePoolTarget               int
	OneTimeLowWaterMark             int
}

func DefaultConfig() Config {
	return Config{
		SignedPreKeyRotationInterval:    constants.DefaultSignedPreKeyRotationInterval,
		LastResortKyberRotationInterval: constants.DefaultLastResortKyberRotationInterval,
		OneTimePoolTarget:               constants.DefaultOneTimePreKeyPoolTarget,
		OneTimeLowWaterMark:             constants.DefaultOneTimePreKeyLowWaterMark,
	}
}

// Dependencies are the collaborators of a Manager. Signer defaults to the
// generator's signer.
type Dependencies struct {
	TxManager  store.TxManager
	Uploader   network.Uploader
	Generator  *keygen.Generator
	Signer     keygen.Signer
	Tracker    *failure.Tracker
	Finalizer  *finalizer.Finalizer
	Credential credential.Credential
	Clock      clock.Clock
	Logger     *logger.Logger
}

// Manager owns the pre-key lifecycle of both identities. It is the only
// writer of the pre-key stores.
type Manager struct {
	txManager  store.TxManager
	uploader   network.Uploader
	generator  *keygen.Generator
	signer     keygen.Signer
	tracker    *failure.Tracker
	finalizer  *finalizer.Finalizer
	credential credential.Credential
	clock      clock.Clock
	log        *logger.Logger
	config     Config

	locks          map[domain.Identity]*identityLock
	changingNumber atomic.Bool
}

func New(deps Dependencies, config Config) *Manager {
	defaults := DefaultConfig()
	if config.SignedPreKeyRotationInterval <= 0 {
		config.SignedPreKeyRotationInterval = defaults.SignedPreKeyRotationInterval
	}
	if config.LastResortKyberRotationInterval <= 0 {
		config.LastResortKyberRotationInterval = defaults.LastResortKyberRotationInterval
	}
	if config.OneTimePoolTarget <= 0 {
		config.OneTimePoolTarget = defaults.OneTimePoolTarget
	}
	if config.OneTimeLowWaterMark < 0 || config.OneTimeLowWaterMark > config.OneTimePoolTarget {
		config.OneTimeLowWaterMark = config.OneTimePoolTarget
	}

	signer := deps.Signer
	if signer == nil {
		signer = deps.Generator.Signer()
	}
	c := deps.Clock
	if c == nil {
		c = clock.NewRealClock()
	}
	fin := deps.Finalizer
	if fin == nil {
		fin = finalizer.New(deps.Logger)
	}

	locks := make(map[domain.Identity]*identityLock, len(domain.AllIdentities))
	for _, identity := range domain.AllIdentities {
		locks[identity] = newIdentityLock()
	}

	return &Manager{
		txManager:  deps.TxManager,
		uploader:   deps.Uploader,
		generator:  deps.Generator,
		signer:     signer,
		tracker:    deps.Tracker,
		finalizer:  fin,
		credential: deps.Credential,
		clock:      c,
		log:        deps.Logger,
		config:     config,
		locks:      locks,
	}
}

// identityLock is a one-slot semaphore so waiting can be abandoned.
type identityLock struct {
	ch chan struct{}
}

func newIdentityLock() *identityLock {
	return &identityLock{ch: make(chan struct{}, 1)}
}

func (l *identityLock) Lock(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *identityLock) Unlock() {
	<-l.ch
}

func (m *Manager) lock(ctx context.Context, identity domain.Identity) (func(), error) {
	l, ok := m.locks[identity]
	if !ok {
		return nil, commonerrors.ErrInvalidIdentity
	}
	if err := l.Lock(ctx); err != nil {
		return nil, fmt.Errorf("waiting for %s prekey lock: %w", identity, err)
	}
	return l.Unlock, nil
}

// lockAll acquires every identity lock in a fixed order.
func (m *Manager) lockAll(ctx context.Context) (func(), error) {
	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, identity := range domain.AllIdentities {
		unlock, err := m.lock(ctx, identity)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

func (m *Manager) forEachIdentity(ctx context.Context, identities []domain.Identity, fn func(context.Context, domain.Identity) error) error {
	errs := make([]error, len(identities))
	var wg sync.WaitGroup
	for i, identity := range identities {
		wg.Add(1)
		go func(i int, identity domain.Identity) {
			defer wg.Done()
			if err := fn(ctx, identity); err != nil {
				errs[i] = fmt.Errorf("%s: %w", identity, err)
			}
		}(i, identity)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// steadyStateIdentities excludes the primary identity while a number change
// is in progress.
func (m *Manager) steadyStateIdentities() []domain.Identity {
	if !m.changingNumber.Load() {
		return domain.AllIdentities
	}
	out := make([]domain.Identity, 0, len(domain.AllIdentities))
	for _, identity := range domain.AllIdentities {
		if identity != domain.Primary {
			out = append(out, identity)
		}
	}
	return out
}

func (m *Manager) entry(ctx context.Context, identity domain.Identity, action string) *logger.Entry {
	return m.log.WithFields(ctx, logger.Fields{
		"identity": identity.String(),
		"action":   action,
	})
}

func (m *Manager) IsAppLockedDueToPreKeyUpdateFailures() bool {
	return m.tracker.IsAnyLocked()
}

func (m *Manager) SetIsChangingNumber(changing bool) {
	if m.changingNumber.Swap(changing) != changing {
		m.log.Infof("number change in progress: %t", changing)
	}
}

func (m *Manager) IsChangingNumber() bool {
	return m.changingNumber.Load()
}
