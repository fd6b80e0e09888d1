package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	commonerrors "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/errors"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/observability/metrics"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/credential"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/domain"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/store"
)

// rotationPlan says what one rotation generates for one identity.
type rotationPlan struct {
	signed       bool
	lastResort   bool
	oneTime      int
	oneTimeKyber int
}

func (p rotationPlan) empty() bool {
	return !p.signed && !p.lastResort && p.oneTime == 0 && p.oneTimeKyber == 0
}

func (p rotationPlan) classes() []domain.KeyClass {
	var classes []domain.KeyClass
	if p.signed {
		classes = append(classes, domain.KeyClassSigned)
	}
	if p.lastResort {
		classes = append(classes, domain.KeyClassLastResortKyber)
	}
	if p.oneTime > 0 {
		classes = append(classes, domain.KeyClassOneTime)
	}
	if p.oneTimeKyber > 0 {
		classes = append(classes, domain.KeyClassOneTimeKyber)
	}
	return classes
}

func (p rotationPlan) String() string {
	return fmt.Sprintf("signed=%t last_resort=%t one_time=%d one_time_kyber=%d", p.signed, p.lastResort, p.oneTime, p.oneTimeKyber)
}

// keyStatus is a read-only view of an identity's key material.
type keyStatus struct {
	hasIdentityKey   bool
	signed           domain.Option[domain.PreKey]
	lastResort       domain.Option[domain.PreKey]
	oneTimeAvailable int
	kyberAvailable   int
	generation       domain.Option[int]
}

func (m *Manager) readStatus(ctx context.Context, identity domain.Identity) (keyStatus, error) {
	var status keyStatus
	err := m.txManager.WithReadTx(ctx, func(ctx context.Context, tx store.Tx) error {
		pair, err := tx.IdentityKeys().Get(ctx, identity)
		if err != nil {
			return err
		}
		status.hasIdentityKey = pair.IsSome()

		if status.signed, err = tx.PreKeys(identity, domain.KeyClassSigned).FetchCurrent(ctx); err != nil {
			return err
		}
		if status.lastResort, err = tx.PreKeys(identity, domain.KeyClassLastResortKyber).FetchCurrent(ctx); err != nil {
			return err
		}
		if status.oneTimeAvailable, err = tx.PreKeys(identity, domain.KeyClassOneTime).CountAvailable(ctx); err != nil {
			return err
		}
		if status.kyberAvailable, err = tx.PreKeys(identity, domain.KeyClassOneTimeKyber).CountAvailable(ctx); err != nil {
			return err
		}
		status.generation, err = tx.Metadata(identity).KeyGeneration(ctx)
		return err
	})
	if err != nil {
		return keyStatus{}, err
	}

	metrics.PreKeyPoolAvailable.WithLabelValues(identity.String(), domain.KeyClassOneTime.String()).Set(float64(status.oneTimeAvailable))
	metrics.PreKeyPoolAvailable.WithLabelValues(identity.String(), domain.KeyClassOneTimeKyber.String()).Set(float64(status.kyberAvailable))
	return status, nil
}

func (m *Manager) isDue(current domain.Option[domain.PreKey], interval time.Duration) bool {
	key, ok, err := current.Get()
	if err != nil || !ok {
		return true
	}
	return m.clock.Since(key.CreatedAt) >= interval
}

func (m *Manager) signedPlan(status keyStatus) rotationPlan {
	return rotationPlan{
		signed:     m.isDue(status.signed, m.config.SignedPreKeyRotationInterval),
		lastResort: m.isDue(status.lastResort, m.config.LastResortKyberRotationInterval),
	}
}

// refillCount is target minus available, clamped to zero.
func (m *Manager) refillCount(available int) int {
	if n := m.config.OneTimePoolTarget - available; n > 0 {
		return n
	}
	return 0
}

func (m *Manager) lowWaterRefill(available int) int {
	if available >= m.config.OneTimeLowWaterMark {
		return 0
	}
	return m.refillCount(available)
}

// rotate persists candidates as pending, uploads them outside the transaction
// and confirms them in a second transaction. afterConfirm, if set, runs inside
// the confirming transaction.
func (m *Manager) rotate(
	ctx context.Context,
	identity domain.Identity,
	plan rotationPlan,
	cred credential.Credential,
	action string,
	afterConfirm func(context.Context, store.Tx) error,
) error {
	if plan.empty() {
		return nil
	}
	entry := m.entry(ctx, identity, action)

	var bundle domain.UploadBundle
	err := m.txManager.WithWriteTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		bundle, err = m.persistCandidates(ctx, tx, identity, plan)
		return err
	})
	if err != nil {
		if errors.Is(err, commonerrors.ErrInvalidSuppliedKeyMaterial) {
			m.recordFailure(identity, plan.classes())
		}
		return err
	}

	refs, err := bundle.Refs()
	if err != nil {
		return err
	}
	if m.log.ShouldLog(logger.DEBUG) {
		entry.Debugf("persisted %d candidate keys (%s)", len(refs), plan)
	}

	if err := m.uploader.Upload(ctx, bundle, cred); err != nil {
		m.finalizer.Discard(ctx, refs)
		if ctx.Err() != nil {
			entry.Infof("upload interrupted, candidates left pending: %v", err)
			return err
		}
		m.recordFailure(identity, bundle.Classes())
		entry.With("retryable", commonerrors.IsRetryable(err)).Warnf("upload failed, candidates left pending: %v", err)
		return err
	}

	err = m.txManager.WithWriteTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := m.finalizer.Confirm(ctx, tx, refs); err != nil {
			return err
		}
		if afterConfirm != nil {
			return afterConfirm(ctx, tx)
		}
		return nil
	})
	if err != nil {
		entry.Errorf("confirming uploaded keys failed: %v", err)
		return err
	}

	for _, class := range bundle.Classes() {
		m.tracker.RecordSuccess(identity, class)
		metrics.PreKeyRotationsTotal.WithLabelValues(identity.String(), class.String(), "success").Inc()
	}
	entry.Infof("rotated prekeys (%s)", plan)
	return nil
}

func (m *Manager) recordFailure(identity domain.Identity, classes []domain.KeyClass) {
	for _, class := range classes {
		m.tracker.RecordFailure(identity, class)
		metrics.PreKeyRotationsTotal.WithLabelValues(identity.String(), class.String(), "failure").Inc()
	}
}

func (m *Manager) loadIdentityKey(ctx context.Context, tx store.Tx, identity domain.Identity) (domain.IdentityKeyPair, error) {
	opt, err := tx.IdentityKeys().Get(ctx, identity)
	if err != nil {
		return domain.IdentityKeyPair{}, err
	}
	pair, ok, err := opt.Get()
	if err != nil {
		return domain.IdentityKeyPair{}, err
	}
	if !ok {
		return domain.IdentityKeyPair{}, commonerrors.ErrIdentityKeyMissing.WithCause(fmt.Errorf("no identity key for %s", identity))
	}
	return pair, nil
}

// replaceIdentityKey stores pair and, when it differs from the stored key,
// retires the signed and last-resort keys that the old key had signed.
func (m *Manager) replaceIdentityKey(ctx context.Context, tx store.Tx, identity domain.Identity, pair domain.IdentityKeyPair) error {
	opt, err := tx.IdentityKeys().Get(ctx, identity)
	if err != nil {
		return err
	}
	prev, had, err := opt.Get()
	if err != nil {
		return err
	}
	if err := tx.IdentityKeys().Put(ctx, identity, pair); err != nil {
		return err
	}
	if !had || bytes.Equal(prev.PublicKey, pair.PublicKey) {
		return nil
	}

	for _, class := range domain.AllKeyClasses {
		if !class.SingleCurrent() {
			continue
		}
		n, err := tx.PreKeys(identity, class).SupersedeCurrent(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			m.entry(ctx, identity, "replace_identity_key").
				With("key_class", class.String()).
				Infof("retired %d current key(s) signed by the previous identity key", n)
		}
	}
	return nil
}

func (m *Manager) persistCandidates(ctx context.Context, tx store.Tx, identity domain.Identity, plan rotationPlan) (domain.UploadBundle, error) {
	pair, err := m.loadIdentityKey(ctx, tx, identity)
	if err != nil {
		return domain.UploadBundle{}, err
	}

	bundle := domain.UploadBundle{
		Identity:            identity,
		IdentityKey:         pair.PublicKey,
		SignedPreKey:        domain.None[domain.PreKey](),
		LastResortPreKey:    domain.None[domain.PreKey](),
		OneTimePreKeys:      domain.None[[]domain.PreKey](),
		OneTimeKyberPreKeys: domain.None[[]domain.PreKey](),
	}

	if plan.signed {
		key, err := m.newSignedPreKey(ctx, tx, identity, pair)
		if err != nil {
			return domain.UploadBundle{}, err
		}
		bundle.SignedPreKey = domain.Some(key)
	}

	if plan.lastResort {
		key, err := m.newLastResortPreKey(ctx, tx, identity, pair)
		if err != nil {
			return domain.UploadBundle{}, err
		}
		bundle.LastResortPreKey = domain.Some(key)
	}

	if plan.oneTime > 0 {
		ids, err := tx.KeyIDs(identity).Next(ctx, domain.KeyClassOneTime, plan.oneTime)
		if err != nil {
			return domain.UploadBundle{}, err
		}
		keys, err := m.generator.GenerateOneTimePreKeys(identity, ids)
		if err != nil {
			return domain.UploadBundle{}, err
		}
		if err := m.storeKeys(ctx, tx, keys); err != nil {
			return domain.UploadBundle{}, err
		}
		bundle.OneTimePreKeys = domain.Some(keys)
	}

	if plan.oneTimeKyber > 0 {
		ids, err := tx.KeyIDs(identity).Next(ctx, domain.KeyClassOneTimeKyber, plan.oneTimeKyber)
		if err != nil {
			return domain.UploadBundle{}, err
		}
		keys, err := m.generator.GenerateOneTimeKyberPreKeys(identity, pair, ids)
		if err != nil {
			return domain.UploadBundle{}, err
		}
		if err := m.storeKeys(ctx, tx, keys); err != nil {
			return domain.UploadBundle{}, err
		}
		bundle.OneTimeKyberPreKeys = domain.Some(keys)
	}

	return bundle, nil
}

func (m *Manager) newSignedPreKey(ctx context.Context, tx store.Tx, identity domain.Identity, pair domain.IdentityKeyPair) (domain.PreKey, error) {
	ids, err := tx.KeyIDs(identity).Next(ctx, domain.KeyClassSigned, 1)
	if err != nil {
		return domain.PreKey{}, err
	}
	key, err := m.generator.GenerateSignedPreKey(identity, pair, ids[0])
	if err != nil {
		return domain.PreKey{}, err
	}
	return key, m.storeKeys(ctx, tx, []domain.PreKey{key})
}

func (m *Manager) newLastResortPreKey(ctx context.Context, tx store.Tx, identity domain.Identity, pair domain.IdentityKeyPair) (domain.PreKey, error) {
	ids, err := tx.KeyIDs(identity).Next(ctx, domain.KeyClassLastResortKyber, 1)
	if err != nil {
		return domain.PreKey{}, err
	}
	key, err := m.generator.GenerateLastResortKyberPreKey(identity, pair, ids[0])
	if err != nil {
		return domain.PreKey{}, err
	}
	return key, m.storeKeys(ctx, tx, []domain.PreKey{key})
}

func (m *Manager) storeKeys(ctx context.Context, tx store.Tx, keys []domain.PreKey) error {
	for _, k := range keys {
		if err := tx.PreKeys(k.Identity, k.Class).Store(ctx, k); err != nil {
			return err
		}
	}
	if len(keys) > 0 {
		metrics.PreKeysGeneratedTotal.WithLabelValues(keys[0].Identity.String(), keys[0].Class.String()).Add(float64(len(keys)))
	}
	return nil
}
