package manager

import (
	"context"
	"fmt"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/constants"
	commonerrors "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/errors"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/credential"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/domain"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/keygen"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/store"
)

// CheckPreKeysIfNecessary rotates whatever is due for each identity: aged
// signed or last-resort keys and one-time pools below the low-water mark.
func (m *Manager) CheckPreKeysIfNecessary(ctx context.Context) error {
	return m.forEachIdentity(ctx, m.steadyStateIdentities(), func(ctx context.Context, identity domain.Identity) error {
		unlock, err := m.lock(ctx, identity)
		if err != nil {
			return err
		}
		defer unlock()

		status, err := m.readStatus(ctx, identity)
		if err != nil {
			return err
		}
		if !status.hasIdentityKey {
			m.entry(ctx, identity, "check").Debug("no identity key yet, skipping")
			return nil
		}

		plan := m.signedPlan(status)
		plan.oneTime = m.lowWaterRefill(status.oneTimeAvailable)
		plan.oneTimeKyber = m.lowWaterRefill(status.kyberAvailable)
		return m.rotate(ctx, identity, plan, m.credential, "check", nil)
	})
}

func (m *Manager) RotateSignedPreKeysIfNeeded(ctx context.Context) error {
	return m.forEachIdentity(ctx, m.steadyStateIdentities(), func(ctx context.Context, identity domain.Identity) error {
		unlock, err := m.lock(ctx, identity)
		if err != nil {
			return err
		}
		defer unlock()

		status, err := m.readStatus(ctx, identity)
		if err != nil {
			return err
		}
		if !status.hasIdentityKey {
			m.entry(ctx, identity, "rotate_signed").Debug("no identity key yet, skipping")
			return nil
		}
		return m.rotate(ctx, identity, m.signedPlan(status), m.credential, "rotate_signed", nil)
	})
}

// RefreshOneTimePreKeys tops both one-time pools up to the target. With
// alsoRefreshSignedPreKey the signed and last-resort keys are replaced too.
func (m *Manager) RefreshOneTimePreKeys(ctx context.Context, identity domain.Identity, alsoRefreshSignedPreKey bool) error {
	if !identity.Valid() {
		return commonerrors.ErrInvalidIdentity
	}
	unlock, err := m.lock(ctx, identity)
	if err != nil {
		return err
	}
	defer unlock()

	return m.refreshPools(ctx, identity, alsoRefreshSignedPreKey, m.credential, "refresh")
}

func (m *Manager) refreshPools(ctx context.Context, identity domain.Identity, alsoSigned bool, cred credential.Credential, action string) error {
	status, err := m.readStatus(ctx, identity)
	if err != nil {
		return err
	}
	if !status.hasIdentityKey {
		return commonerrors.ErrIdentityKeyMissing.WithCause(fmt.Errorf("no identity key for %s", identity))
	}

	plan := rotationPlan{
		signed:       alsoSigned,
		lastResort:   alsoSigned,
		oneTime:      m.refillCount(status.oneTimeAvailable),
		oneTimeKyber: m.refillCount(status.kyberAvailable),
	}
	if plan.empty() {
		m.entry(ctx, identity, action).Debug("pools at target, nothing to generate")
		return nil
	}
	return m.rotate(ctx, identity, plan, cred, action, nil)
}

type registrationOptions struct {
	reuseIdentityKeys bool
}

type RegistrationOption func(*registrationOptions)

// WithExistingIdentityKeys keeps stored identity keys instead of generating
// new ones. Registration fails if an identity has none.
func WithExistingIdentityKeys() RegistrationOption {
	return func(o *registrationOptions) {
		o.reuseIdentityKeys = true
	}
}

// CreatePreKeysForRegistration persists a signed and a last-resort key for
// both identities and returns them unconfirmed. Upload is the caller's job.
func (m *Manager) CreatePreKeysForRegistration(ctx context.Context, opts ...RegistrationOption) (domain.RegistrationBundles, error) {
	var o registrationOptions
	for _, opt := range opts {
		opt(&o)
	}

	unlock, err := m.lockAll(ctx)
	if err != nil {
		return domain.RegistrationBundles{}, err
	}
	defer unlock()

	var bundles domain.RegistrationBundles
	err = m.txManager.WithWriteTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, identity := range domain.AllIdentities {
			var pair domain.IdentityKeyPair
			if o.reuseIdentityKeys {
				p, err := m.loadIdentityKey(ctx, tx, identity)
				if err != nil {
					return err
				}
				pair = p
			} else {
				p, err := m.generator.GenerateIdentityKeyPair()
				if err != nil {
					return err
				}
				if err := m.replaceIdentityKey(ctx, tx, identity, p); err != nil {
					return err
				}
				pair = p
			}

			bundle, err := m.registrationBundle(ctx, tx, identity, pair)
			if err != nil {
				return err
			}
			setBundle(&bundles, bundle)
		}
		return nil
	})
	if err != nil {
		return domain.RegistrationBundles{}, err
	}

	m.log.Infof("created registration prekeys for %d identities (reuse_identity_keys=%t)", len(domain.AllIdentities), o.reuseIdentityKeys)
	return bundles, nil
}

// CreatePreKeysForProvisioning is registration with identity keys received
// from the primary device. Both pairs are validated before anything is written.
func (m *Manager) CreatePreKeysForProvisioning(ctx context.Context, aci, pni domain.IdentityKeyPair) (domain.RegistrationBundles, error) {
	supplied := map[domain.Identity]domain.IdentityKeyPair{
		domain.Primary:   aci,
		domain.Secondary: pni,
	}
	for _, identity := range domain.AllIdentities {
		if err := keygen.ValidateIdentityKeyPair(m.signer, supplied[identity]); err != nil {
			return domain.RegistrationBundles{}, fmt.Errorf("%s identity key: %w", identity, err)
		}
	}

	unlock, err := m.lockAll(ctx)
	if err != nil {
		return domain.RegistrationBundles{}, err
	}
	defer unlock()

	var bundles domain.RegistrationBundles
	err = m.txManager.WithWriteTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, identity := range domain.AllIdentities {
			pair := supplied[identity]
			if pair.CreatedAt.IsZero() {
				pair.CreatedAt = m.clock.Now()
			}
			if err := m.replaceIdentityKey(ctx, tx, identity, pair); err != nil {
				return err
			}
			bundle, err := m.registrationBundle(ctx, tx, identity, pair)
			if err != nil {
				return err
			}
			setBundle(&bundles, bundle)
		}
		return nil
	})
	if err != nil {
		return domain.RegistrationBundles{}, err
	}

	m.log.Info("created provisioning prekeys from supplied identity keys")
	return bundles, nil
}

func (m *Manager) registrationBundle(ctx context.Context, tx store.Tx, identity domain.Identity, pair domain.IdentityKeyPair) (domain.RegistrationPreKeyUploadBundle, error) {
	signed, err := m.newSignedPreKey(ctx, tx, identity, pair)
	if err != nil {
		return domain.RegistrationPreKeyUploadBundle{}, err
	}
	lastResort, err := m.newLastResortPreKey(ctx, tx, identity, pair)
	if err != nil {
		return domain.RegistrationPreKeyUploadBundle{}, err
	}
	return domain.RegistrationPreKeyUploadBundle{
		Identity:         identity,
		IdentityKeyPair:  pair,
		SignedPreKey:     signed,
		LastResortPreKey: lastResort,
	}, nil
}

func setBundle(bundles *domain.RegistrationBundles, bundle domain.RegistrationPreKeyUploadBundle) {
	if bundle.Identity == domain.Secondary {
		bundles.Secondary = bundle
		return
	}
	bundles.Primary = bundle
}

// FinalizeRegistrationPreKeys confirms the bundles after a successful upload.
// On failure the keys stay pending and a later check supersedes them.
func (m *Manager) FinalizeRegistrationPreKeys(ctx context.Context, bundles domain.RegistrationBundles, uploadDidSucceed bool) error {
	var refs []domain.KeyRef
	for _, b := range bundles.All() {
		refs = append(refs, b.Refs()...)
	}

	if !uploadDidSucceed {
		for _, b := range bundles.All() {
			m.finalizer.Discard(ctx, b.Refs())
		}
		return nil
	}

	unlock, err := m.lockAll(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	err = m.txManager.WithWriteTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return m.finalizer.Confirm(ctx, tx, refs)
	})
	if err != nil {
		return err
	}

	for _, ref := range refs {
		m.tracker.RecordSuccess(ref.Identity, ref.Class)
	}
	m.log.Info("registration prekeys confirmed")
	return nil
}

// RotateOneTimePreKeysForRegistration fills both pools for a just-registered
// account, authenticating with auth instead of the session credential.
func (m *Manager) RotateOneTimePreKeysForRegistration(ctx context.Context, auth credential.Credential) error {
	if auth == nil {
		return commonerrors.ErrCredentialExpired.WithCause(fmt.Errorf("registration credential is required"))
	}
	if v, ok := auth.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}

	return m.forEachIdentity(ctx, domain.AllIdentities, func(ctx context.Context, identity domain.Identity) error {
		unlock, err := m.lock(ctx, identity)
		if err != nil {
			return err
		}
		defer unlock()
		return m.refreshPools(ctx, identity, false, auth, "registration_pools")
	})
}

// RotatePreKeysOnUpgradeIfNecessary forces a signed and last-resort rotation
// once per key generation. The marker is written with the confirmation, so
// repeated calls after success are no-ops and calls after failure retry.
func (m *Manager) RotatePreKeysOnUpgradeIfNecessary(ctx context.Context, identity domain.Identity) error {
	if !identity.Valid() {
		return commonerrors.ErrInvalidIdentity
	}
	unlock, err := m.lock(ctx, identity)
	if err != nil {
		return err
	}
	defer unlock()

	status, err := m.readStatus(ctx, identity)
	if err != nil {
		return err
	}
	if gen := status.generation.OrElse(0); gen >= constants.CurrentKeyGeneration {
		m.entry(ctx, identity, "upgrade").Debugf("already at key generation %d", gen)
		return nil
	}
	if !status.hasIdentityKey {
		return commonerrors.ErrIdentityKeyMissing.WithCause(fmt.Errorf("no identity key for %s", identity))
	}

	plan := rotationPlan{signed: true, lastResort: true}
	return m.rotate(ctx, identity, plan, m.credential, "upgrade", func(ctx context.Context, tx store.Tx) error {
		return tx.Metadata(identity).SetKeyGeneration(ctx, constants.CurrentKeyGeneration)
	})
}
