package domain

import (
	"crypto/ed25519"
	"fmt"
)

// UploadBundle is the public material handed to the network layer for one
// identity. Every optional field must be set explicitly, to Some or None.
type UploadBundle struct {
	Identity            Identity
	IdentityKey         ed25519.PublicKey
	SignedPreKey        Option[PreKey]
	LastResortPreKey    Option[PreKey]
	OneTimePreKeys      Option[[]PreKey]
	OneTimeKyberPreKeys Option[[]PreKey]
}

// Refs lists every key the bundle carries. It fails if a field was left unset.
func (b UploadBundle) Refs() ([]KeyRef, error) {
	var refs []KeyRef

	for _, single := range []Option[PreKey]{b.SignedPreKey, b.LastResortPreKey} {
		k, ok, err := single.Get()
		if err != nil {
			return nil, fmt.Errorf("bundle for %s: %w", b.Identity, err)
		}
		if ok {
			refs = append(refs, k.Ref())
		}
	}

	for _, pool := range []Option[[]PreKey]{b.OneTimePreKeys, b.OneTimeKyberPreKeys} {
		keys, ok, err := pool.Get()
		if err != nil {
			return nil, fmt.Errorf("bundle for %s: %w", b.Identity, err)
		}
		if ok {
			refs = append(refs, RefsOf(keys)...)
		}
	}

	return refs, nil
}

// Classes returns the distinct key classes present in the bundle.
func (b UploadBundle) Classes() []KeyClass {
	var classes []KeyClass
	if b.SignedPreKey.IsSome() {
		classes = append(classes, KeyClassSigned)
	}
	if b.LastResortPreKey.IsSome() {
		classes = append(classes, KeyClassLastResortKyber)
	}
	if keys := b.OneTimePreKeys.OrElse(nil); len(keys) > 0 {
		classes = append(classes, KeyClassOneTime)
	}
	if keys := b.OneTimeKyberPreKeys.OrElse(nil); len(keys) > 0 {
		classes = append(classes, KeyClassOneTimeKyber)
	}
	return classes
}

// RegistrationPreKeyUploadBundle is produced for one registration or
// provisioning attempt. It is never persisted as a unit.
type RegistrationPreKeyUploadBundle struct {
	Identity         Identity
	IdentityKeyPair  IdentityKeyPair
	SignedPreKey     PreKey
	LastResortPreKey PreKey
}

func (b RegistrationPreKeyUploadBundle) Refs() []KeyRef {
	return []KeyRef{b.SignedPreKey.Ref(), b.LastResortPreKey.Ref()}
}

func (b RegistrationPreKeyUploadBundle) UploadBundle() UploadBundle {
	return UploadBundle{
		Identity:            b.Identity,
		IdentityKey:         b.IdentityKeyPair.PublicKey,
		SignedPreKey:        Some(b.SignedPreKey),
		LastResortPreKey:    Some(b.LastResortPreKey),
		OneTimePreKeys:      None[[]PreKey](),
		OneTimeKyberPreKeys: None[[]PreKey](),
	}
}

type RegistrationBundles struct {
	Primary   RegistrationPreKeyUploadBundle
	Secondary RegistrationPreKeyUploadBundle
}

func (b RegistrationBundles) For(identity Identity) RegistrationPreKeyUploadBundle {
	if identity == Secondary {
		return b.Secondary
	}
	return b.Primary
}

func (b RegistrationBundles) All() []RegistrationPreKeyUploadBundle {
	return []RegistrationPreKeyUploadBundle{b.Primary, b.Secondary}
}
