package domain

import (
	"crypto/ed25519"
	"time"
)

type IdentityKeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	CreatedAt  time.Time
}

// PreKey covers every key class; Signature is empty for one-time EC keys.
type PreKey struct {
	Identity   Identity
	Class      KeyClass
	ID         uint32
	PublicKey  []byte
	PrivateKey []byte
	Signature  []byte
	CreatedAt  time.Time
	State      KeyState
}

func (k PreKey) Ref() KeyRef {
	return KeyRef{Identity: k.Identity, Class: k.Class, ID: k.ID}
}

func (k PreKey) IsCurrent() bool {
	return k.State == KeyStateCurrent
}

// NewerThan orders keys by creation time, then id.
func (k PreKey) NewerThan(other PreKey) bool {
	if k.CreatedAt.Equal(other.CreatedAt) {
		return k.ID > other.ID
	}
	return k.CreatedAt.After(other.CreatedAt)
}

type KeyRef struct {
	Identity Identity
	Class    KeyClass
	ID       uint32
}

func RefsOf(keys []PreKey) []KeyRef {
	refs := make([]KeyRef, 0, len(keys))
	for _, k := range keys {
		refs = append(refs, k.Ref())
	}
	return refs
}
