package store

import (
	"context"

	commonerrors "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/errors"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/domain"
)

// KeyStore persists one key class for one identity. Every method runs inside
// the transaction it was obtained from.
type KeyStore interface {
	Store(ctx context.Context, key domain.PreKey) error
	// MarkCurrent promotes a pending key and reports whether it did. For
	// single-current classes a pending key older than the present current
	// one is superseded instead, so the current key only moves forward.
	MarkCurrent(ctx context.Context, keyID uint32) (bool, error)
	MarkConsumed(ctx context.Context, keyID uint32) error
	// SupersedeCurrent retires every current key and returns how many.
	SupersedeCurrent(ctx context.Context) (int, error)
	FetchCurrent(ctx context.Context) (domain.Option[domain.PreKey], error)
	FetchAll(ctx context.Context) ([]domain.PreKey, error)
	CountAvailable(ctx context.Context) (int, error)
}

type IdentityKeyStore interface {
	Get(ctx context.Context, identity domain.Identity) (domain.Option[domain.IdentityKeyPair], error)
	Put(ctx context.Context, identity domain.Identity, pair domain.IdentityKeyPair) error
}

type KeyIDAllocator interface {
	Next(ctx context.Context, class domain.KeyClass, n int) ([]uint32, error)
}

type MetadataStore interface {
	KeyGeneration(ctx context.Context) (domain.Option[int], error)
	SetKeyGeneration(ctx context.Context, generation int) error
}

type Tx interface {
	PreKeys(identity domain.Identity, class domain.KeyClass) KeyStore
	IdentityKeys() IdentityKeyStore
	KeyIDs(identity domain.Identity) KeyIDAllocator
	Metadata(identity domain.Identity) MetadataStore
}

// TxManager hands out scoped transactions. A write transaction commits only if
// fn returns nil and the context is still live; otherwise nothing is applied.
type TxManager interface {
	WithReadTx(ctx context.Context, fn func(context.Context, Tx) error) error
	WithWriteTx(ctx context.Context, fn func(context.Context, Tx) error) error
}

func persistenceError(err error) error {
	if err == nil {
		return nil
	}
	if de, ok := commonerrors.AsDomainError(err); ok && de.Code() == commonerrors.ErrPersistence.Code() {
		return err
	}
	return commonerrors.ErrPersistence.WithCause(err)
}
