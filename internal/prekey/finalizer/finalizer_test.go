package finalizer

import (
	"context"
	"errors"
	"testing"
	"time"

	commonerrors "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/errors"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/domain"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/store"
)

func setupFinalizer(t *testing.T) (*Finalizer, *store.MemoryTxManager, []domain.KeyRef) {
	t.Helper()
	log, err := logger.New("", "test", "info")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	txm := store.NewMemoryTxManager()
	created := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	keys := []domain.PreKey{
		{Identity: domain.Primary, Class: domain.KeyClassSigned, ID: 1, PublicKey: []byte{1}, PrivateKey: []byte{1}, CreatedAt: created},
		{Identity: domain.Primary, Class: domain.KeyClassLastResortKyber, ID: 1, PublicKey: []byte{2}, PrivateKey: []byte{2}, CreatedAt: created},
	}
	err = txm.WithWriteTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for _, k := range keys {
			if err := tx.PreKeys(k.Identity, k.Class).Store(ctx, k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return New(log), txm, domain.RefsOf(keys)
}

func stateOf(t *testing.T, txm *store.MemoryTxManager, ref domain.KeyRef) domain.KeyState {
	t.Helper()
	var state domain.KeyState
	_ = txm.WithReadTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		keys, err := tx.PreKeys(ref.Identity, ref.Class).FetchAll(ctx)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		for _, k := range keys {
			if k.ID == ref.ID {
				state = k.State
			}
		}
		return nil
	})
	return state
}

func TestFinalizer_ConfirmMarksCurrent(t *testing.T) {
	f, txm, refs := setupFinalizer(t)

	err := txm.WithWriteTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return f.Confirm(ctx, tx, refs)
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, ref := range refs {
		if s := stateOf(t, txm, ref); s != domain.KeyStateCurrent {
			t.Errorf("expected %s current, got %s", ref.Class, s)
		}
	}
}

func TestFinalizer_ConfirmUnknownKeyRollsBack(t *testing.T) {
	f, txm, refs := setupFinalizer(t)
	refs = append(refs, domain.KeyRef{Identity: domain.Primary, Class: domain.KeyClassOneTime, ID: 99})

	err := txm.WithWriteTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return f.Confirm(ctx, tx, refs)
	})
	if !errors.Is(err, commonerrors.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if s := stateOf(t, txm, refs[0]); s != domain.KeyStatePending {
		t.Errorf("expected signed key to stay pending, got %s", s)
	}
}

func TestFinalizer_DiscardLeavesPending(t *testing.T) {
	f, txm, refs := setupFinalizer(t)

	f.Discard(context.Background(), refs)
	f.Discard(context.Background(), nil)

	for _, ref := range refs {
		if s := stateOf(t, txm, ref); s != domain.KeyStatePending {
			t.Errorf("expected %s pending, got %s", ref.Class, s)
		}
	}
}

func TestFinalizer_ConfirmSkipsKeysNoLongerPending(t *testing.T) {
	f, txm, refs := setupFinalizer(t)
	newer := domain.PreKey{
		Identity:   domain.Primary,
		Class:      domain.KeyClassSigned,
		ID:         2,
		PublicKey:  []byte{3},
		PrivateKey: []byte{3},
		CreatedAt:  time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC),
	}
	newerRef := newer.Ref()

	err := txm.WithWriteTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.PreKeys(newer.Identity, newer.Class).Store(ctx, newer); err != nil {
			return err
		}
		return f.Confirm(ctx, tx, []domain.KeyRef{newerRef})
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	for i := 0; i < 2; i++ {
		err = txm.WithWriteTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			return f.Confirm(ctx, tx, refs)
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}

	if s := stateOf(t, txm, newerRef); s != domain.KeyStateCurrent {
		t.Errorf("expected newer signed key to stay current, got %s", s)
	}
	if s := stateOf(t, txm, refs[0]); s != domain.KeyStateSuperseded {
		t.Errorf("expected older signed key superseded, got %s", s)
	}
	if s := stateOf(t, txm, refs[1]); s != domain.KeyStateCurrent {
		t.Errorf("expected last-resort key current, got %s", s)
	}
}
