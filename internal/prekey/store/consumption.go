package store

import (
	"context"
	"errors"

	commonerrors "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/errors"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/domain"
)

// ConsumptionRecorder is the hook the session layer calls once a peer has
// used one of our one-time keys.
type ConsumptionRecorder struct {
	txManager TxManager
	log       *logger.Logger
}

func NewConsumptionRecorder(txManager TxManager, log *logger.Logger) *ConsumptionRecorder {
	return &ConsumptionRecorder{txManager: txManager, log: log}
}

func (r *ConsumptionRecorder) RecordConsumed(ctx context.Context, ref domain.KeyRef) error {
	err := r.txManager.WithWriteTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.PreKeys(ref.Identity, ref.Class).MarkConsumed(ctx, ref.ID)
	})
	if err != nil {
		if errors.Is(err, commonerrors.ErrKeyNotConsumable) {
			r.log.WithFields(ctx, logger.Fields{
				"identity":  ref.Identity.String(),
				"key_class": ref.Class.String(),
				"key_id":    ref.ID,
			}).Warn("ignoring consumption report for non-consumable key")
		}
		return err
	}
	return nil
}
