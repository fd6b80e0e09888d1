package finalizer

import (
	"context"
	"fmt"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/observability/metrics"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/domain"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/store"
)

// Finalizer reconciles persisted candidate keys with the upload outcome.
type Finalizer struct {
	log *logger.Logger
}

func New(log *logger.Logger) *Finalizer {
	return &Finalizer{log: log}
}

// Confirm promotes the still-pending refs inside the caller's write
// transaction. Refs that were already finalized, or that a newer current key
// has overtaken, are skipped.
func (f *Finalizer) Confirm(ctx context.Context, tx store.Tx, refs []domain.KeyRef) error {
	outcomes := make([]string, len(refs))
	for i, ref := range refs {
		promoted, err := tx.PreKeys(ref.Identity, ref.Class).MarkCurrent(ctx, ref.ID)
		if err != nil {
			return fmt.Errorf("confirm %s key %d for %s: %w", ref.Class, ref.ID, ref.Identity, err)
		}
		outcomes[i] = "confirmed"
		if !promoted {
			outcomes[i] = "skipped"
			f.log.WithFields(ctx, logger.Fields{
				"identity":  ref.Identity.String(),
				"key_class": ref.Class.String(),
				"key_id":    ref.ID,
				"action":    "confirm",
			}).Info("key is no longer pending, left as is")
		}
	}
	for i, ref := range refs {
		metrics.PreKeysFinalizedTotal.WithLabelValues(ref.Identity.String(), ref.Class.String(), outcomes[i]).Inc()
	}
	return nil
}

// Discard leaves the keys pending. A later rotation supersedes them and an
// external retention task removes them.
func (f *Finalizer) Discard(ctx context.Context, refs []domain.KeyRef) {
	for _, ref := range refs {
		metrics.PreKeysFinalizedTotal.WithLabelValues(ref.Identity.String(), ref.Class.String(), "discarded").Inc()
	}
	if len(refs) == 0 {
		return
	}
	f.log.WithFields(ctx, logger.Fields{
		"identity": refs[0].Identity.String(),
		"action":   "discard",
		"keys":     len(refs),
	}).Info("leaving unconfirmed prekeys pending")
}
