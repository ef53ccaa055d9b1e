package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"DepositEngine/internal/event"
	"DepositEngine/internal/ledger"
)

// LocalPublisher stands in for NATS in memory mode. Instructions are posted
// to an in-process ledger so balances can be inspected; lifecycle events
// and notifications are only logged.
type LocalPublisher struct {
	tracker   *ledger.BalanceTracker
	validator *ledger.InvariantValidator
	logger    zerolog.Logger
}

func NewLocalPublisher(tracker *ledger.BalanceTracker, logger zerolog.Logger) *LocalPublisher {
	return &LocalPublisher{
		tracker:   tracker,
		validator: ledger.NewInvariantValidator(tracker),
		logger:    logger,
	}
}

func (lp *LocalPublisher) Publish(_ context.Context, env *event.Envelope) error {
	if !env.EventType.IsInstruction() {
		ev := lp.logger.Debug()
		if tmpl, ok := event.NotificationTemplate(env.EventType); ok {
			ev = lp.logger.Info().Str("notification", tmpl)
		}
		ev.Str("subject", EventSubject(env)).
			Str("deposit_id", env.DepositID.String()).
			Msg("event published")
		return nil
	}

	var batch ledger.Batch
	if err := json.Unmarshal(env.Payload, &batch); err != nil {
		return fmt.Errorf("decode instruction %s: %w", env.EventID, err)
	}
	if err := lp.validator.ValidateBatchBalance(&batch); err != nil {
		return fmt.Errorf("instruction %s: %w", env.EventID, err)
	}
	applied, err := lp.tracker.ApplyBatch(&batch)
	if err != nil {
		return err
	}
	if !applied {
		lp.logger.Debug().Str("batch_id", batch.BatchID.String()).Msg("instruction already posted")
		return nil
	}

	if err := lp.validator.ValidateAccountNonNegative(batch.AccountID, batch.Asset); err != nil {
		// A reversal after the funds moved on; the ledger owner resolves it.
		lp.logger.Warn().Err(err).Str("deposit_id", batch.DepositID.String()).Msg("negative balance after instruction")
	}
	if err := lp.validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("ledger invariant: %w", err)
	}

	lp.logger.Info().
		Str("subject", EventSubject(env)).
		Str("deposit_id", batch.DepositID.String()).
		Str("account_id", batch.AccountID).
		Str("kind", string(batch.Kind)).
		Str("net", batch.Net.String()).
		Str("fee", batch.Fee.String()).
		Msg("instruction posted")
	return nil
}

// Tracker exposes the in-process ledger.
func (lp *LocalPublisher) Tracker() *ledger.BalanceTracker {
	return lp.tracker
}
