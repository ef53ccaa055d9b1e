package ingestion

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"DepositEngine/internal/core"
	"DepositEngine/internal/event"
	"DepositEngine/internal/observability"
	"DepositEngine/internal/state"
)

// DepositEngine is the part of core.Engine the intake drives.
type DepositEngine interface {
	ApplyUpdate(ctx context.Context, u *event.ConfirmationUpdate) (core.ConfirmationOutcome, error)
	ResolveReview(ctx context.Context, r event.ReviewResolution) (*state.Deposit, error)
	Complete(ctx context.Context, id uuid.UUID) (*state.Deposit, error)
}

// UpdateResult is the per-update outcome of a confirmation batch.
type UpdateResult struct {
	Index         int                     `json:"index"`
	UpdateID      string                  `json:"update_id,omitempty"`
	DepositID     uuid.UUID               `json:"deposit_id"`
	Result        core.ConfirmationResult `json:"result"`
	Status        state.Status            `json:"status,omitempty"`
	Confirmations int                     `json:"confirmations"`
	Code          string                  `json:"code,omitempty"`
	Retryable     bool                    `json:"retryable,omitempty"`
}

// Intake applies inbound watcher, review and completion messages to the
// engine. A message is acked once its outcome is decided, including
// rejections; it is nak'd only when a retry could succeed.
type Intake struct {
	engine  DepositEngine
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewIntake(engine DepositEngine, metrics *observability.Metrics, logger zerolog.Logger) *Intake {
	return &Intake{engine: engine, metrics: metrics, logger: logger}
}

// Run drains in until ctx is cancelled or in is closed.
func (in *Intake) Run(ctx context.Context, events <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-events:
			if !ok {
				return nil
			}
			in.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and acks or naks it.
func (in *Intake) Handle(ctx context.Context, raw RawEvent) {
	msg, err := ParseRawEvent(raw)
	if err != nil {
		// Redelivery cannot fix a malformed payload.
		in.logger.Error().Err(err).Str("subject", raw.Subject).Msg("dropping malformed message")
		in.count(raw.Kind, "malformed")
		ack(raw)
		return
	}

	var retry bool
	switch {
	case msg.Confirmations != nil:
		for _, r := range in.ProcessConfirmations(ctx, msg.Confirmations) {
			retry = retry || r.Retryable
		}
	case msg.Review != nil:
		_, err := in.engine.ResolveReview(ctx, *msg.Review)
		retry = in.settle(err, msg.Review.DepositID, "review")
	case msg.Completion != nil:
		_, err := in.engine.Complete(ctx, msg.Completion.DepositID)
		retry = in.settle(err, msg.Completion.DepositID, "complete")
	}

	if retry {
		in.count(raw.Kind, "retry")
		nak(raw)
		return
	}
	in.count(raw.Kind, "ok")
	ack(raw)
}

// ProcessConfirmations applies each update independently. One bad update
// never stops the rest of the batch.
func (in *Intake) ProcessConfirmations(ctx context.Context, updates []*event.ConfirmationUpdate) []UpdateResult {
	results := make([]UpdateResult, 0, len(updates))
	for i, u := range updates {
		out, err := in.engine.ApplyUpdate(ctx, u)
		r := UpdateResult{
			Index:         i,
			UpdateID:      u.UpdateID,
			DepositID:     out.DepositID,
			Result:        out.Result,
			Status:        out.Status,
			Confirmations: out.Confirmations,
			Retryable:     out.Retryable(),
		}
		if r.DepositID == uuid.Nil {
			r.DepositID = u.DepositID
		}
		if err != nil {
			r.Code = core.ErrorCode(err)
			ev := in.logger.Warn()
			if r.Retryable {
				ev = in.logger.Error()
			}
			ev.Err(err).
				Str("update_id", u.UpdateID).
				Str("deposit_id", r.DepositID.String()).
				Str("address", u.Address).
				Int("confirmations", u.Confirmations).
				Str("result", string(out.Result)).
				Msg("confirmation update not applied")
		}
		results = append(results, r)
	}
	return results
}

// settle logs a review or completion outcome and reports whether to retry.
func (in *Intake) settle(err error, id uuid.UUID, action string) bool {
	if err == nil {
		return false
	}
	class := core.Classify(err)
	in.logger.Warn().
		Err(err).
		Str("deposit_id", id.String()).
		Str("action", action).
		Str("class", class.String()).
		Msg("inbound message rejected")
	return class == core.ClassTransient || class == core.ClassConflict
}

func (in *Intake) count(kind MessageKind, result string) {
	if in.metrics != nil {
		in.metrics.NATSMessages.WithLabelValues(string(kind), result).Inc()
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

func nak(raw RawEvent) {
	if raw.NakFunc != nil {
		raw.NakFunc()
	}
}
