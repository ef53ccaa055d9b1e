package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"DepositEngine/internal/event"
	"DepositEngine/internal/observability"
)

// OutboxStore is the outbox side of PostgresStore and MemoryStore.
type OutboxStore interface {
	FetchUnpublished(ctx context.Context, limit int) ([]*event.Envelope, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
	RecordPublishFailure(ctx context.Context, id uuid.UUID) error
}

// EventPublisher delivers one outbox event downstream.
type EventPublisher interface {
	Publish(ctx context.Context, env *event.Envelope) error
}

// OutboxRelay drains committed events to the publisher in commit order.
// External side effects (credit instructions, notifications) only leave the
// engine through here, after the state transition that caused them has
// committed. Events are never dropped: a failed publish is retried with
// exponential backoff until it succeeds or ctx is cancelled.
type OutboxRelay struct {
	store        OutboxStore
	publisher    EventPublisher
	batchSize    int
	pollInterval time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
	now          func() time.Time
}

func NewOutboxRelay(
	store OutboxStore,
	publisher EventPublisher,
	batchSize int,
	pollInterval time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *OutboxRelay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &OutboxRelay{
		store:        store,
		publisher:    publisher,
		batchSize:    batchSize,
		pollInterval: pollInterval,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another poll.
func (r *OutboxRelay) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		n, err := r.relayWithRetry(ctx)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if n == r.batchSize {
			timer.Reset(0)
		} else {
			timer.Reset(r.pollInterval)
		}
	}
}

// relayWithRetry attempts one batch with exponential backoff.
func (r *OutboxRelay) relayWithRetry(ctx context.Context) (int, error) {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			r.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Msg("outbox retry")
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > r.maxBackoff {
				backoff = r.maxBackoff
			}
		}

		n, err := r.RelayOnce(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info().Int("retries", attempt).Msg("outbox relay recovered")
			}
			return n, nil
		}
		r.logger.Error().Err(err).Msg("outbox relay failed")
	}
}

// RelayOnce publishes up to one batch. It stops at the first publish
// failure so later events for the same deposit never overtake earlier ones.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	start := time.Now()

	events, err := r.store.FetchUnpublished(ctx, r.batchSize)
	if err != nil {
		r.countError("fetch")
		return 0, fmt.Errorf("fetch unpublished: %w", err)
	}
	if r.metrics != nil {
		r.metrics.OutboxBacklog.Set(float64(len(events)))
	}
	if len(events) == 0 {
		return 0, nil
	}

	published := make([]uuid.UUID, 0, len(events))
	var publishErr error
	for _, e := range events {
		if err := r.publisher.Publish(ctx, e); err != nil {
			r.countError("publish")
			if recErr := r.store.RecordPublishFailure(ctx, e.EventID); recErr != nil {
				r.logger.Warn().Err(recErr).Str("event_id", e.EventID.String()).Msg("record publish failure")
			}
			publishErr = fmt.Errorf("publish %s %s: %w", e.EventType, e.IdempotencyKey, err)
			break
		}
		published = append(published, e.EventID)
		if r.metrics != nil {
			r.metrics.OutboxPublished.WithLabelValues(e.EventType.String()).Inc()
		}
	}

	if len(published) > 0 {
		if err := r.store.MarkPublished(ctx, published, r.now()); err != nil {
			// Already on the bus; consumers dedup on the idempotency key.
			r.countError("mark")
			return len(published), fmt.Errorf("mark published: %w", err)
		}
	}

	if r.metrics != nil {
		r.metrics.OutboxPublishDur.Observe(time.Since(start).Seconds())
	}
	if publishErr != nil {
		return len(published), publishErr
	}
	return len(published), nil
}

func (r *OutboxRelay) countError(stage string) {
	if r.metrics != nil {
		r.metrics.OutboxErrors.WithLabelValues(stage).Inc()
	}
}
