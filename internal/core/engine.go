package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"DepositEngine/internal/event"
	"DepositEngine/internal/ledger"
	fpmath "DepositEngine/internal/math"
	"DepositEngine/internal/observability"
	"DepositEngine/internal/state"
	"DepositEngine/internal/wallet"
)

// DepositStore is the persistence the engine needs. UpdateDeposit is a
// compare-and-swap on Version and must write events in the same
// transaction as the row.
type DepositStore interface {
	CreateDeposit(ctx context.Context, d *state.Deposit, events []*event.Envelope) error
	UpdateDeposit(ctx context.Context, d *state.Deposit, expectedVersion int64, events []*event.Envelope) error
	GetDeposit(ctx context.Context, id uuid.UUID) (*state.Deposit, error)
	FindOpenDeposit(ctx context.Context, accountID string, purpose state.Purpose) (*state.Deposit, error)
	FindOpenByDestination(ctx context.Context, key state.AssetKey, address, memo string) ([]*state.Deposit, error)
}

// AccountReader reads the trading-account mirror.
type AccountReader interface {
	GetAccount(ctx context.Context, accountID string) (*state.Account, error)
}

type Config struct {
	Fee fpmath.FeeConfig

	// MaxTransitionRetries bounds re-reads after a version conflict.
	MaxTransitionRetries int

	// AutoComplete completes a deposit in the same write that confirms it,
	// provided it carries a transaction reference. Proof-only deposits
	// always wait for an explicit completion.
	AutoComplete bool

	// DedupCapacity sizes the in-memory tier of watcher deduplication.
	DedupCapacity int
}

func DefaultConfig() Config {
	return Config{
		Fee:                  fpmath.DefaultFeeConfig(),
		MaxTransitionRetries: 5,
		DedupCapacity:        100_000,
	}
}

// Engine owns deposit intake and the confirmation lifecycle. It holds no
// per-deposit state; every mutation is a read, a pure transition and a
// conditional write, so any number of goroutines and replicas may call it.
type Engine struct {
	store       DepositStore
	accounts    AccountReader
	assets      *state.AssetRegistry
	wallets     *wallet.Resolver
	calc        *fpmath.FeeCalculator
	activation  *state.ActivationValidator
	journalGen  *ledger.JournalGenerator
	idempotency *IdempotencyChecker
	cfg         Config
	metrics     *observability.Metrics
	logger      zerolog.Logger

	now   func() time.Time
	newID func() uuid.UUID
}

func NewEngine(
	store DepositStore,
	accounts AccountReader,
	assets *state.AssetRegistry,
	wallets *wallet.Resolver,
	dbChecker DBIdempotencyChecker,
	cfg Config,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*Engine, error) {
	if err := cfg.Fee.Validate(); err != nil {
		return nil, fmt.Errorf("fee config: %w", err)
	}
	if cfg.MaxTransitionRetries < 0 {
		return nil, fmt.Errorf("max transition retries must be >= 0, got %d", cfg.MaxTransitionRetries)
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = DefaultConfig().DedupCapacity
	}

	calc := fpmath.NewFeeCalculator(cfg.Fee)
	return &Engine{
		store:       store,
		accounts:    accounts,
		assets:      assets,
		wallets:     wallets,
		calc:        calc,
		activation:  state.NewActivationValidator(calc),
		journalGen:  ledger.NewJournalGenerator(),
		idempotency: NewIdempotencyChecker(cfg.DedupCapacity, dbChecker, metrics),
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger.With().Str("subsystem", "engine").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.New,
	}, nil
}

// WithClock replaces the wall clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithIDGenerator replaces uuid.New, for tests.
func (e *Engine) WithIDGenerator(newID func() uuid.UUID) *Engine {
	e.newID = newID
	return e
}

func (e *Engine) FeeCalculator() *fpmath.FeeCalculator {
	return e.calc
}

// --- Transition pipeline ---

type mutation func(d *state.Deposit, now time.Time) (state.Transition, error)

// mutate runs fn against the latest stored version of a deposit and writes
// the result conditionally on that version. A lost race re-reads and re-runs
// fn, so fn must be a pure function of the deposit.
func (e *Engine) mutate(ctx context.Context, id uuid.UUID, action string, fn mutation) (*state.Deposit, state.Transition, error) {
	for attempt := 0; attempt <= e.cfg.MaxTransitionRetries; attempt++ {
		current, err := e.store.GetDeposit(ctx, id)
		if err != nil {
			return nil, state.Transition{}, err
		}

		next := current.Clone()
		now := e.now()
		tr, err := fn(next, now)
		if err != nil {
			return current, tr, err
		}
		if tr.NoOp {
			return current, tr, nil
		}

		events, err := e.buildEvents(next, tr, now)
		if err != nil {
			return nil, tr, err
		}

		err = e.store.UpdateDeposit(ctx, next, current.Version, events)
		if errors.Is(err, state.ErrVersionConflict) {
			if e.metrics != nil {
				e.metrics.TransitionConflicts.Inc()
			}
			e.logger.Debug().
				Str("deposit_id", id.String()).
				Str("action", action).
				Int("attempt", attempt+1).
				Msg("version conflict, retrying")
			continue
		}
		if err != nil {
			return nil, tr, err
		}

		e.recordTransition(next, tr, action)
		return next, tr, nil
	}

	return nil, state.Transition{}, fmt.Errorf("%w: %s on %s after %d attempts",
		state.ErrConcurrentModification, action, id, e.cfg.MaxTransitionRetries+1)
}

// chain runs b after a, merging their transitions into one write.
func chain(a, b mutation) mutation {
	return func(d *state.Deposit, now time.Time) (state.Transition, error) {
		first, err := a(d, now)
		if err != nil {
			return first, err
		}
		second, err := b(d, now)
		if err != nil {
			return first, err
		}
		return mergeTransitions(first, second), nil
	}
}

func mergeTransitions(a, b state.Transition) state.Transition {
	if a.NoOp {
		return b
	}
	if b.NoOp {
		return a
	}
	return state.Transition{
		From:         a.From,
		To:           b.To,
		CountChanged: a.CountChanged || b.CountChanged,
		Confirmed:    a.Confirmed || b.Confirmed,
		Completed:    a.Completed || b.Completed,
		Reversed:     a.Reversed || b.Reversed,
		Failed:       a.Failed || b.Failed,
		Held:         a.Held || b.Held,
	}
}

// buildEvents turns transition flags into outbox envelopes, in lifecycle
// order. Completion and reversal also emit their ledger instruction.
func (e *Engine) buildEvents(d *state.Deposit, tr state.Transition, now time.Time) ([]*event.Envelope, error) {
	var out []*event.Envelope
	add := func(evt event.Event) error {
		env, err := event.NewEnvelope(d.ID, d.AccountID, evt, now)
		if err != nil {
			return err
		}
		out = append(out, env)
		return nil
	}
	snapshot := func(et event.EventType) error {
		return add(event.NewDepositSnapshot(et, d, tr.From, now))
	}

	if tr.CountChanged {
		if err := snapshot(event.EventTypeConfirmationRecorded); err != nil {
			return nil, err
		}
	}
	if tr.Held {
		if err := snapshot(event.EventTypeDepositOnHold); err != nil {
			return nil, err
		}
	}
	if tr.Confirmed {
		if err := snapshot(event.EventTypeDepositConfirmed); err != nil {
			return nil, err
		}
	}
	if tr.Completed {
		if err := snapshot(event.EventTypeDepositCompleted); err != nil {
			return nil, err
		}
		batch, err := e.journalGen.GenerateDepositCredit(d, now)
		if err != nil {
			return nil, fmt.Errorf("credit instruction: %w", err)
		}
		if err := add(&event.Instruction{Batch: batch}); err != nil {
			return nil, err
		}
	}
	if tr.Failed {
		if err := snapshot(event.EventTypeDepositFailed); err != nil {
			return nil, err
		}
	}
	if tr.Reversed {
		if err := snapshot(event.EventTypeDepositReversed); err != nil {
			return nil, err
		}
		batch, err := e.journalGen.GenerateDepositReversal(d, now)
		if err != nil {
			return nil, fmt.Errorf("reversal instruction: %w", err)
		}
		if err := add(&event.Instruction{Batch: batch}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e *Engine) recordTransition(d *state.Deposit, tr state.Transition, action string) {
	if tr.From != tr.To {
		e.logger.Info().
			Str("deposit_id", d.ID.String()).
			Str("account_id", d.AccountID).
			Str("action", action).
			Str("from", string(tr.From)).
			Str("to", string(tr.To)).
			Int("confirmations", d.Confirmations).
			Int64("version", d.Version).
			Msg("deposit transition")
	}
	if e.metrics == nil {
		return
	}
	if tr.From != tr.To {
		e.metrics.DepositTransitions.WithLabelValues(string(tr.From), string(tr.To)).Inc()
	}
	if tr.Completed {
		e.metrics.LedgerInstructions.WithLabelValues(string(ledger.InstructionCredit)).Inc()
	}
	if tr.Reversed {
		e.metrics.LedgerInstructions.WithLabelValues(string(ledger.InstructionDebit)).Inc()
	}
}

// reportIntegrity logs an integrity-class error with context. The caller
// still returns it; transports surface it without detail.
func (e *Engine) reportIntegrity(err error, depositID uuid.UUID, action string) {
	if Classify(err) != ClassIntegrity {
		return
	}
	e.logger.Error().
		Err(err).
		Str("deposit_id", depositID.String()).
		Str("action", action).
		Msg("integrity error")
	if e.metrics != nil {
		e.metrics.IntegrityErrors.WithLabelValues(ErrorCode(err)).Inc()
	}
}
