package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"DepositEngine/internal/observability"
	"DepositEngine/internal/state"
)

const lockKey = "stale-sweeper"

// StaleLister returns open deposits whose last update is older than before.
type StaleLister interface {
	ListStaleOpen(ctx context.Context, before time.Time, limit int) ([]*state.Deposit, error)
}

type Config struct {
	Schedule  string        // cron spec, e.g. "@every 5m"
	Threshold time.Duration // open longer than this is stale
	Limit     int
	LockTTL   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Schedule:  "@every 5m",
		Threshold: 24 * time.Hour,
		Limit:     500,
		LockTTL:   time.Minute,
	}
}

// Report summarizes one sweep.
type Report struct {
	Skipped  bool // another instance held the lock
	Stale    int
	ByStatus map[state.Status]int
}

// Sweeper reports deposits that have stayed open past the threshold. It
// only observes; resolving a stale deposit is an operator decision.
type Sweeper struct {
	lister  StaleLister
	locker  Locker
	cfg     Config
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// New builds a sweeper. A nil locker runs every tick (single instance).
func New(lister StaleLister, locker Locker, cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *Sweeper {
	def := DefaultConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	return &Sweeper{
		lister:  lister,
		locker:  locker,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "sweeper").Logger(),
		now:     time.Now,
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Start runs Sweep on the configured schedule until ctx is cancelled
// (blocking). It waits for an in-flight sweep before returning.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error().Err(err).Msg("stale sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule sweeper %q: %w", s.cfg.Schedule, err)
	}

	c.Start()
	s.logger.Info().
		Str("schedule", s.cfg.Schedule).
		Dur("threshold", s.cfg.Threshold).
		Msg("stale sweeper started")

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info().Msg("stale sweeper stopped")
	return nil
}

// Sweep lists stale open deposits once and publishes the per-status gauge.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	if s.locker != nil {
		token, ok, err := s.locker.Acquire(ctx, lockKey, s.cfg.LockTTL)
		if err != nil {
			s.countRun("error")
			return Report{}, err
		}
		if !ok {
			s.countRun("skipped")
			s.logger.Debug().Msg("sweep skipped, lock held elsewhere")
			return Report{Skipped: true}, nil
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
				s.logger.Warn().Err(err).Msg("release sweeper lock")
			}
		}()
	}

	cutoff := s.now().Add(-s.cfg.Threshold)
	stale, err := s.lister.ListStaleOpen(ctx, cutoff, s.cfg.Limit)
	if err != nil {
		s.countRun("error")
		return Report{}, fmt.Errorf("list stale deposits: %w", err)
	}

	report := Report{Stale: len(stale), ByStatus: make(map[state.Status]int)}
	for _, d := range stale {
		report.ByStatus[d.Status]++
		s.logger.Warn().
			Str("deposit_id", d.ID.String()).
			Str("account_id", d.AccountID).
			Str("status", string(d.Status)).
			Int("confirmations", d.Confirmations).
			Int("required_confirmations", d.RequiredConfirmations).
			Time("updated_at", d.UpdatedAt).
			Dur("age", s.now().Sub(d.UpdatedAt)).
			Msg("deposit open past threshold")
	}

	if s.metrics != nil {
		for _, st := range openStatuses {
			s.metrics.StaleOpenDeposits.WithLabelValues(string(st)).Set(float64(report.ByStatus[st]))
		}
	}
	s.countRun("ok")
	if report.Stale >= s.cfg.Limit {
		s.logger.Warn().Int("limit", s.cfg.Limit).Msg("stale deposit list truncated")
	}
	return report, nil
}

var openStatuses = []state.Status{
	state.StatusPending,
	state.StatusAwaitingConfirmations,
	state.StatusConfirmed,
	state.StatusOnHold,
}

func (s *Sweeper) countRun(result string) {
	if s.metrics != nil {
		s.metrics.SweeperRuns.WithLabelValues(result).Inc()
	}
}
