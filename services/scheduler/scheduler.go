// Package scheduler runs the ledger's periodic maintenance: the year-to-date
// rollover on 1 January and the aggregate verification pass.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"refledger/services/ledger"
)

// RolloverCron fires at 00:05 UTC on 1 January.
const RolloverCron = "5 0 1 1 *"

// Jobs is the ledger maintenance surface the scheduler drives.
type Jobs interface {
	RecomputeAll(ctx context.Context, actor string) (int, error)
	Verify(ctx context.Context) ([]ledger.Violation, error)
}

// Config controls job timing. A zero VerifyInterval disables verification.
type Config struct {
	RolloverCron   string
	VerifyInterval time.Duration
	JobTimeout     time.Duration
}

// Scheduler owns a gocron scheduler with the ledger jobs registered.
type Scheduler struct {
	sched   gocron.Scheduler
	jobs    Jobs
	log     zerolog.Logger
	ctx     context.Context
	timeout time.Duration
}

// New registers the ledger jobs. Job runs derive their context from ctx.
func New(ctx context.Context, jobs Jobs, cfg Config, logger zerolog.Logger) (*Scheduler, error) {
	if jobs == nil {
		return nil, errors.New("jobs are required")
	}
	if cfg.RolloverCron == "" {
		cfg.RolloverCron = RolloverCron
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}

	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	s := &Scheduler{
		sched:   sched,
		jobs:    jobs,
		log:     logger.With().Str("component", "scheduler").Logger(),
		ctx:     ctx,
		timeout: cfg.JobTimeout,
	}

	if _, err := sched.NewJob(
		gocron.CronJob(cfg.RolloverCron, false),
		gocron.NewTask(s.runJob, "ytd_rollover", s.Rollover),
		gocron.WithName("ytd_rollover"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		_ = sched.Shutdown()
		return nil, fmt.Errorf("register rollover job: %w", err)
	}

	if cfg.VerifyInterval > 0 {
		if _, err := sched.NewJob(
			gocron.DurationJob(cfg.VerifyInterval),
			gocron.NewTask(s.runJob, "verify", s.Verify),
			gocron.WithName("verify"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			_ = sched.Shutdown()
			return nil, fmt.Errorf("register verify job: %w", err)
		}
	}

	return s, nil
}

// Start begins running jobs.
func (s *Scheduler) Start() {
	s.sched.Start()
	s.log.Info().Int("jobs", len(s.sched.Jobs())).Msg("scheduler started")
}

// Shutdown stops the scheduler and waits for running jobs.
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}

func (s *Scheduler) runJob(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	if err := fn(ctx); err != nil {
		s.log.Error().Err(err).Str("job", name).Dur("duration", time.Since(start)).Msg("scheduled job failed")
		return
	}
	s.log.Info().Str("job", name).Dur("duration", time.Since(start)).Msg("scheduled job finished")
}

// Rollover recomputes every referral so year-to-date figures move to the new year.
func (s *Scheduler) Rollover(ctx context.Context) error {
	changed, err := s.jobs.RecomputeAll(ctx, ledger.ActorScheduler)
	if err != nil {
		return fmt.Errorf("recompute all: %w", err)
	}
	s.log.Info().Int("changed", changed).Msg("year-to-date rollover complete")
	return nil
}

// Verify checks the stored aggregates and fails when any disagree.
func (s *Scheduler) Verify(ctx context.Context) error {
	violations, err := s.jobs.Verify(ctx)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	for _, v := range violations {
		s.log.Error().
			Str("referral_id", v.ReferralID.String()).
			Str("field", v.Field).
			Str("stored", v.Stored).
			Str("derived", v.Derived).
			Msg("aggregate violation")
	}
	if len(violations) > 0 {
		return fmt.Errorf("%d aggregate violations", len(violations))
	}
	return nil
}
