// Package scheduler runs the periodic credit reset and coupon cleanup.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/storecredits/internal/commerce"
	"github.com/MarkoPoloResearchLab/storecredits/internal/metrics"
	"github.com/MarkoPoloResearchLab/storecredits/internal/reaper"
	"github.com/MarkoPoloResearchLab/storecredits/internal/settings"
	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
	"go.uber.org/zap"
)

// DefaultInterval is the nominal tick period.
const DefaultInterval = time.Hour

// ErrInvalidSchedulerConfig reports a missing dependency.
var ErrInvalidSchedulerConfig = errors.New("invalid scheduler config")

// SnapshotSource loads the configuration for one tick.
type SnapshotSource interface {
	Load(ctx context.Context) (settings.Snapshot, error)
}

// Sweeper removes abandoned coupons at the end of each tick.
type Sweeper interface {
	Sweep(ctx context.Context) (reaper.Report, error)
}

// TickReport summarizes one tick.
type TickReport struct {
	Today    ledger.Date
	Method   ledger.ResetMethod
	Matched  int
	Reset    int
	Skipped  int
	Failed   int
	Reaped   reaper.Report
	Duration time.Duration
}

// Scheduler decides which users reset on a given day.
type Scheduler struct {
	credits  *ledger.Service
	users    commerce.UserDirectory
	settings SnapshotSource
	sweeper  Sweeper
	logger   *zap.Logger
	now      func() time.Time
	interval time.Duration
	tickMu   sync.Mutex
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval overrides DefaultInterval.
func WithInterval(interval time.Duration) Option {
	return func(scheduler *Scheduler) {
		if interval > 0 {
			scheduler.interval = interval
		}
	}
}

// WithSweeper runs sweeper at the end of every tick.
func WithSweeper(sweeper Sweeper) Option {
	return func(scheduler *Scheduler) {
		scheduler.sweeper = sweeper
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(scheduler *Scheduler) {
		if logger != nil {
			scheduler.logger = logger
		}
	}
}

// New wires a Scheduler.
func New(credits *ledger.Service, users commerce.UserDirectory, source SnapshotSource, now func() time.Time, options ...Option) (*Scheduler, error) {
	if credits == nil || users == nil || source == nil || now == nil {
		return nil, fmt.Errorf("%w: ledger, users, settings and clock are required", ErrInvalidSchedulerConfig)
	}
	scheduler := &Scheduler{
		credits:  credits,
		users:    users,
		settings: source,
		logger:   zap.NewNop(),
		now:      now,
		interval: DefaultInterval,
	}
	for _, option := range options {
		if option != nil {
			option(scheduler)
		}
	}
	return scheduler, nil
}

// Run ticks once immediately and then every interval until ctx is done.
func (scheduler *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(scheduler.interval)
	defer ticker.Stop()
	scheduler.logger.Info("scheduler started", zap.Duration("interval", scheduler.interval))
	scheduler.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			scheduler.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			scheduler.runTick(ctx)
		}
	}
}

func (scheduler *Scheduler) runTick(ctx context.Context) {
	report, err := scheduler.Tick(ctx)
	fields := []zap.Field{
		zap.String("today", report.Today.String()),
		zap.String("method", report.Method.String()),
		zap.Int("matched", report.Matched),
		zap.Int("reset", report.Reset),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("coupons_deleted", report.Reaped.Deleted),
		zap.Duration("duration", report.Duration),
	}
	if err != nil {
		scheduler.logger.Error("tick failed", append(fields, zap.Error(err))...)
		return
	}
	scheduler.logger.Info("tick completed", fields...)
}

// Tick performs one pass. Failure to load settings or list users aborts the
// resets before any balance is written. Failures for individual users are
// joined into the returned error without stopping the pass. The coupon sweep
// runs on every tick, whatever happened to the resets.
func (scheduler *Scheduler) Tick(ctx context.Context) (report TickReport, err error) {
	scheduler.tickMu.Lock()
	defer scheduler.tickMu.Unlock()

	started := scheduler.now()
	defer func() { metrics.ObserveTick(scheduler.now().Sub(started)) }()
	defer func() {
		if scheduler.sweeper != nil {
			reaped, sweepErr := scheduler.sweeper.Sweep(ctx)
			report.Reaped = reaped
			err = errors.Join(err, sweepErr)
		}
		report.Duration = scheduler.now().Sub(started)
	}()

	err = scheduler.resetDue(ctx, started, &report)
	return report, err
}

func (scheduler *Scheduler) resetDue(ctx context.Context, started time.Time, report *TickReport) error {
	snapshot, err := scheduler.settings.Load(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	report.Today = snapshot.Today(started)
	report.Method = snapshot.Reset.Method

	var failures []error
	switch snapshot.Reset.Method {
	case ledger.ResetMethodFixed:
		if !snapshot.Reset.FixedDateMatches(report.Today) {
			return nil
		}
		userIDs, err := scheduler.users.ListUserIDs(ctx)
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}
		for _, userID := range userIDs {
			report.Matched++
			failures = append(failures, scheduler.resetUser(ctx, userID, snapshot.Reset, report.Today, report))
		}
	case ledger.ResetMethodAnniversary:
		userIDs, err := scheduler.users.ListUserIDs(ctx)
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}
		for _, userID := range userIDs {
			account, err := scheduler.credits.Account(ctx, userID)
			if err != nil {
				report.Failed++
				metrics.RecordReset(snapshot.Reset.Method.String(), metrics.OutcomeFailed)
				failures = append(failures, fmt.Errorf("read account %s: %w", userID.String(), err))
				continue
			}
			if !account.AnniversaryDate.RecursOn(report.Today) {
				continue
			}
			report.Matched++
			failures = append(failures, scheduler.resetUser(ctx, userID, snapshot.Reset, report.Today, report))
		}
	}
	return errors.Join(failures...)
}

func (scheduler *Scheduler) resetUser(ctx context.Context, userID ledger.UserID, config ledger.ResetConfig, today ledger.Date, report *TickReport) error {
	result, err := scheduler.credits.Reset(ctx, userID, config, today)
	if err != nil {
		report.Failed++
		metrics.RecordReset(config.Method.String(), metrics.OutcomeFailed)
		scheduler.logger.Warn("credit reset failed", zap.String("user_id", userID.String()), zap.Error(err))
		return fmt.Errorf("reset %s: %w", userID.String(), err)
	}
	if !result.Applied {
		report.Skipped++
		metrics.RecordReset(config.Method.String(), metrics.OutcomeSkipped)
		return nil
	}
	report.Reset++
	metrics.RecordReset(config.Method.String(), metrics.OutcomeApplied)
	return nil
}
