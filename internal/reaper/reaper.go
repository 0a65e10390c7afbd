// Package reaper deletes partial-usage coupons that were never redeemed.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/storecredits/internal/commerce"
	"github.com/MarkoPoloResearchLab/storecredits/internal/metrics"
	"go.uber.org/zap"
)

// DefaultGracePeriod is how long an unredeemed coupon may live.
const DefaultGracePeriod = 24 * time.Hour

// ErrInvalidReaperConfig reports a missing dependency.
var ErrInvalidReaperConfig = errors.New("invalid reaper config")

// Report summarizes one sweep.
type Report struct {
	Deleted int
	Failed  int
}

// Reaper removes stale credit-derived coupons.
type Reaper struct {
	coupons     commerce.CouponStore
	logger      *zap.Logger
	now         func() time.Time
	gracePeriod time.Duration
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(gracePeriod time.Duration) Option {
	return func(reaper *Reaper) {
		if gracePeriod > 0 {
			reaper.gracePeriod = gracePeriod
		}
	}
}

// New wires a Reaper.
func New(coupons commerce.CouponStore, logger *zap.Logger, now func() time.Time, options ...Option) (*Reaper, error) {
	if coupons == nil {
		return nil, fmt.Errorf("%w: coupon store is nil", ErrInvalidReaperConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock is nil", ErrInvalidReaperConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	reaper := &Reaper{coupons: coupons, logger: logger, now: now, gracePeriod: DefaultGracePeriod}
	for _, option := range options {
		if option != nil {
			option(reaper)
		}
	}
	return reaper, nil
}

// Sweep hard-deletes every unredeemed credit coupon older than the grace
// period. A failed deletion is logged and does not stop the sweep; only a
// failed listing is returned as an error.
func (reaper *Reaper) Sweep(ctx context.Context) (Report, error) {
	cutoff := reaper.now().Add(-reaper.gracePeriod)
	stale, err := reaper.coupons.ListUnusedCoupons(ctx, commerce.CreditCouponPrefix, cutoff)
	if err != nil {
		return Report{}, fmt.Errorf("list stale coupons: %w", err)
	}
	report := Report{}
	for _, coupon := range stale {
		if coupon.Redeemed() || !commerce.IsCreditCouponCode(coupon.Code) {
			continue
		}
		if err := reaper.coupons.DeleteCoupon(ctx, coupon.ID); err != nil {
			report.Failed++
			reaper.logger.Warn("stale coupon delete failed",
				zap.String("coupon_id", coupon.ID),
				zap.String("code", coupon.Code),
				zap.Error(err))
			continue
		}
		report.Deleted++
	}
	metrics.RecordReapedCoupons(report.Deleted, report.Failed)
	if report.Deleted > 0 || report.Failed > 0 {
		reaper.logger.Info("stale coupons swept",
			zap.Int("deleted", report.Deleted),
			zap.Int("failed", report.Failed))
	}
	return report, nil
}
