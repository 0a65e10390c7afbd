// Package metrics exposes prometheus instruments for the credit engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "storecredits"

// Outcome labels shared by the instruments.
const (
	OutcomeApplied  = "applied"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
	OutcomeCreated  = "created"
	OutcomeReused   = "reused"
	OutcomeRejected = "rejected"
	OutcomeRemoved  = "removed"
	OutcomePaid     = "paid"
)

var (
	resetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resets_total",
		Help:      "Scheduled balance resets by reset method and outcome.",
	}, []string{"method", "outcome"})

	debitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "debits_total",
		Help:      "Balance debits by source and outcome.",
	}, []string{"source", "outcome"})

	partialCouponsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "partial_coupons_total",
		Help:      "Partial-usage coupon transitions by outcome.",
	}, []string{"outcome"})

	fullPaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "full_payments_total",
		Help:      "Full store-credit payments by outcome.",
	}, []string{"outcome"})

	couponsReapedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "coupons_reaped_total",
		Help:      "Stale partial-usage coupons processed by the reaper.",
	}, []string{"outcome"})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tick_duration_seconds",
		Help:      "Duration of scheduler ticks.",
		Buckets:   prometheus.DefBuckets,
	})
)

// RecordReset counts one reset attempt.
func RecordReset(method string, outcome string) {
	resetsTotal.WithLabelValues(method, outcome).Inc()
}

// RecordDebit counts one debit attempt.
func RecordDebit(source string, outcome string) {
	debitsTotal.WithLabelValues(source, outcome).Inc()
}

// RecordPartialCoupon counts one partial-usage transition.
func RecordPartialCoupon(outcome string) {
	partialCouponsTotal.WithLabelValues(outcome).Inc()
}

// RecordFullPayment counts one full-payment attempt.
func RecordFullPayment(outcome string) {
	fullPaymentsTotal.WithLabelValues(outcome).Inc()
}

// RecordReapedCoupons counts reaper deletions and failures.
func RecordReapedCoupons(deleted int, failed int) {
	couponsReapedTotal.WithLabelValues(OutcomeRemoved).Add(float64(deleted))
	couponsReapedTotal.WithLabelValues(OutcomeFailed).Add(float64(failed))
}

// ObserveTick records the duration of a scheduler tick.
func ObserveTick(duration time.Duration) {
	tickDuration.Observe(duration.Seconds())
}
