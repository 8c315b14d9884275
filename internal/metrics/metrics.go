package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "receipt"

var (
	// UsersByStatus tracks the number of entitlement records in each subscription status.
	UsersByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "users_by_status",
		Help:      "Number of users by subscription status.",
	}, []string{"status"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// EventOutcomesTotal counts dispatched events by type and outcome.
	EventOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "event_outcomes_total",
		Help:      "Dispatched payment events by event type and outcome.",
	}, []string{"event_type", "outcome"})

	// DeadLettersTotal counts events parked for operator replay.
	DeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "dead_letters_total",
		Help:      "Events parked in the dead-letter table by reason.",
	}, []string{"reason"})

	// GateDecisionsTotal counts usage gate decisions.
	GateDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Usage gate decisions by action, source and outcome.",
	}, []string{"action", "source", "outcome"})

	// GateFailOpenTotal counts requests allowed because counter storage was unavailable.
	GateFailOpenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "fail_open_total",
		Help:      "Requests allowed because quota counter storage was unavailable.",
	}, []string{"action"})

	// StoreConflictsTotal counts optimistic-concurrency conflicts that forced a retry.
	StoreConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "conflicts_total",
		Help:      "Optimistic concurrency conflicts by operation.",
	}, []string{"op"})

	// ReferralRedemptionsTotal counts referral redemptions by outcome.
	ReferralRedemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "referral",
		Name:      "redemptions_total",
		Help:      "Referral redemptions by outcome.",
	}, []string{"outcome"})

	// RateLimitedTotal counts 429 responses by limiter.
	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by a rate limiter, by limiter.",
	}, []string{"limiter"})
)
