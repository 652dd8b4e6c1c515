// Package monitoring exposes the Prometheus metrics of the attendance
// pipeline.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the attendance pipeline.
type Metrics struct {
	// Ingress
	EventsIngested   *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	WebhookDuration  *prometheus.HistogramVec
	DuplicateEvents  prometheus.Counter
	RateLimitRejects prometheus.Counter

	// Pipeline
	SessionsFinalized *prometheus.CounterVec
	SessionsStale     prometheus.Counter
	FinalizeDuration  prometheus.Histogram

	// Cards
	CardsIssued      *prometheus.CounterVec
	TamperDetections prometheus.Counter
	SignaturesTotal  *prometheus.CounterVec

	// Notifications
	MailDeliveries *prometheus.CounterVec
	DigestsSent    *prometheus.CounterVec
}

// NewMetrics creates all pipeline metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsOn(prometheus.DefaultRegisterer)
}

// NewMetricsOn creates all pipeline metrics on reg. The server uses the
// default registry; tests use a fresh one per case.
func NewMetricsOn(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proofmeet_events_ingested_total",
				Help: "Timeline events accepted, by source and kind",
			},
			[]string{"source", "kind"},
		),
		EventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proofmeet_events_dropped_total",
				Help: "Events intentionally discarded during normalization",
			},
			[]string{"source", "reason"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proofmeet_webhook_duration_seconds",
				Help:    "Provider webhook handling latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event"},
		),
		DuplicateEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "proofmeet_duplicate_events_total",
				Help: "Appends suppressed by the duplicate key",
			},
		),
		RateLimitRejects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "proofmeet_rate_limit_rejects_total",
				Help: "Requests rejected with 429",
			},
		),
		SessionsFinalized: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proofmeet_sessions_finalized_total",
				Help: "Sessions finalized, by verdict",
			},
			[]string{"verdict"},
		),
		SessionsStale: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "proofmeet_sessions_stale_total",
				Help: "Sessions closed by the stale sweep",
			},
		),
		FinalizeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "proofmeet_finalize_duration_seconds",
				Help:    "Reconcile-to-issue latency of one finalization",
				Buckets: prometheus.DefBuckets,
			},
		),
		CardsIssued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proofmeet_cards_issued_total",
				Help: "Court cards issued, by verdict",
			},
			[]string{"verdict"},
		),
		TamperDetections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "proofmeet_tamper_detections_total",
				Help: "Cards whose recomputed hash diverged from the stored hash",
			},
		),
		SignaturesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proofmeet_signatures_total",
				Help: "Card signatures collected, by role",
			},
			[]string{"role"},
		),
		MailDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proofmeet_mail_deliveries_total",
				Help: "Outbound mail attempts, by result",
			},
			[]string{"result"}, // sent, failed
		),
		DigestsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proofmeet_digests_sent_total",
				Help: "Officer daily digests, by status transition",
			},
			[]string{"status"},
		),
	}
}

// RecordFinalized bumps the finalization and issuance counters together;
// every finalized session carries exactly one card.
func (m *Metrics) RecordFinalized(verdict string) {
	m.SessionsFinalized.WithLabelValues(verdict).Inc()
	m.CardsIssued.WithLabelValues(verdict).Inc()
}
