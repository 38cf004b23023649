// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "citation_checker"

// ─── Jobs ───────────────────────────────────────────────────────────────────

// JobsTotal counts jobs that reached a terminal state.
var JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "jobs",
	Name:      "finished_total",
	Help:      "Jobs that reached a terminal state, by status.",
}, []string{"status"})

// JobsInFlight tracks jobs between acceptance and a terminal state.
var JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "jobs",
	Name:      "in_flight",
	Help:      "Jobs accepted but not yet finished.",
})

// JobDuration observes wall-clock time from task start to terminal state.
var JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "jobs",
	Name:      "duration_seconds",
	Help:      "Time spent processing a job.",
	Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
})

// ─── Providers ──────────────────────────────────────────────────────────────

// ProviderCalls counts single adapter calls by outcome (ok, transient, rate_limited, permanent).
var ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "provider",
	Name:      "calls_total",
	Help:      "Adapter calls by provider and outcome.",
}, []string{"provider", "outcome"})

// ProviderFallbacks counts batches rerouted to the fallback provider.
var ProviderFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "provider",
	Name:      "fallbacks_total",
	Help:      "Batches rerouted from the preferred provider to the fallback.",
}, []string{"from", "to"})

// ProviderUnavailable counts batches no provider could serve.
var ProviderUnavailable = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "provider",
	Name:      "unavailable_batches_total",
	Help:      "Batches recorded as not attempted after every provider failed.",
})

// BatchLatency observes one batch dispatch including retries and fallback.
var BatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "provider",
	Name:      "batch_duration_seconds",
	Help:      "Time to dispatch one batch, retries and fallback included.",
	Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
}, []string{"provider"})

// ParseFailures counts citation slots the provider answered unintelligibly or skipped.
var ParseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "provider",
	Name:      "parse_failures_total",
	Help:      "Citation slots recorded with parse_status=parse_failure.",
}, []string{"provider"})

// ─── Entitlements ───────────────────────────────────────────────────────────

// CreditsReserved counts citations granted by the ledger.
var CreditsReserved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "reserved_total",
	Help:      "Citations granted by reservations, by source (credits or pass).",
}, []string{"source"})

// CreditsReleased counts citations handed back after unavailable batches.
var CreditsReleased = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "released_total",
	Help:      "Citations released back to the ledger.",
})

// EntitlementRejections counts requests refused with payment required.
var EntitlementRejections = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "exhausted_total",
	Help:      "Requests rejected because no entitlement was available.",
})

// PurchasesApplied counts purchase events by kind and whether they were new.
var PurchasesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "purchases_total",
	Help:      "Purchase events received, by kind and result (applied or replay).",
}, []string{"kind", "result"})

// ─── Events ─────────────────────────────────────────────────────────────────

// JobEventsDropped counts analytics events discarded while the buffer was full.
var JobEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "events",
	Name:      "dropped_total",
	Help:      "Job events dropped because the analytics buffer was full.",
})

// ─── HTTP ───────────────────────────────────────────────────────────────────

// HTTPRequests counts API requests by route and status code.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "HTTP requests by route and status code.",
}, []string{"route", "code"})
