// Package metrics holds the process-wide Prometheus counters named in
// §4.7: queue scans, items processed, decisions by kind, webhook events
// by type, auth failures, rate-limit rejections, cache hits/misses, and
// manager API calls. They back the /metrics/prom exposition endpoint; the
// plain JSON /metrics snapshot the webhook receiver serves is built from
// its own counters and the manager client's cache statistics instead.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueScans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcilearr_queue_scans_total",
		Help: "Total number of periodic queue scans completed.",
	})

	ItemsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcilearr_items_processed_total",
		Help: "Total number of queue items passed through reconcile.",
	})

	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcilearr_decisions_total",
		Help: "Total number of analyzer decisions by kind.",
	}, []string{"kind"})

	ReconcileErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcilearr_reconcile_errors_total",
		Help: "Total number of reconcile attempts that returned an error.",
	})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcilearr_webhook_events_total",
		Help: "Total number of accepted webhook deliveries by event type.",
	}, []string{"event_type"})

	WebhookAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcilearr_webhook_auth_failures_total",
		Help: "Total number of webhook deliveries rejected for failed authentication.",
	})

	WebhookRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcilearr_webhook_rate_limited_total",
		Help: "Total number of webhook deliveries rejected by the rate limiter.",
	})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcilearr_cache_hits_total",
		Help: "Total number of manager-client cache hits.",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcilearr_cache_misses_total",
		Help: "Total number of manager-client cache misses.",
	})

	ManagerAPICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcilearr_manager_api_calls_total",
		Help: "Total number of outbound calls to the manager API by method.",
	}, []string{"method"})
)
