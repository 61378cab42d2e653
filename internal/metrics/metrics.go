// Package metrics exposes Prometheus instrumentation for the delivery
// pipeline, the warmup scheduler and the queue transport.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Singleton metrics instance
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds all Prometheus metrics for the warmup engine
type Metrics struct {
	// Message pipeline metrics
	MessagesQueued   prometheus.Counter
	MessagesSent     prometheus.Counter
	MessagesFailed   prometheus.Counter
	MessagesRejected prometheus.Counter
	MessagesRetried  prometheus.Counter
	MessagesDead     prometheus.Counter

	// Provider metrics
	SendDuration    prometheus.Histogram
	ProviderErrors  *prometheus.CounterVec
	TokenRefreshes  prometheus.Counter
	BreakerOpen     prometheus.Gauge

	// Quota metrics
	QuotaExceeded prometheus.Counter
	DailyResets   prometheus.Counter

	// Queue metrics
	QueueDepth *prometheus.GaugeVec

	// Scheduler metrics
	WarmupEmailsScheduled prometheus.Counter
	SchedulerTicks        prometheus.Counter
}

// Get returns the singleton metrics instance
func Get() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	return &Metrics{
		MessagesQueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "embermail_messages_queued_total",
			Help: "Total number of messages accepted onto the queue",
		}),
		MessagesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "embermail_messages_sent_total",
			Help: "Total number of messages delivered to the provider",
		}),
		MessagesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "embermail_messages_failed_total",
			Help: "Total number of messages that ended in a failed state",
		}),
		MessagesRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "embermail_messages_rejected_total",
			Help: "Total number of messages rejected before queueing",
		}),
		MessagesRetried: promauto.NewCounter(prometheus.CounterOpts{
			Name: "embermail_messages_retried_total",
			Help: "Total number of delayed requeues (both retry tiers)",
		}),
		MessagesDead: promauto.NewCounter(prometheus.CounterOpts{
			Name: "embermail_messages_dead_lettered_total",
			Help: "Total number of messages routed to the dead-letter queue",
		}),
		SendDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "embermail_send_duration_seconds",
			Help:    "Wall-clock duration of provider send calls",
			Buckets: prometheus.DefBuckets,
		}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "embermail_provider_errors_total",
			Help: "Provider call failures by kind",
		}, []string{"kind"}),
		TokenRefreshes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "embermail_token_refreshes_total",
			Help: "Total number of credential token refreshes",
		}),
		BreakerOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "embermail_provider_breaker_open",
			Help: "Whether the provider circuit breaker is open (1) or not (0)",
		}),
		QuotaExceeded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "embermail_quota_exceeded_total",
			Help: "Total number of sends refused because the daily quota was spent",
		}),
		DailyResets: promauto.NewCounter(prometheus.CounterOpts{
			Name: "embermail_quota_daily_resets_total",
			Help: "Total number of daily quota resets applied",
		}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "embermail_queue_depth",
			Help: "Current queue depth by channel",
		}, []string{"channel"}),
		WarmupEmailsScheduled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "embermail_warmup_emails_scheduled_total",
			Help: "Total number of synthetic warmup emails scheduled",
		}),
		SchedulerTicks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "embermail_scheduler_ticks_total",
			Help: "Total number of warmup scheduler ticks",
		}),
	}
}
