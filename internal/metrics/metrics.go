package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	ProviderRequests  *prometheus.CounterVec
	ProviderLatency   *prometheus.HistogramVec
	ProviderThrottled *prometheus.CounterVec
	WebhookEvents     *prometheus.CounterVec
	IngestedMessages  *prometheus.CounterVec
	MediaDownloads    *prometheus.CounterVec
	OutboundResults   *prometheus.CounterVec
	BusNotifications  *prometheus.CounterVec
	BackfillMessages  *prometheus.CounterVec
	Errors            *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "green_api_requests_total",
				Help:      "Total Green API requests by endpoint and status.",
			}, []string{"endpoint", "status"}),
			ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "green_api_request_duration_seconds",
				Help:      "Latency distribution for Green API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint", "status"}),
			ProviderThrottled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "green_api_throttled_total",
				Help:      "Total 429 responses that put an endpoint limiter into cooldown.",
			}, []string{"endpoint"}),
			WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Total provider webhook deliveries by type and outcome.",
			}, []string{"type", "outcome"}),
			IngestedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingested_messages_total",
				Help:      "Total canonical messages persisted by type and direction.",
			}, []string{"type", "direction"}),
			MediaDownloads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "media_downloads_total",
				Help:      "Total media downloads by outcome.",
			}, []string{"outcome"}),
			OutboundResults: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbound_messages_total",
				Help:      "Total outbound deliveries by resulting status.",
			}, []string{"status"}),
			BusNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bus_notifications_total",
				Help:      "Total change-bus notifications by channel and outcome.",
			}, []string{"channel", "outcome"}),
			BackfillMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backfill_messages_total",
				Help:      "Total history entries processed by backfill, by outcome.",
			}, []string{"outcome"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.ProviderRequests,
			metricsInstance.ProviderLatency,
			metricsInstance.ProviderThrottled,
			metricsInstance.WebhookEvents,
			metricsInstance.IngestedMessages,
			metricsInstance.MediaDownloads,
			metricsInstance.OutboundResults,
			metricsInstance.BusNotifications,
			metricsInstance.BackfillMessages,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}

// IncError bumps the error counter for component. Safe on a nil receiver.
func (m *Metrics) IncError(component string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component).Inc()
}
