package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	ProviderSends    *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	WebhookEvents    *prometheus.CounterVec
	RateLimitWait    *prometheus.HistogramVec
	CampaignResults  *prometheus.CounterVec
	StatusTransition *prometheus.CounterVec
	AutoReplies      *prometheus.CounterVec
	EventsDropped    prometheus.Counter
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = newMetrics(namespace)
		prometheus.MustRegister(metricsInstance.collectors()...)
	})
	return metricsInstance
}

// NewUnregistered builds collectors without touching the default registry.
func NewUnregistered(namespace string) *Metrics {
	return newMetrics(namespace)
}

func newMetrics(namespace string) *Metrics {
	return &Metrics{
		ProviderSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_sends_total",
			Help:      "Outbound provider sends by channel type and outcome.",
		}, []string{"channel", "outcome"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_send_duration_seconds",
			Help:      "Latency distribution for provider send calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Inbound webhook events by channel type and result.",
		}, []string{"channel", "result"}),
		RateLimitWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting for a session token.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		}, []string{"session"}),
		CampaignResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaign_recipients_total",
			Help:      "Campaign recipients processed by outcome.",
		}, []string{"outcome"}),
		StatusTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_status_transitions_total",
			Help:      "Delivery status changes by target status and whether they were applied.",
		}, []string{"status", "applied"}),
		AutoReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_replies_total",
			Help:      "Auto-reply evaluations by outcome.",
		}, []string{"outcome"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events rejected because the publisher buffer was full.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ProviderSends,
		m.ProviderLatency,
		m.WebhookEvents,
		m.RateLimitWait,
		m.CampaignResults,
		m.StatusTransition,
		m.AutoReplies,
		m.EventsDropped,
	}
}

// ObserveSend records one provider call. Nil-safe so components can run
// without metrics in tests.
func (m *Metrics) ObserveSend(channel, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderSends.WithLabelValues(channel, outcome).Inc()
	m.ProviderLatency.WithLabelValues(channel).Observe(d.Seconds())
}

func (m *Metrics) ObserveWebhook(channel, result string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) ObserveRateLimitWait(sessionID string, d time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitWait.WithLabelValues(sessionID).Observe(d.Seconds())
}

func (m *Metrics) ObserveCampaignResult(outcome string) {
	if m == nil {
		return
	}
	m.CampaignResults.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveStatus(status string, applied bool) {
	if m == nil {
		return
	}
	label := "false"
	if applied {
		label = "true"
	}
	m.StatusTransition.WithLabelValues(status, label).Inc()
}

func (m *Metrics) ObserveAutoReply(outcome string) {
	if m == nil {
		return
	}
	m.AutoReplies.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveEventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}
