package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements Sink on top of a prometheus registry.
type Prometheus struct {
	eventsPublished prometheus.Counter
	eventsDelivered prometheus.Counter
	eventsDropped   prometheus.Counter
	errorsTotal     *prometheus.CounterVec
	rateLimitHits   prometheus.Counter
	rateLimitBlocks prometheus.Counter

	topicsActive      prometheus.Gauge
	subscribersActive prometheus.Gauge

	connectionsAccepted prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	connectionsActive   prometheus.Gauge

	publishLatency        prometheus.Histogram
	subscribeSetupLatency prometheus.Histogram
}

// NewPrometheus builds the collector set and registers it on reg.
// Pass prometheus.DefaultRegisterer in main; tests pass their own registry.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gw_events_published_total",
			Help: "Events accepted by the publish path",
		}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gw_events_delivered_total",
			Help: "Events enqueued to subscriber queues",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gw_events_dropped_total",
			Help: "Events dropped from full subscriber queues",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gw_errors_total",
			Help: "Errors by taxonomy kind",
		}, []string{"kind"}),
		rateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gw_rate_limit_hits_total",
			Help: "Rate limit checks performed",
		}),
		rateLimitBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gw_rate_limit_blocks_total",
			Help: "Rate limit checks that denied the request",
		}),
		topicsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gw_topics_active",
			Help: "Topics with at least one registered subscriber",
		}),
		subscribersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gw_subscribers_active",
			Help: "Registered subscription streams",
		}),
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gw_connections_accepted_total",
			Help: "WebSocket connections upgraded",
		}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gw_connections_rejected_total",
			Help: "Connection attempts rejected before upgrade",
		}, []string{"reason"}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gw_connections_active",
			Help: "Open WebSocket connections",
		}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gw_publish_duration_seconds",
			Help:    "End-to-end publish path latency",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		subscribeSetupLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gw_subscribe_setup_duration_seconds",
			Help:    "Time from subscribe request to tailing state",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
	}

	reg.MustRegister(
		p.eventsPublished,
		p.eventsDelivered,
		p.eventsDropped,
		p.errorsTotal,
		p.rateLimitHits,
		p.rateLimitBlocks,
		p.topicsActive,
		p.subscribersActive,
		p.connectionsAccepted,
		p.connectionsRejected,
		p.connectionsActive,
		p.publishLatency,
		p.subscribeSetupLatency,
	)
	return p
}

func (p *Prometheus) IncEventsPublished() { p.eventsPublished.Inc() }
func (p *Prometheus) IncEventsDelivered() { p.eventsDelivered.Inc() }
func (p *Prometheus) IncEventsDropped(n int) {
	p.eventsDropped.Add(float64(n))
}
func (p *Prometheus) IncError(kind string) {
	p.errorsTotal.WithLabelValues(kind).Inc()
}
func (p *Prometheus) IncRateLimitHit()   { p.rateLimitHits.Inc() }
func (p *Prometheus) IncRateLimitBlock() { p.rateLimitBlocks.Inc() }
func (p *Prometheus) SetTopicsActive(n int) {
	p.topicsActive.Set(float64(n))
}
func (p *Prometheus) SetSubscribersActive(n int) {
	p.subscribersActive.Set(float64(n))
}
func (p *Prometheus) IncConnectionsAccepted() { p.connectionsAccepted.Inc() }
func (p *Prometheus) IncConnectionsRejected(reason string) {
	p.connectionsRejected.WithLabelValues(reason).Inc()
}
func (p *Prometheus) SetConnectionsActive(n int) {
	p.connectionsActive.Set(float64(n))
}
func (p *Prometheus) ObservePublishLatency(d time.Duration) {
	p.publishLatency.Observe(d.Seconds())
}
func (p *Prometheus) ObserveSubscribeSetupLatency(d time.Duration) {
	p.subscribeSetupLatency.Observe(d.Seconds())
}

var _ Sink = (*Prometheus)(nil)
