// Package metrics defines the sink every component reports into.
// Components depend on the Sink interface only; the Prometheus
// implementation lives in prometheus.go and tests use Recorder.
package metrics

import "time"

// Sink receives gateway metrics. Implementations must be safe for
// concurrent use.
type Sink interface {
	// Event flow
	IncEventsPublished()
	IncEventsDelivered()
	IncEventsDropped(n int)

	// Errors by taxonomy kind
	IncError(kind string)

	// Rate limiting
	IncRateLimitHit()
	IncRateLimitBlock()

	// Registry gauges
	SetTopicsActive(n int)
	SetSubscribersActive(n int)

	// Transport connections
	IncConnectionsAccepted()
	IncConnectionsRejected(reason string)
	SetConnectionsActive(n int)

	// Latency
	ObservePublishLatency(d time.Duration)
	ObserveSubscribeSetupLatency(d time.Duration)
}

// NoOp discards all metrics.
type NoOp struct{}

func (NoOp) IncEventsPublished()                        {}
func (NoOp) IncEventsDelivered()                        {}
func (NoOp) IncEventsDropped(int)                       {}
func (NoOp) IncError(string)                            {}
func (NoOp) IncRateLimitHit()                           {}
func (NoOp) IncRateLimitBlock()                         {}
func (NoOp) SetTopicsActive(int)                        {}
func (NoOp) SetSubscribersActive(int)                   {}
func (NoOp) IncConnectionsAccepted()                    {}
func (NoOp) IncConnectionsRejected(string)              {}
func (NoOp) SetConnectionsActive(int)                   {}
func (NoOp) ObservePublishLatency(time.Duration)        {}
func (NoOp) ObserveSubscribeSetupLatency(time.Duration) {}

var _ Sink = NoOp{}
