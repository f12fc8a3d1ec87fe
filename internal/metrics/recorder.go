package metrics

import (
	"sync"
	"time"
)

// Recorder counts metrics in memory for assertions in tests.
type Recorder struct {
	mu sync.Mutex

	eventsPublished int
	eventsDelivered int
	eventsDropped   int
	errors          map[string]int
	rateLimitHits   int
	rateLimitBlocks int

	topicsActive      int
	subscribersActive int

	connectionsAccepted int
	connectionsRejected map[string]int
	connectionsActive   int

	publishLatencies        []time.Duration
	subscribeSetupLatencies []time.Duration
}

// Snapshot is a point-in-time copy of the Recorder's counters.
type Snapshot struct {
	EventsPublished int
	EventsDelivered int
	EventsDropped   int
	Errors          map[string]int
	RateLimitHits   int
	RateLimitBlocks int

	TopicsActive      int
	SubscribersActive int

	ConnectionsAccepted int
	ConnectionsRejected map[string]int
	ConnectionsActive   int
}

func NewRecorder() *Recorder {
	return &Recorder{
		errors:              make(map[string]int),
		connectionsRejected: make(map[string]int),
	}
}

func (r *Recorder) IncEventsPublished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventsPublished++
}

func (r *Recorder) IncEventsDelivered() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventsDelivered++
}

func (r *Recorder) IncEventsDropped(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventsDropped += n
}

func (r *Recorder) IncError(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[kind]++
}

func (r *Recorder) IncRateLimitHit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rateLimitHits++
}

func (r *Recorder) IncRateLimitBlock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rateLimitBlocks++
}

func (r *Recorder) SetTopicsActive(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topicsActive = n
}

func (r *Recorder) SetSubscribersActive(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribersActive = n
}

func (r *Recorder) IncConnectionsAccepted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectionsAccepted++
}

func (r *Recorder) IncConnectionsRejected(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectionsRejected[reason]++
}

func (r *Recorder) SetConnectionsActive(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectionsActive = n
}

func (r *Recorder) ObservePublishLatency(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishLatencies = append(r.publishLatencies, d)
}

func (r *Recorder) ObserveSubscribeSetupLatency(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribeSetupLatencies = append(r.subscribeSetupLatencies, d)
}

// Snapshot copies the counters, safe to inspect while the gateway is
// still running.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	errs := make(map[string]int, len(r.errors))
	for k, v := range r.errors {
		errs[k] = v
	}
	rejected := make(map[string]int, len(r.connectionsRejected))
	for k, v := range r.connectionsRejected {
		rejected[k] = v
	}
	return Snapshot{
		EventsPublished:     r.eventsPublished,
		EventsDelivered:     r.eventsDelivered,
		EventsDropped:       r.eventsDropped,
		Errors:              errs,
		RateLimitHits:       r.rateLimitHits,
		RateLimitBlocks:     r.rateLimitBlocks,
		TopicsActive:        r.topicsActive,
		SubscribersActive:   r.subscribersActive,
		ConnectionsAccepted: r.connectionsAccepted,
		ConnectionsRejected: rejected,
		ConnectionsActive:   r.connectionsActive,
	}
}

var _ Sink = (*Recorder)(nil)
