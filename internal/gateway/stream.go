package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/auth"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/bus"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/errs"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/events"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/logging"
)

// cleanupTimeout bounds the store work done while tearing a stream down.
// The stream's own context is already canceled at that point.
const cleanupTimeout = 5 * time.Second

// dedupWindow is how many recently emitted event ids a stream remembers.
// The same event reaches a stream up to three times (local echo, store
// fan-out, queue drain); the window suppresses those repeats. Repeats
// older than the window go through, which the delivery contract permits:
// consumers dedup by id.
const dedupWindow = 256

// SubscribeRequest opens a stream on a topic. FromSeq > 0 asks for a
// replay of retained events starting at that sequence number.
type SubscribeRequest struct {
	TopicID string `json:"topicId"`
	FromSeq int64  `json:"fromSeq,omitempty"`
}

// Stream is one live subscription. Events arrive on Events() until the
// channel closes: on Close, on connection context cancel, when the
// consumer is too slow, or when the reaper evicts the subscriber.
type Stream struct {
	ID      string
	TopicID string
	Tenant  string

	out    chan events.Envelope
	cancel context.CancelFunc
}

// Events is the delivery channel. Closed when the stream ends.
func (s *Stream) Events() <-chan events.Envelope { return s.out }

// Close ends the stream. Safe to call more than once.
func (s *Stream) Close() { s.cancel() }

// Subscribe authorizes the principal, registers the subscriber, reads
// any requested replay, and starts the pump goroutine that feeds the
// stream. The stream lives until ctx is canceled or Close is called.
func (g *Gateway) Subscribe(ctx context.Context, principal auth.Principal, req SubscribeRequest) (*Stream, error) {
	start := g.now()

	if err := g.requireTopic(principal, req.TopicID); err != nil {
		return nil, g.fail(err)
	}
	if req.FromSeq < 0 {
		return nil, g.fail(errs.InvalidInput("fromSeq", "must not be negative"))
	}
	if !g.acl.Check(ctx, principal, req.TopicID) {
		return nil, g.fail(errs.AccessDenied("no access to topic " + req.TopicID))
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ID:      uuid.NewString(),
		TopicID: req.TopicID,
		Tenant:  principal.TenantID,
		out:     make(chan events.Envelope, g.opts.StreamBuffer),
		cancel:  cancel,
	}

	// Tail the bus before registering in the store so no event can fall
	// between the two: anything from here on is either in the bus buffer
	// or, once registered, in the subscriber queue.
	busSub := g.bus.Subscribe(bus.TopicChannel(s.Tenant, s.TopicID))

	registered := true
	if err := g.topics.AddSubscriber(streamCtx, s.Tenant, s.TopicID, s.ID, principal.UserID); err != nil {
		// Live-only fallback: the bus still feeds the stream, but there
		// is no queue to recover from and no replay bookkeeping.
		registered = false
		g.log.Warn().Err(err).
			Str("stream", s.ID).
			Str("topic", s.TopicID).
			Msg("subscriber registration failed, continuing live-only")
	}

	var replay []events.Envelope
	if req.FromSeq > 0 && g.opts.DurabilityEnabled {
		var err error
		replay, err = g.topics.ReadFromSeq(streamCtx, s.Tenant, s.TopicID, req.FromSeq, g.opts.MaxTopicBuffer)
		if err != nil {
			g.log.Warn().Err(err).
				Str("stream", s.ID).
				Str("topic", s.TopicID).
				Int64("fromSeq", req.FromSeq).
				Msg("replay unavailable, continuing live-only")
			replay = nil
		}
	}

	go g.pump(streamCtx, s, busSub, replay, registered)

	g.sink.ObserveSubscribeSetupLatency(g.now().Sub(start))
	g.log.Info().
		Str("stream", s.ID).
		Str("tenant", s.Tenant).
		Str("topic", s.TopicID).
		Str("user", principal.UserID).
		Int64("fromSeq", req.FromSeq).
		Int("replay", len(replay)).
		Msg("subscription started")
	return s, nil
}

// pump owns the stream's delivery channel. Replay goes out first, then
// it multiplexes live bus traffic with the keepalive tick. The tick
// refreshes the subscriber's lastSeen and drains the subscriber queue,
// so everything the distributor enqueued reaches the consumer even if
// the bus buffer overflowed.
func (g *Gateway) pump(ctx context.Context, s *Stream, busSub *bus.Subscription, replay []events.Envelope, registered bool) {
	defer logging.RecoverPanic(g.log, "stream-pump")
	defer close(s.out)
	defer busSub.Close()
	defer g.unregister(s, registered)

	timer := time.NewTimer(g.opts.SlowClientThreshold)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	seen := newRecentIDs(dedupWindow)

	for _, env := range replay {
		if !g.deliver(ctx, s, timer, seen, env) {
			return
		}
	}

	ticker := time.NewTicker(g.opts.TouchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case env, ok := <-busSub.C():
			if !ok {
				return
			}
			if !g.deliver(ctx, s, timer, seen, env) {
				return
			}
			if busSub.Lagged() && registered {
				if !g.redeliver(ctx, s, timer, seen) {
					return
				}
			}

		case <-ticker.C:
			if !registered {
				continue
			}
			alive, err := g.topics.TouchSubscriber(ctx, s.Tenant, s.ID)
			if err != nil {
				// Transient store trouble must not kill the stream.
				continue
			}
			if !alive {
				g.log.Info().Str("stream", s.ID).Str("topic", s.TopicID).Msg("subscriber evicted, closing stream")
				return
			}
			if !g.redeliver(ctx, s, timer, seen) {
				return
			}
		}
	}
}

// deliver emits the envelope unless the stream already sent it.
func (g *Gateway) deliver(ctx context.Context, s *Stream, timer *time.Timer, seen *recentIDs, env events.Envelope) bool {
	if seen.has(env.ID) {
		return true
	}
	if !g.emit(ctx, s, timer, env) {
		return false
	}
	seen.add(env.ID)
	return true
}

// emit delivers one envelope, giving a slow consumer at most the
// slow-client threshold before the stream is closed on them.
func (g *Gateway) emit(ctx context.Context, s *Stream, timer *time.Timer, env events.Envelope) bool {
	select {
	case s.out <- env:
		return true
	default:
	}

	timer.Reset(g.opts.SlowClientThreshold)
	select {
	case s.out <- env:
		if !timer.Stop() {
			<-timer.C
		}
		return true
	case <-ctx.Done():
		if !timer.Stop() {
			<-timer.C
		}
		return false
	case <-timer.C:
		g.log.Warn().
			Str("stream", s.ID).
			Str("topic", s.TopicID).
			Dur("threshold", g.opts.SlowClientThreshold).
			Msg("slow consumer, closing stream")
		g.sink.IncEventsDropped(1)
		return false
	}
}

// redeliver flushes the subscriber's store queue into the stream.
// A drain error is treated as transient; the next tick retries.
func (g *Gateway) redeliver(ctx context.Context, s *Stream, timer *time.Timer, seen *recentIDs) bool {
	queued, err := g.topics.DrainQueue(ctx, s.Tenant, s.TopicID, s.ID)
	if err != nil {
		g.log.Warn().Err(err).Str("stream", s.ID).Msg("queue drain failed")
		return true
	}
	for _, env := range queued {
		if !g.deliver(ctx, s, timer, seen, env) {
			return false
		}
	}
	return true
}

// recentIDs is a fixed-size set of the most recently emitted event ids.
type recentIDs struct {
	ring []string
	set  map[string]struct{}
	next int
}

func newRecentIDs(n int) *recentIDs {
	return &recentIDs{ring: make([]string, n), set: make(map[string]struct{}, n)}
}

func (r *recentIDs) has(id string) bool {
	_, ok := r.set[id]
	return ok
}

func (r *recentIDs) add(id string) {
	if old := r.ring[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ring[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
}

// unregister removes the subscriber's store state once the pump exits.
// It runs on a fresh context: the stream's context is already dead.
func (g *Gateway) unregister(s *Stream, registered bool) {
	if !registered {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := g.topics.RemoveSubscriber(ctx, s.Tenant, s.TopicID, s.ID); err != nil {
		g.log.Warn().Err(err).Str("stream", s.ID).Msg("subscriber cleanup failed")
	}
}
