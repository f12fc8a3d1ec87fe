// Package distributor turns store notifications into deliveries. One
// goroutine per replica blocks on a pattern subscription covering every
// topic channel, fans each event out to the topic's subscriber queues,
// and forwards it onto the in-process bus for streams tailing locally.
package distributor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/bus"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/events"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/logging"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/metrics"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/store"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/topic"
)

const (
	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
)

// Distributor consumes the store's topic announcements. It must run on a
// dedicated store connection because the pattern subscription blocks it
// for anything else.
type Distributor struct {
	store  *store.Redis
	keys   store.Keys
	topics *topic.Manager
	bus    *bus.Bus
	log    zerolog.Logger
	sink   metrics.Sink

	mu  sync.Mutex
	rot map[string]int // {tenant}:{topic} -> rotation counter
}

func New(st *store.Redis, keys store.Keys, topics *topic.Manager, b *bus.Bus, log zerolog.Logger, sink metrics.Sink) *Distributor {
	return &Distributor{
		store:  st,
		keys:   keys,
		topics: topics,
		bus:    b,
		log:    log.With().Str("component", "distributor").Logger(),
		sink:   sink,
		rot:    make(map[string]int),
	}
}

// Run consumes announcements until ctx ends, reconnecting with capped
// backoff whenever the subscription drops.
func (d *Distributor) Run(ctx context.Context) {
	defer logging.RecoverPanic(d.log, "distributor")

	backoff := reconnectBase
	for {
		err := d.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		d.log.Warn().Err(err).Dur("retry_in", backoff).Msg("distributor subscription lost")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < reconnectCap {
			backoff *= 2
		}
	}
}

func (d *Distributor) consume(ctx context.Context) error {
	sub, err := d.store.PatternSubscribe(ctx, d.keys.PubPattern())
	if err != nil {
		return err
	}
	defer sub.Close()
	d.log.Info().Str("pattern", d.keys.PubPattern()).Msg("distributor subscribed")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return errors.New("pattern subscription closed")
			}
			d.dispatch(ctx, msg)
		}
	}
}

// dispatch delivers one announcement. The channel name is authoritative
// for tenant and topic; an envelope claiming otherwise is dropped.
func (d *Distributor) dispatch(ctx context.Context, msg store.Message) {
	tenant, topicID, ok := d.keys.ParsePubChannel(msg.Channel)
	if !ok {
		d.sink.IncError("malformed_channel")
		d.log.Warn().Str("channel", msg.Channel).Msg("unparseable announcement channel")
		return
	}

	env, err := events.Decode([]byte(msg.Payload))
	if err != nil {
		d.sink.IncError("malformed_envelope")
		d.log.Warn().Err(err).Str("channel", msg.Channel).Msg("undecodable announcement")
		return
	}
	if env.TenantID != tenant || env.TopicID != topicID {
		d.sink.IncError("channel_mismatch")
		d.log.Warn().
			Str("channel", msg.Channel).
			Str("envelopeTenant", env.TenantID).
			Str("envelopeTopic", env.TopicID).
			Msg("envelope contradicts its channel, dropping")
		return
	}

	subs, err := d.topics.Subscribers(ctx, tenant, topicID)
	if err != nil {
		// Queues miss this event but local tails still get it below.
		d.log.Warn().Err(err).Str("topic", topicID).Msg("subscriber set unavailable")
	}

	if len(subs) > 0 {
		d.enqueueAll(ctx, tenant, topicID, subs, env)
	}

	d.bus.Publish(bus.TopicChannel(tenant, topicID), env)
}

// enqueueAll writes the event into every subscriber queue concurrently,
// starting from a rotated offset so the same subscriber is not always
// served first. It returns once all enqueues settle, which keeps each
// queue in per-topic seq order across consecutive events.
func (d *Distributor) enqueueAll(ctx context.Context, tenant, topicID string, subs []string, env events.Envelope) {
	start := d.nextStart(tenant, topicID, len(subs))

	var wg sync.WaitGroup
	for i := range subs {
		subID := subs[(start+i)%len(subs)]
		wg.Add(1)
		go func(subID string) {
			defer wg.Done()
			err := d.topics.Enqueue(ctx, tenant, topicID, subID, env)
			if err == nil {
				return
			}
			d.log.Warn().Err(err).Str("subscriber", subID).Msg("enqueue failed, marking inactive")
			if err := d.topics.MarkInactive(ctx, tenant, subID); err != nil {
				d.log.Warn().Err(err).Str("subscriber", subID).Msg("mark inactive failed")
			}
		}(subID)
	}
	wg.Wait()
}

func (d *Distributor) nextStart(tenant, topicID string, n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := tenant + ":" + topicID
	start := d.rot[key] % n
	d.rot[key] = start + 1
	return start
}
