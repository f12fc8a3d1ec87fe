package store

import (
	"context"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/errs"
)

// Message is one notification received from a pattern subscription.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pattern subscription. Messages closes when the
// subscription is closed or the connection is lost for good.
type Subscription struct {
	ch     chan Message
	cancel func() error
}

func (s *Subscription) Messages() <-chan Message { return s.ch }

func (s *Subscription) Close() error { return s.cancel() }

// PatternSubscribe opens a pattern subscription on this connection. The
// client reconnects and re-subscribes on transient failures; callers only
// see the message stream. Call on a Duplicate()d adapter: the subscription
// occupies the connection.
func (s *Redis) PatternSubscribe(ctx context.Context, pattern string) (*Subscription, error) {
	pubsub := s.rdb.PSubscribe(ctx, pattern)

	// Confirm the subscription before handing it out.
	confirmCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	_, err := pubsub.Receive(confirmCtx)
	cancel()
	if err != nil {
		_ = pubsub.Close()
		s.sink.IncError(string(errs.KindStoreUnavailable))
		return nil, errs.StoreUnavailable(err)
	}

	sub := &Subscription{
		ch:     make(chan Message, 256),
		cancel: pubsub.Close,
	}

	go func() {
		defer close(sub.ch)
		for msg := range pubsub.Channel() {
			select {
			case sub.ch <- Message{Channel: msg.Channel, Payload: msg.Payload}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub, nil
}
