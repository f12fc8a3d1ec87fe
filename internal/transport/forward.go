package transport

import (
	"encoding/json"
	"time"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/gateway"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/logging"
)

// forward copies one subscription's events into the connection outbox.
// Event frames are not droppable the way acks are; when the outbox is
// full the client gets one slow-client threshold to make room, then the
// whole connection goes.
func (s *Server) forward(c *conn, st *gateway.Stream) {
	defer logging.RecoverPanic(s.log, "forward")
	defer s.wg.Done()

	timer := time.NewTimer(s.cfg.SlowClientThreshold)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for env := range st.Events() {
		b, err := json.Marshal(serverFrame{Op: opEvent, TopicID: env.TopicID, Event: &env})
		if err != nil {
			continue
		}

		select {
		case c.outbox <- b:
			continue
		case <-c.done:
			return
		default:
		}

		timer.Reset(s.cfg.SlowClientThreshold)
		select {
		case c.outbox <- b:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
			s.log.Warn().
				Str("conn_id", c.id).
				Str("topic_id", st.TopicID).
				Str("user_id", c.principal.UserID).
				Msg("slow client, disconnecting")
			s.disconnect(c, "slow client")
			return
		case <-c.done:
			return
		}
	}

	// The stream ended server side: slow consumer, reaper eviction, or
	// shutdown. Tell the client if it still thinks it is subscribed so
	// it can resubscribe from its last seq.
	if c.removeStreamIfSame(st.TopicID, st) {
		c.trySend(serverFrame{
			Op:      opError,
			Ref:     opSubscribe,
			TopicID: st.TopicID,
			Error:   &frameError{Kind: kindSubscriptionClosed, Message: "subscription closed by server"},
		})
	}
}
