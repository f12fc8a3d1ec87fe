package transport

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/auth"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/gateway"
)

// conn is one upgraded WebSocket connection. The read pump owns frame
// dispatch, the write pump owns the socket's write side, and forward
// goroutines feed subscription events into the outbox.
type conn struct {
	id        string
	sock      net.Conn
	principal auth.Principal
	remoteIP  string

	// ctx parents every gateway call and stream on this connection;
	// disconnect cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	outbox chan []byte
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	streams map[string]*gateway.Stream
	joined  map[string]struct{}

	connectedAt time.Time
}

// trySend queues a control frame best effort. Acks, errors, and pongs
// are droppable; a client too backed up to receive them is about to be
// dropped by the slow-client policy anyway.
func (c *conn) trySend(f serverFrame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.outbox <- b:
	default:
	}
}

func (c *conn) hasStream(topicID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.streams[topicID]
	return ok
}

func (c *conn) addStream(topicID string, st *gateway.Stream) {
	c.mu.Lock()
	c.streams[topicID] = st
	c.mu.Unlock()
}

func (c *conn) removeStream(topicID string) (*gateway.Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[topicID]
	if ok {
		delete(c.streams, topicID)
	}
	return st, ok
}

// removeStreamIfSame unregisters topicID only while it still maps to st,
// leaving a resubscribe that raced the old stream's teardown alone.
func (c *conn) removeStreamIfSame(topicID string, st *gateway.Stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.streams[topicID]; ok && cur == st {
		delete(c.streams, topicID)
		return true
	}
	return false
}

func (c *conn) markJoined(topicID string) {
	c.mu.Lock()
	c.joined[topicID] = struct{}{}
	c.mu.Unlock()
}

func (c *conn) unmarkJoined(topicID string) {
	c.mu.Lock()
	delete(c.joined, topicID)
	c.mu.Unlock()
}

func (c *conn) joinedTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.joined))
	for t := range c.joined {
		out = append(out, t)
	}
	return out
}

// disconnect tears the connection down exactly once: cancels the
// connection context (which ends every stream), clears lingering
// presence, releases the admission slot, and signals both pumps. The
// write pump owns the socket close so the close frame goes out first.
func (s *Server) disconnect(c *conn, reason string) {
	c.once.Do(func() {
		close(c.done)
		c.cancel()

		if topics := c.joinedTopics(); len(topics) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			defer cancel()
			for _, topicID := range topics {
				if err := s.gw.Leave(ctx, c.principal, topicID); err != nil {
					s.log.Debug().Err(err).Str("topic_id", topicID).Msg("presence leave on disconnect failed")
				}
			}
		}

		s.conns.Delete(c)
		s.guard.Release()
		s.sink.SetConnectionsActive(int(s.guard.Connections()))

		s.log.Info().
			Str("conn_id", c.id).
			Str("user_id", c.principal.UserID).
			Str("reason", reason).
			Dur("connected_for", time.Since(c.connectedAt)).
			Msg("client disconnected")
	})
}
