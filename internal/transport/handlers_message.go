package transport

import (
	"encoding/json"
	"time"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/errs"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/gateway"
)

// handleFrame parses one client frame and dispatches it. Failures come
// back as error frames, never as disconnects; the client may be mid-fix.
func (s *Server) handleFrame(c *conn, raw []byte) {
	var f clientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.log.Warn().Str("conn_id", c.id).Err(err).Msg("client sent invalid JSON")
		c.trySend(serverFrame{
			Op:    opError,
			Error: &frameError{Kind: string(errs.KindInvalidInput), Message: "frame is not valid JSON"},
		})
		return
	}

	switch f.Op {
	case opPing:
		c.trySend(serverFrame{Op: opPong, TS: time.Now().UnixMilli()})
	case opPublish:
		s.handlePublish(c, f)
	case opSubscribe:
		s.handleSubscribe(c, f)
	case opUnsubscribe:
		s.handleUnsubscribe(c, f)
	case opJoin:
		s.handleJoin(c, f)
	case opLeave:
		s.handleLeave(c, f)
	case opHeartbeat:
		s.handleHeartbeat(c, f)
	case opPresence:
		s.handlePresence(c, f)
	case opTopicStats:
		s.handleTopicStats(c, f)
	case opHistory:
		s.handleHistory(c, f)
	default:
		s.log.Warn().Str("conn_id", c.id).Str("op", f.Op).Msg("client sent unknown op")
		c.trySend(serverFrame{
			Op:    opError,
			Ref:   f.Op,
			Error: &frameError{Kind: string(errs.KindInvalidInput), Message: "unknown op"},
		})
	}
}

func (s *Server) handlePublish(c *conn, f clientFrame) {
	env, err := s.gw.Publish(c.ctx, c.principal, gateway.PublishRequest{
		TopicID:  f.TopicID,
		Type:     f.Type,
		Data:     f.Data,
		Priority: f.Priority,
	})
	if err != nil {
		s.sendOpError(c, opPublish, f.TopicID, err)
		return
	}
	c.trySend(serverFrame{Op: opAck, Ref: opPublish, TopicID: env.TopicID, EventID: env.ID, Seq: env.Seq})
}

func (s *Server) handleSubscribe(c *conn, f clientFrame) {
	if c.hasStream(f.TopicID) {
		s.sendOpError(c, opSubscribe, f.TopicID, errs.InvalidInput("topicId", "already subscribed"))
		return
	}
	st, err := s.gw.Subscribe(c.ctx, c.principal, gateway.SubscribeRequest{
		TopicID: f.TopicID,
		FromSeq: f.FromSeq,
	})
	if err != nil {
		s.sendOpError(c, opSubscribe, f.TopicID, err)
		return
	}
	c.addStream(f.TopicID, st)
	c.trySend(serverFrame{Op: opAck, Ref: opSubscribe, TopicID: f.TopicID})
	s.wg.Add(1)
	go s.forward(c, st)
}

func (s *Server) handleUnsubscribe(c *conn, f clientFrame) {
	st, ok := c.removeStream(f.TopicID)
	if !ok {
		s.sendOpError(c, opUnsubscribe, f.TopicID, errs.InvalidInput("topicId", "not subscribed"))
		return
	}
	st.Close()
	c.trySend(serverFrame{Op: opAck, Ref: opUnsubscribe, TopicID: f.TopicID})
}

func (s *Server) handleJoin(c *conn, f clientFrame) {
	if err := s.gw.Join(c.ctx, c.principal, f.TopicID); err != nil {
		s.sendOpError(c, opJoin, f.TopicID, err)
		return
	}
	c.markJoined(f.TopicID)
	c.trySend(serverFrame{Op: opAck, Ref: opJoin, TopicID: f.TopicID})
}

func (s *Server) handleLeave(c *conn, f clientFrame) {
	if err := s.gw.Leave(c.ctx, c.principal, f.TopicID); err != nil {
		s.sendOpError(c, opLeave, f.TopicID, err)
		return
	}
	c.unmarkJoined(f.TopicID)
	c.trySend(serverFrame{Op: opAck, Ref: opLeave, TopicID: f.TopicID})
}

func (s *Server) handleHeartbeat(c *conn, f clientFrame) {
	if err := s.gw.Heartbeat(c.ctx, c.principal, f.TopicID); err != nil {
		s.sendOpError(c, opHeartbeat, f.TopicID, err)
		return
	}
	// A heartbeat creates the presence entry if join was skipped, so the
	// topic still gets a leave at disconnect.
	c.markJoined(f.TopicID)
	c.trySend(serverFrame{Op: opAck, Ref: opHeartbeat, TopicID: f.TopicID})
}

func (s *Server) handlePresence(c *conn, f clientFrame) {
	users, err := s.gw.Presence(c.ctx, c.principal, f.TopicID)
	if err != nil {
		s.sendOpError(c, opPresence, f.TopicID, err)
		return
	}
	c.trySend(serverFrame{Op: opPresenceState, TopicID: f.TopicID, Users: users})
}

func (s *Server) handleTopicStats(c *conn, f clientFrame) {
	stats, err := s.gw.TopicStats(c.ctx, c.principal, f.TopicID)
	if err != nil {
		s.sendOpError(c, opTopicStats, f.TopicID, err)
		return
	}
	c.trySend(serverFrame{Op: opTopicStats, TopicID: f.TopicID, Stats: &stats})
}

func (s *Server) handleHistory(c *conn, f clientFrame) {
	envs, err := s.gw.History(c.ctx, c.principal, f.TopicID, f.Limit)
	if err != nil {
		s.sendOpError(c, opHistory, f.TopicID, err)
		return
	}
	c.trySend(serverFrame{Op: opHistory, TopicID: f.TopicID, Events: envs})
}

func (s *Server) sendOpError(c *conn, ref, topicID string, err error) {
	s.log.Debug().
		Str("conn_id", c.id).
		Str("op", ref).
		Str("topic_id", topicID).
		Err(err).
		Msg("op failed")
	c.trySend(serverFrame{Op: opError, Ref: ref, TopicID: topicID, Error: newFrameError(err)})
}
