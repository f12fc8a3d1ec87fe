package transport

import (
	"encoding/json"
	"time"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/errs"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/events"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/topic"
)

// Client to server ops.
const (
	opPublish     = "publish"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opJoin        = "join"
	opLeave       = "leave"
	opHeartbeat   = "heartbeat"
	opPresence    = "presence"
	opTopicStats  = "topic_stats"
	opHistory     = "history"
	opPing        = "ping"
)

// Server to client ops.
const (
	opEvent         = "event"
	opAck           = "ack"
	opError         = "error"
	opPong          = "pong"
	opPresenceState = "presence_state"
)

// kindSubscriptionClosed is the error kind sent when the server ends a
// subscription the client did not unsubscribe from: slow consumer, reaper
// eviction, or shutdown. The client is expected to resubscribe with the
// last seq it saw.
const kindSubscriptionClosed = "subscription_closed"

// clientFrame is every client message. Op selects the operation; the
// other fields are read per op and ignored otherwise.
type clientFrame struct {
	Op       string          `json:"op"`
	TopicID  string          `json:"topicId,omitempty"`
	Type     string          `json:"type,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Priority *int            `json:"priority,omitempty"`
	FromSeq  int64           `json:"fromSeq,omitempty"`
	Limit    int64           `json:"limit,omitempty"`
}

// serverFrame is every server message. Ref names the client op a reply
// answers so clients can correlate.
type serverFrame struct {
	Op      string            `json:"op"`
	Ref     string            `json:"ref,omitempty"`
	TopicID string            `json:"topicId,omitempty"`
	Event   *events.Envelope  `json:"event,omitempty"`
	Events  []events.Envelope `json:"events,omitempty"`
	EventID string            `json:"eventId,omitempty"`
	Seq     int64             `json:"seq,omitempty"`
	Users   []string          `json:"users,omitempty"`
	Stats   *topic.Stats      `json:"stats,omitempty"`
	TS      int64             `json:"ts,omitempty"`
	Error   *frameError       `json:"error,omitempty"`
}

// frameError is the client-safe projection of an errs.Error. Wrapped
// causes never serialize.
type frameError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	Reason    string `json:"reason,omitempty"`
	ResetTime string `json:"resetTime,omitempty"`
}

func newFrameError(err error) *frameError {
	e := errs.AsError(err)
	fe := &frameError{
		Kind:    string(e.Kind),
		Message: e.Message,
		Field:   e.Field,
		Reason:  e.Reason,
	}
	if !e.ResetTime.IsZero() {
		fe.ResetTime = e.ResetTime.UTC().Format(time.RFC3339)
	}
	return fe
}
