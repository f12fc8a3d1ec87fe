// Package gateway implements the client-facing operations: publish,
// subscribe, presence, topic stats, and history. It strings the topic
// manager, rate limiters, ACL cache, presence tracker, and in-process
// bus together into the externally visible behavior; transports stay
// thin adapters over this package.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/acl"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/auth"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/bus"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/errs"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/events"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/limits"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/metrics"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/presence"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/ratelimit"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/store"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/topic"
)

// Options carries the tunables the operations need.
type Options struct {
	DurabilityEnabled bool
	MaxPayloadBytes   int

	// Store-backed publish quotas per sliding window.
	UserPublishLimit   int
	TopicPublishLimit  int
	GlobalPublishLimit int

	// MaxTopicBuffer bounds how many events a replay may read.
	MaxTopicBuffer int64

	// SlowClientThreshold is how long one emit may block before the
	// stream is declared slow and closed.
	SlowClientThreshold time.Duration

	// TouchInterval is the stream's keepalive-and-drain cadence.
	// Zero means the 2s default.
	TouchInterval time.Duration

	// StreamBuffer is the delivery channel depth per stream. Zero
	// means the default of 64.
	StreamBuffer int
}

// Deps are the collaborators, wired once at startup.
type Deps struct {
	Keys     store.Keys
	Topics   *topic.Manager
	Presence *presence.Tracker
	ACL      *acl.Cache
	Limiter  *ratelimit.Limiter
	Input    *limits.InputGuard
	Bus      *bus.Bus
	Log      zerolog.Logger
	Sink     metrics.Sink
}

type Gateway struct {
	opts     Options
	keys     store.Keys
	topics   *topic.Manager
	presence *presence.Tracker
	acl      *acl.Cache
	limiter  *ratelimit.Limiter
	input    *limits.InputGuard
	bus      *bus.Bus
	log      zerolog.Logger
	sink     metrics.Sink
	now      func() time.Time
}

func New(opts Options, deps Deps) *Gateway {
	if opts.TouchInterval == 0 {
		opts.TouchInterval = 2 * time.Second
	}
	if opts.StreamBuffer == 0 {
		opts.StreamBuffer = 64
	}
	return &Gateway{
		opts:     opts,
		keys:     deps.Keys,
		topics:   deps.Topics,
		presence: deps.Presence,
		acl:      deps.ACL,
		limiter:  deps.Limiter,
		input:    deps.Input,
		bus:      deps.Bus,
		log:      deps.Log.With().Str("component", "gateway").Logger(),
		sink:     deps.Sink,
		now:      time.Now,
	}
}

// PublishRequest is one event as the client hands it over.
type PublishRequest struct {
	TopicID  string          `json:"topicId"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Priority *int            `json:"priority,omitempty"`
}

// Publish validates, sanitizes, rate-limits, and authorizes the event,
// then appends it to the topic and echoes it onto the local bus. The
// returned envelope carries the assigned id and seq.
func (g *Gateway) Publish(ctx context.Context, principal auth.Principal, req PublishRequest) (events.Envelope, error) {
	start := g.now()

	if err := g.requirePrincipal(principal); err != nil {
		return events.Envelope{}, g.fail(err)
	}
	if err := events.ValidateTopicID(req.TopicID); err != nil {
		return events.Envelope{}, g.fail(err)
	}
	if err := events.ValidateType(req.Type); err != nil {
		return events.Envelope{}, g.fail(err)
	}
	if err := events.ValidatePriority(req.Priority); err != nil {
		return events.Envelope{}, g.fail(err)
	}
	if err := events.ValidateData(req.Data, g.opts.MaxPayloadBytes); err != nil {
		return events.Envelope{}, g.fail(err)
	}
	data, err := events.SanitizeData(req.Data)
	if err != nil {
		return events.Envelope{}, g.fail(err)
	}

	// Replica-local guard first: a flooding client costs no store work.
	if !g.input.Allow(principal.UserID) {
		g.sink.IncRateLimitBlock()
		return events.Envelope{}, g.fail(errs.RateLimited(g.now().Add(time.Minute)))
	}
	if err := g.checkQuotas(ctx, principal, req.TopicID); err != nil {
		return events.Envelope{}, g.fail(err)
	}

	if !g.acl.Check(ctx, principal, req.TopicID) {
		return events.Envelope{}, g.fail(errs.AccessDenied("no access to topic " + req.TopicID))
	}

	env := events.Envelope{
		ID:       uuid.NewString(),
		TopicID:  req.TopicID,
		TenantID: principal.TenantID,
		SenderID: principal.UserID,
		Type:     req.Type,
		Data:     data,
		TS:       g.now().UTC().Format(time.RFC3339Nano),
		Priority: req.Priority,
	}

	env, err = g.topics.Append(ctx, env)
	if err != nil {
		return events.Envelope{}, g.fail(err)
	}

	// Local echo: streams on this replica hear the event before the
	// store notification makes its way back through the distributor.
	g.bus.Publish(bus.TopicChannel(env.TenantID, env.TopicID), env)

	g.sink.IncEventsPublished()
	g.sink.ObservePublishLatency(g.now().Sub(start))
	return env, nil
}

// checkQuotas walks the distributed publish limits from narrowest to
// widest: the user's action budget, the topic budget, the global one.
func (g *Gateway) checkQuotas(ctx context.Context, principal auth.Principal, topicID string) error {
	checks := []struct {
		key   string
		limit int
	}{
		{store.UserActionRateLimit(principal.UserID, "publish"), g.opts.UserPublishLimit},
		{g.keys.TopicRateLimit(principal.TenantID, topicID), g.opts.TopicPublishLimit},
		{store.GlobalRateLimit(), g.opts.GlobalPublishLimit},
	}
	for _, c := range checks {
		d, err := g.limiter.Allow(ctx, c.key, c.limit)
		if err != nil {
			return err
		}
		if !d.Allowed {
			return errs.RateLimited(d.ResetTime)
		}
	}
	return nil
}

// Join records the user as present on the topic.
func (g *Gateway) Join(ctx context.Context, principal auth.Principal, topicID string) error {
	if err := g.requireTopic(principal, topicID); err != nil {
		return g.fail(err)
	}
	if err := g.presence.Join(ctx, principal.TenantID, topicID, principal.UserID); err != nil {
		return g.fail(err)
	}
	return nil
}

// Heartbeat refreshes the user's presence on the topic.
func (g *Gateway) Heartbeat(ctx context.Context, principal auth.Principal, topicID string) error {
	if err := g.requireTopic(principal, topicID); err != nil {
		return g.fail(err)
	}
	if err := g.presence.Heartbeat(ctx, principal.TenantID, topicID, principal.UserID); err != nil {
		return g.fail(err)
	}
	return nil
}

// Leave removes the user's presence from the topic.
func (g *Gateway) Leave(ctx context.Context, principal auth.Principal, topicID string) error {
	if err := g.requireTopic(principal, topicID); err != nil {
		return g.fail(err)
	}
	if err := g.presence.Leave(ctx, principal.TenantID, topicID, principal.UserID); err != nil {
		return g.fail(err)
	}
	return nil
}

// Presence lists the user ids currently on the topic. It exposes who is
// in the room, so it carries the same read check as subscribe.
func (g *Gateway) Presence(ctx context.Context, principal auth.Principal, topicID string) ([]string, error) {
	if err := g.requireTopic(principal, topicID); err != nil {
		return nil, g.fail(err)
	}
	if !g.acl.Check(ctx, principal, topicID) {
		return nil, g.fail(errs.AccessDenied("no access to topic " + topicID))
	}
	users, err := g.presence.List(ctx, principal.TenantID, topicID)
	if err != nil {
		return nil, g.fail(err)
	}
	return users, nil
}

// TopicStats reports subscriber count and buffered event count.
func (g *Gateway) TopicStats(ctx context.Context, principal auth.Principal, topicID string) (topic.Stats, error) {
	if err := g.requireTopic(principal, topicID); err != nil {
		return topic.Stats{}, g.fail(err)
	}
	if !g.acl.Check(ctx, principal, topicID) {
		return topic.Stats{}, g.fail(errs.AccessDenied("no access to topic " + topicID))
	}
	stats, err := g.topics.Stats(ctx, principal.TenantID, topicID)
	if err != nil {
		return topic.Stats{}, g.fail(err)
	}
	return stats, nil
}

// History returns the most recent count events in ascending seq order.
// It exposes payloads, so it runs the same access check as subscribe.
func (g *Gateway) History(ctx context.Context, principal auth.Principal, topicID string, count int64) ([]events.Envelope, error) {
	if err := g.requireTopic(principal, topicID); err != nil {
		return nil, g.fail(err)
	}
	if !g.acl.Check(ctx, principal, topicID) {
		return nil, g.fail(errs.AccessDenied("no access to topic " + topicID))
	}
	envs, err := g.topics.History(ctx, principal.TenantID, topicID, count)
	if err != nil {
		return nil, g.fail(err)
	}
	return envs, nil
}

func (g *Gateway) requirePrincipal(principal auth.Principal) error {
	if principal.UserID == "" || principal.TenantID == "" {
		return errs.Unauthorized("operation requires an authenticated principal")
	}
	return nil
}

func (g *Gateway) requireTopic(principal auth.Principal, topicID string) error {
	if err := g.requirePrincipal(principal); err != nil {
		return err
	}
	return events.ValidateTopicID(topicID)
}

// fail counts the error by kind and passes it through. Store outages are
// already counted at the adapter, so they are not counted twice here.
func (g *Gateway) fail(err error) error {
	if kind := errs.KindOf(err); kind != errs.KindStoreUnavailable {
		g.sink.IncError(string(kind))
	}
	return err
}
