// Package acl answers "may this user touch this topic" with a store-backed
// cache in front of a pluggable authority. Decisions are cached for a short
// TTL so every replica shares one answer; when the authority itself fails
// the posture is fail-open outside production and fail-closed in it.
package acl

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/auth"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/breaker"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/metrics"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/store"
)

const DefaultTTL = 30 * time.Second

// Source is the external topic-access authority.
type Source interface {
	CheckTopicAccess(ctx context.Context, principal auth.Principal, topicID string) (bool, error)
}

// Cache fronts a Source with short-lived decisions in the shared store.
type Cache struct {
	source     Source
	store      *store.Redis
	keys       store.Keys
	ttl        time.Duration
	failOpen   bool
	production bool
	breaker    *breaker.Breaker
	log        zerolog.Logger
	sink       metrics.Sink
}

// New builds the cache. A fail-open posture combined with production is a
// deployment mistake and is rejected outright.
func New(src Source, st *store.Redis, keys store.Keys, ttl time.Duration, failOpen, production bool, log zerolog.Logger, sink metrics.Sink) (*Cache, error) {
	if failOpen && production {
		return nil, errors.New("acl: fail-open posture is not allowed in production")
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		source:     src,
		store:      st,
		keys:       keys,
		ttl:        ttl,
		failOpen:   failOpen,
		production: production,
		breaker:    breaker.NewDefault(),
		log:        log.With().Str("component", "acl").Logger(),
		sink:       sink,
	}, nil
}

// Check reports whether the principal may access the topic. Cache misses
// consult the source and write the verdict back; a store that cannot be
// read just means the source is asked directly.
func (c *Cache) Check(ctx context.Context, principal auth.Principal, topicID string) bool {
	key := c.keys.ACL(topicID, principal.UserID)

	if val, found, err := c.store.Get(ctx, key); err == nil && found {
		return val == "1"
	}

	if err := c.breaker.Allow(); err != nil {
		return c.posture(principal.UserID, topicID, err)
	}

	allowed, err := c.source.CheckTopicAccess(ctx, principal, topicID)
	if err != nil {
		c.breaker.RecordFailure()
		return c.posture(principal.UserID, topicID, err)
	}
	c.breaker.RecordSuccess()

	verdict := "0"
	if allowed {
		verdict = "1"
	}
	if err := c.store.SetEx(ctx, key, verdict, c.ttl); err != nil {
		c.log.Warn().Err(err).Str("topic", topicID).Msg("acl verdict not cached")
	}
	return allowed
}

func (c *Cache) posture(userID, topicID string, cause error) bool {
	c.sink.IncError("acl_source")
	c.log.Warn().
		Err(cause).
		Str("user", userID).
		Str("topic", topicID).
		Bool("failOpen", c.failOpen).
		Msg("acl source unavailable, applying posture")
	return c.failOpen
}

// AllowAll grants every check. Development wiring uses it when auth is
// disabled.
type AllowAll struct{}

func (AllowAll) CheckTopicAccess(context.Context, auth.Principal, string) (bool, error) {
	return true, nil
}

// ClaimsSource authorizes from the principal's own permission claims:
// "topics:*" grants every topic, "topics:<id>" grants exactly one.
type ClaimsSource struct{}

func (ClaimsSource) CheckTopicAccess(_ context.Context, p auth.Principal, topicID string) (bool, error) {
	for _, perm := range p.Permissions {
		if perm == "topics:*" || perm == "topics:"+topicID {
			return true, nil
		}
	}
	return false, nil
}
