// Package presence tracks who is on a topic via a TTL-refreshed hash.
// It never back-pressures publishes and plays no part in durability.
package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/store"
)

const DefaultTTL = 30 * time.Second

type Tracker struct {
	store *store.Redis
	keys  store.Keys
	ttl   time.Duration
	log   zerolog.Logger
	now   func() time.Time
}

func New(st *store.Redis, keys store.Keys, ttl time.Duration, log zerolog.Logger) *Tracker {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		store: st,
		keys:  keys,
		ttl:   ttl,
		log:   log.With().Str("component", "presence").Logger(),
		now:   time.Now,
	}
}

// Join records the user on the topic and refreshes the whole-hash TTL.
// Heartbeat is the same write; both are idempotent.
func (t *Tracker) Join(ctx context.Context, tenant, topic, userID string) error {
	key := t.keys.Presence(tenant, topic)
	nowMs := strconv.FormatInt(t.now().UnixMilli(), 10)
	if err := t.store.HashSet(ctx, key, map[string]interface{}{userID: nowMs}); err != nil {
		return err
	}
	return t.store.Expire(ctx, key, t.ttl)
}

func (t *Tracker) Heartbeat(ctx context.Context, tenant, topic, userID string) error {
	return t.Join(ctx, tenant, topic, userID)
}

// Leave removes the user; the hash expires on its own if nobody is left.
func (t *Tracker) Leave(ctx context.Context, tenant, topic, userID string) error {
	return t.store.HashDel(ctx, t.keys.Presence(tenant, topic), userID)
}

// List returns the user ids currently present on the topic.
func (t *Tracker) List(ctx context.Context, tenant, topic string) ([]string, error) {
	return t.store.HashKeys(ctx, t.keys.Presence(tenant, topic))
}
