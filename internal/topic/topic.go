// Package topic owns the per-topic event log, subscriber registry, and
// per-subscriber delivery queues in the shared store. The sequencer key
// gives every accepted publish a strictly increasing seq per topic;
// stream entries carry that seq as the authoritative ordering, not the
// store's own entry ids.
package topic

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/errs"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/events"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/logging"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/metrics"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/store"
)

const (
	// DefaultHistoryCount is how many recent events eventHistory returns
	// when the caller does not say.
	DefaultHistoryCount = 100

	// subscriberTTL bounds how long subscriber metadata and queues
	// survive without a refresh. Every touch and enqueue renews it.
	subscriberTTL = time.Hour

	// topicMetaTTL lets idle topic metadata age out on its own.
	topicMetaTTL = 24 * time.Hour

	// reapInterval is how often the reaper sweeps the subscriber sets.
	reapInterval = 30 * time.Second
)

// touchScript refreshes lastSeen and the TTL only if the metadata still
// exists, and tells the caller whether it did. A subscriber whose
// metadata is gone has been reaped and must tear its stream down.
const touchScript = `if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'lastSeen', ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1`

// drainScript reads and deletes a queue in one step so an enqueue racing
// the drain can never be lost between the read and the delete.
const drainScript = `local items = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return items`

// Config carries the tunables the manager needs.
type Config struct {
	// MaxTopicBuffer caps the per-topic stream, trimmed approximately.
	MaxTopicBuffer int64
	// MaxSubscriberQueue caps each delivery queue; overflow drops oldest.
	MaxSubscriberQueue int64
	// SlowClientThreshold is how stale lastSeen may get before the
	// reaper evicts the subscriber.
	SlowClientThreshold time.Duration
}

type topicRef struct {
	tenant string
	topic  string
}

// Manager coordinates topic state in the store. All methods are safe for
// concurrent use; cross-replica coordination happens through the store
// keys, never through process memory.
type Manager struct {
	store *store.Redis
	keys  store.Keys
	cfg   Config
	log   zerolog.Logger
	sink  metrics.Sink
	now   func() time.Time

	mu    sync.Mutex
	local map[string]topicRef // subscription id -> topic, this replica only
}

func NewManager(st *store.Redis, keys store.Keys, cfg Config, log zerolog.Logger, sink metrics.Sink) *Manager {
	return &Manager{
		store: st,
		keys:  keys,
		cfg:   cfg,
		log:   log.With().Str("component", "topic").Logger(),
		sink:  sink,
		now:   time.Now,
		local: make(map[string]topicRef),
	}
}

// Append assigns the next seq, persists the event, announces it on the
// topic's notification channel, and trims the log. The steps are not one
// transaction: a failure after the seq increment leaves a gap in the
// stream, which readers tolerate because entries carry their own seq.
func (m *Manager) Append(ctx context.Context, env events.Envelope) (events.Envelope, error) {
	seq, err := m.store.Incr(ctx, m.keys.Seq(env.TenantID, env.TopicID))
	if err != nil {
		return env, err
	}
	env.Seq = seq

	streamKey := m.keys.Stream(env.TenantID, env.TopicID)
	if _, err := m.store.StreamAppend(ctx, streamKey, env.StreamFields()); err != nil {
		return env, err
	}

	m.recordActivity(ctx, env)

	payload, err := env.Encode()
	if err != nil {
		return env, err
	}
	if err := m.store.Publish(ctx, m.keys.PubChannel(env.TenantID, env.TopicID), payload); err != nil {
		return env, err
	}

	if err := m.store.StreamTrimApprox(ctx, streamKey, m.cfg.MaxTopicBuffer); err != nil {
		m.log.Warn().Err(err).Str("topic", env.TopicID).Msg("stream trim failed")
	}
	return env, nil
}

// recordActivity keeps the topic metadata hash current. Metadata is
// advisory; failures are logged and never fail the publish.
func (m *Manager) recordActivity(ctx context.Context, env events.Envelope) {
	metaKey := m.keys.TopicMeta(env.TenantID, env.TopicID)
	nowMs := strconv.FormatInt(m.now().UnixMilli(), 10)

	if _, err := m.store.HashSetNX(ctx, metaKey, "createdAt", nowMs); err != nil {
		m.log.Warn().Err(err).Str("topic", env.TopicID).Msg("topic metadata update failed")
		return
	}
	fields := map[string]interface{}{
		"lastEventId":  strconv.FormatInt(env.Seq, 10),
		"lastActivity": nowMs,
	}
	if err := m.store.HashSet(ctx, metaKey, fields); err != nil {
		m.log.Warn().Err(err).Str("topic", env.TopicID).Msg("topic metadata update failed")
		return
	}
	if err := m.store.Expire(ctx, metaKey, topicMetaTTL); err != nil {
		m.log.Warn().Err(err).Str("topic", env.TopicID).Msg("topic metadata expire failed")
	}
}

// AddSubscriber registers a subscription stream: metadata hash with a
// refreshable TTL, membership in the topic's subscriber set, and the
// replica-local registry backing the active gauges.
func (m *Manager) AddSubscriber(ctx context.Context, tenant, topicID, subID, userID string) error {
	metaKey := m.keys.SubscriberMeta(tenant, subID)
	fields := map[string]interface{}{
		"userId":   userID,
		"topicId":  topicID,
		"lastSeen": strconv.FormatInt(m.now().UnixMilli(), 10),
		"isActive": "true",
	}
	if err := m.store.HashSet(ctx, metaKey, fields); err != nil {
		return err
	}
	if err := m.store.Expire(ctx, metaKey, subscriberTTL); err != nil {
		return err
	}
	if err := m.store.SetAdd(ctx, m.keys.TopicSubscribers(tenant, topicID), subID); err != nil {
		return err
	}

	m.mu.Lock()
	m.local[subID] = topicRef{tenant: tenant, topic: topicID}
	m.publishGaugesLocked()
	m.mu.Unlock()
	return nil
}

// RemoveSubscriber tears down everything AddSubscriber created. The local
// registry entry goes first so gauges never count a half-removed stream.
func (m *Manager) RemoveSubscriber(ctx context.Context, tenant, topicID, subID string) error {
	m.mu.Lock()
	delete(m.local, subID)
	m.publishGaugesLocked()
	m.mu.Unlock()

	var firstErr error
	if err := m.store.SetRem(ctx, m.keys.TopicSubscribers(tenant, topicID), subID); err != nil {
		firstErr = err
	}
	err := m.store.Delete(ctx,
		m.keys.SubscriberMeta(tenant, subID),
		m.keys.SubscriberQueue(tenant, subID, topicID),
	)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// TouchSubscriber refreshes lastSeen and the metadata TTL. It returns
// false when the metadata no longer exists, meaning the reaper got there
// first and the stream must shut down.
func (m *Manager) TouchSubscriber(ctx context.Context, tenant, subID string) (bool, error) {
	res, err := m.store.Eval(ctx, touchScript,
		[]string{m.keys.SubscriberMeta(tenant, subID)},
		m.now().UnixMilli(), int64(subscriberTTL/time.Second))
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	if !ok {
		return false, errs.Internal(fmt.Errorf("touch script returned %T", res))
	}
	return n == 1, nil
}

// MarkInactive flags a subscriber the distributor could not enqueue to.
// The reaper evicts flagged subscribers on its next sweep.
func (m *Manager) MarkInactive(ctx context.Context, tenant, subID string) error {
	metaKey := m.keys.SubscriberMeta(tenant, subID)
	if err := m.store.HashSet(ctx, metaKey, map[string]interface{}{"isActive": "false"}); err != nil {
		return err
	}
	return m.store.Expire(ctx, metaKey, subscriberTTL)
}

// Enqueue appends the envelope to one subscriber's delivery queue.
// Cursor and presence events coalesce once the queue is three quarters
// full: earlier entries from the same sender with the same type are
// removed so position churn cannot crowd out operations. Overflow beyond
// the cap drops the oldest entries.
func (m *Manager) Enqueue(ctx context.Context, tenant, topicID, subID string, env events.Envelope) error {
	queueKey := m.keys.SubscriberQueue(tenant, subID, topicID)
	payload, err := env.Encode()
	if err != nil {
		return err
	}

	if events.Coalescible(env.Type) {
		if err := m.coalesce(ctx, queueKey, env); err != nil {
			return err
		}
	}

	n, err := m.store.ListPush(ctx, queueKey, payload)
	if err != nil {
		return err
	}
	if overflow := n - m.cfg.MaxSubscriberQueue; overflow > 0 {
		if err := m.store.ListTrim(ctx, queueKey, overflow, -1); err != nil {
			return err
		}
		m.sink.IncEventsDropped(int(overflow))
		m.log.Debug().
			Str("subscriber", subID).
			Int64("dropped", overflow).
			Msg("subscriber queue overflow")
	}
	if err := m.store.Expire(ctx, queueKey, subscriberTTL); err != nil {
		m.log.Warn().Err(err).Str("subscriber", subID).Msg("queue expire failed")
	}
	m.sink.IncEventsDelivered()
	return nil
}

// coalesceAt is the queue depth at which coalescing starts: three
// quarters of the cap, rounded up.
func coalesceAt(cap int64) int64 {
	return (3*cap + 3) / 4
}

func (m *Manager) coalesce(ctx context.Context, queueKey string, env events.Envelope) error {
	n, err := m.store.ListLen(ctx, queueKey)
	if err != nil {
		return err
	}
	if n < coalesceAt(m.cfg.MaxSubscriberQueue) {
		return nil
	}

	entries, err := m.store.ListRange(ctx, queueKey, 0, -1)
	if err != nil {
		return err
	}
	for _, raw := range entries {
		var probe struct {
			SenderID string `json:"senderId"`
			Type     string `json:"type"`
		}
		if err := json.Unmarshal([]byte(raw), &probe); err != nil {
			continue
		}
		if probe.Type == env.Type && probe.SenderID == env.SenderID {
			if _, err := m.store.ListRem(ctx, queueKey, 1, raw); err != nil {
				return err
			}
		}
	}
	return nil
}

// DrainQueue atomically reads and clears a subscriber's queue. Entries
// that no longer decode are dropped with a log line rather than wedging
// the drain.
func (m *Manager) DrainQueue(ctx context.Context, tenant, topicID, subID string) ([]events.Envelope, error) {
	queueKey := m.keys.SubscriberQueue(tenant, subID, topicID)
	res, err := m.store.Eval(ctx, drainScript, []string{queueKey})
	if err != nil {
		return nil, err
	}
	items, ok := res.([]interface{})
	if !ok {
		return nil, errs.Internal(fmt.Errorf("drain script returned %T", res))
	}

	out := make([]events.Envelope, 0, len(items))
	for _, item := range items {
		raw, ok := item.(string)
		if !ok {
			continue
		}
		env, err := events.Decode([]byte(raw))
		if err != nil {
			m.log.Warn().Err(err).Str("subscriber", subID).Msg("dropping undecodable queue entry")
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// ReadFromSeq returns events with seq >= fromSeq in ascending order, up
// to max entries. A fromSeq older than the trimmed tail just returns
// whatever is still buffered.
func (m *Manager) ReadFromSeq(ctx context.Context, tenant, topicID string, fromSeq, max int64) ([]events.Envelope, error) {
	entries, err := m.store.StreamRangeFrom(ctx, m.keys.Stream(tenant, topicID), fromSeq, max)
	if err != nil {
		return nil, err
	}
	return m.decodeEntries(tenant, topicID, entries), nil
}

// History returns the most recent count events in ascending seq order.
func (m *Manager) History(ctx context.Context, tenant, topicID string, count int64) ([]events.Envelope, error) {
	if count <= 0 {
		count = DefaultHistoryCount
	}
	entries, err := m.store.StreamLastN(ctx, m.keys.Stream(tenant, topicID), count)
	if err != nil {
		return nil, err
	}
	return m.decodeEntries(tenant, topicID, entries), nil
}

func (m *Manager) decodeEntries(tenant, topicID string, entries []store.StreamEntry) []events.Envelope {
	out := make([]events.Envelope, 0, len(entries))
	for _, entry := range entries {
		env, err := events.FromStreamFields(tenant, topicID, entry.Fields)
		if err != nil {
			m.log.Warn().Err(err).Str("entry", entry.ID).Msg("skipping malformed stream entry")
			continue
		}
		out = append(out, env)
	}
	return out
}

// Subscribers returns every subscription id registered on the topic,
// across all replicas.
func (m *Manager) Subscribers(ctx context.Context, tenant, topicID string) ([]string, error) {
	return m.store.SetMembers(ctx, m.keys.TopicSubscribers(tenant, topicID))
}

// Stats reports the topic's subscriber count and buffered event count.
type Stats struct {
	SubscriberCount int64 `json:"subscriberCount"`
	BufferSize      int64 `json:"bufferSize"`
}

func (m *Manager) Stats(ctx context.Context, tenant, topicID string) (Stats, error) {
	subs, err := m.store.SetCard(ctx, m.keys.TopicSubscribers(tenant, topicID))
	if err != nil {
		return Stats{}, err
	}
	buffered, err := m.store.StreamLen(ctx, m.keys.Stream(tenant, topicID))
	if err != nil {
		return Stats{}, err
	}
	return Stats{SubscriberCount: subs, BufferSize: buffered}, nil
}

// StartReaper sweeps the subscriber sets every 30 seconds until ctx ends,
// evicting subscribers that are flagged inactive or whose lastSeen is
// older than the slow-client threshold.
func (m *Manager) StartReaper(ctx context.Context) {
	go func() {
		defer logging.RecoverPanic(m.log, "topic-reaper")
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reapOnce(ctx)
			}
		}
	}()
}

func (m *Manager) reapOnce(ctx context.Context) int {
	setKeys, err := m.store.KeysByPattern(ctx, m.keys.SubscribersPattern())
	if err != nil {
		m.log.Warn().Err(err).Msg("reaper scan failed")
		return 0
	}

	removed := 0
	for _, setKey := range setKeys {
		tenant, topicID, ok := m.keys.ParseSubscribersKey(setKey)
		if !ok {
			continue
		}
		subs, err := m.store.SetMembers(ctx, setKey)
		if err != nil {
			continue
		}
		for _, subID := range subs {
			if !m.shouldReap(ctx, tenant, subID) {
				continue
			}
			m.evict(ctx, tenant, topicID, subID)
			removed++
		}
	}
	if removed > 0 {
		m.log.Info().Int("removed", removed).Msg("reaped stale subscribers")
	}
	return removed
}

// shouldReap decides from the metadata hash alone. Missing metadata means
// the TTL already expired it; a store error means skip, never evict on a
// read we could not complete.
func (m *Manager) shouldReap(ctx context.Context, tenant, subID string) bool {
	meta, err := m.store.HashGetAll(ctx, m.keys.SubscriberMeta(tenant, subID))
	if err != nil {
		return false
	}
	if len(meta) == 0 {
		return true
	}
	if meta["isActive"] == "false" {
		return true
	}
	lastSeen, err := strconv.ParseInt(meta["lastSeen"], 10, 64)
	if err != nil {
		return true
	}
	return m.now().UnixMilli()-lastSeen > m.cfg.SlowClientThreshold.Milliseconds()
}

func (m *Manager) evict(ctx context.Context, tenant, topicID, subID string) {
	if err := m.store.SetRem(ctx, m.keys.TopicSubscribers(tenant, topicID), subID); err != nil {
		m.log.Warn().Err(err).Str("subscriber", subID).Msg("reaper eviction failed")
		return
	}
	err := m.store.Delete(ctx,
		m.keys.SubscriberMeta(tenant, subID),
		m.keys.SubscriberQueue(tenant, subID, topicID),
	)
	if err != nil {
		m.log.Warn().Err(err).Str("subscriber", subID).Msg("reaper cleanup failed")
	}
}

func (m *Manager) publishGaugesLocked() {
	topics := make(map[topicRef]struct{}, len(m.local))
	for _, ref := range m.local {
		topics[ref] = struct{}{}
	}
	m.sink.SetTopicsActive(len(topics))
	m.sink.SetSubscribersActive(len(m.local))
}
