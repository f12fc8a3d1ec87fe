// Package ratelimit implements the sliding-window limiter. Decisions are
// made by a single atomic script on the store so every replica shares one
// window and one clock; when the store is unreachable the limiter fails
// closed to an in-memory window at 10% of the configured limit.
package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/errs"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/metrics"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/store"
)

// The script owns the whole check: purge expired members, count, admit,
// refresh TTL. It reads the store's clock so replica wall-clock skew can
// never widen or narrow a window. Returns {allowed, remaining, resetTime,
// limit}; resetTime is the epoch second the oldest member leaves the
// window.
const slidingWindowScript = `
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local member = ARGV[3]

local t = redis.call('TIME')
local now = tonumber(t[1]) + tonumber(t[2]) / 1000000

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('EXPIRE', key, math.ceil(window))
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {1, limit - count - 1, math.ceil(tonumber(oldest[2]) + window), limit}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local reset = now + window
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end
return {0, 0, math.ceil(reset), limit}
`

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
	Limit     int
}

// Limiter checks sliding windows on the store with an in-memory
// fail-closed fallback.
type Limiter struct {
	store  *store.Redis
	window time.Duration
	log    zerolog.Logger
	sink   metrics.Sink

	fallback *fallbackLimiter
}

func New(st *store.Redis, window time.Duration, log zerolog.Logger, sink metrics.Sink) *Limiter {
	return &Limiter{
		store:    st,
		window:   window,
		log:      log.With().Str("component", "ratelimit").Logger(),
		sink:     sink,
		fallback: newFallbackLimiter(window, time.Now),
	}
}

// Allow checks and consumes one slot under key. On store loss the
// decision comes from the degraded in-memory window.
func (l *Limiter) Allow(ctx context.Context, key string, limit int) (Decision, error) {
	l.sink.IncRateLimitHit()

	res, err := l.store.Eval(ctx, slidingWindowScript,
		[]string{key}, l.window.Seconds(), limit, uuid.NewString())
	if err != nil {
		if errs.IsKind(err, errs.KindStoreUnavailable) {
			d := l.fallback.allow(key, limit)
			if !d.Allowed {
				l.sink.IncRateLimitBlock()
			}
			l.log.Warn().Str("key", key).Bool("allowed", d.Allowed).
				Msg("store unreachable, degraded rate limit decision")
			return d, nil
		}
		return Decision{}, err
	}

	d, err := parseScriptResult(res)
	if err != nil {
		return Decision{}, err
	}
	if !d.Allowed {
		l.sink.IncRateLimitBlock()
	}
	return d, nil
}

// StartReaper sweeps idle fallback windows until ctx is canceled.
func (l *Limiter) StartReaper(ctx context.Context) {
	go l.fallback.reapLoop(ctx)
}

func parseScriptResult(res interface{}) (Decision, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 4 {
		return Decision{}, errs.Internal(errFormat(res))
	}
	nums := make([]int64, 4)
	for i, v := range vals {
		n, ok := v.(int64)
		if !ok {
			return Decision{}, errs.Internal(errFormat(res))
		}
		nums[i] = n
	}
	return Decision{
		Allowed:   nums[0] == 1,
		Remaining: int(nums[1]),
		ResetTime: time.Unix(nums[2], 0),
		Limit:     int(nums[3]),
	}, nil
}

type scriptFormatError struct{ got interface{} }

func (e scriptFormatError) Error() string {
	return "unexpected rate limit script result shape"
}

func errFormat(got interface{}) error { return scriptFormatError{got: got} }
