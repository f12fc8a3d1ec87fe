// Package store wraps the shared Redis store behind the narrow typed
// surface the rest of the gateway is written against. Every method maps
// failures to errs.StoreUnavailable, carries a per-call deadline, and
// feeds the circuit breaker; the three retry-safe commands (hashGetAll,
// incr, publish) additionally retry with exponential backoff.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/breaker"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/errs"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/metrics"
)

const (
	defaultCallTimeout = 2 * time.Second
	retryAttempts      = 3
	retryBase          = 100 * time.Millisecond
	retryCeiling       = 10 * time.Second
)

// Options configures the adapter.
type Options struct {
	Addr     string
	Password string
	DB       int

	// CallTimeout bounds every store round-trip. Zero means the 2s default.
	CallTimeout time.Duration
}

// Redis is the store adapter. One instance serves all command traffic;
// Duplicate produces the dedicated connection the distributor blocks on.
type Redis struct {
	rdb     *redis.Client
	opts    Options
	log     zerolog.Logger
	sink    metrics.Sink
	breaker *breaker.Breaker
	scripts sync.Map // script source -> *redis.Script
}

func New(opts Options, log zerolog.Logger, sink metrics.Sink) *Redis {
	if opts.CallTimeout == 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		// Retry policy lives in do(); the client must not stack its own.
		MaxRetries: -1,
	})
	return &Redis{
		rdb:     rdb,
		opts:    opts,
		log:     log.With().Str("component", "store").Logger(),
		sink:    sink,
		breaker: breaker.NewDefault(),
	}
}

// Duplicate opens a second connection with the same options. Pattern
// subscriptions block a connection, so the distributor runs on its own.
func (s *Redis) Duplicate() *Redis {
	return New(s.opts, s.log, s.sink)
}

// Ping checks connectivity without retries.
func (s *Redis) Ping(ctx context.Context) error {
	return s.do(ctx, "ping", false, func(ctx context.Context) error {
		return s.rdb.Ping(ctx).Err()
	})
}

// Healthy reports whether the circuit to the store is closed.
func (s *Redis) Healthy() bool {
	return s.breaker.State() == breaker.StateClosed
}

// BreakerState exposes the breaker state for readiness reporting.
func (s *Redis) BreakerState() string {
	return s.breaker.State().String()
}

func (s *Redis) Close() error {
	return s.rdb.Close()
}

// do runs one store command under the breaker and the per-call deadline.
// Idempotent commands retry up to 3 attempts with 100ms base backoff.
func (s *Redis) do(ctx context.Context, op string, idempotent bool, fn func(ctx context.Context) error) error {
	attempts := 1
	if idempotent {
		attempts = retryAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := retryBase << (attempt - 1)
			if backoff > retryCeiling {
				backoff = retryCeiling
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return errs.StoreUnavailable(ctx.Err())
			}
		}

		if err := s.breaker.Allow(); err != nil {
			s.sink.IncError(string(errs.KindStoreUnavailable))
			return errs.StoreUnavailable(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
		err := fn(callCtx)
		cancel()

		if err == nil {
			s.breaker.RecordSuccess()
			return nil
		}
		if ctx.Err() != nil {
			// Caller cancellation is not a store fault.
			return errs.StoreUnavailable(ctx.Err())
		}

		s.breaker.RecordFailure()
		lastErr = err
		s.log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("store command failed")
	}

	s.sink.IncError(string(errs.KindStoreUnavailable))
	return errs.StoreUnavailable(lastErr)
}

// script returns the cached redis.Script for src, creating it on first use
// so repeat evaluations ride EVALSHA.
func (s *Redis) script(src string) *redis.Script {
	if v, ok := s.scripts.Load(src); ok {
		return v.(*redis.Script)
	}
	sc := redis.NewScript(src)
	actual, _ := s.scripts.LoadOrStore(src, sc)
	return actual.(*redis.Script)
}

// isNil reports whether err is the store's key-absent marker.
func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
