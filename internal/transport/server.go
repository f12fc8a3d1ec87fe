// Package transport serves the WebSocket API. It stays a thin adapter:
// frames map one-to-one onto gateway operations, and all policy beyond
// connection admission lives behind the gateway.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/auth"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/gateway"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/limits"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/metrics"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/store"
)

const (
	// Time allowed to write a message to the peer. Short so slow
	// clients surface as write timeouts instead of piling up memory.
	writeWait = 5 * time.Second

	// Time allowed to read the next message from the peer. The read
	// deadline resets on every frame, including pong replies.
	pongWait = 30 * time.Second

	// Ping cadence. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// cleanupTimeout bounds the store calls made while tearing a
	// connection down.
	cleanupTimeout = 5 * time.Second

	defaultOutboxSize = 256
)

// Config carries the transport tunables.
type Config struct {
	Addr string

	// AllowAuthDisabled admits tokenless connections as anonymous
	// principals. Config validation rejects it in production.
	AllowAuthDisabled bool

	// SlowClientThreshold is how long an event delivery may block on a
	// full outbox before the connection is dropped. Zero means 5s.
	SlowClientThreshold time.Duration

	// OutboxSize is the per-connection send queue depth. Zero means 256.
	OutboxSize int
}

// Deps are the transport's collaborators.
type Deps struct {
	Gateway *gateway.Gateway
	Store   *store.Redis

	// Verifier is nil when no JWT secret is configured, which is only
	// legal together with AllowAuthDisabled.
	Verifier *auth.Verifier

	ConnRate *limits.ConnRateLimiter
	Guard    *limits.ResourceGuard

	// Metrics serves GET /metrics. Nil leaves the route off.
	Metrics http.Handler

	Log  zerolog.Logger
	Sink metrics.Sink
}

// Server owns the listener, the connection set, and the per-connection
// pump goroutines.
type Server struct {
	cfg      Config
	gw       *gateway.Gateway
	st       *store.Redis
	verifier *auth.Verifier
	connRate *limits.ConnRateLimiter
	guard    *limits.ResourceGuard
	metricsH http.Handler
	log      zerolog.Logger
	sink     metrics.Sink

	listener net.Listener
	httpSrv  *http.Server

	// baseCtx is the parent of every connection context; canceling it
	// ends all streams.
	baseCtx context.Context

	conns sync.Map // map[*conn]struct{}
	wg    sync.WaitGroup

	startTime    time.Time
	shuttingDown atomic.Bool
}

func New(cfg Config, deps Deps) *Server {
	if cfg.SlowClientThreshold == 0 {
		cfg.SlowClientThreshold = 5 * time.Second
	}
	if cfg.OutboxSize == 0 {
		cfg.OutboxSize = defaultOutboxSize
	}
	return &Server{
		cfg:      cfg,
		gw:       deps.Gateway,
		st:       deps.Store,
		verifier: deps.Verifier,
		connRate: deps.ConnRate,
		guard:    deps.Guard,
		metricsH: deps.Metrics,
		log:      deps.Log.With().Str("component", "transport").Logger(),
		sink:     deps.Sink,
	}
}

// Start binds the listener and begins serving. ctx becomes the parent
// of every connection; it is not the shutdown signal, Shutdown is.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener
	s.baseCtx = ctx
	s.startTime = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	if s.metricsH != nil {
		mux.Handle("/metrics", s.metricsH)
	}

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("accept loop error")
		}
	}()

	s.log.Info().Str("addr", listener.Addr().String()).Msg("transport listening")
	return nil
}

// Addr returns the bound address, which differs from Config.Addr when
// the listener was asked for port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections, sends a close frame to every
// client, and waits for the pumps to drain or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.log.Info().Int64("connections", s.guard.Connections()).Msg("draining connections")

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil && err != context.DeadlineExceeded && err != context.Canceled {
			s.log.Warn().Err(err).Msg("http shutdown")
		}
	}

	// Upgraded sockets are invisible to httpSrv.Shutdown; close them
	// ourselves.
	s.conns.Range(func(key, _ any) bool {
		s.disconnect(key.(*conn), "server shutdown")
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("all connections drained")
		return nil
	case <-ctx.Done():
		s.log.Warn().Msg("shutdown deadline expired with pumps still running")
		return ctx.Err()
	}
}
