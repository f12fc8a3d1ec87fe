package main

import (
	"context"
	"flag"
	stdlog "log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/acl"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/auth"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/bus"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/config"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/distributor"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/gateway"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/limits"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/logging"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/metrics"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/presence"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/ratelimit"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/store"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/topic"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/transport"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	// Plain logger until the structured one is configured.
	boot := stdlog.New(os.Stdout, "[gateway] ", stdlog.LstdFlags)
	boot.Printf("GOMAXPROCS: %d", runtime.GOMAXPROCS(0))

	cfg, err := config.Load(nil)
	if err != nil {
		boot.Fatalf("failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(log)

	sink := metrics.NewPrometheus(prometheus.DefaultRegisterer)

	// Root context ends on SIGINT/SIGTERM and stops every background
	// loop: reapers, janitors, the distributor, and all streams.
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := store.New(store.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, log, sink)
	defer st.Close()
	if err := st.Ping(rootCtx); err != nil {
		// Not fatal: the breaker and reconnects recover once the store
		// comes up, and fail-closed policies hold the line meanwhile.
		log.Warn().Err(err).Str("redis_addr", cfg.RedisAddr).Msg("store unreachable at startup")
	}
	keys := store.NewKeys(cfg.KeyPrefix)

	topics := topic.NewManager(st, keys, topic.Config{
		MaxTopicBuffer:      int64(cfg.MaxTopicBufferSize),
		MaxSubscriberQueue:  int64(cfg.MaxSubscriberQueueSize),
		SlowClientThreshold: cfg.SlowClientThreshold(),
	}, log, sink)
	topics.StartReaper(rootCtx)

	limiter := ratelimit.New(st, cfg.RateLimitWindow(), log, sink)
	limiter.StartReaper(rootCtx)

	aclSrc := acl.Source(acl.ClaimsSource{})
	if cfg.AllowAuthDisabled {
		aclSrc = acl.AllowAll{}
	}
	aclCache, err := acl.New(aclSrc, st, keys, cfg.ACLCacheTTL, !cfg.IsProduction(), cfg.IsProduction(), log, sink)
	if err != nil {
		log.Fatal().Err(err).Msg("acl setup failed")
	}

	input := limits.NewInputGuard(cfg.InputEventsPerMin)
	input.StartJanitor(rootCtx)

	b := bus.New()
	gw := gateway.New(gateway.Options{
		DurabilityEnabled:   cfg.DurabilityEnabled,
		MaxPayloadBytes:     cfg.MaxPayloadBytes,
		UserPublishLimit:    cfg.RateLimitMaxRequests,
		TopicPublishLimit:   cfg.RateLimitTopicMax,
		GlobalPublishLimit:  cfg.RateLimitGlobalMax,
		MaxTopicBuffer:      int64(cfg.MaxTopicBufferSize),
		SlowClientThreshold: cfg.SlowClientThreshold(),
	}, gateway.Deps{
		Keys:     keys,
		Topics:   topics,
		Presence: presence.New(st, keys, cfg.PresenceTTL, log),
		ACL:      aclCache,
		Limiter:  limiter,
		Input:    input,
		Bus:      b,
		Log:      log,
		Sink:     sink,
	})

	// The distributor blocks a connection on the pattern subscription,
	// so it gets its own.
	subConn := st.Duplicate()
	defer subConn.Close()
	dist := distributor.New(subConn, keys, topics, b, log, sink)
	go dist.Run(rootCtx)

	connRate := limits.NewConnRateLimiter(float64(cfg.ConnRatePerIP), cfg.ConnBurstPerIP, log)
	connRate.StartJanitor(rootCtx)
	guard := limits.NewResourceGuard(cfg.MaxConnections, cfg.MemoryLimit, log)
	guard.StartMonitor(rootCtx)

	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.JWTSecret)
	}

	srv := transport.New(transport.Config{
		Addr:                cfg.Addr,
		AllowAuthDisabled:   cfg.AllowAuthDisabled,
		SlowClientThreshold: cfg.SlowClientThreshold(),
	}, transport.Deps{
		Gateway:  gw,
		Store:    st,
		Verifier: verifier,
		ConnRate: connRate,
		Guard:    guard,
		Metrics:  promhttp.Handler(),
		Log:      log,
		Sink:     sink,
	})
	if err := srv.Start(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("transport start failed")
	}

	<-rootCtx.Done()
	log.Info().Msg("shutdown signal received")

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
	log.Info().Msg("gateway stopped")
}
