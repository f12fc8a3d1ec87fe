package transport_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/acl"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/auth"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/bus"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/gateway"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/limits"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/metrics"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/presence"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/ratelimit"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/store"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/topic"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/transport"
)

type fxParams struct {
	authDisabled bool
	secret       string
	src          acl.Source
	maxConns     int
	connRate     *limits.ConnRateLimiter
	slow         time.Duration
	outbox       int
	metricsH     http.Handler
}

type fixture struct {
	srv      *transport.Server
	url      string
	gw       *gateway.Gateway
	guard    *limits.ResourceGuard
	verifier *auth.Verifier
	rec      *metrics.Recorder
	mr       *miniredis.Miniredis
}

func newFixture(t *testing.T, p fxParams) *fixture {
	t.Helper()
	if p.maxConns == 0 {
		p.maxConns = 50
	}
	if p.src == nil {
		p.src = acl.AllowAll{}
	}

	mr := miniredis.RunT(t)
	log := zerolog.Nop()
	rec := metrics.NewRecorder()
	st := store.New(store.Options{Addr: mr.Addr()}, log, rec)
	keys := store.NewKeys("rt")

	topics := topic.NewManager(st, keys, topic.Config{
		MaxTopicBuffer:      1000,
		MaxSubscriberQueue:  100,
		SlowClientThreshold: 5 * time.Second,
	}, log, rec)

	cache, err := acl.New(p.src, st, keys, 30*time.Second, true, false, log, rec)
	if err != nil {
		t.Fatalf("acl.New: %v", err)
	}

	gw := gateway.New(gateway.Options{
		DurabilityEnabled:   true,
		MaxPayloadBytes:     64 * 1024,
		UserPublishLimit:    1000,
		TopicPublishLimit:   10000,
		GlobalPublishLimit:  100000,
		MaxTopicBuffer:      1000,
		SlowClientThreshold: 5 * time.Second,
	}, gateway.Deps{
		Keys:     keys,
		Topics:   topics,
		Presence: presence.New(st, keys, presence.DefaultTTL, log),
		ACL:      cache,
		Limiter:  ratelimit.New(st, time.Minute, log, rec),
		Input:    limits.NewInputGuard(100000),
		Bus:      bus.New(),
		Log:      log,
		Sink:     rec,
	})

	var verifier *auth.Verifier
	if p.secret != "" {
		verifier = auth.NewVerifier(p.secret)
	}
	guard := limits.NewResourceGuard(p.maxConns, 0, log)

	srv := transport.New(transport.Config{
		Addr:                "127.0.0.1:0",
		AllowAuthDisabled:   p.authDisabled,
		SlowClientThreshold: p.slow,
		OutboxSize:          p.outbox,
	}, transport.Deps{
		Gateway:  gw,
		Store:    st,
		Verifier: verifier,
		ConnRate: p.connRate,
		Guard:    guard,
		Metrics:  p.metricsH,
		Log:      log,
		Sink:     rec,
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		shutCtx, done := context.WithTimeout(context.Background(), 3*time.Second)
		defer done()
		srv.Shutdown(shutCtx)
		cancel()
	})

	return &fixture{
		srv:      srv,
		url:      "ws://" + srv.Addr() + "/ws",
		gw:       gw,
		guard:    guard,
		verifier: verifier,
		rec:      rec,
		mr:       mr,
	}
}

type wsClient struct {
	t    *testing.T
	conn net.Conn
}

func dial(t *testing.T, url string) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(frame map[string]any) {
	c.t.Helper()
	b, err := json.Marshal(frame)
	if err != nil {
		c.t.Fatalf("marshal frame: %v", err)
	}
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, b); err != nil {
		c.t.Fatalf("write frame: %v", err)
	}
}

// recv reads server frames until one carries the wanted op.
func (c *wsClient) recv(op string) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		c.conn.SetReadDeadline(deadline)
		data, typ, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			c.t.Fatalf("read while waiting for %q: %v", op, err)
		}
		if typ != ws.OpText {
			continue
		}
		var f map[string]any
		if err := json.Unmarshal(data, &f); err != nil {
			c.t.Fatalf("unmarshal server frame %q: %v", data, err)
		}
		if f["op"] == op {
			return f
		}
	}
}

// expectNone fails if a frame with the given op arrives within d.
func (c *wsClient) expectNone(op string, d time.Duration) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(d))
	for {
		data, typ, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			return
		}
		if typ != ws.OpText {
			continue
		}
		var f map[string]any
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f["op"] == op {
			c.t.Fatalf("unexpected %q frame: %v", op, f)
		}
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	fx := newFixture(t, fxParams{authDisabled: true})

	sub := dial(t, fx.url)
	sub.send(map[string]any{"op": "subscribe", "topicId": "room-1"})
	ack := sub.recv("ack")
	if ack["ref"] != "subscribe" || ack["topicId"] != "room-1" {
		t.Fatalf("subscribe ack = %v", ack)
	}

	pub := dial(t, fx.url)
	pub.send(map[string]any{
		"op":      "publish",
		"topicId": "room-1",
		"type":    "custom:chat_message",
		"data":    map[string]any{"text": "hi"},
	})
	ack = pub.recv("ack")
	if ack["ref"] != "publish" || ack["eventId"] == "" || ack["seq"].(float64) != 1 {
		t.Fatalf("publish ack = %v", ack)
	}

	frame := sub.recv("event")
	env, ok := frame["event"].(map[string]any)
	if !ok {
		t.Fatalf("event frame without envelope: %v", frame)
	}
	if env["topicId"] != "room-1" || env["seq"].(float64) != 1 || env["tenantId"] != "default" {
		t.Fatalf("delivered envelope = %v", env)
	}
	if !strings.HasPrefix(env["senderId"].(string), "anon-") {
		t.Fatalf("senderId = %v, want anonymous", env["senderId"])
	}
}

func TestHandshakeRequiresToken(t *testing.T) {
	fx := newFixture(t, fxParams{secret: "handshake-secret"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if conn, _, _, err := ws.Dial(ctx, fx.url); err == nil {
		conn.Close()
		t.Fatalf("tokenless dial succeeded, want rejection")
	}
	if conn, _, _, err := ws.Dial(ctx, fx.url+"?token=not-a-jwt"); err == nil {
		conn.Close()
		t.Fatalf("garbage token accepted")
	}

	token, err := fx.verifier.Issue(auth.Principal{UserID: "alice", TenantID: "acme"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	c := dial(t, fx.url+"?token="+token)
	c.send(map[string]any{"op": "ping"})
	c.recv("pong")

	if fx.rec.Snapshot().ConnectionsRejected["unauthorized"] != 2 {
		t.Fatalf("rejections = %v, want 2 unauthorized", fx.rec.Snapshot().ConnectionsRejected)
	}
}

func TestTokenPrincipalFlowsToEnvelope(t *testing.T) {
	fx := newFixture(t, fxParams{secret: "handshake-secret"})

	issue := func(user string) string {
		t.Helper()
		token, err := fx.verifier.Issue(auth.Principal{UserID: user, TenantID: "acme"}, time.Minute)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		return token
	}

	sub := dial(t, fx.url+"?token="+issue("bob"))
	sub.send(map[string]any{"op": "subscribe", "topicId": "room-1"})
	sub.recv("ack")

	pub := dial(t, fx.url+"?token="+issue("alice"))
	pub.send(map[string]any{
		"op":      "publish",
		"topicId": "room-1",
		"type":    "custom:chat_message",
		"data":    map[string]any{"n": 1},
	})
	pub.recv("ack")

	env := sub.recv("event")["event"].(map[string]any)
	if env["senderId"] != "alice" || env["tenantId"] != "acme" {
		t.Fatalf("envelope = %v, want alice@acme", env)
	}
}

func TestPublishErrorFrame(t *testing.T) {
	fx := newFixture(t, fxParams{authDisabled: true})

	c := dial(t, fx.url)
	c.send(map[string]any{"op": "publish", "topicId": "room-1", "data": map[string]any{}})
	frame := c.recv("error")
	if frame["ref"] != "publish" {
		t.Fatalf("error frame = %v", frame)
	}
	ferr := frame["error"].(map[string]any)
	if ferr["kind"] != "invalid_input" || ferr["field"] != "type" {
		t.Fatalf("error detail = %v", ferr)
	}
}

func TestInvalidJSONGetsErrorFrame(t *testing.T) {
	fx := newFixture(t, fxParams{authDisabled: true})

	c := dial(t, fx.url)
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, []byte("{nope")); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := c.recv("error")
	if frame["error"].(map[string]any)["kind"] != "invalid_input" {
		t.Fatalf("error frame = %v", frame)
	}

	// The connection survives a bad frame.
	c.send(map[string]any{"op": "ping"})
	c.recv("pong")
}

func TestUnknownOp(t *testing.T) {
	fx := newFixture(t, fxParams{authDisabled: true})

	c := dial(t, fx.url)
	c.send(map[string]any{"op": "teleport"})
	frame := c.recv("error")
	if frame["ref"] != "teleport" {
		t.Fatalf("error frame = %v", frame)
	}
}

func TestSubscribeACL(t *testing.T) {
	fx := newFixture(t, fxParams{secret: "handshake-secret", src: acl.ClaimsSource{}})

	token, err := fx.verifier.Issue(auth.Principal{UserID: "carol", TenantID: "acme"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	denied := dial(t, fx.url+"?token="+token)
	denied.send(map[string]any{"op": "subscribe", "topicId": "room-1"})
	frame := denied.recv("error")
	if frame["error"].(map[string]any)["kind"] != "access_denied" {
		t.Fatalf("error frame = %v", frame)
	}

	token, err = fx.verifier.Issue(auth.Principal{
		UserID: "dave", TenantID: "acme", Permissions: []string{"topics:room-1"},
	}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	granted := dial(t, fx.url+"?token="+token)
	granted.send(map[string]any{"op": "subscribe", "topicId": "room-1"})
	granted.recv("ack")
}

func TestDoubleSubscribeRejected(t *testing.T) {
	fx := newFixture(t, fxParams{authDisabled: true})

	c := dial(t, fx.url)
	c.send(map[string]any{"op": "subscribe", "topicId": "room-1"})
	c.recv("ack")
	c.send(map[string]any{"op": "subscribe", "topicId": "room-1"})
	frame := c.recv("error")
	if frame["ref"] != "subscribe" || frame["error"].(map[string]any)["kind"] != "invalid_input" {
		t.Fatalf("error frame = %v", frame)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	fx := newFixture(t, fxParams{authDisabled: true})

	sub := dial(t, fx.url)
	sub.send(map[string]any{"op": "subscribe", "topicId": "room-1"})
	sub.recv("ack")
	sub.send(map[string]any{"op": "unsubscribe", "topicId": "room-1"})
	ack := sub.recv("ack")
	if ack["ref"] != "unsubscribe" {
		t.Fatalf("ack = %v", ack)
	}

	pub := dial(t, fx.url)
	pub.send(map[string]any{
		"op":      "publish",
		"topicId": "room-1",
		"type":    "custom:chat_message",
		"data":    map[string]any{},
	})
	pub.recv("ack")

	sub.expectNone("event", 300*time.Millisecond)
}

func TestSubscribeReplayOverWire(t *testing.T) {
	fx := newFixture(t, fxParams{authDisabled: true})

	pub := dial(t, fx.url)
	for i := 0; i < 4; i++ {
		pub.send(map[string]any{
			"op":      "publish",
			"topicId": "room-1",
			"type":    "custom:chat_message",
			"data":    map[string]any{"n": i + 1},
		})
		pub.recv("ack")
	}

	sub := dial(t, fx.url)
	sub.send(map[string]any{"op": "subscribe", "topicId": "room-1", "fromSeq": 2})
	sub.recv("ack")
	for _, want := range []float64{2, 3, 4} {
		env := sub.recv("event")["event"].(map[string]any)
		if env["seq"].(float64) != want {
			t.Fatalf("replay seq = %v, want %v", env["seq"], want)
		}
	}
}

func TestPingPong(t *testing.T) {
	fx := newFixture(t, fxParams{authDisabled: true})

	c := dial(t, fx.url)
	c.send(map[string]any{"op": "ping"})
	pong := c.recv("pong")
	if pong["ts"].(float64) <= 0 {
		t.Fatalf("pong = %v", pong)
	}
}

func TestPresenceOps(t *testing.T) {
	fx := newFixture(t, fxParams{authDisabled: true})

	c1 := dial(t, fx.url)
	c2 := dial(t, fx.url)
	c1.send(map[string]any{"op": "join", "topicId": "room-1"})
	c1.recv("ack")
	c2.send(map[string]any{"op": "join", "topicId": "room-1"})
	c2.recv("ack")

	c1.send(map[string]any{"op": "presence", "topicId": "room-1"})
	state := c1.recv("presence_state")
	if users := state["users"].([]any); len(users) != 2 {
		t.Fatalf("users = %v, want 2", users)
	}

	c2.send(map[string]any{"op": "heartbeat", "topicId": "room-1"})
	c2.recv("ack")
	c2.send(map[string]any{"op": "leave", "topicId": "room-1"})
	c2.recv("ack")

	c1.send(map[string]any{"op": "presence", "topicId": "room-1"})
	state = c1.recv("presence_state")
	if users := state["users"].([]any); len(users) != 1 {
		t.Fatalf("users after leave = %v, want 1", users)
	}
}

func TestDisconnectCleansPresence(t *testing.T) {
	fx := newFixture(t, fxParams{authDisabled: true})

	c := dial(t, fx.url)
	c.send(map[string]any{"op": "join", "topicId": "room-1"})
	c.recv("ack")
	c.conn.Close()

	viewer := auth.Principal{UserID: "viewer", TenantID: "default"}
	deadline := time.Now().Add(3 * time.Second)
	for {
		users, err := fx.gw.Presence(context.Background(), viewer, "room-1")
		if err == nil && len(users) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("presence not cleaned after disconnect: %v, %v", users, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestTopicStatsOp(t *testing.T) {
	fx := newFixture(t, fxParams{authDisabled: true})

	sub := dial(t, fx.url)
	sub.send(map[string]any{"op": "subscribe", "topicId": "room-1"})
	sub.recv("ack")

	pub := dial(t, fx.url)
	for i := 0; i < 2; i++ {
		pub.send(map[string]any{
			"op":      "publish",
			"topicId": "room-1",
			"type":    "custom:chat_message",
			"data":    map[string]any{},
		})
		pub.recv("ack")
	}

	pub.send(map[string]any{"op": "topic_stats", "topicId": "room-1"})
	frame := pub.recv("topic_stats")
	stats := frame["stats"].(map[string]any)
	if stats["subscriberCount"].(float64) != 1 || stats["bufferSize"].(float64) != 2 {
		t.Fatalf("stats = %v", stats)
	}
}

func TestHistoryOp(t *testing.T) {
	fx := newFixture(t, fxParams{authDisabled: true})

	pub := dial(t, fx.url)
	for i := 0; i < 3; i++ {
		pub.send(map[string]any{
			"op":      "publish",
			"topicId": "room-1",
			"type":    "custom:chat_message",
			"data":    map[string]any{"n": i + 1},
		})
		pub.recv("ack")
	}

	pub.send(map[string]any{"op": "history", "topicId": "room-1"})
	frame := pub.recv("history")
	envs := frame["events"].([]any)
	if len(envs) != 3 {
		t.Fatalf("history length = %d, want 3", len(envs))
	}
	for i, raw := range envs {
		if seq := raw.(map[string]any)["seq"].(float64); seq != float64(i+1) {
			t.Fatalf("history[%d].seq = %v, want %d", i, seq, i+1)
		}
	}
}

func TestConnectionCap(t *testing.T) {
	fx := newFixture(t, fxParams{authDisabled: true, maxConns: 1})

	c := dial(t, fx.url)
	c.send(map[string]any{"op": "ping"})
	c.recv("pong")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if conn, _, _, err := ws.Dial(ctx, fx.url); err == nil {
		conn.Close()
		t.Fatalf("dial beyond cap succeeded")
	}
	if fx.rec.Snapshot().ConnectionsRejected["overloaded"] != 1 {
		t.Fatalf("rejections = %v", fx.rec.Snapshot().ConnectionsRejected)
	}
}

func TestConnectionRateLimit(t *testing.T) {
	limiter := limits.NewConnRateLimiter(0.01, 1, zerolog.Nop())
	fx := newFixture(t, fxParams{authDisabled: true, connRate: limiter})

	c := dial(t, fx.url)
	c.send(map[string]any{"op": "ping"})
	c.recv("pong")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if conn, _, _, err := ws.Dial(ctx, fx.url); err == nil {
		conn.Close()
		t.Fatalf("dial beyond per-ip budget succeeded")
	}
	if fx.rec.Snapshot().ConnectionsRejected["conn_rate"] != 1 {
		t.Fatalf("rejections = %v", fx.rec.Snapshot().ConnectionsRejected)
	}
}

// TestSlowClientDisconnected stops reading while the publisher floods
// the topic with fat events. Once the kernel buffers and the outbox are
// full, the grace period lapses and the server drops the connection
// rather than buffer without bound.
func TestSlowClientDisconnected(t *testing.T) {
	fx := newFixture(t, fxParams{
		authDisabled: true,
		outbox:       1,
		slow:         100 * time.Millisecond,
	})

	sub := dial(t, fx.url)
	sub.send(map[string]any{"op": "subscribe", "topicId": "room-1"})
	sub.recv("ack")

	// Keep publishing until the disconnect lands; how many events the
	// socket buffers absorb first depends on the kernel.
	pub := dial(t, fx.url)
	blob := strings.Repeat("x", 48_000)
	deadline := time.Now().Add(10 * time.Second)
	for fx.guard.Connections() > 1 {
		if time.Now().After(deadline) {
			t.Fatalf("slow client still connected, %d connections", fx.guard.Connections())
		}
		pub.send(map[string]any{
			"op":      "publish",
			"topicId": "room-1",
			"type":    "custom:chat_message",
			"data":    map[string]any{"blob": blob},
		})
		pub.recv("ack")
	}
}

func TestShutdownClosesClients(t *testing.T) {
	fx := newFixture(t, fxParams{authDisabled: true})

	c := dial(t, fx.url)
	c.send(map[string]any{"op": "ping"})
	c.recv("pong")

	shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := fx.srv.Shutdown(shutCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// The client sees the close frame or the closed socket.
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			break
		}
	}

	// New connections are refused while down.
	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if conn, _, _, err := ws.Dial(ctx, fx.url); err == nil {
		conn.Close()
		t.Fatalf("dial after shutdown succeeded")
	}
}

func TestHealthAndReady(t *testing.T) {
	fx := newFixture(t, fxParams{authDisabled: true})
	base := "http://" + fx.srv.Addr()

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("health = %d %v", resp.StatusCode, health)
	}

	resp, err = http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz = %d, want 200", resp.StatusCode)
	}

	// With the store gone the replica must stop reporting ready.
	fx.mr.Close()
	resp, err = http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz with store down = %d, want 503", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.NewPrometheus(reg)
	fx := newFixture(t, fxParams{
		authDisabled: true,
		metricsH:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	resp, err := http.Get("http://" + fx.srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "gw_events_published_total") {
		t.Fatalf("metrics body missing gateway collectors:\n%s", body)
	}
}
