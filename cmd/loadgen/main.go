// loadgen drives a running gateway with synthetic subscribers and
// publishers: ramp up N connections at a fixed rate, hold the load for a
// duration, and print periodic reports. Every connection subscribes to
// its share of topics and sends heartbeats; the first -publishers
// connections also publish events, so the full path from publish to
// fan-out is exercised. Received events are checked for per-topic seq
// regressions.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"
)

type config struct {
	wsURL      string
	healthURL  string
	token      string
	conns      int
	rampPerSec int
	sustainSec int
	reportSec  int
	healthSec  int

	topics        []string
	mode          string // all, single, random
	topicsPerConn int

	publishers   int
	publishHz    float64
	payloadBytes int

	dialTimeout time.Duration
}

func parseFlags() *config {
	cfg := &config{}
	flag.StringVar(&cfg.wsURL, "url", "ws://localhost:3100/ws", "gateway WebSocket URL")
	flag.StringVar(&cfg.healthURL, "health", "http://localhost:3100/health", "gateway health URL")
	flag.StringVar(&cfg.token, "token", "", "bearer token (empty connects anonymously)")
	flag.IntVar(&cfg.conns, "conns", 1000, "target connection count")
	flag.IntVar(&cfg.rampPerSec, "ramp", 100, "connections opened per second")
	flag.IntVar(&cfg.sustainSec, "duration", 300, "sustain duration in seconds")
	flag.IntVar(&cfg.reportSec, "report-interval", 10, "report interval in seconds")
	flag.IntVar(&cfg.healthSec, "health-interval", 5, "health poll interval in seconds")
	topicsStr := flag.String("topics", "load-0,load-1,load-2,load-3,load-4", "comma-separated topic list")
	flag.StringVar(&cfg.mode, "mode", "single", "subscription mode: all, single, random")
	flag.IntVar(&cfg.topicsPerConn, "topics-per-conn", 2, "topics per connection in random mode")
	flag.IntVar(&cfg.publishers, "publishers", 10, "how many connections also publish")
	flag.Float64Var(&cfg.publishHz, "publish-hz", 1.0, "events per second per publisher")
	flag.IntVar(&cfg.payloadBytes, "payload", 128, "payload padding bytes per event")
	dialMs := flag.Int("dial-timeout", 10000, "dial timeout in milliseconds")
	flag.Parse()

	for _, t := range strings.Split(*topicsStr, ",") {
		if t = strings.TrimSpace(t); t != "" {
			cfg.topics = append(cfg.topics, t)
		}
	}
	if len(cfg.topics) == 0 {
		log.Fatal("-topics must name at least one topic")
	}
	cfg.dialTimeout = time.Duration(*dialMs) * time.Millisecond
	return cfg
}

// counters is shared test state. Hot fields are atomics; the health
// snapshot and phase go under the mutex.
type counters struct {
	active  int64
	created int64
	failed  int64

	eventsReceived int64
	outOfOrder     int64
	publishesSent  int64
	acks           int64
	errorFrames    int64
	subsSent       int64
	subsConfirmed  int64

	dialErrors sync.Map // error text -> *int64

	mu           sync.RWMutex
	phase        string
	health       *healthSnapshot
	start        time.Time
	sustainStart time.Time
}

func (c *counters) setPhase(p string) {
	c.mu.Lock()
	c.phase = p
	if p == "sustaining" {
		c.sustainStart = time.Now()
	}
	c.mu.Unlock()
}

type healthSnapshot struct {
	Status      string `json:"status"`
	UptimeSec   int64  `json:"uptime_sec"`
	Connections int64  `json:"connections"`
	Goroutines  int    `json:"goroutines"`
	Store       string `json:"store"`
}

// Wire frames, trimmed to the fields the generator reads.
type clientFrame struct {
	Op      string          `json:"op"`
	TopicID string          `json:"topicId,omitempty"`
	Type    string          `json:"type,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type serverFrame struct {
	Op      string `json:"op"`
	Ref     string `json:"ref,omitempty"`
	TopicID string `json:"topicId,omitempty"`
	Event   *struct {
		Seq int64 `json:"seq"`
	} `json:"event,omitempty"`
	Error *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

var (
	cfg  *config
	ctrs *counters
)

func main() {
	cfg = parseFlags()
	ctrs = &counters{phase: "ramping", start: time.Now()}

	log.Printf(strings.Repeat("=", 72))
	log.Printf("gateway load generator")
	log.Printf("  target=%d conns  ramp=%d/s  sustain=%ds", cfg.conns, cfg.rampPerSec, cfg.sustainSec)
	log.Printf("  topics=%v  mode=%s  publishers=%d at %.2f/s", cfg.topics, cfg.mode, cfg.publishers, cfg.publishHz)
	log.Printf("  url=%s", cfg.wsURL)
	log.Printf(strings.Repeat("=", 72))

	if err := pollHealth(); err != nil {
		log.Fatalf("initial health check failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go healthLoop(ctx)
	go reportLoop(ctx)

	if err := rampUp(ctx); err != nil {
		log.Printf("ramp-up interrupted: %v", err)
	} else {
		ctrs.setPhase("sustaining")
		log.Printf("ramp-up complete: %d active, sustaining for %ds",
			atomic.LoadInt64(&ctrs.active), cfg.sustainSec)
		select {
		case <-time.After(time.Duration(cfg.sustainSec) * time.Second):
			ctrs.setPhase("completed")
		case <-ctx.Done():
			log.Printf("sustain interrupted")
		}
	}

	printReport()
	log.Printf("done")
}

// rampUp opens connections paced by a token bucket so the gateway sees a
// steady arrival rate instead of a thundering herd.
func rampUp(ctx context.Context) error {
	burst := cfg.rampPerSec / 10
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(cfg.rampPerSec), burst)

	for id := 0; id < cfg.conns; id++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		atomic.AddInt64(&ctrs.created, 1)
		go func(id int) {
			if err := launch(ctx, id); err != nil {
				atomic.AddInt64(&ctrs.failed, 1)
				v, _ := ctrs.dialErrors.LoadOrStore(errText(err), new(int64))
				atomic.AddInt64(v.(*int64), 1)
			}
		}(id)
	}
	return nil
}

// errText collapses dial errors into a few stable buckets so the report
// stays readable at high failure counts.
func errText(err error) string {
	s := err.Error()
	switch {
	case strings.Contains(s, "connection refused"):
		return "connection refused"
	case strings.Contains(s, "timeout"), strings.Contains(s, "deadline"):
		return "timeout"
	case strings.Contains(s, "429"):
		return "rejected 429"
	case strings.Contains(s, "503"):
		return "rejected 503"
	default:
		if len(s) > 80 {
			s = s[:80]
		}
		return s
	}
}

type client struct {
	id      int
	conn    net.Conn
	ctrl    wsutil.FrameHandlerFunc
	wmu     sync.Mutex
	topics  []string
	publish bool
	cancel  context.CancelFunc
	once    sync.Once
	lastSeq map[string]int64 // read loop only
}

// pickTopics mirrors the three fan-out shapes worth testing: everyone on
// everything, an even spread, or a random overlap.
func pickTopics(id int) []string {
	switch cfg.mode {
	case "single":
		return []string{cfg.topics[id%len(cfg.topics)]}
	case "random":
		n := cfg.topicsPerConn
		if n > len(cfg.topics) {
			n = len(cfg.topics)
		}
		perm := rand.Perm(len(cfg.topics))
		out := make([]string, 0, n)
		for _, i := range perm[:n] {
			out = append(out, cfg.topics[i])
		}
		return out
	default: // all
		return cfg.topics
	}
}

func launch(ctx context.Context, id int) error {
	target := cfg.wsURL
	if cfg.token != "" {
		u, err := url.Parse(target)
		if err != nil {
			return fmt.Errorf("bad url: %w", err)
		}
		q := u.Query()
		q.Set("token", cfg.token)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.dialTimeout)
	defer cancelDial()
	d := ws.Dialer{Timeout: cfg.dialTimeout}
	conn, _, _, err := d.Dial(dialCtx, target)
	if err != nil {
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	c := &client{
		id:      id,
		conn:    conn,
		ctrl:    wsutil.ControlFrameHandler(conn, ws.StateClientSide),
		topics:  pickTopics(id),
		publish: id < cfg.publishers,
		cancel:  cancel,
		lastSeq: make(map[string]int64),
	}
	atomic.AddInt64(&ctrs.active, 1)

	for _, t := range c.topics {
		if err := c.send(clientFrame{Op: "subscribe", TopicID: t}); err != nil {
			c.close()
			return nil
		}
		atomic.AddInt64(&ctrs.subsSent, 1)
	}
	// Join the first topic so presence sees this connection too.
	if err := c.send(clientFrame{Op: "join", TopicID: c.topics[0]}); err != nil {
		c.close()
		return nil
	}

	go c.readLoop()
	go c.tickLoop(connCtx)
	return nil
}

func (c *client) send(f clientFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, b)
}

// readLoop consumes server frames and keeps the counters. Control frames
// are answered under the write mutex so pong replies cannot interleave
// with an in-flight publish.
func (c *client) readLoop() {
	defer c.close()

	rd := &wsutil.Reader{Source: c.conn, State: ws.StateClientSide}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			c.wmu.Lock()
			err := c.ctrl(hdr, rd)
			c.wmu.Unlock()
			if err != nil {
				return
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			return
		}

		var f serverFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Op {
		case "event":
			atomic.AddInt64(&ctrs.eventsReceived, 1)
			if f.Event != nil {
				if last, ok := c.lastSeq[f.TopicID]; ok && f.Event.Seq <= last {
					atomic.AddInt64(&ctrs.outOfOrder, 1)
				} else {
					c.lastSeq[f.TopicID] = f.Event.Seq
				}
			}
		case "ack":
			atomic.AddInt64(&ctrs.acks, 1)
			if f.Ref == "subscribe" {
				atomic.AddInt64(&ctrs.subsConfirmed, 1)
			}
		case "error":
			atomic.AddInt64(&ctrs.errorFrames, 1)
		}
	}
}

// tickLoop sends the 15s heartbeat that keeps the server's read deadline
// fed, and drives this client's publish schedule when it is a publisher.
func (c *client) tickLoop(ctx context.Context) {
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	var pubCh <-chan time.Time
	if c.publish && cfg.publishHz > 0 {
		pub := time.NewTicker(time.Duration(float64(time.Second) / cfg.publishHz))
		defer pub.Stop()
		pubCh = pub.C
	}

	pad := strings.Repeat("x", cfg.payloadBytes)
	n := 0

	for {
		select {
		case <-ctx.Done():
			c.close()
			return
		case <-heartbeat.C:
			if err := c.send(clientFrame{Op: "heartbeat", TopicID: c.topics[0]}); err != nil {
				c.close()
				return
			}
		case <-pubCh:
			n++
			topic := c.topics[n%len(c.topics)]
			data := fmt.Sprintf(`{"conn":%d,"n":%d,"pad":%q}`, c.id, n, pad)
			f := clientFrame{Op: "publish", TopicID: topic, Type: "custom:load-tick", Data: json.RawMessage(data)}
			if err := c.send(f); err != nil {
				c.close()
				return
			}
			atomic.AddInt64(&ctrs.publishesSent, 1)
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		atomic.AddInt64(&ctrs.active, -1)
		c.cancel()
		c.conn.Close()
	})
}

func pollHealth() error {
	resp, err := http.Get(cfg.healthURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var h healthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return err
	}
	ctrs.mu.Lock()
	ctrs.health = &h
	ctrs.mu.Unlock()
	return nil
}

func healthLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(cfg.healthSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pollHealth(); err != nil {
				log.Printf("health poll failed: %v", err)
			}
		}
	}
}

func reportLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(cfg.reportSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printReport()
		}
	}
}

func printReport() {
	elapsed := int(time.Since(ctrs.start).Seconds())
	if elapsed < 1 {
		elapsed = 1
	}

	ctrs.mu.RLock()
	phase := ctrs.phase
	health := ctrs.health
	sustainStart := ctrs.sustainStart
	ctrs.mu.RUnlock()

	active := atomic.LoadInt64(&ctrs.active)
	created := atomic.LoadInt64(&ctrs.created)
	failed := atomic.LoadInt64(&ctrs.failed)
	events := atomic.LoadInt64(&ctrs.eventsReceived)
	outOfOrder := atomic.LoadInt64(&ctrs.outOfOrder)
	published := atomic.LoadInt64(&ctrs.publishesSent)
	acks := atomic.LoadInt64(&ctrs.acks)
	errFrames := atomic.LoadInt64(&ctrs.errorFrames)
	subsSent := atomic.LoadInt64(&ctrs.subsSent)
	subsOK := atomic.LoadInt64(&ctrs.subsConfirmed)

	okRate := 100.0
	if created > 0 {
		okRate = float64(created-failed) / float64(created) * 100
	}

	log.Printf(strings.Repeat("=", 72))
	log.Printf("elapsed=%ds phase=%s", elapsed, strings.ToUpper(phase))
	log.Printf("  conns   active=%d/%d created=%d failed=%d (%.1f%% ok)",
		active, cfg.conns, created, failed, okRate)
	log.Printf("  events  received=%d rate=%.1f/s out_of_order=%d",
		events, float64(events)/float64(elapsed), outOfOrder)
	log.Printf("  publish sent=%d acks=%d error_frames=%d", published, acks, errFrames)
	log.Printf("  subs    sent=%d confirmed=%d", subsSent, subsOK)
	if health != nil {
		log.Printf("  server  status=%s conns=%d goroutines=%d store=%s",
			health.Status, health.Connections, health.Goroutines, health.Store)
	} else {
		log.Printf("  server  no health data")
	}
	if phase == "sustaining" {
		remain := cfg.sustainSec - int(time.Since(sustainStart).Seconds())
		if remain < 0 {
			remain = 0
		}
		log.Printf("  remain  %ds", remain)
	}

	hasDialErrs := false
	ctrs.dialErrors.Range(func(_, _ any) bool { hasDialErrs = true; return false })
	if hasDialErrs {
		log.Printf("  dial errors:")
		ctrs.dialErrors.Range(func(k, v any) bool {
			log.Printf("    %s: %d", k, atomic.LoadInt64(v.(*int64)))
			return true
		})
	}
	log.Printf(strings.Repeat("=", 72))
}
