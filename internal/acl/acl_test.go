package acl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/auth"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/metrics"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/store"
)

type fakeSource struct {
	mu    sync.Mutex
	calls int
	allow bool
	err   error
}

func (f *fakeSource) CheckTopicAccess(context.Context, auth.Principal, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.allow, f.err
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestCache(t *testing.T, src Source, failOpen bool) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.New(store.Options{Addr: mr.Addr(), CallTimeout: time.Second}, zerolog.Nop(), metrics.NewRecorder())
	t.Cleanup(func() { st.Close() })
	c, err := New(src, st, store.NewKeys("rt"), DefaultTTL, failOpen, false, zerolog.Nop(), metrics.NewRecorder())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, mr
}

func TestCheckConsultsSource(t *testing.T) {
	src := &fakeSource{allow: true}
	c, _ := newTestCache(t, src, false)

	p := auth.Principal{UserID: "u1", TenantID: "acme"}
	if !c.Check(context.Background(), p, "doc-1") {
		t.Fatal("expected allow")
	}
	if src.callCount() != 1 {
		t.Fatalf("source called %d times, want 1", src.callCount())
	}
}

func TestVerdictIsCached(t *testing.T) {
	src := &fakeSource{allow: true}
	c, _ := newTestCache(t, src, false)
	p := auth.Principal{UserID: "u1", TenantID: "acme"}

	for i := 0; i < 5; i++ {
		if !c.Check(context.Background(), p, "doc-1") {
			t.Fatalf("check #%d: expected allow", i)
		}
	}
	if src.callCount() != 1 {
		t.Fatalf("source called %d times, want 1 (cached)", src.callCount())
	}
}

func TestDenialIsCachedToo(t *testing.T) {
	src := &fakeSource{allow: false}
	c, _ := newTestCache(t, src, false)
	p := auth.Principal{UserID: "u1", TenantID: "acme"}

	for i := 0; i < 3; i++ {
		if c.Check(context.Background(), p, "doc-1") {
			t.Fatalf("check #%d: expected deny", i)
		}
	}
	if src.callCount() != 1 {
		t.Fatalf("source called %d times, want 1 (cached)", src.callCount())
	}
}

func TestCacheExpires(t *testing.T) {
	src := &fakeSource{allow: true}
	c, mr := newTestCache(t, src, false)
	p := auth.Principal{UserID: "u1", TenantID: "acme"}

	c.Check(context.Background(), p, "doc-1")
	mr.FastForward(DefaultTTL + time.Second)
	c.Check(context.Background(), p, "doc-1")

	if src.callCount() != 2 {
		t.Fatalf("source called %d times, want 2 after TTL", src.callCount())
	}
}

func TestCacheIsPerUserAndTopic(t *testing.T) {
	src := &fakeSource{allow: true}
	c, _ := newTestCache(t, src, false)

	c.Check(context.Background(), auth.Principal{UserID: "u1"}, "doc-1")
	c.Check(context.Background(), auth.Principal{UserID: "u2"}, "doc-1")
	c.Check(context.Background(), auth.Principal{UserID: "u1"}, "doc-2")

	if src.callCount() != 3 {
		t.Fatalf("source called %d times, want 3 distinct verdicts", src.callCount())
	}
}

func TestSourceErrorFailOpen(t *testing.T) {
	src := &fakeSource{err: errors.New("authority down")}
	c, _ := newTestCache(t, src, true)

	if !c.Check(context.Background(), auth.Principal{UserID: "u1"}, "doc-1") {
		t.Fatal("fail-open posture should allow on source error")
	}
}

func TestSourceErrorFailClosed(t *testing.T) {
	src := &fakeSource{err: errors.New("authority down")}
	c, _ := newTestCache(t, src, false)

	if c.Check(context.Background(), auth.Principal{UserID: "u1"}, "doc-1") {
		t.Fatal("fail-closed posture should deny on source error")
	}
}

func TestFailOpenRejectedInProduction(t *testing.T) {
	mr := miniredis.RunT(t)
	st := store.New(store.Options{Addr: mr.Addr(), CallTimeout: time.Second}, zerolog.Nop(), metrics.NewRecorder())
	t.Cleanup(func() { st.Close() })

	_, err := New(AllowAll{}, st, store.NewKeys("rt"), DefaultTTL, true, true, zerolog.Nop(), metrics.NewRecorder())
	if err == nil {
		t.Fatal("expected constructor error for fail-open in production")
	}
}

func TestBreakerStopsHammeringFailingSource(t *testing.T) {
	src := &fakeSource{err: errors.New("authority down")}
	c, _ := newTestCache(t, src, false)
	p := auth.Principal{UserID: "u1"}

	// Distinct topics so the cache never answers. After the failure
	// threshold the breaker opens and the source stops being called.
	topics := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, topic := range topics {
		c.Check(context.Background(), p, topic)
	}
	if src.callCount() != 5 {
		t.Fatalf("source called %d times, want 5 before breaker opens", src.callCount())
	}
}

func TestStoreDownStillAnswersFromSource(t *testing.T) {
	src := &fakeSource{allow: true}
	c, mr := newTestCache(t, src, false)
	mr.Close()

	if !c.Check(context.Background(), auth.Principal{UserID: "u1"}, "doc-1") {
		t.Fatal("expected source verdict when cache store is down")
	}
}

func TestClaimsSource(t *testing.T) {
	src := ClaimsSource{}
	ctx := context.Background()

	cases := []struct {
		name  string
		perms []string
		topic string
		want  bool
	}{
		{"wildcard", []string{"topics:*"}, "anything", true},
		{"exact", []string{"topics:doc-1"}, "doc-1", true},
		{"other topic", []string{"topics:doc-1"}, "doc-2", false},
		{"no perms", nil, "doc-1", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := src.CheckTopicAccess(ctx, auth.Principal{UserID: "u", Permissions: tc.perms}, tc.topic)
			if err != nil {
				t.Fatalf("CheckTopicAccess: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}
