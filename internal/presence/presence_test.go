package presence

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/metrics"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/store"
)

func newTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.New(store.Options{Addr: mr.Addr(), CallTimeout: time.Second}, zerolog.Nop(), metrics.NewRecorder())
	t.Cleanup(func() { st.Close() })
	return New(st, store.NewKeys("rt"), DefaultTTL, zerolog.Nop()), mr
}

func TestJoinAndList(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	if err := tr.Join(ctx, "acme", "doc-1", "u1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := tr.Join(ctx, "acme", "doc-1", "u2"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	users, err := tr.List(ctx, "acme", "doc-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	sort.Strings(users)
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Fatalf("List = %v, want [u1 u2]", users)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := tr.Join(ctx, "acme", "doc-1", "u1"); err != nil {
			t.Fatalf("Join #%d: %v", i, err)
		}
	}
	users, err := tr.List(ctx, "acme", "doc-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("got %d entries after repeated joins, want 1", len(users))
	}
}

func TestLeaveRemovesOnlyThatUser(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	tr.Join(ctx, "acme", "doc-1", "u1")
	tr.Join(ctx, "acme", "doc-1", "u2")
	if err := tr.Leave(ctx, "acme", "doc-1", "u1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	users, err := tr.List(ctx, "acme", "doc-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(users) != 1 || users[0] != "u2" {
		t.Fatalf("List = %v, want [u2]", users)
	}
}

func TestLeaveUnknownUserIsNoError(t *testing.T) {
	tr, _ := newTestTracker(t)
	if err := tr.Leave(context.Background(), "acme", "doc-1", "ghost"); err != nil {
		t.Fatalf("Leave on absent user: %v", err)
	}
}

func TestPresenceExpires(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	tr.Join(ctx, "acme", "doc-1", "u1")
	mr.FastForward(DefaultTTL + time.Second)

	users, err := tr.List(ctx, "acme", "doc-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("presence survived TTL: %v", users)
	}
}

func TestHeartbeatRefreshesTTL(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	tr.Join(ctx, "acme", "doc-1", "u1")
	mr.FastForward(20 * time.Second)
	if err := tr.Heartbeat(ctx, "acme", "doc-1", "u1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	mr.FastForward(20 * time.Second)

	users, err := tr.List(ctx, "acme", "doc-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("heartbeat did not refresh TTL, got %v", users)
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	tr.Join(ctx, "acme", "doc-1", "u1")
	tr.Join(ctx, "beta", "doc-1", "u2")

	users, err := tr.List(ctx, "acme", "doc-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(users) != 1 || users[0] != "u1" {
		t.Fatalf("tenant leak: List(acme) = %v", users)
	}
}
