package limits

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestInputGuardBudget(t *testing.T) {
	g := NewInputGuard(50)

	for i := 0; i < 50; i++ {
		if !g.Allow("u1") {
			t.Fatalf("event %d rejected inside the budget", i+1)
		}
	}
	if g.Allow("u1") {
		t.Fatal("event 51 allowed, budget should be spent")
	}
}

func TestInputGuardIsPerUser(t *testing.T) {
	g := NewInputGuard(5)

	for i := 0; i < 5; i++ {
		g.Allow("u1")
	}
	if g.Allow("u1") {
		t.Fatal("u1 budget should be spent")
	}
	if !g.Allow("u2") {
		t.Fatal("u2 should have an untouched budget")
	}
}

func TestInputGuardRefills(t *testing.T) {
	g := NewInputGuard(60) // one token per second

	for i := 0; i < 60; i++ {
		g.Allow("u1")
	}
	if g.Allow("u1") {
		t.Fatal("budget should be spent")
	}
	time.Sleep(1100 * time.Millisecond)
	if !g.Allow("u1") {
		t.Fatal("one token should have refilled after a second")
	}
}

func TestInputGuardSweep(t *testing.T) {
	g := NewInputGuard(50)
	base := time.Now()
	g.now = func() time.Time { return base }

	g.Allow("idle")
	g.Allow("busy")

	g.now = func() time.Time { return base.Add(guardIdleAge + time.Minute) }
	g.Allow("busy") // refreshes lastSeen
	g.sweep()

	if got := g.tracked(); got != 1 {
		t.Fatalf("tracked users after sweep = %d, want 1", got)
	}
}

func TestConnRateLimiterPerIP(t *testing.T) {
	l := NewConnRateLimiter(1.0, 3, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("connection %d rejected inside the burst", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("burst spent, connection should be rejected")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("another ip should have its own burst")
	}
}

func TestConnRateLimiterSweep(t *testing.T) {
	l := NewConnRateLimiter(1.0, 3, zerolog.Nop())
	base := time.Now()
	l.now = func() time.Time { return base }

	l.Allow("10.0.0.1")
	l.now = func() time.Time { return base.Add(guardIdleAge + time.Minute) }
	l.sweep()

	l.mu.Lock()
	n := len(l.perIP)
	l.mu.Unlock()
	if n != 0 {
		t.Fatalf("%d ip entries survived the sweep, want 0", n)
	}
}

func TestResourceGuardConnectionCap(t *testing.T) {
	g := NewResourceGuard(2, 0, zerolog.Nop())

	for i := 0; i < 2; i++ {
		ok, reason := g.Acquire()
		if !ok {
			t.Fatalf("slot %d refused: %s", i+1, reason)
		}
	}
	if ok, reason := g.Acquire(); ok || reason != "at max connections" {
		t.Fatalf("over-cap acquire = %v %q", ok, reason)
	}

	g.Release()
	if ok, _ := g.Acquire(); !ok {
		t.Fatal("slot should be free after release")
	}
	if g.Connections() != 2 {
		t.Fatalf("Connections = %d, want 2", g.Connections())
	}
}

func TestResourceGuardMemoryBrake(t *testing.T) {
	g := NewResourceGuard(10, 1024, zerolog.Nop())
	g.memAlloc.Store(2048)

	if ok, reason := g.Acquire(); ok || reason != "memory limit exceeded" {
		t.Fatalf("acquire over memory limit = %v %q", ok, reason)
	}

	g.memAlloc.Store(512)
	if ok, _ := g.Acquire(); !ok {
		t.Fatal("acquire should succeed under the watermark")
	}
}

func TestResourceGuardCPUBrake(t *testing.T) {
	g := NewResourceGuard(10, 0, zerolog.Nop())
	g.setCPUPercent(95.0)

	if ok, reason := g.Acquire(); ok || reason != "cpu overloaded" {
		t.Fatalf("acquire over cpu threshold = %v %q", ok, reason)
	}

	g.setCPUPercent(40.0)
	if ok, _ := g.Acquire(); !ok {
		t.Fatal("acquire should succeed under the cpu threshold")
	}
}
