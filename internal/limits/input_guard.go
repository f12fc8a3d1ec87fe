// Package limits holds the replica-local admission guards: per-user
// input frequency, per-IP connection rate, and process resource brakes.
// Everything here is in-memory and deliberately ignorant of the store;
// the distributed rate limits live in the ratelimit package.
package limits

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	guardJanitorInterval = 5 * time.Minute
	guardIdleAge         = 10 * time.Minute
)

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// InputGuard throttles how many events one user may push into this
// replica per minute, before any store round-trip is spent on them.
type InputGuard struct {
	mu        sync.Mutex
	users     map[string]*userBucket
	perMinute int
	now       func() time.Time
}

func NewInputGuard(perMinute int) *InputGuard {
	return &InputGuard{
		users:     make(map[string]*userBucket),
		perMinute: perMinute,
		now:       time.Now,
	}
}

// Allow reports whether the user has budget for one more event.
func (g *InputGuard) Allow(userID string) bool {
	g.mu.Lock()
	b, ok := g.users[userID]
	if !ok {
		b = &userBucket{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(g.perMinute)), g.perMinute),
		}
		g.users[userID] = b
	}
	b.lastSeen = g.now()
	g.mu.Unlock()

	return b.limiter.Allow()
}

// StartJanitor drops buckets for users idle long enough that their
// bucket is full again anyway.
func (g *InputGuard) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(guardJanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sweep()
			}
		}
	}()
}

func (g *InputGuard) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-guardIdleAge)
	for userID, b := range g.users {
		if b.lastSeen.Before(cutoff) {
			delete(g.users, userID)
		}
	}
}

func (g *InputGuard) tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.users)
}
