package limits

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Global connection admission, shared across all client IPs. Generous on
// purpose; the per-IP budget is the one that bites an abusive client.
const (
	globalConnRate  = 50.0
	globalConnBurst = 300
)

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ConnRateLimiter gates websocket upgrades: a token bucket per client IP
// plus one global bucket so a distributed flood cannot starve the server
// even when each IP stays under its own budget.
type ConnRateLimiter struct {
	mu      sync.Mutex
	perIP   map[string]*ipEntry
	ipRate  rate.Limit
	ipBurst int
	global  *rate.Limiter
	log     zerolog.Logger
	now     func() time.Time
}

func NewConnRateLimiter(perIPRate float64, perIPBurst int, log zerolog.Logger) *ConnRateLimiter {
	return &ConnRateLimiter{
		perIP:   make(map[string]*ipEntry),
		ipRate:  rate.Limit(perIPRate),
		ipBurst: perIPBurst,
		global:  rate.NewLimiter(globalConnRate, globalConnBurst),
		log:     log.With().Str("component", "conn_rate").Logger(),
		now:     time.Now,
	}
}

// Allow reports whether a connection attempt from ip may proceed.
func (l *ConnRateLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.log.Debug().Str("ip", ip).Msg("connection rejected by global rate limit")
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		l.log.Debug().Str("ip", ip).Msg("connection rejected by per-ip rate limit")
		return false
	}
	return true
}

func (l *ConnRateLimiter) ipLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.perIP[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.ipRate, l.ipBurst)}
		l.perIP[ip] = entry
	}
	entry.lastSeen = l.now()
	return entry.limiter
}

// StartJanitor removes IPs that have not attempted a connection recently.
func (l *ConnRateLimiter) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(guardJanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
}

func (l *ConnRateLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-guardIdleAge)
	removed := 0
	for ip, entry := range l.perIP {
		if entry.lastSeen.Before(cutoff) {
			delete(l.perIP, ip)
			removed++
		}
	}
	if removed > 0 {
		l.log.Debug().Int("removed", removed).Int("remaining", len(l.perIP)).Msg("swept idle ip limiters")
	}
}
