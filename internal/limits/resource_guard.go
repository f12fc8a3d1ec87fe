package limits

import (
	"context"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

const (
	// cpuRejectThreshold is the emergency brake: above this system CPU
	// percentage new connections are refused.
	cpuRejectThreshold = 85.0

	// cpuSmoothing is the exponential moving average weight for fresh
	// CPU samples, keeping one noisy reading from flapping admission.
	cpuSmoothing = 0.3

	monitorInterval = 15 * time.Second
)

// ResourceGuard admits or refuses connections against static limits:
// a hard connection cap, a heap watermark, and a CPU brake fed by a
// background sampler. Static limits keep behavior predictable; nothing
// here auto-tunes.
type ResourceGuard struct {
	maxConns int64
	memLimit int64

	conns    atomic.Int64
	memAlloc atomic.Int64
	cpuBits  atomic.Uint64 // float64 bits of the smoothed CPU percent

	log zerolog.Logger
}

func NewResourceGuard(maxConns int, memLimit int64, log zerolog.Logger) *ResourceGuard {
	return &ResourceGuard{
		maxConns: int64(maxConns),
		memLimit: memLimit,
		log:      log.With().Str("component", "resource_guard").Logger(),
	}
}

// Acquire claims a connection slot. The caller must Release exactly once
// when the connection ends. A refusal comes with the reason, suitable
// for a log line or a 503 body.
func (g *ResourceGuard) Acquire() (bool, string) {
	if g.memLimit > 0 && g.memAlloc.Load() > g.memLimit {
		return false, "memory limit exceeded"
	}
	if g.cpuPercent() > cpuRejectThreshold {
		return false, "cpu overloaded"
	}
	for {
		cur := g.conns.Load()
		if cur >= g.maxConns {
			return false, "at max connections"
		}
		if g.conns.CompareAndSwap(cur, cur+1) {
			return true, ""
		}
	}
}

func (g *ResourceGuard) Release() {
	g.conns.Add(-1)
}

// Connections returns the number of currently held slots.
func (g *ResourceGuard) Connections() int64 {
	return g.conns.Load()
}

func (g *ResourceGuard) cpuPercent() float64 {
	return math.Float64frombits(g.cpuBits.Load())
}

func (g *ResourceGuard) setCPUPercent(v float64) {
	g.cpuBits.Store(math.Float64bits(v))
}

// StartMonitor samples heap use and system CPU until ctx ends. The CPU
// read blocks for a second per sample, which is why it lives out here
// and not on the admission path.
func (g *ResourceGuard) StartMonitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(monitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sample()
			}
		}
	}()
}

func (g *ResourceGuard) sample() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	g.memAlloc.Store(int64(mem.Alloc))

	percents, err := cpu.Percent(time.Second, false)
	if err != nil || len(percents) == 0 {
		g.log.Debug().Err(err).Msg("cpu sample unavailable")
		return
	}
	prev := g.cpuPercent()
	next := percents[0]
	if prev > 0 {
		next = cpuSmoothing*next + (1-cpuSmoothing)*prev
	}
	g.setCPUPercent(next)

	g.log.Debug().
		Float64("cpu_percent", next).
		Int64("heap_bytes", int64(mem.Alloc)).
		Int64("connections", g.conns.Load()).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("resource sample")
}
