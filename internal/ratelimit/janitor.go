package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/abuseguard/internal/metrics"
)

// DefaultJanitorInterval is how often expired records are evicted.
const DefaultJanitorInterval = 5 * time.Minute

// Janitor periodically evicts expired rate-limit records to bound memory.
// It is started and stopped explicitly by the owner of the process.
type Janitor struct {
	limiter  *Limiter
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewJanitor creates a janitor for limiter's store. A non-positive interval
// falls back to DefaultJanitorInterval.
func NewJanitor(limiter *Limiter, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	return &Janitor{
		limiter:  limiter,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (j *Janitor) Running() bool {
	return j.running.Load()
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
// Call in a goroutine.
func (j *Janitor) Start(ctx context.Context) {
	select {
	case <-j.stop:
		return
	default:
	}
	j.running.Store(true)
	defer j.running.Store(false)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stop:
			return
		case <-ticker.C:
			j.safeSweep(ctx)
		}
	}
}

// Stop makes the loop exit. It is safe to call more than once and before
// Start; a stopped janitor cannot be started again.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stop) })
}

// SweepOnce runs a single eviction pass.
func (j *Janitor) SweepOnce(ctx context.Context) (int, error) {
	removed, err := j.limiter.Sweep(ctx)
	if removed > 0 {
		metrics.RateLimitEvictionsTotal.Add(float64(removed))
	}
	if c, ok := j.limiter.Store().(Counter); ok {
		if n, cerr := c.Len(ctx); cerr == nil {
			metrics.RateLimitRecords.Set(float64(n))
		}
	}
	return removed, err
}

func (j *Janitor) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("panic in rate-limit janitor", "panic", fmt.Sprint(r))
		}
	}()

	removed, err := j.SweepOnce(ctx)
	if err != nil {
		j.logger.Warn("rate-limit sweep failed", "error", err, "removed", removed)
		return
	}
	if removed > 0 {
		j.logger.Debug("evicted expired rate-limit records", "removed", removed)
	}
}
