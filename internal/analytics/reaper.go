package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ReapResult is the outcome of the most recent reaper run, exposed on the
// status surface.
type ReapResult struct {
	At      time.Time `json:"at"`
	Removed int64     `json:"removed"`
	Error   string    `json:"error,omitempty"`
}

// Reaper deletes expired analytics cache rows on a cron schedule, decoupled
// from the event path. Its failures are logged, never propagated.
type Reaper struct {
	cache   *Cache
	cron    *cron.Cron
	removed prometheus.Counter
	logger  *zap.Logger

	mu   sync.RWMutex
	last ReapResult
}

// NewReaper schedules the reaper and ties it to the fx lifecycle. removed
// counts reclaimed rows across runs.
func NewReaper(lc fx.Lifecycle, cache *Cache, schedule string, removed prometheus.Counter, logger *zap.Logger) (*Reaper, error) {
	r := &Reaper{
		cache:   cache,
		cron:    cron.New(),
		removed: removed,
		logger:  logger,
	}

	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting analytics cache reaper", zap.String("schedule", schedule))
			r.cron.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopCtx := r.cron.Stop()
			select {
			case <-stopCtx.Done():
			case <-ctx.Done():
			}
			logger.Info("analytics cache reaper stopped")
			return nil
		},
	})

	return r, nil
}

// LastResult returns the outcome of the most recent run.
func (r *Reaper) LastResult() ReapResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

func (r *Reaper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result := ReapResult{At: time.Now()}
	removed, err := r.cache.Reap(ctx)
	if err != nil {
		result.Error = err.Error()
		r.logger.Warn("analytics cache reap failed", zap.Error(err))
	} else {
		result.Removed = removed
		r.removed.Add(float64(removed))
		if removed > 0 {
			r.logger.Info("reaped expired analytics cache entries", zap.Int64("removed", removed))
		}
	}

	r.mu.Lock()
	r.last = result
	r.mu.Unlock()
}
