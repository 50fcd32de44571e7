// Package cleanup purges old tombstones. Everything here is best effort:
// failures are logged and the next tick tries again.
package cleanup

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"execstore/internal/domain"
	"execstore/internal/logger"
	"execstore/internal/metrics"
	"execstore/internal/repo"
)

const (
	DefaultRetention = 72 * time.Hour
	DefaultInterval  = 10 * time.Minute
	DefaultBatch     = 500
)

// Sweeper deletes tombstones older than Retention for both execution types.
type Sweeper struct {
	Repo      repo.Repo
	Retention time.Duration
	Interval  time.Duration
	Batch     int
	// RatePerSecond bounds purge batches per second per type. Zero means
	// unlimited.
	RatePerSecond float64
	Metrics       metrics.Sink
	Log           logger.Logger
	Now           func() time.Time
}

func (s Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run sweeps every Interval until ctx is done.
func (s Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce purges what is due now and returns how many tombstones went.
// It never fails.
func (s Sweeper) SweepOnce(ctx context.Context) int {
	retention := s.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := s.now().Add(-retention)
	counts := make([]int, 2)
	var g errgroup.Group
	for i, t := range []domain.ExecutionType{domain.Pipeline, domain.Orchestration} {
		i, t := i, t
		g.Go(func() error {
			counts[i] = s.sweepType(ctx, t, cutoff)
			return nil
		})
	}
	_ = g.Wait()
	total := counts[0] + counts[1]
	if total > 0 {
		metrics.OrNop(s.Metrics).TombstonesPurged(total)
		logger.OrNop(s.Log).Infof("purged %d tombstones older than %s", total, cutoff.Format(time.RFC3339))
	}
	return total
}

func (s Sweeper) sweepType(ctx context.Context, t domain.ExecutionType, cutoff time.Time) int {
	log := logger.OrNop(s.Log)
	batch := s.Batch
	if batch <= 0 {
		batch = DefaultBatch
	}
	limit := rate.Inf
	if s.RatePerSecond > 0 {
		limit = rate.Limit(s.RatePerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)
	purged := 0
	for {
		if err := limiter.Wait(ctx); err != nil {
			return purged
		}
		due, err := s.Repo.Tombstones(ctx, t, cutoff, batch)
		if err != nil {
			log.Warnf("listing %s tombstones: %v", t, err)
			return purged
		}
		if len(due) == 0 {
			return purged
		}
		ids := make([]string, len(due))
		for i, ts := range due {
			ids[i] = ts.ExecutionID
		}
		n, err := s.Repo.PurgeTombstones(ctx, t, ids)
		if err != nil {
			log.Warnf("purging %d %s tombstones: %v", len(ids), t, err)
			return purged
		}
		purged += n
		if len(due) < batch {
			return purged
		}
	}
}
