package ingest

import (
	"context"
	"log/slog"
	"time"

	"bustracker/internal/clock"
	"bustracker/internal/tseries"
)

// CurrentStateMaxAge is how long a live-state row survives without an
// update before the sweep removes it.
const CurrentStateMaxAge = 5 * time.Minute

// CurrentStateCleaner is the slice of the relational store the sweep uses;
// *storage.DB satisfies it.
type CurrentStateCleaner interface {
	CleanupCurrentState(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error)
	PrunePredictions(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error)
}

// Sweeper periodically trims expired data: stale current-state rows, old
// predictions, and trip series past retention.
type Sweeper struct {
	db     CurrentStateCleaner
	series tseries.Store
	clk    clock.Clock
	log    *slog.Logger
}

func NewSweeper(db CurrentStateCleaner, series tseries.Store, clk clock.Clock, log *slog.Logger) *Sweeper {
	return &Sweeper{db: db, series: series, clk: clk, log: log}
}

// Run performs one sweep pass. Errors are logged and the pass continues;
// sweeping is best-effort.
func (s *Sweeper) Run(ctx context.Context) {
	now := s.clk.Now()

	if n, err := s.db.CleanupCurrentState(ctx, now, CurrentStateMaxAge); err != nil {
		s.log.Warn("current-state cleanup failed", "err", err)
	} else if n > 0 {
		s.log.Debug("current-state rows removed", "count", n)
	}

	if _, err := s.db.PrunePredictions(ctx, now, tseries.Retention); err != nil {
		s.log.Warn("prediction prune failed", "err", err)
	}

	s.sweepSeries(ctx, now)
}

// sweepSeries deletes whole trip keys whose newest point is past retention
// and trims old points from the rest.
func (s *Sweeper) sweepSeries(ctx context.Context, now time.Time) {
	cutoff := now.Add(-tseries.Retention).Unix()
	for _, glob := range []string{"bus:*", "train:*"} {
		keys, err := s.series.Keys(ctx, glob)
		if err != nil {
			s.log.Warn("series key scan failed", "glob", glob, "err", err)
			continue
		}
		if len(keys) == 0 {
			continue
		}
		latests, err := s.series.BatchLatest(ctx, keys)
		if err != nil {
			s.log.Warn("series latest scan failed", "glob", glob, "err", err)
			continue
		}
		for i, latest := range latests {
			switch {
			case latest == nil || latest.TS <= cutoff:
				if err := s.series.Delete(ctx, keys[i]); err != nil {
					s.log.Warn("series delete failed", "key", keys[i], "err", err)
				}
			default:
				if err := s.series.DeleteBefore(ctx, keys[i], cutoff); err != nil {
					s.log.Warn("series trim failed", "key", keys[i], "err", err)
				}
			}
		}
	}
}
