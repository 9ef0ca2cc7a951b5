package scheduler

import (
	"context"
	"time"

	"genflow/internal/cache"
	"genflow/internal/domain"
)

// statsKey is the cache slot for the memoized snapshot.
const statsKey = "genflow:scheduler:stats"

// throughputWindow is the trailing window for the completed-per-window count.
const throughputWindow = 60 * time.Second

// Stats returns the aggregate monitoring snapshot. Snapshots are memoized in
// the cache collaborator for Config.StatsTTL to bound recomputation under
// repeated polling; cache failures degrade to a fresh computation.
func (s *Scheduler) Stats(ctx context.Context) (domain.SchedulerStats, error) {
	if s.cache != nil {
		data, ok, err := s.cache.Get(ctx, statsKey)
		if err != nil {
			s.log.Debug().Err(err).Msg("stats cache read failed")
		} else if ok {
			var st domain.SchedulerStats
			if derr := cache.Decode(data, &st); derr == nil {
				return st, nil
			}
		}
	}

	st := s.computeStats(time.Now())

	if s.cache != nil {
		if data, err := cache.Encode(st); err == nil {
			if serr := s.cache.Set(ctx, statsKey, data, s.cfg.StatsTTL); serr != nil {
				s.log.Debug().Err(serr).Msg("stats cache write failed")
			}
		}
	}
	return st, nil
}

func (s *Scheduler) computeStats(now time.Time) domain.SchedulerStats {
	total, byStatus := s.store.StatusCounts()
	workers, active := s.pool.Counts()
	_, avg := s.store.SuccessStats()

	throughput := 0
	for _, r := range s.store.ResultsSince(now.Add(-throughputWindow)) {
		if r.Success {
			throughput++
		}
	}

	return domain.SchedulerStats{
		TotalTasks:     total,
		PendingTasks:   byStatus[domain.StatusPending],
		QueuedTasks:    byStatus[domain.StatusQueued],
		RunningTasks:   byStatus[domain.StatusRunning],
		CompletedTasks: byStatus[domain.StatusCompleted],
		FailedTasks:    byStatus[domain.StatusFailed],
		DeadLetters:    len(s.store.DeadLetters()),
		Workers:        workers,
		ActiveWorkers:  active,
		QueueDepth:     s.queue.Len(),
		AvgDuration:    avg,
		Throughput:     throughput,
		GeneratedAt:    now,
	}
}
