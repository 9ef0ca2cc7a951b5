package scheduler

import (
	"context"
	"runtime/debug"
	"time"

	"genflow/internal/cronexpr"
	"genflow/internal/domain"
	"genflow/internal/pqueue"
	"genflow/internal/store"
)

// tick runs one driver step. Order matters: cron jobs fire first, then due
// pending tasks are promoted, then ready tasks dispatch — so a cron-spawned
// task that is due can run in the very tick that created it.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.fireCrons(now)

	for _, t := range s.store.PromoteReady(now) {
		s.queue.Push(pqueue.Item{TaskID: t.ID, Priority: t.Priority, ScheduledAt: t.ScheduledAt})
		s.log.Debug().Str("task_id", t.ID).Int("priority", t.Priority).Msg("task queued")
	}

	s.pool.Rebalance()
	s.dispatch(ctx, now)
}

// fireCrons spawns a task for every enabled job whose fire time has passed and
// advances the job to its next fire time.
func (s *Scheduler) fireCrons(now time.Time) {
	for _, c := range s.store.DueCrons(now) {
		_, err := s.store.CreateTask(c.DefinitionID, store.TaskSpec{Payload: c.Payload, ScheduledAt: now}, now)
		if err != nil {
			// Definition disappeared out from under the job; count the miss
			// but keep the schedule alive.
			s.store.MarkCronFailed(c.ID, false)
			s.log.Warn().Str("cron_id", c.ID).Err(err).Msg("cron fire produced no task")
			continue
		}

		next, err := cronexpr.NextFireTime(c.Expr, now)
		if err != nil {
			// The expression stopped yielding fire times; a dead schedule
			// must not re-fire every tick.
			s.store.MarkCronFailed(c.ID, true)
			s.log.Error().Str("cron_id", c.ID).Str("expr", c.Expr).Err(err).Msg("cron job disabled")
			continue
		}
		s.store.MarkCronRun(c.ID, now, next)
		s.log.Info().
			Str("cron_id", c.ID).
			Str("name", c.Name).
			Time("next_run", next).
			Msg("cron fired")
	}
}

// dispatch drains the priority queue while idle workers exist. Each execution
// runs in its own supervised goroutine; dispatch never blocks the tick.
func (s *Scheduler) dispatch(ctx context.Context, now time.Time) {
	for s.queue.Len() > 0 && s.pool.IdleCount() > 0 {
		it, ok := s.queue.Pop()
		if !ok {
			return
		}
		task, err := s.store.Task(it.TaskID)
		if err != nil || task.Status != domain.StatusQueued {
			// Cancelled (or otherwise moved on) after enqueue: discard.
			continue
		}
		w, ok := s.pool.Acquire(task.ID, now)
		if !ok {
			s.queue.Push(it)
			return
		}

		s.dispatchWG.Add(1)
		go func() {
			defer s.dispatchWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().
						Str("task_id", task.ID).
						Any("panic", r).
						Str("stack", string(debug.Stack())).
						Msg("panic in task dispatch")
					s.pool.Release(w.ID, true, time.Now())
				}
			}()
			s.execute(ctx, task.ID, w.ID)
		}()
	}
}
