package scheduler

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"genflow/internal/cache"
	"genflow/internal/domain"
	"genflow/internal/pqueue"
)

func newTestScheduler(t *testing.T, workers int) *Scheduler {
	t.Helper()
	return New(Config{
		Workers:        workers,
		TickInterval:   10 * time.Millisecond,
		DefaultTimeout: 2 * time.Second,
		Logger:         zerolog.Nop(),
	}, nil, nil)
}

func instantHandler() domain.Handler {
	return domain.HandlerFunc(func(_ context.Context, _ json.RawMessage, _ domain.ExecContext) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
}

func registerDef(t *testing.T, s *Scheduler, id string, h domain.Handler, maxRetries int) {
	t.Helper()
	require.NoError(t, s.RegisterDefinition(domain.Definition{
		ID:         id,
		Name:       id,
		Handler:    h,
		MaxRetries: maxRetries,
		Timeout:    time.Second,
		Priority:   5,
	}))
}

// tickUntil drives the loop manually with an advancing synthetic clock until
// cond holds. Manual ticks keep the scenarios deterministic.
func tickUntil(t *testing.T, s *Scheduler, cond func() bool) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not reached")
		default:
		}
		s.tick(ctx, now)
		now = now.Add(30 * time.Second) // past any backoff delay
		time.Sleep(5 * time.Millisecond)
	}
	s.dispatchWG.Wait()
}

func taskStatus(s *Scheduler, id string) domain.Status {
	task, err := s.GetTask(id)
	if err != nil {
		return ""
	}
	return task.Status
}

func TestScheduleTask_UnknownDefinition(t *testing.T) {
	s := newTestScheduler(t, 1)
	_, err := s.ScheduleTask("missing", nil)
	require.ErrorIs(t, err, domain.ErrDefinitionNotFound)

	_, err = s.ScheduleCron("missing", "* * * * *", "x", nil)
	require.ErrorIs(t, err, domain.ErrDefinitionNotFound)
}

func TestScheduleCron_BadExpression(t *testing.T) {
	s := newTestScheduler(t, 1)
	registerDef(t, s, "gen", instantHandler(), 0)
	_, err := s.ScheduleCron("gen", "every day at nine", "x", nil)
	require.Error(t, err)
	_, err = s.ScheduleCron("gen", "0 0 30 2 *", "never", nil)
	require.Error(t, err, "unsatisfiable expression must fail at schedule time")
}

// Task B depends on A: B stays pending until A completes, then is promoted
// and runs on a subsequent tick.
func TestDependency_PromotionAfterCompletion(t *testing.T) {
	s := newTestScheduler(t, 2)
	registerDef(t, s, "gen", instantHandler(), 0)

	a, err := s.ScheduleTask("gen", nil)
	require.NoError(t, err)
	b, err := s.ScheduleTask("gen", nil, WithDependsOn(a.ID))
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now()
	s.tick(ctx, now)
	s.dispatchWG.Wait()
	require.Equal(t, domain.StatusCompleted, taskStatus(s, a.ID))
	require.Equal(t, domain.StatusPending, taskStatus(s, b.ID), "B promotes on the next tick, not mid-execution")

	s.tick(ctx, now.Add(time.Second))
	s.dispatchWG.Wait()
	require.Equal(t, domain.StatusCompleted, taskStatus(s, b.ID))

	res, err := s.GetTaskResult(b.ID)
	require.NoError(t, err)
	require.True(t, res.Success)
}

// A task with an incomplete dependency is never dispatched, even when due and
// high priority.
func TestDependency_NeverDispatchedWhileBlocked(t *testing.T) {
	s := newTestScheduler(t, 2)
	registerDef(t, s, "gen", instantHandler(), 0)

	blocked, err := s.ScheduleTask("gen", nil, WithDependsOn("tsk_never-completes"), WithPriority(100))
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 5; i++ {
		s.tick(ctx, now.Add(time.Duration(i)*time.Minute))
	}
	s.dispatchWG.Wait()
	require.Equal(t, domain.StatusPending, taskStatus(s, blocked.ID))
}

// Three equal-priority ready tasks on a two-worker pool: at most two run
// concurrently; the third dispatches only after a worker frees.
func TestWorkerBound_ThreeTasksTwoWorkers(t *testing.T) {
	s := newTestScheduler(t, 2)

	gate := make(chan struct{})
	var running atomic.Int32
	var peak atomic.Int32
	h := domain.HandlerFunc(func(ctx context.Context, _ json.RawMessage, _ domain.ExecContext) (json.RawMessage, error) {
		n := running.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		defer running.Add(-1)
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return nil, nil
	})
	require.NoError(t, s.RegisterDefinition(domain.Definition{
		ID: "slow", Name: "slow", Handler: h, Timeout: 5 * time.Second, Priority: 5,
	}))

	var ids []string
	for i := 0; i < 3; i++ {
		task, err := s.ScheduleTask("slow", nil)
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	ctx := context.Background()
	now := time.Now()
	s.tick(ctx, now)

	require.Eventually(t, func() bool { return running.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	s.tick(ctx, now)
	require.Equal(t, int32(2), running.Load(), "third task must wait for a free worker")

	_, active := s.pool.Counts()
	require.Equal(t, 2, active)

	gate <- struct{}{} // free one worker
	require.Eventually(t, func() bool { return s.pool.IdleCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.tick(ctx, now.Add(time.Second))
	require.Eventually(t, func() bool { return running.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.LessOrEqual(t, peak.Load(), int32(2))

	close(gate)
	s.dispatchWG.Wait()
	for _, id := range ids {
		require.Equal(t, domain.StatusCompleted, taskStatus(s, id))
	}
}

// A handler that always fails with maxRetries=2 executes exactly 3 times,
// ends failed, and leaves a dead-letter entry with attempts=3.
func TestRetryExhaustion_DeadLetter(t *testing.T) {
	s := newTestScheduler(t, 1)

	var attempts atomic.Int32
	var lastAttempt atomic.Int32
	h := domain.HandlerFunc(func(_ context.Context, _ json.RawMessage, ec domain.ExecContext) (json.RawMessage, error) {
		attempts.Add(1)
		lastAttempt.Store(int32(ec.Attempt))
		return nil, context.DeadlineExceeded // any handler error
	})
	registerDef(t, s, "flaky", h, 2)

	task, err := s.ScheduleTask("flaky", nil)
	require.NoError(t, err)

	tickUntil(t, s, func() bool { return taskStatus(s, task.ID) == domain.StatusFailed })
	require.Equal(t, int32(3), attempts.Load())
	require.Equal(t, int32(3), lastAttempt.Load(), "ExecContext.Attempt is 1-based")

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.RetryCount, "retryCount never exceeds maxRetries")
	require.NotEmpty(t, got.Error)

	entries := s.DeadLetterEntries()
	require.Len(t, entries, 1)
	require.Equal(t, "dlq_"+task.ID, entries[0].ID)
	require.Equal(t, 3, entries[0].Attempts)
	require.True(t, entries[0].CanRetry)

	// One-shot requeue.
	requeued, err := s.ProcessDeadLetter(entries[0].ID)
	require.NoError(t, err)
	require.NotNil(t, requeued)
	require.Equal(t, domain.StatusPending, requeued.Status)

	again, err := s.ProcessDeadLetter(entries[0].ID)
	require.NoError(t, err)
	require.Nil(t, again)
}

// A handler that outruns its timeout is treated like any other failure.
func TestTimeout_FeedsRetryPipeline(t *testing.T) {
	s := newTestScheduler(t, 1)

	h := domain.HandlerFunc(func(ctx context.Context, _ json.RawMessage, _ domain.ExecContext) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, s.RegisterDefinition(domain.Definition{
		ID: "hang", Name: "hang", Handler: h, Timeout: 30 * time.Millisecond, MaxRetries: 0, Priority: 5,
	}))

	task, err := s.ScheduleTask("hang", nil)
	require.NoError(t, err)

	tickUntil(t, s, func() bool { return taskStatus(s, task.ID) == domain.StatusFailed })
	got, _ := s.GetTask(task.ID)
	require.Contains(t, got.Error, "timeout exceeded")

	entries := s.DeadLetterEntries()
	require.Len(t, entries, 1)
	require.Equal(t, 1, entries[0].Attempts)
}

// An every-minute cron fires once per due tick and every spawned task is
// independently schedulable work.
func TestCron_EveryMinuteThreeTicks(t *testing.T) {
	s := newTestScheduler(t, 2)
	registerDef(t, s, "gen", instantHandler(), 0)

	job, err := s.ScheduleCron("gen", "* * * * *", "minutely", json.RawMessage(`{"topic":"go"}`))
	require.NoError(t, err)
	require.True(t, job.Enabled)

	ctx := context.Background()
	now := job.NextRunAt
	for i := 0; i < 3; i++ {
		s.tick(ctx, now)
		now = now.Add(61 * time.Second)
	}
	s.dispatchWG.Wait()

	got, err := s.GetCronJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, 3, got.RunCount)
	require.Zero(t, got.FailCount)
	require.True(t, got.NextRunAt.After(now.Add(-61*time.Second)))

	tasks := s.store.Tasks()
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		require.Equal(t, domain.StatusCompleted, task.Status)
		require.JSONEq(t, `{"topic":"go"}`, string(task.Payload))
	}
}

func TestCancelTask_PreventsDispatch(t *testing.T) {
	s := newTestScheduler(t, 1)
	registerDef(t, s, "gen", instantHandler(), 0)

	task, err := s.ScheduleTask("gen", nil, WithScheduledAt(time.Now().Add(time.Hour)))
	require.NoError(t, err)
	require.True(t, s.CancelTask(task.ID))
	require.False(t, s.CancelTask(task.ID), "terminal tasks cancel as no-op")

	ctx := context.Background()
	s.tick(ctx, time.Now().Add(2*time.Hour))
	s.dispatchWG.Wait()
	require.Equal(t, domain.StatusCancelled, taskStatus(s, task.ID))
	_, err = s.GetTaskResult(task.ID)
	require.ErrorIs(t, err, domain.ErrResultNotFound)
}

// A task cancelled after promotion is discarded when popped, not dispatched.
func TestCancelTask_DiscardedFromQueue(t *testing.T) {
	s := newTestScheduler(t, 1)
	registerDef(t, s, "gen", instantHandler(), 0)

	task, err := s.ScheduleTask("gen", nil)
	require.NoError(t, err)

	// Promote and enqueue by hand so the cancel lands between enqueue and
	// dispatch.
	now := time.Now()
	ready := s.store.PromoteReady(now)
	require.Len(t, ready, 1)
	s.queue.Push(pqueue.Item{TaskID: task.ID, Priority: ready[0].Priority, ScheduledAt: ready[0].ScheduledAt})
	require.Equal(t, domain.StatusQueued, taskStatus(s, task.ID))
	require.True(t, s.CancelTask(task.ID))

	s.tick(context.Background(), now)
	s.dispatchWG.Wait()
	require.Equal(t, domain.StatusCancelled, taskStatus(s, task.ID))
	require.Zero(t, s.queue.Len())
	_, err = s.GetTaskResult(task.ID)
	require.ErrorIs(t, err, domain.ErrResultNotFound)
}

func TestPriority_HigherDispatchesFirst(t *testing.T) {
	s := newTestScheduler(t, 1)

	order := make(chan string, 2)
	h := domain.HandlerFunc(func(_ context.Context, payload json.RawMessage, _ domain.ExecContext) (json.RawMessage, error) {
		order <- string(payload)
		return nil, nil
	})
	registerDef(t, s, "gen", h, 0)

	low, err := s.ScheduleTask("gen", json.RawMessage(`"low"`), WithPriority(1))
	require.NoError(t, err)
	high, err := s.ScheduleTask("gen", json.RawMessage(`"high"`), WithPriority(9))
	require.NoError(t, err)

	tickUntil(t, s, func() bool {
		return taskStatus(s, low.ID) == domain.StatusCompleted &&
			taskStatus(s, high.ID) == domain.StatusCompleted
	})
	require.Equal(t, `"high"`, <-order)
	require.Equal(t, `"low"`, <-order)
}

func TestBackoffDelay_MonotoneAndCapped(t *testing.T) {
	prevMax := time.Duration(0)
	for retry := 1; retry <= 12; retry++ {
		lower := retryBaseDelay << (retry - 1)
		if lower > retryMaxDelay {
			lower = retryMaxDelay
		}
		for i := 0; i < 50; i++ {
			d := backoffDelay(retry)
			require.GreaterOrEqual(t, d, lower, "retry %d", retry)
			require.LessOrEqual(t, d, retryMaxDelay)
			require.GreaterOrEqual(t, d, prevMax-retryJitterMax, "non-decreasing in retry count")
		}
		prevMax = lower
	}
	require.Equal(t, retryMaxDelay, backoffDelay(30), "deep retries hit the cap exactly")
}

func TestStats_MemoizedInCache(t *testing.T) {
	mem := cache.NewMemory()
	s := New(Config{Workers: 2, StatsTTL: time.Minute, Logger: zerolog.Nop()}, mem, nil)
	registerDef(t, s, "gen", instantHandler(), 0)

	_, err := s.ScheduleTask("gen", nil)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.TotalTasks)
	require.Equal(t, 2, first.Workers)

	// State changes, but the TTL has not lapsed: the snapshot is served
	// from cache.
	_, err = s.ScheduleTask("gen", nil)
	require.NoError(t, err)
	second, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, second.TotalTasks)
}

func TestStats_Computation(t *testing.T) {
	s := newTestScheduler(t, 2)
	registerDef(t, s, "gen", instantHandler(), 0)

	task, err := s.ScheduleTask("gen", nil)
	require.NoError(t, err)
	tickUntil(t, s, func() bool { return taskStatus(s, task.ID) == domain.StatusCompleted })

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, st.TotalTasks)
	require.Equal(t, 1, st.CompletedTasks)
	require.Equal(t, 1, st.Throughput)
	require.Zero(t, st.DeadLetters)
	require.Equal(t, 2, st.Workers)
	require.Zero(t, st.ActiveWorkers)
	require.Zero(t, st.QueueDepth)
}

func TestStartStop_Lifecycle(t *testing.T) {
	s := newTestScheduler(t, 2)
	registerDef(t, s, "gen", instantHandler(), 0)

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx) // double start is a no-op

	task, err := s.ScheduleTask("gen", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return taskStatus(s, task.ID) == domain.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	s.Stop(stopCtx)
	s.Stop(stopCtx) // idempotent
}
