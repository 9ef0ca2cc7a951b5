package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"genflow/internal/domain"
)

// Retry backoff: min(1s * 2^(retry-1) + jitter, 60s), jitter uniform in
// [0, 500ms).
const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 60 * time.Second
	retryJitterMax = 500 * time.Millisecond
)

func backoffDelay(retry int) time.Duration {
	d := retryBaseDelay
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= retryMaxDelay {
			d = retryMaxDelay
			break
		}
	}
	d += time.Duration(rand.Int63n(int64(retryJitterMax)))
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	return d
}

type attemptOutcome struct {
	result json.RawMessage
	err    error
}

// execute runs one task attempt on an assigned worker: it races the handler
// against the task timeout, then routes the outcome into completion, retry or
// dead-letter. Handler errors never propagate to the caller; a TaskResult is
// recorded and the worker freed on every branch.
func (s *Scheduler) execute(ctx context.Context, taskID, workerID string) {
	start := time.Now()
	if err := s.store.MarkRunning(taskID, workerID, start); err != nil {
		s.pool.Release(workerID, true, time.Now())
		return
	}
	task, err := s.store.Task(taskID)
	if err != nil {
		s.pool.Release(workerID, true, time.Now())
		return
	}

	outcome := s.runAttempt(ctx, task, workerID)
	duration := time.Since(start)
	now := time.Now()

	res := domain.TaskResult{
		TaskID:      taskID,
		Success:     outcome.err == nil,
		Result:      outcome.result,
		Duration:    duration,
		WorkerID:    workerID,
		CompletedAt: now,
	}

	if outcome.err == nil {
		unblocked, cerr := s.store.CompleteTask(taskID, outcome.result, now)
		if cerr == nil {
			s.log.Info().
				Str("task_id", taskID).
				Str("worker_id", workerID).
				Dur("duration", duration).
				Int("unblocked", len(unblocked)).
				Msg("task completed")
		}
		s.pool.Release(workerID, false, now)
		s.record(res)
		return
	}

	res.Error = outcome.err.Error()
	if task.RetryCount < task.MaxRetries {
		delay := backoffDelay(task.RetryCount + 1)
		if rerr := s.store.RetryTask(taskID, res.Error, delay, now); rerr != nil {
			s.log.Error().Str("task_id", taskID).Err(rerr).Msg("retry bookkeeping failed")
		}
	} else {
		entry, ferr := s.store.FailTask(taskID, res.Error, now)
		if ferr == nil && s.sink != nil {
			if aerr := s.sink.RecordDeadLetter(context.Background(), entry); aerr != nil {
				s.log.Warn().Str("entry_id", entry.ID).Err(aerr).Msg("dead letter archive failed")
			}
		}
	}
	s.pool.Release(workerID, true, now)
	s.record(res)
}

// runAttempt races the handler against the task timeout. The attempt runs in
// its own goroutine so a handler that ignores its context cannot wedge a
// worker past the deadline.
func (s *Scheduler) runAttempt(ctx context.Context, task domain.Task, workerID string) attemptOutcome {
	def, ok := s.store.Definition(task.DefinitionID)
	if !ok || def.Handler == nil {
		return attemptOutcome{err: domain.ErrDefinitionNotFound}
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ec := domain.ExecContext{
		TaskID:   task.ID,
		Attempt:  task.RetryCount + 1,
		WorkerID: workerID,
	}

	done := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().
					Str("task_id", task.ID).
					Any("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("panic in handler")
				done <- attemptOutcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		result, err := def.Handler.Handle(runCtx, task.Payload, ec)
		done <- attemptOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return attemptOutcome{err: fmt.Errorf("scheduler stopping: %w", ctx.Err())}
		}
		return attemptOutcome{err: fmt.Errorf("timeout exceeded after %s", timeout)}
	}
}

func (s *Scheduler) record(res domain.TaskResult) {
	s.store.AppendResult(res)
	if s.sink != nil {
		if err := s.sink.RecordResult(context.Background(), res); err != nil {
			s.log.Warn().Str("task_id", res.TaskID).Err(err).Msg("result archive failed")
		}
	}
}
