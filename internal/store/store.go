// Package store owns all scheduler state: task definitions, tasks and their
// dependency edges, cron jobs, dead-letter entries and the execution result
// log. Callers receive copies; the structs inside the store are never aliased
// out.
package store

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genflow/internal/domain"
)

type Store struct {
	mu     sync.RWMutex
	log    zerolog.Logger
	strict bool

	defs  map[string]domain.Definition
	tasks map[string]*domain.Task
	crons map[string]*domain.CronJob
	dead  map[string]*domain.DeadLetterEntry

	// results is chronological; latest holds the index of the newest result
	// per task id.
	results []domain.TaskResult
	latest  map[string]int
}

// New creates an empty store. strict makes definition registration reject
// duplicate ids instead of silently overwriting.
func New(strict bool, log zerolog.Logger) *Store {
	return &Store{
		log:    log,
		strict: strict,
		defs:   make(map[string]domain.Definition),
		tasks:  make(map[string]*domain.Task),
		crons:  make(map[string]*domain.CronJob),
		dead:   make(map[string]*domain.DeadLetterEntry),
		latest: make(map[string]int),
	}
}

// RegisterDefinition stores a reusable task definition.
func (s *Store) RegisterDefinition(def domain.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[def.ID]; ok && s.strict {
		return domain.ErrDefinitionExists
	}
	s.defs[def.ID] = def
	s.log.Info().Str("definition_id", def.ID).Str("name", def.Name).Msg("definition registered")
	return nil
}

// Definition looks up a registered definition.
func (s *Store) Definition(id string) (domain.Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[id]
	return def, ok
}

// TaskSpec is the caller-controlled portion of a new task. Zero fields fall
// back to the definition defaults.
type TaskSpec struct {
	Priority    *int
	ScheduledAt time.Time
	DependsOn   []string
	Tags        []string
	MaxRetries  *int
	Timeout     time.Duration
	Payload     json.RawMessage
}

// CreateTask instantiates a pending task from a definition.
func (s *Store) CreateTask(defID string, spec TaskSpec, now time.Time) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.defs[defID]
	if !ok {
		return domain.Task{}, domain.ErrDefinitionNotFound
	}

	t := &domain.Task{
		ID:           "tsk_" + uuid.NewString(),
		DefinitionID: defID,
		Payload:      spec.Payload,
		Status:       domain.StatusPending,
		Priority:     def.Priority,
		ScheduledAt:  now,
		RetryCount:   0,
		MaxRetries:   def.MaxRetries,
		Timeout:      def.Timeout,
		DependsOn:    append([]string(nil), spec.DependsOn...),
		Tags:         append([]string(nil), def.Tags...),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if spec.Priority != nil {
		t.Priority = *spec.Priority
	}
	if !spec.ScheduledAt.IsZero() {
		t.ScheduledAt = spec.ScheduledAt
	}
	if spec.MaxRetries != nil {
		t.MaxRetries = *spec.MaxRetries
	}
	if spec.Timeout > 0 {
		t.Timeout = spec.Timeout
	}
	if len(spec.Tags) > 0 {
		t.Tags = append(t.Tags, spec.Tags...)
	}

	s.tasks[t.ID] = t
	s.log.Info().
		Str("task_id", t.ID).
		Str("definition_id", defID).
		Int("priority", t.Priority).
		Time("scheduled_at", t.ScheduledAt).
		Strs("depends_on", t.DependsOn).
		Msg("task scheduled")
	return *t, nil
}

// Task returns a copy of the task.
func (s *Store) Task(id string) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return *t, nil
}

// Tasks returns copies of every task.
func (s *Store) Tasks() []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}

// CancelTask flips a pending or queued task to cancelled. Running and terminal
// tasks are left alone: dispatched work is never preempted.
func (s *Store) CancelTask(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != domain.StatusPending && t.Status != domain.StatusQueued {
		return false
	}
	t.Status = domain.StatusCancelled
	t.UpdatedAt = now
	s.log.Info().Str("task_id", id).Msg("task cancelled")
	return true
}

// depsCompletedLocked reports whether every dependency of t is completed.
// A dependency id that does not resolve to a task counts as unmet.
func (s *Store) depsCompletedLocked(t *domain.Task) bool {
	for _, depID := range t.DependsOn {
		dep, ok := s.tasks[depID]
		if !ok || dep.Status != domain.StatusCompleted {
			return false
		}
	}
	return true
}

// PromoteReady flips every pending task whose scheduledAt has passed and whose
// dependencies are all completed into queued, and returns copies for the tick
// loop to enqueue. Each task crosses pending->queued at most once, which is
// what keeps the priority queue free of duplicates. The evaluation is
// idempotent: calling it again immediately returns nothing new.
func (s *Store) PromoteReady(now time.Time) []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []domain.Task
	for _, t := range s.tasks {
		if t.Status != domain.StatusPending || t.ScheduledAt.After(now) {
			continue
		}
		if !s.depsCompletedLocked(t) {
			continue
		}
		t.Status = domain.StatusQueued
		t.UpdatedAt = now
		ready = append(ready, *t)
	}
	return ready
}

// MarkRunning records dispatch of a queued task to a worker. Only a queued
// task may start: a cancel that lands between the dispatcher's status check
// and this call wins, and the task stays cancelled.
func (s *Store) MarkRunning(id, workerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if t.Status != domain.StatusQueued {
		return domain.ErrTaskNotQueued
	}
	started := now
	t.Status = domain.StatusRunning
	t.WorkerID = workerID
	t.StartedAt = &started
	t.UpdatedAt = now
	return nil
}

// CompleteTask marks a running task completed and returns the ids of
// dependents that became fully unblocked by this completion. The actual
// enqueue of those dependents happens on the next tick via PromoteReady.
func (s *Store) CompleteTask(id string, result json.RawMessage, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	done := now
	t.Status = domain.StatusCompleted
	t.Result = result
	t.WorkerID = ""
	t.CompletedAt = &done
	t.UpdatedAt = now

	var unblocked []string
	for _, dep := range s.tasks {
		if dep.Status != domain.StatusPending || !dependsOn(dep, id) {
			continue
		}
		if s.depsCompletedLocked(dep) {
			unblocked = append(unblocked, dep.ID)
		}
	}
	return unblocked, nil
}

func dependsOn(t *domain.Task, id string) bool {
	for _, d := range t.DependsOn {
		if d == id {
			return true
		}
	}
	return false
}

// RetryTask resets a failed running task to pending with a backoff delay.
// The retry counter never exceeds MaxRetries; the caller routes exhausted
// tasks through FailTask instead.
func (s *Store) RetryTask(id, errMsg string, delay time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	t.RetryCount++
	t.Status = domain.StatusPending
	t.ScheduledAt = now.Add(delay)
	t.StartedAt = nil
	t.CompletedAt = nil
	t.WorkerID = ""
	t.Error = ""
	t.UpdatedAt = now
	s.log.Warn().
		Str("task_id", id).
		Int("retry", t.RetryCount).
		Int("max_retries", t.MaxRetries).
		Dur("delay", delay).
		Str("error", errMsg).
		Msg("task retried")
	return nil
}

// FailTask marks a running task permanently failed and produces the
// dead-letter entry holding its final snapshot.
func (s *Store) FailTask(id, reason string, now time.Time) (domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.DeadLetterEntry{}, domain.ErrTaskNotFound
	}
	done := now
	t.Status = domain.StatusFailed
	t.Error = reason
	t.WorkerID = ""
	t.CompletedAt = &done
	t.UpdatedAt = now

	entry := &domain.DeadLetterEntry{
		ID:       "dlq_" + t.ID,
		Task:     *t,
		Reason:   reason,
		Attempts: t.RetryCount + 1,
		DeadAt:   now,
		CanRetry: true,
	}
	s.dead[entry.ID] = entry
	s.log.Error().
		Str("task_id", id).
		Str("entry_id", entry.ID).
		Int("attempts", entry.Attempts).
		Str("reason", reason).
		Msg("task dead-lettered")
	return *entry, nil
}

// RequeueDeadLetter clones the captured task back into the store as a fresh
// pending task. Each entry is requeueable exactly once; a stale entry yields
// (nil, nil).
func (s *Store) RequeueDeadLetter(entryID string, now time.Time) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.dead[entryID]
	if !ok {
		return nil, domain.ErrDeadLetterNotFound
	}
	if !entry.CanRetry {
		return nil, nil
	}
	entry.CanRetry = false

	t := entry.Task
	t.Status = domain.StatusPending
	t.RetryCount = 0
	t.ScheduledAt = now
	t.StartedAt = nil
	t.CompletedAt = nil
	t.WorkerID = ""
	t.Error = ""
	t.Result = nil
	t.UpdatedAt = now
	s.tasks[t.ID] = &t

	s.log.Info().Str("entry_id", entryID).Str("task_id", t.ID).Msg("dead letter requeued")
	cp := t
	return &cp, nil
}

// DeadLetters returns copies of every dead-letter entry.
func (s *Store) DeadLetters() []domain.DeadLetterEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DeadLetterEntry, 0, len(s.dead))
	for _, e := range s.dead {
		out = append(out, *e)
	}
	return out
}

// AppendResult records an execution outcome.
func (s *Store) AppendResult(res domain.TaskResult) {
	s.mu.Lock()
	s.results = append(s.results, res)
	s.latest[res.TaskID] = len(s.results) - 1
	s.mu.Unlock()
}

// ResultFor returns the most recent result recorded for a task.
func (s *Store) ResultFor(taskID string) (domain.TaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.latest[taskID]
	if !ok {
		return domain.TaskResult{}, domain.ErrResultNotFound
	}
	return s.results[idx], nil
}

// ResultsSince returns results completed at or after the cutoff.
func (s *Store) ResultsSince(cutoff time.Time) []domain.TaskResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.TaskResult
	for _, r := range s.results {
		if !r.CompletedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// SuccessStats returns the count and mean duration of successful results.
func (s *Store) SuccessStats() (count int, avg time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total time.Duration
	for _, r := range s.results {
		if r.Success {
			count++
			total += r.Duration
		}
	}
	if count > 0 {
		avg = total / time.Duration(count)
	}
	return count, avg
}

// StatusCounts tallies tasks by status.
func (s *Store) StatusCounts() (total int, byStatus map[domain.Status]int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byStatus = make(map[domain.Status]int)
	for _, t := range s.tasks {
		byStatus[t.Status]++
	}
	return len(s.tasks), byStatus
}
