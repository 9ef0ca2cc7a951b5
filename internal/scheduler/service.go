// Package scheduler is the execution core: a dependency-aware, priority-
// ordered, cron-triggered engine with retry/backoff, dead-letter handling and
// worker load balancing. One Scheduler instance owns all state; there is no
// package-level singleton.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"genflow/internal/cache"
	"genflow/internal/cronexpr"
	"genflow/internal/domain"
	"genflow/internal/pqueue"
	"genflow/internal/store"
	"genflow/internal/worker"
)

// Config controls one scheduler instance.
type Config struct {
	Workers           int
	TickInterval      time.Duration
	DefaultTimeout    time.Duration
	StrictDefinitions bool
	StatsTTL          time.Duration
	Logger            zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 250 * time.Millisecond
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.StatsTTL <= 0 {
		c.StatsTTL = 3 * time.Second
	}
	return c
}

// Sink receives finished results and dead-letter snapshots for archival.
// A nil sink is valid; archival failures are logged and otherwise ignored.
type Sink interface {
	RecordResult(ctx context.Context, res domain.TaskResult) error
	RecordDeadLetter(ctx context.Context, e domain.DeadLetterEntry) error
}

type Scheduler struct {
	cfg   Config
	log   zerolog.Logger
	store *store.Store
	queue *pqueue.Queue
	pool  *worker.Pool
	cache cache.Cache
	sink  Sink

	mu         sync.Mutex
	stopCh     chan struct{}
	loopDone   chan struct{}
	runCancel  context.CancelFunc
	dispatchWG sync.WaitGroup
}

// New wires a scheduler instance. cache and sink may be nil.
func New(cfg Config, c cache.Cache, sink Sink) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:   cfg,
		log:   cfg.Logger,
		store: store.New(cfg.StrictDefinitions, cfg.Logger),
		queue: pqueue.New(),
		pool:  worker.NewPool(cfg.Workers, time.Now(), cfg.Logger),
		cache: c,
		sink:  sink,
	}
}

// Start launches the tick loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	loopDone := make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	s.stopCh = stopCh
	s.loopDone = loopDone
	s.runCancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(loopDone)
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		s.log.Info().
			Int("workers", s.cfg.Workers).
			Dur("tick", s.cfg.TickInterval).
			Msg("scheduler started")
		for {
			select {
			case <-runCtx.Done():
				return
			case <-stopCh:
				return
			case now := <-ticker.C:
				s.tick(runCtx, now)
			}
		}
	}()
}

// Stop halts the tick loop and drains in-flight executions. When ctx expires
// before the drain completes, outstanding handler contexts are cancelled and
// Stop waits for them to unwind.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	loopDone := s.loopDone
	cancel := s.runCancel
	s.stopCh = nil
	s.loopDone = nil
	s.runCancel = nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}

	start := time.Now()
	close(stopCh)
	<-loopDone

	drained := make(chan struct{})
	go func() {
		s.dispatchWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		cancel()
		<-drained
	}
	cancel()
	s.log.Info().Dur("took", time.Since(start)).Msg("scheduler stopped")
}

// RegisterDefinition stores a reusable handler under an id. In strict mode a
// duplicate id is rejected; otherwise it silently overwrites.
func (s *Scheduler) RegisterDefinition(def domain.Definition) error {
	return s.store.RegisterDefinition(def)
}

// TaskOption customizes one scheduled task beyond its definition defaults.
type TaskOption func(*store.TaskSpec)

func WithPriority(p int) TaskOption {
	return func(spec *store.TaskSpec) { spec.Priority = &p }
}

func WithScheduledAt(at time.Time) TaskOption {
	return func(spec *store.TaskSpec) { spec.ScheduledAt = at }
}

func WithDependsOn(taskIDs ...string) TaskOption {
	return func(spec *store.TaskSpec) { spec.DependsOn = append(spec.DependsOn, taskIDs...) }
}

func WithTags(tags ...string) TaskOption {
	return func(spec *store.TaskSpec) { spec.Tags = append(spec.Tags, tags...) }
}

func WithMaxRetries(n int) TaskOption {
	return func(spec *store.TaskSpec) { spec.MaxRetries = &n }
}

func WithTimeout(d time.Duration) TaskOption {
	return func(spec *store.TaskSpec) { spec.Timeout = d }
}

// ScheduleTask creates a pending task from a registered definition.
func (s *Scheduler) ScheduleTask(defID string, payload json.RawMessage, opts ...TaskOption) (domain.Task, error) {
	spec := store.TaskSpec{Payload: payload}
	for _, opt := range opts {
		opt(&spec)
	}
	return s.store.CreateTask(defID, spec, time.Now())
}

// ScheduleCron registers a recurring schedule. The expression is validated
// here: malformed or unsatisfiable expressions fail at schedule time.
func (s *Scheduler) ScheduleCron(defID, expr, name string, payload json.RawMessage) (domain.CronJob, error) {
	if _, ok := s.store.Definition(defID); !ok {
		return domain.CronJob{}, domain.ErrDefinitionNotFound
	}
	sched, err := cronexpr.Parse(expr)
	if err != nil {
		return domain.CronJob{}, err
	}
	now := time.Now()
	next, err := sched.Next(now)
	if err != nil {
		return domain.CronJob{}, err
	}
	return s.store.CreateCron(defID, expr, name, payload, next, now)
}

// CancelTask prevents future dispatch of a pending or queued task. It does
// not abort a handler that is already executing; running and terminal tasks
// return false.
func (s *Scheduler) CancelTask(id string) bool {
	return s.store.CancelTask(id, time.Now())
}

// CancelCronJob disables a cron job.
func (s *Scheduler) CancelCronJob(id string) bool {
	return s.store.CancelCron(id)
}

// ProcessDeadLetter requeues a dead-lettered task. Returns (nil, nil) for an
// entry already consumed.
func (s *Scheduler) ProcessDeadLetter(entryID string) (*domain.Task, error) {
	return s.store.RequeueDeadLetter(entryID, time.Now())
}

// GetTask returns a copy of a task.
func (s *Scheduler) GetTask(id string) (domain.Task, error) { return s.store.Task(id) }

// GetCronJob returns a copy of a cron job.
func (s *Scheduler) GetCronJob(id string) (domain.CronJob, error) { return s.store.Cron(id) }

// ListCronJobs lists all cron jobs.
func (s *Scheduler) ListCronJobs() []domain.CronJob { return s.store.Crons() }

// ListWorkers lists all workers.
func (s *Scheduler) ListWorkers() []domain.WorkerInfo { return s.pool.List() }

// GetTaskResult returns the latest execution result for a task.
func (s *Scheduler) GetTaskResult(taskID string) (domain.TaskResult, error) {
	return s.store.ResultFor(taskID)
}

// DeadLetterEntries lists the dead-letter queue.
func (s *Scheduler) DeadLetterEntries() []domain.DeadLetterEntry { return s.store.DeadLetters() }
