// Package worker tracks the pool of logical execution slots and picks a
// target for each dispatch. A worker runs at most one task at a time.
package worker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"genflow/internal/domain"
)

type Pool struct {
	mu      sync.Mutex
	log     zerolog.Logger
	workers map[string]*domain.WorkerInfo
	order   []string // registration order, for stable listings
	cursor  int      // round-robin tie breaker
}

// NewPool registers size workers up front. Workers are a fixed resource for
// the life of the scheduler.
func NewPool(size int, now time.Time, log zerolog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{log: log, workers: make(map[string]*domain.WorkerInfo, size)}
	for i := 0; i < size; i++ {
		id := fmt.Sprintf("wrk_%d", i+1)
		p.workers[id] = &domain.WorkerInfo{ID: id, Status: domain.WorkerIdle, LastHeartbeat: now}
		p.order = append(p.order, id)
	}
	return p
}

// Acquire selects an idle worker and marks it busy on the given task.
// Selection order: ascending load, then ascending lifetime completions, with a
// rotating cursor spreading remaining ties evenly across calls.
func (p *Pool) Acquire(taskID string, now time.Time) (domain.WorkerInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var idle []*domain.WorkerInfo
	for _, id := range p.order {
		if w := p.workers[id]; w.Status == domain.WorkerIdle {
			idle = append(idle, w)
		}
	}
	if len(idle) == 0 {
		return domain.WorkerInfo{}, false
	}

	sort.SliceStable(idle, func(i, j int) bool {
		if idle[i].Load != idle[j].Load {
			return idle[i].Load < idle[j].Load
		}
		return idle[i].Completed < idle[j].Completed
	})

	// Workers tied with the best candidate rotate via the cursor.
	ties := 1
	for ties < len(idle) &&
		idle[ties].Load == idle[0].Load &&
		idle[ties].Completed == idle[0].Completed {
		ties++
	}
	w := idle[p.cursor%ties]
	p.cursor++

	w.Status = domain.WorkerBusy
	w.CurrentTaskID = taskID
	w.LastHeartbeat = now
	return *w, true
}

// Release returns a busy worker to the idle set and bumps its counters.
func (p *Pool) Release(workerID string, failed bool, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok {
		return
	}
	w.Status = domain.WorkerIdle
	w.CurrentTaskID = ""
	w.LastHeartbeat = now
	if failed {
		w.Failed++
	} else {
		w.Completed++
	}
}

// Rebalance recomputes each worker's relative load: its share of all tasks
// currently running platform-wide. This is a dispatch heuristic, not a
// measurement of real utilization.
func (p *Pool) Rebalance() {
	p.mu.Lock()
	defer p.mu.Unlock()

	running := 0
	for _, w := range p.workers {
		if w.Status == domain.WorkerBusy {
			running++
		}
	}

	changed := false
	for _, w := range p.workers {
		load := 0.0
		if running > 0 && w.Status == domain.WorkerBusy {
			load = 1.0 / float64(running)
		}
		if load != w.Load {
			w.Load = load
			changed = true
		}
	}
	if changed {
		p.log.Debug().Int("running", running).Msg("worker loads rebalanced")
	}
}

// List returns copies of every worker in registration order.
func (p *Pool) List() []domain.WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.WorkerInfo, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.workers[id])
	}
	return out
}

// Counts returns the total and busy worker counts.
func (p *Pool) Counts() (total, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.Status == domain.WorkerBusy {
			active++
		}
	}
	return len(p.workers), active
}

// IdleCount reports how many workers can accept a task right now.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if w.Status == domain.WorkerIdle {
			n++
		}
	}
	return n
}
