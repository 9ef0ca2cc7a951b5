package store

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"genflow/internal/domain"
)

// CreateCron registers a recurring schedule. The first fire time must already
// be computed by the caller (the cron evaluator validates the expression).
func (s *Store) CreateCron(defID, expr, name string, payload json.RawMessage, nextRun, now time.Time) (domain.CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[defID]; !ok {
		return domain.CronJob{}, domain.ErrDefinitionNotFound
	}
	c := &domain.CronJob{
		ID:           "crn_" + uuid.NewString(),
		Name:         name,
		Expr:         expr,
		DefinitionID: defID,
		Payload:      payload,
		Enabled:      true,
		NextRunAt:    nextRun,
		CreatedAt:    now,
	}
	s.crons[c.ID] = c
	s.log.Info().
		Str("cron_id", c.ID).
		Str("name", name).
		Str("expr", expr).
		Time("next_run", nextRun).
		Msg("cron job scheduled")
	return *c, nil
}

// Cron returns a copy of one cron job.
func (s *Store) Cron(id string) (domain.CronJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.crons[id]
	if !ok {
		return domain.CronJob{}, domain.ErrCronJobNotFound
	}
	return *c, nil
}

// Crons lists every cron job, ordered by name for stable output.
func (s *Store) Crons() []domain.CronJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CronJob, 0, len(s.crons))
	for _, c := range s.crons {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CancelCron disables a cron job. Returns false if unknown or already disabled.
func (s *Store) CancelCron(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.crons[id]
	if !ok || !c.Enabled {
		return false
	}
	c.Enabled = false
	s.log.Info().Str("cron_id", id).Msg("cron job cancelled")
	return true
}

// DueCrons returns copies of enabled jobs whose next fire time has passed.
func (s *Store) DueCrons(now time.Time) []domain.CronJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []domain.CronJob
	for _, c := range s.crons {
		if c.Enabled && !c.NextRunAt.After(now) {
			due = append(due, *c)
		}
	}
	return due
}

// MarkCronRun advances a fired job to its next fire time.
func (s *Store) MarkCronRun(id string, ranAt, nextRun time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.crons[id]
	if !ok {
		return
	}
	t := ranAt
	c.LastRunAt = &t
	c.NextRunAt = nextRun
	c.RunCount++
}

// MarkCronFailed counts a fire that could not produce a task and disables the
// job when disable is set (e.g. the expression stopped yielding fire times).
func (s *Store) MarkCronFailed(id string, disable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.crons[id]
	if !ok {
		return
	}
	c.FailCount++
	if disable {
		c.Enabled = false
	}
}
