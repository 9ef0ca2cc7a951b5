package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"genflow/internal/domain"
	"genflow/internal/history"
	"genflow/internal/scheduler"
)

type Server struct {
	r       *chi.Mux
	sched   *scheduler.Scheduler
	archive *history.Archive
}

// NewServer builds the HTTP control surface over a running scheduler. The
// archive is optional; without it /api/results returns 404.
func NewServer(sched *scheduler.Scheduler, archive *history.Archive) http.Handler {
	return NewServerWithDebug(sched, archive, false)
}

func NewServerWithDebug(sched *scheduler.Scheduler, archive *history.Archive, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, sched: sched, archive: archive}

	r.Get("/health", s.health)

	r.Post("/api/tasks", s.submitTask)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Delete("/api/tasks/{id}", s.cancelTask)
	r.Get("/api/tasks/{id}/result", s.getTaskResult)

	r.Post("/api/crons", s.createCron)
	r.Get("/api/crons", s.listCrons)
	r.Get("/api/crons/{id}", s.getCron)
	r.Delete("/api/crons/{id}", s.cancelCron)

	r.Get("/api/deadletters", s.listDeadLetters)
	r.Post("/api/deadletters/{id}/requeue", s.requeueDeadLetter)

	r.Get("/api/stats", s.stats)
	r.Get("/api/workers", s.listWorkers)
	r.Get("/api/results", s.recentResults)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type submitReq struct {
	Definition  string          `json:"definition"`
	Payload     json.RawMessage `json:"payload"`
	Priority    *int            `json:"priority"`
	ScheduledAt *time.Time      `json:"scheduled_at"`
	DependsOn   []string        `json:"depends_on"`
	Tags        []string        `json:"tags"`
	MaxRetries  *int            `json:"max_retries"`
	TimeoutSec  int             `json:"timeout_sec"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Definition == "" {
		http.Error(w, "definition is required", 400)
		return
	}
	var opts []scheduler.TaskOption
	if req.Priority != nil {
		opts = append(opts, scheduler.WithPriority(*req.Priority))
	}
	if req.ScheduledAt != nil {
		opts = append(opts, scheduler.WithScheduledAt(*req.ScheduledAt))
	}
	if len(req.DependsOn) > 0 {
		opts = append(opts, scheduler.WithDependsOn(req.DependsOn...))
	}
	if len(req.Tags) > 0 {
		opts = append(opts, scheduler.WithTags(req.Tags...))
	}
	if req.MaxRetries != nil {
		opts = append(opts, scheduler.WithMaxRetries(*req.MaxRetries))
	}
	if req.TimeoutSec > 0 {
		opts = append(opts, scheduler.WithTimeout(time.Duration(req.TimeoutSec)*time.Second))
	}
	task, err := s.sched.ScheduleTask(req.Definition, req.Payload, opts...)
	if err != nil {
		if errors.Is(err, domain.ErrDefinitionNotFound) {
			http.Error(w, err.Error(), 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, taskView(task))
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.sched.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, taskView(task))
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sched.GetTask(id); err != nil {
		http.Error(w, "not found", 404)
		return
	}
	if !s.sched.CancelTask(id) {
		http.Error(w, "task is not cancellable", 409)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getTaskResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.sched.GetTaskResult(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, res)
}

type createCronReq struct {
	Definition string          `json:"definition"`
	Expr       string          `json:"expr"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
}

func (s *Server) createCron(w http.ResponseWriter, r *http.Request) {
	var req createCronReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Definition == "" {
		http.Error(w, "definition is required", 400)
		return
	}
	if req.Expr == "" {
		http.Error(w, "expr is required", 400)
		return
	}
	job, err := s.sched.ScheduleCron(req.Definition, req.Expr, req.Name, req.Payload)
	if err != nil {
		if errors.Is(err, domain.ErrDefinitionNotFound) {
			http.Error(w, err.Error(), 404)
			return
		}
		http.Error(w, err.Error(), 400)
		return
	}
	writeJSON(w, http.StatusCreated, cronView(job))
}

func (s *Server) listCrons(w http.ResponseWriter, r *http.Request) {
	jobs := s.sched.ListCronJobs()
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, cronView(j))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getCron(w http.ResponseWriter, r *http.Request) {
	job, err := s.sched.GetCronJob(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, cronView(job))
}

func (s *Server) cancelCron(w http.ResponseWriter, r *http.Request) {
	if !s.sched.CancelCronJob(chi.URLParam(r, "id")) {
		http.Error(w, "not found or already disabled", 404)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries := s.sched.DeadLetterEntries()
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"id":        e.ID,
			"task_id":   e.Task.ID,
			"reason":    e.Reason,
			"attempts":  e.Attempts,
			"dead_at":   e.DeadAt.Format(time.RFC3339),
			"can_retry": e.CanRetry,
		})
	}
	writeJSON(w, 200, out)
}

func (s *Server) requeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	task, err := s.sched.ProcessDeadLetter(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrDeadLetterNotFound) {
			http.Error(w, err.Error(), 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	if task == nil {
		http.Error(w, "entry already requeued", 409)
		return
	}
	writeJSON(w, http.StatusAccepted, taskView(*task))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.sched.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, st)
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.sched.ListWorkers()
	out := make([]map[string]any, 0, len(workers))
	for _, wk := range workers {
		out = append(out, map[string]any{
			"id":              wk.ID,
			"status":          wk.Status,
			"current_task_id": wk.CurrentTaskID,
			"completed":       wk.Completed,
			"failed":          wk.Failed,
			"load":            wk.Load,
		})
	}
	writeJSON(w, 200, out)
}

func (s *Server) recentResults(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		http.Error(w, "history archive disabled", 404)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	results, err := s.archive.RecentResults(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, results)
}

func taskView(t domain.Task) map[string]any {
	v := map[string]any{
		"id":           t.ID,
		"definition":   t.DefinitionID,
		"status":       t.Status,
		"priority":     t.Priority,
		"scheduled_at": t.ScheduledAt.Format(time.RFC3339),
		"retry_count":  t.RetryCount,
		"max_retries":  t.MaxRetries,
		"depends_on":   t.DependsOn,
		"tags":         t.Tags,
		"created_at":   t.CreatedAt.Format(time.RFC3339),
	}
	if t.WorkerID != "" {
		v["worker_id"] = t.WorkerID
	}
	if t.Error != "" {
		v["error"] = t.Error
	}
	if t.Result != nil {
		v["result"] = t.Result
	}
	if t.CompletedAt != nil {
		v["completed_at"] = t.CompletedAt.Format(time.RFC3339)
	}
	return v
}

func cronView(j domain.CronJob) map[string]any {
	v := map[string]any{
		"id":          j.ID,
		"name":        j.Name,
		"expr":        j.Expr,
		"definition":  j.DefinitionID,
		"enabled":     j.Enabled,
		"next_run_at": j.NextRunAt.Format(time.RFC3339),
		"run_count":   j.RunCount,
		"fail_count":  j.FailCount,
	}
	if j.LastRunAt != nil {
		v["last_run_at"] = j.LastRunAt.Format(time.RFC3339)
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
