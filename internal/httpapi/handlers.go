package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"autoflow/internal/storage"
	"autoflow/internal/task"
	"autoflow/internal/task/engine"
	logx "autoflow/pkg/logx"
)

type taskDTO struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Script     string        `json:"script"`
	Kind       task.Kind     `json:"kind"`
	Enabled    bool          `json:"enabled"`
	Schedule   task.Schedule `json:"schedule"`
	Timezone   string        `json:"timezone,omitempty"`
	Timeout    string        `json:"timeout,omitempty"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	LastStatus task.Outcome  `json:"last_status,omitempty"`
	NextFire   *time.Time    `json:"next_fire,omitempty"`
	Running    bool          `json:"running"`
}

type taskDetail struct {
	taskDTO
	Runs []storage.RunRecord `json:"runs"`
}

func toDTO(t task.Task, next map[string]nextInfo) taskDTO {
	d := taskDTO{
		ID:         t.ID,
		Name:       t.DisplayName(),
		Script:     t.Script.Location,
		Kind:       t.Script.Kind,
		Enabled:    t.Enabled,
		Schedule:   t.Schedule,
		Timezone:   t.Timezone,
		LastStatus: t.LastStatus,
	}
	if t.Timeout > 0 {
		d.Timeout = t.Timeout.String()
	}
	if !t.LastRun.IsZero() {
		lr := t.LastRun
		d.LastRun = &lr
	}
	if n, ok := next[t.ID]; ok {
		nf := n.at
		d.NextFire = &nf
		d.Running = n.pending
	}
	return d
}

type nextInfo struct {
	at      time.Time
	pending bool
}

func (s *Server) nextFires() map[string]nextInfo {
	out := map[string]nextInfo{}
	if s.deps.Scheduler == nil {
		return out
	}
	for _, tr := range s.deps.Scheduler.Snapshot().Triggers {
		out[tr.TaskID] = nextInfo{at: tr.Next, pending: tr.Pending}
	}
	return out
}

// statusFor maps core errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, task.ErrStoreUnavailable),
		errors.Is(err, engine.ErrStopped),
		errors.Is(err, engine.ErrStopping),
		errors.Is(err, engine.ErrDisabled),
		errors.Is(err, storage.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, task.ErrSchedule):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Warn("request failed", logx.String("path", c.FullPath()), logx.String("id", c.Param("id")), logx.Err(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// GET /healthz
func (s *Server) healthz(c *gin.Context) {
	body := gin.H{"status": "ok", "timestamp": time.Now().UTC()}
	if s.deps.Supervised != nil {
		body["goroutines"] = s.deps.Supervised()
	}
	c.JSON(http.StatusOK, body)
}

// GET /api/tasks?enabled=true/false
func (s *Server) listTasks(c *gin.Context) {
	ts, err := s.deps.Store.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	var filter *bool
	if v := c.Query("enabled"); v != "" {
		b := v == "true"
		filter = &b
	}
	next := s.nextFires()
	out := make([]taskDTO, 0, len(ts))
	for _, t := range ts {
		if filter != nil && t.Enabled != *filter {
			continue
		}
		out = append(out, toDTO(t, next))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

// GET /api/tasks/:id?runs=N
func (s *Server) getTask(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	t, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("runs", "10"))
	runs, err := s.deps.Store.Runs(ctx, id, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	c.JSON(http.StatusOK, taskDetail{taskDTO: toDTO(t, s.nextFires()), Runs: runs})
}

// POST /api/tasks/:id/run
func (s *Server) runTask(c *gin.Context) {
	id := c.Param("id")
	execID, err := s.deps.Scheduler.RunNow(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.log.Info("manual run queued", logx.Task(id), logx.Exec(execID))
	c.JSON(http.StatusAccepted, gin.H{"task_id": id, "execution_id": execID})
}

// POST /api/tasks/:id/enable, /api/tasks/:id/disable
func (s *Server) setEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		t, err := s.deps.Store.SetEnabled(ctx, id, enabled)
		if err != nil {
			s.fail(c, err)
			return
		}
		if err := s.deps.Scheduler.Refresh(ctx, id); err != nil && !errors.Is(err, task.ErrSchedule) {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, toDTO(t, s.nextFires()))
	}
}

// POST /api/tasks/:id/reload re-reads one task from the store.
func (s *Server) reloadTask(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := s.deps.Scheduler.Refresh(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	t, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toDTO(t, s.nextFires()))
}

// GET /api/scheduler
func (s *Server) schedulerSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Scheduler.Snapshot())
}

// GET /api/engine
func (s *Server) engineSnapshot(c *gin.Context) {
	if s.deps.Pool == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pool not configured"})
		return
	}
	c.JSON(http.StatusOK, s.deps.Pool.Snapshot())
}

// POST /api/reload
func (s *Server) reloadConfig(c *gin.Context) {
	if s.deps.Reload == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "reload not available"})
		return
	}
	if err := s.deps.Reload(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reloaded": true})
}
