package web

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/haricheung/replan/internal/store"
	"github.com/haricheung/replan/internal/types"
)

// taskInput is the writable part of a task. Version is required on update.
type taskInput struct {
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	Deadline        time.Time        `json:"deadline"`
	ScheduledAt     *time.Time       `json:"scheduled_at"`
	DurationMinutes int              `json:"duration_minutes"`
	Priority        types.Priority   `json:"priority"`
	Difficulty      types.Difficulty `json:"difficulty"`
	Completed       bool             `json:"completed"`
	Version         int64            `json:"version"`
}

func (in taskInput) apply(t *types.Task) {
	t.Title = in.Title
	t.Description = in.Description
	t.Deadline = in.Deadline
	t.ScheduledAt = in.ScheduledAt
	t.DurationMinutes = in.DurationMinutes
	t.Priority = in.Priority
	t.Difficulty = in.Difficulty
	t.Completed = in.Completed
}

type reconcileRequest struct {
	Instruction string `json:"instruction"`
}

type askRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListTasks(c *gin.Context) {
	tasks, err := s.tasks.ListByOwner(c.Request.Context(), userID(c))
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    tasks,
		"count":   len(tasks),
	})
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var in taskInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	t := types.Task{ID: uuid.New().String(), OwnerID: userID(c)}
	in.apply(&t)

	saved, err := s.tasks.Upsert(c.Request.Context(), t)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": saved})
}

func (s *Server) handleUpdateTask(c *gin.Context) {
	var in taskInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if in.Version <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "version is required"})
		return
	}
	existing, ok := s.ownedTask(c)
	if !ok {
		return
	}
	in.apply(&existing)
	existing.Version = in.Version

	saved, err := s.tasks.Upsert(c.Request.Context(), existing)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": saved})
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	t, ok := s.ownedTask(c)
	if !ok {
		return
	}
	if err := s.tasks.Delete(c.Request.Context(), t.ID); err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Task deleted"})
}

func (s *Server) handleReconcile(c *gin.Context) {
	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	out, err := s.engine.Reconcile(c.Request.Context(), userID(c), req.Instruction)
	if err != nil {
		writeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": out.Summary(),
		"data":    out,
	})
}

func (s *Server) handleAsk(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	answer, err := s.engine.Ask(c.Request.Context(), userID(c), req.Prompt)
	if err != nil {
		writeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "answer": answer})
}

// ownedTask loads :id and checks it belongs to the caller. Tasks of other
// owners are reported as not found.
func (s *Server) ownedTask(c *gin.Context) (types.Task, bool) {
	t, err := s.tasks.Get(c.Request.Context(), c.Param("id"))
	if err == nil && t.OwnerID != userID(c) {
		err = store.ErrNotFound
	}
	if err != nil {
		s.storeError(c, err)
		return types.Task{}, false
	}
	return t, true
}

// storeError maps store errors to HTTP statuses.
//
// Expectations:
//   - ErrNotFound → 404
//   - ErrInvalidTask → 400
//   - ErrConflict and ErrOwnerChange → 409
//   - Anything else → 500 without the internal text
func (s *Server) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "task not found"})
	case errors.Is(err, types.ErrInvalidTask):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrOwnerChange):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "task was modified concurrently; reload and retry"})
	default:
		slog.Error("[WEB] store error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
	}
}
