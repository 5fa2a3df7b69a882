// Package web exposes tasks and the reconciliation engine over a JSON HTTP API.
//
// Identity comes from the X-User-ID header, which the authenticating proxy in
// front of this server sets. Requests without it are rejected.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/haricheung/replan/internal/reconcile"
	"github.com/haricheung/replan/internal/types"
)

const (
	userHeader  = "X-User-ID"
	userKey     = "replan.user"
	maxBodySize = 1 << 20 // 1MB
)

// Tasks is the slice of the record store the API uses. *store.Store satisfies it.
type Tasks interface {
	ListByOwner(ctx context.Context, ownerID string) ([]types.Task, error)
	Get(ctx context.Context, id string) (types.Task, error)
	Upsert(ctx context.Context, t types.Task) (types.Task, error)
	Delete(ctx context.Context, id string) error
}

// Engine runs reconciliations and questions. *reconcile.Engine satisfies it.
type Engine interface {
	Reconcile(ctx context.Context, ownerID, instruction string) (reconcile.Outcome, error)
	Ask(ctx context.Context, userID, prompt string) (string, error)
}

// Server is the replan HTTP API.
type Server struct {
	tasks  Tasks
	engine Engine
	router *gin.Engine
}

// NewServer creates a server and registers its routes.
func NewServer(tasks Tasks, engine Engine) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{tasks: tasks, engine: engine, router: router}

	router.GET("/healthz", s.handleHealth)

	api := router.Group("/api", requireUser())
	{
		api.GET("/tasks", s.handleListTasks)
		api.POST("/tasks", s.handleCreateTask)
		api.PUT("/tasks/:id", s.handleUpdateTask)
		api.DELETE("/tasks/:id", s.handleDeleteTask)
		api.POST("/reconcile", s.handleReconcile)
		api.POST("/ask", s.handleAsk)
	}
	return s
}

// Handler returns the router for use with httptest or a custom server.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("[WEB] listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// requireUser rejects requests without an X-User-ID header.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(userHeader))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "missing " + userHeader + " header",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Set(userKey, id)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("[WEB] request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed_ms", time.Since(start).Milliseconds())
	}
}

func userID(c *gin.Context) string {
	return c.GetString(userKey)
}

// statusForKind maps a failure kind to its HTTP status.
//
// Expectations:
//   - entitlement_required → 403, policy_refused → 422, response_format → 502
//   - technical → 503, conflict → 409, invalid_input → 400
func statusForKind(k reconcile.Kind) int {
	switch k {
	case reconcile.KindEntitlement:
		return http.StatusForbidden
	case reconcile.KindPolicyRefused:
		return http.StatusUnprocessableEntity
	case reconcile.KindResponseFormat:
		return http.StatusBadGateway
	case reconcile.KindConflict:
		return http.StatusConflict
	case reconcile.KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

func writeFailure(c *gin.Context, err error) {
	f, ok := reconcile.AsFailure(err)
	if !ok {
		slog.Error("[WEB] unclassified error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}
	c.JSON(statusForKind(f.Kind), gin.H{
		"success": false,
		"kind":    f.Kind,
		"error":   f.Message,
	})
}
