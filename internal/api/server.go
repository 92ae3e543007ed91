// Package api exposes the offline core to local UIs over HTTP and WebSocket.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/taskdeck/internal/logging"
	"github.com/kimhsiao/taskdeck/internal/models"
	"github.com/kimhsiao/taskdeck/internal/services"
	"github.com/kimhsiao/taskdeck/internal/sync"
)

const (
	maxBodySize     = 1 << 20 // 1MB
	shutdownTimeout = 10 * time.Second
)

// Syncer is the reconciliation driver.
type Syncer interface {
	SyncNow(ctx context.Context) (sync.SyncResult, error)
	Status(ctx context.Context) (sync.SyncStatus, error)
}

// QueueInspector exposes the pending and dead-lettered operations.
type QueueInspector interface {
	List(ctx context.Context) ([]*models.PendingOperation, error)
	DeadLetters(ctx context.Context) ([]*models.DeadLetter, error)
	Requeue(ctx context.Context, id string) (*models.PendingOperation, error)
}

// Connectivity reports and overrides the online flag.
type Connectivity interface {
	Online() bool
	Override(online bool) bool
	ClearOverride()
	Overridden() bool
}

// Deps bundles the collaborators served by the API.
type Deps struct {
	Tasks        *services.TaskService
	Messages     *services.MessageService
	Sync         Syncer
	Queue        QueueInspector
	Connectivity Connectivity
	Hub          *Hub
}

// Server is the local HTTP API.
type Server struct {
	deps   Deps
	router *gin.Engine
}

// NewServer creates the API server and registers its routes.
func NewServer(deps Deps) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{deps: deps, router: router}

	api := router.Group("/api")
	{
		api.GET("/health", s.handleHealth)

		api.GET("/tasks", s.handleListTasks)
		api.POST("/tasks", s.handleCreateTask)
		api.PATCH("/tasks/:id", s.handleUpdateTask)
		api.DELETE("/tasks/:id", s.handleDeleteTask)

		api.GET("/messages", s.handleListMessages)
		api.POST("/messages", s.handleSendMessage)
		api.PATCH("/messages/:id", s.handleEditMessage)
		api.DELETE("/messages/:id", s.handleDeleteMessage)

		api.GET("/sync/status", s.handleSyncStatus)
		api.POST("/sync/now", s.handleSyncNow)
		api.GET("/sync/queue", s.handleQueue)
		api.GET("/sync/dead-letters", s.handleDeadLetters)
		api.POST("/sync/dead-letters/:id/requeue", s.handleRequeue)

		api.GET("/connectivity", s.handleGetConnectivity)
		api.PUT("/connectivity", s.handleConnectivity)
		api.DELETE("/connectivity", s.handleClearConnectivity)
	}

	if deps.Hub != nil {
		router.GET("/ws", gin.WrapH(deps.Hub))
	}

	return s
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("API server listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != http.ErrServerClosed {
		return err
	}
	return nil
}

// requestLogger logs each request through the structured logger.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logging.Warn("API request failed", fields)
			return
		}
		logging.Debug("API request", fields)
	}
}
