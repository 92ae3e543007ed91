package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/taskdeck/internal/errors"
)

// respondError writes err as {"error":{"code","message"}} with the status its code maps to.
func respondError(c *gin.Context, err error) {
	code := errors.CodeOf(err)
	c.JSON(errors.HTTPStatus(code), gin.H{
		"error": gin.H{
			"code":    code,
			"message": err.Error(),
		},
	})
}

// readBody reads a JSON request body of at most maxBodySize bytes.
func readBody(c *gin.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize))
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "failed to read request body", err)
	}
	if !json.Valid(body) {
		return nil, errors.New(errors.ErrInvalid, "request body must be valid JSON")
	}
	return body, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "taskdeck",
		"online":  s.deps.Connectivity.Online(),
	})
}

// =====================================================
// Tasks
// =====================================================

func (s *Server) handleListTasks(c *gin.Context) {
	items, err := s.deps.Tasks.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

func (s *Server) handleCreateTask(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		respondError(c, err)
		return
	}
	e, err := s.deps.Tasks.Create(c.Request.Context(), body)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

func (s *Server) handleUpdateTask(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		respondError(c, err)
		return
	}
	e, err := s.deps.Tasks.Update(c.Request.Context(), c.Param("id"), body)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	if err := s.deps.Tasks.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// =====================================================
// Messages
// =====================================================

func (s *Server) handleListMessages(c *gin.Context) {
	items, err := s.deps.Messages.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

func (s *Server) handleSendMessage(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		respondError(c, err)
		return
	}
	e, err := s.deps.Messages.Send(c.Request.Context(), body)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

func (s *Server) handleEditMessage(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		respondError(c, err)
		return
	}
	e, err := s.deps.Messages.Edit(c.Request.Context(), c.Param("id"), body)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) handleDeleteMessage(c *gin.Context) {
	if err := s.deps.Messages.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// =====================================================
// Sync
// =====================================================

func (s *Server) handleSyncStatus(c *gin.Context) {
	status, err := s.deps.Sync.Status(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleSyncNow(c *gin.Context) {
	result, err := s.deps.Sync.SyncNow(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pulled":        result.Pulled,
		"sent":          result.Sent,
		"dead_lettered": result.DeadLettered,
		"remaining":     result.Remaining,
		"duration_ms":   result.Duration.Milliseconds(),
	})
}

func (s *Server) handleQueue(c *gin.Context) {
	ops, err := s.deps.Queue.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": ops, "count": len(ops)})
}

func (s *Server) handleDeadLetters(c *gin.Context) {
	letters, err := s.deps.Queue.DeadLetters(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": letters, "count": len(letters)})
}

func (s *Server) handleRequeue(c *gin.Context) {
	op, err := s.deps.Queue.Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

func (s *Server) handleConnectivity(c *gin.Context) {
	var req struct {
		Online *bool `json:"online" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Wrap(errors.ErrInvalid, `body must be {"online":bool}`, err))
		return
	}

	changed := s.deps.Connectivity.Override(*req.Online)
	c.JSON(http.StatusOK, gin.H{"online": *req.Online, "changed": changed, "overridden": true})
}

func (s *Server) handleGetConnectivity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"online":     s.deps.Connectivity.Online(),
		"overridden": s.deps.Connectivity.Overridden(),
	})
}

// handleClearConnectivity hands the online flag back to the reachability checks.
func (s *Server) handleClearConnectivity(c *gin.Context) {
	s.deps.Connectivity.ClearOverride()
	s.handleGetConnectivity(c)
}
