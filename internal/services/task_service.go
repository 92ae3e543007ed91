package services

import (
	"context"
	"encoding/json"

	"github.com/kimhsiao/taskdeck/internal/models"
)

// TaskService manages todo items.
type TaskService struct {
	*entityService
}

// NewTaskService creates a new TaskService. Tasks require a non-empty "text".
func NewTaskService(deps Deps) *TaskService {
	return &TaskService{newEntityService(models.EntityTasks, deps, requireString("text"))}
}

// Create adds a task. An id is generated when the payload has none.
func (s *TaskService) Create(ctx context.Context, payload json.RawMessage) (*models.Entity, error) {
	return s.create(ctx, payload)
}

// Update applies a partial update to a task.
func (s *TaskService) Update(ctx context.Context, id string, patch json.RawMessage) (*models.Entity, error) {
	return s.update(ctx, id, patch)
}

// Delete removes a task.
func (s *TaskService) Delete(ctx context.Context, id string) error {
	return s.delete(ctx, id)
}
