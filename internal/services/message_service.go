package services

import (
	"context"
	"encoding/json"

	"github.com/kimhsiao/taskdeck/internal/models"
)

// MessageService manages chat messages.
type MessageService struct {
	*entityService
}

// NewMessageService creates a new MessageService. Messages require a non-empty "body".
func NewMessageService(deps Deps) *MessageService {
	return &MessageService{newEntityService(models.EntityMessages, deps, requireString("body"))}
}

// Send posts a message.
func (s *MessageService) Send(ctx context.Context, payload json.RawMessage) (*models.Entity, error) {
	return s.create(ctx, payload)
}

// Edit changes a message.
func (s *MessageService) Edit(ctx context.Context, id string, patch json.RawMessage) (*models.Entity, error) {
	return s.update(ctx, id, patch)
}

// Delete removes a message.
func (s *MessageService) Delete(ctx context.Context, id string) error {
	return s.delete(ctx, id)
}
