// Package db provides repository interfaces for the offline cache.
package db

import (
	"context"

	"github.com/kimhsiao/taskdeck/internal/models"
)

// EntityRepository defines operations for cached entity persistence.
type EntityRepository interface {
	// PutEntity upserts a cached entity by (type, id).
	PutEntity(ctx context.Context, e *models.Entity) error

	// DeleteEntity removes a cached entity; missing ids are not an error.
	DeleteEntity(ctx context.Context, typ models.EntityType, id string) error

	// GetEntity retrieves a cached entity by (type, id).
	GetEntity(ctx context.Context, typ models.EntityType, id string) (*models.Entity, error)

	// ListEntities returns all cached entities of a type ordered by id.
	ListEntities(ctx context.Context, typ models.EntityType) ([]*models.Entity, error)

	// ReplaceEntities atomically swaps the contents of a type.
	ReplaceEntities(ctx context.Context, typ models.EntityType, entities []*models.Entity) error

	// DeleteAllEntities clears the cache.
	DeleteAllEntities(ctx context.Context) error

	// CountUnsynced counts entities carrying the unsynced marker.
	CountUnsynced(ctx context.Context, typ models.EntityType) (int, error)
}

// QueueRepository defines operations for sync queue persistence.
type QueueRepository interface {
	InsertOperation(ctx context.Context, op *models.PendingOperation) error
	ListOperations(ctx context.Context) ([]*models.PendingOperation, error)
	DeleteOperation(ctx context.Context, id string) error
	UpdateOperationAttempt(ctx context.Context, id string, attempts int, lastError string) error
	CountOperations(ctx context.Context) (int, error)
	DeleteAllOperations(ctx context.Context) error
}

// DeadLetterRepository defines operations for dead letter persistence.
type DeadLetterRepository interface {
	MoveToDeadLetter(ctx context.Context, dl *models.DeadLetter) error
	ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, id string, enqueuedAt int64) (*models.PendingOperation, error)
	CountDeadLetters(ctx context.Context) (int, error)
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ EntityRepository     = (*Repository)(nil)
	_ QueueRepository      = (*Repository)(nil)
	_ DeadLetterRepository = (*Repository)(nil)
)
