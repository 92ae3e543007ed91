// Package store provides the device-local cache of tasks and messages.
package store

import (
	"context"

	"github.com/kimhsiao/taskdeck/internal/models"
)

// LocalStore is a key-indexed record store. Implementations never touch the network.
type LocalStore interface {
	// Put upserts the entity by (type, id). Repeated puts leave a single copy.
	Put(ctx context.Context, e *models.Entity) error

	// Remove deletes the entity. Removing an unknown id is not an error.
	Remove(ctx context.Context, typ models.EntityType, id string) error

	// GetAll returns every entity of a type in ascending id order.
	GetAll(ctx context.Context, typ models.EntityType) ([]*models.Entity, error)

	// Get returns a single entity or an ErrNotFound error.
	Get(ctx context.Context, typ models.EntityType, id string) (*models.Entity, error)

	// ReplaceAll atomically swaps the full contents of a type.
	ReplaceAll(ctx context.Context, typ models.EntityType, entities []*models.Entity) error

	// Reset clears the whole cache.
	Reset(ctx context.Context) error

	// CountUnsynced counts entities of a type still carrying the unsynced marker.
	CountUnsynced(ctx context.Context, typ models.EntityType) (int, error)

	Close() error
}

// Backend names accepted by the store.backend setting.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)
