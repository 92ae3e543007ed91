package store

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/kimhsiao/taskdeck/internal/db"
	"github.com/kimhsiao/taskdeck/internal/errors"
	"github.com/kimhsiao/taskdeck/internal/models"
)

// SQLiteStore keeps the cache in the device database.
type SQLiteStore struct {
	repo db.EntityRepository
}

// NewSQLiteStore creates a store over an entity repository.
func NewSQLiteStore(repo db.EntityRepository) *SQLiteStore {
	return &SQLiteStore{repo: repo}
}

func (s *SQLiteStore) Put(ctx context.Context, e *models.Entity) error {
	if err := validate(e); err != nil {
		return err
	}
	if err := s.repo.PutEntity(ctx, e); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to cache entity", err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, typ models.EntityType, id string) error {
	if err := s.repo.DeleteEntity(ctx, typ, id); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to remove cached entity", err)
	}
	return nil
}

func (s *SQLiteStore) GetAll(ctx context.Context, typ models.EntityType) ([]*models.Entity, error) {
	entities, err := s.repo.ListEntities(ctx, typ)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list cached entities", err)
	}
	return entities, nil
}

func (s *SQLiteStore) Get(ctx context.Context, typ models.EntityType, id string) (*models.Entity, error) {
	e, err := s.repo.GetEntity(ctx, typ, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, string(typ)+" "+id+" not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read cached entity", err)
	}
	return e, nil
}

func (s *SQLiteStore) ReplaceAll(ctx context.Context, typ models.EntityType, entities []*models.Entity) error {
	for _, e := range entities {
		if err := validate(e); err != nil {
			return err
		}
	}
	if err := s.repo.ReplaceEntities(ctx, typ, entities); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to reload "+string(typ), err)
	}
	return nil
}

func (s *SQLiteStore) Reset(ctx context.Context) error {
	if err := s.repo.DeleteAllEntities(ctx); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to reset cache", err)
	}
	return nil
}

func (s *SQLiteStore) CountUnsynced(ctx context.Context, typ models.EntityType) (int, error) {
	n, err := s.repo.CountUnsynced(ctx, typ)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to count unsynced entities", err)
	}
	return n, nil
}

// Close is a no-op; the database handle is owned by the caller.
func (s *SQLiteStore) Close() error {
	return nil
}

func validate(e *models.Entity) error {
	if e == nil || e.ID == "" {
		return errors.New(errors.ErrInvalid, "entity id is required")
	}
	if !e.Type.Valid() {
		return errors.New(errors.ErrInvalid, "unknown entity type "+string(e.Type))
	}
	return nil
}
