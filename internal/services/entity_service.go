// Package services provides the task and message mutation paths used by the UI.
// Writes are optimistic: the local store is updated first, then the remote call is made
// (online) or the operation is queued for replay (offline).
package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kimhsiao/taskdeck/internal/errors"
	"github.com/kimhsiao/taskdeck/internal/logging"
	"github.com/kimhsiao/taskdeck/internal/models"
	"github.com/kimhsiao/taskdeck/internal/store"
	"github.com/kimhsiao/taskdeck/internal/uuid"
)

// Remote is the write side of the remote client.
type Remote interface {
	Insert(ctx context.Context, table string, record json.RawMessage) (json.RawMessage, error)
	Update(ctx context.Context, table, id string, patch json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, table, id string) error
}

// Queue records operations made while offline.
type Queue interface {
	Enqueue(ctx context.Context, operation models.Operation, typ models.EntityType, entityID string, payload json.RawMessage) (*models.PendingOperation, error)
}

// Connectivity reports whether the remote is reachable.
type Connectivity interface {
	Online() bool
}

// Deps bundles the collaborators shared by the services.
type Deps struct {
	Store        store.LocalStore
	Queue        Queue
	Remote       Remote
	Connectivity Connectivity
}

// validator checks a full record before it is written.
type validator func(record json.RawMessage) error

// entityService implements optimistic create/update/delete for one entity type.
type entityService struct {
	typ      models.EntityType
	deps     Deps
	validate validator

	// mu serializes writes so rollbacks restore the right previous value.
	mu sync.Mutex
}

func newEntityService(typ models.EntityType, deps Deps, validate validator) *entityService {
	return &entityService{typ: typ, deps: deps, validate: validate}
}

// List returns every cached entity of the service's type.
func (s *entityService) List(ctx context.Context) ([]*models.Entity, error) {
	return s.deps.Store.GetAll(ctx, s.typ)
}

// Get returns one cached entity.
func (s *entityService) Get(ctx context.Context, id string) (*models.Entity, error) {
	return s.deps.Store.Get(ctx, s.typ, id)
}

func (s *entityService) create(ctx context.Context, payload json.RawMessage) (*models.Entity, error) {
	record, id, err := uuid.EnsureID(payload)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid "+string(s.typ)+" payload", err)
	}
	if err := s.validate(record); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.deps.Store.Get(ctx, s.typ, id); err == nil {
		return nil, errors.New(errors.ErrValidation, string(s.typ)+" "+id+" already exists")
	}

	entity := s.entity(id, record, true)
	if err := s.deps.Store.Put(ctx, entity); err != nil {
		return nil, err
	}

	if !s.deps.Connectivity.Online() {
		if _, err := s.deps.Queue.Enqueue(ctx, models.OperationCreate, s.typ, id, record); err != nil {
			s.rollback(ctx, id, nil)
			return nil, err
		}
		return entity, nil
	}

	row, err := s.deps.Remote.Insert(ctx, s.typ.Table(), record)
	if err != nil {
		s.rollback(ctx, id, nil)
		return nil, err
	}
	return s.confirm(ctx, id, row)
}

func (s *entityService) update(ctx context.Context, id string, patch json.RawMessage) (*models.Entity, error) {
	if !gjson.ValidBytes(patch) || !gjson.ParseBytes(patch).IsObject() {
		return nil, errors.New(errors.ErrInvalid, "patch must be a JSON object")
	}
	if other := models.RecordID(patch); other != "" && other != id {
		return nil, errors.New(errors.ErrInvalid, "patch cannot change the id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.deps.Store.Get(ctx, s.typ, id)
	if err != nil {
		return nil, err
	}

	merged, err := models.MergeRecord(prev.Data, patch)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "failed to apply patch", err)
	}
	if err := s.validate(merged); err != nil {
		return nil, err
	}

	entity := s.entity(id, merged, true)
	if err := s.deps.Store.Put(ctx, entity); err != nil {
		return nil, err
	}

	if !s.deps.Connectivity.Online() {
		if _, err := s.deps.Queue.Enqueue(ctx, models.OperationUpdate, s.typ, id, patch); err != nil {
			s.rollback(ctx, id, prev)
			return nil, err
		}
		return entity, nil
	}

	row, err := s.deps.Remote.Update(ctx, s.typ.Table(), id, patch)
	if err != nil {
		s.rollback(ctx, id, prev)
		return nil, err
	}
	return s.confirm(ctx, id, row)
}

func (s *entityService) delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.deps.Store.Get(ctx, s.typ, id)
	if err != nil {
		return err
	}
	if err := s.deps.Store.Remove(ctx, s.typ, id); err != nil {
		return err
	}

	if !s.deps.Connectivity.Online() {
		if _, err := s.deps.Queue.Enqueue(ctx, models.OperationDelete, s.typ, id, nil); err != nil {
			s.rollback(ctx, id, prev)
			return err
		}
		return nil
	}

	if err := s.deps.Remote.Delete(ctx, s.typ.Table(), id); err != nil {
		s.rollback(ctx, id, prev)
		return err
	}
	return nil
}

// confirm replaces the optimistic record with the remote representation.
func (s *entityService) confirm(ctx context.Context, id string, row json.RawMessage) (*models.Entity, error) {
	if models.RecordID(row) != id {
		var err error
		if row, err = models.WithID(row, id); err != nil {
			return nil, err
		}
	}
	entity := s.entity(id, row, false)
	if err := s.deps.Store.Put(ctx, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// rollback restores prev, or removes the entity when prev is nil.
func (s *entityService) rollback(ctx context.Context, id string, prev *models.Entity) {
	var err error
	if prev == nil {
		err = s.deps.Store.Remove(ctx, s.typ, id)
	} else {
		err = s.deps.Store.Put(ctx, prev)
	}
	if err != nil {
		logging.Error("Failed to roll back optimistic write", err, map[string]interface{}{
			"entity_type": s.typ,
			"entity_id":   id,
		})
	}
}

func (s *entityService) entity(id string, data json.RawMessage, unsynced bool) *models.Entity {
	return &models.Entity{
		ID:        id,
		Type:      s.typ,
		Data:      data,
		Unsynced:  unsynced,
		UpdatedAt: time.Now().Unix(),
	}
}

// requireString returns a validator demanding a non-empty string field.
func requireString(field string) validator {
	return func(record json.RawMessage) error {
		v := gjson.GetBytes(record, field)
		if v.Type != gjson.String || v.String() == "" {
			return errors.New(errors.ErrValidation, field+" is required")
		}
		return nil
	}
}
