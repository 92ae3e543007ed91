package store

import (
	"context"
	stdsync "sync"

	"github.com/kimhsiao/taskdeck/internal/errors"
	"github.com/kimhsiao/taskdeck/internal/models"
)

// Journal wraps a LocalStore and records which entities are written through it
// while a reload session is open. A session's ReplaceAll keeps the current local
// copy of those entities instead of the reload's older one.
//
// Writers must share the same Journal for their writes to be seen.
type Journal struct {
	LocalStore

	mu       stdsync.Mutex
	sessions map[*Session]struct{}
}

// Session collects the entities written since Begin.
type Session struct {
	j     *Journal
	dirty map[models.EntityType]map[string]struct{}
}

// NewJournal wraps inner. Wrapping a Journal returns it unchanged.
func NewJournal(inner LocalStore) *Journal {
	if j, ok := inner.(*Journal); ok {
		return j
	}
	return &Journal{LocalStore: inner, sessions: make(map[*Session]struct{})}
}

// Put upserts the entity and marks it dirty in every open session.
func (j *Journal) Put(ctx context.Context, e *models.Entity) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.LocalStore.Put(ctx, e); err != nil {
		return err
	}
	j.touch(e.Type, e.ID)
	return nil
}

// Remove deletes the entity and marks it dirty in every open session.
func (j *Journal) Remove(ctx context.Context, typ models.EntityType, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.LocalStore.Remove(ctx, typ, id); err != nil {
		return err
	}
	j.touch(typ, id)
	return nil
}

// ReplaceAll swaps the contents of a type without consulting open sessions.
func (j *Journal) ReplaceAll(ctx context.Context, typ models.EntityType, entities []*models.Entity) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.LocalStore.ReplaceAll(ctx, typ, entities)
}

// Reset clears the whole cache.
func (j *Journal) Reset(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.LocalStore.Reset(ctx)
}

// Begin opens a session. Close it when the reload is done.
func (j *Journal) Begin() *Session {
	s := &Session{j: j, dirty: make(map[models.EntityType]map[string]struct{})}
	j.mu.Lock()
	j.sessions[s] = struct{}{}
	j.mu.Unlock()
	return s
}

// j.mu must be held.
func (j *Journal) touch(typ models.EntityType, id string) {
	for s := range j.sessions {
		ids, ok := s.dirty[typ]
		if !ok {
			ids = make(map[string]struct{})
			s.dirty[typ] = ids
		}
		ids[id] = struct{}{}
	}
}

// Dirty returns the number of entities of typ written since Begin.
func (s *Session) Dirty(typ models.EntityType) int {
	s.j.mu.Lock()
	defer s.j.mu.Unlock()
	return len(s.dirty[typ])
}

// ReplaceAll swaps the contents of a type. Entities written since Begin keep
// their current local state: present ones are carried over, removed ones stay
// removed. No write can land between that check and the swap.
func (s *Session) ReplaceAll(ctx context.Context, typ models.EntityType, entities []*models.Entity) error {
	s.j.mu.Lock()
	defer s.j.mu.Unlock()

	dirty := s.dirty[typ]
	if len(dirty) == 0 {
		return s.j.LocalStore.ReplaceAll(ctx, typ, entities)
	}

	out := make([]*models.Entity, 0, len(entities)+len(dirty))
	for _, e := range entities {
		if _, ok := dirty[e.ID]; !ok {
			out = append(out, e)
		}
	}
	for id := range dirty {
		cur, err := s.j.LocalStore.Get(ctx, typ, id)
		if errors.Is(err, errors.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		out = append(out, cur)
	}
	return s.j.LocalStore.ReplaceAll(ctx, typ, out)
}

// Close stops recording.
func (s *Session) Close() {
	s.j.mu.Lock()
	delete(s.j.sessions, s)
	s.j.mu.Unlock()
}
