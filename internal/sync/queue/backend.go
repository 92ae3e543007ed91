package queue

import (
	"context"
	"database/sql"
	stderrors "errors"
	"sort"
	"sync"

	"github.com/kimhsiao/taskdeck/internal/db"
	"github.com/kimhsiao/taskdeck/internal/errors"
	"github.com/kimhsiao/taskdeck/internal/models"
)

// Backend persists pending operations and dead letters.
// List must return operations in ascending Seq order.
type Backend interface {
	Insert(ctx context.Context, op *models.PendingOperation) error
	List(ctx context.Context) ([]*models.PendingOperation, error)
	Delete(ctx context.Context, id string) error
	UpdateAttempt(ctx context.Context, id string, attempts int, lastError string) error
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error

	MoveToDeadLetter(ctx context.Context, dl *models.DeadLetter) error
	DeadLetters(ctx context.Context) ([]*models.DeadLetter, error)
	Requeue(ctx context.Context, id string, enqueuedAt int64) (*models.PendingOperation, error)
	CountDeadLetters(ctx context.Context) (int, error)
}

// =====================================================
// SQLite Backend
// =====================================================

type repository interface {
	db.QueueRepository
	db.DeadLetterRepository
}

// SQLiteBackend stores the queue in the device database.
type SQLiteBackend struct {
	repo repository
}

// NewSQLiteBackend creates a backend over the database repository.
func NewSQLiteBackend(repo *db.Repository) *SQLiteBackend {
	return &SQLiteBackend{repo: repo}
}

func (b *SQLiteBackend) Insert(ctx context.Context, op *models.PendingOperation) error {
	return b.repo.InsertOperation(ctx, op)
}

func (b *SQLiteBackend) List(ctx context.Context) ([]*models.PendingOperation, error) {
	return b.repo.ListOperations(ctx)
}

func (b *SQLiteBackend) Delete(ctx context.Context, id string) error {
	return b.repo.DeleteOperation(ctx, id)
}

func (b *SQLiteBackend) UpdateAttempt(ctx context.Context, id string, attempts int, lastError string) error {
	return b.repo.UpdateOperationAttempt(ctx, id, attempts, lastError)
}

func (b *SQLiteBackend) Count(ctx context.Context) (int, error) {
	return b.repo.CountOperations(ctx)
}

func (b *SQLiteBackend) Clear(ctx context.Context) error {
	return b.repo.DeleteAllOperations(ctx)
}

func (b *SQLiteBackend) MoveToDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	return b.repo.MoveToDeadLetter(ctx, dl)
}

func (b *SQLiteBackend) DeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	return b.repo.ListDeadLetters(ctx)
}

func (b *SQLiteBackend) Requeue(ctx context.Context, id string, enqueuedAt int64) (*models.PendingOperation, error) {
	op, err := b.repo.RequeueDeadLetter(ctx, id, enqueuedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, "dead letter "+id+" not found")
	}
	return op, err
}

func (b *SQLiteBackend) CountDeadLetters(ctx context.Context) (int, error) {
	return b.repo.CountDeadLetters(ctx)
}

// =====================================================
// Memory Backend
// =====================================================

// MemoryBackend keeps the queue in process memory. Contents are lost on restart.
type MemoryBackend struct {
	mu      sync.RWMutex
	seq     int64
	ops     []*models.PendingOperation
	letters []*models.DeadLetter
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Insert(ctx context.Context, op *models.PendingOperation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	op.Seq = b.seq
	c := *op
	b.ops = append(b.ops, &c)
	return nil
}

func (b *MemoryBackend) List(ctx context.Context) ([]*models.PendingOperation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*models.PendingOperation, 0, len(b.ops))
	for _, op := range b.ops {
		c := *op
		out = append(out, &c)
	}
	return out, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.indexOf(id); i >= 0 {
		b.ops = append(b.ops[:i], b.ops[i+1:]...)
	}
	return nil
}

func (b *MemoryBackend) UpdateAttempt(ctx context.Context, id string, attempts int, lastError string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.indexOf(id); i >= 0 {
		b.ops[i].Attempts = attempts
		b.ops[i].LastError = lastError
	}
	return nil
}

func (b *MemoryBackend) Count(ctx context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ops), nil
}

func (b *MemoryBackend) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = nil
	return nil
}

func (b *MemoryBackend) MoveToDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.indexOf(string(dl.ID)); i >= 0 {
		b.ops = append(b.ops[:i], b.ops[i+1:]...)
	}
	c := *dl
	b.letters = append(b.letters, &c)
	return nil
}

func (b *MemoryBackend) DeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*models.DeadLetter, 0, len(b.letters))
	for _, dl := range b.letters {
		c := *dl
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FailedAt < out[j].FailedAt
	})
	return out, nil
}

func (b *MemoryBackend) Requeue(ctx context.Context, id string, enqueuedAt int64) (*models.PendingOperation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, dl := range b.letters {
		if string(dl.ID) != id {
			continue
		}
		b.letters = append(b.letters[:i], b.letters[i+1:]...)

		b.seq++
		op := dl.PendingOperation
		op.Seq = b.seq
		op.EnqueuedAt = enqueuedAt
		op.Attempts = 0
		op.LastError = ""
		b.ops = append(b.ops, &op)

		c := op
		return &c, nil
	}
	return nil, errors.New(errors.ErrNotFound, "dead letter "+id+" not found")
}

func (b *MemoryBackend) CountDeadLetters(ctx context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.letters), nil
}

func (b *MemoryBackend) indexOf(id string) int {
	for i, op := range b.ops {
		if string(op.ID) == id {
			return i
		}
	}
	return -1
}
