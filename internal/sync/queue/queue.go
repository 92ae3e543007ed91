// Package queue provides the FIFO queue of mutations made while offline.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/taskdeck/internal/errors"
	"github.com/kimhsiao/taskdeck/internal/logging"
	"github.com/kimhsiao/taskdeck/internal/models"
	"github.com/kimhsiao/taskdeck/internal/uuid"
)

// Sender replays one operation against the remote service.
type Sender func(ctx context.Context, op *models.PendingOperation) error

// Config holds queue limits. Zero values mean unlimited.
type Config struct {
	MaxSize     int // Maximum number of pending operations
	MaxAttempts int // Retryable failures before an operation is dead-lettered
}

// DrainResult summarizes one pass over the queue.
type DrainResult struct {
	Sent         int
	DeadLettered int
	Remaining    int
	// Replayed holds the operations the remote accepted, in replay order.
	Replayed []*models.PendingOperation `json:"-"`
}

// SyncQueue orders pending operations by enqueue sequence and replays them in that order.
type SyncQueue struct {
	backend     Backend
	maxSize     int
	maxAttempts int

	// drainMu serializes drains so an operation is never sent twice concurrently.
	drainMu sync.Mutex
	now     func() time.Time
}

// NewSyncQueue creates a new SyncQueue over a backend.
func NewSyncQueue(backend Backend, cfg Config) *SyncQueue {
	return &SyncQueue{
		backend:     backend,
		maxSize:     cfg.MaxSize,
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
	}
}

// Enqueue appends an operation to the tail of the queue.
func (q *SyncQueue) Enqueue(ctx context.Context, operation models.Operation, typ models.EntityType, entityID string, payload json.RawMessage) (*models.PendingOperation, error) {
	if !operation.Valid() {
		return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("unknown operation %q", operation))
	}
	if !typ.Valid() {
		return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("unknown entity type %q", typ))
	}
	if entityID == "" {
		return nil, errors.New(errors.ErrInvalid, "entity id is required")
	}

	if q.maxSize > 0 {
		n, err := q.backend.Count(ctx)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to count queue", err)
		}
		if n >= q.maxSize {
			return nil, errors.New(errors.ErrQueueFull, fmt.Sprintf("queue is full (max size: %d)", q.maxSize))
		}
	}

	op := &models.PendingOperation{
		ID:         models.UUID(uuid.New()),
		Operation:  operation,
		EntityType: typ,
		EntityID:   entityID,
		Payload:    payload,
		EnqueuedAt: q.now().Unix(),
	}
	if err := q.backend.Insert(ctx, op); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to enqueue operation", err)
	}

	logging.Debug("Enqueued operation", map[string]interface{}{
		"op_id":       op.ID,
		"seq":         op.Seq,
		"operation":   op.Operation,
		"entity_type": op.EntityType,
		"entity_id":   op.EntityID,
	})
	return op, nil
}

// Drain replays queued operations in order. A successful send removes the operation.
// A retryable failure stops the drain, leaving that operation and all later ones queued,
// and is returned. A permanent failure moves the operation to the dead letters and the
// drain moves on.
func (q *SyncQueue) Drain(ctx context.Context, send Sender) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var result DrainResult

	ops, err := q.backend.List(ctx)
	if err != nil {
		return result, errors.Wrap(errors.ErrDatabase, "failed to list queue", err)
	}

	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			result.Remaining = len(ops) - i
			return result, err
		}

		sendErr := send(ctx, op)
		if sendErr == nil {
			if err := q.backend.Delete(ctx, string(op.ID)); err != nil {
				result.Remaining = len(ops) - i
				return result, errors.Wrap(errors.ErrDatabase, "failed to remove replayed operation", err)
			}
			result.Sent++
			result.Replayed = append(result.Replayed, op)
			continue
		}

		op.Attempts++
		op.LastError = sendErr.Error()

		if !errors.IsRetryable(sendErr) || (q.maxAttempts > 0 && op.Attempts >= q.maxAttempts) {
			if err := q.deadLetter(ctx, op, sendErr); err != nil {
				result.Remaining = len(ops) - i
				return result, err
			}
			result.DeadLettered++
			continue
		}

		if err := q.backend.UpdateAttempt(ctx, string(op.ID), op.Attempts, op.LastError); err != nil {
			logging.Error("Failed to record replay attempt", err, map[string]interface{}{"op_id": op.ID})
		}
		result.Remaining = len(ops) - i

		logging.Warn("Replay stopped at failed operation", map[string]interface{}{
			"op_id":     op.ID,
			"seq":       op.Seq,
			"attempts":  op.Attempts,
			"remaining": result.Remaining,
			"error":     sendErr.Error(),
		})
		return result, fmt.Errorf("replay %s %s/%s: %w", op.Operation, op.EntityType, op.EntityID, sendErr)
	}

	return result, nil
}

func (q *SyncQueue) deadLetter(ctx context.Context, op *models.PendingOperation, cause error) error {
	dl := &models.DeadLetter{
		PendingOperation: *op,
		Reason:           cause.Error(),
		StatusCode:       errors.StatusOf(cause),
		FailedAt:         q.now().Unix(),
	}
	if err := q.backend.MoveToDeadLetter(ctx, dl); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to dead-letter operation", err)
	}

	logging.Warn("Operation moved to dead letters", map[string]interface{}{
		"op_id":       op.ID,
		"operation":   op.Operation,
		"entity_type": op.EntityType,
		"entity_id":   op.EntityID,
		"status_code": dl.StatusCode,
		"attempts":    op.Attempts,
		"reason":      dl.Reason,
	})
	return nil
}

// List returns the pending operations in replay order.
func (q *SyncQueue) List(ctx context.Context) ([]*models.PendingOperation, error) {
	ops, err := q.backend.List(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list queue", err)
	}
	return ops, nil
}

// Len returns the number of pending operations.
func (q *SyncQueue) Len(ctx context.Context) (int, error) {
	n, err := q.backend.Count(ctx)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to count queue", err)
	}
	return n, nil
}

// HasPending reports whether any queued operation targets the entity.
func (q *SyncQueue) HasPending(ctx context.Context, typ models.EntityType, id string) (bool, error) {
	ops, err := q.List(ctx)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if op.EntityType == typ && op.EntityID == id {
			return true, nil
		}
	}
	return false, nil
}

// DeadLetters returns operations the remote permanently rejected.
func (q *SyncQueue) DeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	letters, err := q.backend.DeadLetters(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list dead letters", err)
	}
	return letters, nil
}

// DeadLetterCount returns the number of dead letters.
func (q *SyncQueue) DeadLetterCount(ctx context.Context) (int, error) {
	n, err := q.backend.CountDeadLetters(ctx)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to count dead letters", err)
	}
	return n, nil
}

// Requeue moves a dead letter back to the tail of the queue.
func (q *SyncQueue) Requeue(ctx context.Context, id string) (*models.PendingOperation, error) {
	op, err := q.backend.Requeue(ctx, id, q.now().Unix())
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		return nil, errors.Wrap(errors.ErrDatabase, "failed to requeue dead letter", err)
	}

	logging.Info("Dead letter requeued", map[string]interface{}{"op_id": op.ID, "seq": op.Seq})
	return op, nil
}

// Clear drops every pending operation. Dead letters are kept.
func (q *SyncQueue) Clear(ctx context.Context) error {
	if err := q.backend.Clear(ctx); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to clear queue", err)
	}
	logging.Info("Sync queue cleared", nil)
	return nil
}
