// Package db provides persistence for the sync queue and its dead letters.
package db

import (
	"context"
	"fmt"

	"github.com/kimhsiao/taskdeck/internal/models"
)

// =====================================================
// Pending Operation Operations
// =====================================================

// InsertOperation appends an operation to the queue and sets its Seq.
func (r *Repository) InsertOperation(ctx context.Context, op *models.PendingOperation) error {
	res, err := r.db.ExecContext(ctx, `
	INSERT INTO pending_operations (id, operation, entity_type, entity_id, payload, enqueued_at, attempts, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.Operation, op.EntityType, op.EntityID, payloadText(op.Payload), op.EnqueuedAt, op.Attempts, op.LastError)
	if err != nil {
		return err
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read queue sequence: %w", err)
	}
	op.Seq = seq
	return nil
}

// ListOperations returns the queued operations in FIFO order.
func (r *Repository) ListOperations(ctx context.Context) ([]*models.PendingOperation, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT seq, id, operation, entity_type, entity_id, payload, enqueued_at, attempts, last_error
	FROM pending_operations ORDER BY seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ops := make([]*models.PendingOperation, 0)
	for rows.Next() {
		var op models.PendingOperation
		var payload string
		if err := rows.Scan(&op.Seq, &op.ID, &op.Operation, &op.EntityType, &op.EntityID,
			&payload, &op.EnqueuedAt, &op.Attempts, &op.LastError); err != nil {
			return nil, err
		}
		op.Payload = []byte(payload)
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// DeleteOperation removes a replayed operation.
func (r *Repository) DeleteOperation(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM pending_operations WHERE id = ?", id)
	return err
}

// UpdateOperationAttempt records a failed replay attempt.
func (r *Repository) UpdateOperationAttempt(ctx context.Context, id string, attempts int, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE pending_operations SET attempts = ?, last_error = ? WHERE id = ?", attempts, lastError, id)
	return err
}

// CountOperations returns the queue depth.
func (r *Repository) CountOperations(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_operations").Scan(&n)
	return n, err
}

// DeleteAllOperations empties the queue.
func (r *Repository) DeleteAllOperations(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM pending_operations")
	return err
}

// =====================================================
// Dead Letter Operations
// =====================================================

// MoveToDeadLetter removes the operation from the queue and records it as a dead letter.
func (r *Repository) MoveToDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
	INSERT OR REPLACE INTO dead_letters (id, seq, operation, entity_type, entity_id, payload,
		enqueued_at, attempts, last_error, reason, status_code, failed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, dl.ID, dl.Seq, dl.Operation, dl.EntityType, dl.EntityID, payloadText(dl.Payload),
		dl.EnqueuedAt, dl.Attempts, dl.LastError, dl.Reason, dl.StatusCode, dl.FailedAt); err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_operations WHERE id = ?", dl.ID); err != nil {
		return fmt.Errorf("failed to remove queued operation: %w", err)
	}

	return tx.Commit()
}

// ListDeadLetters returns dead letters oldest first.
func (r *Repository) ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT seq, id, operation, entity_type, entity_id, payload, enqueued_at, attempts, last_error,
		reason, status_code, failed_at
	FROM dead_letters ORDER BY failed_at, seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	letters := make([]*models.DeadLetter, 0)
	for rows.Next() {
		var dl models.DeadLetter
		var payload string
		if err := rows.Scan(&dl.Seq, &dl.ID, &dl.Operation, &dl.EntityType, &dl.EntityID, &payload,
			&dl.EnqueuedAt, &dl.Attempts, &dl.LastError, &dl.Reason, &dl.StatusCode, &dl.FailedAt); err != nil {
			return nil, err
		}
		dl.Payload = []byte(payload)
		letters = append(letters, &dl)
	}
	return letters, rows.Err()
}

// RequeueDeadLetter moves a dead letter back to the tail of the queue with a fresh Seq.
// Returns sql.ErrNoRows when the id is unknown.
func (r *Repository) RequeueDeadLetter(ctx context.Context, id string, enqueuedAt int64) (*models.PendingOperation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var op models.PendingOperation
	var payload string
	err = tx.QueryRowContext(ctx, `
	SELECT id, operation, entity_type, entity_id, payload FROM dead_letters WHERE id = ?
	`, id).Scan(&op.ID, &op.Operation, &op.EntityType, &op.EntityID, &payload)
	if err != nil {
		return nil, err
	}
	op.Payload = []byte(payload)
	op.EnqueuedAt = enqueuedAt

	if _, err := tx.ExecContext(ctx, "DELETE FROM dead_letters WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to delete dead letter: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
	INSERT INTO pending_operations (id, operation, entity_type, entity_id, payload, enqueued_at, attempts, last_error)
	VALUES (?, ?, ?, ?, ?, ?, 0, '')
	`, op.ID, op.Operation, op.EntityType, op.EntityID, payload, op.EnqueuedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue operation: %w", err)
	}
	if op.Seq, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read queue sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &op, nil
}

// CountDeadLetters returns the number of dead letters.
func (r *Repository) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letters").Scan(&n)
	return n, err
}

func payloadText(p []byte) string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}
