// Package queue provides unit tests for the sync queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/kimhsiao/taskdeck/internal/db"
	"github.com/kimhsiao/taskdeck/internal/errors"
	"github.com/kimhsiao/taskdeck/internal/models"
)

// =====================================================
// Test Helpers
// =====================================================

type statusError struct{ status int }

func (e *statusError) Error() string   { return fmt.Sprintf("remote returned %d", e.status) }
func (e *statusError) StatusCode() int { return e.status }

func sqliteBackend(t *testing.T) Backend {
	t.Helper()

	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	repo := db.NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })
	return NewSQLiteBackend(repo)
}

func memoryBackend(t *testing.T) Backend {
	return NewMemoryBackend()
}

var backends = map[string]func(t *testing.T) Backend{
	"sqlite": sqliteBackend,
	"memory": memoryBackend,
}

func payload(id string) json.RawMessage {
	return json.RawMessage(`{"id":"` + id + `"}`)
}

// recorder is a Sender that records calls and fails on chosen calls.
type recorder struct {
	calls []string
	fail  map[int]error // call index -> error
}

func (r *recorder) send(ctx context.Context, op *models.PendingOperation) error {
	idx := len(r.calls)
	r.calls = append(r.calls, string(op.Operation)+":"+op.EntityID)
	if err, ok := r.fail[idx]; ok {
		return err
	}
	return nil
}

func enqueueN(t *testing.T, q *SyncQueue, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("t%d", i)
		if _, err := q.Enqueue(context.Background(), models.OperationCreate, models.EntityTasks, id, payload(id)); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}
}

// =====================================================
// Enqueue Tests
// =====================================================

func TestEnqueue(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			q := NewSyncQueue(open(t), Config{})

			op, err := q.Enqueue(context.Background(), models.OperationCreate, models.EntityMessages, "m1", payload("m1"))
			if err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}
			if op.ID == "" {
				t.Error("expected operation id to be set")
			}
			if op.Seq == 0 {
				t.Error("expected seq to be assigned")
			}
			if op.EnqueuedAt == 0 {
				t.Error("expected enqueue time to be set")
			}

			n, _ := q.Len(context.Background())
			if n != 1 {
				t.Errorf("Len() = %d, want 1", n)
			}
		})
	}
}

func TestEnqueue_invalid(t *testing.T) {
	q := NewSyncQueue(NewMemoryBackend(), Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		op   models.Operation
		typ  models.EntityType
		id   string
	}{
		{"unknown operation", "upsert", models.EntityTasks, "t1"},
		{"unknown type", models.OperationCreate, "notes", "t1"},
		{"missing id", models.OperationCreate, models.EntityTasks, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.op, tt.typ, tt.id, nil)
			if !errors.Is(err, errors.ErrInvalid) {
				t.Errorf("Enqueue() error = %v, want INVALID_INPUT", err)
			}
		})
	}
}

func TestEnqueue_full(t *testing.T) {
	q := NewSyncQueue(NewMemoryBackend(), Config{MaxSize: 2})
	enqueueN(t, q, 2)

	_, err := q.Enqueue(context.Background(), models.OperationDelete, models.EntityTasks, "t9", nil)
	if !errors.Is(err, errors.ErrQueueFull) {
		t.Errorf("Enqueue() error = %v, want QUEUE_FULL", err)
	}
}

// =====================================================
// Drain Tests
// =====================================================

// TestDrain_order verifies operations are replayed in exact enqueue order.
func TestDrain_order(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			q := NewSyncQueue(open(t), Config{})
			enqueueN(t, q, 5)

			rec := &recorder{}
			result, err := q.Drain(context.Background(), rec.send)
			if err != nil {
				t.Fatalf("Drain() error = %v", err)
			}

			want := []string{"create:t1", "create:t2", "create:t3", "create:t4", "create:t5"}
			if fmt.Sprint(rec.calls) != fmt.Sprint(want) {
				t.Errorf("calls = %v, want %v", rec.calls, want)
			}
			if result.Sent != 5 || result.Remaining != 0 || len(result.Replayed) != 5 {
				t.Errorf("result = %+v", result)
			}
			if n, _ := q.Len(context.Background()); n != 0 {
				t.Errorf("Len() = %d, want 0", n)
			}
		})
	}
}

// TestDrain_stopsAtFirstFailure verifies a retryable failure on op k keeps k..n queued in order.
func TestDrain_stopsAtFirstFailure(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := NewSyncQueue(open(t), Config{})
			enqueueN(t, q, 5)

			rec := &recorder{fail: map[int]error{2: &statusError{503}}}
			result, err := q.Drain(ctx, rec.send)
			if err == nil {
				t.Fatal("Drain() should return the send error")
			}
			if errors.StatusOf(err) != 503 {
				t.Errorf("StatusOf(err) = %d, want 503", errors.StatusOf(err))
			}
			if result.Sent != 2 || result.Remaining != 3 {
				t.Errorf("result = %+v, want Sent=2 Remaining=3", result)
			}
			if len(rec.calls) != 3 {
				t.Errorf("calls = %v, want drain to stop after the third call", rec.calls)
			}

			ops, _ := q.List(ctx)
			var ids []string
			for _, op := range ops {
				ids = append(ids, op.EntityID)
			}
			if fmt.Sprint(ids) != "[t3 t4 t5]" {
				t.Errorf("remaining = %v, want [t3 t4 t5]", ids)
			}
			if ops[0].Attempts != 1 || ops[0].LastError == "" {
				t.Errorf("head op attempts = %d, last error = %q", ops[0].Attempts, ops[0].LastError)
			}

			// Next drain resumes at the failed op.
			rec = &recorder{}
			if _, err := q.Drain(ctx, rec.send); err != nil {
				t.Fatalf("second Drain() error = %v", err)
			}
			if fmt.Sprint(rec.calls) != "[create:t3 create:t4 create:t5]" {
				t.Errorf("second drain calls = %v", rec.calls)
			}
		})
	}
}

// TestDrain_createThenUpdate verifies two ops on one entity are neither reversed nor coalesced.
func TestDrain_createThenUpdate(t *testing.T) {
	ctx := context.Background()
	q := NewSyncQueue(sqliteBackend(t), Config{})

	q.Enqueue(ctx, models.OperationCreate, models.EntityTasks, "t1", json.RawMessage(`{"id":"t1","text":"a"}`))
	q.Enqueue(ctx, models.OperationUpdate, models.EntityTasks, "t1", json.RawMessage(`{"text":"b"}`))

	rec := &recorder{}
	if _, err := q.Drain(ctx, rec.send); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if fmt.Sprint(rec.calls) != "[create:t1 update:t1]" {
		t.Errorf("calls = %v, want [create:t1 update:t1]", rec.calls)
	}
}

// TestDrain_deadLetter verifies permanent failures are set aside and the drain continues.
func TestDrain_deadLetter(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := NewSyncQueue(open(t), Config{})
			enqueueN(t, q, 3)

			rec := &recorder{fail: map[int]error{1: &statusError{422}}}
			result, err := q.Drain(ctx, rec.send)
			if err != nil {
				t.Fatalf("Drain() error = %v", err)
			}
			if result.Sent != 2 || result.DeadLettered != 1 {
				t.Errorf("result = %+v, want Sent=2 DeadLettered=1", result)
			}

			letters, _ := q.DeadLetters(ctx)
			if len(letters) != 1 || letters[0].EntityID != "t2" || letters[0].StatusCode != 422 {
				t.Fatalf("DeadLetters() = %+v", letters)
			}

			op, err := q.Requeue(ctx, string(letters[0].ID))
			if err != nil {
				t.Fatalf("Requeue() error = %v", err)
			}
			if op.EntityID != "t2" {
				t.Errorf("requeued entity = %s, want t2", op.EntityID)
			}
			if n, _ := q.DeadLetterCount(ctx); n != 0 {
				t.Errorf("DeadLetterCount() = %d, want 0", n)
			}
			if n, _ := q.Len(ctx); n != 1 {
				t.Errorf("Len() = %d, want 1", n)
			}
		})
	}
}

func TestDrain_rejectedCode(t *testing.T) {
	ctx := context.Background()
	q := NewSyncQueue(NewMemoryBackend(), Config{})
	enqueueN(t, q, 1)

	rec := &recorder{fail: map[int]error{0: errors.New(errors.ErrValidation, "text is required")}}
	result, err := q.Drain(ctx, rec.send)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if result.DeadLettered != 1 {
		t.Errorf("DeadLettered = %d, want 1", result.DeadLettered)
	}
}

// TestDrain_maxAttempts verifies a repeatedly failing op stops blocking the queue.
func TestDrain_maxAttempts(t *testing.T) {
	ctx := context.Background()
	q := NewSyncQueue(NewMemoryBackend(), Config{MaxAttempts: 2})
	enqueueN(t, q, 2)

	failFirst := func(ctx context.Context, op *models.PendingOperation) error {
		if op.EntityID == "t1" {
			return &statusError{500}
		}
		return nil
	}

	if _, err := q.Drain(ctx, failFirst); err == nil {
		t.Fatal("first Drain() should fail")
	}

	result, err := q.Drain(ctx, failFirst)
	if err != nil {
		t.Fatalf("second Drain() error = %v", err)
	}
	if result.DeadLettered != 1 || result.Sent != 1 {
		t.Errorf("result = %+v, want DeadLettered=1 Sent=1", result)
	}
}

func TestDrain_cancelled(t *testing.T) {
	q := NewSyncQueue(NewMemoryBackend(), Config{})
	enqueueN(t, q, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &recorder{}
	result, err := q.Drain(ctx, rec.send)
	if err != context.Canceled {
		t.Errorf("Drain() error = %v, want context.Canceled", err)
	}
	if len(rec.calls) != 0 || result.Remaining != 2 {
		t.Errorf("calls = %v, result = %+v", rec.calls, result)
	}
}

// =====================================================
// Inspection Tests
// =====================================================

func TestHasPending(t *testing.T) {
	ctx := context.Background()
	q := NewSyncQueue(NewMemoryBackend(), Config{})
	enqueueN(t, q, 1)

	if ok, _ := q.HasPending(ctx, models.EntityTasks, "t1"); !ok {
		t.Error("HasPending(t1) = false, want true")
	}
	if ok, _ := q.HasPending(ctx, models.EntityMessages, "t1"); ok {
		t.Error("HasPending(messages/t1) = true, want false")
	}
}

func TestRequeue_unknown(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			q := NewSyncQueue(open(t), Config{})
			if _, err := q.Requeue(context.Background(), "missing"); !errors.Is(err, errors.ErrNotFound) {
				t.Errorf("Requeue() error = %v, want NOT_FOUND", err)
			}
		})
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	q := NewSyncQueue(NewMemoryBackend(), Config{})
	enqueueN(t, q, 3)

	if err := q.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}
