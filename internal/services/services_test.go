package services

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kimhsiao/taskdeck/internal/db"
	"github.com/kimhsiao/taskdeck/internal/errors"
	"github.com/kimhsiao/taskdeck/internal/models"
	"github.com/kimhsiao/taskdeck/internal/remote"
	"github.com/kimhsiao/taskdeck/internal/remote/remotetest"
	"github.com/kimhsiao/taskdeck/internal/store"
	"github.com/kimhsiao/taskdeck/internal/sync/queue"
)

// =====================================================
// Test Helpers
// =====================================================

type connectivity bool

func (c *connectivity) Online() bool { return bool(*c) }

type fixture struct {
	srv    *remotetest.Server
	store  store.LocalStore
	queue  *queue.SyncQueue
	online *connectivity
	deps   Deps
}

func newFixture(t *testing.T, online bool) *fixture {
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

	srv := remotetest.NewServer()
	t.Cleanup(srv.Close)
	client, err := remote.NewClient(remote.Options{URL: srv.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	c := connectivity(online)
	f := &fixture{
		srv:    srv,
		store:  store.NewSQLiteStore(repo),
		queue:  queue.NewSyncQueue(queue.NewSQLiteBackend(repo), queue.Config{MaxSize: 3}),
		online: &c,
	}
	f.deps = Deps{Store: f.store, Queue: f.queue, Remote: client, Connectivity: f.online}
	return f
}

func (f *fixture) pending(t *testing.T) []*models.PendingOperation {
	t.Helper()
	ops, err := f.queue.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return ops
}

// =====================================================
// Online Tests
// =====================================================

func TestTaskService_CreateOnline(t *testing.T) {
	f := newFixture(t, true)
	svc := NewTaskService(f.deps)
	ctx := context.Background()

	e, err := svc.Create(ctx, json.RawMessage(`{"text":"buy milk"}`))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if e.ID == "" || e.Unsynced {
		t.Errorf("Create() = %+v, want confirmed entity with id", e)
	}

	rows := f.srv.Rows("todos")
	if len(rows) != 1 || gjson.GetBytes(rows[0], "id").String() != e.ID {
		t.Errorf("remote rows = %s, want the created task", rows)
	}

	got, err := svc.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Unsynced {
		t.Error("stored task should not carry the unsynced marker")
	}
	if len(f.pending(t)) != 0 {
		t.Error("online writes must not be queued")
	}
}

func TestTaskService_CreateRollback(t *testing.T) {
	f := newFixture(t, true)
	svc := NewTaskService(f.deps)
	ctx := context.Background()

	f.srv.Fail(http.MethodPost, "todos", http.StatusUnprocessableEntity, `{"message":"bad"}`)
	_, err := svc.Create(ctx, json.RawMessage(`{"id":"t1","text":"x"}`))
	if !errors.Is(err, errors.ErrRemoteRejected) {
		t.Fatalf("Create() error = %v, want REMOTE_REJECTED", err)
	}

	all, _ := svc.List(ctx)
	if len(all) != 0 {
		t.Errorf("List() = %d entities, want rollback to empty", len(all))
	}
}

func TestTaskService_UpdateRollback(t *testing.T) {
	f := newFixture(t, true)
	svc := NewTaskService(f.deps)
	ctx := context.Background()

	if _, err := svc.Create(ctx, json.RawMessage(`{"id":"t1","text":"old"}`)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	f.srv.Fail(http.MethodPatch, "todos", http.StatusServiceUnavailable, "")
	_, err := svc.Update(ctx, "t1", json.RawMessage(`{"text":"new"}`))
	if !errors.Is(err, errors.ErrRemoteUnavailable) {
		t.Fatalf("Update() error = %v, want REMOTE_UNAVAILABLE", err)
	}

	got, _ := svc.Get(ctx, "t1")
	if text := got.Field("text").String(); text != "old" {
		t.Errorf("text = %q after rollback, want old", text)
	}

	e, err := svc.Update(ctx, "t1", json.RawMessage(`{"text":"new","done":true}`))
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if e.Field("text").String() != "new" || !e.Field("done").Bool() {
		t.Errorf("Update() = %s", e.Data)
	}
}

func TestTaskService_DeleteRollback(t *testing.T) {
	f := newFixture(t, true)
	svc := NewTaskService(f.deps)
	ctx := context.Background()

	if _, err := svc.Create(ctx, json.RawMessage(`{"id":"t1","text":"keep"}`)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	f.srv.Fail(http.MethodDelete, "todos", http.StatusForbidden, "")
	if err := svc.Delete(ctx, "t1"); err == nil {
		t.Fatal("Delete() expected error")
	}
	if _, err := svc.Get(ctx, "t1"); err != nil {
		t.Errorf("Get() error = %v, want task restored", err)
	}

	if err := svc.Delete(ctx, "t1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := svc.Get(ctx, "t1"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Get() error = %v, want NOT_FOUND", err)
	}
}

// =====================================================
// Offline Tests
// =====================================================

func TestTaskService_Offline(t *testing.T) {
	f := newFixture(t, false)
	svc := NewTaskService(f.deps)
	ctx := context.Background()

	e, err := svc.Create(ctx, json.RawMessage(`{"id":"t1","text":"draft"}`))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !e.Unsynced {
		t.Error("offline create should carry the unsynced marker")
	}
	if _, err := svc.Update(ctx, "t1", json.RawMessage(`{"done":true}`)); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	ops := f.pending(t)
	if len(ops) != 2 || ops[0].Operation != models.OperationCreate || ops[1].Operation != models.OperationUpdate {
		t.Fatalf("queue = %+v, want create then update", ops)
	}
	if gjson.GetBytes(ops[1].Payload, "text").Exists() {
		t.Errorf("update payload = %s, want only the patch", ops[1].Payload)
	}
	if f.srv.Hits() != 0 {
		t.Errorf("offline writes hit the network %d times", f.srv.Hits())
	}

	if err := svc.Delete(ctx, "t1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if n := len(f.pending(t)); n != 3 {
		t.Errorf("queue length = %d, want 3", n)
	}
}

func TestTaskService_OfflineQueueFull(t *testing.T) {
	f := newFixture(t, false)
	svc := NewTaskService(f.deps)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := svc.Create(ctx, json.RawMessage(`{"id":"`+id+`","text":"x"}`)); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	_, err := svc.Create(ctx, json.RawMessage(`{"id":"d","text":"x"}`))
	if !errors.Is(err, errors.ErrQueueFull) {
		t.Fatalf("Create() error = %v, want QUEUE_FULL", err)
	}
	if _, err := svc.Get(ctx, "d"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Get(d) error = %v, want the optimistic write rolled back", err)
	}
}

// =====================================================
// Validation Tests
// =====================================================

func TestValidation(t *testing.T) {
	f := newFixture(t, false)
	tasks := NewTaskService(f.deps)
	messages := NewMessageService(f.deps)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		code errors.ErrorCode
	}{
		{"not an object", func() error { _, err := tasks.Create(ctx, json.RawMessage(`[]`)); return err }, errors.ErrInvalid},
		{"task without text", func() error { _, err := tasks.Create(ctx, json.RawMessage(`{"done":false}`)); return err }, errors.ErrValidation},
		{"message without body", func() error { _, err := messages.Send(ctx, json.RawMessage(`{"text":"x"}`)); return err }, errors.ErrValidation},
		{"update unknown", func() error { _, err := tasks.Update(ctx, "nope", json.RawMessage(`{"text":"x"}`)); return err }, errors.ErrNotFound},
		{"delete unknown", func() error { return messages.Delete(ctx, "nope") }, errors.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.code) {
				t.Errorf("error = %v, want %s", err, tt.code)
			}
		})
	}

	if _, err := tasks.Create(ctx, json.RawMessage(`{"id":"t1","text":"x"}`)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := tasks.Update(ctx, "t1", json.RawMessage(`{"id":"t2"}`)); !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("Update() changing id error = %v, want INVALID_INPUT", err)
	}
	if _, err := tasks.Update(ctx, "t1", json.RawMessage(`{"text":""}`)); !errors.Is(err, errors.ErrValidation) {
		t.Errorf("Update() clearing text error = %v, want VALIDATION_ERROR", err)
	}
	if _, err := tasks.Create(ctx, json.RawMessage(`{"id":"t1","text":"dup"}`)); !errors.Is(err, errors.ErrValidation) {
		t.Errorf("Create() duplicate error = %v, want VALIDATION_ERROR", err)
	}
}

func TestMessageService_SendEdit(t *testing.T) {
	f := newFixture(t, true)
	svc := NewMessageService(f.deps)
	ctx := context.Background()

	m, err := svc.Send(ctx, json.RawMessage(`{"body":"hi"}`))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if _, err := svc.Edit(ctx, m.ID, json.RawMessage(`{"body":"hello"}`)); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}

	rows := f.srv.Rows("messages")
	if len(rows) != 1 || gjson.GetBytes(rows[0], "body").String() != "hello" {
		t.Errorf("remote rows = %s", rows)
	}
}
