package remote_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/kimhsiao/taskdeck/internal/errors"
	"github.com/kimhsiao/taskdeck/internal/models"
	"github.com/kimhsiao/taskdeck/internal/remote"
	"github.com/kimhsiao/taskdeck/internal/remote/remotetest"
)

func newClient(t *testing.T) (*remote.Client, *remotetest.Server) {
	t.Helper()

	srv := remotetest.NewServer()
	t.Cleanup(srv.Close)

	c, err := remote.NewClient(remote.Options{URL: srv.URL, APIKey: "anon", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c, srv
}

// =====================================================
// Construction Tests
// =====================================================

func TestNewClient_notConfigured(t *testing.T) {
	for _, u := range []string{"", "not a url", "/relative"} {
		if _, err := remote.NewClient(remote.Options{URL: u}); !errors.Is(err, errors.ErrSyncNotConfigured) {
			t.Errorf("NewClient(%q) error = %v, want SYNC_NOT_CONFIGURED", u, err)
		}
	}
}

// =====================================================
// REST Tests
// =====================================================

func TestSelect(t *testing.T) {
	c, srv := newClient(t)
	srv.Seed("todos",
		`{"id":"b","text":"second","list_id":"l1"}`,
		`{"id":"a","text":"first","list_id":"l1"}`,
		`{"id":"c","text":"other","list_id":"l2"}`,
	)

	rows, err := c.Select(context.Background(), "todos", nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if len(rows) != 3 || models.RecordID(rows[0]) != "a" {
		t.Errorf("Select() = %s", rows)
	}

	rows, err = c.Select(context.Background(), "todos", remote.Filter{"list_id": "l2"})
	if err != nil {
		t.Fatalf("Select(filter) error = %v", err)
	}
	if len(rows) != 1 || models.RecordID(rows[0]) != "c" {
		t.Errorf("Select(filter) = %s", rows)
	}
}

func TestInsertUpdateDelete(t *testing.T) {
	ctx := context.Background()
	c, srv := newClient(t)

	row, err := c.Insert(ctx, "messages", json.RawMessage(`{"id":"m1","body":"hi"}`))
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if models.RecordID(row) != "m1" {
		t.Errorf("Insert() = %s", row)
	}

	row, err = c.Update(ctx, "messages", "m1", json.RawMessage(`{"body":"edited"}`))
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	var got map[string]string
	json.Unmarshal(row, &got)
	if got["body"] != "edited" {
		t.Errorf("Update() body = %q, want edited", got["body"])
	}

	if err := c.Delete(ctx, "messages", "m1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := c.Delete(ctx, "messages", "m1"); err != nil {
		t.Errorf("Delete() of missing row error = %v, want nil", err)
	}
	if n := len(srv.Rows("messages")); n != 0 {
		t.Errorf("rows left = %d, want 0", n)
	}

	reqs := srv.Requests()
	if len(reqs) != 4 || reqs[1].Method != http.MethodPatch || reqs[1].ID != "m1" {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestUpdate_missingRow(t *testing.T) {
	c, _ := newClient(t)

	_, err := c.Update(context.Background(), "todos", "ghost", json.RawMessage(`{"done":true}`))
	if errors.StatusOf(err) != http.StatusNotFound {
		t.Errorf("StatusOf(err) = %d, want 404", errors.StatusOf(err))
	}
	if errors.IsRetryable(err) {
		t.Error("missing row should not be retryable")
	}
}

// TestErrorClassification verifies remote answers are split into retryable and permanent.
func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
		code      errors.ErrorCode
	}{
		{http.StatusBadRequest, false, errors.ErrRemoteRejected},
		{http.StatusForbidden, false, errors.ErrRemoteRejected},
		{http.StatusConflict, false, errors.ErrRemoteRejected},
		{http.StatusRequestTimeout, true, errors.ErrRemoteUnavailable},
		{http.StatusTooManyRequests, true, errors.ErrRemoteUnavailable},
		{http.StatusInternalServerError, true, errors.ErrRemoteUnavailable},
		{http.StatusServiceUnavailable, true, errors.ErrRemoteUnavailable},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c, srv := newClient(t)
			srv.Fail(http.MethodPost, "todos", tt.status, `{"message":"nope"}`)

			_, err := c.Insert(context.Background(), "todos", json.RawMessage(`{"id":"t1"}`))
			if err == nil {
				t.Fatal("Insert() should fail")
			}
			if errors.IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", errors.IsRetryable(err), tt.retryable)
			}
			if !errors.Is(err, tt.code) {
				t.Errorf("error code = %s, want %s", errors.CodeOf(err), tt.code)
			}
			if errors.StatusOf(err) != tt.status {
				t.Errorf("StatusOf() = %d, want %d", errors.StatusOf(err), tt.status)
			}
		})
	}
}

func TestTransportError(t *testing.T) {
	srv := remotetest.NewServer()
	c, _ := remote.NewClient(remote.Options{URL: srv.URL})
	srv.Close()

	_, err := c.Select(context.Background(), "todos", nil)
	if !errors.Is(err, errors.ErrRemoteUnavailable) {
		t.Errorf("error = %v, want REMOTE_UNAVAILABLE", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("transport errors should be retryable")
	}
	if err := c.Ping(context.Background()); err == nil {
		t.Error("Ping() against a closed server should fail")
	}
}

func TestPing(t *testing.T) {
	c, srv := newClient(t)

	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}

	srv.Fail(http.MethodGet, "health", http.StatusBadGateway, "")
	if err := c.Ping(context.Background()); !errors.Is(err, errors.ErrRemoteUnavailable) {
		t.Errorf("Ping() error = %v, want REMOTE_UNAVAILABLE", err)
	}
}

// =====================================================
// Send Tests
// =====================================================

func TestSend(t *testing.T) {
	ctx := context.Background()
	c, srv := newClient(t)

	ops := []*models.PendingOperation{
		{Operation: models.OperationCreate, EntityType: models.EntityTasks, EntityID: "t1", Payload: json.RawMessage(`{"text":"a"}`)},
		{Operation: models.OperationUpdate, EntityType: models.EntityTasks, EntityID: "t1", Payload: json.RawMessage(`{"text":"b"}`)},
		{Operation: models.OperationDelete, EntityType: models.EntityTasks, EntityID: "t1"},
	}
	for _, op := range ops {
		if err := c.Send(ctx, op); err != nil {
			t.Fatalf("Send(%s) error = %v", op.Operation, err)
		}
	}

	reqs := srv.Requests()
	want := []string{http.MethodPost, http.MethodPatch, http.MethodDelete}
	for i, r := range reqs {
		if r.Method != want[i] || r.Table != "todos" {
			t.Errorf("request %d = %s %s, want %s todos", i, r.Method, r.Table, want[i])
		}
	}
	if models.RecordID([]byte(reqs[0].Body)) != "t1" {
		t.Errorf("create body %s lacks the entity id", reqs[0].Body)
	}
}

// TestSend_createAlreadyApplied verifies a replayed create whose row already exists
// counts as delivered, while other conflicts still fail.
func TestSend_createAlreadyApplied(t *testing.T) {
	ctx := context.Background()
	c, srv := newClient(t)
	srv.Seed("todos", `{"id":"t1","text":"a"}`)

	create := &models.PendingOperation{Operation: models.OperationCreate, EntityType: models.EntityTasks, EntityID: "t1", Payload: json.RawMessage(`{"text":"a"}`)}
	if err := c.Send(ctx, create); err != nil {
		t.Fatalf("Send(create) error = %v, want nil for an existing row", err)
	}
	if n := len(srv.Rows("todos")); n != 1 {
		t.Errorf("todos rows = %d, want 1", n)
	}

	srv.Fail(http.MethodPatch, "todos", http.StatusConflict, `{"message":"version mismatch"}`)
	update := &models.PendingOperation{Operation: models.OperationUpdate, EntityType: models.EntityTasks, EntityID: "t1", Payload: json.RawMessage(`{"text":"b"}`)}
	err := c.Send(ctx, update)
	if !errors.Is(err, errors.ErrRemoteRejected) {
		t.Errorf("Send(update) error = %v, want REMOTE_REJECTED", err)
	}
}

// =====================================================
// Realtime Tests
// =====================================================

func TestSubscribe(t *testing.T) {
	c, srv := newClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan remote.Change, 4)
	done := make(chan error, 1)
	go func() {
		done <- c.Subscribe(ctx, "todos", nil, func(ch remote.Change) { changes <- ch })
	}()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	srv.Publish("todos", remote.Change{Type: remote.ChangeInsert, Table: "todos", Record: json.RawMessage(`{"id":"t9"}`)})

	select {
	case ch := <-changes:
		if ch.Type != remote.ChangeInsert || models.RecordID(ch.Record) != "t9" {
			t.Errorf("change = %+v", ch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change received")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Subscribe() after cancel error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe() did not return after cancel")
	}
}
