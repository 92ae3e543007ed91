// Package remote provides the client for the hosted task and chat service.
// The service speaks a PostgREST dialect: rows live under {base}/rest/v1/{table}
// and are addressed with column=eq.value filters.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/kimhsiao/taskdeck/internal/errors"
	"github.com/kimhsiao/taskdeck/internal/logging"
	"github.com/kimhsiao/taskdeck/internal/models"
)

const (
	restPath     = "/rest/v1/"
	realtimePath = "/realtime/v1/websocket"

	defaultTimeout = 30 * time.Second
)

// Filter selects rows by column equality.
type Filter map[string]string

// Options configures a Client.
type Options struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client talks to the remote service.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	dialer  *websocket.Dialer
}

// NewClient creates a new remote client.
func NewClient(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New(errors.ErrSyncNotConfigured, "remote url is not set")
	}
	u, err := url.Parse(opts.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.New(errors.ErrSyncNotConfigured, fmt.Sprintf("invalid remote url %q", opts.URL))
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(opts.URL, "/"),
		apiKey:  opts.APIKey,
		client:  httpClient,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

// RemoteError is a non-2xx answer from the remote service.
type RemoteError struct {
	Method string
	Table  string
	Status int
	Body   string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	msg := gjson.Get(e.Body, "message").String()
	if msg == "" {
		msg = strings.TrimSpace(e.Body)
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s %s: remote returned %d: %s", e.Method, e.Table, e.Status, msg)
}

// StatusCode returns the HTTP status of the answer.
func (e *RemoteError) StatusCode() int {
	return e.Status
}

// =====================================================
// REST Operations
// =====================================================

// Select returns the rows of a table matching filter, ordered by id.
func (c *Client) Select(ctx context.Context, table string, filter Filter) ([]json.RawMessage, error) {
	q := filter.query()
	q.Set("select", "*")
	q.Set("order", "id.asc")

	body, err := c.do(ctx, http.MethodGet, table, q, nil)
	if err != nil {
		return nil, err
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errors.Wrap(errors.ErrRemoteUnavailable, "failed to decode "+table+" rows", err)
	}
	return rows, nil
}

// Insert creates a row and returns it as stored remotely.
func (c *Client) Insert(ctx context.Context, table string, record json.RawMessage) (json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodPost, table, nil, record)
	if err != nil {
		return nil, err
	}
	return firstRow(body, record), nil
}

// Update patches the row with the given id. A missing row is reported as a 404 RemoteError.
func (c *Client) Update(ctx context.Context, table, id string, patch json.RawMessage) (json.RawMessage, error) {
	q := Filter{"id": id}.query()
	body, err := c.do(ctx, http.MethodPatch, table, q, patch)
	if err != nil {
		return nil, err
	}
	if len(gjson.ParseBytes(body).Array()) == 0 {
		rerr := &RemoteError{Method: http.MethodPatch, Table: table, Status: http.StatusNotFound, Body: `{"message":"row ` + id + ` not found"}`}
		return nil, errors.Wrap(errors.ErrRemoteRejected, "update rejected", rerr)
	}
	return firstRow(body, patch), nil
}

// Delete removes the row with the given id. Deleting a missing row succeeds.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	_, err := c.do(ctx, http.MethodDelete, table, Filter{"id": id}.query(), nil)
	return err
}

// Ping checks that the service is reachable. Any answer below 500 counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+restPath, nil)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to create request", err)
	}
	c.authorize(req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrRemoteUnavailable, "remote unreachable", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return errors.Wrap(errors.ErrRemoteUnavailable, "remote unhealthy",
			&RemoteError{Method: http.MethodGet, Table: "health", Status: resp.StatusCode})
	}
	return nil
}

// Send replays a queued operation with the matching insert, update or delete call.
func (c *Client) Send(ctx context.Context, op *models.PendingOperation) error {
	table := op.EntityType.Table()
	switch op.Operation {
	case models.OperationCreate:
		record, err := models.WithID(op.Payload, op.EntityID)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "bad create payload", err)
		}
		_, err = c.Insert(ctx, table, record)
		if errors.StatusOf(err) == http.StatusConflict {
			// The row exists: an earlier replay reached the service but its response was lost.
			logging.Warn("Replayed create already applied", map[string]interface{}{
				"table":     table,
				"entity_id": op.EntityID,
			})
			return nil
		}
		return err
	case models.OperationUpdate:
		_, err := c.Update(ctx, table, op.EntityID, op.Payload)
		return err
	case models.OperationDelete:
		return c.Delete(ctx, table, op.EntityID)
	}
	return errors.New(errors.ErrInvalid, fmt.Sprintf("unknown operation %q", op.Operation))
}

func (c *Client) do(ctx context.Context, method, table string, q url.Values, body []byte) ([]byte, error) {
	endpoint := c.baseURL + restPath + url.PathEscape(table)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to create request", err)
	}
	c.authorize(req.Header)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrRemoteUnavailable, fmt.Sprintf("%s %s failed", method, table), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrRemoteUnavailable, "failed to read response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rerr := &RemoteError{Method: method, Table: table, Status: resp.StatusCode, Body: string(respBody)}
		if errors.RetryableStatus(resp.StatusCode) {
			return nil, errors.Wrap(errors.ErrRemoteUnavailable, "remote call failed", rerr)
		}
		return nil, errors.Wrap(errors.ErrRemoteRejected, "remote call rejected", rerr)
	}
	return respBody, nil
}

func (c *Client) authorize(h http.Header) {
	if c.apiKey == "" {
		return
	}
	h.Set("apikey", c.apiKey)
	h.Set("Authorization", "Bearer "+c.apiKey)
}

func (f Filter) query() url.Values {
	q := url.Values{}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, "eq."+f[k])
	}
	return q
}

// firstRow returns the first element of a representation array, or fallback when the
// service answered without a body.
func firstRow(body []byte, fallback json.RawMessage) json.RawMessage {
	first := gjson.GetBytes(body, "0")
	if !first.Exists() {
		return fallback
	}
	return json.RawMessage(first.Raw)
}
