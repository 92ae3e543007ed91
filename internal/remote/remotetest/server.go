// Package remotetest provides an in-process fake of the remote service for tests.
package remotetest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Request is a REST call the server received.
type Request struct {
	Method string
	Table  string
	ID     string
	Body   string
}

// Server is a fake REST + realtime service backed by in-memory tables.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	tables   map[string]map[string]json.RawMessage
	requests []Request
	failures []failure
	subs     map[*websocket.Conn]string

	hits     atomic.Int64
	upgrader websocket.Upgrader
}

type failure struct {
	method string
	table  string
	status int
	body   string
}

// NewServer starts a fake service. Close it when done.
func NewServer() *Server {
	s := &Server{
		tables: make(map[string]map[string]json.RawMessage),
		subs:   make(map[*websocket.Conn]string),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Close drops realtime streams and shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	for conn := range s.subs {
		conn.Close()
	}
	s.mu.Unlock()
	s.Server.Close()
}

// DropSubscribers closes every realtime stream, as a network drop would.
func (s *Server) DropSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.subs {
		conn.Close()
	}
}

// Hits returns the number of requests received, realtime handshakes included.
func (s *Server) Hits() int64 {
	return s.hits.Load()
}

// Requests returns the REST calls received so far, pings excluded.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Seed stores rows directly, bypassing the request log.
func (s *Server) Seed(table string, rows ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.table(table)[gjson.Get(row, "id").String()] = json.RawMessage(row)
	}
}

// Rows returns the rows of a table ordered by id.
func (s *Server) Rows(table string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(table)
}

// Fail makes the next matching call answer with status. Empty method or table match anything.
func (s *Server) Fail(method, table string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{method, table, status, body})
}

// Publish sends a change frame to realtime subscribers of the table.
func (s *Server) Publish(table string, frame interface{}) {
	raw, _ := json.Marshal(frame)

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, t := range s.subs {
		if t == table {
			conn.WriteMessage(websocket.TextMessage, raw)
		}
	}
}

// Subscribers returns the number of open realtime streams.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)

	switch {
	case r.URL.Path == "/realtime/v1/websocket":
		s.serveRealtime(w, r)
	case r.URL.Path == "/rest/v1/" || r.URL.Path == "/rest/v1":
		if f, ok := s.takeFailure(http.MethodGet, "health"); ok {
			http.Error(w, f.body, f.status)
			return
		}
		w.WriteHeader(http.StatusOK)
	case strings.HasPrefix(r.URL.Path, "/rest/v1/"):
		s.serveTable(w, r, strings.TrimPrefix(r.URL.Path, "/rest/v1/"))
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveTable(w http.ResponseWriter, r *http.Request, table string) {
	body, _ := io.ReadAll(r.Body)
	id := strings.TrimPrefix(r.URL.Query().Get("id"), "eq.")

	s.mu.Lock()
	s.requests = append(s.requests, Request{Method: r.Method, Table: table, ID: id, Body: string(body)})
	s.mu.Unlock()

	if f, ok := s.takeFailure(r.Method, table); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		io.WriteString(w, f.body)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.table(table)
	var out []json.RawMessage
	status := http.StatusOK

	switch r.Method {
	case http.MethodGet:
		out = s.sorted(table)
		for col, values := range r.URL.Query() {
			if col == "select" || col == "order" {
				continue
			}
			want := strings.TrimPrefix(values[0], "eq.")
			filtered := out[:0:0]
			for _, row := range out {
				if gjson.GetBytes(row, col).String() == want {
					filtered = append(filtered, row)
				}
			}
			out = filtered
		}
	case http.MethodPost:
		rid := gjson.GetBytes(body, "id").String()
		if _, exists := rows[rid]; exists {
			writeJSON(w, http.StatusConflict, map[string]string{"message": "duplicate key " + rid})
			return
		}
		rows[rid] = json.RawMessage(body)
		out = []json.RawMessage{rows[rid]}
		status = http.StatusCreated
	case http.MethodPatch:
		if row, ok := rows[id]; ok {
			merged := append([]byte(nil), row...)
			gjson.ParseBytes(body).ForEach(func(k, v gjson.Result) bool {
				merged, _ = sjson.SetRawBytes(merged, k.String(), []byte(v.Raw))
				return true
			})
			rows[id] = merged
			out = []json.RawMessage{rows[id]}
		}
	case http.MethodDelete:
		if row, ok := rows[id]; ok {
			delete(rows, id)
			out = []json.RawMessage{row}
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if out == nil {
		out = []json.RawMessage{}
	}
	writeJSON(w, status, out)
}

func (s *Server) serveRealtime(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	table := r.URL.Query().Get("table")

	s.mu.Lock()
	s.subs[conn] = table
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) takeFailure(method, table string) (failure, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.failures {
		if (f.method == "" || f.method == method) && (f.table == "" || f.table == table) {
			s.failures = append(s.failures[:i], s.failures[i+1:]...)
			return f, true
		}
	}
	return failure{}, false
}

func (s *Server) table(name string) map[string]json.RawMessage {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]json.RawMessage)
		s.tables[name] = t
	}
	return t
}

func (s *Server) sorted(table string) []json.RawMessage {
	rows := s.table(table)
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		out = append(out, append(json.RawMessage(nil), rows[id]...))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
