package remote

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/taskdeck/internal/errors"
)

// Change kinds carried by realtime frames.
const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
)

// Change is one realtime frame describing a row change.
type Change struct {
	Type      string          `json:"type"`
	Table     string          `json:"table"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

// ChangeHandler receives frames in the order the service sent them.
type ChangeHandler func(Change)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Subscribe streams row changes of a table until ctx is cancelled or the connection drops.
// It returns nil on cancellation and the read error otherwise.
func (c *Client) Subscribe(ctx context.Context, table string, filter Filter, handler ChangeHandler) error {
	q := filter.query()
	q.Set("table", table)
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}
	endpoint := websocketURL(c.baseURL) + realtimePath + "?" + q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return errors.Wrap(errors.ErrRemoteUnavailable, "failed to open realtime stream", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return errors.Wrap(errors.ErrRemoteUnavailable, "realtime stream closed", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var change Change
		if err := json.Unmarshal(message, &change); err != nil {
			continue
		}
		if change.Table == "" {
			change.Table = table
		}
		handler(change)
	}
}

func websocketURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return strings.TrimRight(u.String(), "/")
}
