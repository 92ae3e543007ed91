// Package realtime applies remote change streams to the local cache while online.
package realtime

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/kimhsiao/taskdeck/internal/logging"
	"github.com/kimhsiao/taskdeck/internal/models"
	"github.com/kimhsiao/taskdeck/internal/remote"
	"github.com/kimhsiao/taskdeck/internal/store"
)

// Subscriber opens a change stream for a table. It blocks until ctx is cancelled or the stream drops.
type Subscriber interface {
	Subscribe(ctx context.Context, table string, filter remote.Filter, handler remote.ChangeHandler) error
}

// PendingChecker reports whether local operations on an entity are still queued.
type PendingChecker interface {
	HasPending(ctx context.Context, typ models.EntityType, id string) (bool, error)
}

// Applier keeps the local store current from realtime frames. Frames for entities with
// queued local operations are ignored so the optimistic state stays visible.
type Applier struct {
	sub     Subscriber
	store   store.LocalStore
	pending PendingChecker
	retry   time.Duration

	mu     stdsync.Mutex
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// NewApplier creates a new Applier. retry is the delay before reopening a dropped stream.
func NewApplier(sub Subscriber, st store.LocalStore, pending PendingChecker, retry time.Duration) *Applier {
	if retry <= 0 {
		retry = 5 * time.Second
	}
	return &Applier{sub: sub, store: st, pending: pending, retry: retry}
}

// OnConnectivityChange starts streaming when online and stops when offline.
func (a *Applier) OnConnectivityChange(ctx context.Context) func(online bool) {
	return func(online bool) {
		if online {
			a.Start(ctx)
		} else {
			a.Stop()
		}
	}
}

// Start subscribes to every entity table.
func (a *Applier) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	for _, typ := range models.EntityTypes {
		a.wg.Add(1)
		go a.stream(runCtx, typ)
	}
	logging.Info("Realtime applier started", nil)
}

// Stop closes the streams and waits for them to exit.
func (a *Applier) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	a.wg.Wait()
	logging.Info("Realtime applier stopped", nil)
}

// Running reports whether streams are open or reconnecting.
func (a *Applier) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancel != nil
}

func (a *Applier) stream(ctx context.Context, typ models.EntityType) {
	defer a.wg.Done()

	for {
		err := a.sub.Subscribe(ctx, typ.Table(), nil, func(ch remote.Change) {
			a.Apply(ctx, typ, ch)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logging.Warn("Realtime stream dropped", map[string]interface{}{
				"table": typ.Table(),
				"error": err.Error(),
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(a.retry):
		}
	}
}

// Apply writes one change frame to the store. Frames naming another table are dropped.
func (a *Applier) Apply(ctx context.Context, typ models.EntityType, ch remote.Change) {
	if ch.Table != "" {
		if t, ok := models.EntityTypeForTable(ch.Table); !ok || t != typ {
			logging.Debug("Ignoring realtime frame for another table", map[string]interface{}{
				"table":       ch.Table,
				"entity_type": typ,
			})
			return
		}
	}

	record := ch.Record
	if ch.Type == remote.ChangeDelete && len(ch.OldRecord) > 0 {
		record = ch.OldRecord
	}
	id := models.RecordID(record)
	if id == "" {
		logging.Debug("Ignoring realtime frame without id", map[string]interface{}{"table": ch.Table, "type": ch.Type})
		return
	}

	pending, err := a.pending.HasPending(ctx, typ, id)
	if err != nil {
		logging.Error("Failed to check pending operations", err, map[string]interface{}{"entity_id": id})
		return
	}
	if pending {
		logging.Debug("Ignoring realtime frame for entity with pending operations", map[string]interface{}{
			"entity_type": typ,
			"entity_id":   id,
		})
		return
	}

	switch ch.Type {
	case remote.ChangeInsert, remote.ChangeUpdate:
		err = a.store.Put(ctx, &models.Entity{
			ID:        id,
			Type:      typ,
			Data:      append([]byte(nil), record...),
			UpdatedAt: time.Now().Unix(),
		})
	case remote.ChangeDelete:
		err = a.store.Remove(ctx, typ, id)
	default:
		return
	}
	if err != nil {
		logging.Error("Failed to apply realtime change", err, map[string]interface{}{
			"entity_type": typ,
			"entity_id":   id,
			"change":      ch.Type,
		})
	}
}
