// Package sync reconciles the local cache with the remote service.
package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/kimhsiao/taskdeck/internal/errors"
	"github.com/kimhsiao/taskdeck/internal/logging"
	"github.com/kimhsiao/taskdeck/internal/models"
	"github.com/kimhsiao/taskdeck/internal/remote"
	"github.com/kimhsiao/taskdeck/internal/store"
	"github.com/kimhsiao/taskdeck/internal/sync/monitor"
	"github.com/kimhsiao/taskdeck/internal/sync/queue"
)

// Event names published to the EventSink.
const (
	EventSyncStarted         = "sync.started"
	EventSyncCompleted       = "sync.completed"
	EventSyncFailed          = "sync.failed"
	EventConnectivityChanged = "connectivity.changed"
)

// Remote is the part of the remote client the manager needs.
type Remote interface {
	Select(ctx context.Context, table string, filter remote.Filter) ([]json.RawMessage, error)
	Send(ctx context.Context, op *models.PendingOperation) error
}

// EventSink receives sync lifecycle events.
type EventSink interface {
	Broadcast(eventType string, data map[string]interface{})
}

// Config holds manager configuration.
type Config struct {
	Interval    time.Duration // Periodic fetch-and-cache interval while online (default: 30 seconds)
	Timeout     time.Duration // Timeout applied to periodic syncs (default: 2 minutes)
	PullWorkers int           // Concurrent table pulls (default: one per entity type)
}

// DefaultConfig returns default manager configuration.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		Timeout:     2 * time.Minute,
		PullWorkers: len(models.EntityTypes),
	}
}

// SyncResult summarizes a completed sync.
type SyncResult struct {
	Pulled       int           `json:"pulled"`
	Sent         int           `json:"sent"`
	DeadLettered int           `json:"dead_lettered"`
	Remaining    int           `json:"remaining"`
	Duration     time.Duration `json:"duration"`
}

// SyncStatus is derived on demand and never persisted.
type SyncStatus struct {
	PendingSyncCount      int        `json:"pending_sync_count"`
	UnsyncedMessagesCount int        `json:"unsynced_messages_count"`
	Online                bool       `json:"online"`
	SyncInProgress        bool       `json:"sync_in_progress"`
	LastSyncAt            *time.Time `json:"last_sync_at,omitempty"`
	LastError             string     `json:"last_error,omitempty"`
	DeadLetters           int        `json:"dead_letters"`
	ConnectivityChangedAt *time.Time `json:"connectivity_changed_at,omitempty"`
}

// SyncManager owns the periodic timer, the queue, the local store and the remote client.
// At most one sync runs at a time: SyncNow waits for an in-flight sync, periodic ticks skip.
type SyncManager struct {
	store   *store.Journal
	queue   *queue.SyncQueue
	remote  Remote
	monitor *monitor.Monitor
	events  EventSink
	pool    *ants.Pool
	timeout time.Duration

	// sem is a one-slot semaphore guarding sync.
	sem chan struct{}

	mu         stdsync.RWMutex
	interval   time.Duration
	syncing    bool
	lastSyncAt time.Time
	lastErr    error
	lastResult SyncResult

	runMu      stdsync.Mutex
	running    bool
	baseCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	intervalCh chan time.Duration
}

// NewSyncManager creates a new SyncManager and subscribes it to connectivity changes.
// events may be nil. Writers that must survive a concurrent reload have to share
// st as a *store.Journal; any other store is wrapped in a private one.
func NewSyncManager(st store.LocalStore, q *queue.SyncQueue, r Remote, mon *monitor.Monitor, events EventSink, cfg Config) (*SyncManager, error) {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PullWorkers <= 0 {
		cfg.PullWorkers = def.PullWorkers
	}

	pool, err := ants.NewPool(cfg.PullWorkers, ants.WithOptions(ants.Options{
		ExpiryDuration: 10 * time.Second,
		PanicHandler: func(p interface{}) {
			logging.ErrorWithCode("Pull worker panicked", string(errors.ErrInternal), nil,
				map[string]interface{}{"panic": p})
		},
	}))
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to create pull pool", err)
	}

	m := &SyncManager{
		store:      store.NewJournal(st),
		queue:      q,
		remote:     r,
		monitor:    mon,
		events:     events,
		pool:       pool,
		timeout:    cfg.Timeout,
		interval:   cfg.Interval,
		sem:        make(chan struct{}, 1),
		intervalCh: make(chan time.Duration, 1),
	}
	mon.OnChange(m.onConnectivityChange)
	return m, nil
}

// Start begins periodic fetch-and-cache when online. If already online, a catch-up sync runs immediately.
func (m *SyncManager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.baseCtx = ctx

	if m.monitor.Online() {
		m.startLoopLocked()
	}
	logging.Info("Sync manager started", map[string]interface{}{"online": m.monitor.Online()})
}

// Stop stops the periodic timer and waits for it to exit.
func (m *SyncManager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.stopLoopLocked()
	logging.Info("Sync manager stopped", nil)
}

// Close stops the manager and releases the pull pool.
func (m *SyncManager) Close() {
	m.Stop()
	m.pool.Release()
}

// IsRunning reports whether the periodic timer is active.
func (m *SyncManager) IsRunning() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.loopCancel != nil
}

// SetInterval changes the periodic interval, taking effect on the running timer.
func (m *SyncManager) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()

	select {
	case m.intervalCh <- d:
	default:
		// A pending update is already queued; the loop reads m.interval.
	}
}

func (m *SyncManager) onConnectivityChange(online bool) {
	m.publish(EventConnectivityChanged, map[string]interface{}{"online": online})

	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	if online {
		m.startLoopLocked()
	} else {
		m.stopLoopLocked()
	}
}

func (m *SyncManager) startLoopLocked() {
	if m.loopCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	m.loopCancel = cancel
	m.loopDone = make(chan struct{})
	go m.periodicLoop(ctx, m.loopDone)
}

func (m *SyncManager) stopLoopLocked() {
	if m.loopCancel == nil {
		return
	}
	m.loopCancel()
	<-m.loopDone
	m.loopCancel = nil
	m.loopDone = nil
}

// periodicLoop runs a catch-up sync, then one per interval, until ctx is cancelled.
func (m *SyncManager) periodicLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.runPeriodic(ctx)

	m.mu.RLock()
	ticker := time.NewTicker(m.interval)
	m.mu.RUnlock()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-m.intervalCh:
			ticker.Reset(d)
		case <-ticker.C:
			m.runPeriodic(ctx)
		}
	}
}

// runPeriodic runs one sync unless offline or another sync holds the semaphore.
func (m *SyncManager) runPeriodic(ctx context.Context) {
	if !m.monitor.Online() {
		return
	}

	select {
	case m.sem <- struct{}{}:
	default:
		logging.Debug("Sync already in progress, skipping", nil)
		return
	}
	defer func() { <-m.sem }()

	syncCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	result, err := m.sync(syncCtx)
	if err != nil {
		if ctx.Err() == nil {
			logging.ErrorWithCode("Periodic sync failed", string(errors.CodeOf(err)), err, nil)
		}
		return
	}

	logging.Info("Periodic sync completed", map[string]interface{}{
		"pulled":        result.Pulled,
		"sent":          result.Sent,
		"dead_lettered": result.DeadLettered,
	})
}

// SyncNow forces a full sync: pull authoritative state, replay the queue and reload the
// local store. It fails with ErrOffline without touching the network when offline, and
// waits for an in-flight sync to finish before starting.
func (m *SyncManager) SyncNow(ctx context.Context) (SyncResult, error) {
	if !m.monitor.Online() {
		return SyncResult{}, errors.New(errors.ErrOffline, "cannot sync while offline")
	}

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return SyncResult{}, errors.Wrap(errors.ErrSyncTimeout, "gave up waiting for in-flight sync", ctx.Err())
	}
	defer func() { <-m.sem }()

	// Connectivity may have dropped while waiting.
	if !m.monitor.Online() {
		return SyncResult{}, errors.New(errors.ErrOffline, "cannot sync while offline")
	}

	result, err := m.sync(ctx)
	if err != nil {
		return result, err
	}

	logging.Info("Manual sync completed", map[string]interface{}{
		"pulled":        result.Pulled,
		"sent":          result.Sent,
		"dead_lettered": result.DeadLettered,
		"duration_ms":   result.Duration.Milliseconds(),
	})
	return result, nil
}

// sync must be called with the semaphore held.
func (m *SyncManager) sync(ctx context.Context) (SyncResult, error) {
	m.setSyncing(true)
	defer m.setSyncing(false)

	m.publish(EventSyncStarted, map[string]interface{}{"status": "started"})
	start := time.Now()

	result, err := m.reconcile(ctx)
	result.Duration = time.Since(start)

	m.mu.Lock()
	m.lastErr = err
	if err == nil {
		m.lastSyncAt = time.Now()
		m.lastResult = result
	}
	m.mu.Unlock()

	if err != nil {
		m.publish(EventSyncFailed, map[string]interface{}{
			"error_code": string(errors.CodeOf(err)),
			"retryable":  errors.IsRetryable(err),
			"error":      err.Error(),
			"status":     "failed",
		})
		return result, err
	}

	m.publish(EventSyncCompleted, map[string]interface{}{
		"pulled":        result.Pulled,
		"sent":          result.Sent,
		"dead_lettered": result.DeadLettered,
		"remaining":     result.Remaining,
		"duration":      result.Duration.Milliseconds(),
		"status":        "completed",
	})
	return result, nil
}

func (m *SyncManager) reconcile(ctx context.Context) (SyncResult, error) {
	var result SyncResult

	// Writes landing after this point win over the pulled snapshot.
	session := m.store.Begin()
	defer session.Close()

	snapshot, err := m.pull(ctx)
	if err != nil {
		return result, errors.Wrap(errors.CodeOf(err), "pull failed", err)
	}
	for _, rows := range snapshot {
		result.Pulled += len(rows)
	}

	drained, err := m.queue.Drain(ctx, m.remote.Send)
	result.Sent = drained.Sent
	result.DeadLettered = drained.DeadLettered
	result.Remaining = drained.Remaining
	if err != nil {
		return result, errors.Wrap(errors.CodeOf(err), "replay failed", err)
	}

	// Operations enqueued while the sync ran stay visible as optimistic records.
	pending, err := m.queue.List(ctx)
	if err != nil {
		return result, err
	}
	result.Remaining = len(pending)

	reloaded := make(map[models.EntityType][]*models.Entity, len(models.EntityTypes))
	for _, typ := range models.EntityTypes {
		entities, err := authoritative(typ, snapshot[typ], drained.Replayed, pending)
		if err != nil {
			return result, errors.Wrap(errors.ErrSyncFailed, "failed to build "+string(typ)+" snapshot", err)
		}
		reloaded[typ] = entities
	}

	if err := ctx.Err(); err != nil {
		return result, errors.Wrap(errors.ErrSyncTimeout, "sync cancelled before reload", err)
	}
	for _, typ := range models.EntityTypes {
		if err := session.ReplaceAll(ctx, typ, reloaded[typ]); err != nil {
			return result, err
		}
	}
	return result, nil
}

// pull selects every entity table concurrently on the pool.
func (m *SyncManager) pull(ctx context.Context) (map[models.EntityType][]json.RawMessage, error) {
	types := models.EntityTypes
	rows := make([][]json.RawMessage, len(types))
	errs := make([]error, len(types))

	var wg stdsync.WaitGroup
	for i, typ := range types {
		i, typ := i, typ
		wg.Add(1)
		err := m.pool.Submit(func() {
			defer wg.Done()
			rows[i], errs[i] = m.remote.Select(ctx, typ.Table(), nil)
		})
		if err != nil {
			wg.Done()
			errs[i] = errors.Wrap(errors.ErrInternal, "failed to schedule pull", err)
		}
	}
	wg.Wait()

	snapshot := make(map[models.EntityType][]json.RawMessage, len(types))
	for i, typ := range types {
		if errs[i] != nil {
			return nil, errs[i]
		}
		snapshot[typ] = rows[i]
	}
	return snapshot, nil
}

// authoritative builds the reload set of one type: the pulled rows, with replayed
// operations applied on top and still-pending operations overlaid as unsynced.
func authoritative(typ models.EntityType, rows []json.RawMessage, replayed, pending []*models.PendingOperation) ([]*models.Entity, error) {
	now := time.Now().Unix()
	records := make(map[string]*models.Entity, len(rows))

	for _, row := range rows {
		e, err := models.NewEntity(typ, row)
		if err != nil {
			logging.Warn("Skipping remote row without id", map[string]interface{}{"entity_type": typ})
			continue
		}
		records[e.ID] = e
	}

	apply := func(op *models.PendingOperation, unsynced bool) error {
		if op.EntityType != typ {
			return nil
		}
		switch op.Operation {
		case models.OperationDelete:
			delete(records, op.EntityID)
			return nil
		case models.OperationCreate:
			data, err := models.WithID(op.Payload, op.EntityID)
			if err != nil {
				return err
			}
			records[op.EntityID] = &models.Entity{ID: op.EntityID, Type: typ, Data: data, Unsynced: unsynced, UpdatedAt: now}
		case models.OperationUpdate:
			var base []byte
			if cur, ok := records[op.EntityID]; ok {
				base = cur.Data
			}
			data, err := models.MergeRecord(base, op.Payload)
			if err != nil {
				return err
			}
			if data, err = models.WithID(data, op.EntityID); err != nil {
				return err
			}
			records[op.EntityID] = &models.Entity{ID: op.EntityID, Type: typ, Data: data, Unsynced: unsynced, UpdatedAt: now}
		}
		return nil
	}

	for _, op := range replayed {
		if err := apply(op, false); err != nil {
			return nil, err
		}
	}
	for _, op := range pending {
		if err := apply(op, true); err != nil {
			return nil, err
		}
	}

	out := make([]*models.Entity, 0, len(records))
	for _, e := range records {
		out = append(out, e)
	}
	return out, nil
}

// Status derives the current sync status.
func (m *SyncManager) Status(ctx context.Context) (SyncStatus, error) {
	pending, err := m.queue.Len(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	unsynced, err := m.store.CountUnsynced(ctx, models.EntityMessages)
	if err != nil {
		return SyncStatus{}, err
	}
	letters, err := m.queue.DeadLetterCount(ctx)
	if err != nil {
		return SyncStatus{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	status := SyncStatus{
		PendingSyncCount:      pending,
		UnsyncedMessagesCount: unsynced,
		Online:                m.monitor.Online(),
		SyncInProgress:        m.syncing,
		DeadLetters:           letters,
	}
	if !m.lastSyncAt.IsZero() {
		t := m.lastSyncAt
		status.LastSyncAt = &t
	}
	if m.lastErr != nil {
		status.LastError = m.lastErr.Error()
	}
	if t := m.monitor.ChangedAt(); !t.IsZero() {
		status.ConnectivityChangedAt = &t
	}
	return status, nil
}

// LastResult returns the result of the last successful sync.
func (m *SyncManager) LastResult() SyncResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastResult
}

// Online reports the connectivity state the manager acts on.
func (m *SyncManager) Online() bool {
	return m.monitor.Online()
}

func (m *SyncManager) setSyncing(v bool) {
	m.mu.Lock()
	m.syncing = v
	m.mu.Unlock()
}

func (m *SyncManager) publish(eventType string, data map[string]interface{}) {
	if m.events != nil {
		m.events.Broadcast(eventType, data)
	}
}
