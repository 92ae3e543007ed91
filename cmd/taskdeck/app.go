package main

import (
	"context"
	"fmt"
	"time"

	"github.com/kimhsiao/taskdeck/internal/api"
	"github.com/kimhsiao/taskdeck/internal/config"
	"github.com/kimhsiao/taskdeck/internal/db"
	"github.com/kimhsiao/taskdeck/internal/logging"
	"github.com/kimhsiao/taskdeck/internal/remote"
	"github.com/kimhsiao/taskdeck/internal/services"
	"github.com/kimhsiao/taskdeck/internal/store"
	"github.com/kimhsiao/taskdeck/internal/sync"
	"github.com/kimhsiao/taskdeck/internal/sync/monitor"
	"github.com/kimhsiao/taskdeck/internal/sync/queue"
	"github.com/kimhsiao/taskdeck/internal/sync/realtime"
)

// realtimeRetry is the delay before a dropped change stream is reopened.
const realtimeRetry = 5 * time.Second

// local is the device-side state: the cache and the sync queue.
// Every writer shares the journaled store so a running sync keeps their writes.
type local struct {
	database *db.DB
	repo     *db.Repository
	store    *store.Journal
	queue    *queue.SyncQueue
}

// openLocal opens the local store and queue. The sqlite database also holds the queue;
// the redis backend keeps its queue in sqlite when data_dir is set, else in memory.
func openLocal(ctx context.Context, cfg *config.Config) (*local, error) {
	l := &local{}

	if cfg.DataDir != "" {
		database, err := db.Open(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(); err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		l.database = database
		l.repo = db.NewRepository(database.DB)
	}

	queueCfg := queue.Config{MaxSize: cfg.Queue.MaxSize, MaxAttempts: cfg.Queue.MaxAttempts}
	if l.repo != nil {
		l.queue = queue.NewSyncQueue(queue.NewSQLiteBackend(l.repo), queueCfg)
	} else {
		logging.Warn("No data_dir set, pending operations are kept in memory", nil)
		l.queue = queue.NewSyncQueue(queue.NewMemoryBackend(), queueCfg)
	}

	switch cfg.Store.Backend {
	case store.BackendRedis:
		st, err := store.NewRedisStore(ctx, store.RedisOptions{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Redis.Prefix,
		})
		if err != nil {
			l.Close()
			return nil, err
		}
		l.store = store.NewJournal(st)
	default:
		l.store = store.NewJournal(store.NewSQLiteStore(l.repo))
	}

	logging.Info("Local state opened", map[string]interface{}{
		"backend":  cfg.Store.Backend,
		"data_dir": cfg.DataDir,
	})
	return l, nil
}

// Close releases the store and the database.
func (l *local) Close() {
	if l.store != nil {
		l.store.Close()
	}
	if l.repo != nil {
		l.repo.Close()
	}
	if l.database != nil {
		l.database.Close()
	}
}

// app is the fully wired core.
type app struct {
	*local
	client   *remote.Client
	monitor  *monitor.Monitor
	hub      *api.Hub
	manager  *sync.SyncManager
	applier  *realtime.Applier
	tasks    *services.TaskService
	messages *services.MessageService
}

// openApp wires the local state to the remote service. A remote URL is required.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	client, err := remote.NewClient(remote.Options{
		URL:     cfg.Remote.URL,
		APIKey:  cfg.Remote.APIKey,
		Timeout: cfg.Remote.Timeout,
	})
	if err != nil {
		return nil, err
	}

	l, err := openLocal(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		local:  l,
		client: client,
		monitor: monitor.New(client, monitor.Config{
			ProbeInterval: cfg.Connectivity.ProbeInterval,
			ProbeTimeout:  cfg.Connectivity.ProbeTimeout,
		}),
		hub: api.NewHub(),
	}

	a.manager, err = sync.NewSyncManager(l.store, l.queue, client, a.monitor, a.hub, sync.Config{
		Interval:    cfg.Sync.Interval,
		Timeout:     cfg.Sync.Timeout,
		PullWorkers: cfg.Sync.PullWorkers,
	})
	if err != nil {
		a.hub.Stop()
		l.Close()
		return nil, err
	}
	a.applier = realtime.NewApplier(client, l.store, l.queue, realtimeRetry)

	deps := services.Deps{Store: l.store, Queue: l.queue, Remote: client, Connectivity: a.monitor}
	a.tasks = services.NewTaskService(deps)
	a.messages = services.NewMessageService(deps)
	return a, nil
}

// start runs the background loops until Close. ctx bounds the realtime streams.
func (a *app) start(ctx context.Context) {
	a.manager.Start(ctx)
	a.monitor.OnChange(a.applier.OnConnectivityChange(ctx))
	a.monitor.Start(ctx)
	if a.monitor.Online() {
		a.applier.Start(ctx)
	}
}

// apply hot-reloads the settings that can change while running.
func (a *app) apply(cfg *config.Config) {
	a.manager.SetInterval(cfg.Sync.Interval)
	logging.Get().SetLevel(logging.ParseLevel(cfg.Log.Level))
}

// server builds the local HTTP API over the app.
func (a *app) server() *api.Server {
	return api.NewServer(api.Deps{
		Tasks:        a.tasks,
		Messages:     a.messages,
		Sync:         a.manager,
		Queue:        a.queue,
		Connectivity: a.monitor,
		Hub:          a.hub,
	})
}

// Close stops the loops and releases everything in reverse order.
func (a *app) Close() {
	a.monitor.Stop()
	a.applier.Stop()
	a.manager.Close()
	a.hub.Stop()
	a.local.Close()
}
