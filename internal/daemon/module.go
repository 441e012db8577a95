package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/offsync/internal/bus"
	"github.com/matheus3301/offsync/internal/cache"
	"github.com/matheus3301/offsync/internal/config"
	"github.com/matheus3301/offsync/internal/kv"
	"github.com/matheus3301/offsync/internal/lock"
	"github.com/matheus3301/offsync/internal/logging"
	"github.com/matheus3301/offsync/internal/model"
	"github.com/matheus3301/offsync/internal/netmon"
	"github.com/matheus3301/offsync/internal/queue"
	"github.com/matheus3301/offsync/internal/session"
	intsync "github.com/matheus3301/offsync/internal/sync"
	"github.com/matheus3301/offsync/internal/transport"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ServerURL   string // optional override for testing; empty = use config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideMonitor,
			provideTransport,
			provideQueue,
			provideCache,
			provideCoordinator,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(p Params, logger *zap.Logger) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		logger.Info("no config file, using defaults", zap.Error(err))
		cfg = config.Default()
	}
	if p.ServerURL != "" {
		cfg.ServerURL = p.ServerURL
	}
	return cfg
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, cfg *config.Config, logger *zap.Logger) (kv.Store, *kv.SQLite, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := kv.OpenSQLite(dbPath, cfg.StorageQuotaBytes)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, db, nil
}

func provideMonitor(b *bus.Bus) *netmon.Monitor {
	// Offline until the transport says otherwise.
	return netmon.NewMonitor(b, false)
}

func provideTransport(cfg *config.Config, net *netmon.Monitor, logger *zap.Logger) *transport.Client {
	return transport.NewClient(cfg.ServerURL, net, logger, cfg.RetryPolicy())
}

func provideQueue(store kv.Store, b *bus.Bus, net *netmon.Monitor, client *transport.Client, cfg *config.Config, logger *zap.Logger) *queue.Manager {
	return queue.NewManager(store, b, net, logger, cfg.RetryPolicy(), cfg.MaxQueueSize, client.Send)
}

func provideCache(store kv.Store, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *cache.Store {
	return cache.NewStore(store, b, logger, cfg.MaxCachedMessages)
}

func provideCoordinator(q *queue.Manager, c *cache.Store, net *netmon.Monitor, b *bus.Bus, logger *zap.Logger) *intsync.Coordinator {
	return intsync.NewCoordinator(q, c, net, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *kv.SQLite, client *transport.Client, q *queue.Manager, c *cache.Store, coord *intsync.Coordinator, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Incoming server messages land straight in the cache.
			client.OnMessage(func(msg model.Message) {
				c.Merge(msg.ChatID, []model.Message{msg})
			})

			coord.Start(context.Background())
			q.Start(context.Background())
			client.Start(context.Background())

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			client.Stop()
			q.Stop()
			coord.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
