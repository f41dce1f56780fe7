// Package app composes the synchronization engine: every component is an
// explicitly constructed, injected dependency with its lifecycle managed by
// fx hooks, never module-level state.
package app

import (
	"context"
	"os"
	"time"

	"github.com/Elmundo93/aushilf-sync/internal/bus"
	"github.com/Elmundo93/aushilf-sync/internal/config"
	"github.com/Elmundo93/aushilf-sync/internal/lock"
	"github.com/Elmundo93/aushilf-sync/internal/logging"
	"github.com/Elmundo93/aushilf-sync/internal/profile"
	"github.com/Elmundo93/aushilf-sync/internal/realtime"
	"github.com/Elmundo93/aushilf-sync/internal/remote"
	"github.com/Elmundo93/aushilf-sync/internal/serial"
	"github.com/Elmundo93/aushilf-sync/internal/status"
	"github.com/Elmundo93/aushilf-sync/internal/store"
	intsync "github.com/Elmundo93/aushilf-sync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	ConfigPath string // optional override; empty = profile config or env
}

// Module returns the fx module composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideMachine,
			provideLock,
			provideStore,
			provideSerializer,
			provideIdentity,
			provideBackend,
			provideFeed,
			provideMonitor,
			provideBridge,
			provideEngine,
			provideClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath(p.Profile)
	}
	if _, err := os.Stat(path); err != nil {
		return config.LoadEnv()
	}
	return config.Load(path)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideSerializer(db *store.DB) *serial.Serializer {
	return serial.New(db)
}

func provideIdentity(cfg *config.Config) remote.Identity {
	return remote.StaticIdentity{ID: cfg.User.ID}
}

func provideBackend(cfg *config.Config) remote.Backend {
	return remote.NewClient(remote.ClientOptions{
		BaseURL: cfg.Remote.BaseURL,
		APIKey:  cfg.Remote.APIKey,
		Timeout: time.Duration(cfg.Remote.TimeoutMS) * time.Millisecond,
	})
}

func provideFeed(cfg *config.Config, logger *zap.Logger) *remote.Feed {
	return remote.NewFeed(remote.FeedOptions{
		URL:    cfg.Remote.FeedURL,
		APIKey: cfg.Remote.APIKey,
		Tables: []string{remote.TableChannels, remote.TableMessages, remote.TableMemberships, remote.TablePosts},
	}, logger)
}

func provideMonitor(cfg *config.Config, logger *zap.Logger) *remote.Monitor {
	return remote.NewMonitor(
		cfg.Remote.BaseURL,
		time.Duration(cfg.Sync.ProbeIntervalMS)*time.Millisecond,
		logger,
	)
}

func provideBridge(feed *remote.Feed, s *serial.Serializer, b *bus.Bus, logger *zap.Logger) *realtime.Bridge {
	return realtime.NewBridge(feed, s, b, logger)
}

func provideEngine(cfg *config.Config, s *serial.Serializer, backend remote.Backend, monitor *remote.Monitor, ident remote.Identity, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(s, backend, monitor, ident, machine, b, logger, intsync.Options{
		PageSize:      cfg.Sync.PageSize,
		MaxAttempts:   cfg.Sync.MaxAttempts,
		BackoffBase:   time.Duration(cfg.Sync.BackoffBaseMS) * time.Millisecond,
		BackoffFactor: cfg.Sync.BackoffFactor,
		BackoffCap:    time.Duration(cfg.Sync.BackoffCapMS) * time.Millisecond,
		FlushInterval: time.Duration(cfg.Sync.FlushIntervalMS) * time.Millisecond,
	})
}

func provideClient(s *serial.Serializer, b *bus.Bus, backend remote.Backend, ident remote.Identity, logger *zap.Logger) *Client {
	return NewClient(s, b, backend, ident, logger)
}

func registerLifecycle(lc fx.Lifecycle, s *serial.Serializer, feed *remote.Feed, monitor *remote.Monitor, bridge *realtime.Bridge, engine *intsync.Engine, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Schema is migrated by now; release queued operations.
			s.MarkReady()

			monitor.Start(context.Background())
			feed.Start(context.Background())
			bridge.Start(context.Background())
			engine.Start(context.Background())

			logger.Info("sync engine started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			engine.Stop()
			bridge.Stop()
			_ = feed.Close()
			monitor.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("sync engine stopped")
			return nil
		},
	})
}
