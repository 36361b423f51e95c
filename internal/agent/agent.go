// Package agent assembles the task runtime, its collaborators and its
// surfaces from configuration and owns their lifecycle.
package agent

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/netly/cnagent/config"
	"github.com/netly/cnagent/internal/communicator"
	"github.com/netly/cnagent/internal/dispatcher"
	"github.com/netly/cnagent/internal/executor"
	"github.com/netly/cnagent/internal/handlers"
	"github.com/netly/cnagent/internal/logger"
	"github.com/netly/cnagent/internal/metrics"
	"github.com/netly/cnagent/internal/queue"
	"github.com/netly/cnagent/internal/remote"
	"github.com/netly/cnagent/internal/reporter"
	"github.com/netly/cnagent/internal/stats"
	"github.com/netly/cnagent/internal/store"
	"github.com/netly/cnagent/internal/task"
	transporthttp "github.com/netly/cnagent/internal/transport/http"
	"github.com/netly/cnagent/internal/transport/http/dto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Version is reported in heartbeats. Overridden at build time.
var Version = "0.1.0"

const cleanupInterval = time.Hour

type Agent struct {
	cfg *config.Config
	log *logger.Logger

	registry   *task.Registry
	queue      *queue.Queue
	reporter   *reporter.Reporter
	dispatcher *dispatcher.Dispatcher
	metrics    *metrics.Recorder
	store      store.Store

	app    *fiber.App
	poller *communicator.Poller
	db     *gorm.DB
	redis  *redis.Client

	shutdownOnce sync.Once
	shutdownErr  error
}

// New wires every component. Nothing is started until Serve.
func New(cfg *config.Config, log *logger.Logger) (*Agent, error) {
	a := &Agent{cfg: cfg, log: log}
	zlog := log.Zap()

	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	a.store = st

	a.metrics = metrics.New()
	a.reporter = reporter.New(reporter.Options{
		Store:      st,
		Logger:     zlog.Named("reporter"),
		Forwarders: []reporter.Forwarder{a.metrics},
	})
	a.queue = queue.New(queue.Options{MaxConcurrency: cfg.Runtime.MaxConcurrency, Logger: zlog.Named("queue")})
	a.metrics.WatchQueue(a.queue.Stats)
	a.metrics.WatchLive(a.reporter.Live)

	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.reporter.AddForwarder(reporter.NewRedisForwarder(a.redis, cfg.Redis.ChannelPrefix, cfg.Redis.Timeout, zlog.Named("redis")))
	}

	collector := stats.NewCollector("/")
	var client *communicator.Client
	var inventory handlers.Inventory = localInventory{log: zlog}
	if cfg.Agent.Enabled() {
		client = communicator.NewClient(communicator.ClientConfig{
			BackendURL: cfg.Agent.BackendURL,
			NodeToken:  cfg.Agent.NodeToken,
			Timeout:    cfg.Agent.RequestTimeout,
			Version:    Version,
			Logger:     zlog.Named("communicator"),
		})
		inventory = client
	}

	a.registry = task.NewRegistry()
	if err := handlers.RegisterAll(a.registry, a.handlerDeps(collector, inventory)); err != nil {
		return nil, err
	}
	a.registry.Seal()

	a.dispatcher = dispatcher.New(dispatcher.Options{
		Registry:       a.registry,
		Queue:          a.queue,
		Reporter:       a.reporter,
		DefaultTimeout: cfg.Runtime.DefaultTimeout,
		Logger:         zlog.Named("dispatcher"),
	})

	if client != nil {
		a.poller = communicator.NewPoller(communicator.PollerOptions{
			Client:    client,
			Stats:     collector,
			Submitter: a.dispatcher,
			Live:      a.reporter.Live,
			Interval:  cfg.Agent.HeartbeatInterval,
			Logger:    zlog.Named("poller"),
		})
		a.reporter.AddForwarder(a.poller)
	}

	if cfg.Server.Enabled {
		a.app = transporthttp.NewApp(cfg.Server, log)
		transporthttp.SetupRoutes(a.app, transporthttp.RouterConfig{
			Service:    a.dispatcher,
			Reader:     a.reporter,
			Metrics:    a.metrics.Handler(),
			Status:     a.status,
			Logger:     log,
			AdminToken: cfg.Server.AdminToken,
		})
	}

	log.Infow("agent_initialized",
		"version", Version,
		"types", len(a.registry.Types()),
		"store", cfg.Store.Driver,
		"http", cfg.Server.Enabled,
		"upstream", cfg.Agent.Enabled(),
		"redis", cfg.Redis.Enabled,
	)
	return a, nil
}

func (a *Agent) openStore() (store.Store, error) {
	switch a.cfg.Store.Driver {
	case "", "memory":
		return store.NewMemory(a.cfg.Store.MaxHistory), nil
	case "postgres":
		db, err := store.Open(a.cfg.Store.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := store.RunMigrations(db); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		a.db = db
		a.log.Info("database connection established")
		return store.NewGorm(db, a.log), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
}

func (a *Agent) handlerDeps(collector *stats.Collector, inventory handlers.Inventory) handlers.Deps {
	cfg := a.cfg
	zlog := a.log.Zap()

	spawner := executor.NewExec(cfg.Executor.UseSudo, cfg.Executor.CommandTimeout, zlog.Named("exec"))
	deps := handlers.Deps{
		Guests:    executor.NewVMAdm(spawner, cfg.Executor.VMAdmPath, cfg.Executor.ZonesRoot),
		Snapshots: executor.NewZFS(spawner, cfg.Executor.ZFSPath),
		Packages: executor.NewPackages(spawner, executor.NewSystemdManager(spawner), executor.PackagesOptions{
			InstallCommand:   cfg.Packages.InstallCommand,
			UninstallCommand: cfg.Packages.UninstallCommand,
			ServicePrefix:    cfg.Packages.ServicePrefix,
			Logger:           zlog.Named("packages"),
		}),
		Spawner:   spawner,
		Inventory: inventory,
		Stats:     collector,
		Logger:    zlog.Named("handlers"),
	}

	if cfg.Images.Host != "" {
		sshClient := remote.NewSSHClient(remote.SSHConfig{
			Host:       cfg.Images.Host,
			Port:       cfg.Images.Port,
			User:       cfg.Images.User,
			Password:   cfg.Images.Password,
			KeyPath:    cfg.Images.KeyPath,
			Timeout:    cfg.Images.DialTimeout,
			MaxRetries: cfg.Images.Retries,
		})
		deps.Images = remote.NewDepot(remote.DepotOptions{
			Dial: func(ctx context.Context) (*remote.Session, error) {
				return remote.Dial(ctx, sshClient)
			},
			RemoteDir: cfg.Images.RemoteDir,
			LocalDir:  cfg.Images.LocalDir,
			Files:     executor.NewFileOps(cfg.Executor.AllowedPaths),
			Logger:    zlog.Named("images"),
		})
	}
	return deps
}

func (a *Agent) status() dto.StatusResponse {
	return dto.StatusResponse{Version: Version, Live: a.reporter.Live(), Queue: a.queue.Stats()}
}

func (a *Agent) Dispatcher() *dispatcher.Dispatcher { return a.dispatcher }

func (a *Agent) Reporter() *reporter.Reporter { return a.reporter }

func (a *Agent) Types() []string { return a.registry.Types() }

// Serve runs the enabled surfaces until ctx is done or one of them fails,
// then shuts everything down.
func (a *Agent) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.app != nil {
		addr := a.cfg.Server.Address()
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("server failed to start: %w", err)
		}
		a.log.Infof("server started on %s", addr)
		g.Go(func() error {
			if err := a.app.Listener(ln); err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	if a.poller != nil {
		g.Go(func() error { return a.poller.Run(gctx) })
	}

	if a.cfg.Store.Retention > 0 {
		g.Go(func() error {
			a.cleanupLoop(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Runtime.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})

	return g.Wait()
}

func (a *Agent) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.store.CleanupOld(ctx, a.cfg.Store.Retention)
			if err != nil {
				a.log.Warnw("history_cleanup_failed", "error", err)
				continue
			}
			if n > 0 {
				a.log.Infow("history_cleanup_done", "removed", n)
			}
		}
	}
}

// Shutdown stops accepting requests, lets queued and running tasks finish
// until ctx expires, then aborts the rest and releases connections. Only the
// first call does anything.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.log.Info("shutting down agent...")
		var err error

		if a.app != nil {
			err = multierr.Append(err, a.app.ShutdownWithContext(ctx))
		}
		if qerr := a.queue.Close(ctx); qerr != nil {
			a.log.Warnw("queue_drain_incomplete", "error", qerr, "stats", a.queue.Stats())
			err = multierr.Append(err, qerr)
			// the queue aborted what was left; give the pumps a moment to archive it
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		err = multierr.Append(err, a.reporter.Close(ctx))

		if a.redis != nil {
			err = multierr.Append(err, a.redis.Close())
		}
		if a.db != nil {
			if sqlDB, dbErr := a.db.DB(); dbErr == nil {
				err = multierr.Append(err, sqlDB.Close())
			}
		}

		a.shutdownErr = err
		if err != nil {
			a.log.Errorw("agent shutdown incomplete", "error", err)
			return
		}
		a.log.Info("agent exited gracefully")
	})
	return a.shutdownErr
}

// localInventory stands in when no job server is configured.
type localInventory struct {
	log *zap.Logger
}

func (l localInventory) RefreshInventory(context.Context) error {
	l.log.Debug("inventory_refresh_skipped", zap.String("reason", "no job server configured"))
	return nil
}
