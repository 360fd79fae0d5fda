package daemon

import (
	"context"
	"net/http"

	"github.com/matheus3301/msgsync/internal/backoff"
	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/config"
	"github.com/matheus3301/msgsync/internal/engine"
	"github.com/matheus3301/msgsync/internal/lock"
	"github.com/matheus3301/msgsync/internal/logging"
	"github.com/matheus3301/msgsync/internal/media"
	"github.com/matheus3301/msgsync/internal/outbox"
	"github.com/matheus3301/msgsync/internal/paths"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/store"
	intsync "github.com/matheus3301/msgsync/internal/sync"
	"github.com/matheus3301/msgsync/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved startup configuration passed to the fx module.
type Params struct {
	DataDir string
	Dialer  transport.Dialer // optional override for testing; nil = websocket
}

// Module returns the fx module for the engine daemon, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideConnMachine,
			provideLock,
			provideStore,
			provideMediaCache,
			provideSession,
			provideQueue,
			provideReconciler,
			provideEngine,
			provideMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(paths.ConfigPath(p.DataDir))
	if err != nil {
		return nil, err
	}
	cfg.DataDir = p.DataDir
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := paths.EnsureDirs(p.DataDir); err != nil {
		return nil, err
	}
	return logging.New(paths.LogPath(p.DataDir))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConnMachine(b *bus.Bus) *status.ConnMachine {
	return status.NewConnMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("data_dir", p.DataDir))
	l, err := lock.Acquire(p.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(p Params, cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	dbPath := paths.DBPath(p.DataDir)
	db, err := store.Open(dbPath, cfg.Cache.MaxMessagesPerChat)
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

func provideMediaCache(p Params, cfg *config.Config, logger *zap.Logger) (*media.Cache, error) {
	return media.Open(paths.MediaDir(p.DataDir), paths.MediaIndexPath(p.DataDir), cfg.Cache.MediaMaxBytes, logger)
}

func provideSession(p Params, cfg *config.Config, machine *status.ConnMachine, logger *zap.Logger) *transport.Session {
	policy := backoff.Policy{Base: cfg.Retry.BaseDelay.Duration, Max: cfg.Retry.MaxDelay.Duration}
	return transport.New(cfg.TransportURL, p.Dialer, machine, policy, logger)
}

func provideQueue(cfg *config.Config, db *store.DB, session *transport.Session, b *bus.Bus, logger *zap.Logger) *outbox.Queue {
	policy := backoff.Policy{Base: cfg.Retry.BaseDelay.Duration, Max: cfg.Retry.MaxDelay.Duration}
	return outbox.New(db, session, b, policy, cfg.Retry.MaxAttempts, cfg.Retry.InterSendDelay.Duration, logger)
}

func provideReconciler(cfg *config.Config, db *store.DB, b *bus.Bus, queue *outbox.Queue, session *transport.Session, logger *zap.Logger) *intsync.Reconciler {
	return intsync.New(db, b, queue, session, cfg.LocalUserID, logger)
}

func provideEngine(cfg *config.Config, db *store.DB, cache *media.Cache, queue *outbox.Queue, machine *status.ConnMachine, b *bus.Bus, logger *zap.Logger) *engine.Engine {
	return engine.New(db, cache, queue, machine, b, cfg.LocalUserID, logger)
}

func provideMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{},
	))
	return &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	db *store.DB,
	cache *media.Cache,
	session *transport.Session,
	queue *outbox.Queue,
	reconciler *intsync.Reconciler,
	eng *engine.Engine,
	metricsSrv *http.Server,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Queue first so a reconnect flush finds it running.
			if err := queue.Start(context.Background()); err != nil {
				return err
			}

			// Reconciler subscribes before the transport dials so the
			// first connected transition is observed.
			reconciler.Start(context.Background(), session.Events())
			session.Start(context.Background())

			go func() {
				logger.Info("metrics server starting", zap.String("addr", metricsSrv.Addr))
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics server error", zap.Error(err))
				}
			}()

			logger.Info("engine started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			session.Stop()
			reconciler.Stop()
			queue.Stop()
			_ = metricsSrv.Shutdown(ctx)
			if err := cache.Close(); err != nil {
				logger.Warn("error closing media cache", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
