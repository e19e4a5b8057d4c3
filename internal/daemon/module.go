package daemon

import (
	"context"
	"errors"

	"github.com/matheus3301/nebula/internal/api"
	"github.com/matheus3301/nebula/internal/backend"
	"github.com/matheus3301/nebula/internal/bus"
	"github.com/matheus3301/nebula/internal/config"
	"github.com/matheus3301/nebula/internal/coordinator"
	"github.com/matheus3301/nebula/internal/lock"
	"github.com/matheus3301/nebula/internal/logging"
	"github.com/matheus3301/nebula/internal/metrics"
	"github.com/matheus3301/nebula/internal/realtime"
	"github.com/matheus3301/nebula/internal/session"
	"github.com/matheus3301/nebula/internal/status"
	"github.com/matheus3301/nebula/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string          // optional override for testing; empty = use default
	Config      *config.Session // optional override; nil = read session.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideMetrics,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideBackend,
			provideChannel,
			provideSession,
			provideControlService,
			NewMetricsServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (config.Session, error) {
	if p.Config != nil {
		if err := p.Config.Validate(); err != nil {
			return config.Session{}, err
		}
		return *p.Config, nil
	}
	return session.LoadConfig(p.SessionName)
}

func provideLogger(p Params, cfg config.Session) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.LogLevel)
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideBus(m *metrics.Metrics) *bus.Bus {
	b := bus.New()
	b.OnDrop(m.BusDrop)
	return b
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
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

// provideStore depends on the lock so the database is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.SessionName)
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

func provideBackend(cfg config.Session, logger *zap.Logger) backend.API {
	return backend.NewClient(cfg.ServerURL, cfg.Token, cfg.RequestTimeout.Duration,
		backend.WithLogger(logger.Named("backend")))
}

func provideChannel(cfg config.Session, machine *status.Machine, logger *zap.Logger) (*realtime.Client, error) {
	url, err := cfg.ChannelURL()
	if err != nil {
		return nil, err
	}
	return realtime.New(realtime.Options{
		URL:   url,
		Token: cfg.Token,
		Reconnect: realtime.Policy{
			Enabled:     cfg.Reconnect.Enabled,
			BaseDelay:   cfg.Reconnect.BaseDelay.Duration,
			MaxDelay:    cfg.Reconnect.MaxDelay.Duration,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		Status: machine,
		Logger: logger.Named("realtime"),
	}), nil
}

func provideSession(
	cfg config.Session,
	client backend.API,
	ch *realtime.Client,
	db *store.DB,
	machine *status.Machine,
	b *bus.Bus,
	m *metrics.Metrics,
	logger *zap.Logger,
) *coordinator.Session {
	return coordinator.New(coordinator.Options{
		API:            client,
		Channel:        ch,
		Store:          db,
		Status:         machine,
		Bus:            b,
		Metrics:        m,
		Logger:         logger.Named("coordinator"),
		PresenceWindow: cfg.PresenceWindow.Duration,
		CallCooldown:   cfg.CallCooldown.Duration,
		RequestTimeout: cfg.RequestTimeout.Duration,
	})
}

func provideControlService(p Params, s *coordinator.Session, b *bus.Bus, logger *zap.Logger) *api.ControlService {
	return api.NewControlService(p.SessionName, s, b, logger.Named("api"))
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	ms *MetricsServer,
	lk *lock.Lock,
	db *store.DB,
	sess *coordinator.Session,
	b *bus.Bus,
	m *metrics.Metrics,
	logger *zap.Logger,
) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			events, unsub := b.Subscribe("session.", 16)
			go trackStatus(ctx, events, unsub, m)

			sess.Start(ctx)

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if err := ms.Start(); err != nil {
				return err
			}

			go bootstrap(ctx, sess, lk, logger)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := sess.Close(); err != nil {
				logger.Warn("error closing session", zap.Error(err))
			}
			srv.Stop(stopCtx)
			ms.Stop(stopCtx)
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

func bootstrap(ctx context.Context, sess *coordinator.Session, lk *lock.Lock, logger *zap.Logger) {
	user, err := sess.Bootstrap(ctx)
	switch {
	case errors.Is(err, coordinator.ErrNoUser):
		logger.Info("no logged-in user, auth required")
		return
	case errors.Is(err, context.Canceled):
		return
	case err != nil && user.ID == "":
		logger.Error("bootstrap failed", zap.Error(err))
		return
	case err != nil:
		logger.Warn("realtime connect failed", zap.Error(err))
	}
	if err := lk.SetIdentity(user.ID); err != nil {
		logger.Warn("error recording identity in lock", zap.Error(err))
	}
	logger.Info("session ready", zap.String("identity", user.ID), zap.String("name", user.Name))
}

// trackStatus mirrors channel transitions into the state gauge.
func trackStatus(ctx context.Context, ch <-chan bus.Event, unsub func(), m *metrics.Metrics) {
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if sc, ok := evt.Payload.(status.StatusChange); ok {
				m.SetChannelState(string(sc.From), string(sc.To))
			}
		}
	}
}
