package daemon

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/api"
	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/cache"
	"github.com/matheus3301/inbox/internal/config"
	"github.com/matheus3301/inbox/internal/ephemeral"
	"github.com/matheus3301/inbox/internal/lock"
	"github.com/matheus3301/inbox/internal/logging"
	"github.com/matheus3301/inbox/internal/outbox"
	"github.com/matheus3301/inbox/internal/persist"
	"github.com/matheus3301/inbox/internal/realtime"
	"github.com/matheus3301/inbox/internal/remote"
	"github.com/matheus3301/inbox/internal/session"
	"github.com/matheus3301/inbox/internal/status"
	"github.com/matheus3301/inbox/internal/store"
	intsync "github.com/matheus3301/inbox/internal/sync"
	"github.com/matheus3301/inbox/internal/unread"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
	SocketPath  string // optional override for testing; empty = use default
	// Logger overrides the rotating session log, mainly for tests.
	Logger *zap.Logger
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideKV,
			provideEphemeral,
			provideTiers,
			provideCache,
			provideRemote,
			provideRealtime,
			provideUnread,
			provideReconciler,
			provideSyncEngine,
			provideSender,
			provideService,
			newMetricsServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName, logging.DefaultOptions())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.PIDPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so only the lock holder touches cache.db.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) *store.DB {
	return store.New(store.Options{
		Path:        session.CacheDBPath(p.SessionName),
		MaxMessages: p.Config.Cache.MaxMessages,
		Logger:      logger,
	})
}

func provideKV(p Params, logger *zap.Logger) ephemeral.KV {
	cfg := p.Config.Ephemeral
	if cfg.Backend != config.BackendRedis {
		return ephemeral.NewMemoryKV()
	}
	kv := ephemeral.NewRedisKV(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := kv.Ping(ctx); err != nil {
		// Tier errors are absorbed later; the session keeps running on the
		// durable tier alone.
		logger.Warn("redis unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	return kv
}

func provideEphemeral(p Params, kv ephemeral.KV) *ephemeral.Store {
	return ephemeral.New(kv, ephemeral.Options{
		Namespace:   p.Config.Ephemeral.Namespace + ":" + p.SessionName,
		MaxThreads:  p.Config.Ephemeral.MaxThreads,
		MaxMessages: p.Config.Cache.MaxMessages,
	})
}

func provideTiers(p Params, db *store.DB, eph *ephemeral.Store, logger *zap.Logger) *persist.Tiered {
	return persist.New(db, eph, p.Config.Cache.MaxThreads, logger)
}

func provideCache(tiers *persist.Tiered, b *bus.Bus, logger *zap.Logger) *cache.Store {
	return cache.New(cache.Options{Persister: tiers, Bus: b, Logger: logger})
}

func provideRemote(p Params, logger *zap.Logger) *remote.Client {
	return remote.New(remote.Options{
		BaseURL: p.Config.Server.BaseURL,
		Token:   p.Config.Server.Token,
		Timeout: p.Config.Server.Timeout.Duration,
		Logger:  logger,
	})
}

func provideRealtime(p Params, m *status.Machine, b *bus.Bus, logger *zap.Logger) *realtime.Client {
	header := http.Header{}
	if tok := p.Config.Server.Token; tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	return realtime.New(realtime.Options{
		URL:              p.Config.RealtimeURL(),
		Header:           header,
		Heartbeat: realtime.HeartbeatFor(p.Config.Realtime.DeviceClass,
			p.Config.Realtime.Heartbeat.Duration, p.Config.Realtime.MobileHeartbeat.Duration),
		PresenceDebounce: p.Config.Realtime.PresenceDebounce.Duration,
		AuthCloseCodes:   p.Config.Realtime.AuthCloseCodes,
		OnError: func(err error) {
			logger.Warn("realtime error", zap.Error(err))
		},
		Machine: m,
		Bus:     b,
		Logger:  logger,
	})
}

func provideUnread(p Params, c *cache.Store, r *remote.Client, b *bus.Bus, logger *zap.Logger) *unread.Aggregator {
	return unread.New(c, r, unread.Options{
		MinInterval:  p.Config.Unread.MinInterval.Duration,
		PollInterval: p.Config.Unread.PollInterval.Duration,
		Bus:          b,
		Logger:       logger,
	})
}

func provideReconciler(db *store.DB, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, logger)
}

func provideSyncEngine(
	p Params,
	c *cache.Store,
	tiers *persist.Tiered,
	r *remote.Client,
	rt *realtime.Client,
	agg *unread.Aggregator,
	rec *intsync.Reconciler,
	b *bus.Bus,
	logger *zap.Logger,
) *intsync.Engine {
	return intsync.NewEngine(intsync.Options{
		Cache:        c,
		Tiers:        tiers,
		Remote:       r,
		Realtime:     rt,
		Unread:       agg,
		Reconciler:   rec,
		Bus:          b,
		Logger:       logger,
		PageSize:     p.Config.Cache.PageSize,
		HydrateLimit: p.Config.Cache.HydrateLimit,
	})
}

func provideSender(c *cache.Store, r *remote.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(c, r, b, logger)
}

func provideService(
	p Params,
	c *cache.Store,
	engine *intsync.Engine,
	agg *unread.Aggregator,
	sender *outbox.Sender,
	m *status.Machine,
	b *bus.Bus,
	logger *zap.Logger,
) *api.Service {
	return api.NewService(api.Options{
		Session: p.SessionName,
		Cache:   c,
		Engine:  engine,
		Unread:  agg,
		Outbox:  sender,
		State:   m,
		Bus:     b,
		Logger:  logger,
	})
}

type lifecycleParams struct {
	fx.In

	Params  Params
	Server  *Server
	Metrics *MetricsServer
	Lock    *lock.Lock
	DB      *store.DB
	KV      ephemeral.KV
	Tiers   *persist.Tiered
	Engine  *intsync.Engine
	Unread  *unread.Aggregator
	Sender  *outbox.Sender
	Logger  *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleParams) {
	// Components outlive the OnStart context, so they run on their own.
	ctx, cancel := context.WithCancel(context.Background())
	logger := d.Logger

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			// A cache that cannot open only leaves the session cold.
			if err := d.DB.Init(startCtx); err != nil {
				logger.Warn("durable cache unavailable", zap.Error(err))
			}
			d.Tiers.Start(ctx)

			// Hydrates synchronously, then refreshes and connects in the
			// background.
			d.Engine.Start(ctx)
			d.Unread.Start(ctx)
			d.Sender.Start(ctx)
			d.Metrics.Start()

			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()
			logger.Info("daemon started",
				zap.String("session", d.Params.SessionName),
				zap.String("socket", d.Server.SocketPath()),
			)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			d.Server.Stop(stopCtx)
			d.Metrics.Stop(stopCtx)
			d.Sender.Stop()
			d.Unread.Stop()
			d.Engine.Stop()
			cancel()
			// Writes whatever the projection queued last.
			d.Tiers.Stop()
			if err := d.DB.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if c, ok := d.KV.(io.Closer); ok {
				if err := c.Close(); err != nil {
					logger.Warn("error closing ephemeral backend", zap.Error(err))
				}
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
