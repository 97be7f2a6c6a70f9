package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/slideconfirm/internal/platform/attest"
	"github.com/example/slideconfirm/internal/platform/auth"
	"github.com/example/slideconfirm/internal/platform/db"
	"github.com/example/slideconfirm/internal/platform/events"
	"github.com/example/slideconfirm/internal/platform/httpserver"
	"github.com/example/slideconfirm/internal/platform/logging"
	"github.com/example/slideconfirm/internal/platform/natsconn"
	"github.com/example/slideconfirm/internal/platform/run"
	"github.com/example/slideconfirm/services/gating/internal/config"
	"github.com/example/slideconfirm/services/gating/internal/gating"
	"github.com/example/slideconfirm/services/gating/internal/handlers"
	"github.com/example/slideconfirm/services/gating/internal/locks"
	"github.com/example/slideconfirm/services/gating/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	base, err := logging.New(cfg.App.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = base.Sync() }()
	log := logging.ForService(base, cfg.App.ServiceName, cfg.App.Env)

	st, err := initStore(log, cfg)
	if err != nil {
		log.Error("store init", zap.String("driver", cfg.StoreDriver), zap.Error(err))
		_ = log.Sync()
		run.Exit(1)
	}
	closers := []func(){func() { _ = st.Close() }}

	locker, closeLocker := initLocker(log, cfg)
	if closeLocker != nil {
		closers = append(closers, closeLocker)
	}

	publisher, closeNATS := initEvents(log, cfg)
	if closeNATS != nil {
		closers = append(closers, closeNATS)
	}

	signer := attest.New(cfg.AttestSecret)
	if signer == nil {
		log.Info("ATTEST_SECRET not set, completion receipts are unsigned")
	}

	svc := gating.New(gating.Deps{
		Store:  st,
		Locker: locker,
		Events: publisher,
		Signer: signer,
		Logger: log,
	}, gating.Options{
		ResetClearsCursor: cfg.ResetClearsCursor,
		MonotonicCursor:   cfg.CursorMonotonic,
		OpTimeout:         cfg.OpTimeout,
	})

	verifier := auth.JWTVerifier{Secret: []byte(cfg.JWTSecret)}

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{
		ReadyFunc: func() error { return svc.Ping(context.Background()) },
		Metrics:   promhttp.Handler(),
	})
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireUser(verifier))
		r.Use(httpserver.RateLimit(cfg.RateLimitRPM, time.Minute, byUser))

		r.Get("/v1/slides", handlers.ListSlides(svc, log))
		r.Post("/v1/slides/{item_id}/view", handlers.MarkViewed(svc, log))
		r.Post("/v1/slides/complete", handlers.Complete(svc, log))
		r.Get("/v1/slides/progress", handlers.GetProgress(svc, log))
		r.Get("/v1/containers", handlers.ListContainers(svc, log))
		r.Post("/v1/containers/{container_id}/reset", handlers.ResetProgress(svc, log))

		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Post("/containers", handlers.ImportContainer(svc, log))
			r.Get("/containers/{container_id}/items", handlers.ContainerItems(svc, log))
			r.Post("/containers/{container_id}/publish", handlers.Publish(svc, log))
			r.Post("/containers/{container_id}/unpublish", handlers.Unpublish(svc, log))
			r.Get("/containers/{container_id}/completions", handlers.CompletionReport(svc, log))
			r.Post("/receipts/verify", handlers.VerifyReceipt(svc, log))
		})
	})

	srv := httpserver.New(httpserver.Options{Addr: cfg.App.HTTP.Addr, ServiceName: cfg.App.ServiceName, Logger: log, Router: r})

	code := run.New(log).WithSignals(
		func(context.Context) error { return srv.Start() },
		func(ctx context.Context) error {
			err := srv.Shutdown(ctx)
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
			return err
		},
	)
	log.Info("exit", zap.Int("code", code))
	run.Exit(code)
}

// byUser keys the rate limiter by the authenticated user, falling back to IP.
func byUser(r *http.Request) (string, error) {
	if uid, ok := auth.UserIDFromContext(r.Context()); ok && uid != "" {
		return "user:" + uid, nil
	}
	return httprate.KeyByIP(r)
}

// initStore opens the configured backend. Postgres and SQLite get their schema
// applied before the service accepts traffic.
func initStore(log *zap.Logger, cfg config.Config) (store.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.Open(ctx, db.Options{DSN: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns})
		if err != nil {
			return nil, err
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("gating store: postgres")
		return pg, nil
	case config.DriverSQLite:
		s, err := store.OpenSQLite(ctx, cfg.SQLitePath, 0)
		if err != nil {
			return nil, err
		}
		log.Info("gating store: sqlite", zap.String("path", cfg.SQLitePath))
		return s, nil
	default:
		log.Warn("using in-memory gating store (development only)")
		return store.NewInMemoryStore(), nil
	}
}

// initLocker picks the Redis lease lock when REDIS_DSN is set so that several
// replicas serialize on the same keys. Without it locking is process-local.
func initLocker(log *zap.Logger, cfg config.Config) (locks.Locker, func()) {
	if cfg.RedisDSN == "" {
		return locks.NewLocal(), nil
	}
	rl := locks.NewRedisFromDSN(cfg.RedisDSN, locks.RedisOptions{TTL: cfg.LockTTL})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rl.Ping(ctx); err != nil {
		if cfg.App.IsProduction() {
			log.Error("redis lock unavailable", zap.Error(err))
			_ = log.Sync()
			run.Exit(1)
		}
		log.Warn("redis unavailable, using process-local locks", zap.Error(err))
		_ = rl.Close()
		return locks.NewLocal(), nil
	}
	log.Info("gating locks: redis")
	return rl, func() { _ = rl.Close() }
}

// initEvents connects to NATS JetStream. Failures are non-fatal; the service
// runs without emitting events.
func initEvents(log *zap.Logger, cfg config.Config) (*events.Publisher, func()) {
	if !cfg.EventsEnabled || cfg.NATSURL == "" {
		log.Info("event publishing disabled")
		return nil, nil
	}
	nc, err := natsconn.Connect(natsconn.Options{URL: cfg.NATSURL, Name: cfg.App.ServiceName, Logger: log})
	if err != nil {
		log.Warn("nats connect failed, events disabled", zap.Error(err))
		return nil, nil
	}
	js, err := nc.JetStream()
	if err != nil {
		log.Warn("jetstream unavailable, events disabled", zap.Error(err))
		nc.Close()
		return nil, nil
	}
	if err := events.EnsureStream(js); err != nil {
		log.Warn("ensure stream failed, events disabled", zap.Error(err))
		nc.Close()
		return nil, nil
	}
	return events.New(js, log), func() { _ = nc.Drain() }
}
