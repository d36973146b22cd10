// Package app assembles the consultation service from its settings and runs it.
package app

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/ehosp/pkg/accounts"
	"github.com/go-go-golems/ehosp/pkg/admission"
	"github.com/go-go-golems/ehosp/pkg/catalog"
	"github.com/go-go-golems/ehosp/pkg/config"
	"github.com/go-go-golems/ehosp/pkg/consult"
	"github.com/go-go-golems/ehosp/pkg/eventbus"
	"github.com/go-go-golems/ehosp/pkg/inference"
	"github.com/go-go-golems/ehosp/pkg/inference/runner"
	"github.com/go-go-golems/ehosp/pkg/live"
	"github.com/go-go-golems/ehosp/pkg/metrics"
	"github.com/go-go-golems/ehosp/pkg/persistence/accountstore"
	"github.com/go-go-golems/ehosp/pkg/persistence/chatstore"
	"github.com/go-go-golems/ehosp/pkg/persistence/sqldb"
	"github.com/go-go-golems/ehosp/pkg/prompt"
	"github.com/go-go-golems/ehosp/pkg/routing"
	"github.com/go-go-golems/ehosp/pkg/webapi"
)

const (
	shutdownTimeout = 30 * time.Second
	usageKeyTTL     = 48 * time.Hour
	memoryTurnLimit = 500
)

type Options struct {
	Settings  config.Settings
	Generator inference.Generator

	// Optional.
	Logger zerolog.Logger
	// Redis overrides the client built from the redis-addr setting for usage counters.
	Redis *redis.Client
}

type App struct {
	settings config.Settings
	logger   zerolog.Logger

	Catalog  *catalog.Catalog
	Accounts *accounts.Service
	Consult  *consult.Service
	Live     *live.Manager
	Metrics  *metrics.Metrics

	db      *sql.DB
	redis   *redis.Client
	bus     *eventbus.Bus
	handler http.Handler
}

// New builds every component. Close releases what New opened.
func New(ctx context.Context, opts Options) (_ *App, err error) {
	if opts.Generator == nil {
		return nil, errors.New("app: generator is nil")
	}
	s := opts.Settings
	a := &App{settings: s, logger: opts.Logger, Metrics: metrics.New("ehosp")}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if s.Catalog != "" {
		a.Catalog, err = catalog.LoadFile(s.Catalog)
	} else {
		a.Catalog, err = catalog.Default()
	}
	if err != nil {
		return nil, errors.Wrap(err, "load catalog")
	}

	store, usage, turns, err := a.openStores(ctx, opts.Redis)
	if err != nil {
		return nil, err
	}

	a.Accounts, err = accounts.NewService(store, a.Catalog, s.AdminEmail, accounts.WithLogger(a.component("accounts")))
	if err != nil {
		return nil, err
	}
	window := admission.NewRateWindow(s.RateCeiling, s.RateWindow, nil)
	controller, err := admission.NewController(a.Accounts, usage,
		admission.WithRateWindow(window),
		admission.WithLogger(a.component("admission")),
		admission.WithMetrics(a.Metrics),
	)
	if err != nil {
		return nil, err
	}
	router, err := routing.NewRouter(a.Catalog, a.Accounts)
	if err != nil {
		return nil, err
	}
	composer, err := prompt.NewComposer(a.Catalog)
	if err != nil {
		return nil, err
	}

	runOpts := []runner.Option{
		runner.WithTimeout(s.ModelTimeout),
		runner.WithLogger(a.component("runner")),
		runner.WithMetrics(a.Metrics),
	}
	if s.HistoryTokenBudget > 0 {
		budget, err := runner.NewHistoryBudget(s.HistoryTokenBudget)
		if err != nil {
			return nil, errors.Wrap(err, "history budget")
		}
		runOpts = append(runOpts, runner.WithHistoryBudget(budget))
	}
	model, err := runner.New(opts.Generator, runOpts...)
	if err != nil {
		return nil, err
	}

	if s.Redis.Enabled {
		if err := eventbus.EnsureGroupAtTail(ctx, s.Redis); err != nil {
			return nil, err
		}
	}
	a.bus, err = eventbus.New(s.Redis, a.component("eventbus"))
	if err != nil {
		return nil, err
	}
	a.bus.Subscribe("audit", eventbus.AuditHandler(a.component("audit")))
	a.bus.Subscribe("turn-recorder", eventbus.TurnRecorder(turns))

	a.Consult, err = consult.NewService(consult.ServiceConfig{
		Catalog:   a.Catalog,
		Accounts:  a.Accounts,
		Admission: controller,
		Router:    router,
		Composer:  composer,
		Model:     model,
		Publisher: a.bus,
		Metrics:   a.Metrics,
		Logger:    a.component("consult"),
	})
	if err != nil {
		return nil, err
	}

	a.Live, err = live.NewManager(live.ManagerConfig{
		Orchestrator: a.Consult,
		Catalog:      a.Catalog,
		Settings:     s.Live(),
		Publisher:    a.bus,
		Metrics:      a.Metrics,
		Logger:       a.component("live"),
	})
	if err != nil {
		return nil, err
	}

	srv, err := webapi.NewServer(webapi.ServerConfig{
		Consult:   a.Consult,
		Accounts:  a.Accounts,
		Admission: controller,
		Catalog:   a.Catalog,
		Live:      a.Live,
		Turns:     turns,
		Metrics:   a.Metrics,
		Logger:    a.component("http"),
		StaticDir: s.StaticDir,
	})
	if err != nil {
		return nil, err
	}
	a.handler = srv.Handler()
	return a, nil
}

func (a *App) component(name string) zerolog.Logger {
	return a.logger.With().Str("component", name).Logger()
}

func (a *App) openStores(ctx context.Context, override *redis.Client) (accounts.Store, accounts.UsageStore, chatstore.TurnStore, error) {
	var (
		store accounts.Store
		usage accounts.UsageStore
		turns chatstore.TurnStore
	)
	if a.settings.UsesMemory() {
		mem := accountstore.NewMemoryStore()
		store, usage = mem, mem
		turns = chatstore.NewInMemoryTurnStore(memoryTurnLimit)
	} else {
		dbSettings, err := a.settings.Database()
		if err != nil {
			return nil, nil, nil, err
		}
		a.db, err = sqldb.Open(ctx, dbSettings)
		if err != nil {
			return nil, nil, nil, err
		}
		sqlStore, err := accountstore.NewSQLStore(a.db)
		if err != nil {
			return nil, nil, nil, err
		}
		store, usage = sqlStore, sqlStore
		if turns, err = chatstore.NewSQLTurnStore(a.db); err != nil {
			return nil, nil, nil, err
		}
	}

	if a.settings.RedisUsage {
		client := override
		if client == nil {
			a.redis = redis.NewClient(&redis.Options{Addr: a.settings.Redis.Addr})
			client = a.redis
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, nil, errors.Wrap(err, "redis usage counters")
		}
		rs, err := accountstore.NewRedisUsageStore(client, "", usageKeyTTL)
		if err != nil {
			return nil, nil, nil, err
		}
		usage = rs
	}
	return store, usage, turns, nil
}

// Handler is the full HTTP surface, live websocket included.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run listens on the configured address until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.settings.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", a.settings.Addr)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln and the event consumers. When ctx is cancelled
// live sessions are closed, in-flight requests drain and the bus stops.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := a.bus.Run(egCtx); err != nil {
			return errors.Wrap(err, "event bus")
		}
		return nil
	})
	eg.Go(func() error {
		a.logger.Info().Str("addr", ln.Addr().String()).Msg("starting ehosp server")
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		a.logger.Info().Msg("shutting down")
		a.Live.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error().Err(err).Msg("server shutdown error")
			return err
		}
		a.logger.Info().Msg("server shutdown complete")
		return nil
	})
	return eg.Wait()
}

// Running is closed once the event consumers are subscribed.
func (a *App) Running() chan struct{} {
	return a.bus.Running()
}

func (a *App) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if a.bus != nil {
		keep(a.bus.Close())
	}
	if a.redis != nil {
		keep(a.redis.Close())
	}
	if a.db != nil {
		keep(a.db.Close())
	}
	return first
}
