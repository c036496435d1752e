package main

import (
	"context"
	"fmt"
	"os"

	"github.com/vyrodovalexey/avaserve/internal/cache"
	"github.com/vyrodovalexey/avaserve/internal/config"
	"github.com/vyrodovalexey/avaserve/internal/handler"
	"github.com/vyrodovalexey/avaserve/internal/health"
	"github.com/vyrodovalexey/avaserve/internal/observability"
	"github.com/vyrodovalexey/avaserve/internal/pipeline"
	"github.com/vyrodovalexey/avaserve/internal/reload"
	"github.com/vyrodovalexey/avaserve/internal/router"
	"github.com/vyrodovalexey/avaserve/internal/scheduler"
	"github.com/vyrodovalexey/avaserve/internal/secrets"
	"github.com/vyrodovalexey/avaserve/internal/server"
)

// application holds all application components.
type application struct {
	logger      observability.Logger
	spec        *config.Spec
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	cache       cache.Cache
	handlers    *handler.Registry
	executor    *pipeline.Executor
	router      *router.Router
	scheduler   *scheduler.Scheduler
	coordinator *reload.Coordinator
	watcher     *config.Watcher
	frontend    *server.Server
	admin       *server.Server
	health      *health.Checker
}

// newApplication reads the configuration once to size the process, wires
// every component and publishes the first route table through the reload
// coordinator.
func newApplication(flags cliFlags, bootstrap observability.Logger) (*application, error) {
	if len(flags.configPaths) == 0 {
		return nil, fmt.Errorf("no configuration files given")
	}

	loaderOpts := []config.LoaderOption{config.WithLoaderLogger(bootstrap)}
	if vc, ok := secrets.ConfigFromEnv(os.LookupEnv); ok {
		vault, err := secrets.NewVault(vc, bootstrap.Named("secrets"))
		if err != nil {
			return nil, err
		}
		loaderOpts = append(loaderOpts, config.WithSecrets(vault))
	}

	loader := config.NewLoader(loaderOpts...)
	root, _, err := loader.Load(flags.configPaths...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	spec, err := config.Decode(root)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := bootstrap
	if lc := logConfig(spec.Log, flags); lc != logConfig(observability.DefaultLogConfig(), flags) {
		if logger, err = observability.NewLogger(lc); err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		observability.SetGlobalLogger(logger)
	}
	logger.Info("starting avaserve",
		observability.String("version", version),
		observability.Strings("config", flags.configPaths),
	)

	metrics := initMetrics()

	tracer, err := initTracer(spec.Tracing)
	if err != nil {
		return nil, err
	}

	store, err := cache.New(spec.Cache, cache.WithLogger(logger.Named("cache")))
	if err != nil {
		return nil, fmt.Errorf("failed to create response cache: %w", err)
	}

	handlers := handler.NewRegistry(
		handler.WithLogger(logger.Named("handler")),
		handler.WithDrainTimeout(spec.App.DrainTimeout),
	)
	if err := handler.RegisterBuiltins(handlers); err != nil {
		return nil, fmt.Errorf("failed to register handler types: %w", err)
	}

	executor := pipeline.NewExecutor(handlers,
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithCache(store),
	)
	rt := router.New(router.WithLogger(logger.Named("router")))
	sched := scheduler.New(executor, scheduler.WithLogger(logger.Named("scheduler")))

	coordinator := reload.New(rt, handlers, executor,
		reload.WithLogger(logger.Named("reload")),
		reload.WithLoader(loader),
		reload.WithScheduler(sched),
		reload.WithSources(flags.configPaths...),
	)

	app := &application{
		logger:      logger,
		spec:        spec,
		metrics:     metrics,
		tracer:      tracer,
		cache:       store,
		handlers:    handlers,
		executor:    executor,
		router:      rt,
		scheduler:   sched,
		coordinator: coordinator,
	}

	if _, err := coordinator.Reload(context.Background()); err != nil {
		app.release(context.Background())
		return nil, fmt.Errorf("failed to publish initial configuration: %w", err)
	}

	app.health = newHealthChecker(rt, store, coordinator)
	app.frontend = server.New(frontendConfig(spec.App), rt, executor,
		server.WithLogger(logger),
		server.WithMetrics(metrics),
	)
	app.admin = server.NewAdmin(adminConfig(spec.App),
		server.AdminTargets{Routes: rt, Reloader: coordinator, Schedule: sched, Health: app.health},
		server.WithLogger(logger),
		server.WithMetrics(metrics),
	)
	return app, nil
}

// initMetrics creates the process registry and registers every
// component's collectors with it. It must run before any component asks
// for its metrics.
func initMetrics() *observability.Metrics {
	metrics := observability.NewMetrics(observability.Namespace)
	metrics.SetBuildInfo(version, gitCommit, buildTime)

	reg := metrics.Registry()
	router.InitRouterMetrics(reg)
	cache.InitCacheMetrics(reg)
	handler.InitMetrics(reg)
	pipeline.InitMetrics(reg)
	reload.InitMetrics(reg)
	scheduler.InitMetrics(reg)
	health.InitMetrics(reg)
	reload.GetMetrics().Init()
	return metrics
}

// newHealthChecker registers the readiness checks. Only a missing route
// table makes the process unready; cache outages and failed reloads
// degrade it while the live table keeps serving.
func newHealthChecker(rt *router.Router, store cache.Cache, coordinator *reload.Coordinator) *health.Checker {
	checker := health.NewChecker(version)
	checker.Register("routes", health.GenerationCheck(func() uint64 {
		return rt.Current().Generation()
	}))
	checker.Register("cache", health.CacheCheck(store), health.WithCritical(false))
	checker.Register("reload", health.LastErrorCheck(func() string {
		return coordinator.Status().LastError
	}), health.WithCritical(false))
	return checker
}

// initTracer initializes the tracer.
func initTracer(cfg observability.TracerConfig) (*observability.Tracer, error) {
	tracer, err := observability.NewTracer(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	return tracer, nil
}

func frontendConfig(app config.AppSpec) server.Config {
	cfg := server.DefaultConfig()
	cfg.Address = app.Listen
	if app.ReadTimeout > 0 {
		cfg.ReadTimeout = app.ReadTimeout
	}
	if app.WriteTimeout > 0 {
		cfg.WriteTimeout = app.WriteTimeout
	}
	return cfg
}

func adminConfig(app config.AppSpec) server.Config {
	cfg := server.DefaultConfig()
	cfg.Address = app.AdminListen
	cfg.MaxRequestBodySize = 0
	return cfg
}
