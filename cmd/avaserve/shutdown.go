package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/avaserve/internal/config"
	"github.com/vyrodovalexey/avaserve/internal/observability"
)

// run starts the listeners, the scheduler and the configuration watcher,
// then serves until a termination signal or a listener failure.
func run(app *application) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 2)
	go func() { errCh <- app.frontend.Start(ctx) }()
	go func() { errCh <- app.admin.Start(ctx) }()

	app.scheduler.Start(ctx)
	app.startWatcher(ctx)

	var runErr error
loop:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				app.reload(ctx, "signal")
				continue
			}
			app.logger.Info("received shutdown signal", observability.String("signal", sig.String()))
			break loop
		case err := <-errCh:
			if err != nil {
				runErr = err
				app.logger.Error("listener failed", observability.Error(err))
				break loop
			}
		}
	}

	timeout := app.spec.App.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	app.shutdown(shutdownCtx)
	return runErr
}

// startWatcher reloads the configuration whenever one of the files read
// by the last successful load changes. The process keeps running without
// it when the watcher cannot be created.
func (app *application) startWatcher(ctx context.Context) {
	onChange := func(changed []string) {
		app.logger.Info("configuration files changed", observability.Strings("files", changed))
		app.reload(ctx, "watcher")
	}
	watcher, err := config.NewWatcher(onChange,
		config.WithLogger(app.logger.Named("watcher")),
		config.WithErrorCallback(func(err error) {
			app.logger.Warn("configuration watcher error", observability.Error(err))
		}),
	)
	if err != nil {
		app.logger.Warn("failed to create config watcher", observability.Error(err))
		return
	}
	if err := watcher.SetFiles(app.coordinator.Status().Files); err != nil {
		app.logger.Warn("failed to watch configuration files", observability.Error(err))
	}
	app.coordinator.SetWatcher(watcher)
	if err := watcher.Start(ctx); err != nil {
		app.logger.Warn("failed to start config watcher", observability.Error(err))
		return
	}
	app.watcher = watcher
}

// reload rebuilds the route table. The coordinator logs the outcome and
// keeps the live table on failure.
func (app *application) reload(ctx context.Context, trigger string) {
	app.logger.Info("reloading configuration", observability.String("trigger", trigger))
	_, _ = app.coordinator.Reload(ctx)
}

// shutdown stops accepting requests, lets in-flight requests and task
// runs finish until ctx is done, then releases handlers and stores.
func (app *application) shutdown(ctx context.Context) {
	if app.watcher != nil {
		if err := app.watcher.Stop(); err != nil {
			app.logger.Warn("failed to stop config watcher", observability.Error(err))
		}
	}

	if err := app.frontend.Stop(ctx); err != nil {
		app.logger.Error("failed to stop frontend gracefully", observability.Error(err))
	}

	if err := app.scheduler.Stop(ctx); err != nil {
		app.logger.Error("failed to stop scheduler gracefully", observability.Error(err))
	}

	if err := app.admin.Stop(ctx); err != nil {
		app.logger.Error("failed to stop admin server gracefully", observability.Error(err))
	}

	app.release(ctx)
	app.logger.Info("avaserve stopped")
}

// release tears down handler instances, pipeline stages, the response
// cache and the tracer.
func (app *application) release(ctx context.Context) {
	if err := app.handlers.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		app.logger.Error("handlers did not drain before shutdown deadline", observability.Error(err))
	}
	app.executor.Commit(nil)

	if err := app.cache.Close(); err != nil {
		app.logger.Error("failed to close response cache", observability.Error(err))
	}

	if err := app.tracer.Shutdown(ctx); err != nil {
		app.logger.Error("failed to shutdown tracer", observability.Error(err))
	}
}
