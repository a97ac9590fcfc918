package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Start discovers plugins, loads them and starts the background services:
// the metrics endpoint when configured and the plugin directory watcher.
// Plugins that fail to load are logged and do not stop the host.
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if !app.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	entries, err := app.catalog.Discover()
	if err != nil {
		app.running.Store(false)
		return fmt.Errorf("discovering plugins: %w", err)
	}
	for _, e := range app.catalog.Errors() {
		app.log.WithError(e.Err).WithField("dir", e.Dir).Warn("invalid plugin")
	}
	app.log.WithField("count", len(entries)).Info("plugins discovered")

	if err := app.manager.LoadAll(ctx); err != nil {
		app.log.WithError(err).Warn("some plugins failed to load")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel
	app.done = make(chan struct{})

	services := 0
	serviceDone := make(chan struct{}, 1)

	if addr := app.config.Metrics().Addr; addr != "" {
		services++
		go func() {
			defer func() { serviceDone <- struct{}{} }()
			app.log.WithField("addr", addr).Info("serving metrics")
			if err := app.metrics.Serve(runCtx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.log.WithError(err).Error("metrics endpoint stopped")
			}
		}()
	}

	if err := app.catalog.Watch(runCtx, app.handleCatalogChange(runCtx)); err != nil {
		app.log.WithError(err).Debug("plugin directories not watched")
	}

	go func() {
		defer close(app.done)
		<-runCtx.Done()
		for i := 0; i < services; i++ {
			<-serviceDone
		}
	}()

	return nil
}

// handleCatalogChange reloads plugins whose files changed and unloads the
// ones that disappeared from the catalog.
func (app *Application) handleCatalogChange(ctx context.Context) func(ids []string) {
	return func(ids []string) {
		// Changed files keep their version, so cached content would be stale.
		app.fetcher.Purge()
		for _, id := range ids {
			log := app.log.WithField("plugin", id)
			app.imports.Forget(id)

			if _, ok := app.catalog.Lookup(id); !ok {
				if _, loaded := app.manager.Get(id); loaded {
					if err := app.manager.Unload(ctx, id); err != nil {
						log.WithError(err).Warn("unload failed")
					}
				}
				continue
			}

			var err error
			if _, loaded := app.manager.Get(id); loaded {
				err = app.manager.Reload(ctx, id)
			} else {
				_, err = app.manager.Load(ctx, id)
			}
			if err != nil {
				log.WithError(err).Warn("plugin change not applied")
			}
		}
	}
}

// Run starts the application and blocks until ctx is done, then shuts down.
func (app *Application) Run(ctx context.Context) error {
	if err := app.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return app.Shutdown(context.WithoutCancel(ctx))
}

// Shutdown stops the background services and unloads every plugin.
func (app *Application) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if !app.running.Load() {
		return ErrNotRunning
	}

	app.cancel()
	select {
	case <-app.done:
	case <-ctx.Done():
		app.log.Warn("shutdown timed out waiting for services")
	}

	err := app.manager.UnloadAll(ctx)
	app.metrics.SetPluginsLoaded(app.manager.Count())
	app.running.Store(false)

	if err != nil {
		app.log.WithError(err).Warn("application stopped with errors")
		return err
	}
	app.log.Info("application stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching
// Shutdown.
func (app *Application) IsRunning() bool {
	return app.running.Load()
}
