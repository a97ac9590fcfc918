// Package app wires the plugin host together: configuration, logging,
// metrics, the shared dependency surface, module resolution, the sandbox,
// the loader and the plugin manager.
package app

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/dshills/plugload/internal/config"
	"github.com/dshills/plugload/internal/logging"
	"github.com/dshills/plugload/internal/metrics"
	"github.com/dshills/plugload/internal/plugin"
	"github.com/dshills/plugload/internal/plugin/builtin"
	"github.com/dshills/plugload/internal/plugin/cache"
	"github.com/dshills/plugload/internal/plugin/catalog"
	"github.com/dshills/plugload/internal/plugin/dedupe"
	"github.com/dshills/plugload/internal/plugin/locate"
	"github.com/dshills/plugload/internal/plugin/module"
	"github.com/dshills/plugload/internal/plugin/sandbox"
	"github.com/dshills/plugload/internal/plugin/shared"
)

// Application is the plugin host.
type Application struct {
	mu sync.Mutex

	config  *config.Config
	log     *logrus.Logger
	metrics *metrics.Metrics

	deps     *shared.Registry
	builtins *builtin.Registry
	runtime  *plugin.Runtime
	cache    *cache.Cache
	fetcher  *locate.Fetcher
	resolver *locate.Resolver
	catalog  *catalog.Catalog
	loader   *plugin.Loader
	imports  *dedupe.Loader
	manager  *plugin.Manager

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	opts Options
}

// Options configures the application.
type Options struct {
	// ConfigPath is the TOML configuration file. Empty uses the default.
	ConfigPath string

	// ConfigOptions are passed to config.New after ConfigPath.
	ConfigOptions []config.Option

	// LogOutput overrides where logs are written.
	LogOutput io.Writer

	// Registry receives the metrics. Nil creates a private registry.
	Registry *prometheus.Registry

	// Builtins registers plugins compiled into the host.
	Builtins func(r *builtin.Registry)

	// Expose adds host instances to the shared dependency surface.
	Expose map[string]any
}

// New creates the application and loads its configuration. Plugins are not
// discovered until Start.
func New(ctx context.Context, opts Options) (*Application, error) {
	app := &Application{opts: opts}
	if err := app.bootstrap(ctx); err != nil {
		return nil, err
	}
	return app, nil
}

// bootstrap initializes all components in dependency order.
func (app *Application) bootstrap(ctx context.Context) error {
	// 1. Config
	var cfgOpts []config.Option
	if app.opts.ConfigPath != "" {
		cfgOpts = append(cfgOpts, config.WithFile(app.opts.ConfigPath))
	}
	app.config = config.New(append(cfgOpts, app.opts.ConfigOptions...)...)
	if err := app.config.Load(ctx); err != nil {
		return &InitError{Component: "config", Err: err}
	}

	// 2. Logging
	logCfg := app.config.Log()
	logger, err := logging.New(logging.Config{
		Level:  logCfg.Level,
		Format: logCfg.Format,
		Output: app.opts.LogOutput,
	})
	if err != nil {
		return &InitError{Component: "logging", Err: err}
	}
	app.log = logger

	// 3. Metrics
	app.metrics = metrics.New(app.opts.Registry)

	// 4. Shared dependency surface
	app.deps = shared.NewRegistry(shared.WithLogger(app.log))
	rtCfg := app.config.Runtime()
	app.runtime = plugin.NewRuntime(
		plugin.WithRuntimeLogger(app.log.WithField("component", "runtime")),
		plugin.WithSettings(rtCfg.Settings),
	)
	if err := plugin.ExposeHostModules(app.deps, plugin.NewSDK(), app.runtime); err != nil {
		return &InitError{Component: "shared registry", Err: err}
	}
	for name, inst := range app.opts.Expose {
		if err := app.deps.Expose(name, inst); err != nil {
			return &InitError{Component: "shared registry", Err: err}
		}
	}

	app.builtins = builtin.NewRegistry()
	if app.opts.Builtins != nil {
		app.opts.Builtins(app.builtins)
	}

	// 5. Resolution
	paths := app.config.Paths()
	fetchCfg := app.config.Fetch()
	app.cache = cache.New()
	app.fetcher = locate.NewFetcher(
		locate.WithRoot(paths.PublicDir),
		locate.WithHTTPClient(&http.Client{Timeout: fetchCfg.HTTPTimeout}),
		locate.WithCache(fetchCfg.CacheEntries, fetchCfg.CacheTTL),
		locate.WithObserver(app.metrics.ObserveFetch),
		locate.WithFetchLogger(app.log.WithField("component", "fetch")),
	)
	app.resolver = locate.NewResolver(app.cache, app.fetcher, locate.WithCDN(app.config.CDN().BaseURL))

	// 6. Catalog and sandbox
	app.catalog = catalog.New(
		catalog.WithPaths(paths.PluginDirs...),
		catalog.WithLogger(app.log.WithField("component", "catalog")),
	)
	sb := sandbox.New(app.deps, app.catalog.CodeSource(app.resolver),
		sandbox.WithLogger(app.log.WithField("component", "sandbox")),
		sandbox.WithQueueSize(rtCfg.QueueSize),
	)

	// 7. Loader and manager
	app.loader = plugin.NewLoader(
		plugin.WithFlags(app.config.Flags()),
		plugin.WithCache(app.cache),
		plugin.WithBuiltins(app.builtins),
		plugin.WithSharedRegistry(app.deps),
		plugin.WithSourceResolver(app.resolver),
		plugin.WithSandbox(sb),
		plugin.WithRecorder(app.metrics),
		plugin.WithLogger(app.log.WithField("component", "loader")),
		plugin.WithQueueSize(rtCfg.QueueSize),
	)
	app.imports = dedupe.New(app.loader)
	app.manager = plugin.NewManager(app.loader, app.catalog)
	app.manager.Subscribe(app.handleManagerEvent)

	app.log.WithFields(logrus.Fields{
		"config":      app.config.File(),
		"public_dir":  paths.PublicDir,
		"plugin_dirs": paths.PluginDirs,
		"sandbox":     app.loader.Flags().SandboxEnabled,
	}).Debug("application bootstrapped")
	return nil
}

// handleManagerEvent logs manager events and keeps the loaded gauge current.
// It runs outside the manager's locks.
func (app *Application) handleManagerEvent(e plugin.ManagerEvent) {
	log := app.log.WithFields(logrus.Fields{
		"plugin": e.Plugin,
		"event":  e.Type.String(),
	})
	if e.Error != nil {
		log.WithError(e.Error).Warn("plugin event")
	} else {
		log.Info("plugin event")
	}
	app.metrics.SetPluginsLoaded(app.manager.Count())
}

// Import loads one plugin module. Concurrent imports of the same descriptor
// share one load and its runtime. Every caller must Close its result; the
// runtime is released by the last Close.
func (app *Application) Import(ctx context.Context, desc plugin.Descriptor) (*module.Loaded, error) {
	loaded, joined, err := app.imports.ImportPluginModule(ctx, desc)
	if joined {
		app.log.WithField("plugin", desc.ID).Debug("joined in-flight import")
	}
	return loaded, err
}

// Config returns the configuration.
func (app *Application) Config() *config.Config { return app.config }

// Logger returns the logger.
func (app *Application) Logger() *logrus.Logger { return app.log }

// Metrics returns the metrics.
func (app *Application) Metrics() *metrics.Metrics { return app.metrics }

// Shared returns the shared dependency registry.
func (app *Application) Shared() *shared.Registry { return app.deps }

// Builtins returns the built-in plugin registry.
func (app *Application) Builtins() *builtin.Registry { return app.builtins }

// Runtime returns the host services facade.
func (app *Application) Runtime() *plugin.Runtime { return app.runtime }

// Catalog returns the plugin catalog.
func (app *Application) Catalog() *catalog.Catalog { return app.catalog }

// Loader returns the plugin loader.
func (app *Application) Loader() *plugin.Loader { return app.loader }

// Manager returns the plugin manager.
func (app *Application) Manager() *plugin.Manager { return app.manager }

// Fetcher returns the module fetcher.
func (app *Application) Fetcher() *locate.Fetcher { return app.fetcher }
