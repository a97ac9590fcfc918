package plugin

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/plugload/internal/plugin/builtin"
	"github.com/dshills/plugload/internal/plugin/cache"
	"github.com/dshills/plugload/internal/plugin/locate"
	plua "github.com/dshills/plugload/internal/plugin/lua"
	"github.com/dshills/plugload/internal/plugin/module"
	"github.com/dshills/plugload/internal/plugin/sandbox"
	"github.com/dshills/plugload/internal/plugin/shared"
)

// Load outcomes reported to the Recorder.
const (
	OutcomeOK              = "ok"
	OutcomeResolutionError = "resolution_error"
	OutcomeSandboxError    = "sandbox_error"
	OutcomeCanceled        = "canceled"
)

// SourceResolver fetches module source by path.
type SourceResolver interface {
	Resolve(ctx context.Context, path string) (*locate.Source, error)
}

// SandboxExecutor evaluates a plugin's entry module in isolation.
type SandboxExecutor interface {
	Execute(ctx context.Context, pluginID string) (*module.Loaded, error)
}

// Recorder receives load measurements.
type Recorder interface {
	ObserveImport(strategy, outcome string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveImport(string, string, time.Duration) {}

// Loader resolves plugin modules and adapts them into canonical plugins.
//
// Every import first registers the module version in the cache, then takes
// exactly one of three paths: the built-in registry, the sandbox, or a
// trusted import through the locate strategies.
type Loader struct {
	flags     Flags
	cache     *cache.Cache
	builtins  *builtin.Registry
	deps      *shared.Registry
	resolver  SourceResolver
	sandbox   SandboxExecutor
	adapter   *Adapter
	recorder  Recorder
	log       logrus.FieldLogger
	queueSize int
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithFlags sets the sandbox eligibility flags.
func WithFlags(f Flags) LoaderOption {
	return func(l *Loader) {
		l.flags = f
	}
}

// WithCache sets the version cache.
func WithCache(c *cache.Cache) LoaderOption {
	return func(l *Loader) {
		l.cache = c
	}
}

// WithBuiltins sets the built-in plugin registry.
func WithBuiltins(r *builtin.Registry) LoaderOption {
	return func(l *Loader) {
		l.builtins = r
	}
}

// WithSharedRegistry sets the shared dependency registry.
func WithSharedRegistry(r *shared.Registry) LoaderOption {
	return func(l *Loader) {
		l.deps = r
	}
}

// WithSourceResolver sets how module source is fetched.
func WithSourceResolver(r SourceResolver) LoaderOption {
	return func(l *Loader) {
		l.resolver = r
	}
}

// WithSandbox sets the sandbox executor.
func WithSandbox(s SandboxExecutor) LoaderOption {
	return func(l *Loader) {
		l.sandbox = s
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) LoaderOption {
	return func(l *Loader) {
		l.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) LoaderOption {
	return func(l *Loader) {
		l.log = log
	}
}

// WithQueueSize sets the executor queue size of trusted Lua states.
func WithQueueSize(n int) LoaderOption {
	return func(l *Loader) {
		l.queueSize = n
	}
}

// NewLoader creates a loader. Collaborators that are not configured get
// defaults: an empty built-in registry, an empty shared registry, a
// filesystem resolver rooted at the working directory, and a sandbox that
// reads plugins/<id>/module through that resolver.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{queueSize: plua.DefaultQueueSize}
	for _, opt := range opts {
		opt(l)
	}

	if l.log == nil {
		lg := logrus.New()
		lg.SetOutput(io.Discard)
		l.log = lg
	}
	if l.cache == nil {
		l.cache = cache.New()
	}
	if l.builtins == nil {
		l.builtins = builtin.NewRegistry()
	}
	if l.deps == nil {
		l.deps = shared.NewRegistry(shared.WithLogger(l.log))
	}
	if l.resolver == nil {
		l.resolver = locate.NewResolver(l.cache, locate.NewFetcher(locate.WithFetchLogger(l.log)))
	}
	if l.sandbox == nil {
		l.sandbox = sandbox.New(l.deps, &ModuleCodeSource{Resolver: l.resolver}, sandbox.WithLogger(l.log))
	}
	if l.recorder == nil {
		l.recorder = nopRecorder{}
	}
	l.adapter = NewAdapter(l.log)
	return l
}

// Cache returns the version cache.
func (l *Loader) Cache() *cache.Cache { return l.cache }

// Shared returns the shared dependency registry.
func (l *Loader) Shared() *shared.Registry { return l.deps }

// Builtins returns the built-in plugin registry.
func (l *Loader) Builtins() *builtin.Registry { return l.builtins }

// Flags returns the sandbox eligibility flags.
func (l *Loader) Flags() Flags { return l.flags }

// StrategyFor reports the path a load of desc would take.
func (l *Loader) StrategyFor(ctx context.Context, desc Descriptor) Strategy {
	if _, ok := l.builtins.Lookup(desc.Module); ok {
		return StrategyBuiltin
	}
	if SandboxEligible(ctx, l.flags, desc) {
		return StrategySandbox
	}
	return StrategyImport
}

// ImportPluginModule loads the entry module of a plugin. The returned module
// owns any Lua state its exports live in.
func (l *Loader) ImportPluginModule(ctx context.Context, desc Descriptor) (loaded *module.Loaded, err error) {
	if desc.Version != "" {
		l.cache.RegisterVersion(desc.Module, desc.Version)
	}

	strategy := l.StrategyFor(ctx, desc)
	log := l.log.WithFields(logrus.Fields{
		"plugin":   desc.ID,
		"module":   desc.Module,
		"strategy": strategy.String(),
		"load_id":  uuid.NewString(),
	})
	start := time.Now()
	defer func() {
		outcome := outcomeOf(err)
		l.recorder.ObserveImport(strategy.String(), outcome, time.Since(start))
		if err != nil {
			log.WithError(err).Warn("plugin module import failed")
			return
		}
		log.WithField("exports", len(loaded.Exports)).Debug("plugin module imported")
	}()

	switch strategy {
	case StrategyBuiltin:
		return l.importBuiltin(ctx, desc)
	case StrategySandbox:
		return l.importSandboxed(ctx, desc)
	default:
		return l.importTrusted(ctx, desc)
	}
}

func (l *Loader) importBuiltin(ctx context.Context, desc Descriptor) (*module.Loaded, error) {
	exports, err := l.builtins.Load(ctx, desc.Module)
	if err != nil {
		return nil, &ResolutionError{PluginID: desc.ID, Path: desc.Module, Err: err}
	}
	return module.New(exports), nil
}

func (l *Loader) importSandboxed(ctx context.Context, desc Descriptor) (*module.Loaded, error) {
	loaded, err := l.sandbox.Execute(ctx, desc.ID)
	if err == nil {
		return loaded, nil
	}

	var (
		serr *sandbox.SourceError
		eerr *sandbox.ExecutionError
	)
	switch {
	case errors.As(err, &serr):
		return nil, &ResolutionError{PluginID: desc.ID, Path: desc.Module, Err: serr.Err}
	case errors.As(err, &eerr):
		return nil, &SandboxExecutionError{PluginID: desc.ID, Err: eerr.Err}
	default:
		return nil, &SandboxExecutionError{PluginID: desc.ID, Err: err}
	}
}

// importTrusted fetches the module through the locate strategies and
// evaluates it with the full standard library. Stylesheets are not
// evaluated; their content becomes the default export.
func (l *Loader) importTrusted(ctx context.Context, desc Descriptor) (*module.Loaded, error) {
	src, err := l.resolver.Resolve(ctx, desc.Module)
	if err != nil {
		return nil, &ResolutionError{PluginID: desc.ID, Path: desc.Module, Err: err}
	}
	if src.IsStylesheet() {
		return module.New(module.Exports{
			"default": &locate.Stylesheet{Locator: src.Locator, Content: string(src.Code)},
		}), nil
	}

	state, err := plua.NewState(
		plua.WithMode(plua.ModeTrusted),
		plua.WithResolver(l.deps),
		plua.WithSourceLoader(l.siblingLoader(desc.Module)),
		plua.WithQueueSize(l.queueSize),
	)
	if err != nil {
		return nil, &ResolutionError{PluginID: desc.ID, Path: desc.Module, Err: err}
	}

	exports, err := state.Run(ctx, src.Locator, src.Code)
	if err != nil {
		_ = state.Close()
		return nil, &ResolutionError{PluginID: desc.ID, Path: desc.Module, Err: err}
	}
	return module.WithRuntime(exports, state), nil
}

// siblingLoader resolves relative requires of a trusted module through the
// same import path as the module itself.
func (l *Loader) siblingLoader(from string) plua.SourceLoader {
	return func(ctx context.Context, name string) (string, []byte, error) {
		src, err := l.resolver.Resolve(ctx, locate.Join(from, name))
		if err != nil {
			return "", nil, err
		}
		if src.IsStylesheet() {
			// stylesheets are applied by the host, not evaluated
			return src.Locator, []byte("return true"), nil
		}
		return src.Locator, src.Code, nil
	}
}

// ImportDataSourcePlugin loads a data-source plugin.
func (l *Loader) ImportDataSourcePlugin(ctx context.Context, meta *Meta) (*DataSourcePlugin, error) {
	if meta == nil {
		return nil, ErrNilMeta
	}
	loaded, err := l.ImportPluginModule(ctx, meta.Descriptor())
	if err != nil {
		return nil, err
	}
	p, err := l.adapter.DataSource(meta, loaded)
	if err != nil {
		_ = loaded.Close()
		return nil, err
	}
	return p, nil
}

// ImportAppPlugin loads an app plugin.
func (l *Loader) ImportAppPlugin(ctx context.Context, meta *Meta) (*AppPlugin, error) {
	if meta == nil {
		return nil, ErrNilMeta
	}
	loaded, err := l.ImportPluginModule(ctx, meta.Descriptor())
	if err != nil {
		return nil, err
	}
	p, err := l.adapter.App(ctx, meta, loaded)
	if err != nil {
		_ = loaded.Close()
		return nil, err
	}
	return p, nil
}

// Result is the outcome of one load in ImportAll. Exactly one of
// DataSource, App and Module is set when Err is nil.
type Result struct {
	Meta       *Meta
	DataSource *DataSourcePlugin
	App        *AppPlugin
	Module     *module.Loaded
	Err        error
}

// Close releases whatever the result holds.
func (r *Result) Close() error {
	switch {
	case r.DataSource != nil:
		return r.DataSource.Close()
	case r.App != nil:
		return r.App.Close()
	default:
		return r.Module.Close()
	}
}

// ImportAll loads plugins concurrently. Loads are independent: a failing
// load never cancels the others. Results are in the order of metas.
func (l *Loader) ImportAll(ctx context.Context, metas []*Meta) []Result {
	results := make([]Result, len(metas))

	var g errgroup.Group
	for i, meta := range metas {
		i, meta := i, meta
		results[i].Meta = meta
		g.Go(func() error {
			r := &results[i]
			if meta == nil {
				r.Err = ErrNilMeta
				return nil
			}
			switch meta.Type {
			case TypeDataSource:
				r.DataSource, r.Err = l.ImportDataSourcePlugin(ctx, meta)
			case TypeApp:
				r.App, r.Err = l.ImportAppPlugin(ctx, meta)
			default:
				r.Module, r.Err = l.ImportPluginModule(ctx, meta.Descriptor())
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// outcomeOf classifies an import error for metrics.
func outcomeOf(err error) string {
	var (
		rerr *ResolutionError
		serr *SandboxExecutionError
	)
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	case errors.As(err, &rerr):
		return OutcomeResolutionError
	case errors.As(err, &serr):
		return OutcomeSandboxError
	default:
		return OutcomeResolutionError
	}
}
