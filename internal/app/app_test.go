package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/plugload/internal/config"
	"github.com/dshills/plugload/internal/plugin"
	"github.com/dshills/plugload/internal/plugin/builtin"
	"github.com/dshills/plugload/internal/plugin/module"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newTestApp lays out a public directory with two plugins and returns an
// application configured to use it.
func newTestApp(t *testing.T, extraConfig string, opts ...func(*Options)) (*Application, string) {
	t.Helper()
	root := t.TempDir()
	public := filepath.Join(root, "public")

	writeFile(t, filepath.Join(public, "plugins", "ds", "plugin.json"),
		`{"id": "ds", "type": "datasource", "info": {"version": "1.0.0"}}`)
	writeFile(t, filepath.Join(public, "plugins", "ds", "module.lua"), `
local data = require("@plugload/data")
local runtime = require("@plugload/runtime")
local p = data.datasource(function(settings)
	return { url = settings.url, org = runtime.setting("org") }
end)
p:set_query_editor("QueryEditor")
return { plugin = p }
`)
	writeFile(t, filepath.Join(public, "plugins", "app", "plugin.json"),
		`{"id": "app", "type": "app", "info": {"version": "2.0.0"}}`)
	writeFile(t, filepath.Join(public, "plugins", "app", "module.lua"), `return {}`)

	cfgPath := filepath.Join(root, "plugload.toml")
	writeFile(t, cfgPath, `
[log]
level = "debug"

[paths]
public_dir = "`+filepath.ToSlash(public)+`"
plugin_dirs = ["`+filepath.ToSlash(filepath.Join(public, "plugins"))+`"]

[fetch]
cache_entries = 0

[runtime.settings]
org = "main"
`+extraConfig)

	o := Options{
		ConfigPath:    cfgPath,
		ConfigOptions: []config.Option{config.WithEnviron(func() []string { return nil })},
		LogOutput:     &bytes.Buffer{},
		Registry:      prometheus.NewRegistry(),
	}
	for _, fn := range opts {
		fn(&o)
	}

	app, err := New(context.Background(), o)
	require.NoError(t, err)
	return app, public
}

func TestNewBootstrapsComponents(t *testing.T) {
	app, _ := newTestApp(t, "")

	assert.NotNil(t, app.Config())
	assert.NotNil(t, app.Logger())
	assert.NotNil(t, app.Metrics())
	assert.NotNil(t, app.Loader())
	assert.NotNil(t, app.Manager())
	assert.NotNil(t, app.Catalog())
	assert.NotNil(t, app.Fetcher())
	assert.NotNil(t, app.Builtins())
	assert.Equal(t, []string{
		plugin.SDKModule, plugin.RuntimeModule, plugin.SDKAliasModule,
	}, app.Shared().Names())

	v, ok := app.Runtime().Setting("org")
	require.True(t, ok)
	assert.Equal(t, "main", v)
	assert.False(t, app.IsRunning())
}

func TestNewConfigError(t *testing.T) {
	_, err := New(context.Background(), Options{
		ConfigOptions: []config.Option{
			config.WithFile(filepath.Join(t.TempDir(), "none.toml")),
			config.WithEnviron(func() []string { return []string{"PLUGLOAD_LOG_LEVEL=loud"} }),
		},
		Registry: prometheus.NewRegistry(),
	})
	require.Error(t, err)

	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "config", initErr.Component)
}

func TestExposeHostInstances(t *testing.T) {
	type store struct{ name string }
	s := &store{name: "host"}

	app, _ := newTestApp(t, "", func(o *Options) {
		o.Expose = map[string]any{"@host/store": s}
	})

	got, err := app.Shared().Lookup("@host/store")
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestStartLoadsPlugins(t *testing.T) {
	app, _ := newTestApp(t, "")
	ctx := context.Background()

	require.NoError(t, app.Start(ctx))
	assert.True(t, app.IsRunning())
	assert.ErrorIs(t, app.Start(ctx), ErrAlreadyRunning)

	assert.Equal(t, []string{"app", "ds"}, app.Manager().IDs())
	assert.Equal(t, 2.0, testutil.ToFloat64(app.Metrics().PluginsLoaded))

	ds, ok := app.Manager().DataSource("ds")
	require.True(t, ok)
	assert.Equal(t, "QueryEditor", ds.Components.QueryEditor)

	inst, err := ds.NewInstance(ctx, map[string]any{"url": "http://db"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"url": "http://db", "org": "main"}, inst)

	_, ok = app.Manager().App("app")
	assert.True(t, ok)

	require.NoError(t, app.Shutdown(ctx))
	assert.False(t, app.IsRunning())
	assert.Zero(t, app.Manager().Count())
	assert.Equal(t, 0.0, testutil.ToFloat64(app.Metrics().PluginsLoaded))
	assert.ErrorIs(t, app.Shutdown(ctx), ErrNotRunning)
}

func TestStartSandboxed(t *testing.T) {
	app, _ := newTestApp(t, `
[features]
plugins_frontend_sandbox = true
`)
	ctx := context.Background()

	assert.True(t, app.Loader().Flags().SandboxEnabled)
	require.NoError(t, app.Start(ctx))
	defer app.Shutdown(ctx)

	ds, ok := app.Manager().DataSource("ds")
	require.True(t, ok)
	inst, err := ds.NewInstance(ctx, map[string]any{"url": "http://db"})
	require.NoError(t, err)
	assert.Equal(t, "main", inst.(map[string]any)["org"])

	assert.Equal(t, 2.0, testutil.ToFloat64(
		app.Metrics().ImportsTotal.WithLabelValues(plugin.StrategySandbox.String(), "ok")))
}

func TestStartKeepsRunningWhenPluginFails(t *testing.T) {
	app, public := newTestApp(t, "")
	writeFile(t, filepath.Join(public, "plugins", "broken", "plugin.json"),
		`{"id": "broken", "type": "datasource"}`)
	writeFile(t, filepath.Join(public, "plugins", "broken", "module.lua"), `error("boom")`)

	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	defer app.Shutdown(ctx)

	assert.Equal(t, []string{"app", "ds"}, app.Manager().IDs())
}

func TestImportBuiltin(t *testing.T) {
	app, _ := newTestApp(t, "", func(o *Options) {
		o.Builtins = func(r *builtin.Registry) {
			r.Register("core:plugin/text", builtin.Value(module.Exports{"name": "text"}))
		}
	})

	loaded, err := app.Import(context.Background(), plugin.Descriptor{ID: "text", Module: "core:plugin/text"})
	require.NoError(t, err)
	assert.Equal(t, "text", loaded.Exports["name"])
}

func TestImportModule(t *testing.T) {
	app, _ := newTestApp(t, "")

	_, err := app.Catalog().Discover()
	require.NoError(t, err)
	meta, ok := app.Catalog().Lookup("ds")
	require.True(t, ok)

	loaded, err := app.Import(context.Background(), meta.Descriptor())
	require.NoError(t, err)
	defer loaded.Close()
	assert.Contains(t, loaded.Exports, "plugin")
}

func TestCatalogChangeReloads(t *testing.T) {
	app, public := newTestApp(t, "")
	ctx := context.Background()
	_, err := app.Catalog().Discover()
	require.NoError(t, err)
	require.NoError(t, app.Manager().LoadAll(ctx))
	defer app.Manager().UnloadAll(ctx)

	var events []plugin.ManagerEventType
	unsubscribe := app.Manager().Subscribe(func(e plugin.ManagerEvent) {
		events = append(events, e.Type)
	})
	defer unsubscribe()

	require.NoError(t, os.RemoveAll(filepath.Join(public, "plugins", "app")))
	_, err = app.Catalog().Discover()
	require.NoError(t, err)

	app.handleCatalogChange(ctx)([]string{"app", "ds"})

	assert.Equal(t, []string{"ds"}, app.Manager().IDs())
	assert.Equal(t, []plugin.ManagerEventType{
		plugin.EventPluginUnloaded,
		plugin.EventPluginUnloaded,
		plugin.EventPluginLoaded,
		plugin.EventPluginReloaded,
	}, events)
}

func TestInitError(t *testing.T) {
	err := &InitError{Component: "logging", Err: assert.AnError}
	assert.Equal(t, "initializing logging: "+assert.AnError.Error(), err.Error())
	assert.ErrorIs(t, err, assert.AnError)
}
