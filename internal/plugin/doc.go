// Package plugin resolves plugin modules and turns them into canonical
// data-source and app plugins.
//
// Plugin entry modules are Lua chunks whose return table becomes the module
// exports. Go values the host shares with plugins are handed out by
// identity: a plugin that requires a shared module holds the very instance
// the host exposed.
//
// # Quick Start
//
//	deps := shared.NewRegistry()
//	plugin.ExposeHostModules(deps, plugin.NewSDK(), plugin.NewRuntime())
//
//	loader := plugin.NewLoader(
//	    plugin.WithSharedRegistry(deps),
//	    plugin.WithFlags(plugin.Flags{SandboxEnabled: true}),
//	)
//
//	ds, err := loader.ImportDataSourcePlugin(ctx, meta)
//	if err != nil {
//	    return err
//	}
//	defer ds.Close()
//
// # Load Strategies
//
// Every import registers the module version in the cache and then takes
// exactly one path:
//
//	builtin  module path registered in the built-in registry
//	sandbox  SandboxEligible reports true
//	import   everything else
//
// Built-ins never touch the cache locator or the sandbox. Sandboxed modules
// run in a fresh Lua state with the io, os, debug and package libraries
// removed and a require that only answers shared dependencies. Trusted
// imports are fetched through the locate strategies (stylesheets, plugin CDN,
// host files) and may require sibling modules relative to their own path.
//
// Legacy component model plugins are never sandboxed.
//
// # Export Shapes
//
// A data-source module exports either
//
//	{ plugin = data.datasource(ctor) }   -- modern
//	{ Datasource = ctor, QueryCtrl = ... } -- legacy
//
// and an app module exports { plugin = data.app() } or any table, whose page
// includes are bound by component name.
//
// # Manifest
//
// plugin.json (or plugin.yaml) describes a plugin:
//
//	{
//	  "id": "my-datasource",
//	  "type": "datasource",
//	  "info": {"version": "1.2.0"},
//	  "legacyComponentModel": false
//	}
//
// module defaults to plugins/<id>/module.
//
// # Lifetime
//
// Lua functions in exports live in the state that created them. Loaded
// modules and the plugins adapted from them keep that state open until
// Close is called; the Manager closes plugins on unload.
package plugin
