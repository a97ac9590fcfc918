// Package config loads the plugload host configuration.
//
// Configuration is merged from three layers, later layers overriding
// earlier ones:
//
//	1. Built-in defaults
//	2. TOML file (plugload.toml)
//	3. Environment variables (PLUGLOAD_*)
//
// Settings are addressed by dot-separated paths such as "fetch.cache_ttl".
// Section accessors (Log, Build, Paths, ...) return snapshot structs.
//
// # Example
//
//	[log]
//	level = "debug"
//	format = "json"
//
//	[build]
//	env = "development"
//
//	[features]
//	plugins_frontend_sandbox = true
//
//	[paths]
//	public_dir = "public"
//	plugin_dirs = ["public/plugins"]
//
//	[cdn]
//	base_url = "https://cdn.example.com/plugins"
//
//	[fetch]
//	cache_entries = 256
//	cache_ttl = "10m"
//	http_timeout = "30s"
//
//	[metrics]
//	addr = ":9090"
//
//	[runtime.settings]
//	appUrl = "http://localhost:3000"
package config
