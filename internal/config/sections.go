package config

import (
	"errors"
	"time"

	"github.com/dshills/plugload/internal/plugin"
)

// Section accessor methods return snapshot structs. Mutating the returned
// struct does not modify the underlying configuration. Use Config.Set()
// to update configuration values.

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is a logrus level name ("debug", "info", ...).
	Level string

	// Format is "text" or "json".
	Format string
}

// BuildConfig describes the build the host runs as.
type BuildConfig struct {
	// Env is the build environment, e.g. "production" or "development".
	Env string

	// TestMode disables the plugin sandbox.
	TestMode bool
}

// FeaturesConfig holds feature flags.
type FeaturesConfig struct {
	// PluginsFrontendSandbox enables sandboxed plugin execution.
	PluginsFrontendSandbox bool
}

// PathsConfig holds filesystem locations.
type PathsConfig struct {
	// PublicDir is the root module paths are resolved against.
	PublicDir string

	// PluginDirs are scanned for plugin manifests, first match wins.
	PluginDirs []string
}

// CDNConfig holds plugin CDN settings.
type CDNConfig struct {
	// BaseURL enables the CDN strategy when set.
	BaseURL string
}

// FetchConfig holds module fetch settings.
type FetchConfig struct {
	// CacheEntries is the size of the content cache; 0 disables it.
	CacheEntries int

	// CacheTTL is how long fetched content is kept.
	CacheTTL time.Duration

	// HTTPTimeout bounds remote fetches.
	HTTPTimeout time.Duration
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	// Addr is the listen address of the metrics endpoint; empty disables it.
	Addr string
}

// RuntimeConfig holds plugin runtime settings.
type RuntimeConfig struct {
	// QueueSize is the executor queue size of each Lua state.
	QueueSize int

	// Settings are the host settings plugins can read.
	Settings map[string]any
}

// Log returns logging settings.
func (c *Config) Log() LogConfig {
	return LogConfig{
		Level:  c.getStringOr("log.level", "info"),
		Format: c.getStringOr("log.format", "text"),
	}
}

// Build returns build settings.
func (c *Config) Build() BuildConfig {
	return BuildConfig{
		Env:      c.getStringOr("build.env", "production"),
		TestMode: c.getBoolOr("build.test_mode", false),
	}
}

// Features returns feature flags.
func (c *Config) Features() FeaturesConfig {
	return FeaturesConfig{
		PluginsFrontendSandbox: c.getBoolOr("features.plugins_frontend_sandbox", false),
	}
}

// Paths returns filesystem locations.
func (c *Config) Paths() PathsConfig {
	return PathsConfig{
		PublicDir:  c.getStringOr("paths.public_dir", "public"),
		PluginDirs: c.getStringSliceOr("paths.plugin_dirs", []string{"public/plugins"}),
	}
}

// CDN returns plugin CDN settings.
func (c *Config) CDN() CDNConfig {
	return CDNConfig{
		BaseURL: c.getStringOr("cdn.base_url", ""),
	}
}

// Fetch returns module fetch settings.
func (c *Config) Fetch() FetchConfig {
	return FetchConfig{
		CacheEntries: c.getIntOr("fetch.cache_entries", 256),
		CacheTTL:     c.getDurationOr("fetch.cache_ttl", 10*time.Minute),
		HTTPTimeout:  c.getDurationOr("fetch.http_timeout", 30*time.Second),
	}
}

// Metrics returns metrics settings.
func (c *Config) Metrics() MetricsConfig {
	return MetricsConfig{
		Addr: c.getStringOr("metrics.addr", ""),
	}
}

// Runtime returns plugin runtime settings.
func (c *Config) Runtime() RuntimeConfig {
	settings, err := c.GetMap("runtime.settings")
	if err != nil {
		if !errors.Is(err, ErrSettingNotFound) {
			c.recordConfigError("runtime.settings", err)
		}
		settings = map[string]any{}
	}
	return RuntimeConfig{
		QueueSize: c.getIntOr("runtime.queue_size", 64),
		Settings:  settings,
	}
}

// Flags returns the sandbox eligibility flags.
func (c *Config) Flags() plugin.Flags {
	build := c.Build()
	return plugin.Flags{
		SandboxEnabled: c.Features().PluginsFrontendSandbox,
		Env:            build.Env,
		TestMode:       build.TestMode,
	}
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true,
	"warning": true, "error": true, "fatal": true, "panic": true,
}

// Validate checks the settings the host cannot start without.
func (c *Config) Validate() error {
	var errs []error

	logCfg := c.Log()
	if !validLogLevels[logCfg.Level] {
		errs = append(errs, &ValidationError{Path: "log.level", Message: "unknown level", Value: logCfg.Level})
	}
	if logCfg.Format != "text" && logCfg.Format != "json" {
		errs = append(errs, &ValidationError{Path: "log.format", Message: "must be text or json", Value: logCfg.Format})
	}

	fetch := c.Fetch()
	if fetch.CacheEntries < 0 {
		errs = append(errs, &ValidationError{Path: "fetch.cache_entries", Message: "must not be negative", Value: fetch.CacheEntries})
	}
	if fetch.HTTPTimeout <= 0 {
		errs = append(errs, &ValidationError{Path: "fetch.http_timeout", Message: "must be positive", Value: fetch.HTTPTimeout})
	}
	if c.Runtime().QueueSize <= 0 {
		errs = append(errs, &ValidationError{Path: "runtime.queue_size", Message: "must be positive", Value: c.Runtime().QueueSize})
	}

	// the remaining sections only need to be read for type errors
	_, _, _ = c.Flags(), c.Paths(), c.CDN()
	_ = c.Metrics()

	for _, err := range c.ConfigErrors() {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Accessor helpers. These return the default only for ErrSettingNotFound;
// type errors are recorded and surface through Validate.

func (c *Config) getStringOr(path string, defaultValue string) string {
	v, err := c.GetString(path)
	if err != nil {
		c.noteError(path, err)
		return defaultValue
	}
	return v
}

func (c *Config) getIntOr(path string, defaultValue int) int {
	v, err := c.GetInt(path)
	if err != nil {
		c.noteError(path, err)
		return defaultValue
	}
	return v
}

func (c *Config) getBoolOr(path string, defaultValue bool) bool {
	v, err := c.GetBool(path)
	if err != nil {
		c.noteError(path, err)
		return defaultValue
	}
	return v
}

func (c *Config) getDurationOr(path string, defaultValue time.Duration) time.Duration {
	v, err := c.GetDuration(path)
	if err != nil {
		c.noteError(path, err)
		return defaultValue
	}
	return v
}

func (c *Config) getStringSliceOr(path string, defaultValue []string) []string {
	v, err := c.GetStringSlice(path)
	if err != nil {
		c.noteError(path, err)
		v = defaultValue
	}
	result := make([]string, len(v))
	copy(result, v)
	return result
}

func (c *Config) noteError(path string, err error) {
	if !errors.Is(err, ErrSettingNotFound) {
		c.recordConfigError(path, err)
	}
}

// recordConfigError stores the first error seen for a path.
func (c *Config) recordConfigError(path string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.configErrors == nil {
		c.configErrors = make(map[string]error)
	}
	if _, exists := c.configErrors[path]; !exists {
		c.configErrors[path] = err
	}
}

// ConfigErrors returns the type errors met by section accessors.
func (c *Config) ConfigErrors() map[string]error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.configErrors == nil {
		return nil
	}
	result := make(map[string]error, len(c.configErrors))
	for k, v := range c.configErrors {
		result[k] = v
	}
	return result
}
