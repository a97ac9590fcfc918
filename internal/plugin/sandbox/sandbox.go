// Package sandbox executes untrusted plugin entry modules in an isolated Lua
// state.
//
// A sandboxed module sees the safe subset of the Lua standard library and can
// require only names exposed in the shared registry plus a few implicit
// framework names. Each execution gets a fresh state; the state lives as long
// as the returned module so that exported functions remain callable.
package sandbox

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/dshills/plugload/internal/plugin/lua"
	"github.com/dshills/plugload/internal/plugin/module"
)

// CodeSource provides the entry module code of a plugin.
type CodeSource interface {
	Code(ctx context.Context, pluginID string) (name string, code []byte, err error)
}

// CodeSourceFunc adapts a function to CodeSource.
type CodeSourceFunc func(ctx context.Context, pluginID string) (string, []byte, error)

// Code implements CodeSource.
func (f CodeSourceFunc) Code(ctx context.Context, pluginID string) (string, []byte, error) {
	return f(ctx, pluginID)
}

// SourceError is returned when the plugin's code could not be obtained.
type SourceError struct {
	PluginID string
	Err      error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("sandbox: code for plugin %s: %v", e.PluginID, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// ExecutionError is returned when the plugin's code raised during
// evaluation. Err is the Lua error as raised.
type ExecutionError struct {
	PluginID string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("sandbox: plugin %s: %v", e.PluginID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Context executes plugins in sandboxed Lua states.
type Context struct {
	deps      lua.Resolver
	source    CodeSource
	queueSize int
	log       logrus.FieldLogger
}

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Context) {
		c.log = log
	}
}

// WithQueueSize sets the executor queue size of each state.
func WithQueueSize(n int) Option {
	return func(c *Context) {
		c.queueSize = n
	}
}

// New creates a sandbox context. deps is the shared dependency surface; it
// is read live, so later exposures are visible to later executions.
func New(deps lua.Resolver, source CodeSource, opts ...Option) *Context {
	c := &Context{
		deps:      deps,
		source:    source,
		queueSize: lua.DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		c.log = l
	}
	return c
}

// Execute obtains and evaluates the entry module of pluginID. The returned
// module owns its Lua state; Close it when the plugin is unloaded.
func (c *Context) Execute(ctx context.Context, pluginID string) (*module.Loaded, error) {
	name, code, err := c.source.Code(ctx, pluginID)
	if err != nil {
		return nil, &SourceError{PluginID: pluginID, Err: err}
	}

	state, err := lua.NewState(
		lua.WithMode(lua.ModeSandboxed),
		lua.WithResolver(c.deps),
		lua.WithQueueSize(c.queueSize),
	)
	if err != nil {
		return nil, &ExecutionError{PluginID: pluginID, Err: err}
	}

	exports, err := state.Run(ctx, name, code)
	if err != nil {
		_ = state.Close()
		return nil, &ExecutionError{PluginID: pluginID, Err: err}
	}

	c.log.WithFields(logrus.Fields{
		"plugin":  pluginID,
		"exports": len(exports),
		"shared":  state.Sandbox().Loaded(),
	}).Debug("sandboxed module evaluated")

	return module.WithRuntime(exports, state), nil
}
