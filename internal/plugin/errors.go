package plugin

import (
	"errors"
	"fmt"
)

// Plugin system errors.
var (
	// ErrPluginNotFound is returned when no metadata exists for a plugin id.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrNilMeta is returned when a nil meta is provided.
	ErrNilMeta = errors.New("plugin meta is nil")

	// ErrMissingExport is returned when a module exports neither the modern
	// nor the legacy shape expected for its plugin type.
	ErrMissingExport = errors.New("plugin module is missing a plugin or Datasource constructor export")

	// ErrWrongVariant is returned when the plugin export is a plugin of
	// another type.
	ErrWrongVariant = errors.New("plugin export has the wrong plugin type")
)

// ResolutionError is returned when a plugin module could not be produced:
// a missing built-in or source, a failed fetch, or a failed trusted import.
type ResolutionError struct {
	PluginID string
	Path     string
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("plugin %s: resolve %s: %v", e.PluginID, e.Path, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// SandboxExecutionError is returned when plugin code raised while being
// evaluated in the sandbox. Err is the cause as raised.
type SandboxExecutionError struct {
	PluginID string
	Err      error
}

func (e *SandboxExecutionError) Error() string {
	return fmt.Sprintf("plugin %s: sandbox execution: %v", e.PluginID, e.Err)
}

func (e *SandboxExecutionError) Unwrap() error {
	return e.Err
}

// AdapterError is returned when module exports cannot be turned into a
// plugin of the requested type.
type AdapterError struct {
	PluginID string
	Kind     Type
	Err      error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("plugin %s: adapt %s: %v", e.PluginID, e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}
