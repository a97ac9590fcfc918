package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrAlreadyLoaded is returned when loading a plugin that is already loaded.
var ErrAlreadyLoaded = errors.New("plugin is already loaded")

// ErrNotLoaded is returned when unloading a plugin that is not loaded.
var ErrNotLoaded = errors.New("plugin is not loaded")

// MetaSource provides plugin metadata by id.
type MetaSource interface {
	Lookup(id string) (*Meta, bool)
	List() []*Meta
}

// Instance is a plugin held by the Manager.
type Instance struct {
	Result
	LoadedAt time.Time
}

// Manager keeps the loaded plugins of a host. It loads plugins by id from a
// MetaSource and releases their runtimes on unload.
type Manager struct {
	mu sync.RWMutex

	loader *Loader
	metas  MetaSource

	// Loaded plugins by id
	plugins map[string]*Instance

	// Event handlers (protected by mu)
	eventHandlers []EventHandler
}

// EventHandler handles plugin manager events.
// Handlers must be non-blocking and should not call back into the Manager
// to avoid deadlocks. Panics in handlers are recovered.
type EventHandler func(event ManagerEvent)

// ManagerEvent represents a plugin manager event.
type ManagerEvent struct {
	Type   ManagerEventType
	Plugin string
	Error  error
}

// ManagerEventType is the type of manager event.
type ManagerEventType int

const (
	// EventPluginLoaded is emitted when a plugin is loaded.
	EventPluginLoaded ManagerEventType = iota
	// EventPluginUnloaded is emitted when a plugin is unloaded.
	EventPluginUnloaded
	// EventPluginReloaded is emitted when a plugin is reloaded.
	EventPluginReloaded
	// EventPluginError is emitted when a plugin fails to load.
	EventPluginError
)

// String returns a string representation of the event type.
func (t ManagerEventType) String() string {
	switch t {
	case EventPluginLoaded:
		return "loaded"
	case EventPluginUnloaded:
		return "unloaded"
	case EventPluginReloaded:
		return "reloaded"
	case EventPluginError:
		return "error"
	default:
		return "unknown"
	}
}

// NewManager creates a plugin manager.
func NewManager(loader *Loader, metas MetaSource) *Manager {
	return &Manager{
		loader:  loader,
		metas:   metas,
		plugins: make(map[string]*Instance),
	}
}

// Load loads the plugin with the given id.
// If the plugin is already loaded, returns ErrAlreadyLoaded.
func (m *Manager) Load(ctx context.Context, id string) (*Instance, error) {
	m.mu.RLock()
	_, exists := m.plugins[id]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("plugin %q: %w", id, ErrAlreadyLoaded)
	}

	meta, ok := m.metas.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("plugin %q: %w", id, ErrPluginNotFound)
	}

	results := m.loader.ImportAll(ctx, []*Meta{meta})
	return m.store(id, results[0])
}

// LoadAll loads every plugin of the MetaSource that is not loaded yet. Loads
// run concurrently; failures are reported per plugin.
func (m *Manager) LoadAll(ctx context.Context) error {
	var pending []*Meta
	m.mu.RLock()
	for _, meta := range m.metas.List() {
		if _, exists := m.plugins[meta.ID]; !exists {
			pending = append(pending, meta)
		}
	}
	m.mu.RUnlock()

	var errs []error
	for _, r := range m.loader.ImportAll(ctx, pending) {
		if _, err := m.store(r.Meta.ID, r); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to load %d plugins: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func (m *Manager) store(id string, r Result) (*Instance, error) {
	if r.Err != nil {
		m.emitEvent(ManagerEvent{Type: EventPluginError, Plugin: id, Error: r.Err})
		return nil, r.Err
	}

	inst := &Instance{Result: r, LoadedAt: time.Now()}
	m.mu.Lock()
	if _, exists := m.plugins[id]; exists {
		m.mu.Unlock()
		_ = r.Close()
		return nil, fmt.Errorf("plugin %q: %w", id, ErrAlreadyLoaded)
	}
	m.plugins[id] = inst
	m.mu.Unlock()

	m.emitEvent(ManagerEvent{Type: EventPluginLoaded, Plugin: id})
	return inst, nil
}

// Unload releases a loaded plugin.
func (m *Manager) Unload(_ context.Context, id string) error {
	m.mu.Lock()
	inst, exists := m.plugins[id]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("plugin %q: %w", id, ErrNotLoaded)
	}
	delete(m.plugins, id)
	m.mu.Unlock()

	err := inst.Close()
	m.emitEvent(ManagerEvent{Type: EventPluginUnloaded, Plugin: id, Error: err})
	return err
}

// UnloadAll releases every loaded plugin.
func (m *Manager) UnloadAll(ctx context.Context) error {
	var errs []error
	for _, id := range m.IDs() {
		if err := m.Unload(ctx, id); err != nil && !errors.Is(err, ErrNotLoaded) {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Reload unloads a plugin if it is loaded and loads it again with the
// current metadata.
func (m *Manager) Reload(ctx context.Context, id string) error {
	if err := m.Unload(ctx, id); err != nil && !errors.Is(err, ErrNotLoaded) {
		return fmt.Errorf("reload unload failed: %w", err)
	}
	if _, err := m.Load(ctx, id); err != nil {
		return fmt.Errorf("reload load failed: %w", err)
	}
	m.emitEvent(ManagerEvent{Type: EventPluginReloaded, Plugin: id})
	return nil
}

// Get returns a loaded plugin.
func (m *Manager) Get(id string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.plugins[id]
	return inst, ok
}

// DataSource returns a loaded data-source plugin.
func (m *Manager) DataSource(id string) (*DataSourcePlugin, bool) {
	inst, ok := m.Get(id)
	if !ok || inst.DataSource == nil {
		return nil, false
	}
	return inst.DataSource, true
}

// App returns a loaded app plugin.
func (m *Manager) App(id string) (*AppPlugin, bool) {
	inst, ok := m.Get(id)
	if !ok || inst.App == nil {
		return nil, false
	}
	return inst.App, true
}

// IDs returns the ids of the loaded plugins, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.plugins))
	for id := range m.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of loaded plugins.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.plugins)
}

// Subscribe adds an event handler.
// Returns an unsubscribe function to remove the handler.
func (m *Manager) Subscribe(handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}

	m.mu.Lock()
	m.eventHandlers = append(m.eventHandlers, handler)
	index := len(m.eventHandlers) - 1
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		// Set to nil instead of removing to avoid index shifting issues
		if index < len(m.eventHandlers) {
			m.eventHandlers[index] = nil
		}
	}
}

// Loader returns the underlying loader.
func (m *Manager) Loader() *Loader {
	return m.loader
}

// emitEvent sends an event to all handlers.
// Handlers are called outside any locks and panics are recovered.
func (m *Manager) emitEvent(event ManagerEvent) {
	m.mu.RLock()
	handlers := make([]EventHandler, len(m.eventHandlers))
	copy(handlers, m.eventHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		func() {
			defer func() {
				_ = recover()
			}()
			handler(event)
		}()
	}
}
