package plugin

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type metaMap map[string]*Meta

func (m metaMap) Lookup(id string) (*Meta, bool) {
	meta, ok := m[id]
	return meta, ok
}

func (m metaMap) List() []*Meta {
	list := make([]*Meta, 0, len(m))
	for _, meta := range m {
		list = append(list, meta)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

type eventLog struct {
	mu     sync.Mutex
	events []ManagerEvent
}

func (l *eventLog) handle(e ManagerEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []ManagerEventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var types []ManagerEventType
	for _, e := range l.events {
		types = append(types, e.Type)
	}
	return types
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	writeModule(t, root, "plugins/ds/module.lua", `return { Datasource = function() return "ds" end }`)
	writeModule(t, root, "plugins/app/module.lua", `return {}`)
	writeModule(t, root, "plugins/broken/module.lua", `error("broken")`)

	metas := metaMap{
		"ds":     {ID: "ds", Type: TypeDataSource, Module: "plugins/ds/module"},
		"app":    {ID: "app", Type: TypeApp, Module: "plugins/app/module"},
		"broken": {ID: "broken", Type: TypeDataSource, Module: "plugins/broken/module"},
	}
	return NewManager(newTestLoader(t, root), metas), root
}

func TestManagerLoad(t *testing.T) {
	m, _ := newTestManager(t)
	events := &eventLog{}
	m.Subscribe(events.handle)

	inst, err := m.Load(context.Background(), "ds")
	require.NoError(t, err)
	assert.NotNil(t, inst.DataSource)
	assert.False(t, inst.LoadedAt.IsZero())

	ds, ok := m.DataSource("ds")
	require.True(t, ok)
	assert.Same(t, inst.DataSource, ds)
	_, ok = m.App("ds")
	assert.False(t, ok)

	_, err = m.Load(context.Background(), "ds")
	assert.ErrorIs(t, err, ErrAlreadyLoaded)

	assert.Equal(t, []ManagerEventType{EventPluginLoaded}, events.types())
	require.NoError(t, m.UnloadAll(context.Background()))
}

func TestManagerLoadUnknown(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestManagerLoadError(t *testing.T) {
	m, _ := newTestManager(t)
	events := &eventLog{}
	m.Subscribe(events.handle)

	_, err := m.Load(context.Background(), "broken")
	var rerr *ResolutionError
	assert.ErrorAs(t, err, &rerr)
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, []ManagerEventType{EventPluginError}, events.types())
}

func TestManagerLoadAll(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.LoadAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load 1 plugins")

	assert.Equal(t, []string{"app", "ds"}, m.IDs())
	app, ok := m.App("app")
	require.True(t, ok)
	assert.NotNil(t, app.Meta)

	require.NoError(t, m.UnloadAll(context.Background()))
	assert.Equal(t, 0, m.Count())
}

func TestManagerUnload(t *testing.T) {
	m, _ := newTestManager(t)
	events := &eventLog{}
	m.Subscribe(events.handle)

	_, err := m.Load(context.Background(), "ds")
	require.NoError(t, err)
	require.NoError(t, m.Unload(context.Background(), "ds"))

	_, ok := m.Get("ds")
	assert.False(t, ok)
	assert.ErrorIs(t, m.Unload(context.Background(), "ds"), ErrNotLoaded)
	assert.Equal(t, []ManagerEventType{EventPluginLoaded, EventPluginUnloaded}, events.types())
}

func TestManagerReload(t *testing.T) {
	m, root := newTestManager(t)
	_, err := m.Load(context.Background(), "ds")
	require.NoError(t, err)

	writeModule(t, root, "plugins/ds/module.lua", `return { Datasource = function() return "ds v2" end }`)

	events := &eventLog{}
	m.Subscribe(events.handle)
	require.NoError(t, m.Reload(context.Background(), "ds"))

	ds, ok := m.DataSource("ds")
	require.True(t, ok)
	inst, err := ds.NewInstance(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ds v2", inst)
	assert.Equal(t, []ManagerEventType{EventPluginUnloaded, EventPluginLoaded, EventPluginReloaded}, events.types())

	require.NoError(t, m.UnloadAll(context.Background()))
}

func TestManagerReloadNotLoaded(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Reload(context.Background(), "app"))
	_, ok := m.App("app")
	assert.True(t, ok)
}

func TestManagerUnsubscribe(t *testing.T) {
	m, _ := newTestManager(t)
	events := &eventLog{}
	unsubscribe := m.Subscribe(events.handle)
	unsubscribe()

	_, err := m.Load(context.Background(), "app")
	require.NoError(t, err)
	assert.Empty(t, events.types())
}

func TestManagerHandlerPanicRecovered(t *testing.T) {
	m, _ := newTestManager(t)
	m.Subscribe(func(ManagerEvent) { panic("handler") })
	events := &eventLog{}
	m.Subscribe(events.handle)

	_, err := m.Load(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, []ManagerEventType{EventPluginLoaded}, events.types())
}

func TestManagerEventTypeString(t *testing.T) {
	assert.Equal(t, "loaded", EventPluginLoaded.String())
	assert.Equal(t, "unloaded", EventPluginUnloaded.String())
	assert.Equal(t, "reloaded", EventPluginReloaded.String())
	assert.Equal(t, "error", EventPluginError.String())
	assert.Equal(t, "unknown", ManagerEventType(99).String())
}
