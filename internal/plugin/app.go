package plugin

import (
	"context"
	"io"

	lua "github.com/yuin/gopher-lua"

	plua "github.com/dshills/plugload/internal/plugin/lua"
	"github.com/dshills/plugload/internal/plugin/module"
)

// AppPage is a page contributed by an app plugin.
type AppPage struct {
	Title string
	ID    string
	Body  any
}

// AppInitFunc is called when an app plugin is initialized with its meta.
type AppInitFunc func(ctx context.Context, meta *Meta) error

// AppPlugin is the canonical app plugin.
type AppPlugin struct {
	Meta        *Meta
	Root        any
	ConfigPages []AppPage

	// LegacyConfigCtrl is the config controller of a legacy plugin.
	LegacyConfigCtrl any

	// LegacyPages maps page include components to their exports.
	LegacyPages map[string]any

	onInit  AppInitFunc
	runtime io.Closer
}

// NewAppPlugin creates an empty app plugin.
func NewAppPlugin() *AppPlugin {
	return &AppPlugin{LegacyPages: make(map[string]any)}
}

// SetRootPage sets the root page component.
func (p *AppPlugin) SetRootPage(v any) *AppPlugin {
	p.Root = v
	return p
}

// AddConfigPage appends a config page.
func (p *AppPlugin) AddConfigPage(page AppPage) *AppPlugin {
	p.ConfigPages = append(p.ConfigPages, page)
	return p
}

// OnInit registers fn to run when the plugin is initialized.
func (p *AppPlugin) OnInit(fn AppInitFunc) *AppPlugin {
	p.onInit = fn
	return p
}

// Init binds meta to the plugin and runs the init hook, if any.
func (p *AppPlugin) Init(ctx context.Context, meta *Meta) error {
	p.Meta = meta
	if p.onInit == nil {
		return nil
	}
	return p.onInit(ctx, meta)
}

// SetComponentsFromLegacyExports maps legacy exports onto the plugin: the
// ConfigCtrl export becomes the config controller, and every page include of
// the meta with a component name is bound to the export of that name. It
// returns the component names that had no export.
func (p *AppPlugin) SetComponentsFromLegacyExports(exports module.Exports) []string {
	if v, ok := exports[ExportConfigCtrl]; ok && v != nil {
		p.LegacyConfigCtrl = v
	}
	if p.Meta == nil {
		return nil
	}
	if p.LegacyPages == nil {
		p.LegacyPages = make(map[string]any)
	}

	var unknown []string
	for _, inc := range p.Meta.Pages() {
		if inc.Component == "" {
			continue
		}
		v, ok := exports[inc.Component]
		if !ok || v == nil {
			unknown = append(unknown, inc.Component)
			continue
		}
		p.LegacyPages[inc.Component] = v
	}
	return unknown
}

// Close releases the runtime the plugin was loaded into.
func (p *AppPlugin) Close() error {
	if p.runtime == nil {
		return nil
	}
	rt := p.runtime
	p.runtime = nil
	return rt.Close()
}

// clone returns a copy the caller owns, with its own page collections.
func (p *AppPlugin) clone() *AppPlugin {
	c := *p
	c.Meta = nil
	c.runtime = nil
	c.ConfigPages = append([]AppPage(nil), p.ConfigPages...)
	c.LegacyPages = make(map[string]any, len(p.LegacyPages))
	for k, v := range p.LegacyPages {
		c.LegacyPages[k] = v
	}
	return &c
}

func (p *AppPlugin) attach(rt io.Closer) {
	if rt != nil {
		p.runtime = rt
	}
}

// LuaExports exposes the builder methods to Lua.
func (p *AppPlugin) LuaExports() map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"set_root_page":   appSetRootPage,
		"add_config_page": appAddConfigPage,
		"on_init":         appOnInit,
	}
}

func checkApp(L *lua.LState) (*lua.LUserData, *AppPlugin) {
	ud := L.CheckUserData(1)
	p, ok := ud.Value.(*AppPlugin)
	if !ok {
		L.ArgError(1, "app plugin expected")
	}
	return ud, p
}

// app:set_root_page(component)
func appSetRootPage(L *lua.LState) int {
	ud, p := checkApp(L)
	p.SetRootPage(toGo(L, L.Get(2)))
	L.Push(ud)
	return 1
}

// app:add_config_page(title, body [, id])
func appAddConfigPage(L *lua.LState) int {
	ud, p := checkApp(L)
	title := L.CheckString(2)
	page := AppPage{
		Title: title,
		ID:    L.OptString(4, title),
		Body:  toGo(L, L.Get(3)),
	}
	p.AddConfigPage(page)
	L.Push(ud)
	return 1
}

// app:on_init(function(meta) ... end)
func appOnInit(L *lua.LState) int {
	ud, p := checkApp(L)
	fn, ok := toGo(L, L.CheckFunction(2)).(*plua.Function)
	if !ok {
		L.ArgError(2, "function expected")
		return 0
	}
	p.OnInit(func(ctx context.Context, meta *Meta) error {
		_, err := fn.Call(ctx, metaTable(meta))
		return err
	})
	L.Push(ud)
	return 1
}

// metaTable is the view of a meta handed to Lua code.
func metaTable(m *Meta) map[string]any {
	if m == nil {
		return nil
	}
	return map[string]any{
		"id":        m.ID,
		"type":      string(m.Type),
		"name":      m.Name,
		"module":    m.Module,
		"base_url":  m.BaseURL,
		"version":   m.Info.Version,
		"json_data": m.JSONData,
	}
}
